package authorization

import (
	"context"
	"errors"
	"testing"

	"github.com/smallbiznis/impactledger/internal/config"
	"github.com/smallbiznis/impactledger/internal/storetest"
	"go.uber.org/zap"
)

func newService(t *testing.T) Service {
	t.Helper()
	enforcer, err := NewEnforcer(storetest.Open(t))
	if err != nil {
		t.Fatalf("new enforcer: %v", err)
	}
	return NewService(Params{
		Log: zap.NewNop(),
		Cfg: config.Config{AdminKeys: map[string]string{
			"op-key":   "Operator",
			"view-key": "viewer",
		}},
		Enforcer: enforcer,
	})
}

func TestResolveKey(t *testing.T) {
	svc := newService(t)

	actor, err := svc.ResolveKey(" op-key ")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if actor.Role != RoleOperator {
		t.Fatalf("expected operator role, got %q", actor.Role)
	}
	if actor.Subject == "" || actor.Subject == "op-key" {
		t.Fatalf("expected hashed subject, got %q", actor.Subject)
	}

	if _, err := svc.ResolveKey(""); !errors.Is(err, ErrMissingKey) {
		t.Fatalf("expected missing key, got %v", err)
	}
	if _, err := svc.ResolveKey("guess"); !errors.Is(err, ErrInvalidKey) {
		t.Fatalf("expected invalid key, got %v", err)
	}
}

func TestAuthorizeByRole(t *testing.T) {
	svc := newService(t)
	ctx := context.Background()

	operator, err := svc.ResolveKey("op-key")
	if err != nil {
		t.Fatalf("resolve operator: %v", err)
	}
	viewer, err := svc.ResolveKey("view-key")
	if err != nil {
		t.Fatalf("resolve viewer: %v", err)
	}

	cases := []struct {
		name   string
		actor  Actor
		object string
		action string
		want   error
	}{
		{"operator pauses registry", operator, ObjectRegistry, ActionRegistryPause, nil},
		{"operator revokes purchase", operator, ObjectPurchase, ActionPurchaseRevoke, nil},
		{"viewer reads token", viewer, ObjectToken, ActionTokenView, nil},
		{"viewer cannot deactivate", viewer, ObjectToken, ActionTokenDeactivate, ErrForbidden},
		{"viewer cannot unpause", viewer, ObjectRegistry, ActionRegistryUnpause, ErrForbidden},
		{"unknown role", Actor{Subject: "admin_key:x", Role: "intern"}, ObjectToken, ActionTokenView, ErrForbidden},
		{"empty action", operator, ObjectToken, "", ErrInvalidAction},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := svc.Authorize(ctx, tc.actor, tc.object, tc.action)
			if !errors.Is(err, tc.want) {
				t.Fatalf("expected %v, got %v", tc.want, err)
			}
		})
	}
}
