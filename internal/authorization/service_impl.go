package authorization

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	_ "embed"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/casbin/casbin/v2"
	"github.com/casbin/casbin/v2/model"
	gormadapter "github.com/casbin/gorm-adapter/v3"
	"github.com/smallbiznis/impactledger/internal/config"
	obslogger "github.com/smallbiznis/impactledger/internal/observability/logger"
	"github.com/smallbiznis/impactledger/internal/observability/masking"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

//go:embed model.conf
var modelText string

type Params struct {
	fx.In

	Log      *zap.Logger
	Cfg      config.Config
	Enforcer *casbin.SyncedEnforcer
}

type ServiceImpl struct {
	log      *zap.Logger
	keys     []adminKey
	enforcer *casbin.SyncedEnforcer
}

type adminKey struct {
	key   []byte
	actor Actor
}

func NewEnforcer(db *gorm.DB) (*casbin.SyncedEnforcer, error) {
	adapter, err := gormadapter.NewAdapterByDB(db)
	if err != nil {
		return nil, err
	}
	m, err := model.NewModelFromString(modelText)
	if err != nil {
		return nil, err
	}
	enforcer, err := casbin.NewSyncedEnforcer(m, adapter)
	if err != nil {
		return nil, err
	}
	enforcer.EnableAutoSave(true)
	enforcer.EnableAutoBuildRoleLinks(true)
	if err := enforcer.LoadPolicy(); err != nil {
		return nil, err
	}
	if err := seedPolicies(enforcer); err != nil {
		return nil, err
	}
	enforcer.BuildRoleLinks()
	return enforcer, nil
}

func NewService(p Params) Service {
	keys := make([]adminKey, 0, len(p.Cfg.AdminKeys))
	for key, role := range p.Cfg.AdminKeys {
		role = strings.ToLower(strings.TrimSpace(role))
		keys = append(keys, adminKey{
			key:   []byte(key),
			actor: Actor{Subject: keySubject(key), Role: role},
		})
	}
	return &ServiceImpl{
		log:      p.Log.Named("authorization.service"),
		keys:     keys,
		enforcer: p.Enforcer,
	}
}

func keySubject(key string) string {
	sum := sha256.Sum256([]byte(key))
	return "admin_key:" + hex.EncodeToString(sum[:8])
}

func (s *ServiceImpl) ResolveKey(key string) (Actor, error) {
	key = strings.TrimSpace(key)
	if key == "" {
		return Actor{}, ErrMissingKey
	}
	candidate := []byte(key)
	var (
		found Actor
		ok    bool
	)
	// Compare against every key so timing does not reveal which one matched.
	for _, item := range s.keys {
		if subtle.ConstantTimeCompare(item.key, candidate) == 1 {
			found = item.actor
			ok = true
		}
	}
	if !ok {
		s.log.Warn("authorization.unknown_key", zap.String("key", masking.MaskSecret(key)))
		return Actor{}, ErrInvalidKey
	}
	return found, nil
}

func (s *ServiceImpl) Authorize(ctx context.Context, actor Actor, object string, action string) error {
	if strings.TrimSpace(actor.Subject) == "" || strings.TrimSpace(actor.Role) == "" {
		return ErrInvalidKey
	}
	object = strings.TrimSpace(object)
	if object == "" {
		return ErrInvalidObject
	}
	action = strings.TrimSpace(action)
	if action == "" {
		return ErrInvalidAction
	}

	roleName := fmt.Sprintf("role:%s", actor.Role)
	if err := s.ensureGrouping(actor.Subject, roleName); err != nil {
		return err
	}

	allowed, err := s.enforcer.Enforce(actor.Subject, object, action)
	if err != nil {
		return err
	}
	log := obslogger.WithContext(ctx, s.log).With(
		zap.String("subject", actor.Subject),
		zap.String("role", actor.Role),
		zap.String("object", object),
		zap.String("action", action),
	)
	if !allowed {
		log.Warn("authorization.denied")
		return ErrForbidden
	}
	if shouldAuditGrant(action) {
		log.Info("authorization.granted")
	}
	return nil
}

func (s *ServiceImpl) ensureGrouping(subject string, roleName string) error {
	existing, err := s.enforcer.GetFilteredGroupingPolicy(0, subject)
	if err != nil {
		return err
	}
	for _, rule := range existing {
		if len(rule) < 2 {
			continue
		}
		if rule[1] != roleName {
			params := make([]interface{}, 0, len(rule))
			for _, value := range rule {
				params = append(params, value)
			}
			_, _ = s.enforcer.RemoveGroupingPolicy(params...)
		}
	}

	has, err := s.enforcer.HasGroupingPolicy(subject, roleName)
	if err != nil {
		return err
	}
	if has {
		return nil
	}
	_, err = s.enforcer.AddGroupingPolicy(subject, roleName)
	return err
}

func shouldAuditGrant(action string) bool {
	switch action {
	case ActionRegistryPause, ActionRegistryUnpause, ActionTokenDeactivate, ActionPurchaseRevoke:
		return true
	default:
		return false
	}
}

func seedPolicies(enforcer *casbin.SyncedEnforcer) error {
	policies := [][]string{
		// Viewer permissions (read-only)
		{"role:viewer", ObjectRegistry, ActionRegistryView},
		{"role:viewer", ObjectToken, ActionTokenView},
		{"role:viewer", ObjectPurchase, ActionPurchaseView},

		// Operator permissions
		{"role:operator", ObjectRegistry, ActionRegistryView},
		{"role:operator", ObjectRegistry, ActionRegistryPause},
		{"role:operator", ObjectRegistry, ActionRegistryUnpause},
		{"role:operator", ObjectToken, ActionTokenView},
		{"role:operator", ObjectToken, ActionTokenDeactivate},
		{"role:operator", ObjectPurchase, ActionPurchaseView},
		{"role:operator", ObjectPurchase, ActionPurchaseRevoke},
	}

	for _, policy := range policies {
		has, err := enforcer.HasPolicy(policy)
		if err != nil {
			return err
		}
		if has {
			continue
		}
		if _, err := enforcer.AddPolicy(policy); err != nil {
			return err
		}
	}
	return nil
}
