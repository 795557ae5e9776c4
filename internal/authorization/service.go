package authorization

import (
	"context"
	"errors"
)

var (
	ErrMissingKey    = errors.New("admin_key_required")
	ErrInvalidKey    = errors.New("invalid_admin_key")
	ErrInvalidObject = errors.New("invalid_object")
	ErrInvalidAction = errors.New("invalid_action")
	ErrForbidden     = errors.New("forbidden")
)

const (
	RoleOperator = "operator"
	RoleViewer   = "viewer"
)

const (
	ObjectRegistry = "registry"
	ObjectToken    = "token"
	ObjectPurchase = "purchase"
)

const (
	ActionRegistryView    = "registry.view"
	ActionRegistryPause   = "registry.pause"
	ActionRegistryUnpause = "registry.unpause"

	ActionTokenView       = "token.view"
	ActionTokenDeactivate = "token.deactivate"

	ActionPurchaseView   = "purchase.view"
	ActionPurchaseRevoke = "purchase.revoke"
)

// Actor is an authenticated admin caller. Subject never contains the raw key.
type Actor struct {
	Subject string
	Role    string
}

type Service interface {
	// ResolveKey maps an X-Admin-Key value to its configured actor.
	ResolveKey(key string) (Actor, error)
	Authorize(ctx context.Context, actor Actor, object, action string) error
}
