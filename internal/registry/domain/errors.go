package domain

import "errors"

var (
	ErrUnauthorized      = errors.New("registry_unauthorized")
	ErrPaused            = errors.New("registry_paused")
	ErrInvalidArgument   = errors.New("registry_invalid_argument")
	ErrDuplicatePurchase = errors.New("registry_duplicate_purchase")
	ErrNotFound          = errors.New("registry_token_not_found")
	ErrAlreadyInactive   = errors.New("registry_token_already_inactive")
	ErrUnknownAdapter    = errors.New("registry_unknown_adapter")
	ErrOperatorRequired  = errors.New("registry_operator_required")
	ErrOperatorMismatch  = errors.New("registry_operator_mismatch")
)
