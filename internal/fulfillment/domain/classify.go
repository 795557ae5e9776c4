package domain

import (
	"context"
	"errors"

	idempotencydomain "github.com/smallbiznis/impactledger/internal/idempotency/domain"
	ingestdomain "github.com/smallbiznis/impactledger/internal/ingest/domain"
	purchasedomain "github.com/smallbiznis/impactledger/internal/purchase/domain"
	registrydomain "github.com/smallbiznis/impactledger/internal/registry/domain"
	"gorm.io/gorm"
)

// Class groups pipeline errors by how they are handled.
type Class int

const (
	ClassNone Class = iota
	// ClassConflict is a duplicate or replay; reconciled, and safe to redeliver.
	ClassConflict
	// ClassTransient is recorded as retryable and redriven later.
	ClassTransient
	// ClassFatal needs an operator; recorded as non-retryable and alerted.
	ClassFatal
	// ClassInput is a malformed or unusable event; rejected.
	ClassInput
)

func (c Class) String() string {
	switch c {
	case ClassNone:
		return "none"
	case ClassConflict:
		return "conflict"
	case ClassTransient:
		return "transient"
	case ClassFatal:
		return "fatal"
	case ClassInput:
		return "input"
	default:
		return "unknown"
	}
}

// Retryable reports whether a failure of this class may succeed on redelivery.
func (c Class) Retryable() bool {
	return c == ClassTransient || c == ClassConflict
}

func Classify(err error) Class {
	switch {
	case err == nil:
		return ClassNone
	case errors.Is(err, registrydomain.ErrDuplicatePurchase),
		errors.Is(err, registrydomain.ErrAlreadyInactive),
		errors.Is(err, gorm.ErrDuplicatedKey):
		return ClassConflict
	case errors.Is(err, registrydomain.ErrUnauthorized),
		errors.Is(err, registrydomain.ErrInvalidArgument),
		errors.Is(err, registrydomain.ErrOperatorMismatch),
		errors.Is(err, registrydomain.ErrUnknownAdapter),
		errors.Is(err, purchasedomain.ErrNoEligibleInitiative),
		errors.Is(err, purchasedomain.ErrInvalidTransition):
		return ClassFatal
	case errors.Is(err, ingestdomain.ErrInvalidEvent),
		errors.Is(err, ingestdomain.ErrInvalidPayload),
		errors.Is(err, ingestdomain.ErrInvalidSignature),
		errors.Is(err, idempotencydomain.ErrInvalidKey),
		errors.Is(err, purchasedomain.ErrNoPurchasableItems):
		return ClassInput
	case errors.Is(err, registrydomain.ErrPaused),
		errors.Is(err, context.DeadlineExceeded),
		errors.Is(err, context.Canceled):
		return ClassTransient
	default:
		return ClassTransient
	}
}
