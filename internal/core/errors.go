package core

import (
	"errors"
	"fmt"
)

// Error taxonomy surfaced to callers. All of these are recoverable by the
// caller; only ErrConcurrentModification is retried inside the engine.
var (
	ErrInsufficientFunds      = errors.New("insufficient funds")
	ErrInsufficientCredit     = errors.New("insufficient credit")
	ErrInvalidStateTransition = errors.New("invalid state transition")
	ErrConcurrentModification = errors.New("concurrent modification")
	ErrNotReversible          = errors.New("entry is not reversible")
	ErrAccountNotFound        = errors.New("account not found")
	ErrNotFound               = errors.New("record not found")
	ErrValidation             = errors.New("validation failed")
	ErrDailyLimitExceeded     = errors.New("daily limit exceeded")
	ErrIdempotencyReuse       = errors.New("idempotency key reused with different request")
	ErrUnauthorized           = errors.New("unauthorized")
)

func validationf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrValidation, fmt.Sprintf(format, args...))
}
