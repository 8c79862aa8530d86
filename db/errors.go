package db

import (
	"errors"
	"fmt"
)

// ErrStore is wrapped by every persistence failure so callers can tell store
// errors apart from remote or delivery errors.
var ErrStore = errors.New("store error")

// Common errors
var (
	ErrRepositoryNotFound   = fmt.Errorf("%w: repository not found", ErrStore)
	ErrSubscriptionNotFound = fmt.Errorf("%w: subscription not found", ErrStore)
	ErrInvalidInput         = fmt.Errorf("%w: invalid input", ErrStore)
	ErrDatabaseConnection   = fmt.Errorf("%w: database connection error", ErrStore)
	ErrTransactionFailed    = fmt.Errorf("%w: transaction failed", ErrStore)
)

// storeErr wraps a driver error so that it matches ErrStore.
func storeErr(op string, err error) error {
	return fmt.Errorf("%w: %s: %w", ErrStore, op, err)
}
