// Package store persists deployments and their event history in SQLite.
package store

import (
	"errors"
	"fmt"
)

// =============================================================================
// Error Types
// =============================================================================

// Lookup and constraint failures. Callers match these with errors.Is.
var (
	ErrNotFound         = errors.New("entity not found")
	ErrDuplicateID      = errors.New("entity with this ID already exists")
	ErrDuplicateSafeID  = errors.New("safe identifier already used by this owner")
	ErrDuplicateWorkDir = errors.New("working directory already owned by another deployment")
	ErrForeignKey       = errors.New("foreign key constraint violated")
)

// Database-level failures.
var (
	ErrConnectionFailed = errors.New("database connection failed")
	ErrMigrationFailed  = errors.New("database migration failed")
	ErrTxFailed         = errors.New("transaction failed")

	// ErrInvalidData marks a stored JSON column that no longer decodes.
	ErrInvalidData = errors.New("invalid data format")
)

// StoreError records which store call failed and on what row.
type StoreError struct {
	Op      string // store method, e.g. "UpdateDeployment"
	Entity  string // "deployment" or "event"
	ID      string
	Message string
	Err     error
}

func (e *StoreError) Error() string {
	switch {
	case e.ID != "":
		return fmt.Sprintf("%s %s %s: %s", e.Op, e.Entity, e.ID, e.Message)
	case e.Entity != "":
		return fmt.Sprintf("%s %s: %s", e.Op, e.Entity, e.Message)
	default:
		return fmt.Sprintf("%s: %s", e.Op, e.Message)
	}
}

func (e *StoreError) Unwrap() error { return e.Err }

// NewStoreError creates a new StoreError.
func NewStoreError(op, entity, id, message string, err error) *StoreError {
	return &StoreError{Op: op, Entity: entity, ID: id, Message: message, Err: err}
}
