package rules

import (
	"errors"
	"fmt"
)

// Terminal error kinds. Every failed operation matches exactly one of these
// via errors.Is.
var (
	ErrDuplicateFound   = errors.New("duplicate rule")
	ErrNotFound         = errors.New("rule not found")
	ErrMaxRulesExceeded = errors.New("max number of dynamic rules reached")
	ErrEngineRejected   = errors.New("rule rejected by engine")
	ErrStoreWriteFailed = errors.New("rule store write failed")
	ErrVersionConflict  = errors.New("rule store modified concurrently")
	ErrInvalidSpec      = errors.New("invalid rule")
)

// Op names a synchronizer operation.
type Op string

const (
	OpCreate    Op = "create"
	OpDelete    Op = "delete"
	OpEdit      Op = "edit"
	OpToggle    Op = "toggle"
	OpSeed      Op = "seed"
	OpInstall   Op = "install"
	OpReconcile Op = "reconcile"
)

// OpError carries the operation and rule a terminal error belongs to.
type OpError struct {
	Op     Op
	RuleID int
	Err    error
}

func (e *OpError) Error() string {
	if e.RuleID > 0 {
		return fmt.Sprintf("%s rule %d: %v", e.Op, e.RuleID, e.Err)
	}
	return fmt.Sprintf("%s rule: %v", e.Op, e.Err)
}

func (e *OpError) Unwrap() error { return e.Err }

// DuplicateError names the record that blocked a create.
type DuplicateError struct {
	Key      Key
	Existing Record
}

func (e *DuplicateError) Error() string {
	return fmt.Sprintf("%v: %s already exists as rule %d", ErrDuplicateFound, e.Key, e.Existing.ID)
}

func (e *DuplicateError) Is(target error) bool { return target == ErrDuplicateFound }

// ValidationError describes a rejected input field.
type ValidationError struct {
	Field  string
	Value  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%v: %s %q: %s", ErrInvalidSpec, e.Field, e.Value, e.Reason)
}

func (e *ValidationError) Is(target error) bool { return target == ErrInvalidSpec }

// Category maps an error onto a short label for metrics and API responses.
func Category(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrDuplicateFound):
		return "duplicate"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrInvalidSpec):
		return "invalid"
	case errors.Is(err, ErrMaxRulesExceeded):
		return "max_rules"
	case errors.Is(err, ErrEngineRejected):
		return "engine_rejected"
	case errors.Is(err, ErrVersionConflict):
		return "conflict"
	case errors.Is(err, ErrStoreWriteFailed):
		return "store_write"
	default:
		return "internal"
	}
}
