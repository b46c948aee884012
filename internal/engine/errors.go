package engine

import (
	"errors"
	"fmt"

	"operaflow/internal/repo"
)

var (
	ErrInvalidParent     = errors.New("invalid parent")
	ErrCycleDetected     = errors.New("cycle detected")
	ErrHasChildren       = errors.New("task has children")
	ErrNotPending        = errors.New("provisional assignment is not pending")
	ErrRuleViolation     = errors.New("substitution rule violation")
	ErrAlreadyDeclared   = errors.New("contract already declared into planning")
	ErrNoFinancialLots   = errors.New("contract has no financial lots")
	ErrNotUnitPriced     = errors.New("contract is not unit-priced")
	ErrInvalidInput      = errors.New("invalid input")
	ErrConcurrentUpdate  = errors.New("concurrent update")
	ErrInvalidTransition = errors.New("invalid status transition")
)

// NotFoundError names the missing entity and unwraps to repo.ErrNotFound.
type NotFoundError struct {
	Kind string
	ID   string
}

func (e NotFoundError) Error() string {
	return fmt.Sprintf("%s %s not found", e.Kind, e.ID)
}

func (e NotFoundError) Unwrap() error { return repo.ErrNotFound }

// notFound converts repo.ErrNotFound into a NotFoundError for kind/id and
// passes other errors through.
func notFound(err error, kind, id string) error {
	if errors.Is(err, repo.ErrNotFound) {
		return NotFoundError{Kind: kind, ID: id}
	}
	return err
}

func invalidf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidInput, fmt.Sprintf(format, args...))
}

func stale(err error) error {
	if errors.Is(err, repo.ErrStaleVersion) {
		return fmt.Errorf("%w: %v", ErrConcurrentUpdate, err)
	}
	return err
}
