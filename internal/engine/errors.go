package engine

import (
	"errors"
	"fmt"

	"taskpool/internal/repo"
)

// NotFoundError reports an entity missing from the caller's org/project scope.
type NotFoundError struct {
	Kind string
	ID   any
}

func (e NotFoundError) Error() string {
	return fmt.Sprintf("%s %v not found", e.Kind, e.ID)
}

// ConflictError covers stale versions and illegal source states.
type ConflictError struct {
	Kind   string
	ID     int64
	Reason string
}

func (e ConflictError) Error() string {
	return fmt.Sprintf("%s %d conflict: %s", e.Kind, e.ID, e.Reason)
}

// ForbiddenError is returned when someone other than the claimant releases or
// completes a task.
type ForbiddenError struct {
	TaskID     int64
	ActorID    int64
	ClaimantID int64
}

func (e ForbiddenError) Error() string {
	return fmt.Sprintf("task %d is claimed by user %d, not user %d", e.TaskID, e.ClaimantID, e.ActorID)
}

// AlreadyExistsError reports a name collision inside a scope.
type AlreadyExistsError struct {
	Kind string
	Name string
}

func (e AlreadyExistsError) Error() string {
	return fmt.Sprintf("%s %q already exists", e.Kind, e.Name)
}

// ValidationError reports malformed input before anything touches storage.
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// EvaluationError is a hard failure while applying a rule. The firing was
// rolled back; it is never a suppression.
type EvaluationError struct {
	RuleID int64
	Err    error
}

func (e EvaluationError) Error() string {
	return fmt.Sprintf("evaluate rule %d: %v", e.RuleID, e.Err)
}

func (e EvaluationError) Unwrap() error { return e.Err }

// StorageError wraps a persistence failure the engine does not interpret.
type StorageError struct {
	Op  string
	Err error
}

func (e StorageError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e StorageError) Unwrap() error { return e.Err }

func storageErr(op string, err error) error {
	if err == nil {
		return nil
	}
	return StorageError{Op: op, Err: err}
}

// lookupErr turns repo.ErrNotFound into a NotFoundError and anything else
// into a StorageError.
func lookupErr(kind string, id any, err error) error {
	if errors.Is(err, repo.ErrNotFound) {
		return NotFoundError{Kind: kind, ID: id}
	}
	return storageErr("read "+kind, err)
}
