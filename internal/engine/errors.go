package engine

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"sopline/internal/domain"
	"sopline/internal/repo"
	"sopline/internal/sequence"
)

// ValidationError rejects malformed input before any state is read.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Reason
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Reason)
}

func invalid(field, reason string) error {
	return &ValidationError{Field: field, Reason: reason}
}

type NotFoundError struct {
	Kind string
	ID   string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %s not found", e.Kind, e.ID)
}

func (e *NotFoundError) Unwrap() error { return repo.ErrNotFound }

// InvalidTransitionError carries the current status so the caller can reconcile.
type InvalidTransitionError struct {
	Kind    string
	Event   string
	Current string
}

func (e *InvalidTransitionError) Error() string {
	kind := e.Kind
	if kind == "" {
		kind = "execution"
	}
	return fmt.Sprintf("invalid %s transition: %s from status %s", kind, e.Event, e.Current)
}

type ConcurrentModificationError struct {
	Kind     string
	ID       string
	Expected int64
	Actual   int64
	// Set when a step-resolving call named a position that is no longer current.
	ExpectedPosition *int
	ActualPosition   *int
}

func (e *ConcurrentModificationError) Error() string {
	if e.ExpectedPosition != nil {
		actual := "none"
		if e.ActualPosition != nil {
			actual = strconv.Itoa(*e.ActualPosition)
		}
		return fmt.Sprintf("%s %s moved on (expected step %d, current step %s)", e.Kind, e.ID, *e.ExpectedPosition, actual)
	}
	if e.Actual == 0 {
		return fmt.Sprintf("%s %s was modified concurrently (expected version %d)", e.Kind, e.ID, e.Expected)
	}
	return fmt.Sprintf("%s %s was modified concurrently (expected version %d, found %d)", e.Kind, e.ID, e.Expected, e.Actual)
}

func (e *ConcurrentModificationError) Unwrap() error { return repo.ErrConflict }

type SequenceIntegrityError struct {
	ProjectID string
	Problems  []string
}

func (e *SequenceIntegrityError) Error() string {
	return fmt.Sprintf("project %s has a broken step sequence: %s", e.ProjectID, strings.Join(e.Problems, "; "))
}

type RetryNotAllowedError struct {
	ExecutionID     string
	RetryCount      int
	EscalationLevel int
	Reason          string
}

func (e *RetryNotAllowedError) Error() string {
	return fmt.Sprintf("retry not allowed for execution %s (retry_count=%d, escalation_level=%d): %s",
		e.ExecutionID, e.RetryCount, e.EscalationLevel, e.Reason)
}

// AuditWriteError means the audit append failed and the whole operation was
// rolled back.
type AuditWriteError struct {
	Err error
}

func (e *AuditWriteError) Error() string {
	return fmt.Sprintf("audit write failed, operation rolled back: %v", e.Err)
}

func (e *AuditWriteError) Unwrap() error { return e.Err }

func notFound(kind, id string, err error) error {
	if errors.Is(err, repo.ErrNotFound) {
		return &NotFoundError{Kind: kind, ID: id}
	}
	return err
}

func fromIntegrity(err error) error {
	var ie *sequence.IntegrityError
	if errors.As(err, &ie) {
		return &SequenceIntegrityError{ProjectID: ie.ProjectID, Problems: ie.Problems}
	}
	return err
}

func transitionError(event string, current domain.ExecutionStatus) error {
	return &InvalidTransitionError{Kind: "execution", Event: event, Current: string(current)}
}
