package scheduler

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound indicates the session does not exist.
	ErrNotFound = errors.New("scheduler: session not found")
	// ErrVersionConflict indicates the caller's expected version is stale.
	ErrVersionConflict = errors.New("scheduler: version conflict")
	// ErrConflict indicates the change would double-book a trainer or client.
	ErrConflict = errors.New("scheduler: scheduling conflict")
	// ErrInvariantViolation indicates the change breaks a scheduling rule.
	ErrInvariantViolation = errors.New("scheduler: invariant violation")
	// ErrUnauthorized indicates the actor's role does not permit the change.
	ErrUnauthorized = errors.New("scheduler: actor not permitted")
	// ErrUnavailable indicates the backing persistence failed.
	ErrUnavailable = errors.New("scheduler: persistence unavailable")
)

// VersionConflictError reports the version a caller expected and the one actually committed.
type VersionConflictError struct {
	SessionID string
	Expected  int64
	Current   int64
}

func (e *VersionConflictError) Error() string {
	return fmt.Sprintf("%s: session %s expected version %d, current %d", ErrVersionConflict, e.SessionID, e.Expected, e.Current)
}

func (e *VersionConflictError) Unwrap() error { return ErrVersionConflict }

// ConflictError carries the detector report that blocked a change.
type ConflictError struct {
	Report ConflictReport
}

func (e *ConflictError) Error() string {
	ids := make([]string, 0, len(e.Report.Conflicts))
	for _, c := range e.Report.Conflicts {
		ids = append(ids, c.SessionID)
	}
	return fmt.Sprintf("%s: overlaps %v", ErrConflict, ids)
}

func (e *ConflictError) Unwrap() error { return ErrConflict }

// InvariantViolation names the broken rule.
type InvariantViolation struct {
	Rule   string
	Detail string
}

func (e *InvariantViolation) Error() string {
	if e.Detail == "" {
		return fmt.Sprintf("%s: %s", ErrInvariantViolation, e.Rule)
	}
	return fmt.Sprintf("%s: %s: %s", ErrInvariantViolation, e.Rule, e.Detail)
}

func (e *InvariantViolation) Unwrap() error { return ErrInvariantViolation }

func violation(rule, format string, args ...any) error {
	return &InvariantViolation{Rule: rule, Detail: fmt.Sprintf(format, args...)}
}

func unauthorized(actor Actor, action string) error {
	return fmt.Errorf("%w: %s %s may not %s", ErrUnauthorized, actor.Role, actor.ID, action)
}
