package application

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/example/studio-scheduler/internal/collaboration"
	"github.com/example/studio-scheduler/internal/persistence"
	"github.com/example/studio-scheduler/internal/recurrence"
	"github.com/example/studio-scheduler/internal/scheduler"
)

// SessionServiceDeps wires a SessionService. Store and Coordinator are required.
type SessionServiceDeps struct {
	Store       *scheduler.Store
	Coordinator *collaboration.Coordinator
	Series      persistence.SeriesRepository
	Overrides   persistence.OverrideRepository
	Expander    *recurrence.Expander
	Now         func() time.Time
	IDGenerator func() string
	Logger      *slog.Logger
}

// SessionService is the request-facing API over the scheduling store and the coordinator.
type SessionService struct {
	store       *scheduler.Store
	coordinator *collaboration.Coordinator
	series      persistence.SeriesRepository
	overrides   persistence.OverrideRepository
	expander    *recurrence.Expander
	now         func() time.Time
	newID       func() string
	logger      *slog.Logger
}

// NewSessionService validates deps and builds the service.
func NewSessionService(deps SessionServiceDeps) (*SessionService, error) {
	if deps.Store == nil {
		return nil, errors.New("session service: store is required")
	}
	if deps.Coordinator == nil {
		return nil, errors.New("session service: coordinator is required")
	}
	if deps.Expander == nil {
		deps.Expander = recurrence.NewExpander(recurrence.Options{})
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}
	if deps.IDGenerator == nil {
		deps.IDGenerator = func() string { return uuid.Must(uuid.NewV7()).String() }
	}
	return &SessionService{
		store:       deps.Store,
		coordinator: deps.Coordinator,
		series:      deps.Series,
		overrides:   deps.Overrides,
		expander:    deps.Expander,
		now:         deps.Now,
		newID:       deps.IDGenerator,
		logger:      defaultLogger(deps.Logger),
	}, nil
}

func (s *SessionService) loggerWith(ctx context.Context, operation string, attrs ...any) *slog.Logger {
	return serviceLogger(ctx, s.logger, "session", operation, attrs...)
}

// CheckConflicts reports what a candidate range would collide with, plus alternatives.
func (s *SessionService) CheckConflicts(ctx context.Context, input CheckInput) (scheduler.ConflictReport, error) {
	input.TrainerID = strings.TrimSpace(input.TrainerID)
	input.ClientID = strings.TrimSpace(input.ClientID)
	if vErr := validateStruct(input); vErr != nil {
		return scheduler.ConflictReport{}, vErr
	}
	refs := scheduler.ResourceRefs{TrainerID: input.TrainerID, ClientID: input.ClientID}
	report := s.store.Check(scheduler.TimeRange{Start: input.StartTime.UTC(), End: input.EndTime.UTC()}, refs, input.ExcludeSessionID)
	s.loggerWith(ctx, "check").DebugContext(ctx, "conflict check",
		"trainer_id", refs.TrainerID,
		"client_id", refs.ClientID,
		"conflicts", len(report.Conflicts),
	)
	return report, nil
}

// CreateSession commits a single session, or a blocked hold when input.Blocked is set.
func (s *SessionService) CreateSession(ctx context.Context, principal scheduler.Actor, input SessionInput) (session scheduler.Session, err error) {
	logger := s.loggerWith(ctx, "create", "actor_id", principal.ID)
	defer func() { logOutcome(ctx, logger, err, "session create", "session_id", session.ID) }()

	draft, err := draftFromInput(input)
	if err != nil {
		return scheduler.Session{}, err
	}
	session, err = s.store.Create(ctx, draft, scheduler.CreateOptions{
		Actor:    principal,
		Stamp:    s.store.Sequencer().Next(),
		Override: input.Override,
		Reason:   input.Reason,
	})
	if err != nil {
		return scheduler.Session{}, err
	}
	return session, nil
}

func draftFromInput(input SessionInput) (scheduler.Draft, error) {
	input.TrainerID = strings.TrimSpace(input.TrainerID)
	input.ClientID = strings.TrimSpace(input.ClientID)
	vErr := validateStruct(input)
	if vErr == nil {
		vErr = &ValidationError{}
	}
	minutes := input.DurationMinutes
	if minutes == 0 && input.EndTime != nil {
		length := input.EndTime.Sub(input.Start)
		if length <= 0 || length%time.Minute != 0 {
			vErr.add("endTime", "must be a whole number of minutes after startTime")
		}
		minutes = int(length / time.Minute)
	}
	if input.Blocked && input.ClientID != "" {
		vErr.add("clientId", "must be empty for a blocked hold")
	}
	if vErr.HasErrors() {
		return scheduler.Draft{}, vErr
	}

	draft := scheduler.Draft{
		Resources:       scheduler.ResourceRefs{TrainerID: input.TrainerID, ClientID: input.ClientID},
		Start:           input.Start.UTC(),
		DurationMinutes: minutes,
		Location:        strings.TrimSpace(input.Location),
		Notes:           input.Notes,
		SessionType:     strings.TrimSpace(input.SessionType),
	}
	if input.Blocked {
		draft.Status = scheduler.StatusBlocked
		draft.BlockReason = input.Reason
	}
	return draft, nil
}

// GetSession returns the current state of a session, including its live edit lock.
func (s *SessionService) GetSession(ctx context.Context, id string) (scheduler.Session, error) {
	session, err := s.store.Get(id)
	if err != nil {
		return scheduler.Session{}, err
	}
	return s.withLock(ctx, session), nil
}

// ListSessions returns matching sessions ordered by start. Lock owners are not attached.
func (s *SessionService) ListSessions(_ context.Context, input ListInput) ([]scheduler.Session, error) {
	filter := scheduler.Filter{
		From:      input.From,
		To:        input.To,
		TrainerID: strings.TrimSpace(input.TrainerID),
		ClientID:  strings.TrimSpace(input.ClientID),
		GroupID:   strings.TrimSpace(input.GroupID),
	}
	if !filter.From.IsZero() && !filter.To.IsZero() && !filter.To.After(filter.From) {
		vErr := &ValidationError{}
		vErr.add("to", "must be after from")
		return nil, vErr
	}
	for _, raw := range input.Statuses {
		if strings.TrimSpace(raw) == "" {
			continue
		}
		status, err := scheduler.ParseStatus(raw)
		if err != nil {
			vErr := &ValidationError{}
			vErr.add("status", err.Error())
			return nil, vErr
		}
		filter.Statuses = append(filter.Statuses, status)
	}
	return s.store.List(filter), nil
}

// Reschedule moves a session to a new range, optionally reassigning its trainer.
func (s *SessionService) Reschedule(ctx context.Context, principal scheduler.Actor, id string, input RescheduleInput) (session scheduler.Session, err error) {
	logger := s.loggerWith(ctx, "reschedule", "actor_id", principal.ID, "session_id", id)
	defer func() { logOutcome(ctx, logger, err, "session reschedule") }()

	if vErr := validateStruct(input); vErr != nil {
		return scheduler.Session{}, vErr
	}
	if input.ConflictOverride && principal.Role != scheduler.RoleAdmin {
		return scheduler.Session{}, fmt.Errorf("%w: only admins may override conflicts", ErrUnauthorized)
	}
	length := input.NewEndTime.Sub(input.NewStartTime)
	if length%time.Minute != 0 {
		vErr := &ValidationError{}
		vErr.add("newEndTime", "must be a whole number of minutes after newStartTime")
		return scheduler.Session{}, vErr
	}
	start := input.NewStartTime.UTC()
	minutes := int(length / time.Minute)
	patch := scheduler.Patch{Start: &start, DurationMinutes: &minutes}
	if input.TrainerID != nil {
		trainer := strings.TrimSpace(*input.TrainerID)
		patch.TrainerID = &trainer
	}
	return s.mutate(ctx, principal, id, input.ExpectedVersion, scheduler.Update{
		Patch:    patch,
		Override: input.ConflictOverride,
		Reason:   input.Reason,
	})
}

// EditSession applies a versioned sparse edit.
func (s *SessionService) EditSession(ctx context.Context, principal scheduler.Actor, id string, input EditInput) (session scheduler.Session, err error) {
	logger := s.loggerWith(ctx, "edit", "actor_id", principal.ID, "session_id", id)
	defer func() { logOutcome(ctx, logger, err, "session edit") }()

	if vErr := validateStruct(input); vErr != nil {
		return scheduler.Session{}, vErr
	}
	patch := input.patch()
	if patch.IsEmpty() {
		vErr := &ValidationError{}
		vErr.add("body", "at least one field must be changed")
		return scheduler.Session{}, vErr
	}
	if input.ConflictOverride && principal.Role != scheduler.RoleAdmin {
		return scheduler.Session{}, fmt.Errorf("%w: only admins may override conflicts", ErrUnauthorized)
	}
	return s.mutate(ctx, principal, id, input.ExpectedVersion, scheduler.Update{
		Patch:    patch,
		Override: input.ConflictOverride,
		Reason:   input.Reason,
	})
}

// Book claims an available session for a client. Clients book for themselves.
func (s *SessionService) Book(ctx context.Context, principal scheduler.Actor, id string, input ActionInput) (session scheduler.Session, err error) {
	logger := s.loggerWith(ctx, "book", "actor_id", principal.ID, "session_id", id)
	defer func() { logOutcome(ctx, logger, err, "session book") }()

	if vErr := validateStruct(input); vErr != nil {
		return scheduler.Session{}, vErr
	}
	clientID := strings.TrimSpace(input.ClientID)
	if clientID == "" && principal.Role == scheduler.RoleClient {
		clientID = principal.ID
	}
	return s.mutate(ctx, principal, id, input.ExpectedVersion, scheduler.Book{ClientID: clientID})
}

// Confirm marks a scheduled session as confirmed.
func (s *SessionService) Confirm(ctx context.Context, principal scheduler.Actor, id string, input ActionInput) (session scheduler.Session, err error) {
	logger := s.loggerWith(ctx, "confirm", "actor_id", principal.ID, "session_id", id)
	defer func() { logOutcome(ctx, logger, err, "session confirm") }()

	if vErr := validateStruct(input); vErr != nil {
		return scheduler.Session{}, vErr
	}
	return s.mutate(ctx, principal, id, input.ExpectedVersion, scheduler.Confirm{})
}

// Complete marks a booked session as done, optionally replacing its notes.
func (s *SessionService) Complete(ctx context.Context, principal scheduler.Actor, id string, input ActionInput) (session scheduler.Session, err error) {
	logger := s.loggerWith(ctx, "complete", "actor_id", principal.ID, "session_id", id)
	defer func() { logOutcome(ctx, logger, err, "session complete") }()

	if vErr := validateStruct(input); vErr != nil {
		return scheduler.Session{}, vErr
	}
	return s.mutate(ctx, principal, id, input.ExpectedVersion, scheduler.Complete{Notes: input.Notes})
}

// Cancel ends a session. Without a charge type the charge is classified from the notice given.
func (s *SessionService) Cancel(ctx context.Context, principal scheduler.Actor, id string, input ActionInput) (session scheduler.Session, err error) {
	logger := s.loggerWith(ctx, "cancel", "actor_id", principal.ID, "session_id", id)
	defer func() { logOutcome(ctx, logger, err, "session cancel") }()

	if vErr := validateStruct(input); vErr != nil {
		return scheduler.Session{}, vErr
	}
	charge, err := scheduler.ParseChargeType(input.ChargeType)
	if err != nil {
		vErr := &ValidationError{}
		vErr.add("chargeType", err.Error())
		return scheduler.Session{}, vErr
	}
	return s.mutate(ctx, principal, id, input.ExpectedVersion, scheduler.Cancel{Charge: charge, Reason: input.Reason})
}

// mutate stamps the change on receipt, honours foreign edit locks and turns a lost version race
// into a pending conflict when the caller named the version it edited.
func (s *SessionService) mutate(ctx context.Context, principal scheduler.Actor, id string, expected int64, transition scheduler.Transition) (scheduler.Session, error) {
	change := scheduler.Change{Actor: principal, Stamp: s.store.Sequencer().Next(), Transition: transition}
	if err := s.coordinator.CheckEditable(ctx, id, principal.ID); err != nil {
		return scheduler.Session{}, err
	}

	base := expected
	if base == 0 {
		current, err := s.store.Get(id)
		if err != nil {
			return scheduler.Session{}, err
		}
		base = current.Version
	}

	updated, err := s.store.Mutate(ctx, id, base, change)
	if err != nil {
		if expected != 0 && errors.Is(err, scheduler.ErrVersionConflict) {
			pending, recErr := s.coordinator.RecordConflict(ctx, id, expected, change)
			if recErr != nil {
				return scheduler.Session{}, errors.Join(err, recErr)
			}
			return scheduler.Session{}, &StaleEditError{Conflict: pending, Cause: err}
		}
		return scheduler.Session{}, err
	}
	return s.withLock(ctx, updated), nil
}

func (s *SessionService) withLock(ctx context.Context, session scheduler.Session) scheduler.Session {
	lock, ok, err := s.coordinator.LockOwner(ctx, session.ID)
	if err != nil {
		s.loggerWith(ctx, "lock_lookup", "session_id", session.ID).WarnContext(ctx, "lock owner unavailable", "error", err)
		return session
	}
	if ok {
		session.Lock = &scheduler.LockInfo{ActorID: lock.OwnerID, ExpiresAt: lock.ExpiresAt}
	}
	return session
}

// DeleteSession removes a session. A non-zero expectedVersion must still be current.
func (s *SessionService) DeleteSession(ctx context.Context, principal scheduler.Actor, id string, expectedVersion int64) (err error) {
	logger := s.loggerWith(ctx, "delete", "actor_id", principal.ID, "session_id", id)
	defer func() { logOutcome(ctx, logger, err, "session delete") }()

	if err := s.coordinator.CheckEditable(ctx, id, principal.ID); err != nil {
		return err
	}
	if err := s.store.Delete(ctx, id, expectedVersion, principal); err != nil {
		return err
	}
	if relErr := s.coordinator.ReleaseLock(ctx, id, principal.ID); relErr != nil && !errors.Is(relErr, collaboration.ErrLockNotHeld) {
		logger.WarnContext(ctx, "lock release after delete failed", "error", relErr)
	}
	return nil
}

// ListOverrides returns the override audit trail of a session. Clients may not read it.
func (s *SessionService) ListOverrides(ctx context.Context, principal scheduler.Actor, sessionID string) ([]OverrideView, error) {
	if !principal.Role.Manages() {
		return nil, ErrUnauthorized
	}
	if s.overrides == nil {
		return []OverrideView{}, nil
	}
	rows, err := s.overrides.ListOverrides(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", scheduler.ErrUnavailable, err)
	}
	views := make([]OverrideView, 0, len(rows))
	for _, row := range rows {
		views = append(views, overrideView(row))
	}
	return views, nil
}

// PendingConflicts lists unresolved races visible to the principal.
func (s *SessionService) PendingConflicts(_ context.Context, principal scheduler.Actor) []collaboration.PendingConflict {
	all := s.coordinator.PendingConflicts()
	if principal.Role == scheduler.RoleAdmin {
		return all
	}
	visible := make([]collaboration.PendingConflict, 0, len(all))
	for _, pending := range all {
		if pending.Actor.ID == principal.ID {
			visible = append(visible, pending)
		}
	}
	return visible
}

// ResolveConflict settles a pending race under the named policy. Admins may resolve any
// conflict; other actors only their own.
func (s *SessionService) ResolveConflict(ctx context.Context, principal scheduler.Actor, conflictID, policyName string) (outcome collaboration.Outcome, err error) {
	logger := s.loggerWith(ctx, "resolve", "actor_id", principal.ID, "conflict_id", conflictID)
	defer func() { logOutcome(ctx, logger, err, "conflict resolve", "decision", outcome.Decision) }()

	policy, err := collaboration.ParsePolicy(policyName)
	if err != nil {
		return collaboration.Outcome{}, err
	}
	var pending *collaboration.PendingConflict
	for _, candidate := range s.coordinator.PendingConflicts() {
		if candidate.ID == conflictID {
			pending = &candidate
			break
		}
	}
	if pending == nil {
		return collaboration.Outcome{}, collaboration.ErrConflictNotFound
	}
	if principal.Role != scheduler.RoleAdmin && principal.ID != pending.Actor.ID {
		return collaboration.Outcome{}, ErrUnauthorized
	}
	return s.coordinator.ResolveConflict(ctx, conflictID, policy)
}

// AcquireLock takes or renews the advisory edit lock on an existing session.
func (s *SessionService) AcquireLock(ctx context.Context, principal scheduler.Actor, id string) (collaboration.LockResult, error) {
	if _, err := s.store.Get(id); err != nil {
		return collaboration.LockResult{}, err
	}
	return s.coordinator.AcquireLock(ctx, id, principal.ID)
}

// ReleaseLock drops the principal's edit lock.
func (s *SessionService) ReleaseLock(ctx context.Context, principal scheduler.Actor, id string) error {
	return s.coordinator.ReleaseLock(ctx, id, principal.ID)
}
