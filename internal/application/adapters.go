package application

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/example/studio-scheduler/internal/broadcast"
	"github.com/example/studio-scheduler/internal/persistence"
	"github.com/example/studio-scheduler/internal/scheduler"
)

// SessionStore adapts a persistence.SessionRepository to the scheduler's write-through contract.
type SessionStore struct {
	sessions persistence.SessionRepository
}

var _ scheduler.Repository = (*SessionStore)(nil)

// NewSessionStore wraps a session repository.
func NewSessionStore(sessions persistence.SessionRepository) *SessionStore {
	return &SessionStore{sessions: sessions}
}

// LoadSessions reads every stored session.
func (s *SessionStore) LoadSessions(ctx context.Context) ([]scheduler.Session, error) {
	rows, err := s.sessions.ListSessions(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]scheduler.Session, 0, len(rows))
	for _, row := range rows {
		session, err := sessionFromRow(row)
		if err != nil {
			return nil, fmt.Errorf("session %s: %w", row.ID, err)
		}
		out = append(out, session)
	}
	return out, nil
}

// InsertSessions stores a committed batch.
func (s *SessionStore) InsertSessions(ctx context.Context, sessions []scheduler.Session) error {
	rows := make([]persistence.Session, 0, len(sessions))
	for _, session := range sessions {
		rows = append(rows, sessionToRow(session))
	}
	return s.sessions.InsertSessions(ctx, rows)
}

// UpdateSession writes the next version of a session.
func (s *SessionStore) UpdateSession(ctx context.Context, session scheduler.Session, expectedVersion int64) error {
	err := s.sessions.UpdateSession(ctx, sessionToRow(session), expectedVersion)
	if !errors.Is(err, persistence.ErrVersionConflict) {
		return err
	}
	stored, getErr := s.sessions.GetSession(ctx, session.ID)
	if getErr != nil {
		return fmt.Errorf("%w: %w", scheduler.ErrVersionConflict, err)
	}
	return &scheduler.VersionConflictError{SessionID: session.ID, Expected: expectedVersion, Current: stored.Version}
}

// UpdateSessions writes the next version of every session in one call.
func (s *SessionStore) UpdateSessions(ctx context.Context, sessions []scheduler.Session) error {
	rows := make([]persistence.Session, 0, len(sessions))
	for _, session := range sessions {
		rows = append(rows, sessionToRow(session))
	}
	err := s.sessions.UpdateSessions(ctx, rows)
	if !errors.Is(err, persistence.ErrVersionConflict) {
		return err
	}
	for _, session := range sessions {
		stored, getErr := s.sessions.GetSession(ctx, session.ID)
		if getErr == nil && stored.Version != session.Version-1 {
			return &scheduler.VersionConflictError{SessionID: session.ID, Expected: session.Version - 1, Current: stored.Version}
		}
	}
	return fmt.Errorf("%w: %w", scheduler.ErrVersionConflict, err)
}

// DeleteSessions removes sessions.
func (s *SessionStore) DeleteSessions(ctx context.Context, ids []string) error {
	return s.sessions.DeleteSessions(ctx, ids)
}

func sessionToRow(s scheduler.Session) persistence.Session {
	return persistence.Session{
		ID:              s.ID,
		TrainerID:       s.Resources.TrainerID,
		ClientID:        s.Resources.ClientID,
		Start:           s.Start,
		DurationMinutes: s.DurationMinutes,
		Location:        s.Location,
		Notes:           s.Notes,
		SessionType:     s.SessionType,
		Status:          s.Status.String(),
		Version:         s.Version,
		GroupID:         s.GroupID,
		BlockReason:     s.BlockReason,
		ChargeType:      string(s.Charge),
		CancelReason:    s.CancelReason,
		CancelledBy:     s.CancelledBy,
		CompletedAt:     s.CompletedAt,
		CreatedAt:       s.CreatedAt,
		UpdatedAt:       s.UpdatedAt,
	}
}

func sessionFromRow(row persistence.Session) (scheduler.Session, error) {
	status, err := scheduler.ParseStatus(row.Status)
	if err != nil {
		return scheduler.Session{}, err
	}
	charge, err := scheduler.ParseChargeType(row.ChargeType)
	if err != nil {
		return scheduler.Session{}, err
	}
	return scheduler.Session{
		ID:              row.ID,
		Resources:       scheduler.ResourceRefs{TrainerID: row.TrainerID, ClientID: row.ClientID},
		Start:           row.Start.UTC(),
		DurationMinutes: row.DurationMinutes,
		Location:        row.Location,
		Notes:           row.Notes,
		SessionType:     row.SessionType,
		Status:          status,
		Version:         row.Version,
		GroupID:         row.GroupID,
		BlockReason:     row.BlockReason,
		Charge:          charge,
		CancelReason:    row.CancelReason,
		CancelledBy:     row.CancelledBy,
		CompletedAt:     row.CompletedAt,
		CreatedAt:       row.CreatedAt,
		UpdatedAt:       row.UpdatedAt,
	}, nil
}

// EventEmitter is the part of the broadcaster the override audit announces entries through.
type EventEmitter interface {
	Emit(event broadcast.Event)
}

// OverrideAudit persists conflict overrides and announces them to subscribers and sinks.
type OverrideAudit struct {
	overrides persistence.OverrideRepository
	events    EventEmitter
	newID     func() string
	logger    *slog.Logger
}

var _ scheduler.OverrideRecorder = (*OverrideAudit)(nil)

// NewOverrideAudit wires the audit trail. events may be nil.
func NewOverrideAudit(overrides persistence.OverrideRepository, events EventEmitter, newID func() string, logger *slog.Logger) *OverrideAudit {
	if newID == nil {
		newID = func() string { return uuid.Must(uuid.NewV7()).String() }
	}
	return &OverrideAudit{
		overrides: overrides,
		events:    events,
		newID:     newID,
		logger:    defaultLogger(logger),
	}
}

// OverrideView is the audit entry as exposed to clients and sinks.
type OverrideView struct {
	ID             string                   `json:"id"`
	SessionID      string                   `json:"sessionId"`
	ActorID        string                   `json:"actorId"`
	ActorRole      string                   `json:"actorRole"`
	RequestedStart time.Time                `json:"requestedStart"`
	RequestedEnd   time.Time                `json:"requestedEnd"`
	Conflicts      []string                 `json:"conflictingSessionIds"`
	Kinds          []scheduler.ConflictKind `json:"kinds,omitempty"`
	Reason         string                   `json:"reason,omitempty"`
	OccurredAt     time.Time                `json:"occurredAt"`
}

// RecordOverride writes the audit row before the override commits.
func (a *OverrideAudit) RecordOverride(ctx context.Context, record scheduler.OverrideRecord) error {
	ids := make([]string, 0, len(record.Conflicts))
	kinds := make([]scheduler.ConflictKind, 0, len(record.Conflicts))
	for _, c := range record.Conflicts {
		ids = append(ids, c.SessionID)
		kinds = append(kinds, c.Kind)
	}
	row := persistence.ConflictOverride{
		ID:             a.newID(),
		SessionID:      record.SessionID,
		ActorID:        record.Actor.ID,
		ActorRole:      string(record.Actor.Role),
		RequestedStart: record.Requested.Start,
		RequestedEnd:   record.Requested.End,
		ConflictingIDs: ids,
		Reason:         record.Reason,
		OccurredAt:     record.OccurredAt,
	}
	if err := a.overrides.RecordOverride(ctx, row); err != nil {
		return err
	}
	if a.events != nil {
		view := overrideView(row)
		view.Kinds = kinds
		a.events.Emit(broadcast.Event{
			Kind:      broadcast.EventOverride,
			SessionID: record.SessionID,
			Data:      view,
		})
	}
	return nil
}

func overrideView(row persistence.ConflictOverride) OverrideView {
	ids := row.ConflictingIDs
	if ids == nil {
		ids = []string{}
	}
	return OverrideView{
		ID:             row.ID,
		SessionID:      row.SessionID,
		ActorID:        row.ActorID,
		ActorRole:      row.ActorRole,
		RequestedStart: row.RequestedStart,
		RequestedEnd:   row.RequestedEnd,
		Conflicts:      ids,
		Reason:         row.Reason,
		OccurredAt:     row.OccurredAt,
	}
}
