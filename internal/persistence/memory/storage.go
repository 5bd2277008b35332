// Package memory keeps every repository in process memory. It backs tests and the
// "memory" storage driver; nothing survives a restart.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/example/studio-scheduler/internal/persistence"
)

// Storage implements all persistence repositories behind one mutex.
type Storage struct {
	mu        sync.RWMutex
	actors    map[string]persistence.Actor
	sessions  map[string]persistence.Session
	series    map[string]persistence.RecurringSeries
	overrides []persistence.ConflictOverride
}

var (
	_ persistence.ActorRepository    = (*Storage)(nil)
	_ persistence.SessionRepository  = (*Storage)(nil)
	_ persistence.SeriesRepository   = (*Storage)(nil)
	_ persistence.OverrideRepository = (*Storage)(nil)
)

// New returns an empty Storage.
func New() *Storage {
	return &Storage{
		actors:   make(map[string]persistence.Actor),
		sessions: make(map[string]persistence.Session),
		series:   make(map[string]persistence.RecurringSeries),
	}
}

// Close is a no-op.
func (s *Storage) Close() error {
	return nil
}

// --- ActorRepository implementation ---

// CreateActor stores a new actor.
func (s *Storage) CreateActor(_ context.Context, actor persistence.Actor) error {
	if actor.ID == "" || actor.KeyHash == "" {
		return fmt.Errorf("%w: actor id and key hash are required", persistence.ErrConstraintViolation)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.actors[actor.ID]; ok {
		return fmt.Errorf("%w: actor %s", persistence.ErrDuplicate, actor.ID)
	}
	s.actors[actor.ID] = actor
	return nil
}

// UpdateActor replaces an existing actor.
func (s *Storage) UpdateActor(_ context.Context, actor persistence.Actor) error {
	if actor.KeyHash == "" {
		return fmt.Errorf("%w: key hash is required", persistence.ErrConstraintViolation)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, ok := s.actors[actor.ID]
	if !ok {
		return persistence.ErrNotFound
	}
	actor.CreatedAt = existing.CreatedAt
	s.actors[actor.ID] = actor
	return nil
}

// GetActor retrieves an actor by ID.
func (s *Storage) GetActor(_ context.Context, id string) (persistence.Actor, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	actor, ok := s.actors[id]
	if !ok {
		return persistence.Actor{}, persistence.ErrNotFound
	}
	return actor, nil
}

// ListActors returns all actors ordered by CreatedAt then ID.
func (s *Storage) ListActors(_ context.Context) ([]persistence.Actor, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	actors := make([]persistence.Actor, 0, len(s.actors))
	for _, actor := range s.actors {
		actors = append(actors, actor)
	}
	sort.Slice(actors, func(i, j int) bool {
		if actors[i].CreatedAt.Equal(actors[j].CreatedAt) {
			return actors[i].ID < actors[j].ID
		}
		return actors[i].CreatedAt.Before(actors[j].CreatedAt)
	})
	return actors, nil
}

// DeleteActor removes an actor.
func (s *Storage) DeleteActor(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.actors[id]; !ok {
		return persistence.ErrNotFound
	}
	delete(s.actors, id)
	return nil
}

// --- SessionRepository implementation ---

// ListSessions returns every session ordered by start then ID.
func (s *Storage) ListSessions(_ context.Context) ([]persistence.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sessions := make([]persistence.Session, 0, len(s.sessions))
	for _, session := range s.sessions {
		sessions = append(sessions, cloneSession(session))
	}
	sort.Slice(sessions, func(i, j int) bool {
		if sessions[i].Start.Equal(sessions[j].Start) {
			return sessions[i].ID < sessions[j].ID
		}
		return sessions[i].Start.Before(sessions[j].Start)
	})
	return sessions, nil
}

// GetSession retrieves one session.
func (s *Storage) GetSession(_ context.Context, id string) (persistence.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	session, ok := s.sessions[id]
	if !ok {
		return persistence.Session{}, persistence.ErrNotFound
	}
	return cloneSession(session), nil
}

// InsertSessions stores all sessions or none.
func (s *Storage) InsertSessions(_ context.Context, sessions []persistence.Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	seen := make(map[string]struct{}, len(sessions))
	for _, session := range sessions {
		if session.ID == "" || session.Version < 1 {
			return fmt.Errorf("%w: session id and version are required", persistence.ErrConstraintViolation)
		}
		if _, ok := s.sessions[session.ID]; ok {
			return fmt.Errorf("%w: session %s", persistence.ErrDuplicate, session.ID)
		}
		if _, ok := seen[session.ID]; ok {
			return fmt.Errorf("%w: session %s", persistence.ErrDuplicate, session.ID)
		}
		seen[session.ID] = struct{}{}
	}
	for _, session := range sessions {
		s.sessions[session.ID] = cloneSession(session)
	}
	return nil
}

// UpdateSession replaces a session while its stored version equals expectedVersion.
func (s *Storage) UpdateSession(_ context.Context, session persistence.Session, expectedVersion int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, ok := s.sessions[session.ID]
	if !ok {
		return persistence.ErrNotFound
	}
	if existing.Version != expectedVersion {
		return fmt.Errorf("%w: session %s stored at version %d, expected %d",
			persistence.ErrVersionConflict, session.ID, existing.Version, expectedVersion)
	}
	s.sessions[session.ID] = cloneSession(session)
	return nil
}

// UpdateSessions replaces every session or none.
func (s *Storage) UpdateSessions(_ context.Context, sessions []persistence.Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, session := range sessions {
		existing, ok := s.sessions[session.ID]
		if !ok {
			return persistence.ErrNotFound
		}
		if existing.Version != session.Version-1 {
			return fmt.Errorf("%w: session %s stored at version %d, expected %d",
				persistence.ErrVersionConflict, session.ID, existing.Version, session.Version-1)
		}
	}
	for _, session := range sessions {
		s.sessions[session.ID] = cloneSession(session)
	}
	return nil
}

// DeleteSessions removes the listed sessions. Unknown IDs are ignored.
func (s *Storage) DeleteSessions(_ context.Context, ids []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, id := range ids {
		delete(s.sessions, id)
	}
	return nil
}

// --- SeriesRepository implementation ---

// CreateSeries stores a recurrence rule.
func (s *Storage) CreateSeries(_ context.Context, series persistence.RecurringSeries) error {
	if series.ID == "" || len(series.Weekdays) == 0 || len(series.Times) == 0 {
		return fmt.Errorf("%w: series id, weekdays and times are required", persistence.ErrConstraintViolation)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.series[series.ID]; ok {
		return fmt.Errorf("%w: series %s", persistence.ErrDuplicate, series.ID)
	}
	s.series[series.ID] = cloneSeries(series)
	return nil
}

// GetSeries retrieves a recurrence rule by ID.
func (s *Storage) GetSeries(_ context.Context, id string) (persistence.RecurringSeries, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	series, ok := s.series[id]
	if !ok {
		return persistence.RecurringSeries{}, persistence.ErrNotFound
	}
	return cloneSeries(series), nil
}

// ListSeries returns all rules ordered by CreatedAt then ID.
func (s *Storage) ListSeries(_ context.Context) ([]persistence.RecurringSeries, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]persistence.RecurringSeries, 0, len(s.series))
	for _, series := range s.series {
		out = append(out, cloneSeries(series))
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

// DeleteSeries removes a recurrence rule.
func (s *Storage) DeleteSeries(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.series[id]; !ok {
		return persistence.ErrNotFound
	}
	delete(s.series, id)
	return nil
}

// --- OverrideRepository implementation ---

// RecordOverride appends an audit entry.
func (s *Storage) RecordOverride(_ context.Context, override persistence.ConflictOverride) error {
	if override.ID == "" || override.SessionID == "" || override.ActorID == "" {
		return fmt.Errorf("%w: override id, session and actor are required", persistence.ErrConstraintViolation)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, existing := range s.overrides {
		if existing.ID == override.ID {
			return fmt.Errorf("%w: override %s", persistence.ErrDuplicate, override.ID)
		}
	}
	override.ConflictingIDs = append([]string(nil), override.ConflictingIDs...)
	s.overrides = append(s.overrides, override)
	return nil
}

// ListOverrides returns the audit entries of one session, oldest first.
func (s *Storage) ListOverrides(_ context.Context, sessionID string) ([]persistence.ConflictOverride, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := []persistence.ConflictOverride{}
	for _, o := range s.overrides {
		if o.SessionID != sessionID {
			continue
		}
		o.ConflictingIDs = append([]string(nil), o.ConflictingIDs...)
		out = append(out, o)
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].OccurredAt.Before(out[j].OccurredAt)
	})
	return out, nil
}

func cloneSession(session persistence.Session) persistence.Session {
	if session.CompletedAt != nil {
		completed := *session.CompletedAt
		session.CompletedAt = &completed
	}
	return session
}

func cloneSeries(series persistence.RecurringSeries) persistence.RecurringSeries {
	series.Weekdays = append([]time.Weekday(nil), series.Weekdays...)
	series.Times = append([]string(nil), series.Times...)
	return series
}
