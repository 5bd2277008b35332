package testfixtures

import (
	"fmt"
	"sync/atomic"
	"time"

	"github.com/example/studio-scheduler/internal/persistence"
	"github.com/example/studio-scheduler/internal/scheduler"
)

var (
	actorCounter    uint64
	sessionCounter  uint64
	seriesCounter   uint64
	overrideCounter uint64
)

// ----------------------------- Actor fixtures -----------------------------

// ActorFixture represents a deterministic actor directory row.
type ActorFixture struct {
	ID          string
	DisplayName string
	Role        scheduler.Role
	KeyHash     string
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// ActorOption configures the generated actor fixture.
type ActorOption func(*ActorFixture)

// NewActorFixture returns a deterministic trainer fixture with optional overrides.
func NewActorFixture(opts ...ActorOption) ActorFixture {
	idx := atomic.AddUint64(&actorCounter, 1)
	created := ReferenceTime().Add(time.Duration(idx) * time.Minute)
	fixture := ActorFixture{
		ID:          fmt.Sprintf("actor-%03d", idx),
		DisplayName: fmt.Sprintf("Actor %03d", idx),
		Role:        scheduler.RoleTrainer,
		KeyHash:     fmt.Sprintf("hash-%03d", idx),
		CreatedAt:   created,
		UpdatedAt:   created,
	}
	for _, opt := range opts {
		opt(&fixture)
	}
	return fixture
}

// WithActorID overrides the actor identifier.
func WithActorID(id string) ActorOption {
	return func(f *ActorFixture) {
		f.ID = id
	}
}

// WithActorDisplayName overrides the display name.
func WithActorDisplayName(name string) ActorOption {
	return func(f *ActorFixture) {
		f.DisplayName = name
	}
}

// WithActorRole overrides the role.
func WithActorRole(role scheduler.Role) ActorOption {
	return func(f *ActorFixture) {
		f.Role = role
	}
}

// WithActorKeyHash overrides the stored key hash.
func WithActorKeyHash(hash string) ActorOption {
	return func(f *ActorFixture) {
		f.KeyHash = hash
	}
}

// WithActorTimestamps sets both timestamps.
func WithActorTimestamps(created, updated time.Time) ActorOption {
	return func(f *ActorFixture) {
		f.CreatedAt = created
		f.UpdatedAt = updated
	}
}

// Persistence converts the fixture into a directory row.
func (f ActorFixture) Persistence() persistence.Actor {
	return persistence.Actor{
		ID:          f.ID,
		DisplayName: f.DisplayName,
		Role:        string(f.Role),
		KeyHash:     f.KeyHash,
		CreatedAt:   f.CreatedAt,
		UpdatedAt:   f.UpdatedAt,
	}
}

// Actor returns the identity attached to mutations.
func (f ActorFixture) Actor() scheduler.Actor {
	return scheduler.Actor{ID: f.ID, Role: f.Role}
}

// ---------------------------- Session fixtures ----------------------------

// SessionFixture represents a deterministic session. By default it is an available one hour slot
// for trainer-1 starting on the day after ReferenceTime.
type SessionFixture struct {
	ID              string
	TrainerID       string
	ClientID        string
	Start           time.Time
	DurationMinutes int
	Location        string
	Notes           string
	SessionType     string
	Status          scheduler.Status
	Version         int64
	GroupID         string
	BlockReason     string
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// SessionOption configures the generated session fixture.
type SessionOption func(*SessionFixture)

// NewSessionFixture returns a deterministic session fixture with optional overrides.
func NewSessionFixture(opts ...SessionOption) SessionFixture {
	idx := atomic.AddUint64(&sessionCounter, 1)
	fixture := SessionFixture{
		ID:              fmt.Sprintf("session-%03d", idx),
		TrainerID:       "trainer-1",
		Start:           ReferenceTime().Add(24 * time.Hour),
		DurationMinutes: 60,
		Location:        "Studio A",
		SessionType:     "personal",
		Status:          scheduler.StatusAvailable,
		Version:         1,
		CreatedAt:       ReferenceTime(),
		UpdatedAt:       ReferenceTime(),
	}
	for _, opt := range opts {
		opt(&fixture)
	}
	return fixture
}

// WithSessionID overrides the session identifier.
func WithSessionID(id string) SessionOption {
	return func(f *SessionFixture) {
		f.ID = id
	}
}

// WithSessionTrainer overrides the trainer.
func WithSessionTrainer(id string) SessionOption {
	return func(f *SessionFixture) {
		f.TrainerID = id
	}
}

// WithSessionClient sets the client.
func WithSessionClient(id string) SessionOption {
	return func(f *SessionFixture) {
		f.ClientID = id
	}
}

// WithSessionStart sets the start instant and duration.
func WithSessionStart(start time.Time, minutes int) SessionOption {
	return func(f *SessionFixture) {
		f.Start = start
		f.DurationMinutes = minutes
	}
}

// WithSessionLocation overrides the location.
func WithSessionLocation(location string) SessionOption {
	return func(f *SessionFixture) {
		f.Location = location
	}
}

// WithSessionStatus overrides the status.
func WithSessionStatus(status scheduler.Status) SessionOption {
	return func(f *SessionFixture) {
		f.Status = status
	}
}

// WithSessionVersion overrides the version.
func WithSessionVersion(version int64) SessionOption {
	return func(f *SessionFixture) {
		f.Version = version
	}
}

// WithSessionGroup tags the session with a recurring group.
func WithSessionGroup(groupID string) SessionOption {
	return func(f *SessionFixture) {
		f.GroupID = groupID
	}
}

// WithSessionNotes sets notes.
func WithSessionNotes(notes string) SessionOption {
	return func(f *SessionFixture) {
		f.Notes = notes
	}
}

// Persistence converts the fixture into a stored row.
func (f SessionFixture) Persistence() persistence.Session {
	return persistence.Session{
		ID:              f.ID,
		TrainerID:       f.TrainerID,
		ClientID:        f.ClientID,
		Start:           f.Start,
		DurationMinutes: f.DurationMinutes,
		Location:        f.Location,
		Notes:           f.Notes,
		SessionType:     f.SessionType,
		Status:          f.Status.String(),
		Version:         f.Version,
		GroupID:         f.GroupID,
		BlockReason:     f.BlockReason,
		CreatedAt:       f.CreatedAt,
		UpdatedAt:       f.UpdatedAt,
	}
}

// Scheduler converts the fixture into the in-memory session model.
func (f SessionFixture) Scheduler() scheduler.Session {
	return scheduler.Session{
		ID:              f.ID,
		Resources:       scheduler.ResourceRefs{TrainerID: f.TrainerID, ClientID: f.ClientID},
		Start:           f.Start,
		DurationMinutes: f.DurationMinutes,
		Location:        f.Location,
		Notes:           f.Notes,
		SessionType:     f.SessionType,
		Status:          f.Status,
		Version:         f.Version,
		GroupID:         f.GroupID,
		BlockReason:     f.BlockReason,
		CreatedAt:       f.CreatedAt,
		UpdatedAt:       f.UpdatedAt,
	}
}

// ----------------------------- Series fixtures -----------------------------

// SeriesOption configures the generated series row.
type SeriesOption func(*persistence.RecurringSeries)

// NewSeriesFixture returns a Monday/Wednesday 09:00 rule for the first quarter of 2024.
func NewSeriesFixture(opts ...SeriesOption) persistence.RecurringSeries {
	idx := atomic.AddUint64(&seriesCounter, 1)
	series := persistence.RecurringSeries{
		ID:              fmt.Sprintf("series-%03d", idx),
		TrainerID:       "trainer-1",
		StartDate:       time.Date(2024, time.January, 1, 0, 0, 0, 0, time.UTC),
		EndDate:         time.Date(2024, time.March, 25, 0, 0, 0, 0, time.UTC),
		Weekdays:        []time.Weekday{time.Monday, time.Wednesday},
		Times:           []string{"09:00"},
		DurationMinutes: 60,
		Location:        "Studio A",
		SessionType:     "group",
		CreatedBy:       "admin-1",
		CreatedAt:       ReferenceTime().Add(time.Duration(idx) * time.Minute),
	}
	for _, opt := range opts {
		opt(&series)
	}
	return series
}

// WithSeriesID overrides the series identifier.
func WithSeriesID(id string) SeriesOption {
	return func(s *persistence.RecurringSeries) {
		s.ID = id
	}
}

// WithSeriesBlocked marks the series as a blocked hold.
func WithSeriesBlocked(reason string) SeriesOption {
	return func(s *persistence.RecurringSeries) {
		s.Blocked = true
		s.BlockReason = reason
	}
}

// ---------------------------- Override fixtures ----------------------------

// NewOverrideFixture returns an audit entry for the given session.
func NewOverrideFixture(sessionID string, occurredAt time.Time, conflicting ...string) persistence.ConflictOverride {
	idx := atomic.AddUint64(&overrideCounter, 1)
	return persistence.ConflictOverride{
		ID:             fmt.Sprintf("override-%03d", idx),
		SessionID:      sessionID,
		ActorID:        "admin-1",
		ActorRole:      string(scheduler.RoleAdmin),
		RequestedStart: occurredAt.Add(time.Hour),
		RequestedEnd:   occurredAt.Add(2 * time.Hour),
		ConflictingIDs: conflicting,
		Reason:         "trainer agreed to double up",
		OccurredAt:     occurredAt,
	}
}
