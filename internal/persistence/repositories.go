package persistence

import "context"

// ActorRepository stores the actor directory.
type ActorRepository interface {
	CreateActor(ctx context.Context, actor Actor) error
	UpdateActor(ctx context.Context, actor Actor) error
	GetActor(ctx context.Context, id string) (Actor, error)
	ListActors(ctx context.Context) ([]Actor, error)
	DeleteActor(ctx context.Context, id string) error
}

// SessionRepository stores sessions. Writes are versioned.
type SessionRepository interface {
	ListSessions(ctx context.Context) ([]Session, error)
	GetSession(ctx context.Context, id string) (Session, error)
	// InsertSessions stores all sessions or none.
	InsertSessions(ctx context.Context, sessions []Session) error
	// UpdateSession replaces the row only while its stored version equals expectedVersion.
	UpdateSession(ctx context.Context, session Session, expectedVersion int64) error
	// UpdateSessions replaces all rows or none. Each stored version must be one below the new one.
	UpdateSessions(ctx context.Context, sessions []Session) error
	// DeleteSessions removes all listed sessions or none.
	DeleteSessions(ctx context.Context, ids []string) error
}

// SeriesRepository stores recurrence rules of session groups.
type SeriesRepository interface {
	CreateSeries(ctx context.Context, series RecurringSeries) error
	GetSeries(ctx context.Context, id string) (RecurringSeries, error)
	ListSeries(ctx context.Context) ([]RecurringSeries, error)
	DeleteSeries(ctx context.Context, id string) error
}

// OverrideRepository stores the conflict override audit trail. Entries are never modified.
type OverrideRepository interface {
	RecordOverride(ctx context.Context, override ConflictOverride) error
	ListOverrides(ctx context.Context, sessionID string) ([]ConflictOverride, error)
}
