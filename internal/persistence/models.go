package persistence

import "time"

// Actor is an admin, trainer or client allowed to use the scheduler.
type Actor struct {
	ID          string
	DisplayName string
	Role        string
	KeyHash     string
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// Session is one scheduled unit of time as stored. Status and charge type are stored by name.
type Session struct {
	ID              string
	TrainerID       string
	ClientID        string
	Start           time.Time
	DurationMinutes int
	Location        string
	Notes           string
	SessionType     string
	Status          string
	Version         int64
	GroupID         string
	BlockReason     string
	ChargeType      string
	CancelReason    string
	CancelledBy     string
	CompletedAt     *time.Time
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// RecurringSeries is the rule a group of sessions was expanded from.
type RecurringSeries struct {
	ID              string
	TrainerID       string
	ClientID        string
	StartDate       time.Time
	EndDate         time.Time
	Weekdays        []time.Weekday
	Times           []string
	DurationMinutes int
	OffsetMinutes   int
	Location        string
	SessionType     string
	Blocked         bool
	BlockReason     string
	TruncatedBy     string
	CreatedBy       string
	CreatedAt       time.Time
}

// ConflictOverride is the audit entry written when an admin commits despite conflicts.
type ConflictOverride struct {
	ID             string
	SessionID      string
	ActorID        string
	ActorRole      string
	RequestedStart time.Time
	RequestedEnd   time.Time
	ConflictingIDs []string
	Reason         string
	OccurredAt     time.Time
}
