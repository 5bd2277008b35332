package application

import (
	"time"

	"github.com/example/studio-scheduler/internal/recurrence"
	"github.com/example/studio-scheduler/internal/scheduler"
)

// SessionInput creates one session or blocked hold. The length comes from Duration or EndTime.
type SessionInput struct {
	Start           time.Time  `json:"startTime" validate:"required"`
	EndTime         *time.Time `json:"endTime,omitempty"`
	DurationMinutes int        `json:"duration" validate:"required_without=EndTime"`
	TrainerID       string     `json:"trainerId,omitempty"`
	ClientID        string     `json:"clientId,omitempty"`
	Location        string     `json:"location,omitempty" validate:"max=200"`
	Notes           string     `json:"notes,omitempty" validate:"max=2000"`
	SessionType     string     `json:"sessionType,omitempty" validate:"max=64"`
	Blocked         bool       `json:"blocked,omitempty"`
	Reason          string     `json:"reason,omitempty" validate:"max=500"`
	Override        bool       `json:"conflictOverride,omitempty"`
}

// CheckInput asks whether a range is free for a trainer and/or client.
type CheckInput struct {
	StartTime        time.Time `json:"startTime" validate:"required"`
	EndTime          time.Time `json:"endTime" validate:"required,gtfield=StartTime"`
	TrainerID        string    `json:"trainerId,omitempty" validate:"required_without=ClientID"`
	ClientID         string    `json:"clientId,omitempty"`
	ExcludeSessionID string    `json:"excludeSessionId,omitempty"`
}

// RescheduleInput moves a session and optionally hands it to another trainer.
type RescheduleInput struct {
	NewStartTime     time.Time `json:"newStartTime" validate:"required"`
	NewEndTime       time.Time `json:"newEndTime" validate:"required,gtfield=NewStartTime"`
	TrainerID        *string   `json:"trainerId,omitempty"`
	ConflictOverride bool      `json:"conflictOverride,omitempty"`
	ExpectedVersion  int64     `json:"expectedVersion,omitempty" validate:"min=0"`
	Reason           string    `json:"reason,omitempty" validate:"max=500"`
}

// EditInput is a versioned sparse edit. Nil fields are left untouched.
type EditInput struct {
	ExpectedVersion  int64      `json:"expectedVersion" validate:"required,min=1"`
	Start            *time.Time `json:"startTime,omitempty"`
	DurationMinutes  *int       `json:"duration,omitempty"`
	TrainerID        *string    `json:"trainerId,omitempty"`
	ClientID         *string    `json:"clientId,omitempty"`
	Location         *string    `json:"location,omitempty" validate:"omitnil,max=200"`
	Notes            *string    `json:"notes,omitempty" validate:"omitnil,max=2000"`
	SessionType      *string    `json:"sessionType,omitempty" validate:"omitnil,max=64"`
	ConflictOverride bool       `json:"conflictOverride,omitempty"`
	Reason           string     `json:"reason,omitempty" validate:"max=500"`
}

func (in EditInput) patch() scheduler.Patch {
	return scheduler.Patch{
		Start:           in.Start,
		DurationMinutes: in.DurationMinutes,
		TrainerID:       in.TrainerID,
		ClientID:        in.ClientID,
		Location:        in.Location,
		Notes:           in.Notes,
		SessionType:     in.SessionType,
	}
}

// ActionInput carries the optional arguments of book, confirm, complete and cancel.
// A zero ExpectedVersion acts on whatever version is current.
type ActionInput struct {
	ExpectedVersion int64   `json:"expectedVersion,omitempty" validate:"min=0"`
	ClientID        string  `json:"clientId,omitempty"`
	Notes           *string `json:"notes,omitempty" validate:"omitnil,max=2000"`
	ChargeType      string  `json:"chargeType,omitempty" validate:"omitempty,oneof=none partial full late_fee late-fee"`
	Reason          string  `json:"reason,omitempty" validate:"max=500"`
}

// ListInput narrows ListSessions.
type ListInput struct {
	From      time.Time
	To        time.Time
	TrainerID string
	ClientID  string
	GroupID   string
	Statuses  []string
}

// SeriesInput is a recurring creation request. Dates are YYYY-MM-DD, times HH:MM.
type SeriesInput struct {
	StartDate             string   `json:"startDate"`
	EndDate               string   `json:"endDate"`
	DaysOfWeek            []int    `json:"daysOfWeek"`
	Times                 []string `json:"times"`
	DurationMinutes       int      `json:"duration"`
	TrainerID             string   `json:"trainerId,omitempty"`
	ClientID              string   `json:"clientId,omitempty"`
	Location              string   `json:"location,omitempty" validate:"max=200"`
	TimezoneOffsetMinutes int      `json:"timezoneOffsetMinutes"`
	SessionType           string   `json:"sessionType,omitempty" validate:"max=64"`
	Blocked               bool     `json:"blocked,omitempty"`
	Reason                string   `json:"reason,omitempty" validate:"max=500"`
	SkipConflicting       bool     `json:"skipConflicting,omitempty"`
	ConflictOverride      bool     `json:"conflictOverride,omitempty"`
}

// SkippedOccurrence is an occurrence left out because it conflicted.
type SkippedOccurrence struct {
	Start  time.Time                `json:"start"`
	End    time.Time                `json:"end"`
	Report scheduler.ConflictReport `json:"report"`
}

// SeriesResult reports what a recurring creation committed.
type SeriesResult struct {
	GroupID     string                `json:"groupId"`
	SessionIDs  []string              `json:"sessionIds"`
	TruncatedBy recurrence.Truncation `json:"truncatedBy"`
	Skipped     []SkippedOccurrence   `json:"skipped,omitempty"`
}

// SeriesPatchInput edits every future occurrence of a series. Time is HH:MM in the series offset.
type SeriesPatchInput struct {
	Time             *string `json:"time,omitempty"`
	DurationMinutes  *int    `json:"duration,omitempty"`
	TrainerID        *string `json:"trainerId,omitempty"`
	Location         *string `json:"location,omitempty" validate:"omitnil,max=200"`
	Notes            *string `json:"notes,omitempty" validate:"omitnil,max=2000"`
	ConflictOverride bool    `json:"conflictOverride,omitempty"`
	Reason           string  `json:"reason,omitempty" validate:"max=500"`
}

func (in SeriesPatchInput) empty() bool {
	return in.Time == nil && in.DurationMinutes == nil && in.TrainerID == nil && in.Location == nil && in.Notes == nil
}

// SeriesUpdateResult lists the occurrences a series update changed.
type SeriesUpdateResult struct {
	GroupID string              `json:"groupId"`
	Updated []scheduler.Session `json:"updated"`
}

// SeriesDeleteResult lists what a series deletion removed.
type SeriesDeleteResult struct {
	GroupID string   `json:"groupId"`
	Deleted []string `json:"deleted"`
	Kept    int      `json:"kept"`
}

// SeriesView is a stored rule with its remaining sessions.
type SeriesView struct {
	GroupID               string              `json:"groupId"`
	StartDate             string              `json:"startDate"`
	EndDate               string              `json:"endDate"`
	DaysOfWeek            []int               `json:"daysOfWeek"`
	Times                 []string            `json:"times"`
	DurationMinutes       int                 `json:"duration"`
	TrainerID             string              `json:"trainerId,omitempty"`
	ClientID              string              `json:"clientId,omitempty"`
	Location              string              `json:"location,omitempty"`
	TimezoneOffsetMinutes int                 `json:"timezoneOffsetMinutes"`
	SessionType           string              `json:"sessionType,omitempty"`
	Blocked               bool                `json:"blocked"`
	Reason                string              `json:"reason,omitempty"`
	TruncatedBy           string              `json:"truncatedBy"`
	CreatedBy             string              `json:"createdBy"`
	CreatedAt             time.Time           `json:"createdAt"`
	Sessions              []scheduler.Session `json:"sessions"`
}
