package scheduler

import (
	"fmt"
	"strings"
)

// Status is the closed set of session states.
type Status uint8

const (
	statusUnknown Status = iota
	// StatusAvailable is an open slot created by a trainer or admin without a client.
	StatusAvailable
	// StatusScheduled is a slot claimed by a client. "booked" is accepted as an alias.
	StatusScheduled
	// StatusConfirmed is a booked slot explicitly confirmed by a trainer or admin.
	StatusConfirmed
	// StatusCompleted is terminal.
	StatusCompleted
	// StatusCancelled is terminal.
	StatusCancelled
	// StatusBlocked is a non-bookable hold on a trainer's time.
	StatusBlocked
)

func (s Status) String() string {
	switch s {
	case StatusAvailable:
		return "available"
	case StatusScheduled:
		return "scheduled"
	case StatusConfirmed:
		return "confirmed"
	case StatusCompleted:
		return "completed"
	case StatusCancelled:
		return "cancelled"
	case StatusBlocked:
		return "blocked"
	case statusUnknown:
	}
	return "unknown"
}

// ParseStatus maps a wire value to a Status.
func ParseStatus(value string) (Status, error) {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "available":
		return StatusAvailable, nil
	case "scheduled", "booked":
		return StatusScheduled, nil
	case "confirmed":
		return StatusConfirmed, nil
	case "completed":
		return StatusCompleted, nil
	case "cancelled", "canceled":
		return StatusCancelled, nil
	case "blocked":
		return StatusBlocked, nil
	}
	return statusUnknown, fmt.Errorf("scheduler: unknown status %q", value)
}

// MarshalText implements encoding.TextMarshaler.
func (s Status) MarshalText() ([]byte, error) {
	if s == statusUnknown {
		return nil, fmt.Errorf("scheduler: cannot encode unknown status")
	}
	return []byte(s.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (s *Status) UnmarshalText(text []byte) error {
	parsed, err := ParseStatus(string(text))
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}

// Terminal reports whether no further transitions are possible.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusCancelled:
		return true
	case StatusAvailable, StatusScheduled, StatusConfirmed, StatusBlocked, statusUnknown:
	}
	return false
}

// Occupies reports whether a session in this state holds its resources' time.
func (s Status) Occupies() bool {
	switch s {
	case StatusAvailable, StatusScheduled, StatusConfirmed, StatusCompleted, StatusBlocked:
		return true
	case StatusCancelled, statusUnknown:
	}
	return false
}

// canTransition is the state machine. Every state is listed so a new state forces a decision here.
func canTransition(from, to Status) bool {
	switch from {
	case StatusAvailable:
		return to == StatusScheduled || to == StatusCancelled
	case StatusScheduled:
		return to == StatusConfirmed || to == StatusCompleted || to == StatusCancelled
	case StatusConfirmed:
		return to == StatusCompleted || to == StatusCancelled
	case StatusBlocked:
		return to == StatusCancelled
	case StatusCompleted, StatusCancelled, statusUnknown:
		return false
	}
	return false
}

// initialStatus reports whether a session may be created directly in s.
func initialStatus(s Status) bool {
	switch s {
	case StatusAvailable, StatusScheduled, StatusBlocked:
		return true
	case StatusConfirmed, StatusCompleted, StatusCancelled, statusUnknown:
	}
	return false
}
