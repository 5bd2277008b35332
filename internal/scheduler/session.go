package scheduler

import (
	"fmt"
	"strings"
	"time"
)

const (
	// MinDurationMinutes is the shortest bookable session.
	MinDurationMinutes = 15
	// MaxDurationMinutes is the longest bookable session.
	MaxDurationMinutes = 480
)

// Role identifies what an actor is allowed to do on the calendar.
type Role string

const (
	RoleAdmin   Role = "admin"
	RoleTrainer Role = "trainer"
	RoleClient  Role = "client"
)

// ParseRole validates a role string.
func ParseRole(value string) (Role, error) {
	switch Role(strings.ToLower(strings.TrimSpace(value))) {
	case RoleAdmin:
		return RoleAdmin, nil
	case RoleTrainer:
		return RoleTrainer, nil
	case RoleClient:
		return RoleClient, nil
	}
	return "", fmt.Errorf("scheduler: unknown role %q", value)
}

// Manages reports whether the role may create, confirm, complete or move sessions.
func (r Role) Manages() bool {
	return r == RoleAdmin || r == RoleTrainer
}

// Actor is the identity attached to every mutation.
type Actor struct {
	ID   string `json:"id"`
	Role Role   `json:"role"`
}

// ResourceKind distinguishes the two resources a session reserves.
type ResourceKind string

const (
	ResourceTrainer ResourceKind = "trainer"
	ResourceClient  ResourceKind = "client"
)

// ResourceKey identifies one resource whose time can be double-booked.
type ResourceKey struct {
	Kind ResourceKind
	ID   string
}

func (k ResourceKey) String() string {
	return string(k.Kind) + ":" + k.ID
}

// ResourceRefs lists the trainer and client reserved by a session. Either may be empty.
type ResourceRefs struct {
	TrainerID string `json:"trainerId,omitempty"`
	ClientID  string `json:"clientId,omitempty"`
}

// Keys returns the resource keys that are set, trainer first.
func (r ResourceRefs) Keys() []ResourceKey {
	keys := make([]ResourceKey, 0, 2)
	if r.TrainerID != "" {
		keys = append(keys, ResourceKey{Kind: ResourceTrainer, ID: r.TrainerID})
	}
	if r.ClientID != "" {
		keys = append(keys, ResourceKey{Kind: ResourceClient, ID: r.ClientID})
	}
	return keys
}

// TimeRange is a half-open interval [Start, End).
type TimeRange struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

// RangeFor builds the range covered by a session of the given length.
func RangeFor(start time.Time, durationMinutes int) TimeRange {
	return TimeRange{Start: start, End: start.Add(time.Duration(durationMinutes) * time.Minute)}
}

// Overlaps reports whether two half-open ranges intersect. Back-to-back ranges do not.
func Overlaps(a, b TimeRange) bool {
	return a.Start.Before(b.End) && b.Start.Before(a.End)
}

// Overlaps is the method form of the package level Overlaps.
func (r TimeRange) Overlaps(other TimeRange) bool {
	return Overlaps(r, other)
}

// Duration returns the length of the range.
func (r TimeRange) Duration() time.Duration {
	return r.End.Sub(r.Start)
}

// Valid reports whether the range is non-empty.
func (r TimeRange) Valid() bool {
	return !r.Start.IsZero() && r.End.After(r.Start)
}

// ChargeType classifies a cancellation for the payment collaborator.
type ChargeType string

const (
	ChargeNone    ChargeType = "none"
	ChargePartial ChargeType = "partial"
	ChargeFull    ChargeType = "full"
	ChargeLateFee ChargeType = "late_fee"
)

// ParseChargeType validates a charge classification. An empty value is returned as is.
func ParseChargeType(value string) (ChargeType, error) {
	switch ChargeType(strings.ToLower(strings.TrimSpace(value))) {
	case "":
		return "", nil
	case ChargeNone:
		return ChargeNone, nil
	case ChargePartial:
		return ChargePartial, nil
	case ChargeFull:
		return ChargeFull, nil
	case ChargeLateFee, "late-fee":
		return ChargeLateFee, nil
	}
	return "", fmt.Errorf("scheduler: unknown charge type %q", value)
}

// LockInfo describes the live advisory edit lock on a session, if any.
type LockInfo struct {
	ActorID   string    `json:"actorId"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// Session is one bookable unit of time. The end is always derived from Start and DurationMinutes.
type Session struct {
	ID              string       `json:"id"`
	Resources       ResourceRefs `json:"resources"`
	Start           time.Time    `json:"start"`
	DurationMinutes int          `json:"durationMinutes"`
	Location        string       `json:"location"`
	Notes           string       `json:"notes,omitempty"`
	SessionType     string       `json:"sessionType,omitempty"`
	Status          Status       `json:"status"`
	Version         int64        `json:"version"`
	GroupID         string       `json:"recurringGroupId,omitempty"`
	BlockReason     string       `json:"blockReason,omitempty"`
	Charge          ChargeType   `json:"chargeType,omitempty"`
	CancelReason    string       `json:"cancelReason,omitempty"`
	CancelledBy     string       `json:"cancelledBy,omitempty"`
	CompletedAt     *time.Time   `json:"completedAt,omitempty"`
	CreatedAt       time.Time    `json:"createdAt"`
	UpdatedAt       time.Time    `json:"updatedAt"`
	Lock            *LockInfo    `json:"lockOwner,omitempty"`
}

// End returns Start plus the session duration.
func (s Session) End() time.Time {
	return s.Start.Add(time.Duration(s.DurationMinutes) * time.Minute)
}

// Range returns the half-open interval occupied by the session.
func (s Session) Range() TimeRange {
	return RangeFor(s.Start, s.DurationMinutes)
}

func (s Session) clone() Session {
	out := s
	if s.CompletedAt != nil {
		completed := *s.CompletedAt
		out.CompletedAt = &completed
	}
	if s.Lock != nil {
		lock := *s.Lock
		out.Lock = &lock
	}
	return out
}

// Field names a session attribute carried in deltas.
type Field string

const (
	FieldStart        Field = "start"
	FieldDuration     Field = "duration"
	FieldTrainer      Field = "trainerId"
	FieldClient       Field = "clientId"
	FieldLocation     Field = "location"
	FieldNotes        Field = "notes"
	FieldSessionType  Field = "sessionType"
	FieldStatus       Field = "status"
	FieldCharge       Field = "chargeType"
	FieldCancelReason Field = "cancelReason"
	FieldCompletedAt  Field = "completedAt"
	FieldBlockReason  Field = "blockReason"
	FieldCreated      Field = "created"
	FieldDeleted      Field = "deleted"
)

// schedulingField reports whether a change to f can create a double booking.
func schedulingField(f Field) bool {
	switch f {
	case FieldStart, FieldDuration, FieldTrainer, FieldClient:
		return true
	}
	return false
}

// Diff lists the attributes that differ between two versions of a session.
func Diff(before, after Session) []Field {
	return diffFields(before, after)
}

// diffFields lists the attributes that differ between two versions of a session.
func diffFields(before, after Session) []Field {
	var fields []Field
	if !before.Start.Equal(after.Start) {
		fields = append(fields, FieldStart)
	}
	if before.DurationMinutes != after.DurationMinutes {
		fields = append(fields, FieldDuration)
	}
	if before.Resources.TrainerID != after.Resources.TrainerID {
		fields = append(fields, FieldTrainer)
	}
	if before.Resources.ClientID != after.Resources.ClientID {
		fields = append(fields, FieldClient)
	}
	if before.Location != after.Location {
		fields = append(fields, FieldLocation)
	}
	if before.Notes != after.Notes {
		fields = append(fields, FieldNotes)
	}
	if before.SessionType != after.SessionType {
		fields = append(fields, FieldSessionType)
	}
	if before.Status != after.Status {
		fields = append(fields, FieldStatus)
	}
	if before.Charge != after.Charge {
		fields = append(fields, FieldCharge)
	}
	if before.CancelReason != after.CancelReason {
		fields = append(fields, FieldCancelReason)
	}
	if (before.CompletedAt == nil) != (after.CompletedAt == nil) ||
		(before.CompletedAt != nil && !before.CompletedAt.Equal(*after.CompletedAt)) {
		fields = append(fields, FieldCompletedAt)
	}
	if before.BlockReason != after.BlockReason {
		fields = append(fields, FieldBlockReason)
	}
	return fields
}
