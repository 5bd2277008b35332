package scheduler

import (
	"time"
)

// DefaultLateCancelWindow classifies a booked session cancelled closer than this to its start
// as late when the caller does not supply a charge type.
const DefaultLateCancelWindow = 24 * time.Hour

type transitionEnv struct {
	actor            Actor
	now              time.Time
	lateCancelWindow time.Duration
}

// Transition is a requested change to one session. The set is closed to this package.
type Transition interface {
	Name() string
	apply(current Session, env transitionEnv) (Session, error)
}

// Book claims an available slot for a client. Clients may only book for themselves.
type Book struct {
	ClientID string
}

func (Book) Name() string { return "book" }

func (b Book) apply(current Session, env transitionEnv) (Session, error) {
	if current.Status == StatusBlocked {
		return Session{}, violation("blocked-not-bookable", "session %s is a blocked hold", current.ID)
	}
	if !canTransition(current.Status, StatusScheduled) {
		return Session{}, violation("status-transition", "cannot book a %s session", current.Status)
	}
	client := b.ClientID
	if env.actor.Role == RoleClient {
		if client == "" {
			client = env.actor.ID
		}
		if client != env.actor.ID {
			return Session{}, unauthorized(env.actor, "book for another client")
		}
	}
	if client == "" {
		return Session{}, violation("client-required", "booking needs a client")
	}
	next := current.clone()
	next.Resources.ClientID = client
	next.Status = StatusScheduled
	return next, nil
}

// Confirm is the optional trainer or admin confirmation of a booked session.
type Confirm struct{}

func (Confirm) Name() string { return "confirm" }

func (Confirm) apply(current Session, env transitionEnv) (Session, error) {
	if !env.actor.Role.Manages() {
		return Session{}, unauthorized(env.actor, "confirm sessions")
	}
	if !canTransition(current.Status, StatusConfirmed) {
		return Session{}, violation("status-transition", "cannot confirm a %s session", current.Status)
	}
	next := current.clone()
	next.Status = StatusConfirmed
	return next, nil
}

// Complete marks a booked or confirmed session done once it has started.
type Complete struct {
	Notes *string
}

func (Complete) Name() string { return "complete" }

func (c Complete) apply(current Session, env transitionEnv) (Session, error) {
	if !env.actor.Role.Manages() {
		return Session{}, unauthorized(env.actor, "complete sessions")
	}
	if !canTransition(current.Status, StatusCompleted) {
		return Session{}, violation("status-transition", "cannot complete a %s session", current.Status)
	}
	if env.now.Before(current.Start) {
		return Session{}, violation("completion-before-start", "session %s starts at %s", current.ID, current.Start.Format(time.RFC3339))
	}
	next := current.clone()
	next.Status = StatusCompleted
	completedAt := env.now
	next.CompletedAt = &completedAt
	if c.Notes != nil {
		next.Notes = *c.Notes
	}
	return next, nil
}

// Cancel ends any non-terminal session. An empty Charge is classified from the cancellation time.
type Cancel struct {
	Charge ChargeType
	Reason string
}

func (Cancel) Name() string { return "cancel" }

func (c Cancel) apply(current Session, env transitionEnv) (Session, error) {
	if !canTransition(current.Status, StatusCancelled) {
		return Session{}, violation("status-transition", "cannot cancel a %s session", current.Status)
	}
	if !env.actor.Role.Manages() {
		booked := current.Status == StatusScheduled || current.Status == StatusConfirmed
		if !booked || current.Resources.ClientID != env.actor.ID {
			return Session{}, unauthorized(env.actor, "cancel this session")
		}
	}
	charge := c.Charge
	if charge == "" {
		charge = classifyCharge(current, env)
	}
	next := current.clone()
	next.Status = StatusCancelled
	next.Charge = charge
	next.CancelReason = c.Reason
	next.CancelledBy = env.actor.ID
	return next, nil
}

func classifyCharge(current Session, env transitionEnv) ChargeType {
	if current.Status != StatusScheduled && current.Status != StatusConfirmed {
		return ChargeNone
	}
	window := env.lateCancelWindow
	if window <= 0 {
		window = DefaultLateCancelWindow
	}
	if current.Start.Sub(env.now) < window {
		return ChargeLateFee
	}
	return ChargeNone
}

// Patch is a sparse set of editable attributes. Nil fields are left untouched.
type Patch struct {
	Start           *time.Time
	DurationMinutes *int
	TrainerID       *string
	ClientID        *string
	Location        *string
	Notes           *string
	SessionType     *string
}

// IsEmpty reports whether the patch changes nothing.
func (p Patch) IsEmpty() bool {
	return p.Start == nil && p.DurationMinutes == nil && p.TrainerID == nil && p.ClientID == nil &&
		p.Location == nil && p.Notes == nil && p.SessionType == nil
}

// Fields lists the attributes the patch names, whether or not the values differ.
func (p Patch) Fields() []Field {
	var fields []Field
	if p.Start != nil {
		fields = append(fields, FieldStart)
	}
	if p.DurationMinutes != nil {
		fields = append(fields, FieldDuration)
	}
	if p.TrainerID != nil {
		fields = append(fields, FieldTrainer)
	}
	if p.ClientID != nil {
		fields = append(fields, FieldClient)
	}
	if p.Location != nil {
		fields = append(fields, FieldLocation)
	}
	if p.Notes != nil {
		fields = append(fields, FieldNotes)
	}
	if p.SessionType != nil {
		fields = append(fields, FieldSessionType)
	}
	return fields
}

// PatchFrom builds a patch that sets the named fields to their values in s.
func PatchFrom(s Session, fields []Field) Patch {
	var p Patch
	for _, f := range fields {
		switch f {
		case FieldStart:
			start := s.Start
			p.Start = &start
		case FieldDuration:
			duration := s.DurationMinutes
			p.DurationMinutes = &duration
		case FieldTrainer:
			trainer := s.Resources.TrainerID
			p.TrainerID = &trainer
		case FieldClient:
			client := s.Resources.ClientID
			p.ClientID = &client
		case FieldLocation:
			location := s.Location
			p.Location = &location
		case FieldNotes:
			notes := s.Notes
			p.Notes = &notes
		case FieldSessionType:
			sessionType := s.SessionType
			p.SessionType = &sessionType
		}
	}
	return p
}

// Update edits attributes of a non-terminal session. Override lets an admin commit despite
// conflicts; the overridden report is recorded.
type Update struct {
	Patch    Patch
	Override bool
	Reason   string
}

func (Update) Name() string { return "update" }

func (u Update) apply(current Session, env transitionEnv) (Session, error) {
	if current.Status.Terminal() {
		return Session{}, violation("terminal-session", "session %s is %s", current.ID, current.Status)
	}
	if !env.actor.Role.Manages() {
		ownNotesOnly := u.Patch.Notes != nil && len(u.Patch.Fields()) == 1 && current.Resources.ClientID == env.actor.ID
		if !ownNotesOnly {
			return Session{}, unauthorized(env.actor, "edit this session")
		}
	}

	p := u.Patch
	next := current.clone()
	if p.Start != nil {
		if p.Start.IsZero() {
			return Session{}, violation("start-required", "start must be set")
		}
		next.Start = p.Start.UTC()
	}
	if p.DurationMinutes != nil {
		if err := checkDuration(*p.DurationMinutes); err != nil {
			return Session{}, err
		}
		next.DurationMinutes = *p.DurationMinutes
	}
	if p.TrainerID != nil {
		next.Resources.TrainerID = *p.TrainerID
	}
	if p.ClientID != nil {
		next.Resources.ClientID = *p.ClientID
	}
	if p.Location != nil {
		next.Location = *p.Location
	}
	if p.Notes != nil {
		next.Notes = *p.Notes
	}
	if p.SessionType != nil {
		next.SessionType = *p.SessionType
	}
	if err := checkResources(next); err != nil {
		return Session{}, err
	}
	return next, nil
}

func checkDuration(minutes int) error {
	if minutes < MinDurationMinutes || minutes > MaxDurationMinutes {
		return violation("duration-range", "duration %d must be between %d and %d minutes", minutes, MinDurationMinutes, MaxDurationMinutes)
	}
	return nil
}

// checkResources enforces which resources each status may carry.
func checkResources(s Session) error {
	switch s.Status {
	case StatusAvailable:
		if s.Resources.ClientID != "" {
			return violation("client-on-available", "an available slot gets its client through booking")
		}
	case StatusScheduled, StatusConfirmed:
		if s.Resources.ClientID == "" {
			return violation("client-required", "a booked session needs a client")
		}
	case StatusBlocked:
		if s.Resources.ClientID != "" {
			return violation("client-on-blocked", "a blocked hold cannot carry a client")
		}
		if s.Resources.TrainerID == "" {
			return violation("trainer-required", "a blocked hold needs a trainer")
		}
	case StatusCompleted, StatusCancelled, statusUnknown:
	}
	return nil
}

// Preview applies t to a copy of current without committing anything and reports the fields it
// would change.
func Preview(current Session, t Transition, actor Actor, now time.Time) (Session, []Field, error) {
	next, err := t.apply(current.clone(), transitionEnv{actor: actor, now: now, lateCancelWindow: DefaultLateCancelWindow})
	if err != nil {
		return Session{}, nil, err
	}
	return next, diffFields(current, next), nil
}

// FieldValue returns the value of one attribute for diffs and logs.
func FieldValue(s Session, f Field) any {
	switch f {
	case FieldStart:
		return s.Start
	case FieldDuration:
		return s.DurationMinutes
	case FieldTrainer:
		return s.Resources.TrainerID
	case FieldClient:
		return s.Resources.ClientID
	case FieldLocation:
		return s.Location
	case FieldNotes:
		return s.Notes
	case FieldSessionType:
		return s.SessionType
	case FieldStatus:
		return s.Status
	case FieldCharge:
		return s.Charge
	case FieldCancelReason:
		return s.CancelReason
	case FieldCompletedAt:
		return s.CompletedAt
	case FieldBlockReason:
		return s.BlockReason
	case FieldCreated, FieldDeleted:
	}
	return nil
}
