package collaboration

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/example/studio-scheduler/internal/broadcast"
	"github.com/example/studio-scheduler/internal/scheduler"
)

// Policy selects how a version race is settled.
type Policy string

const (
	LastWriteWins  Policy = "last-write-wins"
	FirstWriteWins Policy = "first-write-wins"
	AutoMerge      Policy = "auto-merge"
	ManualReview   Policy = "manual-review"
)

// ParsePolicy accepts the canonical names and their short forms (lww, fww, merge, manual).
func ParsePolicy(value string) (Policy, error) {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case string(LastWriteWins), "lww":
		return LastWriteWins, nil
	case string(FirstWriteWins), "fww":
		return FirstWriteWins, nil
	case string(AutoMerge), "merge":
		return AutoMerge, nil
	case string(ManualReview), "manual":
		return ManualReview, nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownPolicy, value)
}

// SystemActor performs compensating edits during manual review.
var SystemActor = scheduler.Actor{ID: "system:collaboration", Role: scheduler.RoleAdmin}

// PendingConflict is a mutation that lost a version race and awaits resolution.
type PendingConflict struct {
	ID          string          `json:"id"`
	SessionID   string          `json:"sessionId"`
	BaseVersion int64           `json:"baseVersion"`
	SeenVersion int64           `json:"currentVersion"`
	Actor       scheduler.Actor `json:"actor"`
	Stamp       int64           `json:"stamp"`
	Transition  string          `json:"transition"`
	RecordedAt  time.Time       `json:"recordedAt"`
	change      scheduler.Change
}

// Decision is the terminal outcome of a conflict.
type Decision string

const (
	// DecisionApplied means the incoming mutation was committed on top of the current version.
	DecisionApplied Decision = "applied"
	// DecisionMerged means the incoming mutation touched fields disjoint from the committed one.
	DecisionMerged Decision = "merged"
	// DecisionSuperseded means the incoming mutation was older than the committed one.
	DecisionSuperseded Decision = "superseded"
	// DecisionRetry means the committed mutation stands and the incoming actor must re-fetch.
	DecisionRetry Decision = "retry"
	// DecisionManualReview means neither mutation stands and both actors must resubmit.
	DecisionManualReview Decision = "manual-review"
	// DecisionRejected means the incoming mutation no longer applies to the current state.
	DecisionRejected Decision = "rejected"
)

// FieldDiff shows one attribute as it was at the base version and as each side wanted it.
type FieldDiff struct {
	Field     scheduler.Field `json:"field"`
	Base      any             `json:"base"`
	Committed any             `json:"committed"`
	Incoming  any             `json:"incoming"`
}

// Outcome is reported to every actor involved in the race.
type Outcome struct {
	ConflictID      string             `json:"conflictId"`
	SessionID       string             `json:"sessionId"`
	Requested       Policy             `json:"policy"`
	Effective       Policy             `json:"effectivePolicy"`
	Decision        Decision           `json:"decision"`
	IncomingActorID string             `json:"incomingActorId"`
	CommittedActors []string           `json:"committedActorIds"`
	Session         *scheduler.Session `json:"session,omitempty"`
	Diff            []FieldDiff        `json:"diff,omitempty"`
	Note            string             `json:"note,omitempty"`
	ResolvedAt      time.Time          `json:"resolvedAt"`
}

// Recipients lists the actors that must hear about the outcome.
func (o Outcome) Recipients() []string {
	seen := map[string]bool{o.IncomingActorID: true}
	out := []string{o.IncomingActorID}
	for _, id := range o.CommittedActors {
		if !seen[id] {
			seen[id] = true
			out = append(out, id)
		}
	}
	return out
}

// RecordConflict registers a mutation that failed with a version conflict. The change keeps the
// server stamp it was received with so ordering between racers is decided by arrival.
func (c *Coordinator) RecordConflict(ctx context.Context, sessionID string, expectedVersion int64, change scheduler.Change) (PendingConflict, error) {
	if change.Transition == nil {
		return PendingConflict{}, errors.New("collaboration: conflicting change has no transition")
	}
	current, err := c.mutator.Get(sessionID)
	if err != nil {
		return PendingConflict{}, err
	}
	if change.Stamp == 0 {
		change.Stamp = c.stamps.Next()
	}
	pending := PendingConflict{
		ID:          c.newID(),
		SessionID:   sessionID,
		BaseVersion: expectedVersion,
		SeenVersion: current.Version,
		Actor:       change.Actor,
		Stamp:       change.Stamp,
		Transition:  change.Transition.Name(),
		RecordedAt:  c.now().UTC(),
		change:      change,
	}
	c.mu.Lock()
	c.conflicts[pending.ID] = &pending
	c.mu.Unlock()

	recipients := []string{change.Actor.ID}
	for _, committed := range c.committedSince(sessionID, expectedVersion) {
		recipients = append(recipients, committed.ActorID)
	}
	c.emit(broadcast.Event{
		Kind:       broadcast.EventConflictRecorded,
		SessionID:  sessionID,
		Recipients: dedupe(recipients),
		Data:       pending,
	})
	c.logger.InfoContext(ctx, "version conflict recorded",
		slog.String("conflict_id", pending.ID),
		slog.String("session_id", sessionID),
		slog.Int64("expected_version", expectedVersion),
		slog.Int64("current_version", current.Version),
	)
	return pending, nil
}

// PendingConflicts lists unresolved conflicts, oldest first.
func (c *Coordinator) PendingConflicts() []PendingConflict {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]PendingConflict, 0, len(c.conflicts))
	for _, p := range c.conflicts {
		out = append(out, *p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Stamp < out[j].Stamp })
	return out
}

// ResolveConflict settles the conflict once. A second call for the same id fails with
// ErrConflictNotFound.
func (c *Coordinator) ResolveConflict(ctx context.Context, conflictID string, policy Policy) (Outcome, error) {
	if _, err := ParsePolicy(string(policy)); err != nil {
		return Outcome{}, err
	}
	c.mu.Lock()
	pending, ok := c.conflicts[conflictID]
	if ok {
		delete(c.conflicts, conflictID)
	}
	c.mu.Unlock()
	if !ok {
		return Outcome{}, fmt.Errorf("%w: %s", ErrConflictNotFound, conflictID)
	}

	outcome := c.resolve(ctx, *pending, policy)
	outcome.ConflictID = pending.ID
	outcome.SessionID = pending.SessionID
	outcome.Requested = policy
	outcome.IncomingActorID = pending.Actor.ID
	outcome.ResolvedAt = c.now().UTC()

	c.emit(broadcast.Event{
		Kind:       broadcast.EventConflictResolved,
		SessionID:  pending.SessionID,
		Recipients: outcome.Recipients(),
		Data:       outcome,
	})
	c.logger.InfoContext(ctx, "version conflict resolved",
		slog.String("conflict_id", pending.ID),
		slog.String("policy", string(outcome.Effective)),
		slog.String("decision", string(outcome.Decision)),
	)
	return outcome, nil
}

func (c *Coordinator) resolve(ctx context.Context, pending PendingConflict, policy Policy) Outcome {
	current, err := c.mutator.Get(pending.SessionID)
	if err != nil {
		return Outcome{Effective: policy, Decision: DecisionRejected, Note: err.Error()}
	}
	committed := c.committedSince(pending.SessionID, pending.BaseVersion)
	out := Outcome{Effective: policy, CommittedActors: actorIDs(committed)}

	if current.Version == pending.BaseVersion {
		return c.apply(ctx, pending, out, DecisionApplied)
	}
	complete := len(committed) > 0 &&
		committed[0].Version == pending.BaseVersion+1 &&
		committed[len(committed)-1].Version == current.Version

	switch policy {
	case LastWriteWins:
		if len(committed) == 0 {
			break
		}
		latest := committed[len(committed)-1]
		if pending.Stamp > latest.Stamp {
			return c.apply(ctx, pending, out, DecisionApplied)
		}
		out.Decision = DecisionSuperseded
		out.Session = &current
		return out
	case FirstWriteWins:
		out.Decision = DecisionRetry
		out.Session = &current
		return out
	case AutoMerge:
		if !complete {
			break
		}
		base := committed[0].Before
		_, incomingFields, err := scheduler.Preview(base, pending.change.Transition, pending.change.Actor, c.now().UTC())
		if err == nil && disjoint(incomingFields, committedFields(committed)) {
			return c.apply(ctx, pending, out, DecisionMerged)
		}
	case ManualReview:
	}

	out.Effective = ManualReview
	if !complete {
		out.Decision = DecisionManualReview
		out.Session = &current
		out.Note = "history for the base version is no longer retained"
		return out
	}
	return c.manualReview(ctx, pending, committed, current, out)
}

// apply commits the incoming change on the current version, retrying if yet another writer
// moves the version while it runs.
func (c *Coordinator) apply(ctx context.Context, pending PendingConflict, out Outcome, decision Decision) Outcome {
	const attempts = 3
	var lastErr error
	for i := 0; i < attempts; i++ {
		current, err := c.mutator.Get(pending.SessionID)
		if err != nil {
			lastErr = err
			break
		}
		next, err := c.mutator.Mutate(ctx, pending.SessionID, current.Version, pending.change)
		if err == nil {
			out.Decision = decision
			out.Session = &next
			return out
		}
		lastErr = err
		if !errors.Is(err, scheduler.ErrVersionConflict) {
			break
		}
	}
	out.Decision = DecisionRejected
	out.Note = lastErr.Error()
	if current, err := c.mutator.Get(pending.SessionID); err == nil {
		out.Session = &current
	}
	return out
}

// manualReview reports the side-by-side diff and reverts the attributes the committed side
// changed so that neither mutation stands. Status changes are not reverted.
func (c *Coordinator) manualReview(ctx context.Context, pending PendingConflict, committed []scheduler.CommittedChange, current scheduler.Session, out Outcome) Outcome {
	base := committed[0].Before
	incoming, _, previewErr := scheduler.Preview(base, pending.change.Transition, pending.change.Actor, c.now().UTC())

	fields := committedFields(committed)
	if previewErr == nil {
		fields = union(fields, scheduler.Diff(base, incoming))
	}
	for _, f := range fields {
		d := FieldDiff{Field: f, Base: scheduler.FieldValue(base, f), Committed: scheduler.FieldValue(current, f)}
		if previewErr == nil {
			d.Incoming = scheduler.FieldValue(incoming, f)
		}
		out.Diff = append(out.Diff, d)
	}
	out.Decision = DecisionManualReview
	out.Session = &current

	revert := scheduler.PatchFrom(base, committedFields(committed))
	if revert.IsEmpty() || current.Status.Terminal() {
		return out
	}
	restored, err := c.mutator.Mutate(ctx, pending.SessionID, current.Version, scheduler.Change{
		Actor:      SystemActor,
		Transition: scheduler.Update{Patch: revert, Reason: "manual review of conflict " + pending.ID},
	})
	if err != nil {
		out.Note = "committed change could not be reverted: " + err.Error()
		c.logger.WarnContext(ctx, "manual review revert failed", slog.String("conflict_id", pending.ID), slog.Any("error", err))
		return out
	}
	out.Session = &restored
	return out
}

func (c *Coordinator) committedSince(sessionID string, version int64) []scheduler.CommittedChange {
	var out []scheduler.CommittedChange
	for _, change := range c.mutator.History(sessionID) {
		if change.Version > version {
			out = append(out, change)
		}
	}
	return out
}

func committedFields(changes []scheduler.CommittedChange) []scheduler.Field {
	var fields []scheduler.Field
	for _, change := range changes {
		fields = union(fields, change.Fields)
	}
	return fields
}

func disjoint(a, b []scheduler.Field) bool {
	for _, x := range a {
		for _, y := range b {
			if x == y {
				return false
			}
		}
	}
	return true
}

func union(a, b []scheduler.Field) []scheduler.Field {
	out := append([]scheduler.Field(nil), a...)
	for _, f := range b {
		if !contains(out, f) {
			out = append(out, f)
		}
	}
	return out
}

func contains(fields []scheduler.Field, f scheduler.Field) bool {
	for _, x := range fields {
		if x == f {
			return true
		}
	}
	return false
}

func actorIDs(changes []scheduler.CommittedChange) []string {
	ids := make([]string, 0, len(changes))
	for _, change := range changes {
		ids = append(ids, change.ActorID)
	}
	return dedupe(ids)
}

func dedupe(ids []string) []string {
	seen := make(map[string]bool, len(ids))
	out := ids[:0]
	for _, id := range ids {
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, id)
	}
	return out
}
