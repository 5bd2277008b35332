package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

const defaultHistoryDepth = 16

// Repository persists committed session state. Every call must be atomic.
type Repository interface {
	LoadSessions(ctx context.Context) ([]Session, error)
	InsertSessions(ctx context.Context, sessions []Session) error
	// UpdateSession writes s only if the stored version is expectedVersion, returning
	// ErrVersionConflict otherwise.
	UpdateSession(ctx context.Context, s Session, expectedVersion int64) error
	// UpdateSessions writes all sessions or none. Each stored version must be one below the
	// new version.
	UpdateSessions(ctx context.Context, sessions []Session) error
	DeleteSessions(ctx context.Context, ids []string) error
}

// DeltaPublisher receives deltas in commit order per session. Publish must not block.
type DeltaPublisher interface {
	Publish(delta Delta)
}

// OverrideRecord is the audit entry written when an admin commits despite conflicts.
type OverrideRecord struct {
	SessionID  string
	Actor      Actor
	OccurredAt time.Time
	Requested  TimeRange
	Conflicts  []Conflict
	Reason     string
}

// OverrideRecorder stores override audit entries. A failure aborts the override.
type OverrideRecorder interface {
	RecordOverride(ctx context.Context, record OverrideRecord) error
}

// Delta is the minimal description of one committed change.
type Delta struct {
	SessionID     string    `json:"sessionId"`
	FromVersion   int64     `json:"fromVersion"`
	ToVersion     int64     `json:"toVersion"`
	ChangedFields []Field   `json:"changedFields"`
	Timestamp     time.Time `json:"timestamp"`
	Stamp         int64     `json:"stamp"`
	ActorID       string    `json:"actorId,omitempty"`
	// Session is the state at ToVersion. It is nil when the session was deleted.
	Session *Session `json:"session,omitempty"`
}

// Deleted reports whether the delta removed the session.
func (d Delta) Deleted() bool {
	for _, f := range d.ChangedFields {
		if f == FieldDeleted {
			return true
		}
	}
	return false
}

// CommittedChange is one entry of a session's recent history.
type CommittedChange struct {
	Version    int64
	ActorID    string
	Stamp      int64
	Transition string
	Fields     []Field
	Before     Session
	After      Session
}

// Change wraps a transition with who asked for it and when the server received it.
type Change struct {
	Actor      Actor
	Stamp      int64
	Transition Transition
}

// Draft describes a session to create.
type Draft struct {
	ID              string
	Resources       ResourceRefs
	Start           time.Time
	DurationMinutes int
	Location        string
	Notes           string
	SessionType     string
	Status          Status
	GroupID         string
	BlockReason     string
}

// CreateOptions controls Create and CreateMany.
type CreateOptions struct {
	Actor           Actor
	Stamp           int64
	Override        bool
	Reason          string
	SkipConflicting bool
}

// SkippedDraft is a draft left out of a batch because it conflicted.
type SkippedDraft struct {
	Index  int
	Draft  Draft
	Report ConflictReport
}

// BatchResult lists what CreateMany committed and what it skipped.
type BatchResult struct {
	Created []Session
	Skipped []SkippedDraft
}

// BatchConflictError reports every draft of a batch that conflicted.
type BatchConflictError struct {
	Conflicts []SkippedDraft
}

func (e *BatchConflictError) Error() string {
	return fmt.Sprintf("%s: %d of the requested sessions conflict", ErrConflict, len(e.Conflicts))
}

func (e *BatchConflictError) Unwrap() error { return ErrConflict }

// PlannedChange is one member of a MutateMany batch.
type PlannedChange struct {
	ID              string
	ExpectedVersion int64
	Transition      Transition
}

// MutateConflictError reports, per session, the conflicts that stopped a MutateMany batch.
type MutateConflictError struct {
	Reports map[string]ConflictReport
}

func (e *MutateConflictError) Error() string {
	return fmt.Sprintf("%s: %d of the requested changes conflict", ErrConflict, len(e.Reports))
}

func (e *MutateConflictError) Unwrap() error { return ErrConflict }

// Filter narrows List. Zero fields match everything.
type Filter struct {
	From      time.Time
	To        time.Time
	TrainerID string
	ClientID  string
	GroupID   string
	Statuses  []Status
}

func (f Filter) matches(s Session) bool {
	if !f.From.IsZero() && !s.End().After(f.From) {
		return false
	}
	if !f.To.IsZero() && !s.Start.Before(f.To) {
		return false
	}
	if f.TrainerID != "" && s.Resources.TrainerID != f.TrainerID {
		return false
	}
	if f.ClientID != "" && s.Resources.ClientID != f.ClientID {
		return false
	}
	if f.GroupID != "" && s.GroupID != f.GroupID {
		return false
	}
	if len(f.Statuses) > 0 {
		for _, st := range f.Statuses {
			if st == s.Status {
				return true
			}
		}
		return false
	}
	return true
}

// StoreOptions wires a Store. Only Now is optional in practice; nil collaborators are no-ops.
type StoreOptions struct {
	Repository       Repository
	Publisher        DeltaPublisher
	Overrides        OverrideRecorder
	Detector         DetectorOptions
	Now              func() time.Time
	IDGenerator      func() string
	Sequencer        *Sequencer
	LateCancelWindow time.Duration
	HistoryDepth     int
	Logger           *slog.Logger
}

type entry struct {
	session Session
	history []CommittedChange
}

// Store is the authoritative set of sessions. Mutations on one session are serialized by that
// session's key; changes that move time or resources also hold the affected resource keys.
type Store struct {
	mu       sync.RWMutex
	sessions map[string]*entry
	index    *resourceIndex

	locks     *keyedMutex
	detector  *ConflictDetector
	repo      Repository
	publisher DeltaPublisher
	overrides OverrideRecorder
	now       func() time.Time
	newID     func() string
	stamps    *Sequencer
	lateLimit time.Duration
	depth     int
	logger    *slog.Logger
}

// NewStore constructs an empty store. Call Load to hydrate it from the repository.
func NewStore(opts StoreOptions) *Store {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.IDGenerator == nil {
		opts.IDGenerator = func() string { return uuid.NewString() }
	}
	if opts.Sequencer == nil {
		opts.Sequencer = NewSequencer(opts.Now)
	}
	if opts.LateCancelWindow <= 0 {
		opts.LateCancelWindow = DefaultLateCancelWindow
	}
	if opts.HistoryDepth <= 0 {
		opts.HistoryDepth = defaultHistoryDepth
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	s := &Store{
		sessions:  make(map[string]*entry),
		index:     newResourceIndex(),
		locks:     newKeyedMutex(),
		repo:      opts.Repository,
		publisher: opts.Publisher,
		overrides: opts.Overrides,
		now:       opts.Now,
		newID:     opts.IDGenerator,
		stamps:    opts.Sequencer,
		lateLimit: opts.LateCancelWindow,
		depth:     opts.HistoryDepth,
		logger:    opts.Logger.With(slog.String("component", "scheduling_store")),
	}
	s.detector = NewConflictDetector(s, opts.Detector)
	return s
}

// Sequencer exposes the store's stamp source so other components share one ordering.
func (s *Store) Sequencer() *Sequencer {
	return s.stamps
}

// Load replaces the in-memory state with the repository contents.
func (s *Store) Load(ctx context.Context) error {
	if s.repo == nil {
		return nil
	}
	loaded, err := s.repo.LoadSessions(ctx)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrUnavailable, err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions = make(map[string]*entry, len(loaded))
	s.index = newResourceIndex()
	for _, session := range loaded {
		session.Start = session.Start.UTC()
		s.sessions[session.ID] = &entry{session: session.clone()}
		s.index.add(session)
	}
	s.logger.InfoContext(ctx, "sessions loaded", slog.Int("count", len(loaded)))
	return nil
}

// Occupying implements SessionIndex over the committed sessions.
func (s *Store) Occupying(key ResourceKey, window TimeRange) []Session {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []Session
	for id := range s.index.candidates(key, window) {
		e, ok := s.sessions[id]
		if !ok || !e.session.Status.Occupies() || !Overlaps(window, e.session.Range()) {
			continue
		}
		out = append(out, e.session.clone())
	}
	sortByStart(out)
	return out
}

// Check runs the conflict detector against the current snapshot.
func (s *Store) Check(candidate TimeRange, refs ResourceRefs, excludeID string) ConflictReport {
	return s.detector.Check(candidate, refs, excludeID)
}

// Get returns a copy of the session.
func (s *Store) Get(id string) (Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.sessions[id]
	if !ok {
		return Session{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return e.session.clone(), nil
}

// List returns matching sessions ordered by start.
func (s *Store) List(filter Filter) []Session {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Session, 0)
	for _, e := range s.sessions {
		if filter.matches(e.session) {
			out = append(out, e.session.clone())
		}
	}
	sortByStart(out)
	return out
}

// SessionsInGroup returns every session of a recurring series ordered by start.
func (s *Store) SessionsInGroup(groupID string) []Session {
	if groupID == "" {
		return nil
	}
	return s.List(Filter{GroupID: groupID})
}

// History returns the retained committed changes of a session, oldest first.
func (s *Store) History(id string) []CommittedChange {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.sessions[id]
	if !ok {
		return nil
	}
	out := make([]CommittedChange, len(e.history))
	copy(out, e.history)
	return out
}

// ChangeAt returns the committed change that produced version.
func (s *Store) ChangeAt(id string, version int64) (CommittedChange, bool) {
	for _, change := range s.History(id) {
		if change.Version == version {
			return change, true
		}
	}
	return CommittedChange{}, false
}

// Create validates and commits a single new session.
func (s *Store) Create(ctx context.Context, draft Draft, opts CreateOptions) (Session, error) {
	opts.SkipConflicting = false
	result, err := s.CreateMany(ctx, []Draft{draft}, opts)
	if err != nil {
		var batch *BatchConflictError
		if errors.As(err, &batch) && len(batch.Conflicts) == 1 {
			return Session{}, &ConflictError{Report: batch.Conflicts[0].Report}
		}
		return Session{}, err
	}
	return result.Created[0], nil
}

// CreateMany commits a batch atomically. Drafts are checked against committed sessions and
// against earlier drafts of the same batch. Conflicting drafts fail the whole batch unless
// SkipConflicting drops them or an admin Override keeps them.
func (s *Store) CreateMany(ctx context.Context, drafts []Draft, opts CreateOptions) (BatchResult, error) {
	if !opts.Actor.Role.Manages() {
		return BatchResult{}, unauthorized(opts.Actor, "create sessions")
	}
	if opts.Override && opts.Actor.Role != RoleAdmin {
		return BatchResult{}, unauthorized(opts.Actor, "override conflicts")
	}
	if len(drafts) == 0 {
		return BatchResult{}, violation("empty-batch", "nothing to create")
	}

	now := s.now().UTC()
	candidates := make([]Session, len(drafts))
	refs := make([]ResourceRefs, len(drafts))
	for i, draft := range drafts {
		session, err := s.fromDraft(draft, now)
		if err != nil {
			return BatchResult{}, err
		}
		candidates[i] = session
		refs[i] = session.Resources
	}

	sessionKeys := make([]string, 0, len(candidates))
	for _, c := range candidates {
		sessionKeys = append(sessionKeys, sessionLockKey(c.ID))
	}
	// Session keys before resource keys, the same order Mutate takes them.
	unlockSessions := s.locks.LockAll(sessionKeys)
	defer unlockSessions()
	unlockResources := s.locks.LockAll(resourceLockKeys(refs...))
	defer unlockResources()

	seen := make(map[string]struct{}, len(candidates))
	s.mu.RLock()
	for _, c := range candidates {
		_, exists := s.sessions[c.ID]
		_, repeated := seen[c.ID]
		seen[c.ID] = struct{}{}
		if exists || repeated {
			s.mu.RUnlock()
			return BatchResult{}, violation("duplicate-id", "session %s already exists", c.ID)
		}
	}
	s.mu.RUnlock()

	overlay := &overlayIndex{base: s}
	detector := NewConflictDetector(overlay, DetectorOptions{
		MaxAlternatives: s.detector.maxAlternatives,
		MaxProbes:       s.detector.maxProbes,
		Location:        s.detector.location,
	})

	var (
		accepted   []Session
		skipped    []SkippedDraft
		overridden []OverrideRecord
	)
	for i, candidate := range candidates {
		report := ConflictReport{}
		if candidate.Status.Occupies() {
			report = detector.Check(candidate.Range(), candidate.Resources, "")
		}
		if report.HasConflicts() {
			if !opts.Override {
				skipped = append(skipped, SkippedDraft{Index: i, Draft: drafts[i], Report: report})
				continue
			}
			overridden = append(overridden, OverrideRecord{
				SessionID:  candidate.ID,
				Actor:      opts.Actor,
				OccurredAt: now,
				Requested:  candidate.Range(),
				Conflicts:  report.Conflicts,
				Reason:     opts.Reason,
			})
		}
		accepted = append(accepted, candidate)
		overlay.extra = append(overlay.extra, candidate)
	}

	if len(skipped) > 0 && !opts.SkipConflicting {
		return BatchResult{}, &BatchConflictError{Conflicts: skipped}
	}
	if len(accepted) == 0 {
		return BatchResult{Created: []Session{}, Skipped: skipped}, nil
	}

	if s.repo != nil {
		if err := s.repo.InsertSessions(ctx, accepted); err != nil {
			return BatchResult{}, fmt.Errorf("%w: %w", ErrUnavailable, err)
		}
	}

	stamp := opts.Stamp
	created := make([]Session, 0, len(accepted))
	s.mu.Lock()
	for _, session := range accepted {
		s.sessions[session.ID] = &entry{session: session.clone()}
		s.index.add(session)
	}
	s.mu.Unlock()
	s.recordOverrides(ctx, overridden)

	for _, session := range accepted {
		if stamp == 0 || len(accepted) > 1 {
			stamp = s.stamps.Next()
		}
		snapshot := session.clone()
		s.publish(Delta{
			SessionID:     session.ID,
			FromVersion:   0,
			ToVersion:     session.Version,
			ChangedFields: []Field{FieldCreated},
			Timestamp:     now,
			Stamp:         stamp,
			ActorID:       opts.Actor.ID,
			Session:       &snapshot,
		})
		created = append(created, session.clone())
	}
	s.logger.InfoContext(ctx, "sessions created",
		slog.Int("created", len(created)),
		slog.Int("skipped", len(skipped)),
		slog.Int("overridden", len(overridden)),
		slog.String("actor_id", opts.Actor.ID),
	)
	return BatchResult{Created: created, Skipped: skipped}, nil
}

func (s *Store) fromDraft(draft Draft, now time.Time) (Session, error) {
	if draft.Start.IsZero() {
		return Session{}, violation("start-required", "start must be set")
	}
	if err := checkDuration(draft.DurationMinutes); err != nil {
		return Session{}, err
	}
	status := draft.Status
	if status == statusUnknown {
		status = StatusAvailable
		if draft.Resources.ClientID != "" {
			status = StatusScheduled
		}
	}
	if !initialStatus(status) {
		return Session{}, violation("initial-status", "sessions cannot be created as %s", status)
	}
	id := draft.ID
	if id == "" {
		id = s.newID()
	}
	session := Session{
		ID:              id,
		Resources:       draft.Resources,
		Start:           draft.Start.UTC(),
		DurationMinutes: draft.DurationMinutes,
		Location:        draft.Location,
		Notes:           draft.Notes,
		SessionType:     draft.SessionType,
		Status:          status,
		Version:         1,
		GroupID:         draft.GroupID,
		BlockReason:     draft.BlockReason,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if err := checkResources(session); err != nil {
		return Session{}, err
	}
	return session, nil
}

// Mutate applies transition to the session if expectedVersion is still current. Changes to time
// or resources are re-checked for conflicts while holding the affected resource keys.
func (s *Store) Mutate(ctx context.Context, id string, expectedVersion int64, change Change) (Session, error) {
	if change.Transition == nil {
		return Session{}, violation("transition-required", "no transition given")
	}
	unlock := s.locks.Lock(sessionLockKey(id))
	defer unlock()

	current, err := s.Get(id)
	if err != nil {
		return Session{}, err
	}
	if current.Version != expectedVersion {
		return Session{}, &VersionConflictError{SessionID: id, Expected: expectedVersion, Current: current.Version}
	}

	now := s.now().UTC()
	next, err := change.Transition.apply(current, transitionEnv{
		actor:            change.Actor,
		now:              now,
		lateCancelWindow: s.lateLimit,
	})
	if err != nil {
		return Session{}, err
	}
	fields := diffFields(current, next)
	if len(fields) == 0 {
		return current, nil
	}

	var override *OverrideRecord
	if touchesSchedule(fields) && next.Status.Occupies() {
		release := s.locks.LockAll(resourceLockKeys(current.Resources, next.Resources))
		defer release()

		report := s.detector.Check(next.Range(), next.Resources, id)
		if report.HasConflicts() {
			update, isUpdate := change.Transition.(Update)
			if !isUpdate || !update.Override {
				return Session{}, &ConflictError{Report: report}
			}
			if change.Actor.Role != RoleAdmin {
				return Session{}, unauthorized(change.Actor, "override conflicts")
			}
			override = &OverrideRecord{
				SessionID:  id,
				Actor:      change.Actor,
				OccurredAt: now,
				Requested:  next.Range(),
				Conflicts:  report.Conflicts,
				Reason:     update.Reason,
			}
		}
	}

	next.Version = current.Version + 1
	next.UpdatedAt = now
	if s.repo != nil {
		if err := s.repo.UpdateSession(ctx, next, current.Version); err != nil {
			var stored *VersionConflictError
			if errors.As(err, &stored) {
				return Session{}, &VersionConflictError{SessionID: id, Expected: expectedVersion, Current: stored.Current}
			}
			if errors.Is(err, ErrVersionConflict) {
				return Session{}, &VersionConflictError{SessionID: id, Expected: expectedVersion, Current: -1}
			}
			return Session{}, fmt.Errorf("%w: %w", ErrUnavailable, err)
		}
	}

	stamp := change.Stamp
	if stamp == 0 {
		stamp = s.stamps.Next()
	}
	s.mu.Lock()
	e := s.sessions[id]
	s.index.remove(current)
	s.index.add(next)
	e.session = next.clone()
	e.history = append(e.history, CommittedChange{
		Version:    next.Version,
		ActorID:    change.Actor.ID,
		Stamp:      stamp,
		Transition: change.Transition.Name(),
		Fields:     fields,
		Before:     current,
		After:      next.clone(),
	})
	if len(e.history) > s.depth {
		e.history = e.history[len(e.history)-s.depth:]
	}
	s.mu.Unlock()
	if override != nil {
		s.recordOverrides(ctx, []OverrideRecord{*override})
	}

	snapshot := next.clone()
	s.publish(Delta{
		SessionID:     id,
		FromVersion:   current.Version,
		ToVersion:     next.Version,
		ChangedFields: fields,
		Timestamp:     now,
		Stamp:         stamp,
		ActorID:       change.Actor.ID,
		Session:       &snapshot,
	})
	s.logger.DebugContext(ctx, "session mutated",
		slog.String("session_id", id),
		slog.String("transition", change.Transition.Name()),
		slog.Int64("version", next.Version),
	)
	return next, nil
}

// MutateMany applies every planned change or none. Each changed session is checked against the
// committed sessions and against the new positions of the rest of the batch, while the old
// positions of batch members count as free. Override applies to every member at once.
func (s *Store) MutateMany(ctx context.Context, planned []PlannedChange, actor Actor, stamp int64, override bool, reason string) ([]Session, error) {
	if len(planned) == 0 {
		return []Session{}, nil
	}
	sessionKeys := make([]string, 0, len(planned))
	for _, p := range planned {
		if p.Transition == nil {
			return nil, violation("transition-required", "no transition given for session %s", p.ID)
		}
		sessionKeys = append(sessionKeys, sessionLockKey(p.ID))
	}
	unlockSessions := s.locks.LockAll(sessionKeys)
	defer unlockSessions()

	now := s.now().UTC()
	type step struct {
		name    string
		current Session
		next    Session
		fields  []Field
	}
	steps := make([]step, 0, len(planned))
	seen := make(map[string]struct{}, len(planned))
	var refs []ResourceRefs
	for _, p := range planned {
		if _, dup := seen[p.ID]; dup {
			return nil, violation("duplicate-id", "session %s planned twice", p.ID)
		}
		seen[p.ID] = struct{}{}
		current, err := s.Get(p.ID)
		if err != nil {
			return nil, err
		}
		if current.Version != p.ExpectedVersion {
			return nil, &VersionConflictError{SessionID: p.ID, Expected: p.ExpectedVersion, Current: current.Version}
		}
		next, err := p.Transition.apply(current, transitionEnv{actor: actor, now: now, lateCancelWindow: s.lateLimit})
		if err != nil {
			return nil, err
		}
		fields := diffFields(current, next)
		if len(fields) == 0 {
			continue
		}
		next.Version = current.Version + 1
		next.UpdatedAt = now
		steps = append(steps, step{name: p.Transition.Name(), current: current, next: next, fields: fields})
		refs = append(refs, current.Resources, next.Resources)
	}
	if len(steps) == 0 {
		return []Session{}, nil
	}

	release := s.locks.LockAll(resourceLockKeys(refs...))
	defer release()

	overlay := &overlayIndex{base: s, replaced: make(map[string]struct{}, len(steps))}
	for _, st := range steps {
		overlay.replaced[st.current.ID] = struct{}{}
		overlay.extra = append(overlay.extra, st.next)
	}
	detector := NewConflictDetector(overlay, DetectorOptions{
		MaxAlternatives: s.detector.maxAlternatives,
		MaxProbes:       s.detector.maxProbes,
		Location:        s.detector.location,
	})
	reports := map[string]ConflictReport{}
	var overridden []OverrideRecord
	for _, st := range steps {
		if !touchesSchedule(st.fields) || !st.next.Status.Occupies() {
			continue
		}
		report := detector.Check(st.next.Range(), st.next.Resources, st.next.ID)
		if !report.HasConflicts() {
			continue
		}
		reports[st.next.ID] = report
		overridden = append(overridden, OverrideRecord{
			SessionID:  st.next.ID,
			Actor:      actor,
			OccurredAt: now,
			Requested:  st.next.Range(),
			Conflicts:  report.Conflicts,
			Reason:     reason,
		})
	}
	if len(reports) > 0 {
		if !override {
			return nil, &MutateConflictError{Reports: reports}
		}
		if actor.Role != RoleAdmin {
			return nil, unauthorized(actor, "override conflicts")
		}
	}

	if s.repo != nil {
		batch := make([]Session, 0, len(steps))
		for _, st := range steps {
			batch = append(batch, st.next)
		}
		if err := s.repo.UpdateSessions(ctx, batch); err != nil {
			var stored *VersionConflictError
			if errors.As(err, &stored) {
				return nil, stored
			}
			if errors.Is(err, ErrVersionConflict) {
				return nil, err
			}
			return nil, fmt.Errorf("%w: %w", ErrUnavailable, err)
		}
	}

	if stamp == 0 {
		stamp = s.stamps.Next()
	}
	s.mu.Lock()
	for _, st := range steps {
		s.index.remove(st.current)
	}
	updated := make([]Session, 0, len(steps))
	for _, st := range steps {
		e := s.sessions[st.next.ID]
		s.index.add(st.next)
		e.session = st.next.clone()
		e.history = append(e.history, CommittedChange{
			Version:    st.next.Version,
			ActorID:    actor.ID,
			Stamp:      stamp,
			Transition: st.name,
			Fields:     st.fields,
			Before:     st.current,
			After:      st.next.clone(),
		})
		if len(e.history) > s.depth {
			e.history = e.history[len(e.history)-s.depth:]
		}
		updated = append(updated, st.next.clone())
	}
	s.mu.Unlock()
	s.recordOverrides(ctx, overridden)

	for _, st := range steps {
		snapshot := st.next.clone()
		s.publish(Delta{
			SessionID:     st.next.ID,
			FromVersion:   st.current.Version,
			ToVersion:     st.next.Version,
			ChangedFields: st.fields,
			Timestamp:     now,
			Stamp:         stamp,
			ActorID:       actor.ID,
			Session:       &snapshot,
		})
	}
	s.logger.InfoContext(ctx, "sessions mutated",
		slog.Int("count", len(updated)),
		slog.String("actor_id", actor.ID),
	)
	return updated, nil
}

// Delete removes one session. A non-zero expectedVersion must match the current version.
func (s *Store) Delete(ctx context.Context, id string, expectedVersion int64, actor Actor) error {
	if !actor.Role.Manages() {
		return unauthorized(actor, "delete sessions")
	}
	unlock := s.locks.Lock(sessionLockKey(id))
	defer unlock()

	current, err := s.Get(id)
	if err != nil {
		return err
	}
	if expectedVersion != 0 && current.Version != expectedVersion {
		return &VersionConflictError{SessionID: id, Expected: expectedVersion, Current: current.Version}
	}
	return s.deleteLocked(ctx, []Session{current}, actor)
}

// DeleteMany removes every listed session in one repository call. Unknown ids are ignored.
func (s *Store) DeleteMany(ctx context.Context, ids []string, actor Actor) ([]string, error) {
	if !actor.Role.Manages() {
		return nil, unauthorized(actor, "delete sessions")
	}
	keys := make([]string, 0, len(ids))
	for _, id := range ids {
		keys = append(keys, sessionLockKey(id))
	}
	unlock := s.locks.LockAll(keys)
	defer unlock()

	var doomed []Session
	for _, id := range ids {
		if current, err := s.Get(id); err == nil {
			doomed = append(doomed, current)
		}
	}
	if len(doomed) == 0 {
		return []string{}, nil
	}
	if err := s.deleteLocked(ctx, doomed, actor); err != nil {
		return nil, err
	}
	deleted := make([]string, 0, len(doomed))
	for _, d := range doomed {
		deleted = append(deleted, d.ID)
	}
	return deleted, nil
}

func (s *Store) deleteLocked(ctx context.Context, doomed []Session, actor Actor) error {
	ids := make([]string, 0, len(doomed))
	for _, d := range doomed {
		ids = append(ids, d.ID)
	}
	if s.repo != nil {
		if err := s.repo.DeleteSessions(ctx, ids); err != nil {
			return fmt.Errorf("%w: %w", ErrUnavailable, err)
		}
	}
	s.mu.Lock()
	for _, d := range doomed {
		s.index.remove(d)
		delete(s.sessions, d.ID)
	}
	s.mu.Unlock()

	now := s.now().UTC()
	for _, d := range doomed {
		s.publish(Delta{
			SessionID:     d.ID,
			FromVersion:   d.Version,
			ToVersion:     d.Version + 1,
			ChangedFields: []Field{FieldDeleted},
			Timestamp:     now,
			Stamp:         s.stamps.Next(),
			ActorID:       actor.ID,
		})
	}
	s.logger.InfoContext(ctx, "sessions deleted", slog.Int("count", len(doomed)), slog.String("actor_id", actor.ID))
	return nil
}

// recordOverrides audits overrides of changes that are already committed. A failed audit write
// cannot undo the change, so the full record goes to the error log instead.
func (s *Store) recordOverrides(ctx context.Context, records []OverrideRecord) {
	if len(records) == 0 || s.overrides == nil {
		return
	}
	for _, record := range records {
		attrs := []any{
			slog.String("session_id", record.SessionID),
			slog.String("actor_id", record.Actor.ID),
			slog.Time("requested_start", record.Requested.Start),
			slog.Time("requested_end", record.Requested.End),
			slog.Any("conflicts", record.Conflicts),
			slog.String("reason", record.Reason),
		}
		if err := s.overrides.RecordOverride(ctx, record); err != nil {
			s.logger.ErrorContext(ctx, "override audit write failed", append(attrs, slog.Any("error", err))...)
			continue
		}
		s.logger.WarnContext(ctx, "conflict overridden", attrs...)
	}
}

func (s *Store) publish(delta Delta) {
	if s.publisher != nil {
		s.publisher.Publish(delta)
	}
}

func touchesSchedule(fields []Field) bool {
	for _, f := range fields {
		if schedulingField(f) {
			return true
		}
	}
	return false
}

func sortByStart(sessions []Session) {
	sort.Slice(sessions, func(i, j int) bool {
		if !sessions[i].Start.Equal(sessions[j].Start) {
			return sessions[i].Start.Before(sessions[j].Start)
		}
		return sessions[i].ID < sessions[j].ID
	})
}

// overlayIndex adds uncommitted batch members to the committed view. Committed sessions listed
// in replaced are hidden; their new positions are expected in extra.
type overlayIndex struct {
	base     SessionIndex
	extra    []Session
	replaced map[string]struct{}
}

func (o *overlayIndex) Occupying(key ResourceKey, window TimeRange) []Session {
	var out []Session
	for _, s := range o.base.Occupying(key, window) {
		if _, gone := o.replaced[s.ID]; !gone {
			out = append(out, s)
		}
	}
	for _, s := range o.extra {
		if !s.Status.Occupies() || !Overlaps(window, s.Range()) {
			continue
		}
		for _, k := range s.Resources.Keys() {
			if k == key {
				out = append(out, s)
				break
			}
		}
	}
	return out
}
