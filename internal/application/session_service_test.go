package application

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/example/studio-scheduler/internal/broadcast"
	"github.com/example/studio-scheduler/internal/collaboration"
	"github.com/example/studio-scheduler/internal/scheduler"
)

func TestSessionService_RescheduleIntoConflict(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	ctx := context.Background()
	a := env.mustCreate(t, "trainer-1", tomorrow(10, 0), 60)
	b := env.mustCreate(t, "trainer-1", tomorrow(14, 0), 60)

	_, err := env.sessions.Reschedule(ctx, env.trainer, b.ID, RescheduleInput{
		NewStartTime: tomorrow(10, 30),
		NewEndTime:   tomorrow(11, 30),
	})
	var conflict *scheduler.ConflictError
	if !errors.As(err, &conflict) {
		t.Fatalf("expected ConflictError, got %v", err)
	}
	if len(conflict.Report.Conflicts) != 1 || conflict.Report.Conflicts[0].SessionID != a.ID {
		t.Fatalf("expected a single conflict with %s, got %+v", a.ID, conflict.Report.Conflicts)
	}
	if len(conflict.Report.Alternatives) == 0 || !conflict.Report.Alternatives[0].Start.Equal(tomorrow(11, 0)) {
		t.Fatalf("expected 11:00 as first alternative, got %+v", conflict.Report.Alternatives)
	}

	unchanged, err := env.sessions.GetSession(ctx, b.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if unchanged.Version != 1 || !unchanged.Start.Equal(tomorrow(14, 0)) {
		t.Fatalf("rejected reschedule must not change the session, got %+v", unchanged)
	}
}

func TestSessionService_OverrideRequiresAdminAndIsAudited(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	ctx := context.Background()
	a := env.mustCreate(t, "trainer-1", tomorrow(10, 0), 60)
	b := env.mustCreate(t, "trainer-1", tomorrow(14, 0), 60)
	input := RescheduleInput{
		NewStartTime:     tomorrow(10, 30),
		NewEndTime:       tomorrow(11, 30),
		ConflictOverride: true,
		Reason:           "double session approved",
	}

	if _, err := env.sessions.Reschedule(ctx, env.trainer, b.ID, input); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected trainers to be refused overrides, got %v", err)
	}

	moved, err := env.sessions.Reschedule(ctx, env.admin, b.ID, input)
	if err != nil {
		t.Fatalf("admin override: %v", err)
	}
	if moved.Version != 2 || !moved.Start.Equal(tomorrow(10, 30)) || moved.DurationMinutes != 60 {
		t.Fatalf("unexpected moved session %+v", moved)
	}

	audit, err := env.sessions.ListOverrides(ctx, env.trainer, b.ID)
	if err != nil {
		t.Fatalf("list overrides: %v", err)
	}
	if len(audit) != 1 || audit[0].ActorID != env.admin.ID || audit[0].Reason != "double session approved" {
		t.Fatalf("unexpected audit trail %+v", audit)
	}
	if len(audit[0].Conflicts) != 1 || audit[0].Conflicts[0] != a.ID {
		t.Fatalf("expected audit to name %s, got %v", a.ID, audit[0].Conflicts)
	}
	if _, err := env.sessions.ListOverrides(ctx, env.client, b.ID); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected clients to be refused the audit trail, got %v", err)
	}

	var overridden bool
	for _, kind := range env.events.kinds() {
		if kind == broadcast.EventOverride {
			overridden = true
		}
	}
	if !overridden {
		t.Fatalf("expected an override event, got %v", env.events.kinds())
	}
}

func TestSessionService_LifecycleByRole(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	ctx := context.Background()
	slot := env.mustCreate(t, "trainer-1", tomorrow(9, 0), 45)
	if slot.Status != scheduler.StatusAvailable {
		t.Fatalf("expected available slot, got %s", slot.Status)
	}

	if _, err := env.sessions.Confirm(ctx, env.trainer, slot.ID, ActionInput{}); !errors.Is(err, scheduler.ErrInvariantViolation) {
		t.Fatalf("expected confirm of an available slot to violate the state machine, got %v", err)
	}

	booked, err := env.sessions.Book(ctx, env.client, slot.ID, ActionInput{})
	if err != nil {
		t.Fatalf("book: %v", err)
	}
	if booked.Status != scheduler.StatusScheduled || booked.Resources.ClientID != env.client.ID {
		t.Fatalf("expected client booking, got %+v", booked)
	}

	if _, err := env.sessions.Confirm(ctx, env.client, slot.ID, ActionInput{}); !errors.Is(err, scheduler.ErrUnauthorized) {
		t.Fatalf("expected clients not to confirm, got %v", err)
	}
	confirmed, err := env.sessions.Confirm(ctx, env.trainer, slot.ID, ActionInput{ExpectedVersion: booked.Version})
	if err != nil {
		t.Fatalf("confirm: %v", err)
	}

	notes := "great progress"
	if _, err := env.sessions.Complete(ctx, env.trainer, slot.ID, ActionInput{Notes: &notes}); !errors.Is(err, scheduler.ErrInvariantViolation) {
		t.Fatalf("expected completion before the start to be refused, got %v", err)
	}
	env.clock.Set(tomorrow(9, 50))
	done, err := env.sessions.Complete(ctx, env.trainer, slot.ID, ActionInput{ExpectedVersion: confirmed.Version, Notes: &notes})
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	if done.Status != scheduler.StatusCompleted || done.Notes != notes || done.CompletedAt == nil {
		t.Fatalf("unexpected completed session %+v", done)
	}

	if _, err := env.sessions.Cancel(ctx, env.trainer, slot.ID, ActionInput{}); !errors.Is(err, scheduler.ErrInvariantViolation) {
		t.Fatalf("expected completed sessions to stay completed, got %v", err)
	}
}

func TestSessionService_CancelClassifiesCharge(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	ctx := context.Background()
	soon := env.mustCreate(t, "trainer-1", env.clock.Now().Add(2*time.Hour), 60)
	if _, err := env.sessions.Book(ctx, env.client, soon.ID, ActionInput{}); err != nil {
		t.Fatalf("book: %v", err)
	}

	cancelled, err := env.sessions.Cancel(ctx, env.client, soon.ID, ActionInput{Reason: "sick"})
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if cancelled.Status != scheduler.StatusCancelled || cancelled.Charge != scheduler.ChargeLateFee {
		t.Fatalf("expected a late fee for short notice, got %+v", cancelled)
	}

	if _, err := env.sessions.Cancel(ctx, env.trainer, soon.ID, ActionInput{ChargeType: "bogus"}); err == nil {
		t.Fatalf("expected invalid charge type to be rejected")
	}
}

func TestSessionService_CreateValidation(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	ctx := context.Background()

	_, err := env.sessions.CreateSession(ctx, env.trainer, SessionInput{TrainerID: "trainer-1"})
	var vErr *ValidationError
	if !errors.As(err, &vErr) {
		t.Fatalf("expected ValidationError, got %v", err)
	}
	if _, ok := vErr.FieldErrors["startTime"]; !ok {
		t.Fatalf("expected startTime error, got %v", vErr.FieldErrors)
	}

	end := tomorrow(9, 30)
	hold, err := env.sessions.CreateSession(ctx, env.trainer, SessionInput{
		Start:     tomorrow(9, 0),
		EndTime:   &end,
		TrainerID: "trainer-1",
		Blocked:   true,
		Reason:    "lunch",
	})
	if err != nil {
		t.Fatalf("create blocked hold: %v", err)
	}
	if hold.Status != scheduler.StatusBlocked || hold.DurationMinutes != 30 || hold.BlockReason != "lunch" {
		t.Fatalf("unexpected hold %+v", hold)
	}

	_, err = env.sessions.CreateSession(ctx, env.trainer, SessionInput{Start: tomorrow(9, 15), DurationMinutes: 30, TrainerID: "trainer-1"})
	if !errors.Is(err, scheduler.ErrConflict) {
		t.Fatalf("expected blocked time to conflict, got %v", err)
	}

	if _, err := env.sessions.CreateSession(ctx, env.client, SessionInput{Start: tomorrow(12, 0), DurationMinutes: 30, TrainerID: "trainer-1"}); !errors.Is(err, scheduler.ErrUnauthorized) {
		t.Fatalf("expected clients not to create sessions, got %v", err)
	}
}

func TestSessionService_CheckConflicts(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	ctx := context.Background()
	busy := env.mustCreate(t, "trainer-1", tomorrow(10, 0), 60)

	report, err := env.sessions.CheckConflicts(ctx, CheckInput{StartTime: tomorrow(10, 30), EndTime: tomorrow(11, 0), TrainerID: "trainer-1"})
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	if len(report.Conflicts) != 1 || report.Conflicts[0].SessionID != busy.ID {
		t.Fatalf("unexpected report %+v", report)
	}

	free, err := env.sessions.CheckConflicts(ctx, CheckInput{StartTime: tomorrow(10, 30), EndTime: tomorrow(11, 0), TrainerID: "trainer-1", ExcludeSessionID: busy.ID})
	if err != nil || free.HasConflicts() {
		t.Fatalf("expected no conflicts when excluding the session itself, got %+v %v", free, err)
	}

	if _, err := env.sessions.CheckConflicts(ctx, CheckInput{StartTime: tomorrow(11, 0), EndTime: tomorrow(10, 0), TrainerID: "trainer-1"}); err == nil {
		t.Fatalf("expected inverted range to be rejected")
	}
}

func TestSessionService_EditLockBlocksOthers(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	ctx := context.Background()
	s := env.mustCreate(t, "trainer-1", tomorrow(10, 0), 60)

	result, err := env.sessions.AcquireLock(ctx, env.trainer2, s.ID)
	if err != nil || !result.Granted {
		t.Fatalf("acquire: %+v %v", result, err)
	}

	location := "Studio B"
	_, err = env.sessions.EditSession(ctx, env.trainer, s.ID, EditInput{ExpectedVersion: 1, Location: &location})
	var denied *collaboration.LockDeniedError
	if !errors.As(err, &denied) || denied.Owner.ID != env.trainer2.ID {
		t.Fatalf("expected lock denial naming trainer-2, got %v", err)
	}

	got, err := env.sessions.GetSession(ctx, s.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Lock == nil || got.Lock.ActorID != env.trainer2.ID {
		t.Fatalf("expected lock owner on the session, got %+v", got.Lock)
	}

	if _, err := env.sessions.EditSession(ctx, env.trainer2, s.ID, EditInput{ExpectedVersion: 1, Location: &location}); err != nil {
		t.Fatalf("lock holder edit: %v", err)
	}
	if err := env.sessions.ReleaseLock(ctx, env.trainer2, s.ID); err != nil {
		t.Fatalf("release: %v", err)
	}
	if _, err := env.sessions.AcquireLock(ctx, env.trainer, "missing"); !errors.Is(err, scheduler.ErrNotFound) {
		t.Fatalf("expected locks only on existing sessions, got %v", err)
	}
}

func TestSessionService_StaleEditResolvesByMerge(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	ctx := context.Background()
	s := env.mustCreate(t, "trainer-1", tomorrow(10, 0), 60)

	location := "Studio B"
	if _, err := env.sessions.EditSession(ctx, env.trainer, s.ID, EditInput{ExpectedVersion: 1, Location: &location}); err != nil {
		t.Fatalf("first edit: %v", err)
	}

	notes := "bring mats"
	_, err := env.sessions.EditSession(ctx, env.trainer2, s.ID, EditInput{ExpectedVersion: 1, Notes: &notes})
	var stale *StaleEditError
	if !errors.As(err, &stale) {
		t.Fatalf("expected StaleEditError, got %v", err)
	}
	if !errors.Is(err, scheduler.ErrVersionConflict) {
		t.Fatalf("expected stale edit to be a version conflict")
	}

	if visible := env.sessions.PendingConflicts(ctx, env.trainer); len(visible) != 0 {
		t.Fatalf("expected trainer-1 not to see trainer-2's conflict, got %+v", visible)
	}
	if visible := env.sessions.PendingConflicts(ctx, env.trainer2); len(visible) != 1 {
		t.Fatalf("expected one pending conflict for trainer-2, got %+v", visible)
	}

	if _, err := env.sessions.ResolveConflict(ctx, env.trainer, stale.Conflict.ID, "merge"); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected other actors to be refused, got %v", err)
	}
	outcome, err := env.sessions.ResolveConflict(ctx, env.trainer2, stale.Conflict.ID, "auto-merge")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if outcome.Decision != collaboration.DecisionMerged || outcome.Session == nil {
		t.Fatalf("expected merge, got %+v", outcome)
	}
	if outcome.Session.Location != location || outcome.Session.Notes != notes || outcome.Session.Version != 3 {
		t.Fatalf("expected both edits on version 3, got %+v", outcome.Session)
	}

	if _, err := env.sessions.ResolveConflict(ctx, env.admin, stale.Conflict.ID, "lww"); !errors.Is(err, collaboration.ErrConflictNotFound) {
		t.Fatalf("expected a conflict to resolve once, got %v", err)
	}
	if _, err := env.sessions.ResolveConflict(ctx, env.admin, "whatever", "coin-flip"); !errors.Is(err, collaboration.ErrUnknownPolicy) {
		t.Fatalf("expected ErrUnknownPolicy, got %v", err)
	}
}

func TestSessionService_DeleteAndList(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	ctx := context.Background()
	first := env.mustCreate(t, "trainer-1", tomorrow(8, 0), 60)
	second := env.mustCreate(t, "trainer-2", tomorrow(9, 0), 60)

	all, err := env.sessions.ListSessions(ctx, ListInput{})
	if err != nil || len(all) != 2 || all[0].ID != first.ID {
		t.Fatalf("unexpected list %+v %v", all, err)
	}
	mine, err := env.sessions.ListSessions(ctx, ListInput{TrainerID: "trainer-2", Statuses: []string{"available"}})
	if err != nil || len(mine) != 1 || mine[0].ID != second.ID {
		t.Fatalf("unexpected filtered list %+v %v", mine, err)
	}
	if _, err := env.sessions.ListSessions(ctx, ListInput{Statuses: []string{"pending"}}); err == nil {
		t.Fatalf("expected unknown status to be rejected")
	}

	if err := env.sessions.DeleteSession(ctx, env.trainer, first.ID, 7); !errors.Is(err, scheduler.ErrVersionConflict) {
		t.Fatalf("expected version check on delete, got %v", err)
	}
	if err := env.sessions.DeleteSession(ctx, env.trainer, first.ID, 1); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := env.sessions.GetSession(ctx, first.ID); !errors.Is(err, scheduler.ErrNotFound) {
		t.Fatalf("expected deleted session to be gone, got %v", err)
	}
	rows, err := env.storage.ListSessions(ctx)
	if err != nil || len(rows) != 1 {
		t.Fatalf("expected one persisted session, got %d %v", len(rows), err)
	}
}
