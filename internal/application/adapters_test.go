package application

import (
	"context"
	"errors"
	"testing"

	"github.com/example/studio-scheduler/internal/persistence"
	"github.com/example/studio-scheduler/internal/persistence/memory"
	"github.com/example/studio-scheduler/internal/scheduler"
	"github.com/example/studio-scheduler/internal/testfixtures"
)

func TestSessionStore_VersionConflictCarriesStoredVersion(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	storage := memory.New()
	row := testfixtures.NewSessionFixture(testfixtures.WithSessionID("s-1"), testfixtures.WithSessionVersion(3)).Persistence()
	if err := storage.InsertSessions(ctx, []persistence.Session{row}); err != nil {
		t.Fatalf("InsertSessions failed: %v", err)
	}
	store := NewSessionStore(storage)

	next := testfixtures.NewSessionFixture(testfixtures.WithSessionID("s-1"), testfixtures.WithSessionVersion(2)).Scheduler()
	cases := map[string]func() error{
		"single": func() error { return store.UpdateSession(ctx, next, 1) },
		"batch":  func() error { return store.UpdateSessions(ctx, []scheduler.Session{next}) },
	}
	for name, write := range cases {
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			var stale *scheduler.VersionConflictError
			if err := write(); !errors.As(err, &stale) {
				t.Fatalf("expected VersionConflictError, got %v", err)
			}
			if stale.SessionID != "s-1" || stale.Expected != 1 || stale.Current != 3 {
				t.Fatalf("unexpected conflict %+v", stale)
			}
		})
	}
}
