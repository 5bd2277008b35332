package testfixtures

import (
	"context"
	"log/slog"
	"path/filepath"
	"testing"

	"github.com/example/studio-scheduler/internal/persistence"
	"github.com/example/studio-scheduler/internal/persistence/sqlite"
	"github.com/example/studio-scheduler/internal/persistence/sqlite/migration"
)

// SQLiteHarness provides repository access backed by a temporary, migrated SQLite database for
// integration-style persistence tests.
type SQLiteHarness struct {
	Pool      *sqlite.ConnectionPool
	Actors    persistence.ActorRepository
	Sessions  persistence.SessionRepository
	Series    persistence.SeriesRepository
	Overrides persistence.OverrideRepository

	cleanup func()
}

// Close releases resources associated with the harness.
func (h *SQLiteHarness) Close() {
	if h != nil && h.cleanup != nil {
		h.cleanup()
		h.cleanup = nil
	}
}

// NewSQLiteHarness constructs a SQLiteHarness over a file in a temporary directory. Callers may
// invoke Close; the helper also registers a cleanup callback with tb.
func NewSQLiteHarness(tb testing.TB) *SQLiteHarness {
	tb.Helper()

	ctx := context.Background()
	path := filepath.Join(tb.TempDir(), "scheduler.db")

	pool, err := sqlite.NewConnectionPool(ctx, migration.DefaultSQLiteConfig(path))
	if err != nil {
		tb.Fatalf("failed to open database: %v", err)
	}
	logger := slog.New(slog.DiscardHandler)
	if _, err := pool.Migrate(ctx, logger); err != nil {
		_ = pool.Close()
		tb.Fatalf("failed to migrate database: %v", err)
	}

	harness := &SQLiteHarness{
		Pool:      pool,
		Actors:    sqlite.NewActorRepository(pool),
		Sessions:  sqlite.NewSessionRepository(pool),
		Series:    sqlite.NewSeriesRepository(pool),
		Overrides: sqlite.NewOverrideRepository(pool),
		cleanup: func() {
			_ = pool.Close()
		},
	}

	tb.Cleanup(harness.Close)
	return harness
}
