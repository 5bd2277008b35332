package migration

import (
	"context"
	"errors"
	"testing"
	"testing/fstest"
)

func testFS() fstest.MapFS {
	return fstest.MapFS{
		"migrations/001_create_widgets.sql": {Data: []byte("-- Description: widgets table\nCREATE TABLE widgets (id TEXT PRIMARY KEY);\n")},
		"migrations/002_add_index.sql":      {Data: []byte("CREATE INDEX idx_widgets_id ON widgets (id);\n-- trailing comment\n")},
		"migrations/README.md":              {Data: []byte("ignored")},
	}
}

func TestScan(t *testing.T) {
	t.Parallel()

	migrations, err := Scan(testFS(), "migrations")
	if err != nil {
		t.Fatalf("Scan returned error: %v", err)
	}
	if len(migrations) != 2 {
		t.Fatalf("expected 2 migrations, got %d", len(migrations))
	}
	if migrations[0].Version != "001" || migrations[0].Description != "widgets table" {
		t.Fatalf("unexpected first migration %+v", migrations[0])
	}
	if migrations[1].Description != "add index" || migrations[1].Checksum == "" {
		t.Fatalf("unexpected second migration %+v", migrations[1])
	}

	t.Run("rejects bad names and duplicates", func(t *testing.T) {
		t.Parallel()

		bad := fstest.MapFS{"m/create.sql": {Data: []byte("SELECT 1;")}}
		if _, err := Scan(bad, "m"); !errors.Is(err, ErrInvalidMigrationFile) {
			t.Fatalf("expected ErrInvalidMigrationFile, got %v", err)
		}
		dup := fstest.MapFS{
			"m/1_a.sql":  {Data: []byte("SELECT 1;")},
			"m/01_b.sql": {Data: []byte("SELECT 1;")},
			"m/1_c.sql":  {Data: []byte("SELECT 1;")},
		}
		if _, err := Scan(dup, "m"); !errors.Is(err, ErrDuplicateVersion) {
			t.Fatalf("expected ErrDuplicateVersion, got %v", err)
		}
		empty := fstest.MapFS{"m/1_empty.sql": {Data: []byte("-- nothing\n")}}
		if _, err := Scan(empty, "m"); !errors.Is(err, ErrInvalidMigrationFile) {
			t.Fatalf("expected ErrInvalidMigrationFile for empty file, got %v", err)
		}
	})
}

func TestManager_RunIsIdempotent(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	db, err := Open(ctx, InMemorySQLiteConfig())
	if err != nil {
		t.Fatalf("Open returned error: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })

	fsys := testFS()
	manager := NewManager(db, fsys, "migrations", nil)
	applied, err := manager.Run(ctx)
	if err != nil || applied != 2 {
		t.Fatalf("expected 2 applied migrations, got %d err=%v", applied, err)
	}
	applied, err = manager.Run(ctx)
	if err != nil || applied != 0 {
		t.Fatalf("second run must apply nothing, got %d err=%v", applied, err)
	}
	status, err := manager.Status(ctx)
	if err != nil {
		t.Fatalf("Status returned error: %v", err)
	}
	if status.CurrentVersion != "002" || len(status.Pending) != 0 {
		t.Fatalf("unexpected status %+v", status)
	}
	if _, err := db.ExecContext(ctx, "INSERT INTO widgets (id) VALUES ('w-1')"); err != nil {
		t.Fatalf("migrated table unusable: %v", err)
	}

	fsys["migrations/002_add_index.sql"] = &fstest.MapFile{Data: []byte("CREATE INDEX idx_other ON widgets (id);")}
	if _, err := manager.Status(ctx); !errors.Is(err, ErrChecksumMismatch) {
		t.Fatalf("expected ErrChecksumMismatch after editing an applied file, got %v", err)
	}
}

func TestManager_FailedMigrationRollsBack(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	db, err := Open(ctx, InMemorySQLiteConfig())
	if err != nil {
		t.Fatalf("Open returned error: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })

	fsys := fstest.MapFS{
		"m/001_ok.sql":     {Data: []byte("CREATE TABLE a (id TEXT);")},
		"m/002_broken.sql": {Data: []byte("CREATE TABLE b (id TEXT); INSERT INTO missing VALUES (1);")},
	}
	applied, err := NewManager(db, fsys, "m", nil).Run(ctx)
	if !errors.Is(err, ErrMigrationFailed) {
		t.Fatalf("expected ErrMigrationFailed, got %v", err)
	}
	if applied != 1 {
		t.Fatalf("expected the first migration to stay applied, got %d", applied)
	}
	var count int
	if err := db.QueryRowContext(ctx, "SELECT COUNT(*) FROM sqlite_master WHERE name = 'b'").Scan(&count); err != nil {
		t.Fatalf("query failed: %v", err)
	}
	if count != 0 {
		t.Fatal("partial migration must be rolled back")
	}
}

func TestSQLiteConfig_Validate(t *testing.T) {
	t.Parallel()

	if err := DefaultSQLiteConfig("data/scheduler.db").Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
	bad := DefaultSQLiteConfig("")
	bad.JournalMode = "SIDEWAYS"
	if err := bad.Validate(); err == nil {
		t.Fatal("expected validation error")
	}
}
