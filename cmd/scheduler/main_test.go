package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/example/studio-scheduler/internal/application"
	"github.com/example/studio-scheduler/internal/config"
	"github.com/example/studio-scheduler/internal/scheduler"
)

func runCommand(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCommand()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(io.Discard)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

// writeConfig writes a YAML config for a SQLite database in a temp dir and returns the flags
// that point the command at it.
func writeConfig(t *testing.T, driver string) []string {
	t.Helper()
	dir := t.TempDir()
	body := strings.Join([]string{
		"storage_driver: " + driver,
		"sqlite_path: " + filepath.Join(dir, "scheduler.db"),
		"token_secret: test-secret-0123456789",
		"log_level: error",
		"",
	}, "\n")
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return []string{"--config", path, "--env-file", filepath.Join(dir, "missing.env")}
}

func TestExpandCommand(t *testing.T) {
	t.Parallel()

	out, err := runCommand(t, "expand",
		"--start", "2024-03-04", "--end", "2024-03-10",
		"--days", "mon,wed", "--times", "09:00,18:00",
		"--duration", "45", "--offset", "540")
	if err != nil {
		t.Fatalf("expand: %v", err)
	}

	var got expandOutput
	if err := json.Unmarshal([]byte(out), &got); err != nil {
		t.Fatalf("decode %q: %v", out, err)
	}
	if got.Count != 4 || got.TruncatedBy != "none" {
		t.Fatalf("expected 4 untruncated occurrences, got %+v", got)
	}
	first := got.Occurrences[0]
	if want := time.Date(2024, 3, 4, 0, 0, 0, 0, time.UTC); !first.Start.Equal(want) {
		t.Fatalf("09:00 at +09:00 is %s, got %s", want, first.Start)
	}
	if first.End.Sub(first.Start) != 45*time.Minute {
		t.Fatalf("unexpected duration %s", first.End.Sub(first.Start))
	}
}

func TestExpandCommandRejectsBadInput(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		args []string
	}{
		{"unknown weekday", []string{"--days", "someday", "--times", "09:00"}},
		{"bad time", []string{"--days", "mon", "--times", "25:00"}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			args := append([]string{"expand", "--start", "2024-03-04", "--end", "2024-03-10"}, tc.args...)
			if _, err := runCommand(t, args...); err == nil {
				t.Fatal("expected an error")
			}
		})
	}
}

func TestActorsCreateBootstrapsAnAdmin(t *testing.T) {
	flags := writeConfig(t, "sqlite")

	out, err := runCommand(t, append([]string{"actors", "create", "--id", "admin-1", "--name", "Front Desk"}, flags...)...)
	if err != nil {
		t.Fatalf("actors create: %v", err)
	}
	var creds application.ActorCredentials
	if err := json.Unmarshal([]byte(out), &creds); err != nil {
		t.Fatalf("decode %q: %v", out, err)
	}
	if creds.Actor.ID != "admin-1" || creds.Actor.Role != "admin" {
		t.Fatalf("unexpected actor %+v", creds.Actor)
	}
	if !strings.HasPrefix(creds.AccessKey, "admin-1.") {
		t.Fatalf("access key must carry the actor id, got %q", creds.AccessKey)
	}

	if _, err := runCommand(t, append([]string{"actors", "create", "--id", "admin-1", "--name", "Again"}, flags...)...); err == nil {
		t.Fatal("expected a duplicate id to be rejected")
	}

	out, err = runCommand(t, append([]string{"migrate"}, flags...)...)
	if err != nil {
		t.Fatalf("migrate: %v", err)
	}
	if !strings.Contains(out, "applied 0 migration(s)") {
		t.Fatalf("schema should already be current, got %q", out)
	}
}

func TestMigrateRequiresSQLite(t *testing.T) {
	flags := writeConfig(t, "memory")
	if _, err := runCommand(t, append([]string{"migrate"}, flags...)...); err == nil {
		t.Fatal("expected migrate to refuse the memory driver")
	}
}

func TestStackHandler(t *testing.T) {
	t.Parallel()

	cfg := config.Config{
		StorageDriver:    "memory",
		TokenSecret:      "test-secret-0123456789",
		TokenTTL:         time.Hour,
		LockTTL:          30 * time.Second,
		SweepInterval:    time.Second,
		LateCancelWindow: 24 * time.Hour,
		MaxOccurrences:   52,
		MaxMonths:        12,
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	st, err := buildStack(ctx, cfg, logger)
	if err != nil {
		t.Fatalf("build stack: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	st.start(ctx)

	srv := httptest.NewServer(st.handler())
	t.Cleanup(srv.Close)

	resp, err := http.Get(srv.URL + "/healthz")
	if err != nil {
		t.Fatalf("healthz: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}

	resp, err = http.Get(srv.URL + "/sessions")
	if err != nil {
		t.Fatalf("sessions: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 without an access key, got %d", resp.StatusCode)
	}
}

func TestServeStopsOnCancel(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	server := &http.Server{Addr: "127.0.0.1:0", Handler: http.NotFoundHandler()}
	done := make(chan error, 1)
	go func() { done <- serve(ctx, server, slog.New(slog.NewTextHandler(io.Discard, nil))) }()

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("expected a clean shutdown, got %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("serve did not return after cancel")
	}
}

func TestStackReloadsSessionsAfterRestart(t *testing.T) {
	t.Parallel()

	cfg := config.Config{
		StorageDriver:    "sqlite",
		SQLitePath:       filepath.Join(t.TempDir(), "scheduler.db"),
		TokenSecret:      "test-secret-0123456789",
		TokenTTL:         time.Hour,
		LockTTL:          30 * time.Second,
		SweepInterval:    time.Second,
		LateCancelWindow: 24 * time.Hour,
		MaxOccurrences:   52,
		MaxMonths:        12,
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	ctx := context.Background()
	operator := scheduler.Actor{ID: "admin-1", Role: scheduler.RoleAdmin}
	start := time.Now().UTC().Add(48 * time.Hour).Truncate(time.Hour)

	first, err := buildStack(ctx, cfg, logger)
	if err != nil {
		t.Fatalf("build stack: %v", err)
	}
	created, err := first.sessions.CreateSession(ctx, operator, application.SessionInput{
		Start:           start,
		DurationMinutes: 60,
		TrainerID:       "trainer-1",
	})
	if err != nil {
		_ = first.Close()
		t.Fatalf("create session: %v", err)
	}
	if err := first.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	second, err := buildStack(ctx, cfg, logger)
	if err != nil {
		t.Fatalf("rebuild stack: %v", err)
	}
	t.Cleanup(func() { _ = second.Close() })

	reloaded, err := second.sessions.GetSession(ctx, created.ID)
	if err != nil {
		t.Fatalf("session lost across restart: %v", err)
	}
	if !reloaded.Start.Equal(created.Start) || reloaded.Version != created.Version {
		t.Fatalf("reloaded %+v, want %+v", reloaded, created)
	}
	_, err = second.sessions.CreateSession(ctx, operator, application.SessionInput{
		Start:           start.Add(30 * time.Minute),
		DurationMinutes: 60,
		TrainerID:       "trainer-1",
	})
	if !errors.Is(err, scheduler.ErrConflict) {
		t.Fatalf("expected the reloaded session to block a double booking, got %v", err)
	}
}
