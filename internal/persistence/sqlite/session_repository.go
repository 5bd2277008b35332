package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/example/studio-scheduler/internal/persistence"
)

const sessionColumns = `id, trainer_id, client_id, start_time, duration_minutes, location, notes, session_type,
	status, version, group_id, block_reason, charge_type, cancel_reason, cancelled_by, completed_at, created_at, updated_at`

// SessionRepository implements persistence.SessionRepository using SQLite.
type SessionRepository struct {
	pool   *ConnectionPool
	mapper *ErrorMapper
}

// NewSessionRepository creates a new SQLite session repository.
func NewSessionRepository(pool *ConnectionPool) *SessionRepository {
	return &SessionRepository{pool: pool, mapper: NewErrorMapper()}
}

// ListSessions returns every stored session ordered by start time then ID.
func (r *SessionRepository) ListSessions(ctx context.Context) ([]persistence.Session, error) {
	rows, err := r.pool.DB().QueryContext(ctx, `SELECT `+sessionColumns+` FROM sessions ORDER BY start_time ASC, id ASC`)
	if err != nil {
		return nil, r.mapper.MapError(err)
	}
	defer rows.Close()

	var sessions []persistence.Session
	for rows.Next() {
		session, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, session)
	}
	if err := rows.Err(); err != nil {
		return nil, r.mapper.MapError(err)
	}
	return sessions, nil
}

// GetSession retrieves one session.
func (r *SessionRepository) GetSession(ctx context.Context, id string) (persistence.Session, error) {
	row := r.pool.DB().QueryRowContext(ctx, `SELECT `+sessionColumns+` FROM sessions WHERE id = ?`, id)
	session, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return persistence.Session{}, persistence.ErrNotFound
	}
	if err != nil {
		return persistence.Session{}, r.mapper.MapError(err)
	}
	return session, nil
}

// InsertSessions stores all sessions in one transaction.
func (r *SessionRepository) InsertSessions(ctx context.Context, sessions []persistence.Session) error {
	if len(sessions) == 0 {
		return nil
	}
	for _, s := range sessions {
		if s.ID == "" || s.Version < 1 {
			return fmt.Errorf("%w: session id and version are required", persistence.ErrConstraintViolation)
		}
	}
	return r.pool.WithTransaction(ctx, func(tx *sql.Tx) error {
		stmt, err := tx.PrepareContext(ctx, `INSERT INTO sessions (`+sessionColumns+`)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
		if err != nil {
			return err
		}
		defer stmt.Close()
		for _, s := range sessions {
			if _, err := stmt.ExecContext(ctx, sessionArgs(s)...); err != nil {
				return fmt.Errorf("insert session %s: %w", s.ID, err)
			}
		}
		return nil
	})
}

// UpdateSession replaces the row while its stored version still equals expectedVersion.
func (r *SessionRepository) UpdateSession(ctx context.Context, s persistence.Session, expectedVersion int64) error {
	return r.pool.WithTransaction(ctx, func(tx *sql.Tx) error {
		return updateSession(ctx, tx, s, expectedVersion)
	})
}

// UpdateSessions replaces every row in one transaction. Each stored version must be one below
// the new version.
func (r *SessionRepository) UpdateSessions(ctx context.Context, sessions []persistence.Session) error {
	if len(sessions) == 0 {
		return nil
	}
	return r.pool.WithTransaction(ctx, func(tx *sql.Tx) error {
		for _, s := range sessions {
			if err := updateSession(ctx, tx, s, s.Version-1); err != nil {
				return err
			}
		}
		return nil
	})
}

func updateSession(ctx context.Context, tx *sql.Tx, s persistence.Session, expectedVersion int64) error {
	result, err := tx.ExecContext(ctx, `
		UPDATE sessions
		SET trainer_id = ?, client_id = ?, start_time = ?, duration_minutes = ?, location = ?, notes = ?,
			session_type = ?, status = ?, version = ?, group_id = ?, block_reason = ?, charge_type = ?,
			cancel_reason = ?, cancelled_by = ?, completed_at = ?, updated_at = ?
		WHERE id = ? AND version = ?`,
		s.TrainerID, s.ClientID, formatTime(s.Start), s.DurationMinutes, s.Location, s.Notes,
		s.SessionType, s.Status, s.Version, s.GroupID, s.BlockReason, s.ChargeType,
		s.CancelReason, s.CancelledBy, nullableTime(s.CompletedAt), formatTime(s.UpdatedAt),
		s.ID, expectedVersion,
	)
	if err != nil {
		return err
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if affected == 1 {
		return nil
	}

	var stored int64
	switch err := tx.QueryRowContext(ctx, `SELECT version FROM sessions WHERE id = ?`, s.ID).Scan(&stored); {
	case errors.Is(err, sql.ErrNoRows):
		return persistence.ErrNotFound
	case err != nil:
		return err
	}
	return fmt.Errorf("%w: session %s stored at version %d, expected %d", persistence.ErrVersionConflict, s.ID, stored, expectedVersion)
}

// DeleteSessions removes the listed sessions. Unknown ids are ignored.
func (r *SessionRepository) DeleteSessions(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(ids)), ",")
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	return r.pool.WithTransaction(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `DELETE FROM sessions WHERE id IN (`+placeholders+`)`, args...)
		return err
	})
}

func sessionArgs(s persistence.Session) []any {
	return []any{
		s.ID, s.TrainerID, s.ClientID, formatTime(s.Start), s.DurationMinutes, s.Location, s.Notes, s.SessionType,
		s.Status, s.Version, s.GroupID, s.BlockReason, s.ChargeType, s.CancelReason, s.CancelledBy,
		nullableTime(s.CompletedAt), formatTime(s.CreatedAt), formatTime(s.UpdatedAt),
	}
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(row rowScanner) (persistence.Session, error) {
	var (
		s                       persistence.Session
		start, created, updated string
		completed               sql.NullString
	)
	if err := row.Scan(
		&s.ID, &s.TrainerID, &s.ClientID, &start, &s.DurationMinutes, &s.Location, &s.Notes, &s.SessionType,
		&s.Status, &s.Version, &s.GroupID, &s.BlockReason, &s.ChargeType, &s.CancelReason, &s.CancelledBy,
		&completed, &created, &updated,
	); err != nil {
		return persistence.Session{}, err
	}
	var err error
	if s.Start, err = parseTime(start); err != nil {
		return persistence.Session{}, fmt.Errorf("failed to parse start_time: %w", err)
	}
	if s.CompletedAt, err = parseNullableTime(completed); err != nil {
		return persistence.Session{}, fmt.Errorf("failed to parse completed_at: %w", err)
	}
	if s.CreatedAt, err = parseTime(created); err != nil {
		return persistence.Session{}, fmt.Errorf("failed to parse created_at: %w", err)
	}
	if s.UpdatedAt, err = parseTime(updated); err != nil {
		return persistence.Session{}, fmt.Errorf("failed to parse updated_at: %w", err)
	}
	return s, nil
}
