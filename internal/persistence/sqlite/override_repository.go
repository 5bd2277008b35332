package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/example/studio-scheduler/internal/persistence"
)

// OverrideRepository implements persistence.OverrideRepository using SQLite. Rows are only ever
// inserted.
type OverrideRepository struct {
	pool   *ConnectionPool
	mapper *ErrorMapper
}

// NewOverrideRepository creates a new SQLite override audit repository.
func NewOverrideRepository(pool *ConnectionPool) *OverrideRepository {
	return &OverrideRepository{pool: pool, mapper: NewErrorMapper()}
}

// RecordOverride appends one audit entry.
func (r *OverrideRepository) RecordOverride(ctx context.Context, o persistence.ConflictOverride) error {
	if o.ID == "" || o.SessionID == "" || o.ActorID == "" {
		return fmt.Errorf("%w: override id, session and actor are required", persistence.ErrConstraintViolation)
	}
	return r.pool.WithTransaction(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO conflict_overrides
				(id, session_id, actor_id, actor_role, requested_start, requested_end, conflicting_ids, reason, occurred_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			o.ID, o.SessionID, o.ActorID, o.ActorRole, formatTime(o.RequestedStart), formatTime(o.RequestedEnd),
			strings.Join(o.ConflictingIDs, ","), o.Reason, formatTime(o.OccurredAt),
		)
		return err
	})
}

// ListOverrides returns the audit entries of one session, oldest first.
func (r *OverrideRepository) ListOverrides(ctx context.Context, sessionID string) ([]persistence.ConflictOverride, error) {
	rows, err := r.pool.DB().QueryContext(ctx, `
		SELECT id, session_id, actor_id, actor_role, requested_start, requested_end, conflicting_ids, reason, occurred_at
		FROM conflict_overrides
		WHERE session_id = ?
		ORDER BY occurred_at ASC, id ASC`, sessionID)
	if err != nil {
		return nil, r.mapper.MapError(err)
	}
	defer rows.Close()

	var out []persistence.ConflictOverride
	for rows.Next() {
		var (
			o                                 persistence.ConflictOverride
			start, end, occurred, conflicting string
		)
		if err := rows.Scan(&o.ID, &o.SessionID, &o.ActorID, &o.ActorRole, &start, &end, &conflicting, &o.Reason, &occurred); err != nil {
			return nil, r.mapper.MapError(err)
		}
		if o.RequestedStart, err = parseTime(start); err != nil {
			return nil, fmt.Errorf("failed to parse requested_start: %w", err)
		}
		if o.RequestedEnd, err = parseTime(end); err != nil {
			return nil, fmt.Errorf("failed to parse requested_end: %w", err)
		}
		if o.OccurredAt, err = parseTime(occurred); err != nil {
			return nil, fmt.Errorf("failed to parse occurred_at: %w", err)
		}
		if conflicting != "" {
			o.ConflictingIDs = strings.Split(conflicting, ",")
		}
		out = append(out, o)
	}
	if err := rows.Err(); err != nil {
		return nil, r.mapper.MapError(err)
	}
	return out, nil
}
