package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/example/studio-scheduler/internal/persistence"
)

// ActorRepository implements persistence.ActorRepository using SQLite.
type ActorRepository struct {
	pool   *ConnectionPool
	mapper *ErrorMapper
}

// NewActorRepository creates a new SQLite actor repository.
func NewActorRepository(pool *ConnectionPool) *ActorRepository {
	return &ActorRepository{pool: pool, mapper: NewErrorMapper()}
}

// CreateActor inserts a new actor.
func (r *ActorRepository) CreateActor(ctx context.Context, actor persistence.Actor) error {
	if strings.TrimSpace(actor.ID) == "" || actor.KeyHash == "" {
		return fmt.Errorf("%w: actor id and key hash are required", persistence.ErrConstraintViolation)
	}
	return r.pool.WithTransaction(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO actors (id, display_name, role, key_hash, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?)`,
			actor.ID, actor.DisplayName, actor.Role, actor.KeyHash,
			formatTime(actor.CreatedAt), formatTime(actor.UpdatedAt),
		)
		return err
	})
}

// UpdateActor replaces the display name, role and key hash of an existing actor.
func (r *ActorRepository) UpdateActor(ctx context.Context, actor persistence.Actor) error {
	if actor.KeyHash == "" {
		return fmt.Errorf("%w: key hash is required", persistence.ErrConstraintViolation)
	}
	return r.pool.WithTransaction(ctx, func(tx *sql.Tx) error {
		result, err := tx.ExecContext(ctx, `
			UPDATE actors SET display_name = ?, role = ?, key_hash = ?, updated_at = ?
			WHERE id = ?`,
			actor.DisplayName, actor.Role, actor.KeyHash, formatTime(actor.UpdatedAt), actor.ID,
		)
		if err != nil {
			return err
		}
		affected, err := result.RowsAffected()
		if err != nil {
			return fmt.Errorf("failed to get rows affected: %w", err)
		}
		if affected == 0 {
			return persistence.ErrNotFound
		}
		return nil
	})
}

// GetActor retrieves an actor by ID.
func (r *ActorRepository) GetActor(ctx context.Context, id string) (persistence.Actor, error) {
	row := r.pool.DB().QueryRowContext(ctx, `
		SELECT id, display_name, role, key_hash, created_at, updated_at FROM actors WHERE id = ?`, id)
	actor, err := scanActor(row)
	if errors.Is(err, sql.ErrNoRows) {
		return persistence.Actor{}, persistence.ErrNotFound
	}
	if err != nil {
		return persistence.Actor{}, r.mapper.MapError(err)
	}
	return actor, nil
}

// ListActors returns all actors ordered by creation timestamp then ID.
func (r *ActorRepository) ListActors(ctx context.Context) ([]persistence.Actor, error) {
	rows, err := r.pool.DB().QueryContext(ctx, `
		SELECT id, display_name, role, key_hash, created_at, updated_at
		FROM actors ORDER BY created_at ASC, id ASC`)
	if err != nil {
		return nil, r.mapper.MapError(err)
	}
	defer rows.Close()

	var actors []persistence.Actor
	for rows.Next() {
		actor, err := scanActor(rows)
		if err != nil {
			return nil, r.mapper.MapError(err)
		}
		actors = append(actors, actor)
	}
	if err := rows.Err(); err != nil {
		return nil, r.mapper.MapError(err)
	}
	return actors, nil
}

// DeleteActor removes an actor by ID.
func (r *ActorRepository) DeleteActor(ctx context.Context, id string) error {
	return r.pool.WithTransaction(ctx, func(tx *sql.Tx) error {
		result, err := tx.ExecContext(ctx, `DELETE FROM actors WHERE id = ?`, id)
		if err != nil {
			return err
		}
		affected, err := result.RowsAffected()
		if err != nil {
			return fmt.Errorf("failed to get rows affected: %w", err)
		}
		if affected == 0 {
			return persistence.ErrNotFound
		}
		return nil
	})
}

func scanActor(row rowScanner) (persistence.Actor, error) {
	var (
		actor            persistence.Actor
		created, updated string
	)
	if err := row.Scan(&actor.ID, &actor.DisplayName, &actor.Role, &actor.KeyHash, &created, &updated); err != nil {
		return persistence.Actor{}, err
	}
	var err error
	if actor.CreatedAt, err = parseTime(created); err != nil {
		return persistence.Actor{}, fmt.Errorf("failed to parse created_at: %w", err)
	}
	if actor.UpdatedAt, err = parseTime(updated); err != nil {
		return persistence.Actor{}, fmt.Errorf("failed to parse updated_at: %w", err)
	}
	return actor, nil
}
