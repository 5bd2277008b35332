package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/example/studio-scheduler/internal/persistence"
)

const seriesColumns = `id, trainer_id, client_id, start_date, end_date, weekdays, times, duration_minutes, offset_minutes,
	location, session_type, blocked, block_reason, truncated_by, created_by, created_at`

// SeriesRepository implements persistence.SeriesRepository using SQLite.
type SeriesRepository struct {
	pool   *ConnectionPool
	mapper *ErrorMapper
}

// NewSeriesRepository creates a new SQLite series repository.
func NewSeriesRepository(pool *ConnectionPool) *SeriesRepository {
	return &SeriesRepository{pool: pool, mapper: NewErrorMapper()}
}

// CreateSeries stores the rule a session group was expanded from.
func (r *SeriesRepository) CreateSeries(ctx context.Context, series persistence.RecurringSeries) error {
	if series.ID == "" || len(series.Weekdays) == 0 || len(series.Times) == 0 {
		return fmt.Errorf("%w: series id, weekdays and times are required", persistence.ErrConstraintViolation)
	}
	return r.pool.WithTransaction(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `INSERT INTO recurring_series (`+seriesColumns+`)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			series.ID, series.TrainerID, series.ClientID,
			series.StartDate.Format(time.DateOnly), series.EndDate.Format(time.DateOnly),
			encodeWeekdays(series.Weekdays), strings.Join(series.Times, ","),
			series.DurationMinutes, series.OffsetMinutes, series.Location, series.SessionType,
			series.Blocked, series.BlockReason, series.TruncatedBy, series.CreatedBy, formatTime(series.CreatedAt),
		)
		return err
	})
}

// GetSeries retrieves one series.
func (r *SeriesRepository) GetSeries(ctx context.Context, id string) (persistence.RecurringSeries, error) {
	row := r.pool.DB().QueryRowContext(ctx, `SELECT `+seriesColumns+` FROM recurring_series WHERE id = ?`, id)
	series, err := scanSeries(row)
	if errors.Is(err, sql.ErrNoRows) {
		return persistence.RecurringSeries{}, persistence.ErrNotFound
	}
	if err != nil {
		return persistence.RecurringSeries{}, r.mapper.MapError(err)
	}
	return series, nil
}

// ListSeries returns all series ordered by creation.
func (r *SeriesRepository) ListSeries(ctx context.Context) ([]persistence.RecurringSeries, error) {
	rows, err := r.pool.DB().QueryContext(ctx, `SELECT `+seriesColumns+` FROM recurring_series ORDER BY created_at ASC, id ASC`)
	if err != nil {
		return nil, r.mapper.MapError(err)
	}
	defer rows.Close()

	var out []persistence.RecurringSeries
	for rows.Next() {
		series, err := scanSeries(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, series)
	}
	if err := rows.Err(); err != nil {
		return nil, r.mapper.MapError(err)
	}
	return out, nil
}

// DeleteSeries removes a series rule. Its sessions are deleted through the session repository.
func (r *SeriesRepository) DeleteSeries(ctx context.Context, id string) error {
	return r.pool.WithTransaction(ctx, func(tx *sql.Tx) error {
		result, err := tx.ExecContext(ctx, `DELETE FROM recurring_series WHERE id = ?`, id)
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

func scanSeries(row rowScanner) (persistence.RecurringSeries, error) {
	var (
		s                  persistence.RecurringSeries
		startDate, endDate string
		created            string
		times              string
		weekdayMask        int64
	)
	if err := row.Scan(
		&s.ID, &s.TrainerID, &s.ClientID, &startDate, &endDate, &weekdayMask, &times, &s.DurationMinutes,
		&s.OffsetMinutes, &s.Location, &s.SessionType, &s.Blocked, &s.BlockReason, &s.TruncatedBy,
		&s.CreatedBy, &created,
	); err != nil {
		return persistence.RecurringSeries{}, err
	}
	var err error
	if s.StartDate, err = time.Parse(time.DateOnly, startDate); err != nil {
		return persistence.RecurringSeries{}, fmt.Errorf("failed to parse start_date: %w", err)
	}
	if s.EndDate, err = time.Parse(time.DateOnly, endDate); err != nil {
		return persistence.RecurringSeries{}, fmt.Errorf("failed to parse end_date: %w", err)
	}
	if s.CreatedAt, err = parseTime(created); err != nil {
		return persistence.RecurringSeries{}, fmt.Errorf("failed to parse created_at: %w", err)
	}
	s.Weekdays = decodeWeekdays(weekdayMask)
	if times != "" {
		s.Times = strings.Split(times, ",")
	}
	return s, nil
}

// encodeWeekdays encodes weekdays as a bitmask for storage.
func encodeWeekdays(weekdays []time.Weekday) int64 {
	var mask int64
	for _, day := range weekdays {
		if day >= time.Sunday && day <= time.Saturday {
			mask |= 1 << uint(day)
		}
	}
	return mask
}

// decodeWeekdays decodes weekdays from a bitmask.
func decodeWeekdays(mask int64) []time.Weekday {
	var weekdays []time.Weekday
	for day := time.Sunday; day <= time.Saturday; day++ {
		if mask&(1<<uint(day)) != 0 {
			weekdays = append(weekdays, day)
		}
	}
	return weekdays
}
