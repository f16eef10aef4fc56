package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"radiorec/internal/model"
)

const showCols = `id, station_id, name, schedule_pattern, schedule_description, duration_minutes,
	active, retention_days, audio_format, show_type`

func scanShow(r rowScanner) (model.Show, error) {
	var (
		sh       model.Show
		pattern  sql.NullString
		active   int
		showType string
	)
	if err := r.Scan(&sh.ID, &sh.StationID, &sh.Name, &pattern, &sh.ScheduleDescription, &sh.DurationMinutes,
		&active, &sh.RetentionDays, &sh.AudioFormat, &showType); err != nil {
		return model.Show{}, err
	}
	sh.SchedulePattern = pattern.String
	sh.Active = active != 0
	sh.ShowType = model.ShowType(showType)
	return sh, nil
}

func (s *Store) CreateShow(ctx context.Context, sh model.Show) (int64, error) {
	if sh.ShowType == "" {
		sh.ShowType = model.ShowScheduled
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO shows(station_id, name, schedule_pattern, schedule_description, duration_minutes,
		   active, retention_days, audio_format, show_type)
		 VALUES(?,?,?,?,?,?,?,?,?)`,
		sh.StationID, sh.Name, nullStr(sh.SchedulePattern), sh.ScheduleDescription, sh.DurationMinutes,
		boolInt(sh.Active), sh.RetentionDays, sh.Format(), string(sh.ShowType),
	)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

func (s *Store) GetShow(ctx context.Context, id int64) (model.Show, error) {
	sh, err := scanShow(s.db.QueryRowContext(ctx, `SELECT `+showCols+` FROM shows WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return model.Show{}, fmt.Errorf("show %d: %w", id, model.ErrNotFound)
	}
	return sh, err
}

func (s *Store) ListShows(ctx context.Context) ([]model.Show, error) {
	return s.queryShows(ctx, `SELECT `+showCols+` FROM shows ORDER BY id`)
}

// ListActiveScheduledShows returns active shows that carry a pattern.
// Patterns are not validated here.
func (s *Store) ListActiveScheduledShows(ctx context.Context) ([]model.Show, error) {
	return s.queryShows(ctx,
		`SELECT `+showCols+` FROM shows
		 WHERE active = 1 AND schedule_pattern IS NOT NULL AND TRIM(schedule_pattern) <> ''
		 ORDER BY id`)
}

func (s *Store) queryShows(ctx context.Context, q string, args ...any) ([]model.Show, error) {
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []model.Show
	for rows.Next() {
		sh, err := scanShow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, sh)
	}
	return out, rows.Err()
}

func (s *Store) SetShowActive(ctx context.Context, id int64, active bool) error {
	return s.updateShow(ctx, id, `UPDATE shows SET active = ? WHERE id = ?`, boolInt(active), id)
}

// UpdateShowSchedule replaces the pattern. An empty pattern makes the show playlist only.
func (s *Store) UpdateShowSchedule(ctx context.Context, id int64, pattern, description string) error {
	return s.updateShow(ctx, id,
		`UPDATE shows SET schedule_pattern = ?, schedule_description = ? WHERE id = ?`,
		nullStr(pattern), description, id)
}

func (s *Store) SetShowRetention(ctx context.Context, id int64, days int) error {
	return s.updateShow(ctx, id, `UPDATE shows SET retention_days = ? WHERE id = ?`, days, id)
}

func (s *Store) updateShow(ctx context.Context, id int64, q string, args ...any) error {
	res, err := s.db.ExecContext(ctx, q, args...)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("show %d: %w", id, model.ErrNotFound)
	}
	return nil
}
