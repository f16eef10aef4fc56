package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"radiorec/internal/model"
)

const recordingCols = `id, show_id, filename, title, recorded_at, duration_seconds, file_size_bytes,
	source_type, ttl_override_value, ttl_override_unit, expires_at, manual, quality_warning`

func scanRecording(r rowScanner) (model.Recording, error) {
	var (
		rec        model.Recording
		showID     sql.NullInt64
		recordedAt int64
		source     string
		ttlValue   sql.NullInt64
		ttlUnit    sql.NullString
		expires    sql.NullInt64
		manual     int
		warning    sql.NullString
	)
	if err := r.Scan(&rec.ID, &showID, &rec.Filename, &rec.Title, &recordedAt, &rec.DurationSeconds,
		&rec.FileSizeBytes, &source, &ttlValue, &ttlUnit, &expires, &manual, &warning); err != nil {
		return model.Recording{}, err
	}
	rec.ShowID = showID.Int64
	rec.RecordedAt = time.Unix(recordedAt, 0)
	rec.SourceType = model.SourceType(source)
	if ttlUnit.Valid {
		rec.TTLOverride = &model.TTL{Value: int(ttlValue.Int64), Unit: model.TTLUnit(ttlUnit.String)}
	}
	rec.ExpiresAt = timePtr(expires)
	rec.Manual = manual != 0
	rec.QualityWarning = warning.String
	return rec, nil
}

// InsertRecording stores rec unless a row with the same filename exists.
// It returns the id of the row holding the filename and whether it was created.
func (s *Store) InsertRecording(ctx context.Context, rec model.Recording) (int64, bool, error) {
	if rec.Filename == "" {
		return 0, false, model.Invalid("filename", "empty")
	}
	if rec.SourceType == "" {
		rec.SourceType = model.SourceRecorded
	}
	if rec.RecordedAt.IsZero() {
		rec.RecordedAt = time.Now()
	}
	var ttlValue, ttlUnit any
	if rec.TTLOverride != nil {
		ttlValue, ttlUnit = rec.TTLOverride.Value, string(rec.TTLOverride.Unit)
	}

	res, err := s.db.ExecContext(ctx,
		`INSERT INTO recordings(show_id, filename, title, recorded_at, duration_seconds, file_size_bytes,
		   source_type, ttl_override_value, ttl_override_unit, expires_at, manual, quality_warning)
		 VALUES(?,?,?,?,?,?,?,?,?,?,?,?)
		 ON CONFLICT(filename) DO NOTHING`,
		nullID(rec.ShowID), rec.Filename, rec.Title, rec.RecordedAt.Unix(), rec.DurationSeconds, rec.FileSizeBytes,
		string(rec.SourceType), ttlValue, ttlUnit, nullTime(rec.ExpiresAt), boolInt(rec.Manual), nullStr(rec.QualityWarning),
	)
	if err != nil {
		return 0, false, err
	}
	if n, _ := res.RowsAffected(); n == 1 {
		id, err := res.LastInsertId()
		return id, true, err
	}

	var id int64
	if err := s.db.QueryRowContext(ctx, `SELECT id FROM recordings WHERE filename = ?`, rec.Filename).Scan(&id); err != nil {
		return 0, false, fmt.Errorf("lookup existing %s: %w", rec.Filename, err)
	}
	return id, false, nil
}

func (s *Store) GetRecording(ctx context.Context, id int64) (model.Recording, error) {
	rec, err := scanRecording(s.db.QueryRowContext(ctx, `SELECT `+recordingCols+` FROM recordings WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return model.Recording{}, fmt.Errorf("recording %d: %w", id, model.ErrNotFound)
	}
	return rec, err
}

// LatestScheduledRecording returns the newest non-manual recorded row for the
// show at or after since.
func (s *Store) LatestScheduledRecording(ctx context.Context, showID int64, since time.Time) (model.Recording, bool, error) {
	rec, err := scanRecording(s.db.QueryRowContext(ctx,
		`SELECT `+recordingCols+` FROM recordings
		 WHERE show_id = ? AND manual = 0 AND source_type = 'recorded' AND recorded_at >= ?
		 ORDER BY recorded_at DESC, id DESC LIMIT 1`,
		showID, since.Unix(),
	))
	if errors.Is(err, sql.ErrNoRows) {
		return model.Recording{}, false, nil
	}
	if err != nil {
		return model.Recording{}, false, err
	}
	return rec, true, nil
}

// ListRecordings returns the newest rows first. showID 0 lists all shows.
func (s *Store) ListRecordings(ctx context.Context, showID int64, limit int) ([]model.Recording, error) {
	if limit <= 0 {
		limit = 50
	}
	if showID > 0 {
		return s.queryRecordings(ctx,
			`SELECT `+recordingCols+` FROM recordings WHERE show_id = ? ORDER BY recorded_at DESC, id DESC LIMIT ?`,
			showID, limit)
	}
	return s.queryRecordings(ctx,
		`SELECT `+recordingCols+` FROM recordings ORDER BY recorded_at DESC, id DESC LIMIT ?`, limit)
}

// ListExpired returns up to limit rows with a non-null expires_at <= now and id > afterID,
// ordered by id. Callers page with the last id they saw.
func (s *Store) ListExpired(ctx context.Context, now time.Time, afterID int64, limit int) ([]model.Recording, error) {
	if limit <= 0 {
		limit = 100
	}
	return s.queryRecordings(ctx,
		`SELECT `+recordingCols+` FROM recordings
		 WHERE expires_at IS NOT NULL AND expires_at <= ? AND id > ?
		 ORDER BY id LIMIT ?`,
		now.Unix(), afterID, limit)
}

// ListShowRecordingsWithoutOverride returns the rows whose expiry follows the show policy.
func (s *Store) ListShowRecordingsWithoutOverride(ctx context.Context, showID int64) ([]model.Recording, error) {
	return s.queryRecordings(ctx,
		`SELECT `+recordingCols+` FROM recordings WHERE show_id = ? AND ttl_override_unit IS NULL ORDER BY id`,
		showID)
}

func (s *Store) queryRecordings(ctx context.Context, q string, args ...any) ([]model.Recording, error) {
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []model.Recording
	for rows.Next() {
		rec, err := scanRecording(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// DeleteRecording removes one row. Missing rows are not an error.
func (s *Store) DeleteRecording(ctx context.Context, id int64) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM recordings WHERE id = ?`, id)
	return err
}

func (s *Store) SetRecordingExpiry(ctx context.Context, id int64, expiresAt *time.Time) error {
	_, err := s.db.ExecContext(ctx, `UPDATE recordings SET expires_at = ? WHERE id = ?`, nullTime(expiresAt), id)
	return err
}

// SetRecordingSize stores the on-disk size after the file was rewritten in place.
func (s *Store) SetRecordingSize(ctx context.Context, id int64, bytes int64) error {
	res, err := s.db.ExecContext(ctx, `UPDATE recordings SET file_size_bytes = ? WHERE id = ?`, bytes, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("recording %d: %w", id, model.ErrNotFound)
	}
	return nil
}

// SetRecordingTTL stores an override (nil clears it) together with the expiry derived from it.
func (s *Store) SetRecordingTTL(ctx context.Context, id int64, ttl *model.TTL, expiresAt *time.Time) error {
	var value, unit any
	if ttl != nil {
		value, unit = ttl.Value, string(ttl.Unit)
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE recordings SET ttl_override_value = ?, ttl_override_unit = ?, expires_at = ? WHERE id = ?`,
		value, unit, nullTime(expiresAt), id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("recording %d: %w", id, model.ErrNotFound)
	}
	return nil
}
