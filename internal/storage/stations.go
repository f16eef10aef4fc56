package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"radiorec/internal/model"
)

const stationCols = `id, name, call_sign, stream_url, website_url, user_agent, stream_compatibility,
	recommended_capture_tool, last_tested, last_test_result, last_test_error`

func scanStation(r rowScanner) (model.Station, error) {
	var (
		st                  model.Station
		ua, tool, res, tErr sql.NullString
		compat              string
		tested              sql.NullInt64
	)
	if err := r.Scan(&st.ID, &st.Name, &st.CallSign, &st.StreamURL, &st.WebsiteURL, &ua, &compat,
		&tool, &tested, &res, &tErr); err != nil {
		return model.Station{}, err
	}
	st.UserAgent = ua.String
	st.Compatibility = model.Compatibility(compat)
	st.RecommendedTool = tool.String
	st.LastTested = timePtr(tested)
	st.LastTestResult = model.TestResult(res.String)
	st.LastTestError = tErr.String
	return st, nil
}

func (s *Store) CreateStation(ctx context.Context, st model.Station) (int64, error) {
	compat := st.Compatibility
	if compat == "" {
		compat = model.CompatUnknown
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO stations(name, call_sign, stream_url, website_url, user_agent, stream_compatibility, recommended_capture_tool)
		 VALUES(?,?,?,?,?,?,?)`,
		st.Name, st.CallSign, st.StreamURL, st.WebsiteURL, nullStr(st.UserAgent), string(compat), nullStr(st.RecommendedTool),
	)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

func (s *Store) GetStation(ctx context.Context, id int64) (model.Station, error) {
	st, err := scanStation(s.db.QueryRowContext(ctx, `SELECT `+stationCols+` FROM stations WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return model.Station{}, fmt.Errorf("station %d: %w", id, model.ErrNotFound)
	}
	return st, err
}

func (s *Store) ListStations(ctx context.Context) ([]model.Station, error) {
	return s.queryStations(ctx, `SELECT `+stationCols+` FROM stations ORDER BY id`)
}

// ListProbeCandidates returns stations with a stream URL that were never
// tested, were tested before staleBefore, or whose last verdict was not success.
func (s *Store) ListProbeCandidates(ctx context.Context, staleBefore time.Time) ([]model.Station, error) {
	return s.queryStations(ctx,
		`SELECT `+stationCols+` FROM stations
		 WHERE stream_url <> ''
		   AND (last_tested IS NULL OR last_tested < ? OR last_test_result IN ('failed', 'error'))
		 ORDER BY id`,
		staleBefore.Unix(),
	)
}

func (s *Store) queryStations(ctx context.Context, q string, args ...any) ([]model.Station, error) {
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []model.Station
	for rows.Next() {
		st, err := scanStation(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, st)
	}
	return out, rows.Err()
}

// UpdateStationHealth stores one verdict.
func (s *Store) UpdateStationHealth(ctx context.Context, id int64, h StationHealth) error {
	if h.TestedAt.IsZero() {
		h.TestedAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`UPDATE stations SET last_tested = ?, last_test_result = ?, last_test_error = ?,
		   stream_compatibility = COALESCE(?, stream_compatibility)
		 WHERE id = ?`,
		h.TestedAt.Unix(), h.Result, nullStr(h.Error), nullStr(h.Compatibility), id,
	)
	return err
}

// SetStationUserAgent saves the identity that last worked. Empty clears it.
func (s *Store) SetStationUserAgent(ctx context.Context, id int64, ua string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE stations SET user_agent = ? WHERE id = ?`, nullStr(ua), id)
	return err
}

func (s *Store) SetRecommendedTool(ctx context.Context, id int64, tool string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE stations SET recommended_capture_tool = ? WHERE id = ?`, nullStr(tool), id)
	return err
}

func (s *Store) SetStreamURL(ctx context.Context, id int64, url string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE stations SET stream_url = ? WHERE id = ?`, url, id)
	return err
}
