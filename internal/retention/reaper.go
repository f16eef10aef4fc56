package retention

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"time"

	"radiorec/internal/eventbus"
	"radiorec/internal/model"
	logx "radiorec/pkg/logx"
)

// Store is the persistence the reaper needs.
type Store interface {
	GetShow(ctx context.Context, id int64) (model.Show, error)
	SetShowRetention(ctx context.Context, id int64, days int) error
	GetRecording(ctx context.Context, id int64) (model.Recording, error)
	ListExpired(ctx context.Context, now time.Time, afterID int64, limit int) ([]model.Recording, error)
	ListShowRecordingsWithoutOverride(ctx context.Context, showID int64) ([]model.Recording, error)
	DeleteRecording(ctx context.Context, id int64) error
	SetRecordingExpiry(ctx context.Context, id int64, expiresAt *time.Time) error
	SetRecordingTTL(ctx context.Context, id int64, ttl *model.TTL, expiresAt *time.Time) error
}

// ReaperIOError means an expired file exists but could not be removed.
// The row is kept so the next sweep retries.
type ReaperIOError struct {
	RecordingID int64
	Path        string
	Err         error
}

func (e *ReaperIOError) Error() string {
	return fmt.Sprintf("recording %d: remove %s: %v", e.RecordingID, e.Path, e.Err)
}

func (e *ReaperIOError) Unwrap() error { return e.Err }

// SweepOptions controls one sweep.
type SweepOptions struct {
	DryRun    bool
	Now       time.Time // zero means time.Now()
	BatchSize int       // zero means 100
}

// SweepItem is one row the sweep looked at.
type SweepItem struct {
	ID        int64     `json:"id"`
	Filename  string    `json:"filename"`
	ExpiresAt time.Time `json:"expires_at"`
	Bytes     int64     `json:"bytes"`
	Action    string    `json:"action"` // deleted, missing_file, error, would_delete
	Error     string    `json:"error,omitempty"`
}

// SweepReport summarizes a sweep.
type SweepReport struct {
	DryRun       bool        `json:"dry_run"`
	Started      time.Time   `json:"started"`
	Elapsed      string      `json:"elapsed"`
	Selected     int         `json:"selected"`
	Deleted      int         `json:"deleted"`
	MissingFiles int         `json:"missing_files"`
	Errors       int         `json:"errors"`
	FreedBytes   int64       `json:"freed_bytes"`
	Items        []SweepItem `json:"items,omitempty"`
}

// Reaper deletes expired recordings and keeps expires_at in step with policy.
type Reaper struct {
	store Store
	dir   string
	bus   eventbus.Bus
	log   logx.Logger

	mu   sync.Mutex
	last *SweepReport
}

// NewReaper builds a reaper for files under recordingsDir.
func NewReaper(store Store, recordingsDir string, bus eventbus.Bus, log logx.Logger) *Reaper {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Reaper{store: store, dir: recordingsDir, bus: bus, log: log.With(logx.String("comp", "retention"))}
}

// Last returns the most recent sweep report.
func (r *Reaper) Last() (SweepReport, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.last == nil {
		return SweepReport{}, false
	}
	return *r.last, true
}

// Sweep removes every recording whose expires_at has passed: file first,
// then row. A file that is already gone lets the row go; a file that cannot
// be removed keeps its row.
func (r *Reaper) Sweep(ctx context.Context, opt SweepOptions) (SweepReport, error) {
	now := opt.Now
	if now.IsZero() {
		now = time.Now()
	}
	batch := opt.BatchSize
	if batch <= 0 {
		batch = 100
	}
	rep := SweepReport{DryRun: opt.DryRun, Started: time.Now()}

	var afterID int64
	for {
		if err := ctx.Err(); err != nil {
			return rep, err
		}
		rows, err := r.store.ListExpired(ctx, now, afterID, batch)
		if err != nil {
			return rep, fmt.Errorf("list expired: %w", err)
		}
		for _, rec := range rows {
			afterID = rec.ID
			rep.Selected++
			item := r.reapOne(ctx, rec, opt.DryRun)
			switch item.Action {
			case "deleted":
				rep.Deleted++
				rep.FreedBytes += item.Bytes
			case "missing_file":
				rep.MissingFiles++
			case "error":
				rep.Errors++
			}
			rep.Items = append(rep.Items, item)
		}
		if len(rows) < batch {
			break
		}
	}
	rep.Elapsed = time.Since(rep.Started).Round(time.Millisecond).String()

	r.mu.Lock()
	cp := rep
	r.last = &cp
	r.mu.Unlock()

	fields := []logx.Field{
		logx.Bool("dry_run", rep.DryRun),
		logx.Int("selected", rep.Selected),
		logx.Int("deleted", rep.Deleted),
		logx.Int("missing_files", rep.MissingFiles),
		logx.Int("errors", rep.Errors),
		logx.Bytes("freed", rep.FreedBytes),
	}
	if rep.Errors > 0 {
		r.log.Warn("retention sweep finished with errors", fields...)
	} else {
		r.log.Info("retention sweep finished", fields...)
	}
	eventbus.Emit(r.bus, eventbus.TypeSweepFinished, eventbus.SweepFinished{
		DryRun:       rep.DryRun,
		Selected:     rep.Selected,
		Deleted:      rep.Deleted,
		MissingFiles: rep.MissingFiles,
		Errors:       rep.Errors,
		FreedBytes:   rep.FreedBytes,
	})
	return rep, nil
}

func (r *Reaper) reapOne(ctx context.Context, rec model.Recording, dryRun bool) SweepItem {
	item := SweepItem{ID: rec.ID, Filename: rec.Filename}
	if rec.ExpiresAt != nil {
		item.ExpiresAt = *rec.ExpiresAt
	}
	path, err := r.path(rec.Filename)
	if err != nil {
		item.Action, item.Error = "error", err.Error()
		r.log.Warn("refusing to reap recording", logx.Int64("id", rec.ID), logx.Err(err))
		return item
	}

	info, statErr := os.Stat(path)
	present := statErr == nil
	if statErr != nil && !errors.Is(statErr, fs.ErrNotExist) {
		ioErr := &ReaperIOError{RecordingID: rec.ID, Path: path, Err: statErr}
		item.Action, item.Error = "error", ioErr.Error()
		r.log.Warn("recording file not inspectable; keeping row", logx.Int64("id", rec.ID), logx.Err(ioErr))
		return item
	}
	if present {
		item.Bytes = info.Size()
	}
	if dryRun {
		item.Action = "would_delete"
		if !present {
			item.Action = "missing_file"
		}
		return item
	}

	if present {
		if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
			ioErr := &ReaperIOError{RecordingID: rec.ID, Path: path, Err: err}
			item.Action, item.Error = "error", ioErr.Error()
			r.log.Warn("recording file not removable; keeping row", logx.Int64("id", rec.ID), logx.Err(ioErr))
			return item
		}
		item.Action = "deleted"
	} else {
		item.Action = "missing_file"
	}

	if err := r.store.DeleteRecording(ctx, rec.ID); err != nil {
		item.Action, item.Error = "error", err.Error()
		r.log.Warn("delete recording row failed", logx.Int64("id", rec.ID), logx.Err(err))
		return item
	}
	r.log.Debug("recording reaped", logx.Int64("id", rec.ID), logx.String("file", rec.Filename), logx.String("action", item.Action))
	return item
}

// path resolves a stored filename inside the recordings dir.
func (r *Reaper) path(filename string) (string, error) {
	if filename == "" || filename != filepath.Base(filename) || filename == "." || filename == ".." {
		return "", fmt.Errorf("unsafe filename %q", filename)
	}
	return filepath.Join(r.dir, filename), nil
}

// RecomputeShowExpiry re-derives expires_at for the show's rows that follow
// the show policy. Rows with an override are left alone.
func (r *Reaper) RecomputeShowExpiry(ctx context.Context, showID int64, retentionDays int) (int, error) {
	rows, err := r.store.ListShowRecordingsWithoutOverride(ctx, showID)
	if err != nil {
		return 0, err
	}
	for _, rec := range rows {
		if err := r.store.SetRecordingExpiry(ctx, rec.ID, ComputeExpiry(rec.RecordedAt, retentionDays, nil)); err != nil {
			return 0, fmt.Errorf("recording %d: %w", rec.ID, err)
		}
	}
	return len(rows), nil
}

// SetShowRetention stores a new show default, recomputes its rows and asks
// for a feed rebuild.
func (r *Reaper) SetShowRetention(ctx context.Context, showID int64, days int) (int, error) {
	if days < 0 {
		return 0, model.Invalid("retention_days", "must not be negative")
	}
	if err := r.store.SetShowRetention(ctx, showID, days); err != nil {
		return 0, err
	}
	n, err := r.RecomputeShowExpiry(ctx, showID, days)
	if err != nil {
		return n, err
	}
	r.log.Info("show retention changed", logx.Int64("show_id", showID), logx.Int("days", days), logx.Int("recomputed", n))
	eventbus.Emit(r.bus, eventbus.TypeFeedRegenerate, eventbus.FeedRegenerate{ShowID: showID, Reason: "retention"})
	return n, nil
}

// SetRecordingTTL sets or clears (nil) a per-recording override and stores
// the expiry it implies.
func (r *Reaper) SetRecordingTTL(ctx context.Context, recordingID int64, ttl *model.TTL) (*time.Time, error) {
	if ttl != nil {
		if err := ValidateTTL(*ttl); err != nil {
			return nil, err
		}
	}
	rec, err := r.store.GetRecording(ctx, recordingID)
	if err != nil {
		return nil, err
	}
	days := 0
	if ttl == nil && rec.ShowID > 0 {
		sh, err := r.store.GetShow(ctx, rec.ShowID)
		if err != nil && !errors.Is(err, model.ErrNotFound) {
			return nil, err
		}
		days = sh.RetentionDays
	}
	exp := ComputeExpiry(rec.RecordedAt, days, ttl)
	if err := r.store.SetRecordingTTL(ctx, recordingID, ttl, exp); err != nil {
		return nil, err
	}
	return exp, nil
}
