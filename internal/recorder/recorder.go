// Package recorder runs one show capture end to end: preconditions, the
// capture ladder, post-processing, persistence and station feedback.
package recorder

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"radiorec/internal/capture"
	"radiorec/internal/eventbus"
	"radiorec/internal/model"
	"radiorec/internal/postproc"
	"radiorec/internal/retention"
	"radiorec/internal/storage"
	"radiorec/internal/task/engine"
	logx "radiorec/pkg/logx"
)

// Store is the persistence the recorder needs.
type Store interface {
	GetShow(ctx context.Context, id int64) (model.Show, error)
	GetStation(ctx context.Context, id int64) (model.Station, error)
	LatestScheduledRecording(ctx context.Context, showID int64, since time.Time) (model.Recording, bool, error)
	InsertRecording(ctx context.Context, rec model.Recording) (int64, bool, error)
	UpdateStationHealth(ctx context.Context, id int64, h storage.StationHealth) error
	SetStationUserAgent(ctx context.Context, id int64, ua string) error
	SetRecommendedTool(ctx context.Context, id int64, tool string) error
}

// Capturer is the capture ladder.
type Capturer interface {
	Capture(ctx context.Context, t capture.Target) (capture.Outcome, error)
}

// PostProcessor normalizes and validates a capture.
type PostProcessor interface {
	Normalize(ctx context.Context, path, target string) (postproc.Normalized, error)
	Validate(ctx context.Context, path string, expected time.Duration) (postproc.Report, error)
}

// Config holds recorder settings.
type Config struct {
	RecordingsDir string
	DedupWindow   time.Duration // default 30m
	Location      *time.Location
}

// Result describes one finished capture.
type Result struct {
	RecordingID int64         `json:"recording_id"`
	Created     bool          `json:"created"`
	Filename    string        `json:"filename"`
	Path        string        `json:"path"`
	Bytes       int64         `json:"bytes"`
	Tool        capture.Tool  `json:"tool"`
	UserAgent   string        `json:"user_agent"`
	Attempts    int           `json:"attempts"`
	Elapsed     time.Duration `json:"elapsed"`
	Degraded    bool          `json:"degraded"`
	Warning     string        `json:"warning,omitempty"`
}

// Recorder runs captures for shows.
type Recorder struct {
	cfg    Config
	store  Store
	ladder Capturer
	post   PostProcessor
	bus    eventbus.Bus
	log    logx.Logger
	now    func() time.Time
}

// Option configures a Recorder.
type Option func(*Recorder)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(r *Recorder) { r.now = now }
}

func New(cfg Config, store Store, ladder Capturer, post PostProcessor, bus eventbus.Bus, log logx.Logger, opts ...Option) *Recorder {
	if cfg.DedupWindow <= 0 {
		cfg.DedupWindow = 30 * time.Minute
	}
	if cfg.Location == nil {
		cfg.Location = time.Local
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	r := &Recorder{
		cfg:    cfg,
		store:  store,
		ladder: ladder,
		post:   post,
		bus:    bus,
		log:    log.With(logx.String("comp", "recorder")),
		now:    time.Now,
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// RunScheduled is the scheduler job for a show. Validation and capture
// failures are wrapped with engine.NoRetry: the ladder already retried.
func (r *Recorder) RunScheduled(ctx context.Context, showID int64) error {
	_, err := r.record(ctx, showID, 0, false)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, ErrRecentRecording):
		return nil
	case errors.Is(err, context.Canceled):
		return err
	default:
		return engine.NoRetry(err)
	}
}

// RecordNow captures a show immediately outside the scheduler. duration 0
// uses the show length. The capture is marked manual and ignored by the
// scheduled dedup window.
func (r *Recorder) RecordNow(ctx context.Context, showID int64, duration time.Duration) (Result, error) {
	return r.record(ctx, showID, duration, true)
}

func (r *Recorder) record(ctx context.Context, showID int64, duration time.Duration, manual bool) (Result, error) {
	show, err := r.store.GetShow(ctx, showID)
	if err != nil {
		if errors.Is(err, model.ErrNotFound) {
			return Result{}, model.Invalid("show_id", "show %d not found", showID)
		}
		return Result{}, err
	}
	if !manual {
		if !show.Active {
			return Result{}, model.Invalid("active", "show %d is inactive", showID)
		}
		if show.ShowType == model.ShowPlaylist {
			return Result{}, model.Invalid("show_type", "show %d is upload-only", showID)
		}
	}
	station, err := r.store.GetStation(ctx, show.StationID)
	if err != nil {
		if errors.Is(err, model.ErrNotFound) {
			return Result{}, model.Invalid("station_id", "station %d not found", show.StationID)
		}
		return Result{}, err
	}
	log := r.log.With(
		logx.Int64("show_id", show.ID),
		logx.String("show", show.Name),
		logx.String("station", station.Name),
		logx.Bool("manual", manual),
	)
	if strings.TrimSpace(station.StreamURL) == "" {
		verr := model.Invalid("stream_url", "station %d has no stream url", station.ID)
		r.health(ctx, log, station.ID, storage.StationHealth{Result: string(model.TestError), Error: verr.Error()})
		return Result{}, verr
	}
	if duration <= 0 {
		duration = show.Duration()
	}
	if duration <= 0 {
		return Result{}, model.Invalid("duration_minutes", "show %d has no duration", showID)
	}

	startedAt := r.now()
	if !manual {
		prev, found, err := r.store.LatestScheduledRecording(ctx, show.ID, startedAt.Add(-r.cfg.DedupWindow))
		if err != nil {
			return Result{}, fmt.Errorf("dedup lookup: %w", err)
		}
		if found {
			log.Info("capture skipped; recent recording exists",
				logx.String("filename", prev.Filename),
				logx.Time("recorded_at", prev.RecordedAt),
				logx.Duration("window", r.cfg.DedupWindow),
			)
			return Result{}, ErrRecentRecording
		}
	}

	log.Info("capture starting", logx.Duration("duration", duration), logx.String("url", station.StreamURL))
	out, err := r.ladder.Capture(ctx, capture.Target{
		StreamURL:   station.StreamURL,
		SavedUA:     station.UserAgent,
		Recommended: station.RecommendedTool,
		Duration:    duration,
		Format:      show.Format(),
	})
	if out.Dir != "" {
		defer os.RemoveAll(out.Dir)
	}
	if err != nil {
		if ctx.Err() != nil {
			return Result{}, ctx.Err()
		}
		cerr := &CaptureError{ShowID: show.ID, StationID: station.ID, Attempts: len(out.Attempts), Err: err}
		r.health(ctx, log, station.ID, storage.StationHealth{Result: string(model.TestFailed), Error: err.Error()})
		eventbus.Emit(r.bus, eventbus.TypeCaptureFailed, eventbus.CaptureFailed{
			ShowID:    show.ID,
			StationID: station.ID,
			Station:   station.Name,
			Error:     err.Error(),
			Attempts:  len(out.Attempts),
		})
		log.Error("capture failed", logx.Int("attempts", len(out.Attempts)), logx.Err(err))
		return Result{}, cerr
	}

	res := Result{Tool: out.Tool, UserAgent: out.UserAgent, Attempts: len(out.Attempts), Elapsed: out.Elapsed}

	norm, err := r.post.Normalize(ctx, out.Path, show.Format())
	if err != nil {
		log.Warn("normalize failed; keeping capture as is", logx.Err(err))
		norm = postproc.Normalized{Path: out.Path, Degraded: true, Err: err}
	}
	res.Degraded = norm.Degraded

	ext := strings.TrimPrefix(filepath.Ext(norm.Path), ".")
	if ext == "" {
		ext = show.Format()
	}
	res.Filename = Filename(station.CallSign, station.Name, show.Name, startedAt.In(r.cfg.Location), ext, manual)
	res.Path = filepath.Join(r.cfg.RecordingsDir, res.Filename)

	moved := false
	if _, statErr := os.Stat(res.Path); statErr == nil {
		log.Warn("recording file already exists; keeping the existing one", logx.String("filename", res.Filename))
	} else if err := moveFile(norm.Path, res.Path); err != nil {
		return Result{}, fmt.Errorf("store capture: %w", err)
	} else {
		moved = true
	}

	rep, verr := r.post.Validate(ctx, res.Path, duration)
	res.Bytes = rep.Bytes
	if verr != nil {
		res.Warning = verr.Error()
		log.Warn("capture quality warning", logx.Err(verr))
	} else if norm.Degraded && norm.Err != nil {
		res.Warning = "normalize: " + norm.Err.Error()
	}
	if res.Bytes == 0 {
		if info, err := os.Stat(res.Path); err == nil {
			res.Bytes = info.Size()
		}
	}
	seconds := int(duration / time.Second)
	if rep.Probed > 0 {
		seconds = int(rep.Probed / time.Second)
	}

	rec := model.Recording{
		ShowID:          show.ID,
		Filename:        res.Filename,
		Title:           fmt.Sprintf("%s - %s", show.Name, startedAt.In(r.cfg.Location).Format("2006-01-02 15:04")),
		RecordedAt:      startedAt,
		DurationSeconds: seconds,
		FileSizeBytes:   res.Bytes,
		SourceType:      model.SourceRecorded,
		ExpiresAt:       retention.ComputeExpiry(startedAt, show.RetentionDays, nil),
		Manual:          manual,
		QualityWarning:  res.Warning,
	}
	res.RecordingID, res.Created, err = r.store.InsertRecording(ctx, rec)
	if err != nil {
		// The row and the file exist together or not at all. A file that was
		// already there may belong to another row and stays.
		if moved {
			_ = os.Remove(res.Path)
		}
		return Result{}, fmt.Errorf("insert recording: %w", err)
	}

	r.learn(ctx, log, station, out)
	h := storage.StationHealth{Result: string(model.TestSuccess), Compatibility: string(model.CompatCompatible)}
	if res.Warning != "" {
		h = storage.StationHealth{Result: string(model.TestError), Error: "quality: " + res.Warning}
	}
	r.health(ctx, log, station.ID, h)

	if res.Created {
		eventbus.Emit(r.bus, eventbus.TypeRecordingCreated, eventbus.RecordingCreated{
			RecordingID: res.RecordingID,
			ShowID:      show.ID,
			StationID:   station.ID,
			Filename:    res.Filename,
			Path:        res.Path,
			Title:       rec.Title,
			ShowName:    show.Name,
			StationName: station.Name,
			RecordedAt:  startedAt,
			Bytes:       res.Bytes,
			Tool:        string(res.Tool),
			Manual:      manual,
			Warning:     res.Warning,
		})
		eventbus.Emit(r.bus, eventbus.TypeFeedRegenerate, eventbus.FeedRegenerate{ShowID: show.ID, Reason: "recording"})
	}

	log.Info("capture stored",
		logx.Int64("recording_id", res.RecordingID),
		logx.Bool("created", res.Created),
		logx.String("filename", res.Filename),
		logx.Bytes("size", res.Bytes),
		logx.String("tool", string(res.Tool)),
		logx.Int("attempts", res.Attempts),
		logx.Bool("degraded", res.Degraded),
	)
	return res, nil
}

// learn saves the winning identity and tool on the station.
func (r *Recorder) learn(ctx context.Context, log logx.Logger, st model.Station, out capture.Outcome) {
	if out.UserAgent != "" && out.UserAgent != st.UserAgent {
		if err := r.store.SetStationUserAgent(ctx, st.ID, out.UserAgent); err != nil {
			log.Warn("save station user agent failed", logx.Err(err))
		} else {
			log.Info("station user agent learned", logx.String("ua", out.UserAgent))
		}
	}
	if out.Tool != "" && string(out.Tool) != st.RecommendedTool {
		if err := r.store.SetRecommendedTool(ctx, st.ID, string(out.Tool)); err != nil {
			log.Warn("save recommended tool failed", logx.Err(err))
		}
	}
}

func (r *Recorder) health(ctx context.Context, log logx.Logger, stationID int64, h storage.StationHealth) {
	if h.TestedAt.IsZero() {
		h.TestedAt = r.now()
	}
	if err := r.store.UpdateStationHealth(ctx, stationID, h); err != nil {
		log.Warn("update station health failed", logx.Err(err))
	}
}

// moveFile renames src to dst, copying when they sit on different devices.
func moveFile(src, dst string) error {
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return err
	}
	err := os.Rename(src, dst)
	if err == nil {
		return nil
	}
	var linkErr *os.LinkError
	if !errors.As(err, &linkErr) || !errors.Is(linkErr.Err, syscall.EXDEV) {
		return err
	}
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	tmp := dst + ".part"
	out, err := os.OpenFile(tmp, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		os.Remove(tmp)
		return err
	}
	if err := out.Close(); err != nil {
		os.Remove(tmp)
		return err
	}
	if err := os.Rename(tmp, dst); err != nil {
		os.Remove(tmp)
		return err
	}
	return os.Remove(src)
}
