package app

import (
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"radiorec/internal/capture"
	"radiorec/internal/config"
	"radiorec/internal/health"
	"radiorec/internal/notifier"
	"radiorec/internal/observability/ops"
	"radiorec/internal/postproc"
	"radiorec/internal/recorder"
	"radiorec/internal/storage"
	"radiorec/internal/task/engine"
	"radiorec/internal/task/scheduler"
	logx "radiorec/pkg/logx"
)

// intervals are the periodic jobs the app registers with the scheduler.
type intervals struct {
	Reconcile time.Duration
	Retention time.Duration // 0 disables the reaper job
	Health    time.Duration // 0 disables the prober job
}

func mapLogging(cfg *config.Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	}
}

func mapStorage(cfg *config.Config) (storage.Config, error) {
	path := strings.TrimSpace(cfg.Storage.Path)
	if path == "" {
		return storage.Config{}, fmt.Errorf("storage.path is required")
	}
	busy, err := config.ParseDurationOrDefault("storage.busy_timeout", cfg.Storage.BusyTimeout, time.Second)
	if err != nil {
		return storage.Config{}, err
	}
	return storage.Config{Path: path, BusyTimeout: busy}, nil
}

func mapPaths(cfg *config.Config) (recordings, scratch string, err error) {
	recordings = strings.TrimSpace(cfg.Paths.Recordings)
	if recordings == "" {
		return "", "", fmt.Errorf("paths.recordings is required")
	}
	scratch = strings.TrimSpace(cfg.Paths.Scratch)
	if scratch == "" {
		scratch = filepath.Join(recordings, ".scratch")
	}
	return recordings, scratch, nil
}

func mapLocation(cfg *config.Config) (*time.Location, error) {
	tz := strings.TrimSpace(cfg.Scheduler.Timezone)
	if tz == "" || strings.EqualFold(tz, "local") {
		return time.Local, nil
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return nil, fmt.Errorf("scheduler.timezone: invalid %q: %w", tz, err)
	}
	return loc, nil
}

func mapScheduler(cfg *config.Config) scheduler.Config {
	return scheduler.Config{Enabled: cfg.Scheduler.Enabled, Timezone: strings.TrimSpace(cfg.Scheduler.Timezone)}
}

func mapTaskEngine(cfg *config.Config) (engine.Config, error) {
	out := engine.Config{
		Enabled:     true,
		Workers:     4,
		QueueSize:   64,
		HistorySize: 200,
	}
	te := cfg.TaskEngine
	if te == nil {
		return out, nil
	}
	if te.Workers < 0 || te.QueueSize < 0 || te.HistorySize < 0 || te.RetryMax < 0 {
		return engine.Config{}, fmt.Errorf("task_engine: workers, queue_size, history_size and retry_max must be >= 0")
	}
	if te.Workers > 0 {
		out.Workers = te.Workers
	}
	if te.QueueSize > 0 {
		out.QueueSize = te.QueueSize
	}
	if te.HistorySize > 0 {
		out.HistorySize = te.HistorySize
	}
	out.RetryMax = te.RetryMax

	var err error
	if out.DefaultTimeout, err = config.ParseDurationField("task_engine.default_timeout", te.DefaultTimeout); err != nil {
		return engine.Config{}, err
	}
	if out.MaxQueueDelay, err = config.ParseDurationField("task_engine.max_queue_delay", te.MaxQueueDelay); err != nil {
		return engine.Config{}, err
	}
	return out, nil
}

func mapIntervals(cfg *config.Config) (intervals, error) {
	var iv intervals
	var err error
	if iv.Reconcile, err = config.ParseDurationOrDefault("scheduler.reconcile_interval", cfg.Scheduler.ReconcileInterval, time.Minute); err != nil {
		return iv, err
	}
	if cfg.Retention.Enabled {
		if iv.Retention, err = config.ParseDurationOrDefault("retention.interval", cfg.Retention.Interval, time.Hour); err != nil {
			return iv, err
		}
	}
	if cfg.Health.Enabled {
		if iv.Health, err = config.ParseDurationOrDefault("health.interval", cfg.Health.Interval, 6*time.Hour); err != nil {
			return iv, err
		}
	}
	return iv, nil
}

func mapLadder(cfg *config.Config, scratch string) (capture.LadderConfig, error) {
	margin, err := config.ParseDurationOrDefault("capture.margin", cfg.Capture.Margin, 45*time.Second)
	if err != nil {
		return capture.LadderConfig{}, err
	}
	return capture.LadderConfig{
		ScratchDir:       scratch,
		Margin:           margin,
		DefaultUserAgent: strings.TrimSpace(cfg.Capture.DefaultUserAgent),
		UserAgents:       cfg.Capture.UserAgents,
		SlowCDNDomains:   cfg.Capture.SlowCDNDomains,
	}, nil
}

func executors(cfg *config.Config, runner capture.Runner) []capture.Executor {
	return []capture.Executor{
		capture.Streamripper{Path: cfg.Capture.StreamripperPath, Runner: runner},
		capture.FFmpeg{Path: cfg.Capture.FFmpegPath, Bitrate: cfg.Postproc.Bitrate, Runner: runner},
		capture.Fetch{Path: cfg.Capture.CurlPath, Runner: runner},
	}
}

func mapPostproc(cfg *config.Config, scratch string) (postproc.Config, error) {
	pc := cfg.Postproc
	if pc.MinBytesPerSecond < 0 {
		return postproc.Config{}, fmt.Errorf("postproc.min_bytes_per_second must be >= 0")
	}
	timeout, err := config.ParseDurationOrDefault("postproc.transcode_timeout", pc.TranscodeTimeout, 10*time.Minute)
	if err != nil {
		return postproc.Config{}, err
	}
	return postproc.Config{
		ScratchDir:        scratch,
		FFmpegPath:        cfg.Capture.FFmpegPath,
		FFprobePath:       strings.TrimSpace(pc.FFprobePath),
		MinBytesPerSecond: int64(pc.MinBytesPerSecond),
		TranscodeTimeout:  timeout,
		Bitrate:           pc.Bitrate,
		DisableNormalize:  pc.DisableNormalize,
	}, nil
}

func mapRecorder(cfg *config.Config, recordings string) (recorder.Config, error) {
	window, err := config.ParseDurationOrDefault("scheduler.dedup_window", cfg.Scheduler.DedupWindow, 30*time.Minute)
	if err != nil {
		return recorder.Config{}, err
	}
	loc, err := mapLocation(cfg)
	if err != nil {
		return recorder.Config{}, err
	}
	return recorder.Config{RecordingsDir: recordings, DedupWindow: window, Location: loc}, nil
}

func mapHealth(cfg *config.Config, scratch string) (health.Config, error) {
	hc := cfg.Health
	if hc.Concurrency < 0 {
		return health.Config{}, fmt.Errorf("health.concurrency must be >= 0")
	}
	window, err := config.ParseDurationOrDefault("health.window", hc.Window, 24*time.Hour)
	if err != nil {
		return health.Config{}, err
	}
	probe, err := config.ParseDurationOrDefault("health.probe_duration", hc.ProbeDuration, 10*time.Second)
	if err != nil {
		return health.Config{}, err
	}
	return health.Config{
		Window:        window,
		ProbeDuration: probe,
		Concurrency:   hc.Concurrency,
		ScratchDir:    scratch,
		MinScore:      hc.Directory.MinScore,
	}, nil
}

// mapDirectory returns ok=false when rediscovery is disabled.
func mapDirectory(cfg *config.Config) (health.DirectoryConfig, bool, error) {
	dc := cfg.Health.Directory
	if !dc.Enabled {
		return health.DirectoryConfig{}, false, nil
	}
	if dc.RatePerSec < 0 {
		return health.DirectoryConfig{}, false, fmt.Errorf("health.directory.rate_per_sec must be >= 0")
	}
	timeout, err := config.ParseDurationOrDefault("health.directory.timeout", dc.Timeout, 10*time.Second)
	if err != nil {
		return health.DirectoryConfig{}, false, err
	}
	return health.DirectoryConfig{
		BaseURL:    strings.TrimSpace(dc.BaseURL),
		UserAgent:  strings.TrimSpace(dc.UserAgent),
		Timeout:    timeout,
		RatePerSec: dc.RatePerSec,
	}, true, nil
}

func mapNotifier(cfg *config.Config) (notifier.Config, error) {
	nc := cfg.Notifier
	if len(nc.FeedHook) > 0 && strings.TrimSpace(nc.FeedHook[0]) == "" {
		return notifier.Config{}, fmt.Errorf("notifier.feed_hook: first element must be a command")
	}
	timeout, err := config.ParseDurationOrDefault("notifier.feed_hook_timeout", nc.FeedHookTimeout, 30*time.Second)
	if err != nil {
		return notifier.Config{}, err
	}
	out := notifier.Config{
		FeedHook:        nc.FeedHook,
		FeedHookTimeout: timeout,
		Tagging:         nc.Tagging,
		QueueSize:       nc.QueueSize,
		Alerts:          notifier.AlertConfig{RetryMax: 2, DedupWindow: 30 * time.Minute},
	}
	if tg := cfg.Telegram; tg != nil {
		out.Alerts.RatePerMinute = tg.RatePerMinute
	}
	return out, nil
}

// mapTelegram returns nil when alerts should only be logged.
func mapTelegram(cfg *config.Config) (*notifier.TelegramConfig, error) {
	tg := cfg.Telegram
	if tg == nil || !tg.Enabled {
		return nil, nil
	}
	if strings.TrimSpace(tg.Token) == "" || tg.ChatID == 0 {
		return nil, fmt.Errorf("telegram: token and chat_id are required when enabled")
	}
	return &notifier.TelegramConfig{Token: tg.Token, ChatID: tg.ChatID, ThreadID: tg.ThreadID}, nil
}

func mapOps(cfg *config.Config) (ops.Config, error) {
	oc := cfg.Ops
	out := ops.Config{
		Enabled:       oc.Enabled,
		Addr:          strings.TrimSpace(oc.Addr),
		Token:         strings.TrimSpace(oc.Token),
		AllowInsecure: oc.AllowInsecure,
		Pprof:         oc.Pprof,
	}
	var err error
	if out.ReadTimeout, err = config.ParseDurationOrDefault("ops.read_timeout", oc.ReadTimeout, 10*time.Second); err != nil {
		return ops.Config{}, err
	}
	// pprof profiles stream for 30s by default.
	if out.WriteTimeout, err = config.ParseDurationOrDefault("ops.write_timeout", oc.WriteTimeout, 40*time.Second); err != nil {
		return ops.Config{}, err
	}
	if out.IdleTimeout, err = config.ParseDurationOrDefault("ops.idle_timeout", oc.IdleTimeout, time.Minute); err != nil {
		return ops.Config{}, err
	}
	return out, nil
}

// validate rejects a config before it is committed (startup and hot reload).
func validate(cfg *config.Config) error {
	if _, err := mapStorage(cfg); err != nil {
		return err
	}
	_, scratch, err := mapPaths(cfg)
	if err != nil {
		return err
	}
	if _, err := mapTaskEngine(cfg); err != nil {
		return err
	}
	if _, err := mapIntervals(cfg); err != nil {
		return err
	}
	if _, err := mapLadder(cfg, scratch); err != nil {
		return err
	}
	if _, err := mapPostproc(cfg, scratch); err != nil {
		return err
	}
	if _, err := mapRecorder(cfg, ""); err != nil {
		return err
	}
	if _, err := mapHealth(cfg, scratch); err != nil {
		return err
	}
	if _, _, err := mapDirectory(cfg); err != nil {
		return err
	}
	if _, err := mapNotifier(cfg); err != nil {
		return err
	}
	if _, err := mapTelegram(cfg); err != nil {
		return err
	}
	if _, err := mapOps(cfg); err != nil {
		return err
	}
	if cfg.Retention.BatchSize < 0 {
		return fmt.Errorf("retention.batch_size must be >= 0")
	}
	return nil
}
