package config

// Config is the whole radiorec configuration file.
//
// All durations are Go duration strings (e.g. "500ms", "10s", "1m").
// Omitted fields fall back to the defaults documented on each section.
type Config struct {
	Paths     PathsConfig     `json:"paths"`
	Logging   LoggingConfig   `json:"logging"`
	Storage   StorageConfig   `json:"storage"`
	Scheduler SchedulerConfig `json:"scheduler"`

	// TaskEngine controls the worker pool that runs fired jobs.
	TaskEngine *TaskEngineConfig `json:"task_engine,omitempty"`

	Capture   CaptureConfig   `json:"capture"`
	Postproc  PostprocConfig  `json:"postproc"`
	Retention RetentionConfig `json:"retention"`
	Health    HealthConfig    `json:"health"`
	Notifier  NotifierConfig  `json:"notifier"`

	// Telegram is optional. When omitted, alerts are only logged.
	Telegram *TelegramConfig `json:"telegram,omitempty"`

	Ops OpsConfig `json:"ops,omitempty"`
}

// PathsConfig names the two directories the recorder writes to.
// Scratch must be on the same filesystem as Recordings so renames stay atomic.
type PathsConfig struct {
	Recordings string `json:"recordings"`
	Scratch    string `json:"scratch,omitempty"` // default: <recordings>/.scratch
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// StorageConfig points at the sqlite database.
//
// Example:
//
//	"storage": { "path": "./radiorec.db", "busy_timeout": "2s" }
type StorageConfig struct {
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"`
}

// SchedulerConfig controls the show trigger table.
//
// Defaults:
//   - timezone: local
//   - reconcile_interval: "1m"
//   - dedup_window: "30m"
type SchedulerConfig struct {
	Enabled bool `json:"enabled"`

	// Trigger timezone (IANA name).
	Timezone string `json:"timezone,omitempty"`

	ReconcileInterval string `json:"reconcile_interval,omitempty"`

	// DedupWindow skips a scheduled firing when a scheduled recording
	// for the same show already exists within this window.
	DedupWindow string `json:"dedup_window,omitempty"`
}

// TaskEngineConfig controls the worker pool that runs maintenance jobs
// (reconcile, retention, health). Show captures run outside the pool and
// ignore default_timeout and max_queue_delay.
//
// Defaults (when fields are omitted/zero):
//   - workers: 4
//   - queue_size: 64
//   - default_timeout: "0s" (disabled)
//   - max_queue_delay: "0s" (disabled)
//   - history_size: 200
//   - retry_max: 0
type TaskEngineConfig struct {
	Workers   int `json:"workers,omitempty"`
	QueueSize int `json:"queue_size,omitempty"`

	DefaultTimeout string `json:"default_timeout,omitempty"`
	MaxQueueDelay  string `json:"max_queue_delay,omitempty"`

	HistorySize int `json:"history_size,omitempty"`
	RetryMax    int `json:"retry_max,omitempty"`
}

// CaptureConfig controls the external capture tools and the fallback ladder.
type CaptureConfig struct {
	StreamripperPath string `json:"streamripper_path,omitempty"` // default: "streamripper"
	FFmpegPath       string `json:"ffmpeg_path,omitempty"`       // default: "ffmpeg"
	CurlPath         string `json:"curl_path,omitempty"`         // default: "curl"

	// Margin is added to the show duration to bound every attempt.
	Margin string `json:"margin,omitempty"` // default: "45s"

	// DefaultUserAgent is the identity used when a station has none saved.
	DefaultUserAgent string `json:"default_user_agent,omitempty"`

	// UserAgents is the rotation list tried when a stream refuses access.
	// Empty means the built-in list.
	UserAgents []string `json:"user_agents,omitempty"`

	// SlowCDNDomains are hosts that behave better under ffmpeg than streamripper.
	SlowCDNDomains []string `json:"slow_cdn_domains,omitempty"`
}

// PostprocConfig controls normalization and validation.
//
// Defaults:
//   - ffprobe_path: "" (probe disabled; magic sniffing only)
//   - min_bytes_per_second: 2000
//   - transcode_timeout: "10m"
//   - bitrate: "128k"
type PostprocConfig struct {
	FFprobePath       string `json:"ffprobe_path,omitempty"`
	MinBytesPerSecond int    `json:"min_bytes_per_second,omitempty"`
	TranscodeTimeout  string `json:"transcode_timeout,omitempty"`
	Bitrate           string `json:"bitrate,omitempty"`
	DisableNormalize  bool   `json:"disable_normalize,omitempty"`
}

// RetentionConfig controls the periodic reaper.
//
// Defaults:
//   - interval: "1h"
//   - batch_size: 100
type RetentionConfig struct {
	Enabled   bool   `json:"enabled"`
	Interval  string `json:"interval,omitempty"`
	BatchSize int    `json:"batch_size,omitempty"`
	DryRun    bool   `json:"dry_run,omitempty"`
}

// HealthConfig controls the station prober.
//
// Defaults:
//   - interval: "6h"
//   - window: "24h"
//   - probe_duration: "10s"
//   - concurrency: 2
type HealthConfig struct {
	Enabled       bool            `json:"enabled"`
	Interval      string          `json:"interval,omitempty"`
	Window        string          `json:"window,omitempty"`
	ProbeDuration string          `json:"probe_duration,omitempty"`
	Concurrency   int             `json:"concurrency,omitempty"`
	Directory     DirectoryConfig `json:"directory"`
}

// DirectoryConfig points at a radio-browser compatible station directory.
//
// Defaults:
//   - base_url: "https://de1.api.radio-browser.info"
//   - rate_per_sec: 1
//   - timeout: "10s"
//   - min_score: 0.5
type DirectoryConfig struct {
	Enabled    bool    `json:"enabled"`
	BaseURL    string  `json:"base_url,omitempty"`
	RatePerSec float64 `json:"rate_per_sec,omitempty"`
	Timeout    string  `json:"timeout,omitempty"`
	MinScore   float64 `json:"min_score,omitempty"`
	UserAgent  string  `json:"user_agent,omitempty"`
}

// NotifierConfig controls the outbound collaborators.
//
// FeedHook is an argv; the literal "{show_id}" in any element is replaced.
// An empty hook only logs regeneration requests.
type NotifierConfig struct {
	FeedHook        []string `json:"feed_hook,omitempty"`
	FeedHookTimeout string   `json:"feed_hook_timeout,omitempty"` // default: "30s"
	Tagging         bool     `json:"tagging"`
	QueueSize       int      `json:"queue_size,omitempty"` // default: 64
}

// TelegramConfig controls optional alert delivery.
type TelegramConfig struct {
	Enabled  bool   `json:"enabled"`
	Token    string `json:"token"`
	ChatID   int64  `json:"chat_id"`
	ThreadID int    `json:"thread_id,omitempty"`

	// RatePerMinute caps outgoing alerts. Default 6.
	RatePerMinute int `json:"rate_per_minute,omitempty"`
}

// OpsConfig controls the operations HTTP server (/healthz, /metrics, /status, pprof).
//
// Security note:
//   - Prefer binding to localhost (e.g. "127.0.0.1:9090").
//   - If you bind to a non-loopback address, set a token or explicitly allow_insecure.
type OpsConfig struct {
	Enabled       bool   `json:"enabled"`
	Addr          string `json:"addr,omitempty"`  // default: "127.0.0.1:9090"
	Token         string `json:"token,omitempty"` // optional bearer token (do not log)
	AllowInsecure bool   `json:"allow_insecure,omitempty"`
	Pprof         bool   `json:"pprof,omitempty"`

	ReadTimeout  string `json:"read_timeout,omitempty"`
	WriteTimeout string `json:"write_timeout,omitempty"`
	IdleTimeout  string `json:"idle_timeout,omitempty"`
}
