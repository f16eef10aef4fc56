package notifier

import "time"

// Config controls the outbound pipeline.
type Config struct {
	// FeedHook is an argv; "{show_id}" in any element is replaced.
	// Empty means regeneration requests are only logged.
	FeedHook        []string
	FeedHookTimeout time.Duration

	// Tagging enables ID3 tags on mp3 recordings.
	Tagging bool

	Workers   int
	QueueSize int

	Alerts AlertConfig
}

// AlertConfig throttles operator alerts.
type AlertConfig struct {
	RatePerMinute   int
	RetryMax        int
	RetryBase       time.Duration
	RetryMaxDelay   time.Duration
	DedupWindow     time.Duration
	DedupMaxEntries int
}

// HistoryItem is one processed job, kept for /status.
type HistoryItem struct {
	At   time.Time `json:"at"`
	Kind string    `json:"kind"`
	Text string    `json:"text"`
	Err  string    `json:"error,omitempty"`
}

// Event types published by the notifier.
const (
	TypeHookRan     = "notifier.hook"
	TypeTagged      = "notifier.tagged"
	TypeAlertSent   = "notifier.sent"
	TypeAlertFailed = "notifier.failed"
	TypeDeduped     = "notifier.deduped"
	TypeDropped     = "notifier.dropped"
)

// NotificationEvent is emitted on the event bus for notifier lifecycle events.
// Keep it small; Data may be logged/serialized by subscribers.
type NotificationEvent struct {
	Kind   string    `json:"kind"`
	ShowID int64     `json:"show_id,omitempty"`
	Key    string    `json:"key,omitempty"`
	At     time.Time `json:"at"`
	Error  string    `json:"error,omitempty"`
}
