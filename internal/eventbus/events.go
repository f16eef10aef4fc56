package eventbus

import "time"

// Event types published by the core.
const (
	TypeRecordingCreated = "recording.created"
	TypeFeedRegenerate   = "feed.regenerate"
	TypeCaptureFailed    = "capture.failed"
	TypeStationHealth    = "station.health"
	TypeSweepFinished    = "retention.sweep"
)

// RecordingCreated is what the tagging collaborator consumes.
type RecordingCreated struct {
	RecordingID int64     `json:"recording_id"`
	ShowID      int64     `json:"show_id"`
	StationID   int64     `json:"station_id"`
	Filename    string    `json:"filename"`
	Path        string    `json:"path"`
	Title       string    `json:"title"`
	ShowName    string    `json:"show_name"`
	StationName string    `json:"station_name"`
	RecordedAt  time.Time `json:"recorded_at"`
	Bytes       int64     `json:"bytes"`
	Tool        string    `json:"tool"`
	Manual      bool      `json:"manual"`
	Warning     string    `json:"warning,omitempty"`
}

// FeedRegenerate asks the feed collaborator to rebuild a show's feed.
type FeedRegenerate struct {
	ShowID int64  `json:"show_id"`
	Reason string `json:"reason"`
}

// CaptureFailed is emitted once the capture ladder is exhausted.
type CaptureFailed struct {
	ShowID    int64  `json:"show_id"`
	StationID int64  `json:"station_id"`
	Station   string `json:"station"`
	Error     string `json:"error"`
	Attempts  int    `json:"attempts"`
}

// StationHealth is emitted after every prober verdict.
type StationHealth struct {
	StationID   int64  `json:"station_id"`
	Station     string `json:"station"`
	Result      string `json:"result"`
	Error       string `json:"error,omitempty"`
	URLChanged  bool   `json:"url_changed"`
	NewURL      string `json:"new_url,omitempty"`
	Rediscovery bool   `json:"rediscovery"`
}

// SweepFinished summarizes one reaper pass.
type SweepFinished struct {
	DryRun       bool  `json:"dry_run"`
	Selected     int   `json:"selected"`
	Deleted      int   `json:"deleted"`
	MissingFiles int   `json:"missing_files"`
	Errors       int   `json:"errors"`
	FreedBytes   int64 `json:"freed_bytes"`
}
