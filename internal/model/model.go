// Package model holds the persistent domain types shared by the store,
// the scheduler and the capture pipeline.
package model

import "time"

type Compatibility string

const (
	CompatUnknown      Compatibility = "unknown"
	CompatCompatible   Compatibility = "compatible"
	CompatIncompatible Compatibility = "incompatible"
)

type TestResult string

const (
	TestSuccess TestResult = "success"
	TestFailed  TestResult = "failed"
	TestError   TestResult = "error"
)

// Station is a source of a live stream. The core never deletes stations.
type Station struct {
	ID         int64  `json:"id"`
	Name       string `json:"name"`
	CallSign   string `json:"call_sign"`
	StreamURL  string `json:"stream_url"`
	WebsiteURL string `json:"website_url"`

	// UserAgent is the saved identity that last worked; empty means default.
	UserAgent string `json:"user_agent,omitempty"`

	Compatibility   Compatibility `json:"stream_compatibility"`
	RecommendedTool string        `json:"recommended_capture_tool,omitempty"`

	LastTested     *time.Time `json:"last_tested,omitempty"`
	LastTestResult TestResult `json:"last_test_result,omitempty"`
	LastTestError  string     `json:"last_test_error,omitempty"`
}

type ShowType string

const (
	ShowScheduled ShowType = "scheduled"
	ShowPlaylist  ShowType = "playlist"
)

// Show is a recurring program on a station.
// An empty SchedulePattern means the show is playlist or upload only.
type Show struct {
	ID                  int64    `json:"id"`
	StationID           int64    `json:"station_id"`
	Name                string   `json:"name"`
	SchedulePattern     string   `json:"schedule_pattern,omitempty"`
	ScheduleDescription string   `json:"schedule_description,omitempty"`
	DurationMinutes     int      `json:"duration_minutes"`
	Active              bool     `json:"active"`
	RetentionDays       int      `json:"retention_days"`
	AudioFormat         string   `json:"audio_format"`
	ShowType            ShowType `json:"show_type"`
}

// Duration returns the show length as a time.Duration.
func (s Show) Duration() time.Duration {
	return time.Duration(s.DurationMinutes) * time.Minute
}

// Format returns the canonical target format, defaulting to mp3.
func (s Show) Format() string {
	if s.AudioFormat == "" {
		return "mp3"
	}
	return s.AudioFormat
}

type SourceType string

const (
	SourceRecorded SourceType = "recorded"
	SourceUploaded SourceType = "uploaded"
)

type TTLUnit string

const (
	TTLDays       TTLUnit = "days"
	TTLWeeks      TTLUnit = "weeks"
	TTLMonths     TTLUnit = "months"
	TTLIndefinite TTLUnit = "indefinite"
)

// TTL is a per-recording retention override.
type TTL struct {
	Value int     `json:"value"`
	Unit  TTLUnit `json:"unit"`
}

func (u TTLUnit) Valid() bool {
	switch u {
	case TTLDays, TTLWeeks, TTLMonths, TTLIndefinite:
		return true
	}
	return false
}

// Recording is one captured or uploaded audio file.
// ShowID is zero for manual captures that are not tied to a show.
type Recording struct {
	ID              int64      `json:"id"`
	ShowID          int64      `json:"show_id,omitempty"`
	Filename        string     `json:"filename"`
	Title           string     `json:"title"`
	RecordedAt      time.Time  `json:"recorded_at"`
	DurationSeconds int        `json:"duration_seconds"`
	FileSizeBytes   int64      `json:"file_size_bytes"`
	SourceType      SourceType `json:"source_type"`
	TTLOverride     *TTL       `json:"ttl_override,omitempty"`
	ExpiresAt       *time.Time `json:"expires_at,omitempty"`
	Manual          bool       `json:"manual"`
	QualityWarning  string     `json:"quality_warning,omitempty"`
}
