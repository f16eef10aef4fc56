package storage

import "time"

// Config configures storage.
type Config struct {
	Path        string
	BusyTimeout time.Duration // 0 means default
}

// StationHealth is one prober or recorder verdict for a station.
// An empty Compatibility leaves the stored value untouched.
type StationHealth struct {
	TestedAt      time.Time
	Result        string
	Error         string
	Compatibility string
}
