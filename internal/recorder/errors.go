package recorder

import (
	"errors"
	"fmt"
)

// ErrRecentRecording means a scheduled capture for the show already landed
// inside the dedup window. RunScheduled treats it as a skip, not a failure.
var ErrRecentRecording = errors.New("show recorded recently")

// CaptureError is a capture whose ladder was exhausted.
type CaptureError struct {
	ShowID    int64
	StationID int64
	Attempts  int
	Err       error
}

func (e *CaptureError) Error() string {
	return fmt.Sprintf("show %d: capture failed after %d attempts: %v", e.ShowID, e.Attempts, e.Err)
}

func (e *CaptureError) Unwrap() error { return e.Err }
