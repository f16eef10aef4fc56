package engine

import "errors"

var (
	ErrDisabled    = errors.New("task engine disabled")
	ErrStopped     = errors.New("task engine stopped")
	ErrStopping    = errors.New("task engine stopping")
	ErrQueueFull   = errors.New("task engine queue full")
	ErrOverlapSkip = errors.New("task skipped due to overlap policy")
)

// NoRetry marks err as permanent: the engine reports it without retrying.
// Captures wrap ladder exhaustion and validation errors (inactive show,
// missing stream URL) with it, since the ladder has already retried.
func NoRetry(err error) error {
	if err == nil {
		return nil
	}
	return &noRetryError{err: err}
}

// IsNoRetry reports whether err carries a NoRetry mark.
func IsNoRetry(err error) bool {
	var nr *noRetryError
	return errors.As(err, &nr)
}

type noRetryError struct{ err error }

func (e *noRetryError) Error() string { return "no-retry: " + e.err.Error() }
func (e *noRetryError) Unwrap() error { return e.err }
