package config

import (
	"fmt"
	"strings"
	"time"
)

// parseDuration decodes a config duration. set is false for an empty value.
func parseDuration(path, raw string) (d time.Duration, set bool, err error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return 0, false, nil
	}
	if d, err = time.ParseDuration(s); err != nil {
		return 0, false, fmt.Errorf("%s: invalid duration %q: %w", path, raw, err)
	}
	if d < 0 {
		return 0, false, fmt.Errorf("%s: duration must be >= 0, got %s", path, s)
	}
	return d, true, nil
}

// ParseDurationField returns 0 for an empty value.
func ParseDurationField(path, raw string) (time.Duration, error) {
	d, _, err := parseDuration(path, raw)
	return d, err
}

// ParseDurationOrDefault returns def for an empty or zero value.
func ParseDurationOrDefault(path, raw string, def time.Duration) (time.Duration, error) {
	d, set, err := parseDuration(path, raw)
	if err != nil {
		return 0, err
	}
	if !set || d == 0 {
		return def, nil
	}
	return d, nil
}
