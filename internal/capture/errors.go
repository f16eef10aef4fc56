package capture

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
)

// ErrAccessForbidden means the stream refused this identity. The ladder
// answers it by rotating User-Agents instead of tools.
var ErrAccessForbidden = errors.New("stream access forbidden")

// ErrEmptyOutput means the tool exited without writing audio.
var ErrEmptyOutput = errors.New("capture produced no output")

// Failure is a failed attempt: timeout, nonzero exit or empty output.
type Failure struct {
	Tool     Tool
	Reason   string
	ExitCode int
	TimedOut bool
	Stderr   string
	Err      error
}

func (f *Failure) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s: %s", f.Tool, f.Reason)
	if f.ExitCode != 0 {
		fmt.Fprintf(&b, " (exit %d)", f.ExitCode)
	}
	if s := lastLine(f.Stderr); s != "" {
		b.WriteString(": ")
		b.WriteString(s)
	}
	return b.String()
}

func (f *Failure) Unwrap() error { return f.Err }

// IsForbidden reports whether err is an access refusal.
func IsForbidden(err error) bool {
	return errors.Is(err, ErrAccessForbidden)
}

var forbiddenStatus = regexp.MustCompile(`\b40[13]\b`)

var forbiddenMarkers = []string{
	"forbidden",
	"access denied",
	"unauthorized",
	"geo-blocked",
	"geoblocked",
	"not available in your country",
	"not available in your region",
}

// looksForbidden matches tool output against known refusal texts.
func looksForbidden(text string) bool {
	t := strings.ToLower(text)
	if forbiddenStatus.MatchString(t) {
		return true
	}
	for _, m := range forbiddenMarkers {
		if strings.Contains(t, m) {
			return true
		}
	}
	return false
}

// classify turns a finished process into nil (usable output) or a Failure.
func classify(tool Tool, pr ProcResult, bytes int64, normalExit func(code int) bool) error {
	if pr.Err != nil && pr.ExitCode == 0 && !pr.TimedOut {
		return &Failure{Tool: tool, Reason: "start failed", Err: pr.Err}
	}
	forbidden := looksForbidden(pr.Stderr)
	switch {
	case bytes > 0 && (pr.ExitCode == 0 || pr.TimedOut || (normalExit != nil && normalExit(pr.ExitCode))):
		return nil
	case forbidden:
		return &Failure{Tool: tool, Reason: "access forbidden", ExitCode: pr.ExitCode, Stderr: pr.Stderr, Err: ErrAccessForbidden}
	case pr.TimedOut:
		return &Failure{Tool: tool, Reason: "timed out", TimedOut: true, Stderr: pr.Stderr, Err: ErrEmptyOutput}
	case pr.ExitCode != 0:
		return &Failure{Tool: tool, Reason: "exited with error", ExitCode: pr.ExitCode, Stderr: pr.Stderr, Err: pr.Err}
	default:
		return &Failure{Tool: tool, Reason: "empty output", Stderr: pr.Stderr, Err: ErrEmptyOutput}
	}
}

func lastLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.LastIndexByte(s, '\n'); i >= 0 {
		s = strings.TrimSpace(s[i+1:])
	}
	if len(s) > 200 {
		s = s[:200]
	}
	return s
}
