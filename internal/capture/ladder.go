package capture

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	logx "radiorec/pkg/logx"
)

// ErrNoExecutors means the ladder has nothing to run.
var ErrNoExecutors = errors.New("no capture executors configured")

// Target is one capture to perform.
type Target struct {
	StreamURL   string
	SavedUA     string
	Recommended string
	Duration    time.Duration
	Format      string

	// ScratchDir overrides the ladder's scratch dir for this capture.
	ScratchDir string
}

// Attempt records one rung of the ladder.
type Attempt struct {
	ID        string
	Tool      Tool
	UserAgent string
	Phase     Phase
	Bytes     int64
	Elapsed   time.Duration
	Err       error
}

// Phase says why an attempt was made.
type Phase string

const (
	PhaseSaved      Phase = "saved"
	PhaseDefault    Phase = "default"
	PhaseIdentities Phase = "identities"
	PhaseTools      Phase = "tools"
)

// Outcome is a finished ladder run. On success Path lives inside Dir and the
// caller owns Dir.
type Outcome struct {
	Path      string
	Dir       string
	Tool      Tool
	UserAgent string
	Bytes     int64
	Elapsed   time.Duration
	Attempts  []Attempt
}

// LadderConfig holds ladder settings.
type LadderConfig struct {
	ScratchDir       string
	Margin           time.Duration
	DefaultUserAgent string
	UserAgents       []string
	SlowCDNDomains   []string
}

// Ladder drives executors through the fallback order.
type Ladder struct {
	cfg   LadderConfig
	execs map[Tool]Executor
	log   logx.Logger

	// OnAttempt, when set, is called after every attempt.
	OnAttempt func(Attempt)
}

// NewLadder builds a ladder over the given executors.
func NewLadder(cfg LadderConfig, log logx.Logger, execs ...Executor) *Ladder {
	if cfg.Margin <= 0 {
		cfg.Margin = 45 * time.Second
	}
	if cfg.DefaultUserAgent == "" {
		cfg.DefaultUserAgent = DefaultUserAgent
	}
	if len(cfg.UserAgents) == 0 {
		cfg.UserAgents = BuiltinUserAgents
	}
	if cfg.ScratchDir == "" {
		cfg.ScratchDir = os.TempDir()
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	m := make(map[Tool]Executor, len(execs))
	for _, e := range execs {
		if e != nil {
			m[e.Tool()] = e
		}
	}
	return &Ladder{cfg: cfg, execs: m, log: log.With(logx.String("comp", "capture"))}
}

type step struct {
	tool  Tool
	ua    string
	phase Phase
}

// Capture runs the ladder for t:
//
//  1. saved identity with the preferred tool, when a saved identity exists
//  2. default identity with the preferred tool
//  3. after an access refusal, every known identity with the preferred tool
//  4. after any other failure, every remaining tool with the default identity
//
// The first success wins. When every step fails the last error is returned.
func (l *Ladder) Capture(ctx context.Context, t Target) (Outcome, error) {
	tools := l.available(SelectTools(t.StreamURL, t.Recommended, l.cfg.SlowCDNDomains...))
	if len(tools) == 0 {
		return Outcome{}, ErrNoExecutors
	}
	preferred := tools[0]

	queue := make([]step, 0, 4)
	if t.SavedUA != "" && t.SavedUA != l.cfg.DefaultUserAgent {
		queue = append(queue, step{preferred, t.SavedUA, PhaseSaved})
	}
	queue = append(queue, step{preferred, l.cfg.DefaultUserAgent, PhaseDefault})

	start := time.Now()
	out := Outcome{}
	tried := make(map[step]bool)
	rotatedIdentities, rotatedTools := false, false
	var lastErr error

	for {
		for len(queue) > 0 {
			s := queue[0]
			queue = queue[1:]
			key := step{tool: s.tool, ua: s.ua}
			if tried[key] {
				continue
			}
			tried[key] = true

			a, res, dir, err := l.attempt(ctx, t, s)
			out.Attempts = append(out.Attempts, a)
			if err == nil {
				out.Path, out.Dir = res.Path, dir
				out.Tool, out.UserAgent, out.Bytes = s.tool, s.ua, a.Bytes
				out.Elapsed = time.Since(start)
				l.log.Info("capture succeeded",
					logx.String("tool", string(s.tool)),
					logx.String("phase", string(s.phase)),
					logx.Int("attempts", len(out.Attempts)),
					logx.Bytes("size", a.Bytes),
					logx.Duration("elapsed", out.Elapsed),
				)
				return out, nil
			}
			lastErr = err
			if ctx.Err() != nil {
				out.Elapsed = time.Since(start)
				return out, ctx.Err()
			}
		}

		// Each phase runs at most once. Identity rotation that ends on a
		// non-forbidden failure still falls through to tool rotation.
		forbidden := IsForbidden(lastErr)
		if forbidden && !rotatedIdentities {
			rotatedIdentities = true
			for _, ua := range l.cfg.UserAgents {
				queue = append(queue, step{preferred, ua, PhaseIdentities})
			}
			continue
		}
		if !forbidden && !rotatedTools {
			rotatedTools = true
			for _, tool := range tools[1:] {
				queue = append(queue, step{tool, l.cfg.DefaultUserAgent, PhaseTools})
			}
			continue
		}
		break
	}

	out.Elapsed = time.Since(start)
	l.log.Warn("capture ladder exhausted",
		logx.Int("attempts", len(out.Attempts)),
		logx.Duration("elapsed", out.Elapsed),
		logx.Err(lastErr),
	)
	return out, fmt.Errorf("capture failed after %d attempts: %w", len(out.Attempts), lastErr)
}

func (l *Ladder) attempt(ctx context.Context, t Target, s step) (Attempt, Result, string, error) {
	a := Attempt{ID: uuid.NewString(), Tool: s.tool, UserAgent: s.ua, Phase: s.phase}
	base := l.cfg.ScratchDir
	if t.ScratchDir != "" {
		base = t.ScratchDir
	}
	dir := filepath.Join(base, "attempt-"+a.ID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		a.Err = fmt.Errorf("create attempt dir: %w", err)
		return a, Result{}, "", a.Err
	}

	l.log.Debug("capture attempt",
		logx.String("attempt", a.ID),
		logx.String("tool", string(s.tool)),
		logx.String("phase", string(s.phase)),
		logx.String("ua", s.ua),
	)

	started := time.Now()
	res, err := l.execs[s.tool].Capture(ctx, Request{
		URL:       t.StreamURL,
		UserAgent: s.ua,
		Duration:  t.Duration,
		Timeout:   t.Duration + l.cfg.Margin,
		Dir:       dir,
		Format:    t.Format,
	})
	a.Elapsed = time.Since(started)
	a.Bytes = res.Bytes
	if err == nil && (res.Path == "" || res.Bytes == 0) {
		err = &Failure{Tool: s.tool, Reason: "empty output", Err: ErrEmptyOutput}
	}
	a.Err = err
	if l.OnAttempt != nil {
		l.OnAttempt(a)
	}
	if err != nil {
		_ = os.RemoveAll(dir)
		l.log.Info("capture attempt failed",
			logx.String("attempt", a.ID),
			logx.String("tool", string(s.tool)),
			logx.String("phase", string(s.phase)),
			logx.Bool("forbidden", IsForbidden(err)),
			logx.Err(err),
		)
		return a, res, "", err
	}
	return a, res, dir, nil
}

func (l *Ladder) available(order []Tool) []Tool {
	out := order[:0:0]
	for _, t := range order {
		if _, ok := l.execs[t]; ok {
			out = append(out, t)
		}
	}
	return out
}
