package capture

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os/exec"
	"sync"
	"time"
)

// Command is one external process invocation.
type Command struct {
	Path    string
	Args    []string
	Dir     string
	Timeout time.Duration
	Stdout  io.Writer
}

// ProcResult is everything the core relies on from a process: exit code,
// stderr and whether the deadline fired.
type ProcResult struct {
	ExitCode int
	Stderr   string
	TimedOut bool
	Err      error
}

// Runner starts external processes.
type Runner interface {
	Run(ctx context.Context, c Command) ProcResult
}

// ExecRunner runs commands in their own process group and kills the whole
// group when the timeout or ctx fires.
type ExecRunner struct {
	// KillGrace is how long the group gets between SIGTERM and SIGKILL.
	KillGrace time.Duration
}

const stderrLimit = 8 << 10

func (r ExecRunner) Run(ctx context.Context, c Command) ProcResult {
	if c.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.Timeout)
		defer cancel()
	}
	grace := r.KillGrace
	if grace <= 0 {
		grace = 3 * time.Second
	}

	cmd := exec.CommandContext(ctx, c.Path, c.Args...)
	cmd.Dir = c.Dir
	cmd.Stdout = c.Stdout
	stderr := &tailBuffer{max: stderrLimit}
	cmd.Stderr = stderr
	setProcessGroup(cmd)
	cmd.Cancel = func() error { return terminateGroup(cmd, grace) }
	cmd.WaitDelay = grace + time.Second

	err := cmd.Run()
	res := ProcResult{Stderr: stderr.String()}
	if ctx.Err() != nil && errors.Is(ctx.Err(), context.DeadlineExceeded) {
		res.TimedOut = true
	}
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			res.ExitCode = exitErr.ExitCode()
			if res.ExitCode < 0 {
				// Killed by signal.
				res.ExitCode = -1
			}
		}
		res.Err = err
	}
	return res
}

// tailBuffer keeps the last max bytes written to it.
type tailBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
	max int
}

func (t *tailBuffer) Write(p []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	n := len(p)
	t.buf.Write(p)
	if over := t.buf.Len() - t.max; over > 0 {
		t.buf.Next(over)
	}
	return n, nil
}

func (t *tailBuffer) String() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.buf.String()
}
