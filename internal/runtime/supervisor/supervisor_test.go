package supervisor

import (
	"context"
	"errors"
	"strings"
	"sync/atomic"
	"testing"
	"time"
)

func waitCtx(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func TestCancelOnError(t *testing.T) {
	t.Parallel()
	s := New(context.Background(), WithCancelOnError(true))
	s.Go("capture", func(ctx context.Context) error { return errors.New("ladder exhausted") })
	s.Go0("idle", func(ctx context.Context) { <-ctx.Done() })

	if err := s.Wait(waitCtx(t)); err == nil || !strings.Contains(err.Error(), "capture: ladder exhausted") {
		t.Fatalf("Wait = %v, want capture error", err)
	}
	if s.Context().Err() == nil {
		t.Fatalf("context not canceled")
	}
}

func TestPanicRecovered(t *testing.T) {
	t.Parallel()
	s := New(context.Background())
	s.Go("boom", func(ctx context.Context) error { panic("bad frame") })
	if err := s.Wait(waitCtx(t)); err == nil || !strings.Contains(err.Error(), "panic: bad frame") {
		t.Fatalf("Wait = %v, want panic error", err)
	}
	if s.Context().Err() != nil {
		t.Fatalf("context canceled without WithCancelOnError")
	}
}

func TestCanceledIsNotAnError(t *testing.T) {
	t.Parallel()
	s := New(context.Background(), WithCancelOnError(true))
	s.Go("loop", func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})
	if err := s.Stop(waitCtx(t)); err != nil {
		t.Fatalf("Stop = %v, want nil", err)
	}
}

func TestGoRestart(t *testing.T) {
	t.Parallel()
	s := New(context.Background())
	var runs atomic.Int32
	s.GoRestart("dispatch", func(ctx context.Context) error {
		if runs.Add(1) < 3 {
			return errors.New("transient")
		}
		return nil
	}, WithRestartBackoff(time.Millisecond, 2*time.Millisecond), WithPublishFirstError(true))

	if err := s.Wait(waitCtx(t)); err == nil || !strings.Contains(err.Error(), "dispatch: transient") {
		t.Fatalf("Wait = %v, want first published error", err)
	}
	if got := runs.Load(); got != 3 {
		t.Fatalf("runs = %d, want 3", got)
	}
	c := s.Counters()
	if c.Restarts != 2 || c.Active != 0 || len(c.Running) != 0 {
		t.Fatalf("counters = %+v", c)
	}
}

func TestGoRestartGivesUp(t *testing.T) {
	t.Parallel()
	s := New(context.Background())
	var runs atomic.Int32
	s.GoRestart("hook", func(ctx context.Context) error {
		runs.Add(1)
		panic("always")
	}, WithRestartBackoff(time.Millisecond, time.Millisecond), WithMaxRestarts(2))

	if err := s.Wait(waitCtx(t)); err != nil {
		t.Fatalf("Wait = %v, want nil without WithPublishFirstError", err)
	}
	if got := runs.Load(); got != 3 {
		t.Fatalf("runs = %d, want 3 (initial + 2 restarts)", got)
	}
}

func TestCountersListRunning(t *testing.T) {
	t.Parallel()
	s := New(context.Background())
	release := make(chan struct{})
	for _, name := range []string{"worker", "worker", "watch"} {
		s.Go0(name, func(ctx context.Context) { <-release })
	}
	c := s.Counters()
	if c.Active != 3 || c.Started != 3 || strings.Join(c.Running, ",") != "watch,worker" {
		t.Fatalf("counters = %+v", c)
	}
	close(release)
	if err := s.Wait(waitCtx(t)); err != nil {
		t.Fatal(err)
	}
	var nilSup *Supervisor
	if nilSup.Counters().Active != 0 {
		t.Fatalf("nil supervisor counters")
	}
}
