package engine

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync/atomic"
	"testing"
	"time"

	logx "radiorec/pkg/logx"
)

func startEngine(t *testing.T, cfg Config) *Service {
	t.Helper()
	cfg.Enabled = true
	s := New(cfg, logx.Nop(), nil)
	s.Start(context.Background())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		s.Stop(ctx)
	})
	return s
}

func TestSkipIfRunningAllowsOneInFlight(t *testing.T) {
	t.Parallel()
	s := startEngine(t, Config{Workers: 4, QueueSize: 8})

	release := make(chan struct{})
	started := make(chan struct{}, 4)
	var runs atomic.Int32
	state := &RunState{}
	task := Task{
		Name:  "show:1",
		State: state,
		Opt:   TaskOptions{Overlap: OverlapSkipIfRunning},
		Run: func(ctx context.Context) error {
			runs.Add(1)
			started <- struct{}{}
			<-release
			return nil
		},
	}

	if err := s.Enqueue(task); err != nil {
		t.Fatalf("first Enqueue error: %v", err)
	}
	<-started
	if err := s.Enqueue(task); !errors.Is(err, ErrOverlapSkip) {
		t.Fatalf("second Enqueue = %v, want ErrOverlapSkip", err)
	}
	close(release)

	deadline := time.Now().Add(2 * time.Second)
	for state.Running() {
		if time.Now().After(deadline) {
			t.Fatal("run state never released")
		}
		time.Sleep(10 * time.Millisecond)
	}
	if got := runs.Load(); got != 1 {
		t.Fatalf("runs = %d, want 1", got)
	}
	if snap := s.Snapshot(); snap.Skipped != 1 {
		t.Fatalf("Skipped = %d, want 1", snap.Skipped)
	}
	if err := s.Enqueue(task); err != nil {
		t.Fatalf("Enqueue after release error: %v", err)
	}
}

func TestNoRetryStopsRetries(t *testing.T) {
	t.Parallel()
	s := startEngine(t, Config{Workers: 1, QueueSize: 4, RetryMax: 3})

	done := make(chan struct{})
	var calls atomic.Int32
	err := s.Enqueue(Task{
		Name: "validate",
		Opt:  TaskOptions{RetryBase: time.Millisecond},
		Run: func(ctx context.Context) error {
			defer func() {
				if calls.Load() == 1 {
					close(done)
				}
			}()
			calls.Add(1)
			return NoRetry(errors.New("show inactive"))
		},
	})
	if err != nil {
		t.Fatal(err)
	}
	<-done
	time.Sleep(50 * time.Millisecond)
	if got := calls.Load(); got != 1 {
		t.Fatalf("calls = %d, want 1", got)
	}
}

func TestPanicBecomesHistoryError(t *testing.T) {
	t.Parallel()
	s := startEngine(t, Config{Workers: 1, QueueSize: 4})

	if err := s.Enqueue(Task{Name: "boom", Run: func(ctx context.Context) error { panic("bad job") }}); err != nil {
		t.Fatal(err)
	}
	deadline := time.Now().Add(2 * time.Second)
	for {
		h := s.Snapshot().History
		if len(h) == 1 {
			if h[0].Error == "" {
				t.Fatal("expected panic error in history")
			}
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("task never finished")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestEnqueueWhenDisabled(t *testing.T) {
	t.Parallel()
	s := New(Config{}, logx.Nop(), nil)
	err := s.Enqueue(Task{Name: "x", Run: func(context.Context) error { return nil }})
	if !errors.Is(err, ErrDisabled) {
		t.Fatalf("Enqueue = %v, want ErrDisabled", err)
	}
}

func TestRetriesRecordAttempts(t *testing.T) {
	t.Parallel()
	s := startEngine(t, Config{Workers: 1, QueueSize: 4})

	var calls atomic.Int32
	err := s.Enqueue(Task{
		Name: "probe",
		Opt:  TaskOptions{RetryMax: 2, RetryBase: time.Millisecond, RetryMaxDelay: 2 * time.Millisecond},
		Run: func(ctx context.Context) error {
			if calls.Add(1) < 3 {
				return errors.New("directory timeout")
			}
			return nil
		},
	})
	if err != nil {
		t.Fatal(err)
	}
	deadline := time.Now().Add(2 * time.Second)
	for len(s.Snapshot().History) == 0 {
		if time.Now().After(deadline) {
			t.Fatal("task never finished")
		}
		time.Sleep(5 * time.Millisecond)
	}
	h := s.Snapshot().History[0]
	if h.Attempts != 3 || h.Error != "" {
		t.Fatalf("history = %+v, want 3 attempts without error", h)
	}
}

func TestBackoffDelay(t *testing.T) {
	t.Parallel()
	opt := TaskOptions{RetryBase: 100 * time.Millisecond, RetryMaxDelay: time.Second, RetryJitter: 0.2}
	tests := []struct {
		retry    int
		min, max time.Duration
	}{
		{1, 80 * time.Millisecond, 120 * time.Millisecond},
		{2, 160 * time.Millisecond, 240 * time.Millisecond},
		{4, 640 * time.Millisecond, 960 * time.Millisecond},
		{10, 800 * time.Millisecond, time.Second},
	}
	rng := rand.New(rand.NewSource(1))
	for _, tc := range tests {
		for i := 0; i < 20; i++ {
			if d := backoffDelay(opt, tc.retry, rng); d < tc.min || d > tc.max {
				t.Fatalf("backoffDelay(retry=%d) = %v, want [%v, %v]", tc.retry, d, tc.min, tc.max)
			}
		}
	}
	if d := backoffDelay(TaskOptions{}, 1, nil); d != 500*time.Millisecond {
		t.Fatalf("default backoff = %v, want 500ms", d)
	}
}

func TestIsNoRetry(t *testing.T) {
	t.Parallel()
	base := errors.New("ladder exhausted")
	wrapped := fmt.Errorf("show 3: %w", NoRetry(base))
	if !IsNoRetry(wrapped) || !errors.Is(wrapped, base) {
		t.Fatalf("NoRetry mark or cause lost through wrapping")
	}
	if IsNoRetry(base) || NoRetry(nil) != nil {
		t.Fatalf("unexpected NoRetry classification")
	}
}

func TestQueueFullDrops(t *testing.T) {
	t.Parallel()
	s := startEngine(t, Config{Workers: 1, QueueSize: 1})

	release := make(chan struct{})
	started := make(chan struct{})
	block := func(ctx context.Context) error {
		close(started)
		<-release
		return nil
	}
	if err := s.Enqueue(Task{Name: "show:1", Run: block}); err != nil {
		t.Fatal(err)
	}
	<-started
	noop := func(context.Context) error { return nil }
	if err := s.Enqueue(Task{Name: "show:2", Run: noop}); err != nil {
		t.Fatalf("second Enqueue = %v, want queued", err)
	}
	if err := s.Enqueue(Task{Name: "show:3", Run: noop}); !errors.Is(err, ErrQueueFull) {
		t.Fatalf("third Enqueue = %v, want ErrQueueFull", err)
	}
	close(release)

	snap := s.Snapshot()
	if snap.DroppedQueueFull != 1 || snap.Dropped != 1 || snap.DroppedStale != 0 {
		t.Fatalf("snapshot drops = %+v", snap)
	}
}

func TestDedicatedTasksBypassPool(t *testing.T) {
	t.Parallel()
	s := startEngine(t, Config{Workers: 1, QueueSize: 1, DefaultTimeout: 50 * time.Millisecond, MaxQueueDelay: time.Millisecond})

	release := make(chan struct{})
	defer close(release)
	poolBusy := make(chan struct{})
	if err := s.Enqueue(Task{Name: "retention", Run: func(ctx context.Context) error {
		close(poolBusy)
		<-release
		return nil
	}}); err != nil {
		t.Fatal(err)
	}
	<-poolBusy

	const shows = 5
	started := make(chan bool, shows)
	for i := 1; i <= shows; i++ {
		err := s.Enqueue(Task{
			Name: fmt.Sprintf("show:%d", i),
			Opt:  TaskOptions{Overlap: OverlapSkipIfRunning, RetryMax: -1, Dedicated: true},
			Run: func(ctx context.Context) error {
				_, hasDeadline := ctx.Deadline()
				started <- hasDeadline
				<-release
				return nil
			},
		})
		if err != nil {
			t.Fatalf("Enqueue show:%d error: %v", i, err)
		}
	}

	timeout := time.After(2 * time.Second)
	for i := 0; i < shows; i++ {
		select {
		case hasDeadline := <-started:
			if hasDeadline {
				t.Fatalf("dedicated task inherited the default timeout")
			}
		case <-timeout:
			t.Fatalf("captures started = %d of %d fired", i, shows)
		}
	}
	if snap := s.Snapshot(); snap.Dedicated != shows || snap.Dropped != 0 {
		t.Fatalf("snapshot = dedicated %d dropped %d, want %d and 0", snap.Dedicated, snap.Dropped, shows)
	}
}

func TestResizeKeepsInFlightWork(t *testing.T) {
	t.Parallel()
	cfg := Config{Enabled: true, Workers: 1, QueueSize: 4}
	s := startEngine(t, cfg)

	release := make(chan struct{})
	started := make(chan struct{}, 2)
	results := make(chan error, 2)
	blocking := func(ctx context.Context) error {
		started <- struct{}{}
		select {
		case <-release:
			results <- nil
		case <-ctx.Done():
			results <- ctx.Err()
		}
		return nil
	}
	if err := s.Enqueue(Task{Name: "health", Run: blocking}); err != nil {
		t.Fatal(err)
	}
	if err := s.Enqueue(Task{Name: "show:1", Opt: TaskOptions{Dedicated: true}, Run: blocking}); err != nil {
		t.Fatal(err)
	}
	<-started
	<-started

	cfg.Workers, cfg.QueueSize = 3, 8
	s.Apply(context.Background(), cfg)

	ran := make(chan struct{})
	if err := s.Enqueue(Task{Name: "reconcile", Run: func(context.Context) error { close(ran); return nil }}); err != nil {
		t.Fatalf("Enqueue after resize error: %v", err)
	}
	select {
	case <-ran:
	case <-time.After(2 * time.Second):
		t.Fatal("new pool never ran a task")
	}

	close(release)
	for i := 0; i < 2; i++ {
		if err := <-results; err != nil {
			t.Fatalf("in-flight task saw %v, want completion", err)
		}
	}
	if snap := s.Snapshot(); snap.Workers != 3 || snap.QueueCap != 8 {
		t.Fatalf("snapshot workers/queue = %d/%d, want 3/8", snap.Workers, snap.QueueCap)
	}
}
