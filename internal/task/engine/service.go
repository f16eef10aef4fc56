package engine

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"radiorec/internal/eventbus"
	rtsup "radiorec/internal/runtime/supervisor"
	logx "radiorec/pkg/logx"
)

const warnThrottleEvery = 5 * time.Second

// Service runs tasks on a fixed pool of workers fed by a bounded queue, or
// on their own goroutine when the task is Dedicated.
type Service struct {
	mu  sync.Mutex
	cfg Config
	log logx.Logger
	bus eventbus.Bus

	q chan queuedTask

	inFlight  int32
	dedicated atomic.Int32

	sup      *rtsup.Supervisor
	stopCh   chan struct{}
	stopDone chan struct{}

	stateMu sync.Mutex
	states  map[string]*RunState

	hmu     sync.Mutex
	history []HistoryItem

	skipped atomic.Uint64
	drops   map[string]*dropCounter // by reason; fixed at New
}

// dropCounter counts drops for one reason and throttles their warnings.
type dropCounter struct {
	n        atomic.Uint64
	lastWarn atomic.Int64
}

const (
	dropQueueFull = "queue_full"
	dropStale     = "stale_queue_delay"
)

type queuedTask struct {
	task Task

	enqueuedAt time.Time
	timeout    time.Duration
	opt        TaskOptions

	state *RunState
	track bool
}

func New(cfg Config, log logx.Logger, bus eventbus.Bus) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{
		cfg:    withConfigDefaults(cfg),
		log:    log,
		bus:    bus,
		states: make(map[string]*RunState),
		drops: map[string]*dropCounter{
			dropQueueFull: {},
			dropStale:     {},
		},
	}
}

func withConfigDefaults(cfg Config) Config {
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 64
	}
	if cfg.RetryMax < 0 {
		cfg.RetryMax = 0
	}
	if cfg.HistorySize <= 0 {
		cfg.HistorySize = 200
	}
	return cfg
}

func (s *Service) Enabled() bool {
	s.mu.Lock()
	en := s.cfg.Enabled
	s.mu.Unlock()
	return en
}

// Supervisor returns the engine's worker supervisor (nil if not started).
func (s *Service) Supervisor() *rtsup.Supervisor {
	s.mu.Lock()
	sup := s.sup
	s.mu.Unlock()
	return sup
}

// Apply swaps the config. A worker or queue size change swaps in a new pool;
// old workers finish the task they hold and exit. Dedicated tasks keep running.
func (s *Service) Apply(ctx context.Context, cfg Config) {
	cfg = withConfigDefaults(cfg)
	s.mu.Lock()
	prev := s.cfg
	s.cfg = cfg
	running := s.stopCh != nil && s.stopDone == nil
	s.mu.Unlock()

	switch {
	case !running:
		if cfg.Enabled {
			s.Start(ctx)
		}
	case !cfg.Enabled:
		s.Stop(ctx)
	case prev.Workers != cfg.Workers || prev.QueueSize != cfg.QueueSize:
		s.resize(ctx)
	}
}

// resize replaces the pool without canceling work in progress. Tasks still
// queued move to the new queue; the old supervisor is canceled once its
// goroutines have returned.
func (s *Service) resize(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	if s.stopCh == nil || s.stopDone != nil {
		s.mu.Unlock()
		return
	}
	oldStop, oldQ, oldSup := s.stopCh, s.q, s.sup
	close(oldStop)
	sup, stopCh, queue, workers := s.startPoolLocked(ctx)
	s.mu.Unlock()

	s.spawnWorkers(sup, stopCh, queue, workers)

	moved := 0
	for done := false; !done; {
		select {
		case qt := <-oldQ:
			select {
			case queue <- qt:
				moved++
			default:
				if qt.track && qt.state != nil {
					qt.state.release()
				}
				s.onDropped(dropQueueFull, time.Now(), qt.task, 0, logx.Int("queue_cap", cap(queue)))
			}
		default:
			done = true
		}
	}

	sup.Go0("pool.drain", func(c context.Context) {
		_ = oldSup.Wait(c)
		oldSup.Cancel()
		_ = oldSup.Wait(context.Background())
	})
	s.log.Info("task engine resized", logx.Int("workers", workers), logx.Int("queue", cap(queue)), logx.Int("moved", moved))
}

func (s *Service) Start(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	cfg := s.cfg
	if !cfg.Enabled {
		s.mu.Unlock()
		return
	}

	// Start is idempotent.
	if s.stopCh != nil {
		done := s.stopDone
		s.mu.Unlock()
		if done == nil {
			return
		}
		select {
		case <-done:
		case <-ctx.Done():
			return
		}
		s.mu.Lock()
		if s.stopCh != nil {
			s.mu.Unlock()
			return
		}
	}

	atomic.StoreInt32(&s.inFlight, 0)
	sup, stopCh, queue, workers := s.startPoolLocked(ctx)
	s.mu.Unlock()

	s.spawnWorkers(sup, stopCh, queue, workers)
	s.log.Info("task engine started", logx.Int("workers", workers), logx.Int("queue", cap(queue)))
}

// startPoolLocked installs a fresh queue, stop channel and supervisor. s.mu must be held.
func (s *Service) startPoolLocked(ctx context.Context) (*rtsup.Supervisor, chan struct{}, chan queuedTask, int) {
	s.q = make(chan queuedTask, s.cfg.QueueSize)
	s.stopCh = make(chan struct{})
	s.stopDone = nil
	s.sup = rtsup.New(ctx,
		rtsup.WithLogger(s.log.With(logx.String("comp", "taskengine"))),
		// A failing job must never take the recorder down.
		rtsup.WithCancelOnError(false),
	)
	return s.sup, s.stopCh, s.q, s.cfg.Workers
}

func (s *Service) spawnWorkers(sup *rtsup.Supervisor, stopCh chan struct{}, queue chan queuedTask, workers int) {
	for i := 0; i < workers; i++ {
		idx := i
		sup.GoRestart(fmt.Sprintf("worker.%d", idx), func(c context.Context) error {
			s.worker(c, stopCh, queue, idx)
			select {
			case <-stopCh:
				return context.Canceled
			default:
			}
			if c.Err() != nil {
				return c.Err()
			}
			return errors.New("worker exited unexpectedly")
		},
			rtsup.WithPublishFirstError(true),
		)
	}
}

func (s *Service) Stop(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	if s.stopCh == nil {
		s.mu.Unlock()
		return
	}
	if s.stopDone != nil {
		done := s.stopDone
		s.mu.Unlock()
		select {
		case <-done:
		case <-ctx.Done():
		}
		return
	}

	done := make(chan struct{})
	s.stopDone = done
	close(s.stopCh)
	sup := s.sup
	queue := s.q
	s.mu.Unlock()

	if sup != nil {
		sup.Cancel()
	}

	go func() {
		if sup != nil {
			_ = sup.Wait(context.Background())
		}
		// Release overlap gates held by tasks that never ran.
		for {
			select {
			case qt := <-queue:
				if qt.track && qt.state != nil {
					qt.state.release()
				}
				continue
			default:
			}
			break
		}
		s.mu.Lock()
		s.q = nil
		s.stopCh = nil
		s.stopDone = nil
		s.sup = nil
		atomic.StoreInt32(&s.inFlight, 0)
		s.mu.Unlock()
		close(done)
	}()

	select {
	case <-done:
		s.log.Info("task engine stopped")
	case <-ctx.Done():
		s.log.Warn("task engine stop timed out", logx.Err(ctx.Err()))
	}
}

// Enqueue tries to enqueue a task without blocking. If the queue is full, the task is dropped.
//
// Use Submit() when you want backpressure instead of dropping.
func (s *Service) Enqueue(t Task) error {
	return s.enqueue(context.Background(), t, false)
}

// Submit enqueues a task and blocks until it is accepted, ctx is canceled, or the engine stops.
func (s *Service) Submit(ctx context.Context, t Task) error {
	if ctx == nil {
		ctx = context.Background()
	}
	return s.enqueue(ctx, t, true)
}

func (s *Service) enqueue(ctx context.Context, t Task, block bool) error {
	if t.Run == nil {
		return fmt.Errorf("task Run is nil")
	}
	name := strings.TrimSpace(t.Name)
	if name == "" {
		return fmt.Errorf("task Name is required")
	}
	t.Name = name

	now := time.Now()
	if strings.TrimSpace(t.ID) == "" {
		t.ID = "tsk-" + uuid.NewString()
	}

	s.mu.Lock()
	cfg := s.cfg
	q := s.q
	stopCh := s.stopCh
	sup := s.sup
	stopping := s.stopDone != nil
	s.mu.Unlock()

	if !cfg.Enabled {
		return ErrDisabled
	}
	if q == nil || stopCh == nil {
		return ErrStopped
	}
	if stopping {
		return ErrStopping
	}

	timeout := t.Timeout
	if timeout <= 0 && cfg.DefaultTimeout > 0 && !t.Opt.Dedicated {
		timeout = cfg.DefaultTimeout
	}
	opt := t.Opt.withDefaults(cfg)

	st := t.State
	if st == nil {
		st = s.stateFor(t.Name)
	}

	track := false
	if opt.Overlap == OverlapSkipIfRunning {
		track = true
		if !st.tryAcquire() {
			s.skipped.Add(1)
			s.publish("task.skipped", now, TaskEvent{ID: t.ID, Name: t.Name, Started: now, Error: "overlap_skip"})
			s.log.Debug("task skipped due to overlap", logx.String("task", t.Name), logx.String("id", t.ID))
			return ErrOverlapSkip
		}
	}

	qt := queuedTask{task: t, enqueuedAt: now, timeout: timeout, opt: opt, state: st, track: track}

	if opt.Dedicated {
		s.runDedicated(sup, qt)
		return nil
	}

	if !block {
		select {
		case q <- qt:
			return nil
		default:
			if track {
				st.release()
			}
			s.onDropped(dropQueueFull, now, t, 0, logx.Int("queue_len", len(q)), logx.Int("queue_cap", cap(q)))
			return ErrQueueFull
		}
	}

	select {
	case q <- qt:
		return nil
	case <-ctx.Done():
		if track {
			st.release()
		}
		return ctx.Err()
	case <-stopCh:
		if track {
			st.release()
		}
		return ErrStopping
	}
}

func (s *Service) Snapshot() Snapshot {
	s.mu.Lock()
	cfg := s.cfg
	q := s.q
	s.mu.Unlock()

	ql, qc := 0, 0
	if q != nil {
		ql = len(q)
		qc = cap(q)
	}

	s.hmu.Lock()
	h := make([]HistoryItem, len(s.history))
	copy(h, s.history)
	s.hmu.Unlock()

	return Snapshot{
		Enabled:          cfg.Enabled,
		Workers:          cfg.Workers,
		QueueLen:         ql,
		QueueCap:         qc,
		InFlight:         int(atomic.LoadInt32(&s.inFlight)),
		Dedicated:        int(s.dedicated.Load()),
		Skipped:          s.skipped.Load(),
		Dropped:          s.drops[dropQueueFull].n.Load() + s.drops[dropStale].n.Load(),
		DroppedQueueFull: s.drops[dropQueueFull].n.Load(),
		DroppedStale:     s.drops[dropStale].n.Load(),
		DefaultTimeout:   cfg.DefaultTimeout,
		MaxQueueDelay:    cfg.MaxQueueDelay,
		RetryMax:         cfg.RetryMax,
		History:          h,
	}
}

// runDedicated starts qt on its own supervised goroutine. Pool resizes do
// not touch it; Stop cancels it.
func (s *Service) runDedicated(sup *rtsup.Supervisor, qt queuedTask) {
	s.dedicated.Add(1)
	sup.Go0("task."+qt.task.Name, func(c context.Context) {
		defer s.dedicated.Add(-1)
		rng := rand.New(rand.NewSource(time.Now().UnixNano()))
		s.execOne(c, nil, qt, rng)
	})
}

func (s *Service) stateFor(name string) *RunState {
	key := strings.TrimSpace(name)
	if key == "" {
		key = "default"
	}
	s.stateMu.Lock()
	st := s.states[key]
	if st == nil {
		st = &RunState{}
		s.states[key] = st
	}
	s.stateMu.Unlock()
	return st
}

func (s *Service) publish(typ string, at time.Time, ev TaskEvent) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(eventbus.Event{Type: typ, Time: at, Data: ev})
}

func (s *Service) appendHistory(item HistoryItem, size int) {
	if size <= 0 {
		size = 200
	}
	s.hmu.Lock()
	s.history = append(s.history, item)
	if len(s.history) > size {
		s.history = s.history[len(s.history)-size:]
	}
	s.hmu.Unlock()
}

// onDropped counts a task that never ran and warns at most once per
// warnThrottleEvery for each reason.
func (s *Service) onDropped(reason string, now time.Time, t Task, queueDelay time.Duration, extra ...logx.Field) {
	c := s.drops[reason]
	total := c.n.Add(1)
	s.publish("task.dropped", now, TaskEvent{ID: t.ID, Name: t.Name, Started: now, QueueDelay: queueDelay, Error: reason})

	prev := c.lastWarn.Load()
	if prev != 0 && now.UnixNano()-prev < int64(warnThrottleEvery) {
		return
	}
	if !c.lastWarn.CompareAndSwap(prev, now.UnixNano()) {
		return
	}
	fields := append([]logx.Field{
		logx.String("task", t.Name),
		logx.String("id", t.ID),
		logx.String("reason", reason),
		logx.Uint64("dropped", total),
	}, extra...)
	if queueDelay > 0 {
		fields = append(fields, logx.Duration("queue_delay", queueDelay))
	}
	s.log.Warn("task dropped", fields...)
}
