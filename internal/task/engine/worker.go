package engine

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"runtime/debug"
	"sync/atomic"
	"time"

	logx "radiorec/pkg/logx"
)

// slowTask is the duration above which a completed task logs at info.
const slowTask = 750 * time.Millisecond

func (s *Service) worker(ctx context.Context, stopCh <-chan struct{}, queue chan queuedTask, idx int) {
	rng := rand.New(rand.NewSource(time.Now().UnixNano() ^ int64(idx)<<32))
	for {
		// stop wins over queued work
		if stopped(ctx, stopCh) {
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-stopCh:
			return
		case qt, ok := <-queue:
			if !ok {
				return
			}
			atomic.AddInt32(&s.inFlight, 1)
			s.execOne(ctx, stopCh, qt, rng)
			atomic.AddInt32(&s.inFlight, -1)
		}
	}
}

func stopped(ctx context.Context, stopCh <-chan struct{}) bool {
	select {
	case <-ctx.Done():
		return true
	case <-stopCh:
		return true
	default:
		return false
	}
}

func (s *Service) execOne(ctx context.Context, stopCh <-chan struct{}, qt queuedTask, rng *rand.Rand) {
	if qt.track && qt.state != nil {
		defer qt.state.release()
	}

	start := time.Now()
	var queueDelay time.Duration
	if !qt.enqueuedAt.IsZero() {
		queueDelay = max(start.Sub(qt.enqueuedAt), 0)
	}

	s.mu.Lock()
	cfg := s.cfg
	s.mu.Unlock()

	t := qt.task
	if cfg.MaxQueueDelay > 0 && queueDelay > cfg.MaxQueueDelay {
		s.onDropped(dropStale, start, t, queueDelay)
		s.appendHistory(HistoryItem{ID: t.ID, Name: t.Name, Started: start, QueueDelay: queueDelay, Error: dropStale}, cfg.HistorySize)
		return
	}

	s.log.Debug("task.started", logx.String("task", t.Name), logx.Duration("queue_delay", queueDelay))
	s.publish("task.started", start, TaskEvent{ID: t.ID, Name: t.Name, Started: start, QueueDelay: queueDelay})

	attempts, err := s.runAttempts(ctx, stopCh, qt, rng)

	ev := TaskEvent{ID: t.ID, Name: t.Name, Started: start, QueueDelay: queueDelay, Duration: time.Since(start), Attempts: attempts}
	fields := []logx.Field{
		logx.String("task", t.Name),
		logx.Duration("queue_delay", queueDelay),
		logx.Duration("dur", ev.Duration),
		logx.Int("attempts", attempts),
	}
	switch {
	case err != nil:
		ev.Error = err.Error()
		s.log.Warn("task.failed", append(fields, logx.Err(err))...)
		s.publish("task.failed", time.Now(), ev)
	case ev.Duration >= slowTask:
		s.log.Info("task.completed", fields...)
		s.publish("task.finished", time.Now(), ev)
	default:
		s.log.Debug("task.completed", fields...)
		s.publish("task.finished", time.Now(), ev)
	}
	s.appendHistory(HistoryItem{
		ID:         t.ID,
		Name:       t.Name,
		Started:    start,
		QueueDelay: queueDelay,
		Duration:   ev.Duration,
		Attempts:   attempts,
		Error:      ev.Error,
	}, cfg.HistorySize)
}

// runAttempts runs the task until it succeeds, fails permanently or runs out of retries.
func (s *Service) runAttempts(ctx context.Context, stopCh <-chan struct{}, qt queuedTask, rng *rand.Rand) (int, error) {
	maxAttempts := 1 + qt.opt.RetryMax
	for attempt := 1; ; attempt++ {
		err := s.runOnce(ctx, qt)
		if err == nil {
			return attempt, nil
		}
		var nr *noRetryError
		if errors.As(err, &nr) {
			return attempt, nr.err
		}
		if attempt >= maxAttempts {
			return attempt, err
		}

		delay := backoffDelay(qt.opt, attempt, rng)
		s.log.Debug("task retry scheduled", logx.String("task", qt.task.Name), logx.Int("attempt", attempt+1), logx.Duration("delay", delay), logx.Err(err))
		tmr := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			tmr.Stop()
			return attempt, ctx.Err()
		case <-stopCh:
			tmr.Stop()
			return attempt, ErrStopping
		case <-tmr.C:
		}
	}
}

// runOnce runs a single attempt under the task timeout. A panic becomes an error.
func (s *Service) runOnce(ctx context.Context, qt queuedTask) (err error) {
	if qt.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, qt.timeout)
		defer cancel()
	}
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
			s.log.Error("task.panic", logx.String("task", qt.task.Name), logx.Any("panic", r), logx.String("stack", string(debug.Stack())))
		}
	}()
	return qt.task.Run(ctx)
}

// backoffDelay is base*2^(retry-1), capped, with symmetric jitter.
func backoffDelay(opt TaskOptions, retry int, rng *rand.Rand) time.Duration {
	base := cmpOr(opt.RetryBase, 500*time.Millisecond)
	maxD := cmpOr(opt.RetryMaxDelay, 15*time.Second)
	jitter := opt.RetryJitter
	if jitter <= 0 {
		jitter = 0.2
	}

	d := base
	for i := 1; i < retry && d < maxD; i++ {
		d *= 2
	}
	d = min(d, maxD)
	if rng != nil {
		d = time.Duration(float64(d) * (1 + (rng.Float64()*2-1)*jitter))
	}
	return min(max(d, 0), maxD)
}

func cmpOr(d, def time.Duration) time.Duration {
	if d <= 0 {
		return def
	}
	return d
}
