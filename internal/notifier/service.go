package notifier

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"math/rand"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"radiorec/internal/capture"
	"radiorec/internal/eventbus"
	rtsup "radiorec/internal/runtime/supervisor"
	logx "radiorec/pkg/logx"

	"golang.org/x/time/rate"
)

var (
	ErrQueueFull = errors.New("notifier queue full")
)

type jobKind string

const (
	jobFeed  jobKind = "feed"
	jobTag   jobKind = "tag"
	jobAlert jobKind = "alert"
)

type job struct {
	kind   jobKind
	showID int64
	rec    eventbus.RecordingCreated
	text   string
	// dedupKey is computed at enqueue time for cheap per-worker processing.
	dedupKey string
}

// Service turns bus events into feed hook runs, tag writes and alerts.
//
// It is safe for concurrent use.
type Service struct {
	mu sync.Mutex

	log    logx.Logger
	bus    eventbus.Bus
	runner capture.Runner
	tagger Tagger
	sender Sender
	sizes  SizeStore

	cfg     Config
	limiter *rate.Limiter

	queue       chan job
	unsubscribe func()
	sup         *rtsup.Supervisor
	stopDone    chan struct{} // non-nil while stopping

	// Shows with a queued feed job; further requests coalesce into it.
	pendingFeeds map[int64]struct{}

	// In-memory dedup cache: key -> suppress until
	dmu   sync.Mutex
	dedup map[string]time.Time

	// In-memory history (for /status)
	hmu     sync.Mutex
	history []HistoryItem
}

type Option func(*Service)

// WithTagger replaces the default ID3 tagger.
func WithTagger(t Tagger) Option { return func(s *Service) { s.tagger = t } }

// WithSizeStore keeps file_size_bytes in step with files rewritten by tagging.
func WithSizeStore(st SizeStore) Option { return func(s *Service) { s.sizes = st } }

// WithSender routes alerts to snd. Without one alerts are only logged.
func WithSender(snd Sender) Option { return func(s *Service) { s.sender = snd } }

func New(cfg Config, runner capture.Runner, bus eventbus.Bus, log logx.Logger, opts ...Option) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	if runner == nil {
		runner = capture.ExecRunner{}
	}
	s := &Service{
		log:          log,
		bus:          bus,
		runner:       runner,
		tagger:       ID3Tagger{},
		pendingFeeds: map[int64]struct{}{},
		dedup:        map[string]time.Time{},
	}
	for _, o := range opts {
		o(s)
	}
	s.applyLocked(cfg)
	return s
}

func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	s.applyLocked(cfg)
	s.mu.Unlock()
}

// SetSender swaps the alert sender; nil falls back to logging.
func (s *Service) SetSender(snd Sender) {
	s.mu.Lock()
	s.sender = snd
	s.mu.Unlock()
}

func (s *Service) applyLocked(cfg Config) {
	if cfg.Workers <= 0 {
		cfg.Workers = 2
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 64
	}
	if cfg.FeedHookTimeout <= 0 {
		cfg.FeedHookTimeout = 30 * time.Second
	}
	a := &cfg.Alerts
	if a.RatePerMinute <= 0 {
		a.RatePerMinute = 6
	}
	if a.RetryMax < 0 {
		a.RetryMax = 0
	}
	if a.RetryBase <= 0 {
		a.RetryBase = 500 * time.Millisecond
	}
	if a.RetryMaxDelay <= 0 {
		a.RetryMaxDelay = 10 * time.Second
	}
	if a.DedupWindow < 0 {
		a.DedupWindow = 0
	}
	if a.DedupMaxEntries <= 0 {
		a.DedupMaxEntries = 500
	}

	s.cfg = cfg
	burst := a.RatePerMinute
	if burst > 3 {
		burst = 3
	}
	s.limiter = rate.NewLimiter(rate.Every(time.Minute/time.Duration(a.RatePerMinute)), burst)
}

// Start subscribes to the bus and starts the workers. It is idempotent.
func (s *Service) Start(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}

	s.mu.Lock()
	// If stopping, wait for it to finish before restarting.
	if s.stopDone != nil {
		done := s.stopDone
		s.mu.Unlock()
		select {
		case <-done:
		case <-ctx.Done():
			return
		}
		s.mu.Lock()
	}
	if s.queue != nil || s.bus == nil {
		s.mu.Unlock()
		return
	}

	events, unsubscribe := s.bus.Subscribe(s.cfg.QueueSize)
	s.queue = make(chan job, s.cfg.QueueSize)
	s.unsubscribe = unsubscribe
	s.sup = rtsup.New(ctx,
		rtsup.WithLogger(s.log.With(logx.String("comp", "notifier"))),
		// notifier failures should not take down the whole app; treat as best-effort.
		rtsup.WithCancelOnError(false),
	)
	sup := s.sup
	q := s.queue
	workers := s.cfg.Workers
	s.mu.Unlock()

	sup.GoRestart("dispatch", func(c context.Context) error {
		for {
			select {
			case <-c.Done():
				return c.Err()
			case ev, ok := <-events:
				if !ok {
					// Unsubscribed: let workers drain what is queued.
					close(q)
					return nil
				}
				s.dispatch(ev, q)
			}
		}
	}, rtsup.WithPublishFirstError(true))

	for i := 0; i < workers; i++ {
		sup.GoRestart(fmt.Sprintf("worker.%d", i), func(c context.Context) error {
			for {
				select {
				case <-c.Done():
					return c.Err()
				case j, ok := <-q:
					if !ok {
						return nil
					}
					s.handle(c, j)
				}
			}
		}, rtsup.WithPublishFirstError(true))
	}
}

// Stop stops intake and drains the queue best-effort until ctx deadline.
func (s *Service) Stop(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}

	s.mu.Lock()
	sup := s.sup
	unsubscribe := s.unsubscribe
	if s.queue == nil {
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
	s.mu.Unlock()

	// Shutdown happens asynchronously so callers can time out without leaking state.
	go func() {
		defer close(done)
		unsubscribe()
		_ = sup.Wait(context.Background())

		s.mu.Lock()
		s.queue = nil
		s.unsubscribe = nil
		s.sup = nil
		s.stopDone = nil
		s.pendingFeeds = map[int64]struct{}{}
		s.mu.Unlock()
	}()

	select {
	case <-done:
	case <-ctx.Done():
		// Force-stop internal loops.
		sup.Cancel()
	}
}

// Supervisor returns the notifier's internal supervisor (nil if not started).
func (s *Service) Supervisor() *rtsup.Supervisor {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sup
}

func (s *Service) Snapshot() []HistoryItem {
	s.hmu.Lock()
	out := append([]HistoryItem(nil), s.history...)
	s.hmu.Unlock()
	return out
}

func (s *Service) appendHistory(kind jobKind, text string, err error) {
	it := HistoryItem{At: time.Now(), Kind: string(kind), Text: text}
	if err != nil {
		it.Err = err.Error()
	}
	s.hmu.Lock()
	s.history = append(s.history, it)
	if len(s.history) > 300 {
		s.history = s.history[len(s.history)-300:]
	}
	s.hmu.Unlock()
}

func (s *Service) dispatch(ev eventbus.Event, q chan<- job) {
	s.mu.Lock()
	tagging := s.cfg.Tagging
	s.mu.Unlock()

	switch d := ev.Data.(type) {
	case eventbus.FeedRegenerate:
		s.mu.Lock()
		if _, ok := s.pendingFeeds[d.ShowID]; ok {
			s.mu.Unlock()
			return
		}
		s.pendingFeeds[d.ShowID] = struct{}{}
		s.mu.Unlock()
		if err := s.enqueue(q, job{kind: jobFeed, showID: d.ShowID, text: d.Reason}); err != nil {
			s.mu.Lock()
			delete(s.pendingFeeds, d.ShowID)
			s.mu.Unlock()
		}
	case eventbus.RecordingCreated:
		if tagging && strings.EqualFold(filepath.Ext(d.Path), ".mp3") {
			_ = s.enqueue(q, job{kind: jobTag, showID: d.ShowID, rec: d})
		}
		if d.Warning != "" {
			s.alert(q, fmt.Sprintf("quality warning for %s (%s): %s", d.Filename, d.StationName, d.Warning))
		}
	case eventbus.CaptureFailed:
		s.alert(q, fmt.Sprintf("capture failed for show %d on %s after %d attempts: %s", d.ShowID, d.Station, d.Attempts, d.Error))
	case eventbus.StationHealth:
		switch {
		case d.URLChanged:
			s.alert(q, fmt.Sprintf("station %s stream URL updated to %s", d.Station, d.NewURL))
		case d.Result != "success":
			s.alert(q, fmt.Sprintf("station %s unhealthy (%s): %s", d.Station, d.Result, d.Error))
		}
	}
}

func (s *Service) alert(q chan<- job, text string) {
	s.mu.Lock()
	window := s.cfg.Alerts.DedupWindow
	max := s.cfg.Alerts.DedupMaxEntries
	s.mu.Unlock()

	key := dedupKey(text)
	if window > 0 && !s.dedupAllow(key, window, max) {
		s.publish(TypeDeduped, NotificationEvent{Kind: string(jobAlert), Key: key})
		return
	}
	_ = s.enqueue(q, job{kind: jobAlert, text: text, dedupKey: key})
}

func (s *Service) enqueue(q chan<- job, j job) error {
	select {
	case q <- j:
		return nil
	default:
		s.log.Warn("notifier queue full; dropping job", logx.String("kind", string(j.kind)), logx.Int64("show_id", j.showID))
		s.publish(TypeDropped, NotificationEvent{Kind: string(j.kind), ShowID: j.showID, Key: j.dedupKey, Error: ErrQueueFull.Error()})
		return ErrQueueFull
	}
}

func (s *Service) handle(ctx context.Context, j job) {
	switch j.kind {
	case jobFeed:
		s.mu.Lock()
		delete(s.pendingFeeds, j.showID)
		s.mu.Unlock()
		err := s.runFeedHook(ctx, j.showID, j.text)
		s.appendHistory(j.kind, fmt.Sprintf("show %d (%s)", j.showID, j.text), err)
		ne := NotificationEvent{Kind: string(j.kind), ShowID: j.showID}
		if err != nil {
			ne.Error = err.Error()
		}
		s.publish(TypeHookRan, ne)
	case jobTag:
		err := s.tagger.Tag(j.rec.Path, TagsFor(j.rec))
		s.appendHistory(j.kind, j.rec.Filename, err)
		if err != nil {
			s.log.Warn("tagging failed", logx.String("file", j.rec.Filename), logx.Err(err))
			s.publish(TypeTagged, NotificationEvent{Kind: string(j.kind), ShowID: j.showID, Error: err.Error()})
			return
		}
		s.log.Debug("recording tagged", logx.String("file", j.rec.Filename))
		s.refreshSize(ctx, j.rec)
		s.publish(TypeTagged, NotificationEvent{Kind: string(j.kind), ShowID: j.showID})
	case jobAlert:
		s.sendWithRetry(ctx, j)
	}
}

// refreshSize stores the size of a file the tagger grew.
func (s *Service) refreshSize(ctx context.Context, rec eventbus.RecordingCreated) {
	if s.sizes == nil || rec.RecordingID == 0 {
		return
	}
	info, err := os.Stat(rec.Path)
	if err != nil || info.Size() == rec.Bytes {
		return
	}
	if err := s.sizes.SetRecordingSize(ctx, rec.RecordingID, info.Size()); err != nil {
		s.log.Warn("recording size not updated after tagging", logx.Int64("id", rec.RecordingID), logx.Err(err))
	}
}

func (s *Service) sendWithRetry(runCtx context.Context, j job) {
	// config snapshot for this send
	s.mu.Lock()
	cfg := s.cfg.Alerts
	lim := s.limiter
	snd := s.sender
	s.mu.Unlock()

	if snd == nil {
		s.log.Warn("alert", logx.String("text", j.text))
		s.appendHistory(j.kind, j.text, nil)
		return
	}

	maxAttempts := 1 + cfg.RetryMax
	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if err := lim.Wait(runCtx); err != nil {
			return
		}

		// Bound per-send call. Keep tight to avoid hanging workers.
		callCtx, cancel := context.WithTimeout(runCtx, 10*time.Second)
		err := snd.Send(callCtx, j.text)
		cancel()
		if err == nil {
			s.appendHistory(j.kind, j.text, nil)
			s.publish(TypeAlertSent, NotificationEvent{Kind: string(j.kind), Key: j.dedupKey})
			return
		}
		lastErr = err
		s.log.Debug("alert send failed", logx.Err(err), logx.Int("attempt", attempt), logx.Int("max", maxAttempts))

		if attempt >= maxAttempts {
			break
		}
		t := time.NewTimer(retryDelay(cfg, attempt))
		select {
		case <-t.C:
		case <-runCtx.Done():
			t.Stop()
			return
		}
	}

	s.log.Warn("alert delivery failed", logx.String("text", j.text), logx.Err(lastErr))
	s.appendHistory(j.kind, j.text, lastErr)
	s.publish(TypeAlertFailed, NotificationEvent{Kind: string(j.kind), Key: j.dedupKey, Error: lastErr.Error()})
}

func (s *Service) publish(typ string, ne NotificationEvent) {
	if ne.At.IsZero() {
		ne.At = time.Now()
	}
	eventbus.Emit(s.bus, typ, ne)
}

func dedupKey(text string) string {
	h := fnv.New64a()
	_, _ = h.Write([]byte(text))
	return fmt.Sprintf("%x", h.Sum64())
}

func (s *Service) dedupAllow(key string, window time.Duration, max int) bool {
	now := time.Now()

	s.dmu.Lock()
	defer s.dmu.Unlock()
	if until, ok := s.dedup[key]; ok && now.Before(until) {
		return false
	}
	s.dedup[key] = now.Add(window)

	// Prune expired and cap.
	for k, until := range s.dedup {
		if !now.Before(until) {
			delete(s.dedup, k)
		}
	}
	for len(s.dedup) > max {
		var (
			minKey string
			minT   time.Time
		)
		for k, t := range s.dedup {
			if minKey == "" || t.Before(minT) {
				minKey, minT = k, t
			}
		}
		delete(s.dedup, minKey)
	}
	return true
}

func retryDelay(cfg AlertConfig, attempt int) time.Duration {
	// attempt starts at 1 (first attempt), delay is for the NEXT attempt.
	maxD := cfg.RetryMaxDelay
	d := cfg.RetryBase
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= maxD {
			d = maxD
			break
		}
	}
	// Jitter 0.7..1.3
	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	d = time.Duration(float64(d) * (0.7 + rng.Float64()*0.6))
	if d > maxD {
		d = maxD
	}
	return d
}
