package app

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"radiorec/internal/capture"
	"radiorec/internal/config"
	"radiorec/internal/eventbus"
	"radiorec/internal/health"
	"radiorec/internal/metrics"
	"radiorec/internal/model"
	"radiorec/internal/notifier"
	"radiorec/internal/observability/ops"
	"radiorec/internal/postproc"
	"radiorec/internal/recorder"
	"radiorec/internal/retention"
	rtsup "radiorec/internal/runtime/supervisor"
	"radiorec/internal/storage"
	"radiorec/internal/task/engine"
	"radiorec/internal/task/scheduler"
	logx "radiorec/pkg/logx"
	"radiorec/pkg/systemd"
)

const (
	taskReconcile = "shows.reconcile"
	taskRetention = "retention.sweep"
	taskHealth    = "health.probe"
)

type App struct {
	cfgm *config.ConfigManager
	sup  *rtsup.Supervisor

	log     logx.Logger
	logs    *logx.Service
	bus     eventbus.Bus
	store   *storage.Store
	metrics *metrics.Metrics

	engine   *engine.Service
	sched    *scheduler.Service
	shows    *scheduler.ShowScheduler
	ladder   *capture.Ladder
	recorder *recorder.Recorder
	reaper   *retention.Reaper
	prober   *health.Prober
	notif    *notifier.Service
	ops      *ops.Service

	startedAt time.Time

	mu        sync.Mutex
	intervals intervals
	batchSize int
	dryRun    bool
}

// New loads the config at cfgPath and builds every component. Nothing runs
// until Start (daemon) or RunOnce (CLI commands).
func New(cfgPath string) (*App, error) {
	cfgm := config.NewConfigManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}
	if err := validate(cfg); err != nil {
		return nil, err
	}

	logSvc, root := logx.New(mapLogging(cfg))
	log := root.With(logx.String("comp", "app"))

	recordings, scratch, _ := mapPaths(cfg)
	for _, dir := range []string{recordings, scratch} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create %s: %w", dir, err)
		}
	}

	sc, _ := mapStorage(cfg)
	store, err := storage.Open(sc, root.With(logx.String("comp", "storage")))
	if err != nil {
		return nil, err
	}

	bus := eventbus.New()
	m := metrics.New()
	runner := capture.ExecRunner{}

	engCfg, _ := mapTaskEngine(cfg)
	engineSvc := engine.New(engCfg, root.With(logx.String("comp", "taskengine")), bus)
	schedSvc := scheduler.New(mapScheduler(cfg), engineSvc, root.With(logx.String("comp", "scheduler")), bus)

	ladderCfg, _ := mapLadder(cfg, scratch)
	ladder := capture.NewLadder(ladderCfg, root.With(logx.String("comp", "capture")), executors(cfg, runner)...)
	ladder.OnAttempt = m.ObserveAttempt

	ppCfg, _ := mapPostproc(cfg, scratch)
	post := postproc.New(ppCfg, runner, root.With(logx.String("comp", "postproc")))

	recCfg, _ := mapRecorder(cfg, recordings)
	rec := recorder.New(recCfg, store, ladder, post, bus, root.With(logx.String("comp", "recorder")))

	shows := scheduler.NewShowScheduler(schedSvc, store, rec.RunScheduled, root.With(logx.String("comp", "shows")))
	reaper := retention.NewReaper(store, recordings, bus, root.With(logx.String("comp", "reaper")))

	hCfg, _ := mapHealth(cfg, scratch)
	var dir health.Directory
	if dc, ok, _ := mapDirectory(cfg); ok {
		dir = health.NewRadioBrowser(dc)
	}
	prober := health.NewProber(hCfg, store, ladder, dir, bus, root.With(logx.String("comp", "prober")))

	nCfg, _ := mapNotifier(cfg)
	notif := notifier.New(nCfg, runner, bus, root.With(logx.String("comp", "notifier")), notifier.WithSizeStore(store))
	if tg, _ := mapTelegram(cfg); tg != nil {
		snd, err := notifier.NewTelegram(*tg)
		if err != nil {
			_ = store.Close()
			return nil, err
		}
		notif.SetSender(snd)
	}

	a := &App{
		cfgm:     cfgm,
		log:      log,
		logs:     logSvc,
		bus:      bus,
		store:    store,
		metrics:  m,
		engine:   engineSvc,
		sched:    schedSvc,
		shows:    shows,
		ladder:   ladder,
		recorder: rec,
		reaper:   reaper,
		prober:   prober,
		notif:    notif,
	}
	a.applyJobSettings(cfg)

	opsCfg, _ := mapOps(cfg)
	a.ops = ops.New(opsCfg, ops.Deps{
		Health:   store,
		Gatherer: m.Registry,
		Status:   a.Status,
	}, root.With(logx.String("comp", "ops")))
	return a, nil
}

func (a *App) applyJobSettings(cfg *config.Config) {
	iv, _ := mapIntervals(cfg)
	a.mu.Lock()
	a.intervals = iv
	a.batchSize = cfg.Retention.BatchSize
	a.dryRun = cfg.Retention.DryRun
	a.mu.Unlock()
}

// Done is closed when the app supervisor context is canceled (fatal error or Stop()).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor (if any).
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

// Start runs the daemon: triggers, interval jobs, outbound collaborators,
// the ops server and config hot reload.
func (a *App) Start(ctx context.Context) error {
	a.startedAt = time.Now()
	a.sup = rtsup.New(ctx, rtsup.WithLogger(a.log), rtsup.WithCancelOnError(true))
	run := a.sup.Context()

	// transactional config reload: validate before commit/publish
	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error { return validate(cfg) })

	a.notif.Start(run)
	a.engine.Start(run)
	a.sup.Go("metrics", func(c context.Context) error { return a.metrics.Run(c, a.bus) })

	a.registerIntervals()
	if a.sched.Enabled() {
		a.sched.Start(run)
	}
	if _, err := a.Reconcile(run); err != nil {
		return err
	}

	opsCfg, _ := mapOps(a.cfgm.Get())
	a.ops.Reconfigure(run, opsCfg)

	a.sup.Go0("eventbus.log", a.logEvents)
	a.sup.Go0("config.reload", a.reloadLoop)
	a.sup.Go("config.watch", a.cfgm.Watch)
	a.sup.Go("config.sighup", func(c context.Context) error {
		hup := make(chan os.Signal, 1)
		signal.Notify(hup, syscall.SIGHUP)
		defer signal.Stop(hup)
		return a.cfgm.ReloadOnSignal(c, hup)
	})
	a.sup.Go("systemd.watchdog", func(c context.Context) error {
		if err := systemd.Watchdog(c, a.log); err != nil && c.Err() == nil {
			a.log.Warn("systemd watchdog unavailable", logx.Err(err))
		}
		return nil
	})

	systemd.Ready(a.log)
	systemd.Status(a.log, fmt.Sprintf("%d shows scheduled", len(a.shows.Entries())))
	a.log.Info("app started", logx.Int("shows", len(a.shows.Entries())))
	return nil
}

// registerIntervals upserts the periodic jobs from the current settings.
// An unchanged interval keeps its running timer.
func (a *App) registerIntervals() {
	a.mu.Lock()
	iv := a.intervals
	a.mu.Unlock()

	a.upsertInterval(taskReconcile, iv.Reconcile, time.Minute, func(c context.Context) error {
		_, err := a.Reconcile(c)
		return err
	})
	a.upsertInterval(taskRetention, iv.Retention, 30*time.Minute, func(c context.Context) error {
		_, err := a.Sweep(c, false)
		return err
	})
	a.upsertInterval(taskHealth, iv.Health, 0, func(c context.Context) error {
		_, err := a.Probe(c)
		return err
	})
}

func (a *App) upsertInterval(name string, every, timeout time.Duration, job func(ctx context.Context) error) {
	if every <= 0 {
		a.sched.Remove(name)
		return
	}
	if spec, ok := a.sched.Has(name); ok && spec == fmt.Sprintf("@every %s", every) {
		return
	}
	opt := scheduler.TaskOptions{Overlap: scheduler.OverlapSkipIfRunning, RetryMax: -1}
	if _, err := a.sched.AddIntervalOpt(name, every, timeout, opt, job); err != nil {
		a.log.Error("register periodic job failed", logx.String("name", name), logx.Err(err))
	}
}

// Reconcile rebuilds the show trigger table from the Show table.
func (a *App) Reconcile(ctx context.Context) (scheduler.ReconcileReport, error) {
	rep, err := a.shows.ReconcileAllActiveShows(ctx)
	if err != nil {
		return rep, err
	}
	a.metrics.SetScheduledShows(len(a.shows.Entries()))
	return rep, nil
}

// Sweep runs one reaper pass; the configured dry_run forces a dry run.
func (a *App) Sweep(ctx context.Context, dryRun bool) (retention.SweepReport, error) {
	a.mu.Lock()
	opt := retention.SweepOptions{DryRun: dryRun || a.dryRun, BatchSize: a.batchSize}
	a.mu.Unlock()
	return a.reaper.Sweep(ctx, opt)
}

// Probe runs one health cycle.
func (a *App) Probe(ctx context.Context) (health.CycleReport, error) {
	return a.prober.RunCycle(ctx)
}

// RecordNow captures a show immediately as a manual test recording.
func (a *App) RecordNow(ctx context.Context, showID int64, duration time.Duration) (recorder.Result, error) {
	return a.recorder.RecordNow(ctx, showID, duration)
}

// SetShowRetention changes a show's retention and recomputes expiries.
func (a *App) SetShowRetention(ctx context.Context, showID int64, days int) (int, error) {
	return a.reaper.SetShowRetention(ctx, showID, days)
}

// SetRecordingTTL sets or clears (nil) a recording's TTL override.
func (a *App) SetRecordingTTL(ctx context.Context, recordingID int64, ttl *model.TTL) (*time.Time, error) {
	return a.reaper.SetRecordingTTL(ctx, recordingID, ttl)
}

// Shows lists the current show triggers.
func (a *App) Shows() []scheduler.ShowEntry { return a.shows.Entries() }

// RunOnce runs fn with only the outbound collaborators started, for the
// one-shot CLI commands, then drains them and closes the store.
func (a *App) RunOnce(ctx context.Context, fn func(ctx context.Context) error) error {
	a.notif.Start(ctx)
	err := fn(ctx)

	drain, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	a.notif.Stop(drain)
	if cerr := a.store.Close(); cerr != nil && err == nil {
		err = cerr
	}
	_ = a.logs.Close()
	return err
}

func (a *App) logEvents(c context.Context) {
	events, unsub := a.bus.Subscribe(128)
	defer unsub()
	for {
		select {
		case <-c.Done():
			return
		case e, ok := <-events:
			if !ok {
				return
			}
			// Keep this debug-level to avoid noise for frequent schedulers.
			a.log.Debug("event", logx.String("type", e.Type), logx.Time("time", e.Time))
		}
	}
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))
	systemd.Stopping(a.log)

	// First, cancel the app run context so background loops start unwinding immediately.
	a.sup.Cancel()

	// Helper: run a shutdown step with an upper bound so one component can't stall the whole stop.
	step := func(name string, max time.Duration, fn func(context.Context) error) {
		start := time.Now()
		a.log.Debug("stop step begin", logx.String("name", name), logx.Duration("max", max))

		// respect the caller's deadline; never extend it
		if dl, ok := ctx.Deadline(); ok {
			if rem := time.Until(dl); rem < max {
				max = rem
			}
		}
		if max <= 0 {
			a.log.Warn("stop step skipped: deadline reached", logx.String("name", name))
			return
		}
		stepCtx, cancel := context.WithTimeout(ctx, max)
		defer cancel()

		done := make(chan error, 1)
		go func() {
			defer func() {
				if r := recover(); r != nil {
					done <- fmt.Errorf("panic in stop step %s: %v", name, r)
				}
			}()
			done <- fn(stepCtx)
		}()

		select {
		case err := <-done:
			if err != nil {
				a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
			}
			took := time.Since(start)
			if took >= 500*time.Millisecond {
				a.log.Info("stop step end", logx.String("name", name), logx.Duration("took", took))
			} else {
				a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", took))
			}
		case <-stepCtx.Done():
			// Contract: fn MUST honor stepCtx and return promptly. If it doesn't, log a leak signal.
			a.log.Warn("stop step deadline reached (continuing)",
				logx.String("name", name),
				logx.Err(stepCtx.Err()),
				logx.Duration("elapsed", time.Since(start)),
			)
			go func() {
				err := <-done
				a.log.Info("stop step finished after deadline", logx.String("name", name), logx.Err(err), logx.Duration("took", time.Since(start)))
			}()
		}
	}

	// Triggers first so nothing new is enqueued, then in-flight captures.
	step("scheduler", 2*time.Second, func(c context.Context) error { a.sched.Stop(c); return nil })
	step("taskengine", 10*time.Second, func(c context.Context) error { a.engine.Stop(c); return nil })
	step("ops", time.Second, func(c context.Context) error { a.ops.Stop(c); return nil })
	step("notifier", 5*time.Second, func(c context.Context) error { a.notif.Stop(c); return nil })
	step("storage", time.Second, func(context.Context) error { return a.store.Close() })

	// Finally, wait for supervised goroutines (config watch/reload, metrics, etc.)
	step("supervisor", 2*time.Second, func(c context.Context) error { return a.sup.Wait(c) })

	a.log.Info("stopped")
	_ = a.logs.Close()
	return nil
}

// restartRequired lists config sections that are only read at startup.
var restartRequired = map[string]bool{
	"paths":    true,
	"storage":  true,
	"capture":  true,
	"postproc": true,
}

func joinSections(s []string) string { return strings.Join(s, ",") }
