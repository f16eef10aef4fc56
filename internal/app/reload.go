package app

import (
	"context"
	"time"

	"radiorec/internal/config"
	"radiorec/internal/notifier"
	logx "radiorec/pkg/logx"
	"radiorec/pkg/systemd"
)

// reloadLoop applies committed configs: logging, engine, trigger timezone,
// interval jobs, notifier, Telegram sender and ops server.
func (a *App) reloadLoop(c context.Context) {
	sub := a.cfgm.Subscribe(8)
	defer a.cfgm.Unsubscribe(sub)
	// Track last applied config to generate a safe diff summary for logx.
	lastApplied := a.cfgm.Get()
	for {
		select {
		case <-c.Done():
			return
		case newCfg, ok := <-sub:
			if !ok {
				return
			}
			// Coalesce bursts: keep only the latest config in the channel.
		drain:
			for {
				select {
				case newer := <-sub:
					if newer != nil {
						newCfg = newer
					}
				default:
					break drain
				}
			}
			a.applyConfig(c, lastApplied, newCfg)
			lastApplied = newCfg
		}
	}
}

func (a *App) applyConfig(c context.Context, oldCfg, newCfg *config.Config) {
	sections, attrs := config.SummarizeConfigChange(oldCfg, newCfg)
	if len(sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}
	systemd.Reloading(a.log)
	defer systemd.Ready(a.log)

	for _, s := range sections {
		if restartRequired[s] {
			a.log.Warn("config section changed; restart required for changes to take effect", logx.String("section", s))
		}
	}

	a.logs.Apply(mapLogging(newCfg))

	if engCfg, err := mapTaskEngine(newCfg); err != nil {
		a.log.Warn("invalid task_engine config; keeping previous", logx.Err(err))
	} else {
		a.engine.Apply(c, engCfg)
	}

	prevSched := a.sched.Enabled()
	a.sched.Apply(mapScheduler(newCfg))
	switch nowSched := newCfg.Scheduler.Enabled; {
	case prevSched && !nowSched:
		a.log.Info("scheduler disabled via config")
		stopCtx, cancel := context.WithTimeout(c, 3*time.Second)
		a.sched.Stop(stopCtx)
		cancel()
	case !prevSched && nowSched:
		a.log.Info("scheduler enabled via config")
		a.sched.Start(c)
	}

	a.applyJobSettings(newCfg)
	a.registerIntervals()

	if ncfg, err := mapNotifier(newCfg); err != nil {
		a.log.Warn("invalid notifier config; keeping previous", logx.Err(err))
	} else {
		a.notif.Apply(ncfg)
	}
	if tg, err := mapTelegram(newCfg); err != nil {
		a.log.Warn("invalid telegram config; keeping previous", logx.Err(err))
	} else if tg == nil {
		a.notif.SetSender(nil)
	} else if snd, err := notifier.NewTelegram(*tg); err != nil {
		a.log.Warn("telegram sender rebuild failed; keeping previous", logx.Err(err))
	} else {
		a.notif.SetSender(snd)
	}

	if opsCfg, err := mapOps(newCfg); err != nil {
		a.log.Warn("invalid ops config; keeping previous", logx.Err(err))
	} else {
		a.ops.Reconfigure(c, opsCfg)
	}

	fields := append([]logx.Field{logx.String("changed", joinSections(sections))}, attrs...)
	a.log.Info("config reloaded", fields...)
}
