package app

import (
	"context"
	"time"

	"radiorec/internal/eventbus"
	"radiorec/internal/health"
	"radiorec/internal/notifier"
	"radiorec/internal/retention"
	rtsup "radiorec/internal/runtime/supervisor"
	"radiorec/internal/task/scheduler"
)

// Status is the /status document.
type Status struct {
	StartedAt   time.Time                 `json:"started_at"`
	Uptime      string                    `json:"uptime"`
	Scheduler   scheduler.Snapshot        `json:"scheduler"`
	Shows       []scheduler.ShowEntry     `json:"shows"`
	LastSweep   *retention.SweepReport    `json:"last_sweep,omitempty"`
	LastProbe   *health.CycleReport       `json:"last_probe,omitempty"`
	Notifier    []notifier.HistoryItem    `json:"notifier"`
	Supervisors map[string]rtsup.Counters `json:"supervisors"`
	BusDropped  uint64                    `json:"bus_dropped"`
}

const statusNotifierItems = 20

func (a *App) Status(context.Context) any {
	st := Status{
		StartedAt:   a.startedAt,
		Uptime:      time.Since(a.startedAt).Truncate(time.Second).String(),
		Scheduler:   a.sched.Snapshot(),
		Shows:       a.shows.Entries(),
		Supervisors: map[string]rtsup.Counters{},
		BusDropped:  eventbus.Dropped(a.bus),
	}
	if rep, ok := a.reaper.Last(); ok {
		rep.Items = nil
		st.LastSweep = &rep
	}
	if rep, ok := a.prober.Last(); ok {
		st.LastProbe = &rep
	}
	hist := a.notif.Snapshot()
	if len(hist) > statusNotifierItems {
		hist = hist[len(hist)-statusNotifierItems:]
	}
	st.Notifier = hist

	for name, sup := range map[string]*rtsup.Supervisor{
		"app":        a.sup,
		"taskengine": a.engine.Supervisor(),
		"notifier":   a.notif.Supervisor(),
		"ops":        a.ops.Supervisor(),
	} {
		if sup != nil {
			st.Supervisors[name] = sup.Counters()
		}
	}
	return st
}
