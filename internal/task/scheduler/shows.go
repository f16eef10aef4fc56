package scheduler

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"radiorec/internal/eventbus"
	"radiorec/internal/model"
	"radiorec/internal/schedule"
	"radiorec/internal/task/engine"
	logx "radiorec/pkg/logx"
)

const showKeyPrefix = "show:"

// ShowKey is the trigger table key of a show.
func ShowKey(showID int64) string {
	return showKeyPrefix + strconv.FormatInt(showID, 10)
}

// ShowSource lists the shows that should have a trigger.
type ShowSource interface {
	ListActiveScheduledShows(ctx context.Context) ([]model.Show, error)
}

// ShowJob runs one scheduled capture. It reloads the show itself, so a
// trigger never acts on stale show data.
type ShowJob func(ctx context.Context, showID int64) error

// ReconcileReport summarizes one reconciliation pass.
type ReconcileReport struct {
	Added     int     `json:"added"`
	Replaced  int     `json:"replaced"`
	Removed   int     `json:"removed"`
	Unchanged int     `json:"unchanged"`
	Invalid   int     `json:"invalid"`
	Active    int     `json:"active"`
	Skipped   []int64 `json:"invalid_show_ids,omitempty"`
}

// ShowScheduler keeps exactly one trigger per active, well-patterned show.
// The trigger table is never persisted; it is derived from the Show table.
type ShowScheduler struct {
	svc *Service
	src ShowSource
	job ShowJob
	log logx.Logger

	mu     sync.Mutex
	states map[int64]*engine.RunState
}

func NewShowScheduler(svc *Service, src ShowSource, job ShowJob, log logx.Logger) *ShowScheduler {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &ShowScheduler{
		svc:    svc,
		src:    src,
		job:    job,
		log:    log,
		states: map[int64]*engine.RunState{},
	}
}

// State returns the in-flight gate of a show. The same gate survives
// re-scheduling, so a pattern edit during a capture cannot start a second one.
func (s *ShowScheduler) State(showID int64) *engine.RunState {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.states[showID]
	if st == nil {
		st = &engine.RunState{}
		s.states[showID] = st
	}
	return st
}

// Schedule registers or replaces the trigger of show and returns its next fire time.
func (s *ShowScheduler) Schedule(show model.Show) (time.Time, error) {
	if !show.Active {
		return time.Time{}, model.Invalid("show", "show %d is inactive", show.ID)
	}
	if strings.TrimSpace(show.SchedulePattern) == "" {
		return time.Time{}, model.Invalid("schedule_pattern", "show %d has no pattern", show.ID)
	}
	p, err := schedule.Parse(show.SchedulePattern)
	if err != nil {
		return time.Time{}, err
	}

	id := show.ID
	key := ShowKey(id)
	run := func(ctx context.Context) error { return s.job(ctx, id) }
	// Captures never share the worker pool with maintenance jobs, and each
	// capture attempt carries its own bound, so the task has no timeout.
	opt := TaskOptions{Overlap: OverlapSkipIfRunning, RetryMax: -1, Dedicated: true}
	if _, err := s.svc.AddCronOpt(key, p.Spec(), 0, opt, s.State(id), run); err != nil {
		return time.Time{}, err
	}

	next := s.svc.Next(key)
	if next.IsZero() {
		next = p.Next(time.Now().In(s.svc.Location()))
	}
	s.log.Info("show scheduled",
		logx.Int64("show_id", id),
		logx.String("show", show.Name),
		logx.String("spec", p.Spec()),
		logx.Time("next", next),
	)
	return next, nil
}

// Unschedule removes the trigger of a show. An in-flight capture keeps running.
func (s *ShowScheduler) Unschedule(showID int64) bool {
	removed := s.svc.Remove(ShowKey(showID))
	if removed {
		s.log.Info("show unscheduled", logx.Int64("show_id", showID))
	}
	return removed
}

// ReconcileAllActiveShows makes the trigger table match the Show table.
// Invalid patterns are logged and skipped; they never fail the pass.
func (s *ShowScheduler) ReconcileAllActiveShows(ctx context.Context) (ReconcileReport, error) {
	var rep ReconcileReport
	shows, err := s.src.ListActiveScheduledShows(ctx)
	if err != nil {
		return rep, fmt.Errorf("list active shows: %w", err)
	}
	rep.Active = len(shows)

	want := make(map[string]struct{}, len(shows))
	for _, sh := range shows {
		if ctx.Err() != nil {
			return rep, ctx.Err()
		}
		key := ShowKey(sh.ID)
		p, err := schedule.Parse(sh.SchedulePattern)
		if err != nil {
			rep.Invalid++
			rep.Skipped = append(rep.Skipped, sh.ID)
			s.log.Warn("show pattern invalid; not scheduled",
				logx.Int64("show_id", sh.ID),
				logx.String("pattern", sh.SchedulePattern),
				logx.Err(err),
			)
			continue
		}
		want[key] = struct{}{}

		cur, ok := s.svc.Has(key)
		switch {
		case ok && cur == p.Spec():
			rep.Unchanged++
			continue
		case ok:
			rep.Replaced++
		default:
			rep.Added++
		}
		if _, err := s.Schedule(sh); err != nil {
			s.log.Warn("show schedule failed", logx.Int64("show_id", sh.ID), logx.Err(err))
			continue
		}
		if ok {
			// A changed pattern is a show edit; the feed carries the schedule text.
			eventbus.Emit(s.svc.bus, eventbus.TypeFeedRegenerate, eventbus.FeedRegenerate{ShowID: sh.ID, Reason: "schedule"})
		}
	}

	for _, name := range s.svc.Names(showKeyPrefix) {
		if _, ok := want[name]; ok {
			continue
		}
		if s.svc.Remove(name) {
			rep.Removed++
			s.log.Info("show trigger removed", logx.String("key", name))
		}
	}

	sort.Slice(rep.Skipped, func(i, j int) bool { return rep.Skipped[i] < rep.Skipped[j] })
	if rep.Added+rep.Replaced+rep.Removed > 0 {
		s.log.Info("shows reconciled",
			logx.Int("active", rep.Active),
			logx.Int("added", rep.Added),
			logx.Int("replaced", rep.Replaced),
			logx.Int("removed", rep.Removed),
			logx.Int("invalid", rep.Invalid),
		)
	}
	return rep, nil
}

// ShowEntry is one show trigger for /status and the CLI.
type ShowEntry struct {
	ShowID  int64     `json:"show_id"`
	Spec    string    `json:"spec"`
	Next    time.Time `json:"next"`
	Prev    time.Time `json:"prev"`
	Running bool      `json:"running"`
}

// Entries lists the show triggers ordered by show id.
func (s *ShowScheduler) Entries() []ShowEntry {
	snap := s.svc.Snapshot()
	out := make([]ShowEntry, 0, len(snap.Schedules))
	for _, it := range snap.Schedules {
		if !strings.HasPrefix(it.Name, showKeyPrefix) {
			continue
		}
		id, err := strconv.ParseInt(strings.TrimPrefix(it.Name, showKeyPrefix), 10, 64)
		if err != nil {
			continue
		}
		out = append(out, ShowEntry{ShowID: id, Spec: it.Spec, Next: it.Next, Prev: it.Prev, Running: it.Running})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ShowID < out[j].ShowID })
	return out
}
