package scheduler

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"

	"radiorec/internal/task/engine"
	logx "radiorec/pkg/logx"
)

// AddCronOpt registers (or replaces, by name) a 5-field cron schedule.
// A nil state gets a fresh RunState.
func (s *Service) AddCronOpt(name, spec string, timeout time.Duration, opt TaskOptions, state *engine.RunState, job func(ctx context.Context) error) (string, error) {
	if _, err := s.parser.Parse(spec); err != nil {
		return "", fmt.Errorf("schedule %s: %w", name, err)
	}
	return s.add(scheduleDef{
		id:      fmt.Sprintf("cron:%d", time.Now().UnixNano()),
		name:    name,
		spec:    spec,
		timeout: timeout,
		job:     job,
		opt:     opt,
		state:   state,
	})
}

// AddIntervalOpt registers (or replaces, by name) a fixed interval schedule.
// The first run is staggered by a per-name offset of up to 30s past the first interval.
func (s *Service) AddIntervalOpt(name string, every time.Duration, timeout time.Duration, opt TaskOptions, job func(ctx context.Context) error) (string, error) {
	if every <= 0 {
		return "", fmt.Errorf("schedule %s: interval must be > 0", name)
	}
	return s.add(scheduleDef{
		id:      fmt.Sprintf("interval:%d", time.Now().UnixNano()),
		name:    name,
		spec:    fmt.Sprintf("@every %s", every),
		every:   every,
		timeout: timeout,
		job:     job,
		opt:     opt,
	})
}

func (s *Service) add(d scheduleDef) (string, error) {
	if strings.TrimSpace(d.name) == "" {
		return "", errors.New("name required")
	}
	if d.job == nil {
		return "", errors.New("job required")
	}
	if d.state == nil {
		d.state = &engine.RunState{}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	// Upsert by name so reconciliation never appends duplicates.
	_ = s.removeScheduleLocked(d.name)
	s.defs = append(s.defs, d)
	if s.c == nil {
		// Not started yet: keep the definition and register when Start() runs.
		return d.name, nil
	}
	def := &s.defs[len(s.defs)-1]
	if err := s.addCronLocked(def); err != nil {
		s.log.Error("schedule register failed", logx.String("name", d.name), logx.String("spec", d.spec), logx.Err(err))
		return d.name, err
	}
	args := []logx.Field{logx.String("name", d.name), logx.String("spec", d.spec)}
	if next := s.previewNextRunsLocked(d.spec, 3); next != "" {
		args = append(args, logx.String("next", next))
	}
	s.log.Debug("schedule registered", args...)
	return d.name, nil
}

// Remove unschedules the named schedule. It returns true if something was removed.
// Safe to call before Start.
func (s *Service) Remove(name string) bool {
	name = strings.TrimSpace(name)
	if name == "" {
		return false
	}
	s.mu.Lock()
	removed := s.removeScheduleLocked(name)
	s.mu.Unlock()
	if removed {
		s.log.Debug("schedule removed", logx.String("name", name))
	}
	return removed
}

// Has reports whether name is registered and returns its spec.
func (s *Service) Has(name string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, d := range s.defs {
		if d.name == name {
			return d.spec, true
		}
	}
	return "", false
}

// Next returns the next fire time of name, or zero when unknown or not started.
func (s *Service) Next(name string) time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, d := range s.defs {
		if d.name != name {
			continue
		}
		if s.c != nil && d.entryID != 0 {
			return s.c.Entry(d.entryID).Next
		}
		if d.every > 0 {
			return time.Time{}
		}
		sched, err := s.parser.Parse(d.spec)
		if err != nil {
			return time.Time{}
		}
		return sched.Next(time.Now().In(s.locLocked()))
	}
	return time.Time{}
}

// Names lists registered schedule names with the given prefix.
func (s *Service) Names(prefix string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []string
	for _, d := range s.defs {
		if strings.HasPrefix(d.name, prefix) {
			out = append(out, d.name)
		}
	}
	return out
}

// removeScheduleLocked removes all defs matching name and unregisters them from cron if running.
// Call with s.mu held.
func (s *Service) removeScheduleLocked(name string) bool {
	removed := false
	n := 0
	for _, d := range s.defs {
		if d.name == name {
			if s.c != nil && d.entryID != 0 {
				s.c.Remove(d.entryID)
			}
			removed = true
			continue
		}
		s.defs[n] = d
		n++
	}
	s.defs = s.defs[:n]
	return removed
}

func (s *Service) addCronLocked(d *scheduleDef) error {
	def := *d
	job := cron.FuncJob(func() {
		if err := s.fire(def); err != nil {
			s.onEnqueueError(def.name, err)
		}
	})

	if d.every > 0 {
		sched, off := intervalSchedule(d.name, d.every, time.Now().In(s.locLocked()))
		d.spread = off
		d.entryID = s.c.Schedule(sched, job)
		return nil
	}

	eid, err := s.c.AddJob(d.spec, job)
	if err != nil {
		return err
	}
	d.entryID = eid
	return nil
}

// fire hands one trigger to the engine without blocking the cron goroutine.
func (s *Service) fire(d scheduleDef) error {
	if s.engine == nil {
		return engine.ErrStopped
	}
	return s.engine.Enqueue(engine.Task{
		Name:    d.name,
		Timeout: d.timeout,
		Run:     d.job,
		Opt:     d.opt,
		State:   d.state,
	})
}

// fireByName triggers a registered schedule immediately.
func (s *Service) fireByName(name string) error {
	s.mu.Lock()
	var (
		def   scheduleDef
		found bool
	)
	for _, d := range s.defs {
		if d.name == name {
			def, found = d, true
			break
		}
	}
	s.mu.Unlock()
	if !found {
		return fmt.Errorf("schedule %s not registered", name)
	}
	return s.fire(def)
}

func (s *Service) restartLocked() {
	if s.c != nil {
		<-s.c.Stop().Done()
	}
	loc := s.loadLocationLocked()
	s.loc = loc
	s.c = cron.New(cron.WithParser(s.parser), cron.WithLocation(loc))
	for i := range s.defs {
		if err := s.addCronLocked(&s.defs[i]); err != nil {
			s.log.Error("schedule register failed", logx.String("name", s.defs[i].name), logx.Err(err))
		}
	}
	s.c.Start()
	s.log.Info("service restarted", logx.String("tz", loc.String()), logx.Int("schedules", len(s.defs)))
}

func (s *Service) locLocked() *time.Location {
	if s.loc != nil {
		return s.loc
	}
	return s.loadLocationLocked()
}

func (s *Service) loadLocationLocked() *time.Location {
	tz := strings.TrimSpace(s.cfg.Timezone)
	if tz == "" {
		return time.Local
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		s.log.Warn("invalid timezone; falling back to Local", logx.String("tz", tz), logx.Err(err))
		return time.Local
	}
	return loc
}

// previewNextRunsLocked returns a short list of upcoming run times for a cron spec.
// Call with s.mu held.
func (s *Service) previewNextRunsLocked(spec string, n int) string {
	if n <= 0 || !s.log.Enabled(logx.LevelDebug) {
		return ""
	}
	sched, err := s.parser.Parse(spec)
	if err != nil {
		return ""
	}
	t := time.Now().In(s.locLocked())
	var b strings.Builder
	for i := 0; i < n; i++ {
		t = sched.Next(t)
		if t.IsZero() {
			break
		}
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(t.Format("2006-01-02 15:04"))
	}
	return b.String()
}
