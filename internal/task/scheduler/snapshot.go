package scheduler

import (
	"sort"
	"strings"
	"time"
)

// Snapshot lists the trigger table for /status: maintenance jobs first,
// then shows, each group ordered by name.
func (s *Service) Snapshot() Snapshot {
	s.mu.Lock()
	snap := Snapshot{Enabled: s.cfg.Enabled, Timezone: s.cfg.Timezone}
	defs := append([]scheduleDef(nil), s.defs...)
	c, loc, eng := s.c, s.loc, s.engine
	s.mu.Unlock()

	if snap.Timezone == "" {
		if loc == nil {
			loc = time.Local
		}
		snap.Timezone = loc.String()
	}

	snap.Schedules = make([]ScheduleInfo, 0, len(defs))
	for _, d := range defs {
		it := ScheduleInfo{
			ID:          d.id,
			Name:        d.name,
			Kind:        "job",
			Spec:        d.spec,
			Timeout:     d.timeout,
			StartOffset: d.spread,
			Running:     d.state.Running(),
		}
		if strings.HasPrefix(d.name, showKeyPrefix) {
			it.Kind = "show"
			snap.Shows++
		} else {
			snap.Jobs++
		}
		if c != nil && d.entryID != 0 {
			e := c.Entry(d.entryID)
			it.Next, it.Prev = e.Next, e.Prev
		}
		snap.Schedules = append(snap.Schedules, it)
	}
	sort.SliceStable(snap.Schedules, func(i, j int) bool {
		a, b := snap.Schedules[i], snap.Schedules[j]
		if a.Kind != b.Kind {
			return a.Kind == "job"
		}
		return a.Name < b.Name
	})

	if eng != nil {
		snap.Engine = eng.Snapshot()
	}
	return snap
}
