package scheduler

import (
	"hash/fnv"
	"time"

	"github.com/robfig/cron/v3"
)

// maxStartupSpread bounds the extra delay before the first run of an
// interval job, so the reaper, prober and reconciler do not all fire together.
const maxStartupSpread = 30 * time.Second

// offsetFirst delays the first firing of an interval job by a fixed offset.
type offsetFirst struct {
	every cron.ConstantDelaySchedule
	first time.Time
}

func (s *offsetFirst) Next(t time.Time) time.Time {
	if t.Before(s.first) {
		return s.first
	}
	return s.every.Next(t)
}

// startupOffset is stable per job name, so a restart keeps the same stagger.
func startupOffset(name string, every time.Duration) time.Duration {
	window := min(every, maxStartupSpread)
	if window <= 0 {
		return 0
	}
	h := fnv.New64a()
	_, _ = h.Write([]byte(name))
	return time.Duration(h.Sum64() % uint64(window))
}

func intervalSchedule(name string, every time.Duration, now time.Time) (cron.Schedule, time.Duration) {
	off := startupOffset(name, every)
	return &offsetFirst{every: cron.Every(every), first: now.Add(every + off)}, off
}
