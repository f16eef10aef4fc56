package scheduler

import (
	"errors"
	"time"

	"radiorec/internal/eventbus"
	"radiorec/internal/task/engine"
	logx "radiorec/pkg/logx"
)

// EventTriggerDropped is published when a firing never reaches the engine.
const EventTriggerDropped = "task.trigger_dropped"

// TriggerDropped is the payload of EventTriggerDropped.
type TriggerDropped struct {
	Schedule string `json:"schedule"`
	Error    string `json:"error"`
}

const enqueueWarnEvery = 5 * time.Second

func (s *Service) onEnqueueError(name string, err error) {
	if err == nil {
		return
	}
	// A show still recording when its next slot fires is normal; the engine
	// has already published task.skipped.
	if errors.Is(err, engine.ErrOverlapSkip) {
		s.log.Info("trigger skipped: previous run still in flight", logx.String("schedule", name))
		return
	}
	eventbus.Emit(s.bus, EventTriggerDropped, TriggerDropped{Schedule: name, Error: err.Error()})
	if s.allowWarn(name, time.Now()) {
		s.log.Warn("trigger failed to enqueue", logx.String("schedule", name), logx.Err(err))
	}
}

func (s *Service) allowWarn(name string, now time.Time) bool {
	s.enqMu.Lock()
	defer s.enqMu.Unlock()
	if last, ok := s.lastEnqWarn[name]; ok && now.Sub(last) < enqueueWarnEvery {
		return false
	}
	s.lastEnqWarn[name] = now
	return true
}
