package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"radiorec/internal/eventbus"
	"radiorec/internal/task/engine"
	logx "radiorec/pkg/logx"
)

// Config controls the trigger service.
type Config struct {
	Enabled  bool
	Timezone string // IANA TZ, e.g. "Europe/Berlin"
}

// Re-export execution types from engine.
type OverlapPolicy = engine.OverlapPolicy

type TaskOptions = engine.TaskOptions

type HistoryItem = engine.HistoryItem

const (
	OverlapAllow         = engine.OverlapAllow
	OverlapSkipIfRunning = engine.OverlapSkipIfRunning
)

type scheduleDef struct {
	id      string
	name    string
	spec    string        // cron spec, or "@every <d>" for intervals
	every   time.Duration // > 0 for interval schedules
	timeout time.Duration
	job     func(ctx context.Context) error
	entryID cron.EntryID
	spread  time.Duration // first-run offset of interval schedules
	opt     TaskOptions
	state   *engine.RunState
}

// Service is the cron trigger table. It never executes jobs itself;
// every firing becomes an engine task.
type Service struct {
	mu sync.Mutex

	log logx.Logger
	cfg Config
	loc *time.Location
	bus eventbus.Bus

	engine *engine.Service

	parser cron.Parser
	c      *cron.Cron
	defs   []scheduleDef

	// Enqueue error throttling: key is schedule name.
	enqMu       sync.Mutex
	lastEnqWarn map[string]time.Time
}

// ScheduleInfo is one trigger table row. Kind is "show" for show captures
// and "job" for maintenance intervals.
type ScheduleInfo struct {
	ID          string        `json:"id"`
	Name        string        `json:"name"`
	Kind        string        `json:"kind"`
	Spec        string        `json:"spec"`
	Timeout     time.Duration `json:"timeout,omitempty"`
	StartOffset time.Duration `json:"start_offset,omitempty"`
	Next        time.Time     `json:"next"`
	Prev        time.Time     `json:"prev"`
	Running     bool          `json:"running"`
}

type Snapshot struct {
	Enabled   bool            `json:"enabled"`
	Timezone  string          `json:"timezone"`
	Shows     int             `json:"shows"`
	Jobs      int             `json:"jobs"`
	Engine    engine.Snapshot `json:"engine"`
	Schedules []ScheduleInfo  `json:"schedules"`
}
