// Package health test-records stations, rediscovers dead stream URLs through
// a station directory and writes the verdict back onto the station.
package health

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"radiorec/internal/capture"
	"radiorec/internal/eventbus"
	"radiorec/internal/model"
	"radiorec/internal/storage"
	logx "radiorec/pkg/logx"
)

// Store is the persistence the prober needs.
type Store interface {
	ListProbeCandidates(ctx context.Context, staleBefore time.Time) ([]model.Station, error)
	UpdateStationHealth(ctx context.Context, id int64, h storage.StationHealth) error
	SetStationUserAgent(ctx context.Context, id int64, ua string) error
	SetRecommendedTool(ctx context.Context, id int64, tool string) error
	SetStreamURL(ctx context.Context, id int64, url string) error
}

// Capturer is the capture ladder.
type Capturer interface {
	Capture(ctx context.Context, t capture.Target) (capture.Outcome, error)
}

// Config holds prober settings.
type Config struct {
	Window        time.Duration // default 24h
	ProbeDuration time.Duration // default 10s
	Concurrency   int           // default 2
	ScratchDir    string
	MinScore      float64 // default 0.5
}

// Verdict is the outcome for one station.
type Verdict struct {
	StationID   int64        `json:"station_id"`
	Station     string       `json:"station"`
	Result      string       `json:"result"`
	Error       string       `json:"error,omitempty"`
	Tool        capture.Tool `json:"tool,omitempty"`
	UserAgent   string       `json:"user_agent,omitempty"`
	Rediscovery bool         `json:"rediscovery"`
	URLChanged  bool         `json:"url_changed"`
	NewURL      string       `json:"new_url,omitempty"`
}

// CycleReport summarizes one prober pass.
type CycleReport struct {
	Started    time.Time `json:"started"`
	Elapsed    string    `json:"elapsed"`
	Candidates int       `json:"candidates"`
	Succeeded  int       `json:"succeeded"`
	Failed     int       `json:"failed"`
	Healed     int       `json:"healed"`
	Verdicts   []Verdict `json:"verdicts,omitempty"`
}

// Prober runs health cycles.
type Prober struct {
	cfg    Config
	store  Store
	ladder Capturer
	dir    Directory
	bus    eventbus.Bus
	log    logx.Logger
	now    func() time.Time

	mu   sync.Mutex
	last *CycleReport
}

// NewProber builds a prober. A nil directory disables rediscovery.
func NewProber(cfg Config, store Store, ladder Capturer, dir Directory, bus eventbus.Bus, log logx.Logger) *Prober {
	if cfg.Window <= 0 {
		cfg.Window = 24 * time.Hour
	}
	if cfg.ProbeDuration <= 0 {
		cfg.ProbeDuration = 10 * time.Second
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 2
	}
	if cfg.MinScore <= 0 {
		cfg.MinScore = 0.5
	}
	if cfg.ScratchDir == "" {
		cfg.ScratchDir = os.TempDir()
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Prober{
		cfg:    cfg,
		store:  store,
		ladder: ladder,
		dir:    dir,
		bus:    bus,
		log:    log.With(logx.String("comp", "health")),
		now:    time.Now,
	}
}

// Last returns the most recent cycle report.
func (p *Prober) Last() (CycleReport, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.last == nil {
		return CycleReport{}, false
	}
	return *p.last, true
}

// RunCycle probes every station that has not passed within the window or
// whose last result was not a success.
func (p *Prober) RunCycle(ctx context.Context) (CycleReport, error) {
	rep := CycleReport{Started: p.now()}
	stations, err := p.store.ListProbeCandidates(ctx, rep.Started.Add(-p.cfg.Window))
	if err != nil {
		return rep, fmt.Errorf("list probe candidates: %w", err)
	}
	rep.Candidates = len(stations)

	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.cfg.Concurrency)
	for _, st := range stations {
		st := st
		g.Go(func() error {
			if gctx.Err() != nil {
				return gctx.Err()
			}
			v := p.ProbeStation(gctx, st)
			mu.Lock()
			rep.Verdicts = append(rep.Verdicts, v)
			switch {
			case v.Result == string(model.TestSuccess) && v.URLChanged:
				rep.Succeeded++
				rep.Healed++
			case v.Result == string(model.TestSuccess):
				rep.Succeeded++
			default:
				rep.Failed++
			}
			mu.Unlock()
			return nil
		})
	}
	werr := g.Wait()
	rep.Elapsed = time.Since(rep.Started).Round(time.Millisecond).String()

	p.mu.Lock()
	cp := rep
	p.last = &cp
	p.mu.Unlock()

	p.log.Info("health cycle finished",
		logx.Int("candidates", rep.Candidates),
		logx.Int("succeeded", rep.Succeeded),
		logx.Int("failed", rep.Failed),
		logx.Int("healed", rep.Healed),
		logx.String("elapsed", rep.Elapsed),
	)
	if werr != nil && errors.Is(werr, context.Canceled) {
		return rep, werr
	}
	return rep, nil
}

// ProbeStation test-records one station. On failure it asks the directory
// for a replacement URL and retests that URL once.
func (p *Prober) ProbeStation(ctx context.Context, st model.Station) Verdict {
	v := Verdict{StationID: st.ID, Station: st.Name}
	log := p.log.With(logx.Int64("station_id", st.ID), logx.String("station", st.Name))

	tmp, err := os.MkdirTemp(p.cfg.ScratchDir, "probe-")
	if err != nil {
		v.Result, v.Error = string(model.TestError), fmt.Sprintf("probe scratch: %v", err)
		p.record(ctx, log, st, v)
		return v
	}
	defer os.RemoveAll(tmp)

	var probeErr error
	if st.StreamURL == "" {
		probeErr = errors.New("station has no stream url")
	} else {
		out, err := p.try(ctx, st, st.StreamURL, tmp)
		if err == nil {
			v.Result, v.Tool, v.UserAgent = string(model.TestSuccess), out.Tool, out.UserAgent
			p.learn(ctx, log, st, out)
			p.record(ctx, log, st, v)
			return v
		}
		probeErr = err
	}
	if ctx.Err() != nil {
		v.Result, v.Error = string(model.TestError), ctx.Err().Error()
		return v
	}
	log.Info("station probe failed", logx.Err(probeErr))

	if p.dir != nil {
		v.Rediscovery = true
		newURL, derr := p.rediscover(ctx, st)
		switch {
		case derr != nil:
			log.Warn("station rediscovery failed", logx.Err(derr))
		case newURL == "" || newURL == st.StreamURL:
			log.Info("no better stream url in directory")
		default:
			out, err := p.try(ctx, st, newURL, tmp)
			if err == nil {
				if serr := p.store.SetStreamURL(ctx, st.ID, newURL); serr != nil {
					log.Warn("save stream url failed", logx.Err(serr))
				}
				v.Result, v.Tool, v.UserAgent = string(model.TestSuccess), out.Tool, out.UserAgent
				v.URLChanged, v.NewURL = true, newURL
				p.learn(ctx, log, st, out)
				log.Info("station healed with rediscovered url", logx.String("old_url", st.StreamURL), logx.String("new_url", newURL))
				p.record(ctx, log, st, v)
				return v
			}
			probeErr = fmt.Errorf("%w; rediscovered %s also failed: %v", probeErr, newURL, err)
		}
	}

	v.Result, v.Error = string(model.TestFailed), probeErr.Error()
	p.record(ctx, log, st, v)
	return v
}

func (p *Prober) try(ctx context.Context, st model.Station, streamURL, dir string) (capture.Outcome, error) {
	return p.ladder.Capture(ctx, capture.Target{
		StreamURL:   streamURL,
		SavedUA:     st.UserAgent,
		Recommended: st.RecommendedTool,
		Duration:    p.cfg.ProbeDuration,
		ScratchDir:  dir,
	})
}

func (p *Prober) rediscover(ctx context.Context, st model.Station) (string, error) {
	cands, err := p.dir.Search(ctx, Query{Name: st.Name, CallSign: st.CallSign})
	if err != nil {
		return "", err
	}
	best, ok := Best(st, cands, p.cfg.MinScore)
	if !ok {
		return "", nil
	}
	p.log.Debug("directory candidate chosen",
		logx.Int64("station_id", st.ID),
		logx.String("candidate", best.Name),
		logx.Float64("score", best.Score),
	)
	return best.StreamURL(), nil
}

func (p *Prober) learn(ctx context.Context, log logx.Logger, st model.Station, out capture.Outcome) {
	if out.UserAgent != "" && out.UserAgent != st.UserAgent {
		if err := p.store.SetStationUserAgent(ctx, st.ID, out.UserAgent); err != nil {
			log.Warn("save station user agent failed", logx.Err(err))
		}
	}
	if out.Tool != "" && string(out.Tool) != st.RecommendedTool {
		if err := p.store.SetRecommendedTool(ctx, st.ID, string(out.Tool)); err != nil {
			log.Warn("save recommended tool failed", logx.Err(err))
		}
	}
}

func (p *Prober) record(ctx context.Context, log logx.Logger, st model.Station, v Verdict) {
	h := storage.StationHealth{TestedAt: p.now(), Result: v.Result, Error: v.Error}
	switch v.Result {
	case string(model.TestSuccess):
		h.Compatibility = string(model.CompatCompatible)
	case string(model.TestFailed):
		h.Compatibility = string(model.CompatIncompatible)
	}
	if err := p.store.UpdateStationHealth(ctx, st.ID, h); err != nil {
		log.Warn("update station health failed", logx.Err(err))
	}
	eventbus.Emit(p.bus, eventbus.TypeStationHealth, eventbus.StationHealth{
		StationID:   st.ID,
		Station:     st.Name,
		Result:      v.Result,
		Error:       v.Error,
		URLChanged:  v.URLChanged,
		NewURL:      v.NewURL,
		Rediscovery: v.Rediscovery,
	})
}
