// Package metrics holds the Prometheus collectors exported on the ops server.
package metrics

import (
	"context"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"radiorec/internal/capture"
	"radiorec/internal/eventbus"
)

// Metrics owns a private registry so tests and reloads never collide with
// the global one.
type Metrics struct {
	Registry *prometheus.Registry

	captureAttempts *prometheus.CounterVec
	captureDuration *prometheus.HistogramVec
	recordings      *prometheus.CounterVec
	captureFailures prometheus.Counter
	stationHealth   *prometheus.CounterVec
	rediscoveries   prometheus.Counter
	reaperRows      *prometheus.CounterVec
	reaperFreed     prometheus.Counter
	tasks           *prometheus.CounterVec
	scheduledShows  prometheus.Gauge
}

// New registers every collector on a fresh registry.
func New() *Metrics {
	m := &Metrics{
		Registry: prometheus.NewRegistry(),
		captureAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "radiorec_capture_attempts_total",
			Help: "Capture attempts by tool and outcome.",
		}, []string{"tool", "outcome"}),
		captureDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "radiorec_capture_attempt_seconds",
			Help:    "Wall time of a single capture attempt.",
			Buckets: []float64{1, 5, 15, 60, 300, 900, 1800, 3600, 7200, 14400},
		}, []string{"tool"}),
		recordings: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "radiorec_recordings_total",
			Help: "Recordings created, by kind and quality.",
		}, []string{"kind", "quality"}),
		captureFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "radiorec_capture_failures_total",
			Help: "Captures whose ladder was exhausted.",
		}),
		stationHealth: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "radiorec_station_probes_total",
			Help: "Prober verdicts by result.",
		}, []string{"result"}),
		rediscoveries: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "radiorec_station_url_changes_total",
			Help: "Stream URLs replaced after directory rediscovery.",
		}),
		reaperRows: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "radiorec_reaper_rows_total",
			Help: "Rows handled by the retention reaper.",
		}, []string{"outcome"}),
		reaperFreed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "radiorec_reaper_freed_bytes_total",
			Help: "Bytes released by the retention reaper.",
		}),
		tasks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "radiorec_task_events_total",
			Help: "Task engine lifecycle events.",
		}, []string{"event"}),
		scheduledShows: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "radiorec_scheduled_shows",
			Help: "Shows with a live scheduler entry.",
		}),
	}
	m.Registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.captureAttempts,
		m.captureDuration,
		m.recordings,
		m.captureFailures,
		m.stationHealth,
		m.rediscoveries,
		m.reaperRows,
		m.reaperFreed,
		m.tasks,
		m.scheduledShows,
	)
	return m
}

// ObserveAttempt is a capture.Ladder OnAttempt hook.
func (m *Metrics) ObserveAttempt(a capture.Attempt) {
	if m == nil {
		return
	}
	outcome := "success"
	switch {
	case capture.IsForbidden(a.Err):
		outcome = "forbidden"
	case a.Err != nil:
		outcome = "failure"
	}
	m.captureAttempts.WithLabelValues(string(a.Tool), outcome).Inc()
	m.captureDuration.WithLabelValues(string(a.Tool)).Observe(a.Elapsed.Seconds())
}

// SetScheduledShows records the scheduler entry count after a reconcile.
func (m *Metrics) SetScheduledShows(n int) {
	if m == nil {
		return
	}
	m.scheduledShows.Set(float64(n))
}

// Run consumes bus events until ctx is done.
func (m *Metrics) Run(ctx context.Context, bus eventbus.Bus) error {
	ch, unsub := bus.Subscribe(256)
	defer unsub()
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-ch:
			if !ok {
				return nil
			}
			m.Observe(ev)
		}
	}
}

// Observe folds one event into the counters.
func (m *Metrics) Observe(ev eventbus.Event) {
	switch d := ev.Data.(type) {
	case eventbus.RecordingCreated:
		kind := "scheduled"
		if d.Manual {
			kind = "manual"
		}
		quality := "ok"
		if d.Warning != "" {
			quality = "warning"
		}
		m.recordings.WithLabelValues(kind, quality).Inc()
	case eventbus.CaptureFailed:
		m.captureFailures.Inc()
	case eventbus.StationHealth:
		m.stationHealth.WithLabelValues(d.Result).Inc()
		if d.URLChanged {
			m.rediscoveries.Inc()
		}
	case eventbus.SweepFinished:
		if d.DryRun {
			return
		}
		m.reaperRows.WithLabelValues("deleted").Add(float64(d.Deleted))
		m.reaperRows.WithLabelValues("missing_file").Add(float64(d.MissingFiles))
		m.reaperRows.WithLabelValues("error").Add(float64(d.Errors))
		m.reaperFreed.Add(float64(d.FreedBytes))
	default:
		if name, ok := strings.CutPrefix(ev.Type, "task."); ok {
			m.tasks.WithLabelValues(name).Inc()
		}
	}
}
