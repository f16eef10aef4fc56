package metrics

import (
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"radiorec/internal/capture"
	"radiorec/internal/eventbus"
)

func TestObserveAttempt(t *testing.T) {
	t.Parallel()
	m := New()
	m.ObserveAttempt(capture.Attempt{Tool: capture.ToolFFmpeg, Elapsed: time.Second})
	m.ObserveAttempt(capture.Attempt{Tool: capture.ToolFFmpeg, Err: &capture.Failure{Tool: capture.ToolFFmpeg, Err: capture.ErrAccessForbidden}})
	m.ObserveAttempt(capture.Attempt{Tool: capture.ToolFetch, Err: errors.New("boom")})

	cases := []struct {
		tool, outcome string
		want          float64
	}{
		{"ffmpeg", "success", 1},
		{"ffmpeg", "forbidden", 1},
		{"fetch", "failure", 1},
		{"streamripper", "success", 0},
	}
	for _, tc := range cases {
		if got := testutil.ToFloat64(m.captureAttempts.WithLabelValues(tc.tool, tc.outcome)); got != tc.want {
			t.Fatalf("attempts{%s,%s} = %v, want %v", tc.tool, tc.outcome, got, tc.want)
		}
	}
}

func TestObserveEvents(t *testing.T) {
	t.Parallel()
	m := New()
	m.Observe(eventbus.Event{Type: eventbus.TypeRecordingCreated, Data: eventbus.RecordingCreated{Manual: true}})
	m.Observe(eventbus.Event{Type: eventbus.TypeStationHealth, Data: eventbus.StationHealth{Result: "success", URLChanged: true}})
	m.Observe(eventbus.Event{Type: eventbus.TypeSweepFinished, Data: eventbus.SweepFinished{Deleted: 3, Errors: 1, FreedBytes: 100}})
	m.Observe(eventbus.Event{Type: eventbus.TypeSweepFinished, Data: eventbus.SweepFinished{DryRun: true, Deleted: 50}})
	m.Observe(eventbus.Event{Type: "task.skipped"})

	if got := testutil.ToFloat64(m.recordings.WithLabelValues("manual", "ok")); got != 1 {
		t.Fatalf("recordings{manual,ok} = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.rediscoveries); got != 1 {
		t.Fatalf("rediscoveries = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.reaperRows.WithLabelValues("deleted")); got != 3 {
		t.Fatalf("reaper deleted = %v, want 3 (dry runs ignored)", got)
	}
	if got := testutil.ToFloat64(m.tasks.WithLabelValues("skipped")); got != 1 {
		t.Fatalf("task skipped = %v, want 1", got)
	}
}
