package scheduler

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"radiorec/internal/eventbus"
	"radiorec/internal/model"
	"radiorec/internal/schedule"
	"radiorec/internal/task/engine"
	logx "radiorec/pkg/logx"
)

type fakeShows struct {
	mu    sync.Mutex
	shows []model.Show
}

func (f *fakeShows) set(shows ...model.Show) {
	f.mu.Lock()
	f.shows = shows
	f.mu.Unlock()
}

func (f *fakeShows) ListActiveScheduledShows(context.Context) ([]model.Show, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]model.Show, 0, len(f.shows))
	for _, sh := range f.shows {
		if sh.Active && sh.SchedulePattern != "" {
			out = append(out, sh)
		}
	}
	return out, nil
}

func show(id int64, pattern string) model.Show {
	return model.Show{ID: id, Name: "show", SchedulePattern: pattern, Active: true, DurationMinutes: 60}
}

func newTestScheduler(t *testing.T, eng *engine.Service, job ShowJob) (*Service, *ShowScheduler, *fakeShows) {
	t.Helper()
	svc := New(Config{Enabled: true, Timezone: "UTC"}, eng, logx.Nop(), nil)
	src := &fakeShows{}
	if job == nil {
		job = func(context.Context, int64) error { return nil }
	}
	return svc, NewShowScheduler(svc, src, job, logx.Nop()), src
}

func TestReconcileOneEntryPerActiveShow(t *testing.T) {
	t.Parallel()
	svc, ss, src := newTestScheduler(t, nil, nil)
	ctx := context.Background()

	src.set(show(1, "0 18 * * 1-5"), show(2, "not a cron"), show(3, "30 6 * * SAT"), model.Show{ID: 4, SchedulePattern: "0 1 * * *"})
	rep, err := ss.ReconcileAllActiveShows(ctx)
	if err != nil {
		t.Fatalf("Reconcile error: %v", err)
	}
	if rep.Added != 2 || rep.Invalid != 1 || rep.Removed != 0 {
		t.Fatalf("report = %+v, want 2 added, 1 invalid", rep)
	}
	names := svc.Names(showKeyPrefix)
	if len(names) != 2 {
		t.Fatalf("entries = %v, want 2", names)
	}

	p, _ := schedule.Parse("0 18 * * 1-5")
	next := svc.Next(ShowKey(1))
	if next.IsZero() {
		t.Fatal("Next(show:1) is zero")
	}
	if want := p.Next(time.Now().In(time.UTC)); !next.Equal(want) {
		t.Fatalf("Next(show:1) = %s, want %s", next, want)
	}
	if wd := schedule.ISOWeekday(next.Weekday()); wd > 4 || next.Hour() != 18 {
		t.Fatalf("Next(show:1) = %s does not match the pattern", next)
	}

	// Same table again: nothing changes.
	rep, _ = ss.ReconcileAllActiveShows(ctx)
	if rep.Unchanged != 2 || rep.Added+rep.Replaced+rep.Removed != 0 {
		t.Fatalf("second pass = %+v, want 2 unchanged", rep)
	}

	// Pattern edit replaces; vanished show is removed.
	src.set(show(3, "45 6 * * SAT,SUN"))
	rep, _ = ss.ReconcileAllActiveShows(ctx)
	if rep.Replaced != 1 || rep.Removed != 1 {
		t.Fatalf("third pass = %+v, want 1 replaced, 1 removed", rep)
	}
	if spec, ok := svc.Has(ShowKey(3)); !ok || spec != "45 6 * * 0,6" {
		t.Fatalf("show:3 spec = %q (%v)", spec, ok)
	}
	if len(svc.Names(showKeyPrefix)) != 1 {
		t.Fatalf("entries = %v, want 1", svc.Names(showKeyPrefix))
	}
}

func TestScheduleRejectsInvalid(t *testing.T) {
	t.Parallel()
	_, ss, _ := newTestScheduler(t, nil, nil)

	tests := []model.Show{
		{ID: 1, SchedulePattern: "0 18 * * *", Active: false},
		{ID: 2, SchedulePattern: "", Active: true},
		{ID: 3, SchedulePattern: "0 18 * *", Active: true},
		{ID: 4, SchedulePattern: "@hourly", Active: true},
	}
	for _, sh := range tests {
		if _, err := ss.Schedule(sh); !model.IsValidation(err) {
			t.Fatalf("Schedule(%+v) = %v, want ValidationError", sh, err)
		}
	}
}

func TestRescheduleReplacesAndUnschedule(t *testing.T) {
	t.Parallel()
	svc, ss, _ := newTestScheduler(t, nil, nil)
	svc.Start(context.Background())
	t.Cleanup(func() { svc.Stop(context.Background()) })

	for _, pattern := range []string{"0 18 * * *", "0 19 * * *", "0 20 * * *"} {
		next, err := ss.Schedule(show(7, pattern))
		if err != nil {
			t.Fatalf("Schedule(%q) error: %v", pattern, err)
		}
		if next.Hour() != 20 && pattern == "0 20 * * *" {
			t.Fatalf("next = %s, want 20:00", next)
		}
	}
	entries := ss.Entries()
	if len(entries) != 1 || entries[0].Spec != "0 20 * * *" {
		t.Fatalf("entries = %+v, want one 20:00 entry", entries)
	}
	if entries[0].Next.IsZero() {
		t.Fatal("running scheduler should report next fire time")
	}
	if !ss.Unschedule(7) {
		t.Fatal("Unschedule returned false")
	}
	if ss.Unschedule(7) {
		t.Fatal("second Unschedule returned true")
	}
}

func TestReconcilePatternChangeRegeneratesFeed(t *testing.T) {
	t.Parallel()
	bus := eventbus.New()
	svc := New(Config{Enabled: true, Timezone: "UTC"}, nil, logx.Nop(), bus)
	src := &fakeShows{}
	ss := NewShowScheduler(svc, src, func(context.Context, int64) error { return nil }, logx.Nop())
	events, unsub := bus.Subscribe(8)
	defer unsub()
	ctx := context.Background()

	src.set(show(1, "0 18 * * 1-5"), show(2, "0 6 * * *"))
	if _, err := ss.ReconcileAllActiveShows(ctx); err != nil {
		t.Fatal(err)
	}
	src.set(show(1, "30 18 * * 1-5"), show(2, "0 6 * * *"))
	rep, err := ss.ReconcileAllActiveShows(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if rep.Replaced != 1 || rep.Unchanged != 1 {
		t.Fatalf("report = %+v, want 1 replaced, 1 unchanged", rep)
	}

	var feeds []int64
	for len(events) > 0 {
		ev := <-events
		if ev.Type != eventbus.TypeFeedRegenerate {
			continue
		}
		if d, ok := ev.Data.(eventbus.FeedRegenerate); ok {
			feeds = append(feeds, d.ShowID)
		}
	}
	if len(feeds) != 1 || feeds[0] != 1 {
		t.Fatalf("feed.regenerate for shows %v, want [1]", feeds)
	}
}

func TestOverlappingFiresSkipSecond(t *testing.T) {
	t.Parallel()
	eng := engine.New(engine.Config{Enabled: true, Workers: 2, QueueSize: 4}, logx.Nop(), nil)
	eng.Start(context.Background())
	t.Cleanup(func() { eng.Stop(context.Background()) })

	release := make(chan struct{})
	started := make(chan struct{}, 2)
	var active, runs atomic.Int32
	job := func(ctx context.Context, id int64) error {
		runs.Add(1)
		if active.Add(1) > 1 {
			t.Errorf("two captures in flight for show %d", id)
		}
		started <- struct{}{}
		<-release
		active.Add(-1)
		return nil
	}
	svc, ss, _ := newTestScheduler(t, eng, job)
	if _, err := ss.Schedule(show(9, "*/5 * * * *")); err != nil {
		t.Fatal(err)
	}

	if err := svc.fireByName(ShowKey(9)); err != nil {
		t.Fatalf("first fire error: %v", err)
	}
	<-started
	// A pattern edit mid-capture keeps the same in-flight gate.
	if _, err := ss.Schedule(show(9, "*/10 * * * *")); err != nil {
		t.Fatal(err)
	}
	if err := svc.fireByName(ShowKey(9)); !errors.Is(err, engine.ErrOverlapSkip) {
		t.Fatalf("second fire = %v, want ErrOverlapSkip", err)
	}
	close(release)

	deadline := time.Now().Add(2 * time.Second)
	for ss.State(9).Running() {
		if time.Now().After(deadline) {
			t.Fatal("capture never finished")
		}
		time.Sleep(10 * time.Millisecond)
	}
	if got := runs.Load(); got != 1 {
		t.Fatalf("runs = %d, want 1", got)
	}
}

func TestShowsStartTogetherOnSmallPool(t *testing.T) {
	t.Parallel()
	eng := engine.New(engine.Config{Enabled: true, Workers: 1, QueueSize: 1, DefaultTimeout: 10 * time.Millisecond}, logx.Nop(), nil)
	eng.Start(context.Background())
	t.Cleanup(func() { eng.Stop(context.Background()) })

	release := make(chan struct{})
	defer close(release)
	started := make(chan int64, 5)
	job := func(ctx context.Context, id int64) error {
		if _, ok := ctx.Deadline(); ok {
			t.Errorf("show %d capture got a task deadline", id)
		}
		started <- id
		<-release
		return nil
	}
	svc, ss, _ := newTestScheduler(t, eng, job)
	for id := int64(1); id <= 5; id++ {
		if _, err := ss.Schedule(show(id, "0 18 * * 1-5")); err != nil {
			t.Fatal(err)
		}
	}
	for id := int64(1); id <= 5; id++ {
		if err := svc.fireByName(ShowKey(id)); err != nil {
			t.Fatalf("fire show %d error: %v", id, err)
		}
	}
	for i := 0; i < 5; i++ {
		select {
		case <-started:
		case <-time.After(2 * time.Second):
			t.Fatalf("captures started = %d of 5 fired", i)
		}
	}
}

func TestTimezoneChangeKeepsEntries(t *testing.T) {
	t.Parallel()
	svc, ss, _ := newTestScheduler(t, nil, nil)
	svc.Start(context.Background())
	t.Cleanup(func() { svc.Stop(context.Background()) })

	if _, err := ss.Schedule(show(1, "0 6 * * *")); err != nil {
		t.Fatal(err)
	}
	svc.Apply(Config{Enabled: true, Timezone: "America/New_York"})
	next := svc.Next(ShowKey(1))
	if next.IsZero() {
		t.Fatal("entry lost after timezone restart")
	}
	if loc := next.Location().String(); loc != "America/New_York" {
		t.Fatalf("next location = %s, want America/New_York", loc)
	}
	if next.Hour() != 6 {
		t.Fatalf("next = %s, want 06:00 local", next)
	}
}
