package storage

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"radiorec/internal/model"
	logx "radiorec/pkg/logx"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	st, err := Open(Config{Path: filepath.Join(t.TempDir(), "radiorec.db")}, logx.Nop())
	if err != nil {
		t.Fatalf("Open error: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func seedShow(t *testing.T, st *Store, pattern string) (model.Station, model.Show) {
	t.Helper()
	ctx := context.Background()
	sid, err := st.CreateStation(ctx, model.Station{Name: "Radio One", CallSign: "KONE", StreamURL: "http://example.test/live"})
	if err != nil {
		t.Fatalf("CreateStation error: %v", err)
	}
	shid, err := st.CreateShow(ctx, model.Show{StationID: sid, Name: "Evening", SchedulePattern: pattern, DurationMinutes: 60, Active: true, RetentionDays: 7})
	if err != nil {
		t.Fatalf("CreateShow error: %v", err)
	}
	station, _ := st.GetStation(ctx, sid)
	show, _ := st.GetShow(ctx, shid)
	return station, show
}

func TestInsertRecordingIsIdempotentByFilename(t *testing.T) {
	t.Parallel()
	st := openTestStore(t)
	ctx := context.Background()
	_, show := seedShow(t, st, "0 18 * * 1-5")

	rec := model.Recording{ShowID: show.ID, Filename: "KONE_evening_20260302_180000.mp3", RecordedAt: time.Unix(1_772_474_400, 0), FileSizeBytes: 1 << 20}
	id1, created1, err := st.InsertRecording(ctx, rec)
	if err != nil || !created1 {
		t.Fatalf("first insert = (%d, %v, %v)", id1, created1, err)
	}
	rec.Title = "changed"
	id2, created2, err := st.InsertRecording(ctx, rec)
	if err != nil {
		t.Fatalf("second insert error: %v", err)
	}
	if created2 || id2 != id1 {
		t.Fatalf("second insert = (%d, %v), want (%d, false)", id2, created2, id1)
	}
	all, err := st.ListRecordings(ctx, show.ID, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 1 {
		t.Fatalf("rows = %d, want 1", len(all))
	}
	if all[0].SourceType != model.SourceRecorded {
		t.Fatalf("SourceType = %q, want recorded", all[0].SourceType)
	}
}

func TestSetRecordingSize(t *testing.T) {
	t.Parallel()
	st := openTestStore(t)
	ctx := context.Background()
	_, show := seedShow(t, st, "")

	id, _, err := st.InsertRecording(ctx, model.Recording{ShowID: show.ID, Filename: "a.mp3", RecordedAt: time.Unix(1_772_474_400, 0), FileSizeBytes: 100})
	if err != nil {
		t.Fatal(err)
	}
	if err := st.SetRecordingSize(ctx, id, 228); err != nil {
		t.Fatalf("SetRecordingSize error: %v", err)
	}
	got, err := st.GetRecording(ctx, id)
	if err != nil || got.FileSizeBytes != 228 {
		t.Fatalf("file_size_bytes = %d, %v; want 228", got.FileSizeBytes, err)
	}
	if err := st.SetRecordingSize(ctx, id+99, 1); !errors.Is(err, model.ErrNotFound) {
		t.Fatalf("missing row err = %v, want ErrNotFound", err)
	}
}

func TestListExpiredSkipsNullExpiry(t *testing.T) {
	t.Parallel()
	st := openTestStore(t)
	ctx := context.Background()
	_, show := seedShow(t, st, "")

	now := time.Unix(1_800_000_000, 0)
	past := now.Add(-time.Hour)
	future := now.Add(time.Hour)
	rows := []model.Recording{
		{ShowID: show.ID, Filename: "a.mp3", RecordedAt: now, ExpiresAt: &past},
		{ShowID: show.ID, Filename: "b.mp3", RecordedAt: now, ExpiresAt: nil},
		{ShowID: show.ID, Filename: "c.mp3", RecordedAt: now, ExpiresAt: &future},
		{ShowID: show.ID, Filename: "d.mp3", RecordedAt: now, ExpiresAt: &now},
	}
	for _, r := range rows {
		if _, _, err := st.InsertRecording(ctx, r); err != nil {
			t.Fatal(err)
		}
	}

	got, err := st.ListExpired(ctx, now, 0, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 || got[0].Filename != "a.mp3" || got[1].Filename != "d.mp3" {
		t.Fatalf("ListExpired = %+v, want a.mp3 and d.mp3", got)
	}

	page, err := st.ListExpired(ctx, now, got[0].ID, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(page) != 1 || page[0].Filename != "d.mp3" {
		t.Fatalf("ListExpired after %d = %+v", got[0].ID, page)
	}
}

func TestLatestScheduledRecordingIgnoresManual(t *testing.T) {
	t.Parallel()
	st := openTestStore(t)
	ctx := context.Background()
	_, show := seedShow(t, st, "0 18 * * *")
	now := time.Unix(1_800_000_000, 0)

	if _, _, err := st.InsertRecording(ctx, model.Recording{ShowID: show.ID, Filename: "m_test.mp3", RecordedAt: now, Manual: true}); err != nil {
		t.Fatal(err)
	}
	if _, ok, err := st.LatestScheduledRecording(ctx, show.ID, now.Add(-30*time.Minute)); err != nil || ok {
		t.Fatalf("LatestScheduledRecording = (%v, %v), want no match", ok, err)
	}

	if _, _, err := st.InsertRecording(ctx, model.Recording{ShowID: show.ID, Filename: "s.mp3", RecordedAt: now.Add(-10 * time.Minute)}); err != nil {
		t.Fatal(err)
	}
	rec, ok, err := st.LatestScheduledRecording(ctx, show.ID, now.Add(-30*time.Minute))
	if err != nil || !ok || rec.Filename != "s.mp3" {
		t.Fatalf("LatestScheduledRecording = (%+v, %v, %v)", rec, ok, err)
	}
}

func TestStationHealthAndCandidates(t *testing.T) {
	t.Parallel()
	st := openTestStore(t)
	ctx := context.Background()
	station, _ := seedShow(t, st, "")
	now := time.Unix(1_800_000_000, 0)

	cands, err := st.ListProbeCandidates(ctx, now.Add(-24*time.Hour))
	if err != nil || len(cands) != 1 {
		t.Fatalf("untested station should be a candidate: %v %v", cands, err)
	}

	if err := st.UpdateStationHealth(ctx, station.ID, StationHealth{TestedAt: now, Result: string(model.TestSuccess), Compatibility: string(model.CompatCompatible)}); err != nil {
		t.Fatal(err)
	}
	cands, _ = st.ListProbeCandidates(ctx, now.Add(-24*time.Hour))
	if len(cands) != 0 {
		t.Fatalf("fresh healthy station should not be a candidate: %+v", cands)
	}

	if err := st.UpdateStationHealth(ctx, station.ID, StationHealth{TestedAt: now, Result: string(model.TestFailed), Error: "403"}); err != nil {
		t.Fatal(err)
	}
	got, _ := st.GetStation(ctx, station.ID)
	if got.Compatibility != model.CompatCompatible {
		t.Fatalf("empty compatibility must not overwrite, got %q", got.Compatibility)
	}
	if got.LastTestResult != model.TestFailed || got.LastTestError != "403" {
		t.Fatalf("health = %q/%q", got.LastTestResult, got.LastTestError)
	}
	cands, _ = st.ListProbeCandidates(ctx, now.Add(-24*time.Hour))
	if len(cands) != 1 {
		t.Fatalf("failed station should be a candidate")
	}
}

func TestShowUpdatesAndNotFound(t *testing.T) {
	t.Parallel()
	st := openTestStore(t)
	ctx := context.Background()
	_, show := seedShow(t, st, "0 18 * * *")

	active, _ := st.ListActiveScheduledShows(ctx)
	if len(active) != 1 {
		t.Fatalf("active = %d, want 1", len(active))
	}
	if err := st.UpdateShowSchedule(ctx, show.ID, "", "playlist only"); err != nil {
		t.Fatal(err)
	}
	active, _ = st.ListActiveScheduledShows(ctx)
	if len(active) != 0 {
		t.Fatalf("unpatterned show listed as scheduled")
	}
	if err := st.SetShowActive(ctx, 999, false); !errors.Is(err, model.ErrNotFound) {
		t.Fatalf("SetShowActive(999) = %v, want ErrNotFound", err)
	}
	if _, err := st.GetShow(ctx, 999); !errors.Is(err, model.ErrNotFound) {
		t.Fatalf("GetShow(999) = %v, want ErrNotFound", err)
	}
}
