package notifier

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"sync"
	"testing"
	"time"

	"radiorec/internal/capture"
	"radiorec/internal/eventbus"
	logx "radiorec/pkg/logx"

	"github.com/bogem/id3v2"
)

type recordRunner struct {
	mu    sync.Mutex
	calls []capture.Command
	res   capture.ProcResult
}

func (r *recordRunner) Run(_ context.Context, c capture.Command) capture.ProcResult {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, c)
	return r.res
}

func (r *recordRunner) Calls() []capture.Command {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]capture.Command(nil), r.calls...)
}

type fakeTagger struct {
	mu    sync.Mutex
	paths []string
	tags  []Tags
}

func (f *fakeTagger) Tag(path string, t Tags) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.paths = append(f.paths, path)
	f.tags = append(f.tags, t)
	return nil
}

func (f *fakeTagger) Paths() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.paths...)
}

type fakeSender struct {
	mu    sync.Mutex
	texts []string
	fail  int
}

func (f *fakeSender) Send(_ context.Context, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail > 0 {
		f.fail--
		return errors.New("telegram unavailable")
	}
	f.texts = append(f.texts, text)
	return nil
}

func (f *fakeSender) Texts() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.texts...)
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func startService(t *testing.T, cfg Config, runner capture.Runner, opts ...Option) (*Service, eventbus.Bus) {
	t.Helper()
	bus := eventbus.New()
	s := New(cfg, runner, bus, logx.Nop(), opts...)
	ctx, cancel := context.WithCancel(context.Background())
	s.Start(ctx)
	t.Cleanup(func() {
		stopCtx, stopCancel := context.WithTimeout(context.Background(), 2*time.Second)
		s.Stop(stopCtx)
		stopCancel()
		cancel()
	})
	return s, bus
}

func TestHookArgs(t *testing.T) {
	t.Parallel()
	got := HookArgs([]string{"/usr/local/bin/feedgen", "--show={show_id}", "{show_id}"}, 42)
	want := []string{"/usr/local/bin/feedgen", "--show=42", "42"}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("HookArgs = %v, want %v", got, want)
	}
}

func TestFeedHookRunsForRegenerate(t *testing.T) {
	t.Parallel()
	runner := &recordRunner{}
	cfg := Config{FeedHook: []string{"feedgen", "{show_id}"}, FeedHookTimeout: 5 * time.Second}
	s, bus := startService(t, cfg, runner)

	eventbus.Emit(bus, eventbus.TypeFeedRegenerate, eventbus.FeedRegenerate{ShowID: 7, Reason: "recording"})

	waitFor(t, "hook run", func() bool { return len(runner.Calls()) == 1 })
	c := runner.Calls()[0]
	if c.Path != "feedgen" || !reflect.DeepEqual(c.Args, []string{"7"}) {
		t.Fatalf("command = %s %v, want feedgen [7]", c.Path, c.Args)
	}
	if c.Timeout != 5*time.Second {
		t.Fatalf("timeout = %v, want 5s", c.Timeout)
	}
	waitFor(t, "history", func() bool { return len(s.Snapshot()) == 1 })
	if h := s.Snapshot()[0]; h.Kind != "feed" || h.Err != "" {
		t.Fatalf("history = %+v, want successful feed item", h)
	}
}

func TestFeedHookFailureIsRecorded(t *testing.T) {
	t.Parallel()
	runner := &recordRunner{res: capture.ProcResult{ExitCode: 2, Stderr: "boom\nno such show", Err: errors.New("exit status 2")}}
	s, bus := startService(t, Config{FeedHook: []string{"feedgen"}}, runner)

	eventbus.Emit(bus, eventbus.TypeFeedRegenerate, eventbus.FeedRegenerate{ShowID: 3})

	waitFor(t, "history", func() bool { return len(s.Snapshot()) == 1 })
	if h := s.Snapshot()[0]; !strings.Contains(h.Err, "exit 2") {
		t.Fatalf("history err = %q, want exit 2", h.Err)
	}
}

func TestFeedWithoutHookOnlyLogs(t *testing.T) {
	t.Parallel()
	runner := &recordRunner{}
	s, bus := startService(t, Config{}, runner)

	eventbus.Emit(bus, eventbus.TypeFeedRegenerate, eventbus.FeedRegenerate{ShowID: 1})

	waitFor(t, "history", func() bool { return len(s.Snapshot()) == 1 })
	if n := len(runner.Calls()); n != 0 {
		t.Fatalf("runner calls = %d, want 0", n)
	}
}

func TestTaggingOnlyForMP3(t *testing.T) {
	t.Parallel()
	tagger := &fakeTagger{}
	s, bus := startService(t, Config{Tagging: true}, &recordRunner{}, WithTagger(tagger))

	at := time.Date(2026, 3, 2, 18, 0, 0, 0, time.UTC)
	eventbus.Emit(bus, eventbus.TypeRecordingCreated, eventbus.RecordingCreated{Path: "/r/a.m4a", Filename: "a.m4a", RecordedAt: at})
	eventbus.Emit(bus, eventbus.TypeRecordingCreated, eventbus.RecordingCreated{
		Path: "/r/b.MP3", Filename: "b.MP3", ShowName: "Evening News", StationName: "K-One", RecordedAt: at, Tool: "ffmpeg",
	})

	waitFor(t, "tag", func() bool { return len(s.Snapshot()) == 1 })
	if got := tagger.Paths(); !reflect.DeepEqual(got, []string{"/r/b.MP3"}) {
		t.Fatalf("tagged = %v, want [/r/b.MP3]", got)
	}
	want := Tags{Title: "Evening News 2026-03-02", Artist: "K-One", Album: "Evening News", Genre: "Radio", Year: "2026", Comment: "captured with ffmpeg"}
	tagger.mu.Lock()
	got := tagger.tags[0]
	tagger.mu.Unlock()
	if got != want {
		t.Fatalf("tags = %+v, want %+v", got, want)
	}
}

func TestTaggingDisabled(t *testing.T) {
	t.Parallel()
	tagger := &fakeTagger{}
	s, bus := startService(t, Config{Workers: 1}, &recordRunner{}, WithTagger(tagger))

	eventbus.Emit(bus, eventbus.TypeRecordingCreated, eventbus.RecordingCreated{Path: "/r/b.mp3"})
	eventbus.Emit(bus, eventbus.TypeFeedRegenerate, eventbus.FeedRegenerate{ShowID: 1})

	// The feed job is dispatched after the recording event.
	waitFor(t, "feed history", func() bool { return len(s.Snapshot()) == 1 })
	if h := s.Snapshot()[0]; h.Kind != "feed" {
		t.Fatalf("history = %+v, want feed only", h)
	}
	if n := len(tagger.Paths()); n != 0 {
		t.Fatalf("tagged %d files, want 0", n)
	}
}

func TestID3TaggerWritesFrames(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "show.mp3")
	frame := make([]byte, 417)
	copy(frame, []byte{0xFF, 0xFB, 0x90, 0x00})
	var audio []byte
	for i := 0; i < 20; i++ {
		audio = append(audio, frame...)
	}
	if err := os.WriteFile(path, audio, 0o644); err != nil {
		t.Fatal(err)
	}

	in := Tags{Title: "Evening News 2026-03-02", Artist: "K-One", Album: "Evening News", Genre: "Radio", Year: "2026", Comment: "captured with ffmpeg"}
	if err := (ID3Tagger{}).Tag(path, in); err != nil {
		t.Fatalf("Tag: %v", err)
	}

	tag, err := id3v2.Open(path, id3v2.Options{Parse: true})
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer tag.Close()
	if tag.Title() != in.Title || tag.Artist() != in.Artist || tag.Album() != in.Album || tag.Year() != in.Year {
		t.Fatalf("tag = %q/%q/%q/%q, want %+v", tag.Title(), tag.Artist(), tag.Album(), tag.Year(), in)
	}
	comments := tag.GetFrames(tag.CommonID("Comments"))
	if len(comments) != 1 {
		t.Fatalf("comment frames = %d, want 1", len(comments))
	}
	if cf, ok := comments[0].(id3v2.CommentFrame); !ok || cf.Text != in.Comment {
		t.Fatalf("comment = %#v, want %q", comments[0], in.Comment)
	}

	info, err := os.Stat(path)
	if err != nil {
		t.Fatal(err)
	}
	if info.Size() <= int64(len(audio)) {
		t.Fatalf("size = %d, want > %d (tag prepended)", info.Size(), len(audio))
	}
}

type sizeRecorder struct {
	mu    sync.Mutex
	sizes map[int64]int64
}

func (r *sizeRecorder) SetRecordingSize(_ context.Context, id int64, bytes int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.sizes == nil {
		r.sizes = map[int64]int64{}
	}
	r.sizes[id] = bytes
	return nil
}

func (r *sizeRecorder) get(id int64) (int64, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	n, ok := r.sizes[id]
	return n, ok
}

func TestTaggingRefreshesStoredSize(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "show.mp3")
	frame := make([]byte, 417)
	copy(frame, []byte{0xFF, 0xFB, 0x90, 0x00})
	var audio []byte
	for i := 0; i < 20; i++ {
		audio = append(audio, frame...)
	}
	if err := os.WriteFile(path, audio, 0o644); err != nil {
		t.Fatal(err)
	}

	sizes := &sizeRecorder{}
	s, bus := startService(t, Config{Tagging: true}, &recordRunner{}, WithSizeStore(sizes))
	eventbus.Emit(bus, eventbus.TypeRecordingCreated, eventbus.RecordingCreated{
		RecordingID: 42, Path: path, Filename: "show.mp3", ShowName: "Evening News", StationName: "K-One",
		RecordedAt: time.Date(2026, 3, 2, 18, 0, 0, 0, time.UTC), Bytes: int64(len(audio)),
	})

	waitFor(t, "tag", func() bool { return len(s.Snapshot()) == 1 })
	waitFor(t, "size update", func() bool { _, ok := sizes.get(42); return ok })
	info, err := os.Stat(path)
	if err != nil {
		t.Fatal(err)
	}
	if got, _ := sizes.get(42); got != info.Size() || got <= int64(len(audio)) {
		t.Fatalf("stored size = %d, want %d (> %d)", got, info.Size(), len(audio))
	}
}

func TestAlertsDedupAndRoute(t *testing.T) {
	t.Parallel()
	snd := &fakeSender{}
	cfg := Config{Alerts: AlertConfig{RatePerMinute: 600, DedupWindow: time.Minute}}
	_, bus := startService(t, cfg, &recordRunner{}, WithSender(snd))

	failed := eventbus.CaptureFailed{ShowID: 4, Station: "K-One", Error: "exhausted", Attempts: 5}
	eventbus.Emit(bus, eventbus.TypeCaptureFailed, failed)
	eventbus.Emit(bus, eventbus.TypeCaptureFailed, failed)
	eventbus.Emit(bus, eventbus.TypeStationHealth, eventbus.StationHealth{Station: "K-One", Result: "success"})
	eventbus.Emit(bus, eventbus.TypeStationHealth, eventbus.StationHealth{Station: "K-Two", Result: "failed", Error: "connection refused"})

	waitFor(t, "alerts", func() bool { return len(snd.Texts()) == 2 })
	time.Sleep(50 * time.Millisecond)
	texts := snd.Texts()
	if len(texts) != 2 {
		t.Fatalf("sent %d alerts, want 2: %q", len(texts), texts)
	}
	joined := strings.Join(texts, "\n")
	for _, want := range []string{"capture failed for show 4 on K-One after 5 attempts", "station K-Two unhealthy (failed)"} {
		if !strings.Contains(joined, want) {
			t.Fatalf("alerts %q missing %q", texts, want)
		}
	}
}

func TestAlertRetries(t *testing.T) {
	t.Parallel()
	snd := &fakeSender{fail: 1}
	cfg := Config{Alerts: AlertConfig{RatePerMinute: 600, RetryMax: 2, RetryBase: time.Millisecond, RetryMaxDelay: 5 * time.Millisecond}}
	s, bus := startService(t, cfg, &recordRunner{}, WithSender(snd))

	eventbus.Emit(bus, eventbus.TypeStationHealth, eventbus.StationHealth{Station: "K-One", URLChanged: true, NewURL: "http://new/stream", Result: "success"})

	waitFor(t, "alert", func() bool { return len(snd.Texts()) == 1 })
	if got := snd.Texts()[0]; got != "station K-One stream URL updated to http://new/stream" {
		t.Fatalf("alert = %q", got)
	}
	waitFor(t, "history", func() bool { return len(s.Snapshot()) == 1 })
}

func TestRetryDelayBounded(t *testing.T) {
	t.Parallel()
	cfg := AlertConfig{RetryBase: 100 * time.Millisecond, RetryMaxDelay: time.Second}
	for attempt := 1; attempt <= 8; attempt++ {
		d := retryDelay(cfg, attempt)
		if d <= 0 || d > time.Second {
			t.Fatalf("retryDelay(%d) = %v, want (0, 1s]", attempt, d)
		}
	}
}

func TestTelegramSend(t *testing.T) {
	t.Parallel()
	var (
		mu   sync.Mutex
		path string
		body map[string]any
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw, _ := io.ReadAll(r.Body)
		mu.Lock()
		path = r.URL.Path
		_ = json.Unmarshal(raw, &body)
		mu.Unlock()
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{"ok":true,"result":{"message_id":7,"date":0,"chat":{"id":42,"type":"private"}}}`)
	}))
	defer srv.Close()

	tg, err := NewTelegram(TelegramConfig{Token: "tok", ChatID: 42, APIURL: srv.URL})
	if err != nil {
		t.Fatalf("NewTelegram: %v", err)
	}
	if err := tg.Send(context.Background(), "station K-One unhealthy"); err != nil {
		t.Fatalf("Send: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if path != "/bottok/sendMessage" {
		t.Fatalf("path = %q, want /bottok/sendMessage", path)
	}
	if body["text"] != "station K-One unhealthy" {
		t.Fatalf("text = %v", body["text"])
	}
}

func TestNewTelegramValidates(t *testing.T) {
	t.Parallel()
	if _, err := NewTelegram(TelegramConfig{ChatID: 1}); err == nil {
		t.Fatalf("empty token accepted")
	}
	if _, err := NewTelegram(TelegramConfig{Token: "x"}); err == nil {
		t.Fatalf("empty chat accepted")
	}
}
