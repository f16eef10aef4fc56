package postproc

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"radiorec/internal/capture"
	logx "radiorec/pkg/logx"
)

// mp3Frames returns n MPEG-1 layer III frames at 128 kbps / 44.1 kHz.
func mp3Frames(n int) []byte {
	const frameLen = 417
	out := make([]byte, 0, n*frameLen)
	for i := 0; i < n; i++ {
		f := make([]byte, frameLen)
		f[0], f[1], f[2], f[3] = 0xFF, 0xFB, 0x90, 0x00
		out = append(out, f...)
	}
	return out
}

func adtsFrames() []byte {
	b := make([]byte, 256)
	b[0], b[1], b[2], b[3] = 0xFF, 0xF1, 0x50, 0x80
	return b
}

func id3Header(payload int) []byte {
	return []byte{'I', 'D', '3', 3, 0, 0, 0, 0, byte(payload >> 7 & 0x7f), byte(payload & 0x7f)}
}

func TestSniffBytes(t *testing.T) {
	t.Parallel()

	withID3 := append(id3Header(20), make([]byte, 20)...)
	cases := []struct {
		name string
		data []byte
		want Format
	}{
		{"mp3", mp3Frames(3), FormatMP3},
		{"mp3 after garbage", append([]byte("junk"), mp3Frames(3)...), FormatMP3},
		{"adts", adtsFrames(), FormatAAC},
		{"id3 then adts", append(append([]byte{}, withID3...), adtsFrames()...), FormatAAC},
		{"id3 then mp3", append(append([]byte{}, withID3...), mp3Frames(2)...), FormatMP3},
		{"flac", []byte("fLaC\x00\x00\x00\x22"), FormatFLAC},
		{"ogg vorbis", append([]byte("OggS"), []byte("\x00\x02....\x01vorbis")...), FormatOgg},
		{"ogg opus", append([]byte("OggS"), []byte("\x00\x02....OpusHead")...), FormatOpus},
		{"wav", []byte("RIFF\x24\x00\x00\x00WAVEfmt "), FormatWAV},
		{"m4a", []byte("\x00\x00\x00\x20ftypM4A \x00\x00\x00\x00"), FormatM4A},
		{"html", []byte("<html><body>403 Forbidden</body></html>"), FormatUnknown},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			if got := sniffBytes(tc.data); got != tc.want {
				t.Fatalf("sniffBytes = %q, want %q", got, tc.want)
			}
		})
	}
}

func TestSniffFile(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	p := filepath.Join(dir, "capture.stream")
	if err := os.WriteFile(p, append(id3Header(0), mp3Frames(4)...), 0o644); err != nil {
		t.Fatal(err)
	}
	got, err := Sniff(p)
	if err != nil || got != FormatMP3 {
		t.Fatalf("Sniff = %q, %v; want mp3", got, err)
	}
}

// transcodeRunner writes fake output to the last ffmpeg argument, or fails.
type transcodeRunner struct {
	fail   bool
	probe  string
	called int
}

func (r *transcodeRunner) Run(_ context.Context, c capture.Command) capture.ProcResult {
	r.called++
	if c.Stdout != nil {
		fmt.Fprintln(c.Stdout, r.probe)
		return capture.ProcResult{}
	}
	if r.fail {
		return capture.ProcResult{ExitCode: 1, Stderr: "Unknown encoder 'libmp3lame'", Err: errors.New("exit status 1")}
	}
	out := c.Args[len(c.Args)-1]
	_ = os.WriteFile(out, mp3Frames(8), 0o644)
	return capture.ProcResult{}
}

func newProcessor(t *testing.T, r capture.Runner, probe bool) *Processor {
	t.Helper()
	cfg := Config{ScratchDir: t.TempDir(), MinBytesPerSecond: 100}
	if probe {
		cfg.FFprobePath = "ffprobe"
	}
	return New(cfg, r, logx.Nop())
}

func TestNormalizeAllowedRenamesExtension(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	in := filepath.Join(dir, "capture.stream")
	_ = os.WriteFile(in, mp3Frames(4), 0o644)
	r := &transcodeRunner{}
	p := newProcessor(t, r, false)

	got, err := p.Normalize(context.Background(), in, "mp3")
	if err != nil {
		t.Fatalf("Normalize err = %v", err)
	}
	if got.Transcoded || got.Degraded || filepath.Ext(got.Path) != ".mp3" {
		t.Fatalf("Normalize = %+v", got)
	}
	if r.called != 0 {
		t.Fatalf("ffmpeg ran for an allowed container")
	}
}

func TestNormalizeTranscodesAAC(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	in := filepath.Join(dir, "capture.stream")
	_ = os.WriteFile(in, adtsFrames(), 0o644)
	p := newProcessor(t, &transcodeRunner{}, false)

	got, err := p.Normalize(context.Background(), in, "mp3")
	if err != nil {
		t.Fatalf("Normalize err = %v", err)
	}
	if !got.Transcoded || got.Format != FormatMP3 || got.Path != filepath.Join(dir, "capture.mp3") {
		t.Fatalf("Normalize = %+v", got)
	}
	if _, err := os.Stat(in); !os.IsNotExist(err) {
		t.Fatalf("original still present: %v", err)
	}
}

func TestNormalizeDegradedKeepsOriginal(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	in := filepath.Join(dir, "capture.stream")
	_ = os.WriteFile(in, adtsFrames(), 0o644)
	p := newProcessor(t, &transcodeRunner{fail: true}, false)

	got, err := p.Normalize(context.Background(), in, "mp3")
	if err != nil {
		t.Fatalf("Normalize err = %v", err)
	}
	if !got.Degraded || got.Err == nil || got.Format != FormatAAC {
		t.Fatalf("Normalize = %+v, want degraded aac", got)
	}
	if _, err := os.Stat(got.Path); err != nil {
		t.Fatalf("original missing after failed transcode: %v", err)
	}
	if entries, _ := os.ReadDir(p.cfg.ScratchDir); len(entries) != 0 {
		t.Fatalf("scratch holds %d leftover files", len(entries))
	}
}

func TestValidate(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()

	good := filepath.Join(dir, "good.mp3")
	_ = os.WriteFile(good, mp3Frames(10), 0o644) // 4170 bytes
	small := filepath.Join(dir, "small.mp3")
	_ = os.WriteFile(small, mp3Frames(1), 0o644)
	html := filepath.Join(dir, "page.mp3")
	_ = os.WriteFile(html, make([]byte, 5000), 0o644)

	cases := []struct {
		name    string
		path    string
		warning bool
	}{
		{"good", good, false},
		{"too small", small, true},
		{"not audio", html, true},
	}
	p := newProcessor(t, &transcodeRunner{}, false)
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			_, err := p.Validate(context.Background(), tc.path, 40*time.Second)
			if got := IsQualityWarning(err); got != tc.warning {
				t.Fatalf("Validate err = %v, warning %v, want %v", err, got, tc.warning)
			}
		})
	}
	if _, err := os.Stat(small); err != nil {
		t.Fatalf("Validate removed a file: %v", err)
	}
}

func TestValidateProbe(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	path := filepath.Join(dir, "a.mp3")
	_ = os.WriteFile(path, mp3Frames(20), 0o644)

	p := newProcessor(t, &transcodeRunner{probe: "61.25"}, true)
	rep, err := p.Validate(context.Background(), path, time.Minute)
	if err != nil {
		t.Fatalf("Validate err = %v", err)
	}
	if rep.Probed != 61250*time.Millisecond {
		t.Fatalf("Probed = %v, want 61.25s", rep.Probed)
	}

	short := newProcessor(t, &transcodeRunner{probe: "5"}, true)
	if _, err := short.Validate(context.Background(), path, time.Minute); !IsQualityWarning(err) {
		t.Fatalf("Validate err = %v, want quality warning for short decode", err)
	}
}
