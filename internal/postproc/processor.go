package postproc

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"

	"radiorec/internal/capture"
	logx "radiorec/pkg/logx"
)

// Config holds processor settings.
type Config struct {
	ScratchDir        string
	FFmpegPath        string
	FFprobePath       string // empty disables the decode probe
	MinBytesPerSecond int64
	TranscodeTimeout  time.Duration
	Bitrate           string
	DisableNormalize  bool
}

// Processor runs normalize and validate.
type Processor struct {
	cfg    Config
	runner capture.Runner
	log    logx.Logger
}

// New builds a processor. A nil runner uses capture.ExecRunner.
func New(cfg Config, runner capture.Runner, log logx.Logger) *Processor {
	if cfg.FFmpegPath == "" {
		cfg.FFmpegPath = "ffmpeg"
	}
	if cfg.MinBytesPerSecond <= 0 {
		cfg.MinBytesPerSecond = 2000
	}
	if cfg.TranscodeTimeout <= 0 {
		cfg.TranscodeTimeout = 10 * time.Minute
	}
	if cfg.ScratchDir == "" {
		cfg.ScratchDir = os.TempDir()
	}
	if runner == nil {
		runner = capture.ExecRunner{}
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Processor{cfg: cfg, runner: runner, log: log.With(logx.String("comp", "postproc"))}
}

// Normalized is the result of Normalize. Path always points at a usable
// file whose extension matches Format.
type Normalized struct {
	Path       string
	Format     Format
	Transcoded bool
	Degraded   bool
	Err        error
}

// allowed lists which detected containers satisfy a target format.
var allowed = map[string][]Format{
	"mp3":  {FormatMP3},
	"aac":  {FormatAAC, FormatM4A},
	"m4a":  {FormatM4A},
	"ogg":  {FormatOgg},
	"opus": {FormatOpus},
	"flac": {FormatFLAC},
	"wav":  {FormatWAV},
}

// Allowed reports whether detected satisfies target.
func Allowed(target string, detected Format) bool {
	for _, f := range allowed[strings.ToLower(target)] {
		if f == detected {
			return true
		}
	}
	return false
}

// Normalize transcodes path to target when its container is not allowed.
// On transcode failure the original is kept and the result is Degraded.
func (p *Processor) Normalize(ctx context.Context, path, target string) (Normalized, error) {
	target = strings.ToLower(strings.TrimSpace(target))
	if target == "" {
		target = "mp3"
	}
	detected, err := Sniff(path)
	if err != nil {
		return Normalized{}, fmt.Errorf("sniff %s: %w", filepath.Base(path), err)
	}
	if Allowed(target, detected) || p.cfg.DisableNormalize {
		final, err := withExt(path, detected.Ext())
		if err != nil {
			return Normalized{}, err
		}
		return Normalized{Path: final, Format: detected}, nil
	}

	tmp := filepath.Join(p.cfg.ScratchDir, "transcode-"+uuid.NewString()+"."+target)
	args := []string{"-hide_banner", "-nostdin", "-loglevel", "error", "-y", "-i", path, "-vn", "-map", "0:a:0"}
	args = append(args, capture.EncoderArgs(target, p.cfg.Bitrate)...)
	args = append(args, tmp)

	started := time.Now()
	pr := p.runner.Run(ctx, capture.Command{Path: p.cfg.FFmpegPath, Args: args, Dir: p.cfg.ScratchDir, Timeout: p.cfg.TranscodeTimeout})
	terr := transcodeErr(pr, tmp)
	if terr == nil {
		out := strings.TrimSuffix(path, filepath.Ext(path)) + "." + target
		if err := os.Rename(tmp, out); err != nil {
			terr = fmt.Errorf("replace original: %w", err)
		} else {
			if out != path {
				_ = os.Remove(path)
			}
			p.log.Info("transcoded capture",
				logx.String("from", string(detected)),
				logx.String("to", target),
				logx.Duration("elapsed", time.Since(started)),
			)
			return Normalized{Path: out, Format: Format(target), Transcoded: true}, nil
		}
	}

	_ = os.Remove(tmp)
	p.log.Warn("transcode failed; keeping original",
		logx.String("from", string(detected)),
		logx.String("to", target),
		logx.Err(terr),
	)
	final, err := withExt(path, detected.Ext())
	if err != nil {
		return Normalized{}, err
	}
	return Normalized{Path: final, Format: detected, Degraded: true, Err: terr}, nil
}

func transcodeErr(pr capture.ProcResult, out string) error {
	if pr.TimedOut {
		return errors.New("transcode timed out")
	}
	if pr.Err != nil {
		msg := strings.TrimSpace(pr.Stderr)
		if msg == "" {
			return fmt.Errorf("transcode: %w", pr.Err)
		}
		return fmt.Errorf("transcode: %w: %s", pr.Err, lastLine(msg))
	}
	info, err := os.Stat(out)
	if err != nil || info.Size() == 0 {
		return errors.New("transcode produced no output")
	}
	return nil
}

// withExt renames path so its extension is ext.
func withExt(path, ext string) (string, error) {
	if strings.EqualFold(strings.TrimPrefix(filepath.Ext(path), "."), ext) {
		return path, nil
	}
	out := strings.TrimSuffix(path, filepath.Ext(path)) + "." + ext
	if err := os.Rename(path, out); err != nil {
		return "", fmt.Errorf("rename to .%s: %w", ext, err)
	}
	return out, nil
}

// QualityWarning means a file exists but looks wrong. It is advisory.
type QualityWarning struct {
	Reasons []string
}

func (q *QualityWarning) Error() string {
	return "quality warning: " + strings.Join(q.Reasons, "; ")
}

// IsQualityWarning reports whether err is a QualityWarning.
func IsQualityWarning(err error) bool {
	var q *QualityWarning
	return errors.As(err, &q)
}

// Report describes a validated file.
type Report struct {
	Format   Format
	Bytes    int64
	MinBytes int64
	Probed   time.Duration // zero when not probed
}

// Validate checks size against the expected duration, the sniffed container
// and, when ffprobe is configured, decodability. It never removes anything.
func (p *Processor) Validate(ctx context.Context, path string, expected time.Duration) (Report, error) {
	info, err := os.Stat(path)
	if err != nil {
		return Report{}, err
	}
	rep := Report{Bytes: info.Size(), MinBytes: p.cfg.MinBytesPerSecond * int64(expected/time.Second)}
	var reasons []string

	if rep.Bytes < rep.MinBytes {
		reasons = append(reasons, fmt.Sprintf("file too small: %s, want at least %s",
			humanize.Bytes(uint64(rep.Bytes)), humanize.Bytes(uint64(rep.MinBytes))))
	}

	rep.Format, err = Sniff(path)
	if err != nil {
		return rep, err
	}
	if !rep.Format.Audio() {
		reasons = append(reasons, "container is not audio")
	}

	if p.cfg.FFprobePath != "" {
		d, perr := p.probe(ctx, path)
		switch {
		case perr != nil:
			reasons = append(reasons, "undecodable: "+perr.Error())
		default:
			rep.Probed = d
			if expected > 0 && d < expected/2 {
				reasons = append(reasons, fmt.Sprintf("decoded duration %s is under half of %s", d.Round(time.Second), expected))
			}
		}
	}

	if len(reasons) > 0 {
		return rep, &QualityWarning{Reasons: reasons}
	}
	return rep, nil
}

func (p *Processor) probe(ctx context.Context, path string) (time.Duration, error) {
	var out bytes.Buffer
	pr := p.runner.Run(ctx, capture.Command{
		Path:    p.cfg.FFprobePath,
		Args:    []string{"-v", "error", "-show_entries", "format=duration", "-of", "default=noprint_wrappers=1:nokey=1", path},
		Timeout: time.Minute,
		Stdout:  &out,
	})
	if pr.Err != nil || pr.TimedOut {
		if s := lastLine(pr.Stderr); s != "" {
			return 0, errors.New(s)
		}
		if pr.Err != nil {
			return 0, pr.Err
		}
		return 0, errors.New("ffprobe timed out")
	}
	secs, err := strconv.ParseFloat(strings.TrimSpace(out.String()), 64)
	if err != nil {
		return 0, fmt.Errorf("parse duration %q: %w", strings.TrimSpace(out.String()), err)
	}
	return time.Duration(secs * float64(time.Second)), nil
}

func lastLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.LastIndexByte(s, '\n'); i >= 0 {
		s = s[i+1:]
	}
	return strings.TrimSpace(s)
}
