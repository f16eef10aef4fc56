package capture

import (
	"context"
	"path/filepath"
	"strconv"
	"strings"
)

// Streamripper rips an Icecast/Shoutcast stream into a single file.
type Streamripper struct {
	Path   string
	Runner Runner
}

func (s Streamripper) Tool() Tool { return ToolStreamripper }

func (s Streamripper) Args(req Request) []string {
	args := []string{
		req.URL,
		"-d", req.Dir,
		"-a", "capture",
		"-A",
		"-s",
		"--quiet",
		"-l", strconv.Itoa(seconds(req.Duration)),
	}
	if req.UserAgent != "" {
		args = append(args, "-u", req.UserAgent)
	}
	return args
}

func (s Streamripper) Capture(ctx context.Context, req Request) (Result, error) {
	return runExecutor(ctx, s.Tool(), s.Runner, binOr(s.Path, "streamripper"), s.Args(req), req, nil)
}

// FFmpeg reads any container ffmpeg can demux, HLS included, and encodes to
// the target format.
type FFmpeg struct {
	Path    string
	Bitrate string
	Runner  Runner
}

func (f FFmpeg) Tool() Tool { return ToolFFmpeg }

func (f FFmpeg) Args(req Request) []string {
	format := strings.ToLower(strings.TrimSpace(req.Format))
	if format == "" {
		format = "mp3"
	}
	args := []string{"-hide_banner", "-nostdin", "-loglevel", "error"}
	if req.UserAgent != "" {
		args = append(args, "-user_agent", req.UserAgent)
	}
	args = append(args,
		"-reconnect", "1",
		"-reconnect_streamed", "1",
		"-reconnect_delay_max", "5",
		"-i", req.URL,
		"-t", strconv.Itoa(seconds(req.Duration)),
		"-vn",
	)
	args = append(args, EncoderArgs(format, f.Bitrate)...)
	args = append(args, "-y", filepath.Join(req.Dir, "capture."+format))
	return args
}

func (f FFmpeg) Capture(ctx context.Context, req Request) (Result, error) {
	return runExecutor(ctx, f.Tool(), f.Runner, binOr(f.Path, "ffmpeg"), f.Args(req), req, nil)
}

// Fetch copies the raw HTTP body with curl until the duration runs out.
type Fetch struct {
	Path   string
	Runner Runner
}

func (f Fetch) Tool() Tool { return ToolFetch }

func (f Fetch) Args(req Request) []string {
	args := []string{
		"--silent", "--show-error",
		"--location",
		"--fail",
		"--max-time", strconv.Itoa(seconds(req.Duration)),
		"--output", filepath.Join(req.Dir, "capture.stream"),
	}
	if req.UserAgent != "" {
		args = append(args, "--user-agent", req.UserAgent)
	}
	return append(args, req.URL)
}

// curl exits 28 when --max-time ends the transfer, which is how a live
// stream capture finishes.
func curlNormalExit(code int) bool { return code == 28 }

func (f Fetch) Capture(ctx context.Context, req Request) (Result, error) {
	return runExecutor(ctx, f.Tool(), f.Runner, binOr(f.Path, "curl"), f.Args(req), req, curlNormalExit)
}

// EncoderArgs returns the ffmpeg encoder flags for an output format.
func EncoderArgs(format, bitrate string) []string {
	if bitrate == "" {
		bitrate = "128k"
	}
	switch format {
	case "mp3":
		return []string{"-c:a", "libmp3lame", "-b:a", bitrate}
	case "aac", "m4a":
		return []string{"-c:a", "aac", "-b:a", bitrate}
	case "ogg":
		return []string{"-c:a", "libvorbis", "-b:a", bitrate}
	case "opus":
		return []string{"-c:a", "libopus", "-b:a", bitrate}
	case "flac":
		return []string{"-c:a", "flac"}
	default:
		return []string{"-c:a", "copy"}
	}
}

func runExecutor(ctx context.Context, tool Tool, r Runner, bin string, args []string, req Request, normalExit func(int) bool) (Result, error) {
	if r == nil {
		r = ExecRunner{}
	}
	pr := r.Run(ctx, Command{Path: bin, Args: args, Dir: req.Dir, Timeout: req.Timeout})
	discardEmpty(req.Dir)
	path, size := largestOutput(req.Dir)
	res := Result{Path: path, Bytes: size, Stderr: pr.Stderr}
	if err := classify(tool, pr, size, normalExit); err != nil {
		return res, err
	}
	return res, nil
}

func binOr(path, def string) string {
	if strings.TrimSpace(path) == "" {
		return def
	}
	return path
}
