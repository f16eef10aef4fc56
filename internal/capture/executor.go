package capture

import (
	"context"
	"io/fs"
	"os"
	"path/filepath"
	"time"
)

// Request describes one attempt. Dir is an empty directory owned by the
// attempt; executors write their output there.
type Request struct {
	URL       string
	UserAgent string
	Duration  time.Duration
	Timeout   time.Duration
	Dir       string
	Format    string
}

// Result is what one executor produced.
type Result struct {
	Path   string
	Bytes  int64
	Stderr string
}

// Executor runs a single capture attempt with one external tool.
type Executor interface {
	Tool() Tool
	Capture(ctx context.Context, req Request) (Result, error)
}

// largestOutput returns the biggest regular file under dir. Streamripper
// picks its own names, so every executor looks for output the same way.
func largestOutput(dir string) (string, int64) {
	var best string
	var size int64
	_ = filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return nil
		}
		info, err := d.Info()
		if err != nil || !info.Mode().IsRegular() {
			return nil
		}
		if info.Size() > size {
			best, size = path, info.Size()
		}
		return nil
	})
	return best, size
}

// discardEmpty removes zero-length files left by a killed tool.
func discardEmpty(dir string) {
	_ = filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return nil
		}
		if info, err := d.Info(); err == nil && info.Size() == 0 {
			_ = os.Remove(path)
		}
		return nil
	})
}

func seconds(d time.Duration) int {
	s := int((d + time.Second - 1) / time.Second)
	if s < 1 {
		s = 1
	}
	return s
}
