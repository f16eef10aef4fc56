package notifier

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"radiorec/internal/capture"
	logx "radiorec/pkg/logx"
)

// HookArgs substitutes showID into every "{show_id}" of argv.
func HookArgs(argv []string, showID int64) []string {
	id := strconv.FormatInt(showID, 10)
	out := make([]string, len(argv))
	for i, a := range argv {
		out[i] = strings.ReplaceAll(a, "{show_id}", id)
	}
	return out
}

func (s *Service) runFeedHook(ctx context.Context, showID int64, reason string) error {
	s.mu.Lock()
	argv := s.cfg.FeedHook
	timeout := s.cfg.FeedHookTimeout
	s.mu.Unlock()

	if len(argv) == 0 {
		s.log.Info("feed regeneration requested", logx.Int64("show_id", showID), logx.String("reason", reason))
		return nil
	}
	args := HookArgs(argv, showID)
	res := s.runner.Run(ctx, capture.Command{Path: args[0], Args: args[1:], Timeout: timeout})
	switch {
	case res.TimedOut:
		return fmt.Errorf("feed hook timed out after %s", timeout)
	case res.Err != nil:
		msg := strings.TrimSpace(res.Stderr)
		if i := strings.LastIndexByte(msg, '\n'); i >= 0 {
			msg = msg[i+1:]
		}
		s.log.Warn("feed hook failed", logx.Int64("show_id", showID), logx.Int("exit", res.ExitCode), logx.String("stderr", msg))
		return fmt.Errorf("feed hook exit %d: %w", res.ExitCode, res.Err)
	}
	s.log.Info("feed regenerated", logx.Int64("show_id", showID), logx.String("reason", reason))
	return nil
}
