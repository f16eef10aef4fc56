package config

import (
	"reflect"
	"sort"
	"strings"

	logx "radiorec/pkg/logx"
)

// SummarizeConfigChange returns (1) a compact list of changed sections and
// (2) safe structured attrs for logging (never includes secrets like tokens).
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 8)
	attrs := make([]logx.Field, 0, 24)

	if !reflect.DeepEqual(oldCfg.Paths, newCfg.Paths) {
		changed = append(changed, "paths")
		attrs = append(attrs,
			logx.String("paths.recordings", newCfg.Paths.Recordings),
			logx.String("paths.scratch", newCfg.Paths.Scratch),
		)
	}

	if !reflect.DeepEqual(oldCfg.Logging, newCfg.Logging) {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logx.level", newCfg.Logging.Level),
			logx.Bool("logx.console", newCfg.Logging.Console),
			logx.Bool("logx.file_enabled", newCfg.Logging.File.Enabled),
		)
	}

	if strings.TrimSpace(oldCfg.Storage.Path) != strings.TrimSpace(newCfg.Storage.Path) ||
		strings.TrimSpace(oldCfg.Storage.BusyTimeout) != strings.TrimSpace(newCfg.Storage.BusyTimeout) {
		changed = append(changed, "storage")
		attrs = append(attrs, logx.String("storage.busy_timeout", strings.TrimSpace(newCfg.Storage.BusyTimeout)))
	}

	if !reflect.DeepEqual(oldCfg.Scheduler, newCfg.Scheduler) {
		changed = append(changed, "scheduler")
		attrs = append(attrs,
			logx.Bool("scheduler.enabled", newCfg.Scheduler.Enabled),
			logx.String("scheduler.timezone", strings.TrimSpace(newCfg.Scheduler.Timezone)),
			logx.String("scheduler.reconcile_interval", strings.TrimSpace(newCfg.Scheduler.ReconcileInterval)),
		)
	}

	oTE := derefTaskEngine(oldCfg.TaskEngine)
	nTE := derefTaskEngine(newCfg.TaskEngine)
	if (oldCfg.TaskEngine != nil) != (newCfg.TaskEngine != nil) || !reflect.DeepEqual(oTE, nTE) {
		changed = append(changed, "task_engine")
		attrs = append(attrs,
			logx.Int("task_engine.workers", nTE.Workers),
			logx.Int("task_engine.queue_size", nTE.QueueSize),
			logx.Int("task_engine.history_size", nTE.HistorySize),
		)
	}

	if !reflect.DeepEqual(oldCfg.Capture, newCfg.Capture) {
		changed = append(changed, "capture")
		attrs = append(attrs,
			logx.String("capture.margin", strings.TrimSpace(newCfg.Capture.Margin)),
			logx.Int("capture.user_agents", len(newCfg.Capture.UserAgents)),
		)
	}

	if !reflect.DeepEqual(oldCfg.Postproc, newCfg.Postproc) {
		changed = append(changed, "postproc")
		attrs = append(attrs, logx.Int("postproc.min_bytes_per_second", newCfg.Postproc.MinBytesPerSecond))
	}

	if !reflect.DeepEqual(oldCfg.Retention, newCfg.Retention) {
		changed = append(changed, "retention")
		attrs = append(attrs,
			logx.Bool("retention.enabled", newCfg.Retention.Enabled),
			logx.String("retention.interval", strings.TrimSpace(newCfg.Retention.Interval)),
			logx.Bool("retention.dry_run", newCfg.Retention.DryRun),
		)
	}

	if !reflect.DeepEqual(oldCfg.Health, newCfg.Health) {
		changed = append(changed, "health")
		attrs = append(attrs,
			logx.Bool("health.enabled", newCfg.Health.Enabled),
			logx.String("health.interval", strings.TrimSpace(newCfg.Health.Interval)),
			logx.Bool("health.directory_enabled", newCfg.Health.Directory.Enabled),
		)
	}

	if !reflect.DeepEqual(oldCfg.Notifier, newCfg.Notifier) {
		changed = append(changed, "notifier")
		attrs = append(attrs,
			logx.Bool("notifier.feed_hook_set", len(newCfg.Notifier.FeedHook) > 0),
			logx.Bool("notifier.tagging", newCfg.Notifier.Tagging),
		)
	}

	// Telegram (never log token)
	oTG := derefTelegram(oldCfg.Telegram)
	nTG := derefTelegram(newCfg.Telegram)
	if oTG.Enabled != nTG.Enabled || oTG.ChatID != nTG.ChatID || oTG.ThreadID != nTG.ThreadID ||
		oTG.RatePerMinute != nTG.RatePerMinute || oTG.Token != nTG.Token {
		changed = append(changed, "telegram")
		attrs = append(attrs,
			logx.Bool("telegram.enabled", nTG.Enabled),
			logx.Bool("telegram.token_set", strings.TrimSpace(nTG.Token) != ""),
			logx.Int64("telegram.chat_id", nTG.ChatID),
		)
	}

	// Ops (never log token)
	if !reflect.DeepEqual(oldCfg.Ops, newCfg.Ops) {
		changed = append(changed, "ops")
		attrs = append(attrs,
			logx.Bool("ops.enabled", newCfg.Ops.Enabled),
			logx.String("ops.addr", strings.TrimSpace(newCfg.Ops.Addr)),
			logx.Bool("ops.token_set", strings.TrimSpace(newCfg.Ops.Token) != ""),
			logx.Bool("ops.pprof", newCfg.Ops.Pprof),
		)
	}

	sort.Strings(changed)
	return changed, attrs
}

func derefTaskEngine(te *TaskEngineConfig) TaskEngineConfig {
	if te == nil {
		return TaskEngineConfig{}
	}
	return *te
}

func derefTelegram(tg *TelegramConfig) TelegramConfig {
	if tg == nil {
		return TelegramConfig{}
	}
	return *tg
}
