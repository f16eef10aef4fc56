// Package scheduler owns the trigger table: one cron entry per active show
// plus the periodic maintenance jobs (reconcile, retention sweep, health probe).
//
// A trigger never runs work on the cron goroutine. Every firing becomes an
// engine task, so the engine's overlap gate and history apply uniformly.
package scheduler
