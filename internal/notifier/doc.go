// Package notifier hosts the outbound collaborators that react to core
// events: the feed-regeneration hook, the ID3 tagging worker and operator
// alerts.
//
// # Pipeline
//
// The service subscribes to the event bus and turns events into jobs on a
// bounded queue served by a small worker pool. Nothing here can fail a
// capture: errors are logged, kept in a short history for /status and
// published as notifier.* events.
//
// # Alerts
//
// Alerts go through a Sender (Telegram when configured). Identical alerts
// are suppressed for a dedup window and the send rate is capped with a
// token bucket. Without a Sender alerts are only logged.
package notifier
