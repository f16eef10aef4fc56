// Package retention computes recording expiry and deletes expired recordings.
package retention

import (
	"time"

	"radiorec/internal/model"
)

const day = 24 * time.Hour

// ComputeExpiry derives expires_at. A per-recording override wins over the
// show default. Months count as 30 days. Nil means the row never expires.
func ComputeExpiry(recordedAt time.Time, retentionDays int, override *model.TTL) *time.Time {
	var span time.Duration
	if override != nil {
		if override.Unit == model.TTLIndefinite || override.Value <= 0 {
			return nil
		}
		switch override.Unit {
		case model.TTLDays:
			span = time.Duration(override.Value) * day
		case model.TTLWeeks:
			span = time.Duration(override.Value) * 7 * day
		case model.TTLMonths:
			span = time.Duration(override.Value) * 30 * day
		default:
			return nil
		}
	} else {
		if retentionDays <= 0 {
			return nil
		}
		span = time.Duration(retentionDays) * day
	}
	t := recordedAt.Add(span)
	return &t
}

// ValidateTTL rejects overrides that cannot be stored.
func ValidateTTL(ttl model.TTL) error {
	if !ttl.Unit.Valid() {
		return model.Invalid("ttl_unit", "unknown unit %q", ttl.Unit)
	}
	if ttl.Unit != model.TTLIndefinite && ttl.Value <= 0 {
		return model.Invalid("ttl_value", "must be positive for unit %s", ttl.Unit)
	}
	return nil
}
