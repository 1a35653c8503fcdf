// Package classifier maps measured latency to a quality tier.
package classifier

import (
	"fmt"

	"tierproxy/internal/shared/types"
	"tierproxy/proxypool/model"
)

// Thresholds are exclusive upper bounds in milliseconds. Latency below DropBelow or at/above
// BronzeBelow is dropped.
type Thresholds struct {
	DropBelow   int `json:"drop_below"`
	GoldBelow   int `json:"gold_below"`
	SilverBelow int `json:"silver_below"`
	BronzeBelow int `json:"bronze_below"`
}

// Default is the relaxed production policy.
func Default() Thresholds {
	return Thresholds{DropBelow: 10, GoldBelow: 300, SilverBelow: 800, BronzeBelow: 10000}
}

// Strict is the earlier policy that also rejected sub-50ms and 1200ms+ responders.
func Strict() Thresholds {
	return Thresholds{DropBelow: 50, GoldBelow: 300, SilverBelow: 800, BronzeBelow: 1200}
}

// FromConf builds thresholds from the [tiers] config section.
func FromConf(c types.TierConf) Thresholds {
	return Thresholds{
		DropBelow:   c.DropBelow,
		GoldBelow:   c.GoldBelow,
		SilverBelow: c.SilverBelow,
		BronzeBelow: c.BronzeBelow,
	}
}

// Validate requires 0 <= DropBelow < GoldBelow < SilverBelow < BronzeBelow.
func (t Thresholds) Validate() error {
	if t.DropBelow < 0 {
		return fmt.Errorf("drop_below must be >= 0, got %d", t.DropBelow)
	}
	if !(t.DropBelow < t.GoldBelow && t.GoldBelow < t.SilverBelow && t.SilverBelow < t.BronzeBelow) {
		return fmt.Errorf("tier thresholds must be strictly increasing: %d < %d < %d < %d",
			t.DropBelow, t.GoldBelow, t.SilverBelow, t.BronzeBelow)
	}
	return nil
}

// Classify returns the tier for latencyMs, or false when the result should be dropped.
func (t Thresholds) Classify(latencyMs int) (model.Tier, bool) {
	switch {
	case latencyMs < t.DropBelow:
		return "", false
	case latencyMs < t.GoldBelow:
		return model.TierGold, true
	case latencyMs < t.SilverBelow:
		return model.TierSilver, true
	case latencyMs < t.BronzeBelow:
		return model.TierBronze, true
	default:
		return "", false
	}
}

// Clamp always returns a tier: latency below the window maps to gold, at or above it to bronze.
// Used for allow-listed endpoints that must never be dropped.
func (t Thresholds) Clamp(latencyMs int) model.Tier {
	if tier, ok := t.Classify(latencyMs); ok {
		return tier
	}
	if latencyMs < t.DropBelow {
		return model.TierGold
	}
	return model.TierBronze
}
