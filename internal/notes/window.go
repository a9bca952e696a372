// Package notes decides how long a CRM note block stays open and renders the
// HTML fragments appended to it.
package notes

import (
	"math"
	"time"
)

// WindowConfig bounds the adaptive note window, in minutes.
type WindowConfig struct {
	BaseMinutes int
	MinMinutes  int
	MaxMinutes  int
}

// DefaultWindowConfig is 15 minutes clamped to [5, 60].
func DefaultWindowConfig() WindowConfig {
	return WindowConfig{BaseMinutes: 15, MinMinutes: 5, MaxMinutes: 60}
}

func (c WindowConfig) normalized() WindowConfig {
	def := DefaultWindowConfig()
	if c.BaseMinutes <= 0 {
		c.BaseMinutes = def.BaseMinutes
	}
	if c.MinMinutes <= 0 {
		c.MinMinutes = def.MinMinutes
	}
	if c.MaxMinutes <= 0 {
		c.MaxMinutes = def.MaxMinutes
	}
	if c.MaxMinutes < c.MinMinutes {
		c.MaxMinutes = c.MinMinutes
	}
	return c
}

const minElapsedMinutes = 0.01

// ComputeAdaptiveWindowMinutes derives the note window from the observed
// message and byte rate since startedAt. Busy conversations close blocks
// sooner to bound note size; idle ones batch longer. The function is pure.
func ComputeAdaptiveWindowMinutes(startedAt, now time.Time, messageCount, bytes int, cfg WindowConfig) int {
	cfg = cfg.normalized()

	elapsed := minElapsedMinutes
	if !startedAt.IsZero() {
		elapsed = math.Max(minElapsedMinutes, now.Sub(startedAt).Minutes())
	}
	messageRate := float64(messageCount) / elapsed
	byteRate := float64(bytes) / elapsed

	var window float64
	switch {
	case messageRate >= 10 || byteRate >= 15000:
		window = 5
	case messageRate >= 3 || byteRate >= 5000:
		window = 10
	case messageRate < 1 && byteRate < 2000:
		window = 30
	default:
		window = float64(cfg.BaseMinutes)
	}

	window = math.Max(float64(cfg.MinMinutes), math.Min(float64(cfg.MaxMinutes), window))
	return int(math.Floor(window))
}

// ShouldStartNewBlockByWindow reports whether the block opened at startedAt
// has outlived its window. Blocks without a start time never expire.
func ShouldStartNewBlockByWindow(startedAt time.Time, windowMinutes int, now time.Time) bool {
	if startedAt.IsZero() {
		return false
	}
	limit := windowMinutes
	if limit < 1 {
		limit = 1
	}
	return now.Sub(startedAt).Minutes() >= float64(limit)
}
