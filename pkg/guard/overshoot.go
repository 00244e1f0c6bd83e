// Package guard watches live temperature during an active preheat and
// signals early termination before the room overshoots its target
package guard

import (
	"time"

	"github.com/thermopilot/thermopilot/pkg/logx"
)

// Guard projects the temperature at the scheduled target time and triggers
// when the projection reaches target + threshold.
type Guard struct {
	threshold float64 // °C above target before abort
	logger    *logx.Logger
}

// New creates an overshoot guard. threshold <= 0 falls back to 0.5°C.
func New(threshold float64, logger *logx.Logger) *Guard {
	if threshold <= 0 {
		threshold = 0.5
	}
	return &Guard{threshold: threshold, logger: logger}
}

// Check evaluates one live observation. It reports whether the active preheat
// should abort. Observations at or past the target time are skipped; the
// schedule is already deciding at that point.
func (g *Guard) Check(currentTemp, slope, targetTemp float64, targetTime, now time.Time) bool {
	remaining := targetTime.Sub(now).Hours()
	if remaining <= 0 {
		return false
	}

	estimated := currentTemp + slope*remaining
	if estimated < targetTemp+g.threshold {
		return false
	}

	g.logger.Info("overshoot projected, aborting preheat",
		"current_temp", currentTemp,
		"estimated_temp", estimated,
		"target_temp", targetTemp,
		"remaining_hours", remaining,
	)
	return true
}
