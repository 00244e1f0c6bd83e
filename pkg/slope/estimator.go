// Package slope estimates a room's learned heating slope (°C/hour) from
// completed heating cycles using an outlier-resistant trimmed mean
package slope

import (
	"sort"
	"time"

	"gonum.org/v1/gonum/stat"

	"github.com/thermopilot/thermopilot/pkg"
	"github.com/thermopilot/thermopilot/pkg/logx"
)

// DefaultLHS is the conservative slope assumed until enough cycles exist.
const DefaultLHS = 2.0

// trimFraction is the share of samples discarded from each tail.
const trimFraction = 0.10

// minSamples is the smallest cycle count the estimator will trust.
const minSamples = 3

// Estimator computes global and recency-windowed contextual slope estimates.
type Estimator struct {
	windowHours float64
	logger      *logx.Logger
}

// New creates a slope estimator. windowHours bounds the contextual window
// before the target time; values <= 0 fall back to 6 hours.
func New(windowHours float64, logger *logx.Logger) *Estimator {
	if windowHours <= 0 {
		windowHours = 6.0
	}
	return &Estimator{windowHours: windowHours, logger: logger}
}

// GlobalLHS returns the trimmed-mean slope over all cycles. With fewer than
// three cycles it returns DefaultLHS.
func (e *Estimator) GlobalLHS(cycles []pkg.HeatingCycle) float64 {
	slopes := collectSlopes(cycles)
	if len(slopes) < minSamples {
		return DefaultLHS
	}
	return trimmedMean(slopes)
}

// ContextualLHS returns the trimmed-mean slope over cycles that started
// within windowHours before targetTime. When fewer than three cycles match,
// it falls back to the global estimate and reports degraded confidence.
func (e *Estimator) ContextualLHS(cycles []pkg.HeatingCycle, targetTime time.Time) (lhs float64, degraded bool) {
	var matched []pkg.HeatingCycle
	for _, c := range cycles {
		if e.inWindow(c.StartTime, targetTime) {
			matched = append(matched, c)
		}
	}

	slopes := collectSlopes(matched)
	if len(slopes) < minSamples {
		e.logger.Debug("contextual slope window too sparse, using global estimate",
			"matched", len(slopes),
			"target_time", targetTime,
		)
		return e.GlobalLHS(cycles), true
	}
	return trimmedMean(slopes), false
}

// ContextualFromSamples is the persisted-history counterpart of
// ContextualLHS: it aggregates stored slope samples whose timestamp falls
// within windowHours before targetTime, falling back to the full sample set
// with degraded confidence. ok is false when fewer than three usable samples
// exist at all.
func (e *Estimator) ContextualFromSamples(samples []pkg.SlopeData, targetTime time.Time) (lhs float64, degraded, ok bool) {
	var matched []float64
	var all []float64
	for _, s := range samples {
		if s.SlopeValue <= 0 {
			continue
		}
		all = append(all, s.SlopeValue)
		if e.inWindow(s.Timestamp, targetTime) {
			matched = append(matched, s.SlopeValue)
		}
	}

	if len(matched) >= minSamples {
		return trimmedMean(matched), false, true
	}
	if len(all) >= minSamples {
		e.logger.Debug("contextual sample window too sparse, using all persisted samples",
			"matched", len(matched),
			"total", len(all),
		)
		return trimmedMean(all), true, true
	}
	return DefaultLHS, true, false
}

// inWindow reports whether ts lies in the half-open interval
// [target - windowHours, target).
func (e *Estimator) inWindow(ts, target time.Time) bool {
	windowStart := target.Add(-time.Duration(e.windowHours * float64(time.Hour)))
	return !ts.Before(windowStart) && ts.Before(target)
}

func collectSlopes(cycles []pkg.HeatingCycle) []float64 {
	var out []float64
	for _, c := range cycles {
		if s := c.Slope(); s > 0 {
			out = append(out, s)
		}
	}
	return out
}

// trimmedMean discards floor(n * trimFraction) samples from each tail and
// averages the rest.
func trimmedMean(values []float64) float64 {
	sorted := append([]float64(nil), values...)
	sort.Float64s(sorted)

	trim := int(float64(len(sorted)) * trimFraction)
	kept := sorted[trim : len(sorted)-trim]
	return stat.Mean(kept, nil)
}
