// Package prediction turns a learned heating slope or a trained duration
// model into a bounded, confidence-scored preheat start-time prediction
package prediction

import (
	"fmt"
	"strings"
	"time"

	"github.com/thermopilot/thermopilot/pkg"
	"github.com/thermopilot/thermopilot/pkg/logx"
	"github.com/thermopilot/thermopilot/pkg/slope"
)

// DurationPredictor is the optional learned path. Implementations report
// ok=false when untrained; the engine then falls back to the slope path.
type DurationPredictor interface {
	PredictDuration(feats map[string]float64) (minutes float64, ok bool)
}

// Config bounds the anticipation window
type Config struct {
	MinMinutes float64 `json:"min_minutes"`
	MaxMinutes float64 `json:"max_minutes"`
}

// Engine computes start-time predictions for one room.
type Engine struct {
	config    Config
	estimator *slope.Estimator
	learned   DurationPredictor // nil disables the ML path
	logger    *logx.Logger
}

// New creates a prediction engine. learned may be nil.
func New(config Config, estimator *slope.Estimator, learned DurationPredictor, logger *logx.Logger) *Engine {
	if config.MinMinutes <= 0 {
		config.MinMinutes = 5
	}
	if config.MaxMinutes <= config.MinMinutes {
		config.MaxMinutes = 240
	}
	return &Engine{
		config:    config,
		estimator: estimator,
		learned:   learned,
		logger:    logger,
	}
}

// Compute produces a prediction for the given schedule slot, or nil when no
// prediction applies: no slot, or the room is already at or above target.
// A nil result is the normal no-op outcome, never an error. samples carries
// persisted slope history; it backs the estimate when the cycle cache is too
// sparse, typically right after a restart.
func (e *Engine) Compute(slot *pkg.ScheduleTimeslot, env pkg.EnvironmentState, cycles []pkg.HeatingCycle, samples []pkg.SlopeData, feats map[string]float64) *pkg.PredictionResult {
	if slot == nil {
		return nil
	}

	delta := slot.TargetTemp - env.CurrentTemp
	if delta <= 0 {
		return nil
	}

	lhs, degraded := e.estimator.ContextualLHS(cycles, slot.StartTime)
	if degraded && len(samples) > 0 {
		if s, sdeg, ok := e.estimator.ContextualFromSamples(samples, slot.StartTime); ok {
			lhs, degraded = s, sdeg
		}
	}

	var reasons []string
	var base float64

	if mins, ok := e.learnedMinutes(feats); ok {
		base = mins
		reasons = append(reasons, fmt.Sprintf("learned model: %.1f min for %.1f°C delta", mins, delta))
	} else {
		effective := lhs
		if env.OutdoorTemp != nil {
			factor := outdoorFactor(*env.OutdoorTemp)
			if factor > 1 {
				effective = lhs / factor
				reasons = append(reasons, fmt.Sprintf("outdoor %.1f°C: factor %.2f", *env.OutdoorTemp, factor))
			}
		}
		base = (delta / effective) * 60.0
		reasons = append(reasons, fmt.Sprintf("slope %.2f°C/h (effective %.2f) over %.1f°C delta", lhs, effective, delta))

		if env.Humidity != nil && *env.Humidity > 70 {
			base *= 1.10
			reasons = append(reasons, fmt.Sprintf("humidity %.0f%%: +10%%", *env.Humidity))
		}
		if env.CloudCoverage != nil && *env.CloudCoverage < 20 {
			base *= 0.95
			reasons = append(reasons, fmt.Sprintf("cloud %.0f%%: -5%% solar gain", *env.CloudCoverage))
		}
	}

	clamped := base
	if clamped < e.config.MinMinutes {
		clamped = e.config.MinMinutes
	}
	if clamped > e.config.MaxMinutes {
		clamped = e.config.MaxMinutes
	}
	if clamped != base {
		reasons = append(reasons, fmt.Sprintf("clamped from %.1f to %.1f min", base, clamped))
	}

	confidence := e.confidence(len(cycles), env, degraded)
	if degraded {
		reasons = append(reasons, "sparse contextual history, global slope used")
	}

	result := &pkg.PredictionResult{
		AnticipatedStartTime: slot.StartTime.Add(-time.Duration(clamped * float64(time.Minute))),
		AnticipationMinutes:  clamped,
		ConfidenceLevel:      confidence,
		LearnedSlope:         lhs,
		Reasoning:            strings.Join(reasons, "; "),
	}

	e.logger.Debug("prediction computed",
		"target_time", slot.StartTime,
		"anticipation_min", clamped,
		"confidence", confidence,
		"slope", lhs,
	)
	return result
}

func (e *Engine) learnedMinutes(feats map[string]float64) (float64, bool) {
	if e.learned == nil || feats == nil {
		return 0, false
	}
	mins, ok := e.learned.PredictDuration(feats)
	if !ok || mins <= 0 {
		return 0, false
	}
	return mins, true
}

// outdoorFactor grows heating effort as it gets colder: 1 + (20 - T) * 0.05,
// never below 1.
func outdoorFactor(outdoorTemp float64) float64 {
	f := 1 + (20-outdoorTemp)*0.05
	if f < 1 {
		return 1
	}
	return f
}

// confidence starts at 30% with no history, gains 10% per observed cycle up
// to five, 10% per available optional sensor, and loses 10% when the
// contextual window was too sparse. Capped to [0, 100].
func (e *Engine) confidence(cycleCount int, env pkg.EnvironmentState, degraded bool) float64 {
	c := 30.0
	n := cycleCount
	if n > 5 {
		n = 5
	}
	c += float64(n) * 10.0
	if env.Humidity != nil {
		c += 10
	}
	if env.CloudCoverage != nil {
		c += 10
	}
	if degraded {
		c -= 10
	}
	if c < 0 {
		c = 0
	}
	if c > 100 {
		c = 100
	}
	return c
}
