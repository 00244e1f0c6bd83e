// Package detector turns a temperature/mode measurement stream into discrete
// heating cycles via a two-state machine
package detector

import (
	"fmt"

	"github.com/thermopilot/thermopilot/pkg"
	"github.com/thermopilot/thermopilot/pkg/logx"
)

// State is the detector phase for a room
type State int

const (
	StateIdle State = iota
	StateHeating
)

// CycleState carries detector state across measurement batches. The detector
// itself is stateless per call; the caller owns and threads this value.
type CycleState struct {
	State      State
	StartTime  pkg.Measurement // measurement that opened the cycle
	TargetTemp float64

	// First time the room crossed the full target during the cycle, if any.
	targetReached *pkg.Measurement
}

// Detector detects heating cycles from chronologically ordered measurements
type Detector struct {
	delta  float64 // °C below target required to open a cycle
	logger *logx.Logger
}

// New creates a cycle detector with the given delta threshold
func New(delta float64, logger *logx.Logger) *Detector {
	if delta <= 0 {
		delta = 0.2
	}
	return &Detector{delta: delta, logger: logger}
}

// Process runs the state machine over a measurement batch and returns the
// updated state plus any completed cycles. Measurements must be ordered by
// timestamp. Oscillation around (target - delta) may legitimately produce
// several short cycles; that is accepted behavior.
func (d *Detector) Process(roomID string, st CycleState, measurements []pkg.Measurement) (CycleState, []pkg.HeatingCycle) {
	var cycles []pkg.HeatingCycle

	for _, m := range measurements {
		switch st.State {
		case StateIdle:
			if d.shouldStart(m) {
				st.State = StateHeating
				st.StartTime = m
				st.TargetTemp = m.TargetTemp
				st.targetReached = nil
			}

		case StateHeating:
			if st.targetReached == nil && m.CurrentTemp >= st.TargetTemp {
				reached := m
				st.targetReached = &reached
			}

			if d.shouldEnd(m, st.TargetTemp) {
				if cycle, ok := d.closeCycle(roomID, st, m); ok {
					cycles = append(cycles, cycle)
				}
				st = CycleState{State: StateIdle}
			}
		}
	}

	return st, cycles
}

// shouldStart reports whether a measurement opens a heating cycle: mode on,
// action active, and the room more than delta below target.
func (d *Detector) shouldStart(m pkg.Measurement) bool {
	return m.HVACModeOn && m.HVACActive && (m.TargetTemp-m.CurrentTemp) > d.delta
}

/// shouldEnd reports whether a measurement closes the active cycle: mode off
// wins first, otherwise the room reaching (target - delta). No debounce is
// applied; tight cycle boundaries are preferred over noise suppression.
func (d *Detector) shouldEnd(m pkg.Measurement, targetTemp float64) bool {
	if !m.HVACModeOn {
		return true
	}
	return m.CurrentTemp >= targetTemp-d.delta
}

// closeCycle emits a HeatingCycle for the interval, discarding cycles with
// non-positive duration or slope.
func (d *Detector) closeCycle(roomID string, st CycleState, end pkg.Measurement) (pkg.HeatingCycle, bool) {
	start := st.StartTime
	cycleID := fmt.Sprintf("%s-%d", roomID, start.Timestamp.UnixNano())

	cycle, err := pkg.NewHeatingCycle(
		cycleID, roomID,
		start.Timestamp, end.Timestamp,
		start.CurrentTemp, end.CurrentTemp,
		st.TargetTemp,
	)
	if err != nil {
		d.logger.Debug("discarding invalid cycle",
			"room", roomID,
			"start", start.Timestamp,
			"end", end.Timestamp,
			"error", err,
		)
		return pkg.HeatingCycle{}, false
	}

	cycle.InitialSlope = start.HeatingSlope
	cycle.OutdoorTemp = start.OutdoorTemp
	cycle.Humidity = start.Humidity
	cycle.CloudCoverage = start.CloudCoverage
	if st.targetReached != nil {
		ts := st.targetReached.Timestamp
		cycle.TargetReachedAt = &ts
	}

	d.logger.Debug("cycle detected",
		"room", roomID,
		"cycle_id", cycle.CycleID,
		"duration_min", cycle.DurationMinutes(),
		"slope", cycle.Slope(),
	)
	return cycle, true
}
