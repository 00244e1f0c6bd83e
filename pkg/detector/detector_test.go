package detector

import (
	"math"
	"testing"
	"time"

	"github.com/thermopilot/thermopilot/pkg"
	"github.com/thermopilot/thermopilot/pkg/logx"
)

var base = time.Date(2026, 1, 15, 6, 0, 0, 0, time.UTC)

func measurement(offset time.Duration, current, target float64, modeOn, active bool) pkg.Measurement {
	return pkg.Measurement{
		Timestamp:   base.Add(offset),
		CurrentTemp: current,
		TargetTemp:  target,
		HVACModeOn:  modeOn,
		HVACActive:  active,
	}
}

func TestDetectsFullCycle(t *testing.T) {
	d := New(0.2, logx.New("error"))

	// Heats from 18 to 21 over 90 minutes: slope must be 2.0 °C/h.
	ms := []pkg.Measurement{
		measurement(0, 18.0, 21.0, true, true),
		measurement(30*time.Minute, 19.0, 21.0, true, true),
		measurement(60*time.Minute, 20.0, 21.0, true, true),
		measurement(90*time.Minute, 21.0, 21.0, true, true),
	}

	st, cycles := d.Process("living", CycleState{}, ms)
	if len(cycles) != 1 {
		t.Fatalf("expected 1 cycle, got %d", len(cycles))
	}
	c := cycles[0]
	if got := c.Slope(); math.Abs(got-2.0) > 1e-9 {
		t.Errorf("expected slope 2.0, got %v", got)
	}
	if got := c.DurationMinutes(); math.Abs(got-90.0) > 1e-9 {
		t.Errorf("expected 90 minute duration, got %v", got)
	}
	if st.State != StateIdle {
		t.Errorf("expected detector back in idle")
	}
	if c.TargetReachedAt == nil || !c.TargetReachedAt.Equal(base.Add(90*time.Minute)) {
		t.Errorf("expected target reached at end, got %v", c.TargetReachedAt)
	}
}

func TestNoStartBelowDelta(t *testing.T) {
	d := New(0.2, logx.New("error"))

	// Only 0.1°C below target: should never open a cycle.
	ms := []pkg.Measurement{
		measurement(0, 20.9, 21.0, true, true),
		measurement(10*time.Minute, 21.0, 21.0, true, true),
	}

	st, cycles := d.Process("living", CycleState{}, ms)
	if len(cycles) != 0 {
		t.Fatalf("expected no cycles, got %d", len(cycles))
	}
	if st.State != StateIdle {
		t.Error("expected detector to stay idle")
	}
}

func TestModeOffEndsCycle(t *testing.T) {
	d := New(0.2, logx.New("error"))

	ms := []pkg.Measurement{
		measurement(0, 18.0, 21.0, true, true),
		measurement(30*time.Minute, 19.0, 21.0, false, false),
	}

	_, cycles := d.Process("living", CycleState{}, ms)
	if len(cycles) != 1 {
		t.Fatalf("expected 1 cycle from mode-off, got %d", len(cycles))
	}
	if cycles[0].EndTemp != 19.0 {
		t.Errorf("expected end temp 19.0, got %v", cycles[0].EndTemp)
	}
	if cycles[0].TargetReachedAt != nil {
		t.Error("target was never reached; TargetReachedAt should be nil")
	}
}

func TestInvalidCycleDiscarded(t *testing.T) {
	d := New(0.2, logx.New("error"))

	// Temperature falls during "heating": slope would be negative.
	ms := []pkg.Measurement{
		measurement(0, 18.0, 21.0, true, true),
		measurement(30*time.Minute, 17.5, 21.0, false, false),
	}

	_, cycles := d.Process("living", CycleState{}, ms)
	if len(cycles) != 0 {
		t.Fatalf("negative-slope cycle must be discarded, got %d cycles", len(cycles))
	}
}

func TestStateCarriesAcrossBatches(t *testing.T) {
	d := New(0.2, logx.New("error"))

	st, cycles := d.Process("living", CycleState{}, []pkg.Measurement{
		measurement(0, 18.0, 21.0, true, true),
	})
	if len(cycles) != 0 {
		t.Fatalf("cycle should still be open")
	}
	if st.State != StateHeating {
		t.Fatal("expected heating state after first batch")
	}

	_, cycles = d.Process("living", st, []pkg.Measurement{
		measurement(60*time.Minute, 20.9, 21.0, true, true),
	})
	if len(cycles) != 1 {
		t.Fatalf("expected cycle closed in second batch, got %d", len(cycles))
	}
}

func TestOscillationProducesMultipleCycles(t *testing.T) {
	d := New(0.2, logx.New("error"))

	// Room hovers around (target - delta); each dip below opens a new cycle.
	ms := []pkg.Measurement{
		measurement(0, 20.0, 21.0, true, true),
		measurement(10*time.Minute, 20.9, 21.0, true, true), // closes
		measurement(20*time.Minute, 20.5, 21.0, true, true), // reopens
		measurement(30*time.Minute, 20.9, 21.0, true, true), // closes
	}

	_, cycles := d.Process("living", CycleState{}, ms)
	if len(cycles) != 2 {
		t.Fatalf("expected 2 oscillation cycles, got %d", len(cycles))
	}
}
