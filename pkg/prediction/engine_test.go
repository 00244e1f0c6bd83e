package prediction

import (
	"fmt"
	"math"
	"testing"
	"time"

	"github.com/thermopilot/thermopilot/pkg"
	"github.com/thermopilot/thermopilot/pkg/logx"
	"github.com/thermopilot/thermopilot/pkg/slope"
)

var (
	base      = time.Date(2026, 1, 15, 6, 0, 0, 0, time.UTC)
	slotStart = time.Date(2026, 1, 20, 7, 0, 0, 0, time.UTC)
)

func newEngine(learned DurationPredictor) *Engine {
	logger := logx.New("error")
	return New(Config{MinMinutes: 5, MaxMinutes: 240}, slope.New(6.0, logger), learned, logger)
}

// cyclesWithSlope builds n one-hour cycles inside the contextual window
// before the slot so the estimator resolves to exactly the given slope.
func cyclesWithSlope(t *testing.T, n int, s float64) []pkg.HeatingCycle {
	t.Helper()
	var out []pkg.HeatingCycle
	for i := 0; i < n; i++ {
		start := slotStart.Add(-time.Duration(i+1) * time.Hour)
		c, err := pkg.NewHeatingCycle(
			fmt.Sprintf("living-%d", i), "living",
			start, start.Add(time.Hour),
			18.0, 18.0+s, 21.0,
		)
		if err != nil {
			t.Fatalf("building fixture cycle: %v", err)
		}
		out = append(out, c)
	}
	return out
}

func slot(target float64) *pkg.ScheduleTimeslot {
	return &pkg.ScheduleTimeslot{
		StartTime:  slotStart,
		TargetTemp: target,
		ScheduleID: "morning",
	}
}

func ptr(v float64) *float64 { return &v }

func TestScenarioBaseline(t *testing.T) {
	e := newEngine(nil)
	cycles := cyclesWithSlope(t, 3, 2.0)

	// 18 -> 21 at 2.0 °C/h with no environmental data: exactly 90 minutes.
	env := pkg.EnvironmentState{CurrentTemp: 18.0, Timestamp: base}
	r := e.Compute(slot(21.0), env, cycles, nil, nil)
	if r == nil {
		t.Fatal("expected a prediction")
	}
	if math.Abs(r.AnticipationMinutes-90.0) > 1e-9 {
		t.Errorf("expected 90 minutes, got %v", r.AnticipationMinutes)
	}
	want := slot(21.0).StartTime.Add(-90 * time.Minute)
	if !r.AnticipatedStartTime.Equal(want) {
		t.Errorf("expected start at %v, got %v", want, r.AnticipatedStartTime)
	}
	if math.Abs(r.LearnedSlope-2.0) > 1e-9 {
		t.Errorf("expected learned slope 2.0, got %v", r.LearnedSlope)
	}
}

func TestScenarioColdOutdoor(t *testing.T) {
	e := newEngine(nil)
	cycles := cyclesWithSlope(t, 3, 2.0)

	// Outdoor 5°C: factor 1.75, effective slope 2/1.75, so 157.5 minutes.
	env := pkg.EnvironmentState{
		CurrentTemp: 18.0,
		OutdoorTemp: ptr(5.0),
		Timestamp:   base,
	}
	r := e.Compute(slot(21.0), env, cycles, nil, nil)
	if r == nil {
		t.Fatal("expected a prediction")
	}
	if math.Abs(r.AnticipationMinutes-157.5) > 1e-9 {
		t.Errorf("expected 157.5 minutes, got %v", r.AnticipationMinutes)
	}
}

func TestWarmOutdoorNoPenalty(t *testing.T) {
	e := newEngine(nil)
	cycles := cyclesWithSlope(t, 3, 2.0)

	// Above 20°C the factor clamps to 1: same result as no outdoor data.
	env := pkg.EnvironmentState{
		CurrentTemp: 18.0,
		OutdoorTemp: ptr(25.0),
		Timestamp:   base,
	}
	r := e.Compute(slot(21.0), env, cycles, nil, nil)
	if r == nil {
		t.Fatal("expected a prediction")
	}
	if math.Abs(r.AnticipationMinutes-90.0) > 1e-9 {
		t.Errorf("expected 90 minutes with clamped factor, got %v", r.AnticipationMinutes)
	}
}

func TestHumidityAndCloudCorrections(t *testing.T) {
	e := newEngine(nil)
	cycles := cyclesWithSlope(t, 3, 2.0)

	env := pkg.EnvironmentState{
		CurrentTemp: 18.0,
		Humidity:    ptr(80.0),
		Timestamp:   base,
	}
	r := e.Compute(slot(21.0), env, cycles, nil, nil)
	if math.Abs(r.AnticipationMinutes-99.0) > 1e-9 {
		t.Errorf("expected 90 * 1.10 = 99 minutes with high humidity, got %v", r.AnticipationMinutes)
	}

	env = pkg.EnvironmentState{
		CurrentTemp:   18.0,
		CloudCoverage: ptr(10.0),
		Timestamp:     base,
	}
	r = e.Compute(slot(21.0), env, cycles, nil, nil)
	if math.Abs(r.AnticipationMinutes-85.5) > 1e-9 {
		t.Errorf("expected 90 * 0.95 = 85.5 minutes with clear sky, got %v", r.AnticipationMinutes)
	}
}

func TestNoPredictionCases(t *testing.T) {
	e := newEngine(nil)
	cycles := cyclesWithSlope(t, 3, 2.0)

	if r := e.Compute(nil, pkg.EnvironmentState{CurrentTemp: 18.0}, cycles, nil, nil); r != nil {
		t.Error("no schedule slot must yield no prediction")
	}
	// Already at target.
	if r := e.Compute(slot(21.0), pkg.EnvironmentState{CurrentTemp: 21.0}, cycles, nil, nil); r != nil {
		t.Error("delta == 0 must yield no prediction")
	}
	// Above target.
	if r := e.Compute(slot(21.0), pkg.EnvironmentState{CurrentTemp: 22.0}, cycles, nil, nil); r != nil {
		t.Error("delta < 0 must yield no prediction")
	}
}

func TestMonotonicityInDelta(t *testing.T) {
	e := newEngine(nil)
	cycles := cyclesWithSlope(t, 3, 2.0)

	prev := 0.0
	for _, current := range []float64{20.0, 19.0, 18.0, 17.0} {
		r := e.Compute(slot(21.0), pkg.EnvironmentState{CurrentTemp: current}, cycles, nil, nil)
		if r == nil {
			t.Fatalf("expected prediction at current=%v", current)
		}
		if r.AnticipationMinutes <= prev {
			t.Errorf("anticipation must grow with delta: %v then %v", prev, r.AnticipationMinutes)
		}
		prev = r.AnticipationMinutes
	}
}

func TestBoundEnforcement(t *testing.T) {
	e := newEngine(nil)

	// Very fast room: raw anticipation below the minimum clamps up to 5.
	fast := cyclesWithSlope(t, 3, 30.0)
	r := e.Compute(slot(21.0), pkg.EnvironmentState{CurrentTemp: 20.5}, fast, nil, nil)
	if r == nil || r.AnticipationMinutes != 5.0 {
		t.Errorf("expected clamp to 5 minutes, got %+v", r)
	}

	// Very slow room: raw anticipation above the maximum clamps down to 240.
	slow := cyclesWithSlope(t, 3, 0.3)
	r = e.Compute(slot(21.0), pkg.EnvironmentState{CurrentTemp: 15.0}, slow, nil, nil)
	if r == nil || r.AnticipationMinutes != 240.0 {
		t.Errorf("expected clamp to 240 minutes, got %+v", r)
	}
}

func TestConfidenceScaling(t *testing.T) {
	e := newEngine(nil)

	// Zero history: 30% base minus 10% for the degraded contextual fallback,
	// floored by the formula itself at 20.
	r := e.Compute(slot(21.0), pkg.EnvironmentState{CurrentTemp: 18.0}, nil, nil, nil)
	if r == nil {
		t.Fatal("expected default-slope prediction with no history")
	}
	if r.ConfidenceLevel >= 30.0 {
		t.Errorf("expected degraded confidence below 30, got %v", r.ConfidenceLevel)
	}

	// Rich history plus both optional sensors: 30 + 50 + 20 = 100.
	cycles := cyclesWithSlope(t, 6, 2.0)
	env := pkg.EnvironmentState{
		CurrentTemp:   18.0,
		Humidity:      ptr(50.0),
		CloudCoverage: ptr(50.0),
	}
	r = e.Compute(slot(21.0), env, cycles, nil, nil)
	if r == nil || r.ConfidenceLevel != 100.0 {
		t.Errorf("expected 100%% confidence, got %+v", r)
	}
}

type fixedPredictor struct {
	minutes float64
	ok      bool
}

func (f fixedPredictor) PredictDuration(feats map[string]float64) (float64, bool) {
	return f.minutes, f.ok
}

func TestLearnedPathPreferred(t *testing.T) {
	e := newEngine(fixedPredictor{minutes: 72.0, ok: true})
	cycles := cyclesWithSlope(t, 3, 2.0)

	feats := map[string]float64{"temp_delta": 3.0}
	r := e.Compute(slot(21.0), pkg.EnvironmentState{CurrentTemp: 18.0}, cycles, nil, feats)
	if r == nil {
		t.Fatal("expected a prediction")
	}
	if math.Abs(r.AnticipationMinutes-72.0) > 1e-9 {
		t.Errorf("expected learned 72 minutes, got %v", r.AnticipationMinutes)
	}
	// The slope is still reported for the guard even on the learned path.
	if math.Abs(r.LearnedSlope-2.0) > 1e-9 {
		t.Errorf("expected reported slope 2.0, got %v", r.LearnedSlope)
	}
}

func TestPersistedSlopesBackEmptyCache(t *testing.T) {
	e := newEngine(nil)

	// No cached cycles, as after a restart, but three persisted slope samples
	// inside the window: the estimate comes from them, not the default.
	var samples []pkg.SlopeData
	for i := 1; i <= 3; i++ {
		sd, err := pkg.NewSlopeData(1.5, slotStart.Add(-time.Duration(i)*time.Hour))
		if err != nil {
			t.Fatalf("building fixture sample: %v", err)
		}
		samples = append(samples, sd)
	}

	r := e.Compute(slot(21.0), pkg.EnvironmentState{CurrentTemp: 18.0}, nil, samples, nil)
	if r == nil {
		t.Fatal("expected a prediction")
	}
	if math.Abs(r.AnticipationMinutes-120.0) > 1e-9 {
		t.Errorf("expected 120 minutes from persisted slope 1.5, got %v", r.AnticipationMinutes)
	}
	if math.Abs(r.LearnedSlope-1.5) > 1e-9 {
		t.Errorf("expected persisted slope 1.5, got %v", r.LearnedSlope)
	}
}

func TestUntrainedModelFallsBack(t *testing.T) {
	e := newEngine(fixedPredictor{ok: false})
	cycles := cyclesWithSlope(t, 3, 2.0)

	feats := map[string]float64{"temp_delta": 3.0}
	r := e.Compute(slot(21.0), pkg.EnvironmentState{CurrentTemp: 18.0}, cycles, nil, feats)
	if r == nil {
		t.Fatal("expected fallback prediction")
	}
	if math.Abs(r.AnticipationMinutes-90.0) > 1e-9 {
		t.Errorf("expected statistical 90 minutes on fallback, got %v", r.AnticipationMinutes)
	}
}
