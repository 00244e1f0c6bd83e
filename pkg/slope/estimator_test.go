package slope

import (
	"fmt"
	"math"
	"testing"
	"time"

	"github.com/thermopilot/thermopilot/pkg"
	"github.com/thermopilot/thermopilot/pkg/logx"
)

var base = time.Date(2026, 1, 15, 6, 0, 0, 0, time.UTC)

// cycleWithSlope builds a one-hour cycle whose slope equals the given value.
func cycleWithSlope(t *testing.T, start time.Time, slope float64) pkg.HeatingCycle {
	t.Helper()
	c, err := pkg.NewHeatingCycle(
		fmt.Sprintf("living-%d", start.UnixNano()), "living",
		start, start.Add(time.Hour),
		18.0, 18.0+slope, 21.0,
	)
	if err != nil {
		t.Fatalf("building fixture cycle: %v", err)
	}
	return c
}

func TestGlobalDefaultWithFewCycles(t *testing.T) {
	e := New(6.0, logx.New("error"))

	cycles := []pkg.HeatingCycle{
		cycleWithSlope(t, base, 1.5),
		cycleWithSlope(t, base.Add(2*time.Hour), 1.7),
	}
	if got := e.GlobalLHS(cycles); got != DefaultLHS {
		t.Errorf("expected default slope %v with 2 cycles, got %v", DefaultLHS, got)
	}
	if got := e.GlobalLHS(nil); got != DefaultLHS {
		t.Errorf("expected default slope %v with no cycles, got %v", DefaultLHS, got)
	}
}

func TestGlobalTrimmedMeanDropsOutliers(t *testing.T) {
	e := New(6.0, logx.New("error"))

	// Ten samples: trim floor(10 * 0.1) = 1 from each tail, so the extreme
	// 0.1 and 9.0 readings never touch the average.
	slopes := []float64{0.1, 1.8, 1.9, 2.0, 2.0, 2.0, 2.1, 2.1, 2.2, 9.0}
	var cycles []pkg.HeatingCycle
	for i, s := range slopes {
		cycles = append(cycles, cycleWithSlope(t, base.Add(time.Duration(i)*2*time.Hour), s))
	}

	want := (1.8 + 1.9 + 2.0 + 2.0 + 2.0 + 2.1 + 2.1 + 2.2) / 8.0
	if got := e.GlobalLHS(cycles); math.Abs(got-want) > 1e-9 {
		t.Errorf("expected trimmed mean %v, got %v", want, got)
	}
}

func TestGlobalSmallSampleNoTrim(t *testing.T) {
	e := New(6.0, logx.New("error"))

	// floor(3 * 0.1) = 0: nothing is trimmed below 10 samples.
	cycles := []pkg.HeatingCycle{
		cycleWithSlope(t, base, 1.0),
		cycleWithSlope(t, base.Add(2*time.Hour), 2.0),
		cycleWithSlope(t, base.Add(4*time.Hour), 3.0),
	}
	if got := e.GlobalLHS(cycles); math.Abs(got-2.0) > 1e-9 {
		t.Errorf("expected plain mean 2.0, got %v", got)
	}
}

func TestContextualUsesRecentWindow(t *testing.T) {
	e := New(6.0, logx.New("error"))

	target := time.Date(2026, 1, 20, 7, 0, 0, 0, time.UTC)

	// Cycles inside the 6h window before the target heat at 1.5 °C/h; cycles
	// from earlier days heat at 3.0 °C/h and must not count, even when they
	// started at the same clock time.
	var cycles []pkg.HeatingCycle
	for i := 1; i <= 3; i++ {
		cycles = append(cycles, cycleWithSlope(t, target.Add(-time.Duration(i)*90*time.Minute), 1.5))
	}
	for day := 1; day <= 4; day++ {
		cycles = append(cycles, cycleWithSlope(t, target.Add(-time.Duration(day)*24*time.Hour), 3.0))
	}

	got, degraded := e.ContextualLHS(cycles, target)
	if degraded {
		t.Fatal("expected enough recent cycles for a contextual estimate")
	}
	if math.Abs(got-1.5) > 1e-9 {
		t.Errorf("expected recent slope 1.5, got %v", got)
	}
}

func TestContextualFallsBackToGlobal(t *testing.T) {
	e := New(6.0, logx.New("error"))

	// All cycles are days old; a target now matches none of them.
	var cycles []pkg.HeatingCycle
	for day := 1; day <= 5; day++ {
		d := time.Duration(day) * 24 * time.Hour
		cycles = append(cycles, cycleWithSlope(t, base.Add(-d), 2.5))
	}

	got, degraded := e.ContextualLHS(cycles, base)
	if !degraded {
		t.Error("expected degraded confidence on contextual fallback")
	}
	if math.Abs(got-2.5) > 1e-9 {
		t.Errorf("expected global fallback 2.5, got %v", got)
	}
}

func TestContextualWindowSpansMidnight(t *testing.T) {
	e := New(6.0, logx.New("error"))

	// Late-evening cycles sit inside the window of a 02:00 target on the next
	// calendar day.
	var cycles []pkg.HeatingCycle
	for i := 0; i < 3; i++ {
		start := time.Date(2026, 1, 19, 21, 0, 0, 0, time.UTC).Add(time.Duration(i) * time.Hour)
		cycles = append(cycles, cycleWithSlope(t, start, 1.2))
	}

	target := time.Date(2026, 1, 20, 2, 0, 0, 0, time.UTC)
	got, degraded := e.ContextualLHS(cycles, target)
	if degraded {
		t.Fatal("expected the window to span the calendar day boundary")
	}
	if math.Abs(got-1.2) > 1e-9 {
		t.Errorf("expected slope 1.2, got %v", got)
	}
}

func slopeSample(t *testing.T, value float64, ts time.Time) pkg.SlopeData {
	t.Helper()
	sd, err := pkg.NewSlopeData(value, ts)
	if err != nil {
		t.Fatalf("building fixture sample: %v", err)
	}
	return sd
}

func TestContextualFromSamplesPrefersWindow(t *testing.T) {
	e := New(6.0, logx.New("error"))

	target := time.Date(2026, 1, 20, 7, 0, 0, 0, time.UTC)
	samples := []pkg.SlopeData{
		slopeSample(t, 1.4, target.Add(-time.Hour)),
		slopeSample(t, 1.5, target.Add(-2*time.Hour)),
		slopeSample(t, 1.6, target.Add(-3*time.Hour)),
		slopeSample(t, 4.0, target.Add(-48*time.Hour)),
	}

	got, degraded, ok := e.ContextualFromSamples(samples, target)
	if !ok || degraded {
		t.Fatalf("expected windowed sample estimate, got ok=%v degraded=%v", ok, degraded)
	}
	if math.Abs(got-1.5) > 1e-9 {
		t.Errorf("expected windowed mean 1.5, got %v", got)
	}
}

func TestContextualFromSamplesFallsBackToAll(t *testing.T) {
	e := New(6.0, logx.New("error"))

	target := time.Date(2026, 1, 20, 7, 0, 0, 0, time.UTC)
	samples := []pkg.SlopeData{
		slopeSample(t, 2.0, target.Add(-24*time.Hour)),
		slopeSample(t, 2.5, target.Add(-48*time.Hour)),
		slopeSample(t, 3.0, target.Add(-72*time.Hour)),
	}

	got, degraded, ok := e.ContextualFromSamples(samples, target)
	if !ok || !degraded {
		t.Fatalf("expected degraded all-sample fallback, got ok=%v degraded=%v", ok, degraded)
	}
	if math.Abs(got-2.5) > 1e-9 {
		t.Errorf("expected all-sample mean 2.5, got %v", got)
	}

	if _, _, ok := e.ContextualFromSamples(samples[:2], target); ok {
		t.Error("expected ok=false with fewer than three samples")
	}
}
