package features

import (
	"math"
	"testing"
	"time"

	"github.com/thermopilot/thermopilot/pkg"
	"github.com/thermopilot/thermopilot/pkg/logx"
)

var at = time.Date(2026, 1, 15, 6, 0, 0, 0, time.UTC)

func series(stepMinutes int, values ...float64) []pkg.HistoryPoint {
	// Newest sample lands exactly at `at`; older samples step backwards.
	var out []pkg.HistoryPoint
	for i, v := range values {
		offset := time.Duration((len(values)-1-i)*stepMinutes) * time.Minute
		out = append(out, pkg.HistoryPoint{Timestamp: at.Add(-offset), Value: v})
	}
	return out
}

func TestCyclicHourEncoding(t *testing.T) {
	b := NewBuilder(Config{}, logx.New("error"))

	f := b.CommonFeatures(at, nil, nil, nil)
	angle := 2 * math.Pi * 6.0 / 24.0
	if math.Abs(f["hour_sin"]-math.Sin(angle)) > 1e-9 {
		t.Errorf("hour_sin: expected %v, got %v", math.Sin(angle), f["hour_sin"])
	}
	if math.Abs(f["hour_cos"]-math.Cos(angle)) > 1e-9 {
		t.Errorf("hour_cos: expected %v, got %v", math.Cos(angle), f["hour_cos"])
	}

	// Midnight and noon land on opposite sides of the circle.
	mid := b.CommonFeatures(time.Date(2026, 1, 15, 0, 0, 0, 0, time.UTC), nil, nil, nil)
	noon := b.CommonFeatures(time.Date(2026, 1, 15, 12, 0, 0, 0, time.UTC), nil, nil, nil)
	if math.Abs(mid["hour_cos"]-1.0) > 1e-9 || math.Abs(noon["hour_cos"]+1.0) > 1e-9 {
		t.Errorf("expected cos(midnight)=1 and cos(noon)=-1, got %v and %v",
			mid["hour_cos"], noon["hour_cos"])
	}
}

func TestLagAggregationAverage(t *testing.T) {
	b := NewBuilder(Config{LagIntervals: []int{15, 30}}, logx.New("error"))

	// Samples every 10 minutes: 18.0 (t-30), 19.0 (t-20), 20.0 (t-10), 21.0 (t).
	temps := series(10, 18.0, 19.0, 20.0, 21.0)
	f := b.RoomFeatures(at, 21.0, 22.0, temps, nil)

	// 15-minute window holds the t-10 and t samples.
	if got := f["temp_lag_15"]; math.Abs(got-20.5) > 1e-9 {
		t.Errorf("temp_lag_15: expected 20.5, got %v", got)
	}
	// 30-minute window holds all four samples.
	if got := f["temp_lag_30"]; math.Abs(got-19.5) > 1e-9 {
		t.Errorf("temp_lag_30: expected 19.5, got %v", got)
	}
}

func TestLagAggregationModes(t *testing.T) {
	temps := series(10, 18.0, 19.0, 20.0, 21.0)

	cases := []struct {
		agg  string
		want float64
	}{
		{"min", 18.0},
		{"max", 21.0},
		{"median", 19.0},
		{"average", 19.5},
	}
	for _, c := range cases {
		t.Run(c.agg, func(t *testing.T) {
			b := NewBuilder(Config{LagIntervals: []int{30}, Aggregation: c.agg}, logx.New("error"))
			f := b.RoomFeatures(at, 21.0, 22.0, temps, nil)
			if got := f["temp_lag_30"]; math.Abs(got-c.want) > 1e-9 {
				t.Errorf("%s: expected %v, got %v", c.agg, c.want, got)
			}
		})
	}
}

func TestCurrentSlopeFromRegression(t *testing.T) {
	b := NewBuilder(Config{}, logx.New("error"))

	// Near-linear 1.0 °C/h rise over the trailing half hour.
	temps := series(10, 20.0, 20.17, 20.33, 20.5)
	f := b.RoomFeatures(at, 20.5, 22.0, temps, nil)

	slope, ok := f["current_slope"]
	if !ok {
		t.Fatal("expected current_slope with 4 in-window samples")
	}
	if math.Abs(slope-1.0) > 0.1 {
		t.Errorf("expected slope near 1.0 °C/h, got %v", slope)
	}
}

func TestCurrentSlopeNeedsThreePoints(t *testing.T) {
	b := NewBuilder(Config{}, logx.New("error"))

	temps := series(10, 20.0, 20.5)
	f := b.RoomFeatures(at, 20.5, 22.0, temps, nil)
	if _, ok := f["current_slope"]; ok {
		t.Error("expected no current_slope with only 2 samples")
	}
}

func TestMergePrefixesNeighborKeys(t *testing.T) {
	b := NewBuilder(Config{}, logx.New("error"))

	room := map[string]float64{"current_temp": 20.0}
	common := map[string]float64{"hour_sin": 0.5}
	neighbors := map[string]map[string]float64{
		"bedroom": {"current_temp": 18.0},
	}

	merged := b.Merge(room, common, neighbors)
	if merged["current_temp"] != 20.0 {
		t.Errorf("room key clobbered: %v", merged["current_temp"])
	}
	if merged["hour_sin"] != 0.5 {
		t.Errorf("missing common key: %v", merged["hour_sin"])
	}
	if merged["bedroom_current_temp"] != 18.0 {
		t.Errorf("neighbor key not prefixed: %v", merged)
	}
}

func TestVectorizationIsDeterministic(t *testing.T) {
	f := map[string]float64{"b": 2.0, "a": 1.0, "c": 3.0}

	names := Names(f)
	want := []string{"a", "b", "c"}
	for i, n := range want {
		if names[i] != n {
			t.Fatalf("expected sorted names %v, got %v", want, names)
		}
	}

	vec := Vector(f, names)
	if vec[0] != 1.0 || vec[1] != 2.0 || vec[2] != 3.0 {
		t.Errorf("unexpected vector: %v", vec)
	}
	// Missing names project to zero.
	vec = Vector(f, []string{"a", "zz"})
	if vec[1] != 0 {
		t.Errorf("expected zero for missing feature, got %v", vec[1])
	}
}
