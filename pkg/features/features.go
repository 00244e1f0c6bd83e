// Package features engineers lagged, aggregated feature vectors from room and
// environment time series for the learned duration predictor
package features

import (
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/sajari/regression"
	"gonum.org/v1/gonum/stat"

	"github.com/thermopilot/thermopilot/pkg"
	"github.com/thermopilot/thermopilot/pkg/logx"
)

// slopeWindow is the trailing window used for the current-slope regression.
const slopeWindow = 30 * time.Minute

// Config controls lag offsets and the per-window aggregation function
type Config struct {
	LagIntervals []int  `json:"lag_intervals"` // minutes
	Aggregation  string `json:"aggregation"`   // average|min|max|median
}

// Builder computes room, common, and merged multi-room feature maps.
type Builder struct {
	config Config
	logger *logx.Logger
}

// NewBuilder creates a feature builder
func NewBuilder(config Config, logger *logx.Logger) *Builder {
	if len(config.LagIntervals) == 0 {
		config.LagIntervals = []int{15, 30, 60, 90, 120, 180}
	}
	if config.Aggregation == "" {
		config.Aggregation = "average"
	}
	return &Builder{config: config, logger: logger}
}

// CommonFeatures builds the environmental and temporal features shared by all
// rooms in a home: cyclic hour-of-day encoding plus lagged aggregates of the
// outdoor, humidity, and cloud series. Missing series contribute no keys.
func (b *Builder) CommonFeatures(at time.Time, outdoor, humidity, cloud []pkg.HistoryPoint) map[string]float64 {
	out := make(map[string]float64)

	hourFrac := float64(at.Hour()) + float64(at.Minute())/60.0
	angle := 2 * math.Pi * hourFrac / 24.0
	out["hour_sin"] = math.Sin(angle)
	out["hour_cos"] = math.Cos(angle)

	b.lagSeries(out, "outdoor_temp", at, outdoor)
	b.lagSeries(out, "humidity", at, humidity)
	b.lagSeries(out, "cloud_coverage", at, cloud)
	return out
}

// RoomFeatures builds the per-room features at a point in time: current state,
// target delta, regression-based current slope, and lagged aggregates of the
// room temperature and heating-power series.
func (b *Builder) RoomFeatures(at time.Time, currentTemp, targetTemp float64, temps, power []pkg.HistoryPoint) map[string]float64 {
	out := make(map[string]float64)

	out["current_temp"] = currentTemp
	out["target_temp"] = targetTemp
	out["temp_delta"] = targetTemp - currentTemp

	if slope, ok := b.currentSlope(at, temps); ok {
		out["current_slope"] = slope
	}

	b.lagSeries(out, "temp", at, temps)
	b.lagSeries(out, "power", at, power)
	return out
}

// Merge combines room features with the shared common features and, for
// thermally coupled neighbors, their room features under a room-id key prefix.
func (b *Builder) Merge(room, common map[string]float64, neighbors map[string]map[string]float64) map[string]float64 {
	out := make(map[string]float64, len(room)+len(common))
	for k, v := range room {
		out[k] = v
	}
	for k, v := range common {
		out[k] = v
	}
	for roomID, feats := range neighbors {
		for k, v := range feats {
			out[roomID+"_"+k] = v
		}
	}
	return out
}

// Names returns the feature keys in deterministic order, for stable
// vectorization across training and prediction.
func Names(features map[string]float64) []string {
	names := make([]string, 0, len(features))
	for k := range features {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}

// Vector projects a feature map onto an ordered name list. Missing names
// contribute zero.
func Vector(features map[string]float64, names []string) []float64 {
	out := make([]float64, len(names))
	for i, n := range names {
		out[i] = features[n]
	}
	return out
}

// currentSlope fits a least-squares line through the trailing temperature
// window and returns its slope in °C/hour. At least three points are needed.
func (b *Builder) currentSlope(at time.Time, temps []pkg.HistoryPoint) (float64, bool) {
	start := at.Add(-slopeWindow)
	r := new(regression.Regression)
	r.SetObserved("temperature")
	r.SetVar(0, "hours")

	n := 0
	for _, p := range temps {
		if p.Timestamp.Before(start) || p.Timestamp.After(at) {
			continue
		}
		x := p.Timestamp.Sub(start).Seconds() / 3600.0
		r.Train(regression.DataPoint(p.Value, []float64{x}))
		n++
	}
	if n < 3 {
		return 0, false
	}
	if err := r.Run(); err != nil {
		b.logger.Debug("slope regression failed", "error", err)
		return 0, false
	}
	return r.Coeff(1), true
}

// lagSeries adds one aggregated feature per lag interval, computed over the
// window [at - interval, at], not by single-point interpolation.
func (b *Builder) lagSeries(out map[string]float64, name string, at time.Time, series []pkg.HistoryPoint) {
	if len(series) == 0 {
		return
	}
	for _, lag := range b.config.LagIntervals {
		start := at.Add(-time.Duration(lag) * time.Minute)
		var window []float64
		for _, p := range series {
			if !p.Timestamp.Before(start) && !p.Timestamp.After(at) {
				window = append(window, p.Value)
			}
		}
		if len(window) == 0 {
			continue
		}
		out[fmt.Sprintf("%s_lag_%d", name, lag)] = b.aggregate(window)
	}
}

func (b *Builder) aggregate(values []float64) float64 {
	switch b.config.Aggregation {
	case "min":
		m := values[0]
		for _, v := range values[1:] {
			if v < m {
				m = v
			}
		}
		return m
	case "max":
		m := values[0]
		for _, v := range values[1:] {
			if v > m {
				m = v
			}
		}
		return m
	case "median":
		sorted := append([]float64(nil), values...)
		sort.Float64s(sorted)
		return stat.Quantile(0.5, stat.Empirical, sorted, nil)
	default: // average
		return stat.Mean(values, nil)
	}
}
