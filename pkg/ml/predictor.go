// Package ml trains and serves a gradient-boosted regression ensemble that
// predicts optimal preheat duration in minutes from engineered features
package ml

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"sync/atomic"
	"time"

	"gonum.org/v1/gonum/stat"

	"github.com/thermopilot/thermopilot/pkg"
	"github.com/thermopilot/thermopilot/pkg/features"
	"github.com/thermopilot/thermopilot/pkg/logx"
)

// holdoutFraction is the share of examples reserved for RMSE/MAE evaluation.
const holdoutFraction = 0.2

// ErrUntrained marks prediction attempts before any successful training.
var ErrUntrained = errors.New("model not trained")

// Predictor serves duration predictions from the current model. The model
// pointer is swapped atomically after a successful retrain; in-flight
// predictions never observe a half-trained model.
type Predictor struct {
	roomID  string
	current atomic.Pointer[gbrtModel]
	meta    atomic.Pointer[pkg.ModelMetadata]
	logger  *logx.Logger
}

// NewPredictor creates an untrained predictor for one room
func NewPredictor(roomID string, logger *logx.Logger) *Predictor {
	return &Predictor{roomID: roomID, logger: logger}
}

// Trained reports whether a model is currently loaded.
func (p *Predictor) Trained() bool {
	return p.current.Load() != nil
}

// Metadata returns the current model's metadata, or nil when untrained.
func (p *Predictor) Metadata() *pkg.ModelMetadata {
	return p.meta.Load()
}

// Predict returns the predicted preheat duration in minutes, or ErrUntrained.
func (p *Predictor) Predict(feats map[string]float64) (float64, error) {
	model := p.current.Load()
	if model == nil {
		return 0, ErrUntrained
	}
	x := features.Vector(feats, model.FeatureNames)
	return model.predict(x), nil
}

// Train fits a new ensemble on the examples, evaluates it on a 20% held-out
// tail, and installs it only when the held-out RMSE strictly improves on the
// current model (a first model always installs). It returns the new model's
// metadata and serialized blob when installed, and (nil, nil) when the
// candidate was rejected.
func (p *Predictor) Train(examples []pkg.TrainingExample) (*pkg.ModelMetadata, []byte, error) {
	if len(examples) < 5 {
		return nil, nil, fmt.Errorf("training: %w", errTooFewSamples)
	}

	names := unionNames(examples)
	holdout := int(float64(len(examples)) * holdoutFraction)
	if holdout < 1 {
		holdout = 1
	}
	split := len(examples) - holdout

	X := make([][]float64, 0, split)
	y := make([]float64, 0, split)
	for _, ex := range examples[:split] {
		X = append(X, features.Vector(ex.Features, names))
		y = append(y, ex.LabelMins)
	}

	model, err := fitGBRT(defaultGBRTConfig(), names, X, y)
	if err != nil {
		return nil, nil, fmt.Errorf("training: %w", err)
	}

	rmse, mae := evaluate(model, examples[split:])

	if cur := p.meta.Load(); cur != nil && rmse >= cur.RMSE {
		p.logger.Info("candidate model rejected, no RMSE improvement",
			"room", p.roomID,
			"candidate_rmse", rmse,
			"current_rmse", cur.RMSE,
		)
		return nil, nil, nil
	}

	meta := &pkg.ModelMetadata{
		RoomID:    p.roomID,
		TrainedAt: time.Now().UTC(),
		RMSE:      rmse,
		MAE:       mae,
		Samples:   len(examples),
		Features:  names,
	}
	blob, err := json.Marshal(model)
	if err != nil {
		return nil, nil, fmt.Errorf("serializing model: %w", err)
	}

	p.current.Store(model)
	p.meta.Store(meta)
	p.logger.Info("model installed",
		"room", p.roomID,
		"rmse", rmse,
		"mae", mae,
		"samples", len(examples),
		"features", len(names),
	)
	return meta, blob, nil
}

// Reset drops the current model; the predictor reports untrained again.
func (p *Predictor) Reset() {
	p.current.Store(nil)
	p.meta.Store(nil)
}

// Load restores a serialized model. Decode failure surfaces as
// ErrStorageCorrupt; corrupt state is never silently repaired.
func (p *Predictor) Load(blob []byte, meta pkg.ModelMetadata) error {
	var model gbrtModel
	if err := json.Unmarshal(blob, &model); err != nil {
		return fmt.Errorf("%w: model blob: %v", pkg.ErrStorageCorrupt, err)
	}
	m := meta
	p.current.Store(&model)
	p.meta.Store(&m)
	return nil
}

// evaluate computes RMSE and MAE over held-out examples.
func evaluate(model *gbrtModel, held []pkg.TrainingExample) (rmse, mae float64) {
	if len(held) == 0 {
		return 0, 0
	}
	sq := make([]float64, 0, len(held))
	abs := make([]float64, 0, len(held))
	for _, ex := range held {
		pred := model.predict(features.Vector(ex.Features, model.FeatureNames))
		d := pred - ex.LabelMins
		sq = append(sq, d*d)
		abs = append(abs, math.Abs(d))
	}
	return math.Sqrt(stat.Mean(sq, nil)), stat.Mean(abs, nil)
}

// unionNames collects every feature key seen across the examples, sorted.
func unionNames(examples []pkg.TrainingExample) []string {
	all := make(map[string]float64)
	for _, ex := range examples {
		for k := range ex.Features {
			all[k] = 0
		}
	}
	return features.Names(all)
}
