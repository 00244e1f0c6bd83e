package ml

import (
	"context"
	"fmt"
	"time"

	"github.com/thermopilot/thermopilot/pkg"
	"github.com/thermopilot/thermopilot/pkg/logx"
)

// FeatureSource builds the feature map that was in effect when a cycle
// started. The pipeline stays decoupled from how features are assembled.
type FeatureSource func(cycle pkg.HeatingCycle) map[string]float64

// Pipeline turns labeled cycles into stored training examples and runs
// retrains on them. It is the only writer of model blobs for its room.
type Pipeline struct {
	roomID            string
	minTrainingCycles int
	storage           pkg.ModelStorage
	predictor         *Predictor
	logger            *logx.Logger
}

// NewPipeline creates a training pipeline for one room
func NewPipeline(roomID string, minTrainingCycles int, storage pkg.ModelStorage, predictor *Predictor, logger *logx.Logger) *Pipeline {
	if minTrainingCycles < 3 {
		minTrainingCycles = 3
	}
	return &Pipeline{
		roomID:            roomID,
		minTrainingCycles: minTrainingCycles,
		storage:           storage,
		predictor:         predictor,
		logger:            logger,
	}
}

// Ingest labels the given cycles and appends the valid ones as training
// examples. Cycles that never reached their target, or that cannot be matched
// to a schedule slot, are skipped. Returns how many examples were added.
func (p *Pipeline) Ingest(ctx context.Context, cycles []pkg.HeatingCycle, source FeatureSource) (int, error) {
	var batch []pkg.TrainingExample
	for _, c := range cycles {
		label, ok := Label(c)
		if !ok {
			continue
		}
		feats := source(c)
		if len(feats) == 0 {
			continue
		}
		batch = append(batch, pkg.TrainingExample{
			CycleID:   c.CycleID,
			Features:  feats,
			LabelMins: label,
			CreatedAt: time.Now().UTC(),
		})
	}
	if len(batch) == 0 {
		return 0, nil
	}
	if err := p.storage.AppendTrainingExamples(ctx, p.roomID, batch); err != nil {
		return 0, fmt.Errorf("storing training examples: %w", err)
	}
	return len(batch), nil
}

// Retrain loads the stored examples and fits a candidate model. Nothing
// happens below the minimum example count; a candidate that does not strictly
// improve held-out RMSE is discarded. An installed model is persisted.
func (p *Pipeline) Retrain(ctx context.Context) (*pkg.ModelMetadata, error) {
	examples, err := p.storage.GetTrainingExamples(ctx, p.roomID)
	if err != nil {
		return nil, fmt.Errorf("loading training examples: %w", err)
	}
	if len(examples) < p.minTrainingCycles {
		p.logger.Debug("retrain skipped, not enough examples",
			"room", p.roomID,
			"examples", len(examples),
			"required", p.minTrainingCycles,
		)
		return nil, nil
	}

	meta, blob, err := p.predictor.Train(examples)
	if err != nil {
		return nil, fmt.Errorf("training model: %w", err)
	}
	if meta == nil {
		return nil, nil // candidate rejected
	}

	if err := p.storage.SaveModel(ctx, p.roomID, blob, *meta); err != nil {
		return nil, fmt.Errorf("persisting model: %w", err)
	}
	return meta, nil
}

// Restore loads the persisted model, if any, into the predictor. Corruption
// surfaces as ErrStorageCorrupt.
func (p *Pipeline) Restore(ctx context.Context) error {
	blob, meta, err := p.storage.GetModel(ctx, p.roomID)
	if err != nil {
		return fmt.Errorf("loading model: %w", err)
	}
	if blob == nil || meta == nil {
		return nil
	}
	if err := p.predictor.Load(blob, *meta); err != nil {
		return err
	}
	p.logger.Info("model restored",
		"room", p.roomID,
		"trained_at", meta.TrainedAt,
		"rmse", meta.RMSE,
	)
	return nil
}
