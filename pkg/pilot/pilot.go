// Package pilot orchestrates the per-room engine: observation intake, cycle
// learning, prediction scheduling, preheat triggering, and overshoot aborts
package pilot

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/thermopilot/thermopilot/pkg"
	"github.com/thermopilot/thermopilot/pkg/config"
	"github.com/thermopilot/thermopilot/pkg/cycle"
	"github.com/thermopilot/thermopilot/pkg/detector"
	"github.com/thermopilot/thermopilot/pkg/features"
	"github.com/thermopilot/thermopilot/pkg/guard"
	"github.com/thermopilot/thermopilot/pkg/logx"
	"github.com/thermopilot/thermopilot/pkg/metrics"
	"github.com/thermopilot/thermopilot/pkg/ml"
	"github.com/thermopilot/thermopilot/pkg/mqtt"
	"github.com/thermopilot/thermopilot/pkg/prediction"
	"github.com/thermopilot/thermopilot/pkg/retry"
	"github.com/thermopilot/thermopilot/pkg/slope"
	"github.com/thermopilot/thermopilot/pkg/telem"
)

// Action is the heating decision for a room
type Action int

const (
	ActionNone Action = iota
	ActionStartHeating
	ActionMonitor
	ActionStopHeating
)

func (a Action) String() string {
	switch a {
	case ActionStartHeating:
		return "start_heating"
	case ActionMonitor:
		return "monitor"
	case ActionStopHeating:
		return "stop_heating"
	default:
		return "no_action"
	}
}

// Decision is the outcome of one decide pass.
type Decision struct {
	Action     Action
	Reason     string
	Prediction *pkg.PredictionResult
}

// preheatState tracks an engine-triggered preheat in progress.
type preheatState struct {
	slot  pkg.ScheduleTimeslot
	slope float64
}

// Pilot runs the engine for a single room. One instance per room_id; all
// state sits behind one mutex so cache refreshes, guard checks, and decisions
// never race within a room.
type Pilot struct {
	mu sync.Mutex

	roomID string
	cfg    *config.Config
	logger *logx.Logger

	storage     pkg.ModelStorage
	scheduler   pkg.SchedulerReader
	commander   pkg.SchedulerCommander
	environment pkg.EnvironmentReader

	cache     *cycle.Cache
	det       *detector.Detector
	detState  detector.CycleState
	estimator *slope.Estimator
	builder   *features.Builder
	predictor *ml.Predictor
	pipeline  *ml.Pipeline
	engine    *prediction.Engine
	overshoot *guard.Guard
	store     *telem.Store

	metrics *metrics.Server // optional
	mqtt    *mqtt.Client    // optional

	preheat *preheatState // nil when no engine-triggered preheat is active

	now func() time.Time
}

// Deps carries the external collaborators and optional sinks.
type Deps struct {
	History     pkg.HistoryReader
	Storage     pkg.ModelStorage
	Scheduler   pkg.SchedulerReader
	Commander   pkg.SchedulerCommander
	Environment pkg.EnvironmentReader
	Telem       *telem.Store
	Metrics     *metrics.Server
	MQTT        *mqtt.Client
}

// New wires a pilot for one room from the shared configuration
func New(roomID string, cfg *config.Config, deps Deps, logger *logx.Logger) *Pilot {
	log := logger.With("room", roomID)

	det := detector.New(cfg.DeltaThreshold, log)
	cache := cycle.NewCache(roomID, cycle.Config{
		RetentionDays:   cfg.DataRetentionDays,
		RefreshInterval: cfg.RefreshInterval(),
		MinCycleMinutes: cfg.MinCycleMinutes,
	}, deps.History, deps.Storage, det, retry.NewRunner(retry.DefaultConfig()), log)

	estimator := slope.New(cfg.LHSWindowHours, log)
	builder := features.NewBuilder(features.Config{
		LagIntervals: cfg.LagIntervals,
		Aggregation:  cfg.LagAggregation,
	}, log)

	predictor := ml.NewPredictor(roomID, log)
	pipeline := ml.NewPipeline(roomID, cfg.MinTrainingCycles, deps.Storage, predictor, log)

	var learned prediction.DurationPredictor
	if cfg.MLEnabled {
		learned = learnedAdapter{predictor}
	}
	engine := prediction.New(prediction.Config{
		MinMinutes: cfg.MinAnticipationMinutes,
		MaxMinutes: cfg.MaxAnticipationMinutes,
	}, estimator, learned, log)

	st := deps.Telem
	if st == nil {
		st = telem.NewStore(telem.Config{})
	}

	return &Pilot{
		roomID:      roomID,
		cfg:         cfg,
		logger:      log,
		storage:     deps.Storage,
		scheduler:   deps.Scheduler,
		commander:   deps.Commander,
		environment: deps.Environment,
		cache:       cache,
		det:         det,
		estimator:   estimator,
		builder:     builder,
		predictor:   predictor,
		pipeline:    pipeline,
		engine:      engine,
		overshoot:   guard.New(cfg.OvershootThreshold, log),
		store:       st,
		metrics:     deps.Metrics,
		mqtt:        deps.MQTT,
		now:         time.Now,
	}
}

// Restore loads persisted model state; call once at startup.
func (p *Pilot) Restore(ctx context.Context) error {
	return p.pipeline.Restore(ctx)
}

// RecordObservation feeds one live measurement into the engine: it advances
// cycle detection, stores completed cycles as learning signal, and runs the
// overshoot guard while a preheat is active.
func (p *Pilot) RecordObservation(ctx context.Context, m pkg.Measurement) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.store.AddObservation(p.roomID, m)

	st, completed := p.det.Process(p.roomID, p.detState, []pkg.Measurement{m})
	p.detState = st
	if len(completed) > 0 {
		p.ingestCyclesLocked(ctx, completed)
	}

	if p.preheat != nil {
		p.checkOvershootLocked(ctx, m)
	}
	return nil
}

// ingestCyclesLocked stores completed cycles as slope samples and, when they
// belong to an engine-triggered preheat, as labeled training examples.
func (p *Pilot) ingestCyclesLocked(ctx context.Context, completed []pkg.HeatingCycle) {
	for i := range completed {
		if p.preheat != nil {
			ts := p.preheat.slot.StartTime
			completed[i].ScheduledTargetTime = &ts
		}

		c := completed[i]
		sd, err := pkg.NewSlopeData(c.Slope(), c.EndTime)
		if err == nil {
			if err := p.storage.SaveSlopeData(ctx, p.roomID, sd); err != nil {
				p.logger.Warn("slope sample not persisted", "error", err)
			}
		}

		p.store.AddEvent(telem.Event{
			Timestamp: c.EndTime,
			Type:      pkg.EventCycleDetected,
			RoomID:    p.roomID,
			Message:   fmt.Sprintf("cycle %s: %.1f min at %.2f°C/h", c.CycleID, c.DurationMinutes(), c.Slope()),
		})
	}

	if p.metrics != nil {
		p.metrics.RecordCyclesDetected(p.roomID, len(completed))
	}

	if p.cfg.MLEnabled {
		added, err := p.pipeline.Ingest(ctx, completed, p.cycleFeatures)
		if err != nil {
			p.logger.Warn("training examples not stored", "error", err)
		} else if added > 0 {
			p.logger.Debug("training examples stored", "count", added)
		}
	}
}

// cycleFeatures reconstructs the feature map in effect at a cycle's start.
func (p *Pilot) cycleFeatures(c pkg.HeatingCycle) map[string]float64 {
	lookback := c.StartTime.Add(-3 * time.Hour)
	temps := p.store.TemperatureSeries(p.roomID, lookback)
	power := p.store.PowerSeries(p.roomID, lookback)
	room := p.builder.RoomFeatures(c.StartTime, c.StartTemp, c.TargetTemp, temps, power)

	outdoor, humidity, cloud := p.store.EnvironmentSeries(p.roomID, lookback)
	common := p.builder.CommonFeatures(c.StartTime,
		seriesOrPoint(outdoor, c.StartTime, c.OutdoorTemp),
		seriesOrPoint(humidity, c.StartTime, c.Humidity),
		seriesOrPoint(cloud, c.StartTime, c.CloudCoverage))
	return p.builder.Merge(room, common, nil)
}

// checkOvershootLocked projects the temperature at the target time and aborts
// the preheat on projected overshoot. Respecting the scheduler's own gate:
// when the schedule is disabled the check is skipped, not bypassed.
func (p *Pilot) checkOvershootLocked(ctx context.Context, m pkg.Measurement) {
	active, err := p.scheduler.HasActiveSchedule(ctx, p.roomID)
	if err != nil {
		p.logger.Warn("schedule state unavailable, skipping guard check", "error", err)
		return
	}
	if !active {
		return
	}

	s := p.preheat.slope
	if m.HeatingSlope != nil && *m.HeatingSlope > 0 {
		s = *m.HeatingSlope
	}

	if !p.overshoot.Check(m.CurrentTemp, s, p.preheat.slot.TargetTemp, p.preheat.slot.StartTime, m.Timestamp) {
		return
	}

	if err := p.commander.CancelAction(ctx, p.roomID); err != nil {
		p.logger.Error("preheat abort failed", "error", err)
		return
	}
	p.preheat = nil

	p.store.AddEvent(telem.Event{
		Timestamp: m.Timestamp,
		Type:      pkg.EventOvershootAbort,
		RoomID:    p.roomID,
		Message:   fmt.Sprintf("projected overshoot at %.1f°C, preheat aborted", m.CurrentTemp),
	})
	if p.metrics != nil {
		p.metrics.RecordOvershootAbort(p.roomID)
	}
}

// RefreshCache runs the incremental cycle extraction; the cache itself
// enforces the refresh cadence.
func (p *Pilot) RefreshCache(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if err := p.cache.Refresh(ctx); err != nil {
		if p.metrics != nil {
			p.metrics.RecordRefreshError(p.roomID)
		}
		return err
	}

	if p.metrics != nil {
		cycles := p.cache.Snapshot()
		p.metrics.SetRoomState(p.roomID, p.estimator.GlobalLHS(cycles), len(cycles))
	}
	return nil
}

// ComputePrediction computes the current start-time prediction. A nil result
// with nil error is the normal outcome when no prediction applies.
func (p *Pilot) ComputePrediction(ctx context.Context) (*pkg.PredictionResult, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.computePredictionLocked(ctx)
}

func (p *Pilot) computePredictionLocked(ctx context.Context) (*pkg.PredictionResult, error) {
	slot, err := p.scheduler.GetNextTimeslot(ctx, p.roomID)
	if err != nil {
		return nil, fmt.Errorf("reading schedule: %w", err)
	}
	if slot == nil {
		return nil, nil
	}

	env, err := p.environment.GetCurrentState(ctx, p.roomID)
	if err != nil {
		return nil, fmt.Errorf("reading environment: %w", err)
	}

	cycles := p.cache.Snapshot()

	// Below the estimator's minimum the cache alone would yield the default
	// slope; persisted samples bridge the gap after a restart.
	var samples []pkg.SlopeData
	if len(cycles) < 3 {
		var serr error
		samples, serr = p.storage.GetSlopeData(ctx, p.roomID)
		if serr != nil {
			p.logger.Warn("persisted slope history unavailable", "error", serr)
		}
	}

	var feats map[string]float64
	if p.cfg.MLEnabled && p.predictor.Trained() {
		feats = p.liveFeatures(env, slot.TargetTemp)
	}

	result := p.engine.Compute(slot, env, cycles, samples, feats)
	if result == nil {
		return nil, nil
	}

	path := "statistical"
	if feats != nil {
		path = "learned"
	}
	if p.metrics != nil {
		p.metrics.RecordPrediction(p.roomID, path, result.AnticipationMinutes, result.ConfidenceLevel)
	}
	if p.mqtt != nil {
		if err := p.mqtt.PublishPrediction(p.roomID, *result); err != nil {
			p.logger.Warn("prediction not published", "error", err)
		}
	}
	p.store.AddEvent(telem.Event{
		Timestamp: p.now(),
		Type:      pkg.EventPrediction,
		RoomID:    p.roomID,
		Message:   result.Reasoning,
		Data:      result,
	})
	return result, nil
}

// liveFeatures assembles the feature map for a prediction at the current time.
func (p *Pilot) liveFeatures(env pkg.EnvironmentState, targetTemp float64) map[string]float64 {
	now := p.now()
	lookback := now.Add(-3 * time.Hour)
	temps := p.store.TemperatureSeries(p.roomID, lookback)
	power := p.store.PowerSeries(p.roomID, lookback)
	room := p.builder.RoomFeatures(now, env.CurrentTemp, targetTemp, temps, power)

	outdoor, humidity, cloud := p.store.EnvironmentSeries(p.roomID, lookback)
	common := p.builder.CommonFeatures(now,
		seriesOrPoint(outdoor, now, env.OutdoorTemp),
		seriesOrPoint(humidity, now, env.Humidity),
		seriesOrPoint(cloud, now, env.CloudCoverage))
	return p.builder.Merge(room, common, nil)
}

// DecideAction runs one decision pass: start the preheat when the anticipated
// start time has arrived, monitor while one is active, and stand down when the
// schedule goes away.
func (p *Pilot) DecideAction(ctx context.Context) (Decision, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	active, err := p.scheduler.HasActiveSchedule(ctx, p.roomID)
	if err != nil {
		return Decision{Action: ActionNone}, fmt.Errorf("reading schedule state: %w", err)
	}
	if !active {
		if p.preheat != nil {
			// External cancellation: pending guard checks become no-ops.
			p.preheat = nil
			p.logger.Info("schedule deactivated, preheat tracking cleared")
		}
		return Decision{Action: ActionNone, Reason: "no active schedule"}, nil
	}

	if p.preheat != nil {
		return Decision{
			Action: ActionMonitor,
			Reason: fmt.Sprintf("preheat active toward %.1f°C at %s",
				p.preheat.slot.TargetTemp, p.preheat.slot.StartTime.Format(time.RFC3339)),
		}, nil
	}

	result, err := p.computePredictionLocked(ctx)
	if err != nil {
		return Decision{Action: ActionNone}, err
	}
	if result == nil {
		return Decision{Action: ActionNone, Reason: "no prediction available"}, nil
	}

	now := p.now()
	if now.Before(result.AnticipatedStartTime) {
		return Decision{
			Action:     ActionMonitor,
			Reason:     fmt.Sprintf("start in %.0f min", result.AnticipatedStartTime.Sub(now).Minutes()),
			Prediction: result,
		}, nil
	}

	slot, err := p.scheduler.GetNextTimeslot(ctx, p.roomID)
	if err != nil || slot == nil {
		return Decision{Action: ActionNone, Reason: "schedule slot vanished"}, err
	}

	if err := p.commander.TriggerScheduleAction(ctx, p.roomID, *slot); err != nil {
		return Decision{Action: ActionNone}, fmt.Errorf("triggering preheat: %w", err)
	}
	p.preheat = &preheatState{slot: *slot, slope: result.LearnedSlope}

	p.store.AddEvent(telem.Event{
		Timestamp: now,
		Type:      pkg.EventPreheatStarted,
		RoomID:    p.roomID,
		Message:   fmt.Sprintf("preheat started %.0f min before %s", result.AnticipationMinutes, slot.StartTime.Format(time.RFC3339)),
	})
	p.logger.Info("preheat started",
		"target_temp", slot.TargetTemp,
		"target_time", slot.StartTime,
		"anticipation_min", result.AnticipationMinutes,
	)
	return Decision{Action: ActionStartHeating, Reason: "anticipated start time reached", Prediction: result}, nil
}

// Retrain runs the training pipeline; the pipeline enforces the minimum
// example count and the strictly-better swap rule.
func (p *Pilot) Retrain(ctx context.Context) error {
	meta, err := p.pipeline.Retrain(ctx)
	if err != nil {
		if p.metrics != nil {
			p.metrics.RecordRetrain(p.roomID, "failed")
		}
		return err
	}

	outcome := "rejected"
	if meta != nil {
		outcome = "installed"
		p.store.AddEvent(telem.Event{
			Timestamp: p.now(),
			Type:      pkg.EventModelRetrained,
			RoomID:    p.roomID,
			Message:   fmt.Sprintf("model installed: rmse %.1f over %d samples", meta.RMSE, meta.Samples),
		})
	}
	if p.metrics != nil {
		p.metrics.RecordRetrain(p.roomID, outcome)
	}
	return nil
}

// ResetLearning destroys all learned state for the room: the cycle cache,
// slope history, training examples, and the trained model.
func (p *Pilot) ResetLearning(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if err := p.storage.Reset(ctx, p.roomID); err != nil {
		return fmt.Errorf("resetting storage: %w", err)
	}
	if err := p.cache.Clear(ctx); err != nil {
		return fmt.Errorf("clearing cycle cache: %w", err)
	}
	p.predictor.Reset()
	p.detState = detector.CycleState{}
	p.preheat = nil

	p.store.AddEvent(telem.Event{
		Timestamp: p.now(),
		Type:      pkg.EventLearningReset,
		RoomID:    p.roomID,
		Message:   "all learned state cleared",
	})
	p.logger.Info("learning reset")
	return nil
}

// PreheatActive reports whether an engine-triggered preheat is in progress.
func (p *Pilot) PreheatActive() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.preheat != nil
}

// learnedAdapter exposes the ML predictor through the engine's interface.
type learnedAdapter struct {
	predictor *ml.Predictor
}

func (a learnedAdapter) PredictDuration(feats map[string]float64) (float64, bool) {
	mins, err := a.predictor.Predict(feats)
	if err != nil || mins <= 0 {
		return 0, false
	}
	return mins, true
}

// seriesOrPoint returns the accumulated series, or wraps the snapshot scalar
// into a one-point series when no history has been observed yet.
func seriesOrPoint(series []pkg.HistoryPoint, ts time.Time, v *float64) []pkg.HistoryPoint {
	if len(series) > 0 {
		return series
	}
	if v == nil {
		return nil
	}
	return []pkg.HistoryPoint{{Timestamp: ts, Value: *v}}
}
