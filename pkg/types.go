package pkg

import (
	"context"
	"errors"
	"time"
)

// Measurement is a single observation of a room's thermostat state.
type Measurement struct {
	Timestamp     time.Time `json:"timestamp"`
	CurrentTemp   float64   `json:"current_temp"`
	TargetTemp    float64   `json:"target_temp"`
	HVACModeOn    bool      `json:"hvac_mode_on"`
	HVACActive    bool      `json:"hvac_action_active"`
	OutdoorTemp   *float64  `json:"outdoor_temp,omitempty"`
	Humidity      *float64  `json:"humidity,omitempty"`
	CloudCoverage *float64  `json:"cloud_coverage,omitempty"`
	HeatingSlope  *float64  `json:"heating_slope,omitempty"` // °C/h at this instant
}

// HeatingCycle is a completed heating interval detected from history.
// Cycles with non-positive duration or slope are never constructed; use
// NewHeatingCycle to enforce this.
type HeatingCycle struct {
	CycleID    string    `json:"cycle_id"`
	RoomID     string    `json:"room_id"`
	StartTime  time.Time `json:"start_time"`
	EndTime    time.Time `json:"end_time"`
	StartTemp  float64   `json:"start_temp"`
	EndTemp    float64   `json:"end_temp"`
	TargetTemp float64   `json:"target_temp"`

	// Optional environmental context captured at cycle start.
	InitialSlope  *float64 `json:"initial_slope,omitempty"`
	OutdoorTemp   *float64 `json:"outdoor_temp,omitempty"`
	Humidity      *float64 `json:"humidity,omitempty"`
	CloudCoverage *float64 `json:"cloud_coverage,omitempty"`

	// TargetReachedAt is when the room first crossed the target, if it did.
	TargetReachedAt *time.Time `json:"target_reached_at,omitempty"`
	// ScheduledTargetTime is the schedule slot the cycle was heating toward,
	// when one could be matched.
	ScheduledTargetTime *time.Time `json:"scheduled_target_time,omitempty"`
}

// ErrInvalidCycle marks cycles with non-positive duration or slope.
var ErrInvalidCycle = errors.New("invalid heating cycle")

// NewHeatingCycle validates and builds a HeatingCycle. It returns
// ErrInvalidCycle when the duration is non-positive or the computed slope is
// not finite and positive.
func NewHeatingCycle(cycleID, roomID string, start, end time.Time, startTemp, endTemp, targetTemp float64) (HeatingCycle, error) {
	c := HeatingCycle{
		CycleID:    cycleID,
		RoomID:     roomID,
		StartTime:  start,
		EndTime:    end,
		StartTemp:  startTemp,
		EndTemp:    endTemp,
		TargetTemp: targetTemp,
	}
	if !end.After(start) {
		return HeatingCycle{}, ErrInvalidCycle
	}
	s := c.Slope()
	if s <= 0 || s != s || s > 1e6 {
		return HeatingCycle{}, ErrInvalidCycle
	}
	return c, nil
}

// DurationHours returns the cycle length in hours.
func (c HeatingCycle) DurationHours() float64 {
	return c.EndTime.Sub(c.StartTime).Seconds() / 3600.0
}

// DurationMinutes returns the cycle length in minutes.
func (c HeatingCycle) DurationMinutes() float64 {
	return c.EndTime.Sub(c.StartTime).Seconds() / 60.0
}

// Slope returns the observed heating rate in °C/hour.
func (c HeatingCycle) Slope() float64 {
	h := c.DurationHours()
	if h <= 0 {
		return 0
	}
	return (c.EndTemp - c.StartTemp) / h
}

// SlopeData is an immutable timestamped heating-rate sample used by the
// statistical estimator.
type SlopeData struct {
	SlopeValue float64   `json:"slope_value"`
	Timestamp  time.Time `json:"timestamp"`
}

/// NewSlopeData validates a slope sample: the value must be positive and the
// timestamp must be set.
func NewSlopeData(value float64, ts time.Time) (SlopeData, error) {
	if value <= 0 {
		return SlopeData{}, errors.New("slope value must be positive")
	}
	if ts.IsZero() {
		return SlopeData{}, errors.New("slope timestamp must be set")
	}
	return SlopeData{SlopeValue: value, Timestamp: ts}, nil
}

// EnvironmentState is a snapshot of the room and outdoor conditions.
type EnvironmentState struct {
	CurrentTemp   float64   `json:"current_temp"`
	OutdoorTemp   *float64  `json:"outdoor_temp,omitempty"`
	Humidity      *float64  `json:"humidity,omitempty"`
	CloudCoverage *float64  `json:"cloud_coverage,omitempty"`
	Timestamp     time.Time `json:"timestamp"`
}

// ScheduleTimeslot is an upcoming schedule entry the room should satisfy.
type ScheduleTimeslot struct {
	StartTime  time.Time `json:"start_time"`
	TargetTemp float64   `json:"target_temp"`
	ScheduleID string    `json:"schedule_id"`
}

// PredictionResult is a bounded, confidence-scored start-time prediction.
type PredictionResult struct {
	AnticipatedStartTime time.Time `json:"anticipated_start_time"`
	AnticipationMinutes  float64   `json:"anticipation_minutes"`
	ConfidenceLevel      float64   `json:"confidence_level"` // 0-100
	LearnedSlope         float64   `json:"learned_slope"`    // °C/h
	Reasoning            string    `json:"reasoning"`
}

// TrainingExample pairs an engineered feature vector with its label, the
// optimal preheat duration in minutes.
type TrainingExample struct {
	CycleID   string             `json:"cycle_id"`
	Features  map[string]float64 `json:"features"`
	LabelMins float64            `json:"label_minutes"`
	CreatedAt time.Time          `json:"created_at"`
}

// MaxTrainingExamples caps the stored example history per room; the oldest
// examples are evicted first.
const MaxTrainingExamples = 500

// HistoryPoint is one sample of a historical entity series.
type HistoryPoint struct {
	Timestamp time.Time `json:"timestamp"`
	Value     float64   `json:"value"`
}

// HistoryReader provides ordered time-series history for an entity.
type HistoryReader interface {
	// GetEntityHistory returns samples for entityID in [start, end), ordered
	// by timestamp, downsampled to the given resolution.
	GetEntityHistory(ctx context.Context, entityID string, start, end time.Time, resolution time.Duration) ([]HistoryPoint, error)
	// GetMeasurements returns the full thermostat measurement stream for a
	// room in [start, end), ordered by timestamp.
	GetMeasurements(ctx context.Context, roomID string, start, end time.Time) ([]Measurement, error)
}

// CycleCacheState is the persisted cycle cache for one room.
type CycleCacheState struct {
	RoomID      string         `json:"room_id"`
	Cycles      []HeatingCycle `json:"cycles"`
	Watermark   time.Time      `json:"watermark"`    // end of the last extracted window
	LastRefresh time.Time      `json:"last_refresh"` // when refresh last ran
}

// ModelMetadata describes a persisted trained model.
type ModelMetadata struct {
	RoomID    string    `json:"room_id"`
	TrainedAt time.Time `json:"trained_at"`
	RMSE      float64   `json:"rmse"`
	MAE       float64   `json:"mae"`
	Samples   int       `json:"samples"`
	Features  []string  `json:"features"`
}

// ErrStorageCorrupt is the one loud failure: persisted state that cannot be
// decoded must surface to the caller, never be silently repaired.
var ErrStorageCorrupt = errors.New("model storage corrupt")

// ModelStorage persists learned state for a room.
type ModelStorage interface {
	SaveSlopeData(ctx context.Context, roomID string, sd SlopeData) error
	GetSlopeData(ctx context.Context, roomID string) ([]SlopeData, error)

	SaveCycleCache(ctx context.Context, state CycleCacheState) error
	GetCycleCache(ctx context.Context, roomID string) (*CycleCacheState, error)

	SaveModel(ctx context.Context, roomID string, blob []byte, meta ModelMetadata) error
	GetModel(ctx context.Context, roomID string) ([]byte, *ModelMetadata, error)

	AppendTrainingExamples(ctx context.Context, roomID string, examples []TrainingExample) error
	GetTrainingExamples(ctx context.Context, roomID string) ([]TrainingExample, error)

	// Reset removes all learned state for a room.
	Reset(ctx context.Context, roomID string) error
}

// SchedulerReader exposes the external schedule.
type SchedulerReader interface {
	GetNextTimeslot(ctx context.Context, roomID string) (*ScheduleTimeslot, error)
	HasActiveSchedule(ctx context.Context, roomID string) (bool, error)
}

// SchedulerCommander triggers and cancels schedule actions.
type SchedulerCommander interface {
	TriggerScheduleAction(ctx context.Context, roomID string, slot ScheduleTimeslot) error
	CancelAction(ctx context.Context, roomID string) error
}

// EnvironmentReader provides the current environment snapshot for a room.
type EnvironmentReader interface {
	GetCurrentState(ctx context.Context, roomID string) (EnvironmentState, error)
}

// Event types emitted on the telemetry stream.
const (
	EventCycleDetected  = "cycle_detected"
	EventCacheRefreshed = "cache_refreshed"
	EventPrediction     = "prediction"
	EventPreheatStarted = "preheat_started"
	EventOvershootAbort = "overshoot_abort"
	EventModelRetrained = "model_retrained"
	EventLearningReset  = "learning_reset"
	EventError          = "error"
)
