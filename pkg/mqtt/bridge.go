package mqtt

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	MQTT "github.com/eclipse/paho.mqtt.golang"

	"github.com/thermopilot/thermopilot/pkg"
	"github.com/thermopilot/thermopilot/pkg/logx"
	"github.com/thermopilot/thermopilot/pkg/telem"
)

// MeasurementHandler receives decoded room measurements as they arrive.
type MeasurementHandler func(roomID string, m pkg.Measurement)

// scheduleMessage is the wire form of a room's schedule state, published
// retained by the home automation side.
type scheduleMessage struct {
	Active bool       `json:"active"`
	Slot   *slotShape `json:"next_slot,omitempty"`
}

type slotShape struct {
	StartTime  time.Time `json:"start_time"`
	TargetTemp float64   `json:"target_temp"`
	ScheduleID string    `json:"schedule_id"`
}

// commandMessage is published to drive the external scheduler.
type commandMessage struct {
	Action     string    `json:"action"`
	TargetTemp float64   `json:"target_temp,omitempty"`
	TargetTime time.Time `json:"target_time,omitempty"`
	ScheduleID string    `json:"schedule_id,omitempty"`
	IssuedAt   time.Time `json:"issued_at"`
}

// Bridge adapts the broker into the engine's collaborator contracts: it
// ingests observations and schedule state per room, serves history from the
// telemetry store, and publishes preheat commands back out.
type Bridge struct {
	client *Client
	store  *telem.Store
	logger *logx.Logger

	mu        sync.RWMutex
	schedules map[string]scheduleMessage
}

// NewBridge creates a broker-backed collaborator bridge
func NewBridge(client *Client, store *telem.Store, logger *logx.Logger) *Bridge {
	return &Bridge{
		client:    client,
		store:     store,
		logger:    logger,
		schedules: make(map[string]scheduleMessage),
	}
}

// Start subscribes to each room's observation and schedule topics. Decoded
// measurements land in the telemetry store and are forwarded to the handler.
func (b *Bridge) Start(rooms []string, onMeasurement MeasurementHandler) error {
	prefix := b.client.config.TopicPrefix
	for _, room := range rooms {
		room := room

		obsTopic := fmt.Sprintf("%s/%s/observation", prefix, room)
		if err := b.client.Subscribe(obsTopic, func(_ MQTT.Client, msg MQTT.Message) {
			var m pkg.Measurement
			if err := json.Unmarshal(msg.Payload(), &m); err != nil {
				b.logger.Warn("discarding malformed observation", "room", room, "error", err)
				return
			}
			if m.Timestamp.IsZero() {
				m.Timestamp = time.Now()
			}
			b.store.AddObservation(room, m)
			if onMeasurement != nil {
				onMeasurement(room, m)
			}
		}); err != nil {
			return err
		}

		schedTopic := fmt.Sprintf("%s/%s/schedule", prefix, room)
		if err := b.client.Subscribe(schedTopic, func(_ MQTT.Client, msg MQTT.Message) {
			var sm scheduleMessage
			if err := json.Unmarshal(msg.Payload(), &sm); err != nil {
				b.logger.Warn("discarding malformed schedule", "room", room, "error", err)
				return
			}
			b.mu.Lock()
			b.schedules[room] = sm
			b.mu.Unlock()
		}); err != nil {
			return err
		}
	}
	return nil
}

// GetEntityHistory serves entity series from the telemetry store. The only
// entity the engine asks for is the room temperature.
func (b *Bridge) GetEntityHistory(ctx context.Context, entityID string, start, end time.Time, resolution time.Duration) ([]pkg.HistoryPoint, error) {
	var out []pkg.HistoryPoint
	for _, p := range b.store.TemperatureSeries(entityID, start) {
		if p.Timestamp.Before(end) {
			out = append(out, p)
		}
	}
	return out, nil
}

// GetMeasurements serves the measurement stream from the telemetry store.
func (b *Bridge) GetMeasurements(ctx context.Context, roomID string, start, end time.Time) ([]pkg.Measurement, error) {
	var out []pkg.Measurement
	for _, m := range b.store.Observations(roomID, start) {
		if m.Timestamp.Before(end) {
			out = append(out, m)
		}
	}
	return out, nil
}

// GetNextTimeslot returns the room's upcoming schedule slot, or nil.
func (b *Bridge) GetNextTimeslot(ctx context.Context, roomID string) (*pkg.ScheduleTimeslot, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	sm, ok := b.schedules[roomID]
	if !ok || sm.Slot == nil {
		return nil, nil
	}
	return &pkg.ScheduleTimeslot{
		StartTime:  sm.Slot.StartTime,
		TargetTemp: sm.Slot.TargetTemp,
		ScheduleID: sm.Slot.ScheduleID,
	}, nil
}

// HasActiveSchedule reports the room's schedule gate.
func (b *Bridge) HasActiveSchedule(ctx context.Context, roomID string) (bool, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.schedules[roomID].Active, nil
}

// TriggerScheduleAction asks the external scheduler to start the preheat.
func (b *Bridge) TriggerScheduleAction(ctx context.Context, roomID string, slot pkg.ScheduleTimeslot) error {
	topic := fmt.Sprintf("%s/%s/command", b.client.config.TopicPrefix, roomID)
	return b.client.publishJSON(topic, commandMessage{
		Action:     "start_preheat",
		TargetTemp: slot.TargetTemp,
		TargetTime: slot.StartTime,
		ScheduleID: slot.ScheduleID,
		IssuedAt:   time.Now(),
	})
}

// CancelAction asks the external scheduler to revert to its own setpoint.
func (b *Bridge) CancelAction(ctx context.Context, roomID string) error {
	topic := fmt.Sprintf("%s/%s/command", b.client.config.TopicPrefix, roomID)
	return b.client.publishJSON(topic, commandMessage{
		Action:   "cancel_preheat",
		IssuedAt: time.Now(),
	})
}

// GetCurrentState builds the environment snapshot from the latest observation.
func (b *Bridge) GetCurrentState(ctx context.Context, roomID string) (pkg.EnvironmentState, error) {
	m, ok := b.store.Latest(roomID)
	if !ok {
		return pkg.EnvironmentState{}, fmt.Errorf("no observations for room %s", roomID)
	}
	return pkg.EnvironmentState{
		CurrentTemp:   m.CurrentTemp,
		OutdoorTemp:   m.OutdoorTemp,
		Humidity:      m.Humidity,
		CloudCoverage: m.CloudCoverage,
		Timestamp:     m.Timestamp,
	}, nil
}
