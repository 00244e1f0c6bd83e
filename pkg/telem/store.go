// Package telem provides short-term observation storage and event logging
package telem

import (
	"sync"
	"time"

	"github.com/thermopilot/thermopilot/pkg"
)

// Event represents an engine event (cycle detected, abort, refresh, errors)
type Event struct {
	Timestamp time.Time   `json:"timestamp"`
	Type      string      `json:"type"`
	RoomID    string      `json:"room_id,omitempty"`
	Message   string      `json:"message"`
	Data      interface{} `json:"data,omitempty"`
}

// Store manages in-memory observations and events with bounded retention.
// Observations feed the overshoot guard and the lag features of live
// predictions; events feed the health endpoint and the MQTT publisher.
type Store struct {
	mu              sync.RWMutex
	observations    map[string][]pkg.Measurement // room -> measurements
	events          []Event
	maxObservations int
	maxEvents       int
	retentionTime   time.Duration
}

// Config for the telemetry store
type Config struct {
	MaxObservationsPerRoom int `json:"max_observations_per_room"`
	MaxEvents              int `json:"max_events"`
	RetentionHours         int `json:"retention_hours"`
}

// NewStore creates a telemetry store with the given configuration
func NewStore(config Config) *Store {
	if config.MaxObservationsPerRoom <= 0 {
		config.MaxObservationsPerRoom = 1000
	}
	if config.MaxEvents <= 0 {
		config.MaxEvents = 500
	}
	if config.RetentionHours <= 0 {
		config.RetentionHours = 24
	}

	return &Store{
		observations:    make(map[string][]pkg.Measurement),
		events:          make([]Event, 0, config.MaxEvents),
		maxObservations: config.MaxObservationsPerRoom,
		maxEvents:       config.MaxEvents,
		retentionTime:   time.Duration(config.RetentionHours) * time.Hour,
	}
}

// AddObservation stores a new measurement for a room
func (s *Store) AddObservation(roomID string, m pkg.Measurement) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.observations[roomID] == nil {
		s.observations[roomID] = make([]pkg.Measurement, 0, s.maxObservations)
	}
	s.observations[roomID] = append(s.observations[roomID], m)

	if len(s.observations[roomID]) > s.maxObservations {
		// Keep the most recent observations
		copy(s.observations[roomID], s.observations[roomID][len(s.observations[roomID])-s.maxObservations:])
		s.observations[roomID] = s.observations[roomID][:s.maxObservations]
	}

	s.cleanOldObservations(roomID)
}

// AddEvent stores a new engine event
func (s *Store) AddEvent(event Event) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.events = append(s.events, event)
	if len(s.events) > s.maxEvents {
		copy(s.events, s.events[len(s.events)-s.maxEvents:])
		s.events = s.events[:s.maxEvents]
	}
}

// Observations returns a copy of a room's measurements since the given time,
// ordered oldest first.
func (s *Store) Observations(roomID string, since time.Time) []pkg.Measurement {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []pkg.Measurement
	for _, m := range s.observations[roomID] {
		if !m.Timestamp.Before(since) {
			out = append(out, m)
		}
	}
	return out
}

// Latest returns the most recent measurement for a room, if any.
func (s *Store) Latest(roomID string) (pkg.Measurement, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	obs := s.observations[roomID]
	if len(obs) == 0 {
		return pkg.Measurement{}, false
	}
	return obs[len(obs)-1], true
}

// TemperatureSeries returns a room's temperature history since the given time
// as history points, for feature engineering.
func (s *Store) TemperatureSeries(roomID string, since time.Time) []pkg.HistoryPoint {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []pkg.HistoryPoint
	for _, m := range s.observations[roomID] {
		if !m.Timestamp.Before(since) {
			out = append(out, pkg.HistoryPoint{Timestamp: m.Timestamp, Value: m.CurrentTemp})
		}
	}
	return out
}

// PowerSeries returns a room's heating power state since the given time as
// 0/1 history points, for the lagged power features.
func (s *Store) PowerSeries(roomID string, since time.Time) []pkg.HistoryPoint {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []pkg.HistoryPoint
	for _, m := range s.observations[roomID] {
		if m.Timestamp.Before(since) {
			continue
		}
		v := 0.0
		if m.HVACActive {
			v = 1.0
		}
		out = append(out, pkg.HistoryPoint{Timestamp: m.Timestamp, Value: v})
	}
	return out
}

// EnvironmentSeries returns a room's outdoor temperature, humidity, and cloud
// coverage histories since the given time. Observations missing a sensor
// contribute no point to that series.
func (s *Store) EnvironmentSeries(roomID string, since time.Time) (outdoor, humidity, cloud []pkg.HistoryPoint) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, m := range s.observations[roomID] {
		if m.Timestamp.Before(since) {
			continue
		}
		if m.OutdoorTemp != nil {
			outdoor = append(outdoor, pkg.HistoryPoint{Timestamp: m.Timestamp, Value: *m.OutdoorTemp})
		}
		if m.Humidity != nil {
			humidity = append(humidity, pkg.HistoryPoint{Timestamp: m.Timestamp, Value: *m.Humidity})
		}
		if m.CloudCoverage != nil {
			cloud = append(cloud, pkg.HistoryPoint{Timestamp: m.Timestamp, Value: *m.CloudCoverage})
		}
	}
	return outdoor, humidity, cloud
}

// Events returns up to limit most recent events, newest last. A limit <= 0
// returns all retained events.
func (s *Store) Events(limit int) []Event {
	s.mu.RLock()
	defer s.mu.RUnlock()

	events := s.events
	if limit > 0 && len(events) > limit {
		events = events[len(events)-limit:]
	}
	out := make([]Event, len(events))
	copy(out, events)
	return out
}

// cleanOldObservations drops samples older than the retention window. The
// window is anchored on the newest observation so replayed history ages
// against itself, not the wall clock. Caller must hold the write lock.
func (s *Store) cleanOldObservations(roomID string) {
	obs := s.observations[roomID]
	if len(obs) == 0 {
		return
	}
	cutoff := obs[len(obs)-1].Timestamp.Add(-s.retentionTime)

	firstValid := len(obs)
	for i, m := range obs {
		if !m.Timestamp.Before(cutoff) {
			firstValid = i
			break
		}
	}
	if firstValid > 0 {
		s.observations[roomID] = obs[firstValid:]
	}
}
