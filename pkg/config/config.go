// Package config loads and validates the thermopilot configuration from the
// environment, with optional .env file support
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Default configuration values
const (
	DefaultDeltaThreshold        = 0.2  // °C below target before a cycle starts
	DefaultDataRetentionDays     = 30   // cycle and slope retention
	DefaultLHSWindowHours        = 6.0  // contextual estimator window
	DefaultOvershootThreshold    = 0.5  // °C above target before abort
	DefaultMinTrainingCycles     = 10   // cycles required before ML training
	DefaultMinAnticipationMins   = 5.0  // lower clamp on anticipation
	DefaultMaxAnticipationMins   = 240.0 // upper clamp on anticipation
	DefaultMinCycleMinutes       = 0.0  // 0 keeps oscillation-induced short cycles
	DefaultRefreshIntervalHours  = 24   // cache refresh cadence
	DefaultRetrainIntervalDays   = 7    // background retrain cadence
	DefaultRetrainMinNewExamples = 25   // or retrain after this many new examples
	DefaultLagAggregation        = "average"
	DefaultLogLevel              = "info"
	DefaultStoragePath           = "thermopilot.db"
	DefaultMetricsPort           = 9090
)

// DefaultLagIntervals are the lag offsets, in minutes, for engineered features.
var DefaultLagIntervals = []int{15, 30, 60, 90, 120, 180}

// Config represents the thermopilot configuration
type Config struct {
	// Rooms to pilot, one engine instance each
	Rooms []string `json:"rooms"`

	// Detection and learning
	DeltaThreshold     float64 `json:"delta_threshold"`
	DataRetentionDays  int     `json:"data_retention_days"`
	LHSWindowHours     float64 `json:"lhs_window_hours"`
	OvershootThreshold float64 `json:"overshoot_threshold"`
	MinTrainingCycles  int     `json:"min_training_cycles"`
	MinCycleMinutes    float64 `json:"min_cycle_minutes"`
	LagIntervals       []int   `json:"lag_intervals"`
	LagAggregation     string  `json:"lag_aggregation"` // average|min|max|median

	// Prediction bounds
	MinAnticipationMinutes float64 `json:"min_anticipation_minutes"`
	MaxAnticipationMinutes float64 `json:"max_anticipation_minutes"`

	// Background work
	RefreshIntervalHours  int `json:"refresh_interval_hours"`
	RetrainIntervalDays   int `json:"retrain_interval_days"`
	RetrainMinNewExamples int `json:"retrain_min_new_examples"`

	// ML path
	MLEnabled bool `json:"ml_enabled"`

	// Ambient
	LogLevel    string `json:"log_level"`
	StoragePath string `json:"storage_path"`

	// Listeners
	MetricsListener bool `json:"metrics_listener"`
	MetricsPort     int  `json:"metrics_port"`

	// Telemetry publish
	MQTTEnabled bool   `json:"mqtt_enabled"`
	MQTTBroker  string `json:"mqtt_broker"`
	MQTTPort    int    `json:"mqtt_port"`
	MQTTTopic   string `json:"mqtt_topic"`
}

// RefreshInterval returns the cache refresh cadence as a duration.
func (c *Config) RefreshInterval() time.Duration {
	return time.Duration(c.RefreshIntervalHours) * time.Hour
}

// RetentionWindow returns the cycle retention period as a duration.
func (c *Config) RetentionWindow() time.Duration {
	return time.Duration(c.DataRetentionDays) * 24 * time.Hour
}

// Load reads configuration from the environment. If envFile is non-empty and
// exists, it is loaded first without overriding already-set variables.
func Load(envFile string) (*Config, error) {
	if envFile != "" {
		if _, err := os.Stat(envFile); err == nil {
			if err := godotenv.Load(envFile); err != nil {
				return nil, fmt.Errorf("failed to load env file: %w", err)
			}
		}
	}

	cfg := &Config{}
	cfg.setDefaults()
	cfg.parseEnv()

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return cfg, nil
}

// setDefaults sets default values for the configuration
func (c *Config) setDefaults() {
	c.DeltaThreshold = DefaultDeltaThreshold
	c.DataRetentionDays = DefaultDataRetentionDays
	c.LHSWindowHours = DefaultLHSWindowHours
	c.OvershootThreshold = DefaultOvershootThreshold
	c.MinTrainingCycles = DefaultMinTrainingCycles
	c.MinCycleMinutes = DefaultMinCycleMinutes
	c.LagIntervals = append([]int(nil), DefaultLagIntervals...)
	c.LagAggregation = DefaultLagAggregation
	c.MinAnticipationMinutes = DefaultMinAnticipationMins
	c.MaxAnticipationMinutes = DefaultMaxAnticipationMins
	c.RefreshIntervalHours = DefaultRefreshIntervalHours
	c.RetrainIntervalDays = DefaultRetrainIntervalDays
	c.RetrainMinNewExamples = DefaultRetrainMinNewExamples
	c.MLEnabled = true
	c.LogLevel = DefaultLogLevel
	c.StoragePath = DefaultStoragePath
	c.MetricsListener = true
	c.MetricsPort = DefaultMetricsPort
	c.MQTTEnabled = false
	c.MQTTBroker = "localhost"
	c.MQTTPort = 1883
	c.MQTTTopic = "thermopilot"
}

// parseEnv overrides defaults from THERMOPILOT_* environment variables
func (c *Config) parseEnv() {
	if v := os.Getenv("THERMOPILOT_ROOMS"); v != "" {
		for _, room := range strings.Split(v, ",") {
			room = strings.TrimSpace(room)
			if room != "" {
				c.Rooms = append(c.Rooms, room)
			}
		}
	}
	c.floatVar("THERMOPILOT_DELTA_THRESHOLD", &c.DeltaThreshold)
	c.intVar("THERMOPILOT_DATA_RETENTION_DAYS", &c.DataRetentionDays)
	c.floatVar("THERMOPILOT_LHS_WINDOW_HOURS", &c.LHSWindowHours)
	c.floatVar("THERMOPILOT_OVERSHOOT_THRESHOLD", &c.OvershootThreshold)
	c.intVar("THERMOPILOT_MIN_TRAINING_CYCLES", &c.MinTrainingCycles)
	c.floatVar("THERMOPILOT_MIN_CYCLE_MINUTES", &c.MinCycleMinutes)
	c.floatVar("THERMOPILOT_MIN_ANTICIPATION_MINUTES", &c.MinAnticipationMinutes)
	c.floatVar("THERMOPILOT_MAX_ANTICIPATION_MINUTES", &c.MaxAnticipationMinutes)
	c.intVar("THERMOPILOT_REFRESH_INTERVAL_HOURS", &c.RefreshIntervalHours)
	c.intVar("THERMOPILOT_RETRAIN_INTERVAL_DAYS", &c.RetrainIntervalDays)
	c.intVar("THERMOPILOT_RETRAIN_MIN_NEW_EXAMPLES", &c.RetrainMinNewExamples)
	c.boolVar("THERMOPILOT_ML_ENABLED", &c.MLEnabled)
	c.stringVar("THERMOPILOT_LOG_LEVEL", &c.LogLevel)
	c.stringVar("THERMOPILOT_STORAGE_PATH", &c.StoragePath)
	c.boolVar("THERMOPILOT_METRICS_LISTENER", &c.MetricsListener)
	c.intVar("THERMOPILOT_METRICS_PORT", &c.MetricsPort)
	c.boolVar("THERMOPILOT_MQTT_ENABLED", &c.MQTTEnabled)
	c.stringVar("THERMOPILOT_MQTT_BROKER", &c.MQTTBroker)
	c.intVar("THERMOPILOT_MQTT_PORT", &c.MQTTPort)
	c.stringVar("THERMOPILOT_MQTT_TOPIC", &c.MQTTTopic)
	c.stringVar("THERMOPILOT_LAG_AGGREGATION", &c.LagAggregation)

	if v := os.Getenv("THERMOPILOT_LAG_INTERVALS"); v != "" {
		var intervals []int
		for _, part := range strings.Split(v, ",") {
			if n, err := strconv.Atoi(strings.TrimSpace(part)); err == nil && n > 0 {
				intervals = append(intervals, n)
			}
		}
		if len(intervals) > 0 {
			c.LagIntervals = intervals
		}
	}
}

func (c *Config) floatVar(key string, dst *float64) {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			*dst = f
		}
	}
}

func (c *Config) intVar(key string, dst *int) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func (c *Config) boolVar(key string, dst *bool) {
	if v := os.Getenv(key); v != "" {
		*dst = v == "1" || strings.EqualFold(v, "true")
	}
}

func (c *Config) stringVar(key string, dst *string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

// validate validates the configuration
func (c *Config) validate() error {
	if c.DeltaThreshold <= 0 || c.DeltaThreshold > 5 {
		return fmt.Errorf("delta_threshold must be between 0 and 5, got %.2f", c.DeltaThreshold)
	}
	if c.DataRetentionDays < 1 || c.DataRetentionDays > 365 {
		return fmt.Errorf("data_retention_days must be between 1 and 365, got %d", c.DataRetentionDays)
	}
	if c.LHSWindowHours <= 0 || c.LHSWindowHours > 48 {
		return fmt.Errorf("lhs_window_hours must be between 0 and 48, got %.1f", c.LHSWindowHours)
	}
	if c.OvershootThreshold <= 0 || c.OvershootThreshold > 5 {
		return fmt.Errorf("overshoot_threshold must be between 0 and 5, got %.2f", c.OvershootThreshold)
	}
	if c.MinTrainingCycles < 3 {
		return fmt.Errorf("min_training_cycles must be at least 3, got %d", c.MinTrainingCycles)
	}
	if c.MinAnticipationMinutes < 0 {
		return fmt.Errorf("min_anticipation_minutes must be non-negative, got %.1f", c.MinAnticipationMinutes)
	}
	if c.MaxAnticipationMinutes <= c.MinAnticipationMinutes {
		return fmt.Errorf("max_anticipation_minutes (%.1f) must exceed min_anticipation_minutes (%.1f)",
			c.MaxAnticipationMinutes, c.MinAnticipationMinutes)
	}
	if c.RefreshIntervalHours < 1 || c.RefreshIntervalHours > 168 {
		return fmt.Errorf("refresh_interval_hours must be between 1 and 168, got %d", c.RefreshIntervalHours)
	}
	if !isValidLogLevel(c.LogLevel) {
		return fmt.Errorf("log_level must be one of debug|info|warn|error, got %q", c.LogLevel)
	}
	if !isValidAggregation(c.LagAggregation) {
		return fmt.Errorf("lag_aggregation must be one of average|min|max|median, got %q", c.LagAggregation)
	}
	if len(c.LagIntervals) == 0 {
		return fmt.Errorf("lag_intervals must not be empty")
	}
	return nil
}

func isValidLogLevel(level string) bool {
	switch level {
	case "debug", "info", "warn", "error":
		return true
	}
	return false
}

func isValidAggregation(agg string) bool {
	switch agg {
	case "average", "min", "max", "median":
		return true
	}
	return false
}
