package config

import (
	"testing"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load with defaults should not error: %v", err)
	}

	if cfg.DeltaThreshold != 0.2 {
		t.Errorf("expected delta_threshold 0.2, got %v", cfg.DeltaThreshold)
	}
	if cfg.DataRetentionDays != 30 {
		t.Errorf("expected data_retention_days 30, got %v", cfg.DataRetentionDays)
	}
	if cfg.LHSWindowHours != 6.0 {
		t.Errorf("expected lhs_window_hours 6.0, got %v", cfg.LHSWindowHours)
	}
	if cfg.OvershootThreshold != 0.5 {
		t.Errorf("expected overshoot_threshold 0.5, got %v", cfg.OvershootThreshold)
	}
	if cfg.MinTrainingCycles != 10 {
		t.Errorf("expected min_training_cycles 10, got %v", cfg.MinTrainingCycles)
	}
	want := []int{15, 30, 60, 90, 120, 180}
	if len(cfg.LagIntervals) != len(want) {
		t.Fatalf("expected %d lag intervals, got %d", len(want), len(cfg.LagIntervals))
	}
	for i, v := range want {
		if cfg.LagIntervals[i] != v {
			t.Errorf("lag interval %d: expected %d, got %d", i, v, cfg.LagIntervals[i])
		}
	}
	if cfg.MinAnticipationMinutes != 5 || cfg.MaxAnticipationMinutes != 240 {
		t.Errorf("expected anticipation bounds [5, 240], got [%v, %v]",
			cfg.MinAnticipationMinutes, cfg.MaxAnticipationMinutes)
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("THERMOPILOT_ROOMS", "living, bedroom")
	t.Setenv("THERMOPILOT_DELTA_THRESHOLD", "0.3")
	t.Setenv("THERMOPILOT_LAG_INTERVALS", "15,30,60")
	t.Setenv("THERMOPILOT_MQTT_ENABLED", "true")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load should not error: %v", err)
	}

	if len(cfg.Rooms) != 2 || cfg.Rooms[0] != "living" || cfg.Rooms[1] != "bedroom" {
		t.Errorf("unexpected rooms: %v", cfg.Rooms)
	}
	if cfg.DeltaThreshold != 0.3 {
		t.Errorf("expected delta_threshold 0.3, got %v", cfg.DeltaThreshold)
	}
	if len(cfg.LagIntervals) != 3 {
		t.Errorf("expected 3 lag intervals, got %v", cfg.LagIntervals)
	}
	if !cfg.MQTTEnabled {
		t.Error("expected MQTT enabled")
	}
}

func TestValidationRejectsBadValues(t *testing.T) {
	cases := []struct {
		name  string
		key   string
		value string
	}{
		{"negative delta", "THERMOPILOT_DELTA_THRESHOLD", "-1"},
		{"retention too long", "THERMOPILOT_DATA_RETENTION_DAYS", "400"},
		{"bounds inverted", "THERMOPILOT_MAX_ANTICIPATION_MINUTES", "1"},
		{"bad aggregation", "THERMOPILOT_LAG_AGGREGATION", "sum"},
	}

	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			t.Setenv(c.key, c.value)
			if _, err := Load(""); err == nil {
				t.Errorf("expected validation error for %s=%s", c.key, c.value)
			}
		})
	}
}
