package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/thermopilot/thermopilot/pkg"
	"github.com/thermopilot/thermopilot/pkg/config"
	"github.com/thermopilot/thermopilot/pkg/logx"
	"github.com/thermopilot/thermopilot/pkg/metrics"
	"github.com/thermopilot/thermopilot/pkg/mqtt"
	"github.com/thermopilot/thermopilot/pkg/pilot"
	"github.com/thermopilot/thermopilot/pkg/storage"
	"github.com/thermopilot/thermopilot/pkg/telem"
)

const (
	version = "1.0.0-dev"
	appName = "thermopilotd"
)

func main() {
	var (
		envFile     = flag.String("config", ".env", "Environment file path")
		logLevel    = flag.String("log-level", "", "Log level override (debug|info|warn|error)")
		showVersion = flag.Bool("version", false, "Show version and exit")
	)
	flag.Parse()

	if *showVersion {
		fmt.Printf("%s version %s\n", appName, version)
		os.Exit(0)
	}

	cfg, err := config.Load(*envFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(1)
	}
	if *logLevel != "" {
		cfg.LogLevel = *logLevel
	}

	logger := logx.New(cfg.LogLevel)
	logger.Info("starting thermopilot daemon",
		"version", version,
		"rooms", len(cfg.Rooms),
		"log_level", cfg.LogLevel,
	)

	if len(cfg.Rooms) == 0 {
		logger.Error("no rooms configured, set THERMOPILOT_ROOMS")
		os.Exit(1)
	}

	store, err := storage.Open(cfg.StoragePath, logger)
	if err != nil {
		logger.Error("failed to open storage", "error", err, "path", cfg.StoragePath)
		os.Exit(1)
	}
	defer store.Close()

	telemetry := telem.NewStore(telem.Config{})

	mqttClient := mqtt.NewClient(&mqtt.Config{
		Broker:      cfg.MQTTBroker,
		Port:        cfg.MQTTPort,
		ClientID:    appName,
		TopicPrefix: cfg.MQTTTopic,
		QoS:         1,
		Enabled:     cfg.MQTTEnabled,
	}, logger)
	if err := mqttClient.Connect(); err != nil {
		logger.Error("failed to connect to mqtt broker", "error", err)
		os.Exit(1)
	}
	defer mqttClient.Disconnect()

	var metricsServer *metrics.Server
	if cfg.MetricsListener {
		metricsServer = metrics.NewServer(logger)
		if err := metricsServer.Start(cfg.MetricsPort); err != nil {
			logger.Error("failed to start metrics server", "error", err)
			os.Exit(1)
		}
		defer metricsServer.Stop()
	}

	bridge := mqtt.NewBridge(mqttClient, telemetry, logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	pilots := make(map[string]*pilot.Pilot, len(cfg.Rooms))
	for _, room := range cfg.Rooms {
		p := pilot.New(room, cfg, pilot.Deps{
			History:     bridge,
			Storage:     store,
			Scheduler:   bridge,
			Commander:   bridge,
			Environment: bridge,
			Telem:       telemetry,
			Metrics:     metricsServer,
			MQTT:        mqttClient,
		}, logger)
		if err := p.Restore(ctx); err != nil {
			logger.Error("failed to restore room state", "room", room, "error", err)
			os.Exit(1)
		}
		pilots[room] = p
	}

	if err := bridge.Start(cfg.Rooms, func(roomID string, m pkg.Measurement) {
		p, ok := pilots[roomID]
		if !ok {
			return
		}
		if err := p.RecordObservation(ctx, m); err != nil {
			logger.Warn("observation not processed", "room", roomID, "error", err)
		}
	}); err != nil {
		logger.Error("failed to subscribe to broker topics", "error", err)
		os.Exit(1)
	}

	// Seed the cycle caches; a failed first refresh is not fatal, the room
	// just starts from the conservative default slope.
	for room, p := range pilots {
		if err := p.RefreshCache(ctx); err != nil {
			logger.Warn("initial cache refresh failed", "room", room, "error", err)
		}
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	decideTicker := time.NewTicker(time.Minute)
	defer decideTicker.Stop()
	refreshTicker := time.NewTicker(time.Hour)
	defer refreshTicker.Stop()
	retrainTicker := time.NewTicker(time.Duration(cfg.RetrainIntervalDays) * 24 * time.Hour)
	defer retrainTicker.Stop()

	logger.Info("thermopilot daemon started")

	for {
		select {
		case sig := <-sigCh:
			logger.Info("received signal, shutting down", "signal", sig.String())
			return

		case <-decideTicker.C:
			for room, p := range pilots {
				d, err := p.DecideAction(ctx)
				if err != nil {
					logger.Warn("decision pass failed", "room", room, "error", err)
					continue
				}
				if d.Action != pilot.ActionNone {
					logger.Debug("decision", "room", room, "action", d.Action.String(), "reason", d.Reason)
				}
			}

		case <-refreshTicker.C:
			// The cache enforces its own 24h cadence; hourly ticks just give
			// it the chance to run.
			for room, p := range pilots {
				if err := p.RefreshCache(ctx); err != nil {
					logger.Warn("cache refresh failed", "room", room, "error", err)
				}
			}

		case <-retrainTicker.C:
			for room, p := range pilots {
				if err := p.Retrain(ctx); err != nil {
					logger.Warn("retrain failed", "room", room, "error", err)
				}
			}
		}
	}
}
