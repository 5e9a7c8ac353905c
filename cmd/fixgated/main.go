package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/starfail/fixgate/pkg/health"
	"github.com/starfail/fixgate/pkg/logx"
	"github.com/starfail/fixgate/pkg/metrics"
	"github.com/starfail/fixgate/pkg/mqtt"
	"github.com/starfail/fixgate/pkg/telem"
	"github.com/starfail/fixgate/pkg/tracking"
	"github.com/starfail/fixgate/pkg/uci"
)

const (
	version = "1.0.0-dev"
	appName = "fixgated"
)

func main() {
	var (
		configFile  = flag.String("config", "/etc/config/fixgate", "UCI config file path")
		logLevel    = flag.String("log-level", "", "Log level override (debug|info|warn|error)")
		showVersion = flag.Bool("version", false, "Show version and exit")
		trace       = flag.Bool("trace", false, "Enable trace logging")
		useSyslog   = flag.Bool("syslog", true, "Mirror logs to syslog")
	)
	flag.Parse()

	if *showVersion {
		fmt.Printf("%s version %s\n", appName, version)
		os.Exit(0)
	}
	metrics.Version = version

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	config, err := uci.NewLoader(*configFile).Load(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config %s: %v\n", *configFile, err)
		os.Exit(1)
	}

	effectiveLogLevel := config.Main.LogLevel
	if *logLevel != "" {
		effectiveLogLevel = *logLevel
	}
	if *trace {
		effectiveLogLevel = "debug"
	}
	base := logx.New(effectiveLogLevel)
	if *useSyslog {
		if err := base.EnableSyslog(appName); err != nil {
			base.Warn("syslog unavailable", "error", err)
		}
	}
	logger := base.With("device_id", config.Main.DeviceID)

	logger.Info("starting fixgate daemon",
		"version", version,
		"config", *configFile,
		"log_level", effectiveLogLevel,
	)

	if err := run(ctx, cancel, config, logger); err != nil {
		logger.Error("daemon failed", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cancel context.CancelFunc, config *uci.Config, logger *logx.Logger) error {
	if !config.MQTT.Enabled {
		return fmt.Errorf("mqtt is disabled: the daemon needs the local broker to reach the platform collaborators")
	}

	samplingConfig := config.Sampling()
	logger.Info("configuration loaded",
		"interval", samplingConfig.BaseInterval.String(),
		"interval_charging", samplingConfig.ChargingInterval.String(),
		"distance", samplingConfig.DistanceThreshold,
		"angle", samplingConfig.AngleThreshold,
		"distance_angle_charging", samplingConfig.DistanceAngleOnlyWhileCharging,
		"power_as_ignition", samplingConfig.PowerAsIgnition,
		"temperature_monitoring", samplingConfig.TemperatureMonitoring,
		"accuracy", samplingConfig.Accuracy.String(),
	)

	store, err := telem.NewStore(telem.Config{})
	if err != nil {
		return err
	}

	var recorder *metrics.Recorder
	if config.Main.Metrics {
		recorder = metrics.NewRecorder()
	}

	bridge := mqtt.NewBridge(&mqtt.Config{
		Broker:      config.MQTT.Broker,
		Port:        config.MQTT.Port,
		ClientID:    config.MQTT.ClientID,
		Username:    config.MQTT.Username,
		Password:    config.MQTT.Password,
		TopicPrefix: config.MQTT.TopicPrefix,
		QoS:         config.MQTT.QoS,
	}, config.Main.DeviceID, logger.With("component", "mqtt"))

	session, err := tracking.NewSession(samplingConfig, config.Main.DeviceID, tracking.Dependencies{
		Source:             bridge,
		Sink:               bridge,
		Battery:            bridge,
		Power:              bridge,
		BatteryTemperature: bridge,
		Store:              store,
		Metrics:            recorder,
	}, logger.With("component", "tracking"))
	if err != nil {
		return err
	}
	bridge.SetHandler(session)

	if err := bridge.Connect(ctx); err != nil {
		return err
	}
	defer bridge.Disconnect()

	// give the platform a moment to publish retained power state
	select {
	case <-ctx.Done():
		return nil
	case <-time.After(500 * time.Millisecond):
	}

	if err := session.Start(ctx); err != nil {
		logger.Warn("tracking started without a fix source", "error", err)
	}
	defer func() {
		stopCtx, stopCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer stopCancel()
		if err := session.Stop(stopCtx); err != nil {
			logger.Warn("failed to stop tracking session", "error", err)
		}
	}()

	if config.Main.HealthListen != "" {
		server := health.NewServer(session, store, recorder, logger.With("component", "health"))
		server.AddCheck("mqtt", bridge.Check)
		if err := server.Start(config.Main.HealthListen); err != nil {
			return err
		}
		defer server.Stop(context.Background())
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	logger.Info("fixgate daemon started", "session", session.ID())

	for {
		select {
		case <-ctx.Done():
			logger.Info("context cancelled, shutting down")
			return nil
		case sig := <-sigCh:
			logger.Info("received signal, shutting down", "signal", sig.String())
			cancel()
		case <-ticker.C:
			store.Cleanup()
			recorder.UpdateTelemetryMetrics(store)
			recorder.UpdateDaemonMetrics()
			status := session.Status()
			logger.Debug("daemon heartbeat",
				"mode", status.Mode,
				"accepted", status.Counters.Accepted,
				"rejected", status.Counters.Rejected,
				"mqtt_connected", bridge.IsConnected(),
			)
		}
	}
}
