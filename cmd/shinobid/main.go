// Command shinobid bridges a Shinobi video server to Home Assistant over
// MQTT and a local HTTP API.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/pflag"
	"github.com/thejerf/suture/v4"
	"github.com/thejerf/sutureslog"

	"github.com/trymwestin/shinobi/internal/config"
	"github.com/trymwestin/shinobi/internal/core/api"
	"github.com/trymwestin/shinobi/internal/core/coordinator"
	"github.com/trymwestin/shinobi/internal/core/state"
	"github.com/trymwestin/shinobi/internal/core/transport"
	"github.com/trymwestin/shinobi/internal/httpapi"
	"github.com/trymwestin/shinobi/internal/mqtt"
)

func main() {
	var (
		configPath = pflag.StringP("config", "c", "/data/shinobid.yaml", "Path to config YAML")
		logLevel   = pflag.String("log-level", "", "Override log.level (debug, info, warn, error)")
	)
	pflag.Parse()

	if err := run(*configPath, *logLevel); err != nil {
		fmt.Fprintf(os.Stderr, "shinobid: %v\n", err)
		os.Exit(1)
	}
}

func run(configPath, logLevel string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if logLevel != "" {
		cfg.Log.Level = logLevel
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	log := newLogger(cfg.Log)
	bus := state.NewEventBus(log)
	store := state.NewStore(bus, log)

	coord := coordinator.New(coordinator.Options{
		API: api.Options{
			Config:            cfg.APIConfig(),
			RequestTimeout:    cfg.Polling.RequestTimeout,
			RequestsPerSecond: cfg.Polling.RequestsPerSecond,
			VideoRefresh:      cfg.Polling.VideoRefresh,
			Repair:            cfg.RepairOptions(),
		},
		Dialer: &transport.WSDialer{
			InsecureSkipVerify: cfg.Shinobi.SSL && !cfg.Shinobi.VerifySSL,
			Log:                log,
		},
		TriggerDurations:  cfg.TriggerDurations(),
		SweepInterval:     cfg.Triggers.SweepInterval,
		UpdateInterval:    cfg.Polling.UpdateInterval,
		HeartbeatInterval: cfg.Polling.HeartbeatInterval,
		ReconnectBackoff:  cfg.Polling.ReconnectBackoff,
		RetryBackoff:      cfg.Polling.RetryBackoff,
		RepairEnabled:     cfg.Repair.Enabled,
		Store:             store,
		Log:               log,
	})

	sup := suture.New("shinobid", suture.Spec{
		EventHook: (&sutureslog.Handler{Logger: log}).MustHook(),
		Timeout:   10 * time.Second,
	})
	sup.Add(coord)
	sup.Add(httpapi.NewServer(coord.API(), coord, store, cfg.HTTP.Addr, cfg.HTTP.CORSAll, log))
	if cfg.MQTT.Enabled {
		pub := mqtt.NewHAPublisher(mqtt.Config{
			Broker:      cfg.MQTT.Broker,
			Username:    cfg.MQTT.Username,
			Password:    cfg.MQTT.Password,
			TopicPrefix: cfg.MQTT.TopicPrefix,
			DeviceID:    cfg.MQTT.DeviceID,
			DeviceName:  cfg.MQTT.DeviceName,
		}, coord.API(), store, bus, log)
		sup.Add(pub)
	} else {
		log.Info("MQTT disabled")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	log.Info("shinobid starting",
		"server", cfg.APIConfig().BaseURL(),
		"http_addr", cfg.HTTP.Addr,
		"repair", cfg.Repair.Enabled,
	)
	err = sup.Serve(ctx)
	if errors.Is(err, context.Canceled) {
		err = nil
	}
	if unstopped, _ := sup.UnstoppedServiceReport(); len(unstopped) > 0 {
		for _, svc := range unstopped {
			log.Warn("service failed to stop", "service", svc.Name)
		}
	}
	log.Info("shinobid stopped")
	return err
}

func newLogger(cfg config.LogConfig) *slog.Logger {
	var level slog.Level
	switch strings.ToLower(cfg.Level) {
	case "debug":
		level = slog.LevelDebug
	case "warn", "warning":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if strings.EqualFold(cfg.Format, "json") {
		return slog.New(slog.NewJSONHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stderr, opts))
}
