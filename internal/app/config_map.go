package app

import (
	"fmt"
	"strings"
	"time"

	"livepoll/internal/aggregator"
	"livepoll/internal/config"
	"livepoll/internal/httpapi"
	"livepoll/internal/intake"
	"livepoll/internal/queue"
	"livepoll/internal/realtime"
	"livepoll/internal/store"
	logx "livepoll/pkg/logx"
)

// Defaults for the maintenance jobs. An explicit "-" disables one.
const (
	defaultReapSpec    = "@every 1s"
	defaultRelaySpec   = "@every 5s"
	defaultMonitorSpec = "@every 1m"
)

func mapLogConfig(lc config.LoggingConfig) logx.Config {
	return logx.Config{
		Level:   lc.Level,
		Console: lc.Console,
		Format:  lc.Format,
		File: logx.FileConfig{
			Enabled: lc.File.Enabled,
			Path:    lc.File.Path,
		},
	}
}

func mapStoreConfig(cfg *config.Config) (store.Config, error) {
	sc := cfg.Storage
	d, err := cfg.Durations()
	if err != nil {
		return store.Config{}, err
	}
	busy := d.StorageBusy
	if busy <= 0 {
		busy = 5 * time.Second
	}
	switch strings.ToLower(strings.TrimSpace(sc.Driver)) {
	case "", "memory":
		return store.Config{Driver: "memory"}, nil
	case "sqlite", "sqlite3":
		path := strings.TrimSpace(sc.Path)
		if path == "" {
			return store.Config{}, fmt.Errorf("storage.path is required when storage.driver=sqlite")
		}
		return store.Config{Driver: "sqlite", Path: path, BusyTimeout: busy}, nil
	case "postgres", "postgresql":
		dsn := strings.TrimSpace(sc.DSN)
		if dsn == "" {
			return store.Config{}, fmt.Errorf("storage.dsn is required when storage.driver=postgres")
		}
		return store.Config{Driver: "postgres", DSN: dsn, MaxOpenConns: sc.MaxOpenConns}, nil
	default:
		return store.Config{}, fmt.Errorf("unknown storage.driver: %s", sc.Driver)
	}
}

// Zero values below fall through to each component's own defaults.

func mapQueueOptions(cfg *config.Config) (queue.Options, error) {
	d, err := cfg.Durations()
	if err != nil {
		return queue.Options{}, err
	}
	qc := cfg.Queue
	return queue.Options{
		MaxAttempts:       qc.Attempts,
		Backoff:           d.QueueBackoff,
		MaxBackoff:        d.QueueMaxBackoff,
		KeepCompleted:     qc.KeepCompleted,
		KeepFailed:        qc.KeepFailed,
		VisibilityTimeout: d.QueueVisibility,
	}, nil
}

func mapAggregatorConfig(cfg *config.Config) (aggregator.Config, error) {
	d, err := cfg.Durations()
	if err != nil {
		return aggregator.Config{}, err
	}
	wc := cfg.Workers
	return aggregator.Config{
		Concurrency:     wc.Concurrency,
		ConflictRetries: wc.ConflictRetries,
		IdleWait:        d.WorkerIdle,
		JobTimeout:      d.WorkerJob,
		BreakerTrip:     wc.BreakerTrip,
		BreakerDelay:    d.BreakerDelay,
		BreakerMaxDelay: d.BreakerMaxDelay,
	}, nil
}

func mapRelayConfig(cfg *config.Config) (intake.RelayConfig, error) {
	d, err := cfg.Durations()
	if err != nil {
		return intake.RelayConfig{}, err
	}
	oc := cfg.Outbox
	return intake.RelayConfig{
		Disabled:   oc.Enabled != nil && !*oc.Enabled,
		Grace:      d.OutboxGrace,
		BatchSize:  oc.BatchSize,
		RatePerSec: oc.RatePerSec,
	}, nil
}

func mapRealtimeConfig(cfg *config.Config) (realtime.Config, error) {
	d, err := cfg.Durations()
	if err != nil {
		return realtime.Config{}, err
	}
	rc := cfg.Realtime
	return realtime.Config{
		SendBuffer:     rc.SendBuffer,
		WriteTimeout:   d.RealtimeWrite,
		PingInterval:   d.RealtimePing,
		ReadLimit:      rc.ReadLimit,
		AllowedOrigins: cfg.HTTP.CORSOrigins,
	}, nil
}

func mapHTTPConfig(cfg *config.Config) (httpapi.Config, error) {
	d, err := cfg.Durations()
	if err != nil {
		return httpapi.Config{}, err
	}
	hc := cfg.HTTP
	return httpapi.Config{
		Addr:            hc.Addr,
		ReadTimeout:     d.HTTPRead,
		WriteTimeout:    d.HTTPWrite,
		IdleTimeout:     d.HTTPIdle,
		ShutdownTimeout: d.HTTPShutdown,
		CORSOrigins:     hc.CORSOrigins,
		AdminToken:      hc.AdminToken,
		Pprof:           hc.Pprof,
	}, nil
}

// maintenanceSpec resolves a configured cron spec: empty means the default,
// "-" or "off" disables the job.
func maintenanceSpec(raw, def string) string {
	s := strings.TrimSpace(raw)
	switch strings.ToLower(s) {
	case "":
		return def
	case "-", "off", "none":
		return ""
	}
	return s
}
