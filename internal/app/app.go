package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"livepoll/internal/aggregator"
	"livepoll/internal/config"
	"livepoll/internal/eventbus"
	"livepoll/internal/httpapi"
	"livepoll/internal/intake"
	"livepoll/internal/lifecycle"
	"livepoll/internal/maintenance"
	"livepoll/internal/monitor"
	"livepoll/internal/queue"
	"livepoll/internal/realtime"
	"livepoll/internal/runtime/supervisor"
	"livepoll/internal/store"
	logx "livepoll/pkg/logx"
)

type StopReason string

const (
	StopUnknown    StopReason = "unknown"
	StopSignal     StopReason = "signal"
	StopFatalError StopReason = "fatal_error"
)

// App owns every long-lived component of a livepoll process.
type App struct {
	cfgm *config.ConfigManager
	cfg  *config.Config

	log  logx.Logger
	logs *logx.Service
	sup  *supervisor.Supervisor

	store store.Store
	rdb   *redis.Client
	queue queue.Queue
	bus   eventbus.Bus

	mon    *monitor.Monitor
	agg    *aggregator.Service
	hub    *realtime.Hub
	votes  *intake.Service
	relay  *intake.Relay
	life   *lifecycle.Service
	maint  *maintenance.Service
	server *httpapi.Server

	unsubBus func()
}

// New loads the config file and builds the app. Nothing runs until Start.
func New(cfgPath string) (*App, error) {
	if err := config.LoadDotEnv(cfgPath); err != nil {
		return nil, fmt.Errorf("load .env: %w", err)
	}
	cfgm := config.NewConfigManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	return Build(cfg, cfgm)
}

// Build wires the app from an already decoded config. cfgm may be nil, in
// which case hot reload is off.
func Build(cfg *config.Config, cfgm *config.ConfigManager) (*App, error) {
	if err := config.Validate(cfg); err != nil {
		return nil, err
	}
	logSvc, root := logx.New(mapLogConfig(cfg.Logging))
	log := root.With(logx.String("comp", "app"))

	a := &App{cfgm: cfgm, cfg: cfg, log: log, logs: logSvc}
	built := false
	defer func() {
		if !built {
			a.closeResources()
		}
	}()

	var err error

	if a.store, err = OpenStore(cfg, root); err != nil {
		return nil, err
	}

	if usesRedis(cfg) {
		rc := cfg.Redis
		a.rdb = redis.NewClient(&redis.Options{Addr: rc.Addr, Password: rc.Password, DB: rc.DB})
		pctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		err = a.rdb.Ping(pctx).Err()
		cancel()
		if err != nil {
			return nil, fmt.Errorf("redis ping %s: %w", rc.Addr, err)
		}
	}

	a.mon = monitor.New(0, 0, root)
	qopt, err := mapQueueOptions(cfg)
	if err != nil {
		return nil, err
	}
	qopt.Observer = a.mon
	if strings.EqualFold(strings.TrimSpace(cfg.Queue.Driver), "redis") {
		a.queue = queue.NewRedis(a.rdb, redisPrefix(cfg)+":queue", qopt)
	} else {
		a.queue = queue.NewMemory(qopt)
	}

	if strings.EqualFold(strings.TrimSpace(cfg.Bus.Driver), "redis") {
		// Channel names stay bare unless a prefix is configured explicitly.
		a.bus = eventbus.NewRedis(a.rdb, strings.TrimSpace(cfg.Redis.Prefix), root)
	} else {
		a.bus = eventbus.NewMemory(cfg.Bus.Buffer)
	}

	aggCfg, err := mapAggregatorConfig(cfg)
	if err != nil {
		return nil, err
	}
	a.agg = aggregator.New(aggCfg, a.store, a.queue, a.bus, root)

	rtCfg, err := mapRealtimeConfig(cfg)
	if err != nil {
		return nil, err
	}
	a.hub = realtime.NewHub(rtCfg, a.store, root)

	a.votes = intake.New(a.store, a.store, a.queue, root)
	relayCfg, err := mapRelayConfig(cfg)
	if err != nil {
		return nil, err
	}
	a.relay = intake.NewRelay(relayCfg, a.store, a.queue, root)
	a.life = lifecycle.New(a.store, a.bus, root)

	if a.maint, err = a.buildMaintenance(cfg, root); err != nil {
		return nil, err
	}

	httpCfg, err := mapHTTPConfig(cfg)
	if err != nil {
		return nil, err
	}
	a.server = httpapi.New(httpCfg, httpapi.Deps{
		Votes:     a.votes,
		Lifecycle: a.life,
		Polls:     a.store,
		Records:   a.store,
		Queue:     a.queue,
		Monitor:   a.mon,
		Hub:       a.hub,
		Ping:      a.ping,
		Runtime:   a.runtimeSnapshot,
	}, root)

	built = true
	return a, nil
}

// OpenStore opens the configured store on its own, for tooling such as seed.
func OpenStore(cfg *config.Config, log logx.Logger) (store.Store, error) {
	sc, err := mapStoreConfig(cfg)
	if err != nil {
		return nil, err
	}
	st, err := store.Open(sc, log)
	if err != nil {
		return nil, err
	}
	log.Info("store opened", logx.String("driver", sc.Driver))
	return st, nil
}

func (a *App) buildMaintenance(cfg *config.Config, log logx.Logger) (*maintenance.Service, error) {
	mc := cfg.Maintenance
	m := maintenance.New(mc.Timezone, log)
	jobs := []maintenance.Job{
		{
			Name:    "queue.reap",
			Spec:    maintenanceSpec(mc.ReapSpec, defaultReapSpec),
			Timeout: 10 * time.Second,
			Run: func(ctx context.Context) error {
				n, err := a.queue.Reap(ctx)
				if n > 0 {
					a.log.Info("expired leases reaped", logx.Int("jobs", n))
				}
				return err
			},
		},
		{
			Name:    "outbox.relay",
			Spec:    maintenanceSpec(mc.RelaySpec, defaultRelaySpec),
			Timeout: time.Minute,
			Run: func(ctx context.Context) error {
				_, err := a.relay.RunOnce(ctx)
				return err
			},
		},
		{
			Name: "queue.report",
			Spec: maintenanceSpec(mc.MonitorSpec, defaultMonitorSpec),
			Run: func(ctx context.Context) error {
				return a.mon.Report(ctx, a.queue)
			},
		},
	}
	for _, j := range jobs {
		if err := m.Add(j); err != nil {
			return nil, err
		}
	}
	return m, nil
}

// Server exposes the HTTP server, mostly for tests that need its address.
func (a *App) Server() *httpapi.Server { return a.server }

func (a *App) Store() store.Store { return a.store }

// Done is closed when the app supervisor context is canceled (fatal error or Stop()).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor (if any).
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

func (a *App) Start(ctx context.Context) error {
	a.sup = supervisor.New(ctx, supervisor.WithLogger(a.log), supervisor.WithCancelOnError(true))
	runCtx := a.sup.Context()

	unsub, err := a.bus.Subscribe(runCtx, a.hub.HandleMessage, eventbus.ChannelVoteUpdates, eventbus.ChannelPollUpdates)
	if err != nil {
		return fmt.Errorf("subscribe realtime: %w", err)
	}
	a.unsubBus = unsub

	a.sup.Go("queue.monitor", a.mon.Run)
	a.agg.Start(a.sup)
	if err := a.maint.Start(runCtx); err != nil {
		return err
	}
	a.server.Start(a.sup)

	if a.cfgm != nil {
		a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
		a.cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error { return validateReload(cfg) })
		sub := a.cfgm.Subscribe(8)
		a.sup.Go0("config.reload", func(c context.Context) {
			defer a.cfgm.Unsubscribe(sub)
			a.reloadLoop(c, sub)
		})
		a.sup.Go("config.watch", a.cfgm.Watch)
	}

	a.log.Info("app started",
		logx.String("store", a.cfg.Storage.Driver),
		logx.String("queue", a.cfg.Queue.Driver),
		logx.String("bus", a.cfg.Bus.Driver),
	)
	return nil
}

func validateReload(cfg *config.Config) error {
	if err := config.Validate(cfg); err != nil {
		return err
	}
	if _, err := mapRelayConfig(cfg); err != nil {
		return err
	}
	if tz := strings.TrimSpace(cfg.Maintenance.Timezone); tz != "" {
		if _, err := time.LoadLocation(tz); err != nil {
			return fmt.Errorf("maintenance.timezone: invalid %q: %w", tz, err)
		}
	}
	return nil
}

// reloadLoop applies the live-reloadable sections and flags the rest.
func (a *App) reloadLoop(ctx context.Context, sub chan *config.Config) {
	last := a.cfgm.Get()
	for {
		select {
		case <-ctx.Done():
			return
		case next, ok := <-sub:
			if !ok {
				return
			}
			// Coalesce bursts: keep only the latest config.
		drain:
			for {
				select {
				case newer := <-sub:
					if newer != nil {
						next = newer
					}
				default:
					break drain
				}
			}

			sections, attrs := config.SummarizeConfigChange(last, next)
			last = next
			if len(sections) == 0 {
				a.log.Info("config reloaded (no changes)")
				continue
			}

			a.logs.Apply(mapLogConfig(next.Logging))
			if rc, err := mapRelayConfig(next); err != nil {
				a.log.Warn("invalid outbox config; keeping previous", logx.Err(err))
			} else {
				a.relay.Apply(rc)
			}
			a.maint.SetTimezone(next.Maintenance.Timezone)

			if pending := config.RestartRequired(sections); len(pending) > 0 {
				a.log.Warn("config sections changed that need a restart", logx.String("sections", strings.Join(pending, ",")))
			}
			fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
			a.log.Info("config reloaded", fields...)
		}
	}
}

func (a *App) ping(ctx context.Context) error {
	if err := a.store.Ping(ctx); err != nil {
		return fmt.Errorf("store: %w", err)
	}
	if a.rdb != nil {
		if err := a.rdb.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("redis: %w", err)
		}
	}
	return nil
}

func (a *App) runtimeSnapshot() any {
	out := map[string]any{
		"supervisor":  a.sup.Snapshot(),
		"aggregator":  a.agg.Stats(),
		"maintenance": a.maint.Stats(),
	}
	if mb, ok := a.bus.(*eventbus.MemoryBus); ok {
		out["bus_dropped"] = mb.Dropped()
	}
	return out
}

// Stop shuts components down in dependency order: stop taking traffic,
// stop background jobs, drain workers, then release storage.
func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		a.closeResources()
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))

	// Cancel the run context first so loops start unwinding immediately.
	a.sup.Cancel()

	a.step(ctx, "maintenance", 2*time.Second, a.maint.Stop)
	a.step(ctx, "realtime", time.Second, func(context.Context) error {
		if a.unsubBus != nil {
			a.unsubBus()
		}
		a.hub.Close()
		return nil
	})
	a.step(ctx, "supervisor", 5*time.Second, a.sup.Wait)
	a.step(ctx, "resources", 2*time.Second, func(context.Context) error {
		a.closeResources()
		return nil
	})

	err := a.sup.Err()
	a.log.Info("stopped")
	_ = a.logs.Close()
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// step runs one shutdown step with an upper bound so a stuck component
// cannot stall the rest of the stop sequence.
func (a *App) step(ctx context.Context, name string, max time.Duration, fn func(context.Context) error) {
	start := time.Now()
	if dl, ok := ctx.Deadline(); ok {
		if rem := time.Until(dl); rem < max {
			max = rem
		}
	}
	if max <= 0 {
		a.log.Warn("stop step skipped, no time left", logx.String("name", name))
		return
	}
	stepCtx, cancel := context.WithTimeout(ctx, max)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- fmt.Errorf("panic in stop step %s: %v", name, r)
			}
		}()
		done <- fn(stepCtx)
	}()

	select {
	case err := <-done:
		if err != nil {
			a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
		}
		a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", time.Since(start)))
	case <-stepCtx.Done():
		a.log.Warn("stop step deadline reached (continuing)", logx.String("name", name), logx.Duration("elapsed", time.Since(start)))
	}
}

func (a *App) closeResources() {
	if a.queue != nil {
		_ = a.queue.Close()
	}
	if a.bus != nil {
		_ = a.bus.Close()
	}
	if a.rdb != nil {
		_ = a.rdb.Close()
	}
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			a.log.Warn("store close failed", logx.Err(err))
		}
	}
}

func usesRedis(cfg *config.Config) bool {
	return strings.EqualFold(strings.TrimSpace(cfg.Queue.Driver), "redis") ||
		strings.EqualFold(strings.TrimSpace(cfg.Bus.Driver), "redis")
}

func redisPrefix(cfg *config.Config) string {
	if cfg.Redis != nil && strings.TrimSpace(cfg.Redis.Prefix) != "" {
		return strings.TrimSpace(cfg.Redis.Prefix)
	}
	return "livepoll"
}
