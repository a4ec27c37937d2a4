// Package daemon composes the fleet supervisor: configuration, logging,
// the event bus, the session orchestrator, the watchdog, the media
// pipeline and the HTTP API, wired together with fx lifecycle hooks.
package daemon

import (
	"context"
	"sync"
	"time"

	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/matheus3301/wafleet/internal/bus"
	"github.com/matheus3301/wafleet/internal/cache"
	"github.com/matheus3301/wafleet/internal/client"
	"github.com/matheus3301/wafleet/internal/config"
	"github.com/matheus3301/wafleet/internal/fleet"
	"github.com/matheus3301/wafleet/internal/httpapi"
	"github.com/matheus3301/wafleet/internal/lock"
	"github.com/matheus3301/wafleet/internal/logging"
	"github.com/matheus3301/wafleet/internal/media"
	"github.com/matheus3301/wafleet/internal/reconnect"
	"github.com/matheus3301/wafleet/internal/state"
	"github.com/matheus3301/wafleet/internal/wa"
	"github.com/matheus3301/wafleet/internal/watchdog"
)

// Params holds the flag-level overrides passed to the fx module.
type Params struct {
	ConfigPath string // empty = ~/.wafleet/config.toml
	ListenAddr string // empty = value from config
}

// Module returns the daemon's fx module.
func Module(p Params) fx.Option {
	return fx.Module("daemon",
		fx.Supply(p),
		fx.Provide(
			provideConfig,
			provideLogger,
			provideBus,
			provideStates,
			provideCache,
			provideScheduler,
			providePipeline,
			provideLock,
			provideManager,
			provideMonitor,
			provideServer,
		),
		fx.Invoke(registerLifecycle),
	)
}

func provideConfig(p Params) (*config.Config, error) {
	if err := fleet.EnsureBase(); err != nil {
		return nil, err
	}
	path := p.ConfigPath
	if path == "" {
		path = fleet.ConfigPath()
	}
	return config.Load(path)
}

func provideLogger() (*zap.Logger, error) {
	return logging.New(fleet.LogPath())
}

func provideBus() *bus.Bus {
	return bus.New()
}

func provideStates(b *bus.Bus) *state.Store {
	return state.NewStore(b)
}

func provideCache(logger *zap.Logger) *cache.Cache {
	return cache.New(logger)
}

func provideScheduler(cfg *config.Config, logger *zap.Logger) *reconnect.Scheduler {
	return reconnect.NewScheduler(reconnect.Config{
		BaseDelay:    time.Duration(cfg.Reconnect.BaseDelayMs) * time.Millisecond,
		MaxDelay:     time.Duration(cfg.Reconnect.MaxDelayMs) * time.Millisecond,
		Multiplier:   cfg.Reconnect.Multiplier,
		JitterFactor: cfg.Reconnect.JitterFactor,
		MaxAttempts:  cfg.Reconnect.MaxAttempts,
		MinSpacing:   time.Duration(cfg.Reconnect.MinSpacingMs) * time.Millisecond,
	}, logger)
}

func providePipeline(cfg *config.Config, b *bus.Bus, logger *zap.Logger) *media.Pipeline {
	mcfg := media.DefaultConfig()
	mcfg.Workers = cfg.Media.Workers
	mcfg.JobTimeout = time.Duration(cfg.Media.JobTimeoutSec) * time.Second
	mcfg.QuickTimeout = time.Duration(cfg.Media.QuickTimeoutSec) * time.Second
	mcfg.Retention = time.Duration(cfg.Media.RetentionMin) * time.Minute
	mcfg.Dir = fleet.MediaDir()
	return media.New(mcfg, b, logger)
}

func provideLock(logger *zap.Logger) (*lock.Lock, error) {
	logger.Info("acquiring daemon lock", zap.String("path", fleet.LockPath()))
	return lock.Acquire(fleet.LockPath())
}

func provideManager(
	b *bus.Bus,
	states *state.Store,
	ch *cache.Cache,
	sched *reconnect.Scheduler,
	pipe *media.Pipeline,
	logger *zap.Logger,
) *client.Manager {
	factory := func(ctx context.Context, number string) (client.Session, error) {
		return wa.NewSession(ctx, number, b, logger)
	}
	return client.NewManager(factory, states, ch, sched, pipe, b, logger)
}

func provideMonitor(cfg *config.Config, states *state.Store, mgr *client.Manager, logger *zap.Logger) *watchdog.Monitor {
	wcfg := watchdog.Config{
		Interval:     cfg.WatchdogInterval(),
		ProbeTimeout: time.Duration(cfg.Watchdog.ProbeTimeoutSec) * time.Second,
		MaxQRAge:     time.Duration(cfg.Watchdog.MaxQRAgeSec) * time.Second,
		MaxInitTime:  time.Duration(cfg.Watchdog.MaxInitSec) * time.Second,
		MaxStateAge:  time.Duration(cfg.Watchdog.MaxStateAgeSec) * time.Second,
	}
	return watchdog.NewMonitor(wcfg, states, mgr, logger)
}

func provideServer(
	p Params,
	cfg *config.Config,
	mgr *client.Manager,
	states *state.Store,
	ch *cache.Cache,
	pipe *media.Pipeline,
	mon *watchdog.Monitor,
	logger *zap.Logger,
) *httpapi.Server {
	addr := p.ListenAddr
	if addr == "" {
		addr = cfg.HTTP.ListenAddr
	}

	configPath := p.ConfigPath
	if configPath == "" {
		configPath = fleet.ConfigPath()
	}
	var saveMu sync.Mutex

	return httpapi.NewServer(addr, httpapi.Deps{
		Manager:  mgr,
		States:   states,
		Cache:    ch,
		Pipeline: pipe,
		Monitor:  mon,
		SaveClients: func(numbers []string) error {
			saveMu.Lock()
			defer saveMu.Unlock()
			cfg.Clients = numbers
			return config.Save(configPath, cfg)
		},
	}, logger)
}

func registerLifecycle(
	lc fx.Lifecycle,
	cfg *config.Config,
	srv *httpapi.Server,
	lk *lock.Lock,
	mgr *client.Manager,
	mon *watchdog.Monitor,
	pipe *media.Pipeline,
	sched *reconnect.Scheduler,
	logger *zap.Logger,
) {
	lc.Append(fx.Hook{
		OnStart: func(_ context.Context) error {
			mgr.Start(context.Background())
			pipe.Start(context.Background())
			mon.Start(context.Background())
			srv.Start()

			// Bring up the configured fleet. Startup must not block on a
			// slow or broken session, so each add happens in background.
			go func() {
				for _, number := range cfg.Clients {
					if err := mgr.AddClient(context.Background(), number); err != nil {
						logger.Error("startup client add failed",
							zap.String("client", number), zap.Error(err))
					}
				}
			}()

			logger.Info("daemon started", zap.Int("configured_clients", len(cfg.Clients)))
			return nil
		},
		OnStop: func(ctx context.Context) error {
			if err := srv.Shutdown(ctx); err != nil {
				logger.Warn("http shutdown", zap.Error(err))
			}
			mon.Stop()
			mgr.Stop(ctx)
			pipe.Stop()
			sched.Stop()
			if err := lk.Release(); err != nil {
				logger.Warn("error releasing lock", zap.Error(err))
			}
			logger.Info("daemon stopped")
			return nil
		},
	})
}
