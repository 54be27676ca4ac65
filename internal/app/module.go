package app

import (
	"context"

	"github.com/zhanat1998/arashan-chat/internal/api"
	"github.com/zhanat1998/arashan-chat/internal/bus"
	"github.com/zhanat1998/arashan-chat/internal/config"
	"github.com/zhanat1998/arashan-chat/internal/dispatch"
	"github.com/zhanat1998/arashan-chat/internal/lock"
	"github.com/zhanat1998/arashan-chat/internal/logging"
	"github.com/zhanat1998/arashan-chat/internal/outbox"
	"github.com/zhanat1998/arashan-chat/internal/presence"
	"github.com/zhanat1998/arashan-chat/internal/realtime"
	"github.com/zhanat1998/arashan-chat/internal/registry"
	"github.com/zhanat1998/arashan-chat/internal/session"
	"github.com/zhanat1998/arashan-chat/internal/status"
	"github.com/zhanat1998/arashan-chat/internal/store"
	intsync "github.com/zhanat1998/arashan-chat/internal/sync"
	"github.com/zhanat1998/arashan-chat/internal/thread"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// Params holds the resolved startup options passed to the fx module.
type Params struct {
	ConfigPath string
}

// Module returns the fx module for the chat core, composing all providers
// and lifecycle hooks.
func Module(p Params) fx.Option {
	return fx.Module("chat",
		fx.Supply(p),
		fx.Provide(
			provideConfig,
			provideLogger,
			provideBus,
			provideStateMachine,
			provideLock,
			provideStore,
			provideClient,
			provideThread,
			provideRegistry,
			providePipeline,
			providePresence,
			provideRealtime,
			provideDispatcher,
			provideSyncEngine,
		),
		fx.Invoke(registerLifecycle),
	)
}

func provideConfig(p Params) (*config.Config, error) {
	path := p.ConfigPath
	if path == "" {
		path = session.ConfigPath()
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func provideLogger(cfg *config.Config) (*zap.Logger, error) {
	if err := session.EnsureDir(cfg.Profile.Name); err != nil {
		return nil, err
	}
	return logging.New(session.LogPath(cfg.Profile.Name), cfg.Profile.Name)
}

func provideBus() *bus.Bus {
	return bus.New()
}

func provideStateMachine(b *bus.Bus) *status.Machine {
	return status.NewMachine(b)
}

func provideLock(cfg *config.Config, logger *zap.Logger) (*lock.Lock, error) {
	logger.Info("acquiring profile lock", zap.String("profile", cfg.Profile.Name))
	l, err := lock.Acquire(session.Dir(cfg.Profile.Name))
	if err != nil {
		return nil, err
	}
	logger.Info("profile lock acquired")
	return l, nil
}

func provideStore(cfg *config.Config, logger *zap.Logger) (*store.DB, error) {
	dbPath := session.CacheDBPath(cfg.Profile.Name)
	db, err := store.Open(dbPath)
	if err != nil {
		return nil, err
	}
	result, err := db.Migrate()
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	if result.Changed {
		logger.Info("migrations applied", zap.Uint("version", result.Version))
	} else {
		logger.Info("migrations up to date", zap.Uint("version", result.Version))
	}
	logger.Info("cache initialized", zap.String("path", dbPath))
	return db, nil
}

func provideClient(cfg *config.Config, logger *zap.Logger) *api.Client {
	return api.New(cfg.API.BaseURL, cfg.API.Token, cfg.API.Timeout(), logger)
}

func provideThread(client *api.Client, b *bus.Bus, cfg *config.Config, logger *zap.Logger) *thread.Store {
	return thread.NewStore(client, b, cfg.Thread.InitialPageSize, cfg.Thread.PageSize, logger)
}

func provideRegistry(client *api.Client, b *bus.Bus, cfg *config.Config, logger *zap.Logger) *registry.Registry {
	return registry.New(client, b, cfg.Profile.UserID, logger)
}

func providePipeline(client *api.Client, ts *thread.Store, reg *registry.Registry, b *bus.Bus, cfg *config.Config, logger *zap.Logger) *outbox.Pipeline {
	return outbox.New(client, ts, reg, b, cfg.Profile.UserID, logger)
}

func providePresence(client *api.Client, b *bus.Bus, cfg *config.Config, logger *zap.Logger) *presence.Tracker {
	return presence.New(client, b, cfg.Profile.UserID, cfg.Presence.Heartbeat(), cfg.Presence.TypingQuiet(), logger)
}

func provideRealtime(cfg *config.Config, b *bus.Bus, machine *status.Machine, logger *zap.Logger) *realtime.Manager {
	dial := realtime.WebsocketDialer(cfg.Realtime.URL, cfg.API.Token)
	return realtime.NewManager(dial, b, machine, logger)
}

func provideDispatcher(rt *realtime.Manager, ts *thread.Store, reg *registry.Registry, pres *presence.Tracker, client *api.Client, b *bus.Bus, cfg *config.Config, logger *zap.Logger) *dispatch.Dispatcher {
	return dispatch.New(rt, ts, reg, pres, client, b, cfg.Profile.UserID, logger)
}

func provideSyncEngine(db *store.DB, reg *registry.Registry, b *bus.Bus, logger *zap.Logger) *intsync.Engine {
	return intsync.NewEngine(db, reg, b, logger)
}

func registerLifecycle(
	lc fx.Lifecycle,
	lk *lock.Lock,
	db *store.DB,
	machine *status.Machine,
	rt *realtime.Manager,
	d *dispatch.Dispatcher,
	engine *intsync.Engine,
	pres *presence.Tracker,
	reg *registry.Registry,
	logger *zap.Logger,
) {
	lc.Append(fx.Hook{
		OnStart: func(_ context.Context) error {
			// The engine subscribes before anything publishes, so no
			// confirmed message misses the cache.
			engine.Start(context.Background())

			if err := d.Start(context.Background()); err != nil {
				return err
			}
			rt.Start(context.Background())
			pres.Start(context.Background())

			// Initial conversation list; the cache already has the last
			// known view if this fails.
			go func() {
				if err := reg.FetchAll(context.Background()); err != nil {
					logger.Warn("initial conversation fetch failed", zap.Error(err))
				}
			}()

			logger.Info("chat core started")
			return nil
		},
		OnStop: func(ctx context.Context) error {
			pres.Stop()
			d.Stop()
			rt.Stop()
			engine.Stop()
			if err := db.Close(); err != nil {
				logger.Warn("error closing cache", zap.Error(err))
			}
			if err := lk.Release(); err != nil {
				logger.Warn("error releasing lock", zap.Error(err))
			}
			logger.Info("chat core stopped")
			return nil
		},
	})
}
