// Package daemon composes the zapcoach services into a running process.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"os"

	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/caiombs/zapcoach/internal/bus"
	"github.com/caiombs/zapcoach/internal/config"
	"github.com/caiombs/zapcoach/internal/console"
	"github.com/caiombs/zapcoach/internal/conversation"
	"github.com/caiombs/zapcoach/internal/dispatch"
	"github.com/caiombs/zapcoach/internal/gateway"
	"github.com/caiombs/zapcoach/internal/instance"
	"github.com/caiombs/zapcoach/internal/lock"
	"github.com/caiombs/zapcoach/internal/logging"
	"github.com/caiombs/zapcoach/internal/metrics"
	"github.com/caiombs/zapcoach/internal/pairing"
	"github.com/caiombs/zapcoach/internal/paths"
	"github.com/caiombs/zapcoach/internal/store"
)

// Params holds the resolved startup flags passed to the fx module.
type Params struct {
	ConfigPath string
}

// Module returns the fx module for the daemon, composing all providers and
// lifecycle hooks.
func Module(p Params) fx.Option {
	return fx.Module("daemon",
		fx.Supply(p),
		fx.Provide(
			provideConfig,
			provideLogger,
			provideBus,
			provideLock,
			provideStore,
			provideMetrics,
			provideGateway,
			provideRegistry,
			providePairingManager,
			provideSync,
			provideRefresher,
			provideDispatcher,
			provideConsole,
		),
		fx.Invoke(registerLifecycle),
	)
}

func provideConfig(p Params) (*config.Config, error) {
	path := p.ConfigPath
	if path == "" {
		path = paths.ConfigPath()
	}
	cfg, err := config.Load(path)
	if os.IsNotExist(err) {
		return nil, fmt.Errorf("no config at %s: create it with gateway_url and api_key set", path)
	}
	if err != nil {
		return nil, err
	}
	if cfg.GatewayURL == "" || cfg.APIKey == "" {
		return nil, fmt.Errorf("config %s: gateway_url and api_key are required", path)
	}
	return cfg, nil
}

func provideLogger() (*zap.Logger, error) {
	if err := paths.EnsureDirs(); err != nil {
		return nil, err
	}
	return logging.New(paths.LogPath())
}

func provideBus() *bus.Bus {
	return bus.New()
}

func provideLock(logger *zap.Logger) (*lock.Lock, error) {
	logger.Info("acquiring daemon lock", zap.String("dir", paths.BaseDir()))
	l, err := lock.Acquire(paths.BaseDir())
	if err != nil {
		return nil, err
	}
	logger.Info("daemon lock acquired")
	return l, nil
}

func provideStore(logger *zap.Logger) (*store.DB, error) {
	dbPath := paths.CacheDBPath()
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
	logger.Info("cache store initialized", zap.String("path", dbPath))
	return db, nil
}

func provideMetrics() *metrics.Metrics {
	return metrics.New()
}

func provideGateway(cfg *config.Config, logger *zap.Logger, m *metrics.Metrics) *gateway.Client {
	return gateway.New(cfg.GatewayURL, cfg.APIKey, logger, m)
}

func provideRegistry(gw *gateway.Client, db *store.DB, b *bus.Bus, logger *zap.Logger, m *metrics.Metrics) (*instance.Registry, error) {
	return instance.NewRegistry(gw, db, b, logger, m)
}

func providePairingManager(gw *gateway.Client, b *bus.Bus, logger *zap.Logger) *pairing.Manager {
	return pairing.NewManager(gw, b, logger)
}

func provideSync(gw *gateway.Client, db *store.DB, logger *zap.Logger, m *metrics.Metrics) *conversation.Sync {
	return conversation.New(gw, db, logger, m)
}

func provideRefresher(s *conversation.Sync, b *bus.Bus, logger *zap.Logger) *conversation.Refresher {
	return conversation.NewRefresher(s, b, logger, conversation.DefaultRefreshInterval)
}

func provideDispatcher(gw *gateway.Client, cfg *config.Config, b *bus.Bus, logger *zap.Logger, m *metrics.Metrics) *dispatch.Dispatcher {
	return dispatch.New(gw, b, logger, m, cfg.CountryCode)
}

func provideConsole(
	cfg *config.Config,
	registry *instance.Registry,
	manager *pairing.Manager,
	sync *conversation.Sync,
	refresher *conversation.Refresher,
	dispatcher *dispatch.Dispatcher,
	b *bus.Bus,
	m *metrics.Metrics,
	logger *zap.Logger,
) *console.Server {
	return console.NewServer(cfg.Listen, registry, manager, sync, refresher, dispatcher, b, m, logger)
}

func registerLifecycle(
	lc fx.Lifecycle,
	cfg *config.Config,
	srv *console.Server,
	lk *lock.Lock,
	registry *instance.Registry,
	manager *pairing.Manager,
	refresher *conversation.Refresher,
	logger *zap.Logger,
) {
	lc.Append(fx.Hook{
		OnStart: func(_ context.Context) error {
			go func() {
				if err := srv.Listen(); err != nil {
					logger.Error("console server error", zap.Error(err))
				}
			}()

			// Adopt an active instance without blocking startup; the
			// gateway may be slow or down and the console must come up
			// regardless.
			go func() {
				ctx := context.Background()
				name, err := registry.RecoverActive(ctx)
				if errors.Is(err, instance.ErrNoActive) && cfg.DefaultInstance != "" {
					if err := registry.SetActive(cfg.DefaultInstance); err == nil {
						name = cfg.DefaultInstance
					}
				} else if err != nil {
					logger.Warn("active instance recovery failed", zap.Error(err))
				}
				if name != "" {
					logger.Info("active instance adopted", zap.String("instance", name))
					refresher.Start(ctx, name)
				}
			}()

			return nil
		},
		OnStop: func(ctx context.Context) error {
			refresher.Stop()
			manager.CancelAll()
			if err := srv.Shutdown(); err != nil {
				logger.Warn("console shutdown error", zap.Error(err))
			}
			if err := lk.Release(); err != nil {
				logger.Warn("error releasing lock", zap.Error(err))
			}
			logger.Info("daemon stopped")
			return nil
		},
	})
}
