// Package daemon is the composition root: it wires config, store, queue,
// engine and monitors into one fx application with lifecycle hooks.
package daemon

import (
	"context"

	"github.com/brunodmn/offsync/internal/bus"
	"github.com/brunodmn/offsync/internal/cache"
	"github.com/brunodmn/offsync/internal/config"
	"github.com/brunodmn/offsync/internal/kv"
	"github.com/brunodmn/offsync/internal/lock"
	"github.com/brunodmn/offsync/internal/logging"
	"github.com/brunodmn/offsync/internal/netmon"
	"github.com/brunodmn/offsync/internal/queue"
	"github.com/brunodmn/offsync/internal/remote"
	"github.com/brunodmn/offsync/internal/status"
	"github.com/brunodmn/offsync/internal/store"
	intsync "github.com/brunodmn/offsync/internal/sync"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// Module returns the fx module for the sync daemon, composing all providers
// and lifecycle hooks.
func Module(cfg *config.Config) fx.Option {
	return fx.Module("daemon",
		fx.Supply(cfg),
		fx.Provide(
			provideLogger,
			provideBus,
			provideStateMachine,
			provideLock,
			provideStore,
			provideKV,
			provideCache,
			provideClient,
			provideQueue,
			provideEngine,
			provideReconciler,
			provideMonitor,
		),
		fx.Invoke(registerLifecycle),
	)
}

func provideLogger(cfg *config.Config) (*zap.Logger, error) {
	return logging.New(cfg.LogPath(), cfg.DataDir)
}

func provideBus() *bus.Bus {
	return bus.New()
}

func provideStateMachine(b *bus.Bus) *status.Machine {
	return status.NewMachine(b)
}

func provideLock(cfg *config.Config, logger *zap.Logger) (*lock.Lock, error) {
	logger.Info("acquiring data dir lock", zap.String("data_dir", cfg.DataDir))
	l, err := lock.Acquire(cfg.DataDir)
	if err != nil {
		return nil, err
	}
	logger.Info("data dir lock acquired")
	return l, nil
}

func provideStore(cfg *config.Config, logger *zap.Logger) (*store.DB, error) {
	db, err := store.Open(cfg.DBPath())
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
	logger.Info("store initialized", zap.String("path", cfg.DBPath()))
	return db, nil
}

func provideKV(cfg *config.Config) (*kv.Store, error) {
	return kv.Open(cfg.KVPath())
}

func provideCache(cfg *config.Config) *cache.Cache {
	return cache.New(cfg.CacheTTL(), cfg.CacheCapacity)
}

func provideClient(cfg *config.Config, logger *zap.Logger) *remote.Client {
	return remote.NewClient(cfg.RemoteURL, cfg.AttemptTimeout(), logger)
}

func provideQueue(cfg *config.Config, db *store.DB, kvStore *kv.Store, client *remote.Client, b *bus.Bus, logger *zap.Logger) *queue.Queue {
	return queue.New(db, kvStore, client, client, b, logger, queue.Config{
		BatchSize:      cfg.DrainBatchSize,
		MaxRetries:     cfg.MaxRetries,
		AttemptTimeout: cfg.AttemptTimeout(),
	})
}

func provideEngine(cfg *config.Config, db *store.DB, q *queue.Queue, client *remote.Client,
	kvStore *kv.Store, c *cache.Cache, b *bus.Bus, machine *status.Machine, logger *zap.Logger) *intsync.Engine {
	return intsync.New(db, q, client, kvStore, c, b, machine, logger, intsync.Options{
		UserID:        cfg.UserID,
		KeySalt:       cfg.KeySalt,
		DebounceQuiet: cfg.DebounceQuiet(),
		FeedURL:       cfg.FeedURL,
	})
}

func provideReconciler(engine *intsync.Engine, b *bus.Bus, logger *zap.Logger) *intsync.Reconciler {
	return intsync.NewReconciler(engine, b, logger)
}

func provideMonitor(cfg *config.Config, client *remote.Client, b *bus.Bus, logger *zap.Logger) *netmon.Monitor {
	return netmon.New(client, b, logger, cfg.ProbeInterval())
}

func registerLifecycle(lc fx.Lifecycle, lk *lock.Lock, db *store.DB, kvStore *kv.Store,
	q *queue.Queue, engine *intsync.Engine, reconciler *intsync.Reconciler,
	monitor *netmon.Monitor, machine *status.Machine, b *bus.Bus, logger *zap.Logger) {
	var stopApp context.CancelFunc
	lc.Append(fx.Hook{
		OnStart: func(_ context.Context) error {
			// Restore any queue snapshot from a previous run before the
			// monitor can report connectivity and trigger drains.
			if n := q.Load(); n > 0 {
				logger.Info("restored queued mutations", zap.Int("count", n))
			}
			q.Start(context.Background())

			engine.Start(context.Background())
			reconciler.Start(context.Background())

			// The first probe delivers the initial online/offline verdict.
			_ = machine.Transition(status.Offline)
			monitor.Start(context.Background())

			// Probing pauses while the app is backgrounded; the seeded
			// verdict survives, so a resume only publishes transitions.
			appCtx, cancel := context.WithCancel(context.Background())
			stopApp = cancel
			appCh, unsub := b.Subscribe("app.", 16)
			go func() {
				defer unsub()
				for {
					select {
					case evt := <-appCh:
						switch evt.Kind {
						case bus.KindAppBackground:
							monitor.Stop()
						case bus.KindAppForeground:
							monitor.Start(context.Background())
						}
					case <-appCtx.Done():
						return
					}
				}
			}()

			logger.Info("daemon started")
			return nil
		},
		OnStop: func(_ context.Context) error {
			if stopApp != nil {
				stopApp()
			}
			monitor.Stop()
			reconciler.Stop()
			engine.Cleanup()
			q.Stop()
			if err := kvStore.Close(); err != nil {
				logger.Warn("error closing state db", zap.Error(err))
			}
			if err := db.Close(); err != nil {
				logger.Warn("error closing store", zap.Error(err))
			}
			if err := lk.Release(); err != nil {
				logger.Warn("error releasing lock", zap.Error(err))
			}
			logger.Info("daemon stopped")
			return nil
		},
	})
}
