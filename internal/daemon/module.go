package daemon

import (
	"context"
	"errors"
	"net/http"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/saikiran76/dailyfix-core/internal/auth"
	"github.com/saikiran76/dailyfix-core/internal/bridge"
	"github.com/saikiran76/dailyfix-core/internal/bus"
	"github.com/saikiran76/dailyfix-core/internal/config"
	"github.com/saikiran76/dailyfix-core/internal/connection"
	"github.com/saikiran76/dailyfix-core/internal/logging"
	"github.com/saikiran76/dailyfix-core/internal/metrics"
	"github.com/saikiran76/dailyfix-core/internal/outbox"
	"github.com/saikiran76/dailyfix-core/internal/profile"
	"github.com/saikiran76/dailyfix-core/internal/realtime"
	"github.com/saikiran76/dailyfix-core/internal/retry"
	"github.com/saikiran76/dailyfix-core/internal/store"
	intsync "github.com/saikiran76/dailyfix-core/internal/sync"
	"github.com/saikiran76/dailyfix-core/internal/timeline"
)

// Params holds the resolved profile configuration passed to the fx module.
type Params struct {
	ProfileName string
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
			provideTokens,
			provideClient,
			provideScheduler,
			provideConnectionManager,
			provideTimelineManager,
			provideSyncRunner,
			provideOrchestrator,
			provideRouter,
			provideTransport,
			provideSender,
		),
		fx.Invoke(registerLifecycle),
	)
}

func provideConfig() (*config.Config, error) {
	cfg, err := config.Load(profile.ConfigPath())
	if errors.Is(err, os.ErrNotExist) {
		return config.Default(), nil
	}
	return cfg, err
}

func provideLogger(p Params) (*zap.Logger, error) {
	return logging.New(profile.LogPath(p.ProfileName), p.ProfileName)
}

func provideBus() *bus.Bus {
	return bus.New()
}

func provideLock(p Params, logger *zap.Logger) (*profile.Lock, error) {
	if err := profile.EnsureDir(p.ProfileName); err != nil {
		return nil, err
	}
	logger.Info("acquiring profile lock", zap.String("profile", p.ProfileName))
	l, err := profile.AcquireLock(profile.Dir(p.ProfileName))
	if err != nil {
		return nil, err
	}
	logger.Info("profile lock acquired")
	return l, nil
}

func provideStore(p Params, logger *zap.Logger) (*store.DB, error) {
	if err := profile.EnsureDir(p.ProfileName); err != nil {
		return nil, err
	}
	dbPath := profile.CacheDBPath(p.ProfileName)
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
	logger.Info("store initialized", zap.String("path", dbPath))
	return db, nil
}

func provideMetrics() (*prometheus.Registry, *metrics.Metrics) {
	reg := prometheus.NewRegistry()
	return reg, metrics.New(reg)
}

func provideTokens(cfg *config.Config) auth.TokenSource {
	return auth.NewCachingSource(auth.NewStaticTokenSource(cfg.Bridge.Token))
}

func provideClient(cfg *config.Config, tokens auth.TokenSource, logger *zap.Logger) *bridge.Client {
	return bridge.NewClient(cfg.Bridge.BaseURL, tokens, logger)
}

func provideScheduler(logger *zap.Logger) *retry.Scheduler {
	return retry.NewScheduler(logger)
}

func provideConnectionManager(client *bridge.Client, db *store.DB, b *bus.Bus, sched *retry.Scheduler, m *metrics.Metrics, cfg *config.Config, logger *zap.Logger) *connection.Manager {
	return connection.NewManager(client, db, b, sched, m, cfg.Connection, logger)
}

func provideTimelineManager(client *bridge.Client, db *store.DB, b *bus.Bus, cfg *config.Config, logger *zap.Logger) *timeline.Manager {
	return timeline.NewManager(client, db, b, logger, timeline.Config{
		InitialLimit: cfg.Timeline.InitialLimit,
		PageSize:     cfg.Timeline.PageSize,
		HighWater:    cfg.Timeline.HighWater,
	})
}

func provideOrchestrator(runner intsync.Runner, client *bridge.Client, db *store.DB, b *bus.Bus, sched *retry.Scheduler, m *metrics.Metrics, logger *zap.Logger) *intsync.Orchestrator {
	return intsync.NewOrchestrator(runner, client, db, b, sched, m, logger)
}

func provideRouter(conns *connection.Manager, orch *intsync.Orchestrator, tm *timeline.Manager, b *bus.Bus, m *metrics.Metrics, logger *zap.Logger) *realtime.Router {
	return realtime.NewRouter(conns, orch, tm, b, m, logger)
}

func provideTransport(cfg *config.Config, tokens auth.TokenSource, router *realtime.Router, logger *zap.Logger) *realtime.Transport {
	return realtime.NewTransport(cfg.Bridge.RealtimeURL, tokens, router, logger)
}

func provideSender(db *store.DB, client *bridge.Client, tm *timeline.Manager, b *bus.Bus, logger *zap.Logger) *outbox.Sender {
	return outbox.NewSender(db, client, tm, b, "me", logger)
}

func registerLifecycle(
	lc fx.Lifecycle,
	cfg *config.Config,
	lk *profile.Lock,
	db *store.DB,
	reg *prometheus.Registry,
	sched *retry.Scheduler,
	conns *connection.Manager,
	orch *intsync.Orchestrator,
	transport *realtime.Transport,
	sender *outbox.Sender,
	logger *zap.Logger,
) {
	var metricsSrv *http.Server
	if cfg.Metrics.ListenAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
		metricsSrv = &http.Server{Addr: cfg.Metrics.ListenAddr, Handler: mux}
	}

	lc.Append(fx.Hook{
		OnStart: func(_ context.Context) error {
			conns.Start(context.Background())
			orch.Start(context.Background())
			sender.Start(context.Background())
			if cfg.Bridge.RealtimeURL != "" {
				transport.Start(context.Background())
			} else {
				logger.Warn("no realtime url configured, running on polling only")
			}
			if metricsSrv != nil {
				go func() {
					if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
						logger.Error("metrics server", zap.Error(err))
					}
				}()
				logger.Info("metrics listening", zap.String("addr", cfg.Metrics.ListenAddr))
			}
			logger.Info("daemon started")
			return nil
		},
		OnStop: func(ctx context.Context) error {
			transport.Stop()
			sender.Stop()
			orch.Stop()
			conns.Stop()
			sched.StopAll()
			if metricsSrv != nil {
				shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
				defer cancel()
				_ = metricsSrv.Shutdown(shutdownCtx)
			}
			if err := db.Close(); err != nil {
				logger.Warn("closing store", zap.Error(err))
			}
			if err := lk.Release(); err != nil {
				logger.Warn("releasing profile lock", zap.Error(err))
			}
			logger.Info("daemon stopped")
			return nil
		},
	})
}
