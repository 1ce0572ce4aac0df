package app

import (
	"context"
	"io"
	"path/filepath"

	"github.com/benbjohnson/clock"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"
	"go.uber.org/zap"

	"github.com/matheus3301/chatcache/internal/bus"
	"github.com/matheus3301/chatcache/internal/cache"
	"github.com/matheus3301/chatcache/internal/config"
	"github.com/matheus3301/chatcache/internal/invalidate"
	"github.com/matheus3301/chatcache/internal/lock"
	"github.com/matheus3301/chatcache/internal/logging"
	"github.com/matheus3301/chatcache/internal/metrics"
	"github.com/matheus3301/chatcache/internal/outbox"
	"github.com/matheus3301/chatcache/internal/pager"
	"github.com/matheus3301/chatcache/internal/source"
	"github.com/matheus3301/chatcache/internal/store"
	intsync "github.com/matheus3301/chatcache/internal/sync"
	"github.com/matheus3301/chatcache/internal/transport"
	"github.com/matheus3301/chatcache/internal/window"
)

// Params holds the resolved configuration passed to the fx module.
type Params struct {
	Config *config.Config
	// Source replaces the SQLite source at Config.SourceDB. It is not
	// closed on stop.
	Source transport.Source
	Clock  clock.Clock
	// Registry receives the metrics; a private registry is used when nil.
	Registry *prometheus.Registry
	// Logger replaces the logger built from Config.
	Logger *zap.Logger
}

// Module returns the fx module for the cache, composing all providers and
// lifecycle hooks.
func Module(p Params) fx.Option {
	return fx.Module("chatcache",
		fx.Supply(p),
		fx.WithLogger(func(logger *zap.Logger) fxevent.Logger {
			return &fxevent.ZapLogger{Logger: logger.Named("fx").WithOptions(zap.IncreaseLevel(zap.WarnLevel))}
		}),
		fx.Provide(
			provideLogger,
			provideBus,
			provideClock,
			provideRegistry,
			provideMetrics,
			provideLock,
			provideSource,
			provideCache,
			provideScheduler,
			providePager,
			provideTracker,
			provideEngine,
			NewClient,
			NewMetricsServer,
		),
		fx.Invoke(connect, registerLifecycle),
	)
}

func provideLogger(p Params) (*zap.Logger, error) {
	if p.Logger != nil {
		return p.Logger, nil
	}
	return logging.New(p.Config.LogPath, p.Config.LogLevel)
}

func provideBus() *bus.Bus {
	return bus.New()
}

func provideClock(p Params) clock.Clock {
	if p.Clock != nil {
		return p.Clock
	}
	return clock.New()
}

func provideRegistry(p Params) *prometheus.Registry {
	if p.Registry != nil {
		return p.Registry
	}
	return prometheus.NewRegistry()
}

func provideMetrics(reg *prometheus.Registry) *metrics.Metrics {
	return metrics.New(reg)
}

// provideLock guards the directory of the SQLite source. Two processes on
// one database would hand out ids independently and never see each other's
// frames. No lock is taken for an injected source.
func provideLock(p Params, logger *zap.Logger) (*lock.Lock, error) {
	if p.Source != nil {
		return nil, nil
	}
	dir := filepath.Dir(p.Config.SourceDB)
	logger.Info("acquiring source lock", zap.String("dir", dir))
	l, err := lock.Acquire(dir)
	if err != nil {
		return nil, err
	}
	logger.Info("source lock acquired")
	return l, nil
}

func provideSource(p Params, _ *lock.Lock, b *bus.Bus, clk clock.Clock, logger *zap.Logger) (transport.Source, error) {
	if p.Source != nil {
		return p.Source, nil
	}
	src, err := source.OpenSQLite(p.Config.SourceDB, source.Options{
		Clock:  clk,
		Bus:    b,
		Logger: logger.Named("source"),
	})
	if err != nil {
		return nil, err
	}
	logger.Info("source opened", zap.String("path", p.Config.SourceDB))
	return src, nil
}

func provideCache(b *bus.Bus, logger *zap.Logger) *cache.Cache {
	return cache.New(b, window.NewTracker(), logger.Named("cache"))
}

func provideScheduler(p Params, clk clock.Clock, logger *zap.Logger, m *metrics.Metrics) *invalidate.Scheduler {
	return invalidate.New(clk, p.Config.InvalidateWindow.Duration, nil, logger.Named("invalidate"), m)
}

func providePager(p Params, c *cache.Cache, src transport.Source, logger *zap.Logger, m *metrics.Metrics) *pager.Controller {
	return pager.New(c, src, p.Config.PageSize, logger.Named("pager"), m)
}

func provideTracker(p Params, c *cache.Cache, src transport.Source, b *bus.Bus, s *invalidate.Scheduler, clk clock.Clock, logger *zap.Logger, m *metrics.Metrics) *outbox.Tracker {
	return outbox.NewTracker(c, src, b, logger.Named("outbox"), outbox.Options{
		Clock:   clk,
		Timeout: p.Config.WriteTimeout.Duration,
		Metrics: m,
		OnRejected: func(conv string) {
			s.Notify(conv, invalidate.Active)
		},
	})
}

func provideEngine(c *cache.Cache, src transport.Source, tr *outbox.Tracker, s *invalidate.Scheduler, b *bus.Bus, logger *zap.Logger, m *metrics.Metrics) *intsync.Engine {
	return intsync.NewEngine(c, src, tr, s, b, logger.Named("sync"), m)
}

// connect closes the loops between components that cannot be expressed as
// constructor arguments without a cycle.
func connect(s *invalidate.Scheduler, pg *pager.Controller, c *cache.Cache, tr *outbox.Tracker) {
	s.SetFireFunc(func(conv string, t invalidate.RefetchType) {
		switch t {
		case invalidate.Active:
			pg.RefreshInBackground(conv)
		case invalidate.None:
			c.MarkStale(conv)
		}
	})
	pg.SetDeliveredHandler(func(_ string, cid store.CacheID) bool {
		return tr.Confirm(cid)
	})
}

func registerLifecycle(lc fx.Lifecycle, p Params, lk *lock.Lock, src transport.Source, engine *intsync.Engine, tr *outbox.Tracker, pg *pager.Controller, s *invalidate.Scheduler, ms *MetricsServer, logger *zap.Logger) {
	lc.Append(fx.Hook{
		OnStart: func(_ context.Context) error {
			if err := ms.Start(); err != nil {
				return err
			}
			logger.Info("chatcache started", zap.String("self", p.Config.Self))
			return nil
		},
		OnStop: func(ctx context.Context) error {
			// Subscriptions first so no frame lands after the tracker
			// and pager have shut down.
			engine.Stop()
			tr.Stop()
			pg.Close()
			s.Close()
			ms.Stop(ctx)
			if c, ok := src.(io.Closer); ok && p.Source == nil {
				if err := c.Close(); err != nil {
					logger.Warn("error closing source", zap.Error(err))
				}
			}
			if err := lk.Release(); err != nil {
				logger.Warn("error releasing lock", zap.Error(err))
			}
			logger.Info("chatcache stopped")
			_ = logger.Sync()
			return nil
		},
	})
}
