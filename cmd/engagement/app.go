/*
app.go - fx wiring for the engagement engine

PURPOSE:
  Builds the component graph once so every subcommand shares it:

    config -> logger, metrics, clock
           -> store (memory | sqlite)
           -> notifier (async, log-backed)
           -> membership registry -> reputation ledger
           -> decline tracker -> assignment engine
           -> credits throttle (store | redis)

  serveModule adds the HTTP server and the cron scheduler on top.

LIFECYCLE:
  OnStart: notifier worker, scheduler, HTTP listener
  OnStop:  reverse order; the store and redis client close last

SEE ALSO:
  - main.go: Cobra commands
  - config/config.go: Settings
*/
package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/warp/engagement-engine/api"
	"github.com/warp/engagement-engine/assignment"
	"github.com/warp/engagement-engine/config"
	"github.com/warp/engagement-engine/core"
	"github.com/warp/engagement-engine/core/store"
	"github.com/warp/engagement-engine/credits"
	"github.com/warp/engagement-engine/decline"
	"github.com/warp/engagement-engine/factory"
	"github.com/warp/engagement-engine/membership"
	"github.com/warp/engagement-engine/metrics"
	"github.com/warp/engagement-engine/notify"
	"github.com/warp/engagement-engine/reputation"
	"github.com/warp/engagement-engine/store/sqlite"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// coreModule provides the domain components without any listener.
func coreModule(cfg config.Config) fx.Option {
	return fx.Options(
		fx.Supply(cfg),
		fx.Provide(
			newLogger,
			metrics.New,
			func() core.Clock { return core.SystemClock{} },
			newStore,
			newNotifier,
			newRegistry,
			newLedger,
			newTracker,
			newEngine,
			newThrottle,
		),
	)
}

// serveModule adds the HTTP surface and the scheduler.
func serveModule() fx.Option {
	return fx.Options(
		fx.Provide(newHandler),
		fx.Invoke(registerScheduler, registerHTTPServer),
	)
}

// =============================================================================
// AMBIENT
// =============================================================================

func newLogger(cfg config.Config) (*zap.Logger, error) {
	zc := zap.NewProductionConfig()
	if cfg.Log.Development {
		zc = zap.NewDevelopmentConfig()
	}
	if cfg.Log.Level != "" {
		level, err := zap.ParseAtomicLevel(cfg.Log.Level)
		if err != nil {
			return nil, fmt.Errorf("log.level: %w", err)
		}
		zc.Level = level
	}
	return zc.Build()
}

// newStore returns the store and, for sqlite, the health pinger.
func newStore(lc fx.Lifecycle, cfg config.Config, log *zap.Logger) (core.Store, api.Pinger, error) {
	switch cfg.Store.Driver {
	case "memory":
		log.Warn("using in-memory store; data is lost on exit")
		return store.NewMemory(), nil, nil
	default:
		st, err := sqlite.New(cfg.Store.Path)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to open store %s: %w", cfg.Store.Path, err)
		}
		lc.Append(fx.Hook{
			OnStop: func(context.Context) error { return st.Close() },
		})
		log.Info("sqlite store opened", zap.String("path", cfg.Store.Path))
		return st, st, nil
	}
}

func newNotifier(lc fx.Lifecycle, cfg config.Config, log *zap.Logger) core.Notifier {
	n := notify.NewAsync(notify.NewLogNotifier(log), cfg.Notify.Buffer, log)
	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			n.Start()
			return nil
		},
		OnStop: n.Stop,
	})
	return n
}

// =============================================================================
// DOMAIN
// =============================================================================

func newRegistry(cfg config.Config, st core.Store, clock core.Clock, log *zap.Logger, m *metrics.Metrics, n core.Notifier) (*membership.Registry, error) {
	catalog := membership.DefaultCatalog()
	if cfg.Membership.CatalogPath != "" {
		loaded, err := factory.NewTierFactory().LoadCatalog(cfg.Membership.CatalogPath)
		if err != nil {
			return nil, err
		}
		catalog = loaded
		log.Info("tier catalog loaded",
			zap.String("path", cfg.Membership.CatalogPath),
			zap.Int("versions", len(catalog)))
	}

	r, err := membership.NewRegistry(st, clock, log, catalog)
	if err != nil {
		return nil, err
	}
	r.Notifier = n
	r.OnRetry = m.CASRetry
	return r, nil
}

func newLedger(st core.Store, r *membership.Registry, clock core.Clock, log *zap.Logger, m *metrics.Metrics, n core.Notifier) *reputation.Ledger {
	l := reputation.NewLedger(st, r, clock, log)
	l.Notifier, l.Metrics = n, m
	return l
}

func newTracker(cfg config.Config, st core.Store, l *reputation.Ledger, clock core.Clock, log *zap.Logger, m *metrics.Metrics, n core.Notifier) (*decline.Tracker, error) {
	threshold, err := cfg.HighValueThreshold()
	if err != nil {
		return nil, err
	}
	policy := decline.Policy{
		Window:             cfg.Decline.Window,
		HighValueThreshold: threshold,
		SuspendAfter:       cfg.Decline.SuspendAfter,
		SuspensionDuration: cfg.Decline.SuspensionDuration,
	}
	t := decline.NewTracker(st, l, policy, clock, log)
	t.Notifier, t.Metrics = n, m
	return t, nil
}

func newEngine(st core.Store, r *membership.Registry, t *decline.Tracker, l *reputation.Ledger, clock core.Clock, log *zap.Logger, m *metrics.Metrics, n core.Notifier) *assignment.Engine {
	e := assignment.NewEngine(st, r, t, l, clock, log)
	e.Notifier, e.Metrics = n, m
	return e
}

func newThrottle(lc fx.Lifecycle, cfg config.Config, st core.Store, clock core.Clock, log *zap.Logger, m *metrics.Metrics) (credits.Throttle, error) {
	if cfg.Credits.Backend != "redis" {
		t := credits.NewStoreThrottle(st, clock, log, cfg.Credits.WeeklyQuota)
		t.Metrics = m
		return t, nil
	}

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			if err := client.Ping(ctx).Err(); err != nil {
				return fmt.Errorf("redis %s unreachable: %w", cfg.Redis.Addr, err)
			}
			return nil
		},
		OnStop: func(context.Context) error { return client.Close() },
	})
	log.Info("credits backed by redis", zap.String("addr", cfg.Redis.Addr))
	return credits.NewRedisThrottle(client, cfg.Credits.RedisPrefix, clock, log, m, cfg.Credits.WeeklyQuota), nil
}

// =============================================================================
// SERVE
// =============================================================================

func newHandler(cfg config.Config, st core.Store, r *membership.Registry, l *reputation.Ledger, t *decline.Tracker,
	e *assignment.Engine, throttle credits.Throttle, clock core.Clock, log *zap.Logger, pinger api.Pinger) *api.Handler {
	return &api.Handler{
		Profiles: st,
		Registry: r,
		Ledger:   l,
		Declines: t,
		Engine:   e,
		Credits:  throttle,
		Clock:    clock,
		Log:      log,
		OfferTTL: cfg.Offers.TTL,
		Pinger:   pinger,
	}
}

func registerScheduler(lc fx.Lifecycle, cfg config.Config, throttle credits.Throttle, e *assignment.Engine, log *zap.Logger) error {
	if !cfg.Scheduler.Enabled {
		log.Info("scheduler disabled")
		return nil
	}
	s, err := api.NewScheduler(throttle, e, api.SchedulerConfig{
		CreditReset: cfg.Scheduler.CreditReset,
		OfferSweep:  cfg.Scheduler.OfferSweep,
		OfferTTL:    cfg.Offers.TTL,
	}, log)
	if err != nil {
		return err
	}
	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			s.Start()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			select {
			case <-s.Stop().Done():
				return nil
			case <-ctx.Done():
				return ctx.Err()
			}
		},
	})
	return nil
}

func registerHTTPServer(lc fx.Lifecycle, cfg config.Config, h *api.Handler, m *metrics.Metrics, log *zap.Logger) {
	server := &http.Server{
		Addr: fmt.Sprintf(":%d", cfg.HTTP.Port),
		Handler: api.NewRouter(h, api.RouterOptions{
			AllowedOrigins: cfg.HTTP.AllowedOrigins,
			Metrics:        m.Handler(),
		}),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			ln, err := net.Listen("tcp", server.Addr)
			if err != nil {
				return fmt.Errorf("failed to listen on %s: %w", server.Addr, err)
			}
			log.Info("server starting", zap.String("addr", server.Addr))
			go func() {
				if err := server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
					log.Error("server failed", zap.Error(err))
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			log.Info("shutting down server")
			return server.Shutdown(ctx)
		},
	})
}
