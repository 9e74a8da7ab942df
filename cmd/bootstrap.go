package main

import (
	"context"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/wave-social/ripple/internal/db"
	"github.com/wave-social/ripple/internal/engine"
	"github.com/wave-social/ripple/internal/observability"
	"github.com/wave-social/ripple/internal/presence"
	"github.com/wave-social/ripple/internal/resilience"
	"github.com/wave-social/ripple/internal/ripple"
)

// serviceEnv holds the initialized pool, stores, and engine used by the
// serve and migrate commands.
type serviceEnv struct {
	Pool      *pgxpool.Pool
	Presences *presence.PostgresStore
	Ripples   *ripple.PostgresStore
	Engine    *engine.Engine
	Metrics   *observability.Collector
}

// Close releases resources held by the environment.
func (e *serviceEnv) Close() {
	if e.Pool != nil {
		e.Pool.Close()
	}
}

// initEnv connects to the database (retrying while it comes up) and wires
// the stores, metrics, and engine. Callers should defer env.Close().
func initEnv(ctx context.Context) (*serviceEnv, error) {
	if cfg.Store.DatabaseURL == "" {
		return nil, eris.New("bootstrap: store.database_url is required")
	}

	retryCfg := resilience.DefaultRetryConfig()
	retryCfg.OnRetry = resilience.RetryLogger("connect database")
	pool, err := resilience.DoVal(ctx, retryCfg, func(ctx context.Context) (*pgxpool.Pool, error) {
		return db.NewPool(ctx, cfg.Store.DatabaseURL, &db.PoolConfig{
			MaxConns: cfg.Store.MaxConns,
			MinConns: cfg.Store.MinConns,
		})
	})
	if err != nil {
		return nil, eris.Wrap(err, "bootstrap: connect database")
	}

	metrics, err := observability.NewCollector(prometheus.DefaultRegisterer)
	if err != nil {
		pool.Close()
		return nil, eris.Wrap(err, "bootstrap: register metrics")
	}

	presences := presence.NewPostgresStore(pool)
	ripples := ripple.NewPostgresStore(pool)

	engineCfg := engine.Config{
		NearbyRadiusMeters: cfg.Engine.NearbyRadiusM,
		FormRadiusMeters:   cfg.Engine.FormRadiusM,
		LeaveRadiusMeters:  cfg.Engine.LeaveRadiusM,
		JoinRadiusMeters:   cfg.Engine.JoinRadiusM,
		FreshnessWindow:    cfg.Engine.FreshnessWindow(),
	}

	zap.L().Info("environment initialized",
		zap.Float64("join_radius_m", engineCfg.JoinRadiusMeters),
		zap.Float64("leave_radius_m", engineCfg.LeaveRadiusMeters),
	)

	return &serviceEnv{
		Pool:      pool,
		Presences: presences,
		Ripples:   ripples,
		Engine:    engine.New(presences, ripples, engineCfg, metrics),
		Metrics:   metrics,
	}, nil
}

// migrateSchemas applies both stores' migrations, retrying transient
// failures while the database finishes starting up. The statements are
// IF NOT EXISTS, so a retry after a partial run is safe.
func migrateSchemas(ctx context.Context, env *serviceEnv) error {
	retryCfg := resilience.DefaultRetryConfig()
	retryCfg.OnRetry = resilience.RetryLogger("apply migrations")
	return resilience.Do(ctx, retryCfg, func(ctx context.Context) error {
		if err := env.Presences.Migrate(ctx); err != nil {
			return err
		}
		return env.Ripples.Migrate(ctx)
	})
}
