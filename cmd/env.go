package main

import (
	"context"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/sells-group/recherche-engine/internal/company"
	"github.com/sells-group/recherche-engine/internal/cost"
	"github.com/sells-group/recherche-engine/internal/db"
	"github.com/sells-group/recherche-engine/internal/estimate"
	"github.com/sells-group/recherche-engine/internal/geo"
	"github.com/sells-group/recherche-engine/internal/ledger"
	"github.com/sells-group/recherche-engine/internal/order"
)

// engineEnv holds the pool and the stores built on it.
type engineEnv struct {
	Pool    *pgxpool.Pool
	Geo     *geo.PostgresLookup
	Catalog *company.PostgresStore
	Ledger  *ledger.PostgresLedger
	Orders  *order.PostgresStore
	Manager *order.Manager
}

// Close releases the pool.
func (e *engineEnv) Close() {
	if e.Pool != nil {
		e.Pool.Close()
	}
}

// initEnv validates the configuration for mode, connects to Postgres and
// wires the stores and the order manager. Callers should defer env.Close().
func initEnv(ctx context.Context, mode string) (*engineEnv, error) {
	if err := cfg.Validate(mode); err != nil {
		return nil, err
	}

	pool, err := db.NewPool(ctx, cfg.Store.DatabaseURL, cfg.Store.Pool())
	if err != nil {
		return nil, err
	}

	env := &engineEnv{
		Pool:    pool,
		Geo:     geo.NewPostgresLookup(pool),
		Catalog: company.NewPostgresStore(pool),
		Ledger:  ledger.NewPostgresLedger(pool),
		Orders:  order.NewPostgresStore(pool),
	}
	rates := cost.NewPostgresRates(pool, cfg.Pricing.RateCard())
	env.Manager = order.NewManager(
		env.Orders,
		env.Ledger,
		estimate.New(env.Geo, env.Catalog),
		rates,
		order.ManagerConfig{
			MaxAttempts:          cfg.Order.MaxAttempts,
			ReservationBufferPct: cfg.Pricing.ReservationBufferPct,
		},
	)
	return env, nil
}
