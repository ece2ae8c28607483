package worker

import (
	"context"

	"github.com/jackc/pgx/v5"

	"github.com/sells-group/recherche-engine/internal/company"
	"github.com/sells-group/recherche-engine/internal/db"
	"github.com/sells-group/recherche-engine/internal/dedup"
	"github.com/sells-group/recherche-engine/internal/order"
)

// BindFunc builds the Attempt of one transaction.
type BindFunc func(tx pgx.Tx) Attempt

// PostgresAttempts runs each attempt in its own Postgres transaction.
type PostgresAttempts struct {
	pool db.Beginner
	bind BindFunc
}

// NewPostgresAttempts creates a Transactor that opens attempts on pool.
func NewPostgresAttempts(pool db.Beginner, bind BindFunc) *PostgresAttempts {
	return &PostgresAttempts{pool: pool, bind: bind}
}

// InAttempt implements Transactor.
func (p *PostgresAttempts) InAttempt(ctx context.Context, fn func(ctx context.Context, a Attempt) error) error {
	return db.InTx(ctx, p.pool, func(tx pgx.Tx) error {
		return fn(ctx, p.bind(tx))
	})
}

// BindPostgres binds the order store, the business catalog and a dedup
// engine to tx. Each raw result is deduplicated in a savepoint of tx, and
// the order is completed through mgr with its store swapped for the tx one.
func BindPostgres(mgr *order.Manager, localities dedup.Localities, cfg dedup.Config) BindFunc {
	return func(tx pgx.Tx) Attempt {
		store := order.NewPostgresStore(tx)
		engine := dedup.New(store, company.NewPostgresStore(tx), localities, cfg).
			WithRowTx(dedup.Savepoints(tx))
		return Attempt{
			RawResults: store,
			Dedup:      engine,
			Orders:     mgr.WithStore(store),
		}
	}
}
