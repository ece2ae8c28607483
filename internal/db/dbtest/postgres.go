//go:build integration

// Package dbtest starts a migrated Postgres container for integration tests.
package dbtest

import (
	"context"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"

	"github.com/sells-group/recherche-engine/internal/db"
)

// Image is the Postgres image integration tests run against.
const Image = "postgres:16-alpine"

// NewPool boots a Postgres container, applies all migrations and returns a
// pool. The container is terminated when the test ends.
func NewPool(t *testing.T) *pgxpool.Pool {
	t.Helper()
	ctx := context.Background()

	ctr, err := postgres.Run(ctx, Image,
		postgres.WithDatabase("recherche"),
		postgres.WithUsername("recherche"),
		postgres.WithPassword("recherche"),
		postgres.BasicWaitStrategies(),
	)
	testcontainers.CleanupContainer(t, ctr)
	require.NoError(t, err)

	dsn, err := ctr.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(ctx, time.Minute)
	defer cancel()
	pool, err := db.NewPool(ctx, dsn, db.PoolConfig{MaxConns: 20})
	require.NoError(t, err)
	t.Cleanup(pool.Close)

	require.NoError(t, db.Migrate(ctx, pool))
	return pool
}
