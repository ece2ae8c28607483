package worker

import (
	"context"
	"errors"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/recherche-engine/internal/cost"
	"github.com/sells-group/recherche-engine/internal/dedup"
	"github.com/sells-group/recherche-engine/internal/order"
)

func TestPostgresAttempts_CommitsOnSuccess(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	mock.ExpectBegin()
	mock.ExpectCommit()

	var bound pgx.Tx
	attempts := NewPostgresAttempts(mock, func(tx pgx.Tx) Attempt {
		bound = tx
		return Attempt{}
	})
	require.NoError(t, attempts.InAttempt(context.Background(), func(context.Context, Attempt) error { return nil }))
	assert.NotNil(t, bound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresAttempts_RollsBackOnError(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	mock.ExpectBegin()
	mock.ExpectRollback()

	boom := errors.New("order: settle o1")
	attempts := NewPostgresAttempts(mock, func(pgx.Tx) Attempt { return Attempt{} })
	err = attempts.InAttempt(context.Background(), func(context.Context, Attempt) error { return boom })
	assert.ErrorIs(t, err, boom)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestBindPostgres_BindsEveryWriter(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	mock.ExpectBegin()
	mock.ExpectRollback()

	mgr := order.NewManager(order.NewPostgresStore(mock), nil, nil, cost.StaticRates(cost.DefaultRateCard()), order.ManagerConfig{})
	attempts := NewPostgresAttempts(mock, BindPostgres(mgr, fakeGeo{}, dedup.Config{}))

	stop := errors.New("stop")
	err = attempts.InAttempt(context.Background(), func(_ context.Context, a Attempt) error {
		assert.IsType(t, &order.PostgresStore{}, a.RawResults)
		assert.IsType(t, &dedup.Engine{}, a.Dedup)
		assert.NotSame(t, mgr, a.Orders)
		return stop
	})
	assert.ErrorIs(t, err, stop)
	assert.NoError(t, mock.ExpectationsWereMet())
}
