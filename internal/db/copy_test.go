package db

import (
	"context"
	"fmt"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var rawColumns = []string{"id", "order_id", "source", "name"}

func TestCopyFrom_EmptyRows(t *testing.T) {
	n, err := CopyFrom(context.TODO(), nil, "recherche_raw_results", rawColumns, nil)
	assert.NoError(t, err)
	assert.Equal(t, int64(0), n)
}

func TestCopyFrom_Success(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	mock.ExpectCopyFrom(pgx.Identifier{"recherche_raw_results"}, rawColumns).WillReturnResult(2)

	rows := [][]any{
		{"r1", "o1", "google_places", "Café Zentral"},
		{"r2", "o1", "google_places", "Bäckerei Schmidt"},
	}
	n, err := CopyFrom(context.Background(), mock, "recherche_raw_results", rawColumns, rows)
	assert.NoError(t, err)
	assert.Equal(t, int64(2), n)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCopyFrom_Error(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	mock.ExpectCopyFrom(pgx.Identifier{"recherche_raw_results"}, rawColumns).WillReturnError(fmt.Errorf("copy failed"))

	rows := [][]any{{"r1", "o1", "google_places", "Café Zentral"}}
	_, err = CopyFrom(context.Background(), mock, "recherche_raw_results", rawColumns, rows)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "COPY INTO recherche_raw_results")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCopyFrom_InsideTx(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	mock.ExpectBegin()
	mock.ExpectCopyFrom(pgx.Identifier{"recherche_raw_results"}, rawColumns).WillReturnResult(1)
	mock.ExpectCommit()

	err = InTx(context.Background(), mock, func(tx pgx.Tx) error {
		_, err := CopyFrom(context.Background(), tx, "recherche_raw_results", rawColumns,
			[][]any{{"r1", "o1", "google_places", "Café Zentral"}})
		return err
	})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestInTx_RollsBackOnError(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	mock.ExpectBegin()
	mock.ExpectRollback()

	err = InTx(context.Background(), mock, func(_ pgx.Tx) error {
		return fmt.Errorf("boom")
	})
	require.Error(t, err)
	assert.Equal(t, "boom", err.Error())
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestInTx_BeginError(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	mock.ExpectBegin().WillReturnError(fmt.Errorf("too many connections"))

	err = InTx(context.Background(), mock, func(_ pgx.Tx) error { return nil })
	require.Error(t, err)
	assert.Contains(t, err.Error(), "begin tx")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestNewPool_RequiresURL(t *testing.T) {
	_, err := NewPool(context.Background(), "", PoolConfig{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "database_url")
}
