package inventory

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ariefcatur/go-checkout-engine/internal/postgres"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeTx struct{ pgx.Tx }

func (fakeTx) Commit(context.Context) error   { return nil }
func (fakeTx) Rollback(context.Context) error { return nil }

type fakeConn struct{ postgres.DBTX }

func (fakeConn) BeginTx(context.Context, pgx.TxOptions) (pgx.Tx, error) { return fakeTx{}, nil }

func serializationFailure() error {
	return &pgconn.PgError{Code: "40001", Message: "could not serialize access"}
}

func TestCommitRetriesConflicts(t *testing.T) {
	var calls, notified int32
	l := &Ledger{
		DB:         fakeConn{},
		MaxRetries: 5,
		OnRetry:    func(error, time.Duration) { atomic.AddInt32(&notified, 1) },
	}
	err := l.Commit(context.Background(), func(pgx.Tx) error {
		if atomic.AddInt32(&calls, 1) < 3 {
			return serializationFailure()
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, int32(3), calls)
	assert.Equal(t, int32(2), notified)
}

func TestCommitSurfacesUnavailable(t *testing.T) {
	var calls int32
	l := &Ledger{DB: fakeConn{}, MaxRetries: 2}
	err := l.Commit(context.Background(), func(pgx.Tx) error {
		atomic.AddInt32(&calls, 1)
		return &pgconn.PgError{Code: "40P01", Message: "deadlock detected"}
	})
	assert.ErrorIs(t, err, ErrUnavailable)
	assert.Equal(t, int32(3), calls)
}

func TestCommitDoesNotRetryOtherErrors(t *testing.T) {
	boom := errors.New("boom")
	var calls int32
	l := &Ledger{DB: fakeConn{}, MaxRetries: 5}
	err := l.Commit(context.Background(), func(pgx.Tx) error {
		atomic.AddInt32(&calls, 1)
		return boom
	})
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, int32(1), calls)
}

func TestMergeSortsAndFolds(t *testing.T) {
	got := merge([]Line{
		{ProductID: "p2", VariantID: "v2", Qty: 1},
		{ProductID: "p1", VariantID: "v1", Qty: 2},
		{ProductID: "p2", VariantID: "v2", Qty: 3},
	})
	assert.Equal(t, []Line{
		{ProductID: "p1", VariantID: "v1", Qty: 2},
		{ProductID: "p2", VariantID: "v2", Qty: 4},
	}, got)
}
