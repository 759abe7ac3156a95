package postgres_test

import (
	"context"
	"fmt"
	"testing"

	"github.com/ariefcatur/go-checkout-engine/internal/postgres"
	"github.com/ariefcatur/go-checkout-engine/internal/postgres/pgtest"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIsRetryable(t *testing.T) {
	assert.True(t, postgres.IsRetryable(&pgconn.PgError{Code: "40001"}))
	assert.True(t, postgres.IsRetryable(fmt.Errorf("commit: %w", &pgconn.PgError{Code: "40P01"})))
	assert.False(t, postgres.IsRetryable(&pgconn.PgError{Code: "23505"}))
	assert.False(t, postgres.IsRetryable(fmt.Errorf("plain")))
}

func TestIsUniqueViolation(t *testing.T) {
	err := fmt.Errorf("insert: %w", &pgconn.PgError{Code: "23505", ConstraintName: "orders_idempotency_key"})
	assert.True(t, postgres.IsUniqueViolation(err, "orders_idempotency_key"))
	assert.True(t, postgres.IsUniqueViolation(err, ""))
	assert.False(t, postgres.IsUniqueViolation(err, "other"))
}

func TestMigrateIsIdempotent(t *testing.T) {
	pool := pgtest.New(t)
	require.NoError(t, postgres.Migrate(context.Background(), pool))

	var n int
	err := pool.QueryRow(context.Background(),
		`SELECT count(*) FROM information_schema.tables WHERE table_schema = 'public'`).Scan(&n)
	require.NoError(t, err)
	assert.Equal(t, 7, n)
}
