package database

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRebind(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"SELECT 1", "SELECT 1"},
		{"SELECT ?", "SELECT $1"},
		{"INSERT INTO logs (a, b, c) VALUES (?, ?, ?)", "INSERT INTO logs (a, b, c) VALUES ($1, $2, $3)"},
	}
	for _, tc := range tests {
		assert.Equal(t, tc.want, Rebind(tc.in))
	}
}

func TestOpenRequiresDSN(t *testing.T) {
	_, err := Open("  ", PoolConfig{})
	assert.ErrorIs(t, err, ErrNoDSN)
}

func TestOpenIsLazy(t *testing.T) {
	db, err := Open("postgres://steer@127.0.0.1:1/steer?sslmode=disable&connect_timeout=1", PoolConfig{MaxOpenConns: 3})
	require.NoError(t, err)
	defer db.Close()

	assert.Equal(t, 3, db.Stats().MaxOpenConnections)
	assert.Error(t, Ping(context.Background(), db, 2*time.Second))
}
