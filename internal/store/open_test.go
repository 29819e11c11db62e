package store

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aws-solutions-library-samples/guidance-for-payment-systems-using-event-driven-architecture-on-aws/internal/config"
)

func TestOpen_Memory(t *testing.T) {
	st, closer, err := Open(context.Background(), config.StoreConfig{Backend: config.BackendMemory})
	require.NoError(t, err)
	defer closer.Close()
	assert.IsType(t, &MemoryStore{}, st)
}

func TestOpen_SQLite(t *testing.T) {
	st, closer, err := Open(context.Background(), config.StoreConfig{
		Backend:    config.BackendSQLite,
		SQLitePath: filepath.Join(t.TempDir(), "open.db"),
	})
	require.NoError(t, err)
	defer closer.Close()
	assert.IsType(t, &SQLStore{}, st)
}

func TestOpen_Redis(t *testing.T) {
	st, closer, err := Open(context.Background(), config.StoreConfig{Backend: config.BackendRedis, RedisAddr: "localhost:0"})
	require.NoError(t, err, "redis client connects lazily")
	defer closer.Close()
	assert.IsType(t, &RedisStore{}, st)
}

func TestOpen_Unknown(t *testing.T) {
	_, _, err := Open(context.Background(), config.StoreConfig{Backend: "cassandra"})
	assert.Error(t, err)
}
