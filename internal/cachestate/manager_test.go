package cachestate

import (
	"context"
	"errors"
	"testing"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"testenvctl/internal/config"
)

type fakeRedis struct {
	pingErr  error
	flushErr error

	pings   int
	flushes int
	closed  int
}

func statusCmd(err error) *redis.StatusCmd {
	cmd := redis.NewStatusCmd(context.Background())
	if err != nil {
		cmd.SetErr(err)
	}
	return cmd
}

func (f *fakeRedis) Ping(context.Context) *redis.StatusCmd {
	f.pings++
	return statusCmd(f.pingErr)
}

func (f *fakeRedis) FlushDB(context.Context) *redis.StatusCmd {
	f.flushes++
	return statusCmd(f.flushErr)
}

func (f *fakeRedis) Close() error {
	f.closed++
	return nil
}

func cacheManager(f *fakeRedis) *Manager {
	spec := config.ServiceSpec{Name: "redis", Category: config.CategoryCache}
	return newManager(spec, f, DBIndexForWorker("w1"))
}

func TestDBIndexForWorker(t *testing.T) {
	// Deterministic and in range.
	assert.Equal(t, DBIndexForWorker("w1"), DBIndexForWorker("w1"))
	for _, id := range []string{"main", "w1", "w2", "worker-17", ""} {
		idx := DBIndexForWorker(id)
		assert.GreaterOrEqual(t, idx, 0)
		assert.Less(t, idx, logicalDatabases)
	}
}

func TestManager_Initialize(t *testing.T) {
	f := &fakeRedis{}
	m := cacheManager(f)

	require.NoError(t, m.Initialize(context.Background()))
	assert.Equal(t, 1, f.pings)
	assert.Equal(t, 1, f.flushes, "the worker's logical db starts empty")
}

func TestManager_InitializeUnreachable(t *testing.T) {
	f := &fakeRedis{pingErr: errors.New("connection refused")}
	m := cacheManager(f)

	err := m.Initialize(context.Background())
	require.Error(t, err)
	assert.Zero(t, f.flushes, "no flush when the cache is unreachable")
}

func TestManager_Restore(t *testing.T) {
	f := &fakeRedis{}
	m := cacheManager(f)

	require.NoError(t, m.Restore(context.Background()))
	assert.Equal(t, 1, f.flushes)

	f.flushErr = errors.New("readonly replica")
	assert.Error(t, m.Restore(context.Background()))
}

func TestManager_Cleanup(t *testing.T) {
	f := &fakeRedis{}
	m := cacheManager(f)

	require.NoError(t, m.Cleanup(context.Background()))
	assert.Equal(t, 1, f.flushes)
	assert.Equal(t, 1, f.closed)

	// Second cleanup is a no-op.
	require.NoError(t, m.Cleanup(context.Background()))
	assert.Equal(t, 1, f.closed)
}

func TestManager_CleanupToleratesFlushFailure(t *testing.T) {
	f := &fakeRedis{flushErr: errors.New("gone")}
	m := cacheManager(f)

	assert.NoError(t, m.Cleanup(context.Background()), "cleanup still disconnects when the flush fails")
	assert.Equal(t, 1, f.closed)
}
