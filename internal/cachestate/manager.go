// Package cachestate applies the worker-isolation idea to cache services:
// each worker gets a private Redis logical database, flushed at restore and
// cleanup boundaries.
package cachestate

import (
	"context"
	"fmt"
	"hash/fnv"

	"github.com/redis/go-redis/v9"

	"testenvctl/internal/config"
	"testenvctl/internal/connection"
	"testenvctl/pkg/logging"
)

// logicalDatabases is the Redis default database count; worker ids map into
// this range.
const logicalDatabases = 16

// client is the slice of the Redis client the manager uses; tests
// substitute a fake.
type client interface {
	Ping(ctx context.Context) *redis.StatusCmd
	FlushDB(ctx context.Context) *redis.StatusCmd
	Close() error
}

// Manager owns one worker's logical database on one cache service.
type Manager struct {
	spec   config.ServiceSpec
	client client
	db     int
}

// DBIndexForWorker maps a worker id onto a logical database index
// deterministically, so the same worker always lands on the same database.
func DBIndexForWorker(workerID string) int {
	h := fnv.New32a()
	_, _ = h.Write([]byte(workerID))
	return int(h.Sum32() % logicalDatabases)
}

// New connects to the cache service described by info, selecting the
// worker's logical database.
func New(spec config.ServiceSpec, workerID string, info connection.Info) *Manager {
	db := DBIndexForWorker(workerID)
	c := redis.NewClient(&redis.Options{
		Addr:     info.Address(),
		Password: info[connection.KeyPassword],
		DB:       db,
	})
	return &Manager{spec: spec, client: c, db: db}
}

func newManager(spec config.ServiceSpec, c client, db int) *Manager {
	return &Manager{spec: spec, client: c, db: db}
}

// DB returns the selected logical database index.
func (m *Manager) DB() int {
	return m.db
}

// Initialize verifies connectivity and starts from an empty database.
func (m *Manager) Initialize(ctx context.Context) error {
	if err := m.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("ping cache %s: %w", m.spec.Name, err)
	}
	if err := m.client.FlushDB(ctx).Err(); err != nil {
		return fmt.Errorf("flush cache %s db %d: %w", m.spec.Name, m.db, err)
	}
	logging.Info("CacheState", "Cache %s using logical db %d", m.spec.Name, m.db)
	return nil
}

// Restore flushes the worker's logical database back to empty.
func (m *Manager) Restore(ctx context.Context) error {
	if err := m.client.FlushDB(ctx).Err(); err != nil {
		return fmt.Errorf("flush cache %s db %d: %w", m.spec.Name, m.db, err)
	}
	return nil
}

// Cleanup flushes and disconnects. Safe to call more than once.
func (m *Manager) Cleanup(ctx context.Context) error {
	if m.client == nil {
		return nil
	}
	if err := m.client.FlushDB(ctx).Err(); err != nil {
		logging.Warn("CacheState", "Flush of %s db %d during cleanup failed: %v", m.spec.Name, m.db, err)
	}
	err := m.client.Close()
	m.client = nil
	return err
}
