// Package dbstate gives each worker a private view of a shared PostgreSQL
// service. Four isolation strategies (savepoint, schema, database,
// snapshot) and three seeding timings (once, per-file, per-test) combine
// orthogonally; seed/restore hooks are invoked by the test runner at file
// and test boundaries.
package dbstate

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"testenvctl/internal/config"
	"testenvctl/internal/connection"
	"testenvctl/pkg/logging"
)

// Executor is the command surface strategy operations need. *pgxpool.Pool
// satisfies it; tests substitute a fake that records SQL.
type Executor interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// Tx mirrors the slice of pgx.Tx the savepoint strategy uses.
type Tx interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Commit(ctx context.Context) error
	Rollback(ctx context.Context) error
}

// Session is a dedicated database session: autocommit Exec plus the single
// long-lived transaction the savepoint strategy rides on. The savepoint
// strategy assumes this session is used by exactly one worker at a time;
// that constraint is documented, not enforced.
type Session interface {
	Executor
	Begin(ctx context.Context) (Tx, error)
	Close(ctx context.Context) error
}

// pgxSession adapts *pgx.Conn to Session.
type pgxSession struct {
	conn *pgx.Conn
}

func (s *pgxSession) Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	return s.conn.Exec(ctx, sql, args...)
}

func (s *pgxSession) Begin(ctx context.Context) (Tx, error) {
	return s.conn.Begin(ctx)
}

func (s *pgxSession) Close(ctx context.Context) error {
	return s.conn.Close(ctx)
}

type resourceKind int

const (
	resSchema resourceKind = iota
	resDatabase
	resSnapshot
)

type resource struct {
	kind resourceKind
	name string
}

// DatabaseState is the strategy-specific handle of one initialized manager,
// exposed for inspection by the environment context.
type DatabaseState struct {
	Strategy  config.Strategy
	Handle    string // savepoint id / schema name / database name / snapshot template name
	CreatedAt time.Time
	Seeding   config.SeedingPolicy
}

// Manager implements the isolation and seeding strategies for one database
// service and one worker. At most one initialized manager exists per
// (worker, database service); Initialize tears down leftovers from a
// previous one via worker-scoped naming.
type Manager struct {
	spec     config.ServiceSpec
	policy   config.DatabasePolicy
	workerID string
	info     connection.Info

	admin   Executor // instance-level DDL, autocommit
	session Session  // dedicated connection

	closers []func()

	mu           sync.Mutex
	tx           Tx // open while the savepoint strategy is active
	savepointSeq int
	resources    []resource
	state        DatabaseState
	seededOnce   bool
	marks        map[string]string // boundary key -> savepoint id
	cleanedUp    bool
}

// New connects to the database service described by info and builds a
// manager: a pool for administrative DDL plus one dedicated session.
func New(ctx context.Context, spec config.ServiceSpec, policy config.DatabasePolicy, workerID string, info connection.Info) (*Manager, error) {
	dsn := info[connection.KeyURL]

	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("connect admin pool for %s: %w", spec.Name, err)
	}
	conn, err := pgx.Connect(ctx, dsn)
	if err != nil {
		pool.Close()
		return nil, fmt.Errorf("connect session for %s: %w", spec.Name, err)
	}

	m := newManager(pool, &pgxSession{conn: conn}, spec, policy, workerID, info)
	m.closers = append(m.closers, pool.Close)
	return m, nil
}

// newManager wires a manager over explicit connections; tests call it with
// fakes.
func newManager(admin Executor, session Session, spec config.ServiceSpec, policy config.DatabasePolicy, workerID string, info connection.Info) *Manager {
	return &Manager{
		spec:     spec,
		policy:   policy,
		workerID: workerID,
		info:     info,
		admin:    admin,
		session:  session,
		marks:    make(map[string]string),
	}
}

// State returns the current strategy handle.
func (m *Manager) State() DatabaseState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Initialize sets up the worker's isolation unit for the configured
// strategy and, for timing once, runs the seed action exactly one time.
func (m *Manager) Initialize(ctx context.Context) error {
	m.mu.Lock()
	m.cleanedUp = false
	m.mu.Unlock()

	var handle string
	var err error

	switch m.policy.Strategy {
	case config.StrategySavepoint:
		handle, err = m.initSavepoint(ctx)
	case config.StrategySchema:
		handle, err = m.initSchema(ctx)
	case config.StrategyDatabase:
		handle, err = m.initDatabase(ctx)
	case config.StrategySnapshot:
		handle, err = m.initSnapshot(ctx)
	default:
		// Validate rejects unknown strategies at load time.
		err = fmt.Errorf("unknown isolation strategy %q", m.policy.Strategy)
	}
	if err != nil {
		return fmt.Errorf("initialize %s strategy for %s: %w", m.policy.Strategy, m.spec.Name, err)
	}

	m.mu.Lock()
	m.state = DatabaseState{
		Strategy:  m.policy.Strategy,
		Handle:    handle,
		CreatedAt: time.Now(),
		Seeding:   m.policy.Seeding,
	}
	m.mu.Unlock()

	logging.Info("DBState", "Initialized %s strategy for %s (handle %s)", m.policy.Strategy, m.spec.Name, handle)

	if m.policy.Seeding.Timing == config.SeedOnce {
		if err := m.seedOnce(ctx); err != nil {
			return err
		}
	}
	return nil
}

// Cleanup tears down everything the manager created, in reverse creation
// order, and closes its connections. Idempotent: resources already gone are
// skipped, a second call is a no-op.
func (m *Manager) Cleanup(ctx context.Context) error {
	m.mu.Lock()
	if m.cleanedUp {
		m.mu.Unlock()
		return nil
	}
	m.cleanedUp = true
	tx := m.tx
	m.tx = nil
	resources := m.resources
	m.resources = nil
	m.marks = make(map[string]string)
	m.mu.Unlock()

	if tx != nil {
		if err := tx.Rollback(ctx); err != nil {
			logging.Warn("DBState", "Rollback of session transaction failed: %v", err)
		}
	}

	var firstErr error
	for i := len(resources) - 1; i >= 0; i-- {
		res := resources[i]
		var err error
		switch res.kind {
		case resSchema:
			err = m.dropSchema(ctx, res.name)
		case resDatabase:
			err = m.dropDatabase(ctx, res.name)
		case resSnapshot:
			err = m.dropDatabase(ctx, res.name)
		}
		if err != nil && !isMissingErr(err) {
			logging.Warn("DBState", "Cleanup of %s failed: %v", res.name, err)
			if firstErr == nil {
				firstErr = err
			}
		}
	}

	if m.session != nil {
		if err := m.session.Close(ctx); err != nil {
			logging.Warn("DBState", "Closing session for %s failed: %v", m.spec.Name, err)
		}
	}
	for _, closeFn := range m.closers {
		closeFn()
	}
	m.closers = nil

	return firstErr
}

func (m *Manager) trackResource(kind resourceKind, name string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, res := range m.resources {
		if res.kind == kind && res.name == name {
			return
		}
	}
	m.resources = append(m.resources, resource{kind: kind, name: name})
}

func (m *Manager) untrackResource(kind resourceKind, name string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, res := range m.resources {
		if res.kind == kind && res.name == name {
			m.resources = append(m.resources[:i], m.resources[i+1:]...)
			return
		}
	}
}

// workerToken renders the worker id as a safe identifier fragment.
func (m *Manager) workerToken() string {
	token := strings.ToLower(m.workerID)
	token = strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '_':
			return r
		default:
			return '_'
		}
	}, token)
	return token
}

// baseDatabase is the database name the service was provisioned with.
func (m *Manager) baseDatabase() string {
	if db := m.info[connection.KeyDatabase]; db != "" {
		return db
	}
	return "postgres"
}

func ident(name string) string {
	return pgx.Identifier{name}.Sanitize()
}

func isMissingErr(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "does not exist") || strings.Contains(msg, "SQLSTATE 3F000") ||
		strings.Contains(msg, "SQLSTATE 3D000") || strings.Contains(msg, "SQLSTATE 42P01")
}
