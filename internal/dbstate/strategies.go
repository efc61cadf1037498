package dbstate

import (
	"context"
	"fmt"
	"strings"

	"testenvctl/pkg/logging"
)

// --- savepoint strategy ---
//
// All work rides on one long-lived transaction on the dedicated session;
// savepoints are nested markers inside it. Not parallel-safe across
// workers sharing a connection, but the cheapest strategy by far.

func (m *Manager) initSavepoint(ctx context.Context) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.tx != nil {
		// Re-initialization implies tearing down the previous state.
		if err := m.tx.Rollback(ctx); err != nil {
			logging.Warn("DBState", "Rollback of previous session transaction failed: %v", err)
		}
		m.tx = nil
	}
	tx, err := m.session.Begin(ctx)
	if err != nil {
		return "", fmt.Errorf("begin session transaction: %w", err)
	}
	m.tx = tx
	m.savepointSeq = 0
	return "tx", nil
}

// CreateSavepoint creates a savepoint and returns its id. Rolling back to
// it later undoes all writes since its creation.
func (m *Manager) CreateSavepoint(ctx context.Context) (string, error) {
	m.mu.Lock()
	tx := m.tx
	m.savepointSeq++
	id := fmt.Sprintf("sp_%d", m.savepointSeq)
	m.mu.Unlock()

	if tx == nil {
		return "", fmt.Errorf("savepoint strategy not initialized for %s", m.spec.Name)
	}
	if _, err := tx.Exec(ctx, "SAVEPOINT "+ident(id)); err != nil {
		return "", fmt.Errorf("create savepoint %s: %w", id, err)
	}
	return id, nil
}

// RollbackToSavepoint restores the exact state at the savepoint's creation.
// The savepoint survives, so rolling back again is valid.
func (m *Manager) RollbackToSavepoint(ctx context.Context, id string) error {
	m.mu.Lock()
	tx := m.tx
	m.mu.Unlock()

	if tx == nil {
		return fmt.Errorf("savepoint strategy not initialized for %s", m.spec.Name)
	}
	if _, err := tx.Exec(ctx, "ROLLBACK TO SAVEPOINT "+ident(id)); err != nil {
		return fmt.Errorf("rollback to savepoint %s: %w", id, err)
	}
	return nil
}

// --- schema strategy ---
//
// A per-worker schema clone: table structures are copied from the base
// schema and the session's search path is redirected at it.

const baseSchema = "public"

func (m *Manager) initSchema(ctx context.Context) (string, error) {
	name := "w_" + m.workerToken()
	if err := m.CreateSchema(ctx, name); err != nil {
		return "", err
	}
	if err := m.CopySchema(ctx, baseSchema, name); err != nil {
		return "", err
	}
	if _, err := m.session.Exec(ctx, fmt.Sprintf("SET search_path TO %s", ident(name))); err != nil {
		return "", fmt.Errorf("redirect search_path to %s: %w", name, err)
	}
	return name, nil
}

// CreateSchema creates a schema, dropping a leftover one with the same name
// first rather than erroring or leaking it.
func (m *Manager) CreateSchema(ctx context.Context, name string) error {
	if _, err := m.admin.Exec(ctx, fmt.Sprintf("DROP SCHEMA IF EXISTS %s CASCADE", ident(name))); err != nil {
		return fmt.Errorf("drop leftover schema %s: %w", name, err)
	}
	if _, err := m.admin.Exec(ctx, fmt.Sprintf("CREATE SCHEMA %s", ident(name))); err != nil {
		return fmt.Errorf("create schema %s: %w", name, err)
	}
	m.trackResource(resSchema, name)
	return nil
}

// DropSchema removes a schema and everything in it.
func (m *Manager) DropSchema(ctx context.Context, name string) error {
	if err := m.dropSchema(ctx, name); err != nil {
		return err
	}
	m.untrackResource(resSchema, name)
	return nil
}

func (m *Manager) dropSchema(ctx context.Context, name string) error {
	if _, err := m.admin.Exec(ctx, fmt.Sprintf("DROP SCHEMA IF EXISTS %s CASCADE", ident(name))); err != nil {
		return fmt.Errorf("drop schema %s: %w", name, err)
	}
	return nil
}

// CopySchema copies the table structures (not the data) of every table in
// from into to. The loop runs server-side so one round trip suffices.
func (m *Manager) CopySchema(ctx context.Context, from, to string) error {
	const copyTables = `
DO $$
DECLARE
	t record;
BEGIN
	FOR t IN SELECT tablename FROM pg_tables WHERE schemaname = %s LOOP
		EXECUTE format('CREATE TABLE %%I.%%I (LIKE %%I.%%I INCLUDING ALL)', %s, t.tablename, %s, t.tablename);
	END LOOP;
END
$$`
	stmt := fmt.Sprintf(copyTables, literal(from), literal(to), literal(from))
	if _, err := m.admin.Exec(ctx, stmt); err != nil {
		return fmt.Errorf("copy schema %s to %s: %w", from, to, err)
	}
	return nil
}

// --- database strategy ---
//
// A per-worker full database on the same instance. Expensive, but fully
// parallel-safe and opaque to the code under test.

func (m *Manager) initDatabase(ctx context.Context) (string, error) {
	name := fmt.Sprintf("%s_%s", m.baseDatabase(), m.workerToken())
	if err := m.CreateDatabase(ctx, name); err != nil {
		return "", err
	}
	return name, nil
}

// CreateDatabase creates a database, replacing a leftover one with the same
// name.
func (m *Manager) CreateDatabase(ctx context.Context, name string) error {
	if err := m.dropDatabase(ctx, name); err != nil {
		return fmt.Errorf("drop leftover database %s: %w", name, err)
	}
	if _, err := m.admin.Exec(ctx, fmt.Sprintf("CREATE DATABASE %s", ident(name))); err != nil {
		return fmt.Errorf("create database %s: %w", name, err)
	}
	m.trackResource(resDatabase, name)
	return nil
}

// DropDatabase removes a database, disconnecting anyone still using it.
func (m *Manager) DropDatabase(ctx context.Context, name string) error {
	if err := m.dropDatabase(ctx, name); err != nil {
		return err
	}
	m.untrackResource(resDatabase, name)
	return nil
}

func (m *Manager) dropDatabase(ctx context.Context, name string) error {
	if err := m.terminateBackends(ctx, name); err != nil {
		logging.Debug("DBState", "Terminate backends of %s: %v", name, err)
	}
	if _, err := m.admin.Exec(ctx, fmt.Sprintf("DROP DATABASE IF EXISTS %s WITH (FORCE)", ident(name))); err != nil {
		return fmt.Errorf("drop database %s: %w", name, err)
	}
	return nil
}

// --- snapshot strategy ---
//
// A point-in-time copy captured as a template database; restore drops the
// live database and recreates it from the template verbatim.

func (m *Manager) initSnapshot(ctx context.Context) (string, error) {
	name := fmt.Sprintf("%s_snap_%s", m.baseDatabase(), m.workerToken())
	if err := m.CreateSnapshot(ctx, name); err != nil {
		return "", err
	}
	return name, nil
}

// CreateSnapshot captures the current state of the base database under the
// given snapshot name.
func (m *Manager) CreateSnapshot(ctx context.Context, name string) error {
	source := m.baseDatabase()
	if err := m.dropDatabase(ctx, name); err != nil {
		return fmt.Errorf("drop leftover snapshot %s: %w", name, err)
	}
	// Template copies require the source to be connection-quiet.
	if err := m.terminateBackends(ctx, source); err != nil {
		logging.Debug("DBState", "Terminate backends of %s: %v", source, err)
	}
	stmt := fmt.Sprintf("CREATE DATABASE %s TEMPLATE %s", ident(name), ident(source))
	if _, err := m.admin.Exec(ctx, stmt); err != nil {
		return fmt.Errorf("create snapshot %s of %s: %w", name, source, err)
	}
	m.trackResource(resSnapshot, name)
	return nil
}

// RestoreSnapshot replaces the base database with the snapshot's contents.
func (m *Manager) RestoreSnapshot(ctx context.Context, name string) error {
	target := m.baseDatabase()
	if err := m.dropDatabase(ctx, target); err != nil {
		return fmt.Errorf("drop database %s for restore: %w", target, err)
	}
	if err := m.terminateBackends(ctx, name); err != nil {
		logging.Debug("DBState", "Terminate backends of %s: %v", name, err)
	}
	stmt := fmt.Sprintf("CREATE DATABASE %s TEMPLATE %s", ident(target), ident(name))
	if _, err := m.admin.Exec(ctx, stmt); err != nil {
		return fmt.Errorf("restore snapshot %s into %s: %w", name, target, err)
	}
	return nil
}

func (m *Manager) terminateBackends(ctx context.Context, database string) error {
	const stmt = `SELECT pg_terminate_backend(pid) FROM pg_stat_activity WHERE datname = $1 AND pid <> pg_backend_pid()`
	_, err := m.admin.Exec(ctx, stmt, database)
	return err
}

// literal renders a string literal for embedding in a DO block, where bind
// parameters are not available.
func literal(s string) string {
	return "'" + strings.ReplaceAll(s, "'", "''") + "'"
}
