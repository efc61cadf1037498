package dbstate

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"os/exec"
	"strings"

	_ "github.com/jackc/pgx/v5/stdlib" // database/sql driver for the seed runner
	"github.com/pressly/goose/v3"

	"testenvctl/internal/config"
	"testenvctl/internal/connection"
	"testenvctl/pkg/logging"
)

// For mocking in tests
var runSeedCommand = func(ctx context.Context, argv []string, env []string) error {
	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	cmd.Env = env
	cmd.Stdout = os.Stderr
	cmd.Stderr = os.Stderr
	return cmd.Run()
}

// For mocking in tests
var applySeedDir = func(ctx context.Context, dsn, dir string) error {
	if err := goose.SetDialect("postgres"); err != nil {
		return err
	}
	db, err := goose.OpenDBWithDriver("pgx", dsn)
	if err != nil {
		return fmt.Errorf("open seed connection: %w", err)
	}
	defer db.Close()
	return goose.UpContext(ctx, db, dir)
}

// SeedForFile runs the seed action at a file boundary. With timing once it
// seeds only the very first time; with per-test it does nothing (the test
// boundary seeds instead). A rollback-style restore plants its marker here,
// before the seed, so RestoreAfterFile undoes seed and test writes alike.
func (m *Manager) SeedForFile(ctx context.Context, file string) error {
	switch m.policy.Seeding.Timing {
	case config.SeedOnce:
		return m.seedOnce(ctx)
	case config.SeedPerFile:
		return m.seedAtBoundary(ctx, fileKey(file))
	default:
		return nil
	}
}

// RestoreAfterFile undoes the writes of one file boundary according to the
// restore mode. Calling it again for the same boundary is a no-op.
func (m *Manager) RestoreAfterFile(ctx context.Context, file string) error {
	if m.policy.Seeding.Timing != config.SeedPerFile {
		return nil
	}
	return m.restoreBoundary(ctx, fileKey(file))
}

// SeedForTest is SeedForFile at individual-test granularity.
func (m *Manager) SeedForTest(ctx context.Context, test, file string) error {
	switch m.policy.Seeding.Timing {
	case config.SeedOnce:
		return m.seedOnce(ctx)
	case config.SeedPerTest:
		return m.seedAtBoundary(ctx, testKey(test, file))
	default:
		return nil
	}
}

// RestoreAfterTest undoes the writes of one test boundary.
func (m *Manager) RestoreAfterTest(ctx context.Context, test, file string) error {
	if m.policy.Seeding.Timing != config.SeedPerTest {
		return nil
	}
	return m.restoreBoundary(ctx, testKey(test, file))
}

func fileKey(file string) string       { return "file:" + file }
func testKey(test, file string) string { return "test:" + file + "/" + test }

// seedOnce runs the seed action exactly one time across the whole run.
func (m *Manager) seedOnce(ctx context.Context) error {
	m.mu.Lock()
	if m.seededOnce {
		m.mu.Unlock()
		return nil
	}
	m.seededOnce = true
	m.mu.Unlock()

	if err := m.seed(ctx); err != nil {
		m.mu.Lock()
		m.seededOnce = false
		m.mu.Unlock()
		return err
	}
	return nil
}

// seedAtBoundary plants a rollback marker (when the restore mode needs one)
// and runs the seed action for one boundary.
func (m *Manager) seedAtBoundary(ctx context.Context, key string) error {
	if m.policy.Seeding.Restore == config.RestoreRollback && m.policy.Strategy == config.StrategySavepoint {
		id, err := m.CreateSavepoint(ctx)
		if err != nil {
			return err
		}
		m.mu.Lock()
		m.marks[key] = id
		m.mu.Unlock()
	}
	return m.seed(ctx)
}

// restoreBoundary undoes one boundary. Rollback uses the strategy's marker
// (savepoint id or snapshot template); strategies without an in-place
// rollback mechanism fall back to a full reset. Reset tears the isolation
// unit down and rebuilds it, reseeding only at the next boundary.
func (m *Manager) restoreBoundary(ctx context.Context, key string) error {
	switch m.policy.Seeding.Restore {
	case config.RestoreNone:
		return nil

	case config.RestoreRollback:
		switch m.policy.Strategy {
		case config.StrategySavepoint:
			m.mu.Lock()
			id, ok := m.marks[key]
			delete(m.marks, key)
			m.mu.Unlock()
			if !ok {
				// Already restored, or the boundary never seeded.
				return nil
			}
			return m.RollbackToSavepoint(ctx, id)
		case config.StrategySnapshot:
			return m.RestoreSnapshot(ctx, m.State().Handle)
		default:
			// Schema and database isolation have no in-place rollback;
			// rebuild the unit instead.
			return m.resetUnit(ctx)
		}

	case config.RestoreReset:
		return m.resetUnit(ctx)
	}
	return nil
}

// resetUnit tears the worker's isolation unit down and recreates it empty
// (structure only). The next seed boundary repopulates it.
func (m *Manager) resetUnit(ctx context.Context) error {
	state := m.State()
	switch m.policy.Strategy {
	case config.StrategySavepoint:
		// The closest thing to a reset on a shared connection: discard
		// the whole transaction and start a fresh one.
		m.mu.Lock()
		tx := m.tx
		m.tx = nil
		m.mu.Unlock()
		if tx != nil {
			if err := tx.Rollback(ctx); err != nil {
				logging.Warn("DBState", "Rollback during reset failed: %v", err)
			}
		}
		_, err := m.initSavepoint(ctx)
		return err

	case config.StrategySchema:
		if err := m.CreateSchema(ctx, state.Handle); err != nil {
			return err
		}
		return m.CopySchema(ctx, baseSchema, state.Handle)

	case config.StrategyDatabase:
		return m.CreateDatabase(ctx, state.Handle)

	case config.StrategySnapshot:
		return m.RestoreSnapshot(ctx, state.Handle)
	}
	return nil
}

// seed executes the configured seed action. Failure is fatal for the
// current boundary: a half-seeded database would make test results lie, so
// the error propagates and nothing retries.
func (m *Manager) seed(ctx context.Context) error {
	src := m.policy.Seeding.Source

	switch {
	case len(src.Command) > 0:
		env := append(os.Environ(), m.info.EnvVars(m.spec)...)
		if schema := m.seedSchema(); schema != "" {
			env = append(env, "PGOPTIONS=-c search_path="+schema)
		}
		if err := runSeedCommand(ctx, src.Command, env); err != nil {
			return fmt.Errorf("seed command for %s failed: %w", m.spec.Name, err)
		}
	case src.Dir != "":
		if err := applySeedDir(ctx, m.seedDSN(), src.Dir); err != nil {
			return fmt.Errorf("seed directory %s for %s failed: %w", src.Dir, m.spec.Name, err)
		}
	default:
		// No seed source configured; the boundary is still valid.
		return nil
	}

	logging.Debug("DBState", "Seeded %s", m.spec.Name)
	return nil
}

// seedSchema names the schema seed writes must land in. Empty for every
// strategy except schema isolation, where the worker's clone replaces the
// shared base schema as the seed target.
func (m *Manager) seedSchema() string {
	if m.policy.Strategy != config.StrategySchema {
		return ""
	}
	return m.State().Handle
}

// seedDSN is the connection string handed to seed runners. Under schema
// isolation the worker schema rides along as a runtime parameter, so a
// fresh seed connection resolves unqualified names into the worker's
// schema and not into the base one.
func (m *Manager) seedDSN() string {
	dsn := m.info[connection.KeyURL]
	schema := m.seedSchema()
	if schema == "" {
		return dsn
	}
	sep := "?"
	if strings.Contains(dsn, "?") {
		sep = "&"
	}
	return dsn + sep + "search_path=" + url.QueryEscape(schema)
}
