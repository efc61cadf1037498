package orchestrator

import (
	"context"
	"fmt"
	"os"

	"testenvctl/internal/connection"
	"testenvctl/internal/reporting"
	"testenvctl/internal/statusserver"
	"testenvctl/pkg/logging"
)

// Stop tears the environment down: state managers first, then every
// running service in reverse start order, then the status server. A
// failing stop is logged and skipped so one wedged service cannot block
// teardown of the rest; the first failure is still reported. Stop is
// idempotent: a second call returns nil without touching backends.
func (w *WorkerEnvironment) Stop(ctx context.Context) error {
	w.mu.Lock()
	if w.stopped {
		w.mu.Unlock()
		return nil
	}
	w.stopped = true
	w.started = false
	running := w.running
	w.running = nil
	w.byName = make(map[string]*RunningService)
	databases := w.databases
	w.databases = make(map[string]DatabaseManager)
	caches := w.caches
	w.caches = make(map[string]CacheManager)
	w.infos = make(map[string]connection.Info)
	srv := w.statusSrv
	w.statusSrv = nil
	w.drainStop.Do(func() { close(w.drainDone) })
	w.mu.Unlock()

	_ = os.Unsetenv(statusserver.ReadyEnvVar)

	var firstErr error
	record := func(err error) {
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}

	for name, mgr := range databases {
		if err := mgr.Cleanup(ctx); err != nil {
			logging.Error("Orchestrator", err, "Cleanup of database state for %s failed", name)
			record(err)
		}
	}
	for name, mgr := range caches {
		if err := mgr.Cleanup(ctx); err != nil {
			logging.Error("Orchestrator", err, "Cleanup of cache state for %s failed", name)
			record(err)
		}
	}

	for i := len(running) - 1; i >= 0; i-- {
		rs := running[i]
		if err := rs.Backend.Stop(ctx, rs.Handle); err != nil {
			logging.Error("Orchestrator", err, "Stop of %s failed, continuing teardown", rs.UniqueName)
			record(err)
		}
		w.setStatus(rs.Spec, reporting.StatusStopped)
	}

	if srv != nil {
		if err := srv.Stop(ctx); err != nil {
			logging.Error("Orchestrator", err, "Stop of status server failed")
			record(err)
		}
	}

	logging.Info("Orchestrator", "Environment for worker %s stopped", w.workerID)
	return firstErr
}

// IsReady reports whether one service has reached ready.
func (w *WorkerEnvironment) IsReady(name string) bool {
	rec, ok := w.store.Get(name)
	return ok && rec.Status == reporting.StatusReady
}

// AccessPoint returns the host:port address of a running service's first
// declared port.
func (w *WorkerEnvironment) AccessPoint(name string) (string, error) {
	w.mu.Lock()
	rs, ok := w.byName[name]
	w.mu.Unlock()
	if !ok {
		return "", fmt.Errorf("service %s is not running", name)
	}
	if len(rs.Spec.Ports) == 0 {
		return rs.Host, nil
	}
	return fmt.Sprintf("%s:%d", rs.Host, rs.Ports[rs.Spec.Ports[0]]), nil
}

// EnvContext is the handle bundle exposed to the test runner: per-service
// access points plus the state managers for seed/restore hooks.
type EnvContext struct {
	WorkerID     string
	AccessPoints map[string]string
	Databases    map[string]DatabaseManager
	Caches       map[string]CacheManager
}

// Context snapshots the running environment. Access points cover every
// running service; a service without declared ports maps to its bare host.
func (w *WorkerEnvironment) Context() *EnvContext {
	w.mu.Lock()
	defer w.mu.Unlock()

	points := make(map[string]string, len(w.byName))
	for name, rs := range w.byName {
		if len(rs.Spec.Ports) == 0 {
			points[name] = rs.Host
			continue
		}
		points[name] = fmt.Sprintf("%s:%d", rs.Host, rs.Ports[rs.Spec.Ports[0]])
	}

	databases := make(map[string]DatabaseManager, len(w.databases))
	for name, mgr := range w.databases {
		databases[name] = mgr
	}
	caches := make(map[string]CacheManager, len(w.caches))
	for name, mgr := range w.caches {
		caches[name] = mgr
	}

	return &EnvContext{
		WorkerID:     w.workerID,
		AccessPoints: points,
		Databases:    databases,
		Caches:       caches,
	}
}
