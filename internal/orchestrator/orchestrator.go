// Package orchestrator walks the service dependency DAG: infrastructure
// services start first, their connection info is resolved and injected into
// dependent application services, then the application tier starts. On
// shutdown everything stops in reverse start order. One WorkerEnvironment
// value is one orchestration session; there are no package-level
// singletons.
package orchestrator

import (
	"context"
	"fmt"
	"os"
	"sync"

	"github.com/google/uuid"

	"testenvctl/internal/backend"
	"testenvctl/internal/cachestate"
	"testenvctl/internal/config"
	"testenvctl/internal/connection"
	"testenvctl/internal/dbstate"
	"testenvctl/internal/dependency"
	"testenvctl/internal/readiness"
	"testenvctl/internal/reporting"
	"testenvctl/internal/statusserver"
	"testenvctl/pkg/logging"
)

// DatabaseManager is the per-database state contract the environment
// context hands to test-lifecycle hooks.
type DatabaseManager interface {
	Initialize(ctx context.Context) error
	SeedForFile(ctx context.Context, file string) error
	RestoreAfterFile(ctx context.Context, file string) error
	SeedForTest(ctx context.Context, test, file string) error
	RestoreAfterTest(ctx context.Context, test, file string) error
	Cleanup(ctx context.Context) error
}

// CacheManager is the per-cache state contract.
type CacheManager interface {
	Initialize(ctx context.Context) error
	Restore(ctx context.Context) error
	Cleanup(ctx context.Context) error
}

// RunningService pairs a spec with its live backend handle. Owned
// exclusively by the WorkerEnvironment for its lifetime.
type RunningService struct {
	Spec       config.ServiceSpec
	UniqueName string // <name>-<workerId>
	Backend    backend.Backend
	Handle     backend.Handle
	Host       string
	Ports      map[int]int // declared -> actual
}

// Options configures a WorkerEnvironment. Zero fields get working defaults
// at New; the backend and manager fields exist so tests can substitute
// fakes.
type Options struct {
	Environment config.Environment

	// WorkerID namespaces every resource this session creates. Empty
	// means a fresh random id.
	WorkerID string

	// ContainerBackend and ProcessBackend run the services. A nil
	// ContainerBackend is connected lazily at Start, and only when some
	// service actually uses container mode.
	ContainerBackend backend.Backend
	ProcessBackend   backend.Backend

	Store   *reporting.Store
	Checker *readiness.Checker

	// DisableStatusServer skips the cross-process coordination server;
	// single-process runs rely on the environment-variable bypass.
	DisableStatusServer bool

	// StatusDir overrides where the discovery record is written; empty
	// means the environment definition's setting.
	StatusDir string

	// NewDatabaseManager and NewCacheManager build per-service state
	// managers. Defaults wire the real dbstate and cachestate packages.
	NewDatabaseManager func(ctx context.Context, spec config.ServiceSpec, policy config.DatabasePolicy, workerID string, info connection.Info) (DatabaseManager, error)
	NewCacheManager    func(spec config.ServiceSpec, workerID string, info connection.Info) CacheManager
}

// WorkerEnvironment is one orchestration session: the set of running
// services and per-database state managers owned by one worker.
type WorkerEnvironment struct {
	opts     Options
	workerID string
	graph    *dependency.Graph
	store    *reporting.Store
	checker  *readiness.Checker

	statusSrv *statusserver.Server

	mu        sync.Mutex
	running   []*RunningService // start order
	byName    map[string]*RunningService
	infos     map[string]connection.Info
	databases map[string]DatabaseManager
	caches    map[string]CacheManager
	started   bool
	stopped   bool

	drainOnce sync.Once
	drainStop sync.Once
	drainDone chan struct{}
}

// New validates the environment's dependency graph and prepares a session.
// No backend is touched until Start.
func New(opts Options) (*WorkerEnvironment, error) {
	graph := dependency.New()
	for _, s := range opts.Environment.Services {
		graph.AddNode(dependency.Node{Name: s.Name, DependsOn: s.DependsOn})
	}
	// Config validation already checked this; doing it again here keeps
	// the invariant local when callers construct environments in code.
	if err := graph.Validate(); err != nil {
		return nil, err
	}

	workerID := opts.WorkerID
	if workerID == "" {
		workerID = uuid.NewString()[:8]
	}
	store := opts.Store
	if store == nil {
		store = reporting.NewStore()
	}
	checker := opts.Checker
	if checker == nil {
		checker = readiness.NewChecker(nil)
	}

	if opts.ProcessBackend == nil {
		opts.ProcessBackend = backend.NewProcessBackend()
	}
	if opts.NewDatabaseManager == nil {
		opts.NewDatabaseManager = func(ctx context.Context, spec config.ServiceSpec, policy config.DatabasePolicy, workerID string, info connection.Info) (DatabaseManager, error) {
			return dbstate.New(ctx, spec, policy, workerID, info)
		}
	}
	if opts.NewCacheManager == nil {
		opts.NewCacheManager = func(spec config.ServiceSpec, workerID string, info connection.Info) CacheManager {
			return cachestate.New(spec, workerID, info)
		}
	}
	if opts.StatusDir == "" {
		opts.StatusDir = opts.Environment.Settings.StatusDir
	}
	if opts.StatusDir == "" {
		opts.StatusDir = config.DefaultStatusDir()
	}

	return &WorkerEnvironment{
		opts:      opts,
		workerID:  workerID,
		graph:     graph,
		store:     store,
		checker:   checker,
		byName:    make(map[string]*RunningService),
		infos:     make(map[string]connection.Info),
		databases: make(map[string]DatabaseManager),
		caches:    make(map[string]CacheManager),
		drainDone: make(chan struct{}),
	}, nil
}

// WorkerID returns the id namespacing every resource of this session.
func (w *WorkerEnvironment) WorkerID() string {
	return w.workerID
}

// Store exposes the component status store backing this session.
func (w *WorkerEnvironment) Store() *reporting.Store {
	return w.store
}

// Start brings the whole environment up: infrastructure tier, connection
// resolution, database/cache state managers, then the application tier.
// In fast mode readiness probes are skipped (weaker guarantees, faster
// iteration) but the infra-before-app tier ordering still holds, since app
// services read connection info that only exists once infra is up. Any
// failure tears down everything already started, in reverse order, before
// the error is returned.
func (w *WorkerEnvironment) Start(ctx context.Context, fast bool) error {
	w.mu.Lock()
	if w.started {
		w.mu.Unlock()
		return fmt.Errorf("environment already started")
	}
	w.started = true
	w.stopped = false
	w.mu.Unlock()

	if err := w.startAll(ctx, fast); err != nil {
		logging.Error("Orchestrator", err, "Startup failed, tearing down partial environment")
		// Teardown uses a fresh context: the startup ctx may already be
		// cancelled and cleanup must still run.
		_ = w.Stop(context.Background())
		return err
	}

	// Single-process callers read this instead of the status server.
	_ = os.Setenv(statusserver.ReadyEnvVar, "1")
	logging.Info("Orchestrator", "Environment for worker %s is ready", w.workerID)
	return nil
}

func (w *WorkerEnvironment) startAll(ctx context.Context, fast bool) error {
	w.drainEvents()

	for _, spec := range w.opts.Environment.Services {
		w.setStatus(spec, reporting.StatusPending)
	}

	if !w.opts.DisableStatusServer {
		srv := statusserver.NewServer(w.store, w.opts.StatusDir, w.workerID)
		if _, err := srv.Start(); err != nil {
			return err
		}
		w.statusSrv = srv
	}

	infra := w.opts.Environment.InfrastructureServices()
	if err := w.startTier(ctx, fast, infra, nil); err != nil {
		return err
	}

	// Infra is up: resolve connection info and bring per-service state
	// managers online before anything depends on seeded data.
	for _, spec := range infra {
		info, err := w.resolveInfo(ctx, spec)
		if err != nil {
			return err
		}
		w.mu.Lock()
		w.infos[spec.Name] = info
		w.mu.Unlock()
	}
	if err := w.initStateManagers(ctx); err != nil {
		return err
	}

	apps := w.opts.Environment.ApplicationServices()
	return w.startTier(ctx, fast, apps, w.appEnv)
}

// startTier starts one tier level by level: all services within a level are
// independent and start concurrently; the next level begins only once the
// whole previous one is ready.
func (w *WorkerEnvironment) startTier(ctx context.Context, fast bool, specs []config.ServiceSpec, env func(config.ServiceSpec) []string) error {
	members := make(map[string]config.ServiceSpec, len(specs))
	tierGraph := dependency.New()
	for _, s := range specs {
		members[s.Name] = s
		var deps []string
		for _, dep := range s.DependsOn {
			// Cross-tier dependencies are already satisfied: the infra
			// tier is fully ready before the app tier starts.
			if _, sameTier := memberOf(specs, dep); sameTier {
				deps = append(deps, dep)
			}
		}
		tierGraph.AddNode(dependency.Node{Name: s.Name, DependsOn: deps})
	}

	tierCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	for _, level := range tierGraph.Levels() {
		var wg sync.WaitGroup
		errCh := make(chan error, len(level))

		for _, name := range level {
			spec := members[name]
			wg.Add(1)
			go func() {
				defer wg.Done()
				var extraEnv []string
				if env != nil {
					extraEnv = env(spec)
				}
				if err := w.startOne(tierCtx, fast, spec, extraEnv); err != nil {
					errCh <- err
					cancel() // abandon the rest of the level
				}
			}()
		}
		wg.Wait()
		close(errCh)
		if err := <-errCh; err != nil {
			return err
		}
	}
	return nil
}

func memberOf(specs []config.ServiceSpec, name string) (config.ServiceSpec, bool) {
	for _, s := range specs {
		if s.Name == name {
			return s, true
		}
	}
	return config.ServiceSpec{}, false
}

// startOne launches a single service and waits for its readiness probe
// (unless fast mode skips it).
func (w *WorkerEnvironment) startOne(ctx context.Context, fast bool, spec config.ServiceSpec, extraEnv []string) error {
	b, err := w.backendFor(spec.Mode)
	if err != nil {
		return err
	}

	unique := fmt.Sprintf("%s-%s", spec.Name, w.workerID)
	w.setStatus(spec, reporting.StatusStarting)

	env := mergedEnv(spec, extraEnv)
	handle, err := b.Start(ctx, backend.StartSpec{UniqueName: unique, Spec: spec, Env: env})
	if err != nil {
		w.setStatus(spec, reporting.StatusFailed)
		return fmt.Errorf("start %s: %w", spec.Name, err)
	}

	rs := &RunningService{
		Spec:       spec,
		UniqueName: unique,
		Backend:    b,
		Handle:     handle,
		Host:       b.Host(handle),
		Ports:      make(map[int]int, len(spec.Ports)),
	}
	for _, p := range spec.Ports {
		actual, err := b.MappedPort(ctx, handle, p)
		if err != nil {
			w.setStatus(spec, reporting.StatusFailed)
			w.track(rs) // still needs stopping during teardown
			return fmt.Errorf("resolve port %d of %s: %w", p, spec.Name, err)
		}
		rs.Ports[p] = actual
	}
	w.track(rs)

	if !fast && spec.Probe != nil {
		probePort := rs.Ports[spec.Probe.Port]
		if probePort == 0 {
			probePort = spec.Probe.Port
		}
		if !w.checker.WaitUntilReady(ctx, spec, rs.Host, probePort) {
			w.setStatus(spec, reporting.StatusFailed)
			return fmt.Errorf("service %s did not become ready", spec.Name)
		}
	}

	w.setStatus(spec, reporting.StatusReady)
	return nil
}

// mergedEnv builds the child environment: injected connection info, then
// the spec's explicit variables, later entries winning. Only local
// processes inherit the parent environment; containers start from their
// image's environment so host variables never end up in container
// metadata or shadow image-defined ones.
func mergedEnv(spec config.ServiceSpec, extraEnv []string) []string {
	var env []string
	if spec.Mode == config.BackendLocalProcess {
		env = append(env, os.Environ()...)
	}
	env = append(env, extraEnv...)
	for k, v := range spec.Env {
		env = append(env, fmt.Sprintf("%s=%s", k, v))
	}
	return env
}

// appEnv renders the connection info of a service's direct infrastructure
// dependencies as environment variables.
func (w *WorkerEnvironment) appEnv(spec config.ServiceSpec) []string {
	w.mu.Lock()
	defer w.mu.Unlock()

	var env []string
	for _, dep := range spec.DependsOn {
		info, ok := w.infos[dep]
		if !ok {
			continue
		}
		depSpec, _ := w.opts.Environment.Service(dep)
		env = append(env, info.EnvVars(depSpec)...)
	}
	return env
}

// resolveInfo computes the connection info of a started infrastructure
// service from its actual host/port bindings.
func (w *WorkerEnvironment) resolveInfo(ctx context.Context, spec config.ServiceSpec) (connection.Info, error) {
	w.mu.Lock()
	rs, ok := w.byName[spec.Name]
	w.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("service %s is not running", spec.Name)
	}

	port := 0
	if len(spec.Ports) > 0 {
		port = rs.Ports[spec.Ports[0]]
	}
	return connection.Resolve(spec, rs.Host, port), nil
}

// initStateManagers brings the database and cache state managers up for
// every infrastructure service that has one.
func (w *WorkerEnvironment) initStateManagers(ctx context.Context) error {
	for _, spec := range w.opts.Environment.InfrastructureServices() {
		w.mu.Lock()
		info := w.infos[spec.Name]
		w.mu.Unlock()

		switch spec.Category {
		case config.CategoryDatabase:
			policy, ok := w.opts.Environment.Databases[spec.Name]
			if !ok {
				continue
			}
			mgr, err := w.opts.NewDatabaseManager(ctx, spec, policy, w.workerID, info)
			if err != nil {
				return fmt.Errorf("connect database manager for %s: %w", spec.Name, err)
			}
			w.mu.Lock()
			w.databases[spec.Name] = mgr
			w.mu.Unlock()
			if err := mgr.Initialize(ctx); err != nil {
				return err
			}
		case config.CategoryCache:
			mgr := w.opts.NewCacheManager(spec, w.workerID, info)
			w.mu.Lock()
			w.caches[spec.Name] = mgr
			w.mu.Unlock()
			if err := mgr.Initialize(ctx); err != nil {
				return fmt.Errorf("initialize cache manager for %s: %w", spec.Name, err)
			}
		}
	}
	return nil
}

func (w *WorkerEnvironment) backendFor(mode config.BackendMode) (backend.Backend, error) {
	switch mode {
	case config.BackendLocalProcess:
		return w.opts.ProcessBackend, nil
	case config.BackendContainer:
		w.mu.Lock()
		defer w.mu.Unlock()
		if w.opts.ContainerBackend == nil {
			b, err := backend.NewDockerBackend(w.opts.Environment.Settings.DockerHost, w.workerID)
			if err != nil {
				return nil, err
			}
			w.opts.ContainerBackend = b
			go w.drainBackend(b)
		}
		return w.opts.ContainerBackend, nil
	default:
		return nil, fmt.Errorf("unknown backend mode %q", mode)
	}
}

func (w *WorkerEnvironment) track(rs *RunningService) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.running = append(w.running, rs)
	w.byName[rs.Spec.Name] = rs
}

func (w *WorkerEnvironment) setStatus(spec config.ServiceSpec, status reporting.Status) {
	w.store.Update(reporting.ComponentRecord{
		Name:     spec.Name,
		Category: string(spec.Category),
		Status:   status,
	})
}

// drainEvents forwards backend log events into the logging sink for the
// lifetime of the session.
func (w *WorkerEnvironment) drainEvents() {
	w.drainOnce.Do(func() {
		go w.drainBackend(w.opts.ProcessBackend)
		if w.opts.ContainerBackend != nil {
			go w.drainBackend(w.opts.ContainerBackend)
		}
	})
}

// drainBackend forwards events until the session stops; backend channels
// stay open, so the session's done channel bounds the goroutine's life.
func (w *WorkerEnvironment) drainBackend(b backend.Backend) {
	if b == nil {
		return
	}
	for {
		select {
		case <-w.drainDone:
			return
		case ev, ok := <-b.Events():
			if !ok {
				return
			}
			switch ev.Kind {
			case backend.EventLog:
				logging.Debug("Service", "[%s %s] %s", ev.Service, ev.Stream, ev.Line)
			case backend.EventStarted:
				logging.Debug("Service", "%s started", ev.Service)
			case backend.EventExited:
				if ev.Err != nil {
					logging.Warn("Service", "%s exited: %v", ev.Service, ev.Err)
				} else {
					logging.Debug("Service", "%s exited", ev.Service)
				}
			}
		}
	}
}
