package backend

import (
	"bufio"
	"context"
	"fmt"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"testenvctl/pkg/logging"
)

// For tuning in tests
var (
	stopPollAttempts = 10
	stopPollInterval = 500 * time.Millisecond
	killWaitTimeout  = 5 * time.Second
)

// ProcessBackend runs local-process-mode services as supervised child
// processes. Each child gets its own process group so stop signals reach
// the whole tree.
type ProcessBackend struct {
	events chan Event

	mu      sync.Mutex
	handles map[string]*processHandle
}

// NewProcessBackend creates a process backend.
func NewProcessBackend() *ProcessBackend {
	return &ProcessBackend{
		events:  make(chan Event, eventBufferSize),
		handles: make(map[string]*processHandle),
	}
}

// Events returns the backend's event stream.
func (p *ProcessBackend) Events() <-chan Event {
	return p.events
}

type processHandle struct {
	name string
	cmd  *exec.Cmd
	pid  int
	done chan error // closed-by-send when the process exits
}

func (h *processHandle) ID() string { return fmt.Sprintf("pid-%d", h.pid) }

// Start spawns the declared command in the declared working directory with
// the merged environment from the StartSpec. Stdout and stderr are scanned
// line by line into the event stream for diagnostics.
func (p *ProcessBackend) Start(ctx context.Context, spec StartSpec) (Handle, error) {
	argv := spec.Spec.Command
	cmd := exec.Command(argv[0], argv[1:]...)
	cmd.Dir = spec.Spec.WorkDir
	cmd.Env = spec.Env
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("stdout pipe for %s: %w", spec.UniqueName, err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		stdout.Close()
		return nil, fmt.Errorf("stderr pipe for %s: %w", spec.UniqueName, err)
	}

	if err := cmd.Start(); err != nil {
		stdout.Close()
		stderr.Close()
		return nil, fmt.Errorf("start %s (%v): %w", spec.UniqueName, argv, err)
	}

	h := &processHandle{
		name: spec.UniqueName,
		cmd:  cmd,
		pid:  cmd.Process.Pid,
		done: make(chan error, 1),
	}

	go p.scan(h, "stdout", stdout)
	go p.scan(h, "stderr", stderr)

	go func() {
		err := cmd.Wait()
		h.done <- err
		publish(p.events, Event{Service: h.name, Kind: EventExited, Err: err})
	}()

	p.mu.Lock()
	p.handles[h.name] = h
	p.mu.Unlock()

	publish(p.events, Event{Service: h.name, Kind: EventStarted})
	logging.Info("ProcessBackend", "Started %s (PID %d)", h.name, h.pid)
	return h, nil
}

func (p *ProcessBackend) scan(h *processHandle, stream string, r interface{ Read([]byte) (int, error) }) {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		publish(p.events, Event{Service: h.name, Kind: EventLog, Stream: stream, Line: scanner.Text()})
	}
}

// Stop terminates the process group: SIGTERM first, then a bounded poll for
// exit, then exactly one escalation to SIGKILL with one final bounded wait.
func (p *ProcessBackend) Stop(ctx context.Context, handle Handle) error {
	h, ok := handle.(*processHandle)
	if !ok {
		return fmt.Errorf("foreign handle %T", handle)
	}

	p.mu.Lock()
	delete(p.handles, h.name)
	p.mu.Unlock()

	if exited(h) {
		logging.Debug("ProcessBackend", "%s (PID %d) already exited", h.name, h.pid)
		return nil
	}

	// Negative pid signals the whole group.
	if err := syscall.Kill(-h.pid, syscall.SIGTERM); err != nil && err != syscall.ESRCH {
		logging.Warn("ProcessBackend", "SIGTERM to %s (PID %d) failed: %v", h.name, h.pid, err)
	}

	for attempt := 0; attempt < stopPollAttempts; attempt++ {
		select {
		case <-h.done:
			logging.Info("ProcessBackend", "Stopped %s (PID %d)", h.name, h.pid)
			return nil
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(stopPollInterval):
		}
	}

	logging.Warn("ProcessBackend", "%s (PID %d) ignored SIGTERM, sending SIGKILL", h.name, h.pid)
	if err := syscall.Kill(-h.pid, syscall.SIGKILL); err != nil && err != syscall.ESRCH {
		return fmt.Errorf("kill %s (PID %d): %w", h.name, h.pid, err)
	}

	select {
	case <-h.done:
		logging.Info("ProcessBackend", "Killed %s (PID %d)", h.name, h.pid)
		return nil
	case <-time.After(killWaitTimeout):
		return fmt.Errorf("%s (PID %d) did not exit after SIGKILL", h.name, h.pid)
	case <-ctx.Done():
		return ctx.Err()
	}
}

func exited(h *processHandle) bool {
	select {
	case err := <-h.done:
		// Put it back for any concurrent waiter.
		h.done <- err
		return true
	default:
		return h.cmd.ProcessState != nil && h.cmd.ProcessState.Exited()
	}
}

// Host returns the address local processes are reachable on.
func (p *ProcessBackend) Host(Handle) string {
	return "127.0.0.1"
}

// MappedPort is the identity for local processes: they bind their declared
// ports directly.
func (p *ProcessBackend) MappedPort(_ context.Context, _ Handle, declared int) (int, error) {
	return declared, nil
}
