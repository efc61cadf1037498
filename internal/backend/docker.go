package backend

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/client"
	"github.com/docker/docker/errdefs"
	"github.com/docker/go-connections/nat"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"

	"testenvctl/internal/config"
	"testenvctl/pkg/logging"
)

const (
	// LabelWorker and LabelService mark containers we created, so stale
	// ones from a crashed run can be identified and removed.
	LabelWorker  = "testenvctl.worker"
	LabelService = "testenvctl.service"

	containerStopTimeoutSec = 10
	inspectPortAttempts     = 10
	nativeWaitAttempts      = 30
	nativeWaitDelay         = time.Second
)

// dockerAPI is the slice of the Docker Engine client this backend uses.
// *client.Client satisfies it; tests substitute a fake.
type dockerAPI interface {
	ContainerCreate(ctx context.Context, config *container.Config, hostConfig *container.HostConfig, networkingConfig *network.NetworkingConfig, platform *ocispec.Platform, containerName string) (container.CreateResponse, error)
	ContainerStart(ctx context.Context, containerID string, options container.StartOptions) error
	ContainerInspect(ctx context.Context, containerID string) (types.ContainerJSON, error)
	ContainerStop(ctx context.Context, containerID string, options container.StopOptions) error
	ContainerRemove(ctx context.Context, containerID string, options container.RemoveOptions) error
	ContainerExecCreate(ctx context.Context, containerID string, options container.ExecOptions) (types.IDResponse, error)
	ContainerExecStart(ctx context.Context, execID string, options container.ExecStartOptions) error
	ContainerExecInspect(ctx context.Context, execID string) (container.ExecInspect, error)
}

// DockerBackend runs container-mode services through the Docker Engine API.
type DockerBackend struct {
	api      dockerAPI
	workerID string
	events   chan Event
}

// NewDockerBackend connects to the Docker daemon. host overrides the
// endpoint; empty means environment defaults.
func NewDockerBackend(host, workerID string) (*DockerBackend, error) {
	opts := []client.Opt{client.FromEnv, client.WithAPIVersionNegotiation()}
	if host != "" {
		opts = append(opts, client.WithHost(host))
	}
	inner, err := client.NewClientWithOpts(opts...)
	if err != nil {
		return nil, fmt.Errorf("create docker client: %w", err)
	}
	return newDockerBackend(inner, workerID), nil
}

func newDockerBackend(api dockerAPI, workerID string) *DockerBackend {
	return &DockerBackend{
		api:      api,
		workerID: workerID,
		events:   make(chan Event, eventBufferSize),
	}
}

// Events returns the backend's event stream.
func (d *DockerBackend) Events() <-chan Event {
	return d.events
}

type containerHandle struct {
	id    string
	name  string
	ports map[int]int // declared -> bound host port
}

func (h *containerHandle) ID() string { return h.id }

// Start creates and starts a container under the worker-scoped name,
// removing a stale same-named container from a previous crashed run first,
// then waits for the category-appropriate native condition.
func (d *DockerBackend) Start(ctx context.Context, spec StartSpec) (Handle, error) {
	if err := d.removeStale(ctx, spec.UniqueName); err != nil {
		return nil, err
	}

	cfg := &container.Config{
		Image:        spec.Spec.Image,
		Cmd:          spec.Spec.Command,
		Env:          spec.Env,
		ExposedPorts: map[nat.Port]struct{}{},
		Labels: map[string]string{
			LabelWorker:  d.workerID,
			LabelService: spec.Spec.Name,
		},
	}
	bindings := nat.PortMap{}
	for _, p := range spec.Spec.Ports {
		port := nat.Port(fmt.Sprintf("%d/tcp", p))
		cfg.ExposedPorts[port] = struct{}{}
		// Empty HostPort lets the daemon pick an ephemeral one, which
		// is what keeps concurrent workers from colliding.
		bindings[port] = []nat.PortBinding{{HostIP: "127.0.0.1", HostPort: ""}}
	}
	hostCfg := &container.HostConfig{PortBindings: bindings}

	created, err := d.api.ContainerCreate(ctx, cfg, hostCfg, nil, nil, spec.UniqueName)
	if err != nil {
		if errdefs.IsConflict(err) {
			// A container appeared under our name between the stale
			// sweep and the create. Remove it and try once more.
			logging.Warn("DockerBackend", "Name %s still in use, force-removing", spec.UniqueName)
			if rmErr := d.api.ContainerRemove(ctx, spec.UniqueName, container.RemoveOptions{Force: true, RemoveVolumes: true}); rmErr != nil {
				return nil, fmt.Errorf("remove conflicting container %s: %w", spec.UniqueName, rmErr)
			}
			created, err = d.api.ContainerCreate(ctx, cfg, hostCfg, nil, nil, spec.UniqueName)
		}
		if err != nil {
			return nil, fmt.Errorf("container create %s: %w", spec.UniqueName, err)
		}
	}

	if err := d.api.ContainerStart(ctx, created.ID, container.StartOptions{}); err != nil {
		_ = d.api.ContainerRemove(ctx, created.ID, container.RemoveOptions{Force: true, RemoveVolumes: true})
		return nil, fmt.Errorf("container start %s: %w", spec.UniqueName, err)
	}

	ports, err := d.resolvePorts(ctx, created.ID, spec.Spec.Ports)
	if err != nil {
		_ = d.api.ContainerRemove(ctx, created.ID, container.RemoveOptions{Force: true, RemoveVolumes: true})
		return nil, err
	}

	h := &containerHandle{id: created.ID, name: spec.UniqueName, ports: ports}
	if err := d.waitNative(ctx, h, spec.Spec); err != nil {
		_ = d.Stop(ctx, h)
		return nil, err
	}

	publish(d.events, Event{Service: spec.UniqueName, Kind: EventStarted})
	logging.Info("DockerBackend", "Started container %s (%s)", spec.UniqueName, shortID(created.ID))
	return h, nil
}

// removeStale force-removes a leftover container with our unique name, if
// one exists. Worker-scoped naming means it can only be ours, from a run
// that did not get to clean up.
func (d *DockerBackend) removeStale(ctx context.Context, name string) error {
	_, err := d.api.ContainerInspect(ctx, name)
	if err != nil {
		if errdefs.IsNotFound(err) {
			return nil
		}
		return fmt.Errorf("inspect container %s: %w", name, err)
	}
	logging.Warn("DockerBackend", "Removing stale container %s from a previous run", name)
	if err := d.api.ContainerRemove(ctx, name, container.RemoveOptions{Force: true, RemoveVolumes: true}); err != nil && !errdefs.IsNotFound(err) {
		return fmt.Errorf("remove stale container %s: %w", name, err)
	}
	return nil
}

// resolvePorts inspects the container until the daemon has published host
// ports for every declared port, bounded.
func (d *DockerBackend) resolvePorts(ctx context.Context, id string, declared []int) (map[int]int, error) {
	if len(declared) == 0 {
		return map[int]int{}, nil
	}

	var lastErr error
	for attempt := 0; attempt < inspectPortAttempts; attempt++ {
		inspect, err := d.api.ContainerInspect(ctx, id)
		if err != nil {
			return nil, fmt.Errorf("container inspect: %w", err)
		}
		ports, ok := boundPorts(inspect.NetworkSettings, declared)
		if ok {
			return ports, nil
		}
		lastErr = fmt.Errorf("host ports not yet bound")

		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("wait for host ports: %w", ctx.Err())
		case <-time.After(200 * time.Millisecond):
		}
	}
	return nil, fmt.Errorf("resolve host ports for container %s: %w", shortID(id), lastErr)
}

func boundPorts(settings *types.NetworkSettings, declared []int) (map[int]int, bool) {
	if settings == nil || settings.Ports == nil {
		return nil, false
	}
	out := make(map[int]int, len(declared))
	for _, p := range declared {
		bindings := settings.Ports[nat.Port(fmt.Sprintf("%d/tcp", p))]
		bound := 0
		for _, b := range bindings {
			if hp, err := strconv.Atoi(strings.TrimSpace(b.HostPort)); err == nil && hp > 0 {
				bound = hp
				break
			}
		}
		if bound == 0 {
			return nil, false
		}
		out[p] = bound
	}
	return out, true
}

// waitNative blocks until the runtime-native readiness condition for the
// service category holds: a protocol ping for databases and caches, a
// port-open dial for everything else. This is internal to the backend and
// distinct from the configurable readiness probe.
func (d *DockerBackend) waitNative(ctx context.Context, h *containerHandle, spec config.ServiceSpec) error {
	var check func(ctx context.Context) bool

	switch spec.Category {
	case config.CategoryDatabase:
		argv := []string{"pg_isready"}
		if spec.Credentials.Username != "" {
			argv = append(argv, "-U", spec.Credentials.Username)
		}
		check = func(ctx context.Context) bool { return d.execCheck(ctx, h.id, argv) }
	case config.CategoryCache:
		check = func(ctx context.Context) bool { return d.execCheck(ctx, h.id, []string{"redis-cli", "ping"}) }
	default:
		if len(spec.Ports) == 0 {
			return nil
		}
		addr := fmt.Sprintf("127.0.0.1:%d", h.ports[spec.Ports[0]])
		check = func(ctx context.Context) bool { return dialCheck(ctx, addr) }
	}

	for attempt := 1; attempt <= nativeWaitAttempts; attempt++ {
		if check(ctx) {
			return nil
		}
		if attempt == nativeWaitAttempts {
			break
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("wait for container %s: %w", h.name, ctx.Err())
		case <-time.After(nativeWaitDelay):
		}
	}
	return fmt.Errorf("container %s did not become reachable within %v", h.name, time.Duration(nativeWaitAttempts)*nativeWaitDelay)
}

// execCheck runs a command inside the container and reports exit code zero.
func (d *DockerBackend) execCheck(ctx context.Context, containerID string, argv []string) bool {
	created, err := d.api.ContainerExecCreate(ctx, containerID, container.ExecOptions{Cmd: argv})
	if err != nil {
		return false
	}
	if err := d.api.ContainerExecStart(ctx, created.ID, container.ExecStartOptions{}); err != nil {
		return false
	}
	// The exec runs detached; poll briefly for completion.
	for i := 0; i < 10; i++ {
		inspect, err := d.api.ContainerExecInspect(ctx, created.ID)
		if err != nil {
			return false
		}
		if !inspect.Running {
			return inspect.ExitCode == 0
		}
		select {
		case <-ctx.Done():
			return false
		case <-time.After(100 * time.Millisecond):
		}
	}
	return false
}

func dialCheck(ctx context.Context, addr string) bool {
	dialer := &net.Dialer{Timeout: 2 * time.Second}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return false
	}
	conn.Close()
	return true
}

// Stop gracefully stops the container, then force-removes it with its
// volumes. Remove failures after a successful stop are reported.
func (d *DockerBackend) Stop(ctx context.Context, h Handle) error {
	ch, ok := h.(*containerHandle)
	if !ok {
		return fmt.Errorf("foreign handle %T", h)
	}

	timeout := containerStopTimeoutSec
	if err := d.api.ContainerStop(ctx, ch.id, container.StopOptions{Timeout: &timeout}); err != nil && !errdefs.IsNotFound(err) {
		logging.Warn("DockerBackend", "Graceful stop of %s failed, force-removing: %v", ch.name, err)
	}
	if err := d.api.ContainerRemove(ctx, ch.id, container.RemoveOptions{Force: true, RemoveVolumes: true}); err != nil && !errdefs.IsNotFound(err) {
		return fmt.Errorf("remove container %s: %w", ch.name, err)
	}

	publish(d.events, Event{Service: ch.name, Kind: EventExited})
	logging.Info("DockerBackend", "Stopped container %s", ch.name)
	return nil
}

// Host returns the address containers are reachable on. Ports are bound to
// loopback only.
func (d *DockerBackend) Host(Handle) string {
	return "127.0.0.1"
}

// MappedPort returns the host port bound for a declared container port.
func (d *DockerBackend) MappedPort(_ context.Context, h Handle, declared int) (int, error) {
	ch, ok := h.(*containerHandle)
	if !ok {
		return 0, fmt.Errorf("foreign handle %T", h)
	}
	port, ok := ch.ports[declared]
	if !ok {
		return 0, fmt.Errorf("container %s declares no port %d", ch.name, declared)
	}
	return port, nil
}

func shortID(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}
