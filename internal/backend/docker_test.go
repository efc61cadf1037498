package backend

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"testing"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/errdefs"
	"github.com/docker/go-connections/nat"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"testenvctl/internal/config"
)

const fakeContainerID = "abcdef0123456789"

// fakeDocker is a hand-rolled stand-in for the Docker Engine client. It
// answers the happy path by default; individual tests flip its knobs.
type fakeDocker struct {
	staleExists  bool
	createErrs   []error // popped per create call
	startErr     error
	boundPort    int
	execExitCode int
	execRunning  bool
	stopErr      error
	removeErr    error
	inspectErr   error

	createdNames []string
	createdCfg   *container.Config
	removed      []string
	stopped      []string
	execCmds     [][]string
}

func (f *fakeDocker) ContainerCreate(_ context.Context, cfg *container.Config, _ *container.HostConfig, _ *network.NetworkingConfig, _ *ocispec.Platform, name string) (container.CreateResponse, error) {
	if len(f.createErrs) > 0 {
		err := f.createErrs[0]
		f.createErrs = f.createErrs[1:]
		if err != nil {
			return container.CreateResponse{}, err
		}
	}
	f.createdNames = append(f.createdNames, name)
	f.createdCfg = cfg
	return container.CreateResponse{ID: fakeContainerID}, nil
}

func (f *fakeDocker) ContainerStart(_ context.Context, _ string, _ container.StartOptions) error {
	return f.startErr
}

func (f *fakeDocker) ContainerInspect(_ context.Context, ref string) (types.ContainerJSON, error) {
	if f.inspectErr != nil {
		return types.ContainerJSON{}, f.inspectErr
	}
	if ref != fakeContainerID {
		// Inspect by name: the stale-container check.
		if f.staleExists {
			f.staleExists = false
			return types.ContainerJSON{}, nil
		}
		return types.ContainerJSON{}, errdefs.NotFound(errors.New("no such container"))
	}

	ports := nat.PortMap{}
	if f.boundPort > 0 {
		for _, declared := range []int{5432, 6379, 8080} {
			ports[nat.Port(fmt.Sprintf("%d/tcp", declared))] = []nat.PortBinding{
				{HostIP: "127.0.0.1", HostPort: strconv.Itoa(f.boundPort)},
			}
		}
	}
	return types.ContainerJSON{
		NetworkSettings: &types.NetworkSettings{
			NetworkSettingsBase: types.NetworkSettingsBase{Ports: ports},
		},
	}, nil
}

func (f *fakeDocker) ContainerStop(_ context.Context, id string, _ container.StopOptions) error {
	f.stopped = append(f.stopped, id)
	return f.stopErr
}

func (f *fakeDocker) ContainerRemove(_ context.Context, id string, _ container.RemoveOptions) error {
	f.removed = append(f.removed, id)
	return f.removeErr
}

func (f *fakeDocker) ContainerExecCreate(_ context.Context, _ string, opts container.ExecOptions) (types.IDResponse, error) {
	f.execCmds = append(f.execCmds, opts.Cmd)
	return types.IDResponse{ID: "exec-1"}, nil
}

func (f *fakeDocker) ContainerExecStart(_ context.Context, _ string, _ container.ExecStartOptions) error {
	return nil
}

func (f *fakeDocker) ContainerExecInspect(_ context.Context, _ string) (container.ExecInspect, error) {
	return container.ExecInspect{Running: f.execRunning, ExitCode: f.execExitCode}, nil
}

func cacheSpec() StartSpec {
	return StartSpec{
		UniqueName: "redis-w1",
		Spec: config.ServiceSpec{
			Name:     "redis",
			Category: config.CategoryCache,
			Mode:     config.BackendContainer,
			Image:    "redis:7",
			Ports:    []int{6379},
		},
		Env: []string{"FOO=bar"},
	}
}

func TestDockerBackend_StartHappyPath(t *testing.T) {
	fake := &fakeDocker{boundPort: 55001}
	d := newDockerBackend(fake, "w1")

	h, err := d.Start(context.Background(), cacheSpec())
	require.NoError(t, err)
	assert.Equal(t, fakeContainerID, h.ID())

	require.Len(t, fake.createdNames, 1)
	assert.Equal(t, "redis-w1", fake.createdNames[0], "container carries the worker-scoped name")
	assert.Equal(t, "w1", fake.createdCfg.Labels[LabelWorker])
	assert.Equal(t, "redis", fake.createdCfg.Labels[LabelService])
	assert.Contains(t, fake.createdCfg.Env, "FOO=bar")

	// Cache category pings through redis-cli inside the container.
	require.NotEmpty(t, fake.execCmds)
	assert.Equal(t, []string{"redis-cli", "ping"}, fake.execCmds[0])

	port, err := d.MappedPort(context.Background(), h, 6379)
	require.NoError(t, err)
	assert.Equal(t, 55001, port)
	assert.Equal(t, "127.0.0.1", d.Host(h))

	select {
	case ev := <-d.Events():
		assert.Equal(t, EventStarted, ev.Kind)
		assert.Equal(t, "redis-w1", ev.Service)
	default:
		t.Fatal("no start event published")
	}
}

func TestDockerBackend_StartRemovesStaleContainer(t *testing.T) {
	fake := &fakeDocker{boundPort: 55002, staleExists: true}
	d := newDockerBackend(fake, "w1")

	_, err := d.Start(context.Background(), cacheSpec())
	require.NoError(t, err)

	require.NotEmpty(t, fake.removed)
	assert.Equal(t, "redis-w1", fake.removed[0], "stale container removed by name before create")
}

func TestDockerBackend_StartRetriesOnNameConflict(t *testing.T) {
	fake := &fakeDocker{
		boundPort:  55003,
		createErrs: []error{errdefs.Conflict(errors.New("name already in use"))},
	}
	d := newDockerBackend(fake, "w1")

	_, err := d.Start(context.Background(), cacheSpec())
	require.NoError(t, err)

	assert.Contains(t, fake.removed, "redis-w1")
	require.Len(t, fake.createdNames, 1, "second create succeeded")
}

func TestDockerBackend_StartFailureCleansUp(t *testing.T) {
	fake := &fakeDocker{boundPort: 55004, startErr: errors.New("cannot start")}
	d := newDockerBackend(fake, "w1")

	_, err := d.Start(context.Background(), cacheSpec())
	require.Error(t, err)
	assert.Contains(t, fake.removed, fakeContainerID, "failed container is removed")
}

func TestDockerBackend_StartDatabaseUsesPgIsready(t *testing.T) {
	fake := &fakeDocker{boundPort: 55005}
	d := newDockerBackend(fake, "w1")

	spec := StartSpec{
		UniqueName: "postgres-w1",
		Spec: config.ServiceSpec{
			Name:        "postgres",
			Category:    config.CategoryDatabase,
			Mode:        config.BackendContainer,
			Image:       "postgres:16",
			Ports:       []int{5432},
			Credentials: config.Credentials{Username: "test"},
		},
	}

	_, err := d.Start(context.Background(), spec)
	require.NoError(t, err)
	require.NotEmpty(t, fake.execCmds)
	assert.Equal(t, []string{"pg_isready", "-U", "test"}, fake.execCmds[0])
}

func TestDockerBackend_Stop(t *testing.T) {
	fake := &fakeDocker{boundPort: 55006}
	d := newDockerBackend(fake, "w1")

	h, err := d.Start(context.Background(), cacheSpec())
	require.NoError(t, err)
	<-d.Events() // drain the start event

	require.NoError(t, d.Stop(context.Background(), h))
	assert.Contains(t, fake.stopped, fakeContainerID)
	assert.Contains(t, fake.removed, fakeContainerID)

	select {
	case ev := <-d.Events():
		assert.Equal(t, EventExited, ev.Kind)
	default:
		t.Fatal("no exit event published")
	}
}

func TestDockerBackend_StopToleratesGone(t *testing.T) {
	fake := &fakeDocker{
		stopErr:   errdefs.NotFound(errors.New("gone")),
		removeErr: errdefs.NotFound(errors.New("gone")),
	}
	d := newDockerBackend(fake, "w1")

	err := d.Stop(context.Background(), &containerHandle{id: "dead", name: "redis-w1"})
	assert.NoError(t, err, "a container that is already gone is fine")
}

func TestDockerBackend_MappedPortUnknown(t *testing.T) {
	d := newDockerBackend(&fakeDocker{}, "w1")
	h := &containerHandle{id: "x", name: "redis-w1", ports: map[int]int{6379: 55000}}

	_, err := d.MappedPort(context.Background(), h, 9999)
	assert.Error(t, err)
}

func TestDockerBackend_ForeignHandles(t *testing.T) {
	d := newDockerBackend(&fakeDocker{}, "w1")

	assert.Error(t, d.Stop(context.Background(), fakeHandle("x")))
	_, err := d.MappedPort(context.Background(), fakeHandle("x"), 80)
	assert.Error(t, err)
}
