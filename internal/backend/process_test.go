package backend

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"testenvctl/internal/config"
)

func startProcess(t *testing.T, p *ProcessBackend, name string, argv ...string) Handle {
	t.Helper()
	h, err := p.Start(context.Background(), StartSpec{
		UniqueName: name,
		Spec: config.ServiceSpec{
			Name:     name,
			Category: config.CategoryService,
			Mode:     config.BackendLocalProcess,
			Command:  argv,
		},
	})
	require.NoError(t, err)
	return h
}

func collectEvents(p *ProcessBackend, name string, until EventKind, timeout time.Duration) []Event {
	deadline := time.After(timeout)
	var out []Event
	for {
		select {
		case ev := <-p.Events():
			if ev.Service != name {
				continue
			}
			out = append(out, ev)
			if ev.Kind == until {
				return out
			}
		case <-deadline:
			return out
		}
	}
}

func TestProcessBackend_StartAndExit(t *testing.T) {
	p := NewProcessBackend()
	h := startProcess(t, p, "echo-main", "sh", "-c", "echo hello out; echo hello err >&2")

	assert.NotEmpty(t, h.ID())
	assert.Equal(t, "127.0.0.1", p.Host(h))

	events := collectEvents(p, "echo-main", EventExited, 5*time.Second)
	require.NotEmpty(t, events)

	var sawStart, sawStdout, sawStderr, sawExit bool
	for _, ev := range events {
		switch ev.Kind {
		case EventStarted:
			sawStart = true
		case EventLog:
			if ev.Stream == "stdout" && ev.Line == "hello out" {
				sawStdout = true
			}
			if ev.Stream == "stderr" && ev.Line == "hello err" {
				sawStderr = true
			}
		case EventExited:
			sawExit = true
			assert.NoError(t, ev.Err, "clean exit carries no error")
		}
	}
	assert.True(t, sawStart)
	assert.True(t, sawStdout)
	assert.True(t, sawStderr)
	assert.True(t, sawExit)
}

func TestProcessBackend_AbnormalExitCarriesError(t *testing.T) {
	p := NewProcessBackend()
	startProcess(t, p, "fail-main", "sh", "-c", "exit 3")

	events := collectEvents(p, "fail-main", EventExited, 5*time.Second)
	require.NotEmpty(t, events)
	last := events[len(events)-1]
	require.Equal(t, EventExited, last.Kind)
	assert.Error(t, last.Err)
}

func TestProcessBackend_StartUnknownCommand(t *testing.T) {
	p := NewProcessBackend()
	_, err := p.Start(context.Background(), StartSpec{
		UniqueName: "missing-main",
		Spec: config.ServiceSpec{
			Name:    "missing",
			Mode:    config.BackendLocalProcess,
			Command: []string{"/nonexistent/binary"},
		},
	})
	assert.Error(t, err)
}

func TestProcessBackend_EnvPassedToChild(t *testing.T) {
	p := NewProcessBackend()
	h, err := p.Start(context.Background(), StartSpec{
		UniqueName: "env-main",
		Spec: config.ServiceSpec{
			Name:    "env",
			Mode:    config.BackendLocalProcess,
			Command: []string{"sh", "-c", "echo $GREETING"},
		},
		Env: []string{"GREETING=bonjour"},
	})
	require.NoError(t, err)
	_ = h

	events := collectEvents(p, "env-main", EventExited, 5*time.Second)
	var sawLine bool
	for _, ev := range events {
		if ev.Kind == EventLog && ev.Line == "bonjour" {
			sawLine = true
		}
	}
	assert.True(t, sawLine, "child did not receive the merged environment")
}

func TestProcessBackend_StopGraceful(t *testing.T) {
	p := NewProcessBackend()
	// Sleep handles SIGTERM by dying, which is the graceful path.
	h := startProcess(t, p, "sleeper-main", "sleep", "60")

	start := time.Now()
	require.NoError(t, p.Stop(context.Background(), h))
	assert.Less(t, time.Since(start), 10*time.Second)
}

func TestProcessBackend_StopEscalatesToKill(t *testing.T) {
	origAttempts, origInterval := stopPollAttempts, stopPollInterval
	stopPollAttempts, stopPollInterval = 3, 20*time.Millisecond
	defer func() { stopPollAttempts, stopPollInterval = origAttempts, origInterval }()

	p := NewProcessBackend()
	h := startProcess(t, p, "stubborn-main", "sh", "-c", `trap "" TERM; echo armed; while :; do sleep 0.2; done`)

	// Wait until the shell reports its TERM trap is installed, otherwise
	// the signal below could still take the graceful path.
	armed := time.After(5 * time.Second)
waitArmed:
	for {
		select {
		case ev := <-p.Events():
			if ev.Kind == EventLog && ev.Line == "armed" {
				break waitArmed
			}
		case <-armed:
			t.Fatal("child never armed its TERM trap")
		}
	}

	start := time.Now()
	require.NoError(t, p.Stop(context.Background(), h), "stop succeeds through the forced path")
	assert.Less(t, time.Since(start), killWaitTimeout, "one bounded escalation, no open-ended wait")

	events := collectEvents(p, "stubborn-main", EventExited, 5*time.Second)
	require.NotEmpty(t, events)
	last := events[len(events)-1]
	require.Equal(t, EventExited, last.Kind)
	assert.Error(t, last.Err, "a killed process does not exit cleanly")
}

func TestProcessBackend_StopAfterExit(t *testing.T) {
	p := NewProcessBackend()
	h := startProcess(t, p, "quick-main", "true")

	collectEvents(p, "quick-main", EventExited, 5*time.Second)
	assert.NoError(t, p.Stop(context.Background(), h), "stopping an exited process is a no-op")
}

func TestProcessBackend_StopForeignHandle(t *testing.T) {
	p := NewProcessBackend()
	err := p.Stop(context.Background(), fakeHandle("x"))
	assert.Error(t, err)
}

func TestProcessBackend_MappedPortIdentity(t *testing.T) {
	p := NewProcessBackend()
	port, err := p.MappedPort(context.Background(), nil, 8080)
	require.NoError(t, err)
	assert.Equal(t, 8080, port)
}

type fakeHandle string

func (f fakeHandle) ID() string { return string(f) }
