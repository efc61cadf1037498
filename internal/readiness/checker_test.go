package readiness

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"testenvctl/internal/config"
)

func probeSpec(probe *config.HealthProbe) config.ServiceSpec {
	return config.ServiceSpec{
		Name:     "api",
		Category: config.CategoryService,
		Probe:    probe,
	}
}

func hostPort(t *testing.T, server *httptest.Server) (string, int) {
	t.Helper()
	u, err := url.Parse(server.URL)
	require.NoError(t, err)
	port, err := strconv.Atoi(u.Port())
	require.NoError(t, err)
	return u.Hostname(), port
}

func TestWaitUntilReady_NoProbe(t *testing.T) {
	checker := NewChecker(nil)
	ready := checker.WaitUntilReady(context.Background(), probeSpec(nil), "127.0.0.1", 80)
	assert.True(t, ready, "a spec without a probe is ready immediately")
}

func TestWaitUntilReady_HTTPSuccess(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/healthz", r.URL.Path)
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()
	host, port := hostPort(t, server)

	spec := probeSpec(&config.HealthProbe{
		Path:     "/healthz",
		Timeout:  time.Second,
		Attempts: 3,
		Delay:    10 * time.Millisecond,
	})

	assert.True(t, NewChecker(nil).WaitUntilReady(context.Background(), spec, host, port))
}

func TestWaitUntilReady_HTTPRetriesUntilReady(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}))
	defer server.Close()
	host, port := hostPort(t, server)

	spec := probeSpec(&config.HealthProbe{
		Path:     "/healthz",
		Timeout:  time.Second,
		Attempts: 5,
		Delay:    5 * time.Millisecond,
	})

	assert.True(t, NewChecker(nil).WaitUntilReady(context.Background(), spec, host, port))
	assert.Equal(t, int32(3), calls.Load())
}

func TestWaitUntilReady_AttemptsExhausted(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()
	host, port := hostPort(t, server)

	spec := probeSpec(&config.HealthProbe{
		Path:     "/healthz",
		Timeout:  time.Second,
		Attempts: 2,
		Delay:    5 * time.Millisecond,
	})

	assert.False(t, NewChecker(nil).WaitUntilReady(context.Background(), spec, host, port))
}

func TestWaitUntilReady_ConnectionRefused(t *testing.T) {
	spec := probeSpec(&config.HealthProbe{
		Path:     "/healthz",
		Timeout:  200 * time.Millisecond,
		Attempts: 2,
		Delay:    5 * time.Millisecond,
	})

	// Port 1 on loopback refuses; must come back false, not error or hang.
	assert.False(t, NewChecker(nil).WaitUntilReady(context.Background(), spec, "127.0.0.1", 1))
}

func TestWaitUntilReady_CommandProbe(t *testing.T) {
	original := runProbeCommand
	defer func() { runProbeCommand = original }()

	var calls atomic.Int32
	var gotArgv []string
	runProbeCommand = func(ctx context.Context, argv []string) error {
		gotArgv = argv
		if calls.Add(1) < 2 {
			return errors.New("exit status 1")
		}
		return nil
	}

	spec := probeSpec(&config.HealthProbe{
		Command:  []string{"pg_isready", "-U", "test"},
		Timeout:  time.Second,
		Attempts: 3,
		Delay:    time.Millisecond,
	})

	assert.True(t, NewChecker(nil).WaitUntilReady(context.Background(), spec, "127.0.0.1", 5432))
	assert.Equal(t, int32(2), calls.Load())
	assert.Equal(t, []string{"pg_isready", "-U", "test"}, gotArgv)
}

func TestWaitUntilReady_ContextCancelled(t *testing.T) {
	original := runProbeCommand
	defer func() { runProbeCommand = original }()
	runProbeCommand = func(ctx context.Context, argv []string) error {
		return errors.New("not yet")
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	spec := probeSpec(&config.HealthProbe{
		Command:  []string{"false"},
		Timeout:  time.Second,
		Attempts: 100,
		Delay:    time.Hour, // cancelled context must short-circuit the delay
	})

	done := make(chan bool, 1)
	go func() {
		done <- NewChecker(nil).WaitUntilReady(ctx, spec, "127.0.0.1", 1)
	}()

	select {
	case ready := <-done:
		assert.False(t, ready)
	case <-time.After(2 * time.Second):
		t.Fatal("WaitUntilReady did not honor context cancellation")
	}
}
