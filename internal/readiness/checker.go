// Package readiness polls service health probes on a bounded schedule.
// Probe failures (connection refused, non-2xx, non-zero exit) are expected
// and count as not-ready; only exhausting all attempts makes the overall
// wait fail, and even then the result is a boolean for the caller to judge.
package readiness

import (
	"context"
	"fmt"
	"net/http"
	"os/exec"
	"time"

	"testenvctl/internal/config"
	"testenvctl/pkg/logging"
)

// For mocking in tests
var runProbeCommand = func(ctx context.Context, argv []string) error {
	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	return cmd.Run()
}

// Checker polls HTTP and command probes. The zero value is not usable;
// create one with NewChecker.
type Checker struct {
	client *http.Client
}

// NewChecker creates a Checker. client may be nil, in which case a plain
// http.Client is used; the per-attempt timeout always comes from the probe.
func NewChecker(client *http.Client) *Checker {
	if client == nil {
		client = &http.Client{}
	}
	return &Checker{client: client}
}

// WaitUntilReady polls the spec's probe against the given host and actual
// port until it succeeds, the attempts are exhausted, or ctx is cancelled.
// It never returns an error: false simply means "not ready within bounds"
// and the caller decides whether that is fatal. A spec without a probe is
// considered ready immediately.
func (c *Checker) WaitUntilReady(ctx context.Context, spec config.ServiceSpec, host string, port int) bool {
	probe := spec.Probe
	if probe == nil {
		return true
	}

	for attempt := 1; attempt <= probe.Attempts; attempt++ {
		if c.probeOnce(ctx, spec, probe, host, port) {
			logging.Debug("Readiness", "Service %s ready after %d attempt(s)", spec.Name, attempt)
			return true
		}
		if attempt == probe.Attempts {
			break
		}
		select {
		case <-ctx.Done():
			return false
		case <-time.After(probe.Delay):
		}
	}

	logging.Warn("Readiness", "Service %s not ready after %d attempts", spec.Name, probe.Attempts)
	return false
}

func (c *Checker) probeOnce(ctx context.Context, spec config.ServiceSpec, probe *config.HealthProbe, host string, port int) bool {
	attemptCtx, cancel := context.WithTimeout(ctx, probe.Timeout)
	defer cancel()

	if len(probe.Command) > 0 {
		if err := runProbeCommand(attemptCtx, probe.Command); err != nil {
			logging.Debug("Readiness", "Probe command for %s failed: %v", spec.Name, err)
			return false
		}
		return true
	}

	url := fmt.Sprintf("http://%s:%d%s", host, port, probe.Path)
	req, err := http.NewRequestWithContext(attemptCtx, http.MethodGet, url, nil)
	if err != nil {
		logging.Debug("Readiness", "Probe request for %s invalid: %v", spec.Name, err)
		return false
	}
	resp, err := c.client.Do(req)
	if err != nil {
		// Connection refused while the service boots is the normal case.
		return false
	}
	defer resp.Body.Close()
	return resp.StatusCode >= 200 && resp.StatusCode < 300
}
