package statusserver

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"

	"testenvctl/pkg/logging"
)

// ReadyEnvVar short-circuits the status client: "1"/"true" means ready,
// "0"/"false" means not ready, unset means use discovery. The orchestrator
// sets it in-process after a successful start so single-process CI runs
// never need the server.
const ReadyEnvVar = "TESTENVCTL_ENV_READY"

const pollInterval = 500 * time.Millisecond

// ReadStatus performs a one-shot status query against the environment a
// discovery record points at. ErrNoEnvironment means no live environment
// could be found; the caller treats that as not ready.
func ReadStatus(ctx context.Context, dir, workerID string) (EnvironmentStatus, error) {
	if status, ok := statusFromEnv(); ok {
		return status, nil
	}

	rec, err := ReadDiscoveryRecord(dir, workerID)
	if err != nil {
		return EnvironmentStatus{}, err
	}
	return queryStatus(ctx, rec.Port)
}

// WaitForReady polls the environment status until it reports ready or the
// timeout elapses, returning the best-known status either way. It never
// returns an error: a missing or unreachable environment simply yields a
// zero, not-ready status, and the caller decides how to proceed. While the
// discovery record does not yet exist the discovery directory is watched so
// the wait also works when the client starts before the environment does.
func WaitForReady(ctx context.Context, dir, workerID string, timeout time.Duration) EnvironmentStatus {
	if status, ok := statusFromEnv(); ok {
		return status
	}

	deadline := time.Now().Add(timeout)
	waitCtx, cancel := context.WithDeadline(ctx, deadline)
	defer cancel()

	// One relay serves the whole wait; closing the watcher ends it.
	watcher := watchDiscoveryDir(dir)
	var events chan struct{}
	if watcher != nil {
		defer watcher.Close()
		events = relayRecordEvents(watcher, DiscoveryPath(dir, workerID))
	}

	var last EnvironmentStatus
	for {
		rec, err := ReadDiscoveryRecord(dir, workerID)
		if err == nil {
			status, qerr := queryStatus(waitCtx, rec.Port)
			if qerr == nil {
				last = status
				if status.Ready {
					return status
				}
			} else {
				logging.Debug("StatusClient", "Status query failed: %v", qerr)
			}
		}

		if time.Now().After(deadline) {
			return last
		}

		// Between polls, wake early if the discovery record appears.
		select {
		case <-waitCtx.Done():
			return last
		case <-events:
		case <-time.After(pollInterval):
		}
	}
}

func statusFromEnv() (EnvironmentStatus, bool) {
	val, set := os.LookupEnv(ReadyEnvVar)
	if !set {
		return EnvironmentStatus{}, false
	}
	switch strings.ToLower(strings.TrimSpace(val)) {
	case "1", "true":
		return EnvironmentStatus{Ready: true}, true
	default:
		return EnvironmentStatus{Ready: false}, true
	}
}

func queryStatus(ctx context.Context, port int) (EnvironmentStatus, error) {
	url := fmt.Sprintf("http://127.0.0.1:%d/status", port)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return EnvironmentStatus{}, err
	}
	client := &http.Client{Timeout: 2 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		return EnvironmentStatus{}, fmt.Errorf("query status server: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return EnvironmentStatus{}, fmt.Errorf("status server returned %d", resp.StatusCode)
	}
	var status EnvironmentStatus
	if err := json.NewDecoder(resp.Body).Decode(&status); err != nil {
		return EnvironmentStatus{}, fmt.Errorf("decode status: %w", err)
	}
	return status, nil
}

// watchDiscoveryDir sets up an fsnotify watch on the discovery directory.
// Returns nil when the watch cannot be established; callers fall back to
// plain polling.
func watchDiscoveryDir(dir string) *fsnotify.Watcher {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil
	}
	if err := watcher.Add(dir); err != nil {
		watcher.Close()
		return nil
	}
	return watcher
}

// relayRecordEvents signals whenever the discovery record is created or
// written, until the watcher is closed. Other events and watch errors are
// discarded. The signal channel holds one pending wake-up at most, so an
// unread signal never blocks the relay.
func relayRecordEvents(watcher *fsnotify.Watcher, path string) chan struct{} {
	signal := make(chan struct{}, 1)
	go func() {
		for {
			select {
			case ev, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(ev.Name) == filepath.Clean(path) && ev.Op&(fsnotify.Create|fsnotify.Write) != 0 {
					select {
					case signal <- struct{}{}:
					default:
					}
				}
			case _, ok := <-watcher.Errors:
				if !ok {
					return
				}
			}
		}
	}()
	return signal
}
