package orchestrator

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"testenvctl/pkg/logging"
)

// For mocking in tests
var osExit = os.Exit

// InstallSignalHandler routes SIGINT and SIGTERM through the environment's
// stop path exactly once. A second signal while stop is in progress forces
// an immediate exit with code 130 instead of queuing another graceful
// teardown. The returned function releases the handler.
func (w *WorkerEnvironment) InstallSignalHandler(ctx context.Context, done chan<- error) func() {
	sigs := make(chan os.Signal, 2)
	signal.Notify(sigs, os.Interrupt, syscall.SIGTERM)

	go func() {
		select {
		case sig := <-sigs:
			logging.Info("Orchestrator", "Received %s, stopping environment", sig)
			go func() {
				err := w.Stop(context.Background())
				if done != nil {
					done <- err
				}
			}()
			// A second signal means the user is done waiting.
			<-sigs
			logging.Warn("Orchestrator", "Second signal received, exiting immediately")
			osExit(130)
		case <-ctx.Done():
		}
	}()

	return func() { signal.Stop(sigs) }
}
