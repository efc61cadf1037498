package cmd

import (
	"errors"
	"fmt"
	"os"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"testenvctl/internal/config"
	"testenvctl/internal/statusserver"
)

func newDownCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "down",
		Short: "Stop an environment started by another process",
		Long: `Locates the worker's environment through its discovery record and asks
the owning process to shut down gracefully. The owning process routes
the signal through its normal teardown path.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			dir := statusDir()

			rec, err := statusserver.ReadDiscoveryRecord(dir, flagWorker)
			if err != nil {
				if errors.Is(err, statusserver.ErrNoEnvironment) {
					fmt.Fprintf(cmd.OutOrStdout(), "no environment found for worker %s\n", flagWorker)
					return nil
				}
				return err
			}

			proc, err := os.FindProcess(rec.PID)
			if err != nil {
				return fmt.Errorf("find owning process %d: %w", rec.PID, err)
			}
			if err := proc.Signal(syscall.SIGTERM); err != nil {
				return fmt.Errorf("signal owning process %d: %w", rec.PID, err)
			}

			// The owner removes the discovery record as its last act.
			for i := 0; i < 60; i++ {
				if _, err := statusserver.ReadDiscoveryRecord(dir, flagWorker); errors.Is(err, statusserver.ErrNoEnvironment) {
					fmt.Fprintf(cmd.OutOrStdout(), "environment for worker %s stopped\n", flagWorker)
					return nil
				}
				time.Sleep(500 * time.Millisecond)
			}
			return fmt.Errorf("environment for worker %s did not stop in time", flagWorker)
		},
	}
}

// statusDir resolves the discovery directory: the environment definition's
// setting when the file loads, the default otherwise.
func statusDir() string {
	if env, err := config.Load(flagConfig); err == nil && env.Settings.StatusDir != "" {
		return env.Settings.StatusDir
	}
	return config.DefaultStatusDir()
}
