package cmd

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"testenvctl/internal/statusserver"
)

func newWaitCmd() *cobra.Command {
	var timeout time.Duration

	cmd := &cobra.Command{
		Use:   "wait",
		Short: "Wait until a worker's environment reports ready",
		Long: `Polls the environment's status coordination server until every
component is ready or the timeout elapses. Exits zero when ready,
non-zero otherwise, so shell scripts can gate on it.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			status := statusserver.WaitForReady(cmd.Context(), statusDir(), flagWorker, timeout)
			if !status.Ready {
				return fmt.Errorf("environment for worker %s not ready after %s (%d/%d components)",
					flagWorker, timeout, status.ReadyComponents, status.TotalComponents)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "environment for worker %s is ready (%d components)\n",
				flagWorker, status.TotalComponents)
			return nil
		},
	}

	cmd.Flags().DurationVar(&timeout, "timeout", 2*time.Minute, "how long to wait")
	return cmd
}
