package cmd

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"testenvctl/internal/config"
	"testenvctl/internal/orchestrator"
)

func newUpCmd() *cobra.Command {
	var fast bool

	cmd := &cobra.Command{
		Use:   "up",
		Short: "Start the environment and keep it running until interrupted",
		Long: `Loads the environment definition, starts infrastructure services in
dependency order, injects their connection info into application
services, and publishes readiness through the status coordination
server. The command blocks until it receives an interrupt or
termination signal, then tears everything down in reverse order.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			env, err := config.Load(flagConfig)
			if err != nil {
				return err
			}

			worker, err := orchestrator.New(orchestrator.Options{
				Environment: env,
				WorkerID:    flagWorker,
			})
			if err != nil {
				return err
			}

			ctx := cmd.Context()
			done := make(chan error, 1)
			release := worker.InstallSignalHandler(ctx, done)
			defer release()

			if err := worker.Start(ctx, fast); err != nil {
				return err
			}

			envCtx := worker.Context()
			for name, addr := range envCtx.AccessPoints {
				fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\n", name, addr)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "environment ready (worker %s), press Ctrl+C to stop\n", worker.WorkerID())

			select {
			case err := <-done:
				return err
			case <-ctx.Done():
				return worker.Stop(context.Background())
			}
		},
	}

	cmd.Flags().BoolVar(&fast, "fast", false, "skip readiness probes for faster iteration (weaker guarantees)")
	return cmd
}
