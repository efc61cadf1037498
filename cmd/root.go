package cmd

import (
	"os"

	"github.com/spf13/cobra"

	"testenvctl/pkg/logging"
)

var (
	flagConfig   string
	flagWorker   string
	flagLogLevel string
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "testenvctl",
	Short: "Provision ephemeral, isolated test environments",
	Long: `testenvctl starts application services together with their real
database/cache/broker dependencies in ephemeral, per-worker isolated
environments, so integration tests run against real dependencies
instead of mocks.`,
	// SilenceUsage prevents printing the usage message on errors we
	// handle ourselves (failed startups, missing environments).
	SilenceUsage: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		logging.Init(logging.ParseLevel(flagLogLevel), os.Stderr, false)
	},
}

// SetVersion sets the version for the root command
func SetVersion(v string) {
	rootCmd.Version = v
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the rootCmd.
func Execute() {
	rootCmd.SetVersionTemplate(`{{printf "testenvctl version %s\n" .Version}}`)

	if err := rootCmd.Execute(); err != nil {
		// Cobra prints the error, we just exit non-zero
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&flagConfig, "config", "c", "testenv.yaml", "environment definition file (.yaml, .yml or .toml)")
	rootCmd.PersistentFlags().StringVarP(&flagWorker, "worker", "w", "main", "worker id namespacing every resource")
	rootCmd.PersistentFlags().StringVar(&flagLogLevel, "log-level", "info", "log level (debug, info, warn, error)")

	rootCmd.AddCommand(newUpCmd())
	rootCmd.AddCommand(newDownCmd())
	rootCmd.AddCommand(newStatusCmd())
	rootCmd.AddCommand(newWaitCmd())
	rootCmd.AddCommand(newVersionCmd())
}
