// Package cli is the jobsagent command tree.
package cli

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

var (
	cfgPath string
	envFile string
)

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "jobsagent",
		Short: "Job executor agent that reports execution results to admin endpoints",
		Long: `jobsagent queues job execution results and delivers them in batches to every
configured admin endpoint, retrying failed deliveries in the background.`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if err := godotenv.Load(envFile); err != nil && !os.IsNotExist(err) {
				return fmt.Errorf("load %s: %w", envFile, err)
			}
			return nil
		},
	}
	root.PersistentFlags().StringVar(&cfgPath, "config", "./config.yaml", "config file (json, yaml or toml)")
	root.PersistentFlags().StringVar(&envFile, "env-file", ".env", "dotenv file loaded before the config (missing is fine)")

	root.AddCommand(newRunCmd())
	root.AddCommand(newPendingCmd())
	return root
}

func Execute() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "fatal:", err)
		os.Exit(1)
	}
}
