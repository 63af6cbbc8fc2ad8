// Package cmd holds the paygate cobra commands.
package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/x402-foundation/paygate/internal/config"
	"github.com/x402-foundation/paygate/internal/logging"
)

var (
	configPath string
	envFile    string
	cfg        *config.Config
	logger     *logging.Logger
)

var rootCmd = &cobra.Command{
	Use:   "paygate",
	Short: "HTTP 402 payment gateway",
	Long: `paygate gates HTTP resources behind the x402 payment handshake.

It can run a paid resource server, a settlement facilitator shared by
several servers, or fetch a paid resource as a requester.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if cmd.Name() == "version" {
			return nil
		}

		var envFiles []string
		if envFile != "" {
			envFiles = append(envFiles, envFile)
		}
		loaded, err := config.Load(configPath, envFiles...)
		if err != nil {
			return err
		}
		if err := loaded.Validate(); err != nil {
			return fmt.Errorf("invalid configuration:\n%w", err)
		}
		cfg = loaded

		logger, err = logging.New(logging.Options{
			Level:  cfg.Log.Level,
			Format: cfg.Log.Format,
			File:   cfg.Log.File,
		})
		return err
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logger != nil {
			logger.Close()
		}
	},
}

// Execute runs the root command
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "config file path (YAML)")
	rootCmd.PersistentFlags().StringVar(&envFile, "env-file", "", "env file to load (defaults to .env)")
}
