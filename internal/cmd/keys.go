package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	x402http "github.com/x402-foundation/paygate/http"
)

var keyLabel string

var keysCmd = &cobra.Command{
	Use:   "keys",
	Short: "Manage facilitator API keys (facilitator.keys_dsn)",
}

var keysAddCmd = &cobra.Command{
	Use:   "add <key>",
	Short: "Allow an API key",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		db, err := openKeysDB(cmd.Context(), cfg.Facilitator.KeysDSN)
		if err != nil {
			return err
		}
		defer db.Close()

		if err := x402http.AddAPIKey(cmd.Context(), db, args[0], keyLabel); err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), "key added")
		return nil
	},
}

var keysRevokeCmd = &cobra.Command{
	Use:   "revoke <key>",
	Short: "Revoke an API key",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		db, err := openKeysDB(cmd.Context(), cfg.Facilitator.KeysDSN)
		if err != nil {
			return err
		}
		defer db.Close()

		revoked, err := x402http.RevokeAPIKey(cmd.Context(), db, args[0])
		if err != nil {
			return err
		}
		if !revoked {
			return fmt.Errorf("no live key matched")
		}
		fmt.Fprintln(cmd.OutOrStdout(), "key revoked")
		return nil
	},
}

func init() {
	keysAddCmd.Flags().StringVar(&keyLabel, "label", "", "label stored with the key")
	keysCmd.AddCommand(keysAddCmd, keysRevokeCmd)
	rootCmd.AddCommand(keysCmd)
}
