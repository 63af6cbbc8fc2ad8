package cmd

import (
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	x402http "github.com/x402-foundation/paygate/http"
	"github.com/x402-foundation/paygate/idempotency"
	"github.com/x402-foundation/paygate/internal/config"
)

var facilitatorCmd = &cobra.Command{
	Use:   "facilitator",
	Short: "Run a settlement facilitator",
	Long: `Expose /verify, /settle and /supported over the configured settlement
mode so several resource servers can share one settlement account.

Settlement is idempotent per proof: a retried /settle returns the first
record instead of submitting a second transfer.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		log := logger.Component("facilitator")
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		if cfg.Settlement.Mode == config.ModeRemote {
			log.Warn("facilitator is forwarding to another facilitator")
		}
		verifier, err := newSettlementVerifier(cfg.Settlement, log)
		if err != nil {
			return err
		}

		authenticator, closeAuth, err := newAuthenticator(ctx, cfg.Facilitator)
		if err != nil {
			return err
		}
		defer closeAuth()

		opts := []x402http.FacilitatorHandlerOption{
			x402http.WithSupported(supportedKinds(cfg.Facilitator.Networks)...),
			x402http.WithHandlerLogger(log),
		}
		if authenticator != nil {
			opts = append(opts, x402http.WithAuthenticator(authenticator))
		}
		handler := x402http.NewFacilitatorHandler(
			idempotency.Wrap(verifier, idempotency.WithTTL(cfg.Store.SettledTTL)),
			opts...,
		)

		srv := &http.Server{
			Addr:    cfg.Facilitator.Addr,
			Handler: handler,
		}
		return serveUntilDone(ctx, srv, cfg.Server.ShutdownTimeout, log)
	},
}

func init() {
	rootCmd.AddCommand(facilitatorCmd)
}
