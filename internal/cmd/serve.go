package cmd

import (
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	x402 "github.com/x402-foundation/paygate"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the configured resources behind the payment handshake",
	Long: `Serve every configured resource whose id is a path (e.g. /weather) as a
GET endpoint. Unpaid requests receive 402 with a challenge; paid requests are
settled through the configured settlement mode before the body is returned.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		log := logger.Component("provider")
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		store, closeStore, err := openStore(cfg.Store)
		if err != nil {
			return err
		}
		defer closeStore()
		go sweepStore(ctx, store, sweepInterval, log)

		verifier, err := newSettlementVerifier(cfg.Settlement, log)
		if err != nil {
			return err
		}

		provider := x402.NewProvider(store, verifier, x402.NewStaticPricing(cfg.Resources),
			x402.WithLogger(log),
			x402.WithSettledTTL(cfg.Store.SettledTTL),
			x402.WithSettleTimeout(cfg.Settlement.SettleTimeout),
		)
		provider.OnAfterSettle(func(hc x402.SettleResultContext) error {
			log.WithFields(logrus.Fields{
				"resource":   hc.Challenge.ResourceID,
				"payer":      hc.Record.Payer,
				"ledger_ref": hc.Record.LedgerRef,
			}).Info("payment settled")
			return nil
		})

		if len(cfg.Resources) == 0 {
			log.Warn("no resources configured; every path is free")
		}

		srv := &http.Server{
			Addr:    cfg.Server.Addr,
			Handler: newResourceRouter(provider, cfg.Resources, log),
		}
		return serveUntilDone(ctx, srv, cfg.Server.ShutdownTimeout, log)
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)
}
