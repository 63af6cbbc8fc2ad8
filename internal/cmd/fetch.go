package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/spf13/cobra"

	x402 "github.com/x402-foundation/paygate"
	x402http "github.com/x402-foundation/paygate/http"
	"github.com/x402-foundation/paygate/mechanisms/evm"
)

var (
	fetchMethod string
	fetchData   string
	fetchType   string
)

var fetchCmd = &cobra.Command{
	Use:   "fetch <url>",
	Short: "Fetch a paid resource, answering a 402 challenge",
	Long: `Request url and, when the server answers 402, sign the challenge with
the requester private key (PRIVATE_KEY) and retry with the proof. The body
is written to stdout and the settlement record to stderr.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		log := logger.Component("requester")
		if cfg.Requester.PrivateKey == "" {
			return fmt.Errorf("requester private key is required (requester.private_key or PRIVATE_KEY)")
		}
		signer, err := evm.NewSignerFromPrivateKey(cfg.Requester.PrivateKey)
		if err != nil {
			return err
		}
		maxAmount, err := cfg.Requester.ParseMaxAmount()
		if err != nil {
			return err
		}

		opts := []x402.RequesterOption{
			x402.WithMaxAttempts(cfg.Requester.MaxAttempts),
			x402.WithRequesterLogger(log),
		}
		if maxAmount != nil {
			opts = append(opts, x402.WithMaxAmount(maxAmount))
		}
		requester := x402.NewRequester(signer, opts...)

		ctx, cancel := context.WithTimeout(cmd.Context(), cfg.Requester.Timeout)
		defer cancel()

		var body *strings.Reader
		if fetchData != "" {
			body = strings.NewReader(fetchData)
		}
		req, err := newFetchRequest(ctx, fetchMethod, args[0], body, fetchType)
		if err != nil {
			return err
		}

		result, err := x402http.NewClient(requester, nil).Do(ctx, req)
		if err != nil {
			return err
		}

		if _, err := cmd.OutOrStdout().Write(result.Body); err != nil {
			return err
		}
		if result.Settlement != nil {
			out, _ := json.MarshalIndent(result.Settlement, "", "  ")
			fmt.Fprintf(cmd.ErrOrStderr(), "\nsettlement (%d attempts):\n%s\n", result.Attempts, out)
		}
		if result.StatusCode >= 400 {
			return fmt.Errorf("request failed with status %d", result.StatusCode)
		}
		return nil
	},
}

func newFetchRequest(ctx context.Context, method, url string, body *strings.Reader, contentType string) (*http.Request, error) {
	var req *http.Request
	var err error
	if body != nil {
		req, err = http.NewRequestWithContext(ctx, method, url, body)
	} else {
		req, err = http.NewRequestWithContext(ctx, method, url, nil)
	}
	if err != nil {
		return nil, err
	}
	if body != nil && contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	return req, nil
}

func init() {
	fetchCmd.Flags().StringVarP(&fetchMethod, "method", "X", http.MethodGet, "HTTP method")
	fetchCmd.Flags().StringVarP(&fetchData, "data", "d", "", "request body")
	fetchCmd.Flags().StringVar(&fetchType, "content-type", "application/json", "content type of --data")
	rootCmd.AddCommand(fetchCmd)
}
