package cmd

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	_ "modernc.org/sqlite"

	x402 "github.com/x402-foundation/paygate"
	x402http "github.com/x402-foundation/paygate/http"
	x402gin "github.com/x402-foundation/paygate/http/gin"
	"github.com/x402-foundation/paygate/idempotency"
	"github.com/x402-foundation/paygate/internal/config"
	"github.com/x402-foundation/paygate/mechanisms/evm"
	"github.com/x402-foundation/paygate/test/mocks/autoapprove"
)

// sweepInterval is how often expired replay entries are purged
const sweepInterval = time.Minute

// openStore returns the configured replay store and its closer
func openStore(sc config.StoreConfig) (x402.ReplayStore, func() error, error) {
	switch sc.Driver {
	case config.StoreSQLite:
		store, err := idempotency.OpenSQLite(sc.DSN)
		if err != nil {
			return nil, nil, err
		}
		return store, store.Close, nil
	case config.StoreMemory, "":
		return idempotency.NewInMemoryStore(), func() error { return nil }, nil
	}
	return nil, nil, fmt.Errorf("unknown store driver %q", sc.Driver)
}

// sweepStore purges expired entries until ctx is done
func sweepStore(ctx context.Context, store x402.ReplayStore, interval time.Duration, log logrus.FieldLogger) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		switch s := store.(type) {
		case *idempotency.InMemoryStore:
			if n := s.Sweep(); n > 0 {
				log.WithField("removed", n).Debug("swept replay store")
			}
		case *idempotency.SQLStore:
			n, err := s.Sweep(ctx)
			if err != nil {
				log.WithError(err).Warn("failed to sweep replay store")
				continue
			}
			if n > 0 {
				log.WithField("removed", n).Debug("swept replay store")
			}
		default:
			return
		}
	}
}

// newSettlementVerifier selects local, remote or auto-approve settlement
func newSettlementVerifier(sc config.SettlementConfig, log logrus.FieldLogger) (x402.SettlementVerifier, error) {
	switch sc.Mode {
	case config.ModeLocal:
		ledger, err := evm.NewEthLedger(evm.LedgerConfig{
			RPCURL:      sc.RPCURL,
			ChainID:     sc.ChainID,
			PrivateKey:  sc.PrivateKey,
			GasLimitCap: sc.GasLimitCap,
		})
		if err != nil {
			return nil, err
		}
		log.WithField("account", ledger.Address()).Info("settling locally")
		return x402.NewLocalSettlementVerifier(evm.NewVerifier(), ledger), nil

	case config.ModeRemote:
		var auth x402http.AuthProvider
		switch {
		case sc.FacilitatorJWTSecret != "":
			auth = x402http.JWTAuth{Secret: []byte(sc.FacilitatorJWTSecret), Subject: sc.FacilitatorJWTSubject}
		case sc.FacilitatorAPIKey != "":
			auth = x402http.APIKeyAuth{Key: sc.FacilitatorAPIKey}
		}
		log.WithField("facilitator", sc.FacilitatorURL).Info("settling through facilitator")
		return x402http.NewFacilitatorClient(&x402http.FacilitatorConfig{
			URL:          sc.FacilitatorURL,
			AuthProvider: auth,
			Timeout:      sc.FacilitatorTimeout,
			RateLimit:    sc.RateLimit,
			RateBurst:    sc.RateBurst,
			Logger:       log,
		}), nil

	case config.ModeAutoApprove:
		log.Warn("auto-approve settlement enabled: proofs are not checked and nothing is settled")
		return autoapprove.NewVerifier(), nil
	}
	return nil, fmt.Errorf("unknown settlement mode %q", sc.Mode)
}

// newAuthenticator builds the facilitator server authenticator. A nil
// Authenticator leaves the endpoints open.
func newAuthenticator(ctx context.Context, fc config.FacilitatorConfig) (x402http.Authenticator, func() error, error) {
	noop := func() error { return nil }
	switch fc.Auth {
	case "", config.AuthNone:
		return nil, noop, nil
	case config.AuthStatic:
		return x402http.StaticKeyAuthenticator{Key: fc.APIKey}, noop, nil
	case config.AuthJWT:
		return x402http.JWTAuthenticator{Secret: []byte(fc.JWTSecret), Subject: fc.JWTSubject}, noop, nil
	case config.AuthSQL:
		db, err := openKeysDB(ctx, fc.KeysDSN)
		if err != nil {
			return nil, nil, err
		}
		return x402http.SQLKeyAuthenticator{DB: db}, db.Close, nil
	}
	return nil, nil, fmt.Errorf("unknown facilitator auth %q", fc.Auth)
}

// openKeysDB opens the sqlite database holding api_keys, creating the table
func openKeysDB(ctx context.Context, dsn string) (*sql.DB, error) {
	if dsn == "" {
		return nil, errors.New("api key database dsn is required")
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open api key database: %w", err)
	}
	if err := x402http.MigrateAPIKeys(ctx, db); err != nil {
		db.Close()
		return nil, err
	}
	return db, nil
}

// supportedKinds lists the exact scheme on each network
func supportedKinds(networks []string) []x402http.SupportedKind {
	kinds := make([]x402http.SupportedKind, 0, len(networks))
	for _, network := range networks {
		kinds = append(kinds, x402http.SupportedKind{
			X402Version: x402.ProtocolVersion,
			Scheme:      x402.SchemeExact,
			Network:     x402.Network(network),
		})
	}
	return kinds
}

// newResourceRouter serves every configured path resource behind the payment
// middleware, plus an unpaid /health
func newResourceRouter(provider *x402.Provider, resources map[string]x402.ResourceConfig, log logrus.FieldLogger) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery(), requestLogger(log))

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	paid := r.Group("/", x402gin.PaymentMiddleware(provider))
	for id, res := range resources {
		if !strings.HasPrefix(id, "/") || id == "/health" {
			continue
		}
		paid.GET(id, resourceHandler(id, res))
	}
	return r
}

func resourceHandler(id string, res x402.ResourceConfig) gin.HandlerFunc {
	return func(c *gin.Context) {
		body := gin.H{
			"resource":    id,
			"description": res.Description,
		}
		if record, ok := x402gin.SettlementFrom(c); ok {
			body["settlement"] = record
		}
		c.JSON(http.StatusOK, body)
	}
}

// requestLogger tags each request with an X-Request-ID and logs its outcome
func requestLogger(log logrus.FieldLogger) gin.HandlerFunc {
	return func(c *gin.Context) {
		requestID := c.GetHeader(x402http.HeaderRequestID)
		if requestID == "" {
			requestID = uuid.NewString()
		}
		c.Header(x402http.HeaderRequestID, requestID)

		start := time.Now()
		c.Next()

		log.WithFields(logrus.Fields{
			"request_id": requestID,
			"method":     c.Request.Method,
			"path":       c.Request.URL.Path,
			"status":     c.Writer.Status(),
			"duration":   time.Since(start).String(),
		}).Info("request")
	}
}

// serveUntilDone runs srv until ctx is cancelled, then shuts it down
func serveUntilDone(ctx context.Context, srv *http.Server, shutdownTimeout time.Duration, log logrus.FieldLogger) error {
	errCh := make(chan error, 1)
	go func() {
		log.WithField("addr", srv.Addr).Info("listening")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	log.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("failed to shut down: %w", err)
	}
	return nil
}
