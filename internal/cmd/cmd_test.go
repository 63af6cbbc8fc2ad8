package cmd

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	x402 "github.com/x402-foundation/paygate"
	x402http "github.com/x402-foundation/paygate/http"
	"github.com/x402-foundation/paygate/idempotency"
	"github.com/x402-foundation/paygate/internal/config"
	"github.com/x402-foundation/paygate/internal/logging"
	"github.com/x402-foundation/paygate/test/mocks/autoapprove"
)

const testPayer = "0x857b06519E91e3A54538791bDbb0E22373e36b66"

func weatherResource() x402.ResourceConfig {
	return x402.ResourceConfig{
		Scheme:            x402.SchemeExact,
		Network:           "eip155:84532",
		PayTo:             "0x209693Bc6afc0C5328bA36FaF03C514EF312287C",
		Asset:             "0x036CbD53842c5426634e7929541eC2318f3dCF7e",
		Amount:            "50000000000000000",
		MaxTimeoutSeconds: 60,
		Description:       "Weather report",
		Extra:             map[string]interface{}{"name": "USDC", "version": "2"},
	}
}

func TestOpenStore(t *testing.T) {
	t.Run("memory", func(t *testing.T) {
		store, closeStore, err := openStore(config.StoreConfig{Driver: config.StoreMemory})
		require.NoError(t, err)
		defer closeStore()
		assert.IsType(t, &idempotency.InMemoryStore{}, store)
	})

	t.Run("sqlite", func(t *testing.T) {
		dsn := filepath.Join(t.TempDir(), "replay.db")
		store, closeStore, err := openStore(config.StoreConfig{Driver: config.StoreSQLite, DSN: dsn})
		require.NoError(t, err)
		defer closeStore()
		assert.IsType(t, &idempotency.SQLStore{}, store)
	})

	t.Run("unknown driver", func(t *testing.T) {
		_, _, err := openStore(config.StoreConfig{Driver: "redis"})
		assert.Error(t, err)
	})
}

func TestSweepStore(t *testing.T) {
	store := idempotency.NewInMemoryStore()
	require.NoError(t, store.Put(context.Background(), x402.ReplayEntry{Nonce: "n1", State: x402.StateIssued}, time.Millisecond))
	require.Equal(t, 1, store.Len())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		sweepStore(ctx, store, 5*time.Millisecond, logging.Discard())
		close(done)
	}()

	assert.Eventually(t, func() bool { return store.Len() == 0 }, time.Second, 5*time.Millisecond)
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("sweeper did not stop")
	}
}

func TestNewSettlementVerifier(t *testing.T) {
	log := logging.Discard()

	t.Run("remote", func(t *testing.T) {
		v, err := newSettlementVerifier(config.SettlementConfig{
			Mode:              config.ModeRemote,
			FacilitatorURL:    "http://facilitator.test",
			FacilitatorAPIKey: "key",
		}, log)
		require.NoError(t, err)
		client, ok := v.(*x402http.FacilitatorClient)
		require.True(t, ok)
		assert.Equal(t, "http://facilitator.test", client.URL())
	})

	t.Run("auto-approve", func(t *testing.T) {
		v, err := newSettlementVerifier(config.SettlementConfig{Mode: config.ModeAutoApprove}, log)
		require.NoError(t, err)
		assert.IsType(t, &autoapprove.Verifier{}, v)
	})

	t.Run("local without rpc", func(t *testing.T) {
		_, err := newSettlementVerifier(config.SettlementConfig{Mode: config.ModeLocal, PrivateKey: "0x01"}, log)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "rpc url")
	})

	t.Run("unknown", func(t *testing.T) {
		_, err := newSettlementVerifier(config.SettlementConfig{Mode: "magic"}, log)
		assert.Error(t, err)
	})
}

func TestNewAuthenticator(t *testing.T) {
	ctx := context.Background()
	request := func(key string) *http.Request {
		req := httptest.NewRequest(http.MethodGet, "/supported", nil)
		if key != "" {
			req.Header.Set(x402http.HeaderAPIKey, key)
		}
		return req
	}

	t.Run("none", func(t *testing.T) {
		auth, closeAuth, err := newAuthenticator(ctx, config.FacilitatorConfig{Auth: config.AuthNone})
		require.NoError(t, err)
		defer closeAuth()
		assert.Nil(t, auth)
	})

	t.Run("static", func(t *testing.T) {
		auth, closeAuth, err := newAuthenticator(ctx, config.FacilitatorConfig{Auth: config.AuthStatic, APIKey: "k1"})
		require.NoError(t, err)
		defer closeAuth()
		assert.NoError(t, auth.Authenticate(request("k1")))
		assert.Error(t, auth.Authenticate(request("k2")))
	})

	t.Run("jwt", func(t *testing.T) {
		auth, closeAuth, err := newAuthenticator(ctx, config.FacilitatorConfig{Auth: config.AuthJWT, JWTSecret: "s"})
		require.NoError(t, err)
		defer closeAuth()
		assert.IsType(t, x402http.JWTAuthenticator{}, auth)
	})

	t.Run("sql", func(t *testing.T) {
		dsn := filepath.Join(t.TempDir(), "keys.db")
		db, err := openKeysDB(ctx, dsn)
		require.NoError(t, err)
		require.NoError(t, x402http.AddAPIKey(ctx, db, "db-key", "test"))
		require.NoError(t, db.Close())

		auth, closeAuth, err := newAuthenticator(ctx, config.FacilitatorConfig{Auth: config.AuthSQL, KeysDSN: dsn})
		require.NoError(t, err)
		defer closeAuth()
		assert.NoError(t, auth.Authenticate(request("db-key")))
		assert.Error(t, auth.Authenticate(request("other")))
	})
}

func TestSupportedKinds(t *testing.T) {
	kinds := supportedKinds([]string{"eip155:84532", "eip155:8453"})
	require.Len(t, kinds, 2)
	assert.Equal(t, x402.ProtocolVersion, kinds[0].X402Version)
	assert.Equal(t, x402.SchemeExact, kinds[0].Scheme)
	assert.Equal(t, x402.Network("eip155:8453"), kinds[1].Network)
}

func TestResourceRouter(t *testing.T) {
	verifier := autoapprove.NewVerifier()
	resources := map[string]x402.ResourceConfig{"/weather": weatherResource()}
	provider := x402.NewProvider(idempotency.NewInMemoryStore(), verifier, x402.NewStaticPricing(resources))
	server := httptest.NewServer(newResourceRouter(provider, resources, logging.Discard()))
	defer server.Close()

	t.Run("health is free", func(t *testing.T) {
		resp, err := http.Get(server.URL + "/health")
		require.NoError(t, err)
		defer resp.Body.Close()
		assert.Equal(t, http.StatusOK, resp.StatusCode)
		assert.Len(t, resp.Header.Get(x402http.HeaderRequestID), 36)
	})

	t.Run("unpaid request gets a challenge", func(t *testing.T) {
		req, err := http.NewRequest(http.MethodGet, server.URL+"/weather", nil)
		require.NoError(t, err)
		req.Header.Set(x402http.HeaderRequestID, "req-1")
		resp, err := http.DefaultClient.Do(req)
		require.NoError(t, err)
		defer resp.Body.Close()

		assert.Equal(t, http.StatusPaymentRequired, resp.StatusCode)
		assert.Equal(t, "req-1", resp.Header.Get(x402http.HeaderRequestID))
		challenge, err := x402.DecodeChallenge(resp.Header.Get(x402http.HeaderPaymentRequired))
		require.NoError(t, err)
		assert.Equal(t, "/weather", challenge.ResourceID)
		assert.Equal(t, "50000000000000000", challenge.MaxAmountRequired)
	})

	t.Run("paid request returns the settlement", func(t *testing.T) {
		client := x402http.NewClient(x402.NewRequester(autoapprove.NewSigner(testPayer)), nil)
		result, err := client.Get(context.Background(), server.URL+"/weather")
		require.NoError(t, err)
		assert.Equal(t, http.StatusOK, result.StatusCode)
		require.NotNil(t, result.Settlement)

		var body struct {
			Resource   string                 `json:"resource"`
			Settlement *x402.SettlementRecord `json:"settlement"`
		}
		require.NoError(t, json.Unmarshal(result.Body, &body))
		assert.Equal(t, "/weather", body.Resource)
		require.NotNil(t, body.Settlement)
		assert.Equal(t, result.Settlement.LedgerRef, body.Settlement.LedgerRef)
		assert.Equal(t, int64(1), verifier.SettleCalls())
	})
}

func TestServeUntilDone(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	srv := &http.Server{Addr: "127.0.0.1:0", Handler: http.NotFoundHandler()}

	done := make(chan error, 1)
	go func() { done <- serveUntilDone(ctx, srv, time.Second, logging.Discard()) }()
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not stop")
	}
}

func TestVersionCommand(t *testing.T) {
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetArgs([]string{"version"})
	defer rootCmd.SetArgs(nil)

	require.NoError(t, rootCmd.Execute())
	assert.Contains(t, out.String(), "paygate dev (x402 v2)")
}
