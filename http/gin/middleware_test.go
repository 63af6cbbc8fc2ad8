package gin

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	x402 "github.com/x402-foundation/paygate"
	x402http "github.com/x402-foundation/paygate/http"
	"github.com/x402-foundation/paygate/idempotency"
	"github.com/x402-foundation/paygate/test/mocks/autoapprove"
)

func setupRouter(verifier x402.SettlementVerifier) *gin.Engine {
	gin.SetMode(gin.TestMode)
	pricing := x402.NewStaticPricing(map[string]x402.ResourceConfig{
		"/weather": {
			Scheme:            x402.SchemeExact,
			Network:           "eip155:84532",
			PayTo:             "0x209693Bc6afc0C5328bA36FaF03C514EF312287C",
			Asset:             "0x036CbD53842c5426634e7929541eC2318f3dCF7e",
			Amount:            "50000000000000000",
			MaxTimeoutSeconds: 60,
			Extra:             map[string]interface{}{"name": "USDC", "version": "2"},
		},
	})
	provider := x402.NewProvider(idempotency.NewInMemoryStore(), verifier, pricing)

	r := gin.New()
	r.Use(PaymentMiddleware(provider))
	r.GET("/weather", func(c *gin.Context) {
		record, ok := SettlementFrom(c)
		if !ok {
			c.Status(http.StatusInternalServerError)
			return
		}
		c.JSON(http.StatusOK, gin.H{"report": "sunny", "ledgerRef": record.LedgerRef})
	})
	r.GET("/free", func(c *gin.Context) {
		c.String(http.StatusOK, "free")
	})
	return r
}

func TestPaymentMiddleware_Challenge(t *testing.T) {
	r := setupRouter(autoapprove.NewVerifier())

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/weather", nil))

	assert.Equal(t, http.StatusPaymentRequired, w.Code)
	challenge, err := x402.DecodeChallenge(w.Header().Get(x402http.HeaderPaymentRequired))
	require.NoError(t, err)
	assert.Equal(t, "/weather", challenge.ResourceID)

	var body x402http.PaymentRequiredBody
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, challenge.Nonce, body.Challenge.Nonce)
}

func TestPaymentMiddleware_FreeRoute(t *testing.T) {
	r := setupRouter(autoapprove.NewVerifier())

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/free", nil))

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "free", w.Body.String())
}

func TestPaymentMiddleware_PaidRequest(t *testing.T) {
	verifier := autoapprove.NewVerifier()
	r := setupRouter(verifier)

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/weather", nil))
	challenge, err := x402.DecodeChallenge(w.Header().Get(x402http.HeaderPaymentRequired))
	require.NoError(t, err)

	proof, err := x402.BuildProof(context.Background(), challenge, autoapprove.NewSigner("0x857b06519E91e3A54538791bDbb0E22373e36b66"), time.Now())
	require.NoError(t, err)
	blob, err := x402.EncodeProof(proof)
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodGet, "/weather", nil)
	req.Header.Set(x402http.HeaderPaymentSignature, blob)
	req.Header.Set(x402http.HeaderPaymentNonce, challenge.Nonce)
	w = httptest.NewRecorder()
	r.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	record, err := x402.DecodeSettlement(w.Header().Get(x402http.HeaderPaymentResponse))
	require.NoError(t, err)
	assert.Equal(t, challenge.Nonce, record.Nonce)

	var body map[string]string
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, record.LedgerRef, body["ledgerRef"])
	assert.Equal(t, int64(1), verifier.SettleCalls())
}

func TestPaymentMiddleware_StoreUnavailable(t *testing.T) {
	gin.SetMode(gin.TestMode)
	pricing := x402.NewStaticPricing(map[string]x402.ResourceConfig{"/weather": {
		Network: "eip155:84532", PayTo: "0x1", Asset: "0x2", Amount: "1",
	}})
	provider := x402.NewProvider(failingStore{}, autoapprove.NewVerifier(), pricing)
	r := gin.New()
	r.Use(PaymentMiddleware(provider))
	r.GET("/weather", func(c *gin.Context) { c.Status(http.StatusOK) })

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/weather", nil))

	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	var body x402http.FaultBody
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, x402.KindStoreUnavailable, body.ErrorKind)
}

type failingStore struct{}

func (failingStore) Get(context.Context, string) (x402.ReplayEntry, error) {
	return x402.ReplayEntry{}, assert.AnError
}

func (failingStore) Put(context.Context, x402.ReplayEntry, time.Duration) error {
	return assert.AnError
}

func (failingStore) CompareAndSwap(context.Context, string, x402.EntryState, x402.ReplayEntry, time.Duration) (bool, error) {
	return false, assert.AnError
}
