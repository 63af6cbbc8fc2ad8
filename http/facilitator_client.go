package http

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	x402 "github.com/x402-foundation/paygate"
)

// ============================================================================
// Wire types shared by the facilitator client and handler
// ============================================================================

// FacilitatorRequest is the body of /verify and /settle
type FacilitatorRequest struct {
	X402Version      int                   `json:"x402Version"`
	PaymentProof     x402.PaymentProof     `json:"paymentProof"`
	PaymentChallenge x402.PaymentChallenge `json:"paymentChallenge"`
}

// SettleResponse is the body returned by /settle
type SettleResponse struct {
	Success     bool                   `json:"success"`
	ErrorReason string                 `json:"errorReason,omitempty"`
	Record      *x402.SettlementRecord `json:"record,omitempty"`
}

// SupportedKind is one scheme/network pair a facilitator settles
type SupportedKind struct {
	X402Version int          `json:"x402Version"`
	Scheme      string       `json:"scheme"`
	Network     x402.Network `json:"network"`
}

// SupportedResponse is the body returned by /supported
type SupportedResponse struct {
	Kinds []SupportedKind `json:"kinds"`
}

// ============================================================================
// Facilitator Client
// ============================================================================

// FacilitatorClient is a SettlementVerifier backed by a remote facilitator
type FacilitatorClient struct {
	url          string
	httpClient   *http.Client
	authProvider AuthProvider
	limiter      *rate.Limiter
	logger       logrus.FieldLogger
}

// AuthProvider generates authentication headers for facilitator requests
type AuthProvider interface {
	// GetAuthHeaders returns authentication headers for each endpoint
	GetAuthHeaders(ctx context.Context) (AuthHeaders, error)
}

// AuthHeaders contains authentication headers for facilitator endpoints
type AuthHeaders struct {
	Verify    map[string]string
	Settle    map[string]string
	Supported map[string]string
}

// FacilitatorConfig configures the facilitator client
type FacilitatorConfig struct {
	// URL is the base URL of the facilitator service
	URL string

	// HTTPClient is the HTTP client to use (optional)
	HTTPClient *http.Client

	// AuthProvider provides authentication headers (optional)
	AuthProvider AuthProvider

	// Timeout for requests (optional, defaults to 30s)
	Timeout time.Duration

	// RateLimit caps requests per second to the facilitator. Zero means unlimited.
	RateLimit float64

	// RateBurst is the limiter burst size (defaults to 1)
	RateBurst int

	Logger logrus.FieldLogger
}

// DefaultFacilitatorURL is the default facilitator address
const DefaultFacilitatorURL = "http://localhost:4021"

// getSupportedRetries is the number of retry attempts for GetSupported on 429 rate limit errors
const getSupportedRetries = 3

// getSupportedRetryBaseDelay is the base delay for exponential backoff on retries
var getSupportedRetryBaseDelay = 1 * time.Second

// NewFacilitatorClient creates a new facilitator client
func NewFacilitatorClient(config *FacilitatorConfig) *FacilitatorClient {
	if config == nil {
		config = &FacilitatorConfig{}
	}

	url := config.URL
	if url == "" {
		url = DefaultFacilitatorURL
	}

	httpClient := config.HTTPClient
	if httpClient == nil {
		timeout := config.Timeout
		if timeout == 0 {
			timeout = 30 * time.Second
		}
		httpClient = &http.Client{Timeout: timeout}
	}

	limiter := rate.NewLimiter(rate.Inf, 0)
	if config.RateLimit > 0 {
		burst := config.RateBurst
		if burst <= 0 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(config.RateLimit), burst)
	}

	logger := config.Logger
	if logger == nil {
		l := logrus.New()
		l.SetOutput(io.Discard)
		logger = l
	}

	return &FacilitatorClient{
		url:          url,
		httpClient:   httpClient,
		authProvider: config.AuthProvider,
		limiter:      limiter,
		logger:       logger,
	}
}

// URL returns the facilitator base URL
func (c *FacilitatorClient) URL() string {
	return c.url
}

// Verify asks the facilitator to judge a proof. A facilitator that cannot be
// reached, or answers with a server error, yields ReasonVerifierUnavailable so
// the provider can tell "unknown" apart from "invalid".
func (c *FacilitatorClient) Verify(ctx context.Context, proof x402.PaymentProof, challenge x402.PaymentChallenge) (x402.VerifyResult, error) {
	unavailable := x402.VerifyResult{Valid: false, Reason: x402.ReasonVerifierUnavailable}

	status, body, err := c.post(ctx, "/verify", func(h AuthHeaders) map[string]string { return h.Verify }, proof, challenge)
	if err != nil {
		c.logger.WithError(err).Warn("facilitator verify failed")
		return unavailable, nil
	}
	if status == http.StatusTooManyRequests || status >= 500 {
		c.logger.WithField("status", status).Warn("facilitator verify unavailable")
		return unavailable, nil
	}

	var result x402.VerifyResult
	if err := json.Unmarshal(body, &result); err != nil {
		return unavailable, fmt.Errorf("failed to decode verify response (%d): %w", status, err)
	}
	if status != http.StatusOK && result.Valid {
		return unavailable, fmt.Errorf("facilitator verify failed (%d): %s", status, string(body))
	}
	if !result.Valid && result.Reason == "" {
		result.Reason = fmt.Sprintf("facilitator rejected proof (%d)", status)
	}
	return result, nil
}

// Settle asks the facilitator to settle a proof on the ledger
func (c *FacilitatorClient) Settle(ctx context.Context, proof x402.PaymentProof, challenge x402.PaymentChallenge) (x402.SettlementRecord, error) {
	status, body, err := c.post(ctx, "/settle", func(h AuthHeaders) map[string]string { return h.Settle }, proof, challenge)
	if err != nil {
		return x402.SettlementRecord{}, x402.NewPaymentError(x402.KindSettlementError, "facilitator settle request failed", err)
	}

	var resp SettleResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return x402.SettlementRecord{}, x402.NewPaymentError(x402.KindSettlementError,
			fmt.Sprintf("failed to decode settle response (%d)", status), err)
	}
	if status != http.StatusOK || !resp.Success || resp.Record == nil {
		reason := resp.ErrorReason
		if reason == "" {
			reason = fmt.Sprintf("facilitator settle failed (%d)", status)
		}
		return x402.SettlementRecord{}, x402.NewPaymentError(x402.KindSettlementError, reason, nil)
	}
	return *resp.Record, nil
}

// GetSupported gets supported payment kinds.
// Retries with exponential backoff on 429 rate limit errors.
func (c *FacilitatorClient) GetSupported(ctx context.Context) (SupportedResponse, error) {
	var lastErr error

	for attempt := 0; attempt < getSupportedRetries; attempt++ {
		if err := c.limiter.Wait(ctx); err != nil {
			return SupportedResponse{}, err
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.url+"/supported", nil)
		if err != nil {
			return SupportedResponse{}, fmt.Errorf("failed to create supported request: %w", err)
		}
		req.Header.Set(HeaderRequestID, uuid.NewString())
		if err := c.applyAuth(ctx, req, func(h AuthHeaders) map[string]string { return h.Supported }); err != nil {
			return SupportedResponse{}, err
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			return SupportedResponse{}, fmt.Errorf("supported request failed: %w", err)
		}
		body, err := io.ReadAll(resp.Body)
		resp.Body.Close()
		if err != nil {
			return SupportedResponse{}, fmt.Errorf("failed to read supported response: %w", err)
		}

		if resp.StatusCode == http.StatusOK {
			var supported SupportedResponse
			if err := json.Unmarshal(body, &supported); err != nil {
				return SupportedResponse{}, fmt.Errorf("failed to decode supported response: %w", err)
			}
			return supported, nil
		}

		lastErr = fmt.Errorf("facilitator supported failed (%d): %s", resp.StatusCode, string(body))
		if resp.StatusCode != http.StatusTooManyRequests {
			return SupportedResponse{}, lastErr
		}

		if attempt < getSupportedRetries-1 {
			delay := getSupportedRetryBaseDelay * time.Duration(1<<attempt)
			select {
			case <-ctx.Done():
				return SupportedResponse{}, ctx.Err()
			case <-time.After(delay):
			}
		}
	}

	return SupportedResponse{}, lastErr
}

func (c *FacilitatorClient) post(ctx context.Context, path string, pick func(AuthHeaders) map[string]string, proof x402.PaymentProof, challenge x402.PaymentChallenge) (int, []byte, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return 0, nil, fmt.Errorf("rate limiter: %w", err)
	}

	payload, err := json.Marshal(FacilitatorRequest{
		X402Version:      x402.ProtocolVersion,
		PaymentProof:     proof,
		PaymentChallenge: challenge,
	})
	if err != nil {
		return 0, nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url+path, bytes.NewReader(payload))
	if err != nil {
		return 0, nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(HeaderRequestID, uuid.NewString())
	if err := c.applyAuth(ctx, req, pick); err != nil {
		return 0, nil, err
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return 0, nil, fmt.Errorf("failed to read response: %w", err)
	}

	c.logger.WithFields(logrus.Fields{
		"path":       path,
		"status":     resp.StatusCode,
		"request_id": req.Header.Get(HeaderRequestID),
	}).Debug("facilitator responded")
	return resp.StatusCode, body, nil
}

func (c *FacilitatorClient) applyAuth(ctx context.Context, req *http.Request, pick func(AuthHeaders) map[string]string) error {
	if c.authProvider == nil {
		return nil
	}
	authHeaders, err := c.authProvider.GetAuthHeaders(ctx)
	if err != nil {
		return fmt.Errorf("failed to get auth headers: %w", err)
	}
	for k, v := range pick(authHeaders) {
		req.Header.Set(k, v)
	}
	return nil
}

var _ x402.SettlementVerifier = (*FacilitatorClient)(nil)
