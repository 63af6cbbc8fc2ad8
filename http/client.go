package http

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	x402 "github.com/x402-foundation/paygate"
)

// ============================================================================
// RequestExchanger - one repeatable HTTP request
// ============================================================================

// RequestExchanger replays a buffered request, attaching a payment when asked.
// It implements x402.Exchanger.
type RequestExchanger struct {
	client *http.Client
	req    *http.Request
	body   []byte
	last   *http.Response
}

// NewRequestExchanger buffers the body of req so it can be sent more than once
func NewRequestExchanger(client *http.Client, req *http.Request) (*RequestExchanger, error) {
	if client == nil {
		client = http.DefaultClient
	}
	var body []byte
	if req.Body != nil && req.Body != http.NoBody {
		b, err := io.ReadAll(req.Body)
		req.Body.Close()
		if err != nil {
			return nil, fmt.Errorf("failed to buffer request body: %w", err)
		}
		body = b
	}
	return &RequestExchanger{client: client, req: req, body: body}, nil
}

// Exchange sends the request once
func (e *RequestExchanger) Exchange(ctx context.Context, payment *x402.PaymentAttachment) (x402.ExchangeResult, error) {
	req := e.req.Clone(ctx)
	req.Header.Del(HeaderPaymentSignature)
	req.Header.Del(HeaderPaymentNonce)
	if e.body != nil {
		req.Body = io.NopCloser(bytes.NewReader(e.body))
		req.ContentLength = int64(len(e.body))
		req.GetBody = func() (io.ReadCloser, error) {
			return io.NopCloser(bytes.NewReader(e.body)), nil
		}
	}
	if payment != nil {
		req.Header.Set(HeaderPaymentSignature, payment.ProofBlob)
		req.Header.Set(HeaderPaymentNonce, payment.Nonce)
	}

	resp, err := e.client.Do(req)
	if err != nil {
		return x402.ExchangeResult{}, err
	}
	body, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	if err != nil {
		return x402.ExchangeResult{}, fmt.Errorf("failed to read response body: %w", err)
	}
	resp.Body = io.NopCloser(bytes.NewReader(body))
	e.last = resp

	result := x402.ExchangeResult{
		StatusCode:     resp.StatusCode,
		Body:           body,
		ChallengeBlob:  strings.TrimSpace(resp.Header.Get(HeaderPaymentRequired)),
		SettlementBlob: strings.TrimSpace(resp.Header.Get(HeaderPaymentResponse)),
	}
	if resp.StatusCode == http.StatusPaymentRequired || resp.StatusCode >= 500 {
		var fault FaultBody
		if json.Unmarshal(body, &fault) == nil {
			result.ErrorKind = fault.ErrorKind
			result.Message = fault.Error
		}
	}
	return result, nil
}

// LastResponse returns the most recent response with its body rewound
func (e *RequestExchanger) LastResponse() *http.Response {
	if e.last == nil {
		return nil
	}
	if e.last.Body != nil {
		body, _ := io.ReadAll(e.last.Body)
		e.last.Body = io.NopCloser(bytes.NewReader(body))
	}
	return e.last
}

var _ x402.Exchanger = (*RequestExchanger)(nil)

// ============================================================================
// Client - HTTP requester
// ============================================================================

// Client fetches protected resources, answering 402 challenges with the
// requester's signer
type Client struct {
	requester  *x402.Requester
	httpClient *http.Client
}

// NewClient creates a paying HTTP client. httpClient may be nil.
func NewClient(requester *x402.Requester, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &Client{requester: requester, httpClient: httpClient}
}

// Do runs the handshake for req
func (c *Client) Do(ctx context.Context, req *http.Request) (*x402.Result, error) {
	exchanger, err := NewRequestExchanger(c.httpClient, req)
	if err != nil {
		return nil, err
	}
	return c.requester.Fetch(ctx, exchanger)
}

// Get fetches url with automatic payment handling
func (c *Client) Get(ctx context.Context, url string) (*x402.Result, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	return c.Do(ctx, req)
}

// Post posts body to url with automatic payment handling
func (c *Client) Post(ctx context.Context, url, contentType string, body io.Reader) (*x402.Result, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, body)
	if err != nil {
		return nil, err
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	return c.Do(ctx, req)
}

// ============================================================================
// PaymentRoundTripper - transparent payment for any http.Client
// ============================================================================

// PaymentRoundTripper implements http.RoundTripper with x402 payment handling
type PaymentRoundTripper struct {
	Transport http.RoundTripper
	Requester *x402.Requester
}

// WrapHTTPClientWithPayment wraps a standard HTTP client with x402 payment handling
func WrapHTTPClientWithPayment(client *http.Client, requester *x402.Requester) *http.Client {
	if client == nil {
		client = &http.Client{}
	}
	transport := client.Transport
	if transport == nil {
		transport = http.DefaultTransport
	}
	wrapped := *client
	wrapped.Transport = &PaymentRoundTripper{Transport: transport, Requester: requester}
	return &wrapped
}

// RoundTrip implements http.RoundTripper. The final response of the handshake
// is returned; a failed handshake surfaces as an error.
func (t *PaymentRoundTripper) RoundTrip(req *http.Request) (*http.Response, error) {
	transport := t.Transport
	if transport == nil {
		transport = http.DefaultTransport
	}
	exchanger, err := NewRequestExchanger(&http.Client{Transport: transport}, req)
	if err != nil {
		return nil, err
	}
	if _, err := t.Requester.Fetch(req.Context(), exchanger); err != nil {
		return nil, fmt.Errorf("payment handshake failed: %w", err)
	}
	return exchanger.LastResponse(), nil
}
