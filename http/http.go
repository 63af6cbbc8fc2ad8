// Package http binds the x402 handshake to HTTP: provider middleware for
// net/http (with gin and echo adapters in subpackages), a requester client,
// and the remote facilitator client and server.
package http

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"

	x402 "github.com/x402-foundation/paygate"
)

// Header names. Every blob is base64(JSON) as produced by the x402 codec.
const (
	HeaderPaymentRequired  = "PAYMENT-REQUIRED"
	HeaderPaymentSignature = "PAYMENT-SIGNATURE"
	HeaderPaymentNonce     = "PAYMENT-NONCE"
	HeaderPaymentResponse  = "PAYMENT-RESPONSE"
	HeaderRequestID        = "X-Request-ID"
)

// PaymentRequiredBody is the JSON body of a 402 response
type PaymentRequiredBody struct {
	X402Version int                    `json:"x402Version"`
	Error       string                 `json:"error"`
	ErrorKind   x402.ErrorKind         `json:"errorKind,omitempty"`
	Challenge   *x402.PaymentChallenge `json:"challenge"`
}

// FaultBody is the JSON body of a provider fault (5xx)
type FaultBody struct {
	Error     string         `json:"error"`
	ErrorKind x402.ErrorKind `json:"errorKind,omitempty"`
}

// Rendered is a provider decision translated to HTTP terms, ready for any router
type Rendered struct {
	Status  int
	Headers map[string]string
	// Body is nil for a grant; the resource handler writes the body
	Body interface{}
}

// ProviderRequestFrom extracts the payment headers of r
func ProviderRequestFrom(r *http.Request, resourceID string) x402.ProviderRequest {
	return x402.ProviderRequest{
		ResourceID: resourceID,
		ProofBlob:  strings.TrimSpace(r.Header.Get(HeaderPaymentSignature)),
		Nonce:      strings.TrimSpace(r.Header.Get(HeaderPaymentNonce)),
	}
}

// Render translates a provider response into status, headers and body
func Render(resp x402.ProviderResponse) (Rendered, error) {
	out := Rendered{Status: resp.StatusCode(), Headers: map[string]string{}}

	switch resp.Decision {
	case x402.DecisionGrant:
		if resp.Settlement != nil {
			blob, err := x402.EncodeSettlement(*resp.Settlement)
			if err != nil {
				return Rendered{}, err
			}
			out.Headers[HeaderPaymentResponse] = blob
		}
		return out, nil

	case x402.DecisionPaymentRequired:
		blob, err := x402.EncodeChallenge(*resp.Challenge)
		if err != nil {
			return Rendered{}, err
		}
		out.Headers[HeaderPaymentRequired] = blob
		message := resp.Message
		if message == "" {
			message = "payment required"
		}
		out.Body = PaymentRequiredBody{
			X402Version: x402.ProtocolVersion,
			Error:       message,
			ErrorKind:   resp.ErrorKind,
			Challenge:   resp.Challenge,
		}
		return out, nil
	}

	out.Body = FaultBody{Error: resp.Message, ErrorKind: resp.ErrorKind}
	return out, nil
}

// writeRendered writes a non-grant response
func writeRendered(w http.ResponseWriter, rendered Rendered) {
	for k, v := range rendered.Headers {
		w.Header().Set(k, v)
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(rendered.Status)
	_ = json.NewEncoder(w).Encode(rendered.Body)
}

type settlementKey struct{}

// WithSettlement stores a settlement record on a context
func WithSettlement(ctx context.Context, record *x402.SettlementRecord) context.Context {
	return context.WithValue(ctx, settlementKey{}, record)
}

// SettlementFromContext returns the settlement of the paid request, if any.
// Resource handlers use it to embed a settlement object in their body.
func SettlementFromContext(ctx context.Context) (*x402.SettlementRecord, bool) {
	record, ok := ctx.Value(settlementKey{}).(*x402.SettlementRecord)
	return record, ok && record != nil
}
