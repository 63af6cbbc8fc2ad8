package mcp

import (
	"context"
	"encoding/json"
	"io"

	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/sirupsen/logrus"

	x402 "github.com/x402-foundation/paygate"
)

// ResultContent is the structured content of a payment-required or failed
// paid tool call
type ResultContent struct {
	X402Version int            `json:"x402Version"`
	Code        int            `json:"code"`
	Error       string         `json:"error"`
	ErrorKind   x402.ErrorKind `json:"errorKind,omitempty"`
	// Challenge is the encoded challenge, set when Code is PaymentRequiredCode
	Challenge string `json:"challenge,omitempty"`
}

// PaymentWrapper guards MCP tool handlers behind the payment handshake
type PaymentWrapper struct {
	provider *x402.Provider
	logger   logrus.FieldLogger
}

// WrapperOption configures the PaymentWrapper
type WrapperOption func(*PaymentWrapper)

// WithWrapperLogger sets the logger
func WithWrapperLogger(logger logrus.FieldLogger) WrapperOption {
	return func(w *PaymentWrapper) {
		w.logger = logger
	}
}

// NewPaymentWrapper creates a payment wrapper backed by provider
func NewPaymentWrapper(provider *x402.Provider, opts ...WrapperOption) *PaymentWrapper {
	discard := logrus.New()
	discard.SetOutput(io.Discard)

	w := &PaymentWrapper{provider: provider, logger: discard}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Wrap returns a handler that runs handler only once the call is paid for.
// The settlement is attached to the result _meta.
func (w *PaymentWrapper) Wrap(handler mcpsdk.ToolHandler) mcpsdk.ToolHandler {
	return func(ctx context.Context, req *mcpsdk.CallToolRequest) (*mcpsdk.CallToolResult, error) {
		var (
			name string
			meta map[string]any
		)
		if req != nil && req.Params != nil {
			name = req.Params.Name
			meta = req.Params.GetMeta()
		}
		proofBlob, _ := meta[MetaKeyPayment].(string)
		nonce, _ := meta[MetaKeyPaymentNonce].(string)

		resp := w.provider.HandleRequest(ctx, x402.ProviderRequest{
			ResourceID: ToolResourceID(name),
			ProofBlob:  proofBlob,
			Nonce:      nonce,
		})

		switch resp.Decision {
		case x402.DecisionPaymentRequired:
			blob, err := x402.EncodeChallenge(*resp.Challenge)
			if err != nil {
				return nil, err
			}
			message := resp.Message
			if message == "" {
				message = "payment required"
			}
			return errorResult(ResultContent{
				X402Version: x402.ProtocolVersion,
				Code:        PaymentRequiredCode,
				Error:       message,
				ErrorKind:   resp.ErrorKind,
				Challenge:   blob,
			})
		case x402.DecisionProviderFault:
			w.logger.WithFields(logrus.Fields{"tool": name, "kind": resp.ErrorKind}).Warn("paid tool call failed")
			return errorResult(ResultContent{
				X402Version: x402.ProtocolVersion,
				Code:        resp.StatusCode(),
				Error:       resp.Message,
				ErrorKind:   resp.ErrorKind,
			})
		}

		result, err := handler(ctx, req)
		if err != nil || result == nil || resp.Settlement == nil {
			return result, err
		}
		blob, err := x402.EncodeSettlement(*resp.Settlement)
		if err != nil {
			return nil, err
		}
		if result.Meta == nil {
			result.Meta = mcpsdk.Meta{}
		}
		result.Meta[MetaKeyPaymentResponse] = blob
		return result, nil
	}
}

func errorResult(content ResultContent) (*mcpsdk.CallToolResult, error) {
	text, err := json.Marshal(content)
	if err != nil {
		return nil, err
	}
	return &mcpsdk.CallToolResult{
		IsError:           true,
		Content:           []mcpsdk.Content{&mcpsdk.TextContent{Text: string(text)}},
		StructuredContent: content,
	}, nil
}
