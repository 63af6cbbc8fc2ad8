package mcp

import (
	"context"
	"errors"
	"testing"
	"time"

	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	x402 "github.com/x402-foundation/paygate"
	"github.com/x402-foundation/paygate/idempotency"
	"github.com/x402-foundation/paygate/test/mocks/autoapprove"
)

const testPayer = "0x857b06519E91e3A54538791bDbb0E22373e36b66"

func newTestProvider(verifier x402.SettlementVerifier) *x402.Provider {
	pricing := x402.NewStaticPricing(map[string]x402.ResourceConfig{
		ToolResourceID("get_weather"): {
			Scheme:            x402.SchemeExact,
			Network:           "eip155:84532",
			PayTo:             "0x209693Bc6afc0C5328bA36FaF03C514EF312287C",
			Asset:             "0x036CbD53842c5426634e7929541eC2318f3dCF7e",
			Amount:            "50000000000000000",
			MaxTimeoutSeconds: 60,
			Extra:             map[string]interface{}{"name": "USDC", "version": "2"},
		},
	})
	return x402.NewProvider(idempotency.NewInMemoryStore(), verifier, pricing)
}

func weatherHandler(calls *int) mcpsdk.ToolHandler {
	return func(_ context.Context, _ *mcpsdk.CallToolRequest) (*mcpsdk.CallToolResult, error) {
		*calls++
		return &mcpsdk.CallToolResult{Content: []mcpsdk.Content{&mcpsdk.TextContent{Text: "sunny"}}}, nil
	}
}

func callRequest(name string, meta mcpsdk.Meta) *mcpsdk.CallToolRequest {
	return &mcpsdk.CallToolRequest{Params: &mcpsdk.CallToolParamsRaw{Name: name, Meta: meta}}
}

func TestPaymentWrapper_PaymentRequired(t *testing.T) {
	calls := 0
	handler := NewPaymentWrapper(newTestProvider(autoapprove.NewVerifier())).Wrap(weatherHandler(&calls))

	result, err := handler(context.Background(), callRequest("get_weather", nil))
	require.NoError(t, err)
	assert.True(t, result.IsError)
	assert.Equal(t, 0, calls)

	content, ok := resultContent(result)
	require.True(t, ok)
	assert.Equal(t, PaymentRequiredCode, content.Code)
	challenge, err := x402.DecodeChallenge(content.Challenge)
	require.NoError(t, err)
	assert.Equal(t, ToolResourceID("get_weather"), challenge.ResourceID)
}

func TestPaymentWrapper_FreeTool(t *testing.T) {
	calls := 0
	handler := NewPaymentWrapper(newTestProvider(autoapprove.NewVerifier())).Wrap(weatherHandler(&calls))

	result, err := handler(context.Background(), callRequest("ping", nil))
	require.NoError(t, err)
	assert.False(t, result.IsError)
	assert.Equal(t, 1, calls)
	assert.Nil(t, result.Meta)
}

func TestPaymentWrapper_PaidCallAndReplay(t *testing.T) {
	verifier := autoapprove.NewVerifier()
	calls := 0
	handler := NewPaymentWrapper(newTestProvider(verifier)).Wrap(weatherHandler(&calls))

	first, err := handler(context.Background(), callRequest("get_weather", nil))
	require.NoError(t, err)
	content, ok := resultContent(first)
	require.True(t, ok)
	challenge, err := x402.DecodeChallenge(content.Challenge)
	require.NoError(t, err)

	proof, err := x402.BuildProof(context.Background(), challenge, autoapprove.NewSigner(testPayer), time.Now())
	require.NoError(t, err)
	blob, err := x402.EncodeProof(proof)
	require.NoError(t, err)
	meta := mcpsdk.Meta{MetaKeyPayment: blob, MetaKeyPaymentNonce: challenge.Nonce}

	for i := 0; i < 2; i++ {
		result, err := handler(context.Background(), callRequest("get_weather", meta))
		require.NoError(t, err)
		require.False(t, result.IsError)

		settlement, ok := result.Meta[MetaKeyPaymentResponse].(string)
		require.True(t, ok)
		record, err := x402.DecodeSettlement(settlement)
		require.NoError(t, err)
		assert.Equal(t, challenge.Nonce, record.Nonce)
	}
	assert.Equal(t, 2, calls)
	assert.Equal(t, int64(1), verifier.SettleCalls())
}

func TestPaymentWrapper_SettlementFault(t *testing.T) {
	verifier := autoapprove.NewVerifier(autoapprove.WithSettleError(errors.New("reverted")))
	calls := 0
	handler := NewPaymentWrapper(newTestProvider(verifier)).Wrap(weatherHandler(&calls))

	first, err := handler(context.Background(), callRequest("get_weather", nil))
	require.NoError(t, err)
	content, _ := resultContent(first)
	challenge, err := x402.DecodeChallenge(content.Challenge)
	require.NoError(t, err)

	proof, err := x402.BuildProof(context.Background(), challenge, autoapprove.NewSigner(testPayer), time.Now())
	require.NoError(t, err)
	blob, err := x402.EncodeProof(proof)
	require.NoError(t, err)

	result, err := handler(context.Background(), callRequest("get_weather", mcpsdk.Meta{MetaKeyPayment: blob}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
	assert.Equal(t, 0, calls)

	content, ok := resultContent(result)
	require.True(t, ok)
	assert.Equal(t, 502, content.Code)
	assert.Equal(t, x402.KindSettlementError, content.ErrorKind)
	assert.Empty(t, content.Challenge)
}

// fakeCaller routes CallTool straight into a wrapped handler
type fakeCaller struct {
	handler mcpsdk.ToolHandler
}

func (f fakeCaller) CallTool(ctx context.Context, params *mcpsdk.CallToolParams) (*mcpsdk.CallToolResult, error) {
	return f.handler(ctx, callRequest(params.Name, params.Meta))
}

func TestCallPaidTool(t *testing.T) {
	verifier := autoapprove.NewVerifier()
	calls := 0
	caller := fakeCaller{handler: NewPaymentWrapper(newTestProvider(verifier)).Wrap(weatherHandler(&calls))}
	requester := x402.NewRequester(autoapprove.NewSigner(testPayer))

	result, err := CallPaidTool(context.Background(), requester, caller, "get_weather", map[string]interface{}{"city": "NYC"})
	require.NoError(t, err)
	assert.Equal(t, "sunny", result.Text)
	assert.Equal(t, 1, result.Attempts)
	require.NotNil(t, result.Settlement)
	assert.Equal(t, x402.OutcomeSettled, result.Settlement.Outcome)
	assert.Equal(t, 1, calls)
}

func TestCallPaidTool_SettlementError(t *testing.T) {
	verifier := autoapprove.NewVerifier(autoapprove.WithSettleError(errors.New("reverted")))
	calls := 0
	caller := fakeCaller{handler: NewPaymentWrapper(newTestProvider(verifier)).Wrap(weatherHandler(&calls))}

	_, err := CallPaidTool(context.Background(), x402.NewRequester(autoapprove.NewSigner(testPayer)), caller, "get_weather", nil)
	require.Error(t, err)
	assert.Equal(t, x402.KindSettlementError, x402.KindOf(err))
	assert.Equal(t, 0, calls)
}

func TestCallPaidTool_OverSDKSession(t *testing.T) {
	ctx := context.Background()
	verifier := autoapprove.NewVerifier()
	calls := 0

	server := mcpsdk.NewServer(&mcpsdk.Implementation{Name: "weather", Version: "1.0.0"}, nil)
	server.AddTool(&mcpsdk.Tool{
		Name:        "get_weather",
		Description: "Current weather",
		InputSchema: map[string]interface{}{"type": "object"},
	}, NewPaymentWrapper(newTestProvider(verifier)).Wrap(weatherHandler(&calls)))

	clientTransport, serverTransport := mcpsdk.NewInMemoryTransports()
	serverSession, err := server.Connect(ctx, serverTransport, nil)
	require.NoError(t, err)
	defer serverSession.Close()

	client := mcpsdk.NewClient(&mcpsdk.Implementation{Name: "agent", Version: "1.0.0"}, nil)
	session, err := client.Connect(ctx, clientTransport, nil)
	require.NoError(t, err)
	defer session.Close()

	result, err := CallPaidTool(ctx, x402.NewRequester(autoapprove.NewSigner(testPayer)), session, "get_weather", map[string]interface{}{})
	require.NoError(t, err)
	assert.Equal(t, "sunny", result.Text)
	require.NotNil(t, result.Settlement)
	assert.Equal(t, int64(1), verifier.SettleCalls())
}
