package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"

	x402 "github.com/x402-foundation/paygate"
)

// ToolCaller is the part of *mcpsdk.ClientSession the exchanger needs
type ToolCaller interface {
	CallTool(ctx context.Context, params *mcpsdk.CallToolParams) (*mcpsdk.CallToolResult, error)
}

// ToolExchanger repeats one tool call, attaching a payment when asked.
// It implements x402.Exchanger.
type ToolExchanger struct {
	caller ToolCaller
	name   string
	args   map[string]interface{}
	last   *mcpsdk.CallToolResult
}

// NewToolExchanger creates an exchanger for the tool call name(args)
func NewToolExchanger(caller ToolCaller, name string, args map[string]interface{}) *ToolExchanger {
	return &ToolExchanger{caller: caller, name: name, args: args}
}

// Exchange performs the tool call once
func (e *ToolExchanger) Exchange(ctx context.Context, payment *x402.PaymentAttachment) (x402.ExchangeResult, error) {
	params := &mcpsdk.CallToolParams{Name: e.name, Arguments: e.args}
	if payment != nil {
		params.Meta = mcpsdk.Meta{
			MetaKeyPayment:      payment.ProofBlob,
			MetaKeyPaymentNonce: payment.Nonce,
		}
	}

	result, err := e.caller.CallTool(ctx, params)
	if err != nil {
		return x402.ExchangeResult{}, fmt.Errorf("failed to call tool: %w", err)
	}
	e.last = result

	body := []byte(textOf(result))
	if result.IsError {
		if content, ok := resultContent(result); ok && content.Code != 0 {
			return x402.ExchangeResult{
				StatusCode:    content.Code,
				Body:          body,
				ChallengeBlob: content.Challenge,
				ErrorKind:     content.ErrorKind,
				Message:       content.Error,
			}, nil
		}
	}

	out := x402.ExchangeResult{StatusCode: http.StatusOK, Body: body}
	if result.Meta != nil {
		out.SettlementBlob, _ = result.Meta.GetMeta()[MetaKeyPaymentResponse].(string)
	}
	return out, nil
}

// LastResult returns the most recent tool result
func (e *ToolExchanger) LastResult() *mcpsdk.CallToolResult {
	return e.last
}

var _ x402.Exchanger = (*ToolExchanger)(nil)

// ToolCallResult is the outcome of a paid tool call
type ToolCallResult struct {
	Result     *mcpsdk.CallToolResult
	Text       string
	Settlement *x402.SettlementRecord
	Attempts   int
}

// CallPaidTool calls a tool, answering payment challenges with requester
func CallPaidTool(ctx context.Context, requester *x402.Requester, caller ToolCaller, name string, args map[string]interface{}) (*ToolCallResult, error) {
	exchanger := NewToolExchanger(caller, name, args)
	result, err := requester.Fetch(ctx, exchanger)
	if err != nil {
		return nil, err
	}
	return &ToolCallResult{
		Result:     exchanger.LastResult(),
		Text:       string(result.Body),
		Settlement: result.Settlement,
		Attempts:   result.Attempts,
	}, nil
}

func textOf(result *mcpsdk.CallToolResult) string {
	var parts []string
	for _, item := range result.Content {
		if text, ok := item.(*mcpsdk.TextContent); ok {
			parts = append(parts, text.Text)
		}
	}
	return strings.Join(parts, "\n")
}

// resultContent reads ResultContent from the structured content, falling back
// to the first text item
func resultContent(result *mcpsdk.CallToolResult) (ResultContent, bool) {
	var content ResultContent
	if result.StructuredContent != nil {
		raw, err := json.Marshal(result.StructuredContent)
		if err == nil && json.Unmarshal(raw, &content) == nil {
			return content, true
		}
	}
	if text := textOf(result); text != "" {
		if json.Unmarshal([]byte(text), &content) == nil {
			return content, true
		}
	}
	return ResultContent{}, false
}
