// Package mcp carries the x402 handshake over MCP tool calls.
//
// Payments travel in the request _meta of tools/call and settlements come
// back in the result _meta, using the same base64(JSON) blobs as the HTTP
// headers:
//
//	x402/payment           proof (requester → provider)
//	x402/payment-nonce     nonce being answered (requester → provider)
//	x402/payment-response  settlement record (provider → requester)
//
// A 402 is an error result whose structured content holds the challenge.
//
// # Server Usage
//
//	wrapper := mcp.NewPaymentWrapper(provider)
//	mcpServer.AddTool(tool, wrapper.Wrap(func(ctx context.Context, req *mcpsdk.CallToolRequest) (*mcpsdk.CallToolResult, error) {
//	    return &mcpsdk.CallToolResult{Content: []mcpsdk.Content{&mcpsdk.TextContent{Text: "sunny"}}}, nil
//	}))
//
// Tools are priced under the resource id returned by ToolResourceID.
//
// # Client Usage
//
//	session, _ := mcpClient.Connect(ctx, transport, nil)
//	result, err := mcp.CallPaidTool(ctx, requester, session, "get_weather", map[string]interface{}{"city": "NYC"})
package mcp

// Protocol constants for MCP x402 payment integration.
const (
	// PaymentRequiredCode is the code carried by a payment-required tool result
	PaymentRequiredCode = 402

	// MetaKeyPayment is the _meta key for the proof blob (client → server)
	MetaKeyPayment = "x402/payment"

	// MetaKeyPaymentNonce is the _meta key for the nonce being answered (client → server)
	MetaKeyPaymentNonce = "x402/payment-nonce"

	// MetaKeyPaymentResponse is the _meta key for the settlement blob (server → client)
	MetaKeyPaymentResponse = "x402/payment-response"
)

// ToolResourceID is the resource id a tool is priced under
func ToolResourceID(toolName string) string {
	return "mcp://tool/" + toolName
}
