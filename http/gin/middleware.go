// Package gin adapts the x402 payment middleware to gin.
package gin

import (
	"net/http"

	"github.com/gin-gonic/gin"

	x402 "github.com/x402-foundation/paygate"
	x402http "github.com/x402-foundation/paygate/http"
)

// SettlementKey is the gin context key holding the *x402.SettlementRecord of a paid request
const SettlementKey = "x402.settlement"

// PaymentMiddleware is the gin middleware for resource servers using the x402 handshake
func PaymentMiddleware(provider *x402.Provider, opts ...x402http.MiddlewareOption) gin.HandlerFunc {
	cfg := x402http.NewMiddlewareConfig(opts...)

	return func(c *gin.Context) {
		resp := provider.HandleRequest(c.Request.Context(), x402http.ProviderRequestFrom(c.Request, cfg.Resolver(c.Request)))

		rendered, err := x402http.Render(resp)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "failed to encode payment response"})
			return
		}
		for k, v := range rendered.Headers {
			c.Header(k, v)
		}
		if resp.Decision != x402.DecisionGrant {
			c.AbortWithStatusJSON(rendered.Status, rendered.Body)
			return
		}

		if resp.Settlement != nil {
			c.Set(SettlementKey, resp.Settlement)
			c.Request = c.Request.WithContext(x402http.WithSettlement(c.Request.Context(), resp.Settlement))
		}
		c.Next()
	}
}

// SettlementFrom returns the settlement of the paid request, if any
func SettlementFrom(c *gin.Context) (*x402.SettlementRecord, bool) {
	v, ok := c.Get(SettlementKey)
	if !ok {
		return nil, false
	}
	record, ok := v.(*x402.SettlementRecord)
	return record, ok
}
