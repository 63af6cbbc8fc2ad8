// Package echo adapts the x402 payment middleware to echo.
package echo

import (
	"net/http"

	"github.com/labstack/echo/v4"

	x402 "github.com/x402-foundation/paygate"
	x402http "github.com/x402-foundation/paygate/http"
)

// SettlementKey is the echo context key holding the *x402.SettlementRecord of a paid request
const SettlementKey = "x402.settlement"

// PaymentMiddleware is the echo middleware for resource servers using the x402 handshake
func PaymentMiddleware(provider *x402.Provider, opts ...x402http.MiddlewareOption) echo.MiddlewareFunc {
	cfg := x402http.NewMiddlewareConfig(opts...)

	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			req := c.Request()
			resp := provider.HandleRequest(req.Context(), x402http.ProviderRequestFrom(req, cfg.Resolver(req)))

			rendered, err := x402http.Render(resp)
			if err != nil {
				return echo.NewHTTPError(http.StatusInternalServerError, "failed to encode payment response")
			}
			for k, v := range rendered.Headers {
				c.Response().Header().Set(k, v)
			}
			if resp.Decision != x402.DecisionGrant {
				return c.JSON(rendered.Status, rendered.Body)
			}

			if resp.Settlement != nil {
				c.Set(SettlementKey, resp.Settlement)
				c.SetRequest(req.WithContext(x402http.WithSettlement(req.Context(), resp.Settlement)))
			}
			return next(c)
		}
	}
}

// SettlementFrom returns the settlement of the paid request, if any
func SettlementFrom(c echo.Context) (*x402.SettlementRecord, bool) {
	record, ok := c.Get(SettlementKey).(*x402.SettlementRecord)
	return record, ok && record != nil
}
