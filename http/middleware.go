package http

import (
	"net/http"

	x402 "github.com/x402-foundation/paygate"
)

// ResourceResolver maps a request to the resource id priced by the provider
type ResourceResolver func(r *http.Request) string

// PathResolver uses the request path as the resource id
func PathResolver(r *http.Request) string {
	return r.URL.Path
}

// MiddlewareConfig configures PaymentMiddleware
type MiddlewareConfig struct {
	// Resolver defaults to PathResolver
	Resolver ResourceResolver
}

// MiddlewareOption configures PaymentMiddleware
type MiddlewareOption func(*MiddlewareConfig)

// WithResolver sets how requests map to resource ids
func WithResolver(resolver ResourceResolver) MiddlewareOption {
	return func(c *MiddlewareConfig) {
		c.Resolver = resolver
	}
}

// NewMiddlewareConfig applies opts over the defaults
func NewMiddlewareConfig(opts ...MiddlewareOption) MiddlewareConfig {
	cfg := MiddlewareConfig{Resolver: PathResolver}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.Resolver == nil {
		cfg.Resolver = PathResolver
	}
	return cfg
}

// PaymentMiddleware guards next behind the payment handshake. Paid requests
// reach next with the settlement on the request context and the
// PAYMENT-RESPONSE header already set.
func PaymentMiddleware(provider *x402.Provider, opts ...MiddlewareOption) func(http.Handler) http.Handler {
	cfg := NewMiddlewareConfig(opts...)

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			resp := provider.HandleRequest(r.Context(), ProviderRequestFrom(r, cfg.Resolver(r)))

			rendered, err := Render(resp)
			if err != nil {
				http.Error(w, "failed to encode payment response", http.StatusInternalServerError)
				return
			}
			if resp.Decision != x402.DecisionGrant {
				writeRendered(w, rendered)
				return
			}

			for k, v := range rendered.Headers {
				w.Header().Set(k, v)
			}
			if resp.Settlement != nil {
				r = r.WithContext(WithSettlement(r.Context(), resp.Settlement))
			}
			next.ServeHTTP(w, r)
		})
	}
}
