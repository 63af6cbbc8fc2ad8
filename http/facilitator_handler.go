package http

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/sirupsen/logrus"

	x402 "github.com/x402-foundation/paygate"
)

// maxFacilitatorBody bounds /verify and /settle request bodies
const maxFacilitatorBody = 1 << 20

// FacilitatorHandler serves /verify, /settle and /supported on top of any
// SettlementVerifier, so a LocalSettlementVerifier can be shared by many providers
type FacilitatorHandler struct {
	verifier      x402.SettlementVerifier
	authenticator Authenticator
	supported     []SupportedKind
	logger        logrus.FieldLogger
	mux           *http.ServeMux
}

// FacilitatorHandlerOption configures the handler
type FacilitatorHandlerOption func(*FacilitatorHandler)

// WithAuthenticator makes every endpoint authenticate requests with a before
// serving them; refused requests get the StatusError status.
func WithAuthenticator(a Authenticator) FacilitatorHandlerOption {
	return func(h *FacilitatorHandler) {
		h.authenticator = a
	}
}

// WithSupported sets the kinds advertised on /supported
func WithSupported(kinds ...SupportedKind) FacilitatorHandlerOption {
	return func(h *FacilitatorHandler) {
		h.supported = append(h.supported, kinds...)
	}
}

// WithHandlerLogger sets the logger
func WithHandlerLogger(logger logrus.FieldLogger) FacilitatorHandlerOption {
	return func(h *FacilitatorHandler) {
		h.logger = logger
	}
}

// NewFacilitatorHandler creates the facilitator HTTP handler
func NewFacilitatorHandler(verifier x402.SettlementVerifier, opts ...FacilitatorHandlerOption) *FacilitatorHandler {
	discard := logrus.New()
	discard.SetOutput(io.Discard)

	h := &FacilitatorHandler{
		verifier: verifier,
		logger:   discard,
		mux:      http.NewServeMux(),
	}
	for _, opt := range opts {
		opt(h)
	}

	h.mux.HandleFunc("POST /verify", h.authenticated(h.handleVerify))
	h.mux.HandleFunc("POST /settle", h.authenticated(h.handleSettle))
	h.mux.HandleFunc("GET /supported", h.authenticated(h.handleSupported))
	return h
}

// ServeHTTP implements http.Handler
func (h *FacilitatorHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mux.ServeHTTP(w, r)
}

func (h *FacilitatorHandler) authenticated(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if h.authenticator != nil {
			if err := h.authenticator.Authenticate(r); err != nil {
				status := http.StatusInternalServerError
				var se StatusError
				if errors.As(err, &se) {
					status = se.Status()
				}
				h.logger.WithFields(logrus.Fields{
					"path":       r.URL.Path,
					"request_id": r.Header.Get(HeaderRequestID),
				}).WithError(err).Warn("facilitator request refused")
				http.Error(w, err.Error(), status)
				return
			}
		}
		next(w, r)
	}
}

func (h *FacilitatorHandler) decode(w http.ResponseWriter, r *http.Request) (FacilitatorRequest, bool) {
	var body FacilitatorRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, maxFacilitatorBody)).Decode(&body); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return FacilitatorRequest{}, false
	}
	if body.X402Version != x402.ProtocolVersion {
		http.Error(w, "unsupported x402Version", http.StatusBadRequest)
		return FacilitatorRequest{}, false
	}
	return body, true
}

func (h *FacilitatorHandler) handleVerify(w http.ResponseWriter, r *http.Request) {
	body, ok := h.decode(w, r)
	if !ok {
		return
	}
	log := h.logger.WithFields(logrus.Fields{
		"nonce":      body.PaymentProof.ChallengeNonce,
		"request_id": r.Header.Get(HeaderRequestID),
	})

	result, err := h.verifier.Verify(r.Context(), body.PaymentProof, body.PaymentChallenge)
	if err != nil {
		log.WithError(err).Error("verify failed")
		writeJSON(w, http.StatusServiceUnavailable, x402.VerifyResult{Valid: false, Reason: x402.ReasonVerifierUnavailable})
		return
	}
	if !result.Valid && result.Reason == x402.ReasonVerifierUnavailable {
		writeJSON(w, http.StatusServiceUnavailable, result)
		return
	}
	log.WithFields(logrus.Fields{"valid": result.Valid, "reason": result.Reason}).Info("verified")
	writeJSON(w, http.StatusOK, result)
}

func (h *FacilitatorHandler) handleSettle(w http.ResponseWriter, r *http.Request) {
	body, ok := h.decode(w, r)
	if !ok {
		return
	}
	log := h.logger.WithFields(logrus.Fields{
		"nonce":      body.PaymentProof.ChallengeNonce,
		"request_id": r.Header.Get(HeaderRequestID),
	})

	record, err := h.verifier.Settle(r.Context(), body.PaymentProof, body.PaymentChallenge)
	if err != nil {
		log.WithError(err).Warn("settle failed")
		writeJSON(w, http.StatusOK, SettleResponse{Success: false, ErrorReason: err.Error()})
		return
	}
	log.WithField("ledger_ref", record.LedgerRef).Info("settled")
	writeJSON(w, http.StatusOK, SettleResponse{Success: true, Record: &record})
}

func (h *FacilitatorHandler) handleSupported(w http.ResponseWriter, _ *http.Request) {
	kinds := h.supported
	if kinds == nil {
		kinds = []SupportedKind{}
	}
	writeJSON(w, http.StatusOK, SupportedResponse{Kinds: kinds})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
