package x402

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrorKind classifies handshake failures
type ErrorKind string

// Error kinds
const (
	KindMalformedProof      ErrorKind = "malformed_proof"
	KindSchemaMismatch      ErrorKind = "schema_mismatch"
	KindPaymentRejected     ErrorKind = "payment_rejected"
	KindStaleChallenge      ErrorKind = "stale_challenge"
	KindSettlementError     ErrorKind = "settlement_error"
	KindStoreUnavailable    ErrorKind = "store_unavailable"
	KindSigningFailed       ErrorKind = "signing_failed"
	KindVerifierUnavailable ErrorKind = "verifier_unavailable"
	KindUnsupported         ErrorKind = "unsupported"
)

// ErrEntryNotFound is returned by a ReplayStore when no live entry exists for a nonce
var ErrEntryNotFound = errors.New("replay entry not found")

// PaymentError represents a payment-specific error
type PaymentError struct {
	Kind    ErrorKind `json:"kind"`
	Message string    `json:"message"`
	Cause   error     `json:"-"`
}

func (e *PaymentError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *PaymentError) Unwrap() error {
	return e.Cause
}

// Is matches any *PaymentError of the same kind, so callers can write
// errors.Is(err, &PaymentError{Kind: KindStaleChallenge}).
func (e *PaymentError) Is(target error) bool {
	var t *PaymentError
	if !errors.As(target, &t) {
		return false
	}
	return t.Kind == e.Kind
}

// NewPaymentError creates a new payment error
func NewPaymentError(kind ErrorKind, message string, cause error) *PaymentError {
	return &PaymentError{
		Kind:    kind,
		Message: message,
		Cause:   cause,
	}
}

// KindOf extracts the error kind from err, or "" when err carries none
func KindOf(err error) ErrorKind {
	var pe *PaymentError
	if errors.As(err, &pe) {
		return pe.Kind
	}
	return ""
}

// IsProviderFault reports whether a kind is the provider's fault rather than the payer's.
// Provider faults are answered with 5xx, never with a new 402.
func IsProviderFault(kind ErrorKind) bool {
	switch kind {
	case KindSettlementError, KindStoreUnavailable, KindVerifierUnavailable:
		return true
	}
	return false
}

// HTTPStatus maps a provider fault kind to its response status
func HTTPStatus(kind ErrorKind) int {
	switch kind {
	case KindSettlementError, KindVerifierUnavailable:
		return http.StatusBadGateway
	case KindStoreUnavailable:
		return http.StatusServiceUnavailable
	case KindMalformedProof, KindSchemaMismatch, KindPaymentRejected, KindStaleChallenge:
		return http.StatusPaymentRequired
	}
	return http.StatusInternalServerError
}
