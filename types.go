package x402

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// ProtocolVersion is the only wire version this module reads and writes
const ProtocolVersion = 2

// SchemeExact is the scheme where the proof must carry exactly the required amount
const SchemeExact = "exact"

// Network represents a ledger network identifier in CAIP-2 format
// Format: namespace:reference (e.g., "eip155:84532" for Base Sepolia)
type Network string

// Parse splits the network into namespace and reference components
func (n Network) Parse() (namespace, reference string, err error) {
	parts := strings.Split(string(n), ":")
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", fmt.Errorf("invalid network format: %s", n)
	}
	return parts[0], parts[1], nil
}

// ChainID returns the numeric reference of an eip155 network
func (n Network) ChainID() (int64, error) {
	namespace, reference, err := n.Parse()
	if err != nil {
		return 0, err
	}
	if namespace != "eip155" {
		return 0, fmt.Errorf("network %s is not an eip155 network", n)
	}
	id, err := strconv.ParseInt(reference, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid chain id in network %s: %w", n, err)
	}
	return id, nil
}

// PaymentChallenge is the structured statement a provider returns with a 402.
// It is immutable once issued.
type PaymentChallenge struct {
	X402Version       int                    `json:"x402Version"`
	Scheme            string                 `json:"scheme"`
	Network           Network                `json:"network"`
	PayTo             string                 `json:"payTo"`
	Asset             string                 `json:"asset"`
	MaxAmountRequired string                 `json:"maxAmountRequired"`
	ResourceID        string                 `json:"resourceId"`
	Description       string                 `json:"description,omitempty"`
	MimeType          string                 `json:"mimeType,omitempty"`
	MaxTimeoutSeconds int                    `json:"maxTimeoutSeconds"`
	Nonce             string                 `json:"nonce"`
	IssuedAt          int64                  `json:"issuedAt"`
	Extra             map[string]interface{} `json:"extra,omitempty"`
}

// IssuedTime returns IssuedAt as a time.Time
func (c PaymentChallenge) IssuedTime() time.Time {
	return time.Unix(c.IssuedAt, 0).UTC()
}

// ExpiresAt is the end of the challenge validity window
func (c PaymentChallenge) ExpiresAt() time.Time {
	return c.IssuedTime().Add(time.Duration(c.MaxTimeoutSeconds) * time.Second)
}

// Expired reports whether the challenge can no longer be answered at now
func (c PaymentChallenge) Expired(now time.Time) bool {
	return now.After(c.ExpiresAt())
}

// ExtraString reads a string value from Extra
func (c PaymentChallenge) ExtraString(key string) string {
	if c.Extra == nil {
		return ""
	}
	if s, ok := c.Extra[key].(string); ok {
		return s
	}
	return ""
}

// ProofPayload is the structured statement the requester signs
type ProofPayload struct {
	Recipient   string  `json:"recipient"`
	Amount      string  `json:"amount"`
	Asset       string  `json:"asset"`
	Network     Network `json:"network"`
	ResourceID  string  `json:"resourceId,omitempty"`
	Timestamp   int64   `json:"timestamp"`
	ValidAfter  int64   `json:"validAfter"`
	ValidBefore int64   `json:"validBefore"`
	Nonce       string  `json:"nonce"`
}

// PaymentProof is the requester's signed answer to a challenge
type PaymentProof struct {
	X402Version    int          `json:"x402Version"`
	ChallengeNonce string       `json:"challengeNonce"`
	Payload        ProofPayload `json:"payload"`
	Signature      string       `json:"signature"`
	SignerIdentity string       `json:"signerIdentity"`
}

// Outcome of a settlement attempt
type Outcome string

const (
	OutcomeVerifiedOnly Outcome = "verified-only"
	OutcomeSettled      Outcome = "settled"
	OutcomeRejected     Outcome = "rejected"
)

// SettlementRecord is the receipt for a nonce. For a given nonce it is
// written at most once with OutcomeSettled.
type SettlementRecord struct {
	Nonce       string  `json:"nonce"`
	Outcome     Outcome `json:"outcome"`
	LedgerRef   string  `json:"ledgerRef,omitempty"`
	BlockNumber uint64  `json:"blockNumber,omitempty"`
	Amount      string  `json:"amount,omitempty"`
	Recipient   string  `json:"recipient,omitempty"`
	Payer       string  `json:"payer,omitempty"`
	Network     Network `json:"network,omitempty"`
	SettledAt   int64   `json:"settledAt"`
}

// VerifyResult is the answer of SettlementVerifier.Verify
type VerifyResult struct {
	Valid  bool   `json:"valid"`
	Reason string `json:"reason,omitempty"`
	Payer  string `json:"payer,omitempty"`
}

// Verify failure reasons shared by the verifier implementations
const (
	ReasonVerifierUnavailable = "verifier-unavailable"
	ReasonBindingMismatch     = "binding-mismatch"
	ReasonInvalidSignature    = "invalid-signature"
	ReasonExpired             = "authorization-expired"
	ReasonNotYetValid         = "authorization-not-yet-valid"
	ReasonInsufficientFunds   = "insufficient-funds"
	ReasonUnsupported         = "unsupported-scheme-or-network"
)

// Domain scopes a signed statement to a network, asset contract and token
type Domain struct {
	Name              string  `json:"name"`
	Version           string  `json:"version"`
	Network           Network `json:"network"`
	VerifyingContract string  `json:"verifyingContract"`
}

// StructuredPayload is the typed statement handed to a Signer or Verifier
type StructuredPayload struct {
	Domain  Domain       `json:"domain"`
	Message ProofPayload `json:"message"`
}

// DomainFor derives the signing domain from a challenge. The token name and
// version come from the challenge Extra ("name", "version").
func DomainFor(challenge PaymentChallenge) Domain {
	return Domain{
		Name:              challenge.ExtraString("name"),
		Version:           challenge.ExtraString("version"),
		Network:           challenge.Network,
		VerifyingContract: challenge.Asset,
	}
}

// ResourceConfig prices a single protected resource
type ResourceConfig struct {
	Scheme            string                 `json:"scheme" yaml:"scheme"`
	Network           Network                `json:"network" yaml:"network"`
	PayTo             string                 `json:"payTo" yaml:"pay_to"`
	Asset             string                 `json:"asset" yaml:"asset"`
	Amount            string                 `json:"amount" yaml:"amount"`
	MaxTimeoutSeconds int                    `json:"maxTimeoutSeconds" yaml:"max_timeout_seconds"`
	Description       string                 `json:"description,omitempty" yaml:"description"`
	MimeType          string                 `json:"mimeType,omitempty" yaml:"mime_type"`
	Extra             map[string]interface{} `json:"extra,omitempty" yaml:"extra"`
}

// EntryState is the lifecycle state of a nonce in the replay store
type EntryState string

const (
	StateIssued   EntryState = "issued"
	StateSettling EntryState = "settling"
	StateSettled  EntryState = "settled"
	StateRejected EntryState = "rejected"
)

// ReplayEntry is what the replay store keeps per nonce
type ReplayEntry struct {
	Nonce       string            `json:"nonce"`
	State       EntryState        `json:"state"`
	Challenge   PaymentChallenge  `json:"challenge"`
	ProofDigest string            `json:"proofDigest,omitempty"`
	Record      *SettlementRecord `json:"record,omitempty"`
	Reason      string            `json:"reason,omitempty"`
	UpdatedAt   time.Time         `json:"updatedAt"`
}
