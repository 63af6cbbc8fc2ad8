package x402

import (
	"context"
	"math/big"
	"time"
)

// ============================================================================
// Collaborators
// ============================================================================

// Signer produces signatures over structured payloads on behalf of a requester.
// The private key never leaves the implementation.
type Signer interface {
	// Identity returns the public identity (address) the signatures recover to
	Identity() string

	// Sign returns a signature over the structured payload
	//
	// Args:
	//   ctx: Context for cancellation (hardware or remote signers)
	//   payload: Domain-scoped statement built from a challenge
	//
	// Returns:
	//   Raw signature bytes or error
	Sign(ctx context.Context, payload StructuredPayload) ([]byte, error)
}

// Verifier checks a signature against a claimed signer identity
type Verifier interface {
	Verify(ctx context.Context, payload StructuredPayload, signature []byte, signerIdentity string) (bool, error)
}

// SignedTransfer is what a Ledger submits
type SignedTransfer struct {
	Payload        StructuredPayload
	Signature      []byte
	SignerIdentity string
}

// LedgerStatus is the confirmation state of a submitted transfer
type LedgerStatus struct {
	Confirmed   bool
	Failed      bool
	BlockNumber uint64
}

// Ledger moves value. Submit returns a reference that Confirm can poll.
type Ledger interface {
	Submit(ctx context.Context, transfer SignedTransfer) (string, error)
	Confirm(ctx context.Context, ref string) (LedgerStatus, error)
}

// BalanceReader is optionally implemented by a Ledger to let verification
// check that the payer can cover the amount
type BalanceReader interface {
	BalanceOf(ctx context.Context, asset, owner string) (*big.Int, error)
}

// PricingSource supplies the price of a resource. Returning ok=false means
// the resource is not protected.
type PricingSource interface {
	Price(ctx context.Context, resourceID string) (ResourceConfig, bool, error)
}

// ============================================================================
// Settlement Verifier adapter
// ============================================================================

// SettlementVerifier decides whether a proof is valid and settles it.
// Implementations hold no cache; idempotency belongs to the ReplayStore.
type SettlementVerifier interface {
	// Verify is side-effect free. An unreachable backend yields
	// VerifyResult{Valid: false, Reason: ReasonVerifierUnavailable}.
	Verify(ctx context.Context, proof PaymentProof, challenge PaymentChallenge) (VerifyResult, error)

	// Settle moves value and returns the receipt. Failures are
	// *PaymentError values of KindSettlementError.
	Settle(ctx context.Context, proof PaymentProof, challenge PaymentChallenge) (SettlementRecord, error)
}

// ============================================================================
// Replay store
// ============================================================================

// ReplayStore keeps per-nonce state with expiry.
//
// Get returns ErrEntryNotFound for missing or expired entries. Any other error
// means the store is unavailable and the caller must fail closed.
type ReplayStore interface {
	Get(ctx context.Context, nonce string) (ReplayEntry, error)
	Put(ctx context.Context, entry ReplayEntry, ttl time.Duration) error

	// CompareAndSwap replaces the entry only if its current state equals
	// expected. It returns false, nil when the state differs or the entry is gone.
	CompareAndSwap(ctx context.Context, nonce string, expected EntryState, next ReplayEntry, ttl time.Duration) (bool, error)
}

// Clock is injected where time matters so expiry can be tested
type Clock interface {
	Now() time.Time
}

// SystemClock reads the wall clock
type SystemClock struct{}

// Now returns time.Now
func (SystemClock) Now() time.Time { return time.Now() }
