// Package autoapprove provides test doubles for the payment handshake: a
// settlement verifier that approves every proof and a signer with no key.
// They must never be selected outside tests and local development.
package autoapprove

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	x402 "github.com/x402-foundation/paygate"
)

// ============================================================================
// Signer
// ============================================================================

// Signer produces a fake signature naming the payer
type Signer struct {
	payer string
}

// NewSigner creates a signer for payer
func NewSigner(payer string) *Signer {
	return &Signer{payer: payer}
}

// Identity returns the payer name
func (s *Signer) Identity() string {
	return s.payer
}

// Sign returns "~payer" as the signature
func (s *Signer) Sign(_ context.Context, _ x402.StructuredPayload) ([]byte, error) {
	return []byte("~" + s.payer), nil
}

// ============================================================================
// Settlement Verifier
// ============================================================================

// Verifier approves every proof and settles it with a synthetic ledger reference.
// It counts calls so tests can assert exactly-once settlement.
type Verifier struct {
	verifyCalls atomic.Int64
	settleCalls atomic.Int64

	mu          sync.Mutex
	settleDelay time.Duration
	settleErr   error
	verifyFn    func(x402.PaymentProof, x402.PaymentChallenge) x402.VerifyResult
	now         func() time.Time
}

// Option configures the Verifier
type Option func(*Verifier)

// WithSettleDelay makes Settle take d, honoring context cancellation
func WithSettleDelay(d time.Duration) Option {
	return func(v *Verifier) {
		v.settleDelay = d
	}
}

// WithSettleError makes every Settle fail with err
func WithSettleError(err error) Option {
	return func(v *Verifier) {
		v.settleErr = err
	}
}

// WithVerifyFunc replaces the approve-everything verify decision
func WithVerifyFunc(fn func(x402.PaymentProof, x402.PaymentChallenge) x402.VerifyResult) Option {
	return func(v *Verifier) {
		v.verifyFn = fn
	}
}

// NewVerifier creates an approving verifier
func NewVerifier(opts ...Option) *Verifier {
	v := &Verifier{now: time.Now}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

// SetSettleError changes the settle failure at runtime
func (v *Verifier) SetSettleError(err error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.settleErr = err
}

// VerifyCalls returns how many times Verify ran
func (v *Verifier) VerifyCalls() int64 {
	return v.verifyCalls.Load()
}

// SettleCalls returns how many times Settle ran
func (v *Verifier) SettleCalls() int64 {
	return v.settleCalls.Load()
}

// Verify approves the proof unless a verify func says otherwise
func (v *Verifier) Verify(_ context.Context, proof x402.PaymentProof, challenge x402.PaymentChallenge) (x402.VerifyResult, error) {
	v.verifyCalls.Add(1)
	if v.verifyFn != nil {
		return v.verifyFn(proof, challenge), nil
	}
	return x402.VerifyResult{Valid: true, Payer: proof.SignerIdentity}, nil
}

// Settle returns a settled record after the configured delay
func (v *Verifier) Settle(ctx context.Context, proof x402.PaymentProof, challenge x402.PaymentChallenge) (x402.SettlementRecord, error) {
	n := v.settleCalls.Add(1)

	v.mu.Lock()
	delay, settleErr := v.settleDelay, v.settleErr
	v.mu.Unlock()

	if delay > 0 {
		select {
		case <-ctx.Done():
			return x402.SettlementRecord{}, x402.NewPaymentError(x402.KindSettlementError, "settlement timed out", ctx.Err())
		case <-time.After(delay):
		}
	}
	if settleErr != nil {
		return x402.SettlementRecord{}, x402.NewPaymentError(x402.KindSettlementError, "settlement failed", settleErr)
	}

	return x402.SettlementRecord{
		Nonce:     challenge.Nonce,
		Outcome:   x402.OutcomeSettled,
		LedgerRef: fmt.Sprintf("auto-%d", n),
		Amount:    proof.Payload.Amount,
		Recipient: proof.Payload.Recipient,
		Payer:     proof.SignerIdentity,
		Network:   challenge.Network,
		SettledAt: v.now().Unix(),
	}, nil
}

var (
	_ x402.SettlementVerifier = (*Verifier)(nil)
	_ x402.Signer             = (*Signer)(nil)
)
