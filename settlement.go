package x402

import (
	"context"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common/hexutil"
)

// DefaultConfirmInterval is how often a submitted transfer is polled
const DefaultConfirmInterval = 2 * time.Second

// LocalSettlementVerifier verifies signatures in-process and settles
// directly against a Ledger
type LocalSettlementVerifier struct {
	verifier        Verifier
	ledger          Ledger
	clock           Clock
	confirmInterval time.Duration
}

// LocalOption configures a LocalSettlementVerifier
type LocalOption func(*LocalSettlementVerifier)

// WithLocalClock overrides the clock used for validity windows
func WithLocalClock(clock Clock) LocalOption {
	return func(v *LocalSettlementVerifier) {
		v.clock = clock
	}
}

// WithConfirmInterval sets the ledger confirmation polling interval
func WithConfirmInterval(d time.Duration) LocalOption {
	return func(v *LocalSettlementVerifier) {
		v.confirmInterval = d
	}
}

// NewLocalSettlementVerifier creates a local settlement verifier
func NewLocalSettlementVerifier(verifier Verifier, ledger Ledger, opts ...LocalOption) *LocalSettlementVerifier {
	v := &LocalSettlementVerifier{
		verifier:        verifier,
		ledger:          ledger,
		clock:           SystemClock{},
		confirmInterval: DefaultConfirmInterval,
	}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

// Verify checks binding, validity window, signature and, when the ledger can
// read balances, that the payer can cover the amount
func (v *LocalSettlementVerifier) Verify(ctx context.Context, proof PaymentProof, challenge PaymentChallenge) (VerifyResult, error) {
	if proof.X402Version != ProtocolVersion {
		return VerifyResult{Valid: false, Reason: ReasonUnsupported}, nil
	}
	if err := CheckBinding(proof, challenge); err != nil {
		return VerifyResult{Valid: false, Reason: ReasonBindingMismatch}, nil
	}

	now := v.clock.Now().Unix()
	if now < proof.Payload.ValidAfter {
		return VerifyResult{Valid: false, Reason: ReasonNotYetValid}, nil
	}
	if now > proof.Payload.ValidBefore {
		return VerifyResult{Valid: false, Reason: ReasonExpired}, nil
	}

	signature, err := hexutil.Decode(proof.Signature)
	if err != nil {
		return VerifyResult{Valid: false, Reason: ReasonInvalidSignature}, nil
	}
	payload := StructuredPayload{Domain: DomainFor(challenge), Message: proof.Payload}
	ok, err := v.verifier.Verify(ctx, payload, signature, proof.SignerIdentity)
	if err != nil || !ok {
		return VerifyResult{Valid: false, Reason: ReasonInvalidSignature}, nil
	}

	if reader, isReader := v.ledger.(BalanceReader); isReader {
		balance, err := reader.BalanceOf(ctx, challenge.Asset, proof.SignerIdentity)
		if err != nil {
			return VerifyResult{Valid: false, Reason: ReasonVerifierUnavailable}, nil
		}
		required, err := ParseAmount(proof.Payload.Amount)
		if err != nil {
			return VerifyResult{Valid: false, Reason: ReasonBindingMismatch}, nil
		}
		if balance.Cmp(required) < 0 {
			return VerifyResult{Valid: false, Reason: ReasonInsufficientFunds, Payer: proof.SignerIdentity}, nil
		}
	}

	return VerifyResult{Valid: true, Payer: proof.SignerIdentity}, nil
}

// Settle re-verifies, submits the transfer and waits for confirmation
func (v *LocalSettlementVerifier) Settle(ctx context.Context, proof PaymentProof, challenge PaymentChallenge) (SettlementRecord, error) {
	result, err := v.Verify(ctx, proof, challenge)
	if err != nil {
		return SettlementRecord{}, NewPaymentError(KindSettlementError, "verification failed", err)
	}
	if !result.Valid {
		return SettlementRecord{}, NewPaymentError(KindSettlementError, "verification failed: "+result.Reason, nil)
	}

	signature, err := hexutil.Decode(proof.Signature)
	if err != nil {
		return SettlementRecord{}, NewPaymentError(KindSettlementError, "invalid signature encoding", err)
	}

	ref, err := v.ledger.Submit(ctx, SignedTransfer{
		Payload:        StructuredPayload{Domain: DomainFor(challenge), Message: proof.Payload},
		Signature:      signature,
		SignerIdentity: proof.SignerIdentity,
	})
	if err != nil {
		return SettlementRecord{}, NewPaymentError(KindSettlementError, "ledger submit failed", err)
	}

	status, err := v.waitConfirmed(ctx, ref)
	if err != nil {
		return SettlementRecord{}, NewPaymentError(KindSettlementError, fmt.Sprintf("transfer %s not confirmed", ref), err)
	}
	if status.Failed {
		return SettlementRecord{}, NewPaymentError(KindSettlementError, fmt.Sprintf("transfer %s reverted", ref), nil)
	}

	return SettlementRecord{
		Nonce:       challenge.Nonce,
		Outcome:     OutcomeSettled,
		LedgerRef:   ref,
		BlockNumber: status.BlockNumber,
		Amount:      proof.Payload.Amount,
		Recipient:   proof.Payload.Recipient,
		Payer:       proof.SignerIdentity,
		Network:     challenge.Network,
		SettledAt:   v.clock.Now().Unix(),
	}, nil
}

func (v *LocalSettlementVerifier) waitConfirmed(ctx context.Context, ref string) (LedgerStatus, error) {
	ticker := time.NewTicker(v.confirmInterval)
	defer ticker.Stop()
	for {
		status, err := v.ledger.Confirm(ctx, ref)
		if err != nil {
			return LedgerStatus{}, err
		}
		if status.Confirmed || status.Failed {
			return status, nil
		}
		select {
		case <-ctx.Done():
			return LedgerStatus{}, ctx.Err()
		case <-ticker.C:
		}
	}
}

var _ SettlementVerifier = (*LocalSettlementVerifier)(nil)
