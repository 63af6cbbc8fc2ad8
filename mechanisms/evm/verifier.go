package evm

import (
	"context"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"

	x402 "github.com/x402-foundation/paygate"
)

// ECRecoverVerifier implements x402.Verifier for externally owned accounts by
// recovering the signer address from the transfer digest
type ECRecoverVerifier struct{}

// NewVerifier creates an ecrecover verifier
func NewVerifier() *ECRecoverVerifier {
	return &ECRecoverVerifier{}
}

// Verify reports whether signature over payload recovers to signerIdentity
func (v *ECRecoverVerifier) Verify(_ context.Context, payload x402.StructuredPayload, signature []byte, signerIdentity string) (bool, error) {
	if len(signature) != 65 {
		return false, fmt.Errorf("invalid signature length: %d", len(signature))
	}
	if !common.IsHexAddress(signerIdentity) {
		return false, fmt.Errorf("invalid signer address: %s", signerIdentity)
	}

	digest, err := HashTransfer(payload, signerIdentity)
	if err != nil {
		return false, err
	}

	// Normalize v (27/28 → 0/1) for recovery
	sig := make([]byte, 65)
	copy(sig, signature)
	if sig[64] >= 27 {
		sig[64] -= 27
	}

	pubKey, err := crypto.SigToPub(digest, sig)
	if err != nil {
		return false, nil
	}
	recovered := crypto.PubkeyToAddress(*pubKey)
	return recovered == common.HexToAddress(signerIdentity), nil
}

var _ x402.Verifier = (*ECRecoverVerifier)(nil)
