package evm

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"

	x402 "github.com/x402-foundation/paygate"
)

// PrivateKeySigner implements x402.Signer using an ECDSA private key.
// It signs EIP-3009 TransferWithAuthorization typed data.
type PrivateKeySigner struct {
	privateKey *ecdsa.PrivateKey
	address    common.Address
}

// NewSignerFromPrivateKey creates a signer from a hex-encoded private key.
//
// Args:
//
//	privateKeyHex: Hex-encoded private key (with or without "0x" prefix)
//
// Returns:
//
//	Signer ready for use with x402.NewRequester
//	Error if private key is invalid
//
// Example:
//
//	signer, err := evm.NewSignerFromPrivateKey(os.Getenv("PRIVATE_KEY"))
//	if err != nil {
//	    log.Fatal(err)
//	}
//	requester := x402.NewRequester(signer)
func NewSignerFromPrivateKey(privateKeyHex string) (*PrivateKeySigner, error) {
	privateKey, err := crypto.HexToECDSA(strings.TrimPrefix(privateKeyHex, "0x"))
	if err != nil {
		return nil, fmt.Errorf("invalid private key: %w", err)
	}
	return NewSigner(privateKey), nil
}

// NewSigner creates a signer from an ECDSA key
func NewSigner(privateKey *ecdsa.PrivateKey) *PrivateKeySigner {
	return &PrivateKeySigner{
		privateKey: privateKey,
		address:    crypto.PubkeyToAddress(privateKey.PublicKey),
	}
}

// Identity returns the checksummed address of the signer
func (s *PrivateKeySigner) Identity() string {
	return s.address.Hex()
}

// Sign returns a 65-byte (r, s, v) signature over the transfer digest, with v in {27, 28}
func (s *PrivateKeySigner) Sign(ctx context.Context, payload x402.StructuredPayload) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	digest, err := HashTransfer(payload, s.address.Hex())
	if err != nil {
		return nil, fmt.Errorf("failed to hash transfer: %w", err)
	}

	signature, err := crypto.Sign(digest, s.privateKey)
	if err != nil {
		return nil, fmt.Errorf("failed to sign: %w", err)
	}

	// Adjust v value for Ethereum (add 27)
	signature[64] += 27
	return signature, nil
}

var _ x402.Signer = (*PrivateKeySigner)(nil)
