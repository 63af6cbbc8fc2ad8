package x402

import (
	"crypto/rand"
	"fmt"

	"github.com/ethereum/go-ethereum/common/hexutil"
)

// NonceBytes is the size of a challenge nonce. It matches the bytes32 nonce of
// an EIP-3009 authorization so the signed transfer is bound to the challenge.
const NonceBytes = 32

// NewNonce returns a fresh 0x-prefixed hex nonce from crypto/rand
func NewNonce() (string, error) {
	buf := make([]byte, NonceBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("failed to read random nonce: %w", err)
	}
	return hexutil.Encode(buf), nil
}

// NonceToBytes32 decodes a nonce produced by NewNonce
func NonceToBytes32(nonce string) ([32]byte, error) {
	var out [32]byte
	raw, err := hexutil.Decode(nonce)
	if err != nil {
		return out, fmt.Errorf("invalid nonce %q: %w", nonce, err)
	}
	if len(raw) != NonceBytes {
		return out, fmt.Errorf("invalid nonce length: got %d bytes, want %d", len(raw), NonceBytes)
	}
	copy(out[:], raw)
	return out, nil
}
