package x402

import (
	"fmt"
	"math/big"
	"strings"
)

// ValidateChallenge checks that a challenge is complete enough to be paid
func ValidateChallenge(challenge PaymentChallenge) error {
	if challenge.X402Version != ProtocolVersion {
		return fmt.Errorf("unsupported x402Version %d", challenge.X402Version)
	}
	if challenge.Scheme == "" {
		return fmt.Errorf("challenge scheme is required")
	}
	if _, _, err := challenge.Network.Parse(); err != nil {
		return err
	}
	if challenge.PayTo == "" {
		return fmt.Errorf("challenge payTo is required")
	}
	if challenge.Asset == "" {
		return fmt.Errorf("challenge asset is required")
	}
	if _, err := ParseAmount(challenge.MaxAmountRequired); err != nil {
		return fmt.Errorf("challenge maxAmountRequired: %w", err)
	}
	if challenge.MaxTimeoutSeconds <= 0 {
		return fmt.Errorf("challenge maxTimeoutSeconds must be positive")
	}
	if challenge.Nonce == "" {
		return fmt.Errorf("challenge nonce is required")
	}
	return nil
}

// ParseAmount parses a base-unit decimal string
func ParseAmount(amount string) (*big.Int, error) {
	value, ok := new(big.Int).SetString(amount, 10)
	if !ok {
		return nil, fmt.Errorf("invalid amount %q", amount)
	}
	if value.Sign() < 0 {
		return nil, fmt.Errorf("negative amount %q", amount)
	}
	return value, nil
}

// CheckBinding enforces that a proof answers exactly this challenge: recipient,
// amount, asset, network and nonce must all match. Addresses compare
// case-insensitively. A mismatch is a *PaymentError of KindPaymentRejected.
func CheckBinding(proof PaymentProof, challenge PaymentChallenge) error {
	payload := proof.Payload

	if proof.ChallengeNonce != challenge.Nonce || payload.Nonce != challenge.Nonce {
		return bindingError("nonce does not match challenge")
	}
	if !strings.EqualFold(payload.Recipient, challenge.PayTo) {
		return bindingError(fmt.Sprintf("recipient %s does not match payTo %s", payload.Recipient, challenge.PayTo))
	}
	if !strings.EqualFold(payload.Asset, challenge.Asset) {
		return bindingError(fmt.Sprintf("asset %s does not match %s", payload.Asset, challenge.Asset))
	}
	if payload.Network != challenge.Network {
		return bindingError(fmt.Sprintf("network %s does not match %s", payload.Network, challenge.Network))
	}

	paid, err := ParseAmount(payload.Amount)
	if err != nil {
		return bindingError(err.Error())
	}
	required, err := ParseAmount(challenge.MaxAmountRequired)
	if err != nil {
		return bindingError(err.Error())
	}
	switch challenge.Scheme {
	case SchemeExact:
		if paid.Cmp(required) != 0 {
			return bindingError(fmt.Sprintf("amount %s does not equal required %s", payload.Amount, challenge.MaxAmountRequired))
		}
	default:
		if paid.Cmp(required) < 0 {
			return bindingError(fmt.Sprintf("amount %s is below required %s", payload.Amount, challenge.MaxAmountRequired))
		}
	}
	return nil
}

func bindingError(msg string) error {
	return NewPaymentError(KindPaymentRejected, ReasonBindingMismatch+": "+msg, nil)
}
