package x402

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidateChallenge(t *testing.T) {
	require.NoError(t, ValidateChallenge(sampleChallenge()))

	tests := []struct {
		name   string
		mutate func(*PaymentChallenge)
	}{
		{"version", func(c *PaymentChallenge) { c.X402Version = 1 }},
		{"scheme", func(c *PaymentChallenge) { c.Scheme = "" }},
		{"network", func(c *PaymentChallenge) { c.Network = "base" }},
		{"payTo", func(c *PaymentChallenge) { c.PayTo = "" }},
		{"asset", func(c *PaymentChallenge) { c.Asset = "" }},
		{"amount", func(c *PaymentChallenge) { c.MaxAmountRequired = "1e18" }},
		{"timeout", func(c *PaymentChallenge) { c.MaxTimeoutSeconds = 0 }},
		{"nonce", func(c *PaymentChallenge) { c.Nonce = "" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := sampleChallenge()
			tt.mutate(&c)
			assert.Error(t, ValidateChallenge(c))
		})
	}
}

func TestParseAmount(t *testing.T) {
	v, err := ParseAmount("50000000000000000")
	require.NoError(t, err)
	assert.Equal(t, "50000000000000000", v.String())

	for _, bad := range []string{"", "-1", "1.5", "0x10", "ten"} {
		_, err := ParseAmount(bad)
		assert.Error(t, err, bad)
	}
}

func TestCheckBinding(t *testing.T) {
	challenge := sampleChallenge()
	require.NoError(t, CheckBinding(sampleProof(challenge), challenge))

	tests := []struct {
		name   string
		mutate func(*PaymentProof)
	}{
		{"challenge nonce", func(p *PaymentProof) { p.ChallengeNonce = "0x02" }},
		{"payload nonce", func(p *PaymentProof) { p.Payload.Nonce = "0x02" }},
		{"recipient", func(p *PaymentProof) { p.Payload.Recipient = "0x0000000000000000000000000000000000000001" }},
		{"asset", func(p *PaymentProof) { p.Payload.Asset = "0x0000000000000000000000000000000000000002" }},
		{"network", func(p *PaymentProof) { p.Payload.Network = "eip155:1" }},
		{"underpaid", func(p *PaymentProof) { p.Payload.Amount = "25000000000000000" }},
		{"overpaid exact", func(p *PaymentProof) { p.Payload.Amount = "50000000000000001" }},
		{"bad amount", func(p *PaymentProof) { p.Payload.Amount = "lots" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			proof := sampleProof(challenge)
			tt.mutate(&proof)
			err := CheckBinding(proof, challenge)
			require.Error(t, err)
			assert.Equal(t, KindPaymentRejected, KindOf(err))
			assert.Contains(t, err.Error(), ReasonBindingMismatch)
		})
	}
}

func TestCheckBinding_CaseInsensitiveAddresses(t *testing.T) {
	challenge := sampleChallenge()
	proof := sampleProof(challenge)
	proof.Payload.Recipient = "0x209693BC6AFC0C5328BA36FAF03C514EF312287C"
	proof.Payload.Asset = "0x036cbd53842c5426634e7929541ec2318f3dcf7e"
	assert.NoError(t, CheckBinding(proof, challenge))
}

func TestCheckBinding_OtherSchemesAllowOverpayment(t *testing.T) {
	challenge := sampleChallenge()
	challenge.Scheme = "upto"
	proof := sampleProof(challenge)
	proof.Payload.Amount = "60000000000000000"
	assert.NoError(t, CheckBinding(proof, challenge))

	proof.Payload.Amount = "40000000000000000"
	assert.Error(t, CheckBinding(proof, challenge))
}

func TestNetwork(t *testing.T) {
	id, err := Network("eip155:84532").ChainID()
	require.NoError(t, err)
	assert.Equal(t, int64(84532), id)

	_, err = Network("solana:mainnet").ChainID()
	assert.Error(t, err)
	_, _, err = Network("eip155").Parse()
	assert.Error(t, err)
}

func TestStaticPricing(t *testing.T) {
	pricing := NewStaticPricing(nil)
	_, ok, err := pricing.Price(context.Background(), "/weather")
	require.NoError(t, err)
	assert.False(t, ok)

	pricing.Set("/weather", ResourceConfig{Amount: "1"})
	cfg, ok, err := pricing.Price(context.Background(), "/weather")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "1", cfg.Amount)
}
