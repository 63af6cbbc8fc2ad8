package idempotency

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	x402 "github.com/x402-foundation/paygate"
	"github.com/x402-foundation/paygate/test/mocks/autoapprove"
)

func testProof(nonce string) x402.PaymentProof {
	return x402.PaymentProof{
		X402Version:    x402.ProtocolVersion,
		ChallengeNonce: nonce,
		Payload: x402.ProofPayload{
			Recipient: "0x209693Bc6afc0C5328bA36FaF03C514EF312287C",
			Amount:    "50000000000000000",
			Asset:     "0x036CbD53842c5426634e7929541eC2318f3dCF7e",
			Network:   "eip155:84532",
			Nonce:     nonce,
		},
		Signature:      "0x01",
		SignerIdentity: "alice",
	}
}

func TestDefaultKeyGenerator(t *testing.T) {
	key1 := DefaultKeyGenerator(testProof("0x01"))
	key2 := DefaultKeyGenerator(testProof("0x02"))
	key3 := DefaultKeyGenerator(testProof("0x01"))

	assert.Equal(t, key1, key3)
	assert.NotEqual(t, key1, key2)
	assert.Len(t, key1, 64)
}

func TestIdempotentVerifier_SettlesOnce(t *testing.T) {
	inner := autoapprove.NewVerifier(autoapprove.WithSettleDelay(50 * time.Millisecond))
	verifier := Wrap(inner)
	proof := testProof("0x10")
	challenge := issuedEntry("0x10").Challenge

	var wg sync.WaitGroup
	records := make([]x402.SettlementRecord, 5)
	for i := range records {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			record, err := verifier.Settle(context.Background(), proof, challenge)
			assert.NoError(t, err)
			records[i] = record
		}(i)
	}
	wg.Wait()

	assert.Equal(t, int64(1), inner.SettleCalls())
	for _, record := range records {
		assert.Equal(t, records[0], record)
	}

	// cached afterwards
	_, err := verifier.Settle(context.Background(), proof, challenge)
	require.NoError(t, err)
	assert.Equal(t, int64(1), inner.SettleCalls())
}

func TestIdempotentVerifier_FailureNotCached(t *testing.T) {
	inner := autoapprove.NewVerifier(autoapprove.WithSettleError(errors.New("rpc down")))
	verifier := Wrap(inner)
	proof := testProof("0x11")
	challenge := issuedEntry("0x11").Challenge

	_, err := verifier.Settle(context.Background(), proof, challenge)
	require.Error(t, err)

	inner.SetSettleError(nil)
	record, err := verifier.Settle(context.Background(), proof, challenge)
	require.NoError(t, err)
	assert.Equal(t, x402.OutcomeSettled, record.Outcome)
	assert.Equal(t, int64(2), inner.SettleCalls())
}

func TestIdempotentVerifier_WaiterCancelled(t *testing.T) {
	inner := autoapprove.NewVerifier(autoapprove.WithSettleDelay(200 * time.Millisecond))
	verifier := Wrap(inner)
	proof := testProof("0x12")
	challenge := issuedEntry("0x12").Challenge

	go verifier.Settle(context.Background(), proof, challenge)
	time.Sleep(20 * time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err := verifier.Settle(ctx, proof, challenge)
	require.Error(t, err)
	assert.Equal(t, x402.KindSettlementError, x402.KindOf(err))
}
