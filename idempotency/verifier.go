package idempotency

import (
	"context"
	"sync"
	"time"

	x402 "github.com/x402-foundation/paygate"
)

// SettlementStatus represents the result of checking the settle cache.
type SettlementStatus int

const (
	// StatusNotFound means no cached result and no in-flight request.
	StatusNotFound SettlementStatus = iota
	// StatusCached means a cached result was found.
	StatusCached
	// StatusInFlight means another request is currently processing this settlement.
	StatusInFlight
)

// KeyGenerator derives the deduplication key of a settle call
type KeyGenerator func(proof x402.PaymentProof) string

// DefaultKeyGenerator keys settlements by proof digest. The proof carries the
// signature and the challenge nonce, so the key is unique per payment.
func DefaultKeyGenerator(proof x402.PaymentProof) string {
	return x402.ProofDigest(proof)
}

type config struct {
	ttl          time.Duration
	keyGenerator KeyGenerator
}

// Option configures an IdempotentVerifier.
type Option func(*config)

// WithTTL sets how long successful settlements are cached.
//
// Default: 10 minutes
func WithTTL(ttl time.Duration) Option {
	return func(c *config) {
		c.ttl = ttl
	}
}

// WithKeyGenerator sets a custom key generation function.
func WithKeyGenerator(gen KeyGenerator) Option {
	return func(c *config) {
		c.keyGenerator = gen
	}
}

// IdempotentVerifier wraps a SettlementVerifier with settle deduplication.
//
// Concurrent Settle calls for the same proof share one underlying settlement;
// later calls get the cached record. Failures are not cached so a legitimate
// retry can settle. Verify passes through.
type IdempotentVerifier struct {
	inner        x402.SettlementVerifier
	keyGenerator KeyGenerator
	ttl          time.Duration

	mu       sync.Mutex
	results  map[string]x402.SettlementRecord
	expiry   map[string]time.Time
	inFlight map[string]chan struct{}
}

// Wrap creates an IdempotentVerifier around verifier
func Wrap(verifier x402.SettlementVerifier, opts ...Option) *IdempotentVerifier {
	cfg := &config{
		ttl:          10 * time.Minute,
		keyGenerator: DefaultKeyGenerator,
	}
	for _, opt := range opts {
		opt(cfg)
	}
	return &IdempotentVerifier{
		inner:        verifier,
		keyGenerator: cfg.keyGenerator,
		ttl:          cfg.ttl,
		results:      make(map[string]x402.SettlementRecord),
		expiry:       make(map[string]time.Time),
		inFlight:     make(map[string]chan struct{}),
	}
}

// Verify delegates to the wrapped verifier.
func (v *IdempotentVerifier) Verify(ctx context.Context, proof x402.PaymentProof, challenge x402.PaymentChallenge) (x402.VerifyResult, error) {
	return v.inner.Verify(ctx, proof, challenge)
}

// Settle settles once per proof.
func (v *IdempotentVerifier) Settle(ctx context.Context, proof x402.PaymentProof, challenge x402.PaymentChallenge) (x402.SettlementRecord, error) {
	key := v.keyGenerator(proof)

	for {
		status, cached, done := v.checkAndMark(key)
		switch status {
		case StatusCached:
			return cached, nil

		case StatusInFlight:
			select {
			case <-done:
			case <-ctx.Done():
				return x402.SettlementRecord{}, x402.NewPaymentError(x402.KindSettlementError, "cancelled waiting for in-flight settlement", ctx.Err())
			}
			if record, ok := v.get(key); ok {
				return record, nil
			}
			// the in-flight settlement failed; take the slot ourselves
			continue

		case StatusNotFound:
		}

		record, err := v.inner.Settle(ctx, proof, challenge)
		if err != nil {
			v.fail(key, done)
			return x402.SettlementRecord{}, err
		}
		v.complete(key, record, done)
		return record, nil
	}
}

// checkAndMark atomically checks the cache and marks the key as in-flight if needed.
func (v *IdempotentVerifier) checkAndMark(key string) (SettlementStatus, x402.SettlementRecord, chan struct{}) {
	v.mu.Lock()
	defer v.mu.Unlock()

	if expiry, exists := v.expiry[key]; exists {
		if time.Now().Before(expiry) {
			return StatusCached, v.results[key], nil
		}
		delete(v.results, key)
		delete(v.expiry, key)
	}

	if done, exists := v.inFlight[key]; exists {
		return StatusInFlight, x402.SettlementRecord{}, done
	}

	done := make(chan struct{})
	v.inFlight[key] = done
	return StatusNotFound, x402.SettlementRecord{}, done
}

func (v *IdempotentVerifier) get(key string) (x402.SettlementRecord, bool) {
	v.mu.Lock()
	defer v.mu.Unlock()

	expiry, exists := v.expiry[key]
	if !exists || time.Now().After(expiry) {
		return x402.SettlementRecord{}, false
	}
	return v.results[key], true
}

func (v *IdempotentVerifier) complete(key string, record x402.SettlementRecord, done chan struct{}) {
	v.mu.Lock()
	defer v.mu.Unlock()

	v.results[key] = record
	v.expiry[key] = time.Now().Add(v.ttl)
	delete(v.inFlight, key)
	close(done)

	now := time.Now()
	for k, exp := range v.expiry {
		if now.After(exp) {
			delete(v.results, k)
			delete(v.expiry, k)
		}
	}
}

func (v *IdempotentVerifier) fail(key string, done chan struct{}) {
	v.mu.Lock()
	defer v.mu.Unlock()

	delete(v.inFlight, key)
	close(done)
}

var _ x402.SettlementVerifier = (*IdempotentVerifier)(nil)
