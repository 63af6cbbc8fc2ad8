// Package idempotency provides the replay stores behind the x402 provider and
// a settle-deduplicating wrapper for settlement verifiers.
//
// # Replay stores
//
// A replay store keeps one entry per challenge nonce and moves it through
// issued → settling → settled | rejected with compare-and-swap, so that a nonce
// is settled at most once no matter how many requests carry its proof.
//
//	store := idempotency.NewInMemoryStore()
//	provider := x402.NewProvider(store, verifier, pricing)
//
// For deployments with more than one provider process, use a shared SQL store:
//
//	store, err := idempotency.OpenSQLite("replay.db")
//
// # Settle deduplication
//
// Facilitators receive settle retries from providers that timed out waiting.
// Wrap deduplicates concurrent and repeated Settle calls for the same proof:
//
//	verifier := idempotency.Wrap(localVerifier, idempotency.WithTTL(30*time.Minute))
package idempotency
