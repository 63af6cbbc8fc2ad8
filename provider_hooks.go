package x402

import (
	"context"
	"time"
)

// ============================================================================
// Provider Hook Context Types
// ============================================================================

// ChallengeContext is passed to hooks when a challenge is issued
type ChallengeContext struct {
	Ctx        context.Context
	ResourceID string
	Challenge  PaymentChallenge
	Reason     ErrorKind
}

// SettleContext contains information passed to settle hooks
type SettleContext struct {
	Ctx       context.Context
	Proof     PaymentProof
	Challenge PaymentChallenge
	Timestamp time.Time
}

// SettleResultContext contains settle operation result and context
type SettleResultContext struct {
	SettleContext
	Record   SettlementRecord
	Duration time.Duration
}

// RejectContext describes a nonce that was moved to the rejected state
type RejectContext struct {
	Ctx       context.Context
	Nonce     string
	Challenge PaymentChallenge
	Kind      ErrorKind
	Reason    string
}

// BeforeHookResult represents the result of a "before" hook
// If Abort is true, the operation will be aborted with the given Reason
type BeforeHookResult struct {
	Abort  bool
	Reason string
}

// ============================================================================
// Provider Hook Function Types
// ============================================================================

// OnChallengeIssuedHook is called after a challenge is stored.
// Any error returned will be logged but will not affect the response.
type OnChallengeIssuedHook func(ChallengeContext) error

// BeforeSettleHook is called after verification succeeds and before settlement.
// If it returns a result with Abort=true, the nonce is rejected with the
// provided reason and the requester gets a new challenge.
type BeforeSettleHook func(SettleContext) (*BeforeHookResult, error)

// AfterSettleHook is called after the settlement record is stored
// Any error returned will be logged but will not affect the settlement result
type AfterSettleHook func(SettleResultContext) error

// OnRejectedHook is called when a nonce is rejected
type OnRejectedHook func(RejectContext) error

// OnChallengeIssued registers a hook for issued challenges
func (p *Provider) OnChallengeIssued(hook OnChallengeIssuedHook) *Provider {
	p.hooksMu.Lock()
	defer p.hooksMu.Unlock()
	p.challengeHooks = append(p.challengeHooks, hook)
	return p
}

// OnBeforeSettle registers a hook to execute before settlement
func (p *Provider) OnBeforeSettle(hook BeforeSettleHook) *Provider {
	p.hooksMu.Lock()
	defer p.hooksMu.Unlock()
	p.beforeSettleHooks = append(p.beforeSettleHooks, hook)
	return p
}

// OnAfterSettle registers a hook to execute after settlement
func (p *Provider) OnAfterSettle(hook AfterSettleHook) *Provider {
	p.hooksMu.Lock()
	defer p.hooksMu.Unlock()
	p.afterSettleHooks = append(p.afterSettleHooks, hook)
	return p
}

// OnRejected registers a hook for rejected nonces
func (p *Provider) OnRejected(hook OnRejectedHook) *Provider {
	p.hooksMu.Lock()
	defer p.hooksMu.Unlock()
	p.rejectedHooks = append(p.rejectedHooks, hook)
	return p
}

func (p *Provider) runChallengeHooks(hc ChallengeContext) {
	p.hooksMu.RLock()
	hooks := p.challengeHooks
	p.hooksMu.RUnlock()
	for _, hook := range hooks {
		if err := hook(hc); err != nil {
			p.logger.WithError(err).WithField("nonce", hc.Challenge.Nonce).Warn("challenge hook failed")
		}
	}
}

// runBeforeSettleHooks returns a non-empty reason when a hook aborts settlement
func (p *Provider) runBeforeSettleHooks(hc SettleContext) (string, error) {
	p.hooksMu.RLock()
	hooks := p.beforeSettleHooks
	p.hooksMu.RUnlock()
	for _, hook := range hooks {
		result, err := hook(hc)
		if err != nil {
			return "", err
		}
		if result != nil && result.Abort {
			return result.Reason, nil
		}
	}
	return "", nil
}

func (p *Provider) runAfterSettleHooks(hc SettleResultContext) {
	p.hooksMu.RLock()
	hooks := p.afterSettleHooks
	p.hooksMu.RUnlock()
	for _, hook := range hooks {
		if err := hook(hc); err != nil {
			p.logger.WithError(err).WithField("nonce", hc.Record.Nonce).Warn("after settle hook failed")
		}
	}
}

func (p *Provider) runRejectedHooks(hc RejectContext) {
	p.hooksMu.RLock()
	hooks := p.rejectedHooks
	p.hooksMu.RUnlock()
	for _, hook := range hooks {
		if err := hook(hc); err != nil {
			p.logger.WithError(err).WithField("nonce", hc.Nonce).Warn("rejected hook failed")
		}
	}
}
