package x402

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// Provider defaults
const (
	DefaultMaxTimeoutSeconds = 60
	DefaultSettleTimeout     = 60 * time.Second
	DefaultSettledTTL        = 24 * time.Hour
	DefaultRejectedTTL       = 10 * time.Minute
	DefaultPollInterval      = 50 * time.Millisecond
)

// Decision is the provider's answer to a request
type Decision int

const (
	// DecisionPaymentRequired means respond 402 with a challenge
	DecisionPaymentRequired Decision = iota
	// DecisionGrant means serve the resource
	DecisionGrant
	// DecisionProviderFault means respond 5xx; the requester must not re-pay
	DecisionProviderFault
)

func (d Decision) String() string {
	switch d {
	case DecisionGrant:
		return "grant"
	case DecisionPaymentRequired:
		return "payment-required"
	case DecisionProviderFault:
		return "provider-fault"
	}
	return "unknown"
}

// ProviderRequest is a transport-independent view of an incoming request
type ProviderRequest struct {
	ResourceID string
	// ProofBlob is the encoded proof header, empty when absent
	ProofBlob string
	// Nonce is the nonce the requester says it is answering. Optional; when set
	// it must match the proof.
	Nonce string
}

// ProviderResponse is what the transport binding renders
type ProviderResponse struct {
	Decision   Decision
	Challenge  *PaymentChallenge
	Settlement *SettlementRecord
	ErrorKind  ErrorKind
	Message    string
}

// StatusCode maps the decision to an HTTP status
func (r ProviderResponse) StatusCode() int {
	switch r.Decision {
	case DecisionGrant:
		return http.StatusOK
	case DecisionPaymentRequired:
		return http.StatusPaymentRequired
	}
	status := HTTPStatus(r.ErrorKind)
	if status < 500 {
		return http.StatusInternalServerError
	}
	return status
}

// Provider guards resources behind the 402 handshake. It owns the nonce
// namespace and serializes settlement per nonce through the ReplayStore.
type Provider struct {
	store    ReplayStore
	verifier SettlementVerifier
	pricing  PricingSource
	logger   logrus.FieldLogger
	clock    Clock
	newNonce func() (string, error)

	settleTimeout time.Duration
	pollInterval  time.Duration
	pollTimeout   time.Duration
	settledTTL    time.Duration
	rejectedTTL   time.Duration

	hooksMu           sync.RWMutex
	challengeHooks    []OnChallengeIssuedHook
	beforeSettleHooks []BeforeSettleHook
	afterSettleHooks  []AfterSettleHook
	rejectedHooks     []OnRejectedHook
}

// ProviderOption configures the provider
type ProviderOption func(*Provider)

// WithLogger sets the logger
func WithLogger(logger logrus.FieldLogger) ProviderOption {
	return func(p *Provider) {
		p.logger = logger
	}
}

// WithClock overrides the clock used for issuing and expiring challenges
func WithClock(clock Clock) ProviderOption {
	return func(p *Provider) {
		p.clock = clock
	}
}

// WithNonceGenerator overrides nonce generation
func WithNonceGenerator(fn func() (string, error)) ProviderOption {
	return func(p *Provider) {
		p.newNonce = fn
	}
}

// WithSettleTimeout bounds verify+settle. Settlement keeps running for this
// long even if the requester goes away.
func WithSettleTimeout(d time.Duration) ProviderOption {
	return func(p *Provider) {
		p.settleTimeout = d
	}
}

// WithPollInterval sets how often a concurrent request re-reads a nonce that
// another request is settling
func WithPollInterval(d time.Duration) ProviderOption {
	return func(p *Provider) {
		p.pollInterval = d
	}
}

// WithPollTimeout bounds how long a concurrent request waits for the winner
func WithPollTimeout(d time.Duration) ProviderOption {
	return func(p *Provider) {
		p.pollTimeout = d
	}
}

// WithSettledTTL sets how long settled records are kept for replay
func WithSettledTTL(d time.Duration) ProviderOption {
	return func(p *Provider) {
		p.settledTTL = d
	}
}

// WithRejectedTTL sets how long rejected nonces are remembered
func WithRejectedTTL(d time.Duration) ProviderOption {
	return func(p *Provider) {
		p.rejectedTTL = d
	}
}

// NewProvider creates a provider
func NewProvider(store ReplayStore, verifier SettlementVerifier, pricing PricingSource, opts ...ProviderOption) *Provider {
	discard := logrus.New()
	discard.SetOutput(io.Discard)

	p := &Provider{
		store:         store,
		verifier:      verifier,
		pricing:       pricing,
		logger:        discard,
		clock:         SystemClock{},
		newNonce:      NewNonce,
		settleTimeout: DefaultSettleTimeout,
		pollInterval:  DefaultPollInterval,
		settledTTL:    DefaultSettledTTL,
		rejectedTTL:   DefaultRejectedTTL,
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.pollTimeout == 0 {
		p.pollTimeout = p.settleTimeout + 5*time.Second
	}
	return p
}

// HandleRequest runs the provider side of the handshake for one request.
//
// Without a proof it issues a challenge. With a proof it answers from the
// replay store when the nonce is already settled, and otherwise verifies and
// settles exactly once per nonce. Store failures fail closed.
func (p *Provider) HandleRequest(ctx context.Context, req ProviderRequest) ProviderResponse {
	log := p.logger.WithFields(logrus.Fields{
		"request_id": uuid.NewString(),
		"resource":   req.ResourceID,
	})

	cfg, protected, err := p.pricing.Price(ctx, req.ResourceID)
	if err != nil {
		log.WithError(err).Error("pricing lookup failed")
		return fault("", fmt.Sprintf("pricing lookup failed: %v", err))
	}
	if !protected {
		return ProviderResponse{Decision: DecisionGrant}
	}

	if req.ProofBlob == "" {
		return p.issueChallenge(ctx, log, req.ResourceID, cfg, "", "payment required")
	}

	proof, err := DecodeProof(req.ProofBlob)
	if err != nil {
		log.WithError(err).Info("undecodable proof")
		return p.issueChallenge(ctx, log, req.ResourceID, cfg, kindOr(err, KindMalformedProof), err.Error())
	}
	nonce := proof.ChallengeNonce
	log = log.WithField("nonce", nonce)
	if req.Nonce != "" && req.Nonce != nonce {
		return p.issueChallenge(ctx, log, req.ResourceID, cfg, KindMalformedProof, "nonce does not match proof")
	}

	entry, err := p.store.Get(ctx, nonce)
	if errors.Is(err, ErrEntryNotFound) {
		return p.issueChallenge(ctx, log, req.ResourceID, cfg, KindStaleChallenge, "challenge unknown or expired")
	}
	if err != nil {
		log.WithError(err).Error("replay store unavailable")
		return fault(KindStoreUnavailable, "replay store unavailable")
	}
	if entry.Challenge.ResourceID != req.ResourceID {
		return p.issueChallenge(ctx, log, req.ResourceID, cfg, KindPaymentRejected, "proof answers a challenge for another resource")
	}

	log = log.WithField("state", entry.State)
	switch entry.State {
	case StateSettled:
		return p.replay(ctx, log, req, cfg, entry, proof)
	case StateRejected:
		return p.issueChallenge(ctx, log, req.ResourceID, cfg, KindPaymentRejected, "payment for this challenge was rejected: "+entry.Reason)
	case StateSettling:
		return p.awaitOutcome(ctx, log, req, cfg, proof)
	case StateIssued:
		if entry.Challenge.Expired(p.clock.Now()) {
			return p.issueChallenge(ctx, log, req.ResourceID, cfg, KindStaleChallenge, "challenge unknown or expired")
		}
		return p.claimAndSettle(ctx, log, req, cfg, entry, proof)
	}
	log.Errorf("unexpected entry state %q", entry.State)
	return fault(KindStoreUnavailable, "corrupt replay entry")
}

// claimAndSettle takes the nonce with a CAS and runs verify+settle on a
// context detached from the caller
func (p *Provider) claimAndSettle(ctx context.Context, log logrus.FieldLogger, req ProviderRequest, cfg ResourceConfig, entry ReplayEntry, proof PaymentProof) ProviderResponse {
	if err := CheckBinding(proof, entry.Challenge); err != nil {
		if _, rejErr := p.markRejected(ctx, entry, StateIssued, KindPaymentRejected, err.Error()); rejErr != nil {
			log.WithError(rejErr).Error("failed to mark nonce rejected")
			return fault(KindStoreUnavailable, "replay store unavailable")
		}
		log.WithError(err).Info("proof does not match challenge")
		return p.issueChallenge(ctx, log, req.ResourceID, cfg, KindPaymentRejected, err.Error())
	}

	now := p.clock.Now()
	claimed := entry
	claimed.State = StateSettling
	claimed.ProofDigest = ProofDigest(proof)
	claimed.UpdatedAt = now
	ttl := entry.Challenge.ExpiresAt().Sub(now) + p.settleTimeout

	won, err := p.store.CompareAndSwap(ctx, entry.Nonce, StateIssued, claimed, ttl)
	if err != nil {
		log.WithError(err).Error("replay store unavailable")
		return fault(KindStoreUnavailable, "replay store unavailable")
	}
	if !won {
		log.Debug("lost settlement race, waiting for outcome")
		return p.awaitOutcome(ctx, log, req, cfg, proof)
	}

	settleCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), p.settleTimeout)
	done := make(chan ProviderResponse, 1)
	go func() {
		defer cancel()
		done <- p.verifyAndSettle(settleCtx, log, req, cfg, claimed, proof)
	}()

	select {
	case resp := <-done:
		return resp
	case <-ctx.Done():
		log.Warn("requester went away, settlement continues in background")
		return fault(KindSettlementError, "request cancelled before settlement completed")
	}
}

func (p *Provider) verifyAndSettle(ctx context.Context, log logrus.FieldLogger, req ProviderRequest, cfg ResourceConfig, claimed ReplayEntry, proof PaymentProof) ProviderResponse {
	challenge := claimed.Challenge

	result, err := p.verifier.Verify(ctx, proof, challenge)
	if err != nil {
		log.WithError(err).Warn("verify returned error")
		result = VerifyResult{Valid: false, Reason: ReasonVerifierUnavailable}
	}
	if !result.Valid {
		if result.Reason == ReasonVerifierUnavailable {
			// the proof was never judged; hand the nonce back so it can be retried
			released := claimed
			released.State = StateIssued
			released.UpdatedAt = p.clock.Now()
			if _, err := p.store.CompareAndSwap(ctx, claimed.Nonce, StateSettling, released, challenge.ExpiresAt().Sub(p.clock.Now())); err != nil {
				log.WithError(err).Error("failed to release nonce")
			}
			return fault(KindVerifierUnavailable, "settlement verifier unavailable")
		}
		if _, err := p.markRejected(ctx, claimed, StateSettling, KindPaymentRejected, result.Reason); err != nil {
			log.WithError(err).Error("failed to mark nonce rejected")
			return fault(KindStoreUnavailable, "replay store unavailable")
		}
		log.WithField("reason", result.Reason).Info("payment rejected")
		return p.issueChallenge(ctx, log, req.ResourceID, cfg, KindPaymentRejected, result.Reason)
	}

	hc := SettleContext{Ctx: ctx, Proof: proof, Challenge: challenge, Timestamp: p.clock.Now()}
	abortReason, err := p.runBeforeSettleHooks(hc)
	if err == nil && abortReason != "" {
		if _, err := p.markRejected(ctx, claimed, StateSettling, KindPaymentRejected, abortReason); err != nil {
			log.WithError(err).Error("failed to mark nonce rejected")
			return fault(KindStoreUnavailable, "replay store unavailable")
		}
		return p.issueChallenge(ctx, log, req.ResourceID, cfg, KindPaymentRejected, abortReason)
	}
	if err != nil {
		log.WithError(err).Warn("before settle hook failed")
	}

	start := time.Now()
	record, err := p.verifier.Settle(ctx, proof, challenge)
	if err != nil {
		log.WithError(err).Error("settlement failed")
		if _, rejErr := p.markRejected(ctx, claimed, StateSettling, KindSettlementError, err.Error()); rejErr != nil {
			log.WithError(rejErr).Error("failed to mark nonce rejected")
		}
		return fault(KindSettlementError, "settlement failed")
	}

	record.Nonce = claimed.Nonce
	if record.Outcome == "" {
		record.Outcome = OutcomeSettled
	}
	if record.SettledAt == 0 {
		record.SettledAt = p.clock.Now().Unix()
	}
	if record.Payer == "" {
		record.Payer = result.Payer
	}

	settled := claimed
	settled.State = StateSettled
	settled.Record = &record
	settled.UpdatedAt = p.clock.Now()
	if ok, err := p.store.CompareAndSwap(ctx, claimed.Nonce, StateSettling, settled, p.settledTTL); err != nil || !ok {
		// value has moved; serve the resource rather than charge for nothing
		log.WithError(err).WithField("swapped", ok).Error("settlement record not persisted")
	}

	log.WithField("ledger_ref", record.LedgerRef).Info("payment settled")
	p.runAfterSettleHooks(SettleResultContext{SettleContext: hc, Record: record, Duration: time.Since(start)})
	return ProviderResponse{Decision: DecisionGrant, Settlement: &record}
}

// awaitOutcome polls the store until the request holding the nonce finishes
func (p *Provider) awaitOutcome(ctx context.Context, log logrus.FieldLogger, req ProviderRequest, cfg ResourceConfig, proof PaymentProof) ProviderResponse {
	nonce := proof.ChallengeNonce
	deadline := time.NewTimer(p.pollTimeout)
	defer deadline.Stop()
	ticker := time.NewTicker(p.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return fault(KindSettlementError, "request cancelled while settlement in progress")
		case <-deadline.C:
			log.Warn("timed out waiting for concurrent settlement")
			return fault(KindSettlementError, "settlement still in progress")
		case <-ticker.C:
		}

		entry, err := p.store.Get(ctx, nonce)
		if errors.Is(err, ErrEntryNotFound) {
			return p.issueChallenge(ctx, log, req.ResourceID, cfg, KindStaleChallenge, "challenge unknown or expired")
		}
		if err != nil {
			log.WithError(err).Error("replay store unavailable")
			return fault(KindStoreUnavailable, "replay store unavailable")
		}

		switch entry.State {
		case StateSettling:
			continue
		case StateSettled:
			return p.replay(ctx, log, req, cfg, entry, proof)
		case StateRejected:
			return p.issueChallenge(ctx, log, req.ResourceID, cfg, KindPaymentRejected, "payment for this challenge was rejected: "+entry.Reason)
		case StateIssued:
			return fault(KindVerifierUnavailable, "settlement did not complete, retry with the same proof")
		}
	}
}

// replay serves a settled nonce. Only the proof that settled it may replay it.
func (p *Provider) replay(ctx context.Context, log logrus.FieldLogger, req ProviderRequest, cfg ResourceConfig, entry ReplayEntry, proof PaymentProof) ProviderResponse {
	if entry.ProofDigest != "" && entry.ProofDigest != ProofDigest(proof) {
		log.Warn("settled nonce presented with a different proof")
		return p.issueChallenge(ctx, log, req.ResourceID, cfg, KindPaymentRejected, "challenge already settled by another proof")
	}
	if entry.Record == nil {
		return fault(KindStoreUnavailable, "settled entry has no record")
	}
	log.Debug("replaying settled nonce")
	record := *entry.Record
	return ProviderResponse{Decision: DecisionGrant, Settlement: &record}
}

func (p *Provider) issueChallenge(ctx context.Context, log logrus.FieldLogger, resourceID string, cfg ResourceConfig, kind ErrorKind, message string) ProviderResponse {
	nonce, err := p.newNonce()
	if err != nil {
		log.WithError(err).Error("nonce generation failed")
		return fault("", "nonce generation failed")
	}

	timeout := cfg.MaxTimeoutSeconds
	if timeout <= 0 {
		timeout = DefaultMaxTimeoutSeconds
	}
	scheme := cfg.Scheme
	if scheme == "" {
		scheme = SchemeExact
	}

	now := p.clock.Now()
	challenge := PaymentChallenge{
		X402Version:       ProtocolVersion,
		Scheme:            scheme,
		Network:           cfg.Network,
		PayTo:             cfg.PayTo,
		Asset:             cfg.Asset,
		MaxAmountRequired: cfg.Amount,
		ResourceID:        resourceID,
		Description:       cfg.Description,
		MimeType:          cfg.MimeType,
		MaxTimeoutSeconds: timeout,
		Nonce:             nonce,
		IssuedAt:          now.Unix(),
		Extra:             cfg.Extra,
	}

	entry := ReplayEntry{
		Nonce:     nonce,
		State:     StateIssued,
		Challenge: challenge,
		UpdatedAt: now,
	}
	if err := p.store.Put(ctx, entry, time.Duration(timeout)*time.Second); err != nil {
		log.WithError(err).Error("replay store unavailable")
		return fault(KindStoreUnavailable, "replay store unavailable")
	}

	log.WithFields(logrus.Fields{"issued_nonce": nonce, "kind": kind}).Info("challenge issued")
	p.runChallengeHooks(ChallengeContext{Ctx: ctx, ResourceID: resourceID, Challenge: challenge, Reason: kind})

	return ProviderResponse{
		Decision:  DecisionPaymentRequired,
		Challenge: &challenge,
		ErrorKind: kind,
		Message:   message,
	}
}

// markRejected moves a nonce from expected to rejected
func (p *Provider) markRejected(ctx context.Context, entry ReplayEntry, expected EntryState, kind ErrorKind, reason string) (bool, error) {
	rejected := entry
	rejected.State = StateRejected
	rejected.Reason = reason
	rejected.UpdatedAt = p.clock.Now()
	ok, err := p.store.CompareAndSwap(ctx, entry.Nonce, expected, rejected, p.rejectedTTL)
	if err != nil {
		return false, err
	}
	if ok {
		p.runRejectedHooks(RejectContext{Ctx: ctx, Nonce: entry.Nonce, Challenge: entry.Challenge, Kind: kind, Reason: reason})
	}
	return ok, nil
}

func fault(kind ErrorKind, message string) ProviderResponse {
	return ProviderResponse{Decision: DecisionProviderFault, ErrorKind: kind, Message: message}
}

func kindOr(err error, fallback ErrorKind) ErrorKind {
	if kind := KindOf(err); kind != "" {
		return kind
	}
	return fallback
}
