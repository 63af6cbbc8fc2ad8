package x402

import (
	"context"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/sirupsen/logrus"
)

// DefaultMaxAttempts caps proof submissions per logical request
const DefaultMaxAttempts = 2

// validAfterSkew backdates the authorization window to tolerate clock drift
const validAfterSkew = 600 * time.Second

// SessionState is the requester's position in the handshake
type SessionState int

const (
	SessionIdle SessionState = iota
	SessionAwaitingChallenge
	SessionHasChallenge
	SessionProofBuilt
	SessionRequesting
	SessionFulfilled
	SessionFailed
)

func (s SessionState) String() string {
	switch s {
	case SessionIdle:
		return "idle"
	case SessionAwaitingChallenge:
		return "awaiting-challenge"
	case SessionHasChallenge:
		return "has-challenge"
	case SessionProofBuilt:
		return "proof-built"
	case SessionRequesting:
		return "requesting"
	case SessionFulfilled:
		return "fulfilled"
	case SessionFailed:
		return "failed"
	}
	return "unknown"
}

// PaymentAttachment carries a proof on an outgoing exchange
type PaymentAttachment struct {
	ProofBlob string
	Nonce     string
}

// ExchangeResult is a transport-independent view of a provider response
type ExchangeResult struct {
	StatusCode     int
	Body           []byte
	ChallengeBlob  string
	SettlementBlob string
	ErrorKind      ErrorKind
	Message        string
}

// Exchanger performs one request against a fixed target, optionally with a
// payment attached. Implementations must be able to repeat the request.
type Exchanger interface {
	Exchange(ctx context.Context, payment *PaymentAttachment) (ExchangeResult, error)
}

// Result is what a fulfilled session produces
type Result struct {
	StatusCode int
	Body       []byte
	Settlement *SettlementRecord
	Attempts   int
}

// BeforePaymentHook can veto paying a challenge, e.g. to enforce a spending policy
type BeforePaymentHook func(ctx context.Context, challenge PaymentChallenge) (*BeforeHookResult, error)

// Requester holds the key material and policy used to answer challenges.
// It is safe for concurrent use; each logical request runs in its own Session.
type Requester struct {
	signer      Signer
	maxAttempts int
	maxAmount   *big.Int
	clock       Clock
	logger      logrus.FieldLogger

	mu                 sync.RWMutex
	beforePaymentHooks []BeforePaymentHook
}

// RequesterOption configures the requester
type RequesterOption func(*Requester)

// WithMaxAttempts sets the cap on proof submissions per request
func WithMaxAttempts(n int) RequesterOption {
	return func(r *Requester) {
		if n > 0 {
			r.maxAttempts = n
		}
	}
}

// WithMaxAmount refuses challenges asking for more than amount base units
func WithMaxAmount(amount *big.Int) RequesterOption {
	return func(r *Requester) {
		r.maxAmount = amount
	}
}

// WithRequesterClock overrides the clock used for proof timestamps
func WithRequesterClock(clock Clock) RequesterOption {
	return func(r *Requester) {
		r.clock = clock
	}
}

// WithRequesterLogger sets the logger
func WithRequesterLogger(logger logrus.FieldLogger) RequesterOption {
	return func(r *Requester) {
		r.logger = logger
	}
}

// NewRequester creates a requester that signs with signer
func NewRequester(signer Signer, opts ...RequesterOption) *Requester {
	discard := logrus.New()
	discard.SetOutput(io.Discard)

	r := &Requester{
		signer:      signer,
		maxAttempts: DefaultMaxAttempts,
		clock:       SystemClock{},
		logger:      discard,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// OnBeforePayment registers a hook that runs before a proof is built
func (r *Requester) OnBeforePayment(hook BeforePaymentHook) *Requester {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.beforePaymentHooks = append(r.beforePaymentHooks, hook)
	return r
}

// NewSession starts a handshake against the target behind exchanger
func (r *Requester) NewSession(exchanger Exchanger) *Session {
	return &Session{requester: r, exchanger: exchanger, state: SessionIdle}
}

// Fetch runs the whole handshake: request, answer up to maxAttempts
// challenges, and return the resource.
func (r *Requester) Fetch(ctx context.Context, exchanger Exchanger) (*Result, error) {
	return r.NewSession(exchanger).Run(ctx)
}

// BuildProof signs a proof that answers challenge exactly
func BuildProof(ctx context.Context, challenge PaymentChallenge, signer Signer, now time.Time) (PaymentProof, error) {
	if err := ValidateChallenge(challenge); err != nil {
		return PaymentProof{}, NewPaymentError(KindSchemaMismatch, "challenge cannot be paid", err)
	}

	payload := ProofPayload{
		Recipient:   challenge.PayTo,
		Amount:      challenge.MaxAmountRequired,
		Asset:       challenge.Asset,
		Network:     challenge.Network,
		ResourceID:  challenge.ResourceID,
		Timestamp:   now.Unix(),
		ValidAfter:  now.Add(-validAfterSkew).Unix(),
		ValidBefore: challenge.ExpiresAt().Unix(),
		Nonce:       challenge.Nonce,
	}

	signature, err := signer.Sign(ctx, StructuredPayload{Domain: DomainFor(challenge), Message: payload})
	if err != nil {
		return PaymentProof{}, NewPaymentError(KindSigningFailed, "failed to sign payment", err)
	}

	return PaymentProof{
		X402Version:    ProtocolVersion,
		ChallengeNonce: challenge.Nonce,
		Payload:        payload,
		Signature:      hexutil.Encode(signature),
		SignerIdentity: signer.Identity(),
	}, nil
}

// Session is one logical request moving through the requester state machine
type Session struct {
	requester *Requester
	exchanger Exchanger

	mu        sync.Mutex
	state     SessionState
	challenge *PaymentChallenge
	proof     *PaymentProof
	attempts  int
	result    *Result
	err       error
}

// State returns the current state
func (s *Session) State() SessionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Challenge returns the challenge being answered, if any
func (s *Session) Challenge() *PaymentChallenge {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.challenge
}

// Err returns the terminal error of a failed session
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Attempts returns how many proofs have been submitted
func (s *Session) Attempts() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.attempts
}

// RequestResource sends the unauthenticated request. A 402 moves the session
// to HasChallenge and returns the challenge; any other answer fulfils it.
func (s *Session) RequestResource(ctx context.Context) (*PaymentChallenge, *Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != SessionIdle {
		return nil, nil, fmt.Errorf("cannot request resource in state %s", s.state)
	}
	s.state = SessionAwaitingChallenge

	res, err := s.exchanger.Exchange(ctx, nil)
	if err != nil {
		return nil, nil, s.failLocked(fmt.Errorf("request failed: %w", err))
	}
	if res.StatusCode != http.StatusPaymentRequired {
		return nil, s.fulfilLocked(res), nil
	}

	challenge, err := DecodeChallenge(res.ChallengeBlob)
	if err != nil {
		return nil, nil, s.failLocked(err)
	}
	s.challenge = &challenge
	s.state = SessionHasChallenge
	return &challenge, nil, nil
}

// BuildProof answers the current challenge with the requester's signer
func (s *Session) BuildProof(ctx context.Context) (*PaymentProof, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != SessionHasChallenge || s.challenge == nil {
		return nil, fmt.Errorf("cannot build proof in state %s", s.state)
	}
	challenge := *s.challenge
	r := s.requester

	if challenge.Expired(r.clock.Now()) {
		return nil, s.failLocked(NewPaymentError(KindStaleChallenge, "challenge expired before it was answered", nil))
	}
	if r.maxAmount != nil {
		amount, err := ParseAmount(challenge.MaxAmountRequired)
		if err != nil {
			return nil, s.failLocked(NewPaymentError(KindSchemaMismatch, "invalid challenge amount", err))
		}
		if amount.Cmp(r.maxAmount) > 0 {
			return nil, s.failLocked(NewPaymentError(KindPaymentRejected,
				fmt.Sprintf("challenge amount %s exceeds limit %s", amount, r.maxAmount), nil))
		}
	}

	r.mu.RLock()
	hooks := r.beforePaymentHooks
	r.mu.RUnlock()
	for _, hook := range hooks {
		verdict, err := hook(ctx, challenge)
		if err != nil {
			return nil, s.failLocked(NewPaymentError(KindPaymentRejected, "payment hook failed", err))
		}
		if verdict != nil && verdict.Abort {
			return nil, s.failLocked(NewPaymentError(KindPaymentRejected, "payment declined: "+verdict.Reason, nil))
		}
	}

	proof, err := BuildProof(ctx, challenge, r.signer, r.clock.Now())
	if err != nil {
		return nil, s.failLocked(err)
	}
	s.proof = &proof
	s.state = SessionProofBuilt
	return &proof, nil
}

// RetryWithProof resubmits the request with proof attached.
//
// Returns:
//   - a Result when the provider serves the resource
//   - a new challenge when the provider re-challenges and attempts remain;
//     the session is back in HasChallenge
//   - an error when the session failed: StaleChallenge if the provider
//     answered with the same nonce, PaymentRejected when attempts are used up
//     or the paid request got any other non-2xx answer, SettlementError on a
//     provider fault
func (s *Session) RetryWithProof(ctx context.Context, proof PaymentProof) (*Result, *PaymentChallenge, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != SessionProofBuilt {
		return nil, nil, fmt.Errorf("cannot retry with proof in state %s", s.state)
	}
	blob, err := EncodeProof(proof)
	if err != nil {
		return nil, nil, s.failLocked(NewPaymentError(KindSigningFailed, "failed to encode proof", err))
	}

	s.state = SessionRequesting
	s.attempts++
	log := s.requester.logger.WithFields(logrus.Fields{"nonce": proof.ChallengeNonce, "attempt": s.attempts})

	res, err := s.exchanger.Exchange(ctx, &PaymentAttachment{ProofBlob: blob, Nonce: proof.ChallengeNonce})
	if err != nil {
		return nil, nil, s.failLocked(fmt.Errorf("paid request failed: %w", err))
	}

	switch {
	case res.StatusCode == http.StatusPaymentRequired:
		next, err := DecodeChallenge(res.ChallengeBlob)
		if err != nil {
			return nil, nil, s.failLocked(err)
		}
		if next.Nonce == proof.ChallengeNonce {
			return nil, nil, s.failLocked(NewPaymentError(KindStaleChallenge, "provider re-issued the challenge that was answered", nil))
		}
		if s.attempts >= s.requester.maxAttempts {
			return nil, nil, s.failLocked(NewPaymentError(KindPaymentRejected,
				fmt.Sprintf("payment not accepted after %d attempts: %s", s.attempts, describe(res)), nil))
		}
		log.WithField("kind", res.ErrorKind).Info("re-challenged, retrying")
		s.challenge = &next
		s.proof = nil
		s.state = SessionHasChallenge
		return nil, &next, nil

	case res.StatusCode >= 500:
		return nil, nil, s.failLocked(NewPaymentError(KindSettlementError, describe(res), nil))

	case res.StatusCode < 200 || res.StatusCode >= 300:
		return nil, nil, s.failLocked(NewPaymentError(KindPaymentRejected, "paid request refused: "+describe(res), nil))
	}

	result := s.fulfilLocked(res)
	log.Debug("resource fulfilled")
	return result, nil, nil
}

// Run drives the session from Idle to a terminal state
func (s *Session) Run(ctx context.Context) (*Result, error) {
	challenge, result, err := s.RequestResource(ctx)
	if err != nil || result != nil {
		return result, err
	}
	for challenge != nil {
		proof, err := s.BuildProof(ctx)
		if err != nil {
			return nil, err
		}
		result, challenge, err = s.RetryWithProof(ctx, *proof)
		if err != nil {
			return nil, err
		}
	}
	return result, nil
}

func (s *Session) fulfilLocked(res ExchangeResult) *Result {
	result := &Result{StatusCode: res.StatusCode, Body: res.Body, Attempts: s.attempts}
	if res.SettlementBlob != "" {
		if record, err := DecodeSettlement(res.SettlementBlob); err == nil {
			result.Settlement = &record
		} else {
			s.requester.logger.WithError(err).Warn("ignoring undecodable settlement response")
		}
	}
	s.result = result
	s.state = SessionFulfilled
	return result
}

func (s *Session) failLocked(err error) error {
	s.err = err
	s.state = SessionFailed
	return err
}

func describe(res ExchangeResult) string {
	msg := fmt.Sprintf("status %d", res.StatusCode)
	if res.ErrorKind != "" {
		msg += " " + string(res.ErrorKind)
	}
	if res.Message != "" {
		msg += ": " + res.Message
	}
	return msg
}
