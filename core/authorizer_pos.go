package core

import (
	"fmt"
	"sync"
	"time"
)

// ProofOfStakeChecker queries the chain for whether a public key's
// corresponding subnet node meets a minimum class/stake requirement. Backed
// by a ChainClient in production, a constant-answer stub in tests.
type ProofOfStakeChecker interface {
	ProofOfStake(publicKey []byte, subnetID uint64, minClass NodeClass) (bool, error)
}

type posCacheEntry struct {
	ok       bool
	expireAt time.Time
}

// ProofOfStakeAuthorizer wraps a SignatureAuthorizer and additionally
// requires the caller's public key to resolve to a staked subnet node
// (§4.4). Results are cached briefly per public key to avoid a chain query
// per request.
type ProofOfStakeAuthorizer struct {
	inner    *SignatureAuthorizer
	pos      ProofOfStakeChecker
	subnetID uint64
	minClass NodeClass
	cacheTTL time.Duration

	mu    sync.Mutex
	cache map[string]posCacheEntry
}

// NewProofOfStakeAuthorizer builds a PoS-gated authorizer around inner.
func NewProofOfStakeAuthorizer(inner *SignatureAuthorizer, pos ProofOfStakeChecker, subnetID uint64, minClass NodeClass) *ProofOfStakeAuthorizer {
	return &ProofOfStakeAuthorizer{
		inner:    inner,
		pos:      pos,
		subnetID: subnetID,
		minClass: minClass,
		cacheTTL: 30 * time.Second,
		cache:    make(map[string]posCacheEntry),
	}
}

func (a *ProofOfStakeAuthorizer) SignRequest(msg AuthorizedMessage, servicePublicKey []byte) error {
	return a.inner.SignRequest(msg, servicePublicKey)
}

// ValidateRequest runs the inner signature/nonce/skew checks, then requires
// the caller to pass proof of stake (cached per public key for cacheTTL).
func (a *ProofOfStakeAuthorizer) ValidateRequest(msg AuthorizedMessage) error {
	pub, _, _, err := a.inner.doValidate(msg)
	if err != nil {
		return err
	}

	staked, err := a.checkStake(pub)
	if err != nil {
		return fmt.Errorf("%w: proof of stake check failed: %v", ErrAuthFailed, err)
	}
	if !staked {
		return fmt.Errorf("%w: caller does not meet required stake/class", ErrAuthFailed)
	}

	return nil
}

func (a *ProofOfStakeAuthorizer) checkStake(pub []byte) (bool, error) {
	key := string(pub)
	now := time.Now()

	a.mu.Lock()
	if e, ok := a.cache[key]; ok && now.Before(e.expireAt) {
		a.mu.Unlock()
		return e.ok, nil
	}
	a.mu.Unlock()

	ok, err := a.pos.ProofOfStake(pub, a.subnetID, a.minClass)
	if err != nil {
		return false, err
	}

	a.mu.Lock()
	a.cache[key] = posCacheEntry{ok: ok, expireAt: now.Add(a.cacheTTL)}
	a.mu.Unlock()
	return ok, nil
}

func (a *ProofOfStakeAuthorizer) SignResponse(resp AuthorizedMessage, req AuthorizedMessage) error {
	return a.inner.SignResponse(resp, req)
}

// ValidateResponse mirrors ValidateRequest symmetrically on the reply leg.
func (a *ProofOfStakeAuthorizer) ValidateResponse(resp AuthorizedMessage, req AuthorizedMessage) error {
	if err := a.inner.ValidateResponse(resp, req); err != nil {
		return err
	}
	staked, err := a.checkStake(resp.Auth().ClientAccessToken.PublicKey)
	if err != nil {
		return fmt.Errorf("%w: proof of stake check failed: %v", ErrAuthFailed, err)
	}
	if !staked {
		return fmt.Errorf("%w: responder does not meet required stake/class", ErrAuthFailed)
	}
	return nil
}
