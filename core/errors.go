package core

import "errors"

// Sentinel errors for the coordination substrate's error taxonomy. Each is a
// local fault kind; propagation policy for each is documented at the call
// site, not here.
var (
	// ErrAuthFailed covers signature, nonce, clock-skew, or stake check failures.
	ErrAuthFailed = errors.New("core: auth failed")
	// ErrRecordRejected is returned per-record by the validator pipeline.
	ErrRecordRejected = errors.New("core: record rejected")
	// ErrPeerUnreachable covers RPC timeout/connect failures.
	ErrPeerUnreachable = errors.New("core: peer unreachable")
	// ErrChainTransient covers a failed chain RPC that is safe to retry.
	ErrChainTransient = errors.New("core: chain transient error")
	// ErrChainNotFound covers a null subnet/validator/consensus-data response.
	ErrChainNotFound = errors.New("core: chain data not found")
	// ErrConsensusMismatch means our scores disagree with the validator's and
	// the prior-epoch fallback did not resolve the disagreement.
	ErrConsensusMismatch = errors.New("core: consensus mismatch")
	// ErrFatal marks an unrecoverable condition that trips the stop event.
	ErrFatal = errors.New("core: fatal condition")
)
