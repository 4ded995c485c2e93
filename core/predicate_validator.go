package core

import (
	"sync"
)

// Per-key-type admission constants (§4.3). Expressed as epoch-length
// multiples; the caller supplies the concrete epoch_len in seconds.
const (
	consensusStoreDeadline = 0.15
	commitDeadline         = 0.50
	revealDeadline         = 0.60

	maxHeartbeatEpochs = 1.1
	maxConsensusEpochs = 2.0
	maxCommitEpochs    = 2.0
	maxRevealEpochs    = 2.0

	// MaxEpochHistory bounds how many past epochs' quota counters are
	// retained; older ones are pruned as the epoch advances.
	MaxEpochHistory = 5
)

// keyType classifies the source string a key's NodeId was derived from, the
// same way the chain-side commit-reveal schema does it.
type keyType int

const (
	keyUnknown keyType = iota
	keyNode
	keyConsensus
	keyCommit
	keyReveal
)

// classifyKeySource maps a key's human-readable source (what was hashed to
// produce its NodeId) to a keyType and, for epoch-scoped keys, the epoch
// number it names.
func classifyKeySource(source string, currentEpoch uint64) (keyType, uint64) {
	switch {
	case source == "node":
		return keyNode, 0
	case source == "consensus_epoch_"+epochKeySuffix(currentEpoch):
		return keyConsensus, currentEpoch
	case source == "commit_epoch_"+epochKeySuffix(currentEpoch):
		return keyCommit, currentEpoch
	case source == "reveal_epoch_"+epochKeySuffix(currentEpoch):
		return keyReveal, currentEpoch
	default:
		return keyUnknown, 0
	}
}

// epochQuota tracks, for one (peer, epoch) pair, how many PUTs have been
// admitted per keyType.
type epochQuota struct {
	counts map[keyType]int
}

// PredicateValidator is the C10 admission rule: it ties DHT write keys and
// values to the current chain-epoch phase, per the commit-reveal schema
// (§4.3). GETs are always accepted; PUTs are windowed by epoch progress,
// capped in expiration, and rate-limited per peer per epoch.
type PredicateValidator struct {
	epoch func() (EpochData, error)

	mu      sync.Mutex
	history map[uint64]map[PeerID]*epochQuota // epoch -> peer -> quota
	epochs  []uint64                          // retained epochs, oldest first
}

// NewPredicateValidator builds a validator that reads current epoch progress
// from epochFn (typically backed by a ChainClient).
func NewPredicateValidator(epochFn func() (EpochData, error)) *PredicateValidator {
	return &PredicateValidator{
		epoch:   epochFn,
		history: make(map[uint64]map[PeerID]*epochQuota),
	}
}

// PredicateRequest carries a record for admission. Its KeySource is supplied
// by the caller: the DHT layer hashes a human-readable source string into a
// NodeId key, and must pass that source string alongside the record so the
// validator can classify it without needing to invert the hash.
type PredicateRequest struct {
	Record    Record
	KeySource string
	Peer      PeerID
}

// Check evaluates kind against the current epoch phase for peer's record.
// GET always accepts (§4.3 "GETs are always accepted").
func (v *PredicateValidator) Check(kind RequestKind, req PredicateRequest) error {
	if kind == RequestGet {
		return nil
	}
	ed, err := v.epoch()
	if err != nil {
		return err
	}
	kt, epoch := classifyKeySource(req.KeySource, ed.Epoch)
	epochLen := float64(ed.SecondsPerEpoch)
	now := nowSeconds()

	switch kt {
	case keyNode:
		if req.Record.ExpirationTime > now+maxHeartbeatEpochs*epochLen {
			return rejectPredicate("heartbeat expiration exceeds 1.1 epochs")
		}
		return v.admitQuota(ed.Epoch, req.Peer, keyNode, 100)

	case keyConsensus:
		if ed.PercentComplete > consensusStoreDeadline {
			return rejectPredicate("consensus store outside 0-15% window")
		}
		if req.Record.ExpirationTime > now+maxConsensusEpochs*epochLen {
			return rejectPredicate("consensus expiration exceeds 2 epochs")
		}
		return v.admitQuota(epoch, req.Peer, keyConsensus, 1)

	case keyCommit:
		if ed.PercentComplete <= consensusStoreDeadline || ed.PercentComplete > commitDeadline {
			return rejectPredicate("commit store outside 15-50% window")
		}
		if req.Record.ExpirationTime > now+maxCommitEpochs*epochLen {
			return rejectPredicate("commit expiration exceeds 2 epochs")
		}
		return v.admitQuota(epoch, req.Peer, keyCommit, 1)

	case keyReveal:
		if ed.PercentComplete <= commitDeadline || ed.PercentComplete > revealDeadline {
			return rejectPredicate("reveal store outside 50-60% window")
		}
		if req.Record.ExpirationTime > now+maxRevealEpochs*epochLen {
			return rejectPredicate("reveal expiration exceeds 2 epochs")
		}
		return v.admitQuota(epoch, req.Peer, keyReveal, 1)

	default:
		return rejectPredicate("key does not match any admissible schema")
	}
}

// admitQuota increments and enforces the per-peer-per-epoch cap for kt,
// retaining at most MaxEpochHistory epochs of quota state (§4.3).
func (v *PredicateValidator) admitQuota(epoch uint64, peer PeerID, kt keyType, cap int) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	byPeer, ok := v.history[epoch]
	if !ok {
		byPeer = make(map[PeerID]*epochQuota)
		v.history[epoch] = byPeer
		v.epochs = append(v.epochs, epoch)
		v.pruneLocked()
	}
	q, ok := byPeer[peer]
	if !ok {
		q = &epochQuota{counts: make(map[keyType]int)}
		byPeer[peer] = q
	}
	if q.counts[kt] >= cap {
		return rejectPredicate("per-peer-per-epoch quota exceeded")
	}
	q.counts[kt]++
	return nil
}

// pruneLocked drops the oldest retained epoch once more than
// MaxEpochHistory are held. Caller holds v.mu.
func (v *PredicateValidator) pruneLocked() {
	for len(v.epochs) > MaxEpochHistory {
		oldest := v.epochs[0]
		v.epochs = v.epochs[1:]
		delete(v.history, oldest)
	}
}

func rejectPredicate(reason string) error {
	return &predicateError{reason: reason}
}

type predicateError struct{ reason string }

func (e *predicateError) Error() string { return "core: predicate rejected: " + e.reason }

func (e *predicateError) Unwrap() error { return ErrRecordRejected }
