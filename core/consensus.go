package core

import (
	"context"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// defaultScore is the stub scoring function's constant output (§4.8):
// 1e18 per node included in the subnet this epoch.
var defaultScore = new(big.Int).SetUint64(1_000_000_000_000_000_000)

// ScoreFunc computes a score for a node the chain reports as Included this
// epoch. The default is a deterministic constant; callers may plug in a
// richer function (e.g. weighted by heartbeat throughput).
type ScoreFunc func(node SubnetNodeInfo) *big.Int

func defaultScoreFunc(SubnetNodeInfo) *big.Int {
	return new(big.Int).Set(defaultScore)
}

// PhaseKind names the three-phase consensus state machine of §4.8.
type PhaseKind int

const (
	PhaseWaitActive PhaseKind = iota
	PhaseWaitEligible
	PhaseEpoch
	PhaseExited
)

// Phase is the consensus loop's current state; Epoch is only meaningful
// when Kind == PhaseEpoch.
type Phase struct {
	Kind  PhaseKind
	Epoch uint64
}

// ConsensusConfig parameterizes one subnet's consensus loop.
type ConsensusConfig struct {
	SubnetID        uint32
	SubnetNodeID    uint32
	MaxSubnetErrors int // consecutive chain "not found" epochs tolerated before the next one is fatal (default 3: the 4th trips shutdown)
	BlockInterval   time.Duration
	ScoreFn         ScoreFunc
}

// ConsensusLoop drives the epoch-synchronized propose-or-attest state
// machine of §4.8 against a ChainClient, scoring peers from heartbeats
// observed in local storage.
type ConsensusLoop struct {
	cfg     ConsensusConfig
	chain   ChainClient
	storage *TimedStorage
	logger  *logrus.Logger

	slot uint32

	mu      sync.Mutex
	phase   Phase
	history map[uint64][]ConsensusScore

	stopOnce sync.Once
	stopCh   chan struct{}
	doneCh   chan struct{}
}

// NewConsensusLoop builds a consensus loop; storage supplies the locally
// observed "node" heartbeat dictionary used by CollectScores.
func NewConsensusLoop(cfg ConsensusConfig, chain ChainClient, storage *TimedStorage, logger *logrus.Logger) *ConsensusLoop {
	if cfg.MaxSubnetErrors <= 0 {
		cfg.MaxSubnetErrors = 3
	}
	if cfg.BlockInterval <= 0 {
		cfg.BlockInterval = 6 * time.Second
	}
	if cfg.ScoreFn == nil {
		cfg.ScoreFn = defaultScoreFunc
	}
	return &ConsensusLoop{
		cfg:     cfg,
		chain:   chain,
		storage: storage,
		logger:  logger,
		phase:   Phase{Kind: PhaseWaitActive},
		history: make(map[uint64][]ConsensusScore),
		stopCh:  make(chan struct{}),
		doneCh:  make(chan struct{}),
	}
}

// CurrentPhase reports the loop's current state (for metrics/admin surfaces).
func (c *ConsensusLoop) CurrentPhase() Phase {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.phase
}

func (c *ConsensusLoop) setPhase(p Phase) {
	c.mu.Lock()
	c.phase = p
	c.mu.Unlock()
}

// Run drives the state machine until ctx is cancelled, Shutdown is called,
// or a Fatal condition trips the stop event (§4.8, §7).
func (c *ConsensusLoop) Run(ctx context.Context) error {
	defer close(c.doneCh)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-c.stopCh:
			return nil
		default:
		}

		switch c.CurrentPhase().Kind {
		case PhaseWaitActive:
			if err := c.waitActive(ctx); err != nil {
				return err
			}
		case PhaseWaitEligible:
			c.waitEligible(ctx)
		case PhaseEpoch:
			c.runEpoch(ctx, c.CurrentPhase().Epoch)
		case PhaseExited:
			return nil
		}
	}
}

// Shutdown signals the loop to stop cooperatively, waiting up to grace
// before returning regardless (§4.8 "escalates to hard termination").
func (c *ConsensusLoop) Shutdown(grace time.Duration) {
	c.stopOnce.Do(func() { close(c.stopCh) })
	select {
	case <-c.doneCh:
	case <-time.After(grace):
		c.logger.Warn("consensus: grace period elapsed, forcing stop")
	}
}

func (c *ConsensusLoop) sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		d = time.Millisecond
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	case <-c.stopCh:
		return false
	}
}

func secondsToDuration(s float64) time.Duration {
	if s <= 0 {
		return 0
	}
	return time.Duration(s * float64(time.Second))
}

// waitActive is Phase A (§4.8): wait until the subnet is registered Active,
// shutting down if the chain reports "not found" for more than
// MaxSubnetErrors consecutive epochs.
func (c *ConsensusLoop) waitActive(ctx context.Context) error {
	consecutiveNotFound := 0
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-c.stopCh:
			return nil
		default:
		}

		info, err := c.chain.SubnetInfo(ctx, c.cfg.SubnetID)
		if err != nil {
			c.logger.WithField("code", "ChainTransient").Debugf("consensus: subnet info query failed: %v", err)
		} else if info == nil {
			consecutiveNotFound++
			if consecutiveNotFound > c.cfg.MaxSubnetErrors {
				c.logger.WithField("code", "Fatal").Errorf("consensus: subnet %d not found for %d consecutive epochs, shutting down", c.cfg.SubnetID, consecutiveNotFound)
				c.setPhase(Phase{Kind: PhaseExited})
				return fmt.Errorf("consensus: %w: subnet %d never registered", ErrFatal, c.cfg.SubnetID)
			}
		} else {
			consecutiveNotFound = 0
			if info.State == SubnetActive {
				if slot, ok, err := c.chain.SubnetSlot(ctx, c.cfg.SubnetID); err == nil && ok {
					c.slot = slot
				}
				c.setPhase(Phase{Kind: PhaseWaitEligible})
				return nil
			}
		}

		ed, err := c.chain.EpochData(ctx)
		if err != nil {
			if !c.sleep(ctx, c.cfg.BlockInterval) {
				return nil
			}
			continue
		}
		if !c.sleep(ctx, secondsToDuration(ed.SecondsRemaining)) {
			return nil
		}
	}
}

// waitEligible is Phase B (§4.8): wait until our subnet_node_id appears
// among nodes of class >= Idle.
func (c *ConsensusLoop) waitEligible(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-c.stopCh:
			return
		default:
		}

		ed, err := c.chain.SubnetEpochData(ctx, uint64(c.slot))
		if err != nil {
			if !c.sleep(ctx, c.cfg.BlockInterval) {
				return
			}
			continue
		}

		nodes, err := c.chain.MinClassSubnetNodes(ctx, c.cfg.SubnetID, ed.Epoch, ClassIdle)
		if err == nil {
			for _, n := range nodes {
				if n.SubnetNodeID == c.cfg.SubnetNodeID {
					c.setPhase(Phase{Kind: PhaseEpoch, Epoch: ed.Epoch})
					return
				}
			}
		}

		if !c.sleep(ctx, secondsToDuration(ed.SecondsRemaining)) {
			return
		}
	}
}

// runEpoch is Phase C's body for a single epoch (§4.8 steps 1-4).
func (c *ConsensusLoop) runEpoch(ctx context.Context, epoch uint64) {
	scores, err := c.collectScores(ctx, epoch)
	if err != nil {
		c.logger.WithField("code", "ChainTransient").Debugf("consensus: collect scores failed for epoch %d: %v", epoch, err)
	}

	validatorID, ok := c.pollValidator(ctx, epoch)
	if !ok {
		c.setPhase(Phase{Kind: PhaseEpoch, Epoch: epoch + 1})
		return
	}

	if validatorID == c.cfg.SubnetNodeID {
		c.doPropose(ctx, epoch, scores)
	} else {
		c.doAttest(ctx, epoch, scores)
	}

	c.rememberScores(epoch, scores)
	c.setPhase(Phase{Kind: PhaseEpoch, Epoch: epoch + 1})
}

// collectScores enumerates ServerInfo heartbeats in local storage,
// intersects with the chain's Included node set for epoch, and returns a
// canonically node_id-ordered score list (§4.8 step 1).
func (c *ConsensusLoop) collectScores(ctx context.Context, epoch uint64) ([]ConsensusScore, error) {
	included, err := c.chain.MinClassSubnetNodes(ctx, c.cfg.SubnetID, epoch, ClassIncluded)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrChainTransient, err)
	}

	heartbeats := c.storage.GetDictionary("node")
	out := make([]ConsensusScore, 0, len(included))
	for _, node := range included {
		if !hasHeartbeat(heartbeats, node.PeerID) {
			continue
		}
		out = append(out, ConsensusScore{NodeID: node.SubnetNodeID, Score: c.cfg.ScoreFn(node)})
	}
	sortScores(out)
	return out, nil
}

func hasHeartbeat(dict map[string][]byte, peerB58 string) bool {
	for subkey := range dict {
		if strings.HasPrefix(subkey, peerB58) {
			return true
		}
	}
	return false
}

func sortScores(scores []ConsensusScore) {
	for i := 1; i < len(scores); i++ {
		for j := i; j > 0 && scores[j-1].NodeID > scores[j].NodeID; j-- {
			scores[j-1], scores[j] = scores[j], scores[j-1]
		}
	}
}

// pollValidator polls get_rewards_validator until it resolves or the epoch
// advances past epoch, in which case the caller skips this epoch (§4.8
// step 2).
func (c *ConsensusLoop) pollValidator(ctx context.Context, epoch uint64) (uint32, bool) {
	for {
		id, ok, err := c.chain.RewardsValidator(ctx, c.cfg.SubnetID, epoch)
		if err == nil && ok {
			return id, true
		}

		ed, err := c.chain.EpochData(ctx)
		if err == nil && ed.Epoch != epoch {
			return 0, false
		}

		if !c.sleep(ctx, c.cfg.BlockInterval) {
			return 0, false
		}
	}
}

// doPropose implements the validator branch of §4.8 step 3: idempotent on
// already-present consensus data (I5), and indifferent to whether scores is
// empty (§4.8 step 4).
func (c *ConsensusLoop) doPropose(ctx context.Context, epoch uint64, scores []ConsensusScore) {
	existing, err := c.chain.ConsensusData(ctx, c.cfg.SubnetID, epoch)
	if err == nil && existing != nil {
		return
	}
	if _, err := c.chain.ProposeAttestation(ctx, c.cfg.SubnetID, scores); err != nil {
		c.logger.WithField("code", "ChainTransient").Debugf("consensus: propose_attestation failed for epoch %d: %v", epoch, err)
	}
}

// doAttest implements the attestor branch of §4.8 step 3.
func (c *ConsensusLoop) doAttest(ctx context.Context, epoch uint64, scores []ConsensusScore) {
	cd := c.awaitConsensusData(ctx, epoch)
	if cd == nil {
		return
	}

	if cd.PrioritizeQueueNodeID != nil || cd.RemoveQueueNodeID != nil {
		return
	}

	match := equalScoreSets(scores, cd.Data)
	if !match {
		if fallback, ok := c.resolveFallback(ctx, epoch-1); ok {
			diff := symmetricDifference(scores, cd.Data)
			match = isSubsetOf(diff, fallback)
		}
	}
	if !match {
		return
	}

	if _, already := cd.Attests[c.cfg.SubnetNodeID]; already {
		return
	}
	if _, err := c.chain.Attest(ctx, c.cfg.SubnetID); err != nil {
		c.logger.WithField("code", "ChainTransient").Debugf("consensus: attest failed for epoch %d: %v", epoch, err)
	}
}

// awaitConsensusData polls until the validator's submission appears with
// percent_complete <= 0.25, returning nil if the deadline passes first or
// the epoch advances underneath us (§4.8 step 3).
func (c *ConsensusLoop) awaitConsensusData(ctx context.Context, epoch uint64) *ConsensusData {
	for {
		ed, err := c.chain.EpochData(ctx)
		if err != nil {
			if !c.sleep(ctx, c.cfg.BlockInterval) {
				return nil
			}
			continue
		}
		if ed.Epoch != epoch {
			return nil
		}

		cd, err := c.chain.ConsensusData(ctx, c.cfg.SubnetID, epoch)
		if err == nil && cd != nil {
			if ed.PercentComplete <= 0.25 {
				return cd
			}
			return nil
		}

		if ed.PercentComplete > 0.25 {
			return nil
		}
		if !c.sleep(ctx, c.cfg.BlockInterval) {
			return nil
		}
	}
}

// resolveFallback returns the best available prior-epoch attested data for
// the mismatch fallback rule, preferring our own local history and falling
// back to the chain's record if its attestation ratio meets the 0.66 safety
// threshold (§4.8 step 3 "Comparison rule").
func (c *ConsensusLoop) resolveFallback(ctx context.Context, prevEpoch uint64) ([]ConsensusScore, bool) {
	c.mu.Lock()
	local, ok := c.history[prevEpoch]
	c.mu.Unlock()
	if ok {
		return local, true
	}

	cd, err := c.chain.ConsensusData(ctx, c.cfg.SubnetID, prevEpoch)
	if err != nil || cd == nil {
		return nil, false
	}
	if cd.AttestationRatio() < 0.66 {
		return nil, false
	}
	return cd.Data, true
}

func (c *ConsensusLoop) rememberScores(epoch uint64, scores []ConsensusScore) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.history[epoch] = scores
	for e := range c.history {
		if e+5 < epoch {
			delete(c.history, e)
		}
	}
}

// equalScoreSets reports set equality over (node_id, score) pairs,
// ignoring order and duplicates (§4.8 step 3, §8 invariant 6).
func equalScoreSets(a, b []ConsensusScore) bool {
	return len(symmetricDifference(a, b)) == 0
}

// symmetricDifference returns the (node_id, score) pairs present in exactly
// one of a or b.
func symmetricDifference(a, b []ConsensusScore) []ConsensusScore {
	am := scoreSet(a)
	bm := scoreSet(b)
	var diff []ConsensusScore
	for id, sa := range am {
		if sb, ok := bm[id]; !ok || sa != sb {
			diff = append(diff, ConsensusScore{NodeID: id, Score: mustBig(sa)})
		}
	}
	for id, sb := range bm {
		if sa, ok := am[id]; !ok || sa != sb {
			diff = append(diff, ConsensusScore{NodeID: id, Score: mustBig(sb)})
		}
	}
	return diff
}

// isSubsetOf reports whether every pair in diff also appears in fallback,
// by (node_id, score) equality.
func isSubsetOf(diff, fallback []ConsensusScore) bool {
	fm := scoreSet(fallback)
	for _, d := range diff {
		s := ""
		if d.Score != nil {
			s = d.Score.String()
		}
		if fm[d.NodeID] != s {
			return false
		}
	}
	return true
}

func scoreSet(scores []ConsensusScore) map[uint32]string {
	m := make(map[uint32]string, len(scores))
	for _, s := range scores {
		v := ""
		if s.Score != nil {
			v = s.Score.String()
		}
		m[s.NodeID] = v
	}
	return m
}

func mustBig(s string) *big.Int {
	n := new(big.Int)
	n.SetString(s, 10)
	return n
}
