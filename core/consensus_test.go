package core

import (
	"context"
	"math/big"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
)

func quietLogger() *logrus.Logger {
	l := logrus.New()
	l.SetLevel(logrus.PanicLevel)
	return l
}

func newTestLoop(chain ChainClient, storage *TimedStorage) *ConsensusLoop {
	cfg := ConsensusConfig{
		SubnetID:        1,
		SubnetNodeID:    5,
		MaxSubnetErrors: 2,
		BlockInterval:   time.Millisecond,
	}
	return NewConsensusLoop(cfg, chain, storage, quietLogger())
}

func TestConsensusLoop_WaitActiveAdvancesOnActiveSubnet(t *testing.T) {
	m := NewMockChainClient()
	m.BlockSecs = 0.001
	m.Subnets[1] = &SubnetInfo{State: SubnetActive}
	m.Slots[1] = 7

	loop := newTestLoop(m, NewTimedStorage(time.Minute))
	if err := loop.waitActive(context.Background()); err != nil {
		t.Fatalf("waitActive: %v", err)
	}
	if loop.CurrentPhase().Kind != PhaseWaitEligible {
		t.Fatalf("phase = %v, want PhaseWaitEligible", loop.CurrentPhase().Kind)
	}
	if loop.slot != 7 {
		t.Fatalf("slot = %d, want 7", loop.slot)
	}
}

func TestConsensusLoop_WaitActiveFatalAfterMaxErrors(t *testing.T) {
	m := NewMockChainClient()
	m.BlockSecs = 0.001 // keep sleeps short; subnet never registered

	loop := newTestLoop(m, NewTimedStorage(time.Minute))
	err := loop.waitActive(context.Background())
	if err == nil {
		t.Fatal("expected fatal error, got nil")
	}
	if loop.CurrentPhase().Kind != PhaseExited {
		t.Fatalf("phase = %v, want PhaseExited", loop.CurrentPhase().Kind)
	}
}

// countingSubnetInfoChain wraps MockChainClient to count SubnetInfo calls,
// letting the test pin down exactly which consecutive not-found call trips
// the fatal shutdown rather than just that it eventually trips.
type countingSubnetInfoChain struct {
	*MockChainClient
	calls int
}

func (c *countingSubnetInfoChain) SubnetInfo(ctx context.Context, subnetID uint32) (*SubnetInfo, error) {
	c.calls++
	return c.MockChainClient.SubnetInfo(ctx, subnetID)
}

func TestConsensusLoop_WaitActiveFatalOnTheMaxErrorsPlusOnethNotFound(t *testing.T) {
	m := &countingSubnetInfoChain{MockChainClient: NewMockChainClient()}
	m.BlockSecs = 0.001 // subnet never registered: every call is "not found"

	loop := newTestLoop(m, NewTimedStorage(time.Minute)) // MaxSubnetErrors: 2
	err := loop.waitActive(context.Background())
	if err == nil {
		t.Fatal("expected fatal error, got nil")
	}
	if loop.CurrentPhase().Kind != PhaseExited {
		t.Fatalf("phase = %v, want PhaseExited", loop.CurrentPhase().Kind)
	}
	// SPEC_FULL.md §8 S6: N consecutive "not found" results are tolerated;
	// shutdown happens on the (N+1)th, not the Nth.
	if m.calls != 3 {
		t.Fatalf("SubnetInfo was called %d times before fatal shutdown, want 3 (MaxSubnetErrors+1)", m.calls)
	}
}

func TestConsensusLoop_WaitEligibleAdvancesWhenNodeIsIdleOrAbove(t *testing.T) {
	m := NewMockChainClient()
	m.BlockSecs = 0.001
	m.ClassList[1] = []SubnetNodeInfo{
		{SubnetNodeID: 5, PeerID: "peerE", Class: ClassIncluded},
	}

	loop := newTestLoop(m, NewTimedStorage(time.Minute))
	loop.waitEligible(context.Background())
	if loop.CurrentPhase().Kind != PhaseEpoch {
		t.Fatalf("phase = %v, want PhaseEpoch", loop.CurrentPhase().Kind)
	}
}

func TestConsensusLoop_CollectScoresIntersectsHeartbeatsAndIncluded(t *testing.T) {
	m := NewMockChainClient()
	m.ClassList[1] = []SubnetNodeInfo{
		{SubnetNodeID: 1, PeerID: "peerA", Class: ClassIncluded},
		{SubnetNodeID: 2, PeerID: "peerB", Class: ClassIncluded},
	}

	storage := NewTimedStorage(time.Minute)
	storage.StoreSubkey("node", "peerA"+"pubkeybytes", []byte(`{}`), nowSeconds()+60)

	loop := newTestLoop(m, storage)
	scores, err := loop.collectScores(context.Background(), 0)
	if err != nil {
		t.Fatalf("collectScores: %v", err)
	}
	if len(scores) != 1 || scores[0].NodeID != 1 {
		t.Fatalf("scores = %+v, want exactly node 1 (has heartbeat)", scores)
	}
}

func TestConsensusLoop_DoProposeIsIdempotent(t *testing.T) {
	m := NewMockChainClient()
	loop := newTestLoop(m, NewTimedStorage(time.Minute))
	scores := []ConsensusScore{{NodeID: 1, Score: big.NewInt(1)}}

	loop.doPropose(context.Background(), 3, scores)
	// Simulate the chain now reflecting that first proposal.
	m.Consensus[3] = &ConsensusData{ValidatorID: 5, Data: scores, Attests: map[uint32]AttestEntry{}}
	before := len(m.Proposals)
	loop.doPropose(context.Background(), 3, scores)
	if len(m.Proposals) != before {
		t.Fatalf("expected doPropose to skip once ConsensusData exists, proposals went from %d to %d", before, len(m.Proposals))
	}
}

func TestConsensusLoop_DoAttestMatchesAndAttestsOnce(t *testing.T) {
	m := NewMockChainClient()
	m.BlockSecs = 0.001
	m.BlockPerEpoch = 1
	m.Block = 3 // so EpochData().Epoch == 3, matching the epoch under test
	scores := []ConsensusScore{{NodeID: 1, Score: big.NewInt(100)}}
	m.Consensus[3] = &ConsensusData{
		ValidatorID: 9,
		Data:        scores,
		Attests:     map[uint32]AttestEntry{},
		SubnetNodes: []uint32{1, 5, 9},
	}

	loop := newTestLoop(m, NewTimedStorage(time.Minute))
	loop.doAttest(context.Background(), 3, scores)

	if len(m.Attests) != 1 {
		t.Fatalf("expected exactly one attest call, got %d", len(m.Attests))
	}

	// Idempotence: once the chain reflects our attestation, a second call
	// must not attest again (I5).
	m.Consensus[3].Attests[5] = AttestEntry{NodeID: 5}
	loop.doAttest(context.Background(), 3, scores)
	if len(m.Attests) != 1 {
		t.Fatalf("expected doAttest to be idempotent once already attested, got %d calls", len(m.Attests))
	}
}

func TestConsensusLoop_DoAttestSkipsOnQueueOverride(t *testing.T) {
	m := NewMockChainClient()
	m.BlockSecs = 0.001
	m.BlockPerEpoch = 1
	m.Block = 3
	queueNode := uint32(42)
	m.Consensus[3] = &ConsensusData{
		ValidatorID:           9,
		Data:                  []ConsensusScore{{NodeID: 1, Score: big.NewInt(1)}},
		Attests:               map[uint32]AttestEntry{},
		SubnetNodes:           []uint32{1, 5, 9},
		PrioritizeQueueNodeID: &queueNode,
	}

	loop := newTestLoop(m, NewTimedStorage(time.Minute))
	loop.doAttest(context.Background(), 3, []ConsensusScore{{NodeID: 1, Score: big.NewInt(1)}})
	if len(m.Attests) != 0 {
		t.Fatalf("expected no attest when a queue override is set, got %d", len(m.Attests))
	}
}

func TestConsensusLoop_MismatchFallsBackToHighRatioPriorEpoch(t *testing.T) {
	m := NewMockChainClient()
	m.BlockSecs = 0.001
	m.BlockPerEpoch = 1
	m.Block = 3

	ours := []ConsensusScore{{NodeID: 1, Score: big.NewInt(100)}}
	validatorData := []ConsensusScore{{NodeID: 1, Score: big.NewInt(100)}, {NodeID: 2, Score: big.NewInt(200)}}
	m.Consensus[3] = &ConsensusData{
		ValidatorID: 9,
		Data:        validatorData,
		Attests:     map[uint32]AttestEntry{},
		SubnetNodes: []uint32{1, 5, 9},
	}
	// Prior epoch's chain-recorded consensus had a high attestation ratio and
	// already included node 2 — the symmetric difference {node 2} is a subset
	// of that fallback, so the mismatch should resolve to a match.
	m.Consensus[2] = &ConsensusData{
		Data:        validatorData,
		SubnetNodes: []uint32{1, 5, 9},
		Attests: map[uint32]AttestEntry{
			1: {}, 5: {}, 9: {},
		},
	}

	loop := newTestLoop(m, NewTimedStorage(time.Minute))
	loop.doAttest(context.Background(), 3, ours)
	if len(m.Attests) != 1 {
		t.Fatalf("expected fallback-resolved match to attest, got %d calls", len(m.Attests))
	}
}

func TestConsensusLoop_MismatchWithoutFallbackSkips(t *testing.T) {
	m := NewMockChainClient()
	m.BlockSecs = 0.001
	m.BlockPerEpoch = 1
	m.Block = 3

	ours := []ConsensusScore{{NodeID: 1, Score: big.NewInt(100)}}
	validatorData := []ConsensusScore{{NodeID: 1, Score: big.NewInt(100)}, {NodeID: 2, Score: big.NewInt(200)}}
	m.Consensus[3] = &ConsensusData{
		ValidatorID: 9,
		Data:        validatorData,
		Attests:     map[uint32]AttestEntry{},
		SubnetNodes: []uint32{1, 5, 9},
	}
	// No prior epoch data at all: fallback unavailable, mismatch stands.

	loop := newTestLoop(m, NewTimedStorage(time.Minute))
	loop.doAttest(context.Background(), 3, ours)
	if len(m.Attests) != 0 {
		t.Fatalf("expected mismatch with no fallback to skip attestation, got %d calls", len(m.Attests))
	}
}

func TestEqualScoreSets_OrderAndDuplicatesDontMatter(t *testing.T) {
	a := []ConsensusScore{{NodeID: 1, Score: big.NewInt(1)}, {NodeID: 2, Score: big.NewInt(2)}}
	b := []ConsensusScore{{NodeID: 2, Score: big.NewInt(2)}, {NodeID: 1, Score: big.NewInt(1)}, {NodeID: 1, Score: big.NewInt(1)}}
	if !equalScoreSets(a, b) {
		t.Fatal("expected sets equal regardless of order/duplicates")
	}
}

func TestPollValidator_ResolvesImmediatelyWhenSet(t *testing.T) {
	m := NewMockChainClient()
	m.Validators[3] = 9
	loop := newTestLoop(m, NewTimedStorage(time.Minute))
	id, ok := loop.pollValidator(context.Background(), 3)
	if !ok || id != 9 {
		t.Fatalf("pollValidator = (%d, %v), want (9, true)", id, ok)
	}
}

func TestPollValidator_SkipsWhenEpochAdvances(t *testing.T) {
	m := NewMockChainClient()
	m.BlockSecs = 0.001
	m.Block = 100 // epoch 1, validator for epoch 0 never resolves
	loop := newTestLoop(m, NewTimedStorage(time.Minute))
	_, ok := loop.pollValidator(context.Background(), 0)
	if ok {
		t.Fatal("expected pollValidator to report false once the epoch has moved on")
	}
}
