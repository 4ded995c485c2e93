package core

import (
	"context"
	"sync"
)

// ChainClient is the consensus loop's view of the external chain (§6): block
// and epoch queries, subnet/node metadata, and the two write calls
// (propose_attestation, attest). This codebase specifies the boundary as a
// Go interface; the chain's own RPC/WS transport is out of scope (§1) and is
// supplied by a concrete adapter elsewhere.
type ChainClient interface {
	BlockNumber(ctx context.Context) (uint64, error)
	EpochLength(ctx context.Context) (uint64, error)
	EpochData(ctx context.Context) (EpochData, error)
	SubnetEpochData(ctx context.Context, slot uint64) (EpochData, error)

	SubnetSlot(ctx context.Context, subnetID uint32) (uint32, bool, error)
	SubnetInfo(ctx context.Context, subnetID uint32) (*SubnetInfo, error)
	MinClassSubnetNodes(ctx context.Context, subnetID uint32, epoch uint64, class NodeClass) ([]SubnetNodeInfo, error)

	RewardsValidator(ctx context.Context, subnetID uint32, epoch uint64) (uint32, bool, error)
	ConsensusData(ctx context.Context, subnetID uint32, epoch uint64) (*ConsensusData, error)
	ProofOfStake(ctx context.Context, subnetID uint32, peerIDOrPubKey string, minClass NodeClass) (bool, error)

	ProposeAttestation(ctx context.Context, subnetID uint32, data []ConsensusScore) (Receipt, error)
	Attest(ctx context.Context, subnetID uint32) (Receipt, error)
}

// MockChainClient is an in-memory ChainClient double for tests: state is
// set directly by the test, no network involved.
type MockChainClient struct {
	mu sync.Mutex

	Block         uint64
	BlockSecs     float64
	BlockPerEpoch uint64

	Subnets   map[uint32]*SubnetInfo
	Slots     map[uint32]uint32
	ClassList map[uint32][]SubnetNodeInfo // keyed by subnetID; epoch ignored by the mock

	Validators map[uint64]uint32 // keyed by epoch; absent means "not yet resolved"
	Consensus  map[uint64]*ConsensusData
	Staked     map[string]bool

	Proposals []ProposeCall
	Attests   []AttestCall
}

// ProposeCall records one ProposeAttestation invocation for assertions.
type ProposeCall struct {
	SubnetID uint32
	Epoch    uint64
	Data     []ConsensusScore
}

// AttestCall records one Attest invocation for assertions.
type AttestCall struct {
	SubnetID uint32
	Epoch    uint64
}

// NewMockChainClient builds a mock with a 6-second block time and a
// 100-block epoch, matching the default used throughout the testable
// properties (§8 S2).
func NewMockChainClient() *MockChainClient {
	return &MockChainClient{
		BlockSecs:     6,
		BlockPerEpoch: 100,
		Subnets:       make(map[uint32]*SubnetInfo),
		Slots:         make(map[uint32]uint32),
		ClassList:     make(map[uint32][]SubnetNodeInfo),
		Validators:    make(map[uint64]uint32),
		Consensus:     make(map[uint64]*ConsensusData),
		Staked:        make(map[string]bool),
	}
}

func (m *MockChainClient) BlockNumber(ctx context.Context) (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.Block, nil
}

func (m *MockChainClient) EpochLength(ctx context.Context) (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.BlockPerEpoch, nil
}

func (m *MockChainClient) EpochData(ctx context.Context) (EpochData, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return NewEpochData(m.Block, m.BlockPerEpoch, m.BlockSecs, 0), nil
}

func (m *MockChainClient) SubnetEpochData(ctx context.Context, slot uint64) (EpochData, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return NewEpochData(m.Block, m.BlockPerEpoch, m.BlockSecs, slot), nil
}

func (m *MockChainClient) SubnetSlot(ctx context.Context, subnetID uint32) (uint32, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	slot, ok := m.Slots[subnetID]
	return slot, ok, nil
}

func (m *MockChainClient) SubnetInfo(ctx context.Context, subnetID uint32) (*SubnetInfo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	info, ok := m.Subnets[subnetID]
	if !ok {
		return nil, nil
	}
	cp := *info
	return &cp, nil
}

func (m *MockChainClient) MinClassSubnetNodes(ctx context.Context, subnetID uint32, epoch uint64, class NodeClass) ([]SubnetNodeInfo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []SubnetNodeInfo
	for _, n := range m.ClassList[subnetID] {
		if n.Class.AtLeast(class) {
			out = append(out, n)
		}
	}
	return out, nil
}

func (m *MockChainClient) RewardsValidator(ctx context.Context, subnetID uint32, epoch uint64) (uint32, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id, ok := m.Validators[epoch]
	return id, ok, nil
}

func (m *MockChainClient) ConsensusData(ctx context.Context, subnetID uint32, epoch uint64) (*ConsensusData, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cd, ok := m.Consensus[epoch]
	if !ok {
		return nil, nil
	}
	return cd, nil
}

func (m *MockChainClient) ProofOfStake(ctx context.Context, subnetID uint32, peerIDOrPubKey string, minClass NodeClass) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.Staked[peerIDOrPubKey], nil
}

func (m *MockChainClient) ProposeAttestation(ctx context.Context, subnetID uint32, data []ConsensusScore) (Receipt, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	epoch, _, _ := m.epochLocked()
	m.Proposals = append(m.Proposals, ProposeCall{SubnetID: subnetID, Epoch: epoch, Data: data})
	return Receipt{IsSuccess: true}, nil
}

func (m *MockChainClient) Attest(ctx context.Context, subnetID uint32) (Receipt, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	epoch, _, _ := m.epochLocked()
	m.Attests = append(m.Attests, AttestCall{SubnetID: subnetID, Epoch: epoch})
	return Receipt{IsSuccess: true}, nil
}

func (m *MockChainClient) epochLocked() (uint64, uint64, float64) {
	ed := NewEpochData(m.Block, m.BlockPerEpoch, m.BlockSecs, 0)
	return ed.Epoch, ed.BlocksElapsed, ed.PercentComplete
}
