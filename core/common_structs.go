package core

// common_structs.go – centralised struct definitions referenced across the
// DHT, authorizer, and consensus packages. This file declares only data
// structures (no methods beyond trivial helpers) to avoid cyclic imports,
// following the convention established in the teacher codebase.

import (
	"math/big"
	"time"
)

//---------------------------------------------------------------------
// ServerInfo / heartbeat (§3, §4.7)
//---------------------------------------------------------------------

// NodeState is a heartbeat's reachability state.
type NodeState string

const (
	StateJoining NodeState = "JOINING"
	StateOnline  NodeState = "ONLINE"
	StateOffline NodeState = "OFFLINE"
)

// ServerInfo is the signed record every node periodically republishes under
// the well-known "node" key (§3, §4.7, §6).
type ServerInfo struct {
	State       NodeState          `json:"state"`
	Role        string             `json:"role"`
	Version     string             `json:"version"`
	Throughput  float64            `json:"throughput"`
	PublicName  string             `json:"public_name,omitempty"`
	UsingRelay  bool               `json:"using_relay"`
	NextPings   map[string]float64 `json:"next_pings"`
}

//---------------------------------------------------------------------
// Consensus data model (§3, §4.8, §6)
//---------------------------------------------------------------------

// ConsensusScore pairs an on-chain subnet node id with its score; node_id is
// u32, score is u128 on the chain and represented here as *big.Int.
type ConsensusScore struct {
	NodeID uint32   `json:"node_id"`
	Score  *big.Int `json:"score"`
}

// AttestEntry records that a subnet node id attested an epoch's consensus
// data.
type AttestEntry struct {
	NodeID    uint32    `json:"node_id"`
	Timestamp time.Time `json:"timestamp"`
}

// ConsensusData is the chain's canonical per-epoch submission, read back by
// attestors to compare against their own locally-collected scores.
type ConsensusData struct {
	ValidatorID          uint32                 `json:"validator_id"`
	Attests              map[uint32]AttestEntry `json:"attests"`
	SubnetNodes          []uint32               `json:"subnet_nodes"`
	Data                 []ConsensusScore       `json:"data"`
	PrioritizeQueueNodeID *uint32               `json:"prioritize_queue_node_id,omitempty"`
	RemoveQueueNodeID     *uint32               `json:"remove_queue_node_id,omitempty"`
}

// AttestationRatio returns attests/|subnet_nodes|, the quantity the §4.8
// prior-epoch fallback compares against the 0.66 safety threshold.
func (c *ConsensusData) AttestationRatio() float64 {
	if c == nil || len(c.SubnetNodes) == 0 {
		return 0
	}
	return float64(len(c.Attests)) / float64(len(c.SubnetNodes))
}

//---------------------------------------------------------------------
// Chain subnet/node metadata (§6)
//---------------------------------------------------------------------

// SubnetState is the chain's subnet lifecycle state (§6, GLOSSARY "Class"
// adjacent but distinct: this gates the subnet, Class gates the node).
type SubnetState string

const (
	SubnetRegistered SubnetState = "Registered"
	SubnetActive     SubnetState = "Active"
	SubnetPaused     SubnetState = "Paused"
)

// SubnetInfo is the subset of the chain's subnet record the consensus loop
// reads (§6): only State is consumed.
type SubnetInfo struct {
	State SubnetState
}

// NodeClass is the chain's node classification gating eligibility
// (GLOSSARY "Class").
type NodeClass string

const (
	ClassRegistered NodeClass = "Registered"
	ClassIdle       NodeClass = "Idle"
	ClassIncluded   NodeClass = "Included"
	ClassValidator  NodeClass = "Validator"
)

// classRank gives NodeClass a total order so "class >= Idle" comparisons
// (§4.8 Phase B) are well-defined.
var classRank = map[NodeClass]int{
	ClassRegistered: 0,
	ClassIdle:       1,
	ClassIncluded:   2,
	ClassValidator:  3,
}

// AtLeast reports whether c is ranked at or above other.
func (c NodeClass) AtLeast(other NodeClass) bool {
	return classRank[c] >= classRank[other]
}

// SubnetNodeInfo is a chain-reported node entry for a subnet (§6: fields used
// are subnet_node_id, peer_id).
type SubnetNodeInfo struct {
	SubnetNodeID uint32
	PeerID       string
	Class        NodeClass
}

// Receipt is the only observable result of a chain write call (§6).
type Receipt struct {
	IsSuccess    bool
	ErrorMessage string
}

//---------------------------------------------------------------------
// Authenticated transport envelope (§4.4, §6)
//---------------------------------------------------------------------

// ClientAccessToken carries the requester's public key and its own
// expiration, signed by the requester.
type ClientAccessToken struct {
	PublicKey      []byte  `json:"public_key"`
	ExpirationTime float64 `json:"expiration_time"`
	Signature      []byte  `json:"signature"`
}

// AuthEnvelope is the common auth block every DHT RPC carries (§6).
type AuthEnvelope struct {
	ClientAccessToken ClientAccessToken `json:"client_access_token"`
	ServicePublicKey  []byte            `json:"service_public_key,omitempty"`
	Time              float64           `json:"time"`
	Nonce             []byte            `json:"nonce"`
	Signature         []byte            `json:"signature"`
}

//---------------------------------------------------------------------
// Misc hooks
//---------------------------------------------------------------------

// BroadcasterFunc is the signature for a pluggable gossip-broadcast hook,
// following the teacher codebase's network.go convention of the same name.
type BroadcasterFunc func(topic string, data []byte) error
