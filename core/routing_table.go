package core

import (
	"sort"
	"sync"
	"time"
)

// DefaultBucketSize is the Kademlia "k" parameter: max live entries per
// bucket (§4.1).
const DefaultBucketSize = 20

// PeerEntry is an arena-owned routing-table record. Buckets hold only the
// PeerID; the entry itself lives in RoutingTable.entries, avoiding the
// strong-cycle-prone graph the source's peer-re-referenced-from-many-buckets
// shape would otherwise produce in Go (§9 "Cyclic ownership").
type PeerEntry struct {
	PeerID     PeerID
	NodeID     NodeID
	Addr       string
	LastSeen   time.Time
	FailedPing int
}

type bucket struct {
	entries []PeerID     // live entries, oldest-seen first
	repl    []*PeerEntry // replacement cache, most-recent last
}

// RoutingTable is a Kademlia k-bucket table over a 160-bit XOR metric.
type RoutingTable struct {
	self    NodeID
	k       int
	mu      sync.RWMutex
	buckets [IDLength * 8]bucket
	entries map[PeerID]*PeerEntry
	uidToPeer map[NodeID]PeerID
}

// NewRoutingTable constructs a table rooted at self with bucket width k (0
// selects DefaultBucketSize).
func NewRoutingTable(self NodeID, k int) *RoutingTable {
	if k <= 0 {
		k = DefaultBucketSize
	}
	return &RoutingTable{
		self:      self,
		k:         k,
		entries:   make(map[PeerID]*PeerEntry),
		uidToPeer: make(map[NodeID]PeerID),
	}
}

func (t *RoutingTable) bucketIndex(id NodeID) int {
	idx := t.self.CommonPrefixLen(id)
	if idx >= len(t.buckets) {
		idx = len(t.buckets) - 1
	}
	return idx
}

// AddOrUpdate inserts or refreshes a peer. If its bucket is full, the
// least-recently-seen live entry is PING'd by the caller-supplied prober;
// on a successful probe the old entry is kept and the new one dropped into
// the replacement cache, on failure the old entry is evicted (§4.1).
func (t *RoutingTable) AddOrUpdate(peerID PeerID, nodeID NodeID, addr string, probe func(PeerID) bool) {
	if nodeID == t.self {
		return
	}
	t.mu.Lock()
	if pe, ok := t.entries[peerID]; ok {
		pe.LastSeen = time.Now()
		pe.Addr = addr
		pe.FailedPing = 0
		t.mu.Unlock()
		return
	}
	idx := t.bucketIndex(nodeID)
	b := &t.buckets[idx]
	if len(b.entries) < t.k {
		b.entries = append(b.entries, peerID)
		t.entries[peerID] = &PeerEntry{PeerID: peerID, NodeID: nodeID, Addr: addr, LastSeen: time.Now()}
		t.uidToPeer[nodeID] = peerID
		t.mu.Unlock()
		return
	}
	lru := b.entries[0]
	t.mu.Unlock()

	if probe != nil && probe(lru) {
		t.mu.Lock()
		b.repl = appendBoundedEntry(b.repl, &PeerEntry{PeerID: peerID, NodeID: nodeID, Addr: addr, LastSeen: time.Now()}, t.k)
		t.mu.Unlock()
		return
	}

	t.mu.Lock()
	t.evictLocked(idx, lru)
	b.entries = append(b.entries, peerID)
	t.entries[peerID] = &PeerEntry{PeerID: peerID, NodeID: nodeID, Addr: addr, LastSeen: time.Now()}
	t.uidToPeer[nodeID] = peerID
	t.promoteFromReplacementLocked(idx)
	t.mu.Unlock()
}

func appendBoundedEntry(s []*PeerEntry, e *PeerEntry, max int) []*PeerEntry {
	s = append(s, e)
	if len(s) > max {
		s = s[len(s)-max:]
	}
	return s
}

// promoteFromReplacementLocked pulls the most recently seen replacement
// candidate for bucket idx into the live set, if the bucket has room and the
// candidate isn't already tracked (t.mu must be held).
func (t *RoutingTable) promoteFromReplacementLocked(idx int) {
	b := &t.buckets[idx]
	for len(b.repl) > 0 && len(b.entries) < t.k {
		promoted := b.repl[len(b.repl)-1]
		b.repl = b.repl[:len(b.repl)-1]
		if _, exists := t.entries[promoted.PeerID]; exists {
			continue
		}
		b.entries = append(b.entries, promoted.PeerID)
		t.entries[promoted.PeerID] = promoted
		t.uidToPeer[promoted.NodeID] = promoted.PeerID
		return
	}
}

func (t *RoutingTable) evictLocked(idx int, id PeerID) {
	b := &t.buckets[idx]
	for i, p := range b.entries {
		if p == id {
			b.entries = append(b.entries[:i], b.entries[i+1:]...)
			break
		}
	}
	delete(t.entries, id)
}

// Remove unlinks a peer from the table, promoting a replacement-cache
// candidate into the freed bucket slot if one is waiting (§4.1).
func (t *RoutingTable) Remove(peerID PeerID) {
	t.mu.Lock()
	defer t.mu.Unlock()
	pe, ok := t.entries[peerID]
	if !ok {
		return
	}
	idx := t.bucketIndex(pe.NodeID)
	t.evictLocked(idx, peerID)
	delete(t.uidToPeer, pe.NodeID)
	t.promoteFromReplacementLocked(idx)
}

// Closest returns up to k peers sorted by XOR distance ascending to target.
func (t *RoutingTable) Closest(target NodeID, k int) []*PeerEntry {
	t.mu.RLock()
	defer t.mu.RUnlock()
	all := make([]*PeerEntry, 0, len(t.entries))
	for _, pe := range t.entries {
		all = append(all, pe)
	}
	sort.Slice(all, func(i, j int) bool {
		return distanceInt(all[i].NodeID, target).Cmp(distanceInt(all[j].NodeID, target)) < 0
	})
	if k > 0 && len(all) > k {
		all = all[:k]
	}
	return all
}

// PeerForNodeID resolves the auxiliary uid_to_peer_id index (§4.1).
func (t *RoutingTable) PeerForNodeID(id NodeID) (PeerID, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	p, ok := t.uidToPeer[id]
	return p, ok
}

// Size returns the total number of live entries across all buckets.
func (t *RoutingTable) Size() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.entries)
}
