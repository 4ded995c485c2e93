package core

import (
	"testing"

	libp2ppeer "github.com/libp2p/go-libp2p/core/peer"
)

func peerN(n byte) PeerID { return PeerID{ID: libp2ppeer.ID(rune('a' + n))} }

func TestRoutingTable_AddOrUpdateRejectsSelf(t *testing.T) {
	self := NodeID{0x01}
	rt := NewRoutingTable(self, 20)
	rt.AddOrUpdate(peerN(0), self, "addr", nil)
	if rt.Size() != 0 {
		t.Fatalf("expected self insertion to be a no-op, size = %d", rt.Size())
	}
}

func TestRoutingTable_AddOrUpdateGrowsAndRefreshesExistingEntry(t *testing.T) {
	self := NodeID{0x01}
	rt := NewRoutingTable(self, 20)

	id1 := NodeID{0x02}
	rt.AddOrUpdate(peerN(0), id1, "addr-1", nil)
	if rt.Size() != 1 {
		t.Fatalf("size after first insert = %d, want 1", rt.Size())
	}

	rt.AddOrUpdate(peerN(0), id1, "addr-2", nil)
	if rt.Size() != 1 {
		t.Fatalf("refreshing an existing peer should not grow the table, size = %d", rt.Size())
	}
}

func TestRoutingTable_ClosestSortsByXORDistanceAscending(t *testing.T) {
	self := NodeID{0x00}
	rt := NewRoutingTable(self, 20)

	far := NodeID{0xFF}
	near := NodeID{0x01}
	rt.AddOrUpdate(peerN(0), far, "far", nil)
	rt.AddOrUpdate(peerN(1), near, "near", nil)

	closest := rt.Closest(self, 2)
	if len(closest) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(closest))
	}
	if closest[0].NodeID != near {
		t.Fatalf("closest[0] = %v, want the near node", closest[0].NodeID)
	}
	if closest[1].NodeID != far {
		t.Fatalf("closest[1] = %v, want the far node", closest[1].NodeID)
	}
}

func TestRoutingTable_RemoveUnlinksPeer(t *testing.T) {
	self := NodeID{0x00}
	rt := NewRoutingTable(self, 20)
	id := NodeID{0x02}
	rt.AddOrUpdate(peerN(0), id, "addr", nil)
	if rt.Size() != 1 {
		t.Fatalf("setup: size = %d, want 1", rt.Size())
	}

	rt.Remove(peerN(0))
	if rt.Size() != 0 {
		t.Fatalf("size after Remove = %d, want 0", rt.Size())
	}
	if _, ok := rt.PeerForNodeID(id); ok {
		t.Fatalf("expected uid_to_peer index to be cleared on Remove")
	}
}

func TestRoutingTable_RemovePromotesFromReplacementCache(t *testing.T) {
	self := NodeID{0x00}
	rt := NewRoutingTable(self, 1) // bucket width 1 so the 2nd peer is parked in repl

	live := NodeID{0x40}
	waiting := NodeID{0x60} // shares bucket index 1 with live under self=0x00

	rt.AddOrUpdate(peerN(0), live, "addr-live", nil)
	rt.AddOrUpdate(peerN(1), waiting, "addr-waiting", func(PeerID) bool { return true }) // probe succeeds: parked in repl
	if rt.Size() != 1 {
		t.Fatalf("setup: size = %d, want 1 (waiting peer parked, not live)", rt.Size())
	}

	rt.Remove(peerN(0))
	if rt.Size() != 1 {
		t.Fatalf("size after Remove = %d, want 1 (replacement candidate promoted)", rt.Size())
	}
	if _, ok := rt.PeerForNodeID(waiting); !ok {
		t.Fatalf("expected the replacement-cache candidate to be promoted into the freed slot")
	}
	if _, ok := rt.PeerForNodeID(live); ok {
		t.Fatalf("expected the removed peer's NodeID index to be cleared")
	}
}

func TestRoutingTable_FullBucketEvictsOnFailedProbe(t *testing.T) {
	self := NodeID{0x00}
	rt := NewRoutingTable(self, 1) // bucket width 1 forces eviction logic on the 2nd same-prefix peer

	first := NodeID{0x40} // shares bucket index 1 with second under self=0x00
	second := NodeID{0x60}

	rt.AddOrUpdate(peerN(0), first, "addr-1", nil)
	if rt.Size() != 1 {
		t.Fatalf("setup: size = %d, want 1", rt.Size())
	}

	probed := false
	rt.AddOrUpdate(peerN(1), second, "addr-2", func(PeerID) bool {
		probed = true
		return false // probe fails: evict the LRU entry and admit the new one
	})
	if !probed {
		t.Fatalf("expected the LRU entry's reachability to be probed")
	}
	if rt.Size() != 1 {
		t.Fatalf("size after eviction = %d, want 1 (bucket width 1)", rt.Size())
	}
	if _, ok := rt.PeerForNodeID(second); !ok {
		t.Fatalf("expected the new peer to replace the unreachable LRU entry")
	}
}

func TestRoutingTable_FullBucketKeepsLRUOnSuccessfulProbe(t *testing.T) {
	self := NodeID{0x00}
	rt := NewRoutingTable(self, 1)

	first := NodeID{0x40}
	second := NodeID{0x60}

	rt.AddOrUpdate(peerN(0), first, "addr-1", nil)
	rt.AddOrUpdate(peerN(1), second, "addr-2", func(PeerID) bool { return true })

	if rt.Size() != 1 {
		t.Fatalf("size = %d, want 1 (new peer parked in replacement cache)", rt.Size())
	}
	if _, ok := rt.PeerForNodeID(first); !ok {
		t.Fatalf("expected the original LRU entry to remain after a successful probe")
	}
}
