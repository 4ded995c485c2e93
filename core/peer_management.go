package core

import (
	crand "crypto/rand"
	"math/big"
)

// shuffleEntries performs a Fisher-Yates shuffle in place using crypto/rand,
// the same unbiased-sampling idiom the teacher codebase uses for peer
// selection.
func shuffleEntries(entries []*PeerEntry) {
	for i := len(entries) - 1; i > 0; i-- {
		jBig, err := crand.Int(crand.Reader, big.NewInt(int64(i+1)))
		if err != nil {
			return
		}
		j := int(jBig.Int64())
		entries[i], entries[j] = entries[j], entries[i]
	}
}

// SamplePeers returns up to n distinct peers drawn uniformly at random from
// routing, excluding self. Used by the heartbeat announcer to pick ping
// targets (§4.7); DHTNode seeds its traversals from RoutingTable.Closest
// instead.
func SamplePeers(routing *RoutingTable, self PeerID, n int) []*PeerEntry {
	all := routing.Closest(routing.self, routing.Size())
	entries := make([]*PeerEntry, 0, len(all))
	for _, e := range all {
		if e.PeerID == self {
			continue
		}
		entries = append(entries, e)
	}
	shuffleEntries(entries)
	if n > len(entries) {
		n = len(entries)
	}
	return entries[:n]
}
