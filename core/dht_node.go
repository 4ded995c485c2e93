package core

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/sirupsen/logrus"
)

// Alpha is the lookup concurrency parameter (§4.6 default).
const Alpha = 3

// DefaultNumWorkers bounds how many outbound RPCs a DHTNode issues at once
// across all in-flight lookups (§5 "parallelism bounded by num_workers").
const DefaultNumWorkers = 8

// cacheTTL bounds how long a successfully retrieved value is served from
// DHTNode's local cache before a fresh lookup is required (§4.6 caching).
const cacheTTL = 30 * time.Second

type cacheEntry struct {
	value      []byte
	dictionary map[string][]byte
}

// candidate is one peer tracked during an iterative lookup.
type candidate struct {
	peer     PeerEntry
	distance []byte
	queried  bool
	replied  bool
}

// DHTNode coordinates iterative lookups over a RoutingTable and DHTProtocol
// (§4.6): traverse for FIND_NODE-style discovery, Store/Get/GetMany for the
// application-facing record API.
type DHTNode struct {
	self     PeerID
	selfNode NodeID
	k        int
	protocol *DHTProtocol
	routing  *RoutingTable
	logger   *logrus.Logger

	workers chan struct{}
	cache   *lru.LRU[string, cacheEntry]
}

// NewDHTNode builds a node over protocol/routing with the given worker
// concurrency bound (0 selects DefaultNumWorkers).
func NewDHTNode(self PeerID, selfNode NodeID, k int, protocol *DHTProtocol, routing *RoutingTable, numWorkers int, logger *logrus.Logger) *DHTNode {
	if numWorkers <= 0 {
		numWorkers = DefaultNumWorkers
	}
	return &DHTNode{
		self: self, selfNode: selfNode, k: k,
		protocol: protocol, routing: routing, logger: logger,
		workers: make(chan struct{}, numWorkers),
		cache:   lru.NewLRU[string, cacheEntry](1024, nil, cacheTTL),
	}
}

func cacheKey(key, subkey []byte) string {
	if len(subkey) == 0 {
		return string(key)
	}
	return string(key) + "\x00" + string(subkey)
}

// traverse performs the iterative node-lookup of §4.6: starting from the
// alpha closest known peers, it queries unqueried candidates alpha at a
// time until the k closest seen have all been queried, or valueHit fires early
// (used by Get to short-circuit on first FIND_VALUE hit).
func (n *DHTNode) traverse(ctx context.Context, targetID NodeID, onCandidate func(ctx context.Context, c PeerEntry) (peers []wirePeer, value *findValueResponse, err error)) ([]*candidate, *findValueResponse, error) {
	seed := n.routing.Closest(targetID, n.k)
	if len(seed) == 0 {
		return nil, nil, fmt.Errorf("%w: no known peers to start traversal", ErrPeerUnreachable)
	}

	seen := make(map[PeerID]*candidate, len(seed))
	var frontier []*candidate
	for _, pe := range seed {
		c := &candidate{peer: *pe, distance: targetID.Xor(pe.NodeID).Bytes()}
		seen[pe.PeerID] = c
		frontier = append(frontier, c)
	}

	for {
		sortByDistance(frontier)

		batch := unqueriedPrefix(frontier, Alpha)
		if len(batch) == 0 {
			break
		}

		type result struct {
			c     *candidate
			peers []wirePeer
			value *findValueResponse
		}
		results := make(chan result, len(batch))
		var wg sync.WaitGroup
		for _, c := range batch {
			c.queried = true
			wg.Add(1)
			go func(c *candidate) {
				defer wg.Done()
				n.acquireWorker(ctx)
				defer n.releaseWorker()
				peers, value, err := onCandidate(ctx, c.peer)
				if err != nil {
					n.routing.Remove(c.peer.PeerID)
					results <- result{c: c}
					return
				}
				c.replied = true
				results <- result{c: c, peers: peers, value: value}
			}(c)
		}
		wg.Wait()
		close(results)

		for r := range results {
			if r.value != nil && r.value.Found {
				return allCandidates(seen), r.value, nil
			}
			for _, wp := range r.peers {
				if wp.PeerB58 == n.self.B58() {
					continue
				}
				peerID, err := ParsePeerID(wp.PeerB58)
				if err != nil {
					continue
				}
				if _, exists := seen[peerID]; exists {
					continue
				}
				nc := &candidate{
					peer:     PeerEntry{PeerID: peerID, NodeID: wp.NodeID, Addr: wp.Addr},
					distance: targetID.Xor(wp.NodeID).Bytes(),
				}
				seen[peerID] = nc
				frontier = append(frontier, nc)
			}
		}

		if ctx.Err() != nil {
			break
		}
		if closestKRepliedOrExhausted(frontier, n.k) {
			break
		}
	}

	return allCandidates(seen), nil, nil
}

func (n *DHTNode) acquireWorker(ctx context.Context) {
	select {
	case n.workers <- struct{}{}:
	case <-ctx.Done():
	}
}

func (n *DHTNode) releaseWorker() {
	select {
	case <-n.workers:
	default:
	}
}

func sortByDistance(cs []*candidate) {
	sort.Slice(cs, func(i, j int) bool {
		return compareBytes(cs[i].distance, cs[j].distance) < 0
	})
}

func compareBytes(a, b []byte) int {
	for i := 0; i < len(a) && i < len(b); i++ {
		if a[i] != b[i] {
			return int(a[i]) - int(b[i])
		}
	}
	return len(a) - len(b)
}

func unqueriedPrefix(cs []*candidate, n int) []*candidate {
	var out []*candidate
	for _, c := range cs {
		if !c.queried {
			out = append(out, c)
			if len(out) == n {
				break
			}
		}
	}
	return out
}

func closestKRepliedOrExhausted(cs []*candidate, k int) bool {
	sortByDistance(cs)
	if len(cs) > k {
		cs = cs[:k]
	}
	for _, c := range cs {
		if !c.queried {
			return false
		}
	}
	return true
}

func allCandidates(seen map[PeerID]*candidate) []*candidate {
	out := make([]*candidate, 0, len(seen))
	for _, c := range seen {
		out = append(out, c)
	}
	sortByDistance(out)
	return out
}

// Store iteratively finds the k closest live peers to hash(key) and issues
// STORE to each; success requires at least one acceptance (§4.6).
func (n *DHTNode) Store(ctx context.Context, key, value []byte, expiration float64, subkey []byte) error {
	targetID, err := DeriveNodeID(key)
	if err != nil {
		return err
	}

	record := Record{Key: key, Subkey: subkey, Value: value, ExpirationTime: expiration}

	candidates, _, err := n.traverse(ctx, targetID, func(ctx context.Context, c PeerEntry) ([]wirePeer, *findValueResponse, error) {
		peers, err := n.protocol.FindNode(ctx, c.PeerID, c.Addr, targetID, n.k)
		return peers, nil, err
	})
	if err != nil {
		return err
	}

	closest := closestReplied(candidates, n.k)
	if len(closest) == 0 {
		return fmt.Errorf("%w: no reachable peers near target", ErrPeerUnreachable)
	}

	var anyAccepted bool
	var mu sync.Mutex
	var wg sync.WaitGroup
	for _, c := range closest {
		c := c
		wg.Add(1)
		go func() {
			defer wg.Done()
			accepted, err := n.protocol.Store(ctx, c.peer.PeerID, c.peer.Addr, []Record{record})
			if err != nil {
				n.logger.Debugf("dht node: store to %s failed: %v", c.peer.PeerID.B58(), err)
				return
			}
			if len(accepted) > 0 && accepted[0] {
				mu.Lock()
				anyAccepted = true
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if !anyAccepted {
		return fmt.Errorf("%w: no peer accepted the record", ErrRecordRejected)
	}

	n.cache.Remove(cacheKey(key, subkey))
	return nil
}

func closestReplied(cs []*candidate, k int) []*candidate {
	var out []*candidate
	for _, c := range cs {
		if c.replied {
			out = append(out, c)
		}
	}
	if len(out) > k {
		out = out[:k]
	}
	return out
}

// Get iteratively issues FIND_VALUE for key, terminating early on first hit.
// With latest=true, the local cache is bypassed, forcing a fresh lookup
// (§4.6, §9 "Cache invalidation for latest=True").
func (n *DHTNode) Get(ctx context.Context, key, subkey []byte, latest bool) ([]byte, bool, error) {
	ck := cacheKey(key, subkey)
	if !latest {
		if e, ok := n.cache.Get(ck); ok {
			return e.value, true, nil
		}
	}

	targetID, err := DeriveNodeID(key)
	if err != nil {
		return nil, false, err
	}

	_, found, err := n.traverse(ctx, targetID, func(ctx context.Context, c PeerEntry) ([]wirePeer, *findValueResponse, error) {
		resp, err := n.protocol.FindValue(ctx, c.PeerID, c.Addr, key, subkey)
		if err != nil {
			return nil, nil, err
		}
		return resp.CloserPeers, resp, nil
	})
	if err != nil {
		return nil, false, err
	}
	if found == nil || !found.Found {
		return nil, false, nil
	}

	if len(subkey) > 0 {
		v := found.Dictionary[string(subkey)]
		n.cache.Add(ck, cacheEntry{value: v})
		return v, len(v) > 0, nil
	}
	n.cache.Add(ck, cacheEntry{value: found.Value})
	return found.Value, true, nil
}

// keyTarget pairs a requested key with its derived lookup target, so a group
// of keys close in NodeId space can share one discovery traversal.
type keyTarget struct {
	key    []byte
	target NodeID
}

// groupKeysByFrontier buckets keys by the common-prefix length of their
// derived NodeIds against self — the same metric RoutingTable uses to place
// peers into buckets — so keys destined for the same region of the
// keyspace share a lookup frontier (§4.6 "combining lookup frontiers when
// keys are close in NodeId space").
func (n *DHTNode) groupKeysByFrontier(keys [][]byte) ([][]keyTarget, error) {
	byPrefix := make(map[int][]keyTarget)
	var order []int
	for _, key := range keys {
		targetID, err := DeriveNodeID(key)
		if err != nil {
			return nil, err
		}
		idx := n.selfNode.CommonPrefixLen(targetID)
		if _, ok := byPrefix[idx]; !ok {
			order = append(order, idx)
		}
		byPrefix[idx] = append(byPrefix[idx], keyTarget{key: key, target: targetID})
	}
	groups := make([][]keyTarget, 0, len(order))
	for _, idx := range order {
		groups = append(groups, byPrefix[idx])
	}
	return groups, nil
}

// GetMany resolves keys concurrently. Keys whose derived NodeIds share a
// routing-table bucket are grouped so the group runs a single discovery
// traversal (one representative key's FIND_VALUE walk) and the remaining
// keys in the group are then probed directly against the peers that
// traversal already found, instead of each key re-discovering the same
// frontier from scratch (§4.6). expirationTime mirrors Get's latest flag: a
// value above zero bypasses the cache the same way Get(..., latest=true)
// does; it is not compared with the expiration of the values returned.
func (n *DHTNode) GetMany(ctx context.Context, keys [][]byte, expirationTime float64) (map[string][]byte, error) {
	out := make(map[string][]byte, len(keys))
	var mu sync.Mutex
	var firstErr error
	record := func(key []byte, v []byte, ok bool, err error) {
		mu.Lock()
		defer mu.Unlock()
		if err != nil {
			if firstErr == nil {
				firstErr = err
			}
			return
		}
		if ok {
			out[string(key)] = v
		}
	}

	groups, err := n.groupKeysByFrontier(keys)
	if err != nil {
		return nil, err
	}

	var wg sync.WaitGroup
	for _, group := range groups {
		group := group
		wg.Add(1)
		go func() {
			defer wg.Done()
			n.getGroupSharingFrontier(ctx, group, expirationTime, record)
		}()
	}
	wg.Wait()

	if len(out) == 0 && firstErr != nil {
		return nil, firstErr
	}
	return out, nil
}

// getGroupSharingFrontier resolves one frontier-sharing group of keys: cache
// hits are served directly, then one traversal discovers peers close to the
// group's representative key, and every other uncached key in the group is
// probed against that same discovered peer set in parallel.
func (n *DHTNode) getGroupSharingFrontier(ctx context.Context, group []keyTarget, expirationTime float64, record func(key, value []byte, ok bool, err error)) {
	latest := expirationTime > 0

	var uncached []keyTarget
	for _, kt := range group {
		ck := cacheKey(kt.key, nil)
		if !latest {
			if e, ok := n.cache.Get(ck); ok {
				record(kt.key, e.value, len(e.value) > 0, nil)
				continue
			}
		}
		uncached = append(uncached, kt)
	}
	if len(uncached) == 0 {
		return
	}

	representative := uncached[0]
	candidates, found, err := n.traverse(ctx, representative.target, func(ctx context.Context, c PeerEntry) ([]wirePeer, *findValueResponse, error) {
		resp, err := n.protocol.FindValue(ctx, c.PeerID, c.Addr, representative.key, nil)
		if err != nil {
			return nil, nil, err
		}
		return resp.CloserPeers, resp, nil
	})
	if err != nil {
		for _, kt := range uncached {
			record(kt.key, nil, false, err)
		}
		return
	}
	if found != nil && found.Found {
		n.cache.Add(cacheKey(representative.key, nil), cacheEntry{value: found.Value})
		record(representative.key, found.Value, true, nil)
	} else {
		record(representative.key, nil, false, nil)
	}

	frontier := closestReplied(candidates, n.k)
	var wg sync.WaitGroup
	for _, kt := range uncached[1:] {
		kt := kt
		wg.Add(1)
		go func() {
			defer wg.Done()
			v, ok := n.probeFrontierForKey(ctx, kt.key, frontier)
			record(kt.key, v, ok, nil)
		}()
	}
	wg.Wait()
}

// probeFrontierForKey issues FIND_VALUE for key against an already-discovered
// peer frontier (skipping a fresh discovery traversal) and returns the first
// hit, caching it on success.
func (n *DHTNode) probeFrontierForKey(ctx context.Context, key []byte, frontier []*candidate) ([]byte, bool) {
	type hit struct {
		value []byte
	}
	hits := make(chan hit, len(frontier))
	var wg sync.WaitGroup
	for _, c := range frontier {
		c := c
		wg.Add(1)
		go func() {
			defer wg.Done()
			n.acquireWorker(ctx)
			defer n.releaseWorker()
			resp, err := n.protocol.FindValue(ctx, c.peer.PeerID, c.peer.Addr, key, nil)
			if err != nil || resp == nil || !resp.Found {
				return
			}
			hits <- hit{value: resp.Value}
		}()
	}
	wg.Wait()
	close(hits)

	for h := range hits {
		n.cache.Add(cacheKey(key, nil), cacheEntry{value: h.value})
		return h.value, len(h.value) > 0
	}
	return nil, false
}

