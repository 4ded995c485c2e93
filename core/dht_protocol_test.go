package core

import (
	"context"
	"crypto/ed25519"
	"encoding/json"
	"testing"

	libp2ppeer "github.com/libp2p/go-libp2p/core/peer"
)

// newTestProtocol builds a DHTProtocol with a nil transport, sufficient to
// exercise the verb handlers directly without a real libp2p host.
func newTestProtocol(t *testing.T) (*DHTProtocol, *SignatureAuthorizer) {
	t.Helper()
	pub, priv, err := ed25519.GenerateKey(nil)
	if err != nil {
		t.Fatal(err)
	}
	auth := NewSignatureAuthorizer(SchemeEd25519, priv, pub)

	selfNode := NodeID{0x01}
	routing := NewRoutingTable(selfNode, 20)
	storage := NewTimedStorage(0)
	pipeline := NewValidatorPipeline()
	predicate := NewPredicateValidator(func() (EpochData, error) {
		return NewEpochData(0, 100, 6, 0), nil
	})

	p := &DHTProtocol{
		self:      PeerID{ID: libp2ppeer.ID("self")},
		selfNode:  selfNode,
		k:         20,
		auth:      auth,
		routing:   routing,
		storage:   storage,
		pipeline:  pipeline,
		predicate: predicate,
		logger:    quietLogger(),
	}
	return p, auth
}

func signedPing(t *testing.T, auth *SignatureAuthorizer, caller callerInfo) []byte {
	t.Helper()
	req := &pingRequest{Caller: caller}
	if err := auth.SignRequest(req, nil); err != nil {
		t.Fatal(err)
	}
	b, err := json.Marshal(req)
	if err != nil {
		t.Fatal(err)
	}
	return b
}

func TestDHTProtocol_HandlePingAcceptsSignedRequestAndTouchesRouting(t *testing.T) {
	p, auth := newTestProtocol(t)
	caller := callerInfo{PeerB58: PeerID{ID: libp2ppeer.ID("peerA")}.B58(), NodeID: NodeID{0x02}, Addr: "/ip4/127.0.0.1/tcp/4001"}

	payload := signedPing(t, auth, caller)
	out, err := p.handlePing(context.Background(), libp2ppeer.ID("peerA"), payload)
	if err != nil {
		t.Fatalf("handlePing failed: %v", err)
	}

	var resp pingResponse
	if err := json.Unmarshal(out, &resp); err != nil {
		t.Fatal(err)
	}
	if resp.PeerB58 != p.self.B58() {
		t.Fatalf("response peer_b58 = %s, want %s", resp.PeerB58, p.self.B58())
	}
	if p.routing.Size() != 1 {
		t.Fatalf("expected caller added to routing table, size = %d", p.routing.Size())
	}
}

func TestDHTProtocol_HandlePingRejectsUnsignedRequest(t *testing.T) {
	p, _ := newTestProtocol(t)
	req := &pingRequest{Caller: callerInfo{PeerB58: PeerID{ID: libp2ppeer.ID("peerA")}.B58()}}
	payload, err := json.Marshal(req)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := p.handlePing(context.Background(), libp2ppeer.ID("peerA"), payload); err == nil {
		t.Fatalf("expected unsigned ping to be rejected")
	}
}

func TestDHTProtocol_HandleStoreAdmitsWithinHeartbeatWindowAndRejectsStaleKey(t *testing.T) {
	p, auth := newTestProtocol(t)
	caller := callerInfo{PeerB58: PeerID{ID: libp2ppeer.ID("peerB")}.B58(), NodeID: NodeID{0x03}, Addr: "addr"}

	req := &storeRequest{
		Caller: caller,
		Records: []Record{
			{Key: []byte("node"), Value: []byte("hb1"), ExpirationTime: nowSeconds() + 60},
			{Key: []byte("unknown_key"), Value: []byte("x"), ExpirationTime: nowSeconds() + 60},
		},
	}
	if err := auth.SignRequest(req, nil); err != nil {
		t.Fatal(err)
	}
	payload, err := json.Marshal(req)
	if err != nil {
		t.Fatal(err)
	}

	out, err := p.handleStore(context.Background(), libp2ppeer.ID("peerB"), payload)
	if err != nil {
		t.Fatalf("handleStore failed: %v", err)
	}
	var resp storeResponse
	if err := json.Unmarshal(out, &resp); err != nil {
		t.Fatal(err)
	}
	if len(resp.Accepted) != 2 || !resp.Accepted[0] || resp.Accepted[1] {
		t.Fatalf("accepted = %v, want [true false]", resp.Accepted)
	}
}

func TestDHTProtocol_HandleFindNodeReturnsClosestPeers(t *testing.T) {
	p, auth := newTestProtocol(t)
	caller := callerInfo{PeerB58: PeerID{ID: libp2ppeer.ID("peerC")}.B58(), NodeID: NodeID{0x04}, Addr: "addr"}

	other := PeerID{ID: libp2ppeer.ID("peerD")}
	p.routing.AddOrUpdate(other, NodeID{0x05}, "addr-d", func(PeerID) bool { return true })

	req := &findNodeRequest{Caller: caller, TargetID: NodeID{0x05}, K: 5}
	if err := auth.SignRequest(req, nil); err != nil {
		t.Fatal(err)
	}
	payload, err := json.Marshal(req)
	if err != nil {
		t.Fatal(err)
	}

	out, err := p.handleFindNode(context.Background(), libp2ppeer.ID("peerC"), payload)
	if err != nil {
		t.Fatalf("handleFindNode failed: %v", err)
	}
	var resp findNodeResponse
	if err := json.Unmarshal(out, &resp); err != nil {
		t.Fatal(err)
	}
	if len(resp.Peers) != 1 || resp.Peers[0].NodeID != (NodeID{0x05}) {
		t.Fatalf("peers = %+v, want one entry for node 0x05", resp.Peers)
	}
}

func TestDHTProtocol_HandleFindValueReturnsStoredValue(t *testing.T) {
	p, auth := newTestProtocol(t)
	caller := callerInfo{PeerB58: PeerID{ID: libp2ppeer.ID("peerE")}.B58(), NodeID: NodeID{0x06}, Addr: "addr"}

	p.storage.Store("mykey", []byte("myvalue"), nowSeconds()+60)

	req := &findValueRequest{Caller: caller, Key: []byte("mykey")}
	if err := auth.SignRequest(req, nil); err != nil {
		t.Fatal(err)
	}
	payload, err := json.Marshal(req)
	if err != nil {
		t.Fatal(err)
	}

	out, err := p.handleFindValue(context.Background(), libp2ppeer.ID("peerE"), payload)
	if err != nil {
		t.Fatalf("handleFindValue failed: %v", err)
	}
	var resp findValueResponse
	if err := json.Unmarshal(out, &resp); err != nil {
		t.Fatal(err)
	}
	if !resp.Found || string(resp.Value) != "myvalue" {
		t.Fatalf("resp = %+v, want found=true value=myvalue", resp)
	}
}

func TestDHTProtocol_RecordRPCCountsAreNilSafeWithoutMetrics(t *testing.T) {
	p, auth := newTestProtocol(t)
	caller := callerInfo{PeerB58: PeerID{ID: libp2ppeer.ID("peerF")}.B58()}
	payload := signedPing(t, auth, caller)
	if _, err := p.handlePing(context.Background(), libp2ppeer.ID("peerF"), payload); err != nil {
		t.Fatalf("handlePing without metrics collector: %v", err)
	}
}

func TestDHTProtocol_SetMetricsIncrementsPerVerbCounter(t *testing.T) {
	p, auth := newTestProtocol(t)
	routing := NewRoutingTable(NodeID{}, 20)
	mc := NewMetricsCollector(routing, nil, quietLogger())
	p.SetMetrics(mc)

	caller := callerInfo{PeerB58: PeerID{ID: libp2ppeer.ID("peerG")}.B58()}
	payload := signedPing(t, auth, caller)
	if _, err := p.handlePing(context.Background(), libp2ppeer.ID("peerG"), payload); err != nil {
		t.Fatal(err)
	}

	snap := mc.Snapshot()
	if snap.RPCCounts["PING"] != 1 {
		t.Fatalf("PING count = %d, want 1", snap.RPCCounts["PING"])
	}
}
