package core

import (
	"context"
	"encoding/json"
	"fmt"

	libp2ppeer "github.com/libp2p/go-libp2p/core/peer"
	"github.com/sirupsen/logrus"
)

// wirePeer is how a peer is described on the wire for FIND_NODE/FIND_VALUE
// responses (§4.5).
type wirePeer struct {
	PeerB58 string `json:"peer_b58"`
	NodeID  NodeID `json:"node_id"`
	Addr    string `json:"addr"`
}

// callerInfo is embedded in every verb request so the responder can update
// its routing table with the caller (§4.5 "All verbs update the
// responder's routing table with the caller").
type callerInfo struct {
	PeerB58 string `json:"peer_b58"`
	NodeID  NodeID `json:"node_id"`
	Addr    string `json:"addr"`
}

type pingRequest struct {
	Auth   AuthEnvelope `json:"auth"`
	Caller callerInfo   `json:"caller"`
}

func (m *pingRequest) Auth() *AuthEnvelope   { return &m.Auth }
func (m *pingRequest) SigningBytes() ([]byte, error) { return json.Marshal(m) }

type pingResponse struct {
	Auth    AuthEnvelope `json:"auth"`
	PeerB58 string       `json:"peer_b58"`
}

func (m *pingResponse) Auth() *AuthEnvelope          { return &m.Auth }
func (m *pingResponse) SigningBytes() ([]byte, error) { return json.Marshal(m) }

type storeRequest struct {
	Auth    AuthEnvelope `json:"auth"`
	Caller  callerInfo   `json:"caller"`
	Records []Record     `json:"records"`
}

func (m *storeRequest) Auth() *AuthEnvelope          { return &m.Auth }
func (m *storeRequest) SigningBytes() ([]byte, error) { return json.Marshal(m) }

type storeResponse struct {
	Auth     AuthEnvelope `json:"auth"`
	Accepted []bool       `json:"accepted"`
}

func (m *storeResponse) Auth() *AuthEnvelope          { return &m.Auth }
func (m *storeResponse) SigningBytes() ([]byte, error) { return json.Marshal(m) }

type findNodeRequest struct {
	Auth     AuthEnvelope `json:"auth"`
	Caller   callerInfo   `json:"caller"`
	TargetID NodeID       `json:"target_id"`
	K        int          `json:"k"`
}

func (m *findNodeRequest) Auth() *AuthEnvelope          { return &m.Auth }
func (m *findNodeRequest) SigningBytes() ([]byte, error) { return json.Marshal(m) }

type findNodeResponse struct {
	Auth  AuthEnvelope `json:"auth"`
	Peers []wirePeer   `json:"peers"`
}

func (m *findNodeResponse) Auth() *AuthEnvelope          { return &m.Auth }
func (m *findNodeResponse) SigningBytes() ([]byte, error) { return json.Marshal(m) }

type findValueRequest struct {
	Auth   AuthEnvelope `json:"auth"`
	Caller callerInfo   `json:"caller"`
	Key    []byte       `json:"key"`
	Subkey []byte       `json:"subkey,omitempty"`
}

func (m *findValueRequest) Auth() *AuthEnvelope          { return &m.Auth }
func (m *findValueRequest) SigningBytes() ([]byte, error) { return json.Marshal(m) }

type findValueResponse struct {
	Auth        AuthEnvelope      `json:"auth"`
	Found       bool              `json:"found"`
	Value       []byte            `json:"value,omitempty"`
	Dictionary  map[string][]byte `json:"dictionary,omitempty"`
	CloserPeers []wirePeer        `json:"closer_peers,omitempty"`
}

func (m *findValueResponse) Auth() *AuthEnvelope          { return &m.Auth }
func (m *findValueResponse) SigningBytes() ([]byte, error) { return json.Marshal(m) }

// maxDictionaryKeys bounds a FIND_VALUE response's subkey map (§4.5
// "bounded by a per-RPC size cap").
const maxDictionaryKeys = 1000

// DHTProtocol implements the four C6 verbs over a DHTTransport, gating every
// STORE through the validator pipeline and predicate validator and updating
// the routing table with every caller it hears from (§4.5).
type DHTProtocol struct {
	self      PeerID
	selfNode  NodeID
	k         int
	transport *DHTTransport
	auth      Authorizer
	routing   *RoutingTable
	storage   *TimedStorage
	pipeline  *ValidatorPipeline
	predicate *PredicateValidator
	logger    *logrus.Logger
	metrics   *MetricsCollector
}

// SetMetrics attaches a metrics collector whose RPC counters are incremented
// as verbs are handled. Optional; a nil metrics collector is a no-op.
func (p *DHTProtocol) SetMetrics(m *MetricsCollector) { p.metrics = m }

func (p *DHTProtocol) recordRPC(verb string) {
	if p.metrics != nil {
		p.metrics.IncRPC(verb)
	}
}

// NewDHTProtocol wires the four verb handlers onto transport.
func NewDHTProtocol(self PeerID, selfNode NodeID, k int, transport *DHTTransport, auth Authorizer, routing *RoutingTable, storage *TimedStorage, pipeline *ValidatorPipeline, predicate *PredicateValidator, logger *logrus.Logger) *DHTProtocol {
	p := &DHTProtocol{
		self: self, selfNode: selfNode, k: k,
		transport: transport, auth: auth, routing: routing,
		storage: storage, pipeline: pipeline, predicate: predicate, logger: logger,
	}
	transport.RegisterHandler("PING", p.handlePing)
	transport.RegisterHandler("STORE", p.handleStore)
	transport.RegisterHandler("FIND_NODE", p.handleFindNode)
	transport.RegisterHandler("FIND_VALUE", p.handleFindValue)
	return p
}

func (p *DHTProtocol) touchRouting(c callerInfo) {
	peerID, err := ParsePeerID(c.PeerB58)
	if err != nil {
		return
	}
	p.routing.AddOrUpdate(peerID, c.NodeID, c.Addr, func(candidate PeerID) bool {
		_, err := p.Ping(context.Background(), candidate, "")
		return err == nil
	})
}

func (p *DHTProtocol) selfCaller(addr string) callerInfo {
	return callerInfo{PeerB58: p.self.B58(), NodeID: p.selfNode, Addr: addr}
}

// handlePing implements the PING verb (§4.5).
func (p *DHTProtocol) handlePing(ctx context.Context, from libp2ppeer.ID, payload []byte) ([]byte, error) {
	p.recordRPC("PING")
	var req pingRequest
	if err := json.Unmarshal(payload, &req); err != nil {
		return nil, err
	}
	if err := p.auth.ValidateRequest(&req); err != nil {
		return nil, err
	}
	p.touchRouting(req.Caller)

	resp := &pingResponse{PeerB58: p.self.B58()}
	if err := p.auth.SignResponse(resp, &req); err != nil {
		return nil, err
	}
	return json.Marshal(resp)
}

// Ping issues a PING RPC to target over addr (addr is informational; the
// libp2p host routes by peer id once connected).
func (p *DHTProtocol) Ping(ctx context.Context, target PeerID, addr string) (PeerID, error) {
	req := &pingRequest{Caller: p.selfCaller(addr)}
	if err := p.auth.SignRequest(req, nil); err != nil {
		return PeerID{}, err
	}
	reqBytes, err := json.Marshal(req)
	if err != nil {
		return PeerID{}, err
	}
	respBytes, err := p.transport.Call(ctx, target.ID, "PING", reqBytes)
	if err != nil {
		return PeerID{}, err
	}
	var resp pingResponse
	if err := json.Unmarshal(respBytes, &resp); err != nil {
		return PeerID{}, err
	}
	if err := p.auth.ValidateResponse(&resp, req); err != nil {
		return PeerID{}, err
	}
	return ParsePeerID(resp.PeerB58)
}

// handleStore implements the STORE verb: each record runs the full
// validator pipeline, then the predicate validator, before being admitted
// to TimedStorage (§4.5, I1).
func (p *DHTProtocol) handleStore(ctx context.Context, from libp2ppeer.ID, payload []byte) ([]byte, error) {
	p.recordRPC("STORE")
	var req storeRequest
	if err := json.Unmarshal(payload, &req); err != nil {
		return nil, err
	}
	if err := p.auth.ValidateRequest(&req); err != nil {
		return nil, err
	}
	p.touchRouting(req.Caller)

	callerPeer, err := ParsePeerID(req.Caller.PeerB58)
	if err != nil {
		return nil, err
	}

	accepted := make([]bool, len(req.Records))
	for i, r := range req.Records {
		accepted[i] = p.admitRecord(callerPeer, r)
	}

	resp := &storeResponse{Accepted: accepted}
	if err := p.auth.SignResponse(resp, &req); err != nil {
		return nil, err
	}
	return json.Marshal(resp)
}

func (p *DHTProtocol) admitRecord(caller PeerID, r Record) bool {
	if err := p.pipeline.Validate(RequestPut, r); err != nil {
		p.logger.Debugf("dht protocol: record rejected by validator pipeline: %v", err)
		return false
	}
	predReq := PredicateRequest{Record: r, KeySource: string(r.Key), Peer: caller}
	if err := p.predicate.Check(RequestPut, predReq); err != nil {
		p.logger.Debugf("dht protocol: record rejected by predicate validator: %v", err)
		return false
	}
	if r.HasSubkey() {
		return p.storage.StoreSubkey(string(r.Key), string(r.Subkey), r.Value, r.ExpirationTime)
	}
	return p.storage.Store(string(r.Key), r.Value, r.ExpirationTime)
}

// Store issues a STORE RPC to target carrying records, returning one
// acceptance bool per record in order.
func (p *DHTProtocol) Store(ctx context.Context, target PeerID, addr string, records []Record) ([]bool, error) {
	req := &storeRequest{Caller: p.selfCaller(addr), Records: records}
	if err := p.auth.SignRequest(req, nil); err != nil {
		return nil, err
	}
	reqBytes, err := json.Marshal(req)
	if err != nil {
		return nil, err
	}
	respBytes, err := p.transport.Call(ctx, target.ID, "STORE", reqBytes)
	if err != nil {
		return nil, err
	}
	var resp storeResponse
	if err := json.Unmarshal(respBytes, &resp); err != nil {
		return nil, err
	}
	if err := p.auth.ValidateResponse(&resp, req); err != nil {
		return nil, err
	}
	return resp.Accepted, nil
}

// handleFindNode implements the FIND_NODE verb (§4.5).
func (p *DHTProtocol) handleFindNode(ctx context.Context, from libp2ppeer.ID, payload []byte) ([]byte, error) {
	p.recordRPC("FIND_NODE")
	var req findNodeRequest
	if err := json.Unmarshal(payload, &req); err != nil {
		return nil, err
	}
	if err := p.auth.ValidateRequest(&req); err != nil {
		return nil, err
	}
	p.touchRouting(req.Caller)

	k := req.K
	if k <= 0 || k > p.k {
		k = p.k
	}
	closest := p.routing.Closest(req.TargetID, k)
	peers := make([]wirePeer, len(closest))
	for i, pe := range closest {
		peers[i] = wirePeer{PeerB58: pe.PeerID.B58(), NodeID: pe.NodeID, Addr: pe.Addr}
	}

	resp := &findNodeResponse{Peers: peers}
	if err := p.auth.SignResponse(resp, &req); err != nil {
		return nil, err
	}
	return json.Marshal(resp)
}

// FindNode issues a FIND_NODE RPC to target, asking for up to k peers
// closest to targetID.
func (p *DHTProtocol) FindNode(ctx context.Context, target PeerID, addr string, targetID NodeID, k int) ([]wirePeer, error) {
	req := &findNodeRequest{Caller: p.selfCaller(addr), TargetID: targetID, K: k}
	if err := p.auth.SignRequest(req, nil); err != nil {
		return nil, err
	}
	reqBytes, err := json.Marshal(req)
	if err != nil {
		return nil, err
	}
	respBytes, err := p.transport.Call(ctx, target.ID, "FIND_NODE", reqBytes)
	if err != nil {
		return nil, err
	}
	var resp findNodeResponse
	if err := json.Unmarshal(respBytes, &resp); err != nil {
		return nil, err
	}
	if err := p.auth.ValidateResponse(&resp, req); err != nil {
		return nil, err
	}
	return resp.Peers, nil
}

// handleFindValue implements the FIND_VALUE verb, returning either the
// locally-held value (or dictionary) or the k closest peers (§4.5).
func (p *DHTProtocol) handleFindValue(ctx context.Context, from libp2ppeer.ID, payload []byte) ([]byte, error) {
	p.recordRPC("FIND_VALUE")
	var req findValueRequest
	if err := json.Unmarshal(payload, &req); err != nil {
		return nil, err
	}
	if err := p.auth.ValidateRequest(&req); err != nil {
		return nil, err
	}
	p.touchRouting(req.Caller)

	resp := &findValueResponse{}
	key := string(req.Key)

	if p.storage.IsDictionary(key) {
		dict := p.storage.GetDictionary(key)
		if len(dict) > maxDictionaryKeys {
			trimmed := make(map[string][]byte, maxDictionaryKeys)
			n := 0
			for k, v := range dict {
				if n >= maxDictionaryKeys {
					break
				}
				trimmed[k] = v
				n++
			}
			dict = trimmed
		}
		resp.Found = true
		resp.Dictionary = dict
	} else if len(req.Subkey) > 0 {
		if v, ok := p.storage.GetSubkey(key, string(req.Subkey)); ok {
			resp.Found = true
			resp.Value = v
		}
	} else if v, ok := p.storage.Get(key, 0); ok {
		resp.Found = true
		resp.Value = v
	}

	if !resp.Found {
		targetID, err := DeriveNodeID(req.Key)
		if err != nil {
			return nil, err
		}
		closest := p.routing.Closest(targetID, p.k)
		resp.CloserPeers = make([]wirePeer, len(closest))
		for i, pe := range closest {
			resp.CloserPeers[i] = wirePeer{PeerB58: pe.PeerID.B58(), NodeID: pe.NodeID, Addr: pe.Addr}
		}
	}

	if err := p.auth.SignResponse(resp, &req); err != nil {
		return nil, err
	}
	return json.Marshal(resp)
}

// FindValue issues a FIND_VALUE RPC to target for (key, subkey).
func (p *DHTProtocol) FindValue(ctx context.Context, target PeerID, addr string, key, subkey []byte) (*findValueResponse, error) {
	req := &findValueRequest{Caller: p.selfCaller(addr), Key: key, Subkey: subkey}
	if err := p.auth.SignRequest(req, nil); err != nil {
		return nil, err
	}
	reqBytes, err := json.Marshal(req)
	if err != nil {
		return nil, err
	}
	respBytes, err := p.transport.Call(ctx, target.ID, "FIND_VALUE", reqBytes)
	if err != nil {
		return nil, err
	}
	var resp findValueResponse
	if err := json.Unmarshal(respBytes, &resp); err != nil {
		return nil, err
	}
	if err := p.auth.ValidateResponse(&resp, req); err != nil {
		return nil, fmt.Errorf("dht protocol: %w", err)
	}
	return &resp, nil
}
