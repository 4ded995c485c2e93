package core

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// pingGossipTopic carries best-effort RTT samples as an enrichment fast path
// to the durable DHT write (§4.7).
const pingGossipTopic = "mesh-pings"

// DefaultMaxPinged bounds how many peers one heartbeat iteration samples and
// pings (§4.7 default).
const DefaultMaxPinged = 5

// DefaultThroughput is the published ServerInfo.Throughput when the config
// leaves it unset (§8 S1: a freshly joined node reports a nominal 1.0).
const DefaultThroughput = 1.0

// HeartbeatConfig parameterizes the periodic announcer.
type HeartbeatConfig struct {
	UpdatePeriod   time.Duration
	Expiration     float64 // seconds added to now for the published expiration_time
	MaxPinged      int
	Role           string
	Version        string
	PublicName     string
	UsingRelay     bool
	Throughput     float64 // published in ServerInfo; 0 is replaced with DefaultThroughput
}

type rttSample struct {
	PeerB58 string  `json:"peer_b58"`
	Seconds float64 `json:"seconds"`
}

// HeartbeatAnnouncer periodically republishes this node's ServerInfo under
// the well-known "node" key, pinging a sample of peers each round to keep
// next_pings fresh (§4.7).
type HeartbeatAnnouncer struct {
	cfg      HeartbeatConfig
	self     PeerID
	pubKey   []byte
	node     *DHTNode
	protocol *DHTProtocol
	routing  *RoutingTable
	transport *DHTTransport
	logger   *logrus.Logger

	mu        sync.Mutex
	ctx       context.Context
	cancel    context.CancelFunc
	nextPings map[string]float64
}

// NewHeartbeatAnnouncer builds an announcer; transport may be nil, in which
// case the gossip fast path (§4.7 enrichment) is skipped.
func NewHeartbeatAnnouncer(cfg HeartbeatConfig, self PeerID, pubKey []byte, node *DHTNode, protocol *DHTProtocol, routing *RoutingTable, transport *DHTTransport, logger *logrus.Logger) *HeartbeatAnnouncer {
	if cfg.UpdatePeriod <= 0 {
		cfg.UpdatePeriod = 30 * time.Second
	}
	if cfg.Expiration <= 0 {
		cfg.Expiration = 90
	}
	if cfg.MaxPinged <= 0 {
		cfg.MaxPinged = DefaultMaxPinged
	}
	if cfg.Throughput <= 0 {
		cfg.Throughput = DefaultThroughput
	}
	return &HeartbeatAnnouncer{
		cfg: cfg, self: self, pubKey: pubKey,
		node: node, protocol: protocol, routing: routing, transport: transport,
		logger:    logger,
		nextPings: make(map[string]float64),
	}
}

// Start launches the background announce loop. Calling Start twice has no
// effect, matching the teacher's StartCoordinator idempotence.
func (h *HeartbeatAnnouncer) Start(ctx context.Context) {
	h.mu.Lock()
	if h.cancel != nil {
		h.mu.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(ctx)
	h.ctx, h.cancel = ctx, cancel
	h.mu.Unlock()

	if h.transport != nil {
		if samples, err := h.transport.Subscribe(pingGossipTopic); err == nil {
			go h.consumeGossip(ctx, samples)
		}
	}

	go h.loop(ctx)
	h.logger.Info("heartbeat: announcer started")
}

// Stop publishes a final OFFLINE heartbeat and cancels the background loop.
func (h *HeartbeatAnnouncer) Stop() {
	h.mu.Lock()
	cancel := h.cancel
	h.cancel = nil
	h.mu.Unlock()

	if err := h.announce(context.Background(), StateOffline); err != nil {
		h.logger.Warnf("heartbeat: final OFFLINE announce failed: %v", err)
	}
	if cancel != nil {
		cancel()
	}
	h.logger.Info("heartbeat: announcer stopped")
}

func (h *HeartbeatAnnouncer) loop(ctx context.Context) {
	for {
		start := time.Now()
		if err := h.announce(ctx, StateOnline); err != nil {
			h.logger.Warnf("heartbeat: announce failed: %v", err)
		}

		sleep, clamped := nextSleep(h.cfg.UpdatePeriod, time.Since(start))
		if clamped {
			h.logger.Warnf("heartbeat: iteration exceeded update_period %s; schedule clamped", h.cfg.UpdatePeriod)
		}

		t := time.NewTimer(sleep)
		select {
		case <-ctx.Done():
			t.Stop()
			return
		case <-t.C:
		}
	}
}

// nextSleep computes the delay before the next heartbeat iteration: period
// minus elapsed, clamped to zero (never negative) so a slow iteration never
// accumulates schedule drift (§4.7).
func nextSleep(period, elapsed time.Duration) (time.Duration, bool) {
	sleep := period - elapsed
	if sleep < 0 {
		return 0, true
	}
	return sleep, false
}

// announce performs one heartbeat round: ping a peer sample, refresh
// next_pings, and write ServerInfo under "node" (§4.7 steps 1-3).
func (h *HeartbeatAnnouncer) announce(ctx context.Context, state NodeState) error {
	if state == StateOnline {
		h.pingSample(ctx)
	}

	info := ServerInfo{
		State:      state,
		Role:       h.cfg.Role,
		Version:    h.cfg.Version,
		Throughput: h.cfg.Throughput,
		PublicName: h.cfg.PublicName,
		UsingRelay: h.cfg.UsingRelay,
		NextPings:  h.snapshotPings(),
	}
	value, err := json.Marshal(info)
	if err != nil {
		return fmt.Errorf("heartbeat: encode ServerInfo: %w", err)
	}

	subkey := []byte(h.self.B58() + string(h.pubKey))
	return h.node.Store(ctx, []byte("node"), value, nowSeconds()+h.cfg.Expiration, subkey)
}

// pingSample pings up to MaxPinged peers sampled from the routing table,
// recording each successful round-trip time and publishing it on the gossip
// fast path if one is configured (§4.7 step 1-2).
func (h *HeartbeatAnnouncer) pingSample(ctx context.Context) {
	targets := SamplePeers(h.routing, h.self, h.cfg.MaxPinged)
	for _, t := range targets {
		started := time.Now()
		if _, err := h.protocol.Ping(ctx, t.PeerID, t.Addr); err != nil {
			h.logger.Debugf("heartbeat: ping %s failed: %v", t.PeerID.B58(), err)
			continue
		}
		rtt := time.Since(started).Seconds()
		h.recordPing(t.PeerID.B58(), rtt)

		if h.transport != nil {
			if data, err := json.Marshal(rttSample{PeerB58: t.PeerID.B58(), Seconds: rtt}); err == nil {
				_ = h.transport.Publish(ctx, pingGossipTopic, data)
			}
		}
	}
}

func (h *HeartbeatAnnouncer) recordPing(peerB58 string, seconds float64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.nextPings[peerB58] = seconds
}

func (h *HeartbeatAnnouncer) snapshotPings() map[string]float64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make(map[string]float64, len(h.nextPings))
	for k, v := range h.nextPings {
		out[k] = v
	}
	return out
}

// consumeGossip folds best-effort RTT samples published by peers into
// next_pings, ahead of any DHT round-trip that would otherwise surface them
// (§4.7 enrichment: never a substitute for the DHT write).
func (h *HeartbeatAnnouncer) consumeGossip(ctx context.Context, samples <-chan []byte) {
	for {
		select {
		case <-ctx.Done():
			return
		case raw, ok := <-samples:
			if !ok {
				return
			}
			var s rttSample
			if err := json.Unmarshal(raw, &s); err != nil {
				continue
			}
			h.recordPing(s.PeerB58, s.Seconds)
		}
	}
}
