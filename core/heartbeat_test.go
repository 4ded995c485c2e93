package core

import (
	"context"
	"encoding/json"
	"testing"
	"time"
)

func newTestAnnouncer() *HeartbeatAnnouncer {
	return NewHeartbeatAnnouncer(HeartbeatConfig{}, PeerID{}, nil, nil, nil, nil, nil, quietLogger())
}

func TestNextSleep_ClampsToZeroWhenIterationOverruns(t *testing.T) {
	sleep, clamped := nextSleep(10*time.Second, 12*time.Second)
	if sleep != 0 || !clamped {
		t.Fatalf("nextSleep(10s, 12s) = (%v, %v), want (0, true)", sleep, clamped)
	}
}

func TestNextSleep_NoDriftWhenIterationFitsInPeriod(t *testing.T) {
	sleep, clamped := nextSleep(10*time.Second, 3*time.Second)
	if sleep != 7*time.Second || clamped {
		t.Fatalf("nextSleep(10s, 3s) = (%v, %v), want (7s, false)", sleep, clamped)
	}
}

func TestHeartbeatAnnouncer_RecordAndSnapshotPings(t *testing.T) {
	h := newTestAnnouncer()
	h.recordPing("peerA", 0.05)
	h.recordPing("peerB", 0.12)

	snap := h.snapshotPings()
	if len(snap) != 2 || snap["peerA"] != 0.05 || snap["peerB"] != 0.12 {
		t.Fatalf("snapshot = %+v, want both peers recorded", snap)
	}

	// Mutating the snapshot must not affect internal state (it's a copy).
	snap["peerA"] = 999
	if got := h.snapshotPings()["peerA"]; got != 0.05 {
		t.Fatalf("internal state leaked through snapshot mutation: got %v", got)
	}
}

func TestHeartbeatAnnouncer_ConsumeGossipFoldsSamplesIntoNextPings(t *testing.T) {
	h := newTestAnnouncer()
	ch := make(chan []byte, 2)
	ctx, cancel := context.WithCancel(context.Background())

	sample, _ := json.Marshal(rttSample{PeerB58: "peerC", Seconds: 0.2})
	ch <- sample

	done := make(chan struct{})
	go func() {
		h.consumeGossip(ctx, ch)
		close(done)
	}()

	// Give the goroutine a chance to process the buffered sample, then stop it.
	time.Sleep(20 * time.Millisecond)
	cancel()
	<-done

	if got := h.snapshotPings()["peerC"]; got != 0.2 {
		t.Fatalf("next_pings[peerC] = %v, want 0.2", got)
	}
}

func TestNewHeartbeatAnnouncer_DefaultsThroughputWhenUnset(t *testing.T) {
	h := NewHeartbeatAnnouncer(HeartbeatConfig{}, PeerID{}, nil, nil, nil, nil, nil, quietLogger())
	if h.cfg.Throughput != DefaultThroughput {
		t.Fatalf("cfg.Throughput = %v, want default %v", h.cfg.Throughput, DefaultThroughput)
	}
}

func TestNewHeartbeatAnnouncer_KeepsConfiguredThroughput(t *testing.T) {
	h := NewHeartbeatAnnouncer(HeartbeatConfig{Throughput: 42.5}, PeerID{}, nil, nil, nil, nil, nil, quietLogger())
	if h.cfg.Throughput != 42.5 {
		t.Fatalf("cfg.Throughput = %v, want 42.5", h.cfg.Throughput)
	}
}

func TestHeartbeatAnnouncer_ConsumeGossipIgnoresMalformedSamples(t *testing.T) {
	h := newTestAnnouncer()
	ch := make(chan []byte, 1)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ch <- []byte("not json")
	close(ch)
	h.consumeGossip(ctx, ch) // returns once the channel closes

	if len(h.snapshotPings()) != 0 {
		t.Fatalf("expected malformed sample to be ignored, got %+v", h.snapshotPings())
	}
}
