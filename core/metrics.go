package core

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
)

// MetricsSnapshot captures a point-in-time view of coordination-substrate
// health: routing table size, RPC volume, and consensus phase and epoch —
// the DHT/consensus-shaped counterpart to a node's health stats.
type MetricsSnapshot struct {
	RoutingTableSize int            `json:"routing_table_size"`
	RPCCounts        map[string]int `json:"rpc_counts"`
	ConsensusPhase   string         `json:"consensus_phase"`
	ConsensusEpoch   uint64         `json:"consensus_epoch"`
	Timestamp        int64          `json:"timestamp"`
}

var phaseNames = map[PhaseKind]string{
	PhaseWaitActive:   "wait_active",
	PhaseWaitEligible: "wait_eligible",
	PhaseEpoch:        "epoch",
	PhaseExited:       "exited",
}

// MetricsCollector exposes DHT and consensus health as Prometheus gauges and
// counters, mirroring the teacher's HealthLogger registry-plus-gauges shape
// repurposed from block-height/peer-count metrics to table-size/RPC-count/
// consensus-phase metrics.
type MetricsCollector struct {
	routing   *RoutingTable
	consensus *ConsensusLoop
	log       *logrus.Logger

	mu        sync.Mutex
	rpcCounts map[string]int

	registry           *prometheus.Registry
	routingSizeGauge   prometheus.Gauge
	consensusPhaseGauge *prometheus.GaugeVec
	consensusEpochGauge prometheus.Gauge
	rpcCounter         *prometheus.CounterVec
}

// NewMetricsCollector builds a collector over routing (required) and an
// optional consensus loop (nil if this node runs DHT-only, e.g. a bootnode).
func NewMetricsCollector(routing *RoutingTable, consensus *ConsensusLoop, logger *logrus.Logger) *MetricsCollector {
	reg := prometheus.NewRegistry()

	m := &MetricsCollector{
		routing:   routing,
		consensus: consensus,
		log:       logger,
		rpcCounts: make(map[string]int),
		registry:  reg,
	}

	m.routingSizeGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "meshnet_routing_table_size",
		Help: "Number of peers currently tracked in the routing table",
	})
	m.consensusPhaseGauge = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "meshnet_consensus_phase",
		Help: "1 for the currently active consensus phase, 0 otherwise",
	}, []string{"phase"})
	m.consensusEpochGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "meshnet_consensus_epoch",
		Help: "Current consensus epoch number",
	})
	m.rpcCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "meshnet_dht_rpc_total",
		Help: "Total DHT RPCs handled, by verb",
	}, []string{"verb"})

	reg.MustRegister(m.routingSizeGauge, m.consensusPhaseGauge, m.consensusEpochGauge, m.rpcCounter)
	return m
}

// IncRPC increments the counter for one handled verb (PING/STORE/FIND_NODE/
// FIND_VALUE); called from DHTProtocol's handlers via SetMetrics.
func (m *MetricsCollector) IncRPC(verb string) {
	m.mu.Lock()
	m.rpcCounts[verb]++
	m.mu.Unlock()
	m.rpcCounter.WithLabelValues(verb).Inc()
}

// Snapshot gathers the current metrics view.
func (m *MetricsCollector) Snapshot() MetricsSnapshot {
	m.mu.Lock()
	counts := make(map[string]int, len(m.rpcCounts))
	for k, v := range m.rpcCounts {
		counts[k] = v
	}
	m.mu.Unlock()

	snap := MetricsSnapshot{
		RPCCounts: counts,
		Timestamp: time.Now().Unix(),
	}
	if m.routing != nil {
		snap.RoutingTableSize = m.routing.Size()
	}
	if m.consensus != nil {
		p := m.consensus.CurrentPhase()
		snap.ConsensusPhase = phaseNames[p.Kind]
		snap.ConsensusEpoch = p.Epoch
	}
	return snap
}

// Record captures a snapshot and updates the Prometheus gauges.
func (m *MetricsCollector) Record() {
	snap := m.Snapshot()
	m.routingSizeGauge.Set(float64(snap.RoutingTableSize))
	m.consensusEpochGauge.Set(float64(snap.ConsensusEpoch))
	for kind, name := range phaseNames {
		v := 0.0
		if name == snap.ConsensusPhase {
			v = 1
		}
		m.consensusPhaseGauge.WithLabelValues(phaseNames[kind]).Set(v)
	}
}

// Run periodically records metrics until ctx is cancelled.
func (m *MetricsCollector) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			m.Record()
		case <-ctx.Done():
			return
		}
	}
}

// StartServer exposes the Prometheus registry on addr's /metrics endpoint.
func (m *MetricsCollector) StartServer(addr string) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: addr, Handler: mux}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			m.log.Errorf("metrics: server error: %v", err)
		}
	}()
	return srv
}

// ShutdownServer gracefully stops a server returned by StartServer.
func (m *MetricsCollector) ShutdownServer(ctx context.Context, srv *http.Server) error {
	return srv.Shutdown(ctx)
}
