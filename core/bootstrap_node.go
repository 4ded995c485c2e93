package core

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"
)

// BootnodeConfig configures the read-only HTTP admin surface a bootnode MAY
// expose (§6): API-key gated, per-IP and per-key rate limited.
type BootnodeConfig struct {
	ListenAddr         string
	APIKeys            []string
	RequestsPerMinute  int // default 5, per §6
	BootstrapAddresses []string
}

// Bootnode wraps a DHT node with a thin, read-only admin HTTP surface. It
// does not participate in consensus; it exists to give newly-joining peers
// a well-known place to query heartbeat, bootstrap, and peer-table state.
type Bootnode struct {
	cfg      BootnodeConfig
	node     *DHTNode
	routing  *RoutingTable
	storage  *TimedStorage
	self     PeerID
	logger   *logrus.Logger
	apiKeys  map[string]bool
	server   *http.Server

	limMu    sync.Mutex
	perKey   map[string]*rate.Limiter
	perIP    map[string]*rate.Limiter
}

// NewBootnode builds a bootnode admin surface over an already-running DHT
// node.
func NewBootnode(cfg BootnodeConfig, node *DHTNode, routing *RoutingTable, storage *TimedStorage, self PeerID, logger *logrus.Logger) *Bootnode {
	if cfg.RequestsPerMinute <= 0 {
		cfg.RequestsPerMinute = 5
	}
	keys := make(map[string]bool, len(cfg.APIKeys))
	for _, k := range cfg.APIKeys {
		keys[k] = true
	}
	b := &Bootnode{
		cfg: cfg, node: node, routing: routing, storage: storage, self: self, logger: logger,
		apiKeys: keys,
		perKey:  make(map[string]*rate.Limiter),
		perIP:   make(map[string]*rate.Limiter),
	}

	r := chi.NewRouter()
	r.Use(b.authenticate)
	r.Get("/v1/get_heartbeat", b.handleGetHeartbeat)
	r.Get("/v1/get_bootnodes", b.handleGetBootnodes)
	r.Get("/v1/get_peers_info", b.handleGetPeersInfo)
	b.server = &http.Server{Addr: cfg.ListenAddr, Handler: r}
	return b
}

// Start begins serving the admin surface; it returns once the listener
// fails or Stop is called.
func (b *Bootnode) Start() error {
	b.logger.Infof("bootnode: admin surface listening on %s", b.cfg.ListenAddr)
	err := b.server.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Stop gracefully shuts the admin surface down within the given grace
// period.
func (b *Bootnode) Stop(grace time.Duration) error {
	ctx, cancel := context.WithTimeout(context.Background(), grace)
	defer cancel()
	return b.server.Shutdown(ctx)
}

// authenticate enforces the X-API-Key header and the per-IP/per-key rate
// limits of §6.
func (b *Bootnode) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		key := req.Header.Get("X-API-Key")
		if key == "" || !b.apiKeys[key] {
			http.Error(w, "missing or invalid API key", http.StatusUnauthorized)
			return
		}
		ip := remoteIP(req)

		if !b.limiterFor(&b.perKey, key).Allow() {
			http.Error(w, "rate limit exceeded for API key", http.StatusTooManyRequests)
			return
		}
		if !b.limiterFor(&b.perIP, ip).Allow() {
			http.Error(w, "rate limit exceeded for IP", http.StatusTooManyRequests)
			return
		}
		next.ServeHTTP(w, req)
	})
}

func (b *Bootnode) limiterFor(bucket *map[string]*rate.Limiter, id string) *rate.Limiter {
	b.limMu.Lock()
	defer b.limMu.Unlock()
	l, ok := (*bucket)[id]
	if !ok {
		l = rate.NewLimiter(rate.Every(time.Minute/time.Duration(b.cfg.RequestsPerMinute)), b.cfg.RequestsPerMinute)
		(*bucket)[id] = l
	}
	return l
}

func remoteIP(req *http.Request) string {
	if ip := req.Header.Get("X-Forwarded-For"); ip != "" {
		return strings.TrimSpace(strings.Split(ip, ",")[0])
	}
	host := req.RemoteAddr
	if i := strings.LastIndex(host, ":"); i >= 0 {
		host = host[:i]
	}
	return host
}

// handleGetHeartbeat returns the ServerInfo published under "node" for the
// peer named by the "peer_b58" query parameter.
func (b *Bootnode) handleGetHeartbeat(w http.ResponseWriter, req *http.Request) {
	peerB58 := req.URL.Query().Get("peer_b58")
	if peerB58 == "" {
		http.Error(w, "missing peer_b58", http.StatusBadRequest)
		return
	}
	dict := b.storage.GetDictionary("node")
	for subkey, raw := range dict {
		if !strings.HasPrefix(subkey, peerB58) {
			continue
		}
		var info ServerInfo
		if err := json.Unmarshal(raw, &info); err != nil {
			continue
		}
		writeJSON(w, info)
		return
	}
	http.Error(w, "no heartbeat on record for peer", http.StatusNotFound)
}

// handleGetBootnodes returns the configured bootstrap peer addresses.
func (b *Bootnode) handleGetBootnodes(w http.ResponseWriter, req *http.Request) {
	writeJSON(w, b.cfg.BootstrapAddresses)
}

// handleGetPeersInfo returns the full routing table as (peer_b58, node_id,
// addr) tuples.
func (b *Bootnode) handleGetPeersInfo(w http.ResponseWriter, req *http.Request) {
	entries := b.routing.Closest(b.routing.self, b.routing.Size())
	out := make([]wirePeer, 0, len(entries))
	for _, e := range entries {
		out = append(out, wirePeer{PeerB58: e.PeerID.B58(), NodeID: e.NodeID, Addr: e.Addr})
	}
	writeJSON(w, out)
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}
