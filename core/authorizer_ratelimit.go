package core

import (
	"fmt"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// ThreatLevel is the five-step escalation ladder a peer's request pattern
// can climb (§4.4).
type ThreatLevel int

const (
	ThreatNormal ThreatLevel = iota
	ThreatSuspicious
	ThreatModerate
	ThreatHigh
	ThreatCritical
)

func (t ThreatLevel) String() string {
	switch t {
	case ThreatSuspicious:
		return "SUSPICIOUS"
	case ThreatModerate:
		return "MODERATE"
	case ThreatHigh:
		return "HIGH"
	case ThreatCritical:
		return "CRITICAL"
	default:
		return "NORMAL"
	}
}

// RateLimitConfig parameterizes the threat-detection thresholds (§4.4).
type RateLimitConfig struct {
	MaxRPS int
	MaxRPM int
	MaxRPH int
	MaxBurst int

	SuspiciousThreshold float64
	BlockingThreshold   float64
	IPBanThreshold      float64

	ShortWindow  time.Duration
	MediumWindow time.Duration
	LongWindow   time.Duration

	TempBlockDuration     time.Duration
	ExtendedBlockDuration time.Duration

	EnableIPBanning    bool
	IPBanViolationCount int
}

// DefaultRateLimitConfig mirrors the baseline values used in the reference
// implementation (§4.4).
func DefaultRateLimitConfig() RateLimitConfig {
	return RateLimitConfig{
		MaxRPS: 10, MaxRPM: 100, MaxRPH: 1000, MaxBurst: 20,
		SuspiciousThreshold: 1.5, BlockingThreshold: 3.0, IPBanThreshold: 5.0,
		ShortWindow: time.Second, MediumWindow: 60 * time.Second, LongWindow: 3600 * time.Second,
		TempBlockDuration: 300 * time.Second, ExtendedBlockDuration: 3600 * time.Second,
		IPBanViolationCount: 10,
	}
}

type peerRateState struct {
	requests      []time.Time
	limiter       *rate.Limiter
	threatLevel   ThreatLevel
	blockedUntil  time.Time
	violations    int
	ipBanned      bool
	totalRequests int
	blockedCount  int
}

// IPBanFunc is invoked when a peer escalates to CRITICAL with IP banning
// enabled (§4.4 "IP ban via callback").
type IPBanFunc func(peer PeerID, reason string) error

// RateLimitAuthorizer wraps a SignatureAuthorizer and enforces the
// five-threshold state machine of §4.4, tracked per peer over three sliding
// windows. Escalation is monotonic: a peer's threat level never decreases
// while it is actively blocked.
type RateLimitAuthorizer struct {
	inner  *SignatureAuthorizer
	config RateLimitConfig
	ipBan  IPBanFunc

	mu    sync.Mutex
	peers map[PeerID]*peerRateState
}

// NewRateLimitAuthorizer builds a rate-limited authorizer around inner.
func NewRateLimitAuthorizer(inner *SignatureAuthorizer, cfg RateLimitConfig, ipBan IPBanFunc) *RateLimitAuthorizer {
	return &RateLimitAuthorizer{
		inner:  inner,
		config: cfg,
		ipBan:  ipBan,
		peers:  make(map[PeerID]*peerRateState),
	}
}

func (a *RateLimitAuthorizer) SignRequest(msg AuthorizedMessage, servicePublicKey []byte) error {
	return a.inner.SignRequest(msg, servicePublicKey)
}

// ValidateRequest runs the inner signature/skew checks first (to derive the
// caller's peer id), then applies rate limiting, mirroring rate_limit.py's
// ordering: peer identity must be known before a limit can be enforced.
func (a *RateLimitAuthorizer) ValidateRequest(msg AuthorizedMessage) error {
	pub, _, _, err := a.inner.doValidate(msg)
	if err != nil {
		return err
	}

	peer, err := peerIDFromRawPublicKey(pub)
	if err != nil {
		return fmt.Errorf("%w: cannot derive peer id from public key", ErrAuthFailed)
	}

	if allowed, reason := a.checkRateLimit(peer); !allowed {
		return fmt.Errorf("%w: rate limited: %s", ErrAuthFailed, reason)
	}

	return nil
}

func (a *RateLimitAuthorizer) SignResponse(resp AuthorizedMessage, req AuthorizedMessage) error {
	return a.inner.SignResponse(resp, req)
}

// ValidateResponse applies no rate limiting on the client side (we are the
// requester, not the one being rate-limited).
func (a *RateLimitAuthorizer) ValidateResponse(resp AuthorizedMessage, req AuthorizedMessage) error {
	return a.inner.ValidateResponse(resp, req)
}

func (a *RateLimitAuthorizer) stateFor(peer PeerID) *peerRateState {
	s, ok := a.peers[peer]
	if !ok {
		s = &peerRateState{limiter: rate.NewLimiter(rate.Limit(a.config.MaxRPS), a.config.MaxBurst)}
		a.peers[peer] = s
	}
	return s
}

// checkRateLimit implements the window bookkeeping and threat detection of
// §4.4, returning (allowed, reason).
func (a *RateLimitAuthorizer) checkRateLimit(peer PeerID) (bool, string) {
	a.mu.Lock()
	defer a.mu.Unlock()

	now := time.Now()
	s := a.stateFor(peer)

	if s.ipBanned {
		s.blockedCount++
		s.violations++
		return false, "peer is IP-banned"
	}
	if !s.blockedUntil.IsZero() && now.Before(s.blockedUntil) {
		s.blockedCount++
		s.violations++
		return false, fmt.Sprintf("peer blocked for %d more seconds", int(s.blockedUntil.Sub(now).Seconds()))
	}
	s.blockedUntil = time.Time{}

	cutoff := now.Add(-a.config.LongWindow)
	kept := s.requests[:0]
	for _, t := range s.requests {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	s.requests = kept

	shortCutoff := now.Add(-a.config.ShortWindow)
	mediumCutoff := now.Add(-a.config.MediumWindow)
	var shortCount, mediumCount int
	for _, t := range s.requests {
		if t.After(shortCutoff) {
			shortCount++
		}
		if t.After(mediumCutoff) {
			mediumCount++
		}
	}
	longCount := len(s.requests)

	if threat, reason, level := a.detectThreat(s, shortCount, mediumCount, longCount); threat {
		a.handleThreatLocked(peer, s, level, reason)
		return false, reason
	}

	// The token bucket is the fast burst gate within the short window;
	// detectThreat's short_count comparisons catch sustained overshoot the
	// bucket alone can't grade into HIGH/CRITICAL.
	if !s.limiter.AllowN(now, 1) {
		a.handleThreatLocked(peer, s, ThreatSuspicious, "burst: token bucket exhausted")
		return false, "burst: token bucket exhausted"
	}

	s.requests = append(s.requests, now)
	s.totalRequests++
	return true, ""
}

func (a *RateLimitAuthorizer) detectThreat(s *peerRateState, shortCount, mediumCount, longCount int) (bool, string, ThreatLevel) {
	maxRate := float64(a.config.MaxRPS)

	if float64(shortCount) > maxRate*a.config.IPBanThreshold || s.violations >= a.config.IPBanViolationCount {
		return true, fmt.Sprintf("critical: %d req/s", shortCount), ThreatCritical
	}
	if float64(shortCount) > maxRate*a.config.BlockingThreshold {
		return true, fmt.Sprintf("severe: %d req/s", shortCount), ThreatHigh
	}
	if mediumCount >= a.config.MaxRPM {
		return true, fmt.Sprintf("exceeded: %d req/min", mediumCount), ThreatModerate
	}
	if longCount >= a.config.MaxRPH {
		return true, fmt.Sprintf("exceeded: %d req/hour", longCount), ThreatModerate
	}
	if shortCount >= a.config.MaxBurst {
		return true, fmt.Sprintf("burst: %d req/s", shortCount), ThreatSuspicious
	}
	if float64(shortCount) > maxRate*a.config.SuspiciousThreshold {
		return true, "suspicious pattern", ThreatSuspicious
	}
	return false, "", ThreatNormal
}

// handleThreatLocked escalates s's threat level (monotonically, never
// decreasing while active) and applies the corresponding response. Caller
// holds a.mu.
func (a *RateLimitAuthorizer) handleThreatLocked(peer PeerID, s *peerRateState, level ThreatLevel, reason string) {
	if level > s.threatLevel {
		s.threatLevel = level
	}
	s.violations++

	switch level {
	case ThreatModerate:
		s.blockedUntil = time.Now().Add(a.config.TempBlockDuration)
	case ThreatHigh:
		s.blockedUntil = time.Now().Add(a.config.ExtendedBlockDuration)
	case ThreatCritical:
		if a.config.EnableIPBanning && a.ipBan != nil {
			s.ipBanned = true
			go a.ipBan(peer, reason)
		} else {
			s.blockedUntil = time.Now().Add(24 * time.Hour)
		}
	}
}

// PeerStats reports a snapshot of one peer's current rate-limit state, used
// by the bootnode admin surface (§6).
type PeerStats struct {
	ThreatLevel    string
	TotalRequests  int
	BlockedCount   int
	Violations     int
	IsBlocked      bool
	IsIPBanned     bool
}

func (a *RateLimitAuthorizer) PeerStats(peer PeerID) PeerStats {
	a.mu.Lock()
	defer a.mu.Unlock()
	s, ok := a.peers[peer]
	if !ok {
		return PeerStats{ThreatLevel: ThreatNormal.String()}
	}
	return PeerStats{
		ThreatLevel:   s.threatLevel.String(),
		TotalRequests: s.totalRequests,
		BlockedCount:  s.blockedCount,
		Violations:    s.violations,
		IsBlocked:     !s.blockedUntil.IsZero() && time.Now().Before(s.blockedUntil),
		IsIPBanned:    s.ipBanned,
	}
}
