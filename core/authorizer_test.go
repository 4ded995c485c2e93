package core

import (
	"crypto/ed25519"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"
)

// testMessage is a minimal AuthorizedMessage used to exercise the
// authorizer chain without a real RPC envelope.
type testMessage struct {
	Body string
	Auth_ AuthEnvelope
}

func (m *testMessage) Auth() *AuthEnvelope { return &m.Auth_ }

func (m *testMessage) SigningBytes() ([]byte, error) {
	return json.Marshal(struct {
		Body string
		Auth AuthEnvelope
	}{m.Body, m.Auth_})
}

func genEd25519(t *testing.T) (pub, priv []byte) {
	t.Helper()
	pk, sk, err := ed25519.GenerateKey(nil)
	if err != nil {
		t.Fatal(err)
	}
	return []byte(pk), []byte(sk)
}

func TestSignatureAuthorizer_SignAndValidateRoundTrip(t *testing.T) {
	pub, priv := genEd25519(t)
	a := NewSignatureAuthorizer(SchemeEd25519, priv, pub)

	msg := &testMessage{Body: "hello"}
	if err := a.SignRequest(msg, nil); err != nil {
		t.Fatalf("sign: %v", err)
	}
	if err := a.ValidateRequest(msg); err != nil {
		t.Fatalf("validate: %v", err)
	}
}

func TestSignatureAuthorizer_RejectsReplayedNonce(t *testing.T) {
	pub, priv := genEd25519(t)
	a := NewSignatureAuthorizer(SchemeEd25519, priv, pub)

	msg := &testMessage{Body: "hello"}
	if err := a.SignRequest(msg, nil); err != nil {
		t.Fatalf("sign: %v", err)
	}
	if err := a.ValidateRequest(msg); err != nil {
		t.Fatalf("first validate: %v", err)
	}
	if err := a.ValidateRequest(msg); !errors.Is(err, ErrAuthFailed) {
		t.Fatalf("replayed nonce should be rejected, got %v", err)
	}
}

// TestSignatureAuthorizer_ConcurrentReplayOfSameNonceOnlyOneSucceeds drives
// many goroutines through ValidateRequest with one signed message, replayed
// concurrently. The nonce check-and-claim inside doValidate is atomic
// (TimedStorage.CheckAndStoreIfAbsent), so exactly one call may observe the
// nonce as unseen no matter how the goroutines interleave.
func TestSignatureAuthorizer_ConcurrentReplayOfSameNonceOnlyOneSucceeds(t *testing.T) {
	pub, priv := genEd25519(t)
	a := NewSignatureAuthorizer(SchemeEd25519, priv, pub)

	signed := &testMessage{Body: "hello"}
	if err := a.SignRequest(signed, nil); err != nil {
		t.Fatalf("sign: %v", err)
	}

	const attempts = 32
	var wg sync.WaitGroup
	var mu sync.Mutex
	successes := 0
	for i := 0; i < attempts; i++ {
		// Each goroutine gets its own *testMessage carrying a copy of the
		// same signed envelope (same nonce), so concurrent doValidate calls
		// race only on the shared TimedStorage, not on a shared Go struct.
		msgCopy := &testMessage{Body: signed.Body, Auth_: signed.Auth_}
		wg.Add(1)
		go func(msg *testMessage) {
			defer wg.Done()
			if err := a.ValidateRequest(msg); err == nil {
				mu.Lock()
				successes++
				mu.Unlock()
			}
		}(msgCopy)
	}
	wg.Wait()

	if successes != 1 {
		t.Fatalf("expected exactly one concurrent replay of the same nonce to succeed, got %d", successes)
	}
}

func TestSignatureAuthorizer_RejectsTamperedBody(t *testing.T) {
	pub, priv := genEd25519(t)
	a := NewSignatureAuthorizer(SchemeEd25519, priv, pub)

	msg := &testMessage{Body: "hello"}
	if err := a.SignRequest(msg, nil); err != nil {
		t.Fatalf("sign: %v", err)
	}
	msg.Body = "tampered"
	if err := a.ValidateRequest(msg); !errors.Is(err, ErrAuthFailed) {
		t.Fatalf("tampered body should be rejected, got %v", err)
	}
}

func TestSignatureAuthorizer_RejectsWrongServiceKey(t *testing.T) {
	pub, priv := genEd25519(t)
	a := NewSignatureAuthorizer(SchemeEd25519, priv, pub)

	otherPub, _ := genEd25519(t)
	msg := &testMessage{Body: "hello"}
	if err := a.SignRequest(msg, otherPub); err != nil {
		t.Fatalf("sign: %v", err)
	}
	if err := a.ValidateRequest(msg); !errors.Is(err, ErrAuthFailed) {
		t.Fatalf("mismatched service key should be rejected, got %v", err)
	}
}

type stubPoS struct {
	ok  bool
	err error
}

func (s stubPoS) ProofOfStake(publicKey []byte, subnetID uint64, minClass NodeClass) (bool, error) {
	return s.ok, s.err
}

func TestProofOfStakeAuthorizer_RejectsUnstaked(t *testing.T) {
	pub, priv := genEd25519(t)
	inner := NewSignatureAuthorizer(SchemeEd25519, priv, pub)
	a := NewProofOfStakeAuthorizer(inner, stubPoS{ok: false}, 1, ClassIdle)

	msg := &testMessage{Body: "hello"}
	if err := a.SignRequest(msg, nil); err != nil {
		t.Fatalf("sign: %v", err)
	}
	if err := a.ValidateRequest(msg); !errors.Is(err, ErrAuthFailed) {
		t.Fatalf("unstaked caller should be rejected, got %v", err)
	}
}

func TestProofOfStakeAuthorizer_AcceptsStaked(t *testing.T) {
	pub, priv := genEd25519(t)
	inner := NewSignatureAuthorizer(SchemeEd25519, priv, pub)
	a := NewProofOfStakeAuthorizer(inner, stubPoS{ok: true}, 1, ClassIdle)

	msg := &testMessage{Body: "hello"}
	if err := a.SignRequest(msg, nil); err != nil {
		t.Fatalf("sign: %v", err)
	}
	if err := a.ValidateRequest(msg); err != nil {
		t.Fatalf("staked caller should be accepted: %v", err)
	}
}

func TestRateLimitAuthorizer_BurstTriggersSuspicious(t *testing.T) {
	pub, priv := genEd25519(t)
	inner := NewSignatureAuthorizer(SchemeEd25519, priv, pub)
	cfg := DefaultRateLimitConfig()
	cfg.MaxBurst = 2
	a := NewRateLimitAuthorizer(inner, cfg, nil)

	var lastErr error
	for i := 0; i < 3; i++ {
		msg := &testMessage{Body: "hello"}
		if err := a.SignRequest(msg, nil); err != nil {
			t.Fatalf("sign: %v", err)
		}
		lastErr = a.ValidateRequest(msg)
	}
	if !errors.Is(lastErr, ErrAuthFailed) {
		t.Fatalf("expected burst to trip rate limit, got %v", lastErr)
	}

	peer, _ := peerIDFromRawPublicKey(pub)
	stats := a.PeerStats(peer)
	if stats.ThreatLevel == ThreatNormal.String() {
		t.Fatalf("expected escalated threat level, got %s", stats.ThreatLevel)
	}
}

// TestRateLimitAuthorizer_ViolationCountedOnceForAThreatRejection guards
// against double-counting: checkRateLimit's handleThreatLocked path already
// increments violations, so ValidateRequest must not increment it again on
// top of that.
func TestRateLimitAuthorizer_ViolationCountedOnceForAThreatRejection(t *testing.T) {
	pub, priv := genEd25519(t)
	inner := NewSignatureAuthorizer(SchemeEd25519, priv, pub)
	cfg := DefaultRateLimitConfig()
	cfg.MaxBurst = 1
	a := NewRateLimitAuthorizer(inner, cfg, nil)

	msg := &testMessage{Body: "hello"}
	if err := a.SignRequest(msg, nil); err != nil {
		t.Fatalf("sign: %v", err)
	}
	if err := a.ValidateRequest(msg); err != nil {
		t.Fatalf("first request should be allowed: %v", err)
	}

	msg2 := &testMessage{Body: "hello"}
	if err := a.SignRequest(msg2, nil); err != nil {
		t.Fatalf("sign: %v", err)
	}
	if err := a.ValidateRequest(msg2); !errors.Is(err, ErrAuthFailed) {
		t.Fatalf("second request should trip the burst limit, got %v", err)
	}

	peer, _ := peerIDFromRawPublicKey(pub)
	stats := a.PeerStats(peer)
	if stats.Violations != 1 {
		t.Fatalf("violations = %d, want 1 (one rejection, counted once)", stats.Violations)
	}
}

// TestRateLimitAuthorizer_AlreadyBlockedRequestsCountAsViolations exercises
// the early-return path in checkRateLimit (still before blockedUntil),
// which bypasses handleThreatLocked and so must count its own violation.
func TestRateLimitAuthorizer_AlreadyBlockedRequestsCountAsViolations(t *testing.T) {
	pub, priv := genEd25519(t)
	inner := NewSignatureAuthorizer(SchemeEd25519, priv, pub)
	cfg := DefaultRateLimitConfig()
	cfg.MaxRPM = 1 // second request within the medium window trips ThreatModerate
	cfg.TempBlockDuration = time.Hour
	a := NewRateLimitAuthorizer(inner, cfg, nil)

	msg := &testMessage{Body: "hello"}
	if err := a.SignRequest(msg, nil); err != nil {
		t.Fatalf("sign: %v", err)
	}
	if err := a.ValidateRequest(msg); err != nil {
		t.Fatalf("first request should be allowed: %v", err)
	}

	peer, _ := peerIDFromRawPublicKey(pub)

	msg2 := &testMessage{Body: "hello"}
	if err := a.SignRequest(msg2, nil); err != nil {
		t.Fatalf("sign: %v", err)
	}
	if err := a.ValidateRequest(msg2); !errors.Is(err, ErrAuthFailed) {
		t.Fatalf("second request should trip ThreatModerate and set blockedUntil")
	}
	afterModerate := a.PeerStats(peer).Violations
	if !a.PeerStats(peer).IsBlocked {
		t.Fatalf("expected peer to be blocked after tripping ThreatModerate")
	}

	msg3 := &testMessage{Body: "hello"}
	if err := a.SignRequest(msg3, nil); err != nil {
		t.Fatalf("sign: %v", err)
	}
	if err := a.ValidateRequest(msg3); !errors.Is(err, ErrAuthFailed) {
		t.Fatalf("third request should still be blocked")
	}
	afterBlocked := a.PeerStats(peer).Violations

	if afterBlocked != afterModerate+1 {
		t.Fatalf("violations after an already-blocked request = %d, want %d (moderate trip + 1)", afterBlocked, afterModerate+1)
	}
}
