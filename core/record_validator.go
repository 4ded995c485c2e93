package core

import (
	"crypto/ed25519"
	"encoding/json"
	"errors"
)

// RequestKind distinguishes a GET from a PUT for validators that apply
// different rules to each (§4.3 predicate validator).
type RequestKind int

const (
	RequestGet RequestKind = iota
	RequestPut
)

// RecordValidator is one stage in the validation pipeline: it inspects a
// candidate record and returns accept/reject, optionally with a reason
// wrapping one of the §7 error-kind sentinels.
type RecordValidator interface {
	Validate(kind RequestKind, r Record) error
}

// ValidatorPipeline runs each stage in order; a record is stored only if
// every stage accepts (§4.3).
type ValidatorPipeline struct {
	stages []RecordValidator
}

// NewValidatorPipeline builds a pipeline from the given stages, in order.
func NewValidatorPipeline(stages ...RecordValidator) *ValidatorPipeline {
	return &ValidatorPipeline{stages: stages}
}

// Validate runs all stages, short-circuiting on the first rejection.
func (p *ValidatorPipeline) Validate(kind RequestKind, r Record) error {
	for _, s := range p.stages {
		if err := s.Validate(kind, r); err != nil {
			return err
		}
	}
	return nil
}

// SignatureValidator requires subkey = public_key_bytes (or
// peer_id || public_key_bytes) and verifies the canonical signature over the
// record bytes under that key (§4.3).
type SignatureValidator struct{}

// Validate implements RecordValidator. GETs carry no payload to verify and
// always accept at this stage; PUTs must decode a public key from the
// subkey and verify r's signed bytes against it.
func (SignatureValidator) Validate(kind RequestKind, r Record) error {
	if kind == RequestGet {
		return nil
	}
	if len(r.Subkey) == 0 {
		return errors.Join(ErrRecordRejected, errors.New("missing subkey for signed record"))
	}
	pub, payload, sig, err := splitSubkeySignature(r)
	if err != nil {
		return errors.Join(ErrRecordRejected, err)
	}
	msg, err := signedTuple(r.Key, r.Subkey, payload, r.ExpirationTime)
	if err != nil {
		return errors.Join(ErrRecordRejected, err)
	}
	if !Verify(pub, msg, sig) {
		return errors.Join(ErrRecordRejected, errors.New("signature verification failed"))
	}
	return nil
}

// signedTuple renders (key, subkey, payload, expiration_time) deterministically
// — the exact quantity a signature is computed over (§3 "Record envelope").
func signedTuple(key, subkey, payload []byte, expiration float64) ([]byte, error) {
	return json.Marshal(struct {
		Key            []byte  `json:"key_bytes"`
		Subkey         []byte  `json:"subkey_bytes,omitempty"`
		Payload        []byte  `json:"payload"`
		ExpirationTime float64 `json:"expiration_time_f64"`
	}{key, subkey, payload, expiration})
}

// signedRecordValue is the JSON shape expected inside Record.Value for
// signed records: the signature travels with the value since Record itself
// carries no dedicated signature field on the wire (§6).
type signedRecordValue struct {
	Payload   []byte `json:"payload"`
	Signature []byte `json:"signature"`
}

// splitSubkeySignature extracts (public_key_bytes, payload, signature) from a
// record whose subkey is either public_key_bytes alone, or
// peer_id || public_key_bytes. The payload and signature are both carried in
// r.Value via signedRecordValue.
func splitSubkeySignature(r Record) (pub, payload, sig []byte, err error) {
	var v signedRecordValue
	if err := json.Unmarshal(r.Value, &v); err != nil {
		return nil, nil, nil, err
	}
	pub = extractPublicKey(r.Subkey)
	return pub, v.Payload, v.Signature, nil
}

// extractPublicKey returns the public-key bytes from a subkey that may
// additionally be prefixed with a peer id (§4.3 "subkey = public_key_bytes
// (or peer_id ‖ public_key_bytes)"). Ed25519 keys are a fixed 32 bytes, so a
// trailing-suffix check is unambiguous; RSA DER public keys vary in length,
// so rsaPublicKeySuffix instead finds the split point whose remainder parses
// as a complete PKIX encoding — hardcoding a trailing-32-byte slice here
// would truncate any RSA key to noise and fail verification regardless of a
// correct signature.
func extractPublicKey(subkey []byte) []byte {
	if pub, ok := rsaPublicKeySuffix(subkey); ok {
		return pub
	}
	if len(subkey) == ed25519.PublicKeySize {
		return subkey
	}
	if len(subkey) > ed25519.PublicKeySize {
		return subkey[len(subkey)-ed25519.PublicKeySize:]
	}
	return subkey
}

// minRSADERLen bounds the scan in rsaPublicKeySuffix: the smallest PKIX
// encoding of an RSA public key (a 512-bit modulus) is around this size.
const minRSADERLen = 74

// rsaPublicKeySuffix scans subkey for the offset after which the remaining
// bytes parse as a complete PKIX RSA public key, covering both the bare-key
// and peer_id‖public_key_bytes subkey shapes. ASN.1 DER is self-delimiting,
// so x509.ParsePKIXPublicKey rejects any candidate with trailing bytes,
// making the first successful parse the unambiguous split point.
func rsaPublicKeySuffix(subkey []byte) ([]byte, bool) {
	if len(subkey) < minRSADERLen {
		return nil, false
	}
	for i := 0; i <= len(subkey)-minRSADERLen; i++ {
		if subkey[i] != 0x30 { // ASN.1 SEQUENCE tag: every DER public key starts here
			continue
		}
		if _, err := parseRSAPublicKey(subkey[i:]); err == nil {
			return subkey[i:], true
		}
	}
	return nil, false
}

