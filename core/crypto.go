package core

import (
	"crypto"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"errors"
)

// SignatureScheme identifies which of the two supported key types a signed
// record or request uses (§4.3: "Supports Ed25519 and RSA-with-SHA256").
type SignatureScheme int

const (
	SchemeUnknown SignatureScheme = iota
	SchemeEd25519
	SchemeRSASHA256
)

// DetectScheme infers the scheme from public key byte length: an Ed25519
// public key is always exactly 32 bytes, RSA DER-encoded keys are longer.
// Ambiguous/undersized input is rejected rather than guessed at.
func DetectScheme(pubKey []byte) SignatureScheme {
	if len(pubKey) == ed25519.PublicKeySize {
		return SchemeEd25519
	}
	if len(pubKey) > ed25519.PublicKeySize {
		return SchemeRSASHA256
	}
	return SchemeUnknown
}

// Sign produces a signature over msg using sk, dispatching on scheme.
func Sign(scheme SignatureScheme, sk []byte, msg []byte) ([]byte, error) {
	switch scheme {
	case SchemeEd25519:
		if len(sk) != ed25519.PrivateKeySize {
			return nil, errors.New("core: invalid ed25519 private key size")
		}
		return ed25519.Sign(ed25519.PrivateKey(sk), msg), nil
	case SchemeRSASHA256:
		priv, err := parseRSAPrivateKey(sk)
		if err != nil {
			return nil, err
		}
		h := sha256.Sum256(msg)
		return rsa.SignPKCS1v15(rand.Reader, priv, crypto.SHA256, h[:])
	default:
		return nil, errors.New("core: unknown signature scheme")
	}
}

// Verify checks sig over msg under pubKey, dispatching on the key shape
// (I4: "a signed record's signature verifies under the public key embedded
// in its subkey").
func Verify(pubKey, msg, sig []byte) bool {
	switch DetectScheme(pubKey) {
	case SchemeEd25519:
		return ed25519.Verify(ed25519.PublicKey(pubKey), msg, sig)
	case SchemeRSASHA256:
		pub, err := parseRSAPublicKey(pubKey)
		if err != nil {
			return false
		}
		h := sha256.Sum256(msg)
		return rsa.VerifyPKCS1v15(pub, crypto.SHA256, h[:], sig) == nil
	default:
		return false
	}
}

func parseRSAPublicKey(der []byte) (*rsa.PublicKey, error) {
	k, err := x509.ParsePKIXPublicKey(der)
	if err != nil {
		return nil, err
	}
	pub, ok := k.(*rsa.PublicKey)
	if !ok {
		return nil, errors.New("core: not an RSA public key")
	}
	return pub, nil
}

func parseRSAPrivateKey(der []byte) (*rsa.PrivateKey, error) {
	return x509.ParsePKCS1PrivateKey(der)
}
