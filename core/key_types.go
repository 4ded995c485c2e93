package core

import (
	"bytes"
	"encoding/hex"
	"errors"
	"math/big"

	"github.com/ipfs/go-cid"
	"github.com/libp2p/go-libp2p/core/crypto"
	libp2ppeer "github.com/libp2p/go-libp2p/core/peer"
	mh "github.com/multiformats/go-multihash"
	"github.com/mr-tron/base58"
)

var errUnknownKeyScheme = errors.New("core: unknown public key scheme")

// IDLength is the width, in bytes, of a NodeID: 160 bits, matching Kademlia's
// canonical identifier space.
const IDLength = 20

// NodeID is a 160-bit identifier derived by hashing a source byte string
// (typically a peer's public key bytes). It supports XOR distance and is
// never mutated once generated.
type NodeID [IDLength]byte

// DeriveNodeID hashes src with SHA2-256 via go-multihash/go-cid, the same
// content-addressing idiom the teacher codebase uses for pinning blobs
// (core/storage.go's Pin), and truncates the digest to IDLength bytes.
func DeriveNodeID(src []byte) (NodeID, error) {
	sum, err := mh.Sum(src, mh.SHA2_256, -1)
	if err != nil {
		return NodeID{}, err
	}
	c := cid.NewCidV1(cid.Raw, sum)
	digest := c.Hash()
	decoded, err := mh.Decode(digest)
	if err != nil {
		return NodeID{}, err
	}
	var id NodeID
	copy(id[:], decoded.Digest[:IDLength])
	return id, nil
}

// String renders the id as lowercase hex.
func (id NodeID) String() string { return hex.EncodeToString(id[:]) }

// Bytes returns a copy of the id's bytes.
func (id NodeID) Bytes() []byte { return append([]byte(nil), id[:]...) }

// Xor returns the bitwise XOR distance between id and other.
func (id NodeID) Xor(other NodeID) NodeID {
	var out NodeID
	for i := 0; i < IDLength; i++ {
		out[i] = id[i] ^ other[i]
	}
	return out
}

// Less reports whether id, treated as a big-endian integer, is less than other.
// Used to totally order distances during closest-peer sorting.
func (id NodeID) Less(other NodeID) bool {
	return bytes.Compare(id[:], other[:]) < 0
}

// CommonPrefixLen returns the number of leading bits shared between id and
// other, used to select a routing-table bucket index.
func (id NodeID) CommonPrefixLen(other NodeID) int {
	d := id.Xor(other)
	for i := 0; i < IDLength; i++ {
		if d[i] == 0 {
			continue
		}
		for bit := 7; bit >= 0; bit-- {
			if d[i]&(1<<uint(bit)) != 0 {
				return i*8 + (7 - bit)
			}
		}
	}
	return IDLength * 8
}

// distanceInt renders the XOR distance as a big.Int for numeric comparisons
// (e.g. sorting a mixed candidate set by distance rather than by prefix
// length alone).
func distanceInt(a, b NodeID) *big.Int {
	d := a.Xor(b)
	return new(big.Int).SetBytes(d[:])
}

// PeerID is a libp2p-style multihash of a public key; base58-printable; its
// lifetime is the process lifetime of the peer it names.
type PeerID struct {
	libp2ppeer.ID
}

// NewPeerIDFromPublicKey derives a PeerID the same way go-libp2p hosts do.
func NewPeerIDFromPublicKey(pub crypto.PubKey) (PeerID, error) {
	id, err := libp2ppeer.IDFromPublicKey(pub)
	if err != nil {
		return PeerID{}, err
	}
	return PeerID{ID: id}, nil
}

// peerIDFromRawPublicKey derives a PeerID from a raw Ed25519 or RSA-DER
// public key, the form authorizer.go and its callers hold (§4.4). It
// dispatches on key shape the same way crypto.go's DetectScheme does, then
// defers to go-libp2p's own peer-id derivation so a PeerID computed here
// matches the one a libp2p host would assign the same key.
func peerIDFromRawPublicKey(pub []byte) (PeerID, error) {
	switch DetectScheme(pub) {
	case SchemeEd25519:
		pk, err := crypto.UnmarshalEd25519PublicKey(pub)
		if err != nil {
			return PeerID{}, err
		}
		return NewPeerIDFromPublicKey(pk)
	case SchemeRSASHA256:
		pk, err := crypto.UnmarshalRsaPublicKey(pub)
		if err != nil {
			return PeerID{}, err
		}
		return NewPeerIDFromPublicKey(pk)
	default:
		return PeerID{}, errUnknownKeyScheme
	}
}

// ParsePeerID decodes a base58-printed peer id string (the inverse of B58).
func ParsePeerID(s string) (PeerID, error) {
	b, err := base58.Decode(s)
	if err != nil {
		return PeerID{}, err
	}
	return PeerID{ID: libp2ppeer.ID(b)}, nil
}

// B58 prints the peer id base58, matching the spec's "peer_b58" wire naming.
func (p PeerID) B58() string {
	return base58.Encode([]byte(p.ID))
}

// NodeID derives the routing-space NodeID for this peer by hashing its raw
// multihash bytes.
func (p PeerID) NodeID() (NodeID, error) {
	return DeriveNodeID([]byte(p.ID))
}
