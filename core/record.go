package core

import "encoding/json"

// Record is the wire envelope carried by STORE/FIND_VALUE (§3, §6). Subkey is
// nil for a *regular* (single-valued) record and non-nil for an entry inside
// a *dictionary*-valued key.
type Record struct {
	Key            []byte  `json:"key_bytes"`
	Subkey         []byte  `json:"subkey_bytes,omitempty"`
	Value          []byte  `json:"value_bytes"`
	ExpirationTime float64 `json:"expiration_time_f64"`
}

// HasSubkey reports whether r names an entry inside a dictionary value.
func (r Record) HasSubkey() bool { return r.Subkey != nil }

// Expired reports whether r's expiration has passed relative to now.
func (r Record) Expired(now float64) bool { return r.ExpirationTime < now }

// EncodeRecord serializes a Record for the wire.
func EncodeRecord(r Record) ([]byte, error) { return json.Marshal(r) }

// DecodeRecord parses a wire-encoded Record; it is the inverse of
// EncodeRecord.
func DecodeRecord(b []byte) (Record, error) {
	var r Record
	err := json.Unmarshal(b, &r)
	return r, err
}

// StoredRecord is a Record plus the raw signed bytes that carried (when
// present) a signature over the tuple, as owned by a TimedStorage entry.
type StoredRecord struct {
	Record
	SignedPayload []byte
}
