// Package cipher implements the per-connection encryption pipeline: a
// ScopedCipher interface kept deliberately small so the actual
// cryptographic primitives remain a black-box collaborator, fronted by
// a bounded, TTL-expiring, single-flight-coalesced cache keyed by
// keyset identifier.
package cipher

import "context"

// Plaintext is the canonical in-memory representation of a value bound
// for encryption, tagged by its EQL cast type.
type Plaintext struct {
	Cast  CastType
	Value any // string, bool, int64, uint64, float64, []byte (decimal/date/timestamp text), or map[string]any (jsonb)
}

// CastType mirrors eqlmapper.CastType without importing that package,
// keeping pkg/cipher free of any SQL-parsing dependency (it is consumed
// by pkg/proxyconn, which also depends on eqlmapper and converts
// between the two — the duplication keeps the cipher an independent
// collaborator boundary).
type CastType string

const (
	CastUtf8Str   CastType = "utf8_str"
	CastBoolean   CastType = "boolean"
	CastInt       CastType = "int"
	CastSmallInt  CastType = "small_int"
	CastBigInt    CastType = "big_int"
	CastBigUInt   CastType = "big_uint"
	CastFloat     CastType = "float"
	CastDecimal   CastType = "decimal"
	CastDate      CastType = "date"
	CastTimestamp CastType = "timestamp"
	CastJsonB     CastType = "jsonb"
)

// Ciphertext is an encrypted EQL value ready to be rendered as the JSONB
// payload the database stores.
type Ciphertext struct {
	Payload Payload
}

// Column identifies the destination column for a Plaintext/Ciphertext,
// used to select index material.
type Column struct {
	Table  string
	Column string
	Cast   CastType
	Unique bool
	Match  bool
	Ore    bool
	SteVec bool
	SteVecPathPrefix string
}

// ScopedCipher performs batched encrypt/decrypt under one resolved
// keyset, without requiring re-authentication per call. Implementations
// must be safe for concurrent use by multiple connections sharing a
// keyset and must not serialize calls across connections on a shared
// mutex: the RNG and
// any credential refresh must be lock-free or scoped per handle.
type ScopedCipher interface {
	// EncryptBatch encrypts the non-nil entries of plaintexts
	// positionally; nil entries pass through as nil.
	EncryptBatch(ctx context.Context, plaintexts []*Plaintext, columns []*Column) ([]*Ciphertext, error)
	// DecryptBatch decrypts the non-nil entries of ciphertexts
	// positionally; nil entries pass through as nil.
	DecryptBatch(ctx context.Context, ciphertexts []*Ciphertext) ([]*Plaintext, error)
	// Close releases any per-handle resources (RNG state, credential
	// lease) held by this handle.
	Close() error
}
