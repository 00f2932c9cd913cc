// Package localcipher provides a local/dev-mode ScopedCipher
// implementation: AES-256-GCM with PBKDF2 key derivation and rotation.
// In a production deployment the ScopedCipher interface would instead
// be satisfied by a client of CipherStash's ZeroKMS service; the proxy
// itself never computes production ciphertext bytes. This
// implementation exists so the proxy is runnable end-to-end against a
// local keyset without that external dependency, and so the
// encrypt/decrypt round-trip laws are testable in-process.
package localcipher

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"sync"

	"golang.org/x/crypto/pbkdf2"
	"golang.org/x/crypto/sha3"

	cipherpkg "github.com/cipherstash/csproxy/pkg/cipher"
)

const (
	keyLength  = 32
	nonceLength = 12
	pbkdf2Iterations = 100_000
)

// Cipher is a per-keyset AES-256-GCM scoped cipher. Each handle owns its
// own derived key and uses crypto/rand directly, so there is no shared
// RNG mutex for connections to contend on.
type Cipher struct {
	keysetID string
	mu       sync.RWMutex // guards key rotation only, never held across I/O
	key      []byte
	version  uint32
}

// New derives a Cipher's initial key from masterSecret and keysetID via
// PBKDF2, salted by the keyset so tenants never share key material.
func New(masterSecret []byte, keysetID string) *Cipher {
	salt := []byte("csproxy-keyset:" + keysetID)
	key := pbkdf2.Key(masterSecret, salt, pbkdf2Iterations, keyLength, sha3.New256)
	return &Cipher{keysetID: keysetID, key: key, version: 1}
}

// Rotate derives a new key version in place.
func (c *Cipher) Rotate(masterSecret []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.version++
	salt := []byte(fmt.Sprintf("csproxy-keyset:%s:v%d", c.keysetID, c.version))
	c.key = pbkdf2.Key(masterSecret, salt, pbkdf2Iterations, keyLength, sha3.New256)
}

func (c *Cipher) aead() (cipher.AEAD, error) {
	c.mu.RLock()
	key := c.key
	c.mu.RUnlock()
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}

// canonicalBytes renders a Plaintext to a canonical byte form per its
// cast type.
func canonicalBytes(p *cipherpkg.Plaintext) ([]byte, error) {
	switch p.Cast {
	case cipherpkg.CastUtf8Str:
		s, ok := p.Value.(string)
		if !ok {
			return nil, cipherpkg.ErrUnsupportedParameterType
		}
		return []byte(s), nil
	case cipherpkg.CastJsonB:
		return json.Marshal(p.Value)
	default:
		return json.Marshal(p.Value)
	}
}

// decanonicalize is the inverse of canonicalBytes: the cast recovered
// from the sealed envelope selects the concrete Go type, so a decrypted
// value compares equal to the plaintext that was encrypted.
func decanonicalize(cast cipherpkg.CastType, b []byte) (any, error) {
	switch cast {
	case cipherpkg.CastUtf8Str:
		return string(b), nil
	case cipherpkg.CastBoolean:
		var v bool
		if err := json.Unmarshal(b, &v); err != nil {
			return nil, cipherpkg.ErrPlaintextDecodeFailed
		}
		return v, nil
	case cipherpkg.CastInt, cipherpkg.CastSmallInt, cipherpkg.CastBigInt:
		var v int64
		if err := json.Unmarshal(b, &v); err != nil {
			return nil, cipherpkg.ErrPlaintextDecodeFailed
		}
		return v, nil
	case cipherpkg.CastBigUInt:
		var v uint64
		if err := json.Unmarshal(b, &v); err != nil {
			return nil, cipherpkg.ErrPlaintextDecodeFailed
		}
		return v, nil
	case cipherpkg.CastFloat, cipherpkg.CastDecimal:
		var f float64
		if err := json.Unmarshal(b, &f); err == nil {
			return f, nil
		}
		// Decimal literals arrive as their exact text form.
		var s string
		if err := json.Unmarshal(b, &s); err == nil {
			return s, nil
		}
		return nil, cipherpkg.ErrPlaintextDecodeFailed
	case cipherpkg.CastDate, cipherpkg.CastTimestamp:
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return nil, cipherpkg.ErrPlaintextDecodeFailed
		}
		return s, nil
	default:
		var v any
		if err := json.Unmarshal(b, &v); err != nil {
			return string(b), nil
		}
		return v, nil
	}
}

// EncryptBatch implements cipher.ScopedCipher.
func (c *Cipher) EncryptBatch(ctx context.Context, plaintexts []*cipherpkg.Plaintext, columns []*cipherpkg.Column) ([]*cipherpkg.Ciphertext, error) {
	if len(plaintexts) != len(columns) {
		return nil, fmt.Errorf("localcipher: plaintexts/columns length mismatch: %d != %d", len(plaintexts), len(columns))
	}
	aead, err := c.aead()
	if err != nil {
		return nil, err
	}
	out := make([]*cipherpkg.Ciphertext, len(plaintexts))
	for i, p := range plaintexts {
		if p == nil {
			continue
		}
		raw, err := canonicalBytes(p)
		if err != nil {
			return nil, err
		}
		// The cast rides inside the sealed envelope so decryption can
		// restore the value's concrete type without out-of-band state.
		env := make([]byte, 0, 1+len(p.Cast)+len(raw))
		env = append(env, byte(len(p.Cast)))
		env = append(env, []byte(p.Cast)...)
		env = append(env, raw...)
		nonce := make([]byte, nonceLength)
		if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
			return nil, err
		}
		sealed := aead.Seal(nonce, nonce, env, nil)
		col := columns[i]
		payload := cipherpkg.Payload{
			V: cipherpkg.CurrentPayloadVersion,
			I: cipherpkg.PayloadI{T: col.Table, C: col.Column},
			C: base64.RawStdEncoding.EncodeToString(sealed),
		}
		if col.Unique {
			payload.U = fmt.Sprintf("%x", sealed[:8])
		}
		if col.Ore {
			payload.O = []string{fmt.Sprintf("%x", sealed[:8])}
		}
		out[i] = &cipherpkg.Ciphertext{Payload: payload}
	}
	return out, nil
}

// DecryptBatch implements cipher.ScopedCipher.
func (c *Cipher) DecryptBatch(ctx context.Context, ciphertexts []*cipherpkg.Ciphertext) ([]*cipherpkg.Plaintext, error) {
	aead, err := c.aead()
	if err != nil {
		return nil, err
	}
	out := make([]*cipherpkg.Plaintext, len(ciphertexts))
	for i, ct := range ciphertexts {
		if ct == nil {
			continue
		}
		sealed, err := base64.RawStdEncoding.DecodeString(ct.Payload.C)
		if err != nil {
			return nil, cipherpkg.ErrPlaintextDecodeFailed
		}
		if len(sealed) < nonceLength {
			return nil, cipherpkg.ErrPlaintextDecodeFailed
		}
		nonce, ciphertext := sealed[:nonceLength], sealed[nonceLength:]
		env, err := aead.Open(nil, nonce, ciphertext, nil)
		if err != nil {
			return nil, cipherpkg.ErrPlaintextDecodeFailed
		}
		if len(env) < 1 || len(env) < 1+int(env[0]) {
			return nil, cipherpkg.ErrPlaintextDecodeFailed
		}
		cast := cipherpkg.CastType(env[1 : 1+int(env[0])])
		value, err := decanonicalize(cast, env[1+int(env[0]):])
		if err != nil {
			return nil, err
		}
		out[i] = &cipherpkg.Plaintext{Cast: cast, Value: value}
	}
	return out, nil
}

func (c *Cipher) Close() error { return nil }

var _ cipherpkg.ScopedCipher = (*Cipher)(nil)
