// Package auth implements the proxy's two authentication surfaces: a
// signed client-assertion envelope presented to the workspace/KMS
// collaborator at startup, and the
// constant-time CancelRequest (pid, secret) comparison used to
// authorize a client-issued cancel against the registry in
// pkg/proxyconn. The proxy has no user accounts of its own, so there is
// no session or password machinery here.
package auth

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

var (
	ErrMissingClientKey  = errors.New("auth.client_access_key not configured")
	ErrAssertionExpired  = errors.New("client assertion expired")
	ErrAssertionInvalid  = errors.New("client assertion signature invalid")
	ErrCancelKeyMismatch = errors.New("cancel request secret does not match registered connection")
)

// WorkspaceCredentials are the two auth.* config keys: the workspace
// identifier and the shared client access key
// used to sign assertions presented to the KMS collaborator.
type WorkspaceCredentials struct {
	WorkspaceID     string
	ClientAccessKey []byte
}

// Assertion is the signed envelope sent as part of the KMS
// collaborator's client-credential handshake, a payload.signature token
// carrying the two claims
// the collaborator actually needs: which workspace is calling, and
// when the assertion was minted (collaborators reject stale ones).
type Assertion struct {
	WorkspaceID string `json:"workspace_id"`
	IssuedAt    int64  `json:"iat"`
}

// Signer mints and verifies Assertions for one workspace's credentials.
type Signer struct {
	creds WorkspaceCredentials
	now   func() time.Time
}

func NewSigner(creds WorkspaceCredentials) (*Signer, error) {
	if len(creds.ClientAccessKey) == 0 {
		return nil, ErrMissingClientKey
	}
	return &Signer{creds: creds, now: time.Now}, nil
}

// Sign produces a base64url(payload).base64url(signature) token signed
// with HMAC-SHA256.
func (s *Signer) Sign() (string, error) {
	payload := Assertion{WorkspaceID: s.creds.WorkspaceID, IssuedAt: s.now().Unix()}
	body, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("auth: marshal assertion: %w", err)
	}
	encBody := base64.RawURLEncoding.EncodeToString(body)
	sig := s.sign(encBody)
	return encBody + "." + base64.RawURLEncoding.EncodeToString(sig), nil
}

func (s *Signer) sign(encBody string) []byte {
	mac := hmac.New(sha256.New, s.creds.ClientAccessKey)
	mac.Write([]byte(encBody))
	return mac.Sum(nil)
}

// Verify checks signature and freshness (maxAge) of a token minted by
// Sign, returning the decoded Assertion.
func (s *Signer) Verify(token string, maxAge time.Duration) (*Assertion, error) {
	encBody, encSig, ok := splitToken(token)
	if !ok {
		return nil, ErrAssertionInvalid
	}
	sig, err := base64.RawURLEncoding.DecodeString(encSig)
	if err != nil {
		return nil, ErrAssertionInvalid
	}
	want := s.sign(encBody)
	if subtle.ConstantTimeCompare(sig, want) != 1 {
		return nil, ErrAssertionInvalid
	}
	body, err := base64.RawURLEncoding.DecodeString(encBody)
	if err != nil {
		return nil, ErrAssertionInvalid
	}
	var a Assertion
	if err := json.Unmarshal(body, &a); err != nil {
		return nil, ErrAssertionInvalid
	}
	if maxAge > 0 {
		age := s.now().Sub(time.Unix(a.IssuedAt, 0))
		if age > maxAge || age < -time.Minute {
			return nil, ErrAssertionExpired
		}
	}
	return &a, nil
}

func splitToken(token string) (body, sig string, ok bool) {
	for i := len(token) - 1; i >= 0; i-- {
		if token[i] == '.' {
			return token[:i], token[i+1:], true
		}
	}
	return "", "", false
}

// GenerateSecretKey produces a random 32-bit secret for a new
// BackendKeyData, mirroring real Postgres's use of an
// unpredictable-but-not-cryptographically-sensitive cancel secret.
func GenerateSecretKey() (uint32, error) {
	var b [4]byte
	if _, err := rand.Read(b[:]); err != nil {
		return 0, fmt.Errorf("auth: generate secret key: %w", err)
	}
	return uint32(b[0])<<24 | uint32(b[1])<<16 | uint32(b[2])<<8 | uint32(b[3]), nil
}
