package auth

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSignVerifyRoundTrip(t *testing.T) {
	s, err := NewSigner(WorkspaceCredentials{WorkspaceID: "ws_123", ClientAccessKey: []byte("secret-key")})
	require.NoError(t, err)

	token, err := s.Sign()
	require.NoError(t, err)

	got, err := s.Verify(token, time.Minute)
	require.NoError(t, err)
	assert.Equal(t, "ws_123", got.WorkspaceID)
}

func TestVerifyRejectsTamperedSignature(t *testing.T) {
	s, _ := NewSigner(WorkspaceCredentials{WorkspaceID: "ws_123", ClientAccessKey: []byte("secret-key")})
	token, _ := s.Sign()
	tampered := token[:len(token)-1] + "x"

	_, err := s.Verify(tampered, time.Minute)
	assert.ErrorIs(t, err, ErrAssertionInvalid)
}

func TestVerifyRejectsWrongKey(t *testing.T) {
	signer, _ := NewSigner(WorkspaceCredentials{WorkspaceID: "ws_123", ClientAccessKey: []byte("secret-key")})
	token, _ := signer.Sign()

	other, _ := NewSigner(WorkspaceCredentials{WorkspaceID: "ws_123", ClientAccessKey: []byte("different-key")})
	_, err := other.Verify(token, time.Minute)
	assert.ErrorIs(t, err, ErrAssertionInvalid)
}

func TestVerifyRejectsExpiredAssertion(t *testing.T) {
	s, _ := NewSigner(WorkspaceCredentials{WorkspaceID: "ws_123", ClientAccessKey: []byte("secret-key")})
	s.now = func() time.Time { return time.Now().Add(-time.Hour) }
	token, _ := s.Sign()
	s.now = time.Now

	_, err := s.Verify(token, time.Minute)
	assert.ErrorIs(t, err, ErrAssertionExpired)
}

func TestNewSignerRequiresKey(t *testing.T) {
	_, err := NewSigner(WorkspaceCredentials{WorkspaceID: "ws_123"})
	assert.ErrorIs(t, err, ErrMissingClientKey)
}

func TestGenerateSecretKeyUnique(t *testing.T) {
	a, err := GenerateSecretKey()
	require.NoError(t, err)
	b, err := GenerateSecretKey()
	require.NoError(t, err)
	assert.NotEqual(t, a, b)
}
