package auth

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCancelRegistryResolvesMatchingSecret(t *testing.T) {
	r := NewCancelRegistry()
	clientVisible := BackendKey{PID: 1, Secret: 42}
	upstream := BackendKey{PID: 9001, Secret: 777}
	r.Register(clientVisible, upstream)

	got, err := r.Resolve(clientVisible)
	require.NoError(t, err)
	assert.Equal(t, upstream, got)
}

func TestCancelRegistryRejectsWrongSecret(t *testing.T) {
	r := NewCancelRegistry()
	clientVisible := BackendKey{PID: 1, Secret: 42}
	r.Register(clientVisible, BackendKey{PID: 9001, Secret: 777})

	_, err := r.Resolve(BackendKey{PID: 1, Secret: 99})
	assert.ErrorIs(t, err, ErrCancelKeyMismatch)
}

func TestCancelRegistryRejectsUnknownPID(t *testing.T) {
	r := NewCancelRegistry()
	_, err := r.Resolve(BackendKey{PID: 404, Secret: 1})
	assert.ErrorIs(t, err, ErrCancelKeyMismatch)
}

func TestCancelRegistryUnregister(t *testing.T) {
	r := NewCancelRegistry()
	clientVisible := BackendKey{PID: 1, Secret: 42}
	r.Register(clientVisible, BackendKey{PID: 9001, Secret: 777})
	r.Unregister(clientVisible)

	_, err := r.Resolve(clientVisible)
	assert.ErrorIs(t, err, ErrCancelKeyMismatch)
}
