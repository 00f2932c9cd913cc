package auth

import (
	"crypto/subtle"
	"sync"
)

// BackendKey is the (pid, secret) pair Postgres uses to authorize a
// CancelRequest.
type BackendKey struct {
	PID    uint32
	Secret uint32
}

// CancelRegistry maps the client-visible BackendKey the proxy hands out
// in its own BackendKeyData to the real upstream's BackendKey: the
// proxy re-keys
// rather than passing the upstream's pair straight through, so a client
// can never forge a cancellation against a connection it does not own
// by guessing another backend's real upstream secret.
type CancelRegistry struct {
	mu      sync.RWMutex
	entries map[BackendKey]BackendKey // client-visible -> upstream
}

func NewCancelRegistry() *CancelRegistry {
	return &CancelRegistry{entries: make(map[BackendKey]BackendKey)}
}

// Register records the mapping for one connection's lifetime. The
// supervisor mints the client-visible secret via GenerateSecretKey and
// keeps the upstream's pid; only the secret differs from the upstream's.
func (r *CancelRegistry) Register(clientVisible, upstream BackendKey) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries[clientVisible] = upstream
}

func (r *CancelRegistry) Unregister(clientVisible BackendKey) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.entries, clientVisible)
}

// Resolve authorizes an incoming CancelRequest by constant-time
// comparing its secret against the registered one for that pid (a
// timing side-channel on secret comparison would let an attacker guess
// another client's cancel key bit-by-bit), returning the real upstream
// key to forward the cancellation to.
func (r *CancelRegistry) Resolve(req BackendKey) (BackendKey, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for cv, upstream := range r.entries {
		if cv.PID != req.PID {
			continue
		}
		if subtle.ConstantTimeEq(int32(cv.Secret), int32(req.Secret)) == 1 {
			return upstream, nil
		}
		return BackendKey{}, ErrCancelKeyMismatch
	}
	return BackendKey{}, ErrCancelKeyMismatch
}
