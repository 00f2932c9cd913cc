package session

import (
	"github.com/google/uuid"

	"github.com/cipherstash/csproxy/pkg/csproxyerr"
)

// KeysetResolver resolves a symbolic KEYSET_NAME into its canonical UUID
// at SET time: the proxy
// never carries a bare name forward as a cache key.
type KeysetResolver func(name string) (uuid.UUID, error)

// Dispatcher applies parsed Commands to a connection's session State.
type Dispatcher struct {
	resolve KeysetResolver
}

func NewDispatcher(resolve KeysetResolver) *Dispatcher {
	return &Dispatcher{resolve: resolve}
}

// Apply mutates state according to cmd, or returns an error that the
// caller must turn into an ErrorResponse without touching state.
func (d *Dispatcher) Apply(state *State, cmd *Command) error {
	switch cmd.Name {
	case KeysetID:
		id, err := uuid.Parse(cmd.RawText)
		if err != nil {
			return csproxyerr.ErrSyntax.WithDetail("KEYSET_ID must be a UUID literal")
		}
		state.KeysetID = id.String()
		state.KeysetName = ""
		return nil
	case KeysetName:
		id, err := d.resolve(cmd.RawText)
		if err != nil {
			return csproxyerr.ErrUnknownKeyset.WithDetail(cmd.RawText)
		}
		state.KeysetID = id.String()
		state.KeysetName = cmd.RawText
		return nil
	case UnsafeDisableMapping:
		state.MappingDisabled = cmd.Bool
		return nil
	default:
		return csproxyerr.ErrSyntax.WithDetail("unrecognized CIPHERSTASH setting")
	}
}
