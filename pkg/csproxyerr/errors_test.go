package csproxyerr

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSQLState(t *testing.T) {
	assert.Equal(t, "42703", SQLState(ErrUnknownColumn))
	assert.Equal(t, "XX000", SQLState(errors.New("plain")))

	wrapped := Wrap(KindTypeMapping, "42703", "unknown column foo", ErrUnknownColumn)
	assert.Equal(t, "42703", SQLState(wrapped))
}

func TestIsFatal(t *testing.T) {
	assert.True(t, IsFatal(ErrProtocolMalformed))
	assert.True(t, IsFatal(ErrAuthFailed))
	assert.False(t, IsFatal(ErrTypeCheckFailed))
	assert.False(t, IsFatal(errors.New("other")))
}

func TestUnwrap(t *testing.T) {
	inner := errors.New("dial tcp: refused")
	wrapped := Wrap(KindUpstream, "", "upstream dial failed", inner)
	require.ErrorIs(t, wrapped, inner)
}

func TestWithHintDetail(t *testing.T) {
	base := ErrUnknownKeyset
	withHint := base.WithHint("https://docs.cipherstash.com/errors/CS010")
	assert.Equal(t, "", base.Hint)
	assert.NotEqual(t, "", withHint.Hint)
}
