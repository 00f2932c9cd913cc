package session

import (
	"errors"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseNonCommandPassesThrough(t *testing.T) {
	_, ok, err := Parse("SELECT 1")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestParseKeysetIDUnquotedForm(t *testing.T) {
	cmd, ok, err := Parse("SET CIPHERSTASH.KEYSET_ID = '7c2f6a9e-1b3d-4e5f-8a9b-0c1d2e3f4a5b'")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, KeysetID, cmd.Name)
	assert.Equal(t, "7c2f6a9e-1b3d-4e5f-8a9b-0c1d2e3f4a5b", cmd.RawText)
}

func TestParseKeysetNameQuotedForm(t *testing.T) {
	cmd, ok, err := Parse(`SET "CIPHERSTASH"."KEYSET_NAME" = 'tenant-a'`)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, KeysetName, cmd.Name)
	assert.Equal(t, "tenant-a", cmd.RawText)
}

func TestParseUnsafeDisableMapping(t *testing.T) {
	cmd, ok, err := Parse("set cipherstash.unsafe_disable_mapping = true")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, UnsafeDisableMapping, cmd.Name)
	assert.True(t, cmd.Bool)
}

func TestParseUnquotedKeysetIDIsError(t *testing.T) {
	_, ok, err := Parse("SET CIPHERSTASH.KEYSET_ID = 7c2f6a9e")
	assert.True(t, ok)
	assert.Error(t, err)
}

func TestDispatcherKeysetID(t *testing.T) {
	d := NewDispatcher(nil)
	st := &State{}
	id := uuid.New()
	err := d.Apply(st, &Command{Name: KeysetID, RawText: id.String()})
	require.NoError(t, err)
	assert.Equal(t, id.String(), st.KeysetID)
}

func TestDispatcherKeysetIDRejectsMalformedUUID(t *testing.T) {
	d := NewDispatcher(nil)
	st := &State{}
	err := d.Apply(st, &Command{Name: KeysetID, RawText: "not-a-uuid"})
	assert.Error(t, err)
}

func TestDispatcherKeysetNameResolution(t *testing.T) {
	want := uuid.New()
	d := NewDispatcher(func(name string) (uuid.UUID, error) {
		if name == "tenant-a" {
			return want, nil
		}
		return uuid.UUID{}, errors.New("unknown")
	})
	st := &State{}
	require.NoError(t, d.Apply(st, &Command{Name: KeysetName, RawText: "tenant-a"}))
	assert.Equal(t, want.String(), st.KeysetID)
	assert.Equal(t, "tenant-a", st.KeysetName)
}

func TestDispatcherUnknownKeysetNameErrors(t *testing.T) {
	d := NewDispatcher(func(name string) (uuid.UUID, error) { return uuid.UUID{}, errors.New("not found") })
	st := &State{}
	err := d.Apply(st, &Command{Name: KeysetName, RawText: "ghost"})
	assert.Error(t, err)
	assert.Empty(t, st.KeysetID)
}

func TestDispatcherUnsafeDisableMapping(t *testing.T) {
	d := NewDispatcher(nil)
	st := &State{}
	require.NoError(t, d.Apply(st, &Command{Name: UnsafeDisableMapping, Bool: true}))
	assert.True(t, st.MappingDisabled)
}
