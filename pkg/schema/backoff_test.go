package schema

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBackoffDoublesUpToCap(t *testing.T) {
	bo := NewBackoff()
	want := []time.Duration{
		100 * time.Millisecond,
		200 * time.Millisecond,
		400 * time.Millisecond,
		800 * time.Millisecond,
		1600 * time.Millisecond,
		2 * time.Second,
		2 * time.Second,
		2 * time.Second,
		2 * time.Second,
		2 * time.Second,
	}
	for i, w := range want {
		d, ok := bo.Next()
		require.True(t, ok, "attempt %d", i)
		assert.Equal(t, w, d, "attempt %d", i)
	}
	_, ok := bo.Next()
	assert.False(t, ok, "attempts must exhaust after 10")
}

func TestBackoffReset(t *testing.T) {
	bo := NewBackoff()
	bo.Next()
	bo.Next()
	bo.Reset()
	d, ok := bo.Next()
	require.True(t, ok)
	assert.Equal(t, 100*time.Millisecond, d)
}
