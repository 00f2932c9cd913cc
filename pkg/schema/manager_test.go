package schema

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/cipherstash/csproxy/pkg/eqlmapper"
)

func TestSchemaManagerPublishesSnapshot(t *testing.T) {
	s := eqlmapper.NewSchema("public")
	m := NewSchemaManager(func(ctx context.Context) (*eqlmapper.Schema, error) {
		return s, nil
	}, time.Hour, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go m.Run(ctx)

	require.Eventually(t, func() bool {
		return m.Current() == s
	}, time.Second, 5*time.Millisecond)
}

func TestSchemaManagerRetainsPriorSnapshotOnFailure(t *testing.T) {
	good := eqlmapper.NewSchema("public")
	var calls int32
	m := NewSchemaManager(func(ctx context.Context) (*eqlmapper.Schema, error) {
		n := atomic.AddInt32(&calls, 1)
		if n == 1 {
			return good, nil
		}
		return nil, errors.New("upstream unreachable")
	}, 10*time.Millisecond, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go m.Run(ctx)

	require.Eventually(t, func() bool { return m.Current() == good }, time.Second, 5*time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	assert.Same(t, good, m.Current())
}

func TestSchemaManagerStartupRetryExhausts(t *testing.T) {
	m := NewSchemaManager(func(ctx context.Context) (*eqlmapper.Schema, error) {
		return nil, errors.New("always fails")
	}, time.Hour, zap.NewNop())

	// startupRetry uses NewBackoff's policy: its ten delays
	// (100+200+400+800+1600ms, then 5 x 2s) total 13.1s.
	ctx := context.Background()
	done := make(chan struct{})
	go func() {
		m.startupRetry(ctx)
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(20 * time.Second):
		t.Fatal("startupRetry did not return after exhausting attempts")
	}
	assert.NotNil(t, m.Current())
}

func TestEncryptConfigManagerTableMissing(t *testing.T) {
	errTableMissing := errors.New("relation cipherstash.encrypt_config does not exist")
	m := NewEncryptConfigManager(
		func(ctx context.Context) (*EncryptConfig, error) { return nil, errTableMissing },
		time.Hour,
		zap.NewNop(),
		func(err error) bool { return errors.Is(err, errTableMissing) },
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	m.startupRetry(ctx)

	cfg := m.Current()
	require.NotNil(t, cfg)
	assert.Empty(t, cfg.Tables)
}

func TestEncryptConfigManagerPublishesSnapshot(t *testing.T) {
	want := &EncryptConfig{Tables: map[string]map[string]eqlmapper.ColumnConfig{
		"users": {"email": {Mode: eqlmapper.ModeAlwaysEncrypted}},
	}}
	m := NewEncryptConfigManager(func(ctx context.Context) (*EncryptConfig, error) {
		return want, nil
	}, time.Hour, zap.NewNop(), nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go m.Run(ctx)

	require.Eventually(t, func() bool { return m.Current() == want }, time.Second, 5*time.Millisecond)
}
