package schema

import (
	"context"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/cipherstash/csproxy/pkg/eqlmapper"
)

// EncryptConfig is the resolved per-column encryption configuration
// fetched from the catalog table.
type EncryptConfig struct {
	Tables map[string]map[string]eqlmapper.ColumnConfig
}

func newEmptyEncryptConfig() *EncryptConfig {
	return &EncryptConfig{Tables: map[string]map[string]eqlmapper.ColumnConfig{}}
}

// ConfigFetcher re-fetches EncryptConfig rows from the catalog table
// using the same out-of-band connection as the schema fetch.
type ConfigFetcher func(ctx context.Context) (*EncryptConfig, error)

// EncryptConfigManager mirrors SchemaManager's atomic-swap reload loop
// but additionally tolerates the catalog table being entirely absent at
// startup (a fresh database with the CipherStash extension not yet
// migrated in): the table being absent logs a distinct warning and the
// manager keeps serving an empty config rather than failing startup.
type EncryptConfigManager struct {
	snapshot  atomic.Pointer[EncryptConfig]
	fetch     ConfigFetcher
	interval  time.Duration
	log       *zap.Logger
	tableMiss func(error) bool
}

func NewEncryptConfigManager(fetch ConfigFetcher, interval time.Duration, log *zap.Logger, tableMiss func(error) bool) *EncryptConfigManager {
	m := &EncryptConfigManager{fetch: fetch, interval: interval, log: log, tableMiss: tableMiss}
	m.snapshot.Store(newEmptyEncryptConfig())
	return m
}

func (m *EncryptConfigManager) Current() *EncryptConfig {
	return m.snapshot.Load()
}

func (m *EncryptConfigManager) Run(ctx context.Context) {
	m.startupRetry(ctx)

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.reloadOnce(ctx)
		}
	}
}

func (m *EncryptConfigManager) startupRetry(ctx context.Context) {
	bo := NewBackoff()
	for {
		cfg, err := m.fetch(ctx)
		if err == nil {
			m.snapshot.Store(cfg)
			return
		}
		if m.tableMiss != nil && m.tableMiss(err) {
			m.log.Warn("encrypt config table not found, serving empty config", zap.Error(err))
			return
		}
		delay, ok := bo.Next()
		if !ok {
			m.log.Warn("encrypt config manager startup retries exhausted, retaining empty config", zap.Error(err))
			return
		}
		m.log.Warn("encrypt config fetch failed, retrying", zap.Error(err), zap.Duration("delay", delay))
		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}
	}
}

func (m *EncryptConfigManager) reloadOnce(ctx context.Context) {
	cfg, err := m.fetch(ctx)
	if err != nil {
		if m.tableMiss != nil && m.tableMiss(err) {
			m.log.Warn("encrypt config table missing on reload, retaining prior config", zap.Error(err))
			return
		}
		m.log.Warn("encrypt config reload failed, retaining prior config", zap.Error(err))
		return
	}
	m.snapshot.Store(cfg)
}
