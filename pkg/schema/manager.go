// Package schema implements the two long-lived schema/config managers.
// Each periodically re-fetches its snapshot over a dedicated out-of-band
// connection and publishes it via atomic swap, so connection hot paths
// read it without taking a lock.
package schema

import (
	"context"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/cipherstash/csproxy/pkg/eqlmapper"
)

// Fetcher re-fetches table/column metadata from the upstream using a
// dedicated out-of-band connection. The
// concrete implementation (NewPgconnSchemaFetcher) reads Postgres's
// information_schema over a pgconn connection; it is injected here
// so this package stays free of a direct database/sql dependency.
type Fetcher func(ctx context.Context) (*eqlmapper.Schema, error)

// SchemaManager periodically re-fetches the schema and swaps a new
// snapshot in atomically; on failure it logs a warning and retains the
// prior snapshot.
type SchemaManager struct {
	snapshot atomic.Pointer[eqlmapper.Schema]
	fetch    Fetcher
	interval time.Duration
	log      *zap.Logger
}

func NewSchemaManager(fetch Fetcher, interval time.Duration, log *zap.Logger) *SchemaManager {
	m := &SchemaManager{fetch: fetch, interval: interval, log: log}
	m.snapshot.Store(eqlmapper.NewSchema(""))
	return m
}

// Current returns the most recently published snapshot. Readers never
// block writers and writers never block readers: this is a
// single atomic pointer load.
func (m *SchemaManager) Current() *eqlmapper.Schema {
	return m.snapshot.Load()
}

// Run starts the reload loop, first performing startup retries with
// exponential backoff, then ticking at
// m.interval until ctx is cancelled.
func (m *SchemaManager) Run(ctx context.Context) {
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

func (m *SchemaManager) startupRetry(ctx context.Context) {
	bo := NewBackoff()
	for {
		s, err := m.fetch(ctx)
		if err == nil {
			m.snapshot.Store(s)
			return
		}
		delay, ok := bo.Next()
		if !ok {
			m.log.Warn("schema manager startup retries exhausted, retaining empty snapshot", zap.Error(err))
			return
		}
		m.log.Warn("schema fetch failed, retrying", zap.Error(err), zap.Duration("delay", delay))
		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}
	}
}

func (m *SchemaManager) reloadOnce(ctx context.Context) {
	s, err := m.fetch(ctx)
	if err != nil {
		m.log.Warn("schema reload failed, retaining prior snapshot", zap.Error(err))
		return
	}
	m.snapshot.Store(s)
}
