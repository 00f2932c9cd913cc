package proxyconn

import (
	"sync"
	"sync/atomic"

	"github.com/cipherstash/csproxy/pkg/auth"
	"github.com/cipherstash/csproxy/pkg/eqlmapper"
	"github.com/cipherstash/csproxy/pkg/session"
)

// TxStatus mirrors the one-byte trailing field of ReadyForQuery.
type TxStatus byte

const (
	TxIdle   TxStatus = 'I'
	TxInTxn  TxStatus = 'T'
	TxFailed TxStatus = 'E'
)

// Context is the single piece of shared state the client->server and
// server->client pumps communicate through. Both pumps touch it
// concurrently when the client pipelines extended-protocol batches: the
// client pump pushes pending ops while the server pump pops them, and
// the server pump advances transaction status while the client pump
// reads it. The cross-pump pieces (Pending, Stmts, transaction status)
// therefore carry their own locks; the remaining fields are touched by
// the client pump only.
type Context struct {
	ID         string
	RemoteAddr string

	Resolver *eqlmapper.TableResolver
	Session  session.State
	Stmts    *statementTable
	Pending  pendingQueue

	txMu     sync.Mutex
	txStatus TxStatus

	ClientKey   auth.BackendKey
	UpstreamKey auth.BackendKey

	// SkipUntilSync is set when a pipelined statement fails type-check
	// mid-batch; subsequent extended-protocol messages are discarded
	// without forwarding until the next Sync. Read and written by the
	// client pump only.
	SkipUntilSync bool

	mappingDisabledCount atomic.Int64 // diagnostic counter, not protocol-relevant
}

func newContext(id, remoteAddr string, schema *eqlmapper.Schema) *Context {
	return &Context{
		ID:         id,
		RemoteAddr: remoteAddr,
		Resolver:   eqlmapper.NewTableResolver(schema),
		Stmts:      newStatementTable(),
		txStatus:   TxIdle,
	}
}

// CurrentTx returns the last transaction status reported by the server.
func (c *Context) CurrentTx() TxStatus {
	c.txMu.Lock()
	defer c.txMu.Unlock()
	return c.txStatus
}

// SetTxStatus updates transaction status and, on a transition back to
// idle, invalidates unnamed statements and portals.
func (c *Context) SetTxStatus(s byte) {
	next := TxStatus(s)
	c.txMu.Lock()
	prev := c.txStatus
	c.txStatus = next
	c.txMu.Unlock()
	if next == TxIdle && prev != TxIdle {
		c.Stmts.invalidateUnnamed()
		c.Stmts.invalidateAllPortals()
	}
}
