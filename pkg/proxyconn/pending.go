package proxyconn

import (
	"sync"

	"github.com/cipherstash/csproxy/pkg/eqlmapper"
)

// eqlTypeSlot is the per-column decrypt plan entry for one projected
// result column: nil for a Native column, else the resolved EqlType.
type eqlTypeSlot = eqlmapper.Type

// OpKind classifies one pipelined extended-protocol operation so the
// server->client pump knows how to interpret the next backend messages.
type OpKind int

const (
	OpParse OpKind = iota
	OpBind
	OpDescribeStatement
	OpDescribePortal
	OpExecute
	OpSimpleQuery // simple-query protocol: RowDescription?, DataRow*, CommandComplete
)

// PendingOp is one entry in the per-connection correlation FIFO:
// recorded when the client->server pump forwards a
// Parse/Bind/Describe/Execute, consumed by the server->client pump in
// order as the matching response(s) arrive.
type PendingOp struct {
	Kind          OpKind
	StatementName string // Parse, Describe(Statement)
	PortalName    string // Bind, Describe(Portal), Execute
	Plan          []eqlTypeSlot
}

// pendingQueue is a small FIFO; extended-protocol pipelining rarely
// queues more than a handful of operations before the client sends
// Sync, so a slice-backed queue is simpler and faster than a ring
// buffer here. The client pump pushes while the server pump pops, so
// every operation takes the mutex.
type pendingQueue struct {
	mu  sync.Mutex
	ops []PendingOp
}

func (q *pendingQueue) push(op PendingOp) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.ops = append(q.ops, op)
}

func (q *pendingQueue) pop() (PendingOp, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.ops) == 0 {
		return PendingOp{}, false
	}
	op := q.ops[0]
	q.ops = q.ops[1:]
	return op, true
}

func (q *pendingQueue) peek() (PendingOp, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.ops) == 0 {
		return PendingOp{}, false
	}
	return q.ops[0], true
}

func (q *pendingQueue) clear() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.ops = q.ops[:0]
}
