// Package proxyconn implements the per-connection state machine and
// supervisor: two concurrent pumps sharing a single Context,
// extended-protocol pending-op correlation, transaction status
// tracking, and the accept loop that spawns one Connection per inbound
// client socket.
package proxyconn

import (
	"context"
	"time"

	"github.com/jackc/pgproto3/v2"
	"go.uber.org/zap"

	"github.com/cipherstash/csproxy/pkg/audit"
	"github.com/cipherstash/csproxy/pkg/auth"
	"github.com/cipherstash/csproxy/pkg/cipher"
	"github.com/cipherstash/csproxy/pkg/csproxyerr"
	"github.com/cipherstash/csproxy/pkg/eqlmapper"
	"github.com/cipherstash/csproxy/pkg/eqlmapper/transform"
	"github.com/cipherstash/csproxy/pkg/session"
	"github.com/cipherstash/csproxy/pkg/wire"
	"github.com/cipherstash/csproxy/pkg/wire/startup"
)

// Deps bundles the collaborators a Connection needs that are shared
// across every connection the Supervisor accepts.
type Deps struct {
	Ciphers          *cipher.Pipeline
	Dispatcher       *session.Dispatcher
	Audit            *audit.Logger
	Cancel           *auth.CancelRegistry
	TransformPipe    *transform.Pipeline
	DefaultKeysetID  string
	MappingDisabled  bool
	IdleTimeout      time.Duration // 0 disables the client idle timeout
	Log              *zap.Logger
}

// Connection owns one client<->upstream pairing and the Context the
// two pumps share.
type Connection struct {
	deps Deps

	client   *wire.ClientCodec
	upstream *wire.ServerCodec

	ciphers *cipher.Pipeline
	ctxSt   *Context

	errCh chan error
}

// NewConnection wires a negotiated client and a dialed upstream into a
// single Connection ready to Run.
func NewConnection(id string, client *wire.ClientCodec, up *startup.Upstream, schema *eqlmapper.Schema, deps Deps) *Connection {
	c := &Connection{
		deps:     deps,
		client:   client,
		upstream: wire.NewServerCodec(up.Conn),
		ciphers:  deps.Ciphers,
		ctxSt:    newContext(id, client.Conn().RemoteAddr().String(), schema),
		errCh:    make(chan error, 2),
	}
	c.ctxSt.UpstreamKey = auth.BackendKey{PID: up.PID, Secret: up.SecretKey}
	return c
}

// Run drives the client->server and server->client pumps concurrently
// until either exits. Statement-level failures are absorbed inside the
// pumps; a pump only returns on connection-fatal conditions, and either
// pump exiting terminates both.
func (c *Connection) Run(ctx context.Context) error {
	c.deps.Audit.Log(audit.Event{Type: audit.EventConnectionOpened, ConnID: c.ctxSt.ID, RemoteAddr: c.ctxSt.RemoteAddr})
	defer c.deps.Audit.Log(audit.Event{Type: audit.EventConnectionClosed, ConnID: c.ctxSt.ID})

	go func() { c.errCh <- c.runClientPump(ctx) }()
	go func() { c.errCh <- c.runServerPump(ctx) }()

	err := <-c.errCh
	c.client.Conn().Close()
	c.upstream.Conn().Close()
	<-c.errCh // drain the second pump's exit
	if err != nil && csproxyerr.IsFatal(err) {
		c.deps.Log.Warn("connection closed with error", zap.String("conn_id", c.ctxSt.ID), zap.Error(err))
	}
	return err
}

func (c *Connection) keysetID() string {
	if c.ctxSt.Session.KeysetID != "" {
		return c.ctxSt.Session.KeysetID
	}
	return c.deps.DefaultKeysetID
}

func (c *Connection) mappingDisabled() bool {
	return c.deps.MappingDisabled || c.ctxSt.Session.MappingDisabled
}

// statementError reports a failed statement to the client. Non-fatal
// errors (type/mapping, encryption, session-command) fail only the
// statement: the ErrorResponse is sent and the pump keeps running.
// Fatal kinds are returned so Run tears the connection down after the
// client has seen the error.
func (c *Connection) statementError(err error) error {
	if sendErr := c.client.Send(errorResponseFor(err)); sendErr != nil {
		return sendErr
	}
	if csproxyerr.IsFatal(err) {
		return err
	}
	return nil
}

// simpleQueryError is statementError plus the ReadyForQuery a
// simple-query client waits for before it will issue another statement.
func (c *Connection) simpleQueryError(err error) error {
	if fatalErr := c.statementError(err); fatalErr != nil {
		return fatalErr
	}
	return c.client.Send(&pgproto3.ReadyForQuery{TxStatus: byte(c.ctxSt.CurrentTx())})
}
