// Package wire frames and decodes PostgreSQL v3 protocol messages on top
// of jackc/pgproto3, and exposes the pre-startup message read and the
// in-place connection upgrade that the startup package's
// SSLRequest/CancelRequest handshake is built on.
//
// The codec never interprets payload contents beyond recovering the
// message tag from the concrete pgproto3 Go type: parsing of statement
// bodies is deferred entirely to the eqlmapper package.
package wire

import (
	"io"
	"net"
	"sync"

	"github.com/jackc/pgproto3/v2"

	"github.com/cipherstash/csproxy/pkg/csproxyerr"
)

// MaxMessageLength is the 256 MiB message-length bound. The codecs do
// not check it themselves; framing is left to pgproto3's chunk reader.
const MaxMessageLength = 256 * 1024 * 1024

// ClientCodec speaks the backend role of the protocol toward a connected
// client: it decodes frontend messages (Query, Parse, Bind, ...) and
// encodes backend messages (RowDescription, DataRow, ErrorResponse, ...).
type ClientCodec struct {
	backend *pgproto3.Backend
	conn    net.Conn
	sendMu  sync.Mutex
}

// NewClientCodec wraps conn for client-facing traffic. The supplied conn
// may be swapped for a *tls.Conn in place after a successful SSLRequest
// upgrade via Upgrade.
func NewClientCodec(conn net.Conn) *ClientCodec {
	return &ClientCodec{
		backend: pgproto3.NewBackend(pgproto3.NewChunkReader(conn), conn),
		conn:    conn,
	}
}

// Upgrade swaps the underlying connection (e.g. after a TLS handshake)
// and rebuilds the pgproto3 backend on top of it.
func (c *ClientCodec) Upgrade(conn net.Conn) {
	c.conn = conn
	c.backend = pgproto3.NewBackend(pgproto3.NewChunkReader(conn), conn)
}

// Conn returns the current underlying connection.
func (c *ClientCodec) Conn() net.Conn { return c.conn }

// ReceiveStartupMessage reads exactly one of StartupMessage, SSLRequest,
// CancelRequest, or GSSEncRequest from the client.
func (c *ClientCodec) ReceiveStartupMessage() (pgproto3.FrontendMessage, error) {
	msg, err := c.backend.ReceiveStartupMessage()
	if err != nil {
		return nil, translateReadErr(err)
	}
	return msg, nil
}

// Receive reads one frontend message in the post-startup phase.
func (c *ClientCodec) Receive() (pgproto3.FrontendMessage, error) {
	msg, err := c.backend.Receive()
	if err != nil {
		return nil, translateReadErr(err)
	}
	return msg, nil
}

// Send writes one backend message to the client. Safe for concurrent
// use: both connection pumps write to the client socket (one forwarding
// server responses, the other synthesizing proxy-local replies).
func (c *ClientCodec) Send(msg pgproto3.BackendMessage) error {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	if err := c.backend.Send(msg); err != nil {
		return csproxyerr.Wrap(csproxyerr.KindResource, "", "write to client failed", err)
	}
	return nil
}

// SetAuthType must be called before Receive for the first post-startup
// message so pgproto3 knows how to parse the client's password/SASL
// response; the proxy sets this to the method it challenges the client
// with.
func (c *ClientCodec) SetAuthType(authType uint32) {
	c.backend.SetAuthType(authType)
}

// ServerCodec speaks the frontend role of the protocol toward the
// upstream server: it encodes frontend messages and decodes backend
// messages.
type ServerCodec struct {
	frontend *pgproto3.Frontend
	conn     net.Conn
	sendMu   sync.Mutex
}

func NewServerCodec(conn net.Conn) *ServerCodec {
	return &ServerCodec{
		frontend: pgproto3.NewFrontend(pgproto3.NewChunkReader(conn), conn),
		conn:     conn,
	}
}

func (s *ServerCodec) Upgrade(conn net.Conn) {
	s.conn = conn
	s.frontend = pgproto3.NewFrontend(pgproto3.NewChunkReader(conn), conn)
}

func (s *ServerCodec) Conn() net.Conn { return s.conn }

// Send writes one frontend message to the server. Safe for concurrent
// use.
func (s *ServerCodec) Send(msg pgproto3.FrontendMessage) error {
	s.sendMu.Lock()
	defer s.sendMu.Unlock()
	if err := s.frontend.Send(msg); err != nil {
		return csproxyerr.Wrap(csproxyerr.KindResource, "", "write to upstream failed", err)
	}
	return nil
}

// Receive reads one backend message from the server.
func (s *ServerCodec) Receive() (pgproto3.BackendMessage, error) {
	msg, err := s.frontend.Receive()
	if err != nil {
		return nil, translateReadErr(err)
	}
	return msg, nil
}

func translateReadErr(err error) error {
	if err == io.EOF {
		return csproxyerr.ErrConnectionClosed
	}
	return csproxyerr.Wrap(csproxyerr.KindProtocol, "08P01", "malformed message", err)
}
