// Package startup implements the pre-protocol handshake:
// SSLRequest/CancelRequest/StartupMessage classification and TLS
// upgrade on the client side, and dialing + optional TLS + startup on
// the upstream side via jackc/pgconn's Hijack.
package startup

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"

	"github.com/jackc/pgconn"
	"github.com/jackc/pgproto3/v2"

	"github.com/cipherstash/csproxy/pkg/csproxyerr"
	"github.com/cipherstash/csproxy/pkg/wire"
)

// ClientHello is the result of negotiating the client-side pre-protocol
// phase: either a real connection request (Startup populated) or a
// cancel request that the caller must forward and then close.
type ClientHello struct {
	Startup *pgproto3.StartupMessage
	Cancel  *pgproto3.CancelRequest
}

// NegotiateClient classifies the client's pre-startup messages and
// performs the TLS upgrade when accepted. tlsConfig is nil if
// the proxy is not configured to terminate TLS.
func NegotiateClient(codec *wire.ClientCodec, tlsConfig *tls.Config) (*ClientHello, error) {
	for {
		msg, err := codec.ReceiveStartupMessage()
		if err != nil {
			return nil, err
		}
		switch m := msg.(type) {
		case *pgproto3.SSLRequest:
			if tlsConfig == nil {
				if _, err := codec.Conn().Write([]byte{'N'}); err != nil {
					return nil, csproxyerr.Wrap(csproxyerr.KindResource, "", "write SSL refusal failed", err)
				}
				continue
			}
			if _, err := codec.Conn().Write([]byte{'S'}); err != nil {
				return nil, csproxyerr.Wrap(csproxyerr.KindResource, "", "write SSL acceptance failed", err)
			}
			tlsConn := tls.Server(codec.Conn(), tlsConfig)
			if err := tlsConn.Handshake(); err != nil {
				return nil, csproxyerr.Wrap(csproxyerr.KindProtocol, "08P01", "client TLS handshake failed", err)
			}
			codec.Upgrade(tlsConn)
			continue
		case *pgproto3.CancelRequest:
			return &ClientHello{Cancel: m}, nil
		case *pgproto3.GSSEncRequest:
			if _, err := codec.Conn().Write([]byte{'N'}); err != nil {
				return nil, csproxyerr.Wrap(csproxyerr.KindResource, "", "write GSS refusal failed", err)
			}
			continue
		case *pgproto3.StartupMessage:
			return &ClientHello{Startup: m}, nil
		default:
			return nil, csproxyerr.ErrProtocolUnexpected.WithDetail(fmt.Sprintf("%T", msg))
		}
	}
}

// Upstream is a hijacked raw connection to the real PostgreSQL server,
// obtained via pgconn so the proxy inherits pgconn's SASL/MD5 auth
// handling for its own credentials without having to
// reimplement SCRAM itself.
type Upstream struct {
	Conn           net.Conn
	PID            uint32
	SecretKey      uint32
	ParameterStats map[string]string
}

// DialUpstream opens and authenticates the proxy's own connection to the
// upstream server using connString (built from Database config), then
// hijacks the raw connection out of pgconn so subsequent traffic flows
// through our own wire codec rather than pgconn's higher-level API.
func DialUpstream(ctx context.Context, connString string) (*Upstream, error) {
	cfg, err := pgconn.ParseConfig(connString)
	if err != nil {
		return nil, csproxyerr.Wrap(csproxyerr.KindConfiguration, "", "invalid upstream connection string", err)
	}
	pgConn, err := pgconn.ConnectConfig(ctx, cfg)
	if err != nil {
		return nil, csproxyerr.Wrap(csproxyerr.KindUpstream, "", "failed to connect to upstream", err)
	}
	hijacked, err := pgConn.Hijack()
	if err != nil {
		return nil, csproxyerr.Wrap(csproxyerr.KindUpstream, "", "failed to hijack upstream connection", err)
	}
	return &Upstream{
		Conn:           hijacked.Conn,
		PID:            uint32(hijacked.PID),
		SecretKey:      uint32(hijacked.SecretKey),
		ParameterStats: hijacked.ParameterStatuses,
	}, nil
}

// ForwardCancel dials a fresh connection to addr and writes the raw
// CancelRequest bytes: cancellation never reuses an existing
// connection because the server only accepts CancelRequest as the very
// first message on a new one.
func ForwardCancel(ctx context.Context, addr string, pid, secretKey uint32) error {
	d := net.Dialer{}
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return csproxyerr.Wrap(csproxyerr.KindUpstream, "", "failed to dial upstream for cancel", err)
	}
	defer conn.Close()

	frontend := pgproto3.NewFrontend(pgproto3.NewChunkReader(conn), conn)
	if err := frontend.Send(&pgproto3.CancelRequest{ProcessID: pid, SecretKey: secretKey}); err != nil {
		return csproxyerr.Wrap(csproxyerr.KindResource, "", "failed to write cancel request", err)
	}
	return nil
}
