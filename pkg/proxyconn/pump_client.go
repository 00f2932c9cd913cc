package proxyconn

import (
	"context"
	"errors"
	"net"
	"time"

	"github.com/jackc/pgproto3/v2"

	"github.com/cipherstash/csproxy/pkg/audit"
	"github.com/cipherstash/csproxy/pkg/csproxyerr"
	"github.com/cipherstash/csproxy/pkg/eqlmapper"
	"github.com/cipherstash/csproxy/pkg/session"
)

// runClientPump is the client->server pump: read a client message,
// classify it, perform any proxy-local handling or AST rewrite, and
// forward zero or more messages to the server. Statement-level failures
// (type check, rewrite, session command, parameter encryption) are
// reported to the client via ErrorResponse and the pump keeps running;
// only connection-fatal errors are returned.
func (c *Connection) runClientPump(ctx context.Context) error {
	for {
		if c.deps.IdleTimeout > 0 {
			c.client.Conn().SetReadDeadline(time.Now().Add(c.deps.IdleTimeout))
		}
		msg, err := c.client.Receive()
		if err != nil {
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				return csproxyerr.ErrConnectionTimeout
			}
			return err
		}

		switch m := msg.(type) {
		case *pgproto3.Query:
			if err := c.handleSimpleQuery(ctx, m); err != nil {
				return err
			}
		case *pgproto3.Parse:
			if c.ctxSt.SkipUntilSync {
				continue
			}
			if err := c.handleParse(ctx, m); err != nil {
				return err
			}
		case *pgproto3.Bind:
			if err := c.handleBind(ctx, m); err != nil {
				return err
			}
		case *pgproto3.Describe:
			if err := c.handleDescribe(m); err != nil {
				return err
			}
		case *pgproto3.Execute:
			if err := c.handleExecute(m); err != nil {
				return err
			}
		case *pgproto3.Close:
			if c.ctxSt.SkipUntilSync {
				continue
			}
			c.handleClose(m)
			if err := c.upstream.Send(m); err != nil {
				return err
			}
		case *pgproto3.Sync:
			c.ctxSt.SkipUntilSync = false
			if err := c.upstream.Send(m); err != nil {
				return err
			}
		case *pgproto3.Terminate:
			c.upstream.Send(m)
			return csproxyerr.ErrConnectionClosed
		default:
			if c.ctxSt.SkipUntilSync {
				continue
			}
			if err := c.upstream.Send(msg); err != nil {
				return err
			}
		}
	}
}

// handleSimpleQuery handles session commands locally (they bypass the
// server entirely) and type-checks + rewrites everything else, for the
// simple-query protocol.
func (c *Connection) handleSimpleQuery(ctx context.Context, q *pgproto3.Query) error {
	if cmd, ok, err := session.Parse(q.String); ok {
		return c.runSessionCommand(cmd, err)
	}

	checked, err := eqlmapper.Infer(c.ctxSt.Resolver, q.String)
	if err != nil {
		c.recordDDL(checked)
		c.deps.Audit.Log(audit.Event{Type: audit.EventTypeCheckFailed, ConnID: c.ctxSt.ID, Reason: err.Error()})
		return c.simpleQueryError(err)
	}
	c.recordDDL(checked)

	stmt := &PreparedStatement{Checked: checked}
	if !checked.RequiresCheck || c.mappingDisabled() {
		c.ctxSt.Pending.push(PendingOp{Kind: OpSimpleQuery})
		return c.upstream.Send(&pgproto3.Query{String: q.String})
	}

	res, err := c.deps.TransformPipe.Run(checked, c.literalCipherFn(ctx, c.keysetID()))
	if err != nil {
		return c.simpleQueryError(csproxyerr.Wrap(csproxyerr.KindTypeMapping, "", "rewrite failed", err))
	}
	c.ctxSt.Pending.push(PendingOp{Kind: OpSimpleQuery, Plan: stmt.decryptPlan()})
	return c.upstream.Send(&pgproto3.Query{String: res.SQL})
}

func (c *Connection) recordDDL(checked *eqlmapper.CheckedStatement) {
	if checked == nil {
		return
	}
	for _, ch := range checked.DDLChanges {
		c.ctxSt.Resolver.Apply(ch)
	}
}

// runSessionCommand applies a recognized CIPHERSTASH.* command and
// replies with a synthetic CommandComplete + ReadyForQuery, never
// forwarding to the upstream. A malformed or rejected command fails
// only itself: the session state and the connection both survive.
func (c *Connection) runSessionCommand(cmd *session.Command, parseErr error) error {
	if parseErr != nil {
		return c.simpleQueryError(parseErr)
	}
	if err := c.deps.Dispatcher.Apply(&c.ctxSt.Session, cmd); err != nil {
		return c.simpleQueryError(err)
	}
	if cmd.Name == session.KeysetName {
		c.deps.Audit.Log(audit.Event{Type: audit.EventKeysetResolved, ConnID: c.ctxSt.ID, KeysetID: c.ctxSt.Session.KeysetID})
	}
	if err := c.client.Send(&pgproto3.CommandComplete{CommandTag: []byte("SET")}); err != nil {
		return err
	}
	return c.client.Send(&pgproto3.ReadyForQuery{TxStatus: byte(c.ctxSt.CurrentTx())})
}

// handleParse is the extended-protocol entry into the mapper: a
// named or unnamed Parse is type-checked and rewritten once, then its
// result is cached under the statement name for the Bind/Describe/
// Execute that follow.
func (c *Connection) handleParse(ctx context.Context, p *pgproto3.Parse) error {
	if cmd, ok, err := session.Parse(p.Query); ok {
		if err != nil {
			c.ctxSt.SkipUntilSync = true
			return c.statementError(err)
		}
		// Recognized session commands are never prepared statements in
		// practice (clients issue them as simple-query SET). On this
		// path the command is not applied and the Parse is not
		// forwarded: a statement record without a type-check result is
		// stored and ParseComplete is answered locally. handleBind and
		// handleExecute do not special-case such a statement.
		c.ctxSt.Stmts.putStatement(&PreparedStatement{Name: p.Name, Rewritten: p.Query})
		_ = cmd
		return c.client.Send(&pgproto3.ParseComplete{})
	}

	checked, err := eqlmapper.Infer(c.ctxSt.Resolver, p.Query)
	if err != nil {
		c.recordDDL(checked)
		c.ctxSt.SkipUntilSync = true
		c.deps.Audit.Log(audit.Event{Type: audit.EventTypeCheckFailed, ConnID: c.ctxSt.ID, Reason: err.Error()})
		return c.statementError(err)
	}
	c.recordDDL(checked)

	rewritten := p.Query
	if checked.RequiresCheck && !c.mappingDisabled() {
		res, err := c.deps.TransformPipe.Run(checked, c.literalCipherFn(ctx, c.keysetID()))
		if err != nil {
			c.ctxSt.SkipUntilSync = true
			return c.statementError(csproxyerr.Wrap(csproxyerr.KindTypeMapping, "", "rewrite failed", err))
		}
		rewritten = res.SQL
	}

	c.ctxSt.Stmts.putStatement(&PreparedStatement{Name: p.Name, Checked: checked, Rewritten: rewritten})
	if err := c.upstream.Send(&pgproto3.Parse{Name: p.Name, Query: rewritten, ParameterOIDs: p.ParameterOIDs}); err != nil {
		return err
	}
	c.ctxSt.Pending.push(PendingOp{Kind: OpParse, StatementName: p.Name})
	return nil
}

// handleBind encrypts parameter values bound to encrypted placeholders
// using the Params types the matching Parse inferred: in the extended
// protocol the values arrive here rather than in the statement text.
func (c *Connection) handleBind(ctx context.Context, b *pgproto3.Bind) error {
	if c.ctxSt.SkipUntilSync {
		return nil
	}
	stmt, ok := c.ctxSt.Stmts.statement(b.PreparedStatement)
	out := *b
	if ok && stmt.Checked != nil && len(stmt.Checked.Params) > 0 {
		params := make([][]byte, len(b.Parameters))
		copy(params, b.Parameters)
		formats := expandFormatCodes(b.ParameterFormatCodes, len(params))
		for _, p := range stmt.Checked.Params {
			if p.Number < 1 || p.Number > len(params) {
				continue
			}
			eqlType, isEql := p.Type.(eqlmapper.EqlType)
			if !isEql || params[p.Number-1] == nil {
				continue
			}
			textFormat := paramIsText(b.ParameterFormatCodes, p.Number-1)
			enc, err := c.encryptParam(ctx, c.keysetID(), eqlType.Term, params[p.Number-1], textFormat)
			if err != nil {
				c.ctxSt.SkipUntilSync = true
				return c.statementError(err)
			}
			params[p.Number-1] = enc
			// Ciphertext payloads are JSON text regardless of how the
			// client sent the plaintext.
			formats[p.Number-1] = 0
		}
		out.Parameters = params
		out.ParameterFormatCodes = formats
	}

	c.ctxSt.Stmts.putPortal(&Portal{Name: b.DestinationPortal, StatementName: b.PreparedStatement})
	if err := c.upstream.Send(&out); err != nil {
		return err
	}
	c.ctxSt.Pending.push(PendingOp{Kind: OpBind, PortalName: b.DestinationPortal})
	return nil
}

func paramIsText(codes []int16, idx int) bool {
	if len(codes) == 0 {
		return true
	}
	if len(codes) == 1 {
		return codes[0] == 0
	}
	if idx >= len(codes) {
		return true
	}
	return codes[idx] == 0
}

// expandFormatCodes normalizes the protocol's three format-code shapes
// (absent, one-for-all, per-parameter) into one explicit code per
// parameter, so an encrypted position can be switched to text without
// disturbing the format of any native parameter.
func expandFormatCodes(codes []int16, n int) []int16 {
	out := make([]int16, n)
	for i := range out {
		if !paramIsText(codes, i) {
			out[i] = 1
		}
	}
	return out
}

func (c *Connection) handleDescribe(d *pgproto3.Describe) error {
	if c.ctxSt.SkipUntilSync {
		return nil
	}
	kind := OpDescribeStatement
	if d.ObjectType == 'P' {
		kind = OpDescribePortal
	}
	if err := c.upstream.Send(d); err != nil {
		return err
	}
	c.ctxSt.Pending.push(PendingOp{Kind: kind, StatementName: d.Name, PortalName: d.Name})
	return nil
}

func (c *Connection) handleExecute(e *pgproto3.Execute) error {
	if c.ctxSt.SkipUntilSync {
		return nil
	}
	if err := c.upstream.Send(e); err != nil {
		return err
	}
	var plan []eqlTypeSlot
	if portal, ok := c.ctxSt.Stmts.portal(e.Portal); ok {
		if stmt, ok := c.ctxSt.Stmts.statement(portal.StatementName); ok {
			plan = stmt.decryptPlan()
		}
	}
	c.ctxSt.Pending.push(PendingOp{Kind: OpExecute, PortalName: e.Portal, Plan: plan})
	return nil
}

func (c *Connection) handleClose(cl *pgproto3.Close) {
	if cl.ObjectType == 'S' {
		c.ctxSt.Stmts.closeStatement(cl.Name)
	} else {
		c.ctxSt.Stmts.closePortal(cl.Name)
	}
}
