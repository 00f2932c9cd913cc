package proxyconn

import (
	"context"

	"github.com/jackc/pgproto3/v2"
)

// runServerPump is the server->client pump: read a
// server message; if it is a RowDescription/DataRow attached to an
// operation with encrypted columns, rewrite it; forward to the client.
//
// ParameterDescription is
// forwarded unrewritten — the proxy does not currently report
// encrypted-parameter OIDs back to the client as a distinct pseudo-type,
// matching real eql_v2 deployments where the client already knows the
// placeholder's native type from its own query text.
func (c *Connection) runServerPump(ctx context.Context) error {
	var activePlan []eqlTypeSlot
	// discardRows is set after a decrypt failure mid-result: the
	// ErrorResponse has already been sent, so the remaining DataRows of
	// that result are dropped rather than forwarded half-decrypted.
	discardRows := false

	for {
		msg, err := c.upstream.Receive()
		if err != nil {
			return err
		}

		switch m := msg.(type) {
		case *pgproto3.ParseComplete:
			c.ctxSt.Pending.pop()
			if err := c.client.Send(m); err != nil {
				return err
			}
		case *pgproto3.BindComplete:
			c.ctxSt.Pending.pop()
			if err := c.client.Send(m); err != nil {
				return err
			}
		case *pgproto3.ParameterDescription:
			if err := c.client.Send(m); err != nil {
				return err
			}
		case *pgproto3.NoData:
			c.ctxSt.Pending.pop()
			if err := c.client.Send(m); err != nil {
				return err
			}
		case *pgproto3.RowDescription:
			if op, ok := c.ctxSt.Pending.peek(); ok && op.Kind == OpSimpleQuery {
				activePlan = op.Plan
			} else {
				c.ctxSt.Pending.pop()
			}
			if err := c.client.Send(m); err != nil {
				return err
			}
		case *pgproto3.DataRow:
			if discardRows {
				continue
			}
			if op, ok := c.ctxSt.Pending.peek(); ok && op.Kind == OpExecute {
				activePlan = op.Plan
			}
			rewritten, err := c.rewriteDataRow(ctx, m, activePlan)
			if err != nil {
				if fatalErr := c.statementError(err); fatalErr != nil {
					return fatalErr
				}
				discardRows = true
				continue
			}
			if err := c.client.Send(rewritten); err != nil {
				return err
			}
		case *pgproto3.CommandComplete:
			c.ctxSt.Pending.pop()
			activePlan = nil
			discardRows = false
			if err := c.client.Send(m); err != nil {
				return err
			}
		case *pgproto3.PortalSuspended:
			if err := c.client.Send(m); err != nil {
				return err
			}
		case *pgproto3.EmptyQueryResponse:
			c.ctxSt.Pending.pop()
			activePlan = nil
			discardRows = false
			if err := c.client.Send(m); err != nil {
				return err
			}
		case *pgproto3.ReadyForQuery:
			c.ctxSt.SetTxStatus(m.TxStatus)
			if err := c.client.Send(m); err != nil {
				return err
			}
		case *pgproto3.ErrorResponse:
			c.ctxSt.Pending.pop()
			activePlan = nil
			discardRows = false
			if err := c.client.Send(m); err != nil {
				return err
			}
		default:
			if err := c.client.Send(msg); err != nil {
				return err
			}
		}
	}
}

// rewriteDataRow decrypts every field whose projected column carries an
// EqlType, leaving native fields untouched.
func (c *Connection) rewriteDataRow(ctx context.Context, row *pgproto3.DataRow, plan []eqlTypeSlot) (*pgproto3.DataRow, error) {
	if len(plan) == 0 {
		return row, nil
	}
	out := &pgproto3.DataRow{Values: make([][]byte, len(row.Values))}
	copy(out.Values, row.Values)
	for i, v := range row.Values {
		if v == nil || i >= len(plan) || plan[i] == nil {
			continue
		}
		dec, err := c.decryptResultValue(ctx, c.keysetID(), v)
		if err != nil {
			return nil, err
		}
		out.Values[i] = dec
	}
	return out, nil
}
