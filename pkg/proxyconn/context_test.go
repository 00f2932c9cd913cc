package proxyconn

import (
	"testing"

	"github.com/cipherstash/csproxy/pkg/eqlmapper"
)

func TestNewContextDefaults(t *testing.T) {
	schema := eqlmapper.NewSchema("public")
	ctx := newContext("conn-1", "127.0.0.1:5432", schema)

	if ctx.ID != "conn-1" {
		t.Fatalf("expected ID conn-1, got %s", ctx.ID)
	}
	if ctx.CurrentTx() != TxIdle {
		t.Fatalf("expected fresh context to start idle, got %v", ctx.CurrentTx())
	}
	if ctx.Stmts == nil {
		t.Fatal("expected statement table to be initialized")
	}
	if ctx.Resolver == nil {
		t.Fatal("expected table resolver to be initialized")
	}
}

func TestSetTxStatusInvalidatesOnReturnToIdle(t *testing.T) {
	schema := eqlmapper.NewSchema("public")
	ctx := newContext("conn-1", "127.0.0.1:5432", schema)

	ctx.Stmts.putStatement(&PreparedStatement{Name: ""})
	ctx.Stmts.putPortal(&Portal{Name: "", StatementName: ""})
	ctx.Stmts.putPortal(&Portal{Name: "named"})

	ctx.SetTxStatus('T')
	if ctx.CurrentTx() != TxInTxn {
		t.Fatalf("expected TxInTxn, got %v", ctx.CurrentTx())
	}
	if _, ok := ctx.Stmts.statement(""); !ok {
		t.Fatal("unnamed statement should survive entering a transaction")
	}

	ctx.SetTxStatus('I')
	if ctx.CurrentTx() != TxIdle {
		t.Fatalf("expected TxIdle, got %v", ctx.CurrentTx())
	}
	if _, ok := ctx.Stmts.statement(""); ok {
		t.Fatal("unnamed statement should be invalidated on return to idle")
	}
	if _, ok := ctx.Stmts.portal("named"); ok {
		t.Fatal("all portals should be invalidated on return to idle")
	}
}

func TestSetTxStatusNoopWhenAlreadyIdle(t *testing.T) {
	schema := eqlmapper.NewSchema("public")
	ctx := newContext("conn-1", "127.0.0.1:5432", schema)
	ctx.Stmts.putStatement(&PreparedStatement{Name: ""})

	ctx.SetTxStatus('I')

	if _, ok := ctx.Stmts.statement(""); !ok {
		t.Fatal("idle-to-idle transition should not invalidate the unnamed statement")
	}
}
