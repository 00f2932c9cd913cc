package proxyconn

import (
	"testing"

	"github.com/cipherstash/csproxy/pkg/eqlmapper"
)

func TestStatementTableUnnamedOverwrite(t *testing.T) {
	tbl := newStatementTable()
	tbl.putStatement(&PreparedStatement{Name: "", Rewritten: "select 1"})
	tbl.putStatement(&PreparedStatement{Name: "", Rewritten: "select 2"})

	s, ok := tbl.statement("")
	if !ok || s.Rewritten != "select 2" {
		t.Fatalf("expected latest unnamed statement to win, got %+v", s)
	}
}

func TestStatementTableInvalidateUnnamed(t *testing.T) {
	tbl := newStatementTable()
	tbl.putStatement(&PreparedStatement{Name: ""})
	tbl.putStatement(&PreparedStatement{Name: "named"})
	tbl.putPortal(&Portal{Name: "", StatementName: ""})
	tbl.putPortal(&Portal{Name: "named_portal", StatementName: "named"})

	tbl.invalidateUnnamed()

	if _, ok := tbl.statement(""); ok {
		t.Fatal("unnamed statement should be invalidated")
	}
	if _, ok := tbl.portal(""); ok {
		t.Fatal("unnamed portal should be invalidated")
	}
	if _, ok := tbl.statement("named"); !ok {
		t.Fatal("named statement must survive invalidateUnnamed")
	}
	if _, ok := tbl.portal("named_portal"); !ok {
		t.Fatal("named portal must survive invalidateUnnamed")
	}
}

func TestStatementTableInvalidateAllPortals(t *testing.T) {
	tbl := newStatementTable()
	tbl.putPortal(&Portal{Name: "a"})
	tbl.putPortal(&Portal{Name: "b"})
	tbl.invalidateAllPortals()
	if _, ok := tbl.portal("a"); ok {
		t.Fatal("portal a should be gone")
	}
	if _, ok := tbl.portal("b"); ok {
		t.Fatal("portal b should be gone")
	}
}

func TestDecryptPlanOnlyMarksEqlColumns(t *testing.T) {
	stmt := &PreparedStatement{
		Checked: &eqlmapper.CheckedStatement{
			Projection: eqlmapper.ProjectionType{
				Items: []eqlmapper.ProjectionItem{
					{Alias: "id", Type: eqlmapper.NativeType{}},
					{Alias: "email", Type: eqlmapper.EqlType{Term: eqlmapper.FullTerm{
						Col: eqlmapper.ColumnRef{Table: "users", Column: "email"},
					}}},
				},
			},
		},
	}

	plan := stmt.decryptPlan()
	if len(plan) != 2 {
		t.Fatalf("expected plan of length 2, got %d", len(plan))
	}
	if plan[0] != nil {
		t.Fatalf("native column slot should be nil, got %v", plan[0])
	}
	if plan[1] == nil {
		t.Fatal("eql column slot should be non-nil")
	}
}

func TestDecryptPlanNilStatement(t *testing.T) {
	var stmt *PreparedStatement
	if plan := stmt.decryptPlan(); plan != nil {
		t.Fatalf("expected nil plan for nil statement, got %v", plan)
	}
}
