package schema

import (
	"testing"

	"github.com/cipherstash/csproxy/pkg/eqlmapper"
)

func TestMergeMarksConfiguredColumnsEql(t *testing.T) {
	shape := eqlmapper.NewSchema("")
	shape.AddTable(&eqlmapper.Table{
		Name: "users",
		Columns: []eqlmapper.Column{
			{Name: "id", Kind: eqlmapper.ColumnNative},
			{Name: "email", Kind: eqlmapper.ColumnNative},
		},
	})

	cfg := &EncryptConfig{
		Tables: map[string]map[string]eqlmapper.ColumnConfig{
			"users": {
				"email": {Cast: eqlmapper.CastType("text")},
			},
		},
	}

	merged := Merge(shape, cfg)

	tbl, ok := merged.Table("users", false)
	if !ok {
		t.Fatal("expected users table to survive merge")
	}

	idCol, ok := tbl.Column("id")
	if !ok || idCol.Kind != eqlmapper.ColumnNative {
		t.Fatalf("expected id to remain native, got %+v", idCol)
	}

	emailCol, ok := tbl.Column("email")
	if !ok || emailCol.Kind != eqlmapper.ColumnEql {
		t.Fatalf("expected email to become eql, got %+v", emailCol)
	}
	if emailCol.Config.Cast != eqlmapper.CastType("text") {
		t.Fatalf("expected resolved cast to carry over, got %+v", emailCol.Config)
	}
}

func TestMergeWithEmptyConfigLeavesEverythingNative(t *testing.T) {
	shape := eqlmapper.NewSchema("")
	shape.AddTable(&eqlmapper.Table{
		Name:    "orders",
		Columns: []eqlmapper.Column{{Name: "total", Kind: eqlmapper.ColumnNative}},
	})

	merged := Merge(shape, newEmptyEncryptConfig())

	tbl, ok := merged.Table("orders", false)
	if !ok {
		t.Fatal("expected orders table to survive merge")
	}
	col, ok := tbl.Column("total")
	if !ok || col.Kind != eqlmapper.ColumnNative {
		t.Fatalf("expected total to remain native with no config, got %+v", col)
	}
}

func TestMergeDoesNotMutateInputShape(t *testing.T) {
	shape := eqlmapper.NewSchema("")
	shape.AddTable(&eqlmapper.Table{
		Name:    "users",
		Columns: []eqlmapper.Column{{Name: "email", Kind: eqlmapper.ColumnNative}},
	})
	cfg := &EncryptConfig{
		Tables: map[string]map[string]eqlmapper.ColumnConfig{
			"users": {"email": {Cast: eqlmapper.CastType("text")}},
		},
	}

	Merge(shape, cfg)

	tbl, _ := shape.Table("users", false)
	col, _ := tbl.Column("email")
	if col.Kind != eqlmapper.ColumnNative {
		t.Fatalf("expected original shape to be left untouched, got %+v", col)
	}
}
