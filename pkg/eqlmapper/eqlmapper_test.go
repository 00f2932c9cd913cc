package eqlmapper

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testSchema() *Schema {
	s := NewSchema("public")
	s.AddTable(&Table{
		Name: "encrypted",
		Columns: []Column{
			{Name: "id", Kind: ColumnNative},
			{Name: "encrypted_text", Kind: ColumnEql, Config: ColumnConfig{
				Cast:    CastUtf8Str,
				Indexes: []IndexConfig{{Kind: IndexUnique}},
			}},
			{Name: "encrypted_ordered", Kind: ColumnEql, Config: ColumnConfig{
				Cast:    CastUtf8Str,
				Indexes: []IndexConfig{{Kind: IndexOre}},
			}},
		},
	})
	return s
}

func TestTraits(t *testing.T) {
	assert.Equal(t, TraitEq, Traits([]IndexConfig{{Kind: IndexUnique}}))
	assert.Equal(t, TraitOrd|TraitEq, Traits([]IndexConfig{{Kind: IndexOre}}))
	assert.True(t, (TraitEq | TraitOrd).Has(TraitEq))
	assert.False(t, TraitEq.Has(TraitOrd))
}

func TestTableResolverOverlay(t *testing.T) {
	base := testSchema()
	r := NewTableResolver(base)

	r.Apply(DDLChange{Kind: "alter_add_column", Table: "encrypted", NewColumn: Column{Name: "extra", Kind: ColumnNative}})
	tbl, ok := r.Resolve("encrypted")
	require.True(t, ok)
	_, found := tbl.Column("extra")
	assert.True(t, found)

	// base schema untouched
	baseTbl, _ := base.Table("encrypted", false)
	_, foundInBase := baseTbl.Column("extra")
	assert.False(t, foundInBase)
}

func TestInferEqualitySelect(t *testing.T) {
	r := NewTableResolver(testSchema())
	checked, err := Infer(r, `SELECT id, encrypted_text FROM encrypted WHERE encrypted_text = $1`)
	require.NoError(t, err)
	assert.True(t, checked.RequiresCheck)
	require.Len(t, checked.Params, 1)
	eqlType, ok := checked.Params[0].Type.(EqlType)
	require.True(t, ok, "expected param to be bound to an eql type, got %T", checked.Params[0].Type)
	assert.Equal(t, "encrypted_text", eqlType.Term.Column().Column)
}

func TestInferRejectsUnsupportedOperator(t *testing.T) {
	r := NewTableResolver(testSchema())
	// encrypted_text only has a Unique (Eq) index; ordering it should fail.
	_, err := Infer(r, `SELECT * FROM encrypted ORDER BY encrypted_text`)
	require.Error(t, err)
}

func TestInferOrderedSelectOnOreColumn(t *testing.T) {
	r := NewTableResolver(testSchema())
	_, err := Infer(r, `SELECT encrypted_ordered FROM encrypted ORDER BY encrypted_ordered`)
	require.NoError(t, err)
}

func TestInferBypassesSetStatement(t *testing.T) {
	r := NewTableResolver(testSchema())
	checked, err := Infer(r, `SET search_path = public`)
	require.NoError(t, err)
	assert.False(t, checked.RequiresCheck)
}

func TestInferRejectsMerge(t *testing.T) {
	r := NewTableResolver(testSchema())
	_, err := Infer(r, `MERGE INTO encrypted t USING encrypted s ON t.id = s.id WHEN MATCHED THEN DO NOTHING`)
	require.Error(t, err)
}
