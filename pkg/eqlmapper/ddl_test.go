package eqlmapper

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func applyAll(r *TableResolver, changes []DDLChange) {
	for _, ch := range changes {
		r.Apply(ch)
	}
}

func TestExtractDDLCreateTable(t *testing.T) {
	r := NewTableResolver(testSchema())
	checked, err := Infer(r, `CREATE TABLE notes (id bigint, body text)`)
	require.NoError(t, err)
	assert.False(t, checked.RequiresCheck)
	require.Len(t, checked.DDLChanges, 3)
	assert.Equal(t, "create_table", checked.DDLChanges[0].Kind)
	assert.Equal(t, "notes", checked.DDLChanges[0].Table)

	applyAll(r, checked.DDLChanges)
	tbl, ok := r.Resolve("notes")
	require.True(t, ok)
	_, found := tbl.Column("body")
	assert.True(t, found)
}

func TestExtractDDLAlterTableAddDropColumn(t *testing.T) {
	r := NewTableResolver(testSchema())

	checked, err := Infer(r, `ALTER TABLE encrypted ADD COLUMN note text`)
	require.NoError(t, err)
	applyAll(r, checked.DDLChanges)
	tbl, _ := r.Resolve("encrypted")
	_, found := tbl.Column("note")
	require.True(t, found)

	checked, err = Infer(r, `ALTER TABLE encrypted DROP COLUMN note`)
	require.NoError(t, err)
	applyAll(r, checked.DDLChanges)
	tbl, _ = r.Resolve("encrypted")
	_, found = tbl.Column("note")
	assert.False(t, found)
}

func TestExtractDDLDropTableTombstones(t *testing.T) {
	r := NewTableResolver(testSchema())
	checked, err := Infer(r, `DROP TABLE encrypted`)
	require.NoError(t, err)
	require.Len(t, checked.DDLChanges, 1)
	assert.Equal(t, "drop_table", checked.DDLChanges[0].Kind)

	applyAll(r, checked.DDLChanges)
	_, ok := r.Resolve("encrypted")
	assert.False(t, ok, "dropped table must not fall through to the base schema")
}

func TestExtractDDLRenameTable(t *testing.T) {
	r := NewTableResolver(testSchema())
	checked, err := Infer(r, `ALTER TABLE encrypted RENAME TO enc2`)
	require.NoError(t, err)
	applyAll(r, checked.DDLChanges)

	_, oldOK := r.Resolve("encrypted")
	assert.False(t, oldOK)
	tbl, newOK := r.Resolve("enc2")
	require.True(t, newOK)
	_, found := tbl.Column("encrypted_text")
	assert.True(t, found)
}

func TestExtractDDLRenameColumn(t *testing.T) {
	r := NewTableResolver(testSchema())
	checked, err := Infer(r, `ALTER TABLE encrypted RENAME COLUMN id TO ident`)
	require.NoError(t, err)
	applyAll(r, checked.DDLChanges)

	tbl, _ := r.Resolve("encrypted")
	_, oldFound := tbl.Column("id")
	assert.False(t, oldFound)
	_, newFound := tbl.Column("ident")
	assert.True(t, newFound)
}

func TestExtractDDLIgnoresNonSchemaStatements(t *testing.T) {
	r := NewTableResolver(testSchema())
	checked, err := Infer(r, `SET search_path = public`)
	require.NoError(t, err)
	assert.Empty(t, checked.DDLChanges)
}
