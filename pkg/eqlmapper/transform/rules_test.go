package transform

import (
	"testing"

	pg_query "github.com/pganalyze/pg_query_go/v6"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cipherstash/csproxy/pkg/eqlmapper"
)

func testSchema() *eqlmapper.Schema {
	s := eqlmapper.NewSchema("public")
	s.AddTable(&eqlmapper.Table{
		Name: "encrypted",
		Columns: []eqlmapper.Column{
			{Name: "id", Kind: eqlmapper.ColumnNative},
			{Name: "encrypted_text", Kind: eqlmapper.ColumnEql, Config: eqlmapper.ColumnConfig{
				Cast:    eqlmapper.CastUtf8Str,
				Indexes: []eqlmapper.IndexConfig{{Kind: eqlmapper.IndexUnique}},
			}},
			{Name: "encrypted_ordered", Kind: eqlmapper.ColumnEql, Config: eqlmapper.ColumnConfig{
				Cast:    eqlmapper.CastUtf8Str,
				Indexes: []eqlmapper.IndexConfig{{Kind: eqlmapper.IndexOre}},
			}},
		},
	})
	return s
}

func testResolver() *eqlmapper.TableResolver {
	return eqlmapper.NewTableResolver(testSchema())
}

// stubCipher stands in for the encryption pipeline: it never touches a
// real cipher, just
// proves the rule wired the literal's column name through to the
// replacement payload.
func stubCipher(lit eqlmapper.Literal) (string, error) {
	return `{"v":2,"c":"ciphertext-for-` + lit.Term.Column().Column + `"}`, nil
}

func deparse(t *testing.T, checked *eqlmapper.CheckedStatement) string {
	t.Helper()
	sql, err := pg_query.Deparse(checked.Tree)
	require.NoError(t, err)
	return sql
}

func TestWrapGroupedEqlColInAggregateFn(t *testing.T) {
	checked, err := eqlmapper.Infer(testResolver(), `SELECT encrypted_ordered FROM encrypted GROUP BY encrypted_ordered`)
	require.NoError(t, err)

	r := wrapGroupedEqlColInAggregateFn{}
	require.True(t, r.WouldEdit(checked))
	require.NoError(t, r.Apply(checked, nil))

	assert.Contains(t, deparse(t, checked), "eql_v2.ore")
}

func TestWrapGroupedEqlColInAggregateFnNoopWithoutGroupBy(t *testing.T) {
	checked, err := eqlmapper.Infer(testResolver(), `SELECT encrypted_ordered FROM encrypted`)
	require.NoError(t, err)

	r := wrapGroupedEqlColInAggregateFn{}
	assert.False(t, r.WouldEdit(checked))
}

func TestWrapEqlColsInOrderByWithOreFn(t *testing.T) {
	checked, err := eqlmapper.Infer(testResolver(), `SELECT encrypted_ordered FROM encrypted ORDER BY encrypted_ordered DESC`)
	require.NoError(t, err)

	r := wrapEqlColsInOrderByWithOreFn{}
	require.True(t, r.WouldEdit(checked))
	require.NoError(t, r.Apply(checked, nil))

	sql := deparse(t, checked)
	assert.Contains(t, sql, "eql_v2.ore")
	assert.Contains(t, sql, "DESC")
}

func TestReplacePlaintextEqlLiterals(t *testing.T) {
	checked, err := eqlmapper.Infer(testResolver(), `SELECT id FROM encrypted WHERE encrypted_text = 'hello@example.com'`)
	require.NoError(t, err)
	require.Len(t, checked.Literals, 1, "the WHERE-clause literal must be typed Eql against encrypted_text")

	r := replacePlaintextEqlLiterals{}
	require.True(t, r.WouldEdit(checked))
	require.NoError(t, r.Apply(checked, stubCipher))

	assert.Contains(t, deparse(t, checked), "ciphertext-for-encrypted_text")
}

func TestReplacePlaintextEqlLiteralsRequiresCipherFn(t *testing.T) {
	checked, err := eqlmapper.Infer(testResolver(), `SELECT id FROM encrypted WHERE encrypted_text = 'hello@example.com'`)
	require.NoError(t, err)

	r := replacePlaintextEqlLiterals{}
	err = r.Apply(checked, nil)
	assert.Error(t, err)
}

func TestUseEquivalentSqlFuncForEqlTypes(t *testing.T) {
	checked, err := eqlmapper.Infer(testResolver(),
		`SELECT encrypted_ordered, max(encrypted_ordered) FROM encrypted GROUP BY encrypted_ordered`)
	require.NoError(t, err)

	r := useEquivalentSqlFuncForEqlTypes{}
	require.True(t, r.WouldEdit(checked))
	require.NoError(t, r.Apply(checked, nil))

	assert.Contains(t, deparse(t, checked), "eql_v2.max")
}

func TestUseEquivalentSqlFuncForEqlTypesLeavesCountAlone(t *testing.T) {
	checked, err := eqlmapper.Infer(testResolver(), `SELECT count(*) FROM encrypted`)
	require.NoError(t, err)

	r := useEquivalentSqlFuncForEqlTypes{}
	assert.False(t, r.WouldEdit(checked))
}

func TestPipelineRunNoopForNativeOnlyQuery(t *testing.T) {
	checked, err := eqlmapper.Infer(testResolver(), `SELECT id FROM encrypted WHERE id = $1`)
	require.NoError(t, err)

	res, err := DefaultPipeline().Run(checked, nil)
	require.NoError(t, err)
	assert.False(t, res.Edited)
	assert.Equal(t, checked.RawSQL, res.SQL)
}

func TestPipelineRunEncryptsLiteralInWhereClause(t *testing.T) {
	checked, err := eqlmapper.Infer(testResolver(), `SELECT id FROM encrypted WHERE encrypted_text = 'hello@example.com'`)
	require.NoError(t, err)

	res, err := DefaultPipeline().Run(checked, stubCipher)
	require.NoError(t, err)
	assert.True(t, res.Edited)
	assert.Contains(t, res.SQL, "ciphertext-for-encrypted_text")
}
