package schema

import (
	"context"
	"strings"

	"github.com/jackc/pgconn"

	"github.com/cipherstash/csproxy/pkg/csproxyerr"
	"github.com/cipherstash/csproxy/pkg/eqlmapper"
)

// encryptConfigTable is the catalog table the proxy reads per-column
// encryption configuration from, installed by the CipherStash extension
// migration into the target database.
const encryptConfigTable = "cipherstash.encrypt_config"

// NewPgconnSchemaFetcher builds a Fetcher that dials a dedicated
// out-of-band connection to connString and re-reads table/column shape
// from information_schema, reusing pgconn rather than database/sql so
// the proxy carries no additional SQL driver dependency beyond the one
// already used to authenticate to the upstream (pkg/wire/startup
// DialUpstream).
func NewPgconnSchemaFetcher(connString string) Fetcher {
	return func(ctx context.Context) (*eqlmapper.Schema, error) {
		conn, err := pgconn.Connect(ctx, connString)
		if err != nil {
			return nil, csproxyerr.Wrap(csproxyerr.KindUpstream, "", "schema fetch: failed to connect", err)
		}
		defer conn.Close(ctx)

		results, err := conn.Exec(ctx, `
			select table_schema, table_name, column_name, ordinal_position
			from information_schema.columns
			where table_schema not in ('pg_catalog', 'information_schema', 'cipherstash')
			order by table_schema, table_name, ordinal_position
		`).ReadAll()
		if err != nil {
			return nil, csproxyerr.Wrap(csproxyerr.KindUpstream, "", "schema fetch: query failed", err)
		}

		out := eqlmapper.NewSchema("")
		for _, result := range results {
			for _, row := range result.Rows {
				tableName := string(row[1])
				columnName := string(row[2])
				t, ok := out.Table(tableName, false)
				if !ok {
					t = &eqlmapper.Table{Name: tableName}
					out.AddTable(t)
				}
				t.Columns = append(t.Columns, eqlmapper.Column{Name: columnName, Kind: eqlmapper.ColumnNative})
			}
		}
		return out, nil
	}
}

// NewPgconnEncryptConfigFetcher builds a ConfigFetcher reading the
// encrypt_config catalog table installed by the CipherStash migration.
// IsTableMissing classifies the "relation does not exist" SQLSTATE
// (42P01) so EncryptConfigManager can distinguish a not-yet-migrated
// database from a genuine connectivity failure.
func NewPgconnEncryptConfigFetcher(connString string) ConfigFetcher {
	return func(ctx context.Context) (*EncryptConfig, error) {
		conn, err := pgconn.Connect(ctx, connString)
		if err != nil {
			return nil, csproxyerr.Wrap(csproxyerr.KindUpstream, "", "encrypt config fetch: failed to connect", err)
		}
		defer conn.Close(ctx)

		results, err := conn.Exec(ctx, `
			select table_name, column_name, cast, index_kind, is_unique
			from `+encryptConfigTable+`
		`).ReadAll()
		if err != nil {
			return nil, csproxyerr.Wrap(csproxyerr.KindUpstream, "", "encrypt config fetch: query failed", err)
		}

		cfg := newEmptyEncryptConfig()
		for _, result := range results {
			for _, row := range result.Rows {
				table := string(row[0])
				column := string(row[1])
				cast := eqlmapper.CastType(row[2])
				cols, ok := cfg.Tables[strings.ToLower(table)]
				if !ok {
					cols = make(map[string]eqlmapper.ColumnConfig)
					cfg.Tables[strings.ToLower(table)] = cols
				}
				cc := cols[column]
				cc.Cast = cast
				if len(row) > 3 && len(row[3]) > 0 {
					cc.Indexes = append(cc.Indexes, eqlmapper.IndexConfig{Kind: eqlmapper.IndexKind(row[3])})
				}
				cols[column] = cc
			}
		}
		return cfg, nil
	}
}

// IsTableMissing reports whether err is the SQLSTATE Postgres raises for
// a relation that does not exist, used as EncryptConfigManager's
// tableMiss predicate.
func IsTableMissing(err error) bool {
	var pgErr *pgconn.PgError
	if ok := errorsAs(err, &pgErr); ok {
		return pgErr.Code == "42P01"
	}
	return false
}

func errorsAs(err error, target **pgconn.PgError) bool {
	for err != nil {
		if e, ok := err.(*pgconn.PgError); ok {
			*target = e
			return true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}
