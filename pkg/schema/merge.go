package schema

import "github.com/cipherstash/csproxy/pkg/eqlmapper"

// Merge folds an EncryptConfig snapshot onto a table/column shape
// snapshot, producing the Schema eqlmapper.Infer actually type-checks
// against: every column the config names becomes ColumnEql with its
// resolved ColumnConfig, everything else stays ColumnNative. Runs once
// per accepted connection rather than per query, so the cost of copying
// table/column slices is amortized.
func Merge(shape *eqlmapper.Schema, cfg *EncryptConfig) *eqlmapper.Schema {
	out := eqlmapper.NewSchema(shape.Name)
	for key, t := range shape.Tables {
		merged := &eqlmapper.Table{Name: t.Name, Columns: make([]eqlmapper.Column, len(t.Columns))}
		tableCfg := cfg.Tables[key]
		for i, col := range t.Columns {
			merged.Columns[i] = col
			if cc, ok := tableCfg[col.Name]; ok {
				merged.Columns[i].Kind = eqlmapper.ColumnEql
				merged.Columns[i].Config = cc
			}
		}
		out.AddTable(merged)
	}
	return out
}
