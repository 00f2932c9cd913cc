package eqlmapper

import (
	pg_query "github.com/pganalyze/pg_query_go/v6"
)

// ExtractDDL derives the overlay changes a schema-affecting statement
// implies, so the TableResolver can reflect in-transaction DDL before
// the managers re-fetch the real schema. Statements with no
// schema effect yield nil.
func ExtractDDL(node *pg_query.Node) []DDLChange {
	switch n := node.Node.(type) {
	case *pg_query.Node_CreateStmt:
		return extractCreateTable(n.CreateStmt)
	case *pg_query.Node_ViewStmt:
		if n.ViewStmt.View == nil {
			return nil
		}
		// The view's projection is not resolvable without executing its
		// query; register the relation name so references to it resolve,
		// with columns filled in at the next schema reload.
		return []DDLChange{{Kind: "create_table", Table: n.ViewStmt.View.Relname}}
	case *pg_query.Node_DropStmt:
		return extractDrop(n.DropStmt)
	case *pg_query.Node_AlterTableStmt:
		return extractAlterTable(n.AlterTableStmt)
	case *pg_query.Node_RenameStmt:
		return extractRename(n.RenameStmt)
	default:
		return nil
	}
}

func extractCreateTable(stmt *pg_query.CreateStmt) []DDLChange {
	if stmt.Relation == nil {
		return nil
	}
	table := stmt.Relation.Relname
	changes := []DDLChange{{Kind: "create_table", Table: table}}
	for _, elt := range stmt.TableElts {
		cd, ok := elt.Node.(*pg_query.Node_ColumnDef)
		if !ok {
			continue
		}
		changes = append(changes, DDLChange{
			Kind:      "alter_add_column",
			Table:     table,
			NewColumn: Column{Name: cd.ColumnDef.Colname, Kind: ColumnNative},
		})
	}
	return changes
}

func extractDrop(stmt *pg_query.DropStmt) []DDLChange {
	if stmt.RemoveType != pg_query.ObjectType_OBJECT_TABLE && stmt.RemoveType != pg_query.ObjectType_OBJECT_VIEW {
		return nil
	}
	var changes []DDLChange
	for _, obj := range stmt.Objects {
		list, ok := obj.Node.(*pg_query.Node_List)
		if !ok {
			continue
		}
		// Schema-qualified names arrive as a list of strings; the
		// relation name is the last element.
		name := ""
		for _, item := range list.List.Items {
			if s, ok := item.Node.(*pg_query.Node_String_); ok {
				name = s.String_.Sval
			}
		}
		if name != "" {
			changes = append(changes, DDLChange{Kind: "drop_table", Table: name})
		}
	}
	return changes
}

func extractAlterTable(stmt *pg_query.AlterTableStmt) []DDLChange {
	if stmt.Relation == nil {
		return nil
	}
	table := stmt.Relation.Relname
	var changes []DDLChange
	for _, c := range stmt.Cmds {
		cmd, ok := c.Node.(*pg_query.Node_AlterTableCmd)
		if !ok {
			continue
		}
		switch cmd.AlterTableCmd.Subtype {
		case pg_query.AlterTableType_AT_AddColumn:
			cd, ok := cmd.AlterTableCmd.Def.GetNode().(*pg_query.Node_ColumnDef)
			if !ok {
				continue
			}
			changes = append(changes, DDLChange{
				Kind:      "alter_add_column",
				Table:     table,
				NewColumn: Column{Name: cd.ColumnDef.Colname, Kind: ColumnNative},
			})
		case pg_query.AlterTableType_AT_DropColumn:
			changes = append(changes, DDLChange{
				Kind:   "alter_drop_column",
				Table:  table,
				Column: cmd.AlterTableCmd.Name,
			})
		}
	}
	return changes
}

func extractRename(stmt *pg_query.RenameStmt) []DDLChange {
	switch stmt.RenameType {
	case pg_query.ObjectType_OBJECT_TABLE:
		if stmt.Relation == nil {
			return nil
		}
		return []DDLChange{{Kind: "rename_table", Table: stmt.Relation.Relname, NewName: stmt.Newname}}
	case pg_query.ObjectType_OBJECT_COLUMN:
		if stmt.Relation == nil {
			return nil
		}
		return []DDLChange{{
			Kind:    "rename_column",
			Table:   stmt.Relation.Relname,
			Column:  stmt.Subname,
			NewName: stmt.Newname,
		}}
	default:
		return nil
	}
}
