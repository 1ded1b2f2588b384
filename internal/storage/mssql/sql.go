package mssql

import (
	"fmt"
	"strings"

	"dhis2etl/internal/storage"
)

// msIdent quotes an identifier for SQL Server.
func msIdent(s string) string {
	return "[" + strings.ReplaceAll(s, "]", "]]") + "]"
}

// Key columns are NVARCHAR(64): DHIS2 UIDs are 11 characters and index
// keys must stay under SQL Server's 900-byte limit.
func buildCreateRawValuesSQL() string {
	t := msIdent(storage.RawValueTable)

	var b strings.Builder
	fmt.Fprintf(&b, "IF OBJECT_ID(N'%s', N'U') IS NULL ", storage.RawValueTable)
	b.WriteString("CREATE TABLE ")
	b.WriteString(t)
	b.WriteString(" (")
	for _, c := range storage.RawValueColumns[:storage.KeyColumnCount] {
		b.WriteString(msIdent(c))
		b.WriteString(" NVARCHAR(64) NOT NULL, ")
	}
	b.WriteString(msIdent("value") + " NVARCHAR(MAX) NULL, ")
	b.WriteString(msIdent("updated_at") + " DATETIMEOFFSET NOT NULL, ")
	b.WriteString("PRIMARY KEY (")
	for i, c := range storage.RawValueColumns[:storage.KeyColumnCount] {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(msIdent(c))
	}
	b.WriteString("));")
	return b.String()
}

func buildUpdateValueSQL() string {
	var b strings.Builder
	b.WriteString("UPDATE ")
	b.WriteString(msIdent(storage.RawValueTable))
	b.WriteString(" SET ")
	b.WriteString(msIdent("value") + " = @p1, ")
	b.WriteString(msIdent("updated_at") + " = @p2")
	b.WriteString(" WHERE ")
	for i, c := range storage.RawValueColumns[:storage.KeyColumnCount] {
		if i > 0 {
			b.WriteString(" AND ")
		}
		fmt.Fprintf(&b, "%s = @p%d", msIdent(c), i+3)
	}
	b.WriteString(";")
	return b.String()
}

func buildInsertValueSQL() string {
	cols := storage.RawValueColumns

	var b strings.Builder
	b.WriteString("INSERT INTO ")
	b.WriteString(msIdent(storage.RawValueTable))
	b.WriteString(" (")
	for i, c := range cols {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(msIdent(c))
	}
	b.WriteString(") VALUES (")
	for i := range cols {
		if i > 0 {
			b.WriteString(", ")
		}
		fmt.Fprintf(&b, "@p%d", i+1)
	}
	b.WriteString(");")
	return b.String()
}

func buildDropSQL(table string) string {
	return fmt.Sprintf("IF OBJECT_ID(N'%s', N'U') IS NOT NULL DROP TABLE %s;",
		table, msIdent(table))
}

func buildCreateTextTableSQL(table string, columns []string) string {
	var b strings.Builder
	b.WriteString("CREATE TABLE ")
	b.WriteString(msIdent(table))
	b.WriteString(" (")
	for i, c := range columns {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(msIdent(c))
		b.WriteString(" NVARCHAR(MAX) NULL")
	}
	b.WriteString(");")
	return b.String()
}

func buildInsertSQL(table string, columns []string, rows [][]any) (string, []any) {
	var b strings.Builder
	b.WriteString("INSERT INTO ")
	b.WriteString(msIdent(table))
	b.WriteString(" (")
	for i, c := range columns {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(msIdent(c))
	}
	b.WriteString(") VALUES ")

	args := make([]any, 0, len(rows)*len(columns))
	p := 1
	for i, row := range rows {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString("(")
		for j := range columns {
			if j > 0 {
				b.WriteString(", ")
			}
			fmt.Fprintf(&b, "@p%d", p)
			args = append(args, row[j])
			p++
		}
		b.WriteString(")")
	}
	b.WriteString(";")
	return b.String(), args
}
