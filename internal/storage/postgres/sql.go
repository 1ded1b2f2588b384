package postgres

import (
	"fmt"
	"strings"

	"dhis2etl/internal/storage"
)

// The SQL builders in this file are pure and deterministic so placeholder
// numbering, quoting and ON CONFLICT behavior can be unit tested without
// a database.

// pgIdent quotes an identifier for Postgres.
func pgIdent(s string) string {
	return `"` + strings.ReplaceAll(s, `"`, `""`) + `"`
}

func buildCreateRawValuesSQL() string {
	var b strings.Builder
	b.WriteString("CREATE TABLE IF NOT EXISTS ")
	b.WriteString(pgIdent(storage.RawValueTable))
	b.WriteString(" (")
	b.WriteString(pgIdent("dataset_id") + " text NOT NULL, ")
	b.WriteString(pgIdent("org_unit_id") + " text NOT NULL, ")
	b.WriteString(pgIdent("period") + " text NOT NULL, ")
	b.WriteString(pgIdent("data_element_id") + " text NOT NULL, ")
	b.WriteString(pgIdent("category_option_combo_id") + " text NOT NULL, ")
	b.WriteString(pgIdent("value") + " text, ")
	b.WriteString(pgIdent("updated_at") + " timestamptz NOT NULL, ")
	b.WriteString("PRIMARY KEY (")
	for i, c := range storage.RawValueColumns[:storage.KeyColumnCount] {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(pgIdent(c))
	}
	b.WriteString("));")
	return b.String()
}

// buildUpsertSQL constructs the raw-value upsert for n rows.
func buildUpsertSQL(n int) string {
	cols := storage.RawValueColumns

	var b strings.Builder
	b.WriteString("INSERT INTO ")
	b.WriteString(pgIdent(storage.RawValueTable))
	b.WriteString(" (")
	for i, c := range cols {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(pgIdent(c))
	}
	b.WriteString(") VALUES ")

	p := 1
	for i := 0; i < n; i++ {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString("(")
		for j := range cols {
			if j > 0 {
				b.WriteString(", ")
			}
			fmt.Fprintf(&b, "$%d", p)
			p++
		}
		b.WriteString(")")
	}

	b.WriteString(" ON CONFLICT (")
	for i, c := range cols[:storage.KeyColumnCount] {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(pgIdent(c))
	}
	b.WriteString(") DO UPDATE SET ")
	b.WriteString(pgIdent("value") + " = EXCLUDED." + pgIdent("value") + ", ")
	b.WriteString(pgIdent("updated_at") + " = EXCLUDED." + pgIdent("updated_at"))
	b.WriteString(";")
	return b.String()
}

func rawValueArgs(rows []storage.RawValue) []any {
	args := make([]any, 0, len(rows)*len(storage.RawValueColumns))
	for _, v := range rows {
		args = append(args,
			v.DatasetID,
			v.OrgUnitID,
			v.Period,
			v.DataElementID,
			v.CategoryOptionComboID,
			v.Value,
			v.UpdatedAt,
		)
	}
	return args
}

func buildDropSQL(table string) string {
	return "DROP TABLE IF EXISTS " + pgIdent(table) + ";"
}

// buildCreateTextTableSQL creates a table where every column is text.
// Wide dataset tables and resolved projections are consumed by BI tools
// that cast as needed; text keeps the replace path schema-free.
func buildCreateTextTableSQL(table string, columns []string) string {
	var b strings.Builder
	b.WriteString("CREATE TABLE ")
	b.WriteString(pgIdent(table))
	b.WriteString(" (")
	for i, c := range columns {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(pgIdent(c))
		b.WriteString(" text")
	}
	b.WriteString(");")
	return b.String()
}

// buildInsertSQL constructs one multi-row INSERT and its flattened args.
func buildInsertSQL(table string, columns []string, rows [][]any) (string, []any) {
	var b strings.Builder
	b.WriteString("INSERT INTO ")
	b.WriteString(pgIdent(table))
	b.WriteString(" (")
	for i, c := range columns {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(pgIdent(c))
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
			fmt.Fprintf(&b, "$%d", p)
			args = append(args, row[j])
			p++
		}
		b.WriteString(")")
	}
	b.WriteString(";")
	return b.String(), args
}
