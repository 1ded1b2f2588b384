package postgres

import (
	"reflect"
	"strings"
	"testing"
	"time"

	"dhis2etl/internal/storage"
)

func TestPgIdent(t *testing.T) {
	t.Parallel()

	if got := pgIdent("value"); got != `"value"` {
		t.Fatalf("pgIdent=%q", got)
	}
	if got := pgIdent(`we"ird`); got != `"we""ird"` {
		t.Fatalf("pgIdent quote escape=%q", got)
	}
}

func TestBuildCreateRawValuesSQL(t *testing.T) {
	t.Parallel()

	sql := buildCreateRawValuesSQL()
	for _, want := range []string{
		"CREATE TABLE IF NOT EXISTS",
		`"dhis2_raw_values"`,
		`PRIMARY KEY ("dataset_id", "org_unit_id", "period", "data_element_id", "category_option_combo_id")`,
		`"updated_at" timestamptz NOT NULL`,
	} {
		if !strings.Contains(sql, want) {
			t.Fatalf("DDL missing %q:\n%s", want, sql)
		}
	}
}

func TestBuildUpsertSQL(t *testing.T) {
	t.Parallel()

	sql := buildUpsertSQL(2)

	if !strings.Contains(sql, `ON CONFLICT ("dataset_id", "org_unit_id", "period", "data_element_id", "category_option_combo_id") DO UPDATE SET`) {
		t.Fatalf("missing conflict clause:\n%s", sql)
	}
	if !strings.Contains(sql, `"value" = EXCLUDED."value"`) ||
		!strings.Contains(sql, `"updated_at" = EXCLUDED."updated_at"`) {
		t.Fatalf("missing update set list:\n%s", sql)
	}
	// 2 rows x 7 columns: placeholders run $1..$14, numbered across rows.
	if !strings.Contains(sql, "($1, $2, $3, $4, $5, $6, $7), ($8, $9, $10, $11, $12, $13, $14)") {
		t.Fatalf("placeholder numbering wrong:\n%s", sql)
	}
	if strings.Contains(sql, "$15") {
		t.Fatalf("too many placeholders:\n%s", sql)
	}
}

func TestRawValueArgs(t *testing.T) {
	t.Parallel()

	ts := time.Date(2024, 2, 1, 12, 0, 0, 0, time.UTC)
	rows := []storage.RawValue{{
		DatasetID:             "ds",
		OrgUnitID:             "ou",
		Period:                "202401",
		DataElementID:         "de",
		CategoryOptionComboID: "coc",
		Value:                 "7",
		UpdatedAt:             ts,
	}}

	got := rawValueArgs(rows)
	want := []any{"ds", "ou", "202401", "de", "coc", "7", ts}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("rawValueArgs=%v, want %v", got, want)
	}
}

func TestBuildCreateTextTableSQL(t *testing.T) {
	t.Parallel()

	sql := buildCreateTextTableSQL("dataset_maternity_monthly_report", []string{"date", "facility", "report_name"})
	want := `CREATE TABLE "dataset_maternity_monthly_report" ("date" text, "facility" text, "report_name" text);`
	if sql != want {
		t.Fatalf("DDL=\n%s\nwant\n%s", sql, want)
	}
}

func TestBuildInsertSQL(t *testing.T) {
	t.Parallel()

	rows := [][]any{
		{"202401", "Facility A", "12"},
		{"202402", "Facility B", nil},
	}
	sql, args := buildInsertSQL("t", []string{"date", "facility", "v"}, rows)

	if !strings.Contains(sql, `INSERT INTO "t" ("date", "facility", "v") VALUES ($1, $2, $3), ($4, $5, $6);`) {
		t.Fatalf("SQL=\n%s", sql)
	}
	want := []any{"202401", "Facility A", "12", "202402", "Facility B", nil}
	if !reflect.DeepEqual(args, want) {
		t.Fatalf("args=%v, want %v", args, want)
	}
}

func TestBuildDropSQL(t *testing.T) {
	t.Parallel()

	if got := buildDropSQL("t"); got != `DROP TABLE IF EXISTS "t";` {
		t.Fatalf("buildDropSQL=%q", got)
	}
}
