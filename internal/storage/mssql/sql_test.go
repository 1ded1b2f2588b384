package mssql

import (
	"reflect"
	"strings"
	"testing"
)

func TestMsIdent(t *testing.T) {
	t.Parallel()

	if got := msIdent("value"); got != "[value]" {
		t.Fatalf("msIdent=%q", got)
	}
	if got := msIdent("we]ird"); got != "[we]]ird]" {
		t.Fatalf("msIdent bracket escape=%q", got)
	}
}

func TestBuildCreateRawValuesSQL(t *testing.T) {
	t.Parallel()

	sql := buildCreateRawValuesSQL()
	for _, want := range []string{
		"IF OBJECT_ID(N'dhis2_raw_values', N'U') IS NULL",
		"[dataset_id] NVARCHAR(64) NOT NULL",
		"[value] NVARCHAR(MAX) NULL",
		"[updated_at] DATETIMEOFFSET NOT NULL",
		"PRIMARY KEY ([dataset_id], [org_unit_id], [period], [data_element_id], [category_option_combo_id])",
	} {
		if !strings.Contains(sql, want) {
			t.Fatalf("DDL missing %q:\n%s", want, sql)
		}
	}
}

func TestBuildUpdateValueSQL(t *testing.T) {
	t.Parallel()

	sql := buildUpdateValueSQL()
	want := "UPDATE [dhis2_raw_values] SET [value] = @p1, [updated_at] = @p2" +
		" WHERE [dataset_id] = @p3 AND [org_unit_id] = @p4 AND [period] = @p5" +
		" AND [data_element_id] = @p6 AND [category_option_combo_id] = @p7;"
	if sql != want {
		t.Fatalf("update SQL=\n%s\nwant\n%s", sql, want)
	}
}

func TestBuildInsertValueSQL(t *testing.T) {
	t.Parallel()

	sql := buildInsertValueSQL()
	if !strings.Contains(sql, "VALUES (@p1, @p2, @p3, @p4, @p5, @p6, @p7);") {
		t.Fatalf("insert SQL=\n%s", sql)
	}
}

func TestBuildDropSQL(t *testing.T) {
	t.Parallel()

	got := buildDropSQL("dataset_x")
	want := "IF OBJECT_ID(N'dataset_x', N'U') IS NOT NULL DROP TABLE [dataset_x];"
	if got != want {
		t.Fatalf("drop SQL=%q, want %q", got, want)
	}
}

func TestBuildInsertSQL_PlaceholderNumbering(t *testing.T) {
	t.Parallel()

	rows := [][]any{{"a", "b"}, {"c", nil}}
	sql, args := buildInsertSQL("t", []string{"x", "y"}, rows)

	if !strings.Contains(sql, "VALUES (@p1, @p2), (@p3, @p4);") {
		t.Fatalf("SQL=\n%s", sql)
	}
	if !reflect.DeepEqual(args, []any{"a", "b", "c", nil}) {
		t.Fatalf("args=%v", args)
	}
}

func TestBuildCreateTextTableSQL(t *testing.T) {
	t.Parallel()

	got := buildCreateTextTableSQL("t", []string{"date", "facility"})
	want := "CREATE TABLE [t] ([date] NVARCHAR(MAX) NULL, [facility] NVARCHAR(MAX) NULL);"
	if got != want {
		t.Fatalf("DDL=%q, want %q", got, want)
	}
}
