package sqlite

import (
	"context"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"dhis2etl/internal/storage"
)

// newTestRepo opens a throwaway file-backed database. A file (not
// :memory:) is used because database/sql may open several connections,
// and each in-memory connection would see its own database.
func newTestRepo(t *testing.T) storage.Repository {
	t.Helper()

	dsn := filepath.Join(t.TempDir(), "etl.db")
	repo, err := New(context.Background(), storage.Config{Kind: "sqlite", DSN: dsn})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(repo.Close)
	return repo
}

func sampleValues(ts time.Time) []storage.RawValue {
	return []storage.RawValue{
		{
			DatasetID: "B0UtGNECmZW", OrgUnitID: "pciHYsH4glX", Period: "202401",
			DataElementID: "fbfJHSPpUQD", CategoryOptionComboID: "HllvX50cXC0",
			Value: "12", UpdatedAt: ts,
		},
		{
			DatasetID: "B0UtGNECmZW", OrgUnitID: "pciHYsH4glX", Period: "202401",
			DataElementID: "cYeuwXTCPkU", CategoryOptionComboID: "HllvX50cXC0",
			Value: "3", UpdatedAt: ts,
		},
	}
}

// TestUpsertRawValues_Idempotent verifies that re-loading the same window
// does not duplicate rows and that values are overwritten in place.
func TestUpsertRawValues_Idempotent(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	repo := newTestRepo(t)

	if err := repo.EnsureRawValueTable(ctx); err != nil {
		t.Fatalf("EnsureRawValueTable: %v", err)
	}
	// Ensure is idempotent too.
	if err := repo.EnsureRawValueTable(ctx); err != nil {
		t.Fatalf("EnsureRawValueTable (second): %v", err)
	}

	ts := time.Date(2024, 2, 1, 8, 0, 0, 0, time.UTC)
	if _, err := repo.UpsertRawValues(ctx, sampleValues(ts)); err != nil {
		t.Fatalf("UpsertRawValues: %v", err)
	}

	// Second run with one changed value.
	again := sampleValues(ts.Add(time.Hour))
	again[0].Value = "15"
	if _, err := repo.UpsertRawValues(ctx, again); err != nil {
		t.Fatalf("UpsertRawValues (rerun): %v", err)
	}

	cols, rows, err := repo.ReadTable(ctx, storage.RawValueTable)
	if err != nil {
		t.Fatalf("ReadTable: %v", err)
	}
	if len(rows) != 2 {
		t.Fatalf("raw rows=%d after rerun, want 2 (no duplicates)", len(rows))
	}

	valueIdx := -1
	deIdx := -1
	for i, c := range cols {
		switch c {
		case "value":
			valueIdx = i
		case "data_element_id":
			deIdx = i
		}
	}
	if valueIdx < 0 || deIdx < 0 {
		t.Fatalf("columns=%v, want value and data_element_id", cols)
	}
	for _, row := range rows {
		if row[deIdx] == "fbfJHSPpUQD" && row[valueIdx] != "15" {
			t.Fatalf("value not overwritten: %v", row)
		}
	}
}

func TestUpsertRawValues_Empty(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	repo := newTestRepo(t)

	if err := repo.EnsureRawValueTable(ctx); err != nil {
		t.Fatalf("EnsureRawValueTable: %v", err)
	}
	n, err := repo.UpsertRawValues(ctx, nil)
	if err != nil || n != 0 {
		t.Fatalf("UpsertRawValues(nil)=(%d,%v), want (0,nil)", n, err)
	}
}

func TestReplaceTable_DropsAndRecreates(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	repo := newTestRepo(t)

	cols := []string{"date", "facility", "report_name", "fbfJHSPpUQD_HllvX50cXC0"}
	rows := [][]any{
		{"202401", "Golden Valley Clinic", "Maternity Monthly Report", "12"},
		{"202402", "Golden Valley Clinic", "Maternity Monthly Report", nil},
	}
	if err := repo.ReplaceTable(ctx, "dataset_maternity_monthly_report", cols, rows); err != nil {
		t.Fatalf("ReplaceTable: %v", err)
	}

	// Replacing again with fewer rows must not accumulate.
	if err := repo.ReplaceTable(ctx, "dataset_maternity_monthly_report", cols, rows[:1]); err != nil {
		t.Fatalf("ReplaceTable (second): %v", err)
	}

	gotCols, gotRows, err := repo.ReadTable(ctx, "dataset_maternity_monthly_report")
	if err != nil {
		t.Fatalf("ReadTable: %v", err)
	}
	if len(gotCols) != 4 || gotCols[0] != "date" {
		t.Fatalf("columns=%v", gotCols)
	}
	if len(gotRows) != 1 {
		t.Fatalf("rows=%d after replace, want 1", len(gotRows))
	}
	if gotRows[0][1] != "Golden Valley Clinic" {
		t.Fatalf("row=%v", gotRows[0])
	}
}

func TestListTables_SortedAndFiltered(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	repo := newTestRepo(t)

	if err := repo.ReplaceTable(ctx, "zeta", []string{"a"}, nil); err != nil {
		t.Fatal(err)
	}
	if err := repo.ReplaceTable(ctx, "alpha", []string{"a"}, nil); err != nil {
		t.Fatal(err)
	}

	tables, err := repo.ListTables(ctx)
	if err != nil {
		t.Fatalf("ListTables: %v", err)
	}
	if len(tables) != 2 || tables[0] != "alpha" || tables[1] != "zeta" {
		t.Fatalf("tables=%v, want [alpha zeta]", tables)
	}
	for _, tbl := range tables {
		if strings.HasPrefix(tbl, "sqlite_") {
			t.Fatalf("internal table leaked: %v", tables)
		}
	}
}

func TestSelectIDNames(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	repo := newTestRepo(t)

	err := repo.ReplaceTable(ctx, storage.DataElementTable, []string{"id", "name"}, [][]any{
		{"fbfJHSPpUQD", "ANC 1st visit"},
		{"cYeuwXTCPkU", "ANC 2nd visit"},
	})
	if err != nil {
		t.Fatalf("ReplaceTable: %v", err)
	}

	m, err := repo.SelectIDNames(ctx, storage.DataElementTable)
	if err != nil {
		t.Fatalf("SelectIDNames: %v", err)
	}
	if len(m) != 2 || m["fbfJHSPpUQD"] != "ANC 1st visit" {
		t.Fatalf("map=%v", m)
	}
}

func TestBuildUpsertSQL_Shape(t *testing.T) {
	t.Parallel()

	sql := buildUpsertSQL(2)
	if !strings.Contains(sql, "ON CONFLICT (") || !strings.Contains(sql, "excluded.") {
		t.Fatalf("upsert SQL missing conflict clause:\n%s", sql)
	}
	if got := strings.Count(sql, "(?, ?, ?, ?, ?, ?, ?)"); got != 2 {
		t.Fatalf("value tuples=%d, want 2:\n%s", got, sql)
	}
}
