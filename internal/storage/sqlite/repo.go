// Package sqlite implements storage.Repository on SQLite via
// modernc.org/sqlite. It exists for local development and tests; the
// production warehouse is Postgres.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"dhis2etl/internal/storage"
)

func init() {
	storage.Register("sqlite", New)
}

// Repo implements storage.Repository for SQLite.
//
// SQLite has no TIMESTAMPTZ type; updated_at is stored as an RFC3339Nano
// string for reliable round trips and easy debugging.
type Repo struct {
	db *sql.DB
}

func New(ctx context.Context, cfg storage.Config) (storage.Repository, error) {
	db, err := sql.Open("sqlite", cfg.DSN)
	if err != nil {
		return nil, err
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &Repo{db: db}, nil
}

func (r *Repo) Close() { _ = r.db.Close() }

const insertChunkRows = 500

func (r *Repo) EnsureRawValueTable(ctx context.Context) error {
	if _, err := r.db.ExecContext(ctx, buildCreateRawValuesSQL()); err != nil {
		return fmt.Errorf("create %s: %w", storage.RawValueTable, err)
	}
	return nil
}

func (r *Repo) UpsertRawValues(ctx context.Context, rows []storage.RawValue) (int64, error) {
	total := int64(0)
	for start := 0; start < len(rows); start += insertChunkRows {
		end := start + insertChunkRows
		if end > len(rows) {
			end = len(rows)
		}
		chunk := rows[start:end]

		res, err := r.db.ExecContext(ctx, buildUpsertSQL(len(chunk)), rawValueArgs(chunk)...)
		if err != nil {
			return total, fmt.Errorf("upsert %s: %w", storage.RawValueTable, err)
		}
		n, _ := res.RowsAffected()
		total += n
	}
	return total, nil
}

func (r *Repo) ReplaceTable(ctx context.Context, table string, columns []string, rows [][]any) error {
	if len(columns) == 0 {
		return fmt.Errorf("replace %s: no columns", table)
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, "DROP TABLE IF EXISTS "+sqlIdent(table)); err != nil {
		return fmt.Errorf("drop %s: %w", table, err)
	}
	if _, err := tx.ExecContext(ctx, buildCreateTextTableSQL(table, columns)); err != nil {
		return fmt.Errorf("create %s: %w", table, err)
	}

	for start := 0; start < len(rows); start += insertChunkRows {
		end := start + insertChunkRows
		if end > len(rows) {
			end = len(rows)
		}
		chunk := rows[start:end]

		sqlText, args := buildInsertSQL(table, columns, chunk)
		if _, err := tx.ExecContext(ctx, sqlText, args...); err != nil {
			return fmt.Errorf("insert into %s: %w", table, err)
		}
	}

	return tx.Commit()
}

func (r *Repo) ListTables(ctx context.Context) ([]string, error) {
	const q = `
		SELECT name FROM sqlite_master
		WHERE type = 'table' AND name NOT LIKE 'sqlite_%'
		ORDER BY name`

	rows, err := r.db.QueryContext(ctx, q)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		out = append(out, name)
	}
	return out, rows.Err()
}

func (r *Repo) ReadTable(ctx context.Context, table string) ([]string, [][]any, error) {
	rows, err := r.db.QueryContext(ctx, "SELECT * FROM "+sqlIdent(table))
	if err != nil {
		return nil, nil, fmt.Errorf("read %s: %w", table, err)
	}
	defer rows.Close()

	columns, err := rows.Columns()
	if err != nil {
		return nil, nil, err
	}

	var out [][]any
	for rows.Next() {
		vals := make([]any, len(columns))
		dests := make([]any, len(columns))
		for i := range vals {
			dests[i] = &vals[i]
		}
		if err := rows.Scan(dests...); err != nil {
			return columns, out, err
		}
		// database/sql hands TEXT back as []byte; normalize to string so
		// callers see one type regardless of backend.
		for i, v := range vals {
			if b, ok := v.([]byte); ok {
				vals[i] = string(b)
			}
		}
		out = append(out, vals)
	}
	return columns, out, rows.Err()
}

func (r *Repo) SelectIDNames(ctx context.Context, table string) (map[string]string, error) {
	q := fmt.Sprintf("SELECT %s, %s FROM %s", sqlIdent("id"), sqlIdent("name"), sqlIdent(table))
	rows, err := r.db.QueryContext(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("read lookup %s: %w", table, err)
	}
	defer rows.Close()

	out := map[string]string{}
	for rows.Next() {
		var id, name string
		if err := rows.Scan(&id, &name); err != nil {
			return nil, err
		}
		out[id] = name
	}
	return out, rows.Err()
}

// sqlIdent quotes an identifier for SQLite.
func sqlIdent(s string) string {
	return `"` + strings.ReplaceAll(s, `"`, `""`) + `"`
}

func buildCreateRawValuesSQL() string {
	var b strings.Builder
	b.WriteString("CREATE TABLE IF NOT EXISTS ")
	b.WriteString(sqlIdent(storage.RawValueTable))
	b.WriteString(" (")
	for _, c := range storage.RawValueColumns[:storage.KeyColumnCount] {
		b.WriteString(sqlIdent(c))
		b.WriteString(" TEXT NOT NULL, ")
	}
	b.WriteString(sqlIdent("value") + " TEXT, ")
	b.WriteString(sqlIdent("updated_at") + " TEXT NOT NULL, ")
	b.WriteString("PRIMARY KEY (")
	for i, c := range storage.RawValueColumns[:storage.KeyColumnCount] {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(sqlIdent(c))
	}
	b.WriteString("));")
	return b.String()
}

func buildUpsertSQL(n int) string {
	cols := storage.RawValueColumns

	var b strings.Builder
	b.WriteString("INSERT INTO ")
	b.WriteString(sqlIdent(storage.RawValueTable))
	b.WriteString(" (")
	for i, c := range cols {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(sqlIdent(c))
	}
	b.WriteString(") VALUES ")
	for i := 0; i < n; i++ {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString("(?, ?, ?, ?, ?, ?, ?)")
	}
	b.WriteString(" ON CONFLICT (")
	for i, c := range cols[:storage.KeyColumnCount] {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(sqlIdent(c))
	}
	b.WriteString(") DO UPDATE SET ")
	b.WriteString(sqlIdent("value") + " = excluded." + sqlIdent("value") + ", ")
	b.WriteString(sqlIdent("updated_at") + " = excluded." + sqlIdent("updated_at"))
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
			v.UpdatedAt.UTC().Format(time.RFC3339Nano),
		)
	}
	return args
}

func buildCreateTextTableSQL(table string, columns []string) string {
	var b strings.Builder
	b.WriteString("CREATE TABLE ")
	b.WriteString(sqlIdent(table))
	b.WriteString(" (")
	for i, c := range columns {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(sqlIdent(c))
		b.WriteString(" TEXT")
	}
	b.WriteString(");")
	return b.String()
}

func buildInsertSQL(table string, columns []string, rows [][]any) (string, []any) {
	var b strings.Builder
	b.WriteString("INSERT INTO ")
	b.WriteString(sqlIdent(table))
	b.WriteString(" (")
	for i, c := range columns {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(sqlIdent(c))
	}
	b.WriteString(") VALUES ")

	args := make([]any, 0, len(rows)*len(columns))
	for i, row := range rows {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString("(")
		for j := range columns {
			if j > 0 {
				b.WriteString(", ")
			}
			b.WriteString("?")
			args = append(args, row[j])
		}
		b.WriteString(")")
	}
	b.WriteString(";")
	return b.String(), args
}

var _ storage.Repository = (*Repo)(nil)
