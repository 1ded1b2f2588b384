// Package postgres implements storage.Repository on PostgreSQL via pgx.
package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"dhis2etl/internal/storage"
)

func init() {
	storage.Register("postgres", New)
}

// Repo implements storage.Repository for Postgres.
type Repo struct {
	pool *pgxpool.Pool
}

// New creates a Postgres-backed Repo and validates connectivity.
func New(ctx context.Context, cfg storage.Config) (storage.Repository, error) {
	pool, err := pgxpool.New(ctx, cfg.DSN)
	if err != nil {
		return nil, err
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return &Repo{pool: pool}, nil
}

// Close closes the connection pool.
func (r *Repo) Close() {
	r.pool.Close()
}

// insertChunkRows bounds one raw-value INSERT: 7 columns per row keeps
// 1000 rows far under the 65535 bind parameter cap.
const insertChunkRows = 1000

// maxBindParams leaves headroom under the Postgres 65535 parameter cap.
const maxBindParams = 60000

// rowsPerChunk sizes insert chunks for arbitrary-width tables.
func rowsPerChunk(columns int) int {
	n := maxBindParams / columns
	if n < 1 {
		n = 1
	}
	return n
}

func (r *Repo) EnsureRawValueTable(ctx context.Context) error {
	if _, err := r.pool.Exec(ctx, buildCreateRawValuesSQL()); err != nil {
		return fmt.Errorf("create %s: %w", storage.RawValueTable, err)
	}
	return nil
}

// UpsertRawValues inserts data values, overwriting value/updated_at on
// key conflict. Re-running a fetch window therefore never duplicates
// rows.
func (r *Repo) UpsertRawValues(ctx context.Context, rows []storage.RawValue) (int64, error) {
	total := int64(0)
	for start := 0; start < len(rows); start += insertChunkRows {
		end := start + insertChunkRows
		if end > len(rows) {
			end = len(rows)
		}
		chunk := rows[start:end]

		sql := buildUpsertSQL(len(chunk))
		cmd, err := r.pool.Exec(ctx, sql, rawValueArgs(chunk)...)
		if err != nil {
			return total, fmt.Errorf("upsert %s: %w", storage.RawValueTable, err)
		}
		total += cmd.RowsAffected()
	}
	return total, nil
}

// ReplaceTable drops and recreates a table inside one transaction, so
// readers never observe a half-loaded table.
func (r *Repo) ReplaceTable(ctx context.Context, table string, columns []string, rows [][]any) error {
	if len(columns) == 0 {
		return fmt.Errorf("replace %s: no columns", table)
	}

	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, buildDropSQL(table)); err != nil {
		return fmt.Errorf("drop %s: %w", table, err)
	}
	if _, err := tx.Exec(ctx, buildCreateTextTableSQL(table, columns)); err != nil {
		return fmt.Errorf("create %s: %w", table, err)
	}

	step := rowsPerChunk(len(columns))
	for start := 0; start < len(rows); start += step {
		end := start + step
		if end > len(rows) {
			end = len(rows)
		}
		chunk := rows[start:end]

		sql, args := buildInsertSQL(table, columns, chunk)
		if _, err := tx.Exec(ctx, sql, args...); err != nil {
			return fmt.Errorf("insert into %s: %w", table, err)
		}
	}

	return tx.Commit(ctx)
}

// ListTables returns all base tables in the public schema, sorted.
func (r *Repo) ListTables(ctx context.Context) ([]string, error) {
	const q = `
		SELECT table_name
		FROM information_schema.tables
		WHERE table_schema = 'public'
		AND table_type = 'BASE TABLE'
		ORDER BY table_name`

	rows, err := r.pool.Query(ctx, q)
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

// ReadTable reads every column and row of a table.
func (r *Repo) ReadTable(ctx context.Context, table string) ([]string, [][]any, error) {
	rows, err := r.pool.Query(ctx, "SELECT * FROM "+pgIdent(table))
	if err != nil {
		return nil, nil, fmt.Errorf("read %s: %w", table, err)
	}
	defer rows.Close()

	fields := rows.FieldDescriptions()
	columns := make([]string, len(fields))
	for i, f := range fields {
		columns[i] = f.Name
	}

	var out [][]any
	for rows.Next() {
		vals, err := rows.Values()
		if err != nil {
			return columns, out, err
		}
		out = append(out, vals)
	}
	return columns, out, rows.Err()
}

// SelectIDNames reads an id→name lookup table.
func (r *Repo) SelectIDNames(ctx context.Context, table string) (map[string]string, error) {
	q := fmt.Sprintf("SELECT %s, %s FROM %s", pgIdent("id"), pgIdent("name"), pgIdent(table))
	rows, err := r.pool.Query(ctx, q)
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

var _ storage.Repository = (*Repo)(nil)
