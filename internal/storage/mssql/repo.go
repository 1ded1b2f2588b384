// Package mssql implements storage.Repository on Microsoft SQL Server.
//
// Some deployments host the BI warehouse on SQL Server instead of
// Postgres; the pipeline semantics are identical:
//   - raw value upserts are a guarded update-then-insert per row inside
//     one transaction (SQL Server has no multi-row ON CONFLICT)
//   - ReplaceTable drops and recreates inside one transaction
package mssql

import (
	"context"
	"database/sql"
	"fmt"

	_ "github.com/microsoft/go-mssqldb"

	"dhis2etl/internal/storage"
)

func init() {
	storage.Register("mssql", New)
}

// Repo implements storage.Repository for SQL Server.
type Repo struct {
	db *sql.DB
}

func New(ctx context.Context, cfg storage.Config) (storage.Repository, error) {
	db, err := sql.Open("sqlserver", cfg.DSN)
	if err != nil {
		return nil, err
	}

	// Conservative defaults for bursty batch loads.
	db.SetMaxOpenConns(16)
	db.SetMaxIdleConns(16)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &Repo{db: db}, nil
}

func (r *Repo) Close() { _ = r.db.Close() }

const insertChunkRows = 200 // SQL Server caps bind parameters at 2100

func (r *Repo) EnsureRawValueTable(ctx context.Context) error {
	if _, err := r.db.ExecContext(ctx, buildCreateRawValuesSQL()); err != nil {
		return fmt.Errorf("create %s: %w", storage.RawValueTable, err)
	}
	return nil
}

// UpsertRawValues updates each keyed row in place, inserting when the
// update touched nothing. Row-at-a-time is acceptable here: a monthly
// window for one facility is hundreds of values, not millions.
func (r *Repo) UpsertRawValues(ctx context.Context, rows []storage.RawValue) (int64, error) {
	if len(rows) == 0 {
		return 0, nil
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	updateSQL := buildUpdateValueSQL()
	insertSQL := buildInsertValueSQL()

	total := int64(0)
	for _, v := range rows {
		res, err := tx.ExecContext(ctx, updateSQL,
			v.Value, v.UpdatedAt,
			v.DatasetID, v.OrgUnitID, v.Period, v.DataElementID, v.CategoryOptionComboID,
		)
		if err != nil {
			return total, fmt.Errorf("upsert %s: %w", storage.RawValueTable, err)
		}
		n, _ := res.RowsAffected()
		if n > 0 {
			total += n
			continue
		}

		if _, err := tx.ExecContext(ctx, insertSQL,
			v.DatasetID, v.OrgUnitID, v.Period, v.DataElementID, v.CategoryOptionComboID,
			v.Value, v.UpdatedAt,
		); err != nil {
			return total, fmt.Errorf("upsert %s: %w", storage.RawValueTable, err)
		}
		total++
	}

	if err := tx.Commit(); err != nil {
		return total, err
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

	if _, err := tx.ExecContext(ctx, buildDropSQL(table)); err != nil {
		return fmt.Errorf("drop %s: %w", table, err)
	}
	if _, err := tx.ExecContext(ctx, buildCreateTextTableSQL(table, columns)); err != nil {
		return fmt.Errorf("create %s: %w", table, err)
	}

	chunk := insertChunkRows
	if len(columns) > 0 {
		// Stay under the 2100-parameter cap for very wide dataset tables.
		if max := 2000 / len(columns); max < chunk {
			chunk = max
		}
		if chunk < 1 {
			chunk = 1
		}
	}

	for start := 0; start < len(rows); start += chunk {
		end := start + chunk
		if end > len(rows) {
			end = len(rows)
		}
		part := rows[start:end]

		sqlText, args := buildInsertSQL(table, columns, part)
		if _, err := tx.ExecContext(ctx, sqlText, args...); err != nil {
			return fmt.Errorf("insert into %s: %w", table, err)
		}
	}

	return tx.Commit()
}

func (r *Repo) ListTables(ctx context.Context) ([]string, error) {
	const q = `
		SELECT TABLE_NAME
		FROM INFORMATION_SCHEMA.TABLES
		WHERE TABLE_TYPE = 'BASE TABLE' AND TABLE_SCHEMA = 'dbo'
		ORDER BY TABLE_NAME`

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
	rows, err := r.db.QueryContext(ctx, "SELECT * FROM "+msIdent(table))
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
	q := fmt.Sprintf("SELECT %s, %s FROM %s", msIdent("id"), msIdent("name"), msIdent(table))
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

var _ storage.Repository = (*Repo)(nil)
