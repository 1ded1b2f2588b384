package resolve

import (
	"context"
	"fmt"
	"strings"
	"time"

	"dhis2etl/internal/metrics"
	"dhis2etl/internal/storage"
)

// Logger is the minimal logging seam.
type Logger interface {
	Printf(format string, v ...any)
}

// Resolver rewrites the coded columns of every wide dataset table into
// display names and stores the result as <table>_resolved.
type Resolver struct {
	Repo   storage.Repository
	Logger Logger
	Job    string
}

// Run resolves every eligible table. Infrastructure tables (dhis2_
// prefix) and previous outputs (_resolved suffix) are skipped, so
// reruns converge instead of stacking _resolved_resolved tables.
//
// A single table failing does not stop the others; Run reports the
// failed tables at the end.
func (r *Resolver) Run(ctx context.Context) error {
	started := time.Now()

	deNames, err := r.loadLookup(ctx, storage.DataElementTable)
	if err != nil {
		return err
	}
	cocNames, err := r.loadLookup(ctx, storage.CategoryOptionComboTable)
	if err != nil {
		return err
	}
	r.Logger.Printf("resolve: %d data element names, %d category option combo names",
		len(deNames), len(cocNames))

	tables, err := r.Repo.ListTables(ctx)
	if err != nil {
		return fmt.Errorf("list tables: %w", err)
	}

	var failed []string
	resolved := 0
	for _, table := range tables {
		if strings.HasPrefix(table, "dhis2_") || strings.HasSuffix(table, "_resolved") {
			continue
		}
		if err := r.resolveTable(ctx, table, deNames, cocNames); err != nil {
			r.Logger.Printf("resolve: table %q failed: %v", table, err)
			failed = append(failed, table)
			continue
		}
		resolved++
	}

	r.Logger.Printf("resolve: %d tables resolved in %s", resolved, time.Since(started).Round(time.Millisecond))

	if len(failed) > 0 {
		return fmt.Errorf("resolve failed for %d table(s): %s", len(failed), strings.Join(failed, ", "))
	}
	return nil
}

func (r *Resolver) resolveTable(ctx context.Context, table string, deNames, cocNames map[string]string) error {
	columns, rows, err := r.Repo.ReadTable(ctx, table)
	if err != nil {
		return fmt.Errorf("read: %w", err)
	}

	renames := BuildRenameMap(columns, deNames, cocNames)
	renamed := make([]string, len(columns))
	for i, col := range columns {
		renamed[i] = renames[col]
	}

	target := table + "_resolved"
	if err := r.Repo.ReplaceTable(ctx, target, renamed, rows); err != nil {
		return fmt.Errorf("write %s: %w", target, err)
	}
	metrics.RecordRows(r.Job, target, int64(len(rows)))
	r.Logger.Printf("resolve: stored %d rows in table %q", len(rows), target)
	return nil
}

// loadLookup reads an id->name lookup table, trimming stray whitespace
// DHIS2 operators sometimes leave in display names.
func (r *Resolver) loadLookup(ctx context.Context, table string) (map[string]string, error) {
	names, err := r.Repo.SelectIDNames(ctx, table)
	if err != nil {
		return nil, fmt.Errorf("load lookup %s: %w", table, err)
	}
	out := make(map[string]string, len(names))
	for id, name := range names {
		out[strings.TrimSpace(id)] = strings.TrimSpace(name)
	}
	return out, nil
}
