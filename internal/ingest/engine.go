// Package ingest implements the fetch-and-load stage: DHIS2 metadata and
// data values in, lookup tables, raw long-format rows and wide dataset
// tables out.
package ingest

import (
	"context"
	"fmt"
	"sort"
	"time"

	"dhis2etl/internal/config"
	"dhis2etl/internal/dhis2"
	"dhis2etl/internal/metrics"
	"dhis2etl/internal/storage"
)

// Client is the slice of the DHIS2 API the engine consumes.
// *dhis2.Client satisfies it; tests inject a fake.
type Client interface {
	DataElements(ctx context.Context) ([]dhis2.IDName, error)
	CategoryOptionCombos(ctx context.Context) ([]dhis2.IDName, error)
	DataSets(ctx context.Context) ([]dhis2.IDName, error)
	OrganisationUnits(ctx context.Context) ([]dhis2.IDName, error)
	DataValueSet(ctx context.Context, q dhis2.DataValueQuery) ([]dhis2.DataValue, error)
}

// Logger is the minimal logging seam.
type Logger interface {
	Printf(format string, v ...any)
}

// Engine runs one fetch-and-load pass.
type Engine struct {
	Client Client
	Repo   storage.Repository
	Logger Logger
	Job    string

	// Now stamps updated_at on raw values. Defaults to time.Now.
	Now func() time.Time
}

// Run fetches metadata and data values for the window and loads them.
//
// Failure semantics (all-or-nothing, no partial success):
//   - any metadata fetch error is fatal
//   - any data value fetch or database write error is fatal
//   - a dataset id unknown to DHIS2 is skipped with a warning; that is a
//     config mistake, not a transport failure
func (e *Engine) Run(ctx context.Context, datasets []config.Dataset, start, end time.Time) error {
	now := e.Now
	if now == nil {
		now = time.Now
	}

	e.Logger.Printf("fetch: downloading metadata listings")

	dataElements, err := e.Client.DataElements(ctx)
	if err != nil {
		return fmt.Errorf("fetch data elements: %w", err)
	}
	combos, err := e.Client.CategoryOptionCombos(ctx)
	if err != nil {
		return fmt.Errorf("fetch category option combos: %w", err)
	}
	dataSets, err := e.Client.DataSets(ctx)
	if err != nil {
		return fmt.Errorf("fetch data sets: %w", err)
	}
	orgUnits, err := e.Client.OrganisationUnits(ctx)
	if err != nil {
		return fmt.Errorf("fetch organisation units: %w", err)
	}

	for _, l := range []struct {
		table string
		items []dhis2.IDName
	}{
		{storage.DataElementTable, dataElements},
		{storage.CategoryOptionComboTable, combos},
		{storage.DataSetTable, dataSets},
		{storage.OrgUnitTable, orgUnits},
	} {
		if err := e.storeLookup(ctx, l.table, l.items); err != nil {
			return err
		}
	}

	if err := e.Repo.EnsureRawValueTable(ctx); err != nil {
		return err
	}

	dataSetNames := nameIndex(dataSets)
	orgUnitNames := nameIndex(orgUnits)

	startStr := start.Format(config.DateLayout)
	endStr := end.Format(config.DateLayout)

	for i, ds := range datasets {
		dsName, ok := dataSetNames[ds.ID]
		if !ok {
			e.Logger.Printf("fetch: skipping dataset %s (not found in DHIS2)", ds.ID)
			continue
		}

		table := TableName("dataset_"+dsName, ds.ID)
		e.Logger.Printf("fetch: %d of %d processing dataset %q -> table %q",
			i+1, len(datasets), dsName, table)

		var raw []storage.RawValue
		var long []Value

		for _, ou := range ds.OrgUnits {
			ouName, ok := orgUnitNames[ou]
			if !ok {
				ouName = "Unknown Facility"
			}
			e.Logger.Printf("fetch:   org unit %q (%s)", ouName, ou)

			values, err := e.Client.DataValueSet(ctx, dhis2.DataValueQuery{
				DataSet:   ds.ID,
				OrgUnit:   ou,
				StartDate: startStr,
				EndDate:   endStr,
			})
			if err != nil {
				return fmt.Errorf("fetch data values for dataset %s org unit %s: %w", ds.ID, ou, err)
			}

			for _, dv := range values {
				orgUnitID := dv.OrgUnit
				if orgUnitID == "" {
					orgUnitID = ou
				}
				raw = append(raw, storage.RawValue{
					DatasetID:             ds.ID,
					OrgUnitID:             orgUnitID,
					Period:                dv.Period,
					DataElementID:         dv.DataElement,
					CategoryOptionComboID: dv.CategoryOptionCombo,
					Value:                 dv.Value,
					UpdatedAt:             now().UTC(),
				})
				long = append(long, Value{
					Date:     dv.Period,
					Facility: ouName,
					Report:   dsName,
					Combo:    dv.DataElement + "_" + dv.CategoryOptionCombo,
					Value:    dv.Value,
				})
			}
		}

		if len(raw) == 0 {
			e.Logger.Printf("fetch:   no data found for dataset %q", dsName)
			continue
		}

		raw = dedupeRawValues(raw)

		n, err := e.Repo.UpsertRawValues(ctx, raw)
		if err != nil {
			return err
		}
		metrics.RecordRows(e.Job, storage.RawValueTable, n)

		columns, rows := Pivot(long)
		if err := e.Repo.ReplaceTable(ctx, table, columns, rows); err != nil {
			return err
		}
		metrics.RecordRows(e.Job, table, int64(len(rows)))
		e.Logger.Printf("fetch:   stored %d rows in table %q", len(rows), table)
	}

	return nil
}

// dedupeRawValues collapses rows that share the same five-part key.
// An org unit listed twice in the config, or a payload whose orgUnit
// differs from the queried one, can put the same key in one batch
// twice, and PostgreSQL rejects a multi-row upsert that touches a row
// a second time. The last value wins, matching what a rerun would
// leave behind; first-seen order is kept.
func dedupeRawValues(rows []storage.RawValue) []storage.RawValue {
	type key struct {
		dataset, orgUnit, period, dataElement, combo string
	}
	idx := make(map[key]int, len(rows))
	out := rows[:0:0]
	for _, rv := range rows {
		k := key{rv.DatasetID, rv.OrgUnitID, rv.Period, rv.DataElementID, rv.CategoryOptionComboID}
		if i, ok := idx[k]; ok {
			out[i] = rv
			continue
		}
		idx[k] = len(out)
		out = append(out, rv)
	}
	return out
}

// storeLookup replaces one id/name lookup table, sorted by id so reruns
// produce byte-identical tables.
func (e *Engine) storeLookup(ctx context.Context, table string, items []dhis2.IDName) error {
	sorted := append([]dhis2.IDName(nil), items...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].ID < sorted[j].ID })

	rows := make([][]any, 0, len(sorted))
	for _, it := range sorted {
		rows = append(rows, []any{it.ID, it.Name})
	}

	if err := e.Repo.ReplaceTable(ctx, table, []string{"id", "name"}, rows); err != nil {
		return fmt.Errorf("store lookup %s: %w", table, err)
	}
	metrics.RecordRows(e.Job, table, int64(len(rows)))
	e.Logger.Printf("fetch: stored %d rows in lookup %q", len(rows), table)
	return nil
}

func nameIndex(items []dhis2.IDName) map[string]string {
	m := make(map[string]string, len(items))
	for _, it := range items {
		m[it.ID] = it.Name
	}
	return m
}
