package ingest

import "sort"

// Value is one data value in pivot input form. Combo is the
// "<dataElement>_<categoryOptionCombo>" compound that becomes a wide
// column; the resolve stage later rewrites it to display names.
type Value struct {
	Date     string // DHIS2 period, e.g. "202401"
	Facility string // org unit display name
	Report   string // dataset display name
	Combo    string
	Value    string
}

// Index columns of every wide dataset table, in order.
var indexColumns = []string{"date", "facility", "report_name"}

type pivotKey struct {
	date, facility, report string
}

// Pivot turns long-form values into a wide table: one row per
// (date, facility, report), one column per combo. The first value wins
// when the same cell is reported twice. Output ordering is fully
// deterministic: combo columns sorted, rows sorted by date, facility,
// report.
func Pivot(values []Value) (columns []string, rows [][]any) {
	if len(values) == 0 {
		return nil, nil
	}

	comboSet := map[string]bool{}
	cells := map[pivotKey]map[string]string{}
	var keys []pivotKey

	for _, v := range values {
		comboSet[v.Combo] = true

		k := pivotKey{v.Date, v.Facility, v.Report}
		row, ok := cells[k]
		if !ok {
			row = map[string]string{}
			cells[k] = row
			keys = append(keys, k)
		}
		if _, exists := row[v.Combo]; !exists {
			row[v.Combo] = v.Value
		}
	}

	combos := make([]string, 0, len(comboSet))
	for c := range comboSet {
		combos = append(combos, c)
	}
	sort.Strings(combos)

	sort.Slice(keys, func(i, j int) bool {
		if keys[i].date != keys[j].date {
			return keys[i].date < keys[j].date
		}
		if keys[i].facility != keys[j].facility {
			return keys[i].facility < keys[j].facility
		}
		return keys[i].report < keys[j].report
	})

	columns = append(append([]string{}, indexColumns...), combos...)

	rows = make([][]any, 0, len(keys))
	for _, k := range keys {
		row := make([]any, 0, len(columns))
		row = append(row, k.date, k.facility, k.report)
		for _, c := range combos {
			if v, ok := cells[k][c]; ok {
				row = append(row, v)
			} else {
				row = append(row, nil)
			}
		}
		rows = append(rows, row)
	}
	return columns, rows
}
