// Package resolve implements the second pipeline stage: rewriting the
// coded "<dataElement>_<categoryOptionCombo>" columns of wide dataset
// tables into human-readable names, materialized as _resolved copies.
package resolve

import (
	"fmt"
	"strings"
)

// maxColumnName is the PostgreSQL identifier limit (NAMEDATALEN-1).
// Resolved names regularly blow past it; truncation drops the generic
// lead-in of a DHIS2 name first, since the discriminating part tends to
// sit further in ("...._<12-59m_doses_given").
const maxColumnName = 63

// truncateSteps are the successive front trims applied while the name
// stays over the limit.
var truncateSteps = []int{20, 30, 40}

// BuildRenameMap maps each coded column to its display-name column.
// Columns without an underscore (the date/facility/report_name index
// columns) map to themselves. An id missing from its lookup falls back
// to the raw id so the column stays traceable. Collisions after
// truncation get _1, _2... suffixes.
func BuildRenameMap(columns []string, deNames, cocNames map[string]string) map[string]string {
	out := make(map[string]string, len(columns))
	seen := make(map[string]int, len(columns))

	for _, col := range columns {
		renamed := renameColumn(col, deNames, cocNames)

		n := seen[renamed]
		seen[renamed] = n + 1
		if n > 0 {
			renamed = fmt.Sprintf("%s_%d", renamed, n)
		}
		out[col] = renamed
	}
	return out
}

func renameColumn(col string, deNames, cocNames map[string]string) string {
	deID, cocID, ok := strings.Cut(col, "_")
	if !ok {
		return col
	}

	deName, ok := deNames[deID]
	if !ok || deName == "" {
		deName = deID
	}
	cocName, ok := cocNames[cocID]
	if !ok || cocName == "" {
		cocName = cocID
	}

	renamed := strings.ReplaceAll(deName+"_"+cocName, " ", "_")
	return truncateColumn(renamed)
}

// truncateColumn shortens an over-long column by dropping a growing
// chunk from the front while the name is still over the limit; whatever
// remains over after all three trims is cut at the limit.
func truncateColumn(name string) string {
	for _, step := range truncateSteps {
		if len(name) > maxColumnName {
			name = name[step:]
		}
	}
	if len(name) > maxColumnName {
		name = name[:maxColumnName]
	}
	return name
}
