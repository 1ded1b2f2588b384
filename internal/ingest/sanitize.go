package ingest

import (
	"regexp"
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// maxTableName keeps generated table names comfortably under identifier
// limits and readable in BI tool pickers.
const maxTableName = 50

var nonWordRun = regexp.MustCompile(`[^a-z0-9_]+`)

// TableName converts a DHIS2 dataset name into a safe SQL table name:
// diacritics folded to ASCII, lowercased, runs of non-word characters
// collapsed to "_", forced to start with a letter, and over-long names
// truncated with the dataset id tail appended to stay unique.
func TableName(name, datasetID string) string {
	name = foldASCII(name)
	name = strings.ToLower(name)
	name = nonWordRun.ReplaceAllString(name, "_")

	if name == "" || name[0] < 'a' || name[0] > 'z' {
		name = "ds_" + name
	}

	if len(name) > maxTableName {
		short := name[:45]
		if datasetID != "" {
			tail := datasetID
			if len(tail) > 6 {
				tail = tail[len(tail)-6:]
			}
			return short + "_" + tail
		}
		return short
	}
	return name
}

// foldASCII strips combining marks: "Réunion" -> "Reunion". Facility and
// dataset names in national DHIS2 instances routinely carry accents that
// SQL identifiers should not.
func foldASCII(s string) string {
	t := transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	out, _, err := transform.String(t, s)
	if err != nil {
		return s
	}
	return out
}
