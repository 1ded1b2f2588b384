package config

import (
	"encoding/json"
	"fmt"
	"os"
)

// DefaultDSNTemplate is used when storage.dsn is absent from the config
// file. Placeholders are expanded from the environment before the
// repository is constructed.
const DefaultDSNTemplate = "postgres://${DB_USER}:${DB_PASSWORD}@${DB_HOST}:${DB_PORT}/${DB_NAME}"

// Pipeline is the user-provided pipeline config (JSON).
//
// It carries the dataset → org unit map that drives the fetch stage plus
// the storage backend selection. Credentials never live here; they come
// from the environment.
type Pipeline struct {
	Job      string    `json:"job"`
	Storage  Storage   `json:"storage"`
	Datasets []Dataset `json:"datasets"`
}

type Storage struct {
	// Kind selects a registered storage backend: "postgres", "mssql", "sqlite".
	Kind string `json:"kind"`

	// DSN may reference environment variables as ${DB_HOST} etc.
	// Empty means DefaultDSNTemplate.
	DSN string `json:"dsn"`
}

type Dataset struct {
	ID       string   `json:"id"`
	OrgUnits []string `json:"org_units"`
}

var knownStorageKinds = map[string]bool{
	"postgres": true,
	"mssql":    true,
	"sqlite":   true,
}

// LoadPipeline reads and decodes a pipeline config file.
func LoadPipeline(path string) (Pipeline, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Pipeline{}, fmt.Errorf("read pipeline config: %w", err)
	}
	var p Pipeline
	if err := json.Unmarshal(b, &p); err != nil {
		return Pipeline{}, fmt.Errorf("parse pipeline config %s: %w", path, err)
	}
	return p, nil
}

// ValidatePipeline checks a pipeline config and returns all findings.
//
// Errors abort the run; warnings are printed and the run continues.
func ValidatePipeline(p Pipeline) []Issue {
	var issues []Issue

	if p.Job == "" {
		issues = append(issues, Issue{SeverityWarning, "job", "empty job name; metrics will use a default"})
	}

	if p.Storage.Kind == "" {
		issues = append(issues, Issue{SeverityError, "storage.kind", "storage kind must be set"})
	} else if !knownStorageKinds[p.Storage.Kind] {
		issues = append(issues, Issue{SeverityError, "storage.kind",
			fmt.Sprintf("unknown storage kind %q", p.Storage.Kind)})
	}

	if len(p.Datasets) == 0 {
		issues = append(issues, Issue{SeverityError, "datasets", "at least one dataset is required"})
	}

	seen := map[string]bool{}
	for i, ds := range p.Datasets {
		path := fmt.Sprintf("datasets[%d]", i)
		if ds.ID == "" {
			issues = append(issues, Issue{SeverityError, path + ".id", "dataset id must be set"})
			continue
		}
		if seen[ds.ID] {
			issues = append(issues, Issue{SeverityWarning, path + ".id",
				fmt.Sprintf("duplicate dataset id %q; later entry wins", ds.ID)})
		}
		seen[ds.ID] = true
		if len(ds.OrgUnits) == 0 {
			issues = append(issues, Issue{SeverityWarning, path + ".org_units",
				"no org units configured; dataset will load no data"})
		}
		seenOU := map[string]bool{}
		for j, ou := range ds.OrgUnits {
			if ou == "" {
				issues = append(issues, Issue{SeverityError,
					fmt.Sprintf("%s.org_units[%d]", path, j), "org unit id must not be empty"})
				continue
			}
			if seenOU[ou] {
				issues = append(issues, Issue{SeverityWarning,
					fmt.Sprintf("%s.org_units[%d]", path, j),
					fmt.Sprintf("duplicate org unit %q; it will be fetched twice", ou)})
			}
			seenOU[ou] = true
		}
	}

	return issues
}
