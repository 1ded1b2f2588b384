// Package storage defines the backend-agnostic repository interface the
// pipeline loads through, plus the backend registry. Concrete backends
// (postgres, mssql, sqlite) register themselves from init() and are
// selected by config kind.
package storage

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// Config selects and connects a storage backend.
type Config struct {
	// Kind must match a registered backend kind ("postgres", "mssql", "sqlite").
	Kind string
	// DSN is passed through to the backend factory; its format is
	// backend-specific.
	DSN string
}

// RawValueTable is the long-format raw table, one row per DHIS2 data
// value. The resolve stage skips it (dhis2_ prefix).
const RawValueTable = "dhis2_raw_values"

// Lookup tables written by the fetch stage and read by the resolve stage.
const (
	DataElementTable         = "dhis2_data_elements"
	CategoryOptionComboTable = "dhis2_category_option_combos"
	DataSetTable             = "dhis2_data_sets"
	OrgUnitTable             = "dhis2_org_units"
)

// RawValue is one DHIS2 data value in long form. The five id fields are
// the upsert key: re-fetching a window overwrites values in place instead
// of duplicating rows.
type RawValue struct {
	DatasetID             string
	OrgUnitID             string
	Period                string
	DataElementID         string
	CategoryOptionComboID string
	Value                 string
	UpdatedAt             time.Time
}

// Repository is the minimal storage surface of the two pipeline stages.
//
// Semantics every backend must honor:
//   - UpsertRawValues is idempotent on the RawValue key.
//   - ReplaceTable drops and recreates; it is the "disposable projection"
//     primitive used for lookup, wide and _resolved tables.
//   - ListTables returns base tables only (no views), sorted by name.
type Repository interface {
	Close()

	EnsureRawValueTable(ctx context.Context) error
	UpsertRawValues(ctx context.Context, rows []RawValue) (int64, error)

	ReplaceTable(ctx context.Context, table string, columns []string, rows [][]any) error

	ListTables(ctx context.Context) ([]string, error)
	ReadTable(ctx context.Context, table string) (columns []string, rows [][]any, err error)
	SelectIDNames(ctx context.Context, table string) (map[string]string, error)
}

type factory func(ctx context.Context, cfg Config) (Repository, error)

var (
	mu        sync.RWMutex
	factories = map[string]factory{}
)

// Register registers a backend under a kind. Call from a backend
// package's init(). Registering the same kind twice panics: ambiguous
// backend selection should fail at startup, not at load time.
func Register(kind string, f factory) {
	mu.Lock()
	defer mu.Unlock()

	if kind == "" {
		panic("storage: Register called with empty kind")
	}
	if f == nil {
		panic("storage: Register called with nil factory")
	}
	if _, exists := factories[kind]; exists {
		panic(fmt.Sprintf("storage: factory already registered for kind=%q", kind))
	}
	factories[kind] = f
}

// New constructs a Repository using the registered backend factory.
func New(ctx context.Context, cfg Config) (Repository, error) {
	if cfg.Kind == "" {
		return nil, fmt.Errorf("storage: missing kind")
	}

	mu.RLock()
	f := factories[cfg.Kind]
	mu.RUnlock()

	if f == nil {
		return nil, fmt.Errorf("storage: unsupported kind=%s", cfg.Kind)
	}
	return f(ctx, cfg)
}

// RawValueColumns is the column order used by every backend for the raw
// value table.
var RawValueColumns = []string{
	"dataset_id",
	"org_unit_id",
	"period",
	"data_element_id",
	"category_option_combo_id",
	"value",
	"updated_at",
}

// KeyColumnCount is how many leading RawValueColumns form the upsert key.
const KeyColumnCount = 5
