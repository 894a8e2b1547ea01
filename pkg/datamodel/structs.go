package datamodel

import (
	"strings"
	"time"

	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"
)

// ColumnType is the declared output type of a view column.
type ColumnType string

const (
	TypeString  ColumnType = "string"
	TypeNumber  ColumnType = "number"
	TypeBoolean ColumnType = "boolean"
	TypeDate    ColumnType = "date"
)

// Column is one output column of a view: a name, the fhirpath expression it is
// derived from and its declared type. Type defaults to string when the view
// definition does not declare one.
type Column struct {
	Name string     `json:"name"`
	Path string     `json:"path"`
	Type ColumnType `json:"type,omitempty"`
}

// Schema maps output column names to their declared types.
type Schema map[string]ColumnType

// ResultRow is one output row: column name to scalar value. All rows of the
// same query share one Schema.
type ResultRow map[string]interface{}

// Clone returns a shallow copy of the row.
func (r ResultRow) Clone() ResultRow {
	out := make(ResultRow, len(r))
	for k, v := range r {
		out[k] = v
	}
	return out
}

// Row provenance returned by the serving layer.
const (
	SourceBatch  = "batch"
	SourceSpeed  = "speed"
	SourceMerged = "merged"
)

// QueryResult is the unit returned to callers of the serving layer.
type QueryResult struct {
	Rows     []ResultRow `json:"rows"`
	Schema   Schema      `json:"schema"`
	RowCount int         `json:"rowCount"`
	Source   string      `json:"source"`
}

// SearchConstraints is the flat caller-supplied constraint map. Token fields
// match by exact code (optionally system|code qualified), string fields by
// case-insensitive prefix, date fields accept ge/le prefixed or exact values.
type SearchConstraints map[string]string

// Canonicalize renders the constraints as a deterministic string, independent
// of map iteration order. Used for cache keys and compiled-statement identity.
func (s SearchConstraints) Canonicalize() string {
	if len(s) == 0 {
		return ""
	}
	keys := maps.Keys(s)
	slices.Sort(keys)
	var b strings.Builder
	for i, k := range keys {
		if i > 0 {
			b.WriteByte('&')
		}
		b.WriteString(k)
		b.WriteByte('=')
		b.WriteString(s[k])
	}
	return b.String()
}

// Clone returns a copy of the constraint map.
func (s SearchConstraints) Clone() SearchConstraints {
	out := make(SearchConstraints, len(s))
	for k, v := range s {
		out[k] = v
	}
	return out
}

// IntegrityCheck is the outcome of a single validator check. A check passes
// when every examined row was valid.
type IntegrityCheck struct {
	Name     string        `json:"name"`
	Examined int64         `json:"examined"`
	Valid    int64         `json:"valid"`
	Duration time.Duration `json:"durationMs"`
	Detail   string        `json:"detail,omitempty"`
}

func (c IntegrityCheck) Passed() bool {
	return c.Valid >= c.Examined
}

func (c IntegrityCheck) Violations() int64 {
	return c.Examined - c.Valid
}

// IntegrityReport is the named list of checks produced by one validator run.
type IntegrityReport struct {
	Schema    string           `json:"schema"`
	StartedAt time.Time        `json:"startedAt"`
	Duration  time.Duration    `json:"durationMs"`
	Checks    []IntegrityCheck `json:"checks"`
}

// Passed reports whether every check passed. A report that failed must block
// promotion of a freshly materialized view.
func (r IntegrityReport) Passed() bool {
	for _, c := range r.Checks {
		if !c.Passed() {
			return false
		}
	}
	return true
}

// CacheStatistics describes the batch result cache.
type CacheStatistics struct {
	Hits    uint64 `json:"hits"`
	Misses  uint64 `json:"misses"`
	Entries int    `json:"entries"`
	Flushes uint64 `json:"flushes"`
}

// ExecutionStatistics aggregates per-call execution timings of a runner.
type ExecutionStatistics struct {
	Calls         uint64  `json:"calls"`
	TotalMillis   uint64  `json:"totalMillis"`
	AverageMillis float64 `json:"averageMillis"`
}

// LayerStatistics counts how often each layer of the hybrid runner was used.
type LayerStatistics struct {
	BatchCalls   uint64 `json:"batchCalls"`
	SpeedCalls   uint64 `json:"speedCalls"`
	SpeedSkipped uint64 `json:"speedSkipped"`
	MergedRows   uint64 `json:"mergedRows"`
}
