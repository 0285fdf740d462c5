// Package catalog holds the static entity descriptors for subgraph sync:
// GraphQL field selections, table DDL, and JSON-to-SQL value mapping.
package catalog

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// SyncMode selects the cursor pagination strategy for an entity.
type SyncMode int

const (
	// ByTimestamp pages with timestamp_gte plus skip for ties.
	ByTimestamp SyncMode = iota
	// ByResolutionTimestamp pages with resolutionTimestamp_gte plus skip.
	ByResolutionTimestamp
	// ByID pages lexicographically with id_gt.
	ByID
)

// EntityDef describes one syncable entity.
type EntityDef struct {
	Name       string
	Plural     string
	Table      string
	Fields     string
	DDL        string
	Columns    string
	ToValues   func(item map[string]any) string
	SyncMode   SyncMode
	OrderField string
	WhereField string
}

// EscapeRaw doubles single quotes for embedding inside a SQL literal.
func EscapeRaw(s string) string {
	return strings.ReplaceAll(s, "'", "''")
}

// EscapeSQL renders s as a quoted SQL string literal.
func EscapeSQL(s string) string {
	return "'" + EscapeRaw(s) + "'"
}

// Str extracts a string field as a SQL literal, preserving NULL.
func Str(item map[string]any, key string) string {
	v, ok := item[key]
	if !ok || v == nil {
		return "NULL"
	}
	s, ok := v.(string)
	if !ok {
		return "NULL"
	}
	return EscapeSQL(s)
}

// Int extracts an integer field, preserving NULL. Subgraphs deliver large
// integers as JSON strings, so both forms are accepted.
func Int(item map[string]any, key string) string {
	v, ok := item[key]
	if !ok || v == nil {
		return "NULL"
	}
	switch t := v.(type) {
	case string:
		if _, err := strconv.ParseInt(t, 10, 64); err != nil {
			return "NULL"
		}
		return t
	case float64:
		return strconv.FormatInt(int64(t), 10)
	case json.Number:
		return t.String()
	default:
		return "NULL"
	}
}

// Decimal extracts a numeric field verbatim, preserving NULL.
func Decimal(item map[string]any, key string) string {
	v, ok := item[key]
	if !ok || v == nil {
		return "NULL"
	}
	switch t := v.(type) {
	case string:
		if _, err := strconv.ParseFloat(t, 64); err != nil {
			return "NULL"
		}
		return t
	case float64:
		return strconv.FormatFloat(t, 'g', -1, 64)
	case json.Number:
		return t.String()
	default:
		return "NULL"
	}
}

// Ref extracts a nested { id } reference as a SQL literal, preserving NULL.
func Ref(item map[string]any, key string) string {
	v, ok := item[key]
	if !ok || v == nil {
		return "NULL"
	}
	obj, ok := v.(map[string]any)
	if !ok {
		return "NULL"
	}
	id, ok := obj["id"].(string)
	if !ok {
		return "NULL"
	}
	return EscapeSQL(id)
}

// Array extracts an array field dumped as a JSON string literal, preserving
// NULL.
func Array(item map[string]any, key string) string {
	v, ok := item[key]
	if !ok || v == nil {
		return "NULL"
	}
	if _, ok := v.([]any); !ok {
		return "NULL"
	}
	data, err := json.Marshal(v)
	if err != nil {
		return "NULL"
	}
	return EscapeSQL(string(data))
}

// Meta table DDL executed at startup.
const (
	SyncStateDDL = `CREATE TABLE IF NOT EXISTS sync_state (
  source VARCHAR,
  entity VARCHAR,
  cursor_value VARCHAR,
  cursor_skip INTEGER,
  last_sync_at TIMESTAMP,
  PRIMARY KEY (source, entity)
)`

	EntityStatsMetaDDL = `CREATE TABLE IF NOT EXISTS entity_stats_meta (
  source VARCHAR,
  entity VARCHAR,
  total_requests BIGINT,
  failed_requests BIGINT,
  total_api_time_ms BIGINT,
  PRIMARY KEY (source, entity)
)`

	IndexerFailMetaDDL = `CREATE TABLE IF NOT EXISTS indexer_fail_meta (
  indexer VARCHAR PRIMARY KEY,
  fail_count BIGINT
)`
)

// ByName returns the entity definition for a catalogue name and destination
// table, or an error for unknown pairs.
func ByName(name, table string) (*EntityDef, error) {
	for _, def := range All {
		if def.Name == name && def.Table == table {
			return def, nil
		}
	}
	return nil, fmt.Errorf("catalog: unknown entity %s (table %s)", name, table)
}
