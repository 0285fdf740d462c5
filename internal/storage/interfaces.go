package storage

import (
	"context"

	"market-pnl-lab/internal/catalog"
)

// Cursor is the persisted pagination position for one (source, entity).
// Skip resolves ties when many rows share the same order-field value.
type Cursor struct {
	Value string
	Skip  int
}

// Store is the embedded analytical database used for synced entities,
// cursors, and stats metadata. Writes are serialised behind one connection;
// reads run on a separate connection.
type Store interface {
	// Execute runs a statement on the write connection.
	Execute(sql string) error

	// InitSyncState creates the sync_state and stats metadata tables.
	InitSyncState() error

	// InitEntity creates the table (and indexes) for an entity.
	InitEntity(def *catalog.EntityDef) error

	// GetCursor returns the stored cursor, or a zero cursor when absent.
	GetCursor(source, entity string) (Cursor, error)

	// AtomicInsertWithCursor upserts a batch of rows and the new cursor in
	// a single transaction. valuesList holds pre-rendered VALUES tuples.
	AtomicInsertWithCursor(table, columns string, valuesList []string,
		source, entity, cursorValue string, cursorSkip int) error

	// QueryRows runs a read-only query and returns typed rows.
	QueryRows(sql string) ([]map[string]any, error)

	// QuerySingleInt returns the first value of the first row, or 0 on
	// error, empty result, or NULL.
	QuerySingleInt(sql string) int64

	// TableCount returns COUNT(*) for a table.
	TableCount(table string) (int64, error)

	// ScanRows streams a query row by row on a dedicated connection so
	// several scans can run concurrently.
	ScanRows(ctx context.Context, query string, fn func(scan RowScanner) error) error

	// MergePnlIntoCondition bulk-copies positionIds from pnl_condition
	// into condition rows that still lack them.
	MergePnlIntoCondition() error

	// NullPositionIDConditions returns up to limit condition ids with NULL
	// positionIds, ordered by resolutionTimestamp.
	NullPositionIDConditions(limit int) ([]string, error)

	// UpdateConditionPositionIDs sets positionIds for one condition.
	UpdateConditionPositionIDs(id, positionIDs string) error

	// DBSizeMB reports the database file size in megabytes.
	DBSizeMB() float64

	// Close releases both connections.
	Close() error
}

// RowScanner is the per-row scan callback handle used by ScanRows.
type RowScanner interface {
	Scan(dest ...any) error
}
