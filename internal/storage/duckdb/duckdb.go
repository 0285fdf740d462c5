// Package duckdb implements storage.Store on an embedded DuckDB file.
package duckdb

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	_ "github.com/duckdb/duckdb-go/v2"

	"market-pnl-lab/internal/catalog"
	"market-pnl-lab/internal/storage"
)

// Store is the embedded DuckDB adapter. DuckDB allows many readers with a
// single writer, so writes are serialised on one dedicated connection and
// reads run on a second one.
type Store struct {
	db   *sql.DB
	path string

	writeMu   sync.Mutex
	writeConn *sql.Conn

	readMu   sync.Mutex
	readConn *sql.Conn
}

// Open opens (or creates) the database file and pins the two connections.
func Open(ctx context.Context, path string) (*Store, error) {
	db, err := sql.Open("duckdb", path)
	if err != nil {
		return nil, fmt.Errorf("open duckdb: %w", err)
	}

	writeConn, err := db.Conn(ctx)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("acquire write connection: %w", err)
	}
	readConn, err := db.Conn(ctx)
	if err != nil {
		writeConn.Close()
		db.Close()
		return nil, fmt.Errorf("acquire read connection: %w", err)
	}

	if err := writeConn.PingContext(ctx); err != nil {
		writeConn.Close()
		readConn.Close()
		db.Close()
		return nil, fmt.Errorf("ping duckdb: %w", err)
	}

	return &Store{db: db, path: path, writeConn: writeConn, readConn: readConn}, nil
}

// Close releases both pinned connections and the pool.
func (s *Store) Close() error {
	s.writeMu.Lock()
	s.writeConn.Close()
	s.writeMu.Unlock()
	s.readMu.Lock()
	s.readConn.Close()
	s.readMu.Unlock()
	return s.db.Close()
}

// Execute runs a statement on the write connection.
func (s *Store) Execute(query string) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if _, err := s.writeConn.ExecContext(context.Background(), query); err != nil {
		return fmt.Errorf("execute: %w", err)
	}
	return nil
}

// InitSyncState creates the sync_state and stats metadata tables.
func (s *Store) InitSyncState() error {
	for _, ddl := range []string{
		catalog.SyncStateDDL,
		catalog.EntityStatsMetaDDL,
		catalog.IndexerFailMetaDDL,
	} {
		if err := s.Execute(ddl); err != nil {
			return err
		}
	}
	return nil
}

// InitEntity creates the entity table and any trailing index statements.
func (s *Store) InitEntity(def *catalog.EntityDef) error {
	for _, stmt := range strings.Split(def.DDL, ";") {
		stmt = strings.TrimSpace(stmt)
		if stmt == "" {
			continue
		}
		if err := s.Execute(stmt); err != nil {
			return fmt.Errorf("init entity %s: %w", def.Table, err)
		}
	}
	return nil
}

// GetCursor returns the stored cursor for (source, entity), or a zero cursor.
func (s *Store) GetCursor(source, entity string) (storage.Cursor, error) {
	query := "SELECT cursor_value, cursor_skip FROM sync_state WHERE source = '" +
		catalog.EscapeRaw(source) + "' AND entity = '" + catalog.EscapeRaw(entity) + "'"

	s.readMu.Lock()
	defer s.readMu.Unlock()
	row := s.readConn.QueryRowContext(context.Background(), query)

	var value sql.NullString
	var skip sql.NullInt32
	if err := row.Scan(&value, &skip); err != nil {
		if err == sql.ErrNoRows {
			return storage.Cursor{}, nil
		}
		return storage.Cursor{}, fmt.Errorf("get cursor: %w", err)
	}
	return storage.Cursor{Value: value.String, Skip: int(skip.Int32)}, nil
}

// AtomicInsertWithCursor upserts rows and the new cursor in one transaction.
func (s *Store) AtomicInsertWithCursor(table, columns string, valuesList []string,
	source, entity, cursorValue string, cursorSkip int) error {
	if len(valuesList) == 0 {
		return fmt.Errorf("atomic insert: empty batch")
	}

	var insert strings.Builder
	insert.WriteString("INSERT INTO ")
	insert.WriteString(table)
	insert.WriteString(" (")
	insert.WriteString(columns)
	insert.WriteString(") VALUES ")
	for i, values := range valuesList {
		if i > 0 {
			insert.WriteString(", ")
		}
		insert.WriteString("(")
		insert.WriteString(values)
		insert.WriteString(")")
	}
	insert.WriteString(onConflictClause(columns))

	cursorSQL := "INSERT OR REPLACE INTO sync_state (source, entity, cursor_value, cursor_skip, last_sync_at) VALUES (" +
		catalog.EscapeSQL(source) + ", " +
		catalog.EscapeSQL(entity) + ", " +
		catalog.EscapeSQL(cursorValue) + ", " +
		strconv.Itoa(cursorSkip) + ", CURRENT_TIMESTAMP)"

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	ctx := context.Background()
	tx, err := s.writeConn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	if _, err := tx.ExecContext(ctx, insert.String()); err != nil {
		tx.Rollback()
		return fmt.Errorf("insert %s batch: %w", table, err)
	}
	if _, err := tx.ExecContext(ctx, cursorSQL); err != nil {
		tx.Rollback()
		return fmt.Errorf("update cursor %s/%s: %w", source, entity, err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// onConflictClause builds "ON CONFLICT(id) DO UPDATE SET col=excluded.col"
// for every non-id column.
func onConflictClause(columns string) string {
	var b strings.Builder
	b.WriteString(" ON CONFLICT(id) DO UPDATE SET ")
	first := true
	for _, col := range strings.Split(columns, ",") {
		col = strings.TrimSpace(col)
		if col == "" || col == "id" {
			continue
		}
		if !first {
			b.WriteString(", ")
		}
		b.WriteString(col)
		b.WriteString("=excluded.")
		b.WriteString(col)
		first = false
	}
	return b.String()
}

// QueryRows runs a read-only query and converts each row to a typed map.
func (s *Store) QueryRows(query string) ([]map[string]any, error) {
	s.readMu.Lock()
	defer s.readMu.Unlock()

	rows, err := s.readConn.QueryContext(context.Background(), query)
	if err != nil {
		return nil, fmt.Errorf("query: %w", err)
	}
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return nil, fmt.Errorf("columns: %w", err)
	}

	var out []map[string]any
	raw := make([]any, len(cols))
	ptrs := make([]any, len(cols))
	for i := range raw {
		ptrs[i] = &raw[i]
	}

	for rows.Next() {
		if err := rows.Scan(ptrs...); err != nil {
			return nil, fmt.Errorf("scan: %w", err)
		}
		obj := make(map[string]any, len(cols))
		for i, name := range cols {
			obj[name] = normalizeValue(raw[i])
		}
		out = append(out, obj)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate: %w", err)
	}
	return out, nil
}

// normalizeValue maps driver values onto JSON-friendly Go types.
func normalizeValue(v any) any {
	switch t := v.(type) {
	case nil:
		return nil
	case bool:
		return t
	case int8:
		return int64(t)
	case int16:
		return int64(t)
	case int32:
		return int64(t)
	case int64:
		return t
	case uint64:
		return int64(t)
	case float32:
		return float64(t)
	case float64:
		return t
	case []byte:
		return string(t)
	case time.Time:
		return t.UTC().Format(time.RFC3339)
	default:
		return fmt.Sprintf("%v", t)
	}
}

// QuerySingleInt returns the first value of the first row, or 0.
func (s *Store) QuerySingleInt(query string) int64 {
	s.readMu.Lock()
	defer s.readMu.Unlock()

	var v sql.NullInt64
	if err := s.readConn.QueryRowContext(context.Background(), query).Scan(&v); err != nil {
		return 0
	}
	return v.Int64
}

// TableCount returns COUNT(*) for a table.
func (s *Store) TableCount(table string) (int64, error) {
	s.readMu.Lock()
	defer s.readMu.Unlock()

	var n int64
	if err := s.readConn.QueryRowContext(context.Background(), "SELECT COUNT(*) FROM "+table).Scan(&n); err != nil {
		return 0, fmt.Errorf("count %s: %w", table, err)
	}
	return n, nil
}

// ScanRows streams a query on a fresh connection so multiple scans can run
// in parallel with normal reads.
func (s *Store) ScanRows(ctx context.Context, query string, fn func(scan storage.RowScanner) error) error {
	conn, err := s.db.Conn(ctx)
	if err != nil {
		return fmt.Errorf("acquire scan connection: %w", err)
	}
	defer conn.Close()

	rows, err := conn.QueryContext(ctx, query)
	if err != nil {
		return fmt.Errorf("scan query: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		if err := fn(rows); err != nil {
			return err
		}
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("scan iterate: %w", err)
	}
	return nil
}

// MergePnlIntoCondition bulk-fills positionIds from pnl_condition. Idempotent.
func (s *Store) MergePnlIntoCondition() error {
	return s.Execute(
		"UPDATE condition SET positionIds = pnl.positionIds " +
			"FROM pnl_condition pnl WHERE condition.id = pnl.id " +
			"AND condition.positionIds IS NULL")
}

// NullPositionIDConditions returns condition ids still lacking positionIds,
// oldest resolution first.
func (s *Store) NullPositionIDConditions(limit int) ([]string, error) {
	s.readMu.Lock()
	defer s.readMu.Unlock()

	rows, err := s.readConn.QueryContext(context.Background(),
		"SELECT id FROM condition WHERE positionIds IS NULL "+
			"ORDER BY resolutionTimestamp LIMIT "+strconv.Itoa(limit))
	if err != nil {
		return nil, fmt.Errorf("null positionIds query: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// UpdateConditionPositionIDs sets positionIds for a single condition.
func (s *Store) UpdateConditionPositionIDs(id, positionIDs string) error {
	return s.Execute("UPDATE condition SET positionIds = " +
		catalog.EscapeSQL(positionIDs) + " WHERE id = " + catalog.EscapeSQL(id))
}

// DBSizeMB reports the database file size in megabytes.
func (s *Store) DBSizeMB() float64 {
	info, err := os.Stat(s.path)
	if err != nil {
		return 0
	}
	return float64(info.Size()) / (1024 * 1024)
}

var _ storage.Store = (*Store)(nil)
