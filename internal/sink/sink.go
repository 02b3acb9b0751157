package sink

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"go.uber.org/zap"

	_ "github.com/go-sql-driver/mysql"
	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"

	"github.com/Miodec/extensions/internal/export"
)

// ── SQL sink ───────────────────────────────────────────────
// Writes sanitized records into a warehouse table over database/sql.
// One shared implementation for SQLite, Postgres, and MySQL; only
// identifier quoting, placeholders, and column types differ.

// Drivers supported by Open.
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
	DriverMySQL    = "mysql"
)

// SQLWriter implements export.Destination over a SQL database.
type SQLWriter struct {
	driver string
	db     *sql.DB
	log    *zap.SugaredLogger

	mu      sync.Mutex
	ensured map[string]bool // tables already created/checked this process
}

// Open connects to the sink database for the given driver and DSN.
func Open(driver, dsn string, log *zap.SugaredLogger) (*SQLWriter, error) {
	switch driver {
	case DriverSQLite, DriverPostgres, DriverMySQL:
	default:
		return nil, fmt.Errorf("unsupported sink driver: %s", driver)
	}

	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", driver, err)
	}
	if driver == DriverSQLite {
		// SQLite only supports one writer — limit to a single connection.
		db.SetMaxOpenConns(1)
	} else {
		db.SetMaxOpenConns(5)
		db.SetMaxIdleConns(2)
		db.SetConnMaxLifetime(10 * time.Minute)
	}

	return &SQLWriter{
		driver:  driver,
		db:      db,
		log:     log,
		ensured: make(map[string]bool),
	}, nil
}

// Ping verifies connectivity.
func (w *SQLWriter) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	return w.db.PingContext(ctx)
}

// Close closes the underlying connection pool.
func (w *SQLWriter) Close() error {
	return w.db.Close()
}

// Write inserts rows into table, creating it and any missing columns
// from the schema first. In replace mode, each document's existing
// rows are deleted before its fresh rows are inserted.
func (w *SQLWriter) Write(ctx context.Context, table string, schema *export.Schema, rows []export.Row, mode export.SyncMode) (int, error) {
	if len(rows) == 0 {
		return 0, nil
	}

	if err := w.ensureTable(ctx, table, schema); err != nil {
		return 0, fmt.Errorf("ensure table: %w", err)
	}

	if mode == export.SyncReplace {
		seen := make(map[string]bool, len(rows))
		for _, r := range rows {
			if r.DocID == "" || seen[r.DocID] {
				continue
			}
			seen[r.DocID] = true
			if err := w.Delete(ctx, table, r.DocID); err != nil {
				return 0, fmt.Errorf("clear document %s: %w", r.DocID, err)
			}
		}
	}

	cols := schema.FieldNames()
	insert := w.insertStatement(table, cols)

	written := 0
	now := time.Now().Unix()
	for i, r := range rows {
		select {
		case <-ctx.Done():
			return written, ctx.Err()
		default:
		}

		args := make([]any, 0, len(cols)+3)
		args = append(args, uuid.New().String(), r.DocID, now)
		for _, c := range cols {
			cell, err := cellValue(r.Data[c])
			if err != nil {
				return written, fmt.Errorf("row %d, column %q: %w", i, c, err)
			}
			args = append(args, cell)
		}
		if _, err := w.db.ExecContext(ctx, insert, args...); err != nil {
			return written, fmt.Errorf("insert row %d: %w", i, err)
		}
		written++
	}

	return written, nil
}

// Delete removes all rows mirrored from the given document.
func (w *SQLWriter) Delete(ctx context.Context, table, docID string) error {
	stmt := fmt.Sprintf("DELETE FROM %s WHERE %s = %s",
		w.quote(table), w.quote("doc_id"), w.placeholder(1))
	_, err := w.db.ExecContext(ctx, stmt, docID)
	return err
}

// ── Table management ───────────────────────────────────────

func (w *SQLWriter) ensureTable(ctx context.Context, table string, schema *export.Schema) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if !w.ensured[table] {
		if err := w.createTable(ctx, table, schema); err != nil {
			return err
		}
		w.ensured[table] = true
	}
	return w.ensureColumns(ctx, table, schema)
}

func (w *SQLWriter) createTable(ctx context.Context, table string, schema *export.Schema) error {
	var b strings.Builder
	fmt.Fprintf(&b, "CREATE TABLE IF NOT EXISTS %s (", w.quote(table))
	fmt.Fprintf(&b, "%s %s PRIMARY KEY, ", w.quote("row_id"), w.idType())
	fmt.Fprintf(&b, "%s %s NOT NULL, ", w.quote("doc_id"), w.idType())
	fmt.Fprintf(&b, "%s BIGINT NOT NULL", w.quote("exported_at"))
	for _, f := range schema.Fields {
		fmt.Fprintf(&b, ", %s %s", w.quote(f.Name), w.columnType(f))
	}
	b.WriteString(")")

	_, err := w.db.ExecContext(ctx, b.String())
	return err
}

// ensureColumns adds any schema fields missing from the live table.
// Needed in append mode after the schema artifact grows a field.
func (w *SQLWriter) ensureColumns(ctx context.Context, table string, schema *export.Schema) error {
	rows, err := w.db.QueryContext(ctx,
		fmt.Sprintf("SELECT * FROM %s LIMIT 0", w.quote(table)))
	if err != nil {
		return fmt.Errorf("inspect columns: %w", err)
	}
	existing, err := rows.Columns()
	rows.Close()
	if err != nil {
		return err
	}

	have := make(map[string]bool, len(existing))
	for _, c := range existing {
		have[c] = true
	}

	for _, f := range schema.Fields {
		if have[f.Name] {
			continue
		}
		w.log.Infow("adding sink column", "table", table, "column", f.Name, "type", f.Type)
		stmt := fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s %s",
			w.quote(table), w.quote(f.Name), w.columnType(f))
		if _, err := w.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("add column %q: %w", f.Name, err)
		}
	}
	return nil
}

// ── Dialect helpers ────────────────────────────────────────

func (w *SQLWriter) insertStatement(table string, cols []string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "INSERT INTO %s (%s, %s, %s",
		w.quote(table), w.quote("row_id"), w.quote("doc_id"), w.quote("exported_at"))
	for _, c := range cols {
		fmt.Fprintf(&b, ", %s", w.quote(c))
	}
	b.WriteString(") VALUES (")
	for i := 0; i < len(cols)+3; i++ {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(w.placeholder(i + 1))
	}
	b.WriteString(")")
	return b.String()
}

func (w *SQLWriter) quote(ident string) string {
	if w.driver == DriverMySQL {
		return "`" + ident + "`"
	}
	return `"` + ident + `"`
}

func (w *SQLWriter) placeholder(n int) string {
	if w.driver == DriverPostgres {
		return fmt.Sprintf("$%d", n)
	}
	return "?"
}

func (w *SQLWriter) idType() string {
	// MySQL cannot index an unsized TEXT column.
	if w.driver == DriverMySQL {
		return "VARCHAR(64)"
	}
	return "TEXT"
}

// columnType maps a schema field to a column type for the driver.
// Repeated and structured kinds are stored as serialized JSON text.
func (w *SQLWriter) columnType(f export.Field) string {
	if f.Repeated {
		return "TEXT"
	}
	switch f.Type {
	case export.TypeBoolean:
		switch w.driver {
		case DriverPostgres:
			return "BOOLEAN"
		case DriverMySQL:
			return "TINYINT(1)"
		default:
			return "INTEGER"
		}
	case export.TypeNumber:
		switch w.driver {
		case DriverPostgres:
			return "DOUBLE PRECISION"
		case DriverMySQL:
			return "DOUBLE"
		default:
			return "REAL"
		}
	case export.TypeTimestamp:
		return "BIGINT"
	default:
		return "TEXT"
	}
}

// cellValue flattens a converted value into something a SQL driver
// accepts: scalars pass through, structured values serialize to JSON
// text, holes and nils become NULL.
func cellValue(v any) (any, error) {
	switch t := v.(type) {
	case nil:
		return nil, nil
	case bool, string, int, int32, int64, float32, float64:
		return t, nil
	case map[string]any, []any:
		raw, err := json.Marshal(t)
		if err != nil {
			return nil, fmt.Errorf("serialize cell: %w", err)
		}
		return string(raw), nil
	default:
		if s, ok := v.(fmt.Stringer); ok {
			return s.String(), nil
		}
		return fmt.Sprint(v), nil
	}
}
