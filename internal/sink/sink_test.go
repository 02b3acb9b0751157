package sink_test

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"

	"go.uber.org/zap"

	"github.com/Miodec/extensions/internal/export"
	"github.com/Miodec/extensions/internal/sink"
)

// ─────────────────────────────────────────────────────────────
// SQLWriter tests against a real SQLite file in a temp dir.
// Postgres/MySQL share the same code path modulo dialect strings.
// ─────────────────────────────────────────────────────────────

func newTestWriter(t *testing.T) (*sink.SQLWriter, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "sink.db")
	w, err := sink.Open(sink.DriverSQLite, path, zap.NewNop().Sugar())
	if err != nil {
		t.Fatalf("open sink: %v", err)
	}
	t.Cleanup(func() { w.Close() })
	return w, path
}

func testSchema() *export.Schema {
	return &export.Schema{Fields: []export.Field{
		{Name: "active", Type: export.TypeBoolean},
		{Name: "score", Type: export.TypeNumber},
		{Name: "name", Type: export.TypeString},
		{Name: "tags", Type: export.TypeString, Repeated: true},
	}}
}

func countRows(t *testing.T, path, table, docID string) int {
	t.Helper()
	db, err := sql.Open("sqlite", path)
	if err != nil {
		t.Fatal(err)
	}
	defer db.Close()

	var n int
	if err := db.QueryRow(
		`SELECT COUNT(*) FROM `+table+` WHERE doc_id = ?`, docID).Scan(&n); err != nil {
		t.Fatal(err)
	}
	return n
}

func TestSQLWriter_WriteAndReadBack(t *testing.T) {
	w, path := newTestWriter(t)
	ctx := context.Background()

	rows := []export.Row{{
		DocID: "doc-1",
		Data: map[string]any{
			"active": true,
			"score":  4.5,
			"name":   "ada",
			"tags":   []any{"x", export.Hole},
		},
	}}

	n, err := w.Write(ctx, "users", testSchema(), rows, export.SyncReplace)
	if err != nil {
		t.Fatalf("write: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 row written, got %d", n)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		t.Fatal(err)
	}
	defer db.Close()

	var name, tags string
	var score float64
	err = db.QueryRow(`SELECT "name", "score", "tags" FROM "users" WHERE "doc_id" = ?`, "doc-1").
		Scan(&name, &score, &tags)
	if err != nil {
		t.Fatalf("read back: %v", err)
	}
	if name != "ada" || score != 4.5 {
		t.Errorf("got name=%q score=%v", name, score)
	}
	// Holes serialize as null inside the JSON array cell.
	if tags != `["x",null]` {
		t.Errorf("got tags=%q, want [\"x\",null]", tags)
	}
}

func TestSQLWriter_ReplaceModeDedupes(t *testing.T) {
	w, path := newTestWriter(t)
	ctx := context.Background()
	schema := testSchema()

	row := export.Row{DocID: "doc-1", Data: map[string]any{"name": "v1"}}
	if _, err := w.Write(ctx, "users", schema, []export.Row{row}, export.SyncReplace); err != nil {
		t.Fatal(err)
	}
	row.Data = map[string]any{"name": "v2"}
	if _, err := w.Write(ctx, "users", schema, []export.Row{row}, export.SyncReplace); err != nil {
		t.Fatal(err)
	}

	if n := countRows(t, path, "users", "doc-1"); n != 1 {
		t.Errorf("replace mode must keep one row per document, got %d", n)
	}
}

func TestSQLWriter_AppendModeAccumulates(t *testing.T) {
	w, path := newTestWriter(t)
	ctx := context.Background()
	schema := testSchema()

	row := export.Row{DocID: "doc-1", Data: map[string]any{"name": "v1"}}
	for i := 0; i < 3; i++ {
		if _, err := w.Write(ctx, "users", schema, []export.Row{row}, export.SyncAppend); err != nil {
			t.Fatal(err)
		}
	}

	if n := countRows(t, path, "users", "doc-1"); n != 3 {
		t.Errorf("append mode must accumulate rows, got %d", n)
	}
}

func TestSQLWriter_Delete(t *testing.T) {
	w, path := newTestWriter(t)
	ctx := context.Background()

	row := export.Row{DocID: "doc-1", Data: map[string]any{"name": "v1"}}
	if _, err := w.Write(ctx, "users", testSchema(), []export.Row{row}, export.SyncReplace); err != nil {
		t.Fatal(err)
	}
	if err := w.Delete(ctx, "users", "doc-1"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if n := countRows(t, path, "users", "doc-1"); n != 0 {
		t.Errorf("expected 0 rows after delete, got %d", n)
	}
}

func TestSQLWriter_AddsMissingColumns(t *testing.T) {
	w, path := newTestWriter(t)
	ctx := context.Background()

	base := &export.Schema{Fields: []export.Field{{Name: "name", Type: export.TypeString}}}
	row := export.Row{DocID: "doc-1", Data: map[string]any{"name": "ada"}}
	if _, err := w.Write(ctx, "users", base, []export.Row{row}, export.SyncReplace); err != nil {
		t.Fatal(err)
	}

	// The schema artifact grew a field; the live table must follow.
	grown := &export.Schema{Fields: []export.Field{
		{Name: "name", Type: export.TypeString},
		{Name: "score", Type: export.TypeNumber},
	}}
	row2 := export.Row{DocID: "doc-2", Data: map[string]any{"name": "bob", "score": 1.0}}
	if _, err := w.Write(ctx, "users", grown, []export.Row{row2}, export.SyncAppend); err != nil {
		t.Fatalf("write with grown schema: %v", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		t.Fatal(err)
	}
	defer db.Close()

	var score float64
	if err := db.QueryRow(`SELECT "score" FROM "users" WHERE "doc_id" = ?`, "doc-2").Scan(&score); err != nil {
		t.Fatalf("read new column: %v", err)
	}
	if score != 1.0 {
		t.Errorf("got score=%v, want 1.0", score)
	}
}

func TestOpen_UnsupportedDriver(t *testing.T) {
	_, err := sink.Open("oracle", "dsn", zap.NewNop().Sugar())
	if err == nil {
		t.Fatal("expected error for unsupported driver")
	}
}

func TestSQLWriter_WriteEmpty(t *testing.T) {
	w, _ := newTestWriter(t)
	n, err := w.Write(context.Background(), "users", testSchema(), nil, export.SyncReplace)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if n != 0 {
		t.Errorf("expected 0 rows written, got %d", n)
	}
}
