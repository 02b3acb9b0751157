package export

import "context"

// ── Destination ────────────────────────────────────────────
// A Destination receives sanitized records for a target table.
// The SQL implementation lives in internal/sink.

// SyncMode determines how rows for a document are written.
type SyncMode string

const (
	SyncReplace SyncMode = "replace" // delete the document's existing rows, insert fresh
	SyncAppend  SyncMode = "append"  // add rows without deleting existing
)

// Row is one sanitized record bound for the sink, tagged with the
// source document id it mirrors.
type Row struct {
	DocID string
	Data  map[string]any
}

// Destination writes sanitized rows into a target table.
type Destination interface {
	// Write inserts rows, creating the table and any missing columns
	// from the schema first. Returns the number of rows written.
	Write(ctx context.Context, table string, schema *Schema, rows []Row, mode SyncMode) (int, error)

	// Delete removes all rows mirrored from the given document.
	Delete(ctx context.Context, table, docID string) error
}
