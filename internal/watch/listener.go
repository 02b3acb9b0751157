package watch

import (
	"context"
	"fmt"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
	"go.uber.org/zap"

	"github.com/Miodec/extensions/internal/document"
)

// ── Change listener ────────────────────────────────────────
// Streams document change events from a collection, plus a backfill
// cursor for the initial import. Emits on channels so the service
// loop stays driver-agnostic.

// Op is the kind of change an Event describes.
type Op string

const (
	OpInsert  Op = "insert"
	OpUpdate  Op = "update"
	OpReplace Op = "replace"
	OpDelete  Op = "delete"
)

// Event is one document change (or one backfill read).
// Doc is nil for deletes.
type Event struct {
	Op          Op
	DocID       string
	Doc         map[string]any
	ResumeToken bson.Raw // nil for backfill events
}

// Listener reads documents and change events from one collection.
type Listener struct {
	coll *mongo.Collection
	log  *zap.SugaredLogger
}

// NewListener creates a Listener for the given collection.
func NewListener(coll *mongo.Collection, log *zap.SugaredLogger) *Listener {
	return &Listener{coll: coll, log: log}
}

// changeEvent is the wire shape of a change stream document.
type changeEvent struct {
	OperationType string `bson:"operationType"`
	FullDocument  bson.D `bson:"fullDocument"`
	DocumentKey   struct {
		ID any `bson:"_id"`
	} `bson:"documentKey"`
}

// Events opens a change stream and emits events until ctx is
// cancelled or the stream fails. Pass a previously saved resume
// token to continue where the last run stopped; nil starts from now.
// The error channel (buffered size 1) reports the terminal error.
func (l *Listener) Events(ctx context.Context, resumeAfter []byte) (<-chan Event, <-chan error) {
	out := make(chan Event, 100)
	errCh := make(chan error, 1)

	opts := options.ChangeStream().SetFullDocument(options.UpdateLookup)
	if len(resumeAfter) > 0 {
		opts.SetResumeAfter(bson.Raw(resumeAfter))
	}

	go func() {
		defer close(out)
		defer close(errCh)

		stream, err := l.coll.Watch(ctx, mongo.Pipeline{}, opts)
		if err != nil {
			errCh <- fmt.Errorf("open change stream: %w", err)
			return
		}
		defer stream.Close(context.Background())

		for stream.Next(ctx) {
			var ce changeEvent
			if err := stream.Decode(&ce); err != nil {
				errCh <- fmt.Errorf("decode change event: %w", err)
				return
			}

			op := Op(ce.OperationType)
			switch op {
			case OpInsert, OpUpdate, OpReplace, OpDelete:
			default:
				// drop/rename/invalidate etc. are not per-document changes
				l.log.Debugw("skipping change event", "operation", ce.OperationType)
				continue
			}

			ev := Event{
				Op:          op,
				DocID:       formatID(ce.DocumentKey.ID),
				ResumeToken: stream.ResumeToken(),
			}
			if op != OpDelete {
				ev.Doc = document.Normalize(ce.FullDocument)
			}

			select {
			case out <- ev:
			case <-ctx.Done():
				return
			}
		}
		if err := stream.Err(); err != nil && ctx.Err() == nil {
			errCh <- fmt.Errorf("change stream: %w", err)
		}
	}()

	return out, errCh
}

// Backfill cursors over the entire collection, emitting every
// document as an insert-shaped event with no resume token.
func (l *Listener) Backfill(ctx context.Context) (<-chan Event, <-chan error) {
	out := make(chan Event, 100)
	errCh := make(chan error, 1)

	go func() {
		defer close(out)
		defer close(errCh)

		cursor, err := l.coll.Find(ctx, bson.M{})
		if err != nil {
			errCh <- fmt.Errorf("backfill find: %w", err)
			return
		}
		defer cursor.Close(context.Background())

		for cursor.Next(ctx) {
			var doc bson.D
			if err := cursor.Decode(&doc); err != nil {
				errCh <- fmt.Errorf("backfill decode: %w", err)
				return
			}

			normalized := document.Normalize(doc)
			ev := Event{
				Op:    OpInsert,
				DocID: formatID(normalized["_id"]),
				Doc:   normalized,
			}
			select {
			case out <- ev:
			case <-ctx.Done():
				return
			}
		}
		if err := cursor.Err(); err != nil && ctx.Err() == nil {
			errCh <- fmt.Errorf("backfill cursor: %w", err)
		}
	}()

	return out, errCh
}

// formatID renders a document _id as a stable string key.
func formatID(id any) string {
	switch t := id.(type) {
	case nil:
		return ""
	case string:
		return t
	case bson.ObjectID:
		return t.Hex()
	default:
		return fmt.Sprint(document.NormalizeValue(id))
	}
}
