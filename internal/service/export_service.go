package service

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/Miodec/extensions/internal/config"
	"github.com/Miodec/extensions/internal/export"
	"github.com/Miodec/extensions/internal/notify"
	"github.com/Miodec/extensions/internal/storage"
	"github.com/Miodec/extensions/internal/watch"
)

// ─────────────────────────────────────────────────────────────
// ExportService — orchestrates backfill + change stream export
// ─────────────────────────────────────────────────────────────

const writeBatchSize = 500

// Source streams documents and change events from the watched
// collection. Implemented by watch.Listener.
type Source interface {
	Events(ctx context.Context, resumeAfter []byte) (<-chan watch.Event, <-chan error)
	Backfill(ctx context.Context) (<-chan watch.Event, <-chan error)
}

// StateStore persists checkpoints and run logs.
// Implemented by storage.Store; an interface so tests can fake it.
type StateStore interface {
	SaveResumeToken(collection string, token []byte) error
	ResumeToken(collection string) ([]byte, error)
	CreateRunLog(*storage.RunLog) error
}

// ExportService drives the export: documents in, sanitized rows out.
type ExportService struct {
	cfg       *config.Config
	extractor *export.Extractor
	source    Source
	dest      export.Destination
	store     StateStore
	notifier  notify.Notifier
	log       *zap.SugaredLogger

	schemaMu sync.RWMutex
	schema   *export.Schema

	running runningGuard

	// watcher / cron lifecycle
	watchCancel context.CancelFunc
	watcher     *fsnotify.Watcher
	cronSched   *cron.Cron
}

// NewExportService creates an ExportService ready to Run.
func NewExportService(
	cfg *config.Config,
	schema *export.Schema,
	source Source,
	dest export.Destination,
	store StateStore,
	notifier notify.Notifier,
	log *zap.SugaredLogger,
) *ExportService {
	return &ExportService{
		cfg:       cfg,
		schema:    schema,
		extractor: export.NewExtractor(log),
		source:    source,
		dest:      dest,
		store:     store,
		notifier:  notifier,
		log:       log,
	}
}

// Schema returns the currently active schema.
func (s *ExportService) Schema() *export.Schema {
	s.schemaMu.RLock()
	defer s.schemaMu.RUnlock()
	return s.schema
}

// SetSchema swaps the active schema. In-flight records finish with
// the schema they started with.
func (s *ExportService) SetSchema(schema *export.Schema) {
	s.schemaMu.Lock()
	s.schema = schema
	s.schemaMu.Unlock()
}

// ── Run ────────────────────────────────────────────────────

// Run executes the export until ctx is cancelled or a fatal error
// occurs. Fatal errors are schema misconfiguration and broken
// source/sink connections; bad data only produces warnings.
func (s *ExportService) Run(ctx context.Context) error {
	s.notifier.Notify(ctx, notify.EventStart,
		fmt.Sprintf("export started for %s.%s → %s",
			s.cfg.Source.Database, s.cfg.Source.Collection, s.cfg.Sink.Table))

	s.startSchemaWatcher(ctx)
	s.startCron(ctx)
	defer s.Stop()

	if s.cfg.Backfill {
		if err := s.runImport(ctx, "backfill"); err != nil {
			s.notifier.Notify(ctx, notify.EventError, fmt.Sprintf("backfill failed: %s", err))
			return err
		}
		s.notifier.Notify(ctx, notify.EventBackfillComplete,
			fmt.Sprintf("backfill of %s finished", s.cfg.Source.Collection))
	}

	return s.runStream(ctx)
}

// runStream consumes the change stream until cancellation or failure.
func (s *ExportService) runStream(ctx context.Context) error {
	if !s.running.TryLock("stream") {
		return fmt.Errorf("stream is already running")
	}
	defer s.running.Unlock("stream")

	token, err := s.store.ResumeToken(s.cfg.Source.Collection)
	if err != nil {
		return fmt.Errorf("load resume token: %w", err)
	}
	if token != nil {
		s.log.Infow("resuming change stream from checkpoint",
			"collection", s.cfg.Source.Collection)
	}

	events, errCh := s.source.Events(ctx, token)

	for ev := range events {
		if err := s.handleEvent(ctx, ev); err != nil {
			s.notifier.Notify(ctx, notify.EventError, fmt.Sprintf("export aborted: %s", err))
			return err
		}
		if len(ev.ResumeToken) > 0 {
			if err := s.store.SaveResumeToken(s.cfg.Source.Collection, ev.ResumeToken); err != nil {
				s.log.Warnw("failed to save resume token", "error", err)
			}
		}
	}

	if err := <-errCh; err != nil {
		s.notifier.Notify(ctx, notify.EventError, fmt.Sprintf("change stream failed: %s", err))
		return err
	}
	return ctx.Err()
}

// handleEvent mirrors one change into the sink.
func (s *ExportService) handleEvent(ctx context.Context, ev watch.Event) error {
	if ev.Op == watch.OpDelete {
		if err := s.dest.Delete(ctx, s.cfg.Sink.Table, ev.DocID); err != nil {
			return fmt.Errorf("delete document %s: %w", ev.DocID, err)
		}
		s.log.Debugw("document removed from sink", "doc", ev.DocID)
		return nil
	}

	schema := s.Schema()
	data, err := s.extractor.ExtractRecord(ev.Doc, schema.Fields)
	if err != nil {
		var schemaErr *export.SchemaError
		if errors.As(err, &schemaErr) {
			return fmt.Errorf("schema misconfigured: %w", err)
		}
		return err
	}

	rows := []export.Row{{DocID: ev.DocID, Data: data}}
	if _, err := s.dest.Write(ctx, s.cfg.Sink.Table, schema, rows, s.syncMode()); err != nil {
		return fmt.Errorf("write document %s: %w", ev.DocID, err)
	}
	s.log.Debugw("document exported", "doc", ev.DocID, "op", ev.Op)
	return nil
}

// ── Backfill / resync ──────────────────────────────────────

// Resync re-imports the whole collection. Triggered by the cron
// schedule; safe to call concurrently (overlapping calls are rejected).
func (s *ExportService) Resync(ctx context.Context) error {
	return s.runImport(ctx, "resync")
}

func (s *ExportService) runImport(ctx context.Context, kind string) error {
	if !s.running.TryLock(kind) {
		return fmt.Errorf("%s is already running", kind)
	}
	defer s.running.Unlock(kind)

	start := time.Now()
	rl := &storage.RunLog{Kind: kind, StartedAt: start}

	read, written, err := s.importAll(ctx)
	rl.FinishedAt = time.Now()
	rl.DocsRead = read
	rl.RowsWritten = written
	if err != nil {
		rl.Status = "error"
		rl.Error = err.Error()
	} else {
		rl.Status = "success"
	}
	if logErr := s.store.CreateRunLog(rl); logErr != nil {
		s.log.Warnw("failed to persist run log", "error", logErr)
	}

	if err != nil {
		return err
	}
	s.log.Infow("import finished", "kind", kind,
		"docs", read, "rows", written, "took", time.Since(start))
	return nil
}

func (s *ExportService) importAll(ctx context.Context) (read, written int, err error) {
	schema := s.Schema()
	events, errCh := s.source.Backfill(ctx)

	flush := func(batch []export.Row) error {
		if len(batch) == 0 {
			return nil
		}
		s.notifier.Notify(ctx, notify.EventPreWrite,
			fmt.Sprintf("writing %d rows to %s", len(batch), s.cfg.Sink.Table))
		n, err := s.dest.Write(ctx, s.cfg.Sink.Table, schema, batch, s.syncMode())
		written += n
		if err != nil {
			return fmt.Errorf("write batch: %w", err)
		}
		s.notifier.Notify(ctx, notify.EventPostWrite,
			fmt.Sprintf("wrote %d rows to %s", n, s.cfg.Sink.Table))
		return nil
	}

	batch := make([]export.Row, 0, writeBatchSize)
	for ev := range events {
		read++
		data, exErr := s.extractor.ExtractRecord(ev.Doc, schema.Fields)
		if exErr != nil {
			return read, written, exErr
		}
		batch = append(batch, export.Row{DocID: ev.DocID, Data: data})
		if len(batch) >= writeBatchSize {
			if err := flush(batch); err != nil {
				return read, written, err
			}
			batch = batch[:0]
		}
	}
	if err := flush(batch); err != nil {
		return read, written, err
	}

	if err := <-errCh; err != nil {
		return read, written, err
	}
	return read, written, nil
}

func (s *ExportService) syncMode() export.SyncMode {
	return export.SyncMode(s.cfg.Sink.Mode)
}

// ── Schema hot-reload ──────────────────────────────────────

// ReloadSchema re-reads the schema artifact and swaps it in.
func (s *ExportService) ReloadSchema() error {
	schema, err := export.LoadSchemaFile(s.cfg.SchemaPath)
	if err != nil {
		return err
	}
	s.SetSchema(schema)
	s.log.Infow("schema reloaded", "path", s.cfg.SchemaPath,
		"fields", len(schema.Fields))
	return nil
}

// startSchemaWatcher watches the schema file and hot-reloads it on
// change. A broken edit keeps the previous schema active.
func (s *ExportService) startSchemaWatcher(ctx context.Context) {
	if s.cfg.SchemaPath == "" {
		return
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		s.log.Warnw("schema watcher: create failed", "error", err)
		return
	}

	absPath, err := filepath.Abs(s.cfg.SchemaPath)
	if err != nil {
		s.log.Warnw("schema watcher: bad path", "path", s.cfg.SchemaPath, "error", err)
		watcher.Close()
		return
	}
	if err := watcher.Add(filepath.Dir(absPath)); err != nil {
		s.log.Warnw("schema watcher: watch failed", "error", err)
		watcher.Close()
		return
	}
	s.watcher = watcher

	watchCtx, cancel := context.WithCancel(context.Background())
	s.watchCancel = cancel

	go func() {
		var timer *time.Timer
		for {
			select {
			case <-watchCtx.Done():
				return
			case <-ctx.Done():
				return
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
					continue
				}
				if evPath, _ := filepath.Abs(event.Name); evPath != absPath {
					continue
				}
				if timer != nil {
					timer.Stop()
				}
				timer = time.AfterFunc(500*time.Millisecond, func() {
					if err := s.ReloadSchema(); err != nil {
						s.log.Warnw("schema reload failed, keeping previous schema", "error", err)
					}
				})
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				s.log.Warnw("schema watcher error", "error", err)
			}
		}
	}()

	s.log.Infow("watching schema file", "path", absPath)
}

// startCron schedules full resyncs when a cron expression is configured.
func (s *ExportService) startCron(ctx context.Context) {
	if s.cfg.ResyncCron == "" {
		return
	}

	c := cron.New()
	_, err := c.AddFunc(s.cfg.ResyncCron, func() {
		s.log.Infow("scheduled resync starting")
		if err := s.Resync(ctx); err != nil {
			s.log.Errorw("scheduled resync failed", "error", err)
			s.notifier.Notify(ctx, notify.EventError, fmt.Sprintf("scheduled resync failed: %s", err))
		}
	})
	if err != nil {
		s.log.Warnw("invalid resync cron expression", "expr", s.cfg.ResyncCron, "error", err)
		return
	}
	c.Start()
	s.cronSched = c
	s.log.Infow("scheduled resync enabled", "expr", s.cfg.ResyncCron)
}

// ── Lifecycle ──────────────────────────────────────────────

// WaitRunning blocks until in-flight tasks finish or ctx is cancelled.
// Used for graceful shutdown.
func (s *ExportService) WaitRunning(ctx context.Context) {
	s.running.WaitAll(ctx)
}

// Stop tears down the schema watcher and the cron scheduler.
func (s *ExportService) Stop() {
	if s.watchCancel != nil {
		s.watchCancel()
		s.watchCancel = nil
	}
	if s.watcher != nil {
		s.watcher.Close()
		s.watcher = nil
	}
	if s.cronSched != nil {
		s.cronSched.Stop()
		s.cronSched = nil
	}
}
