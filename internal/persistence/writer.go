package persistence

import (
	"context"
	"database/sql"
	"log/slog"
	"time"
)

const (
	batchMaxOps   = 64
	batchMaxDelay = 200 * time.Millisecond
	retryDelay    = 100 * time.Millisecond
)

type writeOp struct {
	name string
	fn   func(ctx context.Context, tx *sql.Tx) error
	done chan error
}

// WriterQueue is the single mutation path into SQLite. Writes accumulate
// into batches that commit as one transaction, bounding write amplification
// under ingest bursts. A failed batch is retried once before its errors are
// surfaced to the enqueuers.
type WriterQueue struct {
	logger *slog.Logger
	db     *sql.DB
	queue  chan writeOp
}

func NewWriterQueue(logger *slog.Logger, db *sql.DB, capacity int) *WriterQueue {
	if capacity <= 0 {
		capacity = 1024
	}
	return &WriterQueue{
		logger: logger,
		db:     db,
		queue:  make(chan writeOp, capacity),
	}
}

// Enqueue schedules a write and returns without waiting for the commit.
func (w *WriterQueue) Enqueue(name string, fn func(ctx context.Context, tx *sql.Tx) error) {
	op := writeOp{name: name, fn: fn}
	select {
	case w.queue <- op:
	default:
		go func() { w.queue <- op }()
	}
}

// EnqueueWait schedules a write and blocks until its batch committed.
func (w *WriterQueue) EnqueueWait(ctx context.Context, name string, fn func(ctx context.Context, tx *sql.Tx) error) error {
	op := writeOp{name: name, fn: fn, done: make(chan error, 1)}
	select {
	case w.queue <- op:
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-op.done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (w *WriterQueue) Start(ctx context.Context) {
	go w.run(ctx)
}

func (w *WriterQueue) run(ctx context.Context) {
	var (
		batch []writeOp
		timer *time.Timer
		fire  <-chan time.Time
	)

	flush := func() {
		if len(batch) == 0 {
			return
		}
		w.commitBatch(ctx, batch)
		batch = nil
		if timer != nil {
			timer.Stop()
			timer = nil
			fire = nil
		}
	}

	for {
		select {
		case <-ctx.Done():
			flush()
			return
		case op := <-w.queue:
			batch = append(batch, op)
			if len(batch) >= batchMaxOps {
				flush()
				continue
			}
			if timer == nil {
				timer = time.NewTimer(batchMaxDelay)
				fire = timer.C
			}
		case <-fire:
			timer = nil
			fire = nil
			flush()
		}
	}
}

func (w *WriterQueue) commitBatch(ctx context.Context, batch []writeOp) {
	err := w.runTx(ctx, batch)
	if err != nil {
		w.logger.Warn("write batch failed, retrying", "ops", len(batch), "error", err)
		select {
		case <-ctx.Done():
		case <-time.After(retryDelay):
			err = w.runTx(ctx, batch)
		}
	}
	if err != nil {
		w.logger.Error("write batch failed", "ops", len(batch), "error", err)
	}
	for _, op := range batch {
		if op.done != nil {
			op.done <- err
		}
	}
}

func (w *WriterQueue) runTx(ctx context.Context, batch []writeOp) error {
	tx, err := w.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	for _, op := range batch {
		if err := op.fn(ctx, tx); err != nil {
			_ = tx.Rollback()
			w.logger.Error("write op failed", "op", op.name, "error", err)

			return err
		}
	}

	return tx.Commit()
}
