package logger

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// Closer flushes and stops a handler at shutdown.
type Closer interface {
	Close()
}

// nopCloser is the Closer for synchronous mode.
type nopCloser struct{}

func (nopCloser) Close() {}

// AsyncHandler decouples the admission and recording paths from log
// I/O: records are queued and written by background workers, and a full
// queue drops the record rather than stalling a budget check behind a
// slow writer.
type AsyncHandler struct {
	inner     slog.Handler
	queue     chan slog.Record
	wg        *sync.WaitGroup
	dropped   *atomic.Int64
	closeOnce *sync.Once
}

// NewAsyncHandler starts workers draining a queue of the given capacity
// into the inner handler.
func NewAsyncHandler(inner slog.Handler, queueSize, workers int) *AsyncHandler {
	h := &AsyncHandler{
		inner:     inner,
		queue:     make(chan slog.Record, queueSize),
		wg:        &sync.WaitGroup{},
		dropped:   &atomic.Int64{},
		closeOnce: &sync.Once{},
	}
	for range workers {
		h.wg.Add(1)
		go h.consume()
	}
	return h
}

func (h *AsyncHandler) consume() {
	defer h.wg.Done()
	for rec := range h.queue {
		_ = h.inner.Handle(context.Background(), rec)
	}
}

// Enabled delegates to the inner handler.
func (h *AsyncHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.inner.Enabled(ctx, level)
}

// Handle enqueues the record, dropping it if the queue is full.
func (h *AsyncHandler) Handle(_ context.Context, rec slog.Record) error { //nolint:gocritic // slog.Handler interface requires value receiver
	select {
	case h.queue <- rec:
	default:
		h.dropped.Add(1)
	}
	return nil
}

// WithAttrs shares the queue and workers; only the inner handler gains
// the attributes.
func (h *AsyncHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &AsyncHandler{
		inner:     h.inner.WithAttrs(attrs),
		queue:     h.queue,
		wg:        h.wg,
		dropped:   h.dropped,
		closeOnce: h.closeOnce,
	}
}

// WithGroup shares the queue and workers; only the inner handler gains
// the group.
func (h *AsyncHandler) WithGroup(name string) slog.Handler {
	return &AsyncHandler{
		inner:     h.inner.WithGroup(name),
		queue:     h.queue,
		wg:        h.wg,
		dropped:   h.dropped,
		closeOnce: h.closeOnce,
	}
}

// DroppedCount returns how many records were shed under pressure.
func (h *AsyncHandler) DroppedCount() int64 {
	return h.dropped.Load()
}

// Close drains the queue and stops the workers. Safe to call more than
// once; shutdown paths overlap. If records were shed, a final summary
// is written synchronously so the loss is visible.
func (h *AsyncHandler) Close() {
	h.closeOnce.Do(func() {
		close(h.queue)
		h.wg.Wait()
		if n := h.dropped.Load(); n > 0 {
			rec := slog.NewRecord(time.Now(), slog.LevelWarn, "log records dropped under pressure", 0)
			rec.AddAttrs(slog.Int64("dropped", n))
			_ = h.inner.Handle(context.Background(), rec)
		}
	})
}
