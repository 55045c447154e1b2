package audit

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"relaybot/internal/bus"
	"relaybot/internal/domain"
)

const (
	recordTimeout = 2 * time.Second
	queueSize     = 256
)

// Writer records completed relay cycles published on the bus. Rows are
// queued and written on the writer's own goroutine, so the relay cycle that
// emits the event never waits on the database. When the queue is full the
// row is dropped and counted.
type Writer struct {
	eb        *bus.EventBus
	store     domain.AuditStore
	handlerID string
	logger    *slog.Logger

	mu      sync.RWMutex
	closed  bool
	queue   chan domain.AuditEntry
	done    chan struct{}
	once    sync.Once
	dropped atomic.Int64
}

// Attach starts a Writer that records every non-ignored cycle from eb into
// store. Write failures are logged and never reach the relay. Call Close to
// flush the queue before closing the store.
func Attach(eb *bus.EventBus, store domain.AuditStore, logger *slog.Logger) *Writer {
	return newWriter(eb, store, logger, queueSize)
}

func newWriter(eb *bus.EventBus, store domain.AuditStore, logger *slog.Logger, size int) *Writer {
	if logger == nil {
		logger = slog.Default()
	}
	w := &Writer{
		eb:     eb,
		store:  store,
		logger: logger,
		queue:  make(chan domain.AuditEntry, size),
		done:   make(chan struct{}),
	}
	go w.run()
	w.handlerID = eb.On(bus.EventCycleCompleted, w.enqueue)
	return w
}

func (w *Writer) enqueue(e bus.Event) {
	c, ok := e.Payload.(*bus.CycleCompleted)
	if !ok || c.Outcome == domain.OutcomeIgnored {
		return
	}
	entry := EntryFromCycle(c, e.Timestamp)

	w.mu.RLock()
	defer w.mu.RUnlock()
	if w.closed {
		return
	}
	select {
	case w.queue <- entry:
	default:
		w.dropped.Add(1)
		w.logger.Warn("audit queue full, entry dropped", "correlation_id", c.CorrelationID)
	}
}

func (w *Writer) run() {
	defer close(w.done)
	for entry := range w.queue {
		ctx, cancel := context.WithTimeout(context.Background(), recordTimeout)
		if err := w.store.Record(ctx, entry); err != nil {
			w.logger.Warn("audit record failed", "correlation_id", entry.CorrelationID, "err", err)
		}
		cancel()
	}
}

// Dropped returns the number of rows lost to a full queue.
func (w *Writer) Dropped() int64 { return w.dropped.Load() }

// Close detaches from the bus and waits until every queued row is written.
// It is safe to call more than once.
func (w *Writer) Close() {
	w.once.Do(func() {
		w.eb.Off(bus.EventCycleCompleted, w.handlerID)
		w.mu.Lock()
		w.closed = true
		close(w.queue)
		w.mu.Unlock()
	})
	<-w.done
}

// EntryFromCycle converts a cycle completion event into an audit row.
func EntryFromCycle(c *bus.CycleCompleted, at time.Time) domain.AuditEntry {
	entry := domain.AuditEntry{
		CorrelationID: c.CorrelationID,
		ChatID:        c.ChatID,
		Kind:          c.Kind,
		Command:       c.Command,
		Outcome:       c.Outcome,
		Chunks:        c.Chunks,
		DurationMs:    c.Duration.Milliseconds(),
		CreatedAt:     at,
	}
	if c.Err != nil {
		entry.Error = c.Err.Error()
	}
	return entry
}
