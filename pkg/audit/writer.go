package audit

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/LittleThigas/fatalzera/pkg/domain"
)

// Actions recorded by the application.
const (
	ActionUserRegistered = "user_registered"
	ActionUserLogin      = "user_login"
	ActionProjectCreated = "project_created"
	ActionProjectUpdated = "project_updated"
	ActionProjectDeleted = "project_deleted"
	ActionImageUploaded  = "image_uploaded"
)

const (
	defaultQueueSize    = 1024
	defaultWriteTimeout = 5 * time.Second
)

// ErrWriterClosed is returned by Flush after Close.
var ErrWriterClosed = errors.New("audit writer closed")

var (
	recordedEntries = promauto.NewCounter(prometheus.CounterOpts{
		Name: "audit_entries_recorded_total",
		Help: "Audit entries accepted into the queue.",
	})
	droppedEntries = promauto.NewCounter(prometheus.CounterOpts{
		Name: "audit_entries_dropped_total",
		Help: "Audit entries dropped because the queue was full or closed.",
	})
	sinkFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "audit_sink_failures_total",
		Help: "Audit entries a sink failed to persist.",
	}, []string{"sink"})
)

// Recorder accepts audit entries without blocking the caller.
type Recorder interface {
	Record(action, userID string, details map[string]any)
}

type Config struct {
	Sinks        []Sink
	QueueSize    int
	WriteTimeout time.Duration
	Logger       *slog.Logger
}

// Writer appends audit entries to its sinks from a single background worker,
// preserving record order. Sink failures never reach the caller of Record.
type Writer struct {
	sinks   []Sink
	timeout time.Duration
	logger  *slog.Logger
	now     func() time.Time

	mu     sync.RWMutex
	closed bool
	queue  chan item
	done   chan struct{}
}

type item struct {
	entry   domain.AuditEntry
	flushed chan struct{}
}

// NewWriter starts the worker goroutine.
func NewWriter(cfg Config) *Writer {
	size := cfg.QueueSize
	if size <= 0 {
		size = defaultQueueSize
	}
	timeout := cfg.WriteTimeout
	if timeout <= 0 {
		timeout = defaultWriteTimeout
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	w := &Writer{
		sinks:   cfg.Sinks,
		timeout: timeout,
		logger:  logger,
		now:     time.Now,
		queue:   make(chan item, size),
		done:    make(chan struct{}),
	}
	go w.run()
	return w
}

// Record stamps and enqueues an entry. When the queue is full or the writer
// is closed the entry is dropped with a warning.
func (w *Writer) Record(action, userID string, details map[string]any) {
	if details == nil {
		details = map[string]any{}
	}
	entry := domain.AuditEntry{
		ID:        newEntryID(),
		Action:    action,
		UserID:    userID,
		Details:   details,
		Timestamp: w.now().UTC(),
	}

	w.mu.RLock()
	defer w.mu.RUnlock()
	if w.closed {
		droppedEntries.Inc()
		w.logger.Warn("audit_entry_dropped", "reason", "closed", "action", action, "user_id", userID)
		return
	}
	select {
	case w.queue <- item{entry: entry}:
		recordedEntries.Inc()
	default:
		droppedEntries.Inc()
		w.logger.Warn("audit_entry_dropped", "reason", "queue_full", "action", action, "user_id", userID)
	}
}

// Flush blocks until every entry recorded before the call reached the sinks.
func (w *Writer) Flush(ctx context.Context) error {
	marker := item{flushed: make(chan struct{})}
	w.mu.RLock()
	if w.closed {
		w.mu.RUnlock()
		return ErrWriterClosed
	}
	select {
	case w.queue <- marker:
		w.mu.RUnlock()
	case <-ctx.Done():
		w.mu.RUnlock()
		return ctx.Err()
	}
	select {
	case <-marker.flushed:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close stops accepting entries and waits for the queue to drain.
func (w *Writer) Close(ctx context.Context) error {
	w.mu.Lock()
	if !w.closed {
		w.closed = true
		close(w.queue)
	}
	w.mu.Unlock()
	select {
	case <-w.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (w *Writer) run() {
	defer close(w.done)
	for it := range w.queue {
		if it.flushed != nil {
			close(it.flushed)
			continue
		}
		w.write(it.entry)
	}
}

func (w *Writer) write(entry domain.AuditEntry) {
	for _, sink := range w.sinks {
		ctx, cancel := context.WithTimeout(context.Background(), w.timeout)
		err := sink.Write(ctx, entry)
		cancel()
		if err != nil {
			sinkFailures.WithLabelValues(sink.Name()).Inc()
			w.logger.Error("audit_sink_failed", "sink", sink.Name(), "action", entry.Action, "entry_id", entry.ID, "err", err)
		}
	}
}

// newEntryID returns a time-ordered id so entries sharing a timestamp still
// sort in record order.
func newEntryID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}
