package audit

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/LittleThigas/fatalzera/pkg/domain"
	"github.com/LittleThigas/fatalzera/pkg/store"
)

type recordingSink struct {
	mu      sync.Mutex
	entries []domain.AuditEntry
	err     error
	gate    chan struct{}
}

func (s *recordingSink) Name() string { return "recording" }

func (s *recordingSink) Write(_ context.Context, entry domain.AuditEntry) error {
	if s.gate != nil {
		<-s.gate
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = append(s.entries, entry)
	return s.err
}

func (s *recordingSink) actions() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.entries))
	for _, e := range s.entries {
		out = append(out, e.Action)
	}
	return out
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestWriterPreservesOrderAndFlushes(t *testing.T) {
	sink := &recordingSink{}
	w := NewWriter(Config{Sinks: []Sink{sink}, Logger: quietLogger()})
	defer w.Close(context.Background())

	for _, action := range []string{"a", "b", "c"} {
		w.Record(action, "user-1", nil)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := w.Flush(ctx); err != nil {
		t.Fatalf("flush: %v", err)
	}
	got := sink.actions()
	if len(got) != 3 || got[0] != "a" || got[1] != "b" || got[2] != "c" {
		t.Fatalf("unexpected order: %v", got)
	}
	entry := sink.entries[0]
	if entry.ID == "" || entry.UserID != "user-1" || entry.Details == nil {
		t.Fatalf("unexpected entry: %+v", entry)
	}
	if entry.Timestamp.Location() != time.UTC || entry.Timestamp.IsZero() {
		t.Fatalf("expected UTC timestamp, got %v", entry.Timestamp)
	}
}

func TestWriterIDsFollowRecordOrderWithinTimestamp(t *testing.T) {
	sink := &recordingSink{}
	w := NewWriter(Config{Sinks: []Sink{sink}, Logger: quietLogger()})
	defer w.Close(context.Background())
	fixed := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)
	w.now = func() time.Time { return fixed }

	for i := 0; i < 50; i++ {
		w.Record(ActionProjectUpdated, "user-1", nil)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := w.Flush(ctx); err != nil {
		t.Fatalf("flush: %v", err)
	}

	sink.mu.Lock()
	defer sink.mu.Unlock()
	if len(sink.entries) != 50 {
		t.Fatalf("expected 50 entries, got %d", len(sink.entries))
	}
	for i := 1; i < len(sink.entries); i++ {
		prev, cur := sink.entries[i-1], sink.entries[i]
		if !cur.Timestamp.Equal(prev.Timestamp) {
			t.Fatalf("expected shared timestamp, got %v and %v", prev.Timestamp, cur.Timestamp)
		}
		if cur.ID <= prev.ID {
			t.Fatalf("entry %d id %s does not sort after %s", i, cur.ID, prev.ID)
		}
	}
}

func TestWriterSwallowsSinkErrors(t *testing.T) {
	failing := &recordingSink{err: errors.New("db down")}
	ok := &recordingSink{}
	w := NewWriter(Config{Sinks: []Sink{failing, ok}, Logger: quietLogger()})

	w.Record(ActionUserLogin, "user-1", map[string]any{})
	if err := w.Close(context.Background()); err != nil {
		t.Fatalf("close: %v", err)
	}
	if got := ok.actions(); len(got) != 1 || got[0] != ActionUserLogin {
		t.Fatalf("expected healthy sink to receive entry, got %v", got)
	}
}

func TestWriterDropsWhenFull(t *testing.T) {
	sink := &recordingSink{gate: make(chan struct{})}
	w := NewWriter(Config{Sinks: []Sink{sink}, QueueSize: 1, Logger: quietLogger()})

	// The first entry is taken by the worker, which then blocks on the gate.
	w.Record("first", "u", nil)
	deadline := time.Now().Add(2 * time.Second)
	for len(w.queue) != 0 {
		if time.Now().After(deadline) {
			t.Fatalf("worker never picked up first entry")
		}
		time.Sleep(time.Millisecond)
	}
	w.Record("second", "u", nil)
	w.Record("dropped", "u", nil)

	close(sink.gate)
	if err := w.Close(context.Background()); err != nil {
		t.Fatalf("close: %v", err)
	}
	got := sink.actions()
	if len(got) != 2 || got[0] != "first" || got[1] != "second" {
		t.Fatalf("unexpected entries: %v", got)
	}
}

func TestWriterDropsAfterClose(t *testing.T) {
	sink := &recordingSink{}
	w := NewWriter(Config{Sinks: []Sink{sink}, Logger: quietLogger()})
	if err := w.Close(context.Background()); err != nil {
		t.Fatalf("close: %v", err)
	}
	w.Record("late", "u", nil)
	if err := w.Flush(context.Background()); !errors.Is(err, ErrWriterClosed) {
		t.Fatalf("expected ErrWriterClosed, got %v", err)
	}
	if err := w.Close(context.Background()); err != nil {
		t.Fatalf("second close: %v", err)
	}
	if got := sink.actions(); len(got) != 0 {
		t.Fatalf("expected no entries, got %v", got)
	}
}

func TestStoreSinkAppendsToStore(t *testing.T) {
	s := store.NewMemoryStore()
	w := NewWriter(Config{Sinks: []Sink{StoreSink{Store: s}}, Logger: quietLogger()})

	w.Record(ActionProjectDeleted, "admin-1", map[string]any{"project_id": "p1"})
	if err := w.Close(context.Background()); err != nil {
		t.Fatalf("close: %v", err)
	}
	logs, err := s.ListLogs(context.Background(), 10)
	if err != nil {
		t.Fatalf("list logs: %v", err)
	}
	if len(logs) != 1 || logs[0].Action != ActionProjectDeleted || logs[0].Details["project_id"] != "p1" {
		t.Fatalf("unexpected logs: %+v", logs)
	}
}

type fakePublisher struct {
	key string
	v   any
}

func (p *fakePublisher) PublishJSON(_ context.Context, key string, v any) error {
	p.key = key
	p.v = v
	return nil
}

func TestPublisherSinkRoutesByAction(t *testing.T) {
	pub := &fakePublisher{}
	sink := PublisherSink{Publisher: pub}
	entry := domain.AuditEntry{ID: "e1", Action: ActionImageUploaded}
	if err := sink.Write(context.Background(), entry); err != nil {
		t.Fatalf("write: %v", err)
	}
	if pub.key != "audit.image_uploaded" {
		t.Fatalf("routing key = %q", pub.key)
	}
	if got, ok := pub.v.(domain.AuditEntry); !ok || got.ID != "e1" {
		t.Fatalf("unexpected payload: %#v", pub.v)
	}
}
