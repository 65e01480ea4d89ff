package service

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/parley-dev/parley/internal/domain/session"
)

func testRecord(id, name string) session.Record {
	return session.Record{ID: id, WorkspaceID: "ws1", Name: name}
}

func TestPersistDebounceCollapsesWrites(t *testing.T) {
	store := newMemStore()
	q := NewPersistQueue(store, 20*time.Millisecond, slog.New(slog.DiscardHandler))

	q.Enqueue(testRecord("s1", "v1"))
	q.Enqueue(testRecord("s1", "v2"))
	q.Enqueue(testRecord("s1", "v3"))

	waitFor(t, "debounced write", func() bool { return store.writeCount() == 1 })

	rec, ok := store.record("s1")
	if !ok || rec.Name != "v3" {
		t.Fatalf("stored = %+v, want latest snapshot v3", rec)
	}
	if q.PendingCount() != 0 {
		t.Error("write still pending after debounce fired")
	}
}

func TestPersistFlushWritesImmediately(t *testing.T) {
	store := newMemStore()
	q := NewPersistQueue(store, time.Hour, slog.New(slog.DiscardHandler))

	q.Enqueue(testRecord("s1", "v1"))
	if err := q.Flush(context.Background(), "s1"); err != nil {
		t.Fatalf("flush: %v", err)
	}
	if store.writeCount() != 1 {
		t.Fatalf("write count = %d", store.writeCount())
	}

	// Nothing pending: flush is a no-op.
	if err := q.Flush(context.Background(), "s1"); err != nil {
		t.Fatalf("empty flush: %v", err)
	}
	if store.writeCount() != 1 {
		t.Error("empty flush wrote again")
	}
}

func TestPersistCancelDiscards(t *testing.T) {
	store := newMemStore()
	q := NewPersistQueue(store, 15*time.Millisecond, slog.New(slog.DiscardHandler))

	q.Enqueue(testRecord("s1", "v1"))
	q.Cancel("s1")

	time.Sleep(40 * time.Millisecond)
	if store.writeCount() != 0 {
		t.Error("cancelled write reached the store")
	}
}

func TestPersistFlushAll(t *testing.T) {
	store := newMemStore()
	q := NewPersistQueue(store, time.Hour, slog.New(slog.DiscardHandler))

	q.Enqueue(testRecord("s1", "a"))
	q.Enqueue(testRecord("s2", "b"))

	if err := q.FlushAll(context.Background()); err != nil {
		t.Fatalf("flush all: %v", err)
	}
	if store.writeCount() != 2 {
		t.Fatalf("write count = %d, want 2", store.writeCount())
	}
}
