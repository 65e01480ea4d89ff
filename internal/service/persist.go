package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/parley-dev/parley/internal/domain/session"
	"github.com/parley-dev/parley/internal/port/storage"
)

// PersistQueue debounces session writes. Rapid mutations during a turn
// collapse into one store write per session; the newest snapshot always
// wins because Enqueue replaces the pending record wholesale.
type PersistQueue struct {
	mu       sync.Mutex
	store    storage.Store
	debounce time.Duration
	pending  map[string]*pendingWrite
	log      *slog.Logger
}

type pendingWrite struct {
	rec   session.Record
	timer *time.Timer
}

// NewPersistQueue creates a queue that writes a session's latest snapshot
// after its debounce window elapses without another Enqueue.
func NewPersistQueue(store storage.Store, debounce time.Duration, log *slog.Logger) *PersistQueue {
	return &PersistQueue{
		store:    store,
		debounce: debounce,
		pending:  make(map[string]*pendingWrite),
		log:      log,
	}
}

// Enqueue schedules the record for writing, replacing any pending snapshot
// for the same session and restarting its debounce timer.
func (q *PersistQueue) Enqueue(rec session.Record) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if pw, ok := q.pending[rec.ID]; ok {
		pw.rec = rec
		pw.timer.Reset(q.debounce)
		return
	}

	id := rec.ID
	q.pending[id] = &pendingWrite{
		rec: rec,
		timer: time.AfterFunc(q.debounce, func() {
			q.writeNow(id)
		}),
	}
}

// writeNow is the debounce timer callback.
func (q *PersistQueue) writeNow(sessionID string) {
	rec, ok := q.take(sessionID)
	if !ok {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := q.store.Write(ctx, &rec); err != nil {
		q.log.Error("persist session failed", "session_id", sessionID, "error", err)
	}
}

// Flush writes the pending snapshot for one session immediately. No-op
// when nothing is pending.
func (q *PersistQueue) Flush(ctx context.Context, sessionID string) error {
	rec, ok := q.take(sessionID)
	if !ok {
		return nil
	}
	if err := q.store.Write(ctx, &rec); err != nil {
		return fmt.Errorf("flush session %s: %w", sessionID, err)
	}
	return nil
}

// FlushAll writes every pending snapshot. Used during shutdown so no
// debounced write is lost.
func (q *PersistQueue) FlushAll(ctx context.Context) error {
	q.mu.Lock()
	ids := make([]string, 0, len(q.pending))
	for id := range q.pending {
		ids = append(ids, id)
	}
	q.mu.Unlock()

	var errs []error
	for _, id := range ids {
		if err := q.Flush(ctx, id); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Cancel discards the pending snapshot for a session without writing.
// Used on delete so a debounced write cannot resurrect the session.
func (q *PersistQueue) Cancel(sessionID string) {
	q.mu.Lock()
	if pw, ok := q.pending[sessionID]; ok {
		pw.timer.Stop()
		delete(q.pending, sessionID)
	}
	q.mu.Unlock()
}

// PendingCount returns the number of sessions with a write in flight.
func (q *PersistQueue) PendingCount() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}

// take atomically removes and returns the pending record.
func (q *PersistQueue) take(sessionID string) (session.Record, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	pw, ok := q.pending[sessionID]
	if !ok {
		return session.Record{}, false
	}
	pw.timer.Stop()
	delete(q.pending, sessionID)
	return pw.rec, true
}
