package service

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/parley-dev/parley/internal/port/broadcast"
)

// DeltaBatcher coalesces streaming text deltas per session and emits them
// as a single broadcast on a short interval. Without it every token from
// the backend would become its own WebSocket frame.
type DeltaBatcher struct {
	mu       sync.Mutex
	interval time.Duration
	bufs     map[string]*deltaBuf
	bcast    broadcast.Broadcaster
}

type deltaBuf struct {
	workspaceID string
	turnID      string
	text        strings.Builder
	timer       *time.Timer
}

// NewDeltaBatcher creates a batcher that flushes buffered deltas after the
// given interval.
func NewDeltaBatcher(interval time.Duration, bcast broadcast.Broadcaster) *DeltaBatcher {
	return &DeltaBatcher{
		interval: interval,
		bufs:     make(map[string]*deltaBuf),
		bcast:    bcast,
	}
}

// Add buffers a text delta for the session. The first delta of a batch
// arms the flush timer; later deltas ride along until it fires. A delta
// for a different turn flushes the previous turn's remainder first.
func (b *DeltaBatcher) Add(workspaceID, sessionID, turnID, text string) {
	b.mu.Lock()

	buf, ok := b.bufs[sessionID]
	if ok && buf.turnID != turnID {
		b.flushLocked(sessionID, buf)
		ok = false
	}
	if !ok {
		buf = &deltaBuf{workspaceID: workspaceID, turnID: turnID}
		buf.timer = time.AfterFunc(b.interval, func() {
			b.Flush(sessionID)
		})
		b.bufs[sessionID] = buf
	}
	buf.text.WriteString(text)

	b.mu.Unlock()
}

// Flush emits whatever is buffered for the session immediately.
func (b *DeltaBatcher) Flush(sessionID string) {
	b.mu.Lock()
	buf, ok := b.bufs[sessionID]
	if ok {
		b.flushLocked(sessionID, buf)
	}
	b.mu.Unlock()
}

// flushLocked emits and removes the buffer. Must be called with b.mu held.
func (b *DeltaBatcher) flushLocked(sessionID string, buf *deltaBuf) {
	buf.timer.Stop()
	delete(b.bufs, sessionID)

	text := buf.text.String()
	if text == "" {
		return
	}
	b.bcast.BroadcastEvent(context.Background(), buf.workspaceID, broadcast.EventMessageDelta, broadcast.MessageDeltaEvent{
		SessionID: sessionID,
		TurnID:    buf.turnID,
		Text:      text,
	})
}

// Drop discards any buffered deltas for the session without emitting.
func (b *DeltaBatcher) Drop(sessionID string) {
	b.mu.Lock()
	if buf, ok := b.bufs[sessionID]; ok {
		buf.timer.Stop()
		delete(b.bufs, sessionID)
	}
	b.mu.Unlock()
}

// FlushAll emits every buffered delta. Used during shutdown.
func (b *DeltaBatcher) FlushAll() {
	b.mu.Lock()
	for id, buf := range b.bufs {
		b.flushLocked(id, buf)
	}
	b.mu.Unlock()
}
