package service

import (
	"context"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/parley-dev/parley/internal/domain"
	"github.com/parley-dev/parley/internal/domain/agentevent"
	"github.com/parley-dev/parley/internal/domain/session"
	"github.com/parley-dev/parley/internal/port/agentbackend"
	"github.com/parley-dev/parley/internal/port/credentials"
	"github.com/parley-dev/parley/internal/resilience"
)

// fakeInvocation is a scriptable backend turn. Tests feed events through
// emit and end the stream with finish. When autoAbort is set, Cancel
// emits the backend's abort error and closes the stream, mimicking
// cooperative cancellation.
type fakeInvocation struct {
	mu        sync.Mutex
	ch        chan agentevent.Event
	cancels   int
	closed    bool
	finished  bool
	autoAbort bool
}

func newFakeInvocation(autoAbort bool) *fakeInvocation {
	return &fakeInvocation{
		ch:        make(chan agentevent.Event, 64),
		autoAbort: autoAbort,
	}
}

func (f *fakeInvocation) Events() <-chan agentevent.Event { return f.ch }

func (f *fakeInvocation) Cancel(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cancels++
	if f.autoAbort && !f.finished {
		f.ch <- agentevent.Event{Kind: agentevent.KindError, ErrorType: agentevent.ErrorTypeAborted}
		close(f.ch)
		f.finished = true
	}
	return nil
}

func (f *fakeInvocation) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeInvocation) emit(ev agentevent.Event) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.finished {
		f.ch <- ev
	}
}

func (f *fakeInvocation) finish() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.finished {
		close(f.ch)
		f.finished = true
	}
}

func (f *fakeInvocation) cancelCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.cancels
}

func (f *fakeInvocation) isClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

// fakeBackend hands out one fakeInvocation per Invoke and records every
// request. Tests receive started invocations on the invoked channel.
type fakeBackend struct {
	mu        sync.Mutex
	reqs      []agentbackend.InvokeRequest
	autoAbort bool
	invoked   chan *fakeInvocation
	invokeErr error
}

func newFakeBackend(autoAbort bool) *fakeBackend {
	return &fakeBackend{
		autoAbort: autoAbort,
		invoked:   make(chan *fakeInvocation, 16),
	}
}

func (b *fakeBackend) Name() string { return "fake" }

func (b *fakeBackend) Invoke(_ context.Context, req agentbackend.InvokeRequest) (agentbackend.Invocation, error) {
	b.mu.Lock()
	b.reqs = append(b.reqs, req)
	err := b.invokeErr
	b.mu.Unlock()
	if err != nil {
		return nil, err
	}

	inv := newFakeInvocation(b.autoAbort)
	b.invoked <- inv
	return inv, nil
}

func (b *fakeBackend) setInvokeErr(err error) {
	b.mu.Lock()
	b.invokeErr = err
	b.mu.Unlock()
}

func (b *fakeBackend) requests() []agentbackend.InvokeRequest {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]agentbackend.InvokeRequest, len(b.reqs))
	copy(out, b.reqs)
	return out
}

func (b *fakeBackend) waitInvocation(t *testing.T) *fakeInvocation {
	t.Helper()
	select {
	case inv := <-b.invoked:
		return inv
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for backend invocation")
		return nil
	}
}

// memStore is an in-memory storage.Store.
type memStore struct {
	mu      sync.Mutex
	records map[string]session.Record // sessionID -> record
	writes  int
	deletes int
}

func newMemStore() *memStore {
	return &memStore{records: make(map[string]session.Record)}
}

func (m *memStore) LoadMetadata(_ context.Context, workspaceID string) ([]session.Metadata, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var metas []session.Metadata
	for _, rec := range m.records {
		if rec.WorkspaceID != workspaceID {
			continue
		}
		metas = append(metas, session.Metadata{
			ID:               rec.ID,
			WorkspaceID:      rec.WorkspaceID,
			Name:             rec.Name,
			BackendSessionID: rec.BackendSessionID,
			HasUnread:        rec.HasUnread,
			TokenUsage:       rec.TokenUsage,
			CreatedAt:        rec.CreatedAt,
			UpdatedAt:        rec.UpdatedAt,
		})
	}
	return metas, nil
}

func (m *memStore) LoadMessages(_ context.Context, workspaceID, sessionID string) (*session.Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[sessionID]
	if !ok || rec.WorkspaceID != workspaceID {
		return nil, domain.ErrNotFound
	}
	out := rec
	return &out, nil
}

func (m *memStore) Write(_ context.Context, rec *session.Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records[rec.ID] = *rec
	m.writes++
	return nil
}

func (m *memStore) Delete(_ context.Context, workspaceID, sessionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[sessionID]
	if !ok || rec.WorkspaceID != workspaceID {
		return domain.ErrNotFound
	}
	delete(m.records, sessionID)
	m.deletes++
	return nil
}

func (m *memStore) record(sessionID string) (session.Record, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[sessionID]
	return rec, ok
}

func (m *memStore) writeCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.writes
}

// broadcastRecord is one captured broadcast.
type broadcastRecord struct {
	WorkspaceID string
	Type        string
	Payload     any
}

// recordingBroadcaster captures all broadcasts for assertions.
type recordingBroadcaster struct {
	mu     sync.Mutex
	events []broadcastRecord
}

func (r *recordingBroadcaster) BroadcastEvent(_ context.Context, workspaceID, eventType string, payload any) {
	r.mu.Lock()
	r.events = append(r.events, broadcastRecord{WorkspaceID: workspaceID, Type: eventType, Payload: payload})
	r.mu.Unlock()
}

func (r *recordingBroadcaster) ofType(eventType string) []broadcastRecord {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []broadcastRecord
	for _, e := range r.events {
		if e.Type == eventType {
			out = append(out, e)
		}
	}
	return out
}

// fakeCreds is an in-memory credentials.Store with counters.
type fakeCreds struct {
	mu         sync.Mutex
	tokens     map[string]credentials.Token
	refreshes  map[string]int
	refreshErr error
}

func newFakeCreds() *fakeCreds {
	return &fakeCreds{
		tokens:    make(map[string]credentials.Token),
		refreshes: make(map[string]int),
	}
}

func (c *fakeCreds) Token(_ context.Context, source string) (credentials.Token, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	tok, ok := c.tokens[source]
	return tok, ok, nil
}

func (c *fakeCreds) Refresh(_ context.Context, source string) (credentials.Token, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.refreshes[source]++
	if c.refreshErr != nil {
		return credentials.Token{}, c.refreshErr
	}
	tok := credentials.Token{
		Source:      source,
		AccessToken: "refreshed-" + source,
		ExpiresAt:   time.Now().Add(time.Hour),
	}
	c.tokens[source] = tok
	return tok, nil
}

func (c *fakeCreds) refreshCount(source string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.refreshes[source]
}

// testHarness bundles an orchestrator with its fakes.
type testHarness struct {
	orch    *Orchestrator
	backend *fakeBackend
	store   *memStore
	bcast   *recordingBroadcaster
	creds   *fakeCreds
}

func newHarness(t *testing.T, autoAbort bool) *testHarness {
	t.Helper()

	backend := newFakeBackend(autoAbort)
	store := newMemStore()
	bcast := &recordingBroadcaster{}
	creds := newFakeCreds()
	log := slog.New(slog.DiscardHandler)

	tokens := NewTokenCoordinator(creds, resilience.NewBreakerGroup(3, time.Minute), 2*time.Minute, time.Minute, log)
	batcher := NewDeltaBatcher(5*time.Millisecond, bcast)
	persist := NewPersistQueue(store, 10*time.Millisecond, log)

	orch := NewOrchestrator(OrchestratorDeps{
		Backend:        backend,
		Store:          store,
		Broadcast:      bcast,
		Tokens:         tokens,
		Batcher:        batcher,
		Persist:        persist,
		TeardownSettle: time.Millisecond,
		Logger:         log,
	})

	return &testHarness{orch: orch, backend: backend, store: store, bcast: bcast, creds: creds}
}

// waitFor polls until cond holds or the deadline passes.
func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

// live returns the registered live session, failing if absent.
func (h *testHarness) live(t *testing.T, sessionID string) *liveSession {
	t.Helper()
	h.orch.mu.RLock()
	defer h.orch.mu.RUnlock()
	ls, ok := h.orch.sessions[sessionID]
	if !ok {
		t.Fatalf("session %s not registered", sessionID)
	}
	return ls
}

// idle reports whether the session finished processing.
func (h *testHarness) idle(sessionID string) bool {
	h.orch.mu.RLock()
	ls, ok := h.orch.sessions[sessionID]
	h.orch.mu.RUnlock()
	if !ok {
		return false
	}
	ls.mu.Lock()
	defer ls.mu.Unlock()
	return !ls.s.IsProcessing
}

// snapshot returns a copy of the session under lock.
func (h *testHarness) snapshot(t *testing.T, sessionID string) session.Record {
	t.Helper()
	ls := h.live(t, sessionID)
	ls.mu.Lock()
	defer ls.mu.Unlock()
	return ls.s.Snapshot()
}
