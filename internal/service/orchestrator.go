// Package service implements the session orchestration core: turn
// lifecycle, event processing, delta batching, debounced persistence, and
// credential refresh coordination.
package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"

	"github.com/parley-dev/parley/internal/domain"
	"github.com/parley-dev/parley/internal/domain/session"
	"github.com/parley-dev/parley/internal/port/agentbackend"
	"github.com/parley-dev/parley/internal/port/broadcast"
	"github.com/parley-dev/parley/internal/port/cache"
	"github.com/parley-dev/parley/internal/port/storage"
)

// Turn completion reasons reported on session.complete.
const (
	reasonComplete    = "complete"
	reasonCancelled   = "cancelled"
	reasonError       = "error"
	reasonAuthRequest = "auth_request"
	reasonAuthRetry   = "auth_retry"
	reasonPlan        = "plan"
	reasonDeleted     = "deleted"
)

// liveSession pairs a session with its runtime bookkeeping. All access to
// the session and to the fields below goes through mu.
type liveSession struct {
	mu sync.Mutex
	s  *session.Session

	inv     agentbackend.Invocation
	viewing bool

	// lastFinalized is the highest generation whose turn already went
	// through the finalize path. Together with ProcessingGeneration it
	// makes finalization idempotent and immune to stale streams.
	lastFinalized uint64

	deleted bool
}

// Orchestrator owns every live session and drives the turn lifecycle:
// at most one backend invocation per session, with later sends queued
// behind the active turn.
type Orchestrator struct {
	backend agentbackend.Backend
	store   storage.Store
	bcast   broadcast.Broadcaster
	tokens  *TokenCoordinator
	batcher *DeltaBatcher
	persist *PersistQueue
	cache   cache.Cache
	log     *slog.Logger

	cacheTTL       time.Duration
	teardownSettle time.Duration

	mu       sync.RWMutex
	sessions map[string]*liveSession
	loads    singleflight.Group
}

// OrchestratorDeps bundles the orchestrator's collaborators.
type OrchestratorDeps struct {
	Backend        agentbackend.Backend
	Store          storage.Store
	Broadcast      broadcast.Broadcaster
	Tokens         *TokenCoordinator
	Batcher        *DeltaBatcher
	Persist        *PersistQueue
	Cache          cache.Cache // optional metadata cache
	CacheTTL       time.Duration
	TeardownSettle time.Duration
	Logger         *slog.Logger
}

// NewOrchestrator creates the orchestrator.
func NewOrchestrator(d OrchestratorDeps) *Orchestrator {
	return &Orchestrator{
		backend:        d.Backend,
		store:          d.Store,
		bcast:          d.Broadcast,
		tokens:         d.Tokens,
		batcher:        d.Batcher,
		persist:        d.Persist,
		cache:          d.Cache,
		log:            d.Logger,
		cacheTTL:       d.CacheTTL,
		teardownSettle: d.TeardownSettle,
		sessions:       make(map[string]*liveSession),
	}
}

// SessionView is the read model returned to display surfaces. It is a
// snapshot; surfaces never hold a reference into orchestrator state.
type SessionView struct {
	session.Record
	IsProcessing  bool                 `json:"is_processing"`
	QueueLength   int                  `json:"queue_length"`
	StreamingText string               `json:"streaming_text,omitempty"`
	PendingAuth   *session.AuthRequest `json:"pending_auth,omitempty"`
}

// CreateSession registers a new empty session and persists it immediately.
func (o *Orchestrator) CreateSession(ctx context.Context, workspaceID, rootPath, name string) (session.Metadata, error) {
	s := session.New(workspaceID, rootPath)
	s.Name = name
	ls := &liveSession{s: s}

	o.mu.Lock()
	o.sessions[s.ID] = ls
	o.mu.Unlock()

	o.persist.Enqueue(s.Snapshot())
	if err := o.persist.Flush(ctx, s.ID); err != nil {
		return session.Metadata{}, fmt.Errorf("create session: %w", err)
	}
	o.invalidateMeta(ctx, workspaceID)

	meta := s.Meta()
	o.bcast.BroadcastEvent(ctx, workspaceID, broadcast.EventSessionUpdated, broadcast.SessionUpdatedEvent{
		SessionID: s.ID,
		Meta:      meta,
	})
	o.log.Info("session created", "session_id", s.ID, "workspace_id", workspaceID)
	return meta, nil
}

// ListSessions returns metadata for every session in a workspace. Stored
// metadata is overlaid with live runtime state (processing, unread, name).
func (o *Orchestrator) ListSessions(ctx context.Context, workspaceID string) ([]session.Metadata, error) {
	metas, err := o.loadMetadata(ctx, workspaceID)
	if err != nil {
		return nil, err
	}

	byID := make(map[string]int, len(metas))
	for i, m := range metas {
		byID[m.ID] = i
	}

	o.mu.RLock()
	for id, ls := range o.sessions {
		ls.mu.Lock()
		if ls.s.WorkspaceID == workspaceID && !ls.deleted {
			live := ls.s.Meta()
			if i, ok := byID[id]; ok {
				metas[i] = live
			} else {
				metas = append(metas, live)
			}
		}
		ls.mu.Unlock()
	}
	o.mu.RUnlock()

	sort.Slice(metas, func(i, j int) bool {
		return metas[i].UpdatedAt.After(metas[j].UpdatedAt)
	})
	return metas, nil
}

// loadMetadata reads workspace metadata through the cache.
func (o *Orchestrator) loadMetadata(ctx context.Context, workspaceID string) ([]session.Metadata, error) {
	key := metaCacheKey(workspaceID)

	if o.cache != nil {
		if data, ok, err := o.cache.Get(ctx, key); err == nil && ok {
			var metas []session.Metadata
			if jerr := json.Unmarshal(data, &metas); jerr == nil {
				return metas, nil
			}
		}
	}

	metas, err := o.store.LoadMetadata(ctx, workspaceID)
	if err != nil {
		return nil, fmt.Errorf("load workspace %s: %w", workspaceID, err)
	}

	if o.cache != nil {
		if data, err := json.Marshal(metas); err == nil {
			_ = o.cache.Set(ctx, key, data, o.cacheTTL)
		}
	}
	return metas, nil
}

// GetSession returns a full snapshot of one session, lazily loading its
// message log from storage on first access.
func (o *Orchestrator) GetSession(ctx context.Context, workspaceID, sessionID string) (SessionView, error) {
	ls, err := o.ensure(ctx, workspaceID, sessionID)
	if err != nil {
		return SessionView{}, err
	}

	ls.mu.Lock()
	defer ls.mu.Unlock()
	if ls.deleted {
		return SessionView{}, domain.ErrSessionDeleted
	}

	s := ls.s
	var pending *session.AuthRequest
	if s.PendingAuthRequest != nil {
		req := *s.PendingAuthRequest
		pending = &req
	}
	return SessionView{
		Record:        s.Snapshot(),
		IsProcessing:  s.IsProcessing,
		QueueLength:   len(s.Queue),
		StreamingText: s.StreamingText,
		PendingAuth:   pending,
	}, nil
}

// SendMessage submits a user message to a session. If a turn is in flight
// the message is appended to the log, queued, and the active invocation is
// cancelled so the redirect happens quickly. Otherwise a new turn starts.
// Returns the id of the logged user message.
func (o *Orchestrator) SendMessage(ctx context.Context, workspaceID, sessionID, content string, atts []session.Attachment, opts session.SendOptions) (string, error) {
	ls, err := o.ensure(ctx, workspaceID, sessionID)
	if err != nil {
		return "", err
	}

	ls.mu.Lock()
	s := ls.s
	if ls.deleted {
		ls.mu.Unlock()
		return "", domain.ErrSessionDeleted
	}

	if s.IsProcessing {
		msg := session.NewMessage(session.RoleUser, content)
		s.Append(msg)
		s.Queue = append(s.Queue, session.QueuedSend{Message: msg, Attachments: atts, Options: opts})
		inv := ls.inv
		o.bcast.BroadcastEvent(ctx, s.WorkspaceID, broadcast.EventMessageQueued, broadcast.MessageQueuedEvent{
			SessionID: s.ID,
			Message:   msg,
		})
		o.persist.Enqueue(s.Snapshot())
		ls.mu.Unlock()

		if inv != nil {
			go func() { _ = inv.Cancel(context.Background()) }()
		}
		return msg.ID, nil
	}

	// Idle: start a turn. A replayed queued send is already in the log.
	var msg session.Message
	if opts.ResumeQueuedID != "" {
		if i := s.FindByID(opts.ResumeQueuedID); i >= 0 {
			msg = s.Messages[i]
		}
	}
	if msg.ID == "" {
		msg = session.NewMessage(session.RoleUser, content)
		s.Append(msg)
		o.bcast.BroadcastEvent(ctx, s.WorkspaceID, broadcast.EventMessageCreated, broadcast.MessageCreatedEvent{
			SessionID: s.ID,
			Message:   msg,
		})
	}

	titleSet := s.AutoTitle(content)
	if !opts.AuthRetry {
		s.AuthRetryAttempted = false
	}
	s.AuthRetryInProgress = false
	s.IsProcessing = true
	s.ProcessingGeneration++
	gen := s.ProcessingGeneration
	s.CurrentTurnID = uuid.NewString()
	s.StreamingText = ""
	s.LastSentContent = content
	s.LastSentAttachments = atts
	s.LastSentOptions = opts
	s.LastSentMessageID = msg.ID

	req := agentbackend.InvokeRequest{
		SessionID:        s.ID,
		WorkspaceID:      s.WorkspaceID,
		RootPath:         s.RootPath,
		BackendSessionID: s.BackendSessionID,
		Content:          content,
		Attachments:      atts,
		Model:            firstNonEmpty(opts.Model, s.Model),
		PermissionMode:   firstNonEmpty(opts.PermissionMode, s.PermissionMode),
		ThinkingLevel:    firstNonEmpty(opts.ThinkingLevel, s.ThinkingLevel),
	}
	integrations := append([]string(nil), s.EnabledIntegrations...)

	o.bcast.BroadcastEvent(ctx, workspaceID, broadcast.EventSessionProcessing, broadcast.SessionProcessingEvent{
		SessionID: s.ID,
	})
	o.persist.Enqueue(s.Snapshot())
	ls.mu.Unlock()

	if titleSet {
		// Make the auto-title visible in listings right away.
		if err := o.persist.Flush(ctx, sessionID); err != nil {
			o.log.Warn("flush after auto-title failed", "session_id", sessionID, "error", err)
		}
		o.invalidateMeta(ctx, workspaceID)
	}

	grants, failures := o.tokens.Grants(ctx, integrations, opts.AuthRetry)
	for _, f := range failures {
		o.bcast.BroadcastEvent(ctx, workspaceID, broadcast.EventTokenWarning, broadcast.TokenWarningEvent{
			SessionID: sessionID,
			Source:    f.Source,
			Error:     f.Err.Error(),
		})
	}
	req.Integrations = grants

	inv, err := o.backend.Invoke(ctx, req)

	ls.mu.Lock()
	if err != nil {
		em := session.NewMessage(session.RoleError, "failed to start agent: "+err.Error())
		em.TurnID = s.CurrentTurnID
		s.Append(em)
		o.bcast.BroadcastEvent(ctx, s.WorkspaceID, broadcast.EventMessageCreated, broadcast.MessageCreatedEvent{
			SessionID: s.ID,
			Message:   em,
		})
		o.onProcessingStoppedLocked(ls, gen, reasonError)
		ls.mu.Unlock()
		return "", fmt.Errorf("invoke backend: %w", err)
	}
	if gen != s.ProcessingGeneration || ls.deleted {
		// A redirect or delete won the race while we were invoking.
		ls.mu.Unlock()
		_ = inv.Cancel(ctx)
		_ = inv.Close()
		return msg.ID, nil
	}
	ls.inv = inv
	ls.mu.Unlock()

	go o.consume(ls, inv, gen)
	return msg.ID, nil
}

// consume drains one invocation's event stream. Events arriving after the
// turn was finalized (stale generation) are discarded.
func (o *Orchestrator) consume(ls *liveSession, inv agentbackend.Invocation, gen uint64) {
	ts := &turnState{}

	for ev := range inv.Events() {
		ls.mu.Lock()
		if ls.lastFinalized >= gen || gen != ls.s.ProcessingGeneration {
			ls.mu.Unlock()
			continue
		}
		o.processEvent(ls, gen, ts, ev)
		ls.mu.Unlock()

		if ts.cancelBackend {
			ts.cancelBackend = false
			_ = inv.Cancel(context.Background())
		}
	}

	ls.mu.Lock()
	o.onProcessingStoppedLocked(ls, gen, ts.reason())
	ls.mu.Unlock()

	if err := inv.Close(); err != nil {
		o.log.Debug("close invocation", "session_id", ls.s.ID, "error", err)
	}
}

// onProcessingStoppedLocked is the single choke point for ending a turn.
// Idempotent: a stale generation or an already-finalized turn is a no-op.
// Must be called with ls.mu held.
func (o *Orchestrator) onProcessingStoppedLocked(ls *liveSession, gen uint64, reason string) {
	s := ls.s
	if gen != s.ProcessingGeneration || ls.lastFinalized >= gen {
		return
	}
	ls.lastFinalized = gen
	s.IsProcessing = false
	ls.inv = nil

	turnID := s.CurrentTurnID
	s.CurrentTurnID = ""
	s.StreamingText = ""
	o.batcher.Flush(s.ID)

	ctx := context.Background()
	if ls.viewing {
		s.HasUnread = false
		if n := len(s.Messages); n > 0 {
			s.LastReadMessageID = s.Messages[n-1].ID
		}
	} else if turnProducedReply(s, turnID) && !s.HasUnread {
		s.HasUnread = true
		o.bcast.BroadcastEvent(ctx, s.WorkspaceID, broadcast.EventSessionUnread, broadcast.SessionUnreadEvent{
			SessionID: s.ID,
			HasUnread: true,
		})
	}

	if len(s.Queue) > 0 && !ls.deleted && reason != reasonDeleted {
		next := s.Queue[0]
		s.Queue = append([]session.QueuedSend(nil), s.Queue[1:]...)
		go o.startQueued(s.WorkspaceID, s.ID, next)
	} else {
		o.bcast.BroadcastEvent(ctx, s.WorkspaceID, broadcast.EventSessionComplete, broadcast.SessionCompleteEvent{
			SessionID:  s.ID,
			Reason:     reason,
			TokenUsage: s.TokenUsage,
			HasUnread:  s.HasUnread,
		})
	}

	o.persist.Enqueue(s.Snapshot())
	o.log.Debug("turn finished", "session_id", s.ID, "generation", gen, "reason", reason)
}

// startQueued replays a queued send as a fresh turn.
func (o *Orchestrator) startQueued(workspaceID, sessionID string, q session.QueuedSend) {
	opts := q.Options
	opts.ResumeQueuedID = q.Message.ID
	if _, err := o.SendMessage(context.Background(), workspaceID, sessionID, q.Message.Content, q.Attachments, opts); err != nil {
		o.log.Error("replay queued send failed", "session_id", sessionID, "error", err)
	}
}

// CancelProcessing interrupts the active turn and drops any queued sends.
// No-op when the session is idle. When silent is set, no "interrupted"
// info message is appended to the log.
func (o *Orchestrator) CancelProcessing(ctx context.Context, workspaceID, sessionID string, silent bool) error {
	ls, err := o.ensure(ctx, workspaceID, sessionID)
	if err != nil {
		return err
	}

	ls.mu.Lock()
	s := ls.s
	if !s.IsProcessing {
		ls.mu.Unlock()
		return nil
	}
	s.Queue = nil
	gen := s.ProcessingGeneration
	inv := ls.inv

	if !silent {
		im := session.NewMessage(session.RoleInfo, "Interrupted by user")
		im.TurnID = s.CurrentTurnID
		s.Append(im)
		o.bcast.BroadcastEvent(ctx, s.WorkspaceID, broadcast.EventMessageCreated, broadcast.MessageCreatedEvent{
			SessionID: s.ID,
			Message:   im,
		})
	}

	o.onProcessingStoppedLocked(ls, gen, reasonCancelled)
	ls.mu.Unlock()

	if inv != nil {
		go func() { _ = inv.Cancel(context.Background()) }()
	}
	return nil
}

// SetViewing records whether a surface is actively viewing the session.
// Entering a session clears its unread flag.
func (o *Orchestrator) SetViewing(ctx context.Context, workspaceID, sessionID string, viewing bool) error {
	ls, err := o.ensure(ctx, workspaceID, sessionID)
	if err != nil {
		return err
	}

	ls.mu.Lock()
	defer ls.mu.Unlock()
	ls.viewing = viewing
	s := ls.s
	if viewing && s.HasUnread {
		s.HasUnread = false
		if n := len(s.Messages); n > 0 {
			s.LastReadMessageID = s.Messages[n-1].ID
		}
		o.bcast.BroadcastEvent(ctx, s.WorkspaceID, broadcast.EventSessionUnread, broadcast.SessionUnreadEvent{
			SessionID: s.ID,
			HasUnread: false,
		})
		o.persist.Enqueue(s.Snapshot())
	}
	return nil
}

// UpdateSettings changes the session's default model, permission mode,
// thinking level, and enabled integrations. Applies from the next turn.
func (o *Orchestrator) UpdateSettings(ctx context.Context, workspaceID, sessionID string, model, permissionMode, thinkingLevel *string, integrations *[]string) error {
	ls, err := o.ensure(ctx, workspaceID, sessionID)
	if err != nil {
		return err
	}

	ls.mu.Lock()
	defer ls.mu.Unlock()
	s := ls.s
	if model != nil {
		s.Model = *model
	}
	if permissionMode != nil {
		s.PermissionMode = *permissionMode
	}
	if thinkingLevel != nil {
		s.ThinkingLevel = *thinkingLevel
	}
	if integrations != nil {
		s.EnabledIntegrations = append([]string(nil), (*integrations)...)
	}
	s.UpdatedAt = time.Now().UTC()

	o.bcast.BroadcastEvent(ctx, s.WorkspaceID, broadcast.EventSessionUpdated, broadcast.SessionUpdatedEvent{
		SessionID: s.ID,
		Meta:      s.Meta(),
	})
	o.persist.Enqueue(s.Snapshot())
	return nil
}

// DeleteSession cancels any active turn, waits briefly for the backend to
// wind down, then removes the session and its storage artifacts. A pending
// debounced write is cancelled so it cannot resurrect the session.
func (o *Orchestrator) DeleteSession(ctx context.Context, workspaceID, sessionID string) error {
	ls, err := o.ensure(ctx, workspaceID, sessionID)
	if err != nil {
		return err
	}

	ls.mu.Lock()
	if ls.deleted {
		ls.mu.Unlock()
		return nil
	}
	ls.deleted = true
	s := ls.s
	s.Queue = nil
	inv := ls.inv
	if s.IsProcessing {
		o.onProcessingStoppedLocked(ls, s.ProcessingGeneration, reasonDeleted)
	}
	ls.mu.Unlock()

	if inv != nil {
		_ = inv.Cancel(ctx)
		time.Sleep(o.teardownSettle)
	}

	o.persist.Cancel(sessionID)
	o.batcher.Drop(sessionID)

	if err := o.store.Delete(ctx, workspaceID, sessionID); err != nil && !errors.Is(err, domain.ErrNotFound) {
		return fmt.Errorf("delete session %s: %w", sessionID, err)
	}

	o.mu.Lock()
	delete(o.sessions, sessionID)
	o.mu.Unlock()

	o.invalidateMeta(ctx, workspaceID)
	o.bcast.BroadcastEvent(ctx, workspaceID, broadcast.EventSessionDeleted, broadcast.SessionDeletedEvent{
		SessionID: sessionID,
	})
	o.log.Info("session deleted", "session_id", sessionID, "workspace_id", workspaceID)
	return nil
}

// OpenWorkspace warms the metadata listing for a workspace.
func (o *Orchestrator) OpenWorkspace(ctx context.Context, workspaceID string) ([]session.Metadata, error) {
	return o.ListSessions(ctx, workspaceID)
}

// Shutdown flushes buffered deltas and pending writes.
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	o.batcher.FlushAll()
	if err := o.persist.FlushAll(ctx); err != nil {
		return fmt.Errorf("shutdown flush: %w", err)
	}
	return nil
}

// ensure returns the live session, loading it from storage on first
// access. Concurrent loads of the same session collapse via singleflight.
func (o *Orchestrator) ensure(ctx context.Context, workspaceID, sessionID string) (*liveSession, error) {
	o.mu.RLock()
	ls, ok := o.sessions[sessionID]
	o.mu.RUnlock()
	if ok {
		return ls, nil
	}

	v, err, _ := o.loads.Do(sessionID, func() (any, error) {
		o.mu.RLock()
		ls, ok := o.sessions[sessionID]
		o.mu.RUnlock()
		if ok {
			return ls, nil
		}

		rec, err := o.store.LoadMessages(ctx, workspaceID, sessionID)
		if err != nil {
			return nil, err
		}
		ls = &liveSession{s: session.FromRecord(*rec)}

		o.mu.Lock()
		o.sessions[sessionID] = ls
		o.mu.Unlock()
		return ls, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*liveSession), nil
}

// invalidateMeta drops the cached metadata listing for a workspace.
func (o *Orchestrator) invalidateMeta(ctx context.Context, workspaceID string) {
	if o.cache != nil {
		_ = o.cache.Delete(ctx, metaCacheKey(workspaceID))
	}
}

func metaCacheKey(workspaceID string) string {
	return "sessions:meta:" + workspaceID
}

// turnProducedReply reports whether the turn produced a final assistant
// message. Intermediate output (tool calls, status lines) does not count
// toward unread.
func turnProducedReply(s *session.Session, turnID string) bool {
	if turnID == "" {
		return false
	}
	for i := len(s.Messages) - 1; i >= 0; i-- {
		m := s.Messages[i]
		if m.TurnID != turnID {
			continue
		}
		if m.Role == session.RoleAssistant && !m.IsIntermediate {
			return true
		}
	}
	return false
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
