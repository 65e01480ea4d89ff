package service

import (
	"context"

	"github.com/parley-dev/parley/internal/domain/agentevent"
	"github.com/parley-dev/parley/internal/domain/session"
	"github.com/parley-dev/parley/internal/port/broadcast"
)

// turnState accumulates what one invocation's stream reported, so the
// finalize path can classify how the turn ended.
type turnState struct {
	sawComplete bool
	sawError    bool
	aborted     bool
	authStop    bool
	planStop    bool
	authRetry   bool

	// cancelBackend asks the consume loop to cancel the invocation after
	// releasing the session lock.
	cancelBackend bool
}

// reason classifies the turn outcome. Auth and plan pauses win over
// everything; an abort is an expected cancellation, not an error.
func (ts *turnState) reason() string {
	switch {
	case ts.authStop:
		return reasonAuthRequest
	case ts.planStop:
		return reasonPlan
	case ts.authRetry:
		return reasonAuthRetry
	case ts.aborted:
		return reasonCancelled
	case ts.sawError:
		return reasonError
	default:
		return reasonComplete
	}
}

// processEvent applies one backend event to the session. Must be called
// with ls.mu held and only for the current generation.
func (o *Orchestrator) processEvent(ls *liveSession, gen uint64, ts *turnState, ev agentevent.Event) {
	s := ls.s
	ctx := context.Background()

	switch ev.Kind {
	case agentevent.KindTextDelta:
		s.StreamingText += ev.Text
		o.batcher.Add(s.WorkspaceID, s.ID, s.CurrentTurnID, ev.Text)

	case agentevent.KindTextComplete:
		o.batcher.Flush(s.ID)
		text := ev.Text
		if text == "" {
			text = s.StreamingText
		}
		s.StreamingText = ""
		if text == "" {
			return
		}
		m := session.NewMessage(session.RoleAssistant, text)
		m.TurnID = s.CurrentTurnID
		s.Append(m)
		o.broadcastMessage(ctx, s, broadcast.EventMessageCreated, m)
		o.persist.Enqueue(s.Snapshot())

	case agentevent.KindToolStart:
		if i := s.FindByToolUseID(ev.ToolUseID); i >= 0 {
			// The backend emits tool-start twice per call: first with empty
			// input, then with the full input once assembled. The second
			// occurrence updates the existing entry in place.
			m := &s.Messages[i]
			m.ToolStatus = session.ToolExecuting
			if len(ev.ToolInput) > 0 && len(m.ToolInput) == 0 {
				m.ToolInput = ev.ToolInput
				o.broadcastMessage(ctx, s, broadcast.EventMessageUpdated, *m)
			}
		} else {
			m := session.NewToolMessage(ev.ToolUseID, ev.ToolName, ev.ToolInput, ev.ParentToolUseID)
			m.ToolStatus = session.ToolExecuting
			m.TurnID = s.CurrentTurnID
			s.Append(m)
			o.broadcastMessage(ctx, s, broadcast.EventMessageCreated, m)
		}
		o.persist.Enqueue(s.Snapshot())

	case agentevent.KindToolResult:
		i := s.FindByToolUseID(ev.ToolUseID)
		if i < 0 {
			// Result without a recorded start; synthesize the entry so the
			// result is never dropped.
			m := session.NewToolMessage(ev.ToolUseID, ev.ToolName, ev.ToolInput, ev.ParentToolUseID)
			m.TurnID = s.CurrentTurnID
			s.Append(m)
			i = len(s.Messages) - 1
		}
		status := session.ToolCompleted
		if ev.ToolIsError {
			status = session.ToolErrored
		}
		changed := s.Messages[i].ToolStatus != status || s.Messages[i].ToolResult != ev.ToolResult
		s.Messages[i].ToolResult = ev.ToolResult
		s.Messages[i].ToolStatus = status
		if changed {
			o.broadcastMessage(ctx, s, broadcast.EventMessageUpdated, s.Messages[i])
		}

		// A finished parent force-completes any child still running.
		for j := range s.Messages {
			child := &s.Messages[j]
			if child.Role == session.RoleTool && child.ParentToolUseID == ev.ToolUseID && !child.ToolStatus.Terminal() {
				child.ToolStatus = session.ToolCompleted
				o.broadcastMessage(ctx, s, broadcast.EventMessageUpdated, *child)
			}
		}
		o.persist.Enqueue(s.Snapshot())

	case agentevent.KindStatus:
		o.bcast.BroadcastEvent(ctx, s.WorkspaceID, broadcast.EventSessionStatus, broadcast.SessionStatusEvent{
			SessionID: s.ID,
			Status:    ev.Status,
		})
		if ev.CompactionDone {
			// Compaction summaries survive restarts; plain status lines don't.
			m := session.NewMessage(session.RoleInfo, ev.Status)
			m.TurnID = s.CurrentTurnID
			m.IsIntermediate = true
			s.Append(m)
			o.broadcastMessage(ctx, s, broadcast.EventMessageCreated, m)
			o.persist.Enqueue(s.Snapshot())
		}

	case agentevent.KindUsage:
		if ev.Usage != nil {
			s.TokenUsage.Merge(tokenUsageFromEvent(*ev.Usage))
			o.persist.Enqueue(s.Snapshot())
		}

	case agentevent.KindError:
		switch {
		case ev.IsAbort():
			ts.aborted = true
		case ev.IsAuthError() && !s.AuthRetryAttempted:
			o.scheduleAuthRetry(ctx, ls)
			ts.authRetry = true
			ts.cancelBackend = true
		default:
			m := session.NewMessage(session.RoleError, ev.ErrorText)
			m.TurnID = s.CurrentTurnID
			s.Append(m)
			o.broadcastMessage(ctx, s, broadcast.EventMessageCreated, m)
			ts.sawError = true
			o.persist.Enqueue(s.Snapshot())
		}

	case agentevent.KindAuthRequest:
		o.handleAuthRequest(ctx, ls, gen, ev)
		ts.authStop = true
		ts.cancelBackend = true

	case agentevent.KindPlanSubmitted:
		m := session.NewMessage(session.RolePlan, ev.Plan)
		m.TurnID = s.CurrentTurnID
		s.Append(m)
		o.broadcastMessage(ctx, s, broadcast.EventMessageCreated, m)
		o.bcast.BroadcastEvent(ctx, s.WorkspaceID, broadcast.EventPlanReady, broadcast.PlanReadyEvent{
			SessionID: s.ID,
			MessageID: m.ID,
		})
		o.persist.Enqueue(s.Snapshot())
		if err := o.persist.Flush(ctx, s.ID); err != nil {
			o.log.Error("flush after plan failed", "session_id", s.ID, "error", err)
		}
		// The turn pauses here for review; finalize before the backend
		// stream winds down so the UI unblocks immediately.
		o.onProcessingStoppedLocked(ls, gen, reasonPlan)
		ts.planStop = true
		ts.cancelBackend = true

	case agentevent.KindComplete:
		if ev.BackendSessionID != "" && s.BackendSessionID == "" {
			s.BackendSessionID = ev.BackendSessionID
		}
		if ev.Usage != nil {
			s.TokenUsage.Merge(tokenUsageFromEvent(*ev.Usage))
		}
		ts.sawComplete = true
		o.persist.Enqueue(s.Snapshot())
		// The resume token must survive a crash; skip the debounce.
		if err := o.persist.Flush(ctx, s.ID); err != nil {
			o.log.Error("flush after complete failed", "session_id", s.ID, "error", err)
		}

	default:
		o.log.Warn("unknown backend event kind", "session_id", s.ID, "kind", string(ev.Kind))
	}
}

// broadcastMessage emits a message lifecycle event for the session.
func (o *Orchestrator) broadcastMessage(ctx context.Context, s *session.Session, eventType string, m session.Message) {
	switch eventType {
	case broadcast.EventMessageCreated:
		o.bcast.BroadcastEvent(ctx, s.WorkspaceID, eventType, broadcast.MessageCreatedEvent{SessionID: s.ID, Message: m})
	case broadcast.EventMessageUpdated:
		o.bcast.BroadcastEvent(ctx, s.WorkspaceID, eventType, broadcast.MessageUpdatedEvent{SessionID: s.ID, Message: m})
	}
}

// tokenUsageFromEvent converts a backend usage report to the session's
// accumulated form.
func tokenUsageFromEvent(u agentevent.Usage) session.TokenUsage {
	return session.TokenUsage{
		InputTokens:         u.InputTokens,
		OutputTokens:        u.OutputTokens,
		CacheReadTokens:     u.CacheReadTokens,
		CacheCreationTokens: u.CacheCreationTokens,
		CostUSD:             u.CostUSD,
	}
}
