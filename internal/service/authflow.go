package service

import (
	"context"
	"time"

	"github.com/parley-dev/parley/internal/domain"
	"github.com/parley-dev/parley/internal/domain/agentevent"
	"github.com/parley-dev/parley/internal/domain/session"
	"github.com/parley-dev/parley/internal/port/broadcast"
)

// scheduleAuthRetry sets up the one-shot credential retry for the current
// user message: the original message is withdrawn from the log and a
// replacement send (flagged so it can never retry again) is put at the
// head of the queue. The normal queue drain then replays it after the
// failed turn finalizes, with tokens force-refreshed on the way in.
// Must be called with ls.mu held.
func (o *Orchestrator) scheduleAuthRetry(ctx context.Context, ls *liveSession) {
	s := ls.s
	s.AuthRetryAttempted = true
	s.AuthRetryInProgress = true

	if s.LastSentMessageID != "" && s.RemoveByID(s.LastSentMessageID) {
		o.bcast.BroadcastEvent(ctx, s.WorkspaceID, broadcast.EventMessageRemoved, broadcast.MessageRemovedEvent{
			SessionID: s.ID,
			MessageID: s.LastSentMessageID,
		})
	}

	retry := session.NewMessage(session.RoleUser, s.LastSentContent)
	opts := s.LastSentOptions
	opts.AuthRetry = true
	opts.ResumeQueuedID = ""

	qs := session.QueuedSend{
		Message:     retry,
		Attachments: s.LastSentAttachments,
		Options:     opts,
	}
	s.Queue = append([]session.QueuedSend{qs}, s.Queue...)

	o.log.Info("auth retry scheduled", "session_id", s.ID, "generation", s.ProcessingGeneration)
}

// handleAuthRequest records a mid-turn credential request and finalizes
// the turn so the session unblocks while the user authenticates. The
// request message is flushed to storage immediately; losing it would
// strand the resolution flow after a restart. Must be called with ls.mu
// held.
func (o *Orchestrator) handleAuthRequest(ctx context.Context, ls *liveSession, gen uint64, ev agentevent.Event) {
	s := ls.s

	req := &session.AuthRequest{
		ID:        ev.AuthRequestID,
		Source:    ev.AuthSource,
		Prompt:    ev.AuthPrompt,
		CreatedAt: time.Now().UTC(),
	}
	s.PendingAuthRequestID = req.ID
	s.PendingAuthRequest = req

	m := session.NewMessage(session.RoleAuthRequest, ev.AuthPrompt)
	m.AuthRequestID = req.ID
	m.AuthStatus = session.AuthPending
	m.TurnID = s.CurrentTurnID
	s.Append(m)

	o.broadcastMessage(ctx, s, broadcast.EventMessageCreated, m)
	o.bcast.BroadcastEvent(ctx, s.WorkspaceID, broadcast.EventAuthRequest, broadcast.AuthRequestEvent{
		SessionID: s.ID,
		RequestID: req.ID,
		Source:    req.Source,
		Prompt:    req.Prompt,
	})

	o.persist.Enqueue(s.Snapshot())
	if err := o.persist.Flush(ctx, s.ID); err != nil {
		o.log.Error("flush after auth request failed", "session_id", s.ID, "error", err)
	}

	o.onProcessingStoppedLocked(ls, gen, reasonAuthRequest)
}

// RespondToAuth resolves a pending credential request. On approval the
// original user message is re-sent once with tokens force-refreshed; a
// denial just closes out the request.
func (o *Orchestrator) RespondToAuth(ctx context.Context, workspaceID, sessionID, requestID string, approved bool) error {
	ls, err := o.ensure(ctx, workspaceID, sessionID)
	if err != nil {
		return err
	}

	ls.mu.Lock()
	s := ls.s
	if ls.deleted {
		ls.mu.Unlock()
		return domain.ErrSessionDeleted
	}
	if s.PendingAuthRequestID == "" || s.PendingAuthRequestID != requestID {
		ls.mu.Unlock()
		return domain.ErrNotFound
	}

	status := session.AuthCancelled
	if approved {
		status = session.AuthCompleted
	}
	if i := findAuthMessage(s, requestID); i >= 0 {
		s.Messages[i].AuthStatus = status
		o.broadcastMessage(ctx, s, broadcast.EventMessageUpdated, s.Messages[i])
	}
	s.PendingAuthRequestID = ""
	s.PendingAuthRequest = nil

	o.bcast.BroadcastEvent(ctx, s.WorkspaceID, broadcast.EventAuthResolved, broadcast.AuthResolvedEvent{
		SessionID: s.ID,
		RequestID: requestID,
		Status:    string(status),
	})
	o.persist.Enqueue(s.Snapshot())

	resend := approved && !s.IsProcessing && s.LastSentContent != ""
	var content string
	var atts []session.Attachment
	var opts session.SendOptions
	if resend {
		content = s.LastSentContent
		atts = s.LastSentAttachments
		opts = s.LastSentOptions
		opts.AuthRetry = true
		// The original message is still in the log; reuse it.
		opts.ResumeQueuedID = s.LastSentMessageID
	}
	ls.mu.Unlock()

	if err := o.persist.Flush(ctx, sessionID); err != nil {
		o.log.Error("flush after auth resolution failed", "session_id", sessionID, "error", err)
	}

	if resend {
		if _, err := o.SendMessage(ctx, workspaceID, sessionID, content, atts, opts); err != nil {
			return err
		}
	}
	return nil
}

// findAuthMessage returns the index of the auth-request message with the
// given request id, or -1.
func findAuthMessage(s *session.Session, requestID string) int {
	for i := range s.Messages {
		if s.Messages[i].Role == session.RoleAuthRequest && s.Messages[i].AuthRequestID == requestID {
			return i
		}
	}
	return -1
}
