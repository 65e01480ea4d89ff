package http

import (
	"net/http"

	"github.com/parley-dev/parley/internal/domain/session"
)

type createSessionRequest struct {
	RootPath string `json:"root_path"`
	Name     string `json:"name"`
}

// CreateSession handles POST /api/v1/workspaces/{ws}/sessions
func (h *Handlers) CreateSession(w http.ResponseWriter, r *http.Request) {
	workspaceID := urlParam(r, "ws")
	req, ok := readJSON[createSessionRequest](w, r, h.Limits.MaxRequestBodySize)
	if !ok {
		return
	}
	if !requireField(w, req.RootPath, "root_path") {
		return
	}

	meta, err := h.Orchestrator.CreateSession(r.Context(), workspaceID, req.RootPath, req.Name)
	if err != nil {
		writeInternalError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, meta)
}

// ListSessions handles GET /api/v1/workspaces/{ws}/sessions
func (h *Handlers) ListSessions(w http.ResponseWriter, r *http.Request) {
	workspaceID := urlParam(r, "ws")
	metas, err := h.Orchestrator.ListSessions(r.Context(), workspaceID)
	if err != nil {
		writeInternalError(w, err)
		return
	}
	if metas == nil {
		metas = []session.Metadata{}
	}
	writeJSON(w, http.StatusOK, metas)
}

// OpenWorkspace handles POST /api/v1/workspaces/{ws}/open
func (h *Handlers) OpenWorkspace(w http.ResponseWriter, r *http.Request) {
	workspaceID := urlParam(r, "ws")
	metas, err := h.Orchestrator.OpenWorkspace(r.Context(), workspaceID)
	if err != nil {
		writeInternalError(w, err)
		return
	}
	if metas == nil {
		metas = []session.Metadata{}
	}
	writeJSON(w, http.StatusOK, metas)
}

// GetSession handles GET /api/v1/workspaces/{ws}/sessions/{id}
func (h *Handlers) GetSession(w http.ResponseWriter, r *http.Request) {
	view, err := h.Orchestrator.GetSession(r.Context(), urlParam(r, "ws"), urlParam(r, "id"))
	if err != nil {
		writeDomainError(w, err, "session not found")
		return
	}
	writeJSON(w, http.StatusOK, view)
}

// DeleteSession handles DELETE /api/v1/workspaces/{ws}/sessions/{id}
func (h *Handlers) DeleteSession(w http.ResponseWriter, r *http.Request) {
	if err := h.Orchestrator.DeleteSession(r.Context(), urlParam(r, "ws"), urlParam(r, "id")); err != nil {
		writeDomainError(w, err, "session not found")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

type sendMessageRequest struct {
	Content     string               `json:"content"`
	Attachments []session.Attachment `json:"attachments,omitempty"`
	Options     session.SendOptions  `json:"options"`
}

type sendMessageResponse struct {
	MessageID string `json:"message_id"`
}

// SendMessage handles POST /api/v1/workspaces/{ws}/sessions/{id}/messages
func (h *Handlers) SendMessage(w http.ResponseWriter, r *http.Request) {
	req, ok := readJSON[sendMessageRequest](w, r, h.Limits.MaxRequestBodySize)
	if !ok {
		return
	}
	if !requireField(w, req.Content, "content") {
		return
	}

	msgID, err := h.Orchestrator.SendMessage(r.Context(),
		urlParam(r, "ws"), urlParam(r, "id"), req.Content, req.Attachments, req.Options)
	if err != nil {
		writeDomainError(w, err, "session not found")
		return
	}
	writeJSON(w, http.StatusAccepted, sendMessageResponse{MessageID: msgID})
}

// CancelProcessing handles POST /api/v1/workspaces/{ws}/sessions/{id}/cancel.
// With ?silent=true the interruption notice is suppressed.
func (h *Handlers) CancelProcessing(w http.ResponseWriter, r *http.Request) {
	silent := r.URL.Query().Get("silent") == "true"
	if err := h.Orchestrator.CancelProcessing(r.Context(), urlParam(r, "ws"), urlParam(r, "id"), silent); err != nil {
		writeDomainError(w, err, "session not found")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "cancelled"})
}

type setViewingRequest struct {
	Viewing bool `json:"viewing"`
}

// SetViewing handles POST /api/v1/workspaces/{ws}/sessions/{id}/view
func (h *Handlers) SetViewing(w http.ResponseWriter, r *http.Request) {
	req, ok := readJSON[setViewingRequest](w, r, h.Limits.MaxRequestBodySize)
	if !ok {
		return
	}
	if err := h.Orchestrator.SetViewing(r.Context(), urlParam(r, "ws"), urlParam(r, "id"), req.Viewing); err != nil {
		writeDomainError(w, err, "session not found")
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"viewing": req.Viewing})
}

type updateSettingsRequest struct {
	Model          *string   `json:"model,omitempty"`
	PermissionMode *string   `json:"permission_mode,omitempty"`
	ThinkingLevel  *string   `json:"thinking_level,omitempty"`
	Integrations   *[]string `json:"integrations,omitempty"`
}

// UpdateSettings handles PATCH /api/v1/workspaces/{ws}/sessions/{id}/settings
func (h *Handlers) UpdateSettings(w http.ResponseWriter, r *http.Request) {
	req, ok := readJSON[updateSettingsRequest](w, r, h.Limits.MaxRequestBodySize)
	if !ok {
		return
	}
	err := h.Orchestrator.UpdateSettings(r.Context(), urlParam(r, "ws"), urlParam(r, "id"),
		req.Model, req.PermissionMode, req.ThinkingLevel, req.Integrations)
	if err != nil {
		writeDomainError(w, err, "session not found")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "updated"})
}

type respondToAuthRequest struct {
	Approved bool `json:"approved"`
}

// RespondToAuth handles POST /api/v1/workspaces/{ws}/sessions/{id}/auth/{requestID}
func (h *Handlers) RespondToAuth(w http.ResponseWriter, r *http.Request) {
	req, ok := readJSON[respondToAuthRequest](w, r, h.Limits.MaxRequestBodySize)
	if !ok {
		return
	}
	err := h.Orchestrator.RespondToAuth(r.Context(),
		urlParam(r, "ws"), urlParam(r, "id"), urlParam(r, "requestID"), req.Approved)
	if err != nil {
		writeDomainError(w, err, "auth request not found")
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"approved": req.Approved})
}
