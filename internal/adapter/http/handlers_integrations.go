package http

import (
	"errors"
	"net/http"

	"github.com/parley-dev/parley/internal/adapter/otel"
	"github.com/parley-dev/parley/internal/port/credentials"
	"github.com/parley-dev/parley/internal/service"
)

// refresh drives one traced token refresh through the coordinator.
func (h *Handlers) refresh(w http.ResponseWriter, r *http.Request, source string) (credentials.Token, bool) {
	ctx, span := otel.StartRefreshSpan(r.Context(), source)
	defer span.End()

	tok, err := h.Tokens.RefreshSource(ctx, source)
	if err != nil {
		span.RecordError(err)
		if errors.Is(err, service.ErrRefreshCooldown) {
			writeError(w, http.StatusTooManyRequests, "refresh in failure cooldown")
			return credentials.Token{}, false
		}
		writeError(w, http.StatusBadGateway, "refresh failed: "+err.Error())
		return credentials.Token{}, false
	}
	if h.Metrics != nil {
		h.Metrics.TokenRefreshes.Add(ctx, 1)
	}
	return tok, true
}

// RefreshIntegration handles POST /api/v1/integrations/{source}/refresh
func (h *Handlers) RefreshIntegration(w http.ResponseWriter, r *http.Request) {
	source := urlParam(r, "source")
	tok, ok := h.refresh(w, r, source)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"source":     source,
		"expires_at": tok.ExpiresAt,
	})
}

type checkIntegrationRequest struct {
	Endpoint string `json:"endpoint"`
}

// CheckIntegration handles POST /api/v1/integrations/{source}/check.
// It refreshes the source's token and probes the MCP endpoint with it.
func (h *Handlers) CheckIntegration(w http.ResponseWriter, r *http.Request) {
	source := urlParam(r, "source")
	req, ok := readJSON[checkIntegrationRequest](w, r, h.Limits.MaxRequestBodySize)
	if !ok {
		return
	}
	if !requireField(w, req.Endpoint, "endpoint") {
		return
	}

	tok, ok := h.refresh(w, r, source)
	if !ok {
		return
	}

	result, err := h.Probe.Check(r.Context(), req.Endpoint, tok.AccessToken)
	if err != nil {
		writeInternalError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}
