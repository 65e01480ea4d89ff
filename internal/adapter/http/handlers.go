package http

import (
	"net/http"

	"github.com/parley-dev/parley/internal/adapter/mcpcheck"
	"github.com/parley-dev/parley/internal/adapter/otel"
	"github.com/parley-dev/parley/internal/service"
)

// Limits bounds per-request resource usage.
type Limits struct {
	MaxRequestBodySize int64
}

// DefaultLimits are used when no limits are configured.
var DefaultLimits = Limits{
	MaxRequestBodySize: 1 << 20, // 1 MiB
}

// Handlers bundles the dependencies of all HTTP handlers.
type Handlers struct {
	Orchestrator *service.Orchestrator
	Tokens       *service.TokenCoordinator
	Probe        *mcpcheck.Probe
	Metrics      *otel.Metrics // optional
	Limits       Limits
}

// NewHandlers creates the handler set with default limits.
func NewHandlers(orch *service.Orchestrator, tokens *service.TokenCoordinator, probe *mcpcheck.Probe) *Handlers {
	return &Handlers{
		Orchestrator: orch,
		Tokens:       tokens,
		Probe:        probe,
		Limits:       DefaultLimits,
	}
}

// Health handles GET /healthz.
func (h *Handlers) Health(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
