package transport

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/pitabwire/dealjourney/internal/bus"
	"github.com/pitabwire/dealjourney/internal/observability"
	"github.com/pitabwire/dealjourney/model"
)

// AgentHandler lets downstream agents pull their work over HTTP.
type AgentHandler struct {
	bus    *bus.Bus
	logger *zap.Logger
}

// NewAgentHandler creates an agent handler.
func NewAgentHandler(b *bus.Bus, logger *zap.Logger) *AgentHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &AgentHandler{bus: b, logger: logger}
}

// HandleClaimTask handles POST /v1/agents/{agent}/tasks/claim. It responds
// 204 when the agent has nothing pending.
func (h *AgentHandler) HandleClaimTask(w http.ResponseWriter, r *http.Request) {
	agent := chi.URLParam(r, "agent")
	if _, ok := h.bus.Agents().Get(agent); !ok {
		writeRequestError(w, r, model.NewNotFoundError("Unknown agent "+agent))
		return
	}

	task, ok, err := h.bus.ClaimTask(r.Context(), agent)
	if err != nil {
		observability.LoggerFrom(r.Context(), h.logger).Error("claim task failed",
			zap.String("agent", agent), zap.Error(err))
		writeRequestError(w, r, model.NewUpstreamFailureError())
		return
	}
	if !ok {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	WriteJSON(w, http.StatusOK, task)
}

// HandleDrainEvents handles GET /v1/agents/{agent}/events. Returned events
// are removed from the agent's inbox.
func (h *AgentHandler) HandleDrainEvents(w http.ResponseWriter, r *http.Request) {
	agent := chi.URLParam(r, "agent")
	inbox, ok := h.bus.Agents().Inbox(agent)
	if !ok {
		writeRequestError(w, r, model.NewNotFoundError("No inbox for agent "+agent))
		return
	}

	limit := 0
	if v := r.URL.Query().Get("max"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeRequestError(w, r, model.NewValidationError([]model.FieldError{
				{Field: "max", Code: "INVALID", Message: "max must be a non-negative integer"},
			}))
			return
		}
		limit = n
	}

	events := inbox.Drain(limit)
	if events == nil {
		events = []model.Event{}
	}
	WriteJSON(w, http.StatusOK, map[string]any{"data": events})
}
