package transport

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/pitabwire/dealjourney/internal/journey"
	"github.com/pitabwire/dealjourney/internal/observability"
	"github.com/pitabwire/dealjourney/model"
)

// JourneyHandler serves the operator journey endpoints.
type JourneyHandler struct {
	machine *journey.Machine
	logger  *zap.Logger
}

// NewJourneyHandler creates a journey handler.
func NewJourneyHandler(machine *journey.Machine, logger *zap.Logger) *JourneyHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &JourneyHandler{machine: machine, logger: logger}
}

// HandleGetJourney handles GET /v1/journeys/{customerId}.
func (h *JourneyHandler) HandleGetJourney(w http.ResponseWriter, r *http.Request) {
	customerID := chi.URLParam(r, "customerId")

	rec, err := h.machine.GetState(r.Context(), customerID)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	if rec == nil {
		writeRequestError(w, r, model.NewNotFoundError("No journey for customer "+customerID))
		return
	}
	WriteJSON(w, http.StatusOK, rec)
}

// HandleListTransitions handles GET /v1/journeys/{customerId}/transitions.
func (h *JourneyHandler) HandleListTransitions(w http.ResponseWriter, r *http.Request) {
	customerID := chi.URLParam(r, "customerId")

	trail, err := h.machine.Transitions(r.Context(), customerID)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	if trail == nil {
		trail = []model.StageTransition{}
	}
	WriteJSON(w, http.StatusOK, map[string]any{"data": trail})
}

// fail writes domain errors as-is and hides store failures behind
// UPSTREAM_FAILURE.
func (h *JourneyHandler) fail(w http.ResponseWriter, r *http.Request, err error) {
	if model.CodeOf(err) != "" {
		writeRequestError(w, r, err)
		return
	}
	observability.LoggerFrom(r.Context(), h.logger).Error("journey store failed", zap.Error(err))
	writeRequestError(w, r, model.NewUpstreamFailureError())
}
