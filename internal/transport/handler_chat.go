package transport

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"math"
	"net/http"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/pitabwire/dealjourney/internal/apidoc"
	"github.com/pitabwire/dealjourney/internal/observability"
	"github.com/pitabwire/dealjourney/model"
)

const maxChatBody = 64 << 10

// ChatService answers one customer message. Admit is called before the
// body is read; Respond only for admitted requests.
type ChatService interface {
	Admit(ctx context.Context) error
	Respond(ctx context.Context, req model.ChatRequest) (model.ChatResponse, error)
}

// ChatHandler serves POST /v1/chat.
type ChatHandler struct {
	chat       ChatService
	doc        *apidoc.Document
	retryAfter time.Duration
	logger     *zap.Logger
}

// NewChatHandler creates a chat handler. doc may be nil to skip schema
// checks; retryAfter is advertised on 429 responses.
func NewChatHandler(chat ChatService, doc *apidoc.Document, retryAfter time.Duration, logger *zap.Logger) *ChatHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ChatHandler{chat: chat, doc: doc, retryAfter: retryAfter, logger: logger}
}

// HandleChat handles POST /v1/chat.
func (h *ChatHandler) HandleChat(w http.ResponseWriter, r *http.Request) {
	if err := h.chat.Admit(r.Context()); err != nil {
		h.writeChatError(w, r, err)
		return
	}

	raw, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxChatBody))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeRequestError(w, r, model.NewBadRequestError("Request body too large"))
			return
		}
		writeRequestError(w, r, model.NewBadRequestError("Unable to read request body"))
		return
	}

	if h.doc != nil {
		if errs := h.doc.ValidateRequest("chat", raw); len(errs) > 0 {
			if errs[0].Code == "MALFORMED" {
				writeRequestError(w, r, model.NewBadRequestError("Invalid JSON in request body"))
				return
			}
			writeRequestError(w, r, model.NewValidationError(errs))
			return
		}
	}

	var req model.ChatRequest
	if err := json.Unmarshal(raw, &req); err != nil {
		writeRequestError(w, r, model.NewBadRequestError("Invalid JSON in request body"))
		return
	}

	resp, err := h.chat.Respond(r.Context(), req)
	if err != nil {
		h.writeChatError(w, r, err)
		return
	}
	WriteJSON(w, http.StatusOK, resp)
}

func (h *ChatHandler) writeChatError(w http.ResponseWriter, r *http.Request, err error) {
	if model.IsCode(err, model.ErrRateLimited) && h.retryAfter > 0 {
		w.Header().Set("Retry-After", strconv.Itoa(int(math.Ceil(h.retryAfter.Seconds()))))
	}
	var ee *model.ErrorEnvelope
	if !errors.As(err, &ee) {
		observability.LoggerFrom(r.Context(), h.logger).Error("chat failed", zap.Error(err))
	}
	writeRequestError(w, r, err)
}
