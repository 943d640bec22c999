// Package orchestrator turns one inbound customer message into a reply
// while tracking the customer's deal journey and notifying downstream
// agents.
package orchestrator

import (
	"context"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/pitabwire/dealjourney/internal/bus"
	"github.com/pitabwire/dealjourney/internal/intent"
	"github.com/pitabwire/dealjourney/internal/journey"
	"github.com/pitabwire/dealjourney/internal/observability"
	"github.com/pitabwire/dealjourney/internal/ratelimit"
	"github.com/pitabwire/dealjourney/internal/responder"
	"github.com/pitabwire/dealjourney/internal/safety"
	"github.com/pitabwire/dealjourney/model"
)

// Dispatcher sends a request's collected events and tasks. bus.Dispatcher
// does it on background workers; bus.Inline does it before returning.
type Dispatcher interface {
	Dispatch(ctx context.Context, ob *bus.Outbox) error
}

// Deps are the collaborators an Orchestrator needs. Logger and Metrics may
// be nil; Classifier and Filter default to the built-in rule tables.
type Deps struct {
	Limiter    ratelimit.Limiter
	Classifier *intent.Classifier
	Machine    *journey.Machine
	Bus        *bus.Bus
	Dispatcher Dispatcher
	Responder  responder.Responder
	Filter     *safety.Filter
	Logger     *zap.Logger
	Metrics    *observability.Metrics
}

// Options tune request validation and the responder deadline.
type Options struct {
	MaxMessageLength int           // runes; default 500
	MaxHistory       int           // entries forwarded to the responder; default 20
	ResponderTimeout time.Duration // default 20s
	TaskPriority     int
	// LeadSubscribers receive lead.created. Defaults to the CRM and
	// negotiation agents.
	LeadSubscribers []string
}

// Orchestrator is safe for concurrent use. It holds no per-customer locks;
// races between messages of one customer are settled by the journey store's
// conditional writes.
type Orchestrator struct {
	deps Deps
	opts Options
	now  func() time.Time
}

// New creates an orchestrator.
func New(deps Deps, opts Options) *Orchestrator {
	if deps.Classifier == nil {
		deps.Classifier = intent.New(nil)
	}
	if deps.Filter == nil {
		deps.Filter = safety.New(safety.Options{})
	}
	if deps.Dispatcher == nil {
		deps.Dispatcher = bus.Inline{}
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	if opts.MaxMessageLength <= 0 {
		opts.MaxMessageLength = 500
	}
	if opts.MaxHistory <= 0 {
		opts.MaxHistory = 20
	}
	if opts.ResponderTimeout <= 0 {
		opts.ResponderTimeout = 20 * time.Second
	}
	if len(opts.LeadSubscribers) == 0 {
		opts.LeadSubscribers = []string{model.AgentCRM, model.AgentNegotiation}
	}
	return &Orchestrator{
		deps: deps,
		opts: opts,
		now:  func() time.Time { return time.Now().UTC() },
	}
}

// Handle processes one chat message: Admit followed by Respond. The caller's
// client ID is read from the RequestContext on ctx. Returned errors are
// *model.ErrorEnvelope values safe to show the caller: RATE_LIMITED,
// VALIDATION_ERROR, UPSTREAM_FAILURE or INTERNAL_ERROR. A safety block is a
// successful response.
func (o *Orchestrator) Handle(ctx context.Context, req model.ChatRequest) (model.ChatResponse, error) {
	if err := o.Admit(ctx); err != nil {
		return model.ChatResponse{}, err
	}
	return o.Respond(ctx, req)
}

// Admit counts one request against the caller's rate-limit window and
// returns RATE_LIMITED once it is spent. It reads nothing but ctx, so
// transports call it before decoding the body.
func (o *Orchestrator) Admit(ctx context.Context) error {
	clientID := "unknown"
	if rctx := model.RequestContextFrom(ctx); rctx != nil && rctx.ClientID != "" {
		clientID = rctx.ClientID
	}
	limited, err := o.deps.Limiter.IsLimited(ctx, clientID)
	if err != nil {
		// Fail open.
		observability.RequestLogger(ctx, o.deps.Logger).Warn("rate limiter unavailable", zap.Error(err))
	}
	if limited {
		o.deps.Metrics.RecordRateLimited()
		return model.NewRateLimitedError()
	}
	return nil
}

// Respond runs an admitted message through validation, classification,
// the journey, the responder and the safety gate.
func (o *Orchestrator) Respond(ctx context.Context, req model.ChatRequest) (resp model.ChatResponse, err error) {
	ctx, span := observability.StartSpan(ctx, "orchestrator.handle")
	defer func() { observability.EndSpanWithError(span, err) }()

	logger := observability.RequestLogger(ctx, o.deps.Logger)

	// 1. Validate.
	history, verr := o.validate(req)
	if verr != nil {
		return model.ChatResponse{}, verr
	}

	// 2. Classify.
	in := o.deps.Classifier.Classify(req.Message)
	span.SetAttributes(observability.AttrIntent.String(string(in)))
	logger.Debug("message classified",
		zap.String("intent", string(in)),
		zap.String("preview", observability.Preview(req.Message, 40)),
	)

	threadID := req.ThreadID
	if threadID == "" {
		threadID = uuid.NewString()
	}
	customerID := strings.TrimSpace(req.CustomerKey())
	if customerID != "" {
		logger = observability.WithCustomer(logger, customerID)
		span.SetAttributes(observability.AttrCustomerID.String(customerID))
	}

	// Everything queued below is sent once the response is decided, also
	// when a later step fails: the journey it refers to already exists.
	ob := o.deps.Bus.NewOutbox()
	defer func() {
		if derr := o.deps.Dispatcher.Dispatch(ctx, ob); derr != nil {
			logger.Warn("outbox dispatch failed", zap.Int("intents", ob.Len()), zap.Error(derr))
		}
	}()

	// 3. Look up or open the journey.
	var rec *model.JourneyRecord
	if customerID != "" {
		rec, err = o.loadJourney(ctx, logger, ob, customerID, threadID, in, req)
		if err != nil {
			o.deps.Metrics.RecordChatMessage(string(in), "error")
			return model.ChatResponse{}, err
		}
	}

	// 4. Plan progress and choose the brief for the stage it leads to.
	var (
		p       plan
		planned *model.Stage
	)
	if rec != nil {
		p = planStep(in, rec.Stage)
		after := p.stageAfter(rec.Stage)
		planned = &after
	}
	profile := SelectProfile(in, planned)
	logger.Debug("profile selected", zap.String("profile", profile.Name), zap.String("planned_stage", string(p.to)))

	// 5. Generate.
	candidate, gerr := o.generate(ctx, req, history, profile)
	if gerr != nil {
		o.deps.Metrics.RecordChatMessage(string(in), "error")
		logger.Error("responder failed", zap.String("profile", profile.Name), zap.Error(gerr))
		return model.ChatResponse{}, model.NewUpstreamFailureError()
	}

	// 6. Safety gate.
	verdict := o.deps.Filter.Check(candidate)
	span.SetAttributes(observability.AttrSafetyStatus.String(string(verdict.Action)))

	// 7. Commit. The exchange is recorded only when it was allowed; the
	// transition and the record go in one conditional write.
	var exchange map[string]any
	if !verdict.Blocked() {
		exchange = map[string]any{
			model.MetaLastInteraction: o.now().Format(time.RFC3339),
			model.MetaLastMessage:     req.Message,
			model.MetaLastIntent:      string(in),
		}
	}
	if rec != nil {
		rec, err = o.commit(ctx, logger, ob, rec, p, in, req, threadID, exchange)
		if err != nil {
			o.deps.Metrics.RecordChatMessage(string(in), "error")
			return model.ChatResponse{}, err
		}
	}

	resp = model.ChatResponse{
		Intent:       in,
		ThreadID:     threadID,
		SafetyStatus: verdict.Action,
		Violations:   verdict.Violations,
	}
	if resp.Violations == nil {
		resp.Violations = []string{}
	}

	if verdict.Blocked() {
		// 8. Never deliver or store the blocked text.
		o.deps.Metrics.RecordSafetyViolations(verdict.Violations)
		payload := bus.SafetyViolation{
			CustomerID: customerID,
			ThreadID:   threadID,
			Intent:     in,
			Violations: verdict.Violations,
		}
		if rec != nil {
			payload.JourneyID = rec.ID
		}
		if _, eerr := ob.EmitEvent(model.EventSafetyViolation, model.AgentOrchestrator, payload, model.AgentCompliance); eerr != nil {
			logger.Error("queue safety violation", zap.Error(eerr))
		}
		logger.Warn("response blocked by safety filter",
			zap.String("intent", string(in)),
			zap.Strings("violations", verdict.Violations),
		)
		resp.Response = o.deps.Filter.Fallback()
		resp.Source = model.SourceSafetyBlock
	} else {
		resp.Response = candidate
	}

	if rec != nil {
		stage := rec.Stage
		id := rec.ID
		resp.CurrentStage = &stage
		resp.JourneyID = &id
		span.SetAttributes(
			observability.AttrJourneyID.String(id),
			observability.AttrStage.String(string(stage)),
		)
	}

	o.deps.Metrics.RecordChatMessage(string(in), string(verdict.Action))
	fields := []zap.Field{
		zap.String("intent", string(in)),
		zap.String("safety_status", string(verdict.Action)),
		zap.String("profile", profile.Name),
	}
	if resp.CurrentStage != nil {
		fields = append(fields, zap.String("stage", string(*resp.CurrentStage)))
	}
	logger.Info("chat message handled", fields...)
	return resp, nil
}

// validate checks the message and history and returns the history slice to
// forward to the responder.
func (o *Orchestrator) validate(req model.ChatRequest) ([]model.HistoryMessage, error) {
	var details []model.FieldError
	switch {
	case !utf8.ValidString(req.Message):
		details = append(details, model.FieldError{Field: "message", Code: "INVALID", Message: "message must be valid UTF-8 text"})
	case strings.TrimSpace(req.Message) == "":
		details = append(details, model.FieldError{Field: "message", Code: "REQUIRED", Message: "message is required"})
	case utf8.RuneCountInString(req.Message) > o.opts.MaxMessageLength:
		details = append(details, model.FieldError{
			Field:   "message",
			Code:    "TOO_LONG",
			Message: fmt.Sprintf("message must be at most %d characters", o.opts.MaxMessageLength),
		})
	}
	for i, h := range req.History {
		if h.Role != model.RoleUser && h.Role != model.RoleAssistant {
			details = append(details, model.FieldError{
				Field:   fmt.Sprintf("history[%d].role", i),
				Code:    "INVALID",
				Message: "role must be user or assistant",
			})
		}
	}
	if len(details) > 0 {
		return nil, model.NewValidationError(details)
	}

	history := req.History
	if len(history) > o.opts.MaxHistory {
		history = history[len(history)-o.opts.MaxHistory:]
	}
	return history, nil
}

// loadJourney returns the customer's journey, creating it on an opening
// message. It returns nil when no journey exists and none was opened.
func (o *Orchestrator) loadJourney(ctx context.Context, logger *zap.Logger, ob *bus.Outbox, customerID, threadID string, in model.Intent, req model.ChatRequest) (*model.JourneyRecord, error) {
	rec, err := o.deps.Machine.GetState(ctx, customerID)
	if err != nil {
		logger.Error("load journey", zap.Error(err))
		return nil, model.NewUpstreamFailureError()
	}
	if rec != nil || in != model.IntentInquiry {
		return rec, nil
	}

	created, err := o.deps.Machine.CreateJourney(ctx, journey.NewJourney{
		CustomerID:   customerID,
		CustomerName: req.CustomerName,
		ListingID:    req.ListingID,
		ThreadID:     threadID,
	})
	if model.IsCode(err, model.ErrConflict) {
		// Another message from this customer opened it first.
		rec, err = o.deps.Machine.GetState(ctx, customerID)
		if err != nil {
			logger.Error("reload journey after create race", zap.Error(err))
			return nil, model.NewUpstreamFailureError()
		}
		return rec, nil
	}
	if err != nil {
		logger.Error("create journey", zap.Error(err))
		return nil, model.NewUpstreamFailureError()
	}

	_, err = ob.EmitEvent(model.EventLeadCreated, model.AgentOrchestrator, bus.LeadCreated{
		JourneyID:    created.ID,
		CustomerID:   created.CustomerID,
		CustomerName: created.CustomerName,
		ListingID:    created.ListingID,
		ThreadID:     created.ThreadID,
		Stage:        created.Stage,
	}, o.opts.LeadSubscribers...)
	if err != nil {
		logger.Error("queue lead created", zap.Error(err))
	}
	return &created, nil
}

// generate calls the responder under its deadline.
func (o *Orchestrator) generate(ctx context.Context, req model.ChatRequest, history []model.HistoryMessage, profile responder.Profile) (text string, err error) {
	ctx, cancel := context.WithTimeout(ctx, o.opts.ResponderTimeout)
	defer cancel()

	ctx, span := observability.StartSpan(ctx, "orchestrator.generate")
	defer func() { observability.EndSpanWithError(span, err) }()

	text, err = o.deps.Responder.Generate(ctx, responder.Request{
		Message:      req.Message,
		History:      history,
		Profile:      profile,
		CustomerName: req.CustomerName,
	})
	if err != nil {
		return "", err
	}
	if strings.TrimSpace(text) == "" {
		return "", fmt.Errorf("responder returned empty text")
	}
	return text, nil
}

// commit applies the planned transition against the stage observed when
// the plan was made, together with the exchange metadata, and then queues
// the planned task. A lost race or a rejected edge skips the transition,
// re-reads the journey and records the exchange on its own; losing that
// write to a concurrent writer is not an error either. Nothing is queued
// unless every write this request attempted landed.
func (o *Orchestrator) commit(ctx context.Context, logger *zap.Logger, ob *bus.Outbox, rec *model.JourneyRecord, p plan, in model.Intent, req model.ChatRequest, threadID string, exchange map[string]any) (*model.JourneyRecord, error) {
	committed := false
	pending := exchange
	if p.to != "" {
		_, updated, err := o.deps.Machine.TransitionWithMetadata(ctx, *rec, p.to, model.TriggeredByCustomer, p.actingAgent,
			fmt.Sprintf("intent %s", in), exchange)
		switch {
		case err == nil:
			rec = &updated
			committed = true
			pending = nil
		case model.IsCode(err, model.ErrConflict),
			model.IsCode(err, model.ErrInvalidTransition),
			model.IsCode(err, model.ErrNotFound):
			logger.Warn("transition skipped",
				zap.String("from", string(rec.Stage)),
				zap.String("to", string(p.to)),
				zap.String("reason", model.CodeOf(err)),
			)
			fresh, gerr := o.deps.Machine.GetState(ctx, rec.CustomerID)
			if gerr != nil {
				logger.Error("reload journey after skipped transition", zap.Error(gerr))
				return nil, model.NewUpstreamFailureError()
			}
			if fresh == nil {
				return nil, nil
			}
			rec = fresh
		default:
			logger.Error("apply transition", zap.Error(err))
			return nil, model.NewUpstreamFailureError()
		}
	}

	if pending != nil {
		updated, err := o.deps.Machine.UpdateMetadata(ctx, rec.CustomerID, pending)
		switch {
		case err == nil:
			rec = &updated
		case model.IsCode(err, model.ErrConflict), model.IsCode(err, model.ErrNotFound):
			logger.Warn("journey metadata update skipped", zap.String("reason", model.CodeOf(err)))
		default:
			logger.Error("update journey metadata", zap.Error(err))
			return nil, model.NewUpstreamFailureError()
		}
	}

	if p.task == nil || (p.task.afterTransition && !committed) {
		return rec, nil
	}

	var payload bus.Payload
	switch p.task.taskType {
	case model.TaskGenerateQuote:
		payload = bus.GenerateQuote{
			JourneyID:  rec.ID,
			CustomerID: rec.CustomerID,
			ListingID:  rec.ListingID,
			ThreadID:   threadID,
			Request:    req.Message,
		}
	case model.TaskShippingEstimate:
		payload = bus.ShippingEstimate{
			JourneyID:  rec.ID,
			CustomerID: rec.CustomerID,
			ListingID:  rec.ListingID,
			ThreadID:   threadID,
			Stage:      rec.Stage,
			Request:    req.Message,
		}
	}
	if _, err := ob.AssignTask(p.task.taskType, p.task.target, payload, bus.TaskOptions{
		Priority:    o.opts.TaskPriority,
		RequestedBy: model.AgentOrchestrator,
	}); err != nil {
		logger.Error("queue task", zap.String("task_type", p.task.taskType), zap.Error(err))
	}
	return rec, nil
}
