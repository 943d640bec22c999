package journey

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/pitabwire/dealjourney/internal/observability"
	"github.com/pitabwire/dealjourney/model"
)

// allowedTransitions is the complete edge whitelist. Progress only moves
// forward; nothing enters INSPECTION or CLOSED through this machine.
var allowedTransitions = map[model.Stage][]model.Stage{
	model.StageInquiry:     {model.StageNegotiation},
	model.StageNegotiation: {model.StageQuote},
	model.StageInspection:  {model.StageQuote},
}

// CanTransition reports whether from -> to is a permitted edge.
func CanTransition(from, to model.Stage) bool {
	for _, s := range allowedTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// NewJourney holds the attributes supplied when a journey is first created.
type NewJourney struct {
	CustomerID   string
	CustomerName string
	ListingID    string
	ThreadID     string
	Metadata     map[string]any
}

// Machine is the journey state machine. All stage changes go through
// Transition, which enforces the whitelist and records the audit fact.
type Machine struct {
	store   Store
	logger  *zap.Logger
	metrics *observability.Metrics
	now     func() time.Time
	newID   func() string
}

// NewMachine creates a state machine over store. logger and metrics may be
// nil.
func NewMachine(store Store, logger *zap.Logger, metrics *observability.Metrics) *Machine {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Machine{
		store:   store,
		logger:  logger,
		metrics: metrics,
		now:     func() time.Time { return time.Now().UTC() },
		newID:   uuid.NewString,
	}
}

// Store returns the underlying persistence store.
func (m *Machine) Store() Store { return m.store }

// GetState returns the journey for customerID, or nil when none exists yet.
func (m *Machine) GetState(ctx context.Context, customerID string) (*model.JourneyRecord, error) {
	rec, err := m.store.Get(ctx, customerID)
	if model.IsCode(err, model.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

// CreateJourney creates a journey in INQUIRY. Returns CONFLICT if the
// customer already has one; callers racing on a first message should
// re-read with GetState on CONFLICT.
func (m *Machine) CreateJourney(ctx context.Context, in NewJourney) (model.JourneyRecord, error) {
	if in.CustomerID == "" {
		return model.JourneyRecord{}, model.NewValidationError([]model.FieldError{
			{Field: "customerId", Code: "REQUIRED", Message: "customer ID is required"},
		})
	}

	now := m.now()
	rec := model.JourneyRecord{
		ID:            m.newID(),
		CustomerID:    in.CustomerID,
		CustomerName:  in.CustomerName,
		ListingID:     in.ListingID,
		ThreadID:      in.ThreadID,
		Stage:         model.StageInquiry,
		Metadata:      map[string]any{},
		Version:       1,
		CreatedAt:     now,
		LastUpdatedAt: now,
	}
	rec.MergeMetadata(in.Metadata)

	if err := m.store.CreateIfAbsent(ctx, rec); err != nil {
		return model.JourneyRecord{}, err
	}

	m.metrics.RecordJourneyCreated()
	observability.RequestLogger(ctx, m.logger).Info("journey created",
		zap.String("journey_id", rec.ID),
		zap.String("customer_id", rec.CustomerID),
	)
	return rec, nil
}

// Transition moves the customer's journey to `to`. It fails with NOT_FOUND
// when no journey exists, INVALID_TRANSITION when the edge is not
// whitelisted, and CONFLICT when a concurrent writer changed the stage
// first. On success exactly one StageTransition is appended.
func (m *Machine) Transition(ctx context.Context, customerID string, to model.Stage, triggeredBy model.TriggeredBy, actingAgent, notes string) (model.StageTransition, model.JourneyRecord, error) {
	current, err := m.store.Get(ctx, customerID)
	if err != nil {
		return model.StageTransition{}, model.JourneyRecord{}, err
	}
	return m.TransitionFrom(ctx, current, to, triggeredBy, actingAgent, notes)
}

// TransitionFrom is Transition against an already loaded record. The write
// is conditioned on the stage observed in current.
func (m *Machine) TransitionFrom(ctx context.Context, current model.JourneyRecord, to model.Stage, triggeredBy model.TriggeredBy, actingAgent, notes string) (model.StageTransition, model.JourneyRecord, error) {
	return m.TransitionWithMetadata(ctx, current, to, triggeredBy, actingAgent, notes, nil)
}

// TransitionWithMetadata is TransitionFrom that also merges metadata in the
// same conditional write. Either both land or neither does.
func (m *Machine) TransitionWithMetadata(ctx context.Context, current model.JourneyRecord, to model.Stage, triggeredBy model.TriggeredBy, actingAgent, notes string, metadata map[string]any) (model.StageTransition, model.JourneyRecord, error) {
	if !CanTransition(current.Stage, to) {
		return model.StageTransition{}, model.JourneyRecord{}, model.NewInvalidTransitionError(current.Stage, to)
	}
	if !triggeredBy.Valid() {
		return model.StageTransition{}, model.JourneyRecord{}, model.NewValidationError([]model.FieldError{
			{Field: "triggeredBy", Code: "INVALID", Message: fmt.Sprintf("unknown trigger %q", triggeredBy)},
		})
	}

	t := model.StageTransition{
		ID:          m.newID(),
		JourneyID:   current.ID,
		CustomerID:  current.CustomerID,
		FromStage:   current.Stage,
		ToStage:     to,
		TriggeredBy: triggeredBy,
		ActingAgent: actingAgent,
		Notes:       notes,
		OccurredAt:  m.now(),
	}

	rec, err := m.store.ApplyTransition(ctx, t, metadata)
	if err != nil {
		if model.IsCode(err, model.ErrConflict) {
			m.metrics.RecordTransitionRace()
		}
		return model.StageTransition{}, model.JourneyRecord{}, err
	}

	m.metrics.RecordTransition(string(t.FromStage), string(t.ToStage))
	observability.RequestLogger(ctx, m.logger).Info("journey transitioned",
		zap.String("journey_id", rec.ID),
		zap.String("from", string(t.FromStage)),
		zap.String("to", string(t.ToStage)),
		zap.String("triggered_by", string(t.TriggeredBy)),
		zap.String("acting_agent", t.ActingAgent),
	)
	return t, rec, nil
}

// UpdateMetadata merges partial into the journey's metadata, last write
// wins per key. Returns NOT_FOUND when no journey exists.
func (m *Machine) UpdateMetadata(ctx context.Context, customerID string, partial map[string]any) (model.JourneyRecord, error) {
	return m.store.UpdateConditional(ctx, customerID, "", func(rec *model.JourneyRecord) {
		rec.MergeMetadata(partial)
	})
}

// Transitions returns the customer's audit trail, oldest first.
func (m *Machine) Transitions(ctx context.Context, customerID string) ([]model.StageTransition, error) {
	return m.store.Transitions(ctx, customerID)
}
