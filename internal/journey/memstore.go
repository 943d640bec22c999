package journey

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/pitabwire/dealjourney/model"
)

// MemoryStore is an in-memory Store for tests and single-node development.
type MemoryStore struct {
	mu          sync.RWMutex
	records     map[string]model.JourneyRecord     // key: customer ID
	transitions map[string][]model.StageTransition // key: customer ID
	now         func() time.Time
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		records:     make(map[string]model.JourneyRecord),
		transitions: make(map[string][]model.StageTransition),
		now:         func() time.Time { return time.Now().UTC() },
	}
}

// Get retrieves the journey for customerID.
func (s *MemoryStore) Get(_ context.Context, customerID string) (model.JourneyRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.records[customerID]
	if !ok {
		return model.JourneyRecord{}, notFound(customerID)
	}
	return rec.Clone(), nil
}

// CreateIfAbsent inserts rec unless a journey already exists.
func (s *MemoryStore) CreateIfAbsent(_ context.Context, rec model.JourneyRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.records[rec.CustomerID]; exists {
		return model.NewConflictError(
			fmt.Sprintf("journey for customer %q already exists", rec.CustomerID),
		)
	}
	s.records[rec.CustomerID] = rec.Clone()
	return nil
}

// UpdateConditional mutates the record under the store lock.
func (s *MemoryStore) UpdateConditional(_ context.Context, customerID string, expectedStage model.Stage, mutate func(*model.JourneyRecord)) (model.JourneyRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, ok := s.records[customerID]
	if !ok {
		return model.JourneyRecord{}, notFound(customerID)
	}
	if expectedStage != "" && existing.Stage != expectedStage {
		return model.JourneyRecord{}, stageConflict(customerID, expectedStage, existing.Stage)
	}

	updated := existing.Clone()
	mutate(&updated)
	updated.Stage = existing.Stage
	updated.ID = existing.ID
	updated.CustomerID = existing.CustomerID
	updated.Version = existing.Version + 1
	updated.LastUpdatedAt = s.now()

	s.records[customerID] = updated
	return updated.Clone(), nil
}

// ApplyTransition changes the stage, merges metadata and appends the audit
// fact together.
func (s *MemoryStore) ApplyTransition(_ context.Context, t model.StageTransition, metadata map[string]any) (model.JourneyRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, ok := s.records[t.CustomerID]
	if !ok {
		return model.JourneyRecord{}, notFound(t.CustomerID)
	}
	if existing.Stage != t.FromStage {
		return model.JourneyRecord{}, stageConflict(t.CustomerID, t.FromStage, existing.Stage)
	}

	updated := existing.Clone()
	updated.Stage = t.ToStage
	updated.MergeMetadata(metadata)
	updated.Version++
	updated.LastUpdatedAt = t.OccurredAt

	s.records[t.CustomerID] = updated
	s.transitions[t.CustomerID] = append(s.transitions[t.CustomerID], t)
	return updated.Clone(), nil
}

// Transitions returns the audit trail, oldest first.
func (s *MemoryStore) Transitions(_ context.Context, customerID string) ([]model.StageTransition, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if _, ok := s.records[customerID]; !ok {
		return nil, notFound(customerID)
	}
	out := make([]model.StageTransition, len(s.transitions[customerID]))
	copy(out, s.transitions[customerID])
	return out, nil
}

// Ping always succeeds.
func (s *MemoryStore) Ping(context.Context) error { return nil }

func notFound(customerID string) error {
	return model.NewNotFoundError(fmt.Sprintf("journey for customer %q not found", customerID))
}

func stageConflict(customerID string, expected, actual model.Stage) error {
	return model.NewConflictError(
		fmt.Sprintf("journey for customer %q is in stage %s, expected %s", customerID, actual, expected),
	)
}
