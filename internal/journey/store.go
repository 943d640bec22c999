// Package journey owns the per-customer negotiation lifecycle: a whitelisted
// stage machine over a persistence Store whose writes are conditional, so
// racing requests for one customer resolve to a single winner.
package journey

import (
	"context"

	"github.com/pitabwire/dealjourney/model"
)

// Store persists journey records and their transition audit trail.
type Store interface {
	// Get returns the record for customerID, or NOT_FOUND.
	Get(ctx context.Context, customerID string) (model.JourneyRecord, error)

	// CreateIfAbsent inserts rec. Returns CONFLICT if a record already exists
	// for rec.CustomerID.
	CreateIfAbsent(ctx context.Context, rec model.JourneyRecord) error

	// UpdateConditional applies mutate to the stored record and persists it,
	// bumping Version and LastUpdatedAt. When expectedStage is non-empty the
	// write only happens if the stored stage still equals it; otherwise
	// CONFLICT is returned. mutate must not change Stage.
	UpdateConditional(ctx context.Context, customerID string, expectedStage model.Stage, mutate func(*model.JourneyRecord)) (model.JourneyRecord, error)

	// ApplyTransition moves the record from t.FromStage to t.ToStage, merges
	// metadata into it (may be nil) and appends t to the audit trail as one
	// atomic unit. Returns NOT_FOUND when no record exists and CONFLICT when
	// the stored stage is no longer t.FromStage.
	ApplyTransition(ctx context.Context, t model.StageTransition, metadata map[string]any) (model.JourneyRecord, error)

	// Transitions returns the audit trail for customerID, oldest first.
	Transitions(ctx context.Context, customerID string) ([]model.StageTransition, error)

	// Ping checks the backing store is reachable.
	Ping(ctx context.Context) error
}
