package journey

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/pitabwire/dealjourney/model"
)

//go:embed schema/postgres.sql
var postgresSchema string

// maxVersionRetries bounds optimistic retries when a concurrent metadata
// write bumps the version between read and update.
const maxVersionRetries = 3

const journeyColumns = `id, customer_id, customer_name, listing_id, thread_id,
	stage, metadata, version, created_at, last_updated_at`

// PgStore is a PostgreSQL-backed Store using pgx/v5.
type PgStore struct {
	pool *pgxpool.Pool
}

// NewPgStore creates a new PostgreSQL journey store.
func NewPgStore(pool *pgxpool.Pool) *PgStore {
	return &PgStore{pool: pool}
}

// Migrate creates the journey tables if they do not exist.
func (s *PgStore) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, postgresSchema); err != nil {
		return fmt.Errorf("migrate journey schema: %w", err)
	}
	return nil
}

// Ping checks connectivity.
func (s *PgStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Get retrieves the journey for customerID.
func (s *PgStore) Get(ctx context.Context, customerID string) (model.JourneyRecord, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+journeyColumns+` FROM journeys WHERE customer_id = $1`, customerID)
	rec, err := scanJourney(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.JourneyRecord{}, notFound(customerID)
	}
	if err != nil {
		return model.JourneyRecord{}, fmt.Errorf("query journey: %w", err)
	}
	return rec, nil
}

// CreateIfAbsent inserts rec; the unique customer_id index decides races.
func (s *PgStore) CreateIfAbsent(ctx context.Context, rec model.JourneyRecord) error {
	metaJSON, err := marshalMetadata(rec.Metadata)
	if err != nil {
		return err
	}

	tag, err := s.pool.Exec(ctx, `
		INSERT INTO journeys (`+journeyColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (customer_id) DO NOTHING`,
		rec.ID, rec.CustomerID, rec.CustomerName, rec.ListingID, rec.ThreadID,
		rec.Stage, metaJSON, rec.Version, rec.CreatedAt, rec.LastUpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert journey: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return model.NewConflictError(
			fmt.Sprintf("journey for customer %q already exists", rec.CustomerID),
		)
	}
	return nil
}

// UpdateConditional reads, mutates, and writes back guarded by version.
func (s *PgStore) UpdateConditional(ctx context.Context, customerID string, expectedStage model.Stage, mutate func(*model.JourneyRecord)) (model.JourneyRecord, error) {
	for attempt := 0; attempt < maxVersionRetries; attempt++ {
		current, err := s.Get(ctx, customerID)
		if err != nil {
			return model.JourneyRecord{}, err
		}
		if expectedStage != "" && current.Stage != expectedStage {
			return model.JourneyRecord{}, stageConflict(customerID, expectedStage, current.Stage)
		}

		updated := current.Clone()
		mutate(&updated)

		metaJSON, err := marshalMetadata(updated.Metadata)
		if err != nil {
			return model.JourneyRecord{}, err
		}

		row := s.pool.QueryRow(ctx, `
			UPDATE journeys SET
				customer_name = $1,
				listing_id = $2,
				thread_id = $3,
				metadata = $4,
				version = version + 1,
				last_updated_at = $5
			WHERE customer_id = $6 AND version = $7 AND stage = $8
			RETURNING `+journeyColumns,
			updated.CustomerName, updated.ListingID, updated.ThreadID,
			metaJSON, time.Now().UTC(),
			customerID, current.Version, current.Stage,
		)
		rec, err := scanJourney(row)
		if errors.Is(err, pgx.ErrNoRows) {
			continue
		}
		if err != nil {
			return model.JourneyRecord{}, fmt.Errorf("update journey: %w", err)
		}
		return rec, nil
	}

	return model.JourneyRecord{}, model.NewConflictError(
		fmt.Sprintf("journey for customer %q changed concurrently", customerID),
	)
}

// ApplyTransition updates the stage, merges metadata with jsonb
// concatenation and appends the audit row in one transaction.
func (s *PgStore) ApplyTransition(ctx context.Context, t model.StageTransition, metadata map[string]any) (model.JourneyRecord, error) {
	patch, err := marshalMetadata(metadata)
	if err != nil {
		return model.JourneyRecord{}, err
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return model.JourneyRecord{}, fmt.Errorf("begin transition: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	row := tx.QueryRow(ctx, `
		UPDATE journeys SET
			stage = $1,
			metadata = metadata || $2::jsonb,
			version = version + 1,
			last_updated_at = $3
		WHERE customer_id = $4 AND stage = $5
		RETURNING `+journeyColumns,
		t.ToStage, patch, t.OccurredAt, t.CustomerID, t.FromStage,
	)
	rec, err := scanJourney(row)
	if errors.Is(err, pgx.ErrNoRows) {
		current, getErr := s.Get(ctx, t.CustomerID)
		if getErr != nil {
			return model.JourneyRecord{}, getErr
		}
		return model.JourneyRecord{}, stageConflict(t.CustomerID, t.FromStage, current.Stage)
	}
	if err != nil {
		return model.JourneyRecord{}, fmt.Errorf("update journey stage: %w", err)
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO journey_transitions (
			id, journey_id, customer_id, from_stage, to_stage,
			triggered_by, acting_agent, notes, occurred_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		t.ID, rec.ID, t.CustomerID, t.FromStage, t.ToStage,
		t.TriggeredBy, t.ActingAgent, t.Notes, t.OccurredAt,
	)
	if err != nil {
		return model.JourneyRecord{}, fmt.Errorf("insert journey transition: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return model.JourneyRecord{}, fmt.Errorf("commit transition: %w", err)
	}
	return rec, nil
}

// Transitions returns the audit trail, oldest first.
func (s *PgStore) Transitions(ctx context.Context, customerID string) ([]model.StageTransition, error) {
	if _, err := s.Get(ctx, customerID); err != nil {
		return nil, err
	}

	rows, err := s.pool.Query(ctx, `
		SELECT id, journey_id, customer_id, from_stage, to_stage,
		       triggered_by, acting_agent, notes, occurred_at
		FROM journey_transitions
		WHERE customer_id = $1
		ORDER BY occurred_at ASC, id ASC`,
		customerID,
	)
	if err != nil {
		return nil, fmt.Errorf("query journey transitions: %w", err)
	}
	defer rows.Close()

	out := []model.StageTransition{}
	for rows.Next() {
		var t model.StageTransition
		if err := rows.Scan(
			&t.ID, &t.JourneyID, &t.CustomerID, &t.FromStage, &t.ToStage,
			&t.TriggeredBy, &t.ActingAgent, &t.Notes, &t.OccurredAt,
		); err != nil {
			return nil, fmt.Errorf("scan journey transition: %w", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func scanJourney(row pgx.Row) (model.JourneyRecord, error) {
	var rec model.JourneyRecord
	var metaJSON []byte
	err := row.Scan(
		&rec.ID, &rec.CustomerID, &rec.CustomerName, &rec.ListingID, &rec.ThreadID,
		&rec.Stage, &metaJSON, &rec.Version, &rec.CreatedAt, &rec.LastUpdatedAt,
	)
	if err != nil {
		return model.JourneyRecord{}, err
	}
	if err := unmarshalMetadata(metaJSON, &rec); err != nil {
		return model.JourneyRecord{}, err
	}
	return rec, nil
}

func marshalMetadata(meta map[string]any) ([]byte, error) {
	if meta == nil {
		meta = map[string]any{}
	}
	b, err := json.Marshal(meta)
	if err != nil {
		return nil, fmt.Errorf("marshal journey metadata: %w", err)
	}
	return b, nil
}

func unmarshalMetadata(b []byte, rec *model.JourneyRecord) error {
	rec.Metadata = map[string]any{}
	if len(b) == 0 {
		return nil
	}
	if err := json.Unmarshal(b, &rec.Metadata); err != nil {
		return fmt.Errorf("unmarshal journey metadata: %w", err)
	}
	return nil
}
