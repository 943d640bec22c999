package journey

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/pitabwire/dealjourney/model"
)

//go:embed schema/sqlite.sql
var sqliteSchema string

const sqliteJourneyColumns = `id, customer_id, customer_name, listing_id, thread_id,
	stage, metadata_json, version, created_at, last_updated_at`

// SQLiteStore is a single-node Store backed by an embedded SQLite file.
type SQLiteStore struct {
	db *sql.DB
}

// OpenSQLite opens (creating if needed) the database at path with WAL
// pragmas and applies the schema.
func OpenSQLite(path string) (*SQLiteStore, error) {
	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_pragma=foreign_keys(ON)&_pragma=busy_timeout(5000)", path)

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open journey database: %w", err)
	}

	// Single writer; WAL still serves concurrent readers.
	db.SetMaxOpenConns(1)

	s := &SQLiteStore{db: db}
	if err := s.Migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// Migrate creates the journey tables if they do not exist.
func (s *SQLiteStore) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, sqliteSchema); err != nil {
		return fmt.Errorf("migrate journey schema: %w", err)
	}
	return nil
}

// Close releases the database handle.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// Ping checks the database handle.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Get retrieves the journey for customerID.
func (s *SQLiteStore) Get(ctx context.Context, customerID string) (model.JourneyRecord, error) {
	return s.get(ctx, s.db, customerID)
}

type queryRower interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (s *SQLiteStore) get(ctx context.Context, q queryRower, customerID string) (model.JourneyRecord, error) {
	row := q.QueryRowContext(ctx, `SELECT `+sqliteJourneyColumns+` FROM journeys WHERE customer_id = ?`, customerID)
	rec, err := scanSQLiteJourney(row)
	if errors.Is(err, sql.ErrNoRows) {
		return model.JourneyRecord{}, notFound(customerID)
	}
	if err != nil {
		return model.JourneyRecord{}, fmt.Errorf("query journey: %w", err)
	}
	return rec, nil
}

// CreateIfAbsent inserts rec; the unique customer_id index decides races.
func (s *SQLiteStore) CreateIfAbsent(ctx context.Context, rec model.JourneyRecord) error {
	metaJSON, err := marshalMetadata(rec.Metadata)
	if err != nil {
		return err
	}

	res, err := s.db.ExecContext(ctx, `
		INSERT INTO journeys (`+sqliteJourneyColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (customer_id) DO NOTHING`,
		rec.ID, rec.CustomerID, rec.CustomerName, rec.ListingID, rec.ThreadID,
		string(rec.Stage), string(metaJSON), rec.Version,
		rec.CreatedAt.UnixNano(), rec.LastUpdatedAt.UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("insert journey: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return model.NewConflictError(
			fmt.Sprintf("journey for customer %q already exists", rec.CustomerID),
		)
	}
	return nil
}

// UpdateConditional reads, mutates, and writes back inside one transaction.
func (s *SQLiteStore) UpdateConditional(ctx context.Context, customerID string, expectedStage model.Stage, mutate func(*model.JourneyRecord)) (model.JourneyRecord, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return model.JourneyRecord{}, fmt.Errorf("begin journey update: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	current, err := s.get(ctx, tx, customerID)
	if err != nil {
		return model.JourneyRecord{}, err
	}
	if expectedStage != "" && current.Stage != expectedStage {
		return model.JourneyRecord{}, stageConflict(customerID, expectedStage, current.Stage)
	}

	updated := current.Clone()
	mutate(&updated)
	updated.Stage = current.Stage
	updated.ID = current.ID
	updated.CustomerID = current.CustomerID
	updated.Version = current.Version + 1
	updated.LastUpdatedAt = time.Now().UTC()

	metaJSON, err := marshalMetadata(updated.Metadata)
	if err != nil {
		return model.JourneyRecord{}, err
	}

	res, err := tx.ExecContext(ctx, `
		UPDATE journeys SET
			customer_name = ?, listing_id = ?, thread_id = ?,
			metadata_json = ?, version = ?, last_updated_at = ?
		WHERE customer_id = ? AND version = ?`,
		updated.CustomerName, updated.ListingID, updated.ThreadID,
		string(metaJSON), updated.Version, updated.LastUpdatedAt.UnixNano(),
		customerID, current.Version,
	)
	if err != nil {
		return model.JourneyRecord{}, fmt.Errorf("update journey: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return model.JourneyRecord{}, model.NewConflictError(
			fmt.Sprintf("journey for customer %q changed concurrently", customerID),
		)
	}

	if err := tx.Commit(); err != nil {
		return model.JourneyRecord{}, fmt.Errorf("commit journey update: %w", err)
	}
	return updated, nil
}

// ApplyTransition updates the stage, merges metadata and appends the audit
// row in one transaction.
func (s *SQLiteStore) ApplyTransition(ctx context.Context, t model.StageTransition, metadata map[string]any) (model.JourneyRecord, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return model.JourneyRecord{}, fmt.Errorf("begin transition: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	current, err := s.get(ctx, tx, t.CustomerID)
	if err != nil {
		return model.JourneyRecord{}, err
	}

	current.MergeMetadata(metadata)
	metaJSON, err := marshalMetadata(current.Metadata)
	if err != nil {
		return model.JourneyRecord{}, err
	}

	res, err := tx.ExecContext(ctx, `
		UPDATE journeys SET stage = ?, metadata_json = ?, version = version + 1, last_updated_at = ?
		WHERE customer_id = ? AND stage = ?`,
		string(t.ToStage), string(metaJSON), t.OccurredAt.UnixNano(), t.CustomerID, string(t.FromStage),
	)
	if err != nil {
		return model.JourneyRecord{}, fmt.Errorf("update journey stage: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return model.JourneyRecord{}, stageConflict(t.CustomerID, t.FromStage, current.Stage)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO journey_transitions (
			id, journey_id, customer_id, from_stage, to_stage,
			triggered_by, acting_agent, notes, occurred_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.ID, current.ID, t.CustomerID, string(t.FromStage), string(t.ToStage),
		string(t.TriggeredBy), t.ActingAgent, t.Notes, t.OccurredAt.UnixNano(),
	)
	if err != nil {
		return model.JourneyRecord{}, fmt.Errorf("insert journey transition: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return model.JourneyRecord{}, fmt.Errorf("commit transition: %w", err)
	}

	current.Stage = t.ToStage
	current.Version++
	current.LastUpdatedAt = t.OccurredAt
	return current, nil
}

// Transitions returns the audit trail in insertion order.
func (s *SQLiteStore) Transitions(ctx context.Context, customerID string) ([]model.StageTransition, error) {
	if _, err := s.Get(ctx, customerID); err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, journey_id, customer_id, from_stage, to_stage,
		       triggered_by, acting_agent, notes, occurred_at
		FROM journey_transitions
		WHERE customer_id = ?
		ORDER BY seq ASC`,
		customerID,
	)
	if err != nil {
		return nil, fmt.Errorf("query journey transitions: %w", err)
	}
	defer rows.Close()

	out := []model.StageTransition{}
	for rows.Next() {
		var (
			t                   model.StageTransition
			from, to, triggered string
			occurred            int64
		)
		if err := rows.Scan(
			&t.ID, &t.JourneyID, &t.CustomerID, &from, &to,
			&triggered, &t.ActingAgent, &t.Notes, &occurred,
		); err != nil {
			return nil, fmt.Errorf("scan journey transition: %w", err)
		}
		t.FromStage = model.Stage(from)
		t.ToStage = model.Stage(to)
		t.TriggeredBy = model.TriggeredBy(triggered)
		t.OccurredAt = time.Unix(0, occurred).UTC()
		out = append(out, t)
	}
	return out, rows.Err()
}

func scanSQLiteJourney(row *sql.Row) (model.JourneyRecord, error) {
	var (
		rec              model.JourneyRecord
		stage, metaJSON  string
		created, updated int64
	)
	err := row.Scan(
		&rec.ID, &rec.CustomerID, &rec.CustomerName, &rec.ListingID, &rec.ThreadID,
		&stage, &metaJSON, &rec.Version, &created, &updated,
	)
	if err != nil {
		return model.JourneyRecord{}, err
	}
	rec.Stage = model.Stage(stage)
	rec.CreatedAt = time.Unix(0, created).UTC()
	rec.LastUpdatedAt = time.Unix(0, updated).UTC()
	if err := unmarshalMetadata([]byte(metaJSON), &rec); err != nil {
		return model.JourneyRecord{}, err
	}
	return rec, nil
}
