package workflow

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/pitabwire/qms/model"
)

// pgSchema creates the record table. One row per record; position keeps the
// collection order.
const pgSchema = `
CREATE TABLE IF NOT EXISTS qms_records (
	record_type TEXT        NOT NULL,
	id          TEXT        NOT NULL,
	position    INTEGER     NOT NULL,
	body        JSONB       NOT NULL,
	updated_at  TIMESTAMPTZ NOT NULL,
	PRIMARY KEY (record_type, id)
)`

// PgRecordStore is a PostgreSQL-backed RecordStore using pgx/v5.
type PgRecordStore struct {
	pool *pgxpool.Pool
}

// NewPgRecordStore creates a new PostgreSQL record store.
func NewPgRecordStore(pool *pgxpool.Pool) *PgRecordStore {
	return &PgRecordStore{pool: pool}
}

// Migrate creates the record table if it does not exist.
func (s *PgRecordStore) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, pgSchema); err != nil {
		return fmt.Errorf("create qms_records: %w", err)
	}
	return nil
}

// Ping checks connectivity to the database.
func (s *PgRecordStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Load returns the records of type t ordered by position.
func (s *PgRecordStore) Load(ctx context.Context, t model.RecordType) ([]model.Record, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT body
		FROM qms_records
		WHERE record_type = $1
		ORDER BY position ASC`,
		string(t),
	)
	if err != nil {
		return nil, fmt.Errorf("query records: %w", err)
	}
	defer rows.Close()

	records := []model.Record{}
	for rows.Next() {
		var body []byte
		if err := rows.Scan(&body); err != nil {
			return nil, fmt.Errorf("scan record: %w", err)
		}
		var r model.Record
		if err := json.Unmarshal(body, &r); err != nil {
			return nil, fmt.Errorf("unmarshal record: %w", err)
		}
		records = append(records, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate records: %w", err)
	}
	return records, nil
}

// SaveAll replaces the collection of type t in a single transaction.
func (s *PgRecordStore) SaveAll(ctx context.Context, t model.RecordType, records []model.Record) error {
	if err := checkUnique(records); err != nil {
		return err
	}

	bodies := make([][]byte, len(records))
	for i, r := range records {
		b, err := json.Marshal(r)
		if err != nil {
			return fmt.Errorf("marshal record %s: %w", r.ID, err)
		}
		bodies[i] = b
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if _, err := tx.Exec(ctx, `DELETE FROM qms_records WHERE record_type = $1`, string(t)); err != nil {
		return fmt.Errorf("delete records: %w", err)
	}

	now := time.Now().UTC()
	batch := &pgx.Batch{}
	for i, r := range records {
		batch.Queue(`
			INSERT INTO qms_records (record_type, id, position, body, updated_at)
			VALUES ($1, $2, $3, $4, $5)`,
			string(t), r.ID, i, bodies[i], now,
		)
	}
	if err := tx.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("insert records: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit records: %w", err)
	}
	return nil
}
