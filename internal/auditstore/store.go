// Package auditstore persists hash-chained audit records durably,
// append-only, with batch inserts and cold-storage archival.
package auditstore

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"github.com/cryptofunk/locatefees/internal/audit"
)

// Store is the pgx-backed append-only sink for audit.Record. It
// implements audit.Store.
type Store struct {
	pool *pgxpool.Pool
	log  zerolog.Logger
}

// New opens a connection pool against dsn and verifies connectivity.
func New(ctx context.Context, dsn string, log zerolog.Logger) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse audit store dsn: %w", err)
	}
	cfg.MaxConns = 10
	cfg.MinConns = 2
	cfg.MaxConnLifetime = time.Hour
	cfg.MaxConnIdleTime = 30 * time.Minute
	cfg.HealthCheckPeriod = time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("create audit store pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping audit store: %w", err)
	}
	return &Store{pool: pool, log: log}, nil
}

// Close releases the connection pool.
func (s *Store) Close() {
	s.pool.Close()
}

// Health checks database connectivity for the Health() surface.
func (s *Store) Health(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

const insertRecordSQL = `
	INSERT INTO audit_records (
		id, client_id, ticker, inputs, breakdown, signal_bundle_snapshot,
		failure_reason, prev_hash, hash, emitted_at
	) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
`

// PersistBatch inserts records in a single pipelined batch, preserving
// enqueue order within the batch. Partial application is not attempted
// on failure — the caller retries the whole batch.
func (s *Store) PersistBatch(ctx context.Context, records []*audit.Record) error {
	if len(records) == 0 {
		return nil
	}

	batch := &pgx.Batch{}
	for _, rec := range records {
		inputsJSON, err := json.Marshal(rec.Inputs)
		if err != nil {
			return fmt.Errorf("marshal audit inputs for %s: %w", rec.ID, err)
		}
		var breakdownJSON []byte
		if rec.Breakdown != nil {
			breakdownJSON, err = json.Marshal(rec.Breakdown)
			if err != nil {
				return fmt.Errorf("marshal audit breakdown for %s: %w", rec.ID, err)
			}
		}
		var snapshotJSON []byte
		if rec.SignalBundleSnapshot != nil {
			snapshotJSON, err = json.Marshal(rec.SignalBundleSnapshot)
			if err != nil {
				return fmt.Errorf("marshal audit signal snapshot for %s: %w", rec.ID, err)
			}
		}

		batch.Queue(insertRecordSQL,
			rec.ID, rec.ClientID, rec.Ticker, inputsJSON, breakdownJSON, snapshotJSON,
			rec.FailureReason, rec.PrevHash, rec.Hash, rec.EmittedAt,
		)
	}

	br := s.pool.SendBatch(ctx, batch)
	defer br.Close()

	for range records {
		if _, err := br.Exec(); err != nil {
			return fmt.Errorf("insert audit record: %w", err)
		}
	}
	return nil
}

// LastHash returns the hash of the most recently persisted record for
// partition, or audit.GenesisHash if the partition has no history yet.
func (s *Store) LastHash(ctx context.Context, partition string) (string, error) {
	const query = `
		SELECT hash FROM audit_records
		WHERE client_id = $1
		ORDER BY emitted_at DESC, id DESC
		LIMIT 1
	`
	var hash string
	err := s.pool.QueryRow(ctx, query, partition).Scan(&hash)
	if err == pgx.ErrNoRows {
		return audit.GenesisHash, nil
	}
	if err != nil {
		return "", fmt.Errorf("load last audit hash for %s: %w", partition, err)
	}
	return hash, nil
}

// Partitions returns every distinct client_id that has at least one
// audit record, for tooling that verifies the whole store one
// partition at a time.
func (s *Store) Partitions(ctx context.Context) ([]string, error) {
	rows, err := s.pool.Query(ctx, `SELECT DISTINCT client_id FROM audit_records ORDER BY client_id`)
	if err != nil {
		return nil, fmt.Errorf("query audit partitions: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var clientID string
		if err := rows.Scan(&clientID); err != nil {
			return nil, fmt.Errorf("scan audit partition: %w", err)
		}
		out = append(out, clientID)
	}
	return out, rows.Err()
}

// Records returns all records for a partition in persistence order, for
// chain verification tooling.
func (s *Store) Records(ctx context.Context, partition string) ([]*audit.Record, error) {
	const query = `
		SELECT id, client_id, ticker, inputs, breakdown, signal_bundle_snapshot,
			failure_reason, prev_hash, hash, emitted_at
		FROM audit_records
		WHERE client_id = $1
		ORDER BY emitted_at ASC, id ASC
	`
	rows, err := s.pool.Query(ctx, query, partition)
	if err != nil {
		return nil, fmt.Errorf("query audit records for %s: %w", partition, err)
	}
	defer rows.Close()

	var out []*audit.Record
	for rows.Next() {
		rec := &audit.Record{}
		var inputsJSON, breakdownJSON, snapshotJSON []byte
		if err := rows.Scan(
			&rec.ID, &rec.ClientID, &rec.Ticker, &inputsJSON, &breakdownJSON, &snapshotJSON,
			&rec.FailureReason, &rec.PrevHash, &rec.Hash, &rec.EmittedAt,
		); err != nil {
			return nil, fmt.Errorf("scan audit record: %w", err)
		}
		if err := json.Unmarshal(inputsJSON, &rec.Inputs); err != nil {
			return nil, fmt.Errorf("unmarshal audit inputs for %s: %w", rec.ID, err)
		}
		if len(breakdownJSON) > 0 {
			if err := json.Unmarshal(breakdownJSON, &rec.Breakdown); err != nil {
				return nil, fmt.Errorf("unmarshal audit breakdown for %s: %w", rec.ID, err)
			}
		}
		if len(snapshotJSON) > 0 {
			if err := json.Unmarshal(snapshotJSON, &rec.SignalBundleSnapshot); err != nil {
				return nil, fmt.Errorf("unmarshal audit signal snapshot for %s: %w", rec.ID, err)
			}
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// ArchiveOlderThan moves records older than cutoff out of the hot
// table into audit_records_archive, in one transaction per spec's
// "archival to cold storage after N days" (§3).
func (s *Store) ArchiveOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("begin archive tx: %w", err)
	}
	defer tx.Rollback(ctx)

	const moveSQL = `
		WITH moved AS (
			DELETE FROM audit_records WHERE emitted_at < $1
			RETURNING *
		)
		INSERT INTO audit_records_archive SELECT * FROM moved
	`
	tag, err := tx.Exec(ctx, moveSQL, cutoff)
	if err != nil {
		return 0, fmt.Errorf("archive audit records: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("commit archive tx: %w", err)
	}
	return tag.RowsAffected(), nil
}
