// Package storage implements the broker's persistence sink: a
// Postgres/TimescaleDB backend for predictions and raw samples, and an
// optional S3 dead-letter archive for batches that exceed a configured
// retry high-water mark.
package storage

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/justapithecus/telemetry-broker/iox"
	"github.com/justapithecus/telemetry-broker/log"
	"github.com/justapithecus/telemetry-broker/types"
)

// PostgresSink writes predictions and raw samples to TimescaleDB
// hypertables.
type PostgresSink struct {
	pool   *pgxpool.Pool
	logger *log.Logger
}

// NewPostgresSink connects to databaseURL and returns a ready sink. The
// caller must call InitSchema once at startup.
func NewPostgresSink(ctx context.Context, databaseURL string, logger *log.Logger) (*PostgresSink, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("storage: connect: %w", err)
	}
	return &PostgresSink{pool: pool, logger: logger}, nil
}

// InitSchema creates the sessions/predictions/raw_samples relations, their
// hypertables, and secondary indexes. Idempotent: "already exists" errors
// from a concurrent initializer are logged as warnings and do not abort
// boot.
func (s *PostgresSink) InitSchema(ctx context.Context) error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS sessions (
			session_id UUID PRIMARY KEY,
			user_id TEXT NOT NULL,
			start_time TIMESTAMPTZ NOT NULL,
			end_time TIMESTAMPTZ,
			device_info JSONB
		)`,
		`CREATE TABLE IF NOT EXISTS predictions (
			"timestamp" TIMESTAMPTZ NOT NULL,
			id BIGSERIAL,
			session_id UUID NOT NULL,
			user_id TEXT NOT NULL,
			prediction_type TEXT NOT NULL,
			classifier_name TEXT NOT NULL,
			data JSONB NOT NULL,
			confidence DOUBLE PRECISION,
			classifier_version TEXT,
			processing_time_ms DOUBLE PRECISION,
			PRIMARY KEY ("timestamp", id)
		)`,
		`CREATE TABLE IF NOT EXISTS raw_samples (
			"timestamp" TIMESTAMPTZ NOT NULL,
			id BIGSERIAL,
			session_id UUID NOT NULL,
			user_id TEXT NOT NULL,
			data JSONB NOT NULL,
			PRIMARY KEY ("timestamp", id)
		)`,
		`SELECT create_hypertable('predictions', 'timestamp', if_not_exists => TRUE)`,
		`SELECT create_hypertable('raw_samples', 'timestamp', if_not_exists => TRUE)`,
		`CREATE INDEX IF NOT EXISTS idx_predictions_session_time ON predictions (session_id, "timestamp" DESC)`,
		`CREATE INDEX IF NOT EXISTS idx_predictions_user_time ON predictions (user_id, "timestamp" DESC)`,
		`CREATE INDEX IF NOT EXISTS idx_raw_samples_session_time ON raw_samples (session_id, "timestamp" DESC)`,
		`CREATE INDEX IF NOT EXISTS idx_raw_samples_user_time ON raw_samples (user_id, "timestamp" DESC)`,
	}

	for _, stmt := range statements {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			if isAlreadyExists(err) {
				s.logger.Warn("schema object already exists, continuing", map[string]any{"error": err.Error()})
				continue
			}
			return fmt.Errorf("storage: init schema: %w", err)
		}
	}
	return nil
}

func isAlreadyExists(err error) bool {
	return strings.Contains(err.Error(), "already exists")
}

// CreateSession inserts a new session row with start_time set and
// end_time null.
func (s *PostgresSink) CreateSession(ctx context.Context, sess types.Session) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO sessions (session_id, user_id, start_time, device_info) VALUES ($1, $2, $3, $4)`,
		sess.SessionID, sess.UserID, sess.StartTime, sess.DeviceInfo,
	)
	return err
}

// CloseSession sets end_time for the given session, transitioning it
// nullable -> set exactly once.
func (s *PostgresSink) CloseSession(ctx context.Context, sessionID string, endTime time.Time) error {
	_, err := s.pool.Exec(ctx, `UPDATE sessions SET end_time = $1 WHERE session_id = $2 AND end_time IS NULL`, endTime, sessionID)
	return err
}

// WritePredictions inserts a batch of prediction records in a single
// transaction. Conforms to persistence.Sink.
func (s *PostgresSink) WritePredictions(ctx context.Context, records []types.PredictionRecord) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("storage: begin tx: %w", err)
	}
	defer iox.DiscardErr(func() error { return tx.Rollback(ctx) })

	for _, r := range records {
		_, err := tx.Exec(ctx,
			`INSERT INTO predictions ("timestamp", session_id, user_id, prediction_type, classifier_name, data, confidence, classifier_version, processing_time_ms)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
			r.Timestamp, r.SessionID, r.UserID, r.PredictionType, r.ClassifierName, r.Data, r.Confidence, r.ClassifierVersion, r.ProcessingTimeMS,
		)
		if err != nil {
			return fmt.Errorf("storage: insert prediction: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("storage: commit tx: %w", err)
	}
	return nil
}

// WriteRawSamples inserts a batch of raw sample records in a single
// transaction. Conforms to persistence.Sink.
func (s *PostgresSink) WriteRawSamples(ctx context.Context, records []types.RawSampleRecord) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("storage: begin tx: %w", err)
	}
	defer iox.DiscardErr(func() error { return tx.Rollback(ctx) })

	for _, r := range records {
		_, err := tx.Exec(ctx,
			`INSERT INTO raw_samples ("timestamp", session_id, user_id, data) VALUES ($1, $2, $3, $4)`,
			r.Timestamp, r.SessionID, r.UserID, r.Data,
		)
		if err != nil {
			return fmt.Errorf("storage: insert raw sample: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("storage: commit tx: %w", err)
	}
	return nil
}

// Ping checks connectivity, used by the /health/ready endpoint.
func (s *PostgresSink) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Close releases the connection pool.
func (s *PostgresSink) Close() error {
	s.pool.Close()
	return nil
}
