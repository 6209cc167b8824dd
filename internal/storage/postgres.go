// Package storage persists feedback, metrics, code versions, and validation
// snapshots in PostgreSQL. Only insert-row and select-recent-rows semantics
// are used; no engine-specific query features.
package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog/log"

	"agent-refinery/internal/feedback"
	"agent-refinery/internal/validator"
)

// DB wraps a PostgreSQL connection pool.
type DB struct {
	pool *pgxpool.Pool
}

var _ feedback.Store = (*DB)(nil)

// New creates a new database connection pool and verifies connectivity.
func New(ctx context.Context, dsn string) (*DB, error) {
	config, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parsing database DSN: %w", err)
	}

	config.MaxConns = 25
	config.MinConns = 2
	config.MaxConnLifetime = 5 * time.Minute
	config.MaxConnIdleTime = 1 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("connecting to database: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}

	log.Info().Msg("connected to PostgreSQL")
	return &DB{pool: pool}, nil
}

// Close shuts down the connection pool.
func (db *DB) Close() {
	db.pool.Close()
}

// Healthy checks database connectivity.
func (db *DB) Healthy(ctx context.Context) bool {
	return db.pool.Ping(ctx) == nil
}

// InsertFeedback appends one feedback record. The (agent_id, execution_id)
// key is enforced with ON CONFLICT DO NOTHING so retried writes stay
// idempotent.
func (db *DB) InsertFeedback(ctx context.Context, fb feedback.AgentFeedback) error {
	query := `
		INSERT INTO agent_feedback (agent_id, execution_id, user_id, rating, free_text, successful, tags, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (agent_id, execution_id) DO NOTHING`

	_, err := db.pool.Exec(ctx, query,
		fb.AgentID, fb.ExecutionID, fb.UserID, fb.Rating,
		truncateForDB(fb.FreeText, 65535), fb.Successful, fb.Tags, fb.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("inserting feedback: %w", err)
	}
	return nil
}

// InsertMetrics appends one execution metric record.
func (db *DB) InsertMetrics(ctx context.Context, m feedback.MetricRecord) error {
	query := `
		INSERT INTO execution_metrics (agent_id, execution_id, elapsed_ms, memory_used_mb, error_count, output_size, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`

	_, err := db.pool.Exec(ctx, query,
		m.AgentID, m.ExecutionID, m.Elapsed.Milliseconds(),
		m.MemoryUsedMB, m.ErrorCount, m.OutputSize, m.Timestamp,
	)
	if err != nil {
		return fmt.Errorf("inserting metrics: %w", err)
	}
	return nil
}

// InsertCodeVersion appends one entry to an agent's version history.
func (db *DB) InsertCodeVersion(ctx context.Context, v feedback.CodeVersion) error {
	improvements, err := json.Marshal(v.ImprovementsApplied)
	if err != nil {
		return fmt.Errorf("encoding improvements: %w", err)
	}
	tests, err := json.Marshal(v.SuggestedTests)
	if err != nil {
		return fmt.Errorf("encoding suggested tests: %w", err)
	}

	query := `
		INSERT INTO code_versions (agent_id, code, improvements, suggested_tests, version, created_by)
		VALUES ($1, $2, $3, $4, $5, $6)`

	_, err = db.pool.Exec(ctx, query,
		v.AgentID, v.Code, improvements, tests, v.Version, v.CreatedBy,
	)
	if err != nil {
		return fmt.Errorf("inserting code version: %w", err)
	}
	return nil
}

// InsertValidationSnapshot stores one validation result for later
// improvement cycles. Called by the API layer after a validation; this is
// the "caller decides to persist" role.
func (db *DB) InsertValidationSnapshot(ctx context.Context, agentID string, result *validator.Result) error {
	payload, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("encoding validation result: %w", err)
	}

	query := `
		INSERT INTO validation_snapshots (agent_id, valid, result, created_at)
		VALUES ($1, $2, $3, $4)`

	_, err = db.pool.Exec(ctx, query, agentID, result.Valid, payload, result.CreatedAt)
	if err != nil {
		return fmt.Errorf("inserting validation snapshot: %w", err)
	}
	return nil
}

// RecentFeedback returns the newest feedback records for an agent.
func (db *DB) RecentFeedback(ctx context.Context, agentID string, limit int) ([]feedback.AgentFeedback, error) {
	query := `
		SELECT agent_id, execution_id, user_id, rating, free_text, successful, tags, created_at
		FROM agent_feedback
		WHERE agent_id = $1
		ORDER BY created_at DESC
		LIMIT $2`

	rows, err := db.pool.Query(ctx, query, agentID, clampLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("querying feedback: %w", err)
	}
	defer rows.Close()

	var results []feedback.AgentFeedback
	for rows.Next() {
		var fb feedback.AgentFeedback
		if err := rows.Scan(
			&fb.AgentID, &fb.ExecutionID, &fb.UserID, &fb.Rating,
			&fb.FreeText, &fb.Successful, &fb.Tags, &fb.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("scanning feedback row: %w", err)
		}
		results = append(results, fb)
	}
	return results, rows.Err()
}

// RecentMetrics returns the newest metric records for an agent.
func (db *DB) RecentMetrics(ctx context.Context, agentID string, limit int) ([]feedback.MetricRecord, error) {
	query := `
		SELECT agent_id, execution_id, elapsed_ms, memory_used_mb, error_count, output_size, created_at
		FROM execution_metrics
		WHERE agent_id = $1
		ORDER BY created_at DESC
		LIMIT $2`

	rows, err := db.pool.Query(ctx, query, agentID, clampLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("querying metrics: %w", err)
	}
	defer rows.Close()

	var results []feedback.MetricRecord
	for rows.Next() {
		var m feedback.MetricRecord
		var elapsedMS int64
		if err := rows.Scan(
			&m.AgentID, &m.ExecutionID, &elapsedMS,
			&m.MemoryUsedMB, &m.ErrorCount, &m.OutputSize, &m.Timestamp,
		); err != nil {
			return nil, fmt.Errorf("scanning metrics row: %w", err)
		}
		m.Elapsed = time.Duration(elapsedMS) * time.Millisecond
		results = append(results, m)
	}
	return results, rows.Err()
}

// RecentValidations returns the newest validation snapshots for an agent.
func (db *DB) RecentValidations(ctx context.Context, agentID string, limit int) ([]validator.Result, error) {
	query := `
		SELECT result
		FROM validation_snapshots
		WHERE agent_id = $1
		ORDER BY created_at DESC
		LIMIT $2`

	rows, err := db.pool.Query(ctx, query, agentID, clampLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("querying validation snapshots: %w", err)
	}
	defer rows.Close()

	var results []validator.Result
	for rows.Next() {
		var payload []byte
		if err := rows.Scan(&payload); err != nil {
			return nil, fmt.Errorf("scanning snapshot row: %w", err)
		}
		var result validator.Result
		if err := json.Unmarshal(payload, &result); err != nil {
			log.Warn().Err(err).Str("agent_id", agentID).Msg("skipping undecodable validation snapshot")
			continue
		}
		results = append(results, result)
	}
	return results, rows.Err()
}

// ListCodeVersions returns an agent's newest code versions.
func (db *DB) ListCodeVersions(ctx context.Context, agentID string, limit int) ([]feedback.CodeVersion, error) {
	query := `
		SELECT agent_id, code, improvements, suggested_tests, version, created_by
		FROM code_versions
		WHERE agent_id = $1
		ORDER BY version DESC
		LIMIT $2`

	rows, err := db.pool.Query(ctx, query, agentID, clampLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("querying code versions: %w", err)
	}
	defer rows.Close()

	var results []feedback.CodeVersion
	for rows.Next() {
		var v feedback.CodeVersion
		var improvements, tests []byte
		if err := rows.Scan(&v.AgentID, &v.Code, &improvements, &tests, &v.Version, &v.CreatedBy); err != nil {
			return nil, fmt.Errorf("scanning version row: %w", err)
		}
		if len(improvements) > 0 {
			_ = json.Unmarshal(improvements, &v.ImprovementsApplied)
		}
		if len(tests) > 0 {
			_ = json.Unmarshal(tests, &v.SuggestedTests)
		}
		results = append(results, v)
	}
	return results, rows.Err()
}

func clampLimit(limit int) int {
	if limit <= 0 || limit > 1000 {
		return 100
	}
	return limit
}

func truncateForDB(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen]
}
