// Package auditledger provides an optional durable Postgres record of
// claimed jobs, submitted checkpoints, and settled payments, for
// operational audit and dispute resolution. Grounded on
// pkg/database client/connection-pool pattern and raw-SQL repository
// style; gated by config.DatabaseURL — when unset the host runs
// without an audit trail.
package auditledger

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"time"

	_ "github.com/lib/pq" // PostgreSQL driver

	"github.com/meshcompute/host-node/pkg/config"
)

// Client wraps a connection-pooled handle to the audit ledger database.
type Client struct {
	db     *sql.DB
	logger *log.Logger
}

// NewClient opens a pooled connection to cfg.DatabaseURL. Callers
// should only construct a Client when cfg.DatabaseURL is non-empty.
func NewClient(cfg *config.Config) (*Client, error) {
	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("database URL cannot be empty")
	}

	db, err := sql.Open("postgres", cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxIdleTime(5 * time.Minute)
	db.SetConnMaxLifetime(time.Hour)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &Client{
		db:     db,
		logger: log.New(log.Writer(), "[AuditLedger] ", log.LstdFlags),
	}, nil
}

// Close releases the underlying connection pool.
func (c *Client) Close() error {
	return c.db.Close()
}

// EnsureSchema creates the audit ledger tables if they do not already
// exist. Kept inline (rather than a migration tool) since this is a
// small, append-mostly audit trail, not the system of record.
func (c *Client) EnsureSchema(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS claimed_jobs (
			job_id TEXT PRIMARY KEY,
			chain_id BIGINT NOT NULL,
			model_id TEXT NOT NULL,
			claim_tx_hash TEXT NOT NULL,
			claimed_at TIMESTAMPTZ NOT NULL,
			state TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS checkpoints (
			session_id TEXT NOT NULL,
			seq_index INTEGER NOT NULL,
			job_id TEXT NOT NULL,
			tokens_start BIGINT NOT NULL,
			tokens_end BIGINT NOT NULL,
			delta_cid TEXT NOT NULL,
			submitted_at TIMESTAMPTZ NOT NULL,
			tx_hash TEXT,
			PRIMARY KEY (session_id, seq_index)
		)`,
		`CREATE TABLE IF NOT EXISTS payments (
			job_id TEXT PRIMARY KEY,
			host_share_wei TEXT NOT NULL,
			treasury_share_wei TEXT NOT NULL,
			stakers_share_wei TEXT NOT NULL,
			claim_tx_hash TEXT NOT NULL,
			claimed_at TIMESTAMPTZ NOT NULL
		)`,
	}
	for _, stmt := range stmts {
		if _, err := c.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to apply schema statement: %w", err)
		}
	}
	return nil
}

// RecordClaimedJob inserts or updates a claimed-job audit row.
func (c *Client) RecordClaimedJob(ctx context.Context, jobID string, chainID int64, modelID, claimTxHash string, claimedAt time.Time, state string) error {
	_, err := c.db.ExecContext(ctx, `
		INSERT INTO claimed_jobs (job_id, chain_id, model_id, claim_tx_hash, claimed_at, state)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (job_id) DO UPDATE SET state = EXCLUDED.state`,
		jobID, chainID, modelID, claimTxHash, claimedAt, state)
	if err != nil {
		return fmt.Errorf("failed to record claimed job: %w", err)
	}
	return nil
}

// RecordCheckpoint inserts a checkpoint audit row. seqIndex is the
// CheckpointEntry index within the session.
func (c *Client) RecordCheckpoint(ctx context.Context, sessionID string, seqIndex int, jobID string, tokensStart, tokensEnd int64, deltaCID string, submittedAt time.Time, txHash sql.NullString) error {
	_, err := c.db.ExecContext(ctx, `
		INSERT INTO checkpoints (session_id, seq_index, job_id, tokens_start, tokens_end, delta_cid, submitted_at, tx_hash)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (session_id, seq_index) DO NOTHING`,
		sessionID, seqIndex, jobID, tokensStart, tokensEnd, deltaCID, submittedAt, txHash)
	if err != nil {
		return fmt.Errorf("failed to record checkpoint: %w", err)
	}
	return nil
}

// RecordPayment inserts a settled-payment audit row.
func (c *Client) RecordPayment(ctx context.Context, jobID, hostShareWei, treasuryShareWei, stakersShareWei, claimTxHash string, claimedAt time.Time) error {
	_, err := c.db.ExecContext(ctx, `
		INSERT INTO payments (job_id, host_share_wei, treasury_share_wei, stakers_share_wei, claim_tx_hash, claimed_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (job_id) DO NOTHING`,
		jobID, hostShareWei, treasuryShareWei, stakersShareWei, claimTxHash, claimedAt)
	if err != nil {
		return fmt.Errorf("failed to record payment: %w", err)
	}
	return nil
}

// CheckpointCount returns how many checkpoints have been recorded for
// a session.
func (c *Client) CheckpointCount(ctx context.Context, sessionID string) (int, error) {
	var count int
	err := c.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM checkpoints WHERE session_id = $1`, sessionID).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count checkpoints: %w", err)
	}
	return count, nil
}
