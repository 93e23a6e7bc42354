package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/ashureev/basesociety/internal/domain"
	_ "modernc.org/sqlite"
)

// SQLiteStore implements Repository using SQLite.
type SQLiteStore struct {
	db     *sql.DB
	slotMu sync.Mutex // serializes slot writes to avoid SQLITE_BUSY
}

// NewSQLite creates a new SQLite-backed repository.
func NewSQLite(dbPath string) (Repository, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}

	dsn := dbPath + "?_journal=WAL&_sync=NORMAL&_busy_timeout=5000"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(4)
	db.SetMaxIdleConns(2)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("ping database: %w", err)
	}

	store := &SQLiteStore{db: db}
	if err := store.initSchema(); err != nil {
		return nil, fmt.Errorf("initialize schema: %w", err)
	}

	return store, nil
}

func (s *SQLiteStore) initSchema() error {
	query := `
	PRAGMA busy_timeout = 5000;
	CREATE TABLE IF NOT EXISTS agent_slot (
		slot TEXT PRIMARY KEY,
		agent_id TEXT NOT NULL,
		fallback INTEGER NOT NULL DEFAULT 0,
		record_json TEXT,
		mint_json TEXT,
		updated_at INTEGER NOT NULL
	);
	`
	if _, err := s.db.Exec(query); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	return nil
}

// Ping verifies database connectivity.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// GetCurrentAgent returns the slot content, or nil when the slot is empty.
func (s *SQLiteStore) GetCurrentAgent(ctx context.Context) (*domain.LocalAgent, error) {
	query := `
		SELECT agent_id, fallback, record_json, mint_json, updated_at
		FROM agent_slot WHERE slot = ?`

	row := s.db.QueryRowContext(ctx, query, CurrentAgentSlot)

	var agent domain.LocalAgent
	var recordJSON, mintJSON sql.NullString
	var updatedAt int64

	err := row.Scan(&agent.AgentID, &agent.Fallback, &recordJSON, &mintJSON, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan agent slot: %w", err)
	}
	agent.UpdatedAt = time.UnixMilli(updatedAt)

	if recordJSON.Valid && recordJSON.String != "" {
		var record domain.AgentRecord
		if err := json.Unmarshal([]byte(recordJSON.String), &record); err != nil {
			return nil, fmt.Errorf("decode fallback record: %w", err)
		}
		agent.Record = &record
	}
	if mintJSON.Valid && mintJSON.String != "" {
		var mint domain.MintResult
		if err := json.Unmarshal([]byte(mintJSON.String), &mint); err != nil {
			return nil, fmt.Errorf("decode fallback mint: %w", err)
		}
		agent.Mint = &mint
	}

	return &agent, nil
}

// SaveCurrentAgentID stores a backend-confirmed agent id.
func (s *SQLiteStore) SaveCurrentAgentID(ctx context.Context, agentID string) error {
	if agentID == "" {
		return fmt.Errorf("save current agent: empty agent id")
	}
	return s.upsertWithRetry(ctx, agentID, false, nil, nil)
}

// SaveFallbackAgent stores a locally generated record with its mint metadata.
func (s *SQLiteStore) SaveFallbackAgent(ctx context.Context, record *domain.AgentRecord, mint *domain.MintResult) error {
	if record == nil || record.AgentID == "" {
		return fmt.Errorf("save fallback agent: missing record")
	}

	recordJSON, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("encode fallback record: %w", err)
	}

	var mintJSON []byte
	if mint != nil {
		mintJSON, err = json.Marshal(mint)
		if err != nil {
			return fmt.Errorf("encode fallback mint: %w", err)
		}
	}

	return s.upsertWithRetry(ctx, record.AgentID, true, recordJSON, mintJSON)
}

// upsertWithRetry writes the slot, retrying with exponential backoff on SQLITE_BUSY.
func (s *SQLiteStore) upsertWithRetry(ctx context.Context, agentID string, fallback bool, recordJSON, mintJSON []byte) error {
	maxRetries := 3
	baseDelay := 50 * time.Millisecond

	for i := 0; i < maxRetries; i++ {
		err := s.upsertOnce(ctx, agentID, fallback, recordJSON, mintJSON)
		if err == nil {
			return nil
		}

		if isConflictError(err) && i < maxRetries-1 {
			delay := baseDelay * time.Duration(1<<i) // 50ms, 100ms
			slog.Debug("Agent slot write hit SQLITE_BUSY, retrying",
				"agent_id", agentID,
				"attempt", i+1,
				"delay", delay)
			select {
			case <-time.After(delay):
				continue
			case <-ctx.Done():
				return ctx.Err()
			}
		}

		return fmt.Errorf("write agent slot for %s: %w", agentID, err)
	}

	return nil
}

func (s *SQLiteStore) upsertOnce(ctx context.Context, agentID string, fallback bool, recordJSON, mintJSON []byte) error {
	s.slotMu.Lock()
	defer s.slotMu.Unlock()

	query := `
		INSERT INTO agent_slot (slot, agent_id, fallback, record_json, mint_json, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(slot) DO UPDATE SET
			agent_id = excluded.agent_id,
			fallback = excluded.fallback,
			record_json = excluded.record_json,
			mint_json = excluded.mint_json,
			updated_at = excluded.updated_at`

	var record, mint interface{}
	if len(recordJSON) > 0 {
		record = string(recordJSON)
	}
	if len(mintJSON) > 0 {
		mint = string(mintJSON)
	}

	_, err := s.db.ExecContext(ctx, query,
		CurrentAgentSlot, agentID, fallback, record, mint, time.Now().UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("upsert agent slot: %w", err)
	}
	return nil
}

// ClearCurrentAgent empties the slot.
func (s *SQLiteStore) ClearCurrentAgent(ctx context.Context) error {
	s.slotMu.Lock()
	defer s.slotMu.Unlock()

	if _, err := s.db.ExecContext(ctx, `DELETE FROM agent_slot WHERE slot = ?`, CurrentAgentSlot); err != nil {
		return fmt.Errorf("clear agent slot: %w", err)
	}
	return nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("close database: %w", err)
	}
	return nil
}
