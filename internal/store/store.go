// Package store provides local persistence for the current-agent slot.
package store

import (
	"context"

	"github.com/ashureev/basesociety/internal/domain"
)

// CurrentAgentSlot is the fixed key of the single local agent slot.
const CurrentAgentSlot = "agent"

// Repository defines the interface for the local-only agent slot.
//
// The slot is a convenience cache that bridges restarts; it is never
// authoritative once the registry is reachable. Writes are last-write-wins.
type Repository interface {
	// GetCurrentAgent returns the slot content, or nil when the slot is empty.
	GetCurrentAgent(ctx context.Context) (*domain.LocalAgent, error)

	// SaveCurrentAgentID stores a backend-confirmed agent id, replacing any fallback record.
	SaveCurrentAgentID(ctx context.Context, agentID string) error

	// SaveFallbackAgent stores a locally generated record together with its mint metadata.
	SaveFallbackAgent(ctx context.Context, record *domain.AgentRecord, mint *domain.MintResult) error

	// ClearCurrentAgent empties the slot.
	ClearCurrentAgent(ctx context.Context) error

	// Ping verifies database connectivity and returns an error if the database is unreachable.
	Ping(ctx context.Context) error

	// Close closes the database connection.
	Close() error
}
