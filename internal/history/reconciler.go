// Package history builds the owner-scoped activity view of an agent.
package history

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/ashureev/basesociety/internal/domain"
	"golang.org/x/sync/errgroup"
)

// Source reads agent data from the registry.
type Source interface {
	FetchDetails(ctx context.Context, agentID, owner string) (*domain.AgentDetails, error)
	FetchHistory(ctx context.Context, agentID, owner string) ([]domain.CustomMessage, error)
}

// Entry is one transcript line.
type Entry struct {
	domain.CustomMessage
	FromOwner bool   `json:"from_owner"`
	Label     string `json:"label"`
}

// View is the reconciled agent page.
type View struct {
	Details       domain.AgentDetails `json:"details"`
	Desires       []string            `json:"desires"`
	Transcript    []Entry             `json:"transcript"`
	LatestThought *string             `json:"latest_thought"`
}

// Reconciler loads details and history for an owner.
type Reconciler struct {
	source Source
}

// NewReconciler creates a Reconciler.
func NewReconciler(source Source) *Reconciler {
	return &Reconciler{source: source}
}

// Load fetches details and history concurrently. Any fetch error is returned
// as is and no view is produced.
func (r *Reconciler) Load(ctx context.Context, agentID, owner string) (*View, error) {
	var (
		details *domain.AgentDetails
		msgs    []domain.CustomMessage
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		d, err := r.source.FetchDetails(gctx, agentID, owner)
		if err != nil {
			return err
		}
		details = d
		return nil
	})
	g.Go(func() error {
		h, err := r.source.FetchHistory(gctx, agentID, owner)
		if err != nil {
			return err
		}
		msgs = h
		return nil
	})
	if err := g.Wait(); err != nil {
		slog.Warn("Failed to load agent history", "agent_id", agentID, "owner", owner, "error", err)
		return nil, fmt.Errorf("load agent %s: %w", agentID, err)
	}

	view := &View{
		Details:    *details,
		Desires:    details.Profile.DesiresList(),
		Transcript: Transcript(msgs),
	}
	if latest, ok := LatestAgentThought(msgs); ok {
		view.LatestThought = &latest
	}
	return view, nil
}

// LatestAgentThought returns the content of the newest Agent message.
// Messages with unparsable timestamps rank below every parsed one; equal
// timestamps keep their delivered order.
func LatestAgentThought(msgs []domain.CustomMessage) (string, bool) {
	type thought struct {
		content string
		parsed  bool
		at      time.Time
	}

	var thoughts []thought
	for _, m := range msgs {
		if m.Origin != domain.OriginAgent {
			continue
		}
		th := thought{content: m.Content}
		if ts, err := m.Time(); err == nil {
			th.parsed = true
			th.at = ts
		}
		thoughts = append(thoughts, th)
	}
	if len(thoughts) == 0 {
		return "", false
	}

	sort.SliceStable(thoughts, func(i, j int) bool {
		a, b := thoughts[i], thoughts[j]
		if a.parsed != b.parsed {
			return a.parsed
		}
		return a.at.After(b.at)
	})
	return thoughts[0].content, true
}

// Transcript labels messages in delivered order.
func Transcript(msgs []domain.CustomMessage) []Entry {
	entries := make([]Entry, 0, len(msgs))
	for _, m := range msgs {
		label := string(m.Origin)
		if label == "" {
			label = m.Role
		}
		entries = append(entries, Entry{
			CustomMessage: m,
			FromOwner:     m.Origin == domain.OriginOwner,
			Label:         label,
		})
	}
	return entries
}
