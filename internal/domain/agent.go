// Package domain contains core domain types for the BaseSociety companion.
package domain

import (
	"strings"
)

// AgentDraft is the raw form input for a new agent.
type AgentDraft struct {
	Name        string `json:"name"`
	Personality string `json:"personality"`
	Desires     string `json:"desires"` // newline-delimited
	Skills      string `json:"skills"`  // comma-delimited
}

// Missing returns the names of required fields that are blank.
func (d AgentDraft) Missing() []string {
	var missing []string
	if strings.TrimSpace(d.Name) == "" {
		missing = append(missing, "name")
	}
	if strings.TrimSpace(d.Personality) == "" {
		missing = append(missing, "personality")
	}
	if strings.TrimSpace(d.Desires) == "" {
		missing = append(missing, "desires")
	}
	return missing
}

// Profile builds the canonical profile for the draft using an already
// normalized skills sequence. Callers normalize once and pass the same slice
// to every payload that needs it.
func (d AgentDraft) Profile(skills []string) AgentProfile {
	return AgentProfile{
		Name:        d.Name,
		Personality: d.Personality,
		Desires:     d.Desires,
		Skills:      skills,
	}
}

// NormalizeSkills splits a comma-delimited skills string, trims each entry
// and drops empty ones. The result is never nil.
func NormalizeSkills(raw string) []string {
	skills := make([]string, 0)
	for _, part := range strings.Split(raw, ",") {
		if s := strings.TrimSpace(part); s != "" {
			skills = append(skills, s)
		}
	}
	return skills
}

// AgentProfile is the shape exchanged with the registry.
type AgentProfile struct {
	Name        string   `json:"name"`
	Personality string   `json:"personality"`
	Desires     string   `json:"desires"`
	Skills      []string `json:"skills"`
}

// DesiresList returns the desires one per line, blank lines removed.
func (p AgentProfile) DesiresList() []string {
	var out []string
	for _, line := range strings.Split(p.Desires, "\n") {
		if d := strings.TrimSpace(line); d != "" {
			out = append(out, d)
		}
	}
	return out
}

// AgentRecord is the full registration payload for an agent.
type AgentRecord struct {
	AgentID      string       `json:"agent_id"`
	OwnerAddress string       `json:"owner_address"`
	TokenID      string       `json:"token_id"`
	Profile      AgentProfile `json:"profile"`
}

// AgentDetails is what the registry returns for GET /agents/{id}.
type AgentDetails struct {
	AgentID string       `json:"agent_id"`
	Profile AgentProfile `json:"profile"`
}
