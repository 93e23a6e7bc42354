package domain

import (
	"math/big"
	"time"
)

// MintResult is the outcome of a mint. TokenID is never nil on a returned
// result; a mint without an extractable token id is an error, not a result.
type MintResult struct {
	TransactionHash string   `json:"transaction_hash"`
	TokenID         *big.Int `json:"token_id"`
	// Simulated is set for demo-mode placeholders that never touched a chain.
	Simulated bool `json:"simulated"`
}

// TokenIDString returns the decimal token id, or "" when absent.
func (r *MintResult) TokenIDString() string {
	if r == nil || r.TokenID == nil {
		return ""
	}
	return r.TokenID.String()
}

// LocalAgent is the content of the local "agent" slot. Either only AgentID is
// set (backend-confirmed) or Record and Mint are attached (local fallback).
type LocalAgent struct {
	AgentID   string       `json:"agent_id"`
	Fallback  bool         `json:"fallback"`
	Record    *AgentRecord `json:"record,omitempty"`
	Mint      *MintResult  `json:"mint,omitempty"`
	UpdatedAt time.Time    `json:"updated_at"`
}
