package provision

import (
	"github.com/ashureev/basesociety/internal/domain"
)

// DashboardPath is where the UI goes once an agent exists, confirmed or not.
const DashboardPath = "/dashboard"

// Kind names a pipeline state.
type Kind string

const (
	KindIdle        Kind = "idle"
	KindSubmitting  Kind = "submitting"
	KindMinting     Kind = "minting"
	KindRegistering Kind = "registering"
	KindDone        Kind = "done"
	KindFallenBack  Kind = "fallen_back"
	KindFailed      Kind = "failed"
)

// State is the single pipeline state. Only the fields relevant to Kind are
// set; use the constructors below rather than building it by hand.
type State struct {
	Kind Kind

	// Draft is kept while in flight and on failure so the user can retry.
	Draft *domain.AgentDraft
	// Mint is set from Registering onwards.
	Mint *domain.MintResult
	// Record is the registered or locally persisted record.
	Record *domain.AgentRecord
	// OrphanedMint is a confirmed mint that could be neither registered nor
	// stored locally. It is informational only and never reused by a retry.
	OrphanedMint *domain.MintResult
	// Err is the failure for Failed, or the registration error for FallenBack.
	Err error
}

func Idle() State { return State{Kind: KindIdle} }

func Submitting(draft domain.AgentDraft) State {
	return State{Kind: KindSubmitting, Draft: &draft}
}

func Minting(draft domain.AgentDraft) State {
	return State{Kind: KindMinting, Draft: &draft}
}

func Registering(draft domain.AgentDraft, mint *domain.MintResult, record domain.AgentRecord) State {
	return State{Kind: KindRegistering, Draft: &draft, Mint: mint, Record: &record}
}

func Done(record domain.AgentRecord, mint *domain.MintResult) State {
	return State{Kind: KindDone, Mint: mint, Record: &record}
}

func FallenBack(record domain.AgentRecord, mint *domain.MintResult, cause error) State {
	return State{Kind: KindFallenBack, Mint: mint, Record: &record, Err: cause}
}

// Failed never carries a mint result; a retry always mints afresh.
func Failed(draft domain.AgentDraft, err error) State {
	return State{Kind: KindFailed, Draft: &draft, Err: err}
}

// FailedAfterMint is Failed for an attempt whose mint is already on chain.
func FailedAfterMint(draft domain.AgentDraft, orphan *domain.MintResult, err error) State {
	st := Failed(draft, err)
	st.OrphanedMint = orphan
	return st
}

// InFlight reports whether a submission is running.
func (s State) InFlight() bool {
	switch s.Kind {
	case KindSubmitting, KindMinting, KindRegistering:
		return true
	default:
		return false
	}
}

// Terminal reports whether the attempt has ended.
func (s State) Terminal() bool {
	switch s.Kind {
	case KindDone, KindFallenBack, KindFailed:
		return true
	default:
		return false
	}
}

// AgentID returns the id of the produced agent, if any.
func (s State) AgentID() string {
	if s.Record == nil || !s.Terminal() {
		return ""
	}
	return s.Record.AgentID
}

// View is the JSON shape of a State for the UI.
type View struct {
	State      Kind                `json:"state"`
	Submitting bool                `json:"submitting"`
	AgentID    string              `json:"agent_id,omitempty"`
	Fallback   bool                `json:"fallback,omitempty"`
	Simulated  bool                `json:"simulated,omitempty"`
	Mint       *domain.MintResult  `json:"mint,omitempty"`
	Record     *domain.AgentRecord `json:"record,omitempty"`
	Draft      *domain.AgentDraft  `json:"draft,omitempty"`
	Error      string              `json:"error,omitempty"`
	Redirect   string              `json:"redirect,omitempty"`

	OrphanedMint *domain.MintResult `json:"orphaned_mint,omitempty"`
}

// View renders the state for the UI.
func (s State) View() View {
	v := View{
		State:      s.Kind,
		Submitting: s.InFlight(),
		AgentID:    s.AgentID(),
		Fallback:   s.Kind == KindFallenBack,
		Mint:       s.Mint,
		Record:     s.Record,
		Draft:      s.Draft,

		OrphanedMint: s.OrphanedMint,
	}
	if s.Mint != nil {
		v.Simulated = s.Mint.Simulated
	}
	if s.Err != nil {
		v.Error = s.Err.Error()
	}
	if s.Kind == KindDone || s.Kind == KindFallenBack {
		v.Redirect = DashboardPath
	}
	return v
}
