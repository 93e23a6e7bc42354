// Package provision sequences wallet check, mint and registry registration
// into a single pipeline with a local fallback.
package provision

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/ashureev/basesociety/internal/domain"
	"github.com/ashureev/basesociety/internal/mint"
	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
)

var (
	// ErrSubmitInProgress is returned when a submission is already running.
	ErrSubmitInProgress = errors.New("provision: submission in progress")
	// ErrWalletRequired is returned when no wallet address is connected.
	ErrWalletRequired = errors.New("provision: wallet connection required")
	// ErrInvalidDraft is returned for drafts with blank required fields.
	ErrInvalidDraft = errors.New("provision: invalid agent draft")
	// ErrResetInFlight is returned when Reset is called mid-submission.
	ErrResetInFlight = errors.New("provision: cannot reset while submitting")
)

// DefaultRegistryTimeout bounds the registration call.
const DefaultRegistryTimeout = 10 * time.Second

// Wallet exposes the connected address.
type Wallet interface {
	Address() (common.Address, bool)
}

// Minter performs the mint. skills is the normalized sequence.
type Minter interface {
	Mint(ctx context.Context, draft domain.AgentDraft, skills []string, owner common.Address) (*domain.MintResult, error)
}

// Registrar registers a minted agent and returns its canonical id.
type Registrar interface {
	Register(ctx context.Context, record domain.AgentRecord) (string, error)
}

// Slot is the local "current agent" storage.
type Slot interface {
	SaveCurrentAgentID(ctx context.Context, agentID string) error
	SaveFallbackAgent(ctx context.Context, record *domain.AgentRecord, mint *domain.MintResult) error
}

// Observer is notified after every state transition.
type Observer func(State)

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithRegistryTimeout bounds each registration attempt.
func WithRegistryTimeout(d time.Duration) Option {
	return func(o *Orchestrator) {
		if d > 0 {
			o.registryTimeout = d
		}
	}
}

// WithIDGenerator overrides the proposed agent id generator.
func WithIDGenerator(gen func() string) Option {
	return func(o *Orchestrator) {
		o.newAgentID = gen
	}
}

// WithClock overrides the time source of fallback ids.
func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) {
		o.now = now
	}
}

// WithObserver adds a transition observer.
func WithObserver(fn Observer) Option {
	return func(o *Orchestrator) {
		o.observers = append(o.observers, fn)
	}
}

// Orchestrator runs at most one provisioning pipeline at a time.
type Orchestrator struct {
	wallet    Wallet
	minter    Minter
	registrar Registrar
	slot      Slot

	registryTimeout time.Duration
	newAgentID      func() string
	now             func() time.Time
	observers       []Observer

	// running is held for the whole submission.
	running sync.Mutex

	mu    sync.RWMutex
	state State
}

// New creates an orchestrator in the Idle state.
func New(wallet Wallet, minter Minter, registrar Registrar, slot Slot, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		wallet:          wallet,
		minter:          minter,
		registrar:       registrar,
		slot:            slot,
		registryTimeout: DefaultRegistryTimeout,
		newAgentID:      uuid.NewString,
		now:             time.Now,
		state:           Idle(),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// State returns the current pipeline state.
func (o *Orchestrator) State() State {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.state
}

// Reset returns a terminal pipeline to Idle.
func (o *Orchestrator) Reset() (State, error) {
	if !o.running.TryLock() {
		return o.State(), ErrResetInFlight
	}
	defer o.running.Unlock()
	return o.transition(Idle()), nil
}

// Submit runs the pipeline for draft and returns the terminal state. A call
// made while another submission is running does nothing and returns
// ErrSubmitInProgress. Cancelling ctx does not abort a started submission;
// the pipeline runs to completion once the draft is accepted.
func (o *Orchestrator) Submit(ctx context.Context, draft domain.AgentDraft) (State, error) {
	if !o.running.TryLock() {
		slog.Warn("Provisioning already in progress")
		return o.State(), ErrSubmitInProgress
	}
	defer o.running.Unlock()

	if missing := draft.Missing(); len(missing) > 0 {
		return o.State(), fmt.Errorf("%w: missing %s", ErrInvalidDraft, strings.Join(missing, ", "))
	}

	o.transition(Submitting(draft))

	owner, ok := o.wallet.Address()
	if !ok {
		return o.fail(draft, ErrWalletRequired)
	}

	ctx = context.WithoutCancel(ctx)
	skills := domain.NormalizeSkills(draft.Skills)

	o.transition(Minting(draft))
	result, err := o.minter.Mint(ctx, draft, skills, owner)
	if err != nil {
		return o.fail(draft, err)
	}
	if result == nil || result.TokenID == nil {
		return o.fail(draft, mint.ErrTokenIDExtraction)
	}

	record := domain.AgentRecord{
		AgentID:      o.newAgentID(),
		OwnerAddress: owner.Hex(),
		TokenID:      result.TokenIDString(),
		Profile:      draft.Profile(skills),
	}
	o.transition(Registering(draft, result, record))

	regCtx, cancel := context.WithTimeout(ctx, o.registryTimeout)
	agentID, err := o.registrar.Register(regCtx, record)
	cancel()
	if err != nil {
		return o.fallBack(ctx, draft, record, result, err)
	}

	record.AgentID = agentID
	if err := o.slot.SaveCurrentAgentID(ctx, agentID); err != nil {
		slog.Warn("Failed to cache current agent id", "agent_id", agentID, "error", err)
	}
	slog.Info("Agent provisioned", "agent_id", agentID, "token_id", record.TokenID, "owner", record.OwnerAddress)
	return o.transition(Done(record, result)), nil
}

func (o *Orchestrator) fallBack(ctx context.Context, draft domain.AgentDraft, record domain.AgentRecord, result *domain.MintResult, cause error) (State, error) {
	record.AgentID = fmt.Sprintf("agent-%d", o.now().UnixMilli())
	slog.Warn("Registration failed, persisting agent locally",
		"agent_id", record.AgentID, "token_id", record.TokenID, "error", cause)

	if err := o.slot.SaveFallbackAgent(ctx, &record, result); err != nil {
		err = fmt.Errorf("persist fallback agent (tx %s, token %s): %w",
			result.TransactionHash, result.TokenIDString(), errors.Join(err, cause))
		slog.Error("Provisioning failed after mint", "name", draft.Name,
			"tx_hash", result.TransactionHash, "token_id", result.TokenIDString(), "error", err)
		return o.transition(FailedAfterMint(draft, result, err)), err
	}
	return o.transition(FallenBack(record, result, cause)), nil
}

func (o *Orchestrator) fail(draft domain.AgentDraft, err error) (State, error) {
	slog.Error("Provisioning failed", "name", draft.Name, "error", err)
	return o.transition(Failed(draft, err)), err
}

func (o *Orchestrator) transition(next State) State {
	o.mu.Lock()
	o.state = next
	o.mu.Unlock()

	slog.Debug("Provision state changed", "state", next.Kind)
	for _, fn := range o.observers {
		fn(next)
	}
	return next
}
