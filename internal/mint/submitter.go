// Package mint submits AgentNFT mint transactions and recovers the minted token id.
package mint

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"time"

	"github.com/ashureev/basesociety/internal/domain"
	"github.com/ashureev/basesociety/internal/wallet"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
)

var (
	// ErrTransactionReverted is returned when the receipt reports failure.
	ErrTransactionReverted = errors.New("mint: transaction reverted")
	// ErrTokenIDExtraction is returned when the receipt carries no Minted event for the transaction.
	ErrTokenIDExtraction = errors.New("mint: token id not found in receipt")
	// ErrNoContract is returned when a real mint is attempted without a contract address.
	ErrNoContract = errors.New("mint: contract address not configured")
)

const (
	// DefaultDemoDelay mirrors the simulated wait of the providerless flow.
	DefaultDemoDelay = time.Second

	// InitialHappiness is the happiness score a freshly minted agent starts with.
	InitialHappiness uint8 = 100

	profileDataDescription = "agent-profile"
	simulatedTag           = "basesociety/simulated-mint"
)

// Sender is the part of a wallet provider the submitter needs.
type Sender interface {
	SendTransaction(ctx context.Context, call wallet.Call) (common.Hash, error)
	WaitForReceipt(ctx context.Context, hash common.Hash) (*types.Receipt, error)
}

// Submitter mints agents through a wallet provider, or simulates the mint
// when there is none.
type Submitter struct {
	sender    Sender
	contract  common.Address
	value     *big.Int
	demoDelay time.Duration
	now       func() time.Time
}

// Option configures a Submitter.
type Option func(*Submitter)

// WithValue sets the wei attached to the payable mint call.
func WithValue(wei *big.Int) Option {
	return func(s *Submitter) {
		if wei != nil {
			s.value = new(big.Int).Set(wei)
		}
	}
}

// WithDemoDelay sets the simulated confirmation delay.
func WithDemoDelay(d time.Duration) Option {
	return func(s *Submitter) {
		if d >= 0 {
			s.demoDelay = d
		}
	}
}

// WithClock overrides the time source used for lastPassionTimestamp.
func WithClock(now func() time.Time) Option {
	return func(s *Submitter) {
		s.now = now
	}
}

// NewSubmitter creates a submitter. A nil sender selects demo mode.
func NewSubmitter(sender Sender, contract common.Address, opts ...Option) *Submitter {
	s := &Submitter{
		sender:    sender,
		contract:  contract,
		value:     new(big.Int),
		demoDelay: DefaultDemoDelay,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Simulated reports whether mints are placeholders.
func (s *Submitter) Simulated() bool {
	return s.sender == nil
}

// Mint mints an agent for owner. skills must be the already-normalized
// sequence; it is embedded as-is. Every failure is terminal.
func (s *Submitter) Mint(ctx context.Context, draft domain.AgentDraft, skills []string, owner common.Address) (*domain.MintResult, error) {
	contentHash, err := ContentHash(draft.Personality, draft.Desires)
	if err != nil {
		return nil, err
	}

	if s.sender == nil {
		return s.simulate(ctx, owner, contentHash)
	}
	if s.contract == (common.Address{}) {
		return nil, ErrNoContract
	}

	data, err := packMint(
		[]IntelligentData{{DataDescription: profileDataDescription, DataHash: contentHash}},
		owner,
		OnchainProfile{
			Personality:          draft.Personality,
			Desires:              draft.Desires,
			Skills:               skills,
			LastPassionTimestamp: big.NewInt(s.now().Unix()),
			HappinessScore:       InitialHappiness,
		},
	)
	if err != nil {
		return nil, fmt.Errorf("encode mint call: %w", err)
	}

	txHash, err := s.sender.SendTransaction(ctx, wallet.Call{
		From:  owner,
		To:    s.contract,
		Data:  data,
		Value: s.value,
	})
	if err != nil {
		return nil, fmt.Errorf("submit mint: %w", err)
	}
	slog.Info("Mint submitted", "tx_hash", txHash.Hex(), "owner", owner.Hex())

	receipt, err := s.sender.WaitForReceipt(ctx, txHash)
	if err != nil {
		return nil, fmt.Errorf("wait for mint receipt: %w", err)
	}
	if receipt.Status != types.ReceiptStatusSuccessful {
		slog.Warn("Mint reverted", "tx_hash", txHash.Hex(), "block", receipt.BlockNumber)
		return nil, fmt.Errorf("%w: %s", ErrTransactionReverted, txHash.Hex())
	}

	tokenID, err := ExtractTokenID(receipt, txHash, s.contract)
	if err != nil {
		return nil, err
	}

	slog.Info("Mint confirmed", "tx_hash", txHash.Hex(), "token_id", tokenID.String())
	return &domain.MintResult{TransactionHash: txHash.Hex(), TokenID: tokenID}, nil
}

func (s *Submitter) simulate(ctx context.Context, owner common.Address, contentHash common.Hash) (*domain.MintResult, error) {
	slog.Info("No wallet provider, simulating mint", "owner", owner.Hex(), "delay", s.demoDelay)

	timer := time.NewTimer(s.demoDelay)
	defer timer.Stop()
	select {
	case <-timer.C:
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	txHash := crypto.Keccak256Hash([]byte(simulatedTag), owner.Bytes(), contentHash.Bytes())
	return &domain.MintResult{
		TransactionHash: txHash.Hex(),
		TokenID:         new(big.Int),
		Simulated:       true,
	}, nil
}

// ContentHash is the keccak256 of the canonical JSON of personality and desires.
func ContentHash(personality, desires string) (common.Hash, error) {
	payload, err := json.Marshal(struct {
		Personality string `json:"personality"`
		Desires     string `json:"desires"`
	}{personality, desires})
	if err != nil {
		return common.Hash{}, fmt.Errorf("encode profile content: %w", err)
	}
	return crypto.Keccak256Hash(payload), nil
}

// ExtractTokenID finds the Minted event emitted by txHash and returns its
// indexed token id. A zero contract address matches any emitter.
func ExtractTokenID(receipt *types.Receipt, txHash common.Hash, contract common.Address) (*big.Int, error) {
	topic := MintedTopic()
	for _, lg := range receipt.Logs {
		if lg == nil || len(lg.Topics) < 2 || lg.Topics[0] != topic {
			continue
		}
		if lg.TxHash != txHash {
			continue
		}
		if contract != (common.Address{}) && lg.Address != contract {
			continue
		}
		return new(big.Int).SetBytes(lg.Topics[1].Bytes()), nil
	}
	return nil, fmt.Errorf("%w: %s", ErrTokenIDExtraction, txHash.Hex())
}
