package wallet

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/ethereum/go-ethereum/event"
)

// chainBackend is the subset of ethclient.Client used by EthProvider.
type chainBackend interface {
	ChainID(ctx context.Context) (*big.Int, error)
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasTipCap(ctx context.Context) (*big.Int, error)
	HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error)
	EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
}

var _ chainBackend = (*ethclient.Client)(nil)

// Ensure EthProvider implements Provider.
var _ Provider = (*EthProvider)(nil)

const (
	defaultReceiptPollInterval = 2 * time.Second
	defaultReceiptTimeout      = 5 * time.Minute
)

// ErrReceiptTimeout is returned when a transaction is not included within the receipt timeout.
var ErrReceiptTimeout = errors.New("wallet: timed out waiting for receipt")

// EthProvider is a JSON-RPC wallet backed by a single local signing key.
type EthProvider struct {
	backend      chainBackend
	closeFn      func()
	key          *ecdsa.PrivateKey
	address      common.Address
	approve      func(ctx context.Context) bool
	pollInterval time.Duration
	waitTimeout  time.Duration

	mu         sync.Mutex
	authorized bool
	chainID    *big.Int

	accounts event.Feed
}

// EthOption configures an EthProvider.
type EthOption func(*EthProvider)

// WithApproval sets the callback consulted by RequestAccounts.
func WithApproval(fn func(ctx context.Context) bool) EthOption {
	return func(p *EthProvider) {
		p.approve = fn
	}
}

// WithReceiptPollInterval sets how often WaitForReceipt polls.
func WithReceiptPollInterval(d time.Duration) EthOption {
	return func(p *EthProvider) {
		if d > 0 {
			p.pollInterval = d
		}
	}
}

// WithReceiptTimeout bounds the total time WaitForReceipt waits for inclusion.
func WithReceiptTimeout(d time.Duration) EthOption {
	return func(p *EthProvider) {
		if d > 0 {
			p.waitTimeout = d
		}
	}
}

// DialEthProvider connects to rpcURL and loads the hex-encoded signing key.
func DialEthProvider(ctx context.Context, rpcURL, hexKey string, opts ...EthOption) (*EthProvider, error) {
	key, err := crypto.HexToECDSA(strings.TrimPrefix(strings.TrimSpace(hexKey), "0x"))
	if err != nil {
		return nil, fmt.Errorf("parse wallet key: %w", err)
	}

	client, err := ethclient.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, fmt.Errorf("dial rpc %s: %w", rpcURL, err)
	}

	p := NewEthProvider(client, key, opts...)
	p.closeFn = client.Close
	return p, nil
}

// NewEthProvider creates a provider over an existing backend.
func NewEthProvider(backend chainBackend, key *ecdsa.PrivateKey, opts ...EthOption) *EthProvider {
	p := &EthProvider{
		backend:      backend,
		key:          key,
		address:      crypto.PubkeyToAddress(key.PublicKey),
		approve:      func(context.Context) bool { return true },
		pollInterval: defaultReceiptPollInterval,
		waitTimeout:  defaultReceiptTimeout,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Close releases the RPC connection.
func (p *EthProvider) Close() {
	if p.closeFn != nil {
		p.closeFn()
	}
}

// RequestAccounts authorizes the signing account if approval is granted.
func (p *EthProvider) RequestAccounts(ctx context.Context) ([]common.Address, error) {
	if !p.approve(ctx) {
		return nil, ErrUserRejected
	}

	p.mu.Lock()
	changed := !p.authorized
	p.authorized = true
	p.mu.Unlock()

	accounts := []common.Address{p.address}
	if changed {
		p.accounts.Send(accounts)
	}
	return accounts, nil
}

// Accounts returns the signing account once it has been authorized.
func (p *EthProvider) Accounts(_ context.Context) ([]common.Address, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.authorized {
		return nil, nil
	}
	return []common.Address{p.address}, nil
}

// SubscribeAccountsChanged implements Provider.
func (p *EthProvider) SubscribeAccountsChanged(ch chan<- []common.Address) event.Subscription {
	return p.accounts.Subscribe(ch)
}

// SendTransaction builds, signs and submits an EIP-1559 transaction.
func (p *EthProvider) SendTransaction(ctx context.Context, call Call) (common.Hash, error) {
	if call.From != p.address {
		return common.Hash{}, fmt.Errorf("%w: %s", ErrUnknownAccount, call.From.Hex())
	}
	p.mu.Lock()
	authorized := p.authorized
	p.mu.Unlock()
	if !authorized {
		return common.Hash{}, ErrNotAuthorized
	}

	chainID, err := p.chainIDFor(ctx)
	if err != nil {
		return common.Hash{}, err
	}

	nonce, err := p.backend.PendingNonceAt(ctx, p.address)
	if err != nil {
		return common.Hash{}, fmt.Errorf("pending nonce: %w", err)
	}
	tip, err := p.backend.SuggestGasTipCap(ctx)
	if err != nil {
		return common.Hash{}, fmt.Errorf("suggest gas tip: %w", err)
	}
	head, err := p.backend.HeaderByNumber(ctx, nil)
	if err != nil {
		return common.Hash{}, fmt.Errorf("latest header: %w", err)
	}

	feeCap := new(big.Int).Set(tip)
	if head.BaseFee != nil {
		feeCap.Add(feeCap, new(big.Int).Mul(head.BaseFee, big.NewInt(2)))
	}

	value := call.Value
	if value == nil {
		value = new(big.Int)
	}
	to := call.To
	gas, err := p.backend.EstimateGas(ctx, ethereum.CallMsg{
		From:  p.address,
		To:    &to,
		Value: value,
		Data:  call.Data,
	})
	if err != nil {
		return common.Hash{}, fmt.Errorf("estimate gas: %w", err)
	}

	tx := types.NewTx(&types.DynamicFeeTx{
		ChainID:   chainID,
		Nonce:     nonce,
		GasTipCap: tip,
		GasFeeCap: feeCap,
		Gas:       gas,
		To:        &to,
		Value:     value,
		Data:      call.Data,
	})
	signed, err := types.SignTx(tx, types.LatestSignerForChainID(chainID), p.key)
	if err != nil {
		return common.Hash{}, fmt.Errorf("sign transaction: %w", err)
	}
	if err := p.backend.SendTransaction(ctx, signed); err != nil {
		return common.Hash{}, fmt.Errorf("send transaction: %w", err)
	}

	slog.Info("Transaction submitted", "tx_hash", signed.Hash().Hex(), "nonce", nonce, "gas", gas)
	return signed.Hash(), nil
}

// WaitForReceipt polls until the transaction is included. Only a missing
// receipt is polled again; any other RPC error ends the wait.
func (p *EthProvider) WaitForReceipt(ctx context.Context, hash common.Hash) (*types.Receipt, error) {
	ctx, cancel := context.WithTimeoutCause(ctx, p.waitTimeout, ErrReceiptTimeout)
	defer cancel()

	ticker := time.NewTicker(p.pollInterval)
	defer ticker.Stop()

	for {
		receipt, err := p.backend.TransactionReceipt(ctx, hash)
		switch {
		case err == nil && receipt != nil:
			return receipt, nil
		case err != nil && !errors.Is(err, ethereum.NotFound):
			if cause := context.Cause(ctx); cause != nil {
				return nil, fmt.Errorf("receipt %s: %w", hash.Hex(), cause)
			}
			return nil, fmt.Errorf("receipt %s: %w", hash.Hex(), err)
		}

		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("receipt %s: %w", hash.Hex(), context.Cause(ctx))
		case <-ticker.C:
		}
	}
}

func (p *EthProvider) chainIDFor(ctx context.Context) (*big.Int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.chainID != nil {
		return p.chainID, nil
	}
	id, err := p.backend.ChainID(ctx)
	if err != nil {
		return nil, fmt.Errorf("chain id: %w", err)
	}
	p.chainID = id
	return id, nil
}
