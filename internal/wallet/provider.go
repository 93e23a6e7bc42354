// Package wallet holds the wallet session and the providers it talks to.
package wallet

import (
	"context"
	"errors"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/event"
)

var (
	// ErrNoProvider is returned by Connect when no wallet provider is available.
	ErrNoProvider = errors.New("wallet: no provider available")
	// ErrUserRejected is returned when the account request is denied.
	ErrUserRejected = errors.New("wallet: account request rejected")
	// ErrUnknownAccount is returned when a transaction names an account the provider does not hold.
	ErrUnknownAccount = errors.New("wallet: unknown account")
	// ErrNotAuthorized is returned when sending before accounts were requested.
	ErrNotAuthorized = errors.New("wallet: account not authorized")
)

// Call is a contract call to be signed and sent by the provider.
type Call struct {
	From  common.Address
	To    common.Address
	Data  []byte
	Value *big.Int
}

// Provider is the wallet capability the session and the mint submitter rely on.
type Provider interface {
	// RequestAccounts interactively asks for account access.
	RequestAccounts(ctx context.Context) ([]common.Address, error)

	// Accounts returns already-authorized accounts without prompting.
	Accounts(ctx context.Context) ([]common.Address, error)

	// SendTransaction signs and submits the call, returning its hash.
	SendTransaction(ctx context.Context, call Call) (common.Hash, error)

	// WaitForReceipt blocks until the transaction is included.
	WaitForReceipt(ctx context.Context, hash common.Hash) (*types.Receipt, error)

	// SubscribeAccountsChanged delivers the new account list whenever it changes.
	// The returned subscription must be disposed with Unsubscribe.
	SubscribeAccountsChanged(ch chan<- []common.Address) event.Subscription
}
