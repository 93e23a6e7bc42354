package wallet

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/event"
)

// Snapshot is the externally visible session state.
type Snapshot struct {
	Address     string `json:"address,omitempty"`
	IsConnected bool   `json:"is_connected"`
	HasProvider bool   `json:"has_provider"`
	Demo        bool   `json:"demo"`
}

// Session tracks wallet connection state for the lifetime of the process.
// It is created once at startup and passed explicitly to whoever needs it.
type Session struct {
	provider Provider
	demo     *common.Address

	mu      sync.RWMutex
	address *common.Address
	isDemo  bool

	changes event.Feed
}

// Option configures a Session.
type Option func(*Session)

// WithDemoAddress lets Connect adopt addr when no provider is present.
func WithDemoAddress(addr common.Address) Option {
	return func(s *Session) {
		a := addr
		s.demo = &a
	}
}

// NewSession creates a session. provider may be nil.
func NewSession(provider Provider, opts ...Option) *Session {
	s := &Session{provider: provider}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// HasProvider reports whether a wallet provider is present.
func (s *Session) HasProvider() bool {
	return s.provider != nil
}

// DemoEnabled reports whether Connect can fall back to the demo address.
func (s *Session) DemoEnabled() bool {
	return s.provider == nil && s.demo != nil
}

// Address returns the active account.
func (s *Session) Address() (common.Address, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.address == nil {
		return common.Address{}, false
	}
	return *s.address, true
}

// Snapshot returns the current session state.
func (s *Session) Snapshot() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.snapshotLocked()
}

func (s *Session) snapshotLocked() Snapshot {
	snap := Snapshot{HasProvider: s.provider != nil, Demo: s.isDemo}
	if s.address != nil {
		snap.Address = s.address.Hex()
		snap.IsConnected = true
	}
	return snap
}

// Connect requests account access. On failure no state is changed.
func (s *Session) Connect(ctx context.Context) (Snapshot, error) {
	if s.provider == nil {
		if s.demo == nil {
			return s.Snapshot(), ErrNoProvider
		}
		slog.Info("Wallet connected in demo mode", "address", s.demo.Hex())
		return s.set(s.demo, true), nil
	}

	accounts, err := s.provider.RequestAccounts(ctx)
	if err != nil {
		return s.Snapshot(), fmt.Errorf("connect wallet: %w", err)
	}
	if len(accounts) == 0 {
		return s.Snapshot(), ErrUserRejected
	}

	slog.Info("Wallet connected", "address", accounts[0].Hex())
	return s.set(&accounts[0], false), nil
}

// Disconnect clears the local view of the connection. Provider-level
// permission is left untouched.
func (s *Session) Disconnect() Snapshot {
	slog.Info("Wallet disconnected")
	return s.set(nil, false)
}

// Mount passively reflects already-authorized accounts and follows provider
// account changes until the returned subscription is disposed.
func (s *Session) Mount(ctx context.Context) event.Subscription {
	if s.provider == nil {
		return event.NewSubscription(func(quit <-chan struct{}) error {
			<-quit
			return nil
		})
	}

	if accounts, err := s.provider.Accounts(ctx); err != nil {
		slog.Warn("Passive account query failed", "error", err)
	} else {
		s.applyAccounts(accounts)
	}

	ch := make(chan []common.Address, 4)
	providerSub := s.provider.SubscribeAccountsChanged(ch)

	return event.NewSubscription(func(quit <-chan struct{}) error {
		defer providerSub.Unsubscribe()
		for {
			select {
			case accounts := <-ch:
				s.applyAccounts(accounts)
			case err := <-providerSub.Err():
				return err
			case <-quit:
				return nil
			}
		}
	})
}

// SubscribeChanges delivers a snapshot after every state change.
func (s *Session) SubscribeChanges(ch chan<- Snapshot) event.Subscription {
	return s.changes.Subscribe(ch)
}

func (s *Session) applyAccounts(accounts []common.Address) {
	if len(accounts) == 0 {
		s.set(nil, false)
		return
	}
	slog.Info("Wallet account changed", "address", accounts[0].Hex())
	s.set(&accounts[0], false)
}

func (s *Session) set(addr *common.Address, demo bool) Snapshot {
	s.mu.Lock()
	if addr == nil {
		s.address = nil
		s.isDemo = false
	} else {
		a := *addr
		s.address = &a
		s.isDemo = demo
	}
	snap := s.snapshotLocked()
	s.mu.Unlock()

	s.changes.Send(snap)
	return snap
}
