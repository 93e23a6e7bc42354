package provision

import (
	"context"
	"encoding/json"
	"errors"
	"math/big"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/ashureev/basesociety/internal/domain"
	"github.com/ashureev/basesociety/internal/mint"
	"github.com/ashureev/basesociety/internal/registry"
	"github.com/ashureev/basesociety/internal/store"
	"github.com/ashureev/basesociety/internal/wallet"
	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var ownerAddr = common.HexToAddress("0x00000000000000000000000000000000000000aa")

var botDraft = domain.AgentDraft{
	Name:        "Bot",
	Personality: "curious",
	Desires:     "trade\nlearn",
	Skills:      "trading, analysis",
}

type fakeWallet struct {
	addr common.Address
	ok   bool
}

func (w fakeWallet) Address() (common.Address, bool) { return w.addr, w.ok }

type fakeMinter struct {
	mu      sync.Mutex
	calls   int
	skills  [][]string
	err     error
	result  *domain.MintResult
	started chan struct{}
	release chan struct{}
}

func (m *fakeMinter) Mint(_ context.Context, _ domain.AgentDraft, skills []string, _ common.Address) (*domain.MintResult, error) {
	m.mu.Lock()
	m.calls++
	m.skills = append(m.skills, skills)
	m.mu.Unlock()

	if m.started != nil {
		close(m.started)
	}
	if m.release != nil {
		<-m.release
	}
	if m.err != nil {
		return nil, m.err
	}
	if m.result != nil {
		return m.result, nil
	}
	return &domain.MintResult{TransactionHash: "0xabc", TokenID: big.NewInt(7)}, nil
}

func (m *fakeMinter) Calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

type fakeRegistrar struct {
	mu      sync.Mutex
	records []domain.AgentRecord
	err     error
	id      string
}

func (r *fakeRegistrar) Register(_ context.Context, record domain.AgentRecord) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.records = append(r.records, record)
	if r.err != nil {
		return "", r.err
	}
	if r.id != "" {
		return r.id, nil
	}
	return record.AgentID, nil
}

type fakeSlot struct {
	agentID  string
	fallback *domain.AgentRecord
	mint     *domain.MintResult
	err      error
}

func (s *fakeSlot) SaveCurrentAgentID(_ context.Context, agentID string) error {
	s.agentID = agentID
	s.fallback = nil
	return nil
}

func (s *fakeSlot) SaveFallbackAgent(_ context.Context, record *domain.AgentRecord, mint *domain.MintResult) error {
	if s.err != nil {
		return s.err
	}
	cp := *record
	s.agentID = record.AgentID
	s.fallback = &cp
	s.mint = mint
	return nil
}

func recordKinds(kinds *[]Kind) Option {
	return WithObserver(func(s State) { *kinds = append(*kinds, s.Kind) })
}

func TestSubmitDone(t *testing.T) {
	minter := &fakeMinter{}
	reg := &fakeRegistrar{id: "canonical-1"}
	slot := &fakeSlot{}
	var kinds []Kind

	o := New(fakeWallet{ownerAddr, true}, minter, reg, slot,
		WithIDGenerator(func() string { return "proposed-1" }), recordKinds(&kinds))

	st, err := o.Submit(context.Background(), botDraft)
	require.NoError(t, err)
	assert.Equal(t, KindDone, st.Kind)
	assert.Equal(t, "canonical-1", st.AgentID())
	assert.Equal(t, "canonical-1", slot.agentID)
	assert.Nil(t, slot.fallback)
	assert.Equal(t, []Kind{KindSubmitting, KindMinting, KindRegistering, KindDone}, kinds)

	require.Len(t, reg.records, 1)
	sent := reg.records[0]
	assert.Equal(t, "proposed-1", sent.AgentID)
	assert.Equal(t, ownerAddr.Hex(), sent.OwnerAddress)
	assert.Equal(t, "7", sent.TokenID)

	require.Len(t, minter.skills, 1)
	assert.Equal(t, minter.skills[0], sent.Profile.Skills, "mint and registry must share one skills sequence")

	v := st.View()
	assert.Equal(t, DashboardPath, v.Redirect)
	assert.False(t, v.Submitting)
}

func TestSubmitWithoutWalletFailsBeforeMint(t *testing.T) {
	minter := &fakeMinter{}
	reg := &fakeRegistrar{}
	o := New(fakeWallet{}, minter, reg, &fakeSlot{})

	st, err := o.Submit(context.Background(), botDraft)
	require.ErrorIs(t, err, ErrWalletRequired)
	assert.Equal(t, KindFailed, st.Kind)
	assert.Zero(t, minter.Calls())
	assert.Empty(t, reg.records)
}

func TestSubmitMintFailurePreservesDraft(t *testing.T) {
	minter := &fakeMinter{err: mint.ErrTransactionReverted}
	reg := &fakeRegistrar{}
	slot := &fakeSlot{}
	o := New(fakeWallet{ownerAddr, true}, minter, reg, slot)

	st, err := o.Submit(context.Background(), botDraft)
	require.ErrorIs(t, err, mint.ErrTransactionReverted)
	assert.Equal(t, KindFailed, st.Kind)
	require.NotNil(t, st.Draft)
	assert.Equal(t, botDraft, *st.Draft)
	assert.Nil(t, st.Mint, "a failed attempt never keeps a mint result")
	assert.Empty(t, reg.records, "no registry write without a mint result")
	assert.Empty(t, slot.agentID)
}

func TestSubmitRejectsMintWithoutTokenID(t *testing.T) {
	minter := &fakeMinter{result: &domain.MintResult{TransactionHash: "0xabc"}}
	reg := &fakeRegistrar{}
	o := New(fakeWallet{ownerAddr, true}, minter, reg, &fakeSlot{})

	_, err := o.Submit(context.Background(), botDraft)
	require.ErrorIs(t, err, mint.ErrTokenIDExtraction)
	assert.Empty(t, reg.records)
}

func TestSubmitRegistrationFailureFallsBack(t *testing.T) {
	regErr := &registry.RegistrationError{Status: http.StatusInternalServerError}
	reg := &fakeRegistrar{err: regErr}
	slot := &fakeSlot{}
	now := time.UnixMilli(1_700_000_000_123)
	o := New(fakeWallet{ownerAddr, true}, &fakeMinter{}, reg, slot, WithClock(func() time.Time { return now }))

	st, err := o.Submit(context.Background(), botDraft)
	require.NoError(t, err)
	assert.Equal(t, KindFallenBack, st.Kind)
	assert.ErrorIs(t, st.Err, registry.ErrRegistrationFailed)
	assert.Equal(t, "agent-1700000000123", st.AgentID())
	assert.Equal(t, DashboardPath, st.View().Redirect)
	assert.True(t, st.View().Fallback)

	require.NotNil(t, slot.fallback)
	require.Len(t, reg.records, 1)
	sent := reg.records[0]
	assert.Equal(t, sent.Profile, slot.fallback.Profile)
	assert.Equal(t, sent.TokenID, slot.fallback.TokenID)
	assert.Equal(t, sent.OwnerAddress, slot.fallback.OwnerAddress)
	require.NotNil(t, slot.mint)
	assert.Equal(t, "0xabc", slot.mint.TransactionHash)
}

func TestSubmitFallbackPersistFailureFails(t *testing.T) {
	reg := &fakeRegistrar{err: errors.New("connection refused")}
	slot := &fakeSlot{err: errors.New("disk full")}
	o := New(fakeWallet{ownerAddr, true}, &fakeMinter{}, reg, slot)

	st, err := o.Submit(context.Background(), botDraft)
	require.Error(t, err)
	assert.Equal(t, KindFailed, st.Kind)
	assert.Nil(t, st.Mint)
	assert.ErrorIs(t, err, slot.err)
	assert.ErrorIs(t, err, reg.err)
	assert.Contains(t, err.Error(), "0xabc")
	assert.Contains(t, err.Error(), "token 7")

	require.NotNil(t, st.OrphanedMint)
	assert.Equal(t, "0xabc", st.OrphanedMint.TransactionHash)
	view := st.View()
	require.NotNil(t, view.OrphanedMint)
	assert.Equal(t, "7", view.OrphanedMint.TokenIDString())
	assert.Nil(t, view.Mint)
	assert.Empty(t, view.Redirect)
}

func TestSubmitInvalidDraftLeavesState(t *testing.T) {
	minter := &fakeMinter{}
	o := New(fakeWallet{ownerAddr, true}, minter, &fakeRegistrar{}, &fakeSlot{})

	st, err := o.Submit(context.Background(), domain.AgentDraft{Name: "Bot"})
	require.ErrorIs(t, err, ErrInvalidDraft)
	assert.Equal(t, KindIdle, st.Kind)
	assert.Zero(t, minter.Calls())
}

func TestResubmitWhileInFlightIsNoop(t *testing.T) {
	minter := &fakeMinter{started: make(chan struct{}), release: make(chan struct{})}
	o := New(fakeWallet{ownerAddr, true}, minter, &fakeRegistrar{}, &fakeSlot{})

	done := make(chan State, 1)
	go func() {
		st, _ := o.Submit(context.Background(), botDraft)
		done <- st
	}()
	<-minter.started

	assert.True(t, o.State().InFlight())
	st, err := o.Submit(context.Background(), botDraft)
	require.ErrorIs(t, err, ErrSubmitInProgress)
	assert.Equal(t, KindMinting, st.Kind)

	_, err = o.Reset()
	require.ErrorIs(t, err, ErrResetInFlight)

	close(minter.release)
	final := <-done
	assert.Equal(t, KindDone, final.Kind)
	assert.Equal(t, 1, minter.Calls(), "only one mint may be submitted")
}

func TestSubmitSurvivesCallerCancellation(t *testing.T) {
	minter := &fakeMinter{started: make(chan struct{}), release: make(chan struct{})}
	o := New(fakeWallet{ownerAddr, true}, minter, &fakeRegistrar{}, &fakeSlot{})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan State, 1)
	go func() {
		st, _ := o.Submit(ctx, botDraft)
		done <- st
	}()
	<-minter.started
	cancel()
	close(minter.release)

	assert.Equal(t, KindDone, (<-done).Kind)
}

func TestFreshSubmissionAfterFailure(t *testing.T) {
	minter := &fakeMinter{err: mint.ErrTransactionReverted}
	o := New(fakeWallet{ownerAddr, true}, minter, &fakeRegistrar{}, &fakeSlot{})

	_, err := o.Submit(context.Background(), botDraft)
	require.Error(t, err)

	st, err := o.Reset()
	require.NoError(t, err)
	assert.Equal(t, KindIdle, st.Kind)

	minter.err = nil
	st, err = o.Submit(context.Background(), botDraft)
	require.NoError(t, err)
	assert.Equal(t, KindDone, st.Kind)
	assert.Equal(t, 2, minter.Calls())
}

// TestDemoModeEndToEnd drives the real wallet session, simulated mint,
// registry client and SQLite slot.
func TestDemoModeEndToEnd(t *testing.T) {
	var posted domain.AgentRecord
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/agents" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		if err := json.NewDecoder(r.Body).Decode(&posted); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		_ = json.NewEncoder(w).Encode(posted.AgentID)
	}))
	defer srv.Close()

	session := wallet.NewSession(nil, wallet.WithDemoAddress(ownerAddr))
	_, err := session.Connect(context.Background())
	require.NoError(t, err)

	repo, err := store.NewSQLite(filepath.Join(t.TempDir(), "slot.db"))
	require.NoError(t, err)
	defer repo.Close()

	submitter := mint.NewSubmitter(nil, common.Address{}, mint.WithDemoDelay(10*time.Millisecond))
	o := New(session, submitter, registry.NewClient(srv.URL), repo)

	start := time.Now()
	st, err := o.Submit(context.Background(), botDraft)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, time.Since(start), 10*time.Millisecond)

	assert.Equal(t, KindDone, st.Kind)
	require.NotNil(t, st.Record)
	assert.Equal(t, []string{"trading", "analysis"}, st.Record.Profile.Skills)
	assert.Equal(t, []string{"trading", "analysis"}, posted.Profile.Skills)
	assert.True(t, st.Mint.Simulated)

	local, err := repo.GetCurrentAgent(context.Background())
	require.NoError(t, err)
	require.NotNil(t, local)
	assert.Equal(t, st.AgentID(), local.AgentID)
	assert.False(t, local.Fallback)
}

func TestRegistry500FallsBackToSQLite(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	repo, err := store.NewSQLite(filepath.Join(t.TempDir(), "slot.db"))
	require.NoError(t, err)
	defer repo.Close()

	o := New(fakeWallet{ownerAddr, true}, &fakeMinter{}, registry.NewClient(srv.URL), repo)

	st, err := o.Submit(context.Background(), botDraft)
	require.NoError(t, err)
	require.Equal(t, KindFallenBack, st.Kind)

	local, err := repo.GetCurrentAgent(context.Background())
	require.NoError(t, err)
	require.NotNil(t, local)
	assert.True(t, local.Fallback)
	require.NotNil(t, local.Record)
	assert.Equal(t, *st.Record, *local.Record)
	require.NotNil(t, local.Mint)
	assert.Equal(t, "7", local.Mint.TokenIDString())
	assert.Equal(t, "0xabc", local.Mint.TransactionHash)
}
