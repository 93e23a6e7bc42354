//nolint:revive // "api" package name is intentionally concise for this layer.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/ashureev/basesociety/internal/domain"
	"github.com/ashureev/basesociety/internal/health"
	"github.com/ashureev/basesociety/internal/history"
	"github.com/ashureev/basesociety/internal/identity"
	"github.com/ashureev/basesociety/internal/middleware"
	"github.com/ashureev/basesociety/internal/mint"
	"github.com/ashureev/basesociety/internal/provision"
	"github.com/ashureev/basesociety/internal/registry"
	"github.com/ashureev/basesociety/internal/store"
	"github.com/ashureev/basesociety/internal/wallet"
	"github.com/ethereum/go-ethereum/common"
	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var owner = common.HexToAddress("0x00000000000000000000000000000000000000aa")

type fakeLoader struct {
	views map[string]*history.View
	owner string
}

func (f *fakeLoader) Load(_ context.Context, agentID, who string) (*history.View, error) {
	if who != f.owner {
		return nil, &registry.FetchError{Op: "fetch details", Status: http.StatusForbidden, Kind: registry.ErrAccessDenied}
	}
	v, ok := f.views[agentID]
	if !ok {
		return nil, &registry.FetchError{Op: "fetch details", Status: http.StatusNotFound, Kind: registry.ErrNotFound}
	}
	return v, nil
}

type fakeInteractor struct {
	prompts []string
}

func (f *fakeInteractor) Interact(_ context.Context, _ string, _ string, prompt string) (string, error) {
	f.prompts = append(f.prompts, prompt)
	return "ack: " + prompt, nil
}

type blockingMinter struct {
	mu      sync.Mutex
	calls   int
	started chan struct{}
	release chan struct{}
}

func (m *blockingMinter) Mint(context.Context, domain.AgentDraft, []string, common.Address) (*domain.MintResult, error) {
	m.mu.Lock()
	m.calls++
	m.mu.Unlock()
	if m.started != nil {
		close(m.started)
		<-m.release
	}
	return &domain.MintResult{TransactionHash: "0xfeed", TokenID: big.NewInt(3)}, nil
}

type okRegistrar struct{ err error }

func (r okRegistrar) Register(_ context.Context, rec domain.AgentRecord) (string, error) {
	if r.err != nil {
		return "", r.err
	}
	return rec.AgentID, nil
}

type testEnv struct {
	router  http.Handler
	session *wallet.Session
	repo    store.Repository
	orch    *provision.Orchestrator
	loader  *fakeLoader
	chat    *fakeInteractor
}

func newTestEnv(t *testing.T, minter provision.Minter, reg provision.Registrar) *testEnv {
	t.Helper()
	repo, err := store.NewSQLite(filepath.Join(t.TempDir(), "api.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = repo.Close() })

	session := wallet.NewSession(nil, wallet.WithDemoAddress(owner))
	orch := provision.New(session, minter, reg, repo, provision.WithIDGenerator(func() string { return "agent-x" }))
	loader := &fakeLoader{views: map[string]*history.View{}, owner: owner.Hex()}
	chat := &fakeInteractor{}

	h := NewHandler(repo, session, orch, loader, chat)
	r := chi.NewRouter()
	r.Use(middleware.LimitBody(1 << 10))
	r.Use(identity.Middleware(session, true))
	NewHealthHandler(repo, session, health.NewReporter()).RegisterHealth(r)
	h.RegisterRoutes(r)

	return &testEnv{router: r, session: session, repo: repo, orch: orch, loader: loader, chat: chat}
}

func (e *testEnv) do(t *testing.T, method, path, body string) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	rec := httptest.NewRecorder()
	e.router.ServeHTTP(rec, req)

	var out map[string]any
	if rec.Body.Len() > 0 {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), rec.Body.String())
	}
	return rec, out
}

const botJSON = `{"name":"Bot","personality":"curious","desires":"trade\nlearn","skills":"trading, analysis"}`

func TestJSON(t *testing.T) {
	w := httptest.NewRecorder()
	data := map[string]string{"foo": "bar"}

	JSON(w, http.StatusOK, data)

	resp := w.Result()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("Expected status 200, got %d", resp.StatusCode)
	}

	var got map[string]string
	if err := json.NewDecoder(resp.Body).Decode(&got); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}

	if got["foo"] != "bar" {
		t.Errorf("Expected foo=bar, got %v", got["foo"])
	}
}

func TestMapHTTPStatus(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"in progress", provision.ErrSubmitInProgress, http.StatusConflict},
		{"invalid draft", fmt.Errorf("%w: missing name", provision.ErrInvalidDraft), http.StatusBadRequest},
		{"wallet required", provision.ErrWalletRequired, http.StatusUnauthorized},
		{"no provider", fmt.Errorf("connect wallet: %w", wallet.ErrNoProvider), http.StatusServiceUnavailable},
		{"user rejected", wallet.ErrUserRejected, http.StatusForbidden},
		{"reverted", mint.ErrTransactionReverted, http.StatusBadGateway},
		{"no token id", mint.ErrTokenIDExtraction, http.StatusBadGateway},
		{"access denied", &registry.FetchError{Kind: registry.ErrAccessDenied}, http.StatusForbidden},
		{"not found", &registry.FetchError{Kind: registry.ErrNotFound}, http.StatusNotFound},
		{"fetch failed", &registry.FetchError{Kind: registry.ErrFetchFailed}, http.StatusBadGateway},
		{"body too large", &http.MaxBytesError{Limit: 1}, http.StatusRequestEntityTooLarge},
		{"unknown", errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, MapHTTPStatus(tt.err))
		})
	}
}

func TestWalletConnectDisconnect(t *testing.T) {
	env := newTestEnv(t, &blockingMinter{}, okRegistrar{})

	_, body := env.do(t, http.MethodGet, "/api/wallet", "")
	assert.Equal(t, false, body["is_connected"])

	rec, body := env.do(t, http.MethodPost, "/api/wallet/connect", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, true, body["is_connected"])
	assert.Equal(t, owner.Hex(), body["address"])

	_, body = env.do(t, http.MethodPost, "/api/wallet/disconnect", "")
	assert.Equal(t, false, body["is_connected"])
}

func TestWalletConnectWithoutProvider(t *testing.T) {
	repo, err := store.NewSQLite(filepath.Join(t.TempDir(), "api.db"))
	require.NoError(t, err)
	defer repo.Close()

	session := wallet.NewSession(nil)
	r := chi.NewRouter()
	NewHandler(repo, session, nil, nil, nil).RegisterRoutes(r)

	req := httptest.NewRequest(http.MethodPost, "/api/wallet/connect", nil)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestCreateAgentRequiresWallet(t *testing.T) {
	minter := &blockingMinter{}
	env := newTestEnv(t, minter, okRegistrar{})

	rec, body := env.do(t, http.MethodPost, "/api/agents", botJSON)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, "failed", body["state"])
	assert.Zero(t, minter.calls)
}

func TestCreateAgentDone(t *testing.T) {
	env := newTestEnv(t, &blockingMinter{}, okRegistrar{})
	_, err := env.session.Connect(context.Background())
	require.NoError(t, err)

	rec, body := env.do(t, http.MethodPost, "/api/agents", botJSON)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	assert.Equal(t, "done", body["state"])
	assert.Equal(t, "agent-x", body["agent_id"])
	assert.Equal(t, provision.DashboardPath, body["redirect"])

	rec, body = env.do(t, http.MethodGet, "/api/agents/current", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "agent-x", body["agent_id"])
	assert.Equal(t, false, body["fallback"])
}

func TestCreateAgentFallbackServedLocally(t *testing.T) {
	env := newTestEnv(t, &blockingMinter{}, okRegistrar{err: &registry.RegistrationError{Status: 500}})
	_, err := env.session.Connect(context.Background())
	require.NoError(t, err)

	rec, body := env.do(t, http.MethodPost, "/api/agents", botJSON)
	require.Equal(t, http.StatusAccepted, rec.Code)
	assert.Equal(t, "fallen_back", body["state"])
	agentID := body["agent_id"].(string)
	assert.True(t, strings.HasPrefix(agentID, "agent-"))

	rec, body = env.do(t, http.MethodGet, "/api/agents/"+agentID, "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, true, body["fallback"])
	assert.Equal(t, []any{"trade", "learn"}, body["desires"])
	assert.Nil(t, body["latest_thought"])
}

func TestCreateAgentInvalidBody(t *testing.T) {
	env := newTestEnv(t, &blockingMinter{}, okRegistrar{})

	rec, _ := env.do(t, http.MethodPost, "/api/agents", "{not json")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec, _ = env.do(t, http.MethodPost, "/api/agents", `{"name":"Bot"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec, _ = env.do(t, http.MethodPost, "/api/agents", `{"name":"`+strings.Repeat("x", 2048)+`"}`)
	assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
}

func TestCreateAgentWhileSubmittingConflicts(t *testing.T) {
	minter := &blockingMinter{started: make(chan struct{}), release: make(chan struct{})}
	env := newTestEnv(t, minter, okRegistrar{})
	_, err := env.session.Connect(context.Background())
	require.NoError(t, err)

	done := make(chan int, 1)
	go func() {
		req := httptest.NewRequest(http.MethodPost, "/api/agents", strings.NewReader(botJSON))
		rec := httptest.NewRecorder()
		env.router.ServeHTTP(rec, req)
		done <- rec.Code
	}()
	<-minter.started

	_, body := env.do(t, http.MethodGet, "/api/provision", "")
	assert.Equal(t, true, body["submitting"])

	rec, _ := env.do(t, http.MethodPost, "/api/agents", botJSON)
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec, _ = env.do(t, http.MethodPost, "/api/provision/reset", "")
	assert.Equal(t, http.StatusConflict, rec.Code)

	close(minter.release)
	assert.Equal(t, http.StatusCreated, <-done)
	assert.Equal(t, 1, minter.calls)

	_, body = env.do(t, http.MethodPost, "/api/provision/reset", "")
	assert.Equal(t, "idle", body["state"])
}

func TestGetAgentOwnerScoped(t *testing.T) {
	env := newTestEnv(t, &blockingMinter{}, okRegistrar{})
	thought := "thinking"
	env.loader.views["a1"] = &history.View{
		Details:       domain.AgentDetails{AgentID: "a1"},
		Transcript:    []history.Entry{},
		LatestThought: &thought,
	}

	rec, _ := env.do(t, http.MethodGet, "/api/agents/a1", "")
	assert.Equal(t, http.StatusUnauthorized, rec.Code, "no wallet connected")

	_, err := env.session.Connect(context.Background())
	require.NoError(t, err)

	rec, body := env.do(t, http.MethodGet, "/api/agents/a1", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "thinking", body["latest_thought"])

	rec, _ = env.do(t, http.MethodGet, "/api/agents/missing", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	env.loader.owner = "0xsomeoneelse"
	rec, body = env.do(t, http.MethodGet, "/api/agents/a1", "")
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Nil(t, body["details"])
}

func TestInteract(t *testing.T) {
	env := newTestEnv(t, &blockingMinter{}, okRegistrar{})
	_, err := env.session.Connect(context.Background())
	require.NoError(t, err)

	rec, body := env.do(t, http.MethodPost, "/api/agents/a1/interact", `{"prompt":"hello"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ack: hello", body["response"])

	rec, _ = env.do(t, http.MethodPost, "/api/agents/a1/interact", `{"prompt":"  "}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, []string{"hello"}, env.chat.prompts)
}

func TestCurrentAgentEmpty(t *testing.T) {
	env := newTestEnv(t, &blockingMinter{}, okRegistrar{})

	rec, _ := env.do(t, http.MethodGet, "/api/agents/current", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHealth(t *testing.T) {
	env := newTestEnv(t, &blockingMinter{}, okRegistrar{})

	rec, body := env.do(t, http.MethodGet, "/api/health", "")
	require.Equal(t, http.StatusOK, rec.Code)
	checks := body["checks"].(map[string]any)
	assert.Equal(t, "ok", checks["database"])
	assert.Equal(t, "demo", checks["wallet"], "demo capability is reported before any connect")
	assert.Equal(t, "serving", checks["registry"])
}

func TestHealthWithoutWalletCapability(t *testing.T) {
	repo, err := store.NewSQLite(filepath.Join(t.TempDir(), "health.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = repo.Close() })

	r := chi.NewRouter()
	NewHealthHandler(repo, wallet.NewSession(nil), nil).RegisterHealth(r)

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/health", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	checks := body["checks"].(map[string]any)
	assert.Equal(t, "none", checks["wallet"])
	assert.NotContains(t, checks, "registry")
}

func TestClearCurrentAgent(t *testing.T) {
	env := newTestEnv(t, &blockingMinter{}, okRegistrar{})
	require.NoError(t, env.repo.SaveCurrentAgentID(context.Background(), "agent-1"))

	rec, _ := env.do(t, http.MethodGet, "/api/agents/current", "")
	require.Equal(t, http.StatusOK, rec.Code)

	rec, _ = env.do(t, http.MethodDelete, "/api/agents/current", "")
	assert.Equal(t, http.StatusNoContent, rec.Code)

	rec, _ = env.do(t, http.MethodGet, "/api/agents/current", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}
