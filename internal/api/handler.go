// Package api provides HTTP handlers for the companion UI API.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/ashureev/basesociety/internal/domain"
	"github.com/ashureev/basesociety/internal/history"
	"github.com/ashureev/basesociety/internal/mint"
	"github.com/ashureev/basesociety/internal/provision"
	"github.com/ashureev/basesociety/internal/registry"
	"github.com/ashureev/basesociety/internal/store"
	"github.com/ashureev/basesociety/internal/wallet"
)

// WalletSession is the wallet state the API exposes.
type WalletSession interface {
	Snapshot() wallet.Snapshot
	Connect(ctx context.Context) (wallet.Snapshot, error)
	Disconnect() wallet.Snapshot
}

// Provisioner runs the provisioning pipeline.
type Provisioner interface {
	Submit(ctx context.Context, draft domain.AgentDraft) (provision.State, error)
	State() provision.State
	Reset() (provision.State, error)
}

// AgentLoader builds the owner-scoped agent view.
type AgentLoader interface {
	Load(ctx context.Context, agentID, owner string) (*history.View, error)
}

// Interactor forwards prompts to an agent.
type Interactor interface {
	Interact(ctx context.Context, agentID, owner, prompt string) (string, error)
}

// Handler provides common handler utilities.
type Handler struct {
	repo        store.Repository
	session     WalletSession
	provisioner Provisioner
	loader      AgentLoader
	interactor  Interactor
}

// NewHandler creates a new Handler with common dependencies.
func NewHandler(repo store.Repository, session WalletSession, provisioner Provisioner, loader AgentLoader, interactor Interactor) *Handler {
	return &Handler{
		repo:        repo,
		session:     session,
		provisioner: provisioner,
		loader:      loader,
		interactor:  interactor,
	}
}

// JSON writes a JSON response with the given status code.
func JSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, `{"error": "failed to encode response"}`, http.StatusInternalServerError)
	}
}

// Error writes a JSON error response.
func Error(w http.ResponseWriter, status int, message string) {
	JSON(w, status, map[string]string{"error": message})
}

// writeErr writes err with the status MapHTTPStatus assigns to it.
func writeErr(w http.ResponseWriter, err error) {
	Error(w, MapHTTPStatus(err), err.Error())
}

// MapHTTPStatus maps domain errors to appropriate HTTP status codes.
func MapHTTPStatus(err error) int {
	var maxErr *http.MaxBytesError
	switch {
	case errors.As(err, &maxErr):
		return http.StatusRequestEntityTooLarge
	case errors.Is(err, errBadRequest), errors.Is(err, provision.ErrInvalidDraft):
		return http.StatusBadRequest
	case errors.Is(err, provision.ErrSubmitInProgress), errors.Is(err, provision.ErrResetInFlight):
		return http.StatusConflict
	case errors.Is(err, provision.ErrWalletRequired), errors.Is(err, registry.ErrOwnerRequired):
		return http.StatusUnauthorized
	case errors.Is(err, wallet.ErrUserRejected), errors.Is(err, registry.ErrAccessDenied):
		return http.StatusForbidden
	case errors.Is(err, registry.ErrNotFound), errors.Is(err, errNoCurrentAgent):
		return http.StatusNotFound
	case errors.Is(err, wallet.ErrNoProvider), errors.Is(err, registry.ErrOffline):
		return http.StatusServiceUnavailable
	case errors.Is(err, mint.ErrTransactionReverted), errors.Is(err, mint.ErrTokenIDExtraction),
		errors.Is(err, registry.ErrFetchFailed), errors.Is(err, registry.ErrRegistrationFailed):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

var (
	errBadRequest     = errors.New("bad request")
	errNoCurrentAgent = errors.New("no current agent")
)

func decodeJSON(r *http.Request, v any) error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			return err
		}
		return fmt.Errorf("%w: invalid JSON body", errBadRequest)
	}
	return nil
}
