package api

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/ashureev/basesociety/internal/domain"
	"github.com/ashureev/basesociety/internal/history"
	"github.com/ashureev/basesociety/internal/identity"
	"github.com/ashureev/basesociety/internal/provision"
	"github.com/go-chi/chi/v5"
)

// agentResponse is the dashboard payload for one agent.
type agentResponse struct {
	*history.View
	Fallback bool               `json:"fallback"`
	Mint     *domain.MintResult `json:"mint,omitempty"`
}

// GetProvision returns the pipeline state. submitting is true while a
// submission is in flight.
func (h *Handler) GetProvision(w http.ResponseWriter, _ *http.Request) {
	JSON(w, http.StatusOK, h.provisioner.State().View())
}

// ResetProvision returns a finished pipeline to idle.
func (h *Handler) ResetProvision(w http.ResponseWriter, _ *http.Request) {
	st, err := h.provisioner.Reset()
	if err != nil {
		writeErr(w, err)
		return
	}
	JSON(w, http.StatusOK, st.View())
}

// CreateAgent submits a draft and responds with the terminal pipeline state.
func (h *Handler) CreateAgent(w http.ResponseWriter, r *http.Request) {
	var draft domain.AgentDraft
	if err := decodeJSON(r, &draft); err != nil {
		writeErr(w, err)
		return
	}

	st, err := h.provisioner.Submit(r.Context(), draft)
	switch {
	case errors.Is(err, provision.ErrSubmitInProgress):
		slog.Warn("Agent submission rejected, already in progress")
		writeErr(w, err)
		return
	case errors.Is(err, provision.ErrInvalidDraft):
		writeErr(w, err)
		return
	case err != nil:
		JSON(w, MapHTTPStatus(err), st.View())
		return
	}

	status := http.StatusCreated
	if st.Kind == provision.KindFallenBack {
		status = http.StatusAccepted
	}
	JSON(w, status, st.View())
}

// CurrentAgent returns the local agent slot.
func (h *Handler) CurrentAgent(w http.ResponseWriter, r *http.Request) {
	local, err := h.repo.GetCurrentAgent(r.Context())
	if err != nil {
		slog.Error("Failed to read current agent", "error", err)
		Error(w, http.StatusInternalServerError, "failed to read current agent")
		return
	}
	if local == nil {
		writeErr(w, errNoCurrentAgent)
		return
	}
	JSON(w, http.StatusOK, local)
}

// ClearCurrentAgent empties the local slot.
func (h *Handler) ClearCurrentAgent(w http.ResponseWriter, r *http.Request) {
	if err := h.repo.ClearCurrentAgent(r.Context()); err != nil {
		slog.Error("Failed to clear current agent", "error", err)
		Error(w, http.StatusInternalServerError, "failed to clear current agent")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// GetAgent returns details, transcript and latest thought for the connected
// owner. Local fallback agents are served from the slot since the registry
// never saw them.
func (h *Handler) GetAgent(w http.ResponseWriter, r *http.Request) {
	agentID := chi.URLParam(r, "id")
	owner, ok := identity.OwnerFromContext(r.Context())
	if !ok {
		writeErr(w, provision.ErrWalletRequired)
		return
	}

	if resp, found := h.localFallback(r, agentID, owner); found {
		JSON(w, http.StatusOK, resp)
		return
	}

	view, err := h.loader.Load(r.Context(), agentID, owner)
	if err != nil {
		writeErr(w, err)
		return
	}
	JSON(w, http.StatusOK, agentResponse{View: view})
}

func (h *Handler) localFallback(r *http.Request, agentID, owner string) (*agentResponse, bool) {
	local, err := h.repo.GetCurrentAgent(r.Context())
	if err != nil || local == nil || !local.Fallback || local.Record == nil || local.AgentID != agentID {
		return nil, false
	}
	if !strings.EqualFold(local.Record.OwnerAddress, owner) {
		return nil, false
	}
	profile := local.Record.Profile
	return &agentResponse{
		View: &history.View{
			Details:    domain.AgentDetails{AgentID: local.AgentID, Profile: profile},
			Desires:    profile.DesiresList(),
			Transcript: []history.Entry{},
		},
		Fallback: true,
		Mint:     local.Mint,
	}, true
}

type interactRequest struct {
	Prompt string `json:"prompt"`
}

// Interact forwards a prompt to the agent.
func (h *Handler) Interact(w http.ResponseWriter, r *http.Request) {
	agentID := chi.URLParam(r, "id")
	owner, ok := identity.OwnerFromContext(r.Context())
	if !ok {
		writeErr(w, provision.ErrWalletRequired)
		return
	}

	var req interactRequest
	if err := decodeJSON(r, &req); err != nil {
		writeErr(w, err)
		return
	}
	if strings.TrimSpace(req.Prompt) == "" {
		writeErr(w, fmt.Errorf("%w: prompt is required", errBadRequest))
		return
	}

	reply, err := h.interactor.Interact(r.Context(), agentID, owner, req.Prompt)
	if err != nil {
		slog.Warn("Agent interaction failed", "agent_id", agentID, "error", err)
		writeErr(w, err)
		return
	}
	JSON(w, http.StatusOK, map[string]string{"response": reply})
}
