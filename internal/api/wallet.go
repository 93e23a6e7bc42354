package api

import (
	"log/slog"
	"net/http"
)

// GetWallet returns the wallet session snapshot.
func (h *Handler) GetWallet(w http.ResponseWriter, _ *http.Request) {
	JSON(w, http.StatusOK, h.session.Snapshot())
}

// ConnectWallet requests accounts from the provider. Failures leave the
// session as it was.
func (h *Handler) ConnectWallet(w http.ResponseWriter, r *http.Request) {
	snap, err := h.session.Connect(r.Context())
	if err != nil {
		slog.Warn("Wallet connect failed", "error", err)
		writeErr(w, err)
		return
	}
	slog.Info("Wallet connected", "address", snap.Address, "demo", snap.Demo)
	JSON(w, http.StatusOK, snap)
}

// DisconnectWallet clears the local view of the wallet.
func (h *Handler) DisconnectWallet(w http.ResponseWriter, _ *http.Request) {
	JSON(w, http.StatusOK, h.session.Disconnect())
}
