package api

import (
	"encoding/json"
	"fmt"
	"net/http"

	"droidtour/internal/auth"
	"droidtour/internal/models"
	"droidtour/internal/ws"
)

type AdminHandler struct {
	authService *auth.AuthService
	hub         *ws.Hub
}

func NewAdminHandler(authService *auth.AuthService, hub *ws.Hub) *AdminHandler {
	return &AdminHandler{authService: authService, hub: hub}
}

type RevokeTokenRequest struct {
	Token string `json:"token"`
	// UserID, when set, also drops the user's open connections.
	UserID string `json:"userId,omitempty"`
}

func (h *AdminHandler) IssueTokenHandler(w http.ResponseWriter, r *http.Request) {
	var req auth.TokenRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, fmt.Errorf("%w: invalid request body", models.ErrInvalidArgument))
		return
	}

	resp, err := h.authService.IssueToken(req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, resp)
}

func (h *AdminHandler) RevokeTokenHandler(w http.ResponseWriter, r *http.Request) {
	var req RevokeTokenRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Token == "" {
		writeError(w, fmt.Errorf("%w: token is required", models.ErrInvalidArgument))
		return
	}

	if err := h.authService.Revoke(req.Token); err != nil {
		writeJSON(w, http.StatusNotFound, APIResponse{Message: "Token not found"})
		return
	}

	dropped := 0
	if req.UserID != "" {
		dropped = h.hub.DisconnectUser(req.UserID)
	}
	writeJSON(w, http.StatusOK, APIResponse{
		Success: true,
		Message: fmt.Sprintf("Token revoked, %d connections closed", dropped),
	})
}
