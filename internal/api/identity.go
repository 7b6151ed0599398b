package api

import (
	"encoding/json"
	"net/http"

	"alaschat/internal/models"

	"github.com/rs/zerolog"
)

type identityStore interface {
	Credentials() (models.SessionCredentials, error)
	Store(creds models.SessionCredentials) error
}

// IdentityHandler provisions the credential keys the chat session reads on
// every connection attempt.
type IdentityHandler struct {
	identity identityStore
	logger   zerolog.Logger
}

func NewIdentityHandler(identity identityStore, logger zerolog.Logger) *IdentityHandler {
	return &IdentityHandler{identity: identity, logger: logger.With().Str("component", "identity").Logger()}
}

type SetIdentityRequest struct {
	Token    string `json:"token"`
	UserID   string `json:"userId"`
	UserName string `json:"userName"`
	Entity   string `json:"entity,omitempty"`
}

type IdentityResponse struct {
	APIResponse
	UserID          string `json:"userId,omitempty"`
	UserName        string `json:"userName,omitempty"`
	CanConnect      bool   `json:"canConnect"`
	CanAuthenticate bool   `json:"canAuthenticate"`
}

func (h *IdentityHandler) SetIdentityHandler(w http.ResponseWriter, r *http.Request) {
	var req SetIdentityRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	if req.Token == "" {
		http.Error(w, "Token is required", http.StatusBadRequest)
		return
	}

	creds := models.SessionCredentials{
		Token:    req.Token,
		UserID:   req.UserID,
		UserName: req.UserName,
		Entity:   req.Entity,
	}
	if err := h.identity.Store(creds); err != nil {
		h.logger.Error().Err(err).Msg("failed to store identity")
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusInternalServerError)
		_ = json.NewEncoder(w).Encode(APIResponse{Success: false, Message: "Failed to store identity"})
		return
	}

	h.logger.Info().Str("user_id", creds.UserID).Msg("identity updated")
	h.respond(w, creds, "Identity stored")
}

func (h *IdentityHandler) GetIdentityHandler(w http.ResponseWriter, r *http.Request) {
	creds, err := h.identity.Credentials()
	if err != nil {
		h.logger.Error().Err(err).Msg("failed to read identity")
		http.Error(w, "Failed to read identity", http.StatusInternalServerError)
		return
	}
	h.respond(w, creds, "")
}

// respond never echoes the token.
func (h *IdentityHandler) respond(w http.ResponseWriter, creds models.SessionCredentials, message string) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(IdentityResponse{
		APIResponse:     APIResponse{Success: true, Message: message},
		UserID:          creds.UserID,
		UserName:        creds.UserName,
		CanConnect:      creds.CanConnect(),
		CanAuthenticate: creds.CanAuthenticate(),
	})
}
