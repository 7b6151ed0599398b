package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"alaschat/internal/content"
	"alaschat/internal/models"
	"alaschat/internal/session"

	"github.com/rs/zerolog"
)

const maxMessageLength = 2000

type chatSession interface {
	OpenZone(ctx context.Context, zone string) error
	CloseZone(ctx context.Context) error
	SubmitMessage(ctx context.Context, text string) error
	Retry(ctx context.Context) error
	Snapshot(ctx context.Context) (models.SessionSnapshot, error)
	Zones(ctx context.Context) ([]string, error)
	Subscribe() (<-chan models.SessionSnapshot, func())
}

type APIResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message,omitempty"`
}

type OpenZoneRequest struct {
	Zone string `json:"zone"`
}

type SendMessageRequest struct {
	Message string `json:"message"`
}

// API binds the chat session to HTTP.
type API struct {
	session chatSession
	logger  zerolog.Logger
}

func New(session chatSession, logger zerolog.Logger) *API {
	return &API{session: session, logger: logger.With().Str("component", "api").Logger()}
}

func (a *API) StateHandler(w http.ResponseWriter, r *http.Request) {
	snap, err := a.session.Snapshot(r.Context())
	if err != nil {
		a.fail(w, err)
		return
	}
	a.writeJSON(w, http.StatusOK, sanitizeSnapshot(snap))
}

func (a *API) ZonesHandler(w http.ResponseWriter, r *http.Request) {
	zones, err := a.session.Zones(r.Context())
	if err != nil {
		a.fail(w, err)
		return
	}
	if zones == nil {
		zones = []string{}
	}
	a.writeJSON(w, http.StatusOK, zones)
}

func (a *API) OpenZoneHandler(w http.ResponseWriter, r *http.Request) {
	var req OpenZoneRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	if err := content.ValidateZone(req.Zone); err != nil {
		a.writeJSON(w, http.StatusBadRequest, APIResponse{Success: false, Message: err.Error()})
		return
	}

	if err := a.session.OpenZone(r.Context(), req.Zone); err != nil {
		a.fail(w, err)
		return
	}
	a.StateHandler(w, r)
}

func (a *API) CloseZoneHandler(w http.ResponseWriter, r *http.Request) {
	if err := a.session.CloseZone(r.Context()); err != nil {
		a.fail(w, err)
		return
	}
	a.StateHandler(w, r)
}

func (a *API) SendMessageHandler(w http.ResponseWriter, r *http.Request) {
	var req SendMessageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	if len([]rune(req.Message)) > maxMessageLength {
		a.writeJSON(w, http.StatusBadRequest, APIResponse{
			Success: false,
			Message: fmt.Sprintf("Message is longer than %d characters", maxMessageLength),
		})
		return
	}

	if err := a.session.SubmitMessage(r.Context(), req.Message); err != nil {
		a.fail(w, err)
		return
	}
	a.writeJSON(w, http.StatusAccepted, APIResponse{Success: true})
}

func (a *API) RetryHandler(w http.ResponseWriter, r *http.Request) {
	if err := a.session.Retry(r.Context()); err != nil {
		a.fail(w, err)
		return
	}
	a.StateHandler(w, r)
}

// EventsHandler streams snapshots as server-sent events until the client
// goes away.
func (a *API) EventsHandler(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "Streaming unsupported", http.StatusInternalServerError)
		return
	}

	feed, cancel := a.session.Subscribe()
	defer cancel()

	snap, err := a.session.Snapshot(r.Context())
	if err != nil {
		a.fail(w, err)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	keepAlive := time.NewTicker(15 * time.Second)
	defer keepAlive.Stop()

	if !a.writeEvent(w, flusher, snap) {
		return
	}
	for {
		select {
		case <-r.Context().Done():
			return
		case <-keepAlive.C:
			if _, err := fmt.Fprint(w, ": keep-alive\n\n"); err != nil {
				return
			}
			flusher.Flush()
		case snap := <-feed:
			if !a.writeEvent(w, flusher, snap) {
				return
			}
		}
	}
}

func (a *API) writeEvent(w http.ResponseWriter, flusher http.Flusher, snap models.SessionSnapshot) bool {
	data, err := json.Marshal(sanitizeSnapshot(snap))
	if err != nil {
		a.logger.Error().Err(err).Msg("failed to encode snapshot")
		return false
	}
	if _, err := fmt.Fprintf(w, "event: state\ndata: %s\n\n", data); err != nil {
		return false
	}
	flusher.Flush()
	return true
}

// fail maps session errors to HTTP statuses.
func (a *API) fail(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, session.ErrEmptyMessage):
		status = http.StatusBadRequest
	case errors.Is(err, session.ErrNotAuthenticated),
		errors.Is(err, session.ErrNotConnected),
		errors.Is(err, session.ErrRetryUnavailable),
		errors.Is(err, session.ErrNoZone):
		status = http.StatusConflict
	case errors.Is(err, session.ErrSessionClosed):
		status = http.StatusServiceUnavailable
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		status = http.StatusServiceUnavailable
	}

	if status == http.StatusInternalServerError {
		a.logger.Error().Err(err).Msg("request failed")
	}
	a.writeJSON(w, status, APIResponse{Success: false, Message: err.Error()})
}

func (a *API) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		a.logger.Debug().Err(err).Msg("failed to encode response")
	}
}

// sanitizeSnapshot makes every text field safe to insert as HTML.
func sanitizeSnapshot(snap models.SessionSnapshot) models.SessionSnapshot {
	messages := make(models.ZoneChatLog, len(snap.Messages))
	for i, m := range snap.Messages {
		m.SenderName = content.Sanitize(m.SenderName)
		m.Body = content.Sanitize(m.Body)
		if m.SenderEntity != nil {
			entity := content.Sanitize(*m.SenderEntity)
			m.SenderEntity = &entity
		}
		messages[i] = m
	}
	snap.Messages = messages
	snap.UserName = content.Sanitize(snap.UserName)
	snap.Status = content.Sanitize(snap.Status)
	snap.Zone = content.Escape(snap.Zone)
	return snap
}

// RequireSameOrigin rejects cross-site requests to state-changing endpoints.
// Requests without an Origin header (curl, the CLI) pass.
func RequireSameOrigin(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if origin != "" {
			u, err := url.Parse(origin)
			if err != nil || u.Host != r.Host {
				http.Error(w, "Forbidden", http.StatusForbidden)
				return
			}
		}
		next(w, r)
	}
}
