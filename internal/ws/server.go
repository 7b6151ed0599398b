package ws

import (
	"context"
	"net/http"
	"sync"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

// Server upgrades relay clients and serves them until Close.
type Server struct {
	hub      *Hub
	upgrader *websocket.Upgrader
	logger   zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewServer(hub *Hub, logger zerolog.Logger) *Server {
	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		hub: hub,
		upgrader: &websocket.Upgrader{
			// Field devices connect from anywhere.
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
		logger: logger.With().Str("component", "relay").Logger(),
		ctx:    ctx,
		cancel: cancel,
	}
}

func (s *Server) HandleConnections(w http.ResponseWriter, r *http.Request) {
	if s.ctx.Err() != nil {
		http.Error(w, "Server shutting down", http.StatusServiceUnavailable)
		return
	}

	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn().Err(err).Msg("error upgrading to websocket")
		return
	}

	s.wg.Add(1)
	defer s.wg.Done()

	clientID := uuid.NewString()
	s.logger.Info().Str("client_id", clientID).Str("remote", r.RemoteAddr).Msg("client connected")

	conn := NewConnection(s.hub, ws, clientID, s.logger)
	if err := conn.Handle(s.ctx); err != nil {
		s.logger.Info().Err(err).Str("client_id", clientID).Msg("connection closed")
	}
}

// Close disconnects every client and waits for their handlers.
func (s *Server) Close() {
	s.cancel()
	s.wg.Wait()
}
