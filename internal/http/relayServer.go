package http

import (
	"context"
	"net/http"
	"sync"

	"alaschat/internal/ws"

	"github.com/rs/zerolog"
)

// RelayServer serves the zone chat relay on every path.
type RelayServer struct {
	server *http.Server
	relay  *ws.Server
	logger zerolog.Logger
	wg     sync.WaitGroup
}

func NewRelayServer(hub *ws.Hub, addr string, logger zerolog.Logger) *RelayServer {
	relay := ws.NewServer(hub, logger)
	mux := http.NewServeMux()
	mux.HandleFunc("/", relay.HandleConnections)

	if addr == "" {
		addr = ":8000"
	}

	return &RelayServer{
		server: &http.Server{
			Addr:    addr,
			Handler: mux,
		},
		relay:  relay,
		logger: logger,
	}
}

func (s *RelayServer) Start() error {
	s.logger.Info().Str("addr", s.server.Addr).Msg("relay started")
	s.wg.Add(1)
	defer s.wg.Done()

	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown stops accepting upgrades, then ends the hijacked connections,
// which http.Server.Shutdown does not track.
func (s *RelayServer) Shutdown(ctx context.Context) error {
	defer s.wg.Wait()
	err := s.server.Shutdown(ctx)
	s.relay.Close()
	return err
}
