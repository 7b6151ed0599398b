package http

import (
	"context"
	"net/http"
	"sync"

	"alaschat/internal/api"
	"alaschat/static"

	"github.com/rs/zerolog"
)

// ViewServer exposes the chat session to the local browser.
type ViewServer struct {
	server *http.Server
	logger zerolog.Logger
	wg     sync.WaitGroup
}

func NewViewServer(apiHandlers *api.API, identity *api.IdentityHandler, addr string, logger zerolog.Logger) *ViewServer {
	mux := http.NewServeMux()

	mux.HandleFunc("/", NewFileServerHandler(static.Content))

	mux.HandleFunc("GET /api/state", apiHandlers.StateHandler)
	mux.HandleFunc("GET /api/events", apiHandlers.EventsHandler)
	mux.HandleFunc("GET /api/zones", apiHandlers.ZonesHandler)
	mux.HandleFunc("POST /api/zone", api.RequireSameOrigin(apiHandlers.OpenZoneHandler))
	mux.HandleFunc("DELETE /api/zone", api.RequireSameOrigin(apiHandlers.CloseZoneHandler))
	mux.HandleFunc("POST /api/messages", api.RequireSameOrigin(apiHandlers.SendMessageHandler))
	mux.HandleFunc("POST /api/retry", api.RequireSameOrigin(apiHandlers.RetryHandler))
	mux.HandleFunc("GET /api/identity", identity.GetIdentityHandler)
	mux.HandleFunc("PUT /api/identity", api.RequireSameOrigin(identity.SetIdentityHandler))

	if addr == "" {
		addr = "localhost:8090"
	}

	return &ViewServer{
		server: &http.Server{
			Addr:    addr,
			Handler: mux,
		},
		logger: logger,
	}
}

func (s *ViewServer) Handler() http.Handler {
	return s.server.Handler
}

func (s *ViewServer) Start() error {
	s.logger.Info().Str("addr", s.server.Addr).Msg("view server started")
	s.wg.Add(1)
	defer s.wg.Done()

	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

func (s *ViewServer) Shutdown(ctx context.Context) error {
	defer s.wg.Wait()
	return s.server.Shutdown(ctx)
}
