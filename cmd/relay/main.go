// Command relay runs the zone chat relay that field clients connect to.
package main

import (
	"context"
	"errors"
	"flag"
	oshttp "net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"alaschat/internal/config"
	"alaschat/internal/http"
	"alaschat/internal/log"
	"alaschat/internal/ws"

	"golang.org/x/sync/errgroup"
)

func run(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("relay", flag.ContinueOnError)
	configPath := fs.String("config", "", "Path to a YAML config file")
	addr := fs.String("addr", "", "Listen address (overrides relay.addr)")
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, err := config.Load(*configPath, false)
	if err != nil {
		return err
	}
	if *addr != "" {
		cfg.Relay.Addr = *addr
	}

	logger := log.Init(log.Config{
		Level:       cfg.Log.Level,
		Pretty:      cfg.Log.Pretty,
		ServiceName: "relay",
	})

	hub := ws.NewHub(cfg.Relay.HistorySize, logger)
	relayServer := http.NewRelayServer(hub, cfg.Relay.Addr, logger)

	g, gCtx := errgroup.WithContext(ctx)

	g.Go(func() error {
		err := relayServer.Start()
		if err != nil && err != oshttp.ErrServerClosed {
			return err
		}
		return nil
	})

	g.Go(func() error {
		<-gCtx.Done()
		logger.Info().Msg("shutting down relay")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		if err := relayServer.Shutdown(shutdownCtx); err != nil {
			logger.Error().Err(err).Msg("relay shutdown error")
		}
		hub.Close()
		return nil
	})

	return g.Wait()
}

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, os.Args[1:]); err != nil && !errors.Is(err, context.Canceled) {
		logger := log.L()
		logger.Fatal().Err(err).Msg("relay error")
	}
}
