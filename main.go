package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	oshttp "net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"alaschat/internal/api"
	"alaschat/internal/commands"
	"alaschat/internal/config"
	"alaschat/internal/content"
	"alaschat/internal/http"
	"alaschat/internal/log"
	"alaschat/internal/session"
	"alaschat/internal/storage"
	"alaschat/internal/ws"

	"golang.org/x/sync/errgroup"
)

func run(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("alaschat", flag.ContinueOnError)
	configPath := fs.String("config", "", "Path to a YAML config file")
	zone := fs.String("zone", "", "Zone to open at startup")
	memory := fs.Bool("memory", false, "Keep chat logs and identity in memory only")
	setIdentity := fs.Bool("set-identity", false, "Store the identity below in the running client and exit")
	token := fs.String("token", "", "Session token (with -set-identity)")
	userID := fs.String("user-id", "", "User id (with -set-identity)")
	userName := fs.String("user-name", "", "Display name (with -set-identity)")
	entity := fs.String("entity", "", "Entity, e.g. Bomberos (with -set-identity)")
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, err := config.Load(*configPath, *setIdentity)
	if err != nil {
		return err
	}

	if *setIdentity {
		return commands.SetIdentity(api.SetIdentityRequest{
			Token:    *token,
			UserID:   *userID,
			UserName: *userName,
			Entity:   *entity,
		}, cfg)
	}

	if *zone != "" {
		if err := content.ValidateZone(*zone); err != nil {
			return err
		}
	}

	logger := log.Init(log.Config{
		Level:       cfg.Log.Level,
		Pretty:      cfg.Log.Pretty,
		ServiceName: "alaschat",
	})

	var chatKV, identityKV storage.KV
	if *memory || cfg.DBFile == "" {
		chatKV, identityKV = storage.NewMemoryStorage(), storage.NewMemoryStorage()
	} else {
		bbStorage, err := storage.NewBboltStorage(cfg.DBFile)
		if err != nil {
			return err
		}
		defer func() { _ = bbStorage.Close() }()
		chatKV, identityKV = bbStorage.Chat(), bbStorage.Identity()
	}
	identity := storage.NewIdentity(identityKV)

	chatSession := session.New(session.Config{
		Manager: session.ManagerConfig{
			URL:          cfg.Chat.URL,
			PingInterval: cfg.Chat.PingInterval,
			PongWait:     cfg.Chat.PongWait,
			Backoff: session.Backoff{
				Base:        cfg.Chat.BaseDelay,
				Cap:         cfg.Chat.CapDelay,
				MaxAttempts: cfg.Chat.MaxAttempts,
			},
		},
		Dialer: ws.NewDialer(ws.ClientConfig{
			WriteWait:   cfg.Chat.WriteWait,
			DialTimeout: cfg.Chat.DialTimeout,
		}, logger),
		Logs:     storage.NewZoneLogs(chatKV),
		Identity: identity,
		Logger:   logger,
	})

	viewServer := http.NewViewServer(
		api.New(chatSession, logger),
		api.NewIdentityHandler(identity, logger),
		cfg.ViewAddr,
		log.Component("http"),
	)

	g, gCtx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return chatSession.Run(gCtx)
	})

	// Start View Server
	g.Go(func() error {
		err := viewServer.Start()
		if err != nil && err != oshttp.ErrServerClosed {
			return err
		}
		return nil
	})

	if *zone != "" {
		g.Go(func() error {
			if err := chatSession.OpenZone(gCtx, *zone); err != nil {
				return fmt.Errorf("failed to open zone %q: %w", *zone, err)
			}
			return nil
		})
	}

	// Wait for context cancellation (signal)
	g.Go(func() error {
		<-gCtx.Done()
		logger.Info().Msg("shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		if err := viewServer.Shutdown(shutdownCtx); err != nil {
			logger.Error().Err(err).Msg("view server shutdown error")
		}
		return nil
	})

	return g.Wait()
}

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, os.Args[1:]); err != nil && !errors.Is(err, context.Canceled) {
		logger := log.L()
		logger.Fatal().Err(err).Msg("application error")
	}
}
