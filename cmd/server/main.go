package main

import (
	"context"
	"fmt"
	"os"

	gfshutdown "github.com/gelmium/graceful-shutdown"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/Tyrowin/chatrelay/internal/auth"
	"github.com/Tyrowin/chatrelay/internal/chat"
	"github.com/Tyrowin/chatrelay/internal/fanout"
	"github.com/Tyrowin/chatrelay/internal/logging"
	"github.com/Tyrowin/chatrelay/internal/server"
	"github.com/Tyrowin/chatrelay/internal/session"
	"github.com/Tyrowin/chatrelay/internal/store"
)

func main() {
	cfg, err := server.NewConfigFromEnv()
	if err != nil {
		fmt.Fprintf(os.Stderr, "chatrelay: %v\n", err)
		os.Exit(2)
	}

	log := logging.New(logging.Config{Level: cfg.Log.Level, Format: logging.Format(cfg.Log.Format)})
	log.Info().Msg("Starting chatrelay server...")

	st, err := store.Open(cfg.DatabasePath)
	if err != nil {
		log.Fatal().Err(err).Str("path", cfg.DatabasePath).Msg("Failed to open database")
	}

	if cfg.JWTSecret == "" {
		log.Warn().Msg("JWT_SECRET is empty; every token will be rejected")
	}
	verifier := auth.NewVerifier(cfg.JWTSecret)

	registry := session.NewRegistry(
		session.WithSendBuffer(cfg.SendBuffer),
		session.WithLogger(log),
		session.WithDropHandler(func(connectionID string, roomID int64) {
			log.Warn().Str("connection", connectionID).Int64("room", roomID).Msg("Outbound queue full, dropping broadcast")
		}),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	broker, err := openBroker(ctx, cfg.Broker, log)
	if err != nil {
		log.Fatal().Err(err).Str("backend", cfg.Broker.Backend).Msg("Failed to connect broker")
	}

	bridge := fanout.NewBridge(broker, registry, cfg.Broker.Topic, log)
	if err := bridge.Subscribe(ctx); err != nil {
		log.Fatal().Err(err).Msg("Failed to subscribe to broker")
	}

	svc := chat.NewService(st, chat.NewNicknameCache(st, cfg.NicknameTTL), bridge, chat.NewLogObserver(log))

	srv := server.New(cfg, server.Deps{
		Registry: registry,
		Verifier: verifier,
		Store:    st,
		Chat:     svc,
		Logger:   log,
	})

	g, gctx := errgroup.WithContext(ctx)
	g.Go(srv.ListenAndServe)
	g.Go(func() error { return bridge.Run(gctx) })

	go func() {
		if err := g.Wait(); err != nil {
			log.Error().Err(err).Msg("Server stopped unexpectedly")
			_ = broker.Close()
			_ = st.Close()
			os.Exit(1)
		}
	}()

	// Steps run in one operation because the store must outlive the server.
	wait := gfshutdown.GracefulShutdown(
		context.Background(),
		cfg.ShutdownTimeout,
		map[string]gfshutdown.Operation{
			"chatrelay": func(ctx context.Context) error {
				log.Info().Msg("Graceful shutdown initiated...")
				srvErr := srv.Shutdown(ctx)
				cancel()
				dropped := registry.Shutdown()
				brokerErr := broker.Close()
				storeErr := st.Close()
				log.Info().Int("connections", dropped).Msg("Connections released")
				if srvErr != nil {
					return srvErr
				}
				if brokerErr != nil {
					return brokerErr
				}
				return storeErr
			},
		},
	)

	exitCode := <-wait
	log.Info().Int("code", exitCode).Msg("Application exited")
	os.Exit(exitCode)
}

func openBroker(ctx context.Context, cfg server.BrokerConfig, log zerolog.Logger) (fanout.Broker, error) {
	backend, err := fanout.ParseBackend(cfg.Backend)
	if err != nil {
		return nil, err
	}

	switch backend {
	case fanout.BackendRedis:
		return fanout.NewRedisBroker(ctx, cfg.RedisAddr, log)
	case fanout.BackendNATS:
		natsCfg := fanout.DefaultNATSConfig()
		natsCfg.URL = cfg.NATSURL
		return fanout.NewNATSBroker(natsCfg, log)
	default:
		return fanout.NewMemoryBroker(), nil
	}
}
