package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/mcdev12/subasta/go/internal/auction/events"
	"github.com/mcdev12/subasta/go/internal/auction/gateway"
	"github.com/mcdev12/subasta/go/internal/auction/ledger"
	"github.com/mcdev12/subasta/go/internal/auction/metrics"
	"github.com/mcdev12/subasta/go/internal/auction/transport"
	"github.com/mcdev12/subasta/go/internal/config"
)

func main() {
	// Load .env file if it exists
	if err := godotenv.Load(); err != nil {
		log.Debug().Err(err).Msg("could not load .env file")
	}

	// Setup logging
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	zerolog.SetGlobalLevel(zerolog.InfoLevel)

	cfg, err := config.Load("")
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load configuration")
	}
	if len(os.Args) > 1 {
		if err := cfg.SetPort(os.Args[1]); err != nil {
			log.Fatal().Err(err).Msg("usage: gateway [port]")
		}
	}
	if level, err := zerolog.ParseLevel(cfg.LogLevel); err == nil {
		zerolog.SetGlobalLevel(level)
	} else {
		log.Warn().Str("log_level", cfg.LogLevel).Msg("unknown log level, using info")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	publisher := setupPublisher(cfg)
	defer publisher.Close()

	var (
		recorder gateway.Recorder
		history  gateway.History
	)
	if cfg.Ledger.Enabled {
		openCtx, openCancel := context.WithTimeout(ctx, 10*time.Second)
		store, err := ledger.Open(openCtx, cfg.Ledger)
		openCancel()
		if err != nil {
			log.Fatal().Err(err).Msg("failed to open round ledger")
		}
		defer store.Close()
		recorder, history = store, store
	}

	coordinator := gateway.NewCoordinator(gateway.CoordinatorConfig{
		RoundDuration:     cfg.Auction.RoundDuration,
		BroadcastInterval: cfg.Auction.BroadcastInterval,
		ResetGrace:        cfg.Auction.ResetGrace,
		SendQueueSize:     cfg.Server.SendQueueSize,
	}, clockwork.NewRealClock(), publisher, recorder, metrics.NewMetrics("subasta"))

	transportConfig := transport.DefaultConfig()
	transportConfig.WriteTimeout = cfg.Server.WriteTimeout
	transportConfig.MaxMessageSize = cfg.Server.MaxMessageSize

	server := gateway.NewServer(coordinator, transportConfig)
	admin := gateway.NewAdminHandler(ctx, server, history)

	log.Info().
		Int("port", cfg.Server.Port).
		Int("admin_port", cfg.Server.AdminPort).
		Dur("round_duration", cfg.Auction.RoundDuration).
		Dur("broadcast_interval", cfg.Auction.BroadcastInterval).
		Bool("ledger", cfg.Ledger.Enabled).
		Msg("starting auction server")

	serverDone := make(chan struct{})
	go func() {
		defer close(serverDone)
		if err := server.ListenAndServe(ctx, ":"+strconv.Itoa(cfg.Server.Port)); err != nil {
			log.Fatal().Err(err).Msg("auction server failed")
		}
	}()

	var httpServer *http.Server
	if cfg.Server.AdminPort > 0 {
		httpServer = admin.NewHTTPServer(cfg.Server.AdminPort)
		go func() {
			log.Info().Str("addr", httpServer.Addr).Msg("admin HTTP server starting")
			if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Fatal().Err(err).Msg("admin HTTP server failed")
			}
		}()
	}

	// Wait for interrupt signal
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	sig := <-sigChan

	log.Info().Str("signal", sig.String()).Msg("received shutdown signal")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if httpServer != nil {
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("admin HTTP server shutdown failed")
		}
	}

	cancel()
	coordinator.Shutdown()

	select {
	case <-serverDone:
	case <-shutdownCtx.Done():
		log.Warn().Msg("timed out waiting for sessions to close")
	}
	admin.Wait()

	log.Info().Msg("auction server shutdown complete")
}

func setupPublisher(cfg *config.Config) events.Publisher {
	if cfg.NATS.URL == "" {
		return events.NewLogPublisher()
	}

	natsConfig := events.DefaultNATSConfig()
	natsConfig.URL = cfg.NATS.URL
	natsConfig.SubjectPrefix = cfg.NATS.SubjectPrefix

	publisher, err := events.NewNATSPublisher(natsConfig)
	if err != nil {
		log.Error().Err(err).Str("nats_url", cfg.NATS.URL).Msg("failed to connect to NATS, logging events instead")
		return events.NewLogPublisher()
	}
	return publisher
}
