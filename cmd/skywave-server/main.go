package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/skywave-social/skywave/internal/config"
	"github.com/skywave-social/skywave/internal/credstore"
	"github.com/skywave-social/skywave/internal/feedgen"
	"github.com/skywave-social/skywave/internal/index"
	"github.com/skywave-social/skywave/internal/ingest"
	"github.com/skywave-social/skywave/internal/jetstream"
	"github.com/skywave-social/skywave/internal/members"
	"github.com/skywave-social/skywave/internal/metrics"
	"github.com/skywave-social/skywave/internal/outbound"
	"github.com/skywave-social/skywave/internal/push"
	"github.com/skywave-social/skywave/internal/sieve"
	"github.com/skywave-social/skywave/internal/tracing"
)

const sieveMinDelay = time.Second

func main() {
	// Configure zerolog
	// Set log level from environment (default: info)
	switch os.Getenv("LOG_LEVEL") {
	case "debug":
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	case "info", "":
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	case "warn":
		zerolog.SetGlobalLevel(zerolog.WarnLevel)
	case "error":
		zerolog.SetGlobalLevel(zerolog.ErrorLevel)
	default:
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	}

	// Use pretty console logging in development, JSON in production
	if os.Getenv("LOG_FORMAT") == "json" {
		log.Logger = zerolog.New(os.Stdout).With().Timestamp().Logger()
	} else {
		log.Logger = log.Output(zerolog.ConsoleWriter{
			Out:        os.Stdout,
			TimeFormat: time.RFC3339,
		})
	}

	log.Info().Msg("Starting skywave feed generator")

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load configuration")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	tp, err := tracing.Init(ctx)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize tracing")
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tp.Shutdown(shutdownCtx); err != nil {
			log.Warn().Err(err).Msg("Tracer shutdown failed")
		}
	}()

	store, err := index.Open(cfg.IndexPath)
	if err != nil {
		log.Fatal().Err(err).Str("path", cfg.IndexPath).Msg("Failed to open content index")
	}
	defer store.Close()
	log.Info().Str("path", cfg.IndexPath).Int("posts", store.PostCount()).Msg("Content index opened")

	creds, err := credstore.Open(cfg.CredStorePath)
	if err != nil {
		log.Fatal().Err(err).Str("path", cfg.CredStorePath).Msg("Failed to open credential store")
	}
	defer creds.Close()

	// Items stranded in processing by an unclean shutdown go back to
	// pending before the first worker pass.
	if recovered, err := store.RecoverStuckProcessing(); err != nil {
		log.Fatal().Err(err).Msg("Failed to recover queue state")
	} else if recovered > 0 {
		log.Info().Int64("recovered", recovered).Msg("Returned stuck queue items to pending")
	}

	registry, err := members.NewRegistry(store, cfg.MemberRefreshInterval)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load member registry")
	}
	log.Info().Int("members", registry.Count()).Msg("Member registry loaded")

	dispatcher := push.NewDispatcher(store, cfg.VAPIDSubject, cfg.VAPIDPublicKey, cfg.VAPIDPrivateKey)

	var admitter ingest.Admitter
	if cfg.SieveURL != "" {
		admitter = sieve.New(cfg.SieveURL, sieveMinDelay)
		log.Info().Str("url", cfg.SieveURL).Msg("Content sieve enabled")
	}

	processor := ingest.NewProcessor(store, registry, dispatcher, admitter, cfg.TopicKeywords)
	seeder := ingest.NewSeeder(store, processor)
	memberSvc := members.NewService(store, registry, seeder)

	consumer, err := jetstream.NewConsumer(jetstream.Config{
		Endpoints:         cfg.JetstreamEndpoints,
		WantedCollections: jetstream.WantedCollections,
		Compress:          true,
	}, processor, store)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to create firehose consumer")
	}

	// Member changes narrow the firehose subscription in place.
	registry.SetOnChange(consumer.SetWantedDIDs)
	consumer.SetWantedDIDs(registry.Snapshot())

	worker := outbound.NewWorker(store, creds, outbound.NewClient())
	worker.OnCreated = func(targetURI, cid string) {
		if err := store.SetPostCID(targetURI, cid); err != nil {
			log.Warn().Err(err).Str("uri", targetURI).Msg("Failed to record synced CID")
		}
	}

	go registry.Start(ctx)
	consumer.Start(ctx)
	go worker.Start(ctx, cfg.QueueInterval)
	go seeder.SeedAll(ctx, registry.Snapshot())
	go statsLoop(ctx, store)

	pushHandler := push.NewHandler(store, dispatcher, cfg.AdminKey)
	server := feedgen.NewServer(cfg, store, memberSvc, pushHandler.Routes())

	serverErr := make(chan error, 1)
	go func() {
		serverErr <- server.Start()
	}()

	select {
	case <-ctx.Done():
		log.Info().Msg("Shutdown signal received")
	case err := <-serverErr:
		if err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Msg("HTTP server failed")
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("HTTP shutdown failed")
	}
	consumer.Stop()

	log.Info().Msg("Shutdown complete")
}

// statsLoop refreshes the business gauges from store counts.
func statsLoop(ctx context.Context, store *index.Store) {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			metrics.IndexedPostsTotal.Set(float64(store.PostCount()))
			metrics.SubscriptionsTotal.Set(float64(store.SubscriptionCount()))
			metrics.QueuePending.Set(float64(store.PendingCount()))
		}
	}
}
