package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	"github.com/redis/go-redis/v9"
	"github.com/talonsec/talon-stack/common/logging"
	"github.com/talonsec/talon-stack/common/messaging"
	natsclient "github.com/talonsec/talon-stack/common/messaging/nats"
	"github.com/talonsec/talon-stack/triage/internal/classifier"
	"github.com/talonsec/talon-stack/triage/internal/config"
	"github.com/talonsec/talon-stack/triage/internal/consumer"
	"github.com/talonsec/talon-stack/triage/internal/contextwin"
	"github.com/talonsec/talon-stack/triage/internal/grouper"
	"github.com/talonsec/talon-stack/triage/internal/handlers"
	"github.com/talonsec/talon-stack/triage/internal/llm"
	"github.com/talonsec/talon-stack/triage/internal/orchestrator"
	"github.com/talonsec/talon-stack/triage/internal/report"
	"github.com/talonsec/talon-stack/triage/internal/retriever"
	"github.com/talonsec/talon-stack/triage/internal/server"
	"github.com/talonsec/talon-stack/triage/internal/service"
	"github.com/talonsec/talon-stack/triage/internal/store"
)

func main() {
	configPath := flag.String("config", "", "path to YAML config file")
	addr := flag.String("addr", "", "override listen address")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	logger := logging.New(
		logging.ParseLevel(cfg.Logging.Level),
		cfg.Logging.Format,
	).With(logging.Service("triage"))
	logging.SetDefault(logger)

	slog.Info("Starting Triage service",
		slog.Int("port", cfg.Server.Port),
		slog.String("log_level", cfg.Logging.Level),
		slog.String("log_format", cfg.Logging.Format),
	)

	listenAddr := fmt.Sprintf(":%d", cfg.Server.Port)
	if *addr != "" {
		listenAddr = *addr
	}

	// Event/ticket store
	eventStore, err := store.New(store.Config{
		URL:           cfg.OpenSearch.URL,
		Username:      cfg.OpenSearch.Username,
		Password:      cfg.OpenSearch.Password,
		Insecure:      cfg.OpenSearch.Insecure,
		EventIndex:    cfg.OpenSearch.EventIndex,
		TicketIndex:   cfg.OpenSearch.TicketIndex,
		EmbeddingDims: cfg.OpenSearch.EmbeddingDims,
	})
	if err != nil {
		slog.Error("Failed to create OpenSearch client", slog.String("error", err.Error()))
		os.Exit(1)
	}
	if err := eventStore.EnsureIndices(context.Background()); err != nil {
		slog.Error("Failed to ensure indices", slog.String("error", err.Error()))
		os.Exit(1)
	}
	slog.Info("Connected to OpenSearch", slog.String("url", cfg.OpenSearch.URL))

	// Redis: ticket locks and the embedding cache
	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	if err := redisClient.Ping(context.Background()).Err(); err != nil {
		slog.Error("Failed to connect to Redis", slog.String("error", err.Error()))
		os.Exit(1)
	}
	defer redisClient.Close()
	slog.Info("Connected to Redis", slog.String("addr", cfg.Redis.Addr))

	// Run report repository
	var reports report.Repository
	var reportRepo *report.PostgresRepository
	if cfg.DatabaseURL != "" {
		slog.Info("Running database migrations")
		m, err := migrate.New("file://migrations", cfg.DatabaseURL)
		if err != nil {
			slog.Error("Failed to initialize migrations", slog.String("error", err.Error()))
			os.Exit(1)
		}
		if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
			slog.Error("Failed to run migrations", slog.String("error", err.Error()))
			os.Exit(1)
		}
		slog.Info("Database migrations completed")

		reportRepo, err = report.NewPostgresRepository(context.Background(), cfg.DatabaseURL)
		if err != nil {
			log.Fatalf("connect postgres: %v", err)
		}
		defer reportRepo.Close()
		reports = reportRepo
	} else {
		slog.Warn("No database configured; run reports are disabled")
	}

	// Model clients
	reasoner := llm.NewReasoner(llm.ReasonerConfig{
		BaseURL: cfg.LLM.Reasoner.BaseURL,
		APIKey:  cfg.LLM.Reasoner.APIKey,
		Model:   cfg.LLM.Reasoner.Model,
		Timeout: cfg.LLM.Reasoner.Timeout(),
	})
	embedder := llm.NewEmbedder(llm.EmbedderConfig{
		BaseURL:    cfg.LLM.Embedder.BaseURL,
		APIKey:     cfg.LLM.Embedder.APIKey,
		Model:      cfg.LLM.Embedder.Model,
		Dimensions: cfg.LLM.Embedder.Dimensions,
		Timeout:    cfg.LLM.Embedder.Timeout(),
	})

	// Pipeline stages
	windows := contextwin.NewFetcher(eventStore)
	windows.MaxEvents = cfg.Triage.MaxWindowEvents

	orch := orchestrator.New(logger)
	orch.Concurrency = cfg.Triage.Concurrency
	orch.MaxAttempts = cfg.Triage.MaxAttempts

	cache := retriever.NewEmbeddingCache(redisClient, cfg.Redis.CacheTTL())
	retr := retriever.New(eventStore, embedder, cache, retriever.Config{
		TopK:  cfg.Triage.TopK,
		Floor: cfg.Triage.SimilarityFloor,
	})

	locks := grouper.NewRedisLocker(redisClient)
	engine := grouper.New(eventStore, grouper.NewLLMAdjudicator(reasoner), embedder, locks, logger)

	// NATS client (optional - the HTTP API works without it)
	var natsClient *natsclient.Client
	var publisher messaging.Publisher
	if cfg.NATS.Enabled {
		natsClient, err = natsclient.NewClient(natsclient.Config{
			URL:           cfg.NATS.URL,
			Name:          "triage-service",
			MaxReconnects: cfg.NATS.MaxReconnects,
			ReconnectWait: cfg.NATS.ReconnectWaitDuration(),
			Timeout:       5 * time.Second,
		})
		if err != nil {
			slog.Warn("Failed to connect to NATS (continuing without NATS)",
				slog.String("url", cfg.NATS.URL),
				slog.String("error", err.Error()))
			natsClient = nil
		} else {
			slog.Info("Connected to NATS", slog.String("url", cfg.NATS.URL))
			publisher = natsClient
		}
	} else {
		slog.Info("NATS messaging disabled")
	}

	pipeline := service.New(
		eventStore, windows, classifier.New(reasoner), orch,
		retr, engine, reports, publisher, logger,
		service.Config{
			HalfWindow:       cfg.Triage.HalfWindow(),
			GroupMaxAttempts: cfg.Triage.GroupMaxAttempts,
		},
	)

	var jobConsumer *consumer.Consumer
	if natsClient != nil {
		jobConsumer = consumer.New(natsClient, pipeline, logger)
		if err := jobConsumer.Start(context.Background()); err != nil {
			slog.Warn("Failed to start job consumer", slog.String("error", err.Error()))
			jobConsumer = nil
		}
	}

	h := handlers.New(pipeline, reports, eventStore, logger)
	srv := &http.Server{
		Addr:         listenAddr,
		Handler:      server.NewRouter(h),
		ReadTimeout:  cfg.Server.ReadTimeout(),
		WriteTimeout: cfg.Server.WriteTimeout(),
		IdleTimeout:  cfg.Server.IdleTimeout(),
	}

	shutdownCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go func() {
		log.Printf("triage service listening on %s", listenAddr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("server error: %v", err)
		}
	}()

	<-shutdownCtx.Done()
	log.Println("shutdown signal received")

	if jobConsumer != nil {
		log.Println("stopping job consumer")
		if err := jobConsumer.Stop(); err != nil {
			log.Printf("consumer shutdown error: %v", err)
		}
	}
	if natsClient != nil {
		natsClient.Close()
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		log.Printf("graceful shutdown failed: %v", err)
	}
}
