package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/talonsec/talon-stack/common/logging"
	"github.com/talonsec/talon-stack/lookup/internal/client"
	"github.com/talonsec/talon-stack/lookup/internal/config"
	"github.com/talonsec/talon-stack/lookup/internal/handlers"
	"github.com/talonsec/talon-stack/lookup/internal/server"
	"github.com/talonsec/talon-stack/lookup/internal/service"
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
	).With(logging.Service("lookup"))
	logging.SetDefault(logger)

	slog.Info("Starting Lookup service",
		slog.Int("port", cfg.Server.Port),
		slog.String("log_level", cfg.Logging.Level),
	)

	listenAddr := fmt.Sprintf(":%d", cfg.Server.Port)
	if *addr != "" {
		listenAddr = *addr
	}

	osClient, err := client.NewOpenSearchClient(client.Config{
		URL:         cfg.OpenSearch.URL,
		Username:    cfg.OpenSearch.Username,
		Password:    cfg.OpenSearch.Password,
		Insecure:    cfg.OpenSearch.Insecure,
		EventIndex:  cfg.OpenSearch.EventIndex,
		TicketIndex: cfg.OpenSearch.TicketIndex,
	})
	if err != nil {
		slog.Error("Failed to create OpenSearch client", slog.String("error", err.Error()))
		os.Exit(1)
	}
	slog.Info("Connected to OpenSearch", slog.String("url", cfg.OpenSearch.URL))

	embedder := client.NewEmbedderClient(client.EmbedderConfig{
		BaseURL:    cfg.Embedder.BaseURL,
		APIKey:     cfg.Embedder.APIKey,
		Model:      cfg.Embedder.Model,
		Dimensions: cfg.Embedder.Dimensions,
		Timeout:    cfg.Embedder.Timeout(),
	})

	svc := service.New(osClient, embedder, logger, service.Config{
		TopK:  cfg.Lookup.TopK,
		Floor: cfg.Lookup.SimilarityFloor,
	})
	h := handlers.New(svc, logger)

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
		log.Printf("lookup service listening on %s", listenAddr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("server error: %v", err)
		}
	}()

	<-shutdownCtx.Done()
	log.Println("shutdown signal received")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		log.Printf("graceful shutdown failed: %v", err)
	}
}
