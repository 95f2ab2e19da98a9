package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/websocket"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/hanifmaliki/deepgram-realtime-transcription/internal/api"
	"github.com/hanifmaliki/deepgram-realtime-transcription/internal/auth"
	"github.com/hanifmaliki/deepgram-realtime-transcription/internal/config"
	"github.com/hanifmaliki/deepgram-realtime-transcription/internal/metrics"
	"github.com/hanifmaliki/deepgram-realtime-transcription/internal/relay"
	"github.com/hanifmaliki/deepgram-realtime-transcription/internal/transcript"
)

func main() {
	// Load .env if present (won't override existing environment variables)
	if err := godotenv.Load(); err != nil {
		slog.Info("no .env file found; using system environment variables")
	}

	cfg, err := config.Load()
	if err != nil {
		slog.Error("invalid configuration", "error", err)
		os.Exit(1)
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: cfg.LogLevel}))
	slog.SetDefault(logger)

	if cfg.SecretGenerated {
		logger.Warn("SESSION_SECRET not set; generated an ephemeral secret, session tokens will not survive a restart")
	}

	registry := prometheus.NewRegistry()
	m := metrics.New(registry)

	issuer := auth.NewIssuer([]byte(cfg.SessionSecret), cfg.TokenTTL)
	store := transcript.NewStore()

	upstream := &relay.Upstream{
		Dialer:  websocket.DefaultDialer,
		BaseURL: relay.DeepgramURL,
		APIKey:  cfg.APIKey,
	}

	wsHandler := relay.NewHandler(issuer, upstream, logger, m, store)
	wsHandler.ShapeResults = cfg.ShapeResults
	wsHandler.ReadyTimeout = cfg.ReadyTimeout

	apiHandlers := &api.Handlers{
		Issuer:       issuer,
		MetadataFile: cfg.MetadataFile,
		Transcripts:  store,
		Logger:       logger,
	}

	mux := http.NewServeMux()
	mux.Handle("/api/live-transcription", wsHandler)
	mux.HandleFunc("/api/session", apiHandlers.Session)
	mux.HandleFunc("/api/metadata", apiHandlers.Metadata)
	mux.HandleFunc("/api/transcripts", apiHandlers.GetTranscripts)
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))

	server := &http.Server{
		Addr:    cfg.Addr(),
		Handler: mux,
	}

	go func() {
		logger.Info("starting server",
			"addr", cfg.Addr(),
			"ws_endpoint", "/api/live-transcription",
			"shape_results", cfg.ShapeResults)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("server failed", "error", err)
			os.Exit(1)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	logger.Info("shutting down")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		logger.Error("shutdown failed", "error", err)
	}
}
