package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/lumenvoice/voice-assistant/internal/config"
	"github.com/lumenvoice/voice-assistant/internal/credentials"
	"github.com/lumenvoice/voice-assistant/internal/device"
	"github.com/lumenvoice/voice-assistant/internal/observability"
	"github.com/lumenvoice/voice-assistant/internal/realtime"
	"github.com/lumenvoice/voice-assistant/internal/server"
	"github.com/lumenvoice/voice-assistant/internal/session"
	"github.com/lumenvoice/voice-assistant/internal/transcript"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		// Use fmt for fatal errors before logger is initialized
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	// Initialize structured logger
	observability.InitLogger(cfg.LogLevel, cfg.LogPretty)
	logger := observability.GetLogger()

	logger.Info().
		Str("port", cfg.Port).
		Str("model", cfg.GeminiModel).
		Str("voice", cfg.GeminiVoice).
		Str("log_level", cfg.LogLevel).
		Bool("metrics_enabled", cfg.MetricsEnabled).
		Msg("Voice Assistant Service starting")

	// Initialize the audio host API for the lifetime of the process
	audioReady := false
	if err := device.Initialize(); err != nil {
		logger.Error().Err(err).Msg("Audio host initialization failed; sessions will not start")
	} else {
		audioReady = true
		defer func() {
			if err := device.Terminate(); err != nil {
				logger.Warn().Err(err).Msg("Audio host termination failed")
			}
		}()
	}

	creds := credentials.NewMemoryStore(cfg.GeminiAPIKey)
	hub := server.NewHub(observability.WithComponent("hub"))
	aggregator := transcript.NewAggregator(cfg.HistoryLimit, hub.PublishTranscript)

	manager := session.NewManager(session.Options{
		Realtime: realtime.Config{
			Host:             cfg.GeminiHost,
			Model:            cfg.GeminiModel,
			Voice:            cfg.GeminiVoice,
			SystemPrompt:     cfg.SystemPrompt,
			HandshakeTimeout: cfg.HandshakeTimeout,
		},
		FrameSize:         cfg.FrameSize,
		PendingFrameLimit: cfg.PendingFrameLimit,
		ReconnectDelay:    cfg.ReconnectDelay,
		ErrorTTL:          cfg.ErrorTTL,
		Logger:            observability.WithComponent("session"),
	},
		realtime.WebsocketDialer{Logger: observability.WithComponent("realtime")},
		device.PortAudio{},
		creds,
		aggregator,
		hub,
	)

	readyChecks := map[string]observability.HealthCheckFunc{
		"audio": func(ctx context.Context) (bool, error) {
			if !audioReady {
				return false, fmt.Errorf("audio host API not initialized")
			}
			return true, nil
		},
	}

	handler := server.Handler(hub, manager, server.Options{
		MetricsEnabled: cfg.MetricsEnabled,
		ReadyChecks:    readyChecks,
		Logger:         observability.WithComponent("server"),
	})

	// Create HTTP server with timeouts. The websocket route needs an
	// unbounded write window, so only read/idle timeouts apply.
	httpServer := &http.Server{
		Addr:              fmt.Sprintf(":%s", cfg.Port),
		Handler:           handler,
		ReadHeaderTimeout: 15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	// Start server in a goroutine
	go func() {
		logger.Info().
			Str("port", cfg.Port).
			Str("endpoint", fmt.Sprintf("ws://localhost:%s/ws", cfg.Port)).
			Msg("Server listening")
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("Server failed to start")
		}
	}()

	// Wait for interrupt signal to gracefully shutdown the server
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info().Msg("Shutting down server...")

	// Stop the active session before tearing the HTTP surface down
	manager.Stop()

	// Graceful shutdown with timeout
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := httpServer.Shutdown(ctx); err != nil {
		logger.Fatal().Err(err).Msg("Server forced to shutdown")
	}

	logger.Info().Msg("Server exited gracefully")
}
