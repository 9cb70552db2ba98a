package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/shidurit/voice-agent/internal/config"
	"github.com/shidurit/voice-agent/internal/device"
	"github.com/shidurit/voice-agent/internal/httpapi"
	"github.com/shidurit/voice-agent/internal/live"
	"github.com/shidurit/voice-agent/internal/observability"
	"github.com/shidurit/voice-agent/internal/tenant"
	"github.com/shidurit/voice-agent/internal/token"
	"github.com/shidurit/voice-agent/internal/voice"
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
		Str("live_endpoint", cfg.LiveEndpoint).
		Bool("token_issuer", cfg.TokenIssuerURL != "").
		Str("mic_failure_policy", cfg.MicFailurePolicy).
		Str("log_level", cfg.LogLevel).
		Bool("metrics_enabled", cfg.MetricsEnabled).
		Msg("Voice agent starting")

	if err := device.Initialize(); err != nil {
		logger.Fatal().Err(err).Msg("Audio subsystem unavailable")
	}
	defer device.Terminate()

	issuer := token.New(cfg, logger)
	manager := voice.NewManager(cfg, voice.Deps{
		Tenants: tenant.Static{
			DisplayName: cfg.TenantDisplayName,
			PersonaName: cfg.TenantPersonaName,
			Voice:       cfg.TenantVoice,
			Prompt:      cfg.TenantPrompt,
			Language:    cfg.TenantLanguage,
		},
		Issuer: issuer,
		Dialer: live.NewWebsocketDialer(cfg.LiveEndpoint, cfg.OutboundQueueSize),
		Source: device.Microphone{},
		Sink:   device.Speaker{},
		Transcripts: func(speaker voice.Speaker, text string) {
			logger.Info().Str("speaker", string(speaker)).Str("text", text).Msg("Transcript")
		},
		Logger: logger,
	})

	// Readiness checks
	checks := map[string]observability.HealthCheckFunc{
		"config": func(ctx context.Context) (bool, error) {
			return true, cfg.Validate()
		},
	}
	if httpIssuer, ok := issuer.(*token.HTTPIssuer); ok {
		checks["token_issuer"] = httpIssuer.Healthy
	}

	e := httpapi.New(manager, httpapi.Options{
		Checks:         checks,
		MetricsEnabled: cfg.MetricsEnabled,
		Logger:         logger,
	})
	if cfg.MetricsEnabled {
		logger.Info().Msg("Prometheus metrics enabled at /metrics")
	}

	// Create HTTP server with timeouts. Start waits for the handshake, so
	// the write timeout covers token issuance plus the setup acknowledgment.
	server := &http.Server{
		Addr:         fmt.Sprintf(":%s", cfg.Port),
		Handler:      e,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: cfg.TokenIssuerTimeout + cfg.HandshakeTimeout + 15*time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Start server in a goroutine
	go func() {
		logger.Info().
			Str("port", cfg.Port).
			Str("endpoint", fmt.Sprintf("http://localhost:%s/session/start", cfg.Port)).
			Msg("Server listening")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal().Err(err).Msg("Server failed to start")
		}
	}()

	// Wait for interrupt signal to gracefully shutdown the server
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info().Msg("Shutting down server...")

	// Graceful shutdown with timeout
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		logger.Error().Err(err).Msg("Server forced to shutdown")
	}

	// Release the socket, microphone and speaker
	_ = manager.Close()

	logger.Info().Msg("Server exited gracefully")
}
