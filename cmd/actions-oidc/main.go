package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/robohub/actions-oidc/internal/challenge"
	"github.com/robohub/actions-oidc/internal/claims"
	"github.com/robohub/actions-oidc/internal/config"
	"github.com/robohub/actions-oidc/internal/github"
	"github.com/robohub/actions-oidc/internal/httpapi"
	"github.com/robohub/actions-oidc/internal/keys"
	"github.com/robohub/actions-oidc/internal/logstream"
	"github.com/robohub/actions-oidc/internal/policy"
	"github.com/robohub/actions-oidc/internal/ratelimit"
	"github.com/robohub/actions-oidc/internal/store"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	// Setup logger
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	logger.Info("starting actions-oidc service")

	// Load configuration
	cfg, err := config.LoadFromEnv()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	logger.Info("configuration loaded",
		"port", cfg.Port,
		"issuer", cfg.Issuer,
		"github_api_url", cfg.GitHubAPIURL,
		"claim_ttl", cfg.ClaimTTL,
		"token_ttl", cfg.TokenTTL,
		"key_ttl", cfg.KeyTTL,
		"rate_limit_rps", cfg.RateLimitRPS,
		"rate_limit_burst", cfg.RateLimitBurst,
	)

	// Initialize components
	st := store.NewMemory()

	provider := github.NewClient(cfg.GitHubAPIURL, cfg.GitHubHTMLURL, cfg.GitHubToken)

	streams := logstream.NewWatcher(logger, logstream.Options{
		DialAttempts: cfg.DialAttempts,
		DialTimeout:  cfg.DialTimeout,
		WatchTimeout: cfg.WatchTimeout,
	})

	validator := challenge.NewValidator(logger, provider, streams, st, cfg.WatchTimeout)

	policyEnforcer := policy.NewEnforcer(cfg.RepoAllowList, cfg.RepoDenyList)

	limiter := ratelimit.NewLimiter(cfg.RateLimitRPS, cfg.RateLimitBurst)

	manager := claims.NewManager(
		logger,
		st,
		validator,
		keys.NewSigner(cfg.TokenTTL),
		policyEnforcer,
		cfg.ClaimTTL,
		cfg.ValidateRetries,
		cfg.ValidateDelay,
	)

	// Create HTTP server
	apiServer := httpapi.NewServer(logger, manager, st, limiter, cfg.Issuer, cfg.AdminToken, cfg.KeyTTL)

	server := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      apiServer.Handler(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Start server in goroutine
	serverErrors := make(chan error, 1)
	go func() {
		logger.Info("server listening", "address", server.Addr)
		serverErrors <- server.ListenAndServe()
	}()

	// Wait for interrupt signal or server error
	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-serverErrors:
		return fmt.Errorf("server error: %w", err)
	case sig := <-shutdown:
		logger.Info("shutdown signal received", "signal", sig)

		// Create context with timeout for shutdown
		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()

		// Attempt graceful shutdown
		if err := server.Shutdown(ctx); err != nil {
			logger.Error("graceful shutdown failed", "error", err)
			if err := server.Close(); err != nil {
				return fmt.Errorf("failed to close server: %w", err)
			}
		}

		logger.Info("server stopped gracefully")
	}

	return nil
}
