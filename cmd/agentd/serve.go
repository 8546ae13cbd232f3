package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/coderelay/agentd/internal/agent"
	"github.com/coderelay/agentd/internal/api"
	"github.com/coderelay/agentd/internal/config"
	"github.com/coderelay/agentd/internal/observability"
	"github.com/coderelay/agentd/internal/provider"
	"github.com/coderelay/agentd/internal/store"
	"github.com/coderelay/agentd/internal/workspace"
)

// runServe implements the serve command: wire the store, providers,
// executors and HTTP server together, then block until a shutdown
// signal arrives.
func runServe(ctx context.Context, configPath string) error {
	// Credentials are commonly kept in a dotenv next to the daemon.
	if err := workspace.LoadEnvFile(".env"); err != nil {
		slog.Warn("dotenv load failed", "err", err)
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger := observability.NewLogger(cfg.LogLevel, cfg.LogFormat)
	slog.SetDefault(logger)
	metrics := observability.NewMetrics()

	st := store.New(cfg.DataDir)
	if err := st.Init(); err != nil {
		return fmt.Errorf("init data dir %s: %w", cfg.DataDir, err)
	}

	kit, err := buildKit(cfg.Providers, logger)
	if err != nil {
		return err
	}
	router := &provider.Router{}

	// settings.json overrides the static model policy; it is what the
	// policy API writes through to.
	policy := cfg.ModelPolicy
	settingsPath := filepath.Join(st.DataDir(), "settings.json")
	if settings, found, err := config.LoadSettings(settingsPath); err != nil {
		logger.Warn("settings load failed", "path", settingsPath, "err", err)
	} else if found {
		policy = settings.ModelPolicy
	}

	runner := agent.NewRunner(logger, st, kit, router, policy)
	runner.Metrics = metrics

	sessionRunner := agent.NewSessionRunner(logger, st, kit, router, policy)
	sessionRunner.Metrics = metrics
	if cfg.Verify.AutoVerify != nil {
		sessionRunner.Verify.AutoVerify = *cfg.Verify.AutoVerify
	}
	if len(cfg.Verify.Commands) > 0 {
		sessionRunner.Verify.Commands = cfg.Verify.Commands
	}
	sessionRunner.Verify.RequireClean = cfg.Verify.RequireClean

	specGen := &agent.SpecGenerator{Kit: kit, Router: router, Policy: policy}
	modelSvc := agent.NewModelService(kit, settingsPath, runner, sessionRunner, policy)

	watcher := config.NewSettingsWatcher(settingsPath, logger, func(s config.Settings) {
		logger.Info("settings reloaded", "path", settingsPath)
		modelSvc.ApplyPolicy(s.ModelPolicy)
	})

	var tokens *api.TokenService
	if cfg.JWTSecret != "" {
		tokens = api.NewTokenService(cfg.JWTSecret, 24*time.Hour)
	}

	server := &api.Server{
		Logger:        logger,
		Store:         st,
		Runner:        runner,
		SessionRunner: sessionRunner,
		SpecGen:       specGen,
		ModelSvc:      modelSvc,
		Metrics:       metrics,
		AuthToken:     cfg.AuthToken,
		Tokens:        tokens,
	}

	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := watcher.Start(ctx); err != nil {
		logger.Warn("settings watcher failed", "err", err)
	} else {
		defer func() { _ = watcher.Close() }()
	}

	httpServer := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           server.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("agentd listening",
			"addr", cfg.ListenAddr,
			"data_dir", st.DataDir(),
			"auth", cfg.AuthToken != "" || tokens != nil,
		)
		errCh <- httpServer.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	case <-ctx.Done():
	}

	logger.Info("shutdown signal received")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		return err
	}
	logger.Info("agentd stopped")
	return nil
}

// buildKit constructs a provider for every backend with credentials
// configured. A daemon with zero providers still serves the API; turns
// fail at model resolution instead of at startup.
func buildKit(cfg config.ProviderConfig, logger *slog.Logger) (*provider.Kit, error) {
	var providers []provider.Provider

	if cfg.Anthropic.APIKey != "" {
		p, err := provider.NewAnthropic(provider.AnthropicConfig{
			APIKey:  cfg.Anthropic.APIKey,
			BaseURL: cfg.Anthropic.BaseURL,
		})
		if err != nil {
			return nil, fmt.Errorf("anthropic: %w", err)
		}
		providers = append(providers, p)
	}
	if cfg.OpenAI.APIKey != "" {
		p, err := provider.NewOpenAI(provider.OpenAIConfig{
			APIKey:  cfg.OpenAI.APIKey,
			BaseURL: cfg.OpenAI.BaseURL,
		})
		if err != nil {
			return nil, fmt.Errorf("openai: %w", err)
		}
		providers = append(providers, p)
	}
	if cfg.Ollama.BaseURL != "" {
		p, err := provider.NewOllama(provider.OllamaConfig{
			BaseURL:      cfg.Ollama.BaseURL,
			DefaultModel: cfg.Ollama.DefaultModel,
		})
		if err != nil {
			return nil, fmt.Errorf("ollama: %w", err)
		}
		providers = append(providers, p)
	}

	if len(providers) == 0 {
		logger.Warn("no providers configured; model calls will fail until credentials are set")
	}
	return provider.NewKit(providers...), nil
}
