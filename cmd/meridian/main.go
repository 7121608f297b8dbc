// cmd/meridian/main.go
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/FairForge/meridian/internal/api"
	"github.com/FairForge/meridian/internal/audit"
	"github.com/FairForge/meridian/internal/auth"
	"github.com/FairForge/meridian/internal/config"
	"github.com/FairForge/meridian/internal/orchestrator"
)

func main() {
	configPath := flag.String("config", config.GetEnvOrDefault("MERIDIAN_CONFIG", "meridian.yaml"), "path to the config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		// Logger config lives in the file we just failed to load.
		fallback, _ := zap.NewProduction()
		fallback.Fatal("configuration load failed", zap.String("path", *configPath), zap.Error(err))
	}

	logger := buildLogger(cfg.Server.LogLevel)
	defer func() { _ = logger.Sync() }()

	logger.Info("starting meridian",
		zap.String("version", api.Version),
		zap.String("config", *configPath),
		zap.Int("regions", len(cfg.Regions)))

	orch, err := orchestrator.New(cfg, *configPath, logger)
	if err != nil {
		logger.Fatal("controller startup failed", zap.Error(err))
	}

	var tokens *auth.TokenManager
	if cfg.Auth.JWTSecret != "" {
		tokens, err = auth.NewTokenManager(cfg.Auth)
		if err != nil {
			logger.Fatal("token manager setup failed", zap.Error(err))
		}
	} else {
		logger.Warn("no jwt secret configured, mutating admin routes are disabled")
	}

	auditAPI := audit.NewAPIHandler(orch.Recorder(), logger)
	server := api.NewServer(cfg, logger, orch, tokens, orch.Metrics().Handler(), auditAPI.Router())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() {
		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)
		for sig := range sigChan {
			if sig == syscall.SIGHUP {
				logger.Info("SIGHUP received, reloading configuration")
				if err := orch.Reload(); err != nil {
					logger.Error("reload failed, keeping last known good", zap.Error(err))
				}
				continue
			}

			logger.Info("shutting down", zap.String("signal", sig.String()))
			shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
			if err := server.Shutdown(shutdownCtx); err != nil {
				logger.Error("server shutdown error", zap.Error(err))
			}
			shutdownCancel()
			cancel()
			return
		}
	}()

	errChan := make(chan error, 1)
	go func() {
		errChan <- server.Start()
	}()

	go func() {
		if err := <-errChan; err != nil {
			logger.Error("admin server failed", zap.Error(err))
			cancel()
		}
	}()

	// The orchestrator's Run owns the decision loop and blocks until
	// shutdown; probe and publish calls in flight drain before it returns.
	if err := orch.Run(ctx); err != nil {
		logger.Fatal("controller run failed", zap.Error(err))
	}
	logger.Info("meridian stopped")
}

func buildLogger(level string) *zap.Logger {
	zapCfg := zap.NewProductionConfig()
	if lvl, err := zap.ParseAtomicLevel(level); err == nil {
		zapCfg.Level = lvl
	}
	logger, err := zapCfg.Build()
	if err != nil {
		logger, _ = zap.NewProduction()
	}
	return logger
}
