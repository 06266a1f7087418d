// kibitzd serves chess engine analysis to websocket clients, backed by
// an auto-scaled pool of UCI engine processes.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"kibitz/internal/analysis"
	"kibitz/internal/auth"
	"kibitz/internal/config"
	"kibitz/internal/pool"
	"kibitz/internal/server"
	"kibitz/internal/session"
	"kibitz/internal/uci"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "kibitzd:", err)
		os.Exit(1)
	}
}

func run() error {
	// A .env is a development convenience; absence is not an error.
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}

	logger, err := zap.NewProduction()
	if err != nil {
		return fmt.Errorf("logger: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	if _, err := os.Stat(cfg.EngineBinaryPath); err != nil {
		return fmt.Errorf("engine binary %s: %w", cfg.EngineBinaryPath, err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	engineCfg := uci.Config{
		BinaryPath: cfg.EngineBinaryPath,
		Threads:    cfg.EngineThreads,
		HashMB:     cfg.EngineHashMB,
	}
	factory := func(ctx context.Context, id int) (pool.Engine, error) {
		return uci.StartDriver(ctx, id, engineCfg, logger.Named("driver"))
	}

	engines, err := pool.New(ctx, pool.Config{
		MinEngines:       cfg.MinEngines,
		MaxEngines:       cfg.MaxEngines,
		ScaleUpThreshold: cfg.ScaleUpThreshold,
		ScaleDownIdle:    cfg.ScaleDownIdle,
	}, factory, logger.Named("pool"))
	if err != nil {
		return fmt.Errorf("engine pool: %w", err)
	}

	verifier := pickVerifier(cfg, logger)
	suggester := analysis.NewSuggester(engines, logger.Named("suggest"))
	classifier := analysis.NewClassifier(engines, logger.Named("classify"))

	srv := server.New(server.Config{
		Addr:        fmt.Sprintf(":%d", cfg.Port),
		MetricsAddr: fmt.Sprintf(":%d", cfg.MetricsPort),
		Session: session.Config{
			MinClientVersion: cfg.MinClientVersion,
			DownloadURL:      cfg.DownloadURL,
			Personalities:    cfg.PersonalitySet(),
		},
	}, verifier, suggester, classifier, engines, logger.Named("server"))

	logger.Info("starting",
		zap.Int("port", cfg.Port),
		zap.Int("metricsPort", cfg.MetricsPort),
		zap.String("engine", cfg.EngineBinaryPath),
		zap.Int("minEngines", cfg.MinEngines),
		zap.Int("maxEngines", cfg.MaxEngines))

	runErr := srv.Run(ctx)

	closeCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := engines.Close(closeCtx); err != nil {
		logger.Warn("pool close", zap.Error(err))
	}
	return runErr
}

// pickVerifier chooses the external verification endpoint when one is
// configured, else the static development token.
func pickVerifier(cfg *config.Config, logger *zap.Logger) auth.Verifier {
	if cfg.AuthVerifyURL != "" {
		return auth.NewHTTPVerifier(cfg.AuthVerifyURL)
	}
	if cfg.DevAuthToken == "" {
		logger.Warn("no AUTH_VERIFY_URL or DEV_AUTH_TOKEN set, all tokens will be rejected")
		return auth.StaticVerifier{}
	}
	logger.Warn("using static development token verification")
	return auth.StaticVerifier{
		cfg.DevAuthToken: auth.User{ID: "dev", Email: "dev@localhost"},
	}
}
