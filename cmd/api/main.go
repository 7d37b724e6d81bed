package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/farmeye/api/internal/app/migrate"
	httpx "github.com/farmeye/api/internal/http"
	"github.com/farmeye/api/internal/inference"
	"github.com/farmeye/api/internal/llm"
	"github.com/farmeye/api/internal/repository/postgres"
	"github.com/farmeye/api/internal/service/auth"
	"github.com/farmeye/api/internal/service/diagnosis"
	"github.com/farmeye/api/internal/storage"
	"github.com/farmeye/api/internal/ws"
	"github.com/farmeye/api/pkg/config"
	"github.com/farmeye/api/pkg/logger"
)

func main() {
	cfg := config.LoadAPIConfig()
	log := logger.New("api", logger.ParseLevel(cfg.LogLevel))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Error("failed to connect to database", "error", err)
		os.Exit(1)
	}

	runner, err := migrate.New(pool, cfg.DatabaseURL, cfg.MigrationsDir, log)
	if err != nil {
		log.Error("failed to configure migrations", "error", err)
		os.Exit(1)
	}
	defer runner.Close()
	if err := runner.Ping(ctx); err != nil {
		log.Error("database ping failed", "error", err)
		os.Exit(1)
	}
	if err := runner.Ensure(ctx); err != nil {
		log.Error("migrations failed", "error", err)
		os.Exit(1)
	}

	files, err := storage.NewLocal(cfg.UploadDir)
	if err != nil {
		log.Error("failed to prepare upload directory", "dir", cfg.UploadDir, "error", err)
		os.Exit(1)
	}

	repo := postgres.New(pool)
	hub := ws.NewHub()
	defer hub.Close()

	var classifier diagnosis.Classifier
	if model := inference.NewHTTPClassifier(cfg.ClassifierURL, cfg.ClassNames, cfg.ImageSize, cfg.ClassifierTimeout); model.Enabled() {
		classifier = model
	} else {
		log.Warn("classifier not configured, predictions fall back to unknown")
	}

	var recommender diagnosis.Recommender
	llmClient := llm.New(llm.Config{
		BaseURL:       cfg.LLMBaseURL,
		APIKey:        cfg.LLMAPIKey,
		Model:         cfg.LLMModel,
		Timeout:       cfg.LLMTimeout,
		RatePerSecond: cfg.LLMRatePerSecond,
		Referer:       cfg.LLMReferer,
		Title:         cfg.LLMTitle,
	})
	if llmClient.Enabled() {
		recommender = llmClient
	} else {
		log.Warn("llm api key not set, using local recommendations")
	}

	authSvc := auth.New(repo, repo, log, cfg)
	diagnosisSvc := diagnosis.New(repo, classifier, recommender, files, hub, log)

	limiter := httpx.NewMemoryRateLimiter()
	if addr := strings.TrimSpace(cfg.RateLimitRedisAddr); addr != "" {
		redisLimiter, err := httpx.NewRedisRateLimiter(addr, cfg.RateLimitRedisPass, cfg.RateLimitRedisDB, log)
		if err != nil {
			log.Warn("redis rate limiter unavailable", "error", err)
		} else {
			limiter.Close()
			limiter = redisLimiter
		}
	}

	router := httpx.NewRouter(log, authSvc, diagnosisSvc, hub, limiter, httpx.Options{
		AllowedOrigins: cfg.CORSAllowedOrigins,
		MaxUploadBytes: cfg.MaxUploadBytes,
		SecureCookies:  cfg.Environment == "production",
		TrustProxy:     cfg.TrustProxyHeaders,
	}, pool.Ping)
	defer router.Close()

	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errorCh := make(chan error, 1)
	go func() {
		log.Info("api server starting", "addr", cfg.Addr, "env", cfg.Environment)
		errorCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Error("graceful shutdown failed", "error", err)
		}
		log.Info("api server stopped")
	case err := <-errorCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("server error", "error", err)
			os.Exit(1)
		}
	}
}
