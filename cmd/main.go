package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	_ "github.com/lib/pq"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/Vovarama1992/lead-reply-bridge/internal/ai"
	"github.com/Vovarama1992/lead-reply-bridge/internal/buffer"
	"github.com/Vovarama1992/lead-reply-bridge/internal/config"
	"github.com/Vovarama1992/lead-reply-bridge/internal/delivery"
	"github.com/Vovarama1992/lead-reply-bridge/internal/dispatch"
	"github.com/Vovarama1992/lead-reply-bridge/internal/drainer"
	"github.com/Vovarama1992/lead-reply-bridge/internal/executor"
	"github.com/Vovarama1992/lead-reply-bridge/internal/followup"
	"github.com/Vovarama1992/lead-reply-bridge/internal/ingest"
	"github.com/Vovarama1992/lead-reply-bridge/internal/metrics"
	"github.com/Vovarama1992/lead-reply-bridge/internal/orchestrator"
	"github.com/Vovarama1992/lead-reply-bridge/internal/transcript"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("config", "error", err)
		os.Exit(1)
	}

	logger := newLogger(cfg.LogLevel)
	slog.SetDefault(logger)

	if err := run(cfg, logger); err != nil {
		logger.Error("fatal", "error", err)
		os.Exit(1)
	}
}

func run(cfg *config.Config, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// --- DB ---
	db, err := sql.Open("postgres", cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("db open: %w", err)
	}
	defer db.Close()

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		return fmt.Errorf("db ping: %w", err)
	}

	transcripts := transcript.NewRepo(db)
	if err := transcripts.Migrate(pingCtx); err != nil {
		return err
	}

	// --- buffer ---
	store, closeStore, err := newBufferStore(pingCtx, cfg, db, logger)
	if err != nil {
		return err
	}
	defer closeStore()

	// --- pipeline ---
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.MustNewMetrics(reg)

	systemPrompt, err := loadPrompt(cfg.PromptPath)
	if err != nil {
		return err
	}

	backend := ai.NewOpenAIClient(cfg.OpenAIAPIKey, cfg.OpenAIBaseURL, cfg.OpenAIModel, logger)
	sender := delivery.NewHTTPSender(cfg.ChatAPIURL, cfg.ChatAPIToken, logger)

	registry := executor.NewRegistry()
	for _, a := range orchestrator.DefaultAgents {
		if err := registry.RegisterAgent(executor.NewPromptAgent(a.ID, a.Name, a.Instructions, cfg.OpenAIModel, backend)); err != nil {
			return err
		}
	}
	if err := registry.RegisterTool(executor.NewLeadNotifyTool(cfg.LeadWebhookURL, cfg.OpenAIModel, backend, logger)); err != nil {
		return err
	}

	orch := orchestrator.New(backend, registry, orchestrator.Options{
		Model:         cfg.OpenAIModel,
		SystemPrompt:  systemPrompt,
		Instructions:  orchestrator.Instructions,
		AITimeout:     cfg.AITimeout,
		BranchTimeout: cfg.BranchTimeout,
		Metrics:       m,
		Logger:        logger,
	})
	dispatcher := dispatch.New(transcripts, orch, sender, cfg.ContextSize, logger)

	drain := drainer.New(store, dispatcher, drainer.Options{
		Interval:      cfg.DrainInterval,
		MaxConcurrent: cfg.DrainMaxConcurrent,
		MaxAttempts:   cfg.DispatchMaxAttempts,
		RetryDelay:    cfg.DebounceWindow,
		Metrics:       m,
		Logger:        logger,
	})

	drainDone := make(chan struct{})
	go func() {
		defer close(drainDone)
		drain.Run(ctx)
	}()

	if cfg.FollowupEnabled() {
		job := followup.NewJob(transcripts, backend, sender, followup.Options{
			Model:       cfg.OpenAIModel,
			After:       cfg.FollowupAfter,
			Window:      cfg.FollowupWindow,
			ContextSize: cfg.ContextSize,
			Activity:    drain,
			Metrics:     m,
			Logger:      logger,
		})
		sched := followup.NewScheduler(job, cfg.FollowupSchedule, 10*time.Minute, logger)
		if err := sched.Start(ctx); err != nil {
			return err
		}
		defer sched.Stop()
	}

	// --- Router ---
	r := chi.NewRouter()
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type", "X-Webhook-Secret"},
	}))

	gate := ingest.NewGate(store, cfg.DebounceWindow, m, logger)
	ingest.RegisterRoutes(r, ingest.NewHandler(gate, cfg.WebhookSecret))

	// --- health ---
	r.Get("/ping", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("pong"))
	})
	r.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		logger.Info("listening", "addr", srv.Addr, "buffer", cfg.BufferBackend)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case <-ctx.Done():
	case err := <-serveErr:
		if err != nil {
			return fmt.Errorf("server: %w", err)
		}
	}

	logger.Info("shutting down")
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancelShutdown()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("http shutdown", "error", err)
	}

	stop()
	<-drainDone
	drain.Wait()
	return nil
}

func newBufferStore(ctx context.Context, cfg *config.Config, db *sql.DB, logger *slog.Logger) (buffer.Store, func(), error) {
	switch cfg.BufferBackend {
	case config.BackendRedis:
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		if err := client.Ping(ctx).Err(); err != nil {
			client.Close()
			return nil, nil, fmt.Errorf("redis ping: %w", err)
		}
		return buffer.NewRedisStore(client, cfg.QueueKey, logger), func() { client.Close() }, nil

	case config.BackendPostgres:
		s := buffer.NewPostgresStore(db)
		if err := s.Migrate(ctx); err != nil {
			return nil, nil, err
		}
		return s, func() {}, nil
	}

	logger.Warn("in-memory buffer: pending windows are lost on restart")
	return buffer.NewMemoryStore(), func() {}, nil
}

func loadPrompt(path string) (string, error) {
	if path == "" {
		return orchestrator.SystemPrompt, nil
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("system prompt: %w", err)
	}
	return strings.TrimSpace(string(b)), nil
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl}))
}
