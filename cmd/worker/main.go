package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"farmestly-reports/internal/config"
	"farmestly-reports/internal/logger"
	"farmestly-reports/internal/mailqueue"
	"farmestly-reports/internal/notify"
	"farmestly-reports/internal/queue"
	"farmestly-reports/internal/render"
	"farmestly-reports/internal/report"
	"farmestly-reports/internal/storage"
	"farmestly-reports/internal/store"
	"farmestly-reports/internal/telemetry"
	workerproc "farmestly-reports/internal/worker"
)

func main() {
	envFile := os.Getenv("ENV_FILE")
	if envFile == "" {
		envFile = ".env"
	}
	cfg, err := config.Load(envFile)
	if err != nil {
		slog.Error("load config", "error", err)
		os.Exit(1)
	}
	log := logger.New(cfg.LogLevel, cfg.LogFormat)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	st, err := store.New(ctx, cfg.PostgresDSN)
	if err != nil {
		log.Error("connect postgres", "error", err)
		os.Exit(1)
	}
	defer st.Close()
	if err := st.RunMigrations(ctx); err != nil {
		log.Error("migrations", "error", err)
		os.Exit(1)
	}

	redisClient := queue.NewRedisClient(cfg)
	defer redisClient.Close()
	locker := queue.NewRedisLocker(redisClient)

	artifacts, err := storage.Open(ctx, cfg)
	if err != nil {
		log.Error("open artifact storage", "error", err)
		os.Exit(1)
	}

	// Generate a unique worker ID from hostname or env var
	workerID := os.Getenv("WORKER_ID")
	if workerID == "" {
		hostname, _ := os.Hostname()
		if hostname != "" {
			workerID = hostname
		} else {
			workerID = fmt.Sprintf("worker-%d", os.Getpid())
		}
	}

	pool := render.NewPool(render.ConfigFrom(cfg.Render), render.ChromeLauncher{ExecPath: cfg.Render.ChromePath}, log)
	defer pool.Close()

	mail := mailqueue.New(mailqueue.ConfigFrom(cfg.Mail), st, mailqueue.NewSMTPTransport(cfg.Mail), log)
	mail.UseLocker(locker)
	mail.Start(ctx)

	reportCfg, err := report.ConfigFrom(cfg)
	if err != nil {
		log.Error("report config", "error", err)
		os.Exit(1)
	}
	manager := report.NewManager(reportCfg, report.Deps{
		Jobs:      st,
		Records:   st,
		Accounts:  st,
		Artifacts: artifacts,
		Renderer:  pool,
		Mailer:    mail,
		Publisher: notify.NewRedisNotifier(redisClient),
		Logger:    log,
	})

	sweeper := workerproc.NewSweeper(manager, locker, cfg.Report.CleanupInterval, log)
	go sweeper.Run(ctx)

	metricsServer := &http.Server{Addr: cfg.MetricsAddr, Handler: telemetry.Handler(), ReadHeaderTimeout: 10 * time.Second}
	go func() {
		if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Warn("metrics server stopped", "error", err)
		}
	}()

	dispatch := queue.NewRedisQueue(redisClient, cfg.Report.VisibilityTimeout)
	processor := workerproc.NewProcessor(workerproc.ConfigFrom(cfg), dispatch, manager, workerID, log)

	log.Info("worker started",
		"worker_id", workerID,
		"concurrency", cfg.Report.Concurrency,
		"render_workers", pool.Workers(),
		"visibility", cfg.Report.VisibilityTimeout)
	if err := processor.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		log.Error("worker stopped", "error", err)
	}

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancelShutdown()
	if err := mail.Shutdown(shutdownCtx); err != nil {
		log.Warn("mail queue shutdown", "error", err)
	}
	_ = metricsServer.Shutdown(shutdownCtx)
	log.Info("worker stopped")
}
