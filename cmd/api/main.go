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

	api "farmestly-reports/internal/api"
	"farmestly-reports/internal/config"
	"farmestly-reports/internal/logger"
	"farmestly-reports/internal/mailqueue"
	"farmestly-reports/internal/notify"
	"farmestly-reports/internal/queue"
	"farmestly-reports/internal/ratelimit"
	"farmestly-reports/internal/render"
	"farmestly-reports/internal/report"
	"farmestly-reports/internal/storage"
	"farmestly-reports/internal/store"
	"farmestly-reports/internal/worker"
)

func main() {
	cfg, err := config.Load(envFile())
	if err != nil {
		slog.Error("load config", "error", err)
		os.Exit(1)
	}
	log := logger.New(cfg.LogLevel, cfg.LogFormat)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
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

	artifacts, err := storage.Open(ctx, cfg)
	if err != nil {
		log.Error("open artifact storage", "error", err)
		os.Exit(1)
	}
	notifier := notify.NewRedisNotifier(redisClient)

	reportCfg, err := report.ConfigFrom(cfg)
	if err != nil {
		log.Error("report config", "error", err)
		os.Exit(1)
	}
	deps := report.Deps{
		Jobs:      st,
		Records:   st,
		Accounts:  st,
		Artifacts: artifacts,
		Publisher: notifier,
		Logger:    log,
	}

	// Inline mode runs the whole pipeline in this process: no separate worker.
	// Jobs get their own context so shutdown lets them finish.
	jobsCtx, stopJobs := context.WithCancel(context.Background())
	defer stopJobs()
	var (
		inline *report.InlineDispatcher
		pool   *render.Pool
		mail   *mailqueue.Queue
	)
	if cfg.Report.Dispatch == "inline" {
		pool = render.NewPool(render.ConfigFrom(cfg.Render), render.ChromeLauncher{ExecPath: cfg.Render.ChromePath}, log)
		mail = mailqueue.New(mailqueue.ConfigFrom(cfg.Mail), st, mailqueue.NewSMTPTransport(cfg.Mail), log)
		mail.UseLocker(queue.NewRedisLocker(redisClient))
		mail.Start(ctx)
		deps.Renderer = pool
		deps.Mailer = mail
	}
	manager := report.NewManager(reportCfg, deps)
	if cfg.Report.Dispatch == "inline" {
		inline = report.NewInlineDispatcher(jobsCtx, manager.ProcessJob, log)
		manager.UseDispatcher(inline)
		sweeper := worker.NewSweeper(manager, queue.NewRedisLocker(redisClient), cfg.Report.CleanupInterval, log)
		go sweeper.Run(ctx)
	} else {
		manager.UseDispatcher(queue.NewRedisQueue(redisClient, cfg.Report.VisibilityTimeout))
	}

	limiter := ratelimit.NewTokenBucket(redisClient, cfg.RateLimitCapacity, cfg.RateLimitRefill, time.Hour)
	server := api.New(manager, artifacts, api.Options{
		Location:   reportCfg.Location,
		Limiter:    limiter,
		Subscriber: notifier,
		Logger:     log,
	})
	httpServer := &http.Server{
		Addr:              ":" + cfg.HTTPPort,
		Handler:           server.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	log.Info("api listening", "port", cfg.HTTPPort, "dispatch", cfg.Report.Dispatch, "storage", cfg.Storage.Backend)
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("listen", "error", err)
			cancel()
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancelShutdown()
	_ = httpServer.Shutdown(shutdownCtx)
	if inline != nil {
		if err := inline.Wait(shutdownCtx); err != nil {
			log.Warn("report jobs still running at shutdown", "error", err)
		}
	}
	stopJobs()
	if mail != nil {
		if err := mail.Shutdown(shutdownCtx); err != nil {
			log.Warn("mail queue shutdown", "error", err)
		}
	}
	if pool != nil {
		_ = pool.Close()
	}
	log.Info("api stopped")
}

func envFile() string {
	if v := os.Getenv("ENV_FILE"); v != "" {
		return v
	}
	return ".env"
}
