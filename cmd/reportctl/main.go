package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"

	"farmestly-reports/internal/config"
	"farmestly-reports/internal/logger"
	"farmestly-reports/internal/mailqueue"
	"farmestly-reports/internal/report"
	"farmestly-reports/internal/storage"
	"farmestly-reports/internal/store"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	var closers []func()

	root := newRootCmd(func(ctx context.Context, a *app) error {
		envFile := os.Getenv("ENV_FILE")
		if envFile == "" {
			envFile = ".env"
		}
		cfg, err := config.Load(envFile)
		if err != nil {
			return err
		}
		log := logger.New(cfg.LogLevel, "text")

		st, err := store.New(ctx, cfg.PostgresDSN)
		if err != nil {
			return fmt.Errorf("connect postgres: %w", err)
		}
		closers = append(closers, st.Close)

		artifacts, err := storage.Open(ctx, cfg)
		if err != nil {
			return err
		}
		reportCfg, err := report.ConfigFrom(cfg)
		if err != nil {
			return err
		}
		a.emails = mailqueue.New(mailqueue.ConfigFrom(cfg.Mail), st, nil, log)
		a.jobs = st
		a.maint = report.NewManager(reportCfg, report.Deps{
			Jobs:      st,
			Records:   st,
			Accounts:  st,
			Artifacts: artifacts,
			Logger:    log,
		})
		return nil
	})
	err := root.ExecuteContext(ctx)
	for _, c := range closers {
		c()
	}
	if err != nil {
		os.Exit(1)
	}
}
