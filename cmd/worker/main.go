package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"go.uber.org/zap"

	"outbound-delivery/internal/config"
	"outbound-delivery/internal/mail"
	"outbound-delivery/internal/store"
	"outbound-delivery/internal/telemetry"
	"outbound-delivery/internal/watchdog"
	"outbound-delivery/internal/worker"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	logger := newLogger(cfg.AppEnv)
	defer func() { _ = logger.Sync() }()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		ch := make(chan os.Signal, 1)
		signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
		<-ch
		cancel()
	}()

	st, err := store.NewPostgres(ctx, cfg.PostgresDSN)
	if err != nil {
		logger.Fatal("connect postgres", zap.Error(err))
	}
	defer st.Close()

	if err := st.RunMigrations(ctx); err != nil {
		logger.Fatal("migrations", zap.Error(err))
	}

	var transport mail.Transport
	if cfg.SenderAddress != "" {
		sesTransport, err := mail.NewSESTransport(ctx, cfg)
		if err != nil {
			logger.Fatal("init ses transport", zap.Error(err))
		}
		transport = sesTransport
	} else {
		logger.Warn("SENDER_ADDRESS not set, using log transport")
		transport = mail.NewLogTransport(logger.Named("mail"))
	}

	var attachments mail.AttachmentStore
	if cfg.AttachmentBucket != "" {
		attachments, err = mail.NewS3Attachments(ctx, cfg)
		if err != nil {
			logger.Fatal("init attachment store", zap.Error(err))
		}
	}

	go func() {
		if err := http.ListenAndServe(cfg.MetricsAddr, telemetry.Handler()); err != nil {
			logger.Warn("metrics server stopped", zap.Error(err))
		}
	}()

	w := worker.New(cfg, st, transport, attachments, logger.Named("worker"))
	d := watchdog.New(cfg, st, logger.Named("watchdog"))

	logger.Info("worker started",
		zap.Duration("poll_interval", cfg.PollInterval),
		zap.Duration("lease_timeout", cfg.LeaseTimeout),
		zap.Duration("sweep_interval", cfg.SweepInterval),
	)

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		if err := w.Run(ctx); err != nil && ctx.Err() == nil {
			logger.Error("worker stopped", zap.Error(err))
		}
	}()
	go func() {
		defer wg.Done()
		if err := d.Run(ctx); err != nil && ctx.Err() == nil {
			logger.Error("watchdog stopped", zap.Error(err))
		}
	}()
	wg.Wait()
}

func newLogger(appEnv string) *zap.Logger {
	if appEnv == "dev" {
		logger, _ := zap.NewDevelopment()
		return logger
	}
	logger, _ := zap.NewProduction()
	return logger
}
