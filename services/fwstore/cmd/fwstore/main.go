package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"

	"fwdist/pkg/bus"
	gos3 "fwdist/pkg/s3"
	"fwdist/pkg/telemetry"
	"fwdist/services/fwstore/internal/config"
	"fwdist/services/fwstore/internal/storehttp"
	"fwdist/services/fwstore/internal/tftp"
)

func main() {
	if err := run("fwstore"); err != nil {
		log.New(os.Stderr, "", log.LstdFlags).Fatal(err)
	}
}

func run(serviceName string) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	_ = godotenv.Load()

	tel, err := telemetry.Init(ctx, serviceName)
	if err != nil {
		return fmt.Errorf("init telemetry: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tel.Shutdown(shutdownCtx); err != nil {
			fmt.Fprintf(os.Stderr, "%s: telemetry shutdown error: %v\n", serviceName, err)
		}
	}()
	logger := tel.Logger

	cfg, err := config.Load(ctx)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if err := os.MkdirAll(cfg.BaseDir, 0o755); err != nil {
		return fmt.Errorf("create base directory: %w", err)
	}

	metrics := storehttp.NewMetrics(prometheus.DefaultRegisterer)

	var notifiers []storehttp.Notifier
	if cfg.Mirror.Bucket != "" {
		client, err := gos3.NewClientFromEnv(ctx)
		if err != nil {
			return fmt.Errorf("init s3 mirror: %w", err)
		}
		notifiers = append(notifiers, &storehttp.S3Mirror{Client: client, Bucket: cfg.Mirror.Bucket, Prefix: cfg.Mirror.Prefix})
		logger.Printf("INFO mirroring uploads to s3://%s/%s", cfg.Mirror.Bucket, cfg.Mirror.Prefix)
	}
	if cfg.Events.NATSURL != "" {
		b, err := bus.New(cfg.Events.NATSURL)
		if err != nil {
			return fmt.Errorf("connect nats: %w", err)
		}
		defer b.Close()
		notifiers = append(notifiers, &storehttp.EventPublisher{Bus: b})
		logger.Printf("INFO publishing upload events to %s", bus.SubjectArtifactStored)
	}

	var tftpReady atomic.Bool
	errCh := make(chan error, 2)

	if cfg.TFTP.Enabled {
		server := tftp.NewServer(cfg.BaseDir, cfg.TFTP.Address, cfg.TFTP.Timeout, logger,
			tftp.WithServedHook(metrics.TFTPServed))
		go func() {
			if err := server.Run(ctx, &tftpReady); err != nil {
				errCh <- fmt.Errorf("tftp: %w", err)
			}
		}()
	} else {
		tftpReady.Store(true)
	}

	store, err := storehttp.New(storehttp.Options{
		BaseDir:             cfg.BaseDir,
		StrictErrors:        cfg.StrictErrors,
		MaxUploadBytes:      cfg.MaxUploadBytes,
		UploadRatePerMinute: cfg.UploadRatePerMinute,
		AllowedOrigins:      cfg.AllowedOrigins,
		Logger:              logger,
		Metrics:             metrics,
		Notifiers:           notifiers,
		Ready:               tftpReady.Load,
	})
	if err != nil {
		return fmt.Errorf("create storage server: %w", err)
	}

	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           tel.Middleware(store.Routes()),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			fmt.Fprintf(os.Stderr, "%s: http shutdown error: %v\n", serviceName, err)
		}
	}()

	logger.Printf("INFO http listening on %s serving %s", server.Addr, cfg.BaseDir)

	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("http: %w", err)
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		return nil
	}
}
