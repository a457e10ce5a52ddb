package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/aridsondez/leaseq/internal/api"
	"github.com/aridsondez/leaseq/internal/queue/backend"
	"github.com/aridsondez/leaseq/internal/queue/monitor"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the ingress endpoint, worker API and metrics",
	RunE:  runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, logger, err := loadConfig()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	queues, err := backend.Open(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := queues.Close(); err != nil {
			logger.Error("close backend", "error", err)
		}
	}()

	mon := monitor.New(cfg.MonitorInterval, logger, queues.Queue, queues.DeadLetter)
	addr := fmt.Sprintf(":%d", cfg.Port)
	httpSrv := api.NewServer(addr, queues, logger, api.Options{DefaultWait: cfg.LongPollWait})

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		mon.Start(gctx)
		return nil
	})
	g.Go(func() error {
		logger.Info("HTTP server listening", "addr", addr)
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), api.MaxWait+5*time.Second)
		defer cancel()
		return httpSrv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}
