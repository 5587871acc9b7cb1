// Package main implements the job worker process.
// The worker claims invocations from Redis, runs them on its execution slots and
// exposes Prometheus metrics.
//
// Features:
//   - Fixed pool of execution slots with soft and hard time limits
//   - Automatic retry with exponential backoff and a dead letter list
//   - Periodic scheduler (--scheduler) for the nightly cleanup tasks
//   - Warm shutdown on SIGINT/SIGTERM: slots finish what they hold
//
// Usage:
//
//	go run ./cmd/worker --config jobs.yaml --scheduler
//
// Metrics are served on metrics.addr (default :8080) at /metrics.
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/faultmaven/jobworker/pkg/app"
	"github.com/faultmaven/jobworker/pkg/config"
	"github.com/faultmaven/jobworker/pkg/logger"
	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"
)

func main() {
	fs := pflag.NewFlagSet("worker", pflag.ExitOnError)
	config.RegisterFlags(fs)
	fs.Parse(os.Args[1:])

	cfg, err := config.Load(fs)
	if err != nil {
		logger.Log.Fatal().Err(err).Msg("Invalid configuration")
	}
	if err := logger.Configure(cfg.Log); err != nil {
		logger.Log.Fatal().Err(err).Msg("Invalid log configuration")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg); err != nil {
		logger.Log.Fatal().Err(err).Msg("Worker failed")
	}
	logger.Log.Info().Msg("Worker stopped")
}

func run(ctx context.Context, cfg *config.Config) error {
	a, err := app.New(ctx, cfg, prometheus.DefaultRegisterer)
	if err != nil {
		return err
	}
	defer a.Close()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return a.Runtime().Run(gctx)
	})
	if cfg.Scheduler.Enabled {
		g.Go(func() error {
			return a.Scheduler.Run(gctx)
		})
	} else {
		logger.Log.Info().Msg("Scheduler disabled in this process")
	}
	if cfg.Metrics.Addr != "" {
		g.Go(func() error {
			return serveMetrics(gctx, cfg.Metrics.Addr)
		})
	}

	<-gctx.Done()
	logger.Log.Info().Msg("Shutting down worker...")
	return g.Wait()
}

func serveMetrics(ctx context.Context, addr string) error {
	r := chi.NewRouter()
	r.Handle("/metrics", promhttp.Handler())
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("ok"))
	})

	srv := &http.Server{Addr: addr, Handler: r, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	logger.Log.Info().Str("addr", addr).Msg("Metrics server listening")
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
