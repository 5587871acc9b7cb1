// Package main implements the HTTP API server for enqueuing and inspecting jobs.
// See package api for the endpoints.
//
// Usage:
//
//	go run ./cmd/server --config jobs.yaml
//
// The server listens on server.addr (default :8000). Set JOBS_SERVER_API_KEY to
// require the X-API-Key header.
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/faultmaven/jobworker/pkg/api"
	"github.com/faultmaven/jobworker/pkg/app"
	"github.com/faultmaven/jobworker/pkg/config"
	"github.com/faultmaven/jobworker/pkg/logger"
	"github.com/spf13/pflag"
)

func main() {
	fs := pflag.NewFlagSet("server", pflag.ExitOnError)
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

	a, err := app.New(ctx, cfg, nil)
	if err != nil {
		logger.Log.Fatal().Err(err).Msg("Startup failed")
	}
	defer a.Close()

	if cfg.Server.APIKey == "" {
		logger.Log.Warn().Msg("API key not set. Authentication disabled.")
	} else {
		logger.Log.Info().Msg("API Authentication enabled.")
	}

	srv := &http.Server{
		Addr: cfg.Server.Addr,
		Handler: api.NewRouter(a.Queue, a.Registry, a.Scheduler, api.Options{
			APIKey:         cfg.Server.APIKey,
			AllowedOrigins: cfg.Server.AllowedOrigins,
		}),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	logger.Log.Info().Str("addr", cfg.Server.Addr).Msg("Server listening")
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Log.Fatal().Err(err).Msg("Server failed")
	}
}
