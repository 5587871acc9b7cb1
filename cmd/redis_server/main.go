// Package main runs an in-memory Redis for local development of the worker and
// API server.
package main

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/alicebob/miniredis/v2"
	"github.com/faultmaven/jobworker/pkg/logger"
	"github.com/spf13/pflag"
)

func main() {
	addr := pflag.String("addr", "127.0.0.1:6379", "listen address")
	password := pflag.String("password", "", "require AUTH with this password")
	pflag.Parse()

	s := miniredis.NewMiniRedis()
	if *password != "" {
		s.RequireAuth(*password)
	}
	if err := s.StartAddr(*addr); err != nil {
		logger.Log.Fatal().Err(err).Msg("Failed to start miniredis")
	}
	defer s.Close()

	logger.Log.Info().Str("addr", s.Addr()).Msg("MiniRedis server started")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	logger.Log.Info().Msg("Shutting down MiniRedis...")
}
