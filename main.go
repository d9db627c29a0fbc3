// Command voucher-ledger serves the local voucher ledger API.
//
// Run with:
//
//	go run .
//
// The server listens on 127.0.0.1:8080 and stores its data in vouchers.db by
// default. Settings come from VOUCHER_* environment variables or a .env file
// in the working directory; see package config.
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/arkantrust/voucher-ledger/config"
	"github.com/arkantrust/voucher-ledger/handlers"
	"github.com/arkantrust/voucher-ledger/ledger"
	"github.com/arkantrust/voucher-ledger/logger"
	"github.com/arkantrust/voucher-ledger/store"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log := logger.New(logger.Config{})
		log.Fatal().Err(err).Msg("invalid configuration")
	}

	log := logger.New(logger.Config{Level: cfg.LogLevel, Pretty: cfg.LogPretty})

	s, err := store.New(cfg.DBPath, ledger.Schema, store.WithTimeout(cfg.DBTimeout), store.WithLogger(log))
	if err != nil {
		log.Fatal().Err(err).Str("path", cfg.DBPath).Msg("failed to open database")
	}

	l := ledger.New(s, ledger.WithLogger(log))
	h := handlers.New(l, log)

	server := &http.Server{
		Addr:         cfg.ListenAddr,
		Handler:      handlers.NewRouter(h, log, handlers.RouterConfig{AllowedOrigins: cfg.CORSOrigins}),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	serverErr := make(chan error, 1)
	go func() {
		log.Info().Str("addr", cfg.ListenAddr).Str("db", cfg.DBPath).Msg("listening")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-quit:
		log.Info().Str("signal", sig.String()).Msg("shutting down")
	case err := <-serverErr:
		log.Error().Err(err).Msg("server error")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		log.Error().Err(err).Msg("http shutdown failed")
	}
	if err := s.Close(); err != nil {
		log.Error().Err(err).Msg("closing database failed")
	}
	log.Info().Msg("stopped")
}
