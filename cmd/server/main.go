// Package main provides the entry point for the user-memory service.
package main

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/soheilhy/cmux"

	"github.com/lukaizhi5559/thinkdrop-user-memory-service/internal/app"
	"github.com/lukaizhi5559/thinkdrop-user-memory-service/internal/config"
	"github.com/lukaizhi5559/thinkdrop-user-memory-service/internal/worker"
)

// Version is overridable at link time via -ldflags "-X main.Version=...".
var Version = "dev"

func main() {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	worker.Version = Version

	log.Info().Str("version", Version).Msg("starting thinkdrop user-memory service")

	app.EnsureDataDir(log.Logger)

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load configuration")
	}

	// Model load failure is fatal (spec §7.5): the process has no usable
	// service without an embedder, so it exits here rather than serving
	// degraded traffic.
	application, err := app.New(cfg, log.Logger)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialize application")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	application.Start(ctx)

	addr := fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		log.Fatal().Err(err).Str("addr", addr).Msg("failed to bind listener")
	}

	// cmux multiplexes the single bound listener by connection content; only
	// one protocol is served today (HTTP/1.1 JSON), but routing through cmux
	// keeps this the single extension point if a future release adds a
	// second wire protocol (e.g. gRPC) on the same port without rebinding.
	mux := cmux.New(listener)
	httpListener := mux.Match(cmux.HTTP1Fast())

	httpServer := &http.Server{
		Handler:           application.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		if err := httpServer.Serve(httpListener); err != nil && err != http.ErrServerClosed {
			log.Debug().Err(err).Msg("http server stopped")
		}
	}()

	go func() {
		if err := mux.Serve(); err != nil {
			log.Debug().Err(err).Msg("cmux serve stopped")
		}
	}()

	log.Info().Str("addr", addr).Msg("user-memory service listening")

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("received shutdown signal")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("http server shutdown error")
	}
	_ = listener.Close()

	if err := application.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("application shutdown error")
	}

	log.Info().Msg("user-memory service shutdown complete")
}
