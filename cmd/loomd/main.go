// Command loomd runs the generation orchestrator daemon.
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

	// Load .env before reading configuration.
	_ "github.com/joho/godotenv/autoload"

	"github.com/nats-io/nats.go"
	"github.com/phsym/zeroslog"
	"github.com/rs/zerolog"

	"github.com/loomchat/loom/gen"
	"github.com/loomchat/loom/internal/broker"
	"github.com/loomchat/loom/pkg/slogx"
	"github.com/loomchat/loom/provider/openrouter"
	"github.com/loomchat/loom/server"
	"github.com/loomchat/loom/store"
)

var log zerolog.Logger

func init() {
	output := zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Stamp}
	log = zerolog.New(output).With().Timestamp().Logger()
	slog.SetDefault(slog.New(
		zeroslog.NewHandler(log, &zeroslog.HandlerOptions{Level: slog.LevelInfo}),
	))
}

func main() {
	storeURL := os.Getenv("LOOM_STORE_URL")
	if storeURL == "" {
		log.Fatal().Msg("LOOM_STORE_URL is required")
	}

	st := store.NewHTTP(storeURL)
	prov := openrouter.New()

	brk := broker.Local()
	if natsURL := os.Getenv("LOOM_NATS_URL"); natsURL != "" {
		nc, err := nats.Connect(natsURL, nats.Name("loomd"))
		if err != nil {
			log.Fatal().Err(err).Str("url", natsURL).Msg("failed to connect to nats")
		}
		defer nc.Close()
		brk = broker.NATS(nc)
		log.Info().Str("url", natsURL).Msg("publishing generation events to nats")
	}

	generator := gen.New(st, prov, brk,
		gen.WithSharedKey(os.Getenv("OPENROUTER_API_KEY")),
	)

	go func() {
		for err := range generator.Errors() {
			slog.Error("background generation task failed", slogx.Error(err))
		}
	}()

	addr := os.Getenv("LOOM_ADDR")
	if addr == "" {
		addr = ":8080"
	}

	srv := &http.Server{
		Addr:              addr,
		Handler:           server.New(generator).Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go func() {
		log.Info().Str("addr", addr).Msg("loomd listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("http server failed")
		}
	}()

	<-ctx.Done()
	log.Info().Msg("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("http shutdown failed")
	}

	// In-flight generations keep writing through detached contexts,
	// give them a chance to finish before the process exits.
	done := make(chan struct{})
	go func() {
		generator.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(60 * time.Second):
		log.Warn().Msg("timed out waiting for in-flight generations")
	}
}
