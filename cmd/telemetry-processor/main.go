package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog/log"

	"github.com/coldchain/telemetry-processor/internal/bus"
	"github.com/coldchain/telemetry-processor/internal/config"
	"github.com/coldchain/telemetry-processor/internal/engine"
	"github.com/coldchain/telemetry-processor/internal/healthapi"
	"github.com/coldchain/telemetry-processor/internal/logging"
	"github.com/coldchain/telemetry-processor/internal/store"
)

func main() {
	cfg := config.Load()
	logging.Init(cfg.LogLevel)

	log.Info().
		Str("bus_url", cfg.BusURL).
		Str("store_path", cfg.StorePath).
		Msg("Starting telemetry processor")

	st, err := store.Open(cfg.StorePath)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to open store")
	}

	busClient, err := bus.Dial(cfg.BusURL, cfg.BusClientID)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to connect to message bus")
	}

	e, err := engine.New(cfg, busClient, st)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to build engine")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() {
		h := healthapi.New(e, e.StartedAt(), nil)
		if err := healthapi.ListenAndServe(cfg.Port, h); err != nil {
			log.Error().Err(err).Msg("health endpoint stopped")
		}
	}()

	done := make(chan struct{})
	go func() {
		defer close(done)
		if err := e.Run(ctx); err != nil {
			log.Error().Err(err).Msg("engine run exited with error")
		}
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)

	<-sig
	log.Info().Msg("Shutdown signal received, draining and exiting")
	cancel()
	<-done
}
