package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"bourse/internal/book"
	"bourse/internal/broker"
	"bourse/internal/config"
	"bourse/internal/engine"
	"bourse/internal/liquidity"
	"bourse/internal/net"
	"bourse/internal/notify"
	"bourse/internal/simulation"
	"bourse/internal/store"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

func main() {
	envPath := flag.String("env", "", "Path to a .env file")
	flag.Parse()

	cfg := config.Load(*envPath)
	setupLogging(cfg)

	ctx, stop := signal.NotifyContext(
		context.Background(),
		syscall.SIGTERM,
		syscall.SIGINT,
	)
	defer stop()

	if err := run(ctx, cfg); err != nil {
		log.Fatal().Err(err).Msg("server exited")
	}
}

func setupLogging(cfg config.Config) {
	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)
	if cfg.LogPretty {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
	}
}

func run(ctx context.Context, cfg config.Config) error {
	audit, err := store.Open(cfg.DataDir)
	if err != nil {
		return err
	}
	defer func() {
		if err := audit.Close(); err != nil {
			log.Error().Err(err).Msg("unable to close store")
		}
	}()

	// Setup the settlement broker and the matching engine.
	hub := notify.NewHub()
	defer hub.Close()
	notifier := notify.Fanout{hub, notify.Log{}}

	settler := broker.New(cfg.InitialCash, notifier)
	generator := liquidity.New(liquidity.Config{
		TickSize: cfg.TickSize,
		Levels:   cfg.LiquidityLevels,
		Alpha:    cfg.LiquidityAlpha,
		Beta:     cfg.LiquidityBeta,
	})
	eng := engine.New(book.New(), settler, generator, notifier)

	// The market clock replays the candle file.
	feed, err := simulation.LoadCSV(cfg.CandlesFile)
	if err != nil {
		return err
	}
	sims := simulation.NewContext()
	sims.Activate(simulation.New(cfg.CandlesFile, feed, cfg.Speed))
	clock := simulation.NewController(sims, eng, settler, simulation.Options{
		Sink:        audit,
		Notifier:    notifier,
		StopTimeout: cfg.StopTimeout,
	})
	if err := clock.Start(); err != nil {
		return err
	}
	defer clock.Stop()

	// Websocket notifications.
	mux := http.NewServeMux()
	mux.Handle("/ws", hub)
	ws := &http.Server{Addr: cfg.WSAddr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		log.Info().Str("address", cfg.WSAddr).Msg("websocket hub listening")
		if err := ws.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Msg("websocket hub stopped")
		}
	}()
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.StopTimeout)
		defer cancel()
		_ = ws.Shutdown(shutdownCtx)
	}()

	// Block on running the order gateway.
	return net.New(cfg.GatewayAddr, eng).Run(ctx)
}
