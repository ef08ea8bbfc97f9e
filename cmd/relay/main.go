package main

import (
	"context"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
	"github.com/spf13/pflag"

	"github.com/treepo1/pomodoro-tui/internal/config"
	relayserver "github.com/treepo1/pomodoro-tui/internal/relay/server"
)

func main() {
	logger := zerolog.New(os.Stdout).With().Timestamp().Logger()
	env := config.RelayFromEnv()

	fs := pflag.NewFlagSet("relay", pflag.ContinueOnError)
	var (
		listenAddr = fs.StringP("listen-addr", "a", env.ListenAddr, "relay listen address")
		logLevel   = fs.StringP("log-level", "l", env.LogLevel, "log level")
	)
	if err := fs.Parse(os.Args[1:]); err != nil {
		logger.Fatal().Err(err).Msg("failed to parse command line arguments")
	}

	lvl, err := zerolog.ParseLevel(*logLevel)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to parse loglevel")
	}
	logger = logger.Level(lvl)

	rooms := relayserver.NewRooms(&logger, clockwork.NewRealClock())
	srv := relayserver.NewServer(relayserver.Config{
		Logger:     &logger,
		Rooms:      rooms,
		ListenAddr: *listenAddr,
	})

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	var (
		wg   = &sync.WaitGroup{}
		errc = make(chan error, 1)
	)
	wg.Add(1)
	go srv.Run(ctx, wg, errc)

	select {
	case err = <-errc:
		logger.Error().Err(err).Msg("unexpected server error, shutting down")
	case <-ctx.Done():
		logger.Warn().Msg("interrupted")
	}
	cancel()
	wg.Wait()
}
