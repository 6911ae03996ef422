package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/openfroyo/xfer/cmd/xfer/commands"
)

// Set via ldflags.
var (
	Version   = "dev"
	Commit    = "unknown"
	BuildDate = "unknown"
)

func main() {
	setupLogging()

	// an interrupt cancels the running transfer; its transaction rolls back
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	err := commands.Execute(ctx, Version, Commit, BuildDate)
	if err == nil {
		return
	}

	if errors.Is(err, context.Canceled) {
		log.Warn().Msg("Interrupted")
		os.Exit(130)
	}
	log.Error().Err(err).Msg("Command failed")
	os.Exit(1)
}

// setupLogging writes human-readable logs to stderr so command output on
// stdout stays parseable. LOG_LEVEL sets the level and NO_COLOR disables
// colors.
func setupLogging() {
	_, noColor := os.LookupEnv("NO_COLOR")
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, NoColor: noColor})

	level, err := zerolog.ParseLevel(os.Getenv("LOG_LEVEL"))
	if err != nil || level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)
}
