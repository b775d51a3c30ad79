package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/embergraph/provisioner/cmd/ember-provision/commands"
)

// Set with -ldflags "-X main.Version=...".
var (
	Version   = "dev"
	Commit    = "unknown"
	BuildDate = "unknown"
)

func main() {
	// Commands replace this logger once flags are parsed.
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	warn := context.AfterFunc(ctx, func() {
		log.Warn().Msg("Interrupted, stopping after the current step")
	})

	err := commands.Execute(ctx, os.Args[1:], Version, Commit, BuildDate)
	var exitErr *commands.ExitError
	if err != nil && (!errors.As(err, &exitErr) || exitErr.Err != nil) {
		log.Error().Err(err).Msg("Command failed")
	}
	warn()
	stop()
	if err != nil {
		os.Exit(commands.ExitCode(err))
	}
}
