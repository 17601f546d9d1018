package main

import (
	"io"
	"os"
	"time"

	"github.com/kfsoftware/ldk/cmd"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// LOG_LEVEL selects the level, LOG_FORMAT=json disables the console writer.
func newLogger() zerolog.Logger {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	var output io.Writer = zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}
	if os.Getenv("LOG_FORMAT") == "json" {
		output = os.Stderr
	}
	level, err := zerolog.ParseLevel(os.Getenv("LOG_LEVEL"))
	if err != nil || level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}
	return zerolog.New(output).With().Timestamp().Logger().Level(level)
}

func main() {
	log.Logger = newLogger()
	if err := cmd.NewCmdLdk().Execute(); err != nil {
		os.Exit(1)
	}
}
