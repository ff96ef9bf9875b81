// Package logx configures the process-wide zerolog logger.
package logx

import (
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Options controls logger construction.
type Options struct {
	Level       string
	Environment string
	Service     string
	Version     string

	// Out defaults to os.Stdout.
	Out io.Writer
}

// Setup builds the base logger, installs it as the zerolog global and
// returns it. Local environments get the console writer, deployed ones JSON.
func Setup(opts Options) zerolog.Logger {
	level := zerolog.InfoLevel
	switch strings.ToLower(opts.Level) {
	case "debug":
		level = zerolog.DebugLevel
	case "info":
		level = zerolog.InfoLevel
	case "warn", "warning":
		level = zerolog.WarnLevel
	case "error":
		level = zerolog.ErrorLevel
	}
	zerolog.SetGlobalLevel(level)

	out := opts.Out
	if out == nil {
		out = os.Stdout
	}

	var zl zerolog.Logger
	if IsDeployed(opts.Environment) {
		zl = zerolog.New(out).With().Timestamp().Logger()
	} else {
		zl = zerolog.New(zerolog.ConsoleWriter{Out: out, TimeFormat: time.RFC3339}).With().Timestamp().Logger()
	}

	zl = zl.With().
		Str("service", opts.Service).
		Str("env", opts.Environment).
		Str("version", opts.Version).
		Logger()

	log.Logger = zl
	return zl
}

// IsDeployed reports whether env names a shared environment.
func IsDeployed(env string) bool {
	switch strings.ToUpper(env) {
	case "DEV", "STAGE", "PROD":
		return true
	}
	return false
}

// Component returns a child of the global logger tagged with component=name.
func Component(name string) zerolog.Logger {
	return log.Logger.With().Str("component", name).Logger()
}
