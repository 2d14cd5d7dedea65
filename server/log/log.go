package log

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/viper"

	"github.com/gammadia/nomadcloud/server/flags"
)

// Base is a bare logger without attributes, components derive theirs from it
var Base *slog.Logger

// Level is shared by every logger, the API changes it at runtime
var Level = new(slog.LevelVar)

// logger is the server logger with default attributes
var logger *slog.Logger

// Init builds the loggers from the log flags. Libraries logging through the
// slog default logger end up in the same output.
func Init() error {
	if err := Level.UnmarshalText([]byte(viper.GetString(flags.LogLevel))); err != nil {
		return fmt.Errorf("failed to parse log level: %w", err)
	}

	handler, err := newHandler(viper.GetString(flags.LogFormat), &slog.HandlerOptions{
		AddSource: viper.GetBool(flags.LogSource),
		Level:     Level,
	})
	if err != nil {
		return err
	}

	hostname, _ := os.Hostname()
	Base = slog.New(handler).With("instance", hostname)
	slog.SetDefault(Base)

	logger = Base.With("component", "server")
	return nil
}

func newHandler(format string, options *slog.HandlerOptions) (slog.Handler, error) {
	switch format {
	case "json":
		return slog.NewJSONHandler(os.Stdout, options), nil
	case "text":
		return slog.NewTextHandler(os.Stdout, options), nil
	default:
		return nil, fmt.Errorf("unknown log format '%s'", format)
	}
}

// Proxies for slog.Logger methods

func Info(msg string, args ...any) {
	logger.Info(msg, args...)
}

func Warn(msg string, args ...any) {
	logger.Warn(msg, args...)
}

func Error(msg string, args ...any) {
	logger.Error(msg, args...)
}
