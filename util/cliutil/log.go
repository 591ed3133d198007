package cliutil

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
)

type LogOptions struct {
	// info|debug|warn|error
	LogLevel string
	// text|json
	LogFormat string
	// defaults to stdout
	Output io.Writer
}

func firstenv(names ...string) string {
	for _, name := range names {
		if val := os.Getenv(name); val != "" {
			return val
		}
	}
	return ""
}

func ParseLevel(raw string) (slog.Level, error) {
	switch strings.ToLower(raw) {
	case "", "info":
		return slog.LevelInfo, nil
	case "debug":
		return slog.LevelDebug, nil
	case "warn":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	}
	return slog.LevelInfo, fmt.Errorf("unknown log level: %#v", raw)
}

// SetupSlog builds the process logger and installs it as the slog default.
//
// Empty options fall back to WARDEN_LOG_LEVEL / WARDEN_LOG_FMT, then to info/json.
func SetupSlog(options LogOptions) (*slog.Logger, error) {
	if options.LogLevel == "" {
		options.LogLevel = firstenv("WARDEN_LOG_LEVEL", "LOG_LEVEL")
	}
	level, err := ParseLevel(options.LogLevel)
	if err != nil {
		return nil, err
	}
	if options.LogFormat == "" {
		options.LogFormat = firstenv("WARDEN_LOG_FMT", "LOG_FMT")
	}
	out := options.Output
	if out == nil {
		out = os.Stdout
	}

	hopts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	switch strings.ToLower(options.LogFormat) {
	case "", "json":
		handler = slog.NewJSONHandler(out, hopts)
	case "text":
		handler = slog.NewTextHandler(out, hopts)
	default:
		return nil, fmt.Errorf("invalid log format: %#v", options.LogFormat)
	}
	logger := slog.New(handler)
	slog.SetDefault(logger)
	return logger, nil
}
