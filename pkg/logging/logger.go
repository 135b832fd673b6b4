package logging

import (
	"log/slog"
	"os"
	"strconv"
	"strings"
)

// InitLogger initializes a global logger with the specified level.
// It configures a JSON handler with source location information.
func InitLogger(level slog.Level) *slog.Logger {
	handler := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level:     level,
		AddSource: true,
	})
	return slog.New(handler)
}

// NewComponentLogger creates a component-specific logger with context.
// It adds the component name to all log messages for better traceability.
func NewComponentLogger(base *slog.Logger, component string) *slog.Logger {
	return base.With(
		slog.String("component", component),
	)
}

// ResolveLevel determines the log level from CLI arguments and the
// environment. Precedence: --debug/-d and --log-level flags, then
// MALSORI_LOG_LEVEL, then LOG_LEVEL, then the MALSORI_DEBUG/DEBUG
// flags, then info.
func ResolveLevel(args []string) slog.Level {
	if lvl, ok := cliLevel(args); ok {
		return lvl
	}
	for _, name := range []string{"MALSORI_LOG_LEVEL", "LOG_LEVEL"} {
		if lvl, ok := ParseLevel(os.Getenv(name)); ok {
			return lvl
		}
	}
	if envFlag("MALSORI_DEBUG") || envFlag("DEBUG") {
		return slog.LevelDebug
	}
	return slog.LevelInfo
}

// ParseLevel parses a textual or numeric log level.
func ParseLevel(value string) (slog.Level, bool) {
	normalized := strings.TrimSpace(value)
	if normalized == "" {
		return 0, false
	}
	if n, err := strconv.Atoi(normalized); err == nil {
		return slog.Level(n), true
	}
	switch strings.ToUpper(normalized) {
	case "DEBUG":
		return slog.LevelDebug, true
	case "INFO":
		return slog.LevelInfo, true
	case "WARN", "WARNING":
		return slog.LevelWarn, true
	case "ERROR":
		return slog.LevelError, true
	}
	return 0, false
}

func cliLevel(args []string) (slog.Level, bool) {
	for i, token := range args {
		switch {
		case token == "--debug" || token == "-d":
			return slog.LevelDebug, true
		case strings.HasPrefix(token, "--log-level="):
			if lvl, ok := ParseLevel(strings.TrimPrefix(token, "--log-level=")); ok {
				return lvl, true
			}
		case token == "--log-level" && i+1 < len(args):
			if lvl, ok := ParseLevel(args[i+1]); ok {
				return lvl, true
			}
		}
	}
	return 0, false
}

func envFlag(name string) bool {
	value := strings.ToLower(strings.TrimSpace(os.Getenv(name)))
	switch value {
	case "1", "true", "yes", "on":
		return true
	}
	return false
}
