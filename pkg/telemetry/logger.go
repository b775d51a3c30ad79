package telemetry

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

// Logger owns the process log sink. Components take plain zerolog loggers
// from it and carry them through contexts with zerolog's WithContext and
// Ctx.
type Logger struct {
	root   zerolog.Logger
	closer io.Closer
}

// NewLogger opens the configured output. Output is stdout, stderr or a file
// path, which is opened for append.
func NewLogger(cfg LoggingConfig) (*Logger, error) {
	switch cfg.Output {
	case "", "stderr":
		return NewLoggerTo(os.Stderr, cfg), nil
	case "stdout":
		return NewLoggerTo(os.Stdout, cfg), nil
	}
	f, err := os.OpenFile(cfg.Output, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, err
	}
	l := NewLoggerTo(f, cfg)
	l.closer = f
	return l, nil
}

// NewLoggerTo builds a logger writing to w.
//
// JSON timestamps follow TimeFormat through zerolog's global
// TimeFieldFormat, so the last logger built decides it for the process.
func NewLoggerTo(w io.Writer, cfg LoggingConfig) *Logger {
	switch cfg.TimeFormat {
	case "unix":
		zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	case "unixms":
		zerolog.TimeFieldFormat = zerolog.TimeFormatUnixMs
	default:
		zerolog.TimeFieldFormat = time.RFC3339
	}

	if cfg.Format == "console" {
		layout := time.TimeOnly
		if cfg.TimeFormat == "rfc3339" {
			layout = time.RFC3339
		}
		w = zerolog.ConsoleWriter{Out: w, TimeFormat: layout, NoColor: cfg.NoColor}
	}

	ctx := zerolog.New(w).Level(ParseLevel(cfg.Level)).With().Timestamp()
	if cfg.EnableCaller {
		ctx = ctx.Caller()
	}
	return &Logger{root: ctx.Logger()}
}

// Zerolog returns the root logger.
func (l *Logger) Zerolog() zerolog.Logger {
	return l.root
}

// Component returns a child logger tagged with a component field.
func (l *Logger) Component(name string) zerolog.Logger {
	return l.root.With().Str("component", name).Logger()
}

// Close closes the log file, if one was opened.
func (l *Logger) Close() error {
	if l.closer == nil {
		return nil
	}
	return l.closer.Close()
}

// ParseLevel converts a level name, defaulting to info for empty or unknown
// names.
func ParseLevel(level string) zerolog.Level {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil || lvl == zerolog.NoLevel {
		return zerolog.InfoLevel
	}
	return lvl
}
