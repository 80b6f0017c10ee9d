package logger

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Logger owns the process log sinks. Components log through the
// zerolog.Logger returned by Component.
type Logger struct {
	logger   zerolog.Logger
	closers  []io.Closer
	redactor *Redactor
}

// Config holds logger configuration
type Config struct {
	Level     string // debug, info, warn, error
	File      string // log file path
	Console   bool   // enable console output
	Pretty    bool   // pretty format for console
	Redaction bool   // enable sensitive data redaction
	MaxSize   int    // max size in MB before rotation, 0 disables
	MaxAge    int    // max age in days
	Compress  bool   // compress rotated logs

	// Secrets are literal values masked in every line when Redaction is on.
	Secrets []string

	// Out is the console destination, stdout when nil. It also receives
	// output when neither Console nor File is set.
	Out io.Writer
}

// New creates a logger and installs it as the zerolog global.
func New(cfg Config) (*Logger, error) {
	level := zerolog.InfoLevel
	if cfg.Level != "" {
		parsed, err := zerolog.ParseLevel(strings.ToLower(cfg.Level))
		if err != nil {
			return nil, fmt.Errorf("invalid log level %q: %w", cfg.Level, err)
		}
		level = parsed
	}

	out := cfg.Out
	if out == nil {
		out = os.Stdout
	}

	l := &Logger{}
	var sinks []io.Writer
	if cfg.Console {
		sinks = append(sinks, consoleSink(out, cfg.Pretty))
	}
	if cfg.File != "" {
		file, err := openFile(cfg)
		if err != nil {
			return nil, err
		}
		sinks = append(sinks, file)
		l.closers = append(l.closers, file)
	}
	if len(sinks) == 0 {
		sinks = append(sinks, out)
	}

	writer := io.Writer(zerolog.MultiLevelWriter(sinks...))
	if cfg.Redaction {
		l.redactor = NewRedactor(cfg.Secrets...)
		writer = l.redactor.Wrap(writer)
	}

	l.logger = zerolog.New(writer).Level(level).With().Timestamp().Logger()
	log.Logger = l.logger
	return l, nil
}

func consoleSink(out io.Writer, pretty bool) io.Writer {
	if !pretty {
		return out
	}
	return zerolog.ConsoleWriter{Out: out, TimeFormat: time.RFC3339}
}

func openFile(cfg Config) (io.WriteCloser, error) {
	if cfg.MaxSize > 0 {
		return NewRotatingWriter(cfg.File, cfg.MaxSize, cfg.MaxAge, cfg.Compress)
	}
	if err := os.MkdirAll(filepath.Dir(cfg.File), 0755); err != nil {
		return nil, fmt.Errorf("failed to create log directory: %w", err)
	}
	file, err := os.OpenFile(cfg.File, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open log file: %w", err)
	}
	return file, nil
}

// Close closes the log files.
func (l *Logger) Close() error {
	var errs []error
	for _, c := range l.closers {
		errs = append(errs, c.Close())
	}
	l.closers = nil
	return errors.Join(errs...)
}

// Component returns a child logger tagged with the component name.
func (l *Logger) Component(name string) zerolog.Logger {
	return l.logger.With().Str("component", name).Logger()
}

// GetZerolog returns the underlying zerolog.Logger
func (l *Logger) GetZerolog() zerolog.Logger {
	return l.logger
}

// AddSecrets masks values learned after startup, such as connection
// credentials. It is a no-op when redaction is off.
func (l *Logger) AddSecrets(secrets ...string) {
	if l.redactor != nil {
		l.redactor.AddSecrets(secrets...)
	}
}

// DefaultConfig returns default logger configuration
func DefaultConfig() Config {
	return Config{
		Level:     "info",
		Console:   true,
		Pretty:    true,
		Redaction: true,
		MaxSize:   100,
		MaxAge:    7,
		Compress:  true,
	}
}
