// Package logging builds the process logger for the paygate binaries.
package logging

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	log "github.com/sirupsen/logrus"
)

// Options configures New
type Options struct {
	// Level is a logrus level name, "info" when empty
	Level string
	// Format is "json" or "text"
	Format string
	// File appends to a log file instead of stderr when set
	File string
}

// Logger is a logrus logger plus the file it may own
type Logger struct {
	*log.Logger
	file *os.File
}

// New creates a logger. An invalid level falls back to info and is reported
// through the returned logger.
func New(opts Options) (*Logger, error) {
	logger := log.New()
	l := &Logger{Logger: logger}

	switch opts.Format {
	case "", "json":
		logger.SetFormatter(&log.JSONFormatter{})
	case "text":
		logger.SetFormatter(&log.TextFormatter{FullTimestamp: true})
	default:
		return nil, fmt.Errorf("unsupported log format `%s`", opts.Format)
	}

	var out io.Writer = os.Stderr
	if opts.File != "" {
		if dir := filepath.Dir(opts.File); dir != "." {
			if err := os.MkdirAll(dir, 0755); err != nil {
				return nil, fmt.Errorf("failed to create log directory: %w", err)
			}
		}
		file, err := os.OpenFile(opts.File, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
		if err != nil {
			return nil, fmt.Errorf("failed to open log file: %w", err)
		}
		l.file = file
		out = file
	}
	logger.SetOutput(out)

	levelName := opts.Level
	if levelName == "" {
		levelName = "info"
	}
	level, err := log.ParseLevel(levelName)
	if err != nil {
		level = log.InfoLevel
		logger.SetLevel(level)
		logger.Warnf("invalid log level '%s', defaulting to 'info'", levelName)
	} else {
		logger.SetLevel(level)
	}

	return l, nil
}

// Discard returns a logger that writes nowhere
func Discard() *Logger {
	logger := log.New()
	logger.SetOutput(io.Discard)
	return &Logger{Logger: logger}
}

// Component returns an entry tagged with the component name
func (l *Logger) Component(name string) *log.Entry {
	return l.WithField("component", name)
}

// Close closes the log file, if any
func (l *Logger) Close() error {
	if l.file == nil {
		return nil
	}
	err := l.file.Close()
	l.file = nil
	return err
}
