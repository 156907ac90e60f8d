// Package logging builds the structured loggers shared by the CLI, the HTTP
// server and the autonomous rebalance loop.
package logging

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/natefinch/lumberjack.v2"
)

type Config struct {
	Level  string
	Format string
	Output string
	Audit  AuditConfig
}

// AuditConfig controls the rotating audit trail of rebalance runs and
// payment settlements.
type AuditConfig struct {
	Path       string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
}

// Loggers holds the application logger, the audit logger and whatever they
// opened. Close releases files.
type Loggers struct {
	App   *slog.Logger
	Audit *slog.Logger

	closers []io.Closer
}

func New(cfg Config, stderr io.Writer) (*Loggers, error) {
	out := &Loggers{}

	writer, closer, err := openWriter(cfg.Output, stderr)
	if err != nil {
		return nil, err
	}
	if closer != nil {
		out.closers = append(out.closers, closer)
	}
	opts := &slog.HandlerOptions{Level: ParseLevel(cfg.Level)}
	var handler slog.Handler
	if strings.EqualFold(cfg.Format, "json") {
		handler = slog.NewJSONHandler(writer, opts)
	} else {
		handler = slog.NewTextHandler(writer, opts)
	}
	out.App = slog.New(handler)
	out.Audit = out.App.With("stream", "audit")

	if strings.TrimSpace(cfg.Audit.Path) != "" {
		rotating, err := newRotatingWriter(cfg.Audit)
		if err != nil {
			_ = out.Close()
			return nil, err
		}
		out.closers = append(out.closers, rotating)
		out.Audit = slog.New(slog.NewJSONHandler(rotating, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}
	return out, nil
}

// Discard returns loggers that drop everything. Used by tests and by
// components constructed without a logger.
func Discard() *Loggers {
	l := slog.New(slog.DiscardHandler)
	return &Loggers{App: l, Audit: l}
}

func (l *Loggers) Close() error {
	var err error
	for _, c := range l.closers {
		err = errors.Join(err, c.Close())
	}
	l.closers = nil
	return err
}

// OrDiscard returns log, or a discarding logger when log is nil.
func OrDiscard(log *slog.Logger) *slog.Logger {
	if log == nil {
		return slog.New(slog.DiscardHandler)
	}
	return log
}

func ParseLevel(level string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func openWriter(target string, stderr io.Writer) (io.Writer, io.Closer, error) {
	switch strings.ToLower(strings.TrimSpace(target)) {
	case "", "stderr":
		if stderr == nil {
			return os.Stderr, nil, nil
		}
		return stderr, nil, nil
	case "stdout":
		return os.Stdout, nil, nil
	case "none", "off":
		return io.Discard, nil, nil
	}
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return nil, nil, fmt.Errorf("create log directory: %w", err)
	}
	f, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, nil, fmt.Errorf("open log file %s: %w", target, err)
	}
	return f, f, nil
}

func newRotatingWriter(cfg AuditConfig) (*lumberjack.Logger, error) {
	if err := os.MkdirAll(filepath.Dir(cfg.Path), 0o755); err != nil {
		return nil, fmt.Errorf("create audit log directory: %w", err)
	}
	if cfg.MaxSizeMB <= 0 {
		cfg.MaxSizeMB = 50
	}
	if cfg.MaxBackups <= 0 {
		cfg.MaxBackups = 5
	}
	if cfg.MaxAgeDays <= 0 {
		cfg.MaxAgeDays = 30
	}
	return &lumberjack.Logger{
		Filename:   cfg.Path,
		MaxSize:    cfg.MaxSizeMB,
		MaxBackups: cfg.MaxBackups,
		MaxAge:     cfg.MaxAgeDays,
	}, nil
}
