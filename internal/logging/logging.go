// Package logging builds the process slog.Logger from configuration.
package logging

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
)

// Config selects level, format and destination.
type Config struct {
	Level  string `yaml:"log_level" json:"log_level" validate:"oneof=DEBUG INFO WARN ERROR"`
	Format string `yaml:"log_format" json:"log_format" validate:"oneof=text json"`
	// File is empty for stderr
	File string `yaml:"log_file" json:"log_file"`
	// MaxSizeMB rotates File once it grows past this size; zero disables rotation
	MaxSizeMB  int64 `yaml:"log_max_size_mb" json:"log_max_size_mb" validate:"gte=0"`
	MaxBackups int   `yaml:"log_max_backups" json:"log_max_backups" validate:"gte=0"`
	Compress   bool  `yaml:"log_compress" json:"log_compress"`
}

// DefaultConfig logs INFO text to stderr.
func DefaultConfig() Config {
	return Config{
		Level:      "INFO",
		Format:     "text",
		MaxSizeMB:  64,
		MaxBackups: 5,
	}
}

// ParseLevel maps DEBUG, INFO, WARN and ERROR (any case) to slog levels.
func ParseLevel(s string) (slog.Level, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "DEBUG":
		return slog.LevelDebug, nil
	case "", "INFO":
		return slog.LevelInfo, nil
	case "WARN", "WARNING":
		return slog.LevelWarn, nil
	case "ERROR":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("unknown log level %q", s)
	}
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

// New returns a logger for cfg and a closer for its destination. When stderr
// is the destination, the closer does nothing.
func New(cfg Config) (*slog.Logger, io.Closer, error) {
	var (
		w      io.Writer = os.Stderr
		closer io.Closer = nopCloser{}
	)
	if cfg.File != "" {
		r, err := NewRotator(RotationConfig{
			Filename:   cfg.File,
			MaxSizeMB:  cfg.MaxSizeMB,
			MaxBackups: cfg.MaxBackups,
			Compress:   cfg.Compress,
		})
		if err != nil {
			return nil, nil, err
		}
		w, closer = r, r
	}

	logger, err := NewWithWriter(cfg, w)
	if err != nil {
		_ = closer.Close()
		return nil, nil, err
	}
	return logger, closer, nil
}

// NewWithWriter returns a logger writing to w.
func NewWithWriter(cfg Config, w io.Writer) (*slog.Logger, error) {
	level, err := ParseLevel(cfg.Level)
	if err != nil {
		return nil, err
	}
	opts := &slog.HandlerOptions{Level: level}

	var handler slog.Handler
	switch strings.ToLower(cfg.Format) {
	case "", "text":
		handler = slog.NewTextHandler(w, opts)
	case "json":
		handler = slog.NewJSONHandler(w, opts)
	default:
		return nil, fmt.Errorf("unknown log format %q", cfg.Format)
	}
	return slog.New(handler).With("service", "sharepool"), nil
}
