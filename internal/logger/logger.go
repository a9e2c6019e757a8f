package logger

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	lj "gopkg.in/natefinch/lumberjack.v2"
)

// Default rotation settings for the log file.
const (
	DefaultMaxSizeMB  = 10 // MB
	DefaultMaxBackups = 3  // number of backup files
	DefaultMaxAgeDays = 7  // days
)

// Config describes where procfleet writes its own log.
// With File empty, records go to stderr through the colored text handler;
// otherwise they are written as JSON to a lumberjack-rotated file.
type Config struct {
	Level      string `mapstructure:"level"`
	File       string `mapstructure:"file"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
	Compress   bool   `mapstructure:"compress"`
	NoColor    bool   `mapstructure:"no_color"`
}

// ParseLevel maps debug|info|warn|error to a slog level.
func ParseLevel(s string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "info":
		return slog.LevelInfo, nil
	case "debug":
		return slog.LevelDebug, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	}
	return slog.LevelInfo, fmt.Errorf("unknown log level %q", s)
}

// Writer returns the rotating file writer, or nil when File is unset.
func (c Config) Writer() io.WriteCloser {
	if c.File == "" {
		return nil
	}
	return &lj.Logger{
		Filename:   filepath.Clean(c.File),
		MaxSize:    valOr(c.MaxSizeMB, DefaultMaxSizeMB),
		MaxBackups: valOr(c.MaxBackups, DefaultMaxBackups),
		MaxAge:     valOr(c.MaxAgeDays, DefaultMaxAgeDays),
		Compress:   c.Compress,
	}
}

// NewHandler builds the handler described by c. stderr is used when no file
// is configured. The returned closer is nil for stderr.
func (c Config) NewHandler(stderr io.Writer) (slog.Handler, io.Closer, error) {
	level, err := ParseLevel(c.Level)
	if err != nil {
		return nil, nil, err
	}
	opts := &slog.HandlerOptions{Level: level}
	if w := c.Writer(); w != nil {
		return slog.NewJSONHandler(w, opts), w, nil
	}
	if stderr == nil {
		stderr = os.Stderr
	}
	if c.NoColor {
		return slog.NewTextHandler(stderr, opts), nil, nil
	}
	return NewColorTextHandler(stderr, opts, true), nil, nil
}

// Setup installs the handler from c as the process-wide default logger.
func Setup(c Config) (io.Closer, error) {
	h, closer, err := c.NewHandler(os.Stderr)
	if err != nil {
		return nil, err
	}
	slog.SetDefault(slog.New(h))
	return closer, nil
}

func valOr(v int, def int) int {
	if v <= 0 {
		return def
	}
	return v
}
