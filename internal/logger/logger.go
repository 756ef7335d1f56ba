package logger

import (
	"io"
	"log/slog"
	"os"
	"strings"

	lj "gopkg.in/natefinch/lumberjack.v2"
)

// Default rotation settings for the daemon's own log file.
const (
	DefaultMaxSizeMB  = 10 // MB
	DefaultMaxBackups = 3  // number of backup files
	DefaultMaxAgeDays = 7  // days
)

// Supported values for Config.Level and Config.Format.
const (
	LevelDebug = "debug"
	LevelInfo  = "info"
	LevelWarn  = "warn"
	LevelError = "error"

	FormatText = "text"
	FormatJSON = "json"
)

// Config describes the supervisor's structured log output.
// Service stdout/stderr files are owned by logsink, not by this package.
type Config struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	Color      bool   `mapstructure:"color"`
	TimeStamps bool   `mapstructure:"timestamps"`
	Source     bool   `mapstructure:"source"`

	// File, when set, receives the log instead of stderr and is rotated by lumberjack.
	File       string `mapstructure:"file"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
	Compress   bool   `mapstructure:"compress"`
}

// ParseLevel maps a level name to slog.Level. Unknown names mean info.
func ParseLevel(s string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case LevelDebug:
		return slog.LevelDebug
	case LevelWarn, "warning":
		return slog.LevelWarn
	case LevelError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Writer returns the log destination. The closer is a no-op for stderr.
func (c Config) Writer() io.WriteCloser {
	if c.File == "" {
		return nopCloser{os.Stderr}
	}
	return &lj.Logger{
		Filename:   c.File,
		MaxSize:    valOr(c.MaxSizeMB, DefaultMaxSizeMB),
		MaxBackups: valOr(c.MaxBackups, DefaultMaxBackups),
		MaxAge:     valOr(c.MaxAgeDays, DefaultMaxAgeDays),
		Compress:   c.Compress,
	}
}

// NewHandler builds a slog.Handler writing to w.
func (c Config) NewHandler(w io.Writer) slog.Handler {
	opts := &slog.HandlerOptions{
		Level:     ParseLevel(c.Level),
		AddSource: c.Source,
	}
	if !c.TimeStamps {
		opts.ReplaceAttr = dropTime
	}
	switch strings.ToLower(c.Format) {
	case FormatJSON:
		return slog.NewJSONHandler(w, opts)
	default:
		// color codes only make sense on a terminal
		if c.Color && c.File == "" {
			return NewColorTextHandler(w, opts, c.TimeStamps)
		}
		return slog.NewTextHandler(w, opts)
	}
}

// NewSlogger returns a logger and the closer for its destination.
func (c Config) NewSlogger() (*slog.Logger, io.Closer) {
	w := c.Writer()
	return slog.New(c.NewHandler(w)), w
}

func dropTime(groups []string, a slog.Attr) slog.Attr {
	if len(groups) == 0 && a.Key == slog.TimeKey {
		return slog.Attr{}
	}
	return a
}

type nopCloser struct{ io.Writer }

func (nopCloser) Close() error { return nil }

func valOr(v int, def int) int {
	if v <= 0 {
		return def
	}
	return v
}
