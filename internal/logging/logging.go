// Package logging builds the structured logger shared by every component of the try-on service.
package logging

import (
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	charmlog "github.com/charmbracelet/log"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Config holds logger settings.
type Config struct {
	// Level is one of debug, info, warn, error. Empty means info.
	Level string `yaml:"level"`

	// File, when set, receives a rotated copy of the log output.
	File string `yaml:"file"`

	// MaxSizeMB is the rotation threshold for File.
	MaxSizeMB int `yaml:"max_size_mb"`

	// MaxBackups is the number of rotated files to keep.
	MaxBackups int `yaml:"max_backups"`

	// ReportCaller adds file:line to each record.
	ReportCaller bool `yaml:"report_caller"`
}

// New returns a slog.Logger backed by a charmbracelet handler.
// The returned closer releases the log file, if any.
func New(cfg Config) (*slog.Logger, io.Closer) {
	var closer io.Closer = nopCloser{}
	var w io.Writer = os.Stderr

	if cfg.File != "" {
		maxSize := cfg.MaxSizeMB
		if maxSize <= 0 {
			maxSize = 50
		}
		rotator := &lumberjack.Logger{
			Filename:   cfg.File,
			MaxSize:    maxSize,
			MaxBackups: cfg.MaxBackups,
			MaxAge:     7,
			LocalTime:  true,
			Compress:   true,
		}
		w = io.MultiWriter(os.Stderr, rotator)
		closer = rotator
	}

	handler := charmlog.NewWithOptions(w, charmlog.Options{
		ReportTimestamp: true,
		ReportCaller:    cfg.ReportCaller,
		TimeFormat:      time.RFC3339,
		Prefix:          "tryon",
		Level:           ParseLevel(cfg.Level),
	})

	return slog.New(handler), closer
}

// ParseLevel converts a level name to a charmbracelet level, defaulting to info.
func ParseLevel(s string) charmlog.Level {
	lvl, err := charmlog.ParseLevel(strings.ToLower(strings.TrimSpace(s)))
	if err != nil {
		return charmlog.InfoLevel
	}
	return lvl
}

// Discard returns a logger that drops every record. Used by tests.
func Discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }
