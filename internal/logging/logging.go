// Package logging configures the process-wide slog logger and maintains
// the on-disk pass log shared by every invocation.
package logging

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/plugsync/plugsync/internal/config"
)

// Options selects the handler destination and verbosity.
type Options struct {
	Level  slog.Level
	Format config.LogFormat
	// File, when set, receives log output in addition to stderr.
	File string
}

// Setup installs the default slog logger. When a file is configured it is
// rotated first so a long-lived install never grows the log unbounded.
func Setup(opts Options) (*slog.Logger, error) {
	w := io.Writer(os.Stderr)
	if opts.File != "" {
		if err := os.MkdirAll(filepath.Dir(opts.File), 0o755); err != nil {
			return nil, fmt.Errorf("create log directory: %w", err)
		}
		if err := Rotate(opts.File); err != nil {
			return nil, err
		}
		f, err := os.OpenFile(opts.File, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
		if err != nil {
			return nil, fmt.Errorf("open log file: %w", err)
		}
		w = io.MultiWriter(os.Stderr, f)
	}

	var handler slog.Handler
	if opts.Format == config.LogFormatJSON {
		handler = slog.NewJSONHandler(w, &slog.HandlerOptions{Level: opts.Level})
	} else {
		handler = slog.NewTextHandler(w, &slog.HandlerOptions{Level: opts.Level})
	}
	logger := slog.New(handler)
	slog.SetDefault(logger)
	return logger, nil
}

const (
	rotateThreshold = 10 * 1024 * 1024
	rotateKeep      = 8 * 1024 * 1024
)

// Rotate truncates the log file to its most recent tail once it exceeds the
// size threshold. The kept region starts at a line boundary so the file is
// never left with a torn first record.
func Rotate(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("stat log file: %w", err)
	}
	if info.Size() <= rotateThreshold {
		return nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read log file for rotation: %w", err)
	}
	tail := data
	if len(tail) > rotateKeep {
		tail = tail[len(tail)-rotateKeep:]
	}
	// Drop the partial first line.
	for i, b := range tail {
		if b == '\n' {
			tail = tail[i+1:]
			break
		}
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, tail, 0o644); err != nil {
		return fmt.Errorf("write rotated log: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("replace log file: %w", err)
	}
	return nil
}
