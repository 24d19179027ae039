// Package logging builds the charmbracelet/log logger every other
// internal package takes as a constructor argument, so there is one
// place that turns config.Logging into an actual sink.
package logging

import (
	"fmt"
	"io"
	"os"

	"github.com/charmbracelet/log"

	"github.com/minorsecond/axterm/internal/config"
)

// New builds a *log.Logger from cfg. An empty cfg.File logs to
// stderr; otherwise the file is opened for append, created if needed.
func New(cfg config.Logging) (*log.Logger, error) {
	w, err := output(cfg.File)
	if err != nil {
		return nil, err
	}

	logger := log.NewWithOptions(w, log.Options{
		ReportCaller:    false,
		ReportTimestamp: true,
	})

	level, err := log.ParseLevel(cfg.Level)
	if err != nil {
		return nil, fmt.Errorf("logging: %w", err)
	}
	logger.SetLevel(level)

	switch cfg.Format {
	case "", "text":
		logger.SetFormatter(log.TextFormatter)
	case "json":
		logger.SetFormatter(log.JSONFormatter)
	case "logfmt":
		logger.SetFormatter(log.LogfmtFormatter)
	default:
		return nil, fmt.Errorf("logging: unknown format %q", cfg.Format)
	}

	return logger, nil
}

func output(path string) (io.Writer, error) {
	if path == "" {
		return os.Stderr, nil
	}
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("logging: opening %s: %w", path, err)
	}
	return f, nil
}
