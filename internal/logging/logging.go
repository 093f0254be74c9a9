// Package logging builds the process-wide slog logger.
package logging

import (
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/MatusOllah/slogcolor"

	"github.com/Tyrowin/chatrelay/internal/config"
)

// New returns a logger writing to w. Format "json" selects a JSON handler;
// "text" selects a colored handler for terminals.
func New(cfg config.LogConfig, w io.Writer) (*slog.Logger, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.Level)); err != nil {
		return nil, fmt.Errorf("log level %q: %w", cfg.Level, err)
	}

	switch strings.ToLower(cfg.Format) {
	case "json":
		return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{Level: level})), nil
	case "text", "":
		opts := *slogcolor.DefaultOptions
		opts.Level = level
		return slog.New(slogcolor.NewHandler(w, &opts)), nil
	default:
		return nil, fmt.Errorf("unknown log format %q", cfg.Format)
	}
}
