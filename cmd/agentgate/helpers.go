package main

import (
	"log/slog"
	"os"

	"github.com/fl-sean03/agentgate/internal/config"
	"github.com/fl-sean03/agentgate/internal/model"
)

// newLogger builds a slog.Logger writing JSON to stderr at the
// requested level, matching the teacher's cmd/hector/logger.go default
// of structured, leveled logging to stderr.
func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	handler := slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: lvl})
	return slog.New(handler)
}

// defaultConfigOr loads path if non-empty, otherwise returns a
// Config populated entirely from defaults.
func defaultConfigOr(path string, log *slog.Logger) *config.Config {
	if path != "" {
		cfg, err := config.Load(path)
		if err != nil {
			log.Error("failed to load config, falling back to defaults", "path", path, "error", err)
		} else {
			return cfg
		}
	}
	cfg := &config.Config{}
	cfg.SetDefaults()
	return cfg
}

func statusFromString(s string) model.WorkOrderStatus {
	return model.WorkOrderStatus(s)
}
