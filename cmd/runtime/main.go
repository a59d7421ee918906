// Command runtime is the toolmesh runtime agent: it bridges one MCP
// client (a skill process over stdio, or remote clients over HTTP) to
// tool-providing subprocesses and peer runtimes over the shared bus.
package main

import (
	"context"
	"errors"
	"log/slog"
	"os"

	"github.com/joho/godotenv"

	"github.com/toolmesh/runtime/internal/coordinator"
	"github.com/toolmesh/runtime/pkg/config"
)

func main() {
	os.Exit(run())
}

func run() int {
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		slog.Warn("could not load .env file", "error", err)
	}

	cfg, err := config.Load()
	if err != nil {
		if errors.Is(err, config.ErrConfigInvalid) {
			slog.Error("invalid startup configuration", "error", err)
			return coordinator.ExitConfigInvalid
		}
		slog.Error("failed to load startup configuration", "error", err)
		return coordinator.ExitConfigInvalid
	}

	slog.Info("starting toolmesh runtime", "mode", cfg.Mode)
	return coordinator.Run(context.Background(), cfg)
}
