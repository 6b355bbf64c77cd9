package main

import (
	"context"
	"log/slog"
	"os"
	"strings"

	goutils "github.com/jkaninda/go-utils"

	"github.com/boxkit/boxkit"
)

// Exit codes.
const (
	ExitSuccess = 0
	ExitFailure = 1
	ExitUsage   = 2
)

var configPath string

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "config file (or BOXKIT_CONFIG env)")
}

func newLogger() *slog.Logger {
	level := slog.LevelInfo
	switch strings.ToLower(goutils.Env("BOXKIT_LOG_LEVEL", "info")) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

func newRuntime(ctx context.Context) (*boxkit.Runtime, error) {
	return boxkit.New(ctx, boxkit.Options{
		ConfigPath: configPath,
		Logger:     newLogger(),
	})
}
