// Command farmhandd is the Farmhand daemon. It owns the task store, runs the
// heartbeat loop and serves the REST API.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io/fs"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/acurioustractor/farmhand/config"
	"github.com/acurioustractor/farmhand/internal/version"
)

var (
	configPath = flag.String("config", "farmhand.yaml", "path to config file")
	envFile    = flag.String("env", ".env", "dotenv file loaded before the config")
)

func main() {
	flag.Parse()

	if err := godotenv.Load(*envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
		log.Fatalf("Failed to load %s: %v", *envFile, err)
	}

	cfg := config.DefaultConfig()
	if _, err := os.Stat(*configPath); err == nil {
		cfg, err = config.Load(*configPath)
		if err != nil {
			log.Fatalf("Failed to load config: %v", err)
		}
	} else if *configPath != "farmhand.yaml" {
		log.Fatalf("Config %s: %v", *configPath, err)
	}

	logger := newLogger(cfg.LogLevel, cfg.LogFormat)
	slog.SetDefault(logger)
	logger.Info("starting farmhandd",
		slog.String("version", version.Version),
		slog.String("commit", version.Commit),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := build(ctx, cfg, logger)
	if err != nil {
		log.Fatalf("Failed to start: %v", err)
	}
	defer a.close()

	if err := a.run(ctx); err != nil {
		logger.Error("farmhandd exited", slog.Any("err", err))
		os.Exit(1)
	}
	fmt.Println("Shutdown complete")
}

// newLogger builds the process logger from config.
func newLogger(level, format string) *slog.Logger {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(strings.ToUpper(level))); err != nil {
		lvl = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: lvl}
	if format == "json" {
		return slog.New(slog.NewJSONHandler(os.Stdout, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stdout, opts))
}

const shutdownTimeout = 15 * time.Second
