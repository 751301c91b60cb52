package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/LordBoos/SmartClip-CZ/internal/config"
	"github.com/LordBoos/SmartClip-CZ/internal/logging"
	"github.com/LordBoos/SmartClip-CZ/pkg/smartclip"
)

func main() {
	configPath := flag.String("config", "smartclip.json", "path to the config file")
	flag.Parse()

	// Peek at the config for logging settings before the session owns it.
	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	logging.Init(cfg.LogJSON, logging.ParseLevel(cfg.LogLevel))
	logger := slog.Default()

	s, err := smartclip.New(
		smartclip.WithConfigPath(*configPath),
		smartclip.WithLogger(logger),
	)
	if err != nil {
		log.Fatalf("failed to start: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		fmt.Fprintf(os.Stderr, "\nreceived %v, shutting down...\n", sig)
		cancel()
	}()

	logger.Info("smartclip starting",
		"profile", cfg.ActiveProfile,
		"obs", cfg.OBS.Enabled)
	s.Run(ctx)

	stats := s.Stats()
	logger.Info("smartclip stopped",
		"clips_attempted", stats.Total,
		"clips_created", stats.Succeeded)
}
