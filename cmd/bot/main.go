package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"pionex-spot-bot/internal/config"
	"pionex-spot-bot/internal/engine"
	"pionex-spot-bot/internal/logging"

	"go.uber.org/zap"
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to config file")
	flag.Parse()

	if err := config.LoadEnv(".env"); err != nil {
		fmt.Fprintf(os.Stderr, "failed to load .env: %v\n", err)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}
	log := logging.New(cfg.Log)
	defer log.Sync()
	log.Info("config loaded", zap.String("path", *configPath))

	creds, err := config.CredentialsFromEnv(cfg.Trading.DryRun)
	if err != nil {
		log.Error("missing credentials", zap.Error(err))
		os.Exit(1)
	}

	bot, err := engine.New(cfg, creds, log)
	if err != nil {
		log.Error("failed to initialize engine", zap.Error(err))
		os.Exit(1)
	}
	log.Info("engine initialized", zap.Strings("symbols", cfg.Trading.Symbols))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := bot.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		log.Error("engine terminated", zap.Error(err))
		os.Exit(1)
	}
}
