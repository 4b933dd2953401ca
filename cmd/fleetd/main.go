package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"go.uber.org/zap"

	"github.com/JakeFAU/browser-fleet/internal/config"
	"github.com/JakeFAU/browser-fleet/internal/logging"
	"github.com/JakeFAU/browser-fleet/internal/server"
)

func main() {
	os.Exit(run())
}

func run() int {
	cfgPath := flag.String("config", "", "Path to config file")
	flag.Parse()

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config failed: %v\n", err)
		return 1
	}
	logger, err := logging.New(logging.Config{Development: cfg.Logging.Development, Level: cfg.Logging.Level})
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger init failed: %v\n", err)
		return 1
	}
	zap.ReplaceGlobals(logger)

	app, err := server.Build(cfg, logger)
	if err != nil {
		logger.Error("build application failed", zap.Error(err))
		_ = logger.Sync()
		return 1
	}
	if err := app.Run(context.Background()); err != nil {
		logger.Error("application exited with error", zap.Error(err))
		return 1
	}
	return 0
}
