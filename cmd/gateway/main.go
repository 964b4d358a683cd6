package main

import (
	"flag"
	"fmt"
	"os"

	"go.uber.org/zap"

	"github.com/therealutkarshpriyadarshi/gateway/internal/config"
	"github.com/therealutkarshpriyadarshi/gateway/internal/gateway"
	"github.com/therealutkarshpriyadarshi/gateway/internal/logging"
)

var (
	version   = "dev"
	buildTime = "unknown"
)

func main() {
	configPath := flag.String("config", "configs/gateway.yaml", "Path to configuration file")
	showVersion := flag.Bool("version", false, "Show version information")
	validateOnly := flag.Bool("validate", false, "Validate configuration and exit")
	flag.Parse()

	if *showVersion {
		fmt.Printf("API Gateway %s (built %s)\n", version, buildTime)
		os.Exit(0)
	}

	loader := config.NewLoader()
	cfg, err := loader.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	if *validateOnly {
		fmt.Println("Configuration is valid")
		os.Exit(0)
	}

	logger, err := logging.New(cfg.Logging.Level)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()
	logging.SetGlobal(logger)

	logging.Info("starting API gateway",
		zap.String("version", version),
		zap.String("config", *configPath),
		zap.Int("routes", len(cfg.Routes)),
		zap.Int("upstreams", len(cfg.Upstreams)),
	)

	server, err := gateway.NewServer(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to create gateway: %v\n", err)
		os.Exit(1)
	}

	if err := server.Run(); err != nil {
		logging.Error("server error", zap.Error(err))
		os.Exit(1)
	}
}
