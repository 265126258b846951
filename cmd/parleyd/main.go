// Package main is the entry point for the parley gateway daemon.
// parleyd serves the websocket gateway and prunes the change feed.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	flag "github.com/spf13/pflag"

	"github.com/tOgg1/parley/internal/chat"
	"github.com/tOgg1/parley/internal/config"
	"github.com/tOgg1/parley/internal/gateway"
	"github.com/tOgg1/parley/internal/logging"
)

// Version information (set by goreleaser)
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	configFile := flag.String("config", "", "config file (default is $HOME/.config/parley/config.yaml)")
	addr := flag.String("addr", "", "listen address (overrides gateway.listen_addr)")
	logLevel := flag.String("log-level", "", "override logging level (debug, info, warn, error)")
	logFormat := flag.String("log-format", "", "override logging format (json, console)")
	envFiles := flag.StringSlice("env-file", nil, "dotenv files to load before the environment (default .env)")
	flag.Parse()

	cfg, loader, err := loadConfig(*configFile, *envFiles)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
		os.Exit(1)
	}

	if *logLevel != "" {
		cfg.Logging.Level = *logLevel
	}
	if *logFormat != "" {
		cfg.Logging.Format = *logFormat
	}
	if *addr != "" {
		cfg.Gateway.ListenAddr = *addr
	}

	logCfg := logging.Config{
		Level:        cfg.Logging.Level,
		Format:       cfg.Logging.Format,
		EnableCaller: cfg.Logging.EnableCaller,
	}
	if cfg.Logging.File != "" {
		f, err := logging.OpenFile(cfg.Logging.File)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error opening log file: %v\n", err)
			os.Exit(1)
		}
		defer f.Close()
		logCfg.Output = f
	}
	logging.Init(logCfg)
	logger := logging.Component("parleyd")

	if err := cfg.EnsureDirectories(); err != nil {
		logger.Warn().Err(err).Msg("failed to create directories")
	}
	if cfgUsed := loader.ConfigFileUsed(); cfgUsed != "" {
		logger.Debug().Str("config_file", cfgUsed).Msg("loaded config file")
	}
	logger.Debug().Interface("settings", logging.RedactMap(loader.Viper().AllSettings())).Msg("effective configuration")

	logger.Info().
		Str("version", version).
		Str("commit", commit).
		Str("built", date).
		Str("database", cfg.DatabasePath()).
		Msg("parleyd starting")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	svc, err := chat.Open(ctx, cfg)
	if err != nil {
		logger.Error().Err(err).Msg("failed to open store")
		os.Exit(1)
	}
	defer svc.Close()

	if err := gateway.Serve(ctx, svc, cfg); err != nil {
		logger.Error().Err(err).Msg("parleyd exited with error")
		_ = svc.Close()
		os.Exit(1)
	}
	logger.Info().Msg("parleyd stopped")
}

func loadConfig(path string, envFiles []string) (*config.Config, *config.Loader, error) {
	loader := config.NewLoader()
	loader.UseDotEnv(envFiles...)
	if path != "" {
		loader.SetConfigFile(path)
	}
	cfg, err := loader.Load()
	if err != nil {
		return nil, nil, err
	}
	return cfg, loader, nil
}
