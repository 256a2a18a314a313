package main

import (
	"context"
	"os"
	"time"

	cli "github.com/spf13/pflag"

	"github.com/lmittmann/tint"
	log "log/slog"

	"george/internal/config"
	"george/internal/ha"
	"george/internal/registry"
)

var logLevelMap = map[string]log.Level{
	"debug": log.LevelDebug,
	"info":  log.LevelInfo,
	"warn":  log.LevelWarn,
	"error": log.LevelError,
}

func main() {
	envFile := cli.StringP("env", "e", config.EnvPath(), "Env file path")
	logLevel := cli.StringP("log", "l", "info", "Log level")
	cli.Parse()

	log.SetDefault(log.New(tint.NewHandler(os.Stdout, &tint.Options{
		Level: logLevelMap[*logLevel],
	})))

	cfg := config.Load(*envFile)
	home := ha.NewClient(cfg)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	states, err := home.States(ctx)
	if err != nil {
		log.Error("Failed to fetch states", "err", err)
		os.Exit(1)
	}

	// Areas are hand-curated; keep them across refreshes.
	var areas []registry.Area
	if old, err := registry.Load(cfg.RegistryPath); err == nil {
		areas = old.Areas
	}

	reg := registry.Build(cfg.HAURL, states, areas)
	if err := reg.Save(cfg.RegistryPath); err != nil {
		log.Error("Failed to write registry", "path", cfg.RegistryPath, "err", err)
		os.Exit(1)
	}

	log.Info("Registry updated", "path", cfg.RegistryPath,
		"lights", reg.Counts.Lights, "switches", reg.Counts.Switches, "total", reg.Counts.Total)
}
