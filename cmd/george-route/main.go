package main

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	cli "github.com/spf13/pflag"

	"github.com/lmittmann/tint"
	log "log/slog"

	"george/internal/config"
	"george/internal/ha"
	"george/internal/llm"
	"george/internal/registry"
	"george/internal/route"
)

var logLevelMap = map[string]log.Level{
	"debug": log.LevelDebug,
	"info":  log.LevelInfo,
	"warn":  log.LevelWarn,
	"error": log.LevelError,
}

// george-route sends typed text through the same routing path the daemon
// uses for transcriptions. Handy to debug the LLM without a microphone.
func main() {
	envFile := cli.StringP("env", "e", config.EnvPath(), "Env file path")
	logLevel := cli.StringP("log", "l", "info", "Log level")
	dryRun := cli.BoolP("dry-run", "n", false, "Validate only, do not call Home Assistant")
	cli.Parse()

	log.SetDefault(log.New(tint.NewHandler(os.Stdout, &tint.Options{
		Level: logLevelMap[*logLevel],
	})))

	if cli.NArg() == 0 {
		fmt.Fprintln(os.Stderr, "usage: george-route 'turn on kitchen light'")
		os.Exit(2)
	}
	text := strings.Join(cli.Args(), " ")

	cfg := config.Load(*envFile)

	reg, err := registry.Load(cfg.RegistryPath)
	if err != nil {
		log.Error("Failed to load registry", "err", err)
		os.Exit(1)
	}

	prompt, err := route.BuildPrompt(text, reg)
	if err != nil {
		log.Error("Failed to build prompt", "err", err)
		os.Exit(1)
	}
	log.Debug("Prompt ready", "prompt", prompt)

	completer := llm.NewClient(cfg.LLMURL, cfg.LLMModel, cfg.LLMAPIKey, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()

	t0 := time.Now()
	content, err := completer.Complete(ctx, prompt)
	if err != nil {
		log.Error("LLM call failed", "err", err)
		os.Exit(1)
	}
	log.Info("LLM answered", "elapsed", time.Since(t0), "content", content)

	dec, err := route.ParseDecision(content)
	if err != nil {
		log.Error("Bad decision", "err", err)
		os.Exit(1)
	}

	if dec.IsReply() {
		fmt.Println("Reply:", dec.ResponseText)
		return
	}

	action, err := route.Validate(dec, reg)
	if err != nil {
		log.Error("Decision rejected", "err", err)
		os.Exit(1)
	}

	if *dryRun {
		fmt.Printf("Would execute: %s.%s -> %v\n", action.Domain, action.Service, action.Payload)
		return
	}

	home := ha.NewClient(cfg)
	if err := home.CallService(ctx, action.Domain, action.Service, action.Payload); err != nil {
		log.Error("Service call failed", "err", err)
		os.Exit(1)
	}
	fmt.Printf("Executed: %s.%s -> %v\n", action.Domain, action.Service, action.Payload)
}
