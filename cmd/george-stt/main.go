package main

import (
	"net/http"
	"os"

	cli "github.com/spf13/pflag"

	"github.com/lmittmann/tint"
	log "log/slog"

	"george/internal/sttserver"
	"george/pkg/stt"
)

var logLevelMap = map[string]log.Level{
	"debug": log.LevelDebug,
	"info":  log.LevelInfo,
	"warn":  log.LevelWarn,
	"error": log.LevelError,
}

func main() {
	addr := cli.StringP("addr", "a", ":8008", "Listen address")
	model := cli.StringP("model", "m", "models/ggml-base.en.bin", "Whisper model path")
	logLevel := cli.StringP("log", "l", "info", "Log level")
	cli.Parse()

	log.SetDefault(log.New(tint.NewHandler(os.Stdout, &tint.Options{
		Level: logLevelMap[*logLevel],
	})))

	engine, err := stt.NewEngine(*model)
	if err != nil {
		log.Error("Failed to load whisper model", "model", *model, "err", err)
		os.Exit(1)
	}
	defer engine.Close()

	log.Info("STT server listening", "addr", *addr, "model", *model)

	srv := sttserver.New(engine)
	if err := http.ListenAndServe(*addr, srv.Router()); err != nil {
		log.Error("server stopped", "err", err)
		os.Exit(1)
	}
}
