// Command whisper-control supervises a whisper.cpp server: it downloads ggml
// models on demand and restarts the server when asked for a different model.
package main

import (
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/hubenschmidt/voice-relay/internal/env"
	applog "github.com/hubenschmidt/voice-relay/internal/log"
	"github.com/hubenschmidt/voice-relay/internal/models"
)

func main() {
	v, err := env.Load("whisper-control")
	if err != nil {
		applog.L().Fatal().Err(err).Msg("load config")
	}
	home := os.Getenv("HOME")
	v.SetDefault("control.port", "8179")
	v.SetDefault("whisper.bin", filepath.Join(home, ".local/bin/whisper-server"))
	v.SetDefault("whisper.model", "base")
	v.SetDefault("whisper.host", "0.0.0.0")
	v.SetDefault("whisper.port", "8178")
	v.SetDefault("whisper.threads", "4")
	v.SetDefault("whisper.args", "")
	v.SetDefault("whisper.models_dir", filepath.Join(home, ".local/share/whisper"))
	v.SetDefault("whisper.start_timeout", "60s")
	v.SetDefault("log.level", "info")
	env.Bind(v, map[string]string{
		"control.port":       "CONTROL_PORT",
		"whisper.bin":        "WHISPER_BIN",
		"whisper.model":      "WHISPER_MODEL",
		"whisper.port":       "WHISPER_PORT",
		"whisper.threads":    "WHISPER_THREADS",
		"whisper.models_dir": "WHISPER_MODELS_DIR",
		"log.level":          "LOG_LEVEL",
	})

	applog.Init(applog.Config{Level: v.GetString("log.level"), ServiceName: "whisper-control"})
	log := applog.L()

	port := v.GetString("whisper.port")
	c := &controller{
		launch: execLauncher(
			v.GetString("whisper.bin"),
			v.GetString("whisper.host"),
			port,
			v.GetString("whisper.threads"),
			strings.Fields(v.GetString("whisper.args")),
		),
		downloader:   models.NewDownloader(v.GetString("whisper.models_dir")),
		healthURL:    "http://localhost:" + port,
		startTimeout: env.Duration(v, "whisper.start_timeout", time.Minute),
		defaultModel: models.NameFromPath(v.GetString("whisper.model")),
		httpClient:   &http.Client{Timeout: 2 * time.Second},
	}
	defer c.stop()

	addr := ":" + v.GetString("control.port")
	log.Info().Str("addr", addr).Str("models_dir", c.downloader.Dir).Msg("whisper-control listening")
	if err := http.ListenAndServe(addr, applog.HTTPMiddleware(*log)(c.routes())); err != nil {
		log.Error().Err(err).Msg("server failed")
		os.Exit(1)
	}
}
