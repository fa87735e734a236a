// Command piper wraps the piper CLI in a small HTTP service that turns text
// into WAV speech with a per-language voice.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/hubenschmidt/voice-relay/internal/env"
	applog "github.com/hubenschmidt/voice-relay/internal/log"
)

type synthRequest struct {
	Text     string `json:"text"`
	Voice    string `json:"voice"`
	Language string `json:"language"`
}

// runFunc synthesizes text with the voice at modelPath and returns WAV bytes.
type runFunc func(ctx context.Context, text, modelPath string) ([]byte, error)

type server struct {
	modelDir     string
	defaultVoice string
	voices       map[string]string
	run          runFunc
}

var errUnknownVoice = errors.New("voice model not found")

func main() {
	v, err := env.Load("piper")
	if err != nil {
		applog.L().Fatal().Err(err).Msg("load config")
	}
	v.SetDefault("piper.port", "5100")
	v.SetDefault("piper.bin", "/usr/local/bin/piper")
	v.SetDefault("piper.model_dir", "/models")
	v.SetDefault("piper.voice", "en_US-lessac-medium")
	v.SetDefault("piper.voices", "")
	v.SetDefault("log.level", "info")
	env.Bind(v, map[string]string{
		"piper.port":      "PIPER_PORT",
		"piper.bin":       "PIPER_BIN",
		"piper.model_dir": "PIPER_MODEL_DIR",
		"piper.voice":     "PIPER_VOICE",
		"piper.voices":    "PIPER_VOICES",
		"log.level":       "LOG_LEVEL",
	})

	applog.Init(applog.Config{Level: v.GetString("log.level"), ServiceName: "piper"})
	log := applog.L()

	s := &server{
		modelDir:     v.GetString("piper.model_dir"),
		defaultVoice: v.GetString("piper.voice"),
		voices:       env.StringMap(v.GetString("piper.voices")),
		run:          piperCLI(v.GetString("piper.bin")),
	}

	addr := ":" + v.GetString("piper.port")
	log.Info().Str("addr", addr).Str("model_dir", s.modelDir).Int("voices", len(s.voices)).Msg("piper listening")
	if err := http.ListenAndServe(addr, applog.HTTPMiddleware(*log)(s.routes())); err != nil {
		log.Error().Err(err).Msg("server failed")
		os.Exit(1)
	}
}

func (s *server) routes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"ok"}`))
	})
	mux.HandleFunc("POST /synthesize", s.handleSynthesize)
	return mux
}

func (s *server) handleSynthesize(w http.ResponseWriter, r *http.Request) {
	var req synthRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || strings.TrimSpace(req.Text) == "" {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}

	voice := s.resolveVoice(req.Voice, req.Language)
	modelPath, err := s.modelPath(voice)
	if err != nil {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}

	audio, err := s.run(r.Context(), req.Text, modelPath)
	if err != nil {
		applog.Ctx(r.Context()).Error().Err(err).Str("voice", voice).Msg("piper failed")
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "audio/wav")
	w.Write(audio)
}

// resolveVoice prefers an explicit voice, then the language's voice, then the default.
func (s *server) resolveVoice(voice, lang string) string {
	if voice != "" {
		return voice
	}
	if v, ok := s.voices[lang]; ok {
		return v
	}
	return s.defaultVoice
}

func (s *server) modelPath(voice string) (string, error) {
	if voice == "" || strings.ContainsAny(voice, `/\`) || strings.Contains(voice, "..") {
		return "", fmt.Errorf("%w: %q", errUnknownVoice, voice)
	}
	path := filepath.Join(s.modelDir, voice+".onnx")
	if _, err := os.Stat(path); err != nil {
		return "", fmt.Errorf("%w: %q", errUnknownVoice, voice)
	}
	return path, nil
}

func piperCLI(bin string) runFunc {
	return func(ctx context.Context, text, modelPath string) ([]byte, error) {
		tmp, err := os.CreateTemp("", "piper-*.wav")
		if err != nil {
			return nil, fmt.Errorf("temp file: %w", err)
		}
		outPath := tmp.Name()
		tmp.Close()
		defer os.Remove(outPath)

		cmd := exec.CommandContext(ctx, bin,
			"--model", modelPath,
			"--config", modelPath+".json",
			"--output_file", outPath,
		)
		cmd.Stdin = strings.NewReader(text)

		if output, err := cmd.CombinedOutput(); err != nil {
			return nil, fmt.Errorf("piper: %v\n%s", err, output)
		}
		return os.ReadFile(outPath)
	}
}
