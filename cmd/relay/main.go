package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/hubenschmidt/voice-relay/internal/audio"
	"github.com/hubenschmidt/voice-relay/internal/bootstrap"
	"github.com/hubenschmidt/voice-relay/internal/control"
	"github.com/hubenschmidt/voice-relay/internal/env"
	"github.com/hubenschmidt/voice-relay/internal/health"
	applog "github.com/hubenschmidt/voice-relay/internal/log"
	"github.com/hubenschmidt/voice-relay/internal/metrics"
	"github.com/hubenschmidt/voice-relay/internal/pipeline"
	"github.com/hubenschmidt/voice-relay/internal/relay"
	"github.com/hubenschmidt/voice-relay/internal/room"
	"github.com/hubenschmidt/voice-relay/internal/trace"
	"github.com/hubenschmidt/voice-relay/internal/ws"
)

const (
	whisperService = "whisper-server"
	backendTimeout = 30 * time.Second
)

func main() {
	cfg, err := loadConfig()
	if err != nil {
		applog.L().Fatal().Err(err).Msg("load config")
	}
	applog.Init(applog.Config{Level: cfg.Log.Level, Pretty: cfg.Log.Pretty, ServiceName: "voice-relay"})
	log := applog.L()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Sidecar control
	var svcMgr *control.Manager
	if cfg.Whisper.ControlURL != "" {
		svcMgr = control.NewManager(map[string]control.Service{
			whisperService: {
				Category:   "stt",
				HealthURL:  cfg.Whisper.URL,
				ControlURL: cfg.Whisper.ControlURL,
			},
		})
	}

	// Recognition
	codec, err := audio.ParseCodec(cfg.Audio.Codec)
	if err != nil {
		log.Fatal().Err(err).Msg("audio codec")
	}
	whisper := pipeline.NewWhisperRecognizer(pipeline.WhisperConfig{
		URL:                cfg.Whisper.URL,
		PoolSize:           cfg.Whisper.PoolSize,
		Timeout:            cfg.Whisper.Timeout,
		Codec:              codec,
		SampleRate:         cfg.Audio.SampleRate,
		SilenceThresholdDB: cfg.Audio.SilenceDB,
	})
	acquirer := &bootstrap.WhisperAcquirer{
		Service: whisperService,
		Warmer:  whisper,
		Timeout: cfg.Whisper.ReadyTimeout,
	}
	if svcMgr != nil {
		acquirer.Starter = svcMgr
	}
	loader := bootstrap.NewLoader(acquirer, cfg.Bootstrap)
	recognizer := pipeline.NewGatedRecognizer(whisper, loader.Ready)

	translator := buildTranslator(cfg)
	synthesizer := buildSynthesizer(cfg)

	// Rooms
	rooms := room.NewRegistry()
	rooms.OnChange(func(n int) { metrics.RoomsActive.Set(float64(n)) })
	orch := relay.New(rooms, recognizer, translator, synthesizer)

	// HTTP dependencies and tracing
	d := deps{
		translator:  orch,
		loader:      loader,
		asrService:  whisperService,
		modelsDir:   cfg.Whisper.ModelsDir,
		translators: translator,
		synthesizer: synthesizer,
		svcMgr:      svcMgr,
	}
	var sink trace.Sink
	if cfg.Trace.DatabaseURL != "" {
		store, err := trace.Open(ctx, cfg.Trace.DatabaseURL)
		if err != nil {
			log.Warn().Err(err).Msg("tracing disabled")
		} else {
			defer store.Close()
			sink, d.traces = store, store
			log.Info().Msg("tracing enabled")
		}
	}

	d.wsHandler = ws.NewHandler(ws.HandlerConfig{
		Rooms:         rooms,
		Processor:     orch,
		MaxConcurrent: cfg.Server.MaxConcurrentCalls,
		TraceSink:     sink,
		PingInterval:  cfg.Server.PingInterval,
	})

	// Health
	checker := health.NewChecker(loader, rooms)
	d.health = checker
	reporters := []health.Reporter{&health.LogReporter{}}
	if cfg.Redis.Address != "" {
		rc, err := health.NewRedisClient(ctx, health.RedisConfig{Address: cfg.Redis.Address, Password: cfg.Redis.Password, DB: cfg.Redis.DB})
		if err != nil {
			log.Warn().Err(err).Msg("redis health reporting disabled")
		} else {
			defer rc.Close()
			reporters = append(reporters, health.NewRedisReporter(rc, health.RedisConfig{
				Prefix:   cfg.Redis.Prefix,
				Instance: cfg.Health.Instance,
				TTL:      cfg.Redis.TTL,
			}))
		}
	}

	mux := http.NewServeMux()
	registerRoutes(mux, d)

	addr := ":" + cfg.Server.Port
	srv := &http.Server{Addr: addr, Handler: applog.HTTPMiddleware(*log)(mux)}

	g, gCtx := errgroup.WithContext(ctx)
	g.Go(func() error {
		st := loader.Run(gCtx)
		log.Info().Str("phase", string(st.Phase)).Str("model", st.Model).Msg("model bootstrap settled")
		return nil
	})
	g.Go(func() error {
		return checker.Poll(gCtx, cfg.Health.Interval, reporters...)
	})
	g.Go(func() error {
		log.Info().Str("addr", addr).Int("max_concurrent", cfg.Server.MaxConcurrentCalls).Msg("relay starting")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gCtx.Done()
		log.Info().Msg("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		log.Error().Err(err).Msg("relay failed")
		os.Exit(1)
	}
	log.Info().Msg("relay stopped")
}

// buildTranslator registers every configured backend and selects the
// configured engine, falling back to ollama.
func buildTranslator(cfg *config) *pipeline.TranslatorRouter {
	tc := cfg.Translate
	httpClient := pipeline.NewPooledHTTPClient(tc.PoolSize, backendTimeout)

	backends := map[string]pipeline.Translator{
		"ollama": pipeline.NewOllamaTranslator(tc.OllamaURL, tc.OllamaModel, tc.MaxTokens, httpClient),
	}
	if tc.GeminiAPIKey != "" {
		backends["gemini"] = pipeline.NewChatTranslator(pipeline.GeminiOpenAIBaseURL, tc.GeminiAPIKey, tc.GeminiModel, httpClient)
	}
	if tc.OpenAIAPIKey != "" {
		backends["openai"] = pipeline.NewChatTranslator(tc.OpenAIBaseURL, tc.OpenAIAPIKey, tc.OpenAIModel, httpClient)
		provider := pipeline.NewOpenAIProvider(tc.OpenAIBaseURL, tc.OpenAIAPIKey)
		backends["agent"] = pipeline.NewAgentTranslator(provider, tc.OpenAIModel, tc.MaxTokens)
	}

	engine := tc.Engine
	if _, ok := backends[engine]; !ok {
		applog.L().Warn().Str("engine", engine).Msg("translation engine not configured, using ollama")
		engine = "ollama"
	}
	return pipeline.NewTranslatorRouter(backends, engine)
}

// buildSynthesizer registers every configured backend and selects the
// configured engine, falling back to google.
func buildSynthesizer(cfg *config) *pipeline.SynthesizerRouter {
	tc := cfg.TTS
	httpClient := pipeline.NewPooledHTTPClient(tc.PoolSize, backendTimeout)

	backends := map[string]pipeline.Synthesizer{
		"google": pipeline.NewGoogleSynthesizer(tc.GoogleURL, httpClient),
	}
	if tc.PiperURL != "" {
		backends["piper"] = pipeline.NewPiperSynthesizer(tc.PiperURL, env.StringMap(tc.PiperVoices), httpClient)
	}
	if tc.SpeechURL != "" {
		backends["speech"] = pipeline.NewOpenAISpeechSynthesizer(tc.SpeechURL, tc.SpeechAPIKey, tc.SpeechModel, tc.SpeechVoice, httpClient)
	}
	if tc.ElevenLabsAPIKey != "" {
		backends["elevenlabs"] = pipeline.NewElevenLabsSynthesizer(tc.ElevenLabsAPIKey, tc.ElevenLabsVoiceID, tc.ElevenLabsModelID, httpClient)
	}

	engine := tc.Engine
	if _, ok := backends[engine]; !ok {
		applog.L().Warn().Str("engine", engine).Msg("tts engine not configured, using google")
		engine = "google"
	}
	return pipeline.NewSynthesizerRouter(backends, engine)
}
