package main

import (
	"fmt"
	"os"
	"time"

	"github.com/hubenschmidt/voice-relay/internal/bootstrap"
	"github.com/hubenschmidt/voice-relay/internal/env"
	"github.com/hubenschmidt/voice-relay/internal/models"
)

type config struct {
	Server    serverConfig
	Log       logConfig
	Whisper   whisperConfig
	Audio     audioConfig
	Translate translateConfig
	TTS       ttsConfig `mapstructure:"tts"`
	Redis     redisConfig
	Trace     traceConfig
	Health    healthConfig

	Bootstrap bootstrap.Config `mapstructure:"-"`
}

type serverConfig struct {
	Port               string
	MaxConcurrentCalls int           `mapstructure:"max_concurrent_calls"`
	ShutdownTimeout    time.Duration `mapstructure:"-"`
	PingInterval       time.Duration `mapstructure:"-"`
}

type logConfig struct {
	Level  string
	Pretty bool
}

type whisperConfig struct {
	URL          string
	ControlURL   string `mapstructure:"control_url"`
	PoolSize     int    `mapstructure:"pool_size"`
	Model        string
	Fallback     string
	Attempts     int
	ModelsDir    string        `mapstructure:"models_dir"`
	Timeout      time.Duration `mapstructure:"-"`
	RetryDelay   time.Duration `mapstructure:"-"`
	ReadyTimeout time.Duration `mapstructure:"-"`
}

type audioConfig struct {
	Codec      string
	SampleRate int     `mapstructure:"sample_rate"`
	SilenceDB  float64 `mapstructure:"silence_db"`
}

type translateConfig struct {
	Engine        string
	MaxTokens     int    `mapstructure:"max_tokens"`
	OllamaURL     string `mapstructure:"ollama_url"`
	OllamaModel   string `mapstructure:"ollama_model"`
	GeminiAPIKey  string `mapstructure:"gemini_api_key"`
	GeminiModel   string `mapstructure:"gemini_model"`
	OpenAIBaseURL string `mapstructure:"openai_base_url"`
	OpenAIAPIKey  string `mapstructure:"openai_api_key"`
	OpenAIModel   string `mapstructure:"openai_model"`
	PoolSize      int    `mapstructure:"pool_size"`
}

type ttsConfig struct {
	Engine            string
	PoolSize          int    `mapstructure:"pool_size"`
	PiperURL          string `mapstructure:"piper_url"`
	PiperVoices       string `mapstructure:"piper_voices"`
	GoogleURL         string `mapstructure:"google_url"`
	SpeechURL         string `mapstructure:"speech_url"`
	SpeechAPIKey      string `mapstructure:"speech_api_key"`
	SpeechModel       string `mapstructure:"speech_model"`
	SpeechVoice       string `mapstructure:"speech_voice"`
	ElevenLabsAPIKey  string `mapstructure:"elevenlabs_api_key"`
	ElevenLabsVoiceID string `mapstructure:"elevenlabs_voice_id"`
	ElevenLabsModelID string `mapstructure:"elevenlabs_model_id"`
}

type redisConfig struct {
	Address  string
	Password string
	DB       int
	Prefix   string
	TTL      time.Duration `mapstructure:"-"`
}

type traceConfig struct {
	DatabaseURL string `mapstructure:"database_url"`
}

type healthConfig struct {
	Interval time.Duration `mapstructure:"-"`
	Instance string
}

func loadConfig() (*config, error) {
	v, err := env.Load("relay")
	if err != nil {
		return nil, err
	}

	v.SetDefault("server.port", "8000")
	v.SetDefault("server.max_concurrent_calls", 100)
	v.SetDefault("server.shutdown_timeout", "30s")
	v.SetDefault("server.ping_interval", "25s")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.pretty", false)
	v.SetDefault("whisper.url", "http://localhost:8080")
	v.SetDefault("whisper.control_url", "")
	v.SetDefault("whisper.pool_size", 50)
	v.SetDefault("whisper.model", "base")
	v.SetDefault("whisper.fallback", "tiny")
	v.SetDefault("whisper.attempts", 3)
	v.SetDefault("whisper.models_dir", "")
	v.SetDefault("whisper.timeout", "30s")
	v.SetDefault("whisper.retry_delay", "3s")
	v.SetDefault("whisper.ready_timeout", "2m")
	v.SetDefault("audio.codec", "f32le")
	v.SetDefault("audio.sample_rate", 16000)
	v.SetDefault("audio.silence_db", -45.0)
	v.SetDefault("translate.engine", "gemini")
	v.SetDefault("translate.max_tokens", 256)
	v.SetDefault("translate.ollama_url", "http://localhost:11434")
	v.SetDefault("translate.ollama_model", "llama3.2:3b")
	v.SetDefault("translate.gemini_model", "gemini-2.0-flash")
	v.SetDefault("translate.openai_model", "gpt-4o-mini")
	v.SetDefault("translate.pool_size", 50)
	v.SetDefault("tts.engine", "google")
	v.SetDefault("tts.pool_size", 50)
	v.SetDefault("tts.piper_url", "http://localhost:5100")
	v.SetDefault("tts.piper_voices", "en=en_US-lessac-medium,hi=hi_IN-pratham-medium,te=te_IN-maya-medium,fr=fr_FR-siwis-medium,es=es_ES-davefx-medium")
	v.SetDefault("tts.google_url", "")
	v.SetDefault("tts.speech_url", "")
	v.SetDefault("tts.speech_api_key", "")
	v.SetDefault("tts.speech_model", "tts-1")
	v.SetDefault("tts.speech_voice", "alloy")
	v.SetDefault("tts.elevenlabs_voice_id", "21m00Tcm4TlvDq8ikWAM")
	v.SetDefault("tts.elevenlabs_model_id", "eleven_multilingual_v2")
	v.SetDefault("redis.address", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.prefix", "voice-relay")
	v.SetDefault("redis.ttl", "30s")
	v.SetDefault("trace.database_url", "")
	v.SetDefault("health.interval", "10s")
	v.SetDefault("health.instance", "")

	env.Bind(v, map[string]string{
		"server.port":                 "GATEWAY_PORT",
		"server.max_concurrent_calls": "MAX_CONCURRENT_CALLS",
		"log.level":                   "LOG_LEVEL",
		"whisper.url":                 "WHISPER_SERVER_URL",
		"whisper.control_url":         "WHISPER_CONTROL_URL",
		"whisper.pool_size":           "ASR_POOL_SIZE",
		"whisper.model":               "WHISPER_MODEL",
		"whisper.fallback":            "WHISPER_FALLBACK_MODEL",
		"whisper.models_dir":          "WHISPER_MODELS_DIR",
		"translate.engine":            "TRANSLATE_ENGINE",
		"translate.max_tokens":        "LLM_MAX_TOKENS",
		"translate.ollama_url":        "OLLAMA_URL",
		"translate.ollama_model":      "OLLAMA_MODEL",
		"translate.gemini_api_key":    "GEMINI_API_KEY",
		"translate.gemini_model":      "GEMINI_MODEL",
		"translate.openai_base_url":   "OPENAI_BASE_URL",
		"translate.openai_api_key":    "OPENAI_API_KEY",
		"translate.openai_model":      "OPENAI_MODEL",
		"translate.pool_size":         "LLM_POOL_SIZE",
		"tts.engine":                  "TTS_ENGINE",
		"tts.pool_size":               "TTS_POOL_SIZE",
		"tts.piper_url":               "PIPER_URL",
		"tts.piper_voices":            "PIPER_VOICES",
		"tts.speech_url":              "KOKORO_URL",
		"tts.elevenlabs_api_key":      "ELEVENLABS_API_KEY",
		"tts.elevenlabs_voice_id":     "ELEVENLABS_VOICE_ID",
		"tts.elevenlabs_model_id":     "ELEVENLABS_MODEL_ID",
		"redis.address":               "REDIS_ADDRESS",
		"redis.password":              "REDIS_PASSWORD",
		"trace.database_url":          "TRACE_DATABASE_URL",
	})

	var cfg config
	if err = v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	cfg.Server.ShutdownTimeout = env.Duration(v, "server.shutdown_timeout", 30*time.Second)
	cfg.Server.PingInterval = env.Duration(v, "server.ping_interval", 25*time.Second)
	cfg.Whisper.Timeout = env.Duration(v, "whisper.timeout", 30*time.Second)
	cfg.Whisper.RetryDelay = env.Duration(v, "whisper.retry_delay", 3*time.Second)
	cfg.Whisper.ReadyTimeout = env.Duration(v, "whisper.ready_timeout", 2*time.Minute)
	cfg.Redis.TTL = env.Duration(v, "redis.ttl", 30*time.Second)
	cfg.Health.Interval = env.Duration(v, "health.interval", 10*time.Second)

	if cfg.Health.Instance == "" {
		cfg.Health.Instance, _ = os.Hostname()
	}

	if !models.Valid(cfg.Whisper.Model) {
		return nil, fmt.Errorf("unknown whisper model %q", cfg.Whisper.Model)
	}
	if cfg.Whisper.Fallback != "" && !models.Valid(cfg.Whisper.Fallback) {
		return nil, fmt.Errorf("unknown whisper fallback model %q", cfg.Whisper.Fallback)
	}
	cfg.Bootstrap = bootstrap.Config{
		Primary:  cfg.Whisper.Model,
		Fallback: cfg.Whisper.Fallback,
		Attempts: cfg.Whisper.Attempts,
		Delay:    cfg.Whisper.RetryDelay,
	}
	return &cfg, nil
}
