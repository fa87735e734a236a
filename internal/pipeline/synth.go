package pipeline

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"unicode/utf8"

	"github.com/hubenschmidt/voice-relay/internal/metrics"
)

func synthFailed(engine string, err error) error {
	metrics.Errors.WithLabelValues("synthesize", engine).Inc()
	return fmt.Errorf("%w: %s: %v", ErrSynthesisFailed, engine, err)
}

// --- Piper (local neural TTS sidecar, returns WAV) ---

// PiperSynthesizer posts to the piper sidecar with a per-language voice.
type PiperSynthesizer struct {
	url    string
	voices map[string]string
	client *http.Client
}

// NewPiperSynthesizer creates a piper client. voices maps language codes to piper voice names.
func NewPiperSynthesizer(url string, voices map[string]string, client *http.Client) *PiperSynthesizer {
	return &PiperSynthesizer{url: strings.TrimRight(url, "/"), voices: voices, client: client}
}

func (p *PiperSynthesizer) Speak(ctx context.Context, text, targetLang string) ([]byte, error) {
	voice, ok := p.voices[targetLang]
	if !ok {
		return nil, synthFailed("piper", fmt.Errorf("no voice for language %q", targetLang))
	}
	req, err := newJSONRequest(ctx, p.url+"/synthesize", struct {
		Text     string `json:"text"`
		Voice    string `json:"voice"`
		Language string `json:"language"`
	}{Text: text, Voice: voice, Language: targetLang})
	if err != nil {
		return nil, synthFailed("piper", err)
	}
	out, err := doBytes(p.client, req)
	if err != nil {
		return nil, synthFailed("piper", err)
	}
	return out, nil
}

// --- OpenAI-compatible /v1/audio/speech (OpenAI, Kokoro, Orpheus) ---

// OpenAISpeechSynthesizer posts to an OpenAI-compatible speech endpoint.
type OpenAISpeechSynthesizer struct {
	url    string
	apiKey string
	model  string
	voice  string
	client *http.Client
}

// NewOpenAISpeechSynthesizer creates a speech client. apiKey may be empty for local servers.
func NewOpenAISpeechSynthesizer(url, apiKey, model, voice string, client *http.Client) *OpenAISpeechSynthesizer {
	return &OpenAISpeechSynthesizer{url: strings.TrimRight(url, "/"), apiKey: apiKey, model: model, voice: voice, client: client}
}

func (o *OpenAISpeechSynthesizer) Speak(ctx context.Context, text, _ string) ([]byte, error) {
	req, err := newJSONRequest(ctx, o.url+"/v1/audio/speech", struct {
		Input          string `json:"input"`
		Model          string `json:"model"`
		Voice          string `json:"voice"`
		ResponseFormat string `json:"response_format"`
	}{Input: text, Model: o.model, Voice: o.voice, ResponseFormat: "mp3"})
	if err != nil {
		return nil, synthFailed("openai", err)
	}
	if o.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+o.apiKey)
	}
	out, err := doBytes(o.client, req)
	if err != nil {
		return nil, synthFailed("openai", err)
	}
	return out, nil
}

// --- ElevenLabs (cloud, multilingual, returns MP3) ---

const elevenLabsBaseURL = "https://api.elevenlabs.io"

// ElevenLabsSynthesizer calls the ElevenLabs text-to-speech API.
type ElevenLabsSynthesizer struct {
	baseURL string
	apiKey  string
	voiceID string
	modelID string
	client  *http.Client
}

// NewElevenLabsSynthesizer creates an ElevenLabs client.
func NewElevenLabsSynthesizer(apiKey, voiceID, modelID string, client *http.Client) *ElevenLabsSynthesizer {
	return &ElevenLabsSynthesizer{baseURL: elevenLabsBaseURL, apiKey: apiKey, voiceID: voiceID, modelID: modelID, client: client}
}

func (e *ElevenLabsSynthesizer) Speak(ctx context.Context, text, targetLang string) ([]byte, error) {
	req, err := newJSONRequest(ctx, fmt.Sprintf("%s/v1/text-to-speech/%s", e.baseURL, e.voiceID), struct {
		Text         string `json:"text"`
		ModelID      string `json:"model_id"`
		LanguageCode string `json:"language_code,omitempty"`
	}{Text: text, ModelID: e.modelID, LanguageCode: targetLang})
	if err != nil {
		return nil, synthFailed("elevenlabs", err)
	}
	req.Header.Set("xi-api-key", e.apiKey)
	req.Header.Set("Accept", "audio/mpeg")

	out, err := doBytes(e.client, req)
	if err != nil {
		return nil, synthFailed("elevenlabs", err)
	}
	return out, nil
}

// --- Google Translate TTS (keyless, returns MP3) ---

const (
	googleTTSURL      = "https://translate.google.com/translate_tts"
	googleTTSMaxChars = 200
)

// GoogleSynthesizer fetches speech from the Google Translate TTS endpoint.
// Long text is split on word boundaries and the MP3 segments concatenated.
type GoogleSynthesizer struct {
	url    string
	client *http.Client
}

// NewGoogleSynthesizer creates a client. An empty endpoint selects the public one.
func NewGoogleSynthesizer(endpoint string, client *http.Client) *GoogleSynthesizer {
	if endpoint == "" {
		endpoint = googleTTSURL
	}
	return &GoogleSynthesizer{url: endpoint, client: client}
}

func (g *GoogleSynthesizer) Speak(ctx context.Context, text, targetLang string) ([]byte, error) {
	parts := splitForTTS(text, googleTTSMaxChars)
	if len(parts) == 0 {
		return nil, synthFailed("google", fmt.Errorf("empty text"))
	}
	var out []byte
	for i, part := range parts {
		q := url.Values{
			"ie":      {"UTF-8"},
			"client":  {"tw-ob"},
			"tl":      {targetLang},
			"q":       {part},
			"total":   {fmt.Sprint(len(parts))},
			"idx":     {fmt.Sprint(i)},
			"textlen": {fmt.Sprint(utf8.RuneCountInString(part))},
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, g.url+"?"+q.Encode(), nil)
		if err != nil {
			return nil, synthFailed("google", err)
		}
		req.Header.Set("User-Agent", "Mozilla/5.0")
		seg, err := doBytes(g.client, req)
		if err != nil {
			return nil, synthFailed("google", err)
		}
		out = append(out, seg...)
	}
	return out, nil
}

// splitForTTS breaks text into chunks of at most limit runes, preferring spaces.
func splitForTTS(text string, limit int) []string {
	words := strings.Fields(text)
	var (
		parts []string
		cur   strings.Builder
		n     int
	)
	flush := func() {
		if cur.Len() > 0 {
			parts = append(parts, cur.String())
			cur.Reset()
			n = 0
		}
	}
	for _, w := range words {
		wl := utf8.RuneCountInString(w)
		for wl > limit {
			flush()
			r := []rune(w)
			parts = append(parts, string(r[:limit]))
			w = string(r[limit:])
			wl -= limit
		}
		if n > 0 && n+1+wl > limit {
			flush()
		}
		if n > 0 {
			cur.WriteByte(' ')
			n++
		}
		cur.WriteString(w)
		n += wl
	}
	flush()
	return parts
}
