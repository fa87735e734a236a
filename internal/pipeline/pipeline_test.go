package pipeline

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"io"
	"math"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hubenschmidt/voice-relay/internal/audio"
)

func tone(n int) []byte {
	buf := make([]byte, 4*n)
	for i := range n {
		v := float32(0.4 * math.Sin(2*math.Pi*300*float64(i)/16000))
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(v))
	}
	return buf
}

func TestWhisperRecognizerSendsLanguageAndTrims(t *testing.T) {
	var gotLang, gotFormat string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/inference", r.URL.Path)
		assert.NoError(t, r.ParseMultipartForm(1<<20))
		gotLang = r.FormValue("language")
		gotFormat = r.FormValue("response_format")
		f, _, err := r.FormFile("file")
		assert.NoError(t, err)
		data, _ := io.ReadAll(f)
		assert.True(t, audio.IsWAV(data))
		json.NewEncoder(w).Encode(map[string]string{"text": "  नमस्ते \n"})
	}))
	defer srv.Close()

	rec := NewWhisperRecognizer(WhisperConfig{URL: srv.URL})
	text, err := rec.Transcribe(context.Background(), tone(16000), "hi")
	require.NoError(t, err)
	assert.Equal(t, "नमस्ते", text)
	assert.Equal(t, "hi", gotLang)
	assert.Equal(t, "json", gotFormat)
}

func TestWhisperRecognizerSkipsSilence(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		json.NewEncoder(w).Encode(map[string]string{"text": "thanks for watching"})
	}))
	defer srv.Close()

	rec := NewWhisperRecognizer(WhisperConfig{URL: srv.URL})
	text, err := rec.Transcribe(context.Background(), make([]byte, 4*16000), "en")
	require.NoError(t, err)
	assert.Empty(t, text)
	assert.Zero(t, calls.Load())
}

func TestWhisperRecognizerFailureIsClassified(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "model not loaded", http.StatusInternalServerError)
	}))
	defer srv.Close()

	rec := NewWhisperRecognizer(WhisperConfig{URL: srv.URL})
	_, err := rec.Transcribe(context.Background(), tone(1600), "en")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrRecognitionFailed)
	assert.Contains(t, err.Error(), "model not loaded")

	_, err = NewWhisperRecognizer(WhisperConfig{URL: srv.URL, Codec: "bogus"}).Transcribe(context.Background(), tone(10), "en")
	assert.ErrorIs(t, err, ErrRecognitionFailed)
}

func TestGatedRecognizer(t *testing.T) {
	ready := false
	inner := RecognizerFunc(func(context.Context, []byte, string) (string, error) { return "hello", nil })
	g := NewGatedRecognizer(inner, func() bool { return ready })

	_, err := g.Transcribe(context.Background(), nil, "en")
	assert.ErrorIs(t, err, ErrRecognitionUnavailable)

	ready = true
	text, err := g.Transcribe(context.Background(), nil, "en")
	require.NoError(t, err)
	assert.Equal(t, "hello", text)
}

func TestOllamaTranslator(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/chat", r.URL.Path)
		var req ollamaChatRequest
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.False(t, req.Stream)
		if assert.Len(t, req.Messages, 2) {
			assert.Contains(t, req.Messages[1].Content, "Translate to English.")
			assert.Contains(t, req.Messages[1].Content, "Text: नमस्ते")
		}
		w.Write([]byte(`{"message":{"role":"assistant","content":" \"Hello\" "}}`))
	}))
	defer srv.Close()

	tr := NewOllamaTranslator(srv.URL, "llama3.2:3b", 128, NewPooledHTTPClient(2, 5*time.Second))
	out, err := tr.Translate(context.Background(), "नमस्ते", "English")
	require.NoError(t, err)
	assert.Equal(t, "Hello", out)
}

func TestOllamaTranslatorEmptyIsFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"message":{"role":"assistant","content":"   "}}`))
	}))
	defer srv.Close()

	tr := NewOllamaTranslator(srv.URL, "m", 0, http.DefaultClient)
	_, err := tr.Translate(context.Background(), "hola", "English")
	assert.ErrorIs(t, err, ErrTranslationFailed)
}

func TestChatTranslator(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/chat/completions", r.URL.Path)
		assert.Equal(t, "Bearer test-key", r.Header.Get("Authorization"))
		var body map[string]any
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "gemini-2.0-flash", body["model"])
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"id":"c1","object":"chat.completion","created":1,"model":"gemini-2.0-flash",
			"choices":[{"index":0,"finish_reason":"stop","message":{"role":"assistant","content":"Hello"}}]}`))
	}))
	defer srv.Close()

	tr := NewChatTranslator(srv.URL+"/", "test-key", "gemini-2.0-flash", http.DefaultClient)
	out, err := tr.Translate(context.Background(), "नमस्ते", "English")
	require.NoError(t, err)
	assert.Equal(t, "Hello", out)
}

func TestChatTranslatorFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":{"message":"bad key"}}`, http.StatusUnauthorized)
	}))
	defer srv.Close()

	tr := NewChatTranslator(srv.URL+"/", "k", "m", http.DefaultClient)
	_, err := tr.Translate(context.Background(), "hola", "English")
	assert.ErrorIs(t, err, ErrTranslationFailed)
}

func TestPiperSynthesizerVoicePerLanguage(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req struct{ Text, Voice string }
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "hi_IN-pratham-medium", req.Voice)
		w.Write([]byte("RIFFwav"))
	}))
	defer srv.Close()

	p := NewPiperSynthesizer(srv.URL, map[string]string{"hi": "hi_IN-pratham-medium"}, http.DefaultClient)
	out, err := p.Speak(context.Background(), "नमस्ते", "hi")
	require.NoError(t, err)
	assert.Equal(t, []byte("RIFFwav"), out)

	_, err = p.Speak(context.Background(), "hello", "kn")
	assert.ErrorIs(t, err, ErrSynthesisFailed)
}

func TestElevenLabsSynthesizer(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/text-to-speech/voice-1", r.URL.Path)
		assert.Equal(t, "secret", r.Header.Get("xi-api-key"))
		w.Write([]byte("mp3"))
	}))
	defer srv.Close()

	e := NewElevenLabsSynthesizer("secret", "voice-1", "eleven_multilingual_v2", http.DefaultClient)
	e.baseURL = srv.URL
	out, err := e.Speak(context.Background(), "hello", "en")
	require.NoError(t, err)
	assert.Equal(t, []byte("mp3"), out)
}

func TestGoogleSynthesizerChunksAndConcatenates(t *testing.T) {
	var (
		mu   sync.Mutex
		seen []string
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		assert.Equal(t, "hi", q.Get("tl"))
		mu.Lock()
		seen = append(seen, q.Get("q"))
		mu.Unlock()
		w.Write([]byte("[" + q.Get("idx") + "]"))
	}))
	defer srv.Close()

	g := NewGoogleSynthesizer(srv.URL, http.DefaultClient)
	long := strings.Repeat("word ", 60)
	out, err := g.Speak(context.Background(), long, "hi")
	require.NoError(t, err)
	assert.Len(t, seen, 2)
	assert.Equal(t, "[0][1]", string(out))

	_, err = g.Speak(context.Background(), "   ", "hi")
	assert.ErrorIs(t, err, ErrSynthesisFailed)
}

func TestSplitForTTS(t *testing.T) {
	assert.Equal(t, []string{"ab cd", "ef"}, splitForTTS("ab cd ef", 5))
	assert.Equal(t, []string{"abcde", "fg"}, splitForTTS("abcdefg", 5))
	assert.Empty(t, splitForTTS("", 5))
}

func TestRouters(t *testing.T) {
	fail := TranslatorFunc(func(context.Context, string, string) (string, error) {
		return "", errors.New("boom")
	})
	ok := TranslatorFunc(func(_ context.Context, text, lang string) (string, error) {
		return text + "@" + lang, nil
	})

	r := NewTranslatorRouter(map[string]Translator{"gemini": ok, "ollama": fail}, "gemini")
	out, err := r.Translate(context.Background(), "hi", "English")
	require.NoError(t, err)
	assert.Equal(t, "hi@English", out)
	assert.Equal(t, []string{"gemini", "ollama"}, r.Engines())
	assert.True(t, r.Has("ollama"))
	assert.Equal(t, "gemini", r.Default())

	_, err = r.Translate(WithEngine(context.Background(), StageTranslate, "ollama"), "hi", "English")
	assert.EqualError(t, err, "boom")
	out, err = r.Translate(WithEngine(context.Background(), StageTranslate, "missing"), "hi", "English")
	require.NoError(t, err, "unknown engine falls back to the default")
	assert.Equal(t, "hi@English", out)
	out, err = r.Translate(WithEngine(context.Background(), StageSynthesize, "ollama"), "hi", "English")
	require.NoError(t, err, "selection is per stage")
	assert.Equal(t, "hi@English", out)

	syn := NewSynthesizerRouter(map[string]Synthesizer{
		"google": SynthesizerFunc(func(context.Context, string, string) ([]byte, error) { return []byte("mp3"), nil }),
		"piper":  SynthesizerFunc(func(context.Context, string, string) ([]byte, error) { return []byte("wav"), nil }),
	}, "google")
	audio, err := syn.Speak(context.Background(), "x", "en")
	require.NoError(t, err)
	assert.Equal(t, []byte("mp3"), audio)
	audio, err = syn.Speak(WithEngine(context.Background(), StageSynthesize, "piper"), "x", "en")
	require.NoError(t, err)
	assert.Equal(t, []byte("wav"), audio)

	empty := NewSynthesizerRouter(map[string]Synthesizer{}, "piper")
	_, err = empty.Speak(context.Background(), "x", "en")
	assert.ErrorIs(t, err, ErrSynthesisFailed)
}
