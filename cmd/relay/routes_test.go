package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/url"
	"slices"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hubenschmidt/voice-relay/internal/bootstrap"
	"github.com/hubenschmidt/voice-relay/internal/control"
	"github.com/hubenschmidt/voice-relay/internal/health"
	"github.com/hubenschmidt/voice-relay/internal/pipeline"
	"github.com/hubenschmidt/voice-relay/internal/relay"
	"github.com/hubenschmidt/voice-relay/internal/room"
	"github.com/hubenschmidt/voice-relay/internal/trace"
)

type fakeOneShot struct {
	gotCtx         context.Context
	gotSrc, gotTgt string
	res            *relay.Result
	err            error
}

func (f *fakeOneShot) Translate(ctx context.Context, _ []byte, src, tgt string) (*relay.Result, error) {
	f.gotCtx, f.gotSrc, f.gotTgt = ctx, src, tgt
	return f.res, f.err
}

type engineList []string

func (e engineList) Has(engine string) bool { return slices.Contains(e, engine) }

func (e engineList) Default() string { return e[0] }

func (e engineList) Engines() []string { return e }

type fixedLoader bootstrap.State

func (f fixedLoader) State() bootstrap.State { return bootstrap.State(f) }

func (f fixedLoader) Reload(context.Context, string) bootstrap.State { return bootstrap.State(f) }

func (f fixedLoader) Invalidate(string) bootstrap.State { return bootstrap.State(f) }

func newMux(t *testing.T, d deps) *http.ServeMux {
	t.Helper()
	if d.wsHandler == nil {
		d.wsHandler = http.NotFoundHandler()
	}
	if d.health == nil {
		d.health = http.NotFoundHandler()
	}
	if d.translators == nil {
		d.translators = engineList{"gemini", "ollama"}
	}
	if d.synthesizer == nil {
		d.synthesizer = engineList{"google"}
	}
	if d.loader == nil {
		d.loader = fixedLoader{Phase: bootstrap.PhaseReady, Model: "base"}
	}
	mux := http.NewServeMux()
	registerRoutes(mux, d)
	return mux
}

func upload(t *testing.T, audio []byte, fields map[string]string) *http.Request {
	t.Helper()
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	if audio != nil {
		part, err := mw.CreateFormFile("audio", "clip.webm")
		require.NoError(t, err)
		part.Write(audio)
	}
	for k, v := range fields {
		require.NoError(t, mw.WriteField(k, v))
	}
	require.NoError(t, mw.Close())
	req := httptest.NewRequest(http.MethodPost, "/api/translate", &body)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	return req
}

func TestRootAndLanguages(t *testing.T) {
	mux := newMux(t, deps{})

	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"status":"ok"`)

	rec = httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/languages", nil))
	var body struct {
		Languages []struct{ Code, Name string }
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Len(t, body.Languages, 11)
}

func TestModels(t *testing.T) {
	mux := newMux(t, deps{synthesizer: engineList{"google", "piper"}})
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/models", nil))

	type engines struct {
		Engines []string `json:"engines"`
		Default string   `json:"default"`
	}
	var body struct {
		ASR struct {
			Active string `json:"active"`
			State  string `json:"state"`
		} `json:"asr"`
		Translate engines `json:"translate"`
		TTS       engines `json:"tts"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "base", body.ASR.Active)
	assert.Equal(t, "ready", body.ASR.State)
	assert.Equal(t, engines{Engines: []string{"gemini", "ollama"}, Default: "gemini"}, body.Translate)
	assert.Equal(t, engines{Engines: []string{"google", "piper"}, Default: "google"}, body.TTS)
}

func TestTranslateReturnsAudio(t *testing.T) {
	fake := &fakeOneShot{res: &relay.Result{OriginalText: "नमस्ते", TranslatedText: "Hello", Audio: []byte("ID3\x03audio")}}
	mux := newMux(t, deps{translator: fake})

	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, upload(t, []byte("webm"), nil))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ID3\x03audio", rec.Body.String())
	assert.Equal(t, "hi", fake.gotSrc)
	assert.Equal(t, "en", fake.gotTgt)
	orig, err := url.QueryUnescape(rec.Header().Get("X-Original-Text"))
	require.NoError(t, err)
	assert.Equal(t, "नमस्ते", orig)
	assert.Equal(t, "Hello", rec.Header().Get("X-Translated-Text"))
}

func TestTranslateErrors(t *testing.T) {
	cases := []struct {
		name   string
		audio  []byte
		err    error
		status int
		msg    string
	}{
		{"no file", nil, nil, http.StatusBadRequest, "No audio file provided"},
		{"no speech", []byte("x"), pipeline.ErrNoSpeech, http.StatusBadRequest, "No speech detected"},
		{"unavailable", []byte("x"), pipeline.ErrRecognitionUnavailable, http.StatusServiceUnavailable, "not available"},
		{"synthesis", []byte("x"), errors.Join(pipeline.ErrSynthesisFailed, errors.New("tts down")), http.StatusInternalServerError, relay.ReasonSynthesisFailed},
		{"recognition", []byte("x"), errors.Join(pipeline.ErrRecognitionFailed, errors.New("dial tcp 10.0.0.1")), http.StatusInternalServerError, relay.ReasonRecognitionFailed},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			mux := newMux(t, deps{translator: &fakeOneShot{err: tc.err}})
			rec := httptest.NewRecorder()
			mux.ServeHTTP(rec, upload(t, tc.audio, map[string]string{"sourceLang": "en", "targetLang": "ta"}))
			assert.Equal(t, tc.status, rec.Code)
			assert.Contains(t, rec.Body.String(), tc.msg)
			assert.NotContains(t, rec.Body.String(), "tts down")
			assert.NotContains(t, rec.Body.String(), "dial tcp")
		})
	}
}

type fakeTraces struct{}

func (fakeTraces) ListSessions(context.Context, int, int) ([]trace.Session, int, error) {
	return []trace.Session{{ID: "s1"}}, 1, nil
}

func (fakeTraces) GetSession(_ context.Context, id string) (*trace.Session, []trace.Run, error) {
	if id != "s1" {
		return nil, nil, errors.New("not found")
	}
	return &trace.Session{ID: "s1"}, []trace.Run{{ID: "r1", SessionID: "s1"}}, nil
}

func (fakeTraces) GetRun(context.Context, string, string) (*trace.Run, []trace.Span, error) {
	return nil, nil, errors.New("not found")
}

func TestTraceRoutes(t *testing.T) {
	disabled := newMux(t, deps{})
	rec := httptest.NewRecorder()
	disabled.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/traces/sessions", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)

	mux := newMux(t, deps{traces: fakeTraces{}})
	rec = httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/traces/sessions?limit=5", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"total":1`)

	rec = httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/traces/sessions/s2", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/traces/sessions/s1/runs/r9", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

type warmWhisper struct{}

func (warmWhisper) Warmup(context.Context) error { return nil }

func TestRecognizerServiceFollowsLoader(t *testing.T) {
	var (
		mu    sync.Mutex
		calls []string
	)
	sidecar := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		calls = append(calls, r.URL.RequestURI())
		mu.Unlock()
		w.Write([]byte(`{"status":"ok"}`))
	}))
	defer sidecar.Close()

	mgr := control.NewManager(map[string]control.Service{
		whisperService: {Category: "stt", HealthURL: sidecar.URL, ControlURL: sidecar.URL},
	})
	loader := bootstrap.NewLoader(&bootstrap.WhisperAcquirer{
		Starter: mgr,
		Service: whisperService,
		Warmer:  warmWhisper{},
	}, bootstrap.DefaultConfig())
	loader.Run(context.Background())
	require.True(t, loader.Ready())

	gated := pipeline.NewGatedRecognizer(pipeline.RecognizerFunc(func(context.Context, []byte, string) (string, error) {
		return "hello", nil
	}), loader.Ready)
	mux := newMux(t, deps{
		loader:     loader,
		asrService: whisperService,
		svcMgr:     mgr,
		health:     health.NewChecker(loader, room.NewRegistry()),
	})

	snapshot := func() health.Snapshot {
		rec := httptest.NewRecorder()
		mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
		require.Equal(t, http.StatusOK, rec.Code)
		var s health.Snapshot
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &s))
		return s
	}

	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/services/whisper-server/stop", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	s := snapshot()
	assert.False(t, s.WhisperLoaded)
	assert.Equal(t, health.StatusDegraded, s.Status)
	_, err := gated.Transcribe(context.Background(), []byte("x"), "en")
	assert.ErrorIs(t, err, pipeline.ErrRecognitionUnavailable)

	rec = httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/services/whisper-server/start?model=small", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	s = snapshot()
	assert.True(t, s.WhisperLoaded)
	assert.Equal(t, health.StatusOK, s.Status)
	assert.Equal(t, "small", s.Model)
	text, err := gated.Transcribe(context.Background(), []byte("x"), "en")
	require.NoError(t, err)
	assert.Equal(t, "hello", text)

	rec = httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/models", nil))
	assert.Contains(t, rec.Body.String(), `"active":"small"`)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{
		"/start?model=ggml-base.bin",
		"/stop",
		"/start?model=ggml-small.bin",
	}, calls)
}

func TestRecognizerRestartFailureIsDegraded(t *testing.T) {
	sidecar := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "launch failed", http.StatusInternalServerError)
	}))
	defer sidecar.Close()

	mgr := control.NewManager(map[string]control.Service{
		whisperService: {Category: "stt", HealthURL: sidecar.URL, ControlURL: sidecar.URL},
	})
	loader := bootstrap.NewLoader(&bootstrap.WhisperAcquirer{Starter: mgr, Service: whisperService, Warmer: warmWhisper{}}, bootstrap.DefaultConfig())
	mux := newMux(t, deps{loader: loader, asrService: whisperService, svcMgr: mgr})

	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/services/whisper-server/start?model=ggml-tiny.bin", nil))
	assert.Equal(t, http.StatusBadGateway, rec.Code)
	assert.Equal(t, bootstrap.PhaseDegraded, loader.State().Phase)

	rec = httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/services/whisper-server/start?model=galactic", nil))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestTranslateSelectsEngines(t *testing.T) {
	speak := func(out string) pipeline.Synthesizer {
		return pipeline.SynthesizerFunc(func(context.Context, string, string) ([]byte, error) { return []byte(out), nil })
	}
	syn := pipeline.NewSynthesizerRouter(map[string]pipeline.Synthesizer{"google": speak("mp3"), "piper": speak("wav")}, "google")
	fake := &fakeOneShot{res: &relay.Result{Audio: []byte("x")}}
	mux := newMux(t, deps{translator: fake, synthesizer: syn})

	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, upload(t, []byte("webm"), map[string]string{"ttsEngine": "piper"}))
	require.Equal(t, http.StatusOK, rec.Code)
	audio, err := syn.Speak(fake.gotCtx, "hello", "en")
	require.NoError(t, err)
	assert.Equal(t, "wav", string(audio))

	rec = httptest.NewRecorder()
	mux.ServeHTTP(rec, upload(t, []byte("webm"), nil))
	require.Equal(t, http.StatusOK, rec.Code)
	audio, err = syn.Speak(fake.gotCtx, "hello", "en")
	require.NoError(t, err)
	assert.Equal(t, "mp3", string(audio))

	for _, field := range []string{"ttsEngine", "translateEngine"} {
		rec = httptest.NewRecorder()
		mux.ServeHTTP(rec, upload(t, []byte("webm"), map[string]string{field: "galactic"}))
		assert.Equal(t, http.StatusBadRequest, rec.Code, field)
		assert.Contains(t, rec.Body.String(), "unknown "+field)
	}
}
