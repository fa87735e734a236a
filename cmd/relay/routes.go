package main

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/url"
	"strconv"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/hubenschmidt/voice-relay/internal/bootstrap"
	"github.com/hubenschmidt/voice-relay/internal/control"
	"github.com/hubenschmidt/voice-relay/internal/language"
	applog "github.com/hubenschmidt/voice-relay/internal/log"
	"github.com/hubenschmidt/voice-relay/internal/models"
	"github.com/hubenschmidt/voice-relay/internal/pipeline"
	"github.com/hubenschmidt/voice-relay/internal/relay"
	"github.com/hubenschmidt/voice-relay/internal/trace"
)

const (
	// defaultTraceSessionLimit is how many trace sessions are returned
	// when the caller omits the ?limit= query parameter.
	defaultTraceSessionLimit = 20

	maxUploadBytes = 32 << 20
)

type oneShot interface {
	Translate(ctx context.Context, audio []byte, sourceLang, targetLang string) (*relay.Result, error)
}

type traceReader interface {
	ListSessions(ctx context.Context, limit, offset int) ([]trace.Session, int, error)
	GetSession(ctx context.Context, id string) (*trace.Session, []trace.Run, error)
	GetRun(ctx context.Context, sessionID, runID string) (*trace.Run, []trace.Span, error)
}

// modelLoader is the recognition model lifecycle behind /health and the
// recognizer gate.
type modelLoader interface {
	State() bootstrap.State
	Reload(ctx context.Context, model string) bootstrap.State
	Invalidate(reason string) bootstrap.State
}

// engineSet is a router's registered engines.
type engineSet interface {
	Has(engine string) bool
	Default() string
	Engines() []string
}

type deps struct {
	wsHandler   http.Handler
	health      http.Handler
	translator  oneShot
	loader      modelLoader
	asrService  string
	modelsDir   string
	translators engineSet
	synthesizer engineSet
	svcMgr      *control.Manager
	traces      traceReader
}

// registerRoutes wires all HTTP endpoints to the shared mux.
func registerRoutes(mux *http.ServeMux, d deps) {
	mux.Handle("/ws", d.wsHandler)
	mux.Handle("GET /health", d.health)
	mux.Handle("GET /metrics", promhttp.Handler())
	mux.HandleFunc("GET /{$}", handleRoot)
	mux.HandleFunc("GET /api/languages", handleLanguages)
	mux.HandleFunc("GET /api/models", d.handleModels)
	mux.HandleFunc("POST /api/translate", d.handleTranslate)
	if d.svcMgr != nil {
		mux.HandleFunc("GET /api/services", d.handleServices)
		mux.HandleFunc("POST /api/services/{name}/start", d.handleServiceStart)
		mux.HandleFunc("POST /api/services/{name}/stop", d.handleServiceStop)
	}
	registerTraceRoutes(mux, d.traces)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func handleRoot(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "message": "Translation service is running"})
}

func handleLanguages(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"languages":     language.All(),
		"defaultSource": language.DefaultSource,
		"defaultTarget": language.DefaultTarget,
	})
}

func (d deps) handleModels(w http.ResponseWriter, r *http.Request) {
	st := d.loader.State()
	writeJSON(w, http.StatusOK, map[string]any{
		"asr": map[string]any{
			"models": models.List(d.modelsDir),
			"active": st.Model,
			"state":  st.Phase,
		},
		"translate": engineInfo(d.translators),
		"tts":       engineInfo(d.synthesizer),
	})
}

func engineInfo(e engineSet) map[string]any {
	return map[string]any{"engines": e.Engines(), "default": e.Default()}
}

// handleTranslate runs one utterance outside any room and returns the
// synthesized audio. translateEngine and ttsEngine pick registered backends
// for this request. The transcript and translation travel URL-encoded in
// response headers.
func (d deps) handleTranslate(w http.ResponseWriter, r *http.Request) {
	log := applog.Ctx(r.Context())
	r.Body = http.MaxBytesReader(w, r.Body, maxUploadBytes)

	file, _, err := r.FormFile("audio")
	if err != nil {
		writeError(w, http.StatusBadRequest, "No audio file provided")
		return
	}
	defer file.Close()
	audio, err := io.ReadAll(file)
	if err != nil || len(audio) == 0 {
		writeError(w, http.StatusBadRequest, "No audio file provided")
		return
	}

	src := formOr(r, "sourceLang", "hi")
	tgt := formOr(r, "targetLang", "en")

	ctx := r.Context()
	for _, sel := range []struct {
		field, stage string
		set          engineSet
	}{
		{"translateEngine", pipeline.StageTranslate, d.translators},
		{"ttsEngine", pipeline.StageSynthesize, d.synthesizer},
	} {
		engine := r.FormValue(sel.field)
		if engine != "" && !sel.set.Has(engine) {
			writeError(w, http.StatusBadRequest, "unknown "+sel.field+": "+engine)
			return
		}
		ctx = pipeline.WithEngine(ctx, sel.stage, engine)
	}

	res, err := d.translator.Translate(ctx, audio, src, tgt)
	switch {
	case errors.Is(err, pipeline.ErrNoSpeech):
		writeError(w, http.StatusBadRequest, "No speech detected")
		return
	case errors.Is(err, pipeline.ErrRecognitionUnavailable):
		writeError(w, http.StatusServiceUnavailable, "Speech recognition is not available")
		return
	case errors.Is(err, pipeline.ErrSynthesisFailed):
		log.Error().Err(err).Msg("one-shot synthesis failed")
		writeError(w, http.StatusInternalServerError, relay.ReasonSynthesisFailed)
		return
	case err != nil:
		log.Error().Err(err).Msg("one-shot recognition failed")
		writeError(w, http.StatusInternalServerError, relay.ReasonRecognitionFailed)
		return
	}

	w.Header().Set("Content-Type", http.DetectContentType(res.Audio))
	w.Header().Set("X-Original-Text", url.QueryEscape(res.OriginalText))
	w.Header().Set("X-Translated-Text", url.QueryEscape(res.TranslatedText))
	w.Write(res.Audio)
}

func formOr(r *http.Request, key, def string) string {
	if v := r.FormValue(key); v != "" {
		return v
	}
	return def
}

func (d deps) handleServices(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, d.svcMgr.StatusAll(r.Context()))
}

// handleServiceStart restarts a sidecar. The recognition service goes
// through the loader so readiness and the active model follow the restart.
func (d deps) handleServiceStart(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	model := r.URL.Query().Get("model")
	if model != "" {
		model = models.NameFromPath(model)
		if !models.Valid(model) {
			writeError(w, http.StatusBadRequest, "unknown model: "+model)
			return
		}
	}

	if name == d.asrService {
		st := d.loader.Reload(r.Context(), model)
		if st.Phase != bootstrap.PhaseReady {
			applog.Ctx(r.Context()).Error().Str("service", name).Str("error", st.Err).Msg("recognizer reload failed")
			writeJSON(w, http.StatusBadGateway, st)
			return
		}
		writeJSON(w, http.StatusOK, st)
		return
	}

	if model != "" {
		model = models.FileName(model)
	}
	if err := d.svcMgr.Start(r.Context(), name, model); err != nil {
		applog.Ctx(r.Context()).Error().Err(err).Str("service", name).Msg("service start failed")
		writeError(w, http.StatusBadGateway, err.Error())
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "starting"})
}

func (d deps) handleServiceStop(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	if err := d.svcMgr.Stop(r.Context(), name); err != nil {
		applog.Ctx(r.Context()).Error().Err(err).Str("service", name).Msg("service stop failed")
		writeError(w, http.StatusBadGateway, err.Error())
		return
	}
	if name == d.asrService {
		d.loader.Invalidate(name + " stopped")
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "stopped"})
}

func registerTraceRoutes(mux *http.ServeMux, store traceReader) {
	mux.HandleFunc("GET /api/traces/sessions", func(w http.ResponseWriter, r *http.Request) {
		if store == nil {
			writeError(w, http.StatusNotFound, "tracing disabled")
			return
		}
		limit := queryInt(r, "limit", defaultTraceSessionLimit)
		offset := queryInt(r, "offset", 0)
		sessions, total, err := store.ListSessions(r.Context(), limit, offset)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"sessions": sessions, "total": total})
	})

	mux.HandleFunc("GET /api/traces/sessions/{id}", func(w http.ResponseWriter, r *http.Request) {
		if store == nil {
			writeError(w, http.StatusNotFound, "tracing disabled")
			return
		}
		sess, runs, err := store.GetSession(r.Context(), r.PathValue("id"))
		if err != nil {
			writeError(w, http.StatusNotFound, "not found")
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"session": sess, "runs": runs})
	})

	mux.HandleFunc("GET /api/traces/sessions/{id}/runs/{runId}", func(w http.ResponseWriter, r *http.Request) {
		if store == nil {
			writeError(w, http.StatusNotFound, "tracing disabled")
			return
		}
		run, spans, err := store.GetRun(r.Context(), r.PathValue("id"), r.PathValue("runId"))
		if err != nil {
			writeError(w, http.StatusNotFound, "not found")
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"run": run, "spans": spans})
	})
}

func queryInt(r *http.Request, key string, fallback int) int {
	v := r.URL.Query().Get(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}
