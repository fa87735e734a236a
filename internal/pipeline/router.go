package pipeline

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/hubenschmidt/voice-relay/internal/metrics"
)

// Router maps engine names to backends with a fallback default.
type Router[T any] struct {
	backends map[string]T
	fallback string
}

// NewRouter creates a router over backends. fallback names the engine used
// when a requested engine is missing.
func NewRouter[T any](backends map[string]T, fallback string) *Router[T] {
	return &Router[T]{backends: backends, fallback: fallback}
}

// Route returns the backend for engine, or the fallback.
func (r *Router[T]) Route(engine string) (T, error) {
	if backend, ok := r.backends[engine]; ok {
		return backend, nil
	}
	if backend, ok := r.backends[r.fallback]; ok {
		return backend, nil
	}
	var zero T
	return zero, fmt.Errorf("no backend for engine %q", engine)
}

// Has reports whether engine is registered.
func (r *Router[T]) Has(engine string) bool {
	_, ok := r.backends[engine]
	return ok
}

// Default returns the fallback engine name.
func (r *Router[T]) Default() string {
	return r.fallback
}

// Engines returns the registered engine names, sorted.
func (r *Router[T]) Engines() []string {
	names := make([]string, 0, len(r.backends))
	for k := range r.backends {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}

// Stage names for per-request engine selection.
const (
	StageTranslate  = "translate"
	StageSynthesize = "synthesize"
)

type engineKey string

// WithEngine selects engine for stage on calls made with the returned context.
// An empty engine leaves the router's default in place.
func WithEngine(ctx context.Context, stage, engine string) context.Context {
	if engine == "" {
		return ctx
	}
	return context.WithValue(ctx, engineKey(stage), engine)
}

// engineFor returns the engine selected for stage on ctx, or fallback.
func engineFor(ctx context.Context, stage, fallback string) string {
	if e, ok := ctx.Value(engineKey(stage)).(string); ok {
		return e
	}
	return fallback
}

// TranslatorRouter is a Translator that uses the engine selected on the
// context, or its default.
type TranslatorRouter struct {
	*Router[Translator]
}

// NewTranslatorRouter registers translation backends.
func NewTranslatorRouter(backends map[string]Translator, fallback string) *TranslatorRouter {
	return &TranslatorRouter{Router: NewRouter(backends, fallback)}
}

func (r *TranslatorRouter) Translate(ctx context.Context, text, targetLangName string) (string, error) {
	engine := engineFor(ctx, StageTranslate, r.fallback)
	if !r.Has(engine) {
		engine = r.fallback
	}
	backend, err := r.Route(engine)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrTranslationFailed, err)
	}
	start := time.Now()
	out, err := backend.Translate(ctx, text, targetLangName)
	if err != nil {
		metrics.Errors.WithLabelValues("translate", engine).Inc()
		return "", err
	}
	metrics.StageDuration.WithLabelValues("translate").Observe(time.Since(start).Seconds())
	return out, nil
}

// SynthesizerRouter is a Synthesizer that uses the engine selected on the
// context, or its default.
type SynthesizerRouter struct {
	*Router[Synthesizer]
}

// NewSynthesizerRouter registers synthesis backends.
func NewSynthesizerRouter(backends map[string]Synthesizer, fallback string) *SynthesizerRouter {
	return &SynthesizerRouter{Router: NewRouter(backends, fallback)}
}

func (r *SynthesizerRouter) Speak(ctx context.Context, text, targetLang string) ([]byte, error) {
	engine := engineFor(ctx, StageSynthesize, r.fallback)
	if !r.Has(engine) {
		engine = r.fallback
	}
	backend, err := r.Route(engine)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSynthesisFailed, err)
	}
	start := time.Now()
	out, err := backend.Speak(ctx, text, targetLang)
	if err != nil {
		metrics.Errors.WithLabelValues("synthesize", engine).Inc()
		return nil, err
	}
	metrics.StageDuration.WithLabelValues("synthesize").Observe(time.Since(start).Seconds())
	return out, nil
}
