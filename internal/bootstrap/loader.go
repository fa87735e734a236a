// Package bootstrap acquires the recognition model at startup with bounded
// retries and a lighter fallback.
package bootstrap

import (
	"context"
	"errors"
	"sync"
	"time"

	applog "github.com/hubenschmidt/voice-relay/internal/log"
	"github.com/hubenschmidt/voice-relay/internal/metrics"
)

// Phase is the loader's coarse state.
type Phase string

const (
	PhaseLoading  Phase = "loading"
	PhaseReady    Phase = "ready"
	PhaseDegraded Phase = "degraded"
)

// State is a snapshot of the loader.
type State struct {
	Phase   Phase  `json:"phase"`
	Model   string `json:"model,omitempty"`
	Attempt int    `json:"attempt,omitempty"`
	Err     string `json:"error,omitempty"`
}

// Acquirer makes one attempt at loading model.
type Acquirer interface {
	Acquire(ctx context.Context, model string) error
}

// AcquirerFunc adapts a function to Acquirer.
type AcquirerFunc func(ctx context.Context, model string) error

func (f AcquirerFunc) Acquire(ctx context.Context, model string) error { return f(ctx, model) }

// Config controls the retry policy.
type Config struct {
	Primary  string
	Fallback string
	Attempts int
	Delay    time.Duration
}

// DefaultConfig is base with three tries, then tiny once.
func DefaultConfig() Config {
	return Config{Primary: "base", Fallback: "tiny", Attempts: 3, Delay: 3 * time.Second}
}

// Loader runs the startup acquisition sequence, tracks later reloads and
// stops, and reports readiness.
type Loader struct {
	cfg   Config
	acq   Acquirer
	sleep func(ctx context.Context, d time.Duration) error

	// acquiring serializes Run and Reload.
	acquiring sync.Mutex

	mu    sync.RWMutex
	state State
	done  chan struct{}
}

// NewLoader creates a loader in the Loading phase.
func NewLoader(acq Acquirer, cfg Config) *Loader {
	if cfg.Attempts <= 0 {
		cfg.Attempts = 1
	}
	return &Loader{
		cfg:   cfg,
		acq:   acq,
		sleep: sleepCtx,
		state: State{Phase: PhaseLoading},
		done:  make(chan struct{}),
	}
}

// WithSleep replaces the back-off sleep. Used by tests.
func (l *Loader) WithSleep(fn func(ctx context.Context, d time.Duration) error) *Loader {
	l.sleep = fn
	return l
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Ready reports whether a model is loaded.
func (l *Loader) Ready() bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.state.Phase == PhaseReady
}

// State returns the current snapshot.
func (l *Loader) State() State {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.state
}

// Done is closed once Run settles.
func (l *Loader) Done() <-chan struct{} { return l.done }

func (l *Loader) set(s State) {
	l.mu.Lock()
	l.state = s
	l.mu.Unlock()
}

// Run tries the primary model, then the fallback, and returns the final
// state. It never returns an error: failure settles as Degraded. A cancelled
// context also settles as Degraded.
func (l *Loader) Run(ctx context.Context) State {
	defer close(l.done)
	l.acquiring.Lock()
	defer l.acquiring.Unlock()
	log := applog.Ctx(ctx)

	var lastErr error
	for attempt := 1; attempt <= l.cfg.Attempts; attempt++ {
		l.set(State{Phase: PhaseLoading, Model: l.cfg.Primary, Attempt: attempt})
		if lastErr = l.try(ctx, l.cfg.Primary); lastErr == nil {
			return l.ready(l.cfg.Primary)
		}
		log.Warn().Err(lastErr).Str(applog.FieldModel, l.cfg.Primary).Int("attempt", attempt).Msg("model load failed")

		if attempt == l.cfg.Attempts {
			break
		}
		if err := l.sleep(ctx, l.cfg.Delay); err != nil {
			return l.degraded(err)
		}
	}

	if l.cfg.Fallback != "" && l.cfg.Fallback != l.cfg.Primary {
		l.set(State{Phase: PhaseLoading, Model: l.cfg.Fallback, Attempt: 1})
		log.Info().Str(applog.FieldModel, l.cfg.Fallback).Msg("trying fallback model")
		if lastErr = l.try(ctx, l.cfg.Fallback); lastErr == nil {
			return l.ready(l.cfg.Fallback)
		}
		log.Warn().Err(lastErr).Str(applog.FieldModel, l.cfg.Fallback).Msg("fallback model load failed")
	}
	return l.degraded(lastErr)
}

// Reload acquires model once and makes it the active model. An empty model
// reloads the active one, or the primary when none is active. Failure
// settles as Degraded.
func (l *Loader) Reload(ctx context.Context, model string) State {
	l.acquiring.Lock()
	defer l.acquiring.Unlock()

	if model == "" {
		model = l.State().Model
	}
	if model == "" {
		model = l.cfg.Primary
	}
	l.set(State{Phase: PhaseLoading, Model: model, Attempt: 1})
	if err := l.try(ctx, model); err != nil {
		return l.degraded(err)
	}
	return l.ready(model)
}

// Invalidate records that the model stopped serving outside the loader,
// e.g. the recognition server was shut down. Recognition short-circuits
// until the next Reload.
func (l *Loader) Invalidate(reason string) State {
	return l.degraded(errors.New(reason))
}

func (l *Loader) try(ctx context.Context, model string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	err := l.acq.Acquire(ctx, model)
	result := "ok"
	if err != nil {
		result = "error"
	}
	metrics.BootstrapAttempts.WithLabelValues(model, result).Inc()
	return err
}

func (l *Loader) ready(model string) State {
	s := State{Phase: PhaseReady, Model: model}
	l.set(s)
	metrics.RecognizerReady.Set(1)
	applog.L().Info().Str(applog.FieldModel, model).Msg("recognition model ready")
	return s
}

func (l *Loader) degraded(err error) State {
	s := State{Phase: PhaseDegraded}
	if err != nil {
		s.Err = err.Error()
	}
	l.set(s)
	metrics.RecognizerReady.Set(0)
	applog.L().Error().Err(err).Msg("recognition unavailable, running degraded")
	return s
}
