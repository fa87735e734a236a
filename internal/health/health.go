// Package health exposes recognizer readiness and room count, polled over
// HTTP and pushed to reporters.
package health

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/hubenschmidt/voice-relay/internal/bootstrap"
	applog "github.com/hubenschmidt/voice-relay/internal/log"
)

// Overall status values.
const (
	StatusOK       = "ok"
	StatusLoading  = "loading"
	StatusDegraded = "degraded"
)

// Snapshot is the polled health document.
type Snapshot struct {
	Status        string `json:"status"`
	WhisperLoaded bool   `json:"whisper_loaded"`
	Model         string `json:"model,omitempty"`
	State         string `json:"state"`
	ActiveRooms   int    `json:"active_rooms"`
}

// Reporter receives readiness and room count.
type Reporter interface {
	Report(ctx context.Context, modelReady bool, activeRooms int) error
}

// ReporterFunc adapts a function to Reporter.
type ReporterFunc func(ctx context.Context, modelReady bool, activeRooms int) error

func (f ReporterFunc) Report(ctx context.Context, modelReady bool, activeRooms int) error {
	return f(ctx, modelReady, activeRooms)
}

// StateSource is the model loader.
type StateSource interface {
	State() bootstrap.State
}

// RoomCounter is the room registry.
type RoomCounter interface {
	Count() int
}

// Checker derives Snapshots from the loader and registry.
type Checker struct {
	loader StateSource
	rooms  RoomCounter
}

// NewChecker creates a checker.
func NewChecker(loader StateSource, rooms RoomCounter) *Checker {
	return &Checker{loader: loader, rooms: rooms}
}

// Snapshot reads current state.
func (c *Checker) Snapshot() Snapshot {
	st := c.loader.State()
	s := Snapshot{
		WhisperLoaded: st.Phase == bootstrap.PhaseReady,
		Model:         st.Model,
		State:         string(st.Phase),
		ActiveRooms:   c.rooms.Count(),
	}
	switch st.Phase {
	case bootstrap.PhaseReady:
		s.Status = StatusOK
	case bootstrap.PhaseDegraded:
		s.Status = StatusDegraded
	default:
		s.Status = StatusLoading
	}
	return s
}

// ServeHTTP writes the snapshot. Degraded still answers 200: the process
// serves joins and leaves without a model.
func (c *Checker) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(c.Snapshot())
}

// Poll reports to every reporter immediately and then every interval until
// ctx ends. Reporter errors are logged and do not stop polling.
func (c *Checker) Poll(ctx context.Context, interval time.Duration, reporters ...Reporter) error {
	if interval <= 0 {
		interval = 10 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		c.report(ctx, reporters)
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

func (c *Checker) report(ctx context.Context, reporters []Reporter) {
	s := c.Snapshot()
	for _, r := range reporters {
		if err := r.Report(ctx, s.WhisperLoaded, s.ActiveRooms); err != nil {
			applog.Ctx(ctx).Warn().Err(err).Msg("health report failed")
		}
	}
}

// LogReporter logs whenever readiness or room count changes.
type LogReporter struct {
	mu    sync.Mutex
	seen  bool
	ready bool
	rooms int
}

func (l *LogReporter) Report(ctx context.Context, modelReady bool, activeRooms int) error {
	l.mu.Lock()
	changed := !l.seen || l.ready != modelReady || l.rooms != activeRooms
	l.seen, l.ready, l.rooms = true, modelReady, activeRooms
	l.mu.Unlock()

	if changed {
		applog.Ctx(ctx).Info().Bool("whisper_loaded", modelReady).Int("active_rooms", activeRooms).Msg("health changed")
	}
	return nil
}
