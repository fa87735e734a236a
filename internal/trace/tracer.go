package trace

import (
	"context"
	"time"

	"github.com/google/uuid"

	applog "github.com/hubenschmidt/voice-relay/internal/log"
)

const (
	queueSize    = 128
	writeTimeout = 5 * time.Second
)

// Sink receives trace writes. *Store is the production sink.
type Sink interface {
	CreateSession(ctx context.Context, id, remoteAddr string) error
	EndSession(ctx context.Context, id string) error
	CreateRun(ctx context.Context, r Run) error
	FinishRun(ctx context.Context, id string, durationMs float64, outcome string, recipients int) error
	CreateSpan(ctx context.Context, sp Span) error
}

type op struct {
	kind string
	fn   func(ctx context.Context, s Sink) error
}

// Tracer writes one connection's trace data through a buffered queue so
// pipeline stages never wait on the database. All methods are nil-safe.
type Tracer struct {
	sink      Sink
	sessionID string
	ch        chan op
	done      chan struct{}
}

// NewTracer starts a tracer for a connection. A nil sink yields a nil tracer.
func NewTracer(sink Sink, sessionID, remoteAddr string) *Tracer {
	if sink == nil {
		return nil
	}
	t := &Tracer{
		sink:      sink,
		sessionID: sessionID,
		ch:        make(chan op, queueSize),
		done:      make(chan struct{}),
	}
	go t.drain()
	t.enqueue(op{kind: "session_create", fn: func(ctx context.Context, s Sink) error {
		return s.CreateSession(ctx, sessionID, remoteAddr)
	}})
	return t
}

func (t *Tracer) drain() {
	defer close(t.done)
	for o := range t.ch {
		ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
		if err := o.fn(ctx, t.sink); err != nil {
			applog.L().Warn().Err(err).Str("kind", o.kind).Msg("trace write failed")
		}
		cancel()
	}
}

// enqueue drops the write when the queue is full.
func (t *Tracer) enqueue(o op) {
	select {
	case t.ch <- o:
	default:
		applog.L().Warn().Str("kind", o.kind).Str(applog.FieldSessionID, t.sessionID).Msg("trace queue full, dropping")
	}
}

// StartRun records a new run and returns its id.
func (t *Tracer) StartRun(roomID, sourceLang, targetLang string) string {
	if t == nil {
		return ""
	}
	run := Run{
		ID:         uuid.NewString(),
		SessionID:  t.sessionID,
		RoomID:     roomID,
		SourceLang: sourceLang,
		TargetLang: targetLang,
		StartedAt:  time.Now(),
	}
	t.enqueue(op{kind: "run_create", fn: func(ctx context.Context, s Sink) error { return s.CreateRun(ctx, run) }})
	return run.ID
}

// EndRun records the outcome of a run.
func (t *Tracer) EndRun(runID string, duration time.Duration, outcome string, recipients int) {
	if t == nil || runID == "" {
		return
	}
	ms := float64(duration.Milliseconds())
	t.enqueue(op{kind: "run_update", fn: func(ctx context.Context, s Sink) error {
		return s.FinishRun(ctx, runID, ms, outcome, recipients)
	}})
}

// RecordSpan records a completed stage.
func (t *Tracer) RecordSpan(runID, name string, startedAt time.Time, duration time.Duration, err error) {
	if t == nil || runID == "" {
		return
	}
	sp := Span{
		ID:         uuid.NewString(),
		RunID:      runID,
		Name:       name,
		StartedAt:  startedAt,
		DurationMs: float64(duration.Milliseconds()),
		Status:     "ok",
	}
	if err != nil {
		sp.Status = "error"
		sp.Error = err.Error()
	}
	t.enqueue(op{kind: "span", fn: func(ctx context.Context, s Sink) error { return s.CreateSpan(ctx, sp) }})
}

// Close ends the session and waits for pending writes.
func (t *Tracer) Close() {
	if t == nil {
		return
	}
	id := t.sessionID
	t.enqueue(op{kind: "session_end", fn: func(ctx context.Context, s Sink) error { return s.EndSession(ctx, id) }})
	close(t.ch)
	<-t.done
}
