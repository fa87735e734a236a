// Package ws is the WebSocket transport: room events in, translation results out.
package ws

import (
	"context"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	applog "github.com/hubenschmidt/voice-relay/internal/log"
	"github.com/hubenschmidt/voice-relay/internal/metrics"
	"github.com/hubenschmidt/voice-relay/internal/relay"
	"github.com/hubenschmidt/voice-relay/internal/room"
	"github.com/hubenschmidt/voice-relay/internal/trace"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  16384,
	WriteBufferSize: 16384,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Processor runs one translation request.
type Processor interface {
	Process(ctx context.Context, req relay.Request) relay.Outcome
}

// HandlerConfig holds what every connection shares.
type HandlerConfig struct {
	Rooms         *room.Registry
	Processor     Processor
	MaxConcurrent int

	// TraceSink enables per-session tracing when non-nil.
	TraceSink trace.Sink

	QueueSize       int
	PingInterval    time.Duration
	WriteWait       time.Duration
	MaxMessageBytes int64
}

// Handler upgrades connections with admission control.
type Handler struct {
	cfg HandlerConfig
	sem chan struct{}
}

// NewHandler creates a handler, filling defaults.
func NewHandler(cfg HandlerConfig) *Handler {
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = 100
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 8
	}
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = 25 * time.Second
	}
	if cfg.WriteWait <= 0 {
		cfg.WriteWait = 10 * time.Second
	}
	if cfg.MaxMessageBytes <= 0 {
		cfg.MaxMessageBytes = 8 << 20
	}
	return &Handler{
		cfg: cfg,
		sem: make(chan struct{}, cfg.MaxConcurrent),
	}
}

// ServeHTTP upgrades the connection and runs the session.
// Returns 503 if at max concurrent connection capacity.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	select {
	case h.sem <- struct{}{}:
		defer func() { <-h.sem }()
	default:
		http.Error(w, "at capacity", http.StatusServiceUnavailable)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		applog.Ctx(r.Context()).Error().Err(err).Msg("websocket upgrade failed")
		return
	}
	defer conn.Close()

	metrics.ConnectionsActive.Inc()
	metrics.ConnectionsTotal.Inc()
	defer metrics.ConnectionsActive.Dec()

	id := uuid.NewString()
	logger := applog.Ctx(r.Context()).With().Str(applog.FieldSessionID, id).Logger()
	ctx := applog.WithLogger(context.WithoutCancel(r.Context()), logger)

	var tracer *trace.Tracer
	if h.cfg.TraceSink != nil {
		tracer = trace.NewTracer(h.cfg.TraceSink, id, r.RemoteAddr)
	}

	s := newSession(h, id, conn, tracer)
	logger.Info().Msg("connected")
	s.run(ctx)
	logger.Info().Strs("rooms", s.leftRooms).Msg("disconnected")
}
