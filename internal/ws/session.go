package ws

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/hubenschmidt/voice-relay/internal/language"
	applog "github.com/hubenschmidt/voice-relay/internal/log"
	"github.com/hubenschmidt/voice-relay/internal/metrics"
	"github.com/hubenschmidt/voice-relay/internal/relay"
	"github.com/hubenschmidt/voice-relay/internal/room"
	"github.com/hubenschmidt/voice-relay/internal/trace"
)

// session is one live connection. Writes are serialized by wmu; reads happen
// only on the run goroutine.
type session struct {
	h      *Handler
	id     string
	conn   *websocket.Conn
	tracer *trace.Tracer

	wmu sync.Mutex

	jobs chan relay.Request
	gone chan struct{}

	// pending holds an audio header waiting for its binary frame.
	pending *inbound

	leftRooms []string
}

func newSession(h *Handler, id string, conn *websocket.Conn, tracer *trace.Tracer) *session {
	return &session{
		h:      h,
		id:     id,
		conn:   conn,
		tracer: tracer,
		jobs:   make(chan relay.Request, h.cfg.QueueSize),
		gone:   make(chan struct{}),
	}
}

// Send writes v as a JSON text frame. It implements room.Outbox.
func (s *session) Send(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	s.wmu.Lock()
	defer s.wmu.Unlock()
	s.conn.SetWriteDeadline(time.Now().Add(s.h.cfg.WriteWait))
	return s.conn.WriteMessage(websocket.TextMessage, data)
}

func (s *session) sendError(ctx context.Context, code, msg string) {
	if err := s.Send(errorEvent{Type: evError, Code: code, Message: msg}); err != nil {
		applog.Ctx(ctx).Debug().Err(err).Msg("write error event")
	}
}

func (s *session) run(ctx context.Context) {
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		s.work(ctx)
	}()
	go func() {
		defer wg.Done()
		s.keepalive()
	}()

	s.Send(connectedEvent{Type: evConnected, SessionID: s.id, Status: "Translation service ready"})
	s.readLoop(ctx)

	close(s.gone)
	s.leftRooms = s.h.cfg.Rooms.OnDisconnect(s.id)
	close(s.jobs)
	wg.Wait()
	s.tracer.Close()
}

// work runs audio requests one at a time. After disconnect the in-flight
// request completes and queued ones are dropped.
func (s *session) work(ctx context.Context) {
	for req := range s.jobs {
		select {
		case <-s.gone:
			continue
		default:
		}
		s.h.cfg.Processor.Process(ctx, req)
	}
}

func (s *session) keepalive() {
	ticker := time.NewTicker(s.h.cfg.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.gone:
			return
		case <-ticker.C:
			deadline := time.Now().Add(s.h.cfg.WriteWait)
			if err := s.conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				return
			}
		}
	}
}

func (s *session) readLoop(ctx context.Context) {
	log := applog.Ctx(ctx)
	pongWait := 2 * s.h.cfg.PingInterval

	s.conn.SetReadLimit(s.h.cfg.MaxMessageBytes)
	s.conn.SetReadDeadline(time.Now().Add(pongWait))
	s.conn.SetPongHandler(func(string) error {
		return s.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		msgType, data, err := s.conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived) {
				log.Debug().Err(err).Msg("read ended")
			}
			return
		}
		s.conn.SetReadDeadline(time.Now().Add(pongWait))

		if msgType == websocket.BinaryMessage {
			s.handleBinary(ctx, data)
			continue
		}

		var msg inbound
		if err = json.Unmarshal(data, &msg); err != nil {
			s.sendError(ctx, codeBadRequest, "invalid JSON")
			continue
		}
		s.dispatch(ctx, &msg)
	}
}

func (s *session) dispatch(ctx context.Context, msg *inbound) {
	switch msg.Type {
	case msgJoinRoom, msgJoinTranslationRoom:
		s.join(ctx, msg)
	case msgLeaveRoom, msgLeaveTranslation:
		s.leave(ctx, msg)
	case msgAudio:
		s.audio(ctx, msg)
	case msgPing:
		s.Send(pongEvent{Type: evPong})
	default:
		s.sendError(ctx, codeUnknownType, "unknown event type: "+msg.Type)
	}
}

func (s *session) join(ctx context.Context, msg *inbound) {
	if msg.RoomID == "" {
		s.sendError(ctx, codeMissingRoom, "roomId is required")
		return
	}
	src := orDefault(msg.UserLanguage, language.DefaultSource)
	tgt := orDefault(msg.TargetLanguage, language.DefaultTarget)

	s.h.cfg.Rooms.Join(msg.RoomID, room.Session{ID: s.id, SourceLang: src, TargetLang: tgt, Conn: s})
	applog.Ctx(ctx).Info().Str(applog.FieldRoomID, msg.RoomID).Str("source", src).Str("target", tgt).Msg("joined room")
	ack := evRoomJoined
	if msg.Type == msgJoinTranslationRoom {
		ack = evJoinedTranslationRoom
	}
	s.Send(roomEvent{Type: ack, RoomID: msg.RoomID, Status: "success"})
}

func (s *session) leave(ctx context.Context, msg *inbound) {
	if msg.RoomID == "" {
		s.sendError(ctx, codeMissingRoom, "roomId is required")
		return
	}
	s.h.cfg.Rooms.Leave(msg.RoomID, s.id)
	applog.Ctx(ctx).Info().Str(applog.FieldRoomID, msg.RoomID).Msg("left room")
	s.Send(roomEvent{Type: evRoomLeft, RoomID: msg.RoomID, Status: "success"})
}

func (s *session) audio(ctx context.Context, msg *inbound) {
	if msg.RoomID == "" {
		s.sendError(ctx, codeMissingRoom, "roomId is required")
		return
	}
	if msg.AudioData == "" && msg.Binary {
		s.pending = msg
		return
	}
	data, err := base64.StdEncoding.DecodeString(msg.AudioData)
	if err != nil || len(data) == 0 {
		s.sendError(ctx, codeBadAudio, "audioData must be non-empty base64")
		return
	}
	s.enqueue(ctx, msg, data)
}

func (s *session) handleBinary(ctx context.Context, data []byte) {
	msg := s.pending
	s.pending = nil
	if msg == nil {
		s.sendError(ctx, codeUnexpectedBin, "binary frame without audio_for_translation header")
		return
	}
	if len(data) == 0 {
		s.sendError(ctx, codeBadAudio, "empty audio frame")
		return
	}
	s.enqueue(ctx, msg, data)
}

func (s *session) enqueue(ctx context.Context, msg *inbound, data []byte) {
	src, tgt := s.languagesFor(msg)
	req := relay.Request{
		RoomID:     msg.RoomID,
		SenderID:   s.id,
		SourceLang: src,
		TargetLang: tgt,
		Audio:      data,
		Reply:      s,
		Tracer:     s.tracer,
	}
	select {
	case s.jobs <- req:
	default:
		metrics.Errors.WithLabelValues("queue", "full").Inc()
		s.sendError(ctx, codeBusy, "too many pending audio chunks")
	}
}

// languagesFor fills missing languages from the sender's room membership,
// then from the catalog defaults.
func (s *session) languagesFor(msg *inbound) (string, string) {
	src, tgt := msg.SourceLanguage, msg.TargetLanguage
	if src == "" || tgt == "" {
		for _, m := range s.h.cfg.Rooms.Members(msg.RoomID) {
			if m.ID != s.id {
				continue
			}
			src, tgt = orDefault(src, m.SourceLang), orDefault(tgt, m.TargetLang)
		}
	}
	return orDefault(src, language.DefaultSource), orDefault(tgt, language.DefaultTarget)
}

func orDefault(v, def string) string {
	if v == "" {
		return def
	}
	return v
}
