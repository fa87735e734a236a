package ws

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hubenschmidt/voice-relay/internal/pipeline"
	"github.com/hubenschmidt/voice-relay/internal/relay"
	"github.com/hubenschmidt/voice-relay/internal/room"
)

type stack struct {
	rooms *room.Registry
	srv   *httptest.Server

	mu    sync.Mutex
	heard [][]byte
}

func newStack(t *testing.T, maxConc int) *stack {
	t.Helper()
	st := &stack{rooms: room.NewRegistry()}

	rec := pipeline.RecognizerFunc(func(_ context.Context, audio []byte, _ string) (string, error) {
		st.mu.Lock()
		st.heard = append(st.heard, audio)
		st.mu.Unlock()
		if string(audio) == "fail-tts" {
			return "speak and fail", nil
		}
		return "नमस्ते", nil
	})
	tr := pipeline.TranslatorFunc(func(_ context.Context, text, _ string) (string, error) {
		if text == "नमस्ते" {
			return "Hello", nil
		}
		return text, nil
	})
	syn := pipeline.SynthesizerFunc(func(_ context.Context, text, _ string) ([]byte, error) {
		if text == "speak and fail" {
			return nil, pipeline.ErrSynthesisFailed
		}
		return []byte("wav:" + text), nil
	})

	h := NewHandler(HandlerConfig{
		Rooms:         st.rooms,
		Processor:     relay.New(st.rooms, rec, tr, syn),
		MaxConcurrent: maxConc,
	})
	st.srv = httptest.NewServer(h)
	t.Cleanup(st.srv.Close)
	return st
}

type client struct {
	t    *testing.T
	conn *websocket.Conn
	id   string
}

func (st *stack) dial(t *testing.T) *client {
	t.Helper()
	url := "ws" + strings.TrimPrefix(st.srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	c := &client{t: t, conn: conn}
	ev := c.next()
	require.Equal(t, "connected", ev["type"])
	c.id, _ = ev["sessionId"].(string)
	require.NotEmpty(t, c.id)
	return c
}

func (c *client) send(v any) {
	c.t.Helper()
	require.NoError(c.t, c.conn.WriteJSON(v))
}

func (c *client) next() map[string]any {
	c.t.Helper()
	c.conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	var ev map[string]any
	require.NoError(c.t, c.conn.ReadJSON(&ev))
	return ev
}

// quiet asserts nothing arrives within d.
func (c *client) quiet(d time.Duration) {
	c.t.Helper()
	c.conn.SetReadDeadline(time.Now().Add(d))
	_, data, err := c.conn.ReadMessage()
	assert.Error(c.t, err, "unexpected message: %s", data)
}

func (c *client) join(roomID, src, tgt string) {
	c.t.Helper()
	c.send(map[string]any{"type": "join_room", "roomId": roomID, "userLanguage": src, "targetLanguage": tgt})
	ev := c.next()
	require.Equal(c.t, "room_joined", ev["type"])
	require.Equal(c.t, roomID, ev["roomId"])
}

func TestRoomBroadcastExcludesSender(t *testing.T) {
	st := newStack(t, 10)
	a, b := st.dial(t), st.dial(t)
	a.join("r1", "hi", "en")
	b.join("r1", "en", "hi")

	a.send(map[string]any{
		"type":           "audio_for_translation",
		"roomId":         "r1",
		"audioData":      base64.StdEncoding.EncodeToString([]byte("pcm")),
		"sourceLanguage": "hi",
		"targetLanguage": "en",
	})

	ev := b.next()
	assert.Equal(t, "translation_result", ev["type"])
	assert.Equal(t, "नमस्ते", ev["originalText"])
	assert.Equal(t, "Hello", ev["translatedText"])
	assert.Equal(t, base64.StdEncoding.EncodeToString([]byte("wav:Hello")), ev["audioData"])
	assert.Equal(t, a.id, ev["senderId"])

	a.quiet(200 * time.Millisecond)
}

func TestBinaryAudioFrame(t *testing.T) {
	st := newStack(t, 10)
	a, b := st.dial(t), st.dial(t)
	a.join("r1", "hi", "en")
	b.join("r1", "en", "hi")

	a.send(map[string]any{"type": "audio_for_translation", "roomId": "r1", "binary": true})
	require.NoError(t, a.conn.WriteMessage(websocket.BinaryMessage, []byte("raw-bytes")))

	ev := b.next()
	assert.Equal(t, "Hello", ev["translatedText"])
	// Languages come from A's membership when the event omits them.
	assert.Equal(t, "hi", ev["sourceLanguage"])
	assert.Equal(t, "en", ev["targetLanguage"])

	st.mu.Lock()
	defer st.mu.Unlock()
	assert.Equal(t, [][]byte{[]byte("raw-bytes")}, st.heard)
}

func TestSynthesisFailureGoesToSenderOnly(t *testing.T) {
	st := newStack(t, 10)
	a, b := st.dial(t), st.dial(t)
	a.join("r1", "hi", "en")
	b.join("r1", "en", "hi")

	a.send(map[string]any{
		"type":      "audio_for_translation",
		"roomId":    "r1",
		"audioData": base64.StdEncoding.EncodeToString([]byte("fail-tts")),
	})

	ev := a.next()
	assert.Equal(t, "translation_error", ev["type"])
	assert.Equal(t, relay.ReasonSynthesisFailed, ev["error"])
	b.quiet(200 * time.Millisecond)
}

func TestLeaveAndAliases(t *testing.T) {
	st := newStack(t, 10)
	a := st.dial(t)

	a.send(map[string]any{"type": "join_translation_room", "roomId": "r9"})
	ev := a.next()
	assert.Equal(t, "joined_translation_room", ev["type"])
	assert.Equal(t, "r9", ev["roomId"])
	assert.Equal(t, "success", ev["status"])
	members := st.rooms.Members("r9")
	require.Len(t, members, 1)
	assert.Equal(t, "en", members[0].SourceLang)
	assert.Equal(t, "hi", members[0].TargetLang)

	a.send(map[string]any{"type": "leave_translation_room", "roomId": "r9"})
	assert.Equal(t, "room_left", a.next()["type"])
	assert.Equal(t, 0, st.rooms.Count())
}

func TestPingAndErrors(t *testing.T) {
	st := newStack(t, 10)
	a := st.dial(t)

	a.send(map[string]any{"type": "ping"})
	assert.Equal(t, "pong", a.next()["type"])

	require.NoError(t, a.conn.WriteMessage(websocket.TextMessage, []byte("{not json")))
	ev := a.next()
	assert.Equal(t, "error", ev["type"])
	assert.Equal(t, codeBadRequest, ev["code"])

	a.send(map[string]any{"type": "dance"})
	assert.Equal(t, codeUnknownType, a.next()["code"])

	a.send(map[string]any{"type": "join_room"})
	assert.Equal(t, codeMissingRoom, a.next()["code"])

	a.send(map[string]any{"type": "audio_for_translation", "roomId": "r1", "audioData": "%%%"})
	assert.Equal(t, codeBadAudio, a.next()["code"])

	require.NoError(t, a.conn.WriteMessage(websocket.BinaryMessage, []byte{1}))
	assert.Equal(t, codeUnexpectedBin, a.next()["code"])
}

func TestDisconnectCleansUpEveryRoom(t *testing.T) {
	st := newStack(t, 10)
	a, b := st.dial(t), st.dial(t)
	a.join("r1", "hi", "en")
	a.join("r2", "hi", "en")
	b.join("r1", "en", "hi")

	a.conn.Close()
	assert.Eventually(t, func() bool {
		return len(st.rooms.Members("r2")) == 0
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, 1, st.rooms.Count())
	assert.Len(t, st.rooms.Members("r1"), 1)
}

func TestAdmissionControl(t *testing.T) {
	st := newStack(t, 1)
	st.dial(t)

	url := "ws" + strings.TrimPrefix(st.srv.URL, "http")
	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.ErrorIs(t, err, websocket.ErrBadHandshake)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

func TestResultEventShape(t *testing.T) {
	r := &relay.Result{OriginalText: "a", TranslatedText: "b", Audio: []byte{0xff}, SourceLang: "hi", TargetLang: "en", SenderID: "s"}
	data, err := json.Marshal(r.Event())
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"translation_result","originalText":"a","translatedText":"b","audioData":"/w==","sourceLanguage":"hi","targetLanguage":"en","senderId":"s"}`, string(data))
}
