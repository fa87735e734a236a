package trace

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type memSink struct {
	mu       sync.Mutex
	events   []string
	runs     map[string]Run
	outcomes map[string]string
	spans    []Span
}

func newMemSink() *memSink {
	return &memSink{runs: map[string]Run{}, outcomes: map[string]string{}}
}

func (m *memSink) record(ev string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, ev)
}

func (m *memSink) CreateSession(_ context.Context, id, _ string) error {
	m.record("session:" + id)
	return nil
}

func (m *memSink) EndSession(_ context.Context, id string) error {
	m.record("end:" + id)
	return nil
}

func (m *memSink) CreateRun(_ context.Context, r Run) error {
	m.mu.Lock()
	m.runs[r.ID] = r
	m.mu.Unlock()
	m.record("run")
	return nil
}

func (m *memSink) FinishRun(_ context.Context, id string, _ float64, outcome string, _ int) error {
	m.mu.Lock()
	m.outcomes[id] = outcome
	m.mu.Unlock()
	m.record("finish")
	return nil
}

func (m *memSink) CreateSpan(_ context.Context, sp Span) error {
	m.mu.Lock()
	m.spans = append(m.spans, sp)
	m.mu.Unlock()
	m.record("span")
	return errors.New("write failed is only logged")
}

func TestTracerWritesInOrder(t *testing.T) {
	sink := newMemSink()
	tr := NewTracer(sink, "sess-1", "127.0.0.1")

	runID := tr.StartRun("r1", "hi", "en")
	require.NotEmpty(t, runID)
	tr.RecordSpan(runID, "recognize", time.Now(), 120*time.Millisecond, nil)
	tr.RecordSpan(runID, "synthesize", time.Now(), 80*time.Millisecond, errors.New("tts down"))
	tr.EndRun(runID, 300*time.Millisecond, "synthesis_failed", 0)
	tr.Close()

	assert.Equal(t, []string{"session:sess-1", "run", "span", "span", "finish", "end:sess-1"}, sink.events)
	assert.Equal(t, "r1", sink.runs[runID].RoomID)
	assert.Equal(t, "synthesis_failed", sink.outcomes[runID])
	require.Len(t, sink.spans, 2)
	assert.Equal(t, "ok", sink.spans[0].Status)
	assert.Equal(t, "error", sink.spans[1].Status)
	assert.Equal(t, "tts down", sink.spans[1].Error)
}

func TestNilTracerIsNoop(t *testing.T) {
	tr := NewTracer(nil, "s", "")
	assert.Nil(t, tr)
	assert.NotPanics(t, func() {
		id := tr.StartRun("r", "en", "hi")
		tr.RecordSpan(id, "recognize", time.Now(), 0, nil)
		tr.EndRun(id, 0, "delivered", 1)
		tr.Close()
	})
}
