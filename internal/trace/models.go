package trace

import "time"

// Session represents one WebSocket connection.
type Session struct {
	ID         string     `json:"id"`
	RemoteAddr string     `json:"remote_addr"`
	StartedAt  time.Time  `json:"started_at"`
	EndedAt    *time.Time `json:"ended_at,omitempty"`
	RunCount   int        `json:"run_count,omitempty"`
}

// Run is one translation request through recognize, translate and synthesize.
// Transcripts and translations are never stored.
type Run struct {
	ID         string    `json:"id"`
	SessionID  string    `json:"session_id"`
	RoomID     string    `json:"room_id"`
	SourceLang string    `json:"source_lang"`
	TargetLang string    `json:"target_lang"`
	StartedAt  time.Time `json:"started_at"`
	DurationMs float64   `json:"duration_ms,omitempty"`
	Outcome    string    `json:"outcome"`
	Recipients int       `json:"recipients"`
	SpanCount  int       `json:"span_count,omitempty"`
}

// Span is one stage execution inside a run.
type Span struct {
	ID         string    `json:"id"`
	RunID      string    `json:"run_id"`
	Name       string    `json:"name"`
	StartedAt  time.Time `json:"started_at"`
	DurationMs float64   `json:"duration_ms"`
	Status     string    `json:"status"`
	Error      string    `json:"error,omitempty"`
}
