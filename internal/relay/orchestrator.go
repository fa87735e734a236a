// Package relay runs the recognize, translate, synthesize pipeline for one
// utterance and fans the result out to the rest of the room.
package relay

import (
	"context"
	"errors"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/rs/zerolog"

	"github.com/hubenschmidt/voice-relay/internal/language"
	applog "github.com/hubenschmidt/voice-relay/internal/log"
	"github.com/hubenschmidt/voice-relay/internal/metrics"
	"github.com/hubenschmidt/voice-relay/internal/pipeline"
	"github.com/hubenschmidt/voice-relay/internal/room"
	"github.com/hubenschmidt/voice-relay/internal/trace"
)

// MinTranscriptRunes is the shortest trimmed transcript worth translating.
const MinTranscriptRunes = 3

// Outcome classifies how a request ended.
type Outcome string

const (
	OutcomeDelivered         Outcome = "delivered"
	OutcomeNoRecipients      Outcome = "no_recipients"
	OutcomeUnavailable       Outcome = "unavailable"
	OutcomeRecognitionFailed Outcome = "recognition_failed"
	OutcomeNoSpeech          Outcome = "no_speech"
	OutcomeSynthesisFailed   Outcome = "synthesis_failed"
)

// Request is one inbound utterance.
type Request struct {
	RoomID     string
	SenderID   string
	SourceLang string
	TargetLang string
	Audio      []byte

	// Reply reaches the sender for translation_error. May be nil.
	Reply room.Outbox
	// Tracer records stage spans. May be nil.
	Tracer *trace.Tracer
}

// Orchestrator drives requests through the three stages.
type Orchestrator struct {
	rooms       *room.Registry
	recognizer  pipeline.Recognizer
	translator  pipeline.Translator
	synthesizer pipeline.Synthesizer
}

// New creates an orchestrator over the shared registry and stage collaborators.
func New(rooms *room.Registry, rec pipeline.Recognizer, tr pipeline.Translator, syn pipeline.Synthesizer) *Orchestrator {
	return &Orchestrator{rooms: rooms, recognizer: rec, translator: tr, synthesizer: syn}
}

// Process runs req and delivers the result to every room member except the
// sender. Recognition problems end the request silently. A synthesis failure
// is reported to the sender only.
func (o *Orchestrator) Process(ctx context.Context, req Request) Outcome {
	start := time.Now()
	runID := req.Tracer.StartRun(req.RoomID, req.SourceLang, req.TargetLang)
	l := applog.Ctx(ctx).With().
		Str(applog.FieldRoomID, req.RoomID).
		Str(applog.FieldSenderID, req.SenderID).
		Logger()

	res, err := o.run(ctx, req, runID)
	outcome, recipients := o.settle(l, req, res, err)

	elapsed := time.Since(start)
	metrics.Requests.WithLabelValues(string(outcome)).Inc()
	if outcome == OutcomeDelivered {
		metrics.E2EDuration.Observe(elapsed.Seconds())
	}
	req.Tracer.EndRun(runID, elapsed, string(outcome), recipients)

	l.Debug().Str(applog.FieldOutcome, string(outcome)).Int("recipients", recipients).Dur("elapsed", elapsed).Msg("request finished")
	return outcome
}

func (o *Orchestrator) settle(l zerolog.Logger, req Request, res *Result, err error) (Outcome, int) {
	switch {
	case errors.Is(err, pipeline.ErrRecognitionUnavailable):
		return OutcomeUnavailable, 0
	case errors.Is(err, pipeline.ErrNoSpeech):
		return OutcomeNoSpeech, 0
	case errors.Is(err, pipeline.ErrSynthesisFailed):
		l.Warn().Err(err).Msg("synthesis failed")
		o.replyError(l, req.Reply, ReasonSynthesisFailed)
		return OutcomeSynthesisFailed, 0
	case err != nil:
		l.Warn().Err(err).Msg("recognition failed")
		return OutcomeRecognitionFailed, 0
	}

	recipients := room.Recipients(o.rooms.Members(req.RoomID), req.SenderID)
	if len(recipients) == 0 {
		return OutcomeNoRecipients, 0
	}
	delivered := o.broadcast(l, recipients, res.Event())
	return OutcomeDelivered, delivered
}

// Translate runs the stages without a room, for one-shot HTTP use. It returns
// ErrRecognitionUnavailable, ErrRecognitionFailed, ErrNoSpeech or
// ErrSynthesisFailed. Translation still fails open.
func (o *Orchestrator) Translate(ctx context.Context, audio []byte, sourceLang, targetLang string) (*Result, error) {
	return o.run(ctx, Request{SourceLang: sourceLang, TargetLang: targetLang, Audio: audio}, "")
}

func (o *Orchestrator) run(ctx context.Context, req Request, runID string) (*Result, error) {
	original, err := o.recognize(ctx, req, runID)
	if err != nil {
		return nil, err
	}

	translated := o.translate(ctx, req, runID, original)

	t0 := time.Now()
	speech, err := o.synthesizer.Speak(ctx, translated, req.TargetLang)
	req.Tracer.RecordSpan(runID, "synthesize", t0, time.Since(t0), err)
	if err != nil {
		if !errors.Is(err, pipeline.ErrSynthesisFailed) {
			err = errors.Join(pipeline.ErrSynthesisFailed, err)
		}
		return nil, err
	}

	return &Result{
		OriginalText:   original,
		TranslatedText: translated,
		Audio:          speech,
		SourceLang:     req.SourceLang,
		TargetLang:     req.TargetLang,
		SenderID:       req.SenderID,
	}, nil
}

func (o *Orchestrator) recognize(ctx context.Context, req Request, runID string) (string, error) {
	t0 := time.Now()
	text, err := o.recognizer.Transcribe(ctx, req.Audio, req.SourceLang)
	req.Tracer.RecordSpan(runID, "recognize", t0, time.Since(t0), err)
	if err != nil {
		if errors.Is(err, pipeline.ErrRecognitionUnavailable) {
			return "", err
		}
		if !errors.Is(err, pipeline.ErrRecognitionFailed) {
			err = errors.Join(pipeline.ErrRecognitionFailed, err)
		}
		return "", err
	}

	text = strings.TrimSpace(text)
	if utf8.RuneCountInString(text) < MinTranscriptRunes {
		return "", pipeline.ErrNoSpeech
	}
	return text, nil
}

// translate fails open: any error yields the original text.
func (o *Orchestrator) translate(ctx context.Context, req Request, runID, text string) string {
	t0 := time.Now()
	out, err := o.translator.Translate(ctx, text, language.Name(req.TargetLang))
	req.Tracer.RecordSpan(runID, "translate", t0, time.Since(t0), err)
	if err != nil {
		applog.Ctx(ctx).Warn().Err(err).Str("target", req.TargetLang).Msg("translation failed, passing original text through")
		return text
	}
	if strings.TrimSpace(out) == "" {
		return text
	}
	return out
}

// broadcast sends ev to each recipient and returns how many writes succeeded.
// A closed connection is a member that has gone; it does not stop the rest.
func (o *Orchestrator) broadcast(l zerolog.Logger, recipients []room.Session, ev ResultEvent) int {
	delivered := 0
	for _, s := range recipients {
		if s.Conn == nil {
			continue
		}
		if err := s.Conn.Send(ev); err != nil {
			l.Debug().Err(err).Str(applog.FieldSessionID, s.ID).Msg("recipient gone")
			continue
		}
		delivered++
	}
	metrics.ResultsDelivered.Add(float64(delivered))
	return delivered
}

func (o *Orchestrator) replyError(l zerolog.Logger, reply room.Outbox, reason string) {
	if reply == nil {
		return
	}
	if err := reply.Send(ErrorEvent{Type: EventTranslationError, Error: reason}); err != nil {
		l.Debug().Err(err).Msg("sender gone before error delivery")
	}
}
