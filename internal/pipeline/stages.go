// Package pipeline holds the three translation stages and the clients that
// implement them against external services.
package pipeline

import (
	"context"
	"errors"
)

// Stage failures. Clients wrap these so callers can classify with errors.Is.
var (
	ErrRecognitionUnavailable = errors.New("recognition unavailable")
	ErrRecognitionFailed      = errors.New("recognition failed")
	ErrNoSpeech               = errors.New("no speech detected")
	ErrTranslationFailed      = errors.New("translation failed")
	ErrSynthesisFailed        = errors.New("synthesis failed")
)

// Recognizer turns encoded audio into text in sourceLang.
type Recognizer interface {
	Transcribe(ctx context.Context, audio []byte, sourceLang string) (string, error)
}

// Translator renders text in the language called targetLangName ("Hindi", not "hi").
type Translator interface {
	Translate(ctx context.Context, text, targetLangName string) (string, error)
}

// Synthesizer speaks text in targetLang and returns encoded audio.
type Synthesizer interface {
	Speak(ctx context.Context, text, targetLang string) ([]byte, error)
}

// RecognizerFunc adapts a function to Recognizer.
type RecognizerFunc func(ctx context.Context, audio []byte, sourceLang string) (string, error)

func (f RecognizerFunc) Transcribe(ctx context.Context, audio []byte, sourceLang string) (string, error) {
	return f(ctx, audio, sourceLang)
}

// TranslatorFunc adapts a function to Translator.
type TranslatorFunc func(ctx context.Context, text, targetLangName string) (string, error)

func (f TranslatorFunc) Translate(ctx context.Context, text, targetLangName string) (string, error) {
	return f(ctx, text, targetLangName)
}

// SynthesizerFunc adapts a function to Synthesizer.
type SynthesizerFunc func(ctx context.Context, text, targetLang string) ([]byte, error)

func (f SynthesizerFunc) Speak(ctx context.Context, text, targetLang string) ([]byte, error) {
	return f(ctx, text, targetLang)
}

// GatedRecognizer refuses work with ErrRecognitionUnavailable until ready reports true.
type GatedRecognizer struct {
	inner Recognizer
	ready func() bool
}

// NewGatedRecognizer wraps inner behind a readiness check.
func NewGatedRecognizer(inner Recognizer, ready func() bool) *GatedRecognizer {
	return &GatedRecognizer{inner: inner, ready: ready}
}

func (g *GatedRecognizer) Transcribe(ctx context.Context, audio []byte, sourceLang string) (string, error) {
	if g.inner == nil || !g.ready() {
		return "", ErrRecognitionUnavailable
	}
	return g.inner.Transcribe(ctx, audio, sourceLang)
}
