package relay

import "encoding/base64"

// Outbound event types.
const (
	EventTranslationResult = "translation_result"
	EventTranslationError  = "translation_error"
)

// Client-facing failure reasons. Upstream detail stays in the logs.
const (
	ReasonSynthesisFailed   = "Speech synthesis failed"
	ReasonRecognitionFailed = "Speech recognition failed"
)

// Result is one successful pipeline run.
type Result struct {
	OriginalText   string
	TranslatedText string
	Audio          []byte
	SourceLang     string
	TargetLang     string
	SenderID       string
}

// ResultEvent is the wire form of a Result.
type ResultEvent struct {
	Type           string `json:"type"`
	OriginalText   string `json:"originalText"`
	TranslatedText string `json:"translatedText"`
	AudioData      string `json:"audioData"`
	SourceLanguage string `json:"sourceLanguage"`
	TargetLanguage string `json:"targetLanguage"`
	SenderID       string `json:"senderId"`
}

// ErrorEvent tells the sender its request could not be completed.
type ErrorEvent struct {
	Type  string `json:"type"`
	Error string `json:"error"`
}

// Event encodes r for broadcast.
func (r *Result) Event() ResultEvent {
	return ResultEvent{
		Type:           EventTranslationResult,
		OriginalText:   r.OriginalText,
		TranslatedText: r.TranslatedText,
		AudioData:      base64.StdEncoding.EncodeToString(r.Audio),
		SourceLanguage: r.SourceLang,
		TargetLanguage: r.TargetLang,
		SenderID:       r.SenderID,
	}
}
