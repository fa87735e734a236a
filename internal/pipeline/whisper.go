package pipeline

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strings"
	"time"

	"github.com/hubenschmidt/voice-relay/internal/audio"
	"github.com/hubenschmidt/voice-relay/internal/metrics"
)

const whisperSampleRate = 16000

// WhisperConfig describes how to reach a whisper.cpp server and how inbound
// audio is encoded when it is not a WAV container.
type WhisperConfig struct {
	URL        string
	PoolSize   int
	Timeout    time.Duration
	Codec      audio.Codec
	SampleRate int

	// SilenceThresholdDB gates clips whose loudest window is below it.
	// Zero selects audio.DefaultSilenceThresholdDB; -100 disables the gate.
	SilenceThresholdDB float64
}

// WhisperRecognizer sends audio as multipart WAV to a whisper.cpp /inference endpoint.
type WhisperRecognizer struct {
	url        string
	codec      audio.Codec
	sampleRate int
	silenceDB  float64
	client     *http.Client
}

// NewWhisperRecognizer creates a recognizer client.
func NewWhisperRecognizer(cfg WhisperConfig) *WhisperRecognizer {
	if cfg.PoolSize <= 0 {
		cfg.PoolSize = 16
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.Codec == "" {
		cfg.Codec = audio.CodecF32LE
	}
	if cfg.SampleRate <= 0 {
		cfg.SampleRate = whisperSampleRate
	}
	if cfg.SilenceThresholdDB == 0 {
		cfg.SilenceThresholdDB = audio.DefaultSilenceThresholdDB
	}
	return &WhisperRecognizer{
		url:        strings.TrimRight(cfg.URL, "/"),
		codec:      cfg.Codec,
		sampleRate: cfg.SampleRate,
		silenceDB:  cfg.SilenceThresholdDB,
		client:     NewPooledHTTPClient(cfg.PoolSize, cfg.Timeout),
	}
}

// Warmup sends one second of silence to check the server is serving a model.
func (w *WhisperRecognizer) Warmup(ctx context.Context) error {
	_, err := w.infer(ctx, make([]float32, whisperSampleRate), "")
	return err
}

// Transcribe decodes audio, resamples it to 16 kHz, and returns the trimmed transcript.
func (w *WhisperRecognizer) Transcribe(ctx context.Context, data []byte, sourceLang string) (string, error) {
	samples, rate, err := w.decode(data)
	if err != nil {
		metrics.Errors.WithLabelValues("recognize", "decode").Inc()
		return "", fmt.Errorf("%w: %v", ErrRecognitionFailed, err)
	}
	if len(samples) == 0 {
		return "", nil
	}
	samples = audio.Resample(samples, rate, whisperSampleRate)
	if audio.IsSilent(samples, w.silenceDB) {
		return "", nil
	}

	start := time.Now()
	text, err := w.infer(ctx, samples, sourceLang)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrRecognitionFailed, err)
	}
	metrics.StageDuration.WithLabelValues("recognize").Observe(time.Since(start).Seconds())
	return strings.TrimSpace(text), nil
}

func (w *WhisperRecognizer) decode(data []byte) ([]float32, int, error) {
	if audio.IsWAV(data) {
		return audio.ParseWAV(data)
	}
	return audio.Decode(data, w.codec, w.sampleRate)
}

func (w *WhisperRecognizer) infer(ctx context.Context, samples []float32, lang string) (string, error) {
	body, contentType, err := buildMultipartAudio(samples, lang)
	if err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url+"/inference", body)
	if err != nil {
		return "", fmt.Errorf("create whisper request: %w", err)
	}
	req.Header.Set("Content-Type", contentType)

	resp, err := w.client.Do(req)
	if err != nil {
		metrics.Errors.WithLabelValues("recognize", "http").Inc()
		return "", fmt.Errorf("whisper request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		metrics.Errors.WithLabelValues("recognize", "status").Inc()
		return "", fmt.Errorf("whisper status %d: %s", resp.StatusCode, bytes.TrimSpace(snippet))
	}

	var result struct {
		Text string `json:"text"`
	}
	if err = json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return "", fmt.Errorf("decode whisper response: %w", err)
	}
	return result.Text, nil
}

func buildMultipartAudio(samples []float32, lang string) (*bytes.Buffer, string, error) {
	var body bytes.Buffer
	writer := multipart.NewWriter(&body)

	part, err := writer.CreateFormFile("file", "audio.wav")
	if err != nil {
		return nil, "", fmt.Errorf("create form file: %w", err)
	}
	if _, err = part.Write(audio.SamplesToWAV(samples, whisperSampleRate)); err != nil {
		return nil, "", fmt.Errorf("write wav data: %w", err)
	}

	fields := map[string]string{"response_format": "json", "temperature": "0.0"}
	if lang != "" {
		fields["language"] = lang
	}
	for k, v := range fields {
		if err = writer.WriteField(k, v); err != nil {
			return nil, "", fmt.Errorf("write field %s: %w", k, err)
		}
	}

	if err = writer.Close(); err != nil {
		return nil, "", fmt.Errorf("close writer: %w", err)
	}
	return &body, writer.FormDataContentType(), nil
}
