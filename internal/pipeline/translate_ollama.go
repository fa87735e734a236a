package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/hubenschmidt/voice-relay/internal/metrics"
	"github.com/hubenschmidt/voice-relay/internal/prompts"
)

// OllamaTranslator translates with a local Ollama model over /api/chat.
type OllamaTranslator struct {
	url       string
	model     string
	maxTokens int
	client    *http.Client
}

// NewOllamaTranslator creates an Ollama-backed translator.
func NewOllamaTranslator(url, model string, maxTokens int, client *http.Client) *OllamaTranslator {
	return &OllamaTranslator{
		url:       strings.TrimRight(url, "/"),
		model:     model,
		maxTokens: maxTokens,
		client:    client,
	}
}

type ollamaMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type ollamaOptions struct {
	NumPredict  int     `json:"num_predict,omitempty"`
	Temperature float64 `json:"temperature"`
}

type ollamaChatRequest struct {
	Model    string          `json:"model"`
	Stream   bool            `json:"stream"`
	Think    bool            `json:"think"`
	Options  ollamaOptions   `json:"options"`
	Messages []ollamaMessage `json:"messages"`
}

func (o *OllamaTranslator) Translate(ctx context.Context, text, targetLangName string) (string, error) {
	req, err := newJSONRequest(ctx, o.url+"/api/chat", ollamaChatRequest{
		Model:   o.model,
		Options: ollamaOptions{NumPredict: o.maxTokens},
		Messages: []ollamaMessage{
			{Role: "system", Content: prompts.TranslateSystem},
			{Role: "user", Content: prompts.Translate(targetLangName, text)},
		},
	})
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrTranslationFailed, err)
	}

	body, err := doBytes(o.client, req)
	if err != nil {
		metrics.Errors.WithLabelValues("translate", "http").Inc()
		return "", fmt.Errorf("%w: ollama: %v", ErrTranslationFailed, err)
	}

	var resp struct {
		Message ollamaMessage `json:"message"`
	}
	if err = json.Unmarshal(body, &resp); err != nil {
		return "", fmt.Errorf("%w: decode ollama response: %v", ErrTranslationFailed, err)
	}
	return cleanTranslation(resp.Message.Content)
}
