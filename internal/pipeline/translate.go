package pipeline

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/openai/openai-go/v2"
	"github.com/openai/openai-go/v2/option"

	"github.com/hubenschmidt/voice-relay/internal/metrics"
	"github.com/hubenschmidt/voice-relay/internal/prompts"
)

// GeminiOpenAIBaseURL is Gemini's OpenAI-compatible endpoint.
const GeminiOpenAIBaseURL = "https://generativelanguage.googleapis.com/v1beta/openai/"

// ChatTranslator translates through any OpenAI-compatible Chat Completions API.
type ChatTranslator struct {
	client openai.Client
	model  string
}

// NewChatTranslator creates a translator. An empty baseURL targets api.openai.com.
func NewChatTranslator(baseURL, apiKey, model string, httpClient *http.Client) *ChatTranslator {
	opts := []option.RequestOption{
		option.WithAPIKey(apiKey),
		option.WithHTTPClient(httpClient),
		option.WithMaxRetries(1),
	}
	if baseURL != "" {
		opts = append(opts, option.WithBaseURL(baseURL))
	}
	return &ChatTranslator{client: openai.NewClient(opts...), model: model}
}

func (c *ChatTranslator) Translate(ctx context.Context, text, targetLangName string) (string, error) {
	resp, err := c.client.Chat.Completions.New(ctx, openai.ChatCompletionNewParams{
		Model: openai.ChatModel(c.model),
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.SystemMessage(prompts.TranslateSystem),
			openai.UserMessage(prompts.Translate(targetLangName, text)),
		},
		Temperature: openai.Float(0),
	})
	if err != nil {
		metrics.Errors.WithLabelValues("translate", "http").Inc()
		return "", fmt.Errorf("%w: chat completion: %v", ErrTranslationFailed, err)
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("%w: empty choices", ErrTranslationFailed)
	}
	return cleanTranslation(resp.Choices[0].Message.Content)
}

// cleanTranslation trims model chatter around the answer and rejects empty output.
func cleanTranslation(out string) (string, error) {
	out = strings.TrimSpace(out)
	out = strings.Trim(out, "\"“”")
	out = strings.TrimSpace(out)
	if out == "" {
		return "", fmt.Errorf("%w: empty translation", ErrTranslationFailed)
	}
	return out, nil
}
