package pipeline

import (
	"context"
	"fmt"
	"strings"

	"github.com/nlpodyssey/openai-agents-go/agents"
	"github.com/nlpodyssey/openai-agents-go/modelsettings"
	"github.com/openai/openai-go/v2/packages/param"

	"github.com/hubenschmidt/voice-relay/internal/metrics"
	"github.com/hubenschmidt/voice-relay/internal/prompts"
)

// AgentTranslator runs a single-turn agent through openai-agents-go. It lets
// any registered ModelProvider (OpenAI, Ollama's /v1, vLLM) act as a translator.
type AgentTranslator struct {
	provider  agents.ModelProvider
	model     string
	maxTokens int
}

// NewAgentTranslator creates a translator over provider.
func NewAgentTranslator(provider agents.ModelProvider, model string, maxTokens int) *AgentTranslator {
	if maxTokens <= 0 {
		maxTokens = 256
	}
	return &AgentTranslator{provider: provider, model: model, maxTokens: maxTokens}
}

// NewOpenAIProvider builds a chat-completions provider for an OpenAI-compatible base URL.
func NewOpenAIProvider(baseURL, apiKey string) agents.ModelProvider {
	params := agents.OpenAIProviderParams{
		APIKey:       param.NewOpt(apiKey),
		UseResponses: param.NewOpt(false),
	}
	if baseURL != "" {
		params.BaseURL = param.NewOpt(baseURL)
	}
	return agents.NewOpenAIProvider(params)
}

func (a *AgentTranslator) Translate(ctx context.Context, text, targetLangName string) (string, error) {
	agent := agents.New("translator").
		WithInstructions(prompts.TranslateSystem).
		WithModel(a.model).
		WithModelSettings(modelsettings.ModelSettings{
			MaxTokens:   param.NewOpt(int64(a.maxTokens)),
			Temperature: param.NewOpt(0.0),
		})

	runner := agents.Runner{Config: agents.RunConfig{
		ModelProvider:   a.provider,
		MaxTurns:        1,
		TracingDisabled: true,
	}}

	events, errCh, err := runner.RunStreamedChan(ctx, agent, prompts.Translate(targetLangName, text))
	if err != nil {
		metrics.Errors.WithLabelValues("translate", "agent_start").Inc()
		return "", fmt.Errorf("%w: agent stream start: %v", ErrTranslationFailed, err)
	}

	var buf strings.Builder
	for ev := range events {
		collectDelta(ev, &buf)
	}
	if streamErr := <-errCh; streamErr != nil {
		metrics.Errors.WithLabelValues("translate", "agent_stream").Inc()
		return "", fmt.Errorf("%w: agent stream: %v", ErrTranslationFailed, streamErr)
	}
	return cleanTranslation(buf.String())
}

func collectDelta(ev agents.StreamEvent, buf *strings.Builder) {
	raw, ok := ev.(agents.RawResponsesStreamEvent)
	if !ok || raw.Data.Type != "response.output_text.delta" {
		return
	}
	buf.WriteString(raw.Data.Delta)
}
