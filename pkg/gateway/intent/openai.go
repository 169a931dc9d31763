package intent

import (
	"context"

	"github.com/openai/openai-go"

	"github.com/vango-go/vai-relay/pkg/gateway/agents"
	"github.com/vango-go/vai-relay/pkg/gateway/llm"
)

const (
	DefaultOpenAIModel = "gpt-4o-mini"
	maxLabelTokens     = 20
)

type OpenAI struct {
	client *openai.Client
	model  string
	system string
}

func NewOpenAI(client *openai.Client, model string, profiles []agents.Profile) *OpenAI {
	if model == "" {
		model = DefaultOpenAIModel
	}
	return &OpenAI{client: client, model: model, system: SystemPrompt(profiles)}
}

func (o *OpenAI) Classify(ctx context.Context, conversation string) (string, error) {
	return llm.ChatText(ctx, o.client, o.model, o.system, conversation, maxLabelTokens)
}
