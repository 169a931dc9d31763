// Package vision answers questions about the frames a client streamed from its camera.
package vision

import (
	"context"
	"errors"

	"github.com/openai/openai-go"

	"github.com/vango-go/vai-relay/pkg/gateway/llm"
)

const (
	systemPrompt     = "You are a helpful assistant."
	defaultMaxTokens = 300
)

var ErrNoFrames = errors.New("no camera frames available")

type Describer interface {
	Describe(ctx context.Context, command string, frames []string) (string, error)
}

// OpenAI sends the command and every frame as image parts of one chat request.
type OpenAI struct {
	Client    *openai.Client
	Model     string
	MaxTokens int64
}

func (o *OpenAI) Describe(ctx context.Context, command string, frames []string) (string, error) {
	if len(frames) == 0 {
		return "", ErrNoFrames
	}
	model := o.Model
	if model == "" {
		model = "gpt-4o"
	}
	maxTokens := o.MaxTokens
	if maxTokens <= 0 {
		maxTokens = defaultMaxTokens
	}
	return llm.ChatImages(ctx, o.Client, model, systemPrompt, command, frames, maxTokens)
}
