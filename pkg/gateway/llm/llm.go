// Package llm holds the chat and embedding clients shared by the tools and
// the intent classifier.
package llm

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
)

type OpenAIOptions struct {
	APIKey     string
	BaseURL    string
	HTTPClient *http.Client
}

// NewOpenAI builds an openai-go client. BaseURL may point at any
// OpenAI-compatible endpoint.
func NewOpenAI(opts OpenAIOptions) *openai.Client {
	reqOpts := []option.RequestOption{option.WithAPIKey(opts.APIKey)}
	if opts.BaseURL != "" {
		reqOpts = append(reqOpts, option.WithBaseURL(opts.BaseURL))
	}
	if opts.HTTPClient != nil {
		reqOpts = append(reqOpts, option.WithHTTPClient(opts.HTTPClient))
	}
	client := openai.NewClient(reqOpts...)
	return &client
}

// ChatText sends a system and user message and returns the trimmed reply.
func ChatText(ctx context.Context, client *openai.Client, model, system, user string, maxTokens int64) (string, error) {
	params := openai.ChatCompletionNewParams{
		Model: model,
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.SystemMessage(system),
			openai.UserMessage(user),
		},
	}
	if maxTokens > 0 {
		params.MaxTokens = openai.Int(maxTokens)
	}
	return complete(ctx, client, params)
}

// ChatImages asks about a set of images. Each image is a URL or data URL.
func ChatImages(ctx context.Context, client *openai.Client, model, system, prompt string, images []string, maxTokens int64) (string, error) {
	parts := make([]openai.ChatCompletionContentPartUnionParam, 0, len(images)+1)
	parts = append(parts, openai.TextContentPart(prompt))
	for _, img := range images {
		parts = append(parts, openai.ImageContentPart(openai.ChatCompletionContentPartImageImageURLParam{URL: img}))
	}
	mp := openai.ChatCompletionUserMessageParam{
		Content: openai.ChatCompletionUserMessageParamContentUnion{OfArrayOfContentParts: parts},
	}
	params := openai.ChatCompletionNewParams{
		Model: model,
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.SystemMessage(system),
			{OfUser: &mp},
		},
	}
	if maxTokens > 0 {
		params.MaxTokens = openai.Int(maxTokens)
	}
	return complete(ctx, client, params)
}

func complete(ctx context.Context, client *openai.Client, params openai.ChatCompletionNewParams) (string, error) {
	if client == nil {
		return "", errors.New("llm: openai client is not configured")
	}
	resp, err := client.Chat.Completions.New(ctx, params)
	if err != nil {
		return "", fmt.Errorf("openai chat: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", errors.New("openai chat: no choices")
	}
	return strings.TrimSpace(resp.Choices[0].Message.Content), nil
}
