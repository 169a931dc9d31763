package intent

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"google.golang.org/genai"

	"github.com/vango-go/vai-relay/pkg/gateway/agents"
)

const DefaultGeminiModel = "gemini-2.0-flash"

type GeminiOptions struct {
	APIKey     string
	BaseURL    string
	HTTPClient *http.Client
	Model      string
}

type Gemini struct {
	client *genai.Client
	model  string
	system string
}

func NewGemini(ctx context.Context, opts GeminiOptions, profiles []agents.Profile) (*Gemini, error) {
	if strings.TrimSpace(opts.APIKey) == "" {
		return nil, errors.New("gemini api key is required")
	}
	cfg := &genai.ClientConfig{
		APIKey:     opts.APIKey,
		Backend:    genai.BackendGeminiAPI,
		HTTPClient: opts.HTTPClient,
	}
	if opts.BaseURL != "" {
		cfg.HTTPOptions = genai.HTTPOptions{BaseURL: opts.BaseURL}
	}
	client, err := genai.NewClient(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("genai client: %w", err)
	}
	model := opts.Model
	if model == "" {
		model = DefaultGeminiModel
	}
	return &Gemini{client: client, model: model, system: SystemPrompt(profiles)}, nil
}

func (g *Gemini) Classify(ctx context.Context, conversation string) (string, error) {
	cfg := &genai.GenerateContentConfig{
		SystemInstruction: &genai.Content{Parts: []*genai.Part{genai.NewPartFromText(g.system)}},
		MaxOutputTokens:   maxLabelTokens,
	}
	resp, err := g.client.Models.GenerateContent(ctx, g.model, []*genai.Content{
		{Role: "user", Parts: []*genai.Part{{Text: conversation}}},
	}, cfg)
	if err != nil {
		return "", fmt.Errorf("genai generate: %w", err)
	}

	var sb strings.Builder
	if resp != nil && len(resp.Candidates) > 0 && resp.Candidates[0].Content != nil {
		for _, part := range resp.Candidates[0].Content.Parts {
			sb.WriteString(part.Text)
		}
	}
	return strings.TrimSpace(sb.String()), nil
}
