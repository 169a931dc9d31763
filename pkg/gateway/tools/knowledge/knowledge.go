// Package knowledge answers policy questions from precomputed embedding files.
package knowledge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"os"
	"sort"
	"strings"

	"github.com/openai/openai-go"
)

const DefaultTopK = 3

// Chunk is one entry of a policy embedding file.
type Chunk struct {
	ID        string    `json:"id"`
	Text      string    `json:"policy_text"`
	Embedding []float64 `json:"policy_text_embedding"`
}

type Embedder interface {
	Embed(ctx context.Context, text string) ([]float64, error)
}

type OpenAIEmbedder struct {
	client *openai.Client
	model  string
}

func NewOpenAIEmbedder(client *openai.Client, model string) *OpenAIEmbedder {
	if model == "" {
		model = "text-embedding-3-small"
	}
	return &OpenAIEmbedder{client: client, model: model}
}

func (e *OpenAIEmbedder) Embed(ctx context.Context, text string) ([]float64, error) {
	if e.client == nil {
		return nil, errors.New("embed query: openai client is not configured")
	}
	resp, err := e.client.Embeddings.New(ctx, openai.EmbeddingNewParams{
		Model:          e.model,
		Input:          openai.EmbeddingNewParamsInputUnion{OfArrayOfStrings: []string{text}},
		EncodingFormat: openai.EmbeddingNewParamsEncodingFormatFloat,
	})
	if err != nil {
		return nil, fmt.Errorf("embed query: %w", err)
	}
	if len(resp.Data) == 0 {
		return nil, errors.New("embed query: empty response")
	}
	return resp.Data[0].Embedding, nil
}

// Index ranks chunks by cosine similarity to the query embedding.
type Index struct {
	chunks   []Chunk
	embedder Embedder
}

func NewIndex(chunks []Chunk, embedder Embedder) *Index {
	return &Index{chunks: chunks, embedder: embedder}
}

// LoadIndex reads a JSON array of chunks.
func LoadIndex(path string, embedder Embedder) (*Index, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read knowledge file: %w", err)
	}
	var chunks []Chunk
	if err := json.Unmarshal(raw, &chunks); err != nil {
		return nil, fmt.Errorf("parse knowledge file %s: %w", path, err)
	}
	return NewIndex(chunks, embedder), nil
}

func (ix *Index) Len() int { return len(ix.chunks) }

// Search returns the best k chunks rendered as "id\ntext\n" blocks, best first.
func (ix *Index) Search(ctx context.Context, query string, k int) (string, error) {
	if ix == nil || ix.embedder == nil {
		return "", errors.New("knowledge base is not configured")
	}
	if k <= 0 {
		k = DefaultTopK
	}
	vec, err := ix.embedder.Embed(ctx, strings.ReplaceAll(query, "\n", " "))
	if err != nil {
		return "", err
	}

	type scored struct {
		chunk Chunk
		score float64
	}
	ranked := make([]scored, 0, len(ix.chunks))
	for _, c := range ix.chunks {
		ranked = append(ranked, scored{chunk: c, score: cosine(vec, c.Embedding)})
	}
	sort.SliceStable(ranked, func(i, j int) bool { return ranked[i].score > ranked[j].score })
	if len(ranked) > k {
		ranked = ranked[:k]
	}

	var b strings.Builder
	for _, r := range ranked {
		b.WriteString(r.chunk.ID)
		b.WriteByte('\n')
		b.WriteString(r.chunk.Text)
		b.WriteByte('\n')
	}
	return b.String(), nil
}

// cosine returns 0 for mismatched or zero vectors.
func cosine(a, b []float64) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += a[i] * b[i]
		na += a[i] * a[i]
		nb += b[i] * b[i]
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}
