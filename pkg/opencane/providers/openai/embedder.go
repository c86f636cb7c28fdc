package openai

import (
	"context"
	"fmt"

	"github.com/openai/openai-go"

	"github.com/iflabx/opencane/pkg/opencane/vectorindex"
)

// Default embedding model and dimension, matching the teacher's
// pkg/embed.OpenAI defaults (text-embedding-3-small, 1536 dims).
const (
	DefaultEmbeddingModel     = "text-embedding-3-small"
	DefaultEmbeddingDimension = 1536
)

// Embedder implements vectorindex.Embedder over the OpenAI embeddings
// endpoint, adapted from pkg/embed.OpenAI to return a single vector per
// call since vectorindex.Embedder has no batch method.
type Embedder struct {
	client *openai.Client
	model  string
	dim    int
}

var _ vectorindex.Embedder = (*Embedder)(nil)

// EmbedderOption configures a Embedder beyond its required API key.
type EmbedderOption func(*Embedder)

func WithEmbeddingModel(model string) EmbedderOption {
	return func(e *Embedder) { e.model = model }
}

func WithEmbeddingDimension(dim int) EmbedderOption {
	return func(e *Embedder) { e.dim = dim }
}

func NewEmbedder(cfg Config, opts ...EmbedderOption) *Embedder {
	e := &Embedder{
		client: newClient(cfg),
		model:  DefaultEmbeddingModel,
		dim:    DefaultEmbeddingDimension,
	}
	for _, o := range opts {
		o(e)
	}
	return e
}

func (e *Embedder) Embed(ctx context.Context, text string) ([]float32, error) {
	if text == "" {
		return nil, fmt.Errorf("openai: embed: empty input")
	}
	params := openai.EmbeddingNewParams{
		Model:          e.model,
		Input:          openai.EmbeddingNewParamsInputUnion{OfArrayOfStrings: []string{text}},
		Dimensions:     openai.Int(int64(e.dim)),
		EncodingFormat: openai.EmbeddingNewParamsEncodingFormatFloat,
	}
	resp, err := e.client.Embeddings.New(ctx, params)
	if err != nil {
		return nil, fmt.Errorf("openai: embed: %w", err)
	}
	if len(resp.Data) == 0 {
		return nil, fmt.Errorf("openai: embed: empty response")
	}
	vec := make([]float32, len(resp.Data[0].Embedding))
	for i, f := range resp.Data[0].Embedding {
		vec[i] = float32(f)
	}
	return vec, nil
}
