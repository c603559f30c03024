package adapters

import (
	"context"
	"fmt"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
)

// OpenAIEmbedder implements Embedder against the OpenAI (or any
// OpenAI-compatible) embeddings endpoint, generalizing the pack's
// embed.OpenAI client down to the single-vector Embedder contract the
// updater and retriever depend on.
type OpenAIEmbedder struct {
	client *openai.Client
	model  string
	dim    int64
}

// NewOpenAIEmbedder builds an embedder against model, optionally pointed
// at a compatible base URL (e.g. a self-hosted gateway) when baseURL is
// non-empty.
func NewOpenAIEmbedder(apiKey, baseURL, model string, dim int) *OpenAIEmbedder {
	if model == "" {
		model = "text-embedding-3-small"
	}
	if dim <= 0 {
		dim = 1536
	}
	opts := []option.RequestOption{option.WithAPIKey(apiKey)}
	if baseURL != "" {
		opts = append(opts, option.WithBaseURL(baseURL))
	}
	client := openai.NewClient(opts...)
	return &OpenAIEmbedder{client: &client, model: model, dim: int64(dim)}
}

// Embed returns the dense vector for text.
func (o *OpenAIEmbedder) Embed(ctx context.Context, text string) ([]float64, error) {
	if text == "" {
		return nil, fmt.Errorf("openai embedder: empty input")
	}
	params := openai.EmbeddingNewParams{
		Model:          openai.EmbeddingModel(o.model),
		Input:          openai.EmbeddingNewParamsInputUnion{OfArrayOfStrings: []string{text}},
		Dimensions:     openai.Int(o.dim),
		EncodingFormat: openai.EmbeddingNewParamsEncodingFormatFloat,
	}
	resp, err := o.client.Embeddings.New(ctx, params)
	if err != nil {
		return nil, fmt.Errorf("openai embedder: %w", err)
	}
	if len(resp.Data) == 0 {
		return nil, fmt.Errorf("openai embedder: empty response")
	}
	return resp.Data[0].Embedding, nil
}
