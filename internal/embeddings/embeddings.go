// Package embeddings wraps the OpenAI embedding model used to vectorize
// transcript chunks (§4.5, §11 DOMAIN STACK), replacing the teacher's
// absent LangChain OpenAIEmbeddings wrapper with the SDK already in the
// teacher's own go.mod (github.com/openai/openai-go), used elsewhere in the
// teacher for its own OpenAI-backed transformer.
package embeddings

import (
	"context"
	"fmt"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/nethesis/satellite/internal/store"
)

const model = store.EmbeddingModel

// Client implements store.Embedder against the OpenAI embeddings endpoint.
type Client struct {
	oai openai.Client
}

// New builds a Client from an API key.
func New(apiKey string) *Client {
	return &Client{oai: openai.NewClient(option.WithAPIKey(apiKey))}
}

// Embed returns one vector per input text, in the same order.
func (c *Client) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	resp, err := c.oai.Embeddings.New(ctx, openai.EmbeddingNewParams{
		Model: model,
		Input: openai.EmbeddingNewParamsInputUnion{
			OfArrayOfStrings: texts,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("embeddings: openai request: %w", err)
	}
	if len(resp.Data) != len(texts) {
		return nil, fmt.Errorf("embeddings: expected %d vectors, got %d", len(texts), len(resp.Data))
	}

	out := make([][]float32, len(texts))
	for _, d := range resp.Data {
		vec := make([]float32, len(d.Embedding))
		for i, f := range d.Embedding {
			vec[i] = float32(f)
		}
		out[d.Index] = vec
	}
	return out, nil
}
