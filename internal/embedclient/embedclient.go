// Package embedclient implements the Embedder consumed interface (spec §6):
// batch and single-text embedding with a fixed, startup-verified dimension.
package embedclient

import (
	"context"
	"fmt"

	openai "github.com/sashabaranov/go-openai"
)

// maxBatchSize mirrors the teacher's embedder batching limit.
const maxBatchSize = 250

// Client wraps an OpenAI-compatible embeddings endpoint.
type Client struct {
	api   *openai.Client
	model string
	dim   int
}

// New creates a Client pointed at baseURL (an OpenAI-compatible server).
func New(baseURL, apiKey, model string, dim int) *Client {
	cfg := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		cfg.BaseURL = baseURL
	}
	return &Client{api: openai.NewClientWithConfig(cfg), model: model, dim: dim}
}

// VerifyDimension embeds a one-word probe and fails fast if the returned
// vector length does not match the configured dimension. Called once at
// startup; a mismatch is a fatal startup error per spec §3/§6.
func (c *Client) VerifyDimension(ctx context.Context) error {
	vec, err := c.EmbedSingle(ctx, "probe")
	if err != nil {
		return fmt.Errorf("embedclient.VerifyDimension: %w", err)
	}
	if len(vec) != c.dim {
		return fmt.Errorf("embedclient.VerifyDimension: model %q returned dimension %d, expected %d", c.model, len(vec), c.dim)
	}
	return nil
}

// Embed embeds a batch of texts, chunking internally at maxBatchSize.
func (c *Client) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}

	out := make([][]float32, 0, len(texts))
	for start := 0; start < len(texts); start += maxBatchSize {
		end := start + maxBatchSize
		if end > len(texts) {
			end = len(texts)
		}
		batch := texts[start:end]

		resp, err := c.api.CreateEmbeddings(ctx, openai.EmbeddingRequestStrings{
			Input: batch,
			Model: openai.EmbeddingModel(c.model),
		})
		if err != nil {
			return nil, fmt.Errorf("embedclient.Embed: %w", err)
		}
		if len(resp.Data) != len(batch) {
			return nil, fmt.Errorf("embedclient.Embed: got %d embeddings for %d inputs", len(resp.Data), len(batch))
		}

		for _, d := range resp.Data {
			vec := make([]float32, len(d.Embedding))
			copy(vec, d.Embedding)
			if len(vec) != c.dim {
				return nil, fmt.Errorf("embedclient.Embed: dimension %d != expected %d", len(vec), c.dim)
			}
			out = append(out, vec)
		}
	}
	return out, nil
}

// EmbedSingle embeds one text and returns its vector.
func (c *Client) EmbedSingle(ctx context.Context, text string) ([]float32, error) {
	vecs, err := c.Embed(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	if len(vecs) == 0 {
		return nil, fmt.Errorf("embedclient.EmbedSingle: empty response")
	}
	return vecs[0], nil
}
