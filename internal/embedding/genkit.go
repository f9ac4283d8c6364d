package embedding

import (
	"context"
	"fmt"

	"github.com/firebase/genkit/go/ai"
)

// GenkitClient adapts any Genkit ai.Embedder (Google AI, Ollama, Vertex) to
// the Client interface, so provider plugins plug in without a bespoke
// transport. Genkit does not report token usage, so tokens are estimated.
type GenkitClient struct {
	embedder ai.Embedder
}

// NewGenkitClient wraps a Genkit embedder.
func NewGenkitClient(embedder ai.Embedder) *GenkitClient {
	return &GenkitClient{embedder: embedder}
}

// Embed implements Client.
func (g *GenkitClient) Embed(ctx context.Context, texts []string) ([][]float32, Usage, error) {
	docs := make([]*ai.Document, len(texts))
	for i, t := range texts {
		docs[i] = ai.DocumentFromText(t, nil)
	}

	resp, err := g.embedder.Embed(ctx, &ai.EmbedRequest{Input: docs})
	if err != nil {
		return nil, Usage{}, fmt.Errorf("embed failed: %w", err)
	}
	if len(resp.Embeddings) != len(texts) {
		return nil, Usage{}, fmt.Errorf("embedder returned %d embeddings for %d inputs",
			len(resp.Embeddings), len(texts))
	}

	var usage Usage
	vectors := make([][]float32, len(texts))
	for i, e := range resp.Embeddings {
		if len(e.Embedding) == 0 {
			return nil, Usage{}, fmt.Errorf("empty embedding returned for input %d", i)
		}
		vectors[i] = e.Embedding
		usage.InputTokens += EstimateTokens(texts[i])
	}
	return vectors, usage, nil
}
