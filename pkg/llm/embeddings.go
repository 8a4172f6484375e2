package llm

import (
	"context"
	"fmt"

	"github.com/openai/openai-go"
)

// defaultEmbeddingModel is used when the configuration does not name one.
const defaultEmbeddingModel = openai.EmbeddingModelTextEmbedding3Small

// Embed converts text into the vector the retrieval index searches with.
func (b *Broker) Embed(ctx context.Context, text string) ([]float32, error) {
	callCtx := ctx
	if b.timeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, b.timeout)
		defer cancel()
	}

	resp, err := b.client.Embeddings.New(callCtx, openai.EmbeddingNewParams{
		Model: defaultEmbeddingModel,
		Input: openai.EmbeddingNewParamsInputUnion{
			OfString: openai.String(text),
		},
	})
	if err != nil {
		return nil, fmt.Errorf("embedding call failed: %w", err)
	}
	if len(resp.Data) == 0 {
		return nil, fmt.Errorf("provider returned no embedding")
	}

	vector := make([]float32, len(resp.Data[0].Embedding))
	for i, v := range resp.Data[0].Embedding {
		vector[i] = float32(v)
	}
	return vector, nil
}
