package embedding

import (
	"context"
	"hash/fnv"
	"math"
	"strings"
)

const localDimensions = 128

// LocalEngine produces deterministic embeddings without any external service.
// Tokens are hashed into a fixed-size bag-of-words vector, L2-normalized.
// Quality is far below a real model, but similar texts still land near each
// other, which is enough for offline use and tests.
type LocalEngine struct{}

// NewLocalEngine creates the local fallback engine.
func NewLocalEngine() *LocalEngine {
	return &LocalEngine{}
}

// Embed generates a deterministic embedding for the text.
func (e *LocalEngine) Embed(_ context.Context, text string) ([]float32, error) {
	vec := make([]float32, localDimensions)
	for _, token := range strings.Fields(strings.ToLower(text)) {
		token = strings.Trim(token, ".,;:!?\"'()[]")
		if token == "" {
			continue
		}
		h := fnv.New32a()
		h.Write([]byte(token))
		sum := h.Sum32()
		// Sign bit from the high half keeps the vector roughly zero-centered.
		idx := int(sum % localDimensions)
		if (sum>>16)&1 == 1 {
			vec[idx]++
		} else {
			vec[idx]--
		}
	}

	var mag float64
	for _, v := range vec {
		mag += float64(v * v)
	}
	if mag > 0 {
		norm := float32(math.Sqrt(mag))
		for i := range vec {
			vec[i] /= norm
		}
	}
	return vec, nil
}

// EmbedBatch embeds each text sequentially.
func (e *LocalEngine) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, text := range texts {
		vec, err := e.Embed(ctx, text)
		if err != nil {
			return nil, err
		}
		out[i] = vec
	}
	return out, nil
}

// Dimensions returns the dimensionality of embeddings.
func (e *LocalEngine) Dimensions() int { return localDimensions }

// Name returns the engine name.
func (e *LocalEngine) Name() string { return "local" }
