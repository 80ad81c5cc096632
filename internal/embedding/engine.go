// Package embedding generates vector embeddings for the semantic memory
// store. Backends: Google GenAI (cloud) and a deterministic local fallback
// used when no API key is configured.
package embedding

import (
	"context"
	"fmt"
	"math"
	"sort"

	"forest/internal/logging"
)

// Engine generates vector embeddings for text.
type Engine interface {
	// Embed generates an embedding for a single text.
	Embed(ctx context.Context, text string) ([]float32, error)

	// EmbedBatch generates embeddings for multiple texts.
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)

	// Dimensions returns the dimensionality of embeddings.
	Dimensions() int

	// Name returns the engine name.
	Name() string
}

// Config holds embedding engine configuration.
type Config struct {
	Provider string `json:"provider"` // "genai" or "local"
	APIKey   string `json:"api_key"`
	Model    string `json:"model"` // default "gemini-embedding-001"
}

// NewEngine creates an embedding engine based on configuration. An empty
// provider falls back to genai when an API key is present, local otherwise.
func NewEngine(cfg Config) (Engine, error) {
	provider := cfg.Provider
	if provider == "" {
		if cfg.APIKey != "" {
			provider = "genai"
		} else {
			provider = "local"
		}
	}

	logging.Memory("creating embedding engine: provider=%s model=%s", provider, cfg.Model)

	switch provider {
	case "genai":
		return NewGenAIEngine(cfg.APIKey, cfg.Model)
	case "local":
		return NewLocalEngine(), nil
	default:
		return nil, fmt.Errorf("unsupported embedding provider: %s (use 'genai' or 'local')", provider)
	}
}

// CosineSimilarity calculates the cosine similarity between two vectors.
// Returns a value between -1 and 1, where 1 means identical.
func CosineSimilarity(a, b []float32) (float64, error) {
	if len(a) != len(b) {
		return 0, fmt.Errorf("vectors must have the same length: %d != %d", len(a), len(b))
	}

	var dot, aMag, bMag float64
	for i := 0; i < len(a); i++ {
		dot += float64(a[i] * b[i])
		aMag += float64(a[i] * a[i])
		bMag += float64(b[i] * b[i])
	}
	if aMag == 0 || bMag == 0 {
		return 0, nil
	}
	return dot / (math.Sqrt(aMag) * math.Sqrt(bMag)), nil
}

// SimilarityResult is one ranked search hit.
type SimilarityResult struct {
	Index      int
	Similarity float64
}

// FindTopK ranks the corpus by cosine similarity to the query and returns the
// top k results, best first. Vectors with mismatched dimensions are skipped.
func FindTopK(query []float32, corpus [][]float32, k int) []SimilarityResult {
	if k <= 0 {
		k = 10
	}

	results := make([]SimilarityResult, 0, len(corpus))
	skipped := 0
	for i, vec := range corpus {
		sim, err := CosineSimilarity(query, vec)
		if err != nil {
			skipped++
			continue
		}
		results = append(results, SimilarityResult{Index: i, Similarity: sim})
	}
	if skipped > 0 {
		logging.Get(logging.CategoryMemory).Warn("FindTopK: skipped %d vectors due to dimension mismatch", skipped)
	}

	sort.Slice(results, func(i, j int) bool {
		return results[i].Similarity > results[j].Similarity
	})
	if len(results) > k {
		results = results[:k]
	}
	return results
}
