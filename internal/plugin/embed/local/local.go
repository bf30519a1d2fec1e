// Package local implements a deterministic, dependency-free embedder used
// for local development and tests, and as the fallback when no external
// embedding provider is configured.
package local

import (
	"context"
	"hash/fnv"
	"math"
	"strings"
	"unicode"

	registryembed "github.com/4xguy/federated-memory-sub004/internal/registry/embed"
)

const modelName = "local-hash-v1"

func init() {
	registryembed.Register(registryembed.Plugin{
		Name: "local",
		Loader: func(_ context.Context, dimension int) (registryembed.Embedder, error) {
			return &LocalEmbedder{dimension: dimension}, nil
		},
	})
}

// LocalEmbedder hashes tokens into a fixed-width, L2-normalized vector.
// Deterministic: the same text always produces the same vector, satisfying
// spec.md §8's embedding-determinism property without any external call.
type LocalEmbedder struct {
	dimension int
}

func (e *LocalEmbedder) ModelName() string { return modelName }

func (e *LocalEmbedder) Dimension() int { return e.dimension }

func (e *LocalEmbedder) EmbedTexts(_ context.Context, texts []string) ([][]float32, error) {
	results := make([][]float32, len(texts))
	for i, text := range texts {
		results[i] = embedOne(text, e.dimension)
	}
	return results, nil
}

func embedOne(text string, dimension int) []float32 {
	vector := make([]float32, dimension)
	tokens := tokenize(text)
	for _, tok := range tokens {
		h := fnv.New64a()
		_, _ = h.Write([]byte(tok))
		i := int(h.Sum64() % uint64(dimension))
		vector[i] += 1
	}
	norm := float32(0)
	for _, v := range vector {
		norm += v * v
	}
	if norm == 0 {
		return vector
	}
	inv := 1 / float32(math.Sqrt(float64(norm)))
	for i := range vector {
		vector[i] *= inv
	}
	return vector
}

func tokenize(text string) []string {
	text = strings.TrimSpace(strings.ToLower(text))
	if text == "" {
		return nil
	}
	return strings.FieldsFunc(text, func(r rune) bool {
		return !(unicode.IsLetter(r) || unicode.IsNumber(r))
	})
}

var _ registryembed.Embedder = (*LocalEmbedder)(nil)
