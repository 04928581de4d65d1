// Package embedding provides vector embedding generation and the small
// amount of vector math the clustering stages need.
package embedding

import (
	"context"
	"fmt"
	"math"
)

// Embedder generates vector embeddings for text.
type Embedder interface {
	// Embed generates an embedding for a single text.
	Embed(ctx context.Context, text string) ([]float64, error)

	// EmbedBatch generates embeddings for multiple texts in one call.
	EmbedBatch(ctx context.Context, texts []string) ([][]float64, error)

	// Dimensions returns the dimensionality of produced vectors.
	Dimensions() int

	// Name identifies the backing provider and model.
	Name() string
}

// Cosine returns the cosine similarity of two vectors, in [-1, 1].
func Cosine(a, b []float64) (float64, error) {
	if len(a) != len(b) {
		return 0, fmt.Errorf("vector dimension mismatch: %d != %d", len(a), len(b))
	}
	if len(a) == 0 {
		return 0, fmt.Errorf("empty vectors")
	}

	var dot, normA, normB float64
	for i := range a {
		dot += a[i] * b[i]
		normA += a[i] * a[i]
		normB += b[i] * b[i]
	}
	if normA == 0 || normB == 0 {
		return 0, nil
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB)), nil
}

// Mean averages a set of equal-length vectors. Used both for collapsing
// chunk embeddings into one source embedding and for cluster centroids.
func Mean(vectors [][]float64) []float64 {
	if len(vectors) == 0 {
		return nil
	}
	dims := len(vectors[0])
	out := make([]float64, dims)
	n := 0
	for _, v := range vectors {
		if len(v) != dims {
			continue // skip malformed rows rather than poisoning the mean
		}
		for i := range v {
			out[i] += v[i]
		}
		n++
	}
	if n == 0 {
		return nil
	}
	for i := range out {
		out[i] /= float64(n)
	}
	return out
}

// Magnitude returns the L2 norm of a vector. Diagnostic only.
func Magnitude(v []float64) float64 {
	var sum float64
	for _, x := range v {
		sum += x * x
	}
	return math.Sqrt(sum)
}
