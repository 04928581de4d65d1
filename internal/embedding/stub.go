package embedding

import (
	"context"
	"hash/fnv"
	"math"
	"strings"
)

// StubEmbedder is a deterministic offline Embedder. It hashes tokens into a
// fixed-width bag-of-words vector, so texts sharing vocabulary land close in
// cosine space. Good enough for clustering tests and --stub runs; useless
// for real semantics.
type StubEmbedder struct {
	Dims int
}

// NewStubEmbedder returns a stub with the default width.
func NewStubEmbedder() *StubEmbedder {
	return &StubEmbedder{Dims: 64}
}

// Embed produces the token-hash vector for one text.
func (s *StubEmbedder) Embed(ctx context.Context, text string) ([]float64, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	dims := s.Dimensions()
	vec := make([]float64, dims)
	for _, tok := range strings.Fields(strings.ToLower(text)) {
		tok = strings.Trim(tok, ".,;:!?()\"'")
		if tok == "" {
			continue
		}
		h := fnv.New32a()
		_, _ = h.Write([]byte(tok))
		vec[int(h.Sum32())%dims]++
	}
	// L2-normalize so cosine comparisons are well behaved.
	var norm float64
	for _, v := range vec {
		norm += v * v
	}
	if norm > 0 {
		norm = math.Sqrt(norm)
		for i := range vec {
			vec[i] /= norm
		}
	}
	return vec, nil
}

// EmbedBatch embeds each text independently.
func (s *StubEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float64, error) {
	out := make([][]float64, len(texts))
	for i, t := range texts {
		vec, err := s.Embed(ctx, t)
		if err != nil {
			return nil, err
		}
		out[i] = vec
	}
	return out, nil
}

// Dimensions returns the vector width.
func (s *StubEmbedder) Dimensions() int {
	if s.Dims <= 0 {
		return 64
	}
	return s.Dims
}

// Name identifies the stub.
func (s *StubEmbedder) Name() string { return "stub" }
