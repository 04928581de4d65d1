package embedding

import (
	"context"
	"math"
	"testing"
)

func TestCosine(t *testing.T) {
	cases := []struct {
		name string
		a, b []float64
		want float64
	}{
		{"identical", []float64{1, 2, 3}, []float64{1, 2, 3}, 1},
		{"opposite", []float64{1, 0}, []float64{-1, 0}, -1},
		{"orthogonal", []float64{1, 0}, []float64{0, 1}, 0},
		{"zero vector", []float64{0, 0}, []float64{1, 1}, 0},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := Cosine(tc.a, tc.b)
			if err != nil {
				t.Fatalf("Cosine: %v", err)
			}
			if math.Abs(got-tc.want) > 1e-12 {
				t.Fatalf("Cosine = %v, want %v", got, tc.want)
			}
		})
	}
}

func TestCosineErrors(t *testing.T) {
	if _, err := Cosine([]float64{1, 2}, []float64{1, 2, 3}); err == nil {
		t.Fatal("expected dimension mismatch error")
	}
	if _, err := Cosine(nil, nil); err == nil {
		t.Fatal("expected empty vector error")
	}
}

func TestMean(t *testing.T) {
	got := Mean([][]float64{
		{1, 2},
		{3, 4},
	})
	want := []float64{2, 3}
	if len(got) != 2 || got[0] != want[0] || got[1] != want[1] {
		t.Fatalf("Mean = %v, want %v", got, want)
	}
}

func TestMeanSkipsMalformedRows(t *testing.T) {
	got := Mean([][]float64{
		{2, 4},
		{1, 2, 3}, // wrong width, skipped
		{4, 6},
	})
	if got[0] != 3 || got[1] != 5 {
		t.Fatalf("Mean = %v, want [3 5]", got)
	}
}

func TestMeanEmpty(t *testing.T) {
	if got := Mean(nil); got != nil {
		t.Fatalf("Mean(nil) = %v, want nil", got)
	}
	// Only malformed rows after the first one sets the width.
	if got := Mean([][]float64{{}}); len(got) != 0 {
		t.Fatalf("Mean of empty row = %v", got)
	}
}

func TestMagnitude(t *testing.T) {
	if got := Magnitude([]float64{3, 4}); got != 5 {
		t.Fatalf("Magnitude = %v, want 5", got)
	}
}

func TestStubEmbedderDeterministic(t *testing.T) {
	e := NewStubEmbedder()
	ctx := context.Background()

	a1, err := e.Embed(ctx, "machine learning for health")
	if err != nil {
		t.Fatalf("Embed: %v", err)
	}
	a2, err := e.Embed(ctx, "machine learning for health")
	if err != nil {
		t.Fatalf("Embed: %v", err)
	}
	for i := range a1 {
		if a1[i] != a2[i] {
			t.Fatal("stub embedder is not deterministic")
		}
	}

	if len(a1) != e.Dimensions() {
		t.Fatalf("dims = %d, want %d", len(a1), e.Dimensions())
	}
	if m := Magnitude(a1); math.Abs(m-1) > 1e-9 {
		t.Fatalf("stub vector not L2-normalized: |v| = %v", m)
	}
}

func TestStubEmbedderSharedVocabularyIsCloser(t *testing.T) {
	e := NewStubEmbedder()
	ctx := context.Background()

	ml1, _ := e.Embed(ctx, "neural networks deep learning training")
	ml2, _ := e.Embed(ctx, "deep learning neural networks inference")
	cooking, _ := e.Embed(ctx, "sourdough fermentation baking hydration")

	same, err := Cosine(ml1, ml2)
	if err != nil {
		t.Fatal(err)
	}
	diff, err := Cosine(ml1, cooking)
	if err != nil {
		t.Fatal(err)
	}
	if same <= diff {
		t.Fatalf("shared-vocabulary similarity %v should exceed disjoint %v", same, diff)
	}
}

func TestStubEmbedderBatch(t *testing.T) {
	e := NewStubEmbedder()
	vectors, err := e.EmbedBatch(context.Background(), []string{"one text", "another text"})
	if err != nil {
		t.Fatalf("EmbedBatch: %v", err)
	}
	if len(vectors) != 2 {
		t.Fatalf("got %d vectors, want 2", len(vectors))
	}
}
