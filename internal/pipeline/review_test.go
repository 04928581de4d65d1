package pipeline

import (
	"testing"

	"themeline/internal/embedding"
)

func TestReviewThemesMergesNearDuplicates(t *testing.T) {
	cfg := testPurpose() // merge threshold 0.70

	// Two clusters pointing almost the same way, one orthogonal.
	clusters := []ThemeCluster{
		{
			Codes:    []Code{{ID: "c1", Label: "alpha", SourceID: "s1", Embedding: []float64{1, 0, 0, 0}}},
			Centroid: []float64{1, 0, 0, 0},
		},
		{
			Codes:    []Code{{ID: "c2", Label: "beta", SourceID: "s2", Embedding: []float64{0.95, 0.05, 0, 0}}},
			Centroid: []float64{0.95, 0.05, 0, 0},
		},
		{
			Codes:    []Code{{ID: "c3", Label: "gamma", SourceID: "s3", Embedding: []float64{0, 0, 1, 0}}},
			Centroid: []float64{0, 0, 1, 0},
		},
	}

	out := ReviewThemes(clusters, cfg)
	if len(out) != 2 {
		t.Fatalf("got %d clusters, want 2 after merge", len(out))
	}

	// The merged cluster holds both near-duplicate codes.
	var merged *ThemeCluster
	for i := range out {
		if len(out[i].Codes) == 2 {
			merged = &out[i]
		}
	}
	if merged == nil {
		t.Fatalf("no merged cluster in %+v", out)
	}
	ids := map[string]bool{}
	for _, c := range merged.Codes {
		ids[c.ID] = true
	}
	if !ids["c1"] || !ids["c2"] {
		t.Fatalf("merged cluster members = %v", ids)
	}
}

func TestReviewThemesFixedPoint(t *testing.T) {
	cfg := testPurpose()
	clusters := []ThemeCluster{
		{Codes: []Code{{ID: "c1", Embedding: []float64{1, 0, 0, 0}}}, Centroid: []float64{1, 0, 0, 0}},
		{Codes: []Code{{ID: "c2", Embedding: []float64{0.9, 0.1, 0, 0}}}, Centroid: []float64{0.9, 0.1, 0, 0}},
		{Codes: []Code{{ID: "c3", Embedding: []float64{0, 1, 0, 0}}}, Centroid: []float64{0, 1, 0, 0}},
		{Codes: []Code{{ID: "c4", Embedding: []float64{0, 0, 1, 0}}}, Centroid: []float64{0, 0, 1, 0}},
	}

	once := ReviewThemes(clusters, cfg)
	twice := ReviewThemes(once, cfg)
	if len(once) != len(twice) {
		t.Fatalf("review is not a fixed point: %d then %d clusters", len(once), len(twice))
	}

	// No surviving pair may sit above the merge threshold.
	threshold := cfg.MergeThreshold()
	for i := 0; i < len(once); i++ {
		for j := i + 1; j < len(once); j++ {
			sim, err := embedding.Cosine(once[i].Centroid, once[j].Centroid)
			if err != nil {
				t.Fatal(err)
			}
			if sim > threshold+similarityEpsilon {
				t.Fatalf("clusters %d and %d still %v similar, threshold %v", i, j, sim, threshold)
			}
		}
	}
}

func TestReviewThemesMergeRecomputesCentroid(t *testing.T) {
	cfg := testPurpose()
	clusters := []ThemeCluster{
		{Codes: []Code{{ID: "c1", Embedding: []float64{1, 0}}}, Centroid: []float64{1, 0}},
		{Codes: []Code{{ID: "c2", Embedding: []float64{0.8, 0.6}}}, Centroid: []float64{0.8, 0.6}},
	}

	out := ReviewThemes(clusters, cfg)
	if len(out) != 1 {
		t.Fatalf("got %d clusters, want 1", len(out))
	}
	centroid := out[0].Centroid
	if centroid[0] != 0.9 || centroid[1] != 0.3 {
		t.Fatalf("centroid = %v, want member mean [0.9 0.3]", centroid)
	}
}

func TestReviewThemesDropsEmptyClusters(t *testing.T) {
	cfg := testPurpose()
	clusters := []ThemeCluster{
		{Codes: []Code{{ID: "c1", Embedding: []float64{1, 0}}}, Centroid: []float64{1, 0}},
		{}, // empty cluster must never survive
		{Codes: []Code{{ID: "c2", Embedding: []float64{0, 1}}}},
	}
	out := ReviewThemes(clusters, cfg)
	if len(out) != 1 {
		t.Fatalf("got %d clusters, want 1 (empty and centroid-less dropped)", len(out))
	}
}

func TestReviewThemesNoMergeBelowThreshold(t *testing.T) {
	cfg := testPurpose()
	clusters := []ThemeCluster{
		{Codes: []Code{{ID: "c1", Embedding: []float64{1, 0}}}, Centroid: []float64{1, 0}},
		{Codes: []Code{{ID: "c2", Embedding: []float64{0, 1}}}, Centroid: []float64{0, 1}},
	}
	out := ReviewThemes(clusters, cfg)
	if len(out) != 2 {
		t.Fatalf("got %d clusters, want 2 untouched", len(out))
	}
}

func TestSortClustersDeterministicOrder(t *testing.T) {
	clusters := []ThemeCluster{
		{Codes: []Code{{ID: "x1", SourceID: "s9", Label: "zeta"}}},
		{Codes: []Code{{ID: "x2", SourceID: "s1", Label: "beta"}, {ID: "x3", SourceID: "s2", Label: "alpha"}}},
		{Codes: []Code{{ID: "x4", SourceID: "s1", Label: "alpha"}}},
	}
	sortClusters(clusters)

	if len(clusters[0].Codes) != 2 {
		t.Fatal("largest cluster must sort first")
	}
	if clusters[1].Codes[0].Label != "alpha" || clusters[2].Codes[0].Label != "zeta" {
		t.Fatalf("size ties must order by smallest (source, label) member: %+v", clusters)
	}
}

func TestSortClustersIgnoresGeneratedIDs(t *testing.T) {
	// Same content under two different id assignments (ids deliberately
	// ordered against the content keys) must sort identically.
	build := func(idA, idB string) []ThemeCluster {
		return []ThemeCluster{
			{Codes: []Code{{ID: idA, SourceID: "s2", Label: "later"}}},
			{Codes: []Code{{ID: idB, SourceID: "s1", Label: "early"}}},
		}
	}

	a := build("00-first", "zz-last")
	b := build("zz-last", "00-first")
	sortClusters(a)
	sortClusters(b)

	for i := range a {
		if a[i].Codes[0].Label != b[i].Codes[0].Label {
			t.Fatalf("order depends on generated ids: %q vs %q at %d",
				a[i].Codes[0].Label, b[i].Codes[0].Label, i)
		}
	}
	if a[0].Codes[0].Label != "early" {
		t.Fatalf("smallest content key must sort first, got %q", a[0].Codes[0].Label)
	}
}
