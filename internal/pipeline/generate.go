package pipeline

import (
	"sort"

	"themeline/internal/embedding"
	"themeline/internal/logging"
	"themeline/internal/purpose"
)

// similarityEpsilon treats two similarities within this distance as equal
// for tie-breaking purposes.
const similarityEpsilon = 1e-9

// GenerateThemes clusters codes by embedding similarity into provisional
// theme clusters using greedy centroid assignment with a similarity cutoff.
//
// Determinism: codes are visited in a stable order (source id, label, id)
// regardless of extraction completion order. When a code is equally similar
// to two centroids, it joins the cluster with the larger current membership.
// Centroids are recomputed as the mean of member embeddings after every
// assignment.
func GenerateThemes(codes []Code, cfg purpose.Config) []ThemeCluster {
	log := logging.L(logging.CategoryThemes)

	ordered := make([]Code, 0, len(codes))
	for _, code := range codes {
		if len(code.Embedding) == 0 {
			// Item-level containment: a code that lost its embedding is
			// logged and skipped rather than poisoning the geometry.
			log.Warnw("skipping code without embedding", "code_id", code.ID, "label", code.Label)
			continue
		}
		ordered = append(ordered, code)
	}
	sort.Slice(ordered, func(i, j int) bool {
		if ordered[i].SourceID != ordered[j].SourceID {
			return ordered[i].SourceID < ordered[j].SourceID
		}
		if ordered[i].Label != ordered[j].Label {
			return ordered[i].Label < ordered[j].Label
		}
		return ordered[i].ID < ordered[j].ID
	})

	cutoff := cfg.AssignThreshold()
	var clusters []ThemeCluster

	for _, code := range ordered {
		best := -1
		bestSim := cutoff
		for i := range clusters {
			sim, err := embedding.Cosine(clusters[i].Centroid, code.Embedding)
			if err != nil {
				continue
			}
			switch {
			case sim > bestSim+similarityEpsilon:
				best, bestSim = i, sim
			case best >= 0 && sim >= bestSim-similarityEpsilon:
				// Equal similarity: prefer the larger cluster.
				if len(clusters[i].Codes) > len(clusters[best].Codes) {
					best, bestSim = i, sim
				}
			}
		}

		if best < 0 {
			clusters = append(clusters, ThemeCluster{
				Codes:    []Code{code},
				Centroid: append([]float64(nil), code.Embedding...),
			})
			continue
		}

		clusters[best].Codes = append(clusters[best].Codes, code)
		clusters[best].Centroid = recomputeCentroid(clusters[best].Codes)
	}

	log.Infow("theme generation complete", "codes", len(ordered), "candidate_themes", len(clusters))
	return clusters
}

// recomputeCentroid averages the member code embeddings.
func recomputeCentroid(codes []Code) []float64 {
	vectors := make([][]float64, 0, len(codes))
	for _, c := range codes {
		if len(c.Embedding) > 0 {
			vectors = append(vectors, c.Embedding)
		}
	}
	return embedding.Mean(vectors)
}
