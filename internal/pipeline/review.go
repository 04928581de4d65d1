package pipeline

import (
	"sort"

	"themeline/internal/embedding"
	"themeline/internal/logging"
	"themeline/internal/purpose"
)

// ReviewThemes merges near-duplicate candidate themes until no cluster pair
// exceeds the purpose's adaptive merge threshold (a fixed point: running the
// review twice yields the same result).
//
// Determinism: before every sweep clusters are sorted by member count
// descending, with the smallest (source id, label) member as the stable
// secondary key that fixes merge order when sizes tie. The key is derived
// from code content, not generated ids, so the order repeats across runs.
// Each sweep merges the single most-similar pair above threshold; similarity
// ties resolve to the earliest pair in sorted order.
// Merging unions code sets, recomputes the combined centroid, and discards
// the absorbed cluster; empty clusters never survive review.
func ReviewThemes(clusters []ThemeCluster, cfg purpose.Config) []ThemeCluster {
	log := logging.L(logging.CategoryThemes)
	threshold := cfg.MergeThreshold()

	// Drop empties defensively before the loop; merges below keep it true.
	clusters = dropEmpty(clusters)
	before := len(clusters)

	for {
		sortClusters(clusters)

		bestI, bestJ := -1, -1
		bestSim := threshold
		for i := 0; i < len(clusters); i++ {
			for j := i + 1; j < len(clusters); j++ {
				sim, err := embedding.Cosine(clusters[i].Centroid, clusters[j].Centroid)
				if err != nil {
					continue
				}
				if sim > bestSim+similarityEpsilon {
					bestI, bestJ, bestSim = i, j, sim
				}
			}
		}
		if bestI < 0 {
			break // fixed point: no pair above threshold
		}

		merged := ThemeCluster{
			Codes: append(append([]Code(nil), clusters[bestI].Codes...), clusters[bestJ].Codes...),
		}
		merged.Centroid = recomputeCentroid(merged.Codes)

		next := make([]ThemeCluster, 0, len(clusters)-1)
		for k := range clusters {
			if k == bestI || k == bestJ {
				continue
			}
			next = append(next, clusters[k])
		}
		if len(merged.Codes) > 0 {
			next = append(next, merged)
		}
		clusters = next
	}

	clusters = dropEmpty(clusters)
	sortClusters(clusters)

	log.Infow("theme review complete",
		"candidates", before,
		"final", len(clusters),
		"merged", before-len(clusters),
		"threshold", threshold)
	return clusters
}

// sortClusters orders by member count descending, breaking ties on the
// smallest content key so the order is total and stable across runs.
func sortClusters(clusters []ThemeCluster) {
	sort.SliceStable(clusters, func(i, j int) bool {
		if len(clusters[i].Codes) != len(clusters[j].Codes) {
			return len(clusters[i].Codes) > len(clusters[j].Codes)
		}
		return minCodeKey(clusters[i]) < minCodeKey(clusters[j])
	})
}

// minCodeKey returns the smallest (source id, label) pair among the
// cluster's codes. Code ids are freshly generated uuids and would reshuffle
// ties on every run.
func minCodeKey(c ThemeCluster) string {
	min := ""
	for _, code := range c.Codes {
		key := code.SourceID + "\x00" + code.Label
		if min == "" || key < min {
			min = key
		}
	}
	return min
}

func dropEmpty(clusters []ThemeCluster) []ThemeCluster {
	out := clusters[:0]
	for _, c := range clusters {
		if len(c.Codes) > 0 && len(c.Centroid) > 0 {
			out = append(out, c)
		}
	}
	return out
}
