// Package pipeline implements the multi-stage thematic extraction pipeline:
// familiarization, code extraction, theme generation, review, labeling, and
// the orchestrator that sequences them.
package pipeline

import (
	"themeline/internal/progress"
	"themeline/internal/purpose"
	"themeline/internal/source"
)

// Code is an atomic concept extracted from a single source. Created by the
// coding stage; read-only afterwards.
type Code struct {
	ID          string    `json:"id"`
	Label       string    `json:"label"`
	Description string    `json:"description"`
	SourceID    string    `json:"sourceId"`
	Excerpt     string    `json:"excerpt,omitempty"`
	Embedding   []float64 `json:"-"`
}

// ThemeCluster is a provisional theme: a set of codes with their centroid.
// Created by generation, mutated by review merges, destroyed when merged
// into another cluster.
type ThemeCluster struct {
	Codes    []Code
	Centroid []float64
}

// SourceIDs returns the deduplicated source ids contributing to the cluster.
func (c ThemeCluster) SourceIDs() []string {
	seen := make(map[string]struct{}, len(c.Codes))
	var out []string
	for _, code := range c.Codes {
		if _, ok := seen[code.SourceID]; ok {
			continue
		}
		seen[code.SourceID] = struct{}{}
		out = append(out, code.SourceID)
	}
	return out
}

// UnifiedTheme is the final output: a named, defined concept cluster with
// full provenance. Immutable once built.
type UnifiedTheme struct {
	ID          string   `json:"id"`
	Label       string   `json:"label"`
	Description string   `json:"description"`
	Definition  string   `json:"definition"`
	Keywords    []string `json:"keywords"`
	Codes       []Code   `json:"codes"`
	SourceIDs   []string `json:"sourceIds"`
	Confidence  float64  `json:"confidence"` // [0, 1]
	Weight      float64  `json:"weight"`     // share of distinct contributing sources
}

// SourceEmbedding is one source's semantic vector with chunking diagnostics.
type SourceEmbedding struct {
	SourceID  string
	Vector    []float64
	Chunks    int
	Magnitude float64
}

// ReadingStats summarizes what familiarization read.
type ReadingStats struct {
	FullTextRead   int `json:"fullTextRead"`
	AbstractsRead  int `json:"abstractsRead"`
	TotalWordsRead int `json:"totalWordsRead"`
}

// SourceFailure records a source (or batch) that could not be processed.
// Item-level failures are contained here instead of aborting the request.
type SourceFailure struct {
	SourceID string `json:"sourceId"`
	Stage    string `json:"stage"`
	Reason   string `json:"reason"`
}

// FamiliarizationResult carries stage output to coding.
type FamiliarizationResult struct {
	Embeddings map[string]SourceEmbedding
	Stats      ReadingStats
	Failed     []SourceFailure
}

// Request is one extraction request.
type Request struct {
	RequestID string
	UserID    string
	Sources   []source.SourceContent
	Purpose   purpose.Config
}

// ResultStats summarizes the extraction for callers and for saturation
// inspection (codes-per-source tail).
type ResultStats struct {
	SourcesProcessed int            `json:"sourcesProcessed"`
	CodesExtracted   int            `json:"codesExtracted"`
	CandidateThemes  int            `json:"candidateThemes"`
	FinalThemes      int            `json:"finalThemes"`
	Reading          ReadingStats   `json:"reading"`
	CodesPerSource   map[string]int `json:"codesPerSource,omitempty"`
}

// Result is the full provenance-annotated outcome of one extraction.
// Deviations document expectations the material could not meet (for
// example a theme count below the purpose's target range); they are never
// silent failures.
type Result struct {
	Themes     []UnifiedTheme         `json:"themes"`
	Stats      ResultStats            `json:"stats"`
	Deviations []string               `json:"deviations,omitempty"`
	Failed     []SourceFailure        `json:"failed,omitempty"`
	Progress   progress.StatsSnapshot `json:"liveStats"`
}
