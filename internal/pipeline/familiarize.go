package pipeline

import (
	"context"
	"fmt"
	"sync"

	"golang.org/x/sync/errgroup"

	"themeline/internal/embedding"
	"themeline/internal/gateway"
	"themeline/internal/logging"
	"themeline/internal/progress"
	"themeline/internal/purpose"
	"themeline/internal/source"
)

// fullTextWordThreshold separates full-text reads from abstract-level reads
// when the source metadata carries no hint. Abstracts rarely clear a few
// hundred words; full papers and transcripts always do.
const fullTextWordThreshold = 800

// Familiarizer computes one semantic embedding per source and tracks live
// reading statistics.
type Familiarizer struct {
	gw       *gateway.Gateway
	embedder embedding.Embedder
	bc       *progress.Broadcaster
}

// NewFamiliarizer wires the stage.
func NewFamiliarizer(gw *gateway.Gateway, embedder embedding.Embedder, bc *progress.Broadcaster) *Familiarizer {
	return &Familiarizer{gw: gw, embedder: embedder, bc: bc}
}

// Run embeds every source concurrently, bounded by the purpose's concurrency
// cap. One bad source never aborts the batch: per-source failures are
// recorded, a distinguishable progress event is emitted, and the remaining
// sources continue. Each completed source emits exactly one progress event
// so UI counters advance per unit of work.
func (f *Familiarizer) Run(ctx context.Context, requestID string, sources []source.SourceContent, cfg purpose.Config, stats *progress.LiveStats) (*FamiliarizationResult, error) {
	log := logging.ForRequest(logging.CategoryFamiliarize, requestID)
	timer := logging.StartTimer(logging.CategoryFamiliarize, "familiarization")
	defer timer.Stop()

	result := &FamiliarizationResult{
		Embeddings: make(map[string]SourceEmbedding, len(sources)),
	}

	var mu sync.Mutex // guards result maps and slices; counters are atomic in stats

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(cfg.MaxConcurrent)

	for _, src := range sources {
		src := src
		// Stop scheduling new sources once cancellation is observed;
		// in-flight embeds run to completion or timeout.
		if gctx.Err() != nil {
			break
		}
		g.Go(func() error {
			stats.SourceStarted(src.Title)

			emb, err := f.embedSource(gctx, src)
			if err != nil {
				if gctx.Err() != nil {
					return gctx.Err()
				}
				log.Warnw("source failed, continuing batch",
					"source_id", src.ID, "error", err.Error())
				stats.SourceFailed()

				mu.Lock()
				result.Failed = append(result.Failed, SourceFailure{
					SourceID: src.ID,
					Stage:    progress.StageFamiliarization,
					Reason:   err.Error(),
				})
				mu.Unlock()

				f.publish(requestID, stats, len(sources),
					fmt.Sprintf("Failed to analyze %q", src.Title),
					map[string]any{"failedSourceId": src.ID})
				return nil
			}

			words := src.WordCount()
			fullText := isFullText(src, words)
			stats.SourceAnalyzed(words, fullText)

			mu.Lock()
			result.Embeddings[src.ID] = emb
			if fullText {
				result.Stats.FullTextRead++
			} else {
				result.Stats.AbstractsRead++
			}
			result.Stats.TotalWordsRead += words
			mu.Unlock()

			f.publish(requestID, stats, len(sources),
				fmt.Sprintf("Analyzed %q", src.Title), nil)
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	log.Infow("familiarization complete",
		"sources", len(sources),
		"embedded", len(result.Embeddings),
		"failed", len(result.Failed),
		"words_read", result.Stats.TotalWordsRead)
	return result, nil
}

// embedSource chunks an over-length body, embeds each chunk through the
// gateway, and averages the chunk vectors into one source embedding.
func (f *Familiarizer) embedSource(ctx context.Context, src source.SourceContent) (SourceEmbedding, error) {
	chunks := embedding.ChunkText(src.Body, embedding.MaxChunkWords)
	if len(chunks) == 0 {
		return SourceEmbedding{}, fmt.Errorf("source %s has no embeddable text", src.ID)
	}

	var vectors [][]float64
	err := f.gw.Execute(ctx, f.embedder.Name(), 0, func(callCtx context.Context) error {
		var embedErr error
		vectors, embedErr = f.embedder.EmbedBatch(callCtx, chunks)
		return embedErr
	})
	if err != nil {
		return SourceEmbedding{}, err
	}
	if len(vectors) == 0 {
		return SourceEmbedding{}, fmt.Errorf("embedder returned no vectors for source %s", src.ID)
	}

	mean := embedding.Mean(vectors)
	if mean == nil {
		return SourceEmbedding{}, fmt.Errorf("could not average chunk vectors for source %s", src.ID)
	}
	return SourceEmbedding{
		SourceID:  src.ID,
		Vector:    mean,
		Chunks:    len(chunks),
		Magnitude: embedding.Magnitude(mean),
	}, nil
}

// isFullText classifies a source. An explicit metadata hint from the fetch
// layer wins; otherwise the word-count heuristic decides.
func isFullText(src source.SourceContent, words int) bool {
	if hint, ok := src.Metadata["fullText"]; ok {
		return hint == "true"
	}
	return words >= fullTextWordThreshold
}

func (f *Familiarizer) publish(requestID string, stats *progress.LiveStats, total int, msg string, extra map[string]any) {
	snap := stats.Snapshot()
	pct := 0
	if total > 0 {
		pct = (snap.SourcesAnalyzed + snap.FailedSources) * 100 / total
	}
	f.bc.Publish(progress.Event{
		RequestID:  requestID,
		Stage:      progress.StageFamiliarization,
		Percentage: pct,
		Message:    msg,
		Stats:      snap,
		Extra:      extra,
	})
}
