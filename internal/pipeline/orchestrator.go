package pipeline

import (
	"context"
	"fmt"
	"sort"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"themeline/internal/embedding"
	"themeline/internal/gateway"
	"themeline/internal/logging"
	"themeline/internal/progress"
	"themeline/internal/source"
)

// Pipeline sequences the extraction stages over shared model clients. One
// Pipeline serves many concurrent requests; per-request state lives in the
// stage calls.
type Pipeline struct {
	gw       *gateway.Gateway
	llm      gateway.LLMClient
	embedder embedding.Embedder
	bc       *progress.Broadcaster

	familiarizer *Familiarizer
	coder        *Coder
	labeler      *Labeler
}

// New builds a pipeline over the given gateway and model clients.
func New(gw *gateway.Gateway, llm gateway.LLMClient, embedder embedding.Embedder, bc *progress.Broadcaster) *Pipeline {
	return &Pipeline{
		gw:           gw,
		llm:          llm,
		embedder:     embedder,
		bc:           bc,
		familiarizer: NewFamiliarizer(gw, embedder, bc),
		coder:        NewCoder(gw, llm, embedder, bc),
		labeler:      NewLabeler(gw, llm, bc),
	}
}

// Broadcaster exposes the progress broadcaster so callers can subscribe
// before starting an extraction.
func (p *Pipeline) Broadcaster() *progress.Broadcaster { return p.bc }

// Extract runs the full pipeline for one request.
//
// An empty source slice is a boundary, not an error: it returns an empty
// result without a single model call. Invalid non-empty input fails fast
// with a ValidationError before any model call. A rate limit that survives
// the gateway's retries during coding aborts the request with the typed
// error so the caller can schedule a retry; there is no partial result in
// that case.
func (p *Pipeline) Extract(ctx context.Context, req Request) (*Result, error) {
	requestID := req.RequestID
	if requestID == "" {
		requestID = uuid.NewString()
	}
	defer p.bc.Close(requestID)

	log := logging.ForRequest(logging.CategoryPipeline, requestID)
	timer := logging.StartTimer(logging.CategoryPipeline, "theme extraction")
	defer timer.Stop()

	if len(req.Sources) == 0 {
		log.Infow("no sources supplied, returning empty result")
		p.bc.Publish(progress.Event{
			RequestID:  requestID,
			Stage:      progress.StageComplete,
			Percentage: 100,
			Message:    "No sources to analyze",
		})
		return &Result{Themes: []UnifiedTheme{}}, nil
	}

	if err := source.ValidateBatch(req.Sources); err != nil {
		return nil, p.fail(requestID, log, err)
	}
	cfg := req.Purpose.WithDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, p.fail(requestID, log, err)
	}

	log.Infow("extraction started",
		"user_id", req.UserID,
		"sources", len(req.Sources),
		"purpose", cfg.Name,
		"merge_threshold", cfg.MergeThreshold())

	stats := progress.NewLiveStats(len(req.Sources))

	fam, err := p.familiarizer.Run(ctx, requestID, req.Sources, cfg, stats)
	if err != nil {
		return nil, p.fail(requestID, log, err)
	}

	// Only sources that produced an embedding advance to coding.
	survivors := make([]source.SourceContent, 0, len(fam.Embeddings))
	for _, s := range req.Sources {
		if _, ok := fam.Embeddings[s.ID]; ok {
			survivors = append(survivors, s)
		}
	}
	failures := append([]SourceFailure(nil), fam.Failed...)

	if len(survivors) == 0 {
		return nil, p.fail(requestID, log,
			fmt.Errorf("all %d sources failed familiarization", len(req.Sources)))
	}

	codes, codingFailures, err := p.coder.Run(ctx, requestID, survivors, cfg, stats)
	if err != nil {
		return nil, p.fail(requestID, log, err)
	}
	failures = append(failures, codingFailures...)

	clusters := GenerateThemes(codes, cfg)
	candidateCount := len(clusters)
	p.bc.Publish(progress.Event{
		RequestID:  requestID,
		Stage:      progress.StageGeneration,
		Percentage: 100,
		Message:    fmt.Sprintf("Generated %d candidate themes", candidateCount),
		Stats:      stats.Snapshot(),
	})

	clusters = ReviewThemes(clusters, cfg)
	clusters = applyRigor(clusters, cfg.Rigor, log)
	p.bc.Publish(progress.Event{
		RequestID:  requestID,
		Stage:      progress.StageReview,
		Percentage: 100,
		Message:    fmt.Sprintf("%d themes after review", len(clusters)),
		Stats:      stats.Snapshot(),
	})

	themes, err := p.labeler.Run(ctx, requestID, clusters, cfg, stats)
	if err != nil {
		return nil, p.fail(requestID, log, err)
	}

	scoreThemes(themes, clusters, len(survivors))
	sort.SliceStable(themes, func(i, j int) bool {
		if themes[i].Weight != themes[j].Weight {
			return themes[i].Weight > themes[j].Weight
		}
		return themes[i].Label < themes[j].Label
	})

	result := &Result{
		Themes: themes,
		Stats: ResultStats{
			SourcesProcessed: len(survivors),
			CodesExtracted:   len(codes),
			CandidateThemes:  candidateCount,
			FinalThemes:      len(themes),
			Reading:          fam.Stats,
			CodesPerSource:   codesPerSource(codes),
		},
		Deviations: deviations(len(themes), cfg.TargetThemeMin, cfg.TargetThemeMax),
		Failed:     failures,
		Progress:   stats.Snapshot(),
	}

	p.bc.Publish(progress.Event{
		RequestID:  requestID,
		Stage:      progress.StageComplete,
		Percentage: 100,
		Message:    fmt.Sprintf("Extracted %d themes from %d sources", len(themes), len(survivors)),
		Stats:      stats.Snapshot(),
	})
	log.Infow("extraction complete",
		"themes", len(themes),
		"codes", len(codes),
		"failed_sources", len(failures),
		"deviations", len(result.Deviations))
	return result, nil
}

// fail publishes the failure stage event and returns err unchanged.
func (p *Pipeline) fail(requestID string, log *zap.SugaredLogger, err error) error {
	log.Errorw("extraction failed", "error", err.Error())
	p.bc.Publish(progress.Event{
		RequestID: requestID,
		Stage:     progress.StageFailed,
		Message:   err.Error(),
	})
	return err
}

// applyRigor drops clusters with too little supporting evidence for the
// purpose's rigor level. A dropped cluster is logged, never silently lost.
func applyRigor(clusters []ThemeCluster, rigor float64, log *zap.SugaredLogger) []ThemeCluster {
	min := minCodesForRigor(rigor)
	if min <= 1 {
		return clusters
	}
	kept := clusters[:0]
	dropped := 0
	for _, c := range clusters {
		if len(c.Codes) >= min {
			kept = append(kept, c)
		} else {
			dropped++
		}
	}
	if dropped > 0 {
		log.Infow("dropped under-evidenced themes", "dropped", dropped, "min_codes", min)
	}
	return kept
}

// minCodesForRigor maps the purpose's rigor level to a minimum code count
// per theme.
func minCodesForRigor(rigor float64) int {
	switch {
	case rigor >= 0.8:
		return 3
	case rigor >= 0.5:
		return 2
	default:
		return 1
	}
}

// scoreThemes fills Confidence and Weight in place. Labeling preserves
// cluster order, so themes[i] was built from clusters[i].
//
// Confidence blends cluster cohesion (mean member-to-centroid similarity)
// with evidence saturation (diminishing returns past a handful of codes),
// clamped to [0, 1]. Weight is the share of distinct contributing sources
// among all processed sources.
func scoreThemes(themes []UnifiedTheme, clusters []ThemeCluster, totalSources int) {
	for i := range themes {
		if i >= len(clusters) {
			break
		}
		cluster := clusters[i]

		var cohesion float64
		n := 0
		for _, code := range cluster.Codes {
			sim, err := embedding.Cosine(cluster.Centroid, code.Embedding)
			if err != nil {
				continue
			}
			cohesion += sim
			n++
		}
		if n > 0 {
			cohesion /= float64(n)
		}

		saturation := float64(len(cluster.Codes)) / float64(len(cluster.Codes)+3)

		confidence := 0.7*cohesion + 0.3*saturation
		if confidence < 0 {
			confidence = 0
		}
		if confidence > 1 {
			confidence = 1
		}
		themes[i].Confidence = confidence

		if totalSources > 0 {
			themes[i].Weight = float64(len(themes[i].SourceIDs)) / float64(totalSources)
		}
	}
}

// codesPerSource tallies extraction yield per source for saturation review.
func codesPerSource(codes []Code) map[string]int {
	if len(codes) == 0 {
		return nil
	}
	out := make(map[string]int)
	for _, c := range codes {
		out[c.SourceID]++
	}
	return out
}

// deviations documents a final theme count outside the purpose's target
// range. The material decides the count; the range is an expectation.
func deviations(finalThemes, min, max int) []string {
	switch {
	case finalThemes < min:
		return []string{fmt.Sprintf("final theme count %d is below the target range [%d, %d]; the material may be too homogeneous or too sparse", finalThemes, min, max)}
	case finalThemes > max:
		return []string{fmt.Sprintf("final theme count %d is above the target range [%d, %d]; consider a lower-granularity purpose", finalThemes, min, max)}
	}
	return nil
}
