package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"themeline/internal/embedding"
	"themeline/internal/gateway"
	"themeline/internal/progress"
	"themeline/internal/purpose"
	"themeline/internal/source"
)

var topicVocabularies = [][]string{
	{"neural", "network", "training", "gradient", "descent", "optimizer"},
	{"survey", "sampling", "respondents", "questionnaire", "likert", "validity"},
	{"ethics", "consent", "privacy", "anonymization", "governance", "disclosure"},
	{"climate", "emissions", "warming", "mitigation", "adaptation", "resilience"},
}

// corpusSources builds a 16-source corpus: four topics, four sources each,
// with strongly separated vocabulary so the stub models cluster them.
func corpusSources() []source.SourceContent {
	var out []source.SourceContent
	n := 0
	for _, vocab := range topicVocabularies {
		body := strings.Repeat(strings.Join(vocab, " ")+". ", 40)
		for j := 0; j < 4; j++ {
			n++
			out = append(out, source.SourceContent{
				ID:    fmt.Sprintf("src-%02d", n),
				Type:  source.TypePaper,
				Title: fmt.Sprintf("T%02d", n),
				Body:  body,
			})
		}
	}
	return out
}

func testLogger() *zap.SugaredLogger { return zap.NewNop().Sugar() }

func stubPipeline() (*Pipeline, *gateway.Gateway) {
	gw := fastGateway()
	return New(gw, gateway.StubLLM{}, embedding.NewStubEmbedder(), progress.NewBroadcaster()), gw
}

func TestExtractEndToEndWithStubs(t *testing.T) {
	pipe, _ := stubPipeline()
	sources := corpusSources()

	result, err := pipe.Extract(context.Background(), Request{
		RequestID: "req-e2e",
		Sources:   sources,
		Purpose:   purpose.BroadTaxonomy(),
	})
	require.NoError(t, err)
	require.NotNil(t, result)
	require.NotEmpty(t, result.Themes)

	inputIDs := make(map[string]bool, len(sources))
	for _, s := range sources {
		inputIDs[s.ID] = true
	}

	for _, theme := range result.Themes {
		assert.NotEmpty(t, theme.ID)
		assert.NotEmpty(t, theme.Label)
		assert.NotEmpty(t, theme.Codes, "theme %q has no supporting codes", theme.Label)
		assert.NotEmpty(t, theme.SourceIDs, "theme %q has no provenance", theme.Label)
		for _, id := range theme.SourceIDs {
			assert.True(t, inputIDs[id], "theme %q references unknown source %q", theme.Label, id)
		}
		for _, code := range theme.Codes {
			assert.True(t, inputIDs[code.SourceID], "code %q references unknown source", code.Label)
		}
		assert.GreaterOrEqual(t, theme.Confidence, 0.0)
		assert.LessOrEqual(t, theme.Confidence, 1.0)
		assert.Greater(t, theme.Weight, 0.0)
		assert.LessOrEqual(t, theme.Weight, 1.0)
	}

	assert.Equal(t, len(sources), result.Stats.SourcesProcessed)
	assert.Equal(t, 6*len(sources), result.Stats.CodesExtracted)
	assert.Equal(t, len(result.Themes), result.Stats.FinalThemes)
	assert.GreaterOrEqual(t, result.Stats.CandidateThemes, result.Stats.FinalThemes)
	assert.NotEmpty(t, result.Stats.CodesPerSource)
	assert.Empty(t, result.Failed)
	assert.Positive(t, result.Stats.Reading.TotalWordsRead)

	// Sixteen abstract-length sources cannot hit broad_taxonomy's 30-theme
	// floor, so the shortfall is documented rather than silently ignored.
	if result.Stats.FinalThemes < purpose.BroadTaxonomy().TargetThemeMin {
		assert.NotEmpty(t, result.Deviations)
	}

	// Themes ordered by weight, heaviest first.
	for i := 1; i < len(result.Themes); i++ {
		assert.GreaterOrEqual(t, result.Themes[i-1].Weight, result.Themes[i].Weight)
	}
}

func TestExtractEmptySourcesIsBoundaryNotError(t *testing.T) {
	pipe, gw := stubPipeline()

	result, err := pipe.Extract(context.Background(), Request{
		RequestID: "req-empty",
		Purpose:   purpose.BroadTaxonomy(),
	})
	require.NoError(t, err)
	require.NotNil(t, result)
	assert.Empty(t, result.Themes)
	assert.Zero(t, gw.Metrics().TotalCalls, "empty input must not reach any model")
}

func TestExtractRejectsInvalidBatch(t *testing.T) {
	pipe, gw := stubPipeline()

	_, err := pipe.Extract(context.Background(), Request{
		RequestID: "req-bad",
		Sources: []source.SourceContent{
			{ID: "dup", Type: source.TypePaper, Body: "text one"},
			{ID: "dup", Type: source.TypePaper, Body: "text two"},
		},
		Purpose: purpose.BroadTaxonomy(),
	})
	require.Error(t, err)
	assert.True(t, source.IsValidation(err), "err = %v, want validation error", err)
	assert.Zero(t, gw.Metrics().TotalCalls, "invalid input must fail before any model call")
}

func TestExtractCodingRateLimitAbortsRequest(t *testing.T) {
	// Embedding succeeds, so familiarization completes; every coding batch
	// then hits the provider's quota and retries are exhausted.
	gw := fastGateway()
	pipe := New(gw, rateLimitedLLM{}, embedding.NewStubEmbedder(), progress.NewBroadcaster())

	result, err := pipe.Extract(context.Background(), Request{
		RequestID: "req-limited",
		Sources:   corpusSources(),
		Purpose:   purpose.BroadTaxonomy(),
	})
	require.Error(t, err)
	assert.Nil(t, result, "a rate-limited extraction must not return a partial result")

	var rle *gateway.RateLimitError
	require.True(t, errors.As(err, &rle), "err = %v, want RateLimitError", err)
	assert.Positive(t, rle.RetryAfterSeconds())
	assert.Equal(t, "fake", rle.Provider)
}

func TestExtractCancelledContext(t *testing.T) {
	pipe, _ := stubPipeline()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := pipe.Extract(ctx, Request{
		RequestID: "req-cancel",
		Sources:   corpusSources(),
		Purpose:   purpose.BroadTaxonomy(),
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestExtractPublishesTerminalEvent(t *testing.T) {
	bc := progress.NewBroadcaster()
	gw := fastGateway()
	pipe := New(gw, gateway.StubLLM{}, embedding.NewStubEmbedder(), bc)

	events, _ := bc.Subscribe("req-events")
	collected := make(chan []progress.Event, 1)
	go func() {
		var all []progress.Event
		for ev := range events {
			all = append(all, ev)
		}
		collected <- all
	}()

	_, err := pipe.Extract(context.Background(), Request{
		RequestID: "req-events",
		Sources:   corpusSources()[:4],
		Purpose:   purpose.BroadTaxonomy(),
	})
	require.NoError(t, err)

	all := <-collected
	require.NotEmpty(t, all)
	assert.Equal(t, progress.StageComplete, all[len(all)-1].Stage)

	stages := make(map[string]bool)
	for _, ev := range all {
		stages[ev.Stage] = true
	}
	for _, stage := range []string{
		progress.StageFamiliarization,
		progress.StageCoding,
		progress.StageGeneration,
		progress.StageReview,
		progress.StageLabeling,
	} {
		assert.True(t, stages[stage], "no event for stage %q", stage)
	}
}

func TestApplyRigorDropsThinClusters(t *testing.T) {
	log := testLogger()
	clusters := []ThemeCluster{
		{Codes: []Code{{ID: "a"}, {ID: "b"}, {ID: "c"}}},
		{Codes: []Code{{ID: "d"}}},
	}

	kept := applyRigor(clusters, 0.8, log)
	require.Len(t, kept, 1)
	assert.Len(t, kept[0].Codes, 3)

	// Low rigor keeps everything.
	clusters = []ThemeCluster{
		{Codes: []Code{{ID: "a"}}},
	}
	assert.Len(t, applyRigor(clusters, 0.3, log), 1)
}

func TestMinCodesForRigor(t *testing.T) {
	assert.Equal(t, 1, minCodesForRigor(0.3))
	assert.Equal(t, 2, minCodesForRigor(0.6))
	assert.Equal(t, 3, minCodesForRigor(0.8))
}

func TestDeviationsReportRangeViolations(t *testing.T) {
	assert.Empty(t, deviations(10, 8, 15))
	assert.NotEmpty(t, deviations(3, 8, 15))
	assert.NotEmpty(t, deviations(40, 8, 15))
}

func TestScoreThemes(t *testing.T) {
	clusters := []ThemeCluster{
		{
			Codes: []Code{
				{ID: "c1", SourceID: "s1", Embedding: []float64{1, 0}},
				{ID: "c2", SourceID: "s2", Embedding: []float64{1, 0}},
			},
			Centroid: []float64{1, 0},
		},
	}
	themes := []UnifiedTheme{
		{Label: "Tight", Codes: clusters[0].Codes, SourceIDs: []string{"s1", "s2"}},
	}

	scoreThemes(themes, clusters, 4)

	// Perfect cohesion with two codes: 0.7*1 + 0.3*(2/5).
	assert.InDelta(t, 0.82, themes[0].Confidence, 1e-9)
	assert.InDelta(t, 0.5, themes[0].Weight, 1e-9)
}
