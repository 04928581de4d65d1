package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"themeline/internal/embedding"
	"themeline/internal/gateway"
	"themeline/internal/logging"
	"themeline/internal/progress"
	"themeline/internal/purpose"
	"themeline/internal/source"
)

// codingSystemPrompt frames the LLM as an open-coding assistant.
const codingSystemPrompt = `You are a qualitative research assistant performing open coding on research sources. You extract atomic concept codes: short, specific, single-idea labels with one-sentence descriptions. Respond with JSON only, no prose.`

// maxBodyCharsPerSource bounds how much of each body goes into one batch
// prompt.
const maxBodyCharsPerSource = 6000

// Coder extracts atomic concept codes from sources in batches.
type Coder struct {
	gw       *gateway.Gateway
	llm      gateway.LLMClient
	embedder embedding.Embedder
	bc       *progress.Broadcaster
}

// NewCoder wires the stage.
func NewCoder(gw *gateway.Gateway, llm gateway.LLMClient, embedder embedding.Embedder, bc *progress.Broadcaster) *Coder {
	return &Coder{gw: gw, llm: llm, embedder: embedder, bc: bc}
}

// rawCode is the LLM response shape for one code.
type rawCode struct {
	Label       string `json:"label"`
	Description string `json:"description"`
	SourceID    string `json:"source_id"`
}

type codingResponse struct {
	Codes []rawCode `json:"codes"`
}

// Run batches sources to the LLM and returns validated codes with
// embeddings. A rate limit that survives the gateway's retries is fatal for
// the whole request: there is no reasonable fallback for missing codes.
// Malformed individual codes are skipped and logged, never aborting their
// batch; a batch whose response is entirely unparseable is recorded as
// failed and the remaining batches continue.
func (c *Coder) Run(ctx context.Context, requestID string, sources []source.SourceContent, cfg purpose.Config, stats *progress.LiveStats) ([]Code, []SourceFailure, error) {
	log := logging.ForRequest(logging.CategoryCoding, requestID)
	timer := logging.StartTimer(logging.CategoryCoding, "code extraction")
	defer timer.Stop()

	// O(1) source lookup for validation and excerpt attachment.
	byID := make(map[string]source.SourceContent, len(sources))
	for _, s := range sources {
		byID[s.ID] = s
	}

	batches := batchSources(sources, cfg.BatchSize)

	var (
		mu       sync.Mutex
		codes    []Code
		failures []SourceFailure
		doneN    int
	)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(cfg.MaxConcurrent)

	for i, batch := range batches {
		i, batch := i, batch
		if gctx.Err() != nil {
			break // cancellation observed: schedule no new batches
		}
		g.Go(func() error {
			batchCodes, err := c.codeBatch(gctx, batch, byID)
			if err != nil {
				var rle *gateway.RateLimitError
				if errors.As(err, &rle) {
					// Fatal for the request; cancels sibling batches.
					return err
				}
				if gctx.Err() != nil {
					return gctx.Err()
				}
				log.Warnw("batch failed, continuing with remaining batches",
					"batch", i, "error", err.Error())
				mu.Lock()
				for _, s := range batch {
					failures = append(failures, SourceFailure{
						SourceID: s.ID,
						Stage:    progress.StageCoding,
						Reason:   err.Error(),
					})
				}
				mu.Unlock()
				batchCodes = nil
			}

			mu.Lock()
			codes = append(codes, batchCodes...)
			doneN++
			pct := doneN * 100 / len(batches)
			total := len(codes)
			mu.Unlock()

			c.bc.Publish(progress.Event{
				RequestID:  requestID,
				Stage:      progress.StageCoding,
				Percentage: pct,
				Message:    fmt.Sprintf("Extracted codes from batch %d/%d", i+1, len(batches)),
				Stats:      stats.Snapshot(),
				Extra:      map[string]any{"codesExtracted": total},
			})
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		var rle *gateway.RateLimitError
		if errors.As(err, &rle) {
			log.Errorw("code extraction aborted by rate limit",
				"provider", rle.Provider, "retry_after_s", rle.RetryAfterSeconds())
			return nil, nil, fmt.Errorf("code extraction failed: %w", rle)
		}
		return nil, nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, nil, err
	}

	// Stable output order regardless of batch completion order.
	sort.Slice(codes, func(i, j int) bool {
		if codes[i].SourceID != codes[j].SourceID {
			return codes[i].SourceID < codes[j].SourceID
		}
		return codes[i].Label < codes[j].Label
	})

	log.Infow("code extraction complete", "codes", len(codes), "batches", len(batches), "failed_batches", len(failures))
	return codes, failures, nil
}

// codeBatch sends one batch prompt, validates the response, attaches
// excerpts and embeddings.
func (c *Coder) codeBatch(ctx context.Context, batch []source.SourceContent, byID map[string]source.SourceContent) ([]Code, error) {
	prompt := buildCodingPrompt(batch)

	var response string
	err := c.gw.Execute(ctx, c.llm.Provider(), 0, func(callCtx context.Context) error {
		var callErr error
		response, callErr = c.llm.CompleteWithSystem(callCtx, codingSystemPrompt, prompt)
		return callErr
	})
	if err != nil {
		return nil, err
	}

	batchIDs := make(map[string]struct{}, len(batch))
	for _, s := range batch {
		batchIDs[s.ID] = struct{}{}
	}

	parsed, err := parseCodingResponse(response)
	if err != nil {
		return nil, fmt.Errorf("malformed coding response: %w", err)
	}

	log := logging.L(logging.CategoryCoding)
	codes := make([]Code, 0, len(parsed.Codes))
	for _, rc := range parsed.Codes {
		label := strings.TrimSpace(rc.Label)
		if label == "" {
			log.Warnw("skipping code with empty label", "source_id", rc.SourceID)
			continue
		}
		if _, ok := batchIDs[rc.SourceID]; !ok {
			log.Warnw("skipping code with source id outside batch", "source_id", rc.SourceID, "label", label)
			continue
		}
		codes = append(codes, Code{
			ID:          uuid.NewString(),
			Label:       label,
			Description: strings.TrimSpace(rc.Description),
			SourceID:    rc.SourceID,
			Excerpt:     findExcerpt(byID[rc.SourceID].Body, label),
		})
	}

	if err := c.embedCodes(ctx, codes); err != nil {
		return nil, err
	}
	return codes, nil
}

// embedCodes attaches an embedding to each code so generation can cluster
// them. One batched embedder call per code batch.
func (c *Coder) embedCodes(ctx context.Context, codes []Code) error {
	if len(codes) == 0 {
		return nil
	}
	texts := make([]string, len(codes))
	for i, code := range codes {
		texts[i] = code.Label
		if code.Description != "" {
			texts[i] += ". " + code.Description
		}
	}

	var vectors [][]float64
	err := c.gw.Execute(ctx, c.embedder.Name(), 0, func(callCtx context.Context) error {
		var embedErr error
		vectors, embedErr = c.embedder.EmbedBatch(callCtx, texts)
		return embedErr
	})
	if err != nil {
		return err
	}
	if len(vectors) != len(codes) {
		return fmt.Errorf("expected %d code embeddings, got %d", len(codes), len(vectors))
	}
	for i := range codes {
		codes[i].Embedding = vectors[i]
	}
	return nil
}

// buildCodingPrompt lays out one batch for the LLM.
func buildCodingPrompt(batch []source.SourceContent) string {
	var b strings.Builder
	b.WriteString("Extract 5-10 atomic concept codes from each source below.\n")
	b.WriteString("Every code needs a short label, a one-sentence description, and the source_id it came from.\n")
	b.WriteString(`Respond with JSON only: {"codes":[{"label":"...","description":"...","source_id":"..."}]}`)
	b.WriteString("\n\n")
	for _, s := range batch {
		body := s.Body
		if len(body) > maxBodyCharsPerSource {
			body = body[:maxBodyCharsPerSource]
		}
		fmt.Fprintf(&b, "SOURCE %s (%s): %s\nTEXT:\n%s\n\n", s.ID, s.Type, s.Title, body)
	}
	return b.String()
}

// parseCodingResponse tolerates fenced and prose-wrapped JSON.
func parseCodingResponse(response string) (*codingResponse, error) {
	payload := extractJSON(response)
	if payload == "" {
		return nil, fmt.Errorf("no JSON object in response")
	}
	var parsed codingResponse
	if err := json.Unmarshal([]byte(payload), &parsed); err != nil {
		return nil, err
	}
	return &parsed, nil
}

// extractJSON pulls the outermost JSON object out of an LLM response that
// may be fenced or wrapped in prose.
func extractJSON(s string) string {
	s = strings.TrimSpace(s)
	if fenced := strings.Index(s, "```"); fenced >= 0 {
		rest := s[fenced+3:]
		rest = strings.TrimPrefix(rest, "json")
		if end := strings.Index(rest, "```"); end >= 0 {
			s = rest[:end]
		} else {
			s = rest
		}
	}
	start := strings.Index(s, "{")
	end := strings.LastIndex(s, "}")
	if start < 0 || end <= start {
		return ""
	}
	return s[start : end+1]
}

// findExcerpt locates the label's first mention in the body and returns the
// surrounding text for provenance display. Empty when the label never
// appears verbatim.
func findExcerpt(body, label string) string {
	idx := strings.Index(strings.ToLower(body), strings.ToLower(label))
	if idx < 0 {
		return ""
	}
	start := idx - 60
	if start < 0 {
		start = 0
	}
	end := idx + len(label) + 60
	if end > len(body) {
		end = len(body)
	}
	return strings.TrimSpace(body[start:end])
}

// batchSources splits sources into fixed-size batches, preserving order.
func batchSources(sources []source.SourceContent, size int) [][]source.SourceContent {
	if size <= 0 {
		size = 4
	}
	var out [][]source.SourceContent
	for start := 0; start < len(sources); start += size {
		end := start + size
		if end > len(sources) {
			end = len(sources)
		}
		out = append(out, sources[start:end])
	}
	return out
}
