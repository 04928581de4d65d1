package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"sync"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"themeline/internal/gateway"
	"themeline/internal/logging"
	"themeline/internal/progress"
	"themeline/internal/purpose"
)

const labelingSystemPrompt = `You are a qualitative research assistant naming themes that emerged from open coding. Given the codes in a theme cluster, produce a concise human-readable label, a one-sentence description, a rigorous definition, and 3-5 keywords. Respond with JSON only, no prose.`

// Labeler assigns a label, definition, and keyword set to each surviving
// cluster, via the LLM or the deterministic term-frequency fallback.
type Labeler struct {
	gw  *gateway.Gateway
	llm gateway.LLMClient
	bc  *progress.Broadcaster
}

// NewLabeler wires the stage.
func NewLabeler(gw *gateway.Gateway, llm gateway.LLMClient, bc *progress.Broadcaster) *Labeler {
	return &Labeler{gw: gw, llm: llm, bc: bc}
}

type labelResponse struct {
	Label       string   `json:"label"`
	Description string   `json:"description"`
	Definition  string   `json:"definition"`
	Keywords    []string `json:"keywords"`
}

// Run labels every cluster. Rate-limit behavior is an explicit product
// decision carried in the purpose config: FallbackStatistical switches the
// whole stage to the term-frequency labeler the moment the LLM path is
// rate-limited; FallbackFail propagates the typed error to the
// orchestrator. A malformed response for one cluster falls back
// statistically for that cluster only.
func (l *Labeler) Run(ctx context.Context, requestID string, clusters []ThemeCluster, cfg purpose.Config, stats *progress.LiveStats) ([]UnifiedTheme, error) {
	log := logging.ForRequest(logging.CategoryLabeling, requestID)
	timer := logging.StartTimer(logging.CategoryLabeling, "theme labeling")
	defer timer.Stop()

	themes := make([]UnifiedTheme, len(clusters))

	var (
		mu          sync.Mutex
		rateLimited bool
		doneN       int
	)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(cfg.MaxConcurrent)

	for i := range clusters {
		i := i
		if gctx.Err() != nil {
			break
		}
		g.Go(func() error {
			cluster := clusters[i]

			mu.Lock()
			skipLLM := rateLimited
			mu.Unlock()

			var resp *labelResponse
			if !skipLLM {
				var err error
				resp, err = l.labelViaLLM(gctx, cluster)
				if err != nil {
					var rle *gateway.RateLimitError
					switch {
					case errors.As(err, &rle):
						if cfg.LabelFallback == purpose.FallbackFail {
							return fmt.Errorf("theme labeling failed: %w", rle)
						}
						log.Warnw("labeling rate limited, switching to statistical fallback",
							"provider", rle.Provider, "retry_after_s", rle.RetryAfterSeconds())
						mu.Lock()
						rateLimited = true
						mu.Unlock()
					case gctx.Err() != nil:
						return gctx.Err()
					default:
						log.Warnw("labeling response unusable, using statistical fallback for cluster",
							"cluster", i, "error", err.Error())
					}
				}
			}
			if resp == nil {
				resp = statisticalLabel(cluster)
			}

			themes[i] = buildTheme(cluster, resp)

			mu.Lock()
			doneN++
			pct := doneN * 100 / len(clusters)
			mu.Unlock()

			l.bc.Publish(progress.Event{
				RequestID:  requestID,
				Stage:      progress.StageLabeling,
				Percentage: pct,
				Message:    fmt.Sprintf("Labeled theme %q", themes[i].Label),
				Stats:      stats.Snapshot(),
			})
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	log.Infow("labeling complete", "themes", len(themes))
	return themes, nil
}

func (l *Labeler) labelViaLLM(ctx context.Context, cluster ThemeCluster) (*labelResponse, error) {
	prompt := buildLabelingPrompt(cluster)

	var response string
	err := l.gw.Execute(ctx, l.llm.Provider(), 0, func(callCtx context.Context) error {
		var callErr error
		response, callErr = l.llm.CompleteWithSystem(callCtx, labelingSystemPrompt, prompt)
		return callErr
	})
	if err != nil {
		return nil, err
	}

	payload := extractJSON(response)
	if payload == "" {
		return nil, fmt.Errorf("no JSON object in labeling response")
	}
	var parsed labelResponse
	if err := json.Unmarshal([]byte(payload), &parsed); err != nil {
		return nil, fmt.Errorf("malformed labeling response: %w", err)
	}
	if strings.TrimSpace(parsed.Label) == "" {
		return nil, fmt.Errorf("labeling response has empty label")
	}
	return &parsed, nil
}

func buildLabelingPrompt(cluster ThemeCluster) string {
	var b strings.Builder
	b.WriteString("THEME CODES:\n")
	for _, code := range cluster.Codes {
		fmt.Fprintf(&b, "- %s: %s\n", code.Label, code.Description)
	}
	b.WriteString("\nRespond with JSON only: ")
	b.WriteString(`{"label":"...","description":"...","definition":"...","keywords":["..."]}`)
	return b.String()
}

// buildTheme assembles the immutable output record. Confidence and weight
// are filled by the orchestrator, which knows the request-wide totals.
func buildTheme(cluster ThemeCluster, resp *labelResponse) UnifiedTheme {
	sourceIDs := cluster.SourceIDs()
	sort.Strings(sourceIDs)
	return UnifiedTheme{
		ID:          uuid.NewString(),
		Label:       resp.Label,
		Description: resp.Description,
		Definition:  resp.Definition,
		Keywords:    resp.Keywords,
		Codes:       cluster.Codes,
		SourceIDs:   sourceIDs,
	}
}

var termPattern = regexp.MustCompile(`\p{L}+(?:['’]\p{L}+)*`)

// statisticalLabel ranks terms across the cluster's code labels and
// descriptions by in-cluster frequency (stopwords filtered). It never
// indexes into an empty collection: an empty frequency table falls back to
// the first code's label, and an empty cluster to a generic placeholder.
func statisticalLabel(cluster ThemeCluster) *labelResponse {
	freq := make(map[string]int)
	var order []string // first-seen order for deterministic tie-breaks
	for _, code := range cluster.Codes {
		for _, term := range termPattern.FindAllString(strings.ToLower(code.Label+" "+code.Description), -1) {
			if _, stop := stopwords[term]; stop || len(term) < 3 {
				continue
			}
			if freq[term] == 0 {
				order = append(order, term)
			}
			freq[term]++
		}
	}

	ranked := make([]string, len(order))
	copy(ranked, order)
	sort.SliceStable(ranked, func(i, j int) bool {
		return freq[ranked[i]] > freq[ranked[j]]
	})

	var label string
	switch {
	case len(ranked) > 0:
		label = capitalizeTerm(ranked[0])
	case len(cluster.Codes) > 0:
		label = cluster.Codes[0].Label
	default:
		label = "Unnamed theme"
	}

	keywords := ranked
	if len(keywords) > 5 {
		keywords = keywords[:5]
	}
	if len(keywords) == 0 && len(cluster.Codes) > 0 {
		keywords = []string{cluster.Codes[0].Label}
	}

	return &labelResponse{
		Label:       label,
		Description: fmt.Sprintf("Recurring concept across %d codes", len(cluster.Codes)),
		Definition:  fmt.Sprintf("A theme characterized by %s", strings.Join(keywords, ", ")),
		Keywords:    keywords,
	}
}

func capitalizeTerm(s string) string {
	if s == "" {
		return s
	}
	return strings.ToUpper(s[:1]) + s[1:]
}

var stopwords = func() map[string]struct{} {
	words := []string{
		"a", "an", "the", "and", "or", "but", "if", "then", "else", "for",
		"to", "of", "in", "on", "at", "by", "with", "as", "is", "are",
		"was", "were", "be", "been", "being", "it", "this", "that", "these",
		"those", "from", "into", "about", "between", "through", "during",
		"before", "after", "above", "below", "over", "under", "such",
		"than", "too", "very", "can", "will", "just", "not", "has", "have",
		"had", "its", "their", "which", "who", "whom", "what", "when",
		"where", "how", "why", "mention", "mentions", "recurring",
	}
	m := make(map[string]struct{}, len(words))
	for _, w := range words {
		m[w] = struct{}{}
	}
	return m
}()
