package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
)

// StubLLM is a deterministic in-process LLMClient for offline runs and CI.
// It recognizes the pipeline's coding and labeling prompt shapes and answers
// with well-formed JSON derived from the prompt text, so a full extraction
// can run without network access.
type StubLLM struct{}

// Provider returns the stub provider identifier.
func (StubLLM) Provider() string { return "stub" }

// Complete answers a prompt deterministically.
func (s StubLLM) Complete(ctx context.Context, prompt string) (string, error) {
	return s.CompleteWithSystem(ctx, "", prompt)
}

var stubSourceHeader = regexp.MustCompile(`(?m)^SOURCE (\S+)`)

func capitalize(s string) string {
	if s == "" {
		return s
	}
	return strings.ToUpper(s[:1]) + s[1:]
}

// CompleteWithSystem answers based on the prompt shape.
func (StubLLM) CompleteWithSystem(ctx context.Context, systemPrompt, userPrompt string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	switch {
	case strings.Contains(userPrompt, "THEME CODES"):
		return stubLabelResponse(userPrompt)
	case stubSourceHeader.MatchString(userPrompt):
		return stubCodingResponse(userPrompt)
	}
	return "", fmt.Errorf("stub LLM: unrecognized prompt shape")
}

func stubCodingResponse(prompt string) (string, error) {
	type stubCode struct {
		Label       string `json:"label"`
		Description string `json:"description"`
		SourceID    string `json:"source_id"`
	}

	// Split the prompt into per-source segments on the SOURCE headers.
	locs := stubSourceHeader.FindAllStringSubmatchIndex(prompt, -1)
	var codes []stubCode
	for i, loc := range locs {
		id := prompt[loc[2]:loc[3]]
		end := len(prompt)
		if i+1 < len(locs) {
			end = locs[i+1][0]
		}
		segment := prompt[loc[1]:end]

		seen := make(map[string]bool)
		emitted := 0
		for _, word := range strings.Fields(strings.ToLower(segment)) {
			word = strings.Trim(word, ".,;:!?()\"'")
			if len(word) < 5 || seen[word] {
				continue
			}
			seen[word] = true
			codes = append(codes, stubCode{
				Label:       word,
				Description: "Recurring mention of " + word,
				SourceID:    id,
			})
			emitted++
			if emitted >= 6 {
				break
			}
		}
	}

	out, err := json.Marshal(map[string]any{"codes": codes})
	if err != nil {
		return "", err
	}
	return string(out), nil
}

func stubLabelResponse(prompt string) (string, error) {
	// Code lines look like "- label: description".
	var labels []string
	for _, line := range strings.Split(prompt, "\n") {
		line = strings.TrimSpace(line)
		if !strings.HasPrefix(line, "- ") {
			continue
		}
		entry := strings.TrimPrefix(line, "- ")
		if idx := strings.Index(entry, ":"); idx > 0 {
			entry = entry[:idx]
		}
		entry = strings.TrimSpace(entry)
		if entry != "" {
			labels = append(labels, entry)
		}
	}
	if len(labels) == 0 {
		labels = []string{"unnamed theme"}
	}

	keywords := labels
	if len(keywords) > 5 {
		keywords = keywords[:5]
	}
	out, err := json.Marshal(map[string]any{
		"label":       capitalize(labels[0]),
		"description": "Cluster centred on " + strings.Join(keywords, ", "),
		"definition":  "Sources in this theme repeatedly discuss " + labels[0] + ".",
		"keywords":    keywords,
	})
	if err != nil {
		return "", err
	}
	return string(out), nil
}
