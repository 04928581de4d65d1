package embedding

import (
	"regexp"
	"strings"
)

// MaxChunkWords is the per-request input ceiling for the embedding model,
// expressed in words. Bodies above it are split on sentence boundaries and
// the chunk vectors averaged.
const MaxChunkWords = 1500

var sentenceSplitter = regexp.MustCompile(`(?m)(?U)([^.!?]+[.!?])`)

// ChunkText splits text into embedding-safe chunks of at most maxWords words
// each, breaking on sentence boundaries. Text at or under the limit comes
// back as a single chunk. A single sentence longer than the limit is split
// hard on word boundaries.
func ChunkText(text string, maxWords int) []string {
	if maxWords <= 0 {
		maxWords = MaxChunkWords
	}
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return nil
	}
	if len(strings.Fields(trimmed)) <= maxWords {
		return []string{trimmed}
	}

	sentences := sentenceSplitter.FindAllString(trimmed, -1)
	if len(sentences) == 0 {
		sentences = []string{trimmed}
	} else {
		// Transcripts often trail off without terminal punctuation; keep
		// the residue past the last match as a final pseudo-sentence.
		matches := sentenceSplitter.FindAllStringIndex(trimmed, -1)
		if end := matches[len(matches)-1][1]; end < len(trimmed) {
			if tail := strings.TrimSpace(trimmed[end:]); tail != "" {
				sentences = append(sentences, tail)
			}
		}
	}

	var chunks []string
	var current []string
	currentWords := 0

	flush := func() {
		if len(current) > 0 {
			chunks = append(chunks, strings.TrimSpace(strings.Join(current, " ")))
			current = current[:0]
			currentWords = 0
		}
	}

	for _, sent := range sentences {
		sent = strings.TrimSpace(sent)
		words := strings.Fields(sent)
		if len(words) == 0 {
			continue
		}
		if len(words) > maxWords {
			// Pathological sentence: split hard on word boundaries.
			flush()
			for start := 0; start < len(words); start += maxWords {
				end := start + maxWords
				if end > len(words) {
					end = len(words)
				}
				chunks = append(chunks, strings.Join(words[start:end], " "))
			}
			continue
		}
		if currentWords+len(words) > maxWords {
			flush()
		}
		current = append(current, sent)
		currentWords += len(words)
	}
	flush()
	return chunks
}
