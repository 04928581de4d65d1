// Package source normalizes heterogeneous research material (papers, video
// and podcast transcripts, social posts) into uniform SourceContent records
// consumed read-only by every pipeline stage.
package source

import (
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// Type identifies the kind of research source.
type Type string

const (
	TypePaper   Type = "paper"
	TypeVideo   Type = "video"
	TypePodcast Type = "podcast"
	TypeSocial  Type = "social"
)

// Valid reports whether t is one of the supported source types.
func (t Type) Valid() bool {
	switch t {
	case TypePaper, TypeVideo, TypePodcast, TypeSocial:
		return true
	}
	return false
}

// SourceContent is the uniform record every stage operates on.
// Immutable once created.
type SourceContent struct {
	ID       string            `json:"id"`
	Type     Type              `json:"type"`
	Title    string            `json:"title"`
	Body     string            `json:"body"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// WordCount returns the number of whitespace-separated words in the body.
func (s SourceContent) WordCount() int {
	return len(strings.Fields(s.Body))
}

// RawInput is a loosely-shaped source as delivered by the retrieval layer.
// Exactly one of Abstract/FullText/Transcript/Post carries the text,
// depending on Kind.
type RawInput struct {
	ID         string            `json:"id,omitempty"`
	Kind       string            `json:"kind"`
	Title      string            `json:"title"`
	Abstract   string            `json:"abstract,omitempty"`
	FullText   string            `json:"full_text,omitempty"`
	Transcript string            `json:"transcript,omitempty"`
	Post       string            `json:"post,omitempty"`
	Metadata   map[string]string `json:"metadata,omitempty"`
}

// ValidationError indicates the caller supplied unusable input. It is
// returned before any external model call is made.
type ValidationError struct {
	Reason string
}

func (e *ValidationError) Error() string {
	return "invalid input: " + e.Reason
}

// Normalize maps raw inputs to SourceContent, assigning ids where missing and
// collapsing whitespace. Inputs with no usable text are rejected as a
// validation error so the failure surfaces before any model call.
func Normalize(inputs []RawInput) ([]SourceContent, error) {
	if len(inputs) == 0 {
		return nil, &ValidationError{Reason: "no sources supplied"}
	}

	out := make([]SourceContent, 0, len(inputs))
	for i, in := range inputs {
		typ, body, err := classify(in)
		if err != nil {
			return nil, fmt.Errorf("source %d (%q): %w", i, in.Title, err)
		}

		id := strings.TrimSpace(in.ID)
		if id == "" {
			id = uuid.NewString()
		}

		meta := make(map[string]string, len(in.Metadata)+1)
		for k, v := range in.Metadata {
			meta[k] = v
		}
		if in.FullText != "" {
			meta["fullText"] = "true"
		}

		out = append(out, SourceContent{
			ID:       id,
			Type:     typ,
			Title:    strings.TrimSpace(in.Title),
			Body:     flatten(body),
			Metadata: meta,
		})
	}
	return out, nil
}

// classify picks the source type and body text for a raw input.
func classify(in RawInput) (Type, string, error) {
	typ := Type(strings.ToLower(strings.TrimSpace(in.Kind)))
	if !typ.Valid() {
		return "", "", &ValidationError{Reason: fmt.Sprintf("unknown source kind %q", in.Kind)}
	}

	var body string
	switch typ {
	case TypePaper:
		body = in.FullText
		if strings.TrimSpace(body) == "" {
			body = in.Abstract
		}
	case TypeVideo, TypePodcast:
		body = in.Transcript
	case TypeSocial:
		body = in.Post
	}
	if strings.TrimSpace(body) == "" {
		return "", "", &ValidationError{Reason: "source has no text content"}
	}
	return typ, body, nil
}

// MaxBodyBytes bounds a single source's body. Oversized bodies indicate the
// fetch layer handed us something unprocessed (a binary, a dump) and are
// rejected rather than sent to the embedding model.
const MaxBodyBytes = 2 << 20 // 2 MiB

// ValidateBatch fails fast on batches the pipeline cannot process.
func ValidateBatch(sources []SourceContent) error {
	if len(sources) == 0 {
		return &ValidationError{Reason: "empty source batch"}
	}
	seen := make(map[string]struct{}, len(sources))
	for _, s := range sources {
		if s.ID == "" {
			return &ValidationError{Reason: "source with empty id"}
		}
		if _, dup := seen[s.ID]; dup {
			return &ValidationError{Reason: "duplicate source id " + s.ID}
		}
		seen[s.ID] = struct{}{}
		if strings.TrimSpace(s.Body) == "" {
			return &ValidationError{Reason: "source " + s.ID + " has empty body"}
		}
		if len(s.Body) > MaxBodyBytes {
			return &ValidationError{Reason: fmt.Sprintf("source %s body exceeds %d bytes", s.ID, MaxBodyBytes)}
		}
	}
	return nil
}

// IsValidation reports whether err is (or wraps) a ValidationError.
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

// flatten collapses runs of whitespace into single spaces.
func flatten(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
