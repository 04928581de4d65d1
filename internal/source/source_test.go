package source

import (
	"strings"
	"testing"
)

func TestNormalizeClassifiesKinds(t *testing.T) {
	inputs := []RawInput{
		{Kind: "paper", Title: "A Study", FullText: "Full body of the study."},
		{Kind: "paper", Title: "B Study", Abstract: "Just the abstract."},
		{Kind: "video", Title: "Talk", Transcript: "spoken words here"},
		{Kind: "podcast", Title: "Episode 4", Transcript: "more spoken words"},
		{Kind: "social", Title: "Thread", Post: "hot take about methods"},
	}

	out, err := Normalize(inputs)
	if err != nil {
		t.Fatalf("Normalize: %v", err)
	}
	if len(out) != len(inputs) {
		t.Fatalf("got %d sources, want %d", len(out), len(inputs))
	}

	wantTypes := []Type{TypePaper, TypePaper, TypeVideo, TypePodcast, TypeSocial}
	for i, s := range out {
		if s.Type != wantTypes[i] {
			t.Errorf("source %d type = %q, want %q", i, s.Type, wantTypes[i])
		}
		if s.ID == "" {
			t.Errorf("source %d has no assigned id", i)
		}
		if s.Body == "" {
			t.Errorf("source %d has empty body", i)
		}
	}

	// Full-text papers carry the hint; abstract-only papers do not.
	if out[0].Metadata["fullText"] != "true" {
		t.Error("full-text paper missing fullText hint")
	}
	if out[1].Metadata["fullText"] == "true" {
		t.Error("abstract-only paper wrongly marked full text")
	}
}

func TestNormalizePreservesCallerIDs(t *testing.T) {
	out, err := Normalize([]RawInput{
		{ID: "doi:10.1000/xyz", Kind: "paper", Title: "T", Abstract: "text"},
	})
	if err != nil {
		t.Fatalf("Normalize: %v", err)
	}
	if out[0].ID != "doi:10.1000/xyz" {
		t.Fatalf("id = %q, want caller id preserved", out[0].ID)
	}
}

func TestNormalizeFlattensWhitespace(t *testing.T) {
	out, err := Normalize([]RawInput{
		{Kind: "social", Title: "T", Post: "line one\n\n  line\ttwo   spaced"},
	})
	if err != nil {
		t.Fatalf("Normalize: %v", err)
	}
	if out[0].Body != "line one line two spaced" {
		t.Fatalf("body = %q", out[0].Body)
	}
}

func TestNormalizeRejections(t *testing.T) {
	cases := []struct {
		name  string
		input RawInput
	}{
		{"unknown kind", RawInput{Kind: "webinar", Title: "T", Transcript: "text"}},
		{"no text", RawInput{Kind: "paper", Title: "T"}},
		{"whitespace only", RawInput{Kind: "video", Title: "T", Transcript: "   \n "}},
		{"text in wrong field", RawInput{Kind: "social", Title: "T", Transcript: "should be post"}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Normalize([]RawInput{tc.input})
			if err == nil {
				t.Fatal("expected validation error")
			}
			if !IsValidation(err) {
				t.Fatalf("err = %v, want ValidationError", err)
			}
		})
	}
}

func TestNormalizeEmptyInput(t *testing.T) {
	_, err := Normalize(nil)
	if err == nil || !IsValidation(err) {
		t.Fatalf("err = %v, want ValidationError", err)
	}
}

func TestValidateBatch(t *testing.T) {
	good := []SourceContent{
		{ID: "a", Type: TypePaper, Body: "text"},
		{ID: "b", Type: TypeVideo, Body: "more text"},
	}
	if err := ValidateBatch(good); err != nil {
		t.Fatalf("ValidateBatch(good): %v", err)
	}

	cases := []struct {
		name  string
		batch []SourceContent
	}{
		{"empty batch", nil},
		{"empty id", []SourceContent{{ID: "", Body: "x"}}},
		{"duplicate ids", []SourceContent{{ID: "a", Body: "x"}, {ID: "a", Body: "y"}}},
		{"empty body", []SourceContent{{ID: "a", Body: "  "}}},
		{"oversized body", []SourceContent{{ID: "a", Body: strings.Repeat("x", MaxBodyBytes+1)}}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := ValidateBatch(tc.batch)
			if err == nil {
				t.Fatal("expected validation error")
			}
			if !IsValidation(err) {
				t.Fatalf("err = %v, want ValidationError", err)
			}
		})
	}
}

func TestWordCount(t *testing.T) {
	s := SourceContent{Body: "one two three"}
	if got := s.WordCount(); got != 3 {
		t.Fatalf("WordCount = %d, want 3", got)
	}
}
