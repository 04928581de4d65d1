package embedding

import (
	"context"
	"testing"
)

func TestNewGenAIEmbedderRequiresAPIKey(t *testing.T) {
	if _, err := NewGenAIEmbedder(context.Background(), "", "gemini-embedding-001"); err == nil {
		t.Fatal("expected error for missing API key")
	}
}

func TestGenAIEmbedderIdentity(t *testing.T) {
	e := &GenAIEmbedder{model: "gemini-embedding-001"}
	if got := e.Name(); got != "genai:gemini-embedding-001" {
		t.Fatalf("Name = %q", got)
	}
	if got := e.Dimensions(); got != 768 {
		t.Fatalf("Dimensions = %d, want 768", got)
	}
}

func TestGenAIEmbedderEmptyBatch(t *testing.T) {
	e := &GenAIEmbedder{model: "gemini-embedding-001"}
	vectors, err := e.EmbedBatch(context.Background(), nil)
	if err != nil {
		t.Fatalf("EmbedBatch(nil): %v", err)
	}
	if vectors != nil {
		t.Fatalf("vectors = %v, want nil for empty input", vectors)
	}
}
