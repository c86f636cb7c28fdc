package openai

import (
	"context"
	"testing"
)

func TestNewEmbedderAppliesDefaults(t *testing.T) {
	e := NewEmbedder(Config{APIKey: "test-key"})
	if e.model != DefaultEmbeddingModel {
		t.Fatalf("model = %q, want %q", e.model, DefaultEmbeddingModel)
	}
	if e.dim != DefaultEmbeddingDimension {
		t.Fatalf("dim = %d, want %d", e.dim, DefaultEmbeddingDimension)
	}
}

func TestNewEmbedderOptionsOverrideDefaults(t *testing.T) {
	e := NewEmbedder(Config{APIKey: "test-key"},
		WithEmbeddingModel("text-embedding-3-large"),
		WithEmbeddingDimension(3072),
	)
	if e.model != "text-embedding-3-large" {
		t.Fatalf("model = %q, want text-embedding-3-large", e.model)
	}
	if e.dim != 3072 {
		t.Fatalf("dim = %d, want 3072", e.dim)
	}
}

func TestEmbedRejectsEmptyInput(t *testing.T) {
	e := NewEmbedder(Config{APIKey: "test-key"})
	if _, err := e.Embed(context.Background(), ""); err == nil {
		t.Fatal("expected an error for empty input")
	}
}
