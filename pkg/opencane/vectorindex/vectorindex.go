// Package vectorindex gives the persisted lifelog context store a
// text-query surface (spec §6.4) on top of pkg/vecstore, which only speaks
// raw float32 vectors. Embedder bridges the two; the default Embedder is
// providers/openai.Embedder, backed by the OpenAI embeddings endpoint, but
// any embedding source can be plugged in.
package vectorindex

import (
	"context"
	"fmt"
	"sync"

	"github.com/iflabx/opencane/pkg/vecstore"
)

// Embedder turns text into a dense vector for indexing and querying.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// Result is one match from Query, carrying back the metadata that was
// attached at Add time.
type Result struct {
	ID       string
	Distance float32
	Text     string
	Metadata map[string]any
}

// Index adds text-in/text-out semantics and metadata filtering around a
// vecstore.Index.
type Index struct {
	vec   vecstore.Index
	embed Embedder

	mu       sync.RWMutex
	text     map[string]string
	metadata map[string]map[string]any
}

// New wraps vec with embed as the text<->vector bridge.
func New(vec vecstore.Index, embed Embedder) *Index {
	return &Index{
		vec:      vec,
		embed:    embed,
		text:     make(map[string]string),
		metadata: make(map[string]map[string]any),
	}
}

// Add embeds text and inserts it under id, remembering text and metadata
// for later retrieval alongside Query results.
func (x *Index) Add(ctx context.Context, id, text string, metadata map[string]any) error {
	vec, err := x.embed.Embed(ctx, text)
	if err != nil {
		return fmt.Errorf("vectorindex: embed: %w", err)
	}
	if err := x.vec.Insert(id, vec); err != nil {
		return fmt.Errorf("vectorindex: insert: %w", err)
	}
	x.mu.Lock()
	x.text[id] = text
	x.metadata[id] = metadata
	x.mu.Unlock()
	return nil
}

// Delete removes id from the index.
func (x *Index) Delete(id string) error {
	x.mu.Lock()
	delete(x.text, id)
	delete(x.metadata, id)
	x.mu.Unlock()
	return x.vec.Delete(id)
}

// Query embeds text and returns the topK nearest entries whose metadata
// satisfies every key/value pair in filters (exact match, AND semantics).
// filters is applied client-side: vecstore has no native filter support, so
// Query over-fetches and trims, matching the approach used for small
// lifelog corpora rather than a distributed filtered-ANN engine.
func (x *Index) Query(ctx context.Context, text string, filters map[string]any, topK int) ([]Result, error) {
	vec, err := x.embed.Embed(ctx, text)
	if err != nil {
		return nil, fmt.Errorf("vectorindex: embed: %w", err)
	}
	fetch := topK
	if len(filters) > 0 {
		fetch = topK * 8
		if fetch < 32 {
			fetch = 32
		}
	}
	matches, err := x.vec.Search(vec, fetch)
	if err != nil {
		return nil, fmt.Errorf("vectorindex: search: %w", err)
	}

	x.mu.RLock()
	defer x.mu.RUnlock()
	out := make([]Result, 0, topK)
	for _, m := range matches {
		meta := x.metadata[m.ID]
		if !matchesFilters(meta, filters) {
			continue
		}
		out = append(out, Result{ID: m.ID, Distance: m.Distance, Text: x.text[m.ID], Metadata: meta})
		if len(out) >= topK {
			break
		}
	}
	return out, nil
}

func matchesFilters(meta map[string]any, filters map[string]any) bool {
	for k, want := range filters {
		got, ok := meta[k]
		if !ok || got != want {
			return false
		}
	}
	return true
}

// Len reports the number of indexed entries.
func (x *Index) Len() int { return x.vec.Len() }

// Flush delegates to the underlying vecstore.Index.
func (x *Index) Flush() error { return x.vec.Flush() }

// Close delegates to the underlying vecstore.Index.
func (x *Index) Close() error { return x.vec.Close() }
