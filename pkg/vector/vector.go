// Package vector implements cosine similarity over fixed-dimension
// embeddings and a minimal nearest-neighbor index. No example repo in
// the retrieval pack imports an approximate-nearest-neighbor or vector
// database binding, so the index here is an exact brute-force scan
// behind the same shape a real ANN index would expose (Add/Search) —
// swappable later without touching callers.
package vector

import (
	"fmt"
	"math"
	"sort"
	"sync"
)

// Dim is the embedding width required by the knowledge graph (spec
// mandates 1536 dimensions).
const Dim = 1536

// Embedding is a fixed-width float32 vector.
type Embedding []float32

// Validate checks the embedding has the expected width.
func (e Embedding) Validate() error {
	if len(e) != Dim {
		return fmt.Errorf("embedding has %d dimensions, want %d", len(e), Dim)
	}
	return nil
}

// Cosine returns the cosine similarity of a and b in [-1, 1]. Returns 0
// if either vector has zero magnitude.
func Cosine(a, b Embedding) float64 {
	if len(a) != len(b) {
		return 0
	}
	var dot, magA, magB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		magA += float64(a[i]) * float64(a[i])
		magB += float64(b[i]) * float64(b[i])
	}
	if magA == 0 || magB == 0 {
		return 0
	}
	return dot / (math.Sqrt(magA) * math.Sqrt(magB))
}

// Func generates an embedding for a piece of text. Pluggable so a real
// provider can be swapped in; callers treat a failing Func as
// "degrade to text-only search" per spec, never as fatal.
type Func func(text string) (Embedding, error)

// DeterministicStub is a hash-seeded embedding generator used where no
// real provider is configured (tests, local development). It is
// deterministic in text so retried/duplicate calls converge, matching
// the determinism agent contract requires.
func DeterministicStub(text string) (Embedding, error) {
	var h uint64 = 1469598103934665603 // FNV offset basis
	for i := 0; i < len(text); i++ {
		h ^= uint64(text[i])
		h *= 1099511628211 // FNV prime
	}

	emb := make(Embedding, Dim)
	state := h
	for i := range emb {
		state = state*6364136223846793005 + 1442695040888963407
		emb[i] = float32(int32(state>>40)) / float32(1<<23)
	}
	return emb, nil
}

// Scored pairs an indexed id with its similarity score.
type Scored struct {
	ID    string
	Score float64
}

// Index is an exact-scan nearest-neighbor index keyed by string id.
// Safe for concurrent use.
type Index struct {
	mu      sync.RWMutex
	vectors map[string]Embedding
}

// NewIndex creates an empty index.
func NewIndex() *Index {
	return &Index{vectors: make(map[string]Embedding)}
}

// Add inserts or replaces the embedding for id.
func (idx *Index) Add(id string, emb Embedding) {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	idx.vectors[id] = emb
}

// Remove drops id from the index.
func (idx *Index) Remove(id string) {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	delete(idx.vectors, id)
}

// Search returns the top-k ids by cosine similarity to query, filtered
// to scores >= threshold, descending by score.
func (idx *Index) Search(query Embedding, k int, threshold float64) []Scored {
	idx.mu.RLock()
	defer idx.mu.RUnlock()

	results := make([]Scored, 0, len(idx.vectors))
	for id, v := range idx.vectors {
		score := Cosine(query, v)
		if score >= threshold {
			results = append(results, Scored{ID: id, Score: score})
		}
	}

	sort.Slice(results, func(i, j int) bool {
		return results[i].Score > results[j].Score
	})

	if k > 0 && len(results) > k {
		results = results[:k]
	}
	return results
}

// Len returns the number of indexed vectors.
func (idx *Index) Len() int {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	return len(idx.vectors)
}
