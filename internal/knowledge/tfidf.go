package knowledge

import (
	"math"
	"regexp"
	"strings"
)

// tfidfIndex is the textual-similarity fallback used when a node has no
// stored embedding because its embedding call failed (a nil EmbedFunc is
// replaced by vector.DeterministicStub, so it never leaves nodes without
// one); a failing embedding degrades search, never fails it.
// Rebuilt from scratch on demand — the graphs this runs against are
// small enough (demo/operational scale, not a bulk corpus) that an
// incremental inverted index would add complexity without a measurable
// win.
type tfidfIndex struct {
	docs   map[string][]string // id -> tokens
	idf    map[string]float64
	built  bool
}

var tokenRE = regexp.MustCompile(`[a-z0-9]+`)

func tokenize(s string) []string {
	return tokenRE.FindAllString(strings.ToLower(s), -1)
}

func newTFIDFIndex() *tfidfIndex {
	return &tfidfIndex{docs: make(map[string][]string)}
}

func (t *tfidfIndex) set(id, text string) {
	t.docs[id] = tokenize(text)
	t.built = false
}

func (t *tfidfIndex) remove(id string) {
	delete(t.docs, id)
	t.built = false
}

func (t *tfidfIndex) rebuild() {
	df := make(map[string]int)
	for _, tokens := range t.docs {
		seen := make(map[string]bool)
		for _, tok := range tokens {
			if !seen[tok] {
				df[tok]++
				seen[tok] = true
			}
		}
	}
	n := float64(len(t.docs))
	t.idf = make(map[string]float64, len(df))
	for tok, count := range df {
		t.idf[tok] = math.Log(1+n/float64(count)) + 1
	}
	t.built = true
}

func (t *tfidfIndex) vector(tokens []string) map[string]float64 {
	tf := make(map[string]float64)
	for _, tok := range tokens {
		tf[tok]++
	}
	vec := make(map[string]float64, len(tf))
	for tok, count := range tf {
		vec[tok] = count * t.idf[tok]
	}
	return vec
}

func cosineSparse(a, b map[string]float64) float64 {
	var dot, magA, magB float64
	for tok, va := range a {
		magA += va * va
		if vb, ok := b[tok]; ok {
			dot += va * vb
		}
	}
	for _, vb := range b {
		magB += vb * vb
	}
	if magA == 0 || magB == 0 {
		return 0
	}
	return dot / (math.Sqrt(magA) * math.Sqrt(magB))
}

// search returns the score of every doc id with a nonzero similarity
// to query, keyed by id (the map carries no order).
func (t *tfidfIndex) search(query string) map[string]float64 {
	if !t.built {
		t.rebuild()
	}
	qVec := t.vector(tokenize(query))
	scores := make(map[string]float64, len(t.docs))
	for id, tokens := range t.docs {
		score := cosineSparse(qVec, t.vector(tokens))
		if score > 0 {
			scores[id] = score
		}
	}
	return scores
}
