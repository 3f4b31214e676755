package knowledge

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/halcasteel/bookmark-orchestration-substrate/internal/events"
	"github.com/halcasteel/bookmark-orchestration-substrate/pkg/vector"
)

// Config tunes the thresholds pattern extraction and search use. Zero
// values are replaced with sane defaults by New.
type Config struct {
	// EmbedFunc generates an embedding for new/updated node text. Nil
	// falls back to vector.DeterministicStub so the graph always has
	// something to index, degrading gracefully per spec.
	EmbedFunc vector.Func
	// SimilarityThreshold is the minimum cosine/TF-IDF score FindSolutions
	// and similarity search report.
	SimilarityThreshold float64
	// PatternMinOccurrences is how many times the same Problem fingerprint
	// must occur before a Pattern is extracted for it.
	PatternMinOccurrences int
	// PatternMinConfidence is the floor a candidate Pattern must clear to
	// be kept.
	PatternMinConfidence float64
	// PatternRetrainFloor: a Pattern whose owning solution's success rate
	// drops below this triggers evolution into a successor rather than
	// silent failure.
	PatternRetrainFloor float64
	// RankWeights are w1 (similarity), w2 (success rate), w3 (recency
	// decay) from spec §4.6's solution ranking formula. Must sum to a
	// sensible total but are not required to sum to 1.
	RankSimilarityWeight  float64
	RankSuccessWeight     float64
	RankRecencyWeight     float64
	// RecencyHalfLife is the duration over which recency decay halves.
	RecencyHalfLife time.Duration
}

func (c Config) withDefaults() Config {
	if c.EmbedFunc == nil {
		c.EmbedFunc = vector.DeterministicStub
	}
	if c.SimilarityThreshold == 0 {
		c.SimilarityThreshold = 0.15
	}
	if c.PatternMinOccurrences == 0 {
		c.PatternMinOccurrences = 5
	}
	if c.PatternMinConfidence == 0 {
		c.PatternMinConfidence = 0.6
	}
	if c.PatternRetrainFloor == 0 {
		c.PatternRetrainFloor = 0.4
	}
	if c.RankSimilarityWeight == 0 && c.RankSuccessWeight == 0 && c.RankRecencyWeight == 0 {
		c.RankSimilarityWeight, c.RankSuccessWeight, c.RankRecencyWeight = 0.5, 0.35, 0.15
	}
	if c.RecencyHalfLife == 0 {
		c.RecencyHalfLife = 30 * 24 * time.Hour
	}
	return c
}

// Graph is the in-memory, mutex-serialized knowledge graph (spec C6).
// One mutex guards every map; the same single-serialization-point
// idiom as registry.Registry and taskstore.Store, and the mechanism
// that gives outcome updates (spec §4.6's CAS requirement) their
// atomicity — a lock held across read-modify-write has no lost
// updates with exactly one writer critical section at a time.
type Graph struct {
	mu sync.Mutex
	cfg Config
	mesh events.Mesh

	problems  map[string]*Problem
	solutions map[string]*Solution
	patterns  map[string]*Pattern
	insights  map[string]*Insight
	tools     map[string]*Tool

	edges          []Edge
	fingerprintIdx map[string]string // fingerprint -> problem id

	embedIdx *vector.Index
	textIdx  *tfidfIndex
}

// New creates an empty Graph. mesh may be nil (events then simply go
// unpublished, useful for unit tests).
func New(cfg Config, mesh events.Mesh) *Graph {
	cfg = cfg.withDefaults()
	return &Graph{
		cfg:            cfg,
		mesh:           mesh,
		problems:       make(map[string]*Problem),
		solutions:      make(map[string]*Solution),
		patterns:       make(map[string]*Pattern),
		insights:       make(map[string]*Insight),
		tools:          make(map[string]*Tool),
		fingerprintIdx: make(map[string]string),
		embedIdx:       vector.NewIndex(),
		textIdx:        newTFIDFIndex(),
	}
}

func (g *Graph) emit(kind events.Type, payload map[string]interface{}) {
	if g.mesh == nil {
		return
	}
	g.mesh.Publish("knowledge", events.New(kind, "knowledge", events.PriorityNormal, payload))
}

func (g *Graph) embed(text string) vector.Embedding {
	emb, err := g.cfg.EmbedFunc(text)
	if err != nil {
		return nil // degrade to text-only search, never fatal
	}
	return emb
}

// AddProblem records a problem occurrence. If its fingerprint matches
// an existing Problem, the existing node's occurrence_count is
// incremented and last_seen/context are merged (P5); otherwise a new
// node is created. Returns the resulting node and whether it was newly
// created.
func (g *Graph) AddProblem(category, description string, errorPatterns []string, severity Severity, context map[string]interface{}) (*Problem, bool, error) {
	if category == "" {
		return nil, false, fmt.Errorf("knowledge: problem category is required")
	}
	fp := computeFingerprint(category, errorPatterns)
	now := time.Now()

	g.mu.Lock()
	defer g.mu.Unlock()

	if id, ok := g.fingerprintIdx[fp]; ok {
		existing := g.problems[id]
		existing.OccurrenceCount++
		existing.LastSeen = now
		existing.UpdatedAt = now
		for k, v := range context {
			if existing.Context == nil {
				existing.Context = make(map[string]interface{})
			}
			existing.Context[k] = v
		}
		g.emit(events.ProblemAdded, map[string]interface{}{
			"problem_id": existing.ID, "fingerprint": fp, "occurrence_count": existing.OccurrenceCount, "deduped": true,
		})
		return existing, false, nil
	}

	p := &Problem{
		NodeMeta: NodeMeta{
			ID:        uuid.New().String(),
			CreatedAt: now,
			UpdatedAt: now,
			Embedding: g.embed(description),
		},
		Fingerprint:     fp,
		Category:        category,
		Description:     description,
		ErrorPatterns:   errorPatterns,
		Context:         context,
		Severity:        severity,
		OccurrenceCount: 1,
		FirstSeen:       now,
		LastSeen:        now,
	}
	g.problems[p.ID] = p
	g.fingerprintIdx[fp] = p.ID
	if p.Embedding != nil {
		g.embedIdx.Add(p.ID, p.Embedding)
	}
	g.textIdx.set(p.ID, description)

	g.emit(events.ProblemAdded, map[string]interface{}{
		"problem_id": p.ID, "fingerprint": fp, "occurrence_count": 1, "deduped": false,
	})
	return p, true, nil
}

// AddSolution creates a Solution node and links it to problemID with a
// "solves" edge.
func (g *Graph) AddSolution(problemID, description string, actions []Action, prerequisites, sideEffects []string) (*Solution, error) {
	now := time.Now()

	g.mu.Lock()
	defer g.mu.Unlock()

	if _, ok := g.problems[problemID]; problemID != "" && !ok {
		return nil, fmt.Errorf("knowledge: unknown problem %q", problemID)
	}

	s := &Solution{
		NodeMeta: NodeMeta{
			ID:        uuid.New().String(),
			CreatedAt: now,
			UpdatedAt: now,
			Embedding: g.embed(description),
		},
		Description:   description,
		Actions:       actions,
		Prerequisites: prerequisites,
		SideEffects:   sideEffects,
	}
	g.solutions[s.ID] = s
	if s.Embedding != nil {
		g.embedIdx.Add(s.ID, s.Embedding)
	}
	g.textIdx.set(s.ID, description)

	if problemID != "" {
		if err := g.addEdgeLocked(Edge{From: s.ID, To: problemID, Relationship: EdgeSolves, Weight: 1, CreatedAt: now}); err != nil {
			return nil, err
		}
	}

	g.emit(events.SolutionAdded, map[string]interface{}{"solution_id": s.ID, "problem_id": problemID})
	return s, nil
}

// RecordOutcome updates a Solution's attempt/success counters and
// rolling average resolution time after a dispatch completes (spec
// §4.6, P6). A Pattern evolution is triggered if the solution's
// success rate drops below PatternRetrainFloor and it backs an
// existing Pattern.
func (g *Graph) RecordOutcome(solutionID string, succeeded bool, resolutionTime time.Duration) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	s, ok := g.solutions[solutionID]
	if !ok {
		return fmt.Errorf("knowledge: unknown solution %q", solutionID)
	}

	s.AttemptCount++
	if succeeded {
		s.SuccessCount++
	}
	if s.AttemptCount == 1 {
		s.AvgResolutionTime = resolutionTime
	} else {
		// incremental mean, avoids re-summing the whole history
		n := time.Duration(s.AttemptCount)
		s.AvgResolutionTime += (resolutionTime - s.AvgResolutionTime) / n
	}
	s.UpdatedAt = time.Now()

	g.emit(events.OutcomeRecorded, map[string]interface{}{
		"solution_id": solutionID, "succeeded": succeeded, "success_rate": s.SuccessRate(),
	})

	if s.SuccessRate() < g.cfg.PatternRetrainFloor && s.AttemptCount >= g.cfg.PatternMinOccurrences {
		g.evolveOwningPatternsLocked(solutionID)
	}
	return nil
}

// FindSolutions ranks known solutions to problemID by
// w1*similarity + w2*success_rate + w3*recency_decay (spec §4.6),
// restricted to solutions connected to problemID (directly, or via a
// similar_to problem) with a similarity/relevance above
// SimilarityThreshold.
func (g *Graph) FindSolutions(problemID string, limit int) ([]ScoredSolution, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	problem, ok := g.problems[problemID]
	if !ok {
		return nil, fmt.Errorf("knowledge: unknown problem %q", problemID)
	}

	candidateIDs := map[string]bool{}
	for _, e := range g.edges {
		if e.Relationship == EdgeSolves && e.To == problemID {
			candidateIDs[e.From] = true
		}
	}
	// also pull in solutions of similar problems
	for _, e := range g.edges {
		if e.Relationship == EdgeSimilarTo && (e.From == problemID || e.To == problemID) {
			other := e.To
			if other == problemID {
				other = e.From
			}
			for _, e2 := range g.edges {
				if e2.Relationship == EdgeSolves && e2.To == other {
					candidateIDs[e2.From] = true
				}
			}
		}
	}

	now := time.Now()
	scored := make([]ScoredSolution, 0, len(candidateIDs))
	for id := range candidateIDs {
		sol, ok := g.solutions[id]
		if !ok {
			continue
		}
		similarity := g.similarity(problem.ID, problem.Description, sol.ID, sol.Description)
		if similarity < g.cfg.SimilarityThreshold {
			continue
		}
		recency := recencyDecay(sol.UpdatedAt, now, g.cfg.RecencyHalfLife)
		score := g.cfg.RankSimilarityWeight*similarity +
			g.cfg.RankSuccessWeight*sol.SuccessRate() +
			g.cfg.RankRecencyWeight*recency
		scored = append(scored, ScoredSolution{Solution: sol, Score: score})
	}

	sortScored(scored)
	if limit > 0 && len(scored) > limit {
		scored = scored[:limit]
	}
	return scored, nil
}

// similarity prefers embedding cosine similarity when both nodes carry
// one, and falls back to TF-IDF text similarity otherwise.
func (g *Graph) similarity(idA, textA, idB, textB string) float64 {
	embA, okA := g.lookupEmbedding(idA)
	embB, okB := g.lookupEmbedding(idB)
	if okA && okB {
		return vector.Cosine(embA, embB)
	}
	scores := g.textIdx.search(textA)
	if s, ok := scores[idB]; ok {
		return s
	}
	return 0
}

func (g *Graph) lookupEmbedding(id string) (vector.Embedding, bool) {
	if p, ok := g.problems[id]; ok && p.Embedding != nil {
		return p.Embedding, true
	}
	if s, ok := g.solutions[id]; ok && s.Embedding != nil {
		return s.Embedding, true
	}
	return nil, false
}

func recencyDecay(updated, now time.Time, halfLife time.Duration) float64 {
	if halfLife <= 0 {
		return 1
	}
	age := now.Sub(updated)
	if age < 0 {
		age = 0
	}
	halves := float64(age) / float64(halfLife)
	decay := 1.0
	for halves > 0 {
		step := halves
		if step > 1 {
			step = 1
		}
		decay *= 1 - 0.5*step
		halves -= step
	}
	return decay
}

func sortScored(s []ScoredSolution) {
	for i := 1; i < len(s); i++ {
		for j := i; j > 0 && s[j].Score > s[j-1].Score; j-- {
			s[j], s[j-1] = s[j-1], s[j]
		}
	}
}

// AddEdge links two existing nodes. Cycles are rejected for solves and
// requires edges (an acyclic dependency/remedy structure); similar_to
// and evolves_into permit cycles (spec §3.7).
func (g *Graph) AddEdge(e Edge) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now()
	}
	return g.addEdgeLocked(e)
}

func (g *Graph) addEdgeLocked(e Edge) error {
	if (e.Relationship == EdgeSolves || e.Relationship == EdgeRequires) && g.wouldCycleLocked(e) {
		return fmt.Errorf("knowledge: edge %s %s->%s would create a cycle", e.Relationship, e.From, e.To)
	}
	g.edges = append(g.edges, e)
	return nil
}

func (g *Graph) wouldCycleLocked(candidate Edge) bool {
	if candidate.From == candidate.To {
		return true
	}
	adj := map[string][]string{candidate.To: {candidate.From}}
	for _, e := range g.edges {
		if e.Relationship != candidate.Relationship {
			continue
		}
		adj[e.To] = append(adj[e.To], e.From)
	}
	visited := map[string]bool{}
	var dfs func(string) bool
	dfs = func(node string) bool {
		if node == candidate.To {
			return true
		}
		if visited[node] {
			return false
		}
		visited[node] = true
		for _, next := range adj[node] {
			if dfs(next) {
				return true
			}
		}
		return false
	}
	return dfs(candidate.From)
}

// Problem returns the node by id, if present.
func (g *Graph) Problem(id string) (*Problem, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	p, ok := g.problems[id]
	return p, ok
}

// Solution returns the node by id, if present.
func (g *Graph) Solution(id string) (*Solution, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	s, ok := g.solutions[id]
	return s, ok
}

// Pattern returns the node by id, if present.
func (g *Graph) Pattern(id string) (*Pattern, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	p, ok := g.patterns[id]
	return p, ok
}
