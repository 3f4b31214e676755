package knowledge

import (
	"time"

	"github.com/google/uuid"

	"github.com/halcasteel/bookmark-orchestration-substrate/internal/events"
)

// MaybeExtractPattern checks whether problemID's occurrence count has
// crossed PatternMinOccurrences and, if so and no Pattern already
// covers its fingerprint, mines a candidate Pattern from its most
// successful known Solution. Returns the new Pattern, or nil if no
// extraction happened.
func (g *Graph) MaybeExtractPattern(problemID string) (*Pattern, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	problem, ok := g.problems[problemID]
	if !ok || problem.OccurrenceCount < g.cfg.PatternMinOccurrences {
		return nil, nil
	}
	for _, p := range g.patterns {
		if p.coversFingerprint(problem.Fingerprint) {
			return nil, nil // already extracted
		}
	}

	best := g.bestSolutionLocked(problemID)
	if best == nil {
		return nil, nil
	}
	confidence := best.SuccessRate()
	if confidence < g.cfg.PatternMinConfidence {
		return nil, nil
	}

	now := time.Now()
	pattern := &Pattern{
		NodeMeta: NodeMeta{ID: uuid.New().String(), CreatedAt: now, UpdatedAt: now},
		Kind:     PatternError,
		MatchingRules: []MatchRule{
			{Field: "category", Operator: "eq", Value: problem.Category},
			{Field: "fingerprint", Operator: "eq", Value: problem.Fingerprint},
		},
		Actions:     best.Actions,
		Confidence:  confidence,
		Occurrences: problem.OccurrenceCount,
		LastUpdated: now,
	}
	g.patterns[pattern.ID] = pattern

	if err := g.addEdgeLocked(Edge{From: pattern.ID, To: problem.ID, Relationship: EdgeSolves, Weight: confidence, CreatedAt: now}); err != nil {
		return nil, err
	}
	return pattern, nil
}

// coversFingerprint reports whether an "eq fingerprint" rule in p
// matches fp — the marker MaybeExtractPattern uses to avoid re-mining
// the same problem twice.
func (p *Pattern) coversFingerprint(fp string) bool {
	for _, r := range p.MatchingRules {
		if r.Field == "fingerprint" && r.Operator == "eq" {
			if s, ok := r.Value.(string); ok && s == fp {
				return true
			}
		}
	}
	return false
}

func (g *Graph) bestSolutionLocked(problemID string) *Solution {
	var best *Solution
	for _, e := range g.edges {
		if e.Relationship != EdgeSolves || e.To != problemID {
			continue
		}
		sol, ok := g.solutions[e.From]
		if !ok || sol.AttemptCount == 0 {
			continue
		}
		if best == nil || sol.SuccessRate() > best.SuccessRate() {
			best = sol
		}
	}
	return best
}

// evolveOwningPatternsLocked creates an evolves_into successor for
// every Pattern backed (via its solves edge) by a now-underperforming
// Solution. The original Pattern is never deleted, only superseded —
// the retrain floor indicates the old rules stopped generalizing, not
// that the history was wrong (spec §4.6).
func (g *Graph) evolveOwningPatternsLocked(solutionID string) {
	sol, ok := g.solutions[solutionID]
	if !ok {
		return
	}
	now := time.Now()
	for _, e := range g.edges {
		if e.Relationship != EdgeSolves || e.From != solutionID {
			continue
		}
		for _, p := range g.patterns {
			if !g.patternSolvesLocked(p.ID, e.To) {
				continue
			}
			successor := &Pattern{
				NodeMeta:      NodeMeta{ID: uuid.New().String(), CreatedAt: now, UpdatedAt: now},
				Kind:          p.Kind,
				MatchingRules: p.MatchingRules,
				Actions:       append([]Action{}, sol.Actions...),
				Confidence:    sol.SuccessRate(),
				Occurrences:   p.Occurrences,
				LastUpdated:   now,
				EvolvedFrom:   p.ID,
			}
			g.patterns[successor.ID] = successor
			g.edges = append(g.edges, Edge{From: p.ID, To: successor.ID, Relationship: EdgeEvolvesInto, Weight: 1, CreatedAt: now})
			g.emit(events.PatternEvolved, map[string]interface{}{
				"pattern_id": p.ID, "successor_id": successor.ID, "solution_id": solutionID,
			})
		}
	}
}

func (g *Graph) patternSolvesLocked(patternID, problemID string) bool {
	for _, e := range g.edges {
		if e.From == patternID && e.To == problemID && e.Relationship == EdgeSolves {
			return true
		}
	}
	return false
}

// ApplyPattern evaluates every known Pattern's matching_rules against
// ctx and returns a copy of every Pattern that fully matches, ordered
// by descending confidence.
func (g *Graph) ApplyPattern(ctx map[string]interface{}) []Pattern {
	g.mu.Lock()
	defer g.mu.Unlock()

	var matched []Pattern
	for _, p := range g.patterns {
		if matchAll(p.MatchingRules, evalContext(ctx)) {
			matched = append(matched, *p)
		}
	}
	for i := 1; i < len(matched); i++ {
		for j := i; j > 0 && matched[j].Confidence > matched[j-1].Confidence; j-- {
			matched[j], matched[j-1] = matched[j-1], matched[j]
		}
	}
	return matched
}
