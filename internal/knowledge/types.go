// Package knowledge implements the semantic knowledge graph (spec C6):
// Problems, Solutions, Patterns, Insights and Tools connected by typed,
// directed edges, with fingerprint-based Problem dedup, embedding +
// TF-IDF-fallback similarity search, outcome-weighted solution ranking
// and pattern extraction/evolution. The single-mutex Graph follows the
// same mutex-protected-map idiom as taskstore.Store and
// registry.Registry — here it doubles as the CAS mechanism spec §4.6
// asks for: a lock held across read-modify-write is equivalent to an
// optimistic-concurrency retry loop when there is exactly one writer
// goroutine at a time, and simpler to reason about.
package knowledge

import (
	"time"

	"github.com/halcasteel/bookmark-orchestration-substrate/pkg/vector"
)

// Severity classifies a Problem's impact.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// PatternKind classifies what a Pattern matches against.
type PatternKind string

const (
	PatternError       PatternKind = "error"
	PatternPerformance PatternKind = "performance"
	PatternSecurity    PatternKind = "security"
	PatternBehavioral  PatternKind = "behavioral"
)

// NodeMeta is the shared shape of every knowledge node (spec §3.6).
type NodeMeta struct {
	ID        string          `json:"id"`
	CreatedAt time.Time       `json:"created_at"`
	UpdatedAt time.Time       `json:"updated_at"`
	Embedding vector.Embedding `json:"embedding,omitempty"`
}

// Problem is a deduplicated, fingerprinted record of something that
// went wrong (or needed solving). Fingerprint collisions merge into the
// existing node rather than creating a duplicate (P5).
type Problem struct {
	NodeMeta
	Fingerprint     string                 `json:"fingerprint"`
	Category        string                 `json:"category"`
	Description     string                 `json:"description"`
	ErrorPatterns   []string               `json:"error_patterns"`
	Context         map[string]interface{} `json:"context"`
	Severity        Severity               `json:"severity"`
	OccurrenceCount int                    `json:"occurrence_count"`
	FirstSeen       time.Time              `json:"first_seen"`
	LastSeen        time.Time              `json:"last_seen"`
}

// Action is one ordered step a Solution or Pattern prescribes.
type Action struct {
	Kind       string                 `json:"kind"`
	Target     string                 `json:"target"`
	Parameters map[string]interface{} `json:"parameters"`
	Order      int                    `json:"order"`
}

// Solution is a prescribed remedy for one or more Problems, tracked
// with an outcome-monotone attempt/success counter (P6).
type Solution struct {
	NodeMeta
	Description       string        `json:"description"`
	Actions           []Action      `json:"actions"`
	Prerequisites     []string      `json:"prerequisites"`
	SideEffects       []string      `json:"side_effects"`
	AttemptCount      int           `json:"attempt_count"`
	SuccessCount      int           `json:"success_count"`
	AvgResolutionTime time.Duration `json:"avg_resolution_time"`
}

// SuccessRate returns success_count/attempt_count, or 0 before any
// outcome has been recorded.
func (s *Solution) SuccessRate() float64 {
	if s.AttemptCount == 0 {
		return 0
	}
	return float64(s.SuccessCount) / float64(s.AttemptCount)
}

// MatchRule is one clause of a Pattern's matching_rules (spec §4.6):
// compares Field in an evaluation context against Value using Operator.
type MatchRule struct {
	Field    string      `json:"field"`
	Operator string      `json:"operator"`
	Value    interface{} `json:"value"`
}

// Pattern is a mined rule-set with a confidence score that can evolve
// into a refined successor without deleting the original (spec §4.6).
type Pattern struct {
	NodeMeta
	Kind          PatternKind `json:"kind"`
	MatchingRules []MatchRule `json:"matching_rules"`
	Actions       []Action    `json:"actions"`
	Confidence    float64     `json:"confidence"`
	Occurrences   int         `json:"occurrences"`
	LastUpdated   time.Time   `json:"last_updated"`
	EvolvedFrom   string      `json:"evolved_from,omitempty"`
}

// Insight carries free-form, component-specific observations.
type Insight struct {
	NodeMeta
	Description string                 `json:"description"`
	Metadata    map[string]interface{} `json:"metadata"`
}

// Tool describes a collaborator capability referenced by Solutions or
// Patterns (e.g. "enrichment agent", "embedding provider").
type Tool struct {
	NodeMeta
	Name     string                 `json:"name"`
	Metadata map[string]interface{} `json:"metadata"`
}

// EdgeType is one of the fixed relationship kinds from spec §3.7.
type EdgeType string

const (
	EdgeSolves       EdgeType = "solves"
	EdgeCauses       EdgeType = "causes"
	EdgeRequires     EdgeType = "requires"
	EdgeSimilarTo    EdgeType = "similar_to"
	EdgeEvolvesInto  EdgeType = "evolves_into"
	EdgeImplements   EdgeType = "implements"
	EdgeValidates    EdgeType = "validates"
	EdgeConflictsWith EdgeType = "conflicts_with"
	EdgeDependsOn    EdgeType = "depends_on"
	EdgeTriggers     EdgeType = "triggers"
	EdgeLeadsTo      EdgeType = "leads_to"
	EdgeMitigates    EdgeType = "mitigates"
	EdgeCollaborates EdgeType = "collaborates"
)

// Edge is a directed, weighted connection between two nodes. Cycles are
// only legal through EdgeEvolvesInto and EdgeSimilarTo; Graph enforces
// this at insert time for EdgeSolves and EdgeRequires.
type Edge struct {
	From         string                 `json:"from"`
	To           string                 `json:"to"`
	Relationship EdgeType               `json:"relationship"`
	Weight       float64                `json:"weight"`
	Metadata     map[string]interface{} `json:"metadata"`
	CreatedAt    time.Time              `json:"created_at"`
}

// ScoredSolution pairs a Solution with its ranking score from
// FindSolutions.
type ScoredSolution struct {
	Solution *Solution
	Score    float64
}
