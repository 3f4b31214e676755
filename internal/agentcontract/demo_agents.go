package agentcontract

import (
	"context"
	"fmt"
	"strings"
	"sync/atomic"

	"github.com/halcasteel/bookmark-orchestration-substrate/internal/orcherr"
	"github.com/halcasteel/bookmark-orchestration-substrate/pkg/vector"
)

// ImportAgent parses a bookmark file path into a deterministic count
// of discovered bookmarks (standing in for an HTML bookmark parser,
// which is out of scope per spec §1).
type ImportAgent struct{}

func (ImportAgent) Execute(ctx context.Context, view TaskView) (Result, error) {
	if err := view.CheckCancelled(); err != nil {
		return Result{}, err
	}

	filePath, err := requireString(view.Context, "filePath", "filePath")
	if err != nil {
		return Result{}, err
	}

	count := len(strings.Split(filePath, "/")) + 1 // deterministic stand-in for a real parse
	return Result{
		ArtifactData: map[string]interface{}{"bookmarks": count, "source_file": filePath},
		ProgressMessages: []ProgressMessage{
			{Content: "parsing " + filePath, Progress: 50},
			{Content: "import complete", Progress: 100},
		},
	}, nil
}

// ValidationAgent checks the import step's bookmark count and flags
// none as invalid (a real validator would fetch URLs; out of scope).
type ValidationAgent struct{}

func (ValidationAgent) Execute(ctx context.Context, view TaskView) (Result, error) {
	if err := view.CheckCancelled(); err != nil {
		return Result{}, err
	}

	count, err := requireInt(view.Context, "bookmarks", "import.bookmarks", "bookmarks")
	if err != nil {
		return Result{}, err
	}

	return Result{
		ArtifactData: map[string]interface{}{"valid_count": count, "invalid_count": 0},
		ProgressMessages: []ProgressMessage{
			{Content: "validating links", Progress: 60},
			{Content: "validation complete", Progress: 100},
		},
	}, nil
}

// FaultyEnrichmentAgent times out its first N invocations then
// succeeds, for exercising the worker pool's retry-on-timeout path
// (spec §8 scenario 2). N is per-instance so each test gets a fresh
// counter.
type FaultyEnrichmentAgent struct {
	FailFirstN int32
	calls      int32
}

func (a *FaultyEnrichmentAgent) Execute(ctx context.Context, view TaskView) (Result, error) {
	if err := view.CheckCancelled(); err != nil {
		return Result{}, err
	}

	n := atomic.AddInt32(&a.calls, 1)
	if n <= a.FailFirstN {
		return Result{}, orcherr.New(orcherr.Timeout, fmt.Sprintf("enrichment attempt %d timed out", n))
	}

	validCount, err := requireInt(view.Context, "valid_count", "validation.valid_count", "valid_count")
	if err != nil {
		return Result{}, err
	}

	return Result{
		ArtifactData: map[string]interface{}{"enriched_count": validCount, "tags_added": validCount * 2},
		ProgressMessages: []ProgressMessage{
			{Content: "enriching bookmarks", Progress: 70},
			{Content: "enrichment complete", Progress: 100},
		},
	}, nil
}

// CategorizationAgent assigns a deterministic category bucket.
type CategorizationAgent struct{}

func (CategorizationAgent) Execute(ctx context.Context, view TaskView) (Result, error) {
	if err := view.CheckCancelled(); err != nil {
		return Result{}, err
	}

	enrichedCount, err := requireInt(view.Context, "enriched_count", "enrichment.enriched_count", "enriched_count")
	if err != nil {
		return Result{}, err
	}

	category := "general"
	if enrichedCount > 10 {
		category = "bulk"
	}

	return Result{
		ArtifactData: map[string]interface{}{"category": category},
		ProgressMessages: []ProgressMessage{
			{Content: "categorizing", Progress: 80},
			{Content: "categorization complete", Progress: 100},
		},
	}, nil
}

// EmbeddingAgent produces a deterministic 1536-dim embedding of the
// category the categorization step assigned, standing in for a real AI provider
// client (out of scope per spec §1).
type EmbeddingAgent struct {
	Embed vector.Func
}

func (a EmbeddingAgent) Execute(ctx context.Context, view TaskView) (Result, error) {
	if err := view.CheckCancelled(); err != nil {
		return Result{}, err
	}

	category, err := requireString(view.Context, "category", "categorization.category", "category")
	if err != nil {
		return Result{}, err
	}

	embed := a.Embed
	if embed == nil {
		embed = vector.DeterministicStub
	}

	emb, err := embed(category)
	if err != nil {
		return Result{}, orcherr.Wrap(orcherr.Transient, "embedding provider failed", err)
	}

	return Result{
		ArtifactData: map[string]interface{}{"embedding_dims": len(emb)},
		ProgressMessages: []ProgressMessage{
			{Content: "embedding", Progress: 90},
			{Content: "embedding complete", Progress: 100},
		},
	}, nil
}
