// Package agentcontract defines the interface the worker pool invokes
// on every agent (spec §4.5/§6.3) and a handful of deterministic
// in-process agents used to exercise the pool end-to-end in tests,
// standing in for the out-of-scope "concrete agent business logic"
// (HTML bookmark parsers, AI provider clients, URL fetchers) that
// real collaborators would supply.
package agentcontract

import (
	"context"

	"github.com/halcasteel/bookmark-orchestration-substrate/internal/orcherr"
)

// TaskView is the read-only view of a task an agent receives. Agents
// must not retain the Cancelled channel past Execute returning.
type TaskView struct {
	TaskID    string
	AgentType string
	Step      int
	Attempt   int
	Context   map[string]interface{}
	Cancelled <-chan struct{}
}

// CheckCancelled is the cooperative cancellation check agents must
// call at every I/O boundary (spec §5).
func (v TaskView) CheckCancelled() error {
	select {
	case <-v.Cancelled:
		return orcherr.New(orcherr.Cancelled, "task cancelled")
	default:
		return nil
	}
}

// ProgressMessage is one progress update an agent emits during Execute.
// Progress must never decrease within a single run (P3).
type ProgressMessage struct {
	Content  string
	Progress int
}

// Result is a successful agent invocation's output.
type Result struct {
	ArtifactData     map[string]interface{}
	ProgressMessages []ProgressMessage
}

// Agent is the contract every collaborator implements (spec §6.3).
// Agents MUST be deterministic with respect to their declared inputs
// so that at-least-once retries converge on the same artifact.
type Agent interface {
	Execute(ctx context.Context, view TaskView) (Result, error)
}

// contextValue fetches a namespaced key ("<agent>.<field>") or a bare
// top-level key from a task's context, matching the orchestrator's
// merge convention (spec §4.4).
func contextValue(ctx map[string]interface{}, keys ...string) (interface{}, bool) {
	for _, k := range keys {
		if v, ok := ctx[k]; ok {
			return v, true
		}
	}
	return nil, false
}

func requireString(ctx map[string]interface{}, field string, keys ...string) (string, error) {
	v, ok := contextValue(ctx, keys...)
	if !ok {
		return "", orcherr.New(orcherr.InvalidInput, "missing required input: "+field)
	}
	s, ok := v.(string)
	if !ok {
		return "", orcherr.New(orcherr.InvalidInput, "input "+field+" is not a string")
	}
	return s, nil
}

func requireInt(ctx map[string]interface{}, field string, keys ...string) (int, error) {
	v, ok := contextValue(ctx, keys...)
	if !ok {
		return 0, orcherr.New(orcherr.InvalidInput, "missing required input: "+field)
	}
	switch n := v.(type) {
	case int:
		return n, nil
	case float64:
		return int(n), nil
	default:
		return 0, orcherr.New(orcherr.InvalidInput, "input "+field+" is not numeric")
	}
}
