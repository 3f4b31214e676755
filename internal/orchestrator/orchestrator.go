// Package orchestrator drives tasks through their workflow's agent
// sequence (spec C4): resolves the workflow catalog, validates inputs
// before dispatch, enqueues idempotent jobs on the worker pool owning
// the current step's agent type, and advances/terminates tasks as
// results come back. Generalizes the teacher's
// internal/supervisor/dispatcher.go (context+cancel pairing per
// dispatch) and executor.go (priority-sorted plan execution) from
// spawning OS-process agents to driving in-process worker pools.
package orchestrator

import (
	"context"
	"fmt"
	"log"
	"sync"

	"github.com/halcasteel/bookmark-orchestration-substrate/internal/config"
	"github.com/halcasteel/bookmark-orchestration-substrate/internal/orcherr"
	"github.com/halcasteel/bookmark-orchestration-substrate/internal/registry"
	"github.com/halcasteel/bookmark-orchestration-substrate/internal/taskstore"
	"github.com/halcasteel/bookmark-orchestration-substrate/internal/workerpool"
)

// Dispatcher is the narrow view of workerpool.Pool the orchestrator
// needs, keyed by agent type in Orchestrator.pools. Accepting the
// interface (rather than *workerpool.Pool directly) keeps this package
// unit-testable with a fake pool.
type Dispatcher interface {
	Submit(job workerpool.Job)
	Cancel(taskID string)
}

// Orchestrator is the single driver advancing every task through its
// workflow. Safe for concurrent use; ResultLoop must be run in its own
// goroutine to drain worker pool results.
type Orchestrator struct {
	cfg   *config.Config
	store *taskstore.Store
	reg   *registry.Registry

	mu    sync.RWMutex
	pools map[string]Dispatcher
}

// New creates an Orchestrator. Pools are registered separately via
// RegisterPool once cmd/orchestratord has constructed one per
// capability card.
func New(cfg *config.Config, store *taskstore.Store, reg *registry.Registry) *Orchestrator {
	return &Orchestrator{
		cfg:   cfg,
		store: store,
		reg:   reg,
		pools: make(map[string]Dispatcher),
	}
}

// RegisterPool attaches the dispatcher backing one agent type.
func (o *Orchestrator) RegisterPool(agentType string, pool Dispatcher) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.pools[agentType] = pool
}

func (o *Orchestrator) pool(agentType string) (Dispatcher, bool) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	p, ok := o.pools[agentType]
	return p, ok
}

// SubmitTask resolves taskType against the workflow catalog (spec §6.2:
// "type" is the workflow kind, e.g. "full_import"), creates the task at
// step 0, and dispatches its first step. Returns the created task even
// if the first dispatch fails validation — the task is left in its
// resulting terminal/failed state for the caller to inspect.
func (o *Orchestrator) SubmitTask(ctx context.Context, taskType string, taskContext map[string]interface{}, user string, priority int) (*taskstore.Task, error) {
	wf, ok := o.cfg.WorkflowByName(taskType)
	if !ok {
		return nil, orcherr.New(orcherr.InvalidInput, fmt.Sprintf("unknown workflow %q", taskType))
	}

	task, err := o.store.CreateTask(ctx, taskType, taskContext, user, wf.Steps, priority)
	if err != nil {
		return nil, err
	}

	if _, err := o.store.TransitionTask(ctx, task.ID, taskstore.StatusPending, 0, func(t *taskstore.Task) {
		t.Status = taskstore.StatusRunning
	}); err != nil {
		return task, err
	}
	task.Status = taskstore.StatusRunning

	if err := o.dispatchStep(ctx, task, wf); err != nil {
		if current, gerr := o.store.GetTask(task.ID); gerr == nil && taskstore.IsTerminal(current.Status) {
			return current, nil
		}
		return task, err
	}
	return task, nil
}

// dispatchStep validates task.context against the current step's
// declared inputs and enqueues a job, failing the task immediately
// (InvalidInput, never retried) on validation failure per spec §4.4.
func (o *Orchestrator) dispatchStep(ctx context.Context, task *taskstore.Task, wf config.Workflow) error {
	agentType := task.CurrentAgentType()
	if agentType == "" {
		return o.completeTask(ctx, task)
	}

	card, err := o.reg.Resolve(agentType)
	if err != nil {
		return o.failTask(ctx, task, orcherr.New(orcherr.InvalidInput, fmt.Sprintf("agent %s not registered", agentType)))
	}

	if err := validateInputs(task.Context, card); err != nil {
		return o.failTask(ctx, task, err)
	}

	p, ok := o.pool(agentType)
	if !ok {
		return o.failTask(ctx, task, orcherr.New(orcherr.Unavailable, fmt.Sprintf("no worker pool for agent %s", agentType)))
	}

	p.Submit(workerpool.Job{
		TaskID:      task.ID,
		AgentType:   agentType,
		Step:        task.CurrentStep,
		Attempt:     task.Attempt,
		Priority:    task.Priority,
		User:        task.User,
		Context:     cloneContext(task.Context),
		RetryPolicy: wf.RetryPolicy,
	})
	return nil
}

// validateInputs checks every required declared input is present,
// either as a bare key or under any "<agent_type>.field" namespace
// (spec §4.4 — the orchestrator doesn't know which upstream step
// produced it, only that some namespaced or bare entry exists).
func validateInputs(taskContext map[string]interface{}, card config.CapabilityCard) error {
	for field, spec := range card.Inputs {
		if !spec.Required {
			continue
		}
		if _, ok := taskContext[field]; ok {
			continue
		}
		found := false
		suffix := "." + field
		for k := range taskContext {
			if len(k) > len(suffix) && k[len(k)-len(suffix):] == suffix {
				found = true
				break
			}
		}
		if !found {
			return orcherr.New(orcherr.InvalidInput, fmt.Sprintf("missing required input %q for agent %s", field, card.AgentType))
		}
	}
	return nil
}

func cloneContext(ctx map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(ctx))
	for k, v := range ctx {
		out[k] = v
	}
	return out
}

// HandleResult applies one worker pool result to its task: advances on
// completion, fails the task on a non-retried failure, or simply logs
// a scheduled retry (the pool itself re-submits).
func (o *Orchestrator) HandleResult(ctx context.Context, r workerpool.JobResult) {
	task, err := o.store.GetTask(r.Job.TaskID)
	if err != nil {
		log.Printf("[ORCHESTRATOR] result for unknown task %s: %v", r.Job.TaskID, err)
		return
	}

	switch r.Outcome {
	case workerpool.OutcomeRetryScheduled:
		o.store.AppendMessage(ctx, &taskstore.Message{
			TaskID: task.ID, AgentType: r.Job.AgentType, Type: taskstore.MessageProgress,
			Content: fmt.Sprintf("step %d retry scheduled: %v", r.Job.Step, r.Err),
		})
	case workerpool.OutcomeCompleted:
		o.advance(ctx, task, r)
	case workerpool.OutcomeFailed:
		o.handleFailure(ctx, task, r)
	}
}

func (o *Orchestrator) advance(ctx context.Context, task *taskstore.Task, r workerpool.JobResult) {
	agentType := r.Job.AgentType
	outputTag := agentType
	if card, err := o.reg.Resolve(agentType); err == nil && card.OutputTag != "" {
		outputTag = card.OutputTag
	}

	if _, _, err := o.store.AppendArtifact(ctx, task.ID, agentType, r.Job.Step, outputTag, "application/json", r.Result.ArtifactData); err != nil {
		log.Printf("[ORCHESTRATOR] append artifact for task %s step %d: %v", task.ID, r.Job.Step, err)
		return
	}
	for _, pm := range r.Result.ProgressMessages {
		o.store.AppendMessage(ctx, &taskstore.Message{
			TaskID: task.ID, AgentType: agentType, Type: taskstore.MessageProgress,
			Content: pm.Content, Metadata: map[string]interface{}{"progress": pm.Progress},
		})
	}

	updated, err := o.store.TransitionTask(ctx, task.ID, taskstore.StatusRunning, r.Job.Step, func(t *taskstore.Task) {
		mergeNamespaced(t.Context, agentType, r.Result.ArtifactData)
		t.Attempt = 0
		if t.IsLastStep() {
			t.Status = taskstore.StatusCompleted
		} else {
			t.CurrentStep++
			t.CurrentAgent = t.CurrentAgentType()
		}
	})
	if err != nil {
		log.Printf("[ORCHESTRATOR] advance task %s: %v", task.ID, err)
		return
	}

	if updated.Status == taskstore.StatusCompleted {
		o.store.AppendMessage(ctx, &taskstore.Message{
			TaskID: task.ID, AgentType: agentType, Type: taskstore.MessageCompletion,
			Content: "workflow complete", Metadata: map[string]interface{}{"progress": 100},
		})
		return
	}

	workflow, ok := o.cfg.WorkflowByName(workflowNameFor(updated))
	if !ok {
		// Ad-hoc workflow with no catalog entry under this name: still
		// dispatch the resolved step sequence, with the default retry
		// policy rather than none.
		workflow = config.Workflow{Steps: updated.Workflow, RetryPolicy: config.DefaultRetryPolicy()}
	}
	if err := o.dispatchStep(ctx, updated, workflow); err != nil {
		log.Printf("[ORCHESTRATOR] dispatch next step for task %s: %v", task.ID, err)
	}
}

// workflowNameFor recovers the catalog name a task was submitted
// under: task.Type IS the workflow kind (spec §6.2).
func workflowNameFor(task *taskstore.Task) string {
	return task.Type
}

func (o *Orchestrator) handleFailure(ctx context.Context, task *taskstore.Task, r workerpool.JobResult) {
	kind := orcherr.KindOf(r.Err)
	_, err := o.store.TransitionTask(ctx, task.ID, taskstore.StatusRunning, r.Job.Step, func(t *taskstore.Task) {
		t.Status = taskstore.StatusFailed
		t.LastErrorKind = string(kind)
		if r.Err != nil {
			t.LastErrorDetail = r.Err.Error()
		}
	})
	if err != nil {
		log.Printf("[ORCHESTRATOR] fail task %s: %v", task.ID, err)
		return
	}
	o.store.AppendMessage(ctx, &taskstore.Message{
		TaskID: task.ID, AgentType: r.Job.AgentType, Type: taskstore.MessageError,
		Content: fmt.Sprintf("step %d failed: %v", r.Job.Step, r.Err),
	})
}

func (o *Orchestrator) failTask(ctx context.Context, task *taskstore.Task, cause error) error {
	kind := orcherr.KindOf(cause)
	_, err := o.store.TransitionTask(ctx, task.ID, task.Status, task.CurrentStep, func(t *taskstore.Task) {
		t.Status = taskstore.StatusFailed
		t.LastErrorKind = string(kind)
		t.LastErrorDetail = cause.Error()
	})
	if err != nil {
		return err
	}
	o.store.AppendMessage(ctx, &taskstore.Message{
		TaskID: task.ID, AgentType: task.CurrentAgentType(), Type: taskstore.MessageError,
		Content: cause.Error(),
	})
	return cause
}

func (o *Orchestrator) completeTask(ctx context.Context, task *taskstore.Task) error {
	_, err := o.store.TransitionTask(ctx, task.ID, task.Status, task.CurrentStep, func(t *taskstore.Task) {
		t.Status = taskstore.StatusCompleted
	})
	return err
}

// mergeNamespaced writes every key of data into ctx under
// "<agentType>.<field>", never overwriting an existing bare key (spec
// §4.4: merge conflicts between agents are kept as separate namespaced
// entries, never overwritten).
func mergeNamespaced(ctx map[string]interface{}, agentType string, data map[string]interface{}) {
	for k, v := range data {
		ctx[agentType+"."+k] = v
	}
}

// Pause transitions a running task to paused; in-flight work for its
// current step is left to finish (the worker pool has no knowledge of
// pause, only cancellation), matching spec's cooperative-only stop
// model.
func (o *Orchestrator) Pause(ctx context.Context, taskID string) error {
	task, err := o.store.GetTask(taskID)
	if err != nil {
		return err
	}
	_, err = o.store.TransitionTask(ctx, taskID, taskstore.StatusRunning, task.CurrentStep, func(t *taskstore.Task) {
		t.Status = taskstore.StatusPaused
	})
	return err
}

// Resume transitions a paused task back to running and re-dispatches
// its current step.
func (o *Orchestrator) Resume(ctx context.Context, taskID string) error {
	task, err := o.store.GetTask(taskID)
	if err != nil {
		return err
	}
	updated, err := o.store.TransitionTask(ctx, taskID, taskstore.StatusPaused, task.CurrentStep, func(t *taskstore.Task) {
		t.Status = taskstore.StatusRunning
	})
	if err != nil {
		return err
	}
	wf, _ := o.cfg.WorkflowByName(workflowNameFor(updated))
	return o.dispatchStep(ctx, updated, wf)
}

// Cancel trips cooperative cancellation on the task's current pool and
// marks it cancelled. Safe to call from any non-terminal status.
func (o *Orchestrator) Cancel(ctx context.Context, taskID string) error {
	task, err := o.store.GetTask(taskID)
	if err != nil {
		return err
	}
	if p, ok := o.pool(task.CurrentAgentType()); ok {
		p.Cancel(taskID)
	}
	_, err = o.store.TransitionTask(ctx, taskID, task.Status, task.CurrentStep, func(t *taskstore.Task) {
		t.Status = taskstore.StatusCancelled
	})
	return err
}

// ResultLoop drains results until ctx is cancelled; run it in its own
// goroutine once pools are registered.
func (o *Orchestrator) ResultLoop(ctx context.Context, results <-chan workerpool.JobResult) {
	for {
		select {
		case <-ctx.Done():
			return
		case r, ok := <-results:
			if !ok {
				return
			}
			o.HandleResult(ctx, r)
		}
	}
}
