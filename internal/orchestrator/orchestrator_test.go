package orchestrator

import (
	"context"
	"database/sql"
	"strings"
	"testing"
	"time"

	_ "modernc.org/sqlite"

	"github.com/halcasteel/bookmark-orchestration-substrate/internal/agentcontract"
	"github.com/halcasteel/bookmark-orchestration-substrate/internal/config"
	"github.com/halcasteel/bookmark-orchestration-substrate/internal/orcherr"
	"github.com/halcasteel/bookmark-orchestration-substrate/internal/registry"
	"github.com/halcasteel/bookmark-orchestration-substrate/internal/taskstore"
	"github.com/halcasteel/bookmark-orchestration-substrate/internal/workerpool"
)

// testHarness wires a real Store, Registry and a workerpool.Pool per
// demo agent behind an Orchestrator, the same shape
// cmd/orchestratord assembles at startup.
type testHarness struct {
	store *taskstore.Store
	reg   *registry.Registry
	orc   *Orchestrator
	pools map[string]*workerpool.Pool
	cfg   *config.Config
}

func newHarness(t *testing.T) *testHarness {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { db.Close() })

	store, err := taskstore.New(db, nil)
	if err != nil {
		t.Fatal(err)
	}

	reg := registry.New(nil)
	cfg := config.Default()
	orc := New(cfg, store, reg)

	h := &testHarness{store: store, reg: reg, orc: orc, pools: make(map[string]*workerpool.Pool), cfg: cfg}
	return h
}

func (h *testHarness) wireAgent(t *testing.T, agentType string, agent agentcontract.Agent, results chan workerpool.JobResult) {
	t.Helper()
	card, ok := h.cfg.Capability(agentType)
	if !ok {
		t.Fatalf("no default capability card for %s", agentType)
	}
	if _, err := h.reg.Register(card); err != nil {
		t.Fatalf("register %s: %v", agentType, err)
	}
	if err := h.reg.Initialize(agentType); err != nil {
		t.Fatalf("initialize %s: %v", agentType, err)
	}
	pool := workerpool.New(agentType, agent, card, nil, results)
	h.pools[agentType] = pool
	h.orc.RegisterPool(agentType, pool)
}

func (h *testHarness) startAll(ctx context.Context) {
	for _, p := range h.pools {
		p.Start(ctx)
	}
}

func (h *testHarness) stopAll() {
	for _, p := range h.pools {
		p.Stop()
	}
}

func waitForTerminal(t *testing.T, store *taskstore.Store, taskID string, timeout time.Duration) *taskstore.Task {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		task, err := store.GetTask(taskID)
		if err != nil {
			t.Fatalf("GetTask: %v", err)
		}
		if taskstore.IsTerminal(task.Status) {
			return task
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("task %s did not reach a terminal state within %s", taskID, timeout)
	return nil
}

// TestFullImportHappyPath exercises spec end-to-end scenario 1: all
// five steps run in order, context accumulates namespaced keys, and
// the task completes.
func TestFullImportHappyPath(t *testing.T) {
	h := newHarness(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	results := make(chan workerpool.JobResult, 64)
	h.wireAgent(t, "import", agentcontract.ImportAgent{}, results)
	h.wireAgent(t, "validation", agentcontract.ValidationAgent{}, results)
	h.wireAgent(t, "enrichment", &agentcontract.FaultyEnrichmentAgent{}, results)
	h.wireAgent(t, "categorization", agentcontract.CategorizationAgent{}, results)
	h.wireAgent(t, "embedding", agentcontract.EmbeddingAgent{}, results)
	h.startAll(ctx)
	defer h.stopAll()

	go h.orc.ResultLoop(ctx, results)

	task, err := h.orc.SubmitTask(ctx, "full_import", map[string]interface{}{"filePath": "/tmp/bookmarks.html"}, "u1", 0)
	if err != nil {
		t.Fatalf("SubmitTask: %v", err)
	}

	final := waitForTerminal(t, h.store, task.ID, 5*time.Second)
	if final.Status != taskstore.StatusCompleted {
		t.Fatalf("expected completed, got %s (%s: %s)", final.Status, final.LastErrorKind, final.LastErrorDetail)
	}

	artifacts, err := h.store.GetArtifacts(task.ID)
	if err != nil {
		t.Fatalf("GetArtifacts: %v", err)
	}
	wantOrder := []string{"import", "validation", "enrichment", "categorization", "embedding"}
	if len(artifacts) != len(wantOrder) {
		t.Fatalf("expected %d artifacts, got %d", len(wantOrder), len(artifacts))
	}
	for i, a := range artifacts {
		if a.AgentType != wantOrder[i] {
			t.Fatalf("artifact %d: expected agent %s, got %s", i, wantOrder[i], a.AgentType)
		}
	}

	for _, agentType := range wantOrder {
		found := false
		for k := range final.Context {
			if len(k) > len(agentType)+1 && k[:len(agentType)+1] == agentType+"." {
				found = true
				break
			}
		}
		if !found {
			t.Fatalf("expected a namespaced context key for %s, context=%+v", agentType, final.Context)
		}
	}

	messages, err := h.store.GetMessages(task.ID)
	if err != nil {
		t.Fatalf("GetMessages: %v", err)
	}
	last := messages[len(messages)-1]
	if last.Type != taskstore.MessageCompletion {
		t.Fatalf("expected a trailing completion message, got %s", last.Type)
	}
}

// TestRetryThenSucceed exercises spec scenario 2: an agent that times
// out twice then succeeds completes the task, with a retry-scheduled
// progress message recorded for each timeout.
func TestRetryThenSucceed(t *testing.T) {
	h := newHarness(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	results := make(chan workerpool.JobResult, 64)
	h.wireAgent(t, "import", agentcontract.ImportAgent{}, results)
	h.wireAgent(t, "validation", agentcontract.ValidationAgent{}, results)
	h.wireAgent(t, "enrichment", &agentcontract.FaultyEnrichmentAgent{FailFirstN: 2}, results)
	h.wireAgent(t, "categorization", agentcontract.CategorizationAgent{}, results)
	h.wireAgent(t, "embedding", agentcontract.EmbeddingAgent{}, results)
	h.startAll(ctx)
	defer h.stopAll()

	go h.orc.ResultLoop(ctx, results)

	task, err := h.orc.SubmitTask(ctx, "full_import", map[string]interface{}{"filePath": "/tmp/bookmarks.html"}, "u1", 0)
	if err != nil {
		t.Fatalf("SubmitTask: %v", err)
	}

	final := waitForTerminal(t, h.store, task.ID, 5*time.Second)
	if final.Status != taskstore.StatusCompleted {
		t.Fatalf("expected completed, got %s", final.Status)
	}

	messages, err := h.store.GetMessages(task.ID)
	if err != nil {
		t.Fatalf("GetMessages: %v", err)
	}
	errorMessages := 0
	for _, m := range messages {
		if m.AgentType == "enrichment" && m.Type == taskstore.MessageProgress && strings.Contains(m.Content, "retry scheduled") {
			errorMessages++
		}
	}
	if errorMessages < 2 {
		t.Fatalf("expected at least 2 retry-scheduled progress messages for enrichment, got %d", errorMessages)
	}
}

// TestPermanentFailure exercises spec scenario 3: a non-retryable
// failure fails the task with the originating kind recorded.
func TestPermanentFailure(t *testing.T) {
	h := newHarness(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	results := make(chan workerpool.JobResult, 64)
	h.wireAgent(t, "import", alwaysPermanentAgent{}, results)
	h.startAll(ctx)
	defer h.stopAll()

	go h.orc.ResultLoop(ctx, results)

	task, err := h.orc.SubmitTask(ctx, "quick_import", map[string]interface{}{"filePath": "/tmp/x.html"}, "u1", 0)
	if err != nil {
		t.Fatalf("SubmitTask: %v", err)
	}

	final := waitForTerminal(t, h.store, task.ID, 5*time.Second)
	if final.Status != taskstore.StatusFailed {
		t.Fatalf("expected failed, got %s", final.Status)
	}
	if final.LastErrorKind != "permanent" {
		t.Fatalf("expected last_error_kind=permanent, got %s", final.LastErrorKind)
	}
}

// TestMissingRequiredInputFailsFast exercises spec's InvalidInput path:
// a required capability-card input absent from context must fail the
// task immediately, without ever dispatching a job.
func TestMissingRequiredInputFailsFast(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	cardWithRequiredInput := h.cfg.Capabilities["import"]
	cardWithRequiredInput.Inputs = map[string]config.InputSpec{"filePath": {Type: "string", Required: true}}
	h.cfg.Capabilities["import"] = cardWithRequiredInput

	results := make(chan workerpool.JobResult, 8)
	h.wireAgent(t, "import", agentcontract.ImportAgent{}, results)

	task, err := h.orc.SubmitTask(ctx, "quick_import", map[string]interface{}{}, "u1", 0)
	if err != nil {
		t.Fatalf("SubmitTask: %v", err)
	}

	final, err := h.store.GetTask(task.ID)
	if err != nil {
		t.Fatalf("GetTask: %v", err)
	}
	if final.Status != taskstore.StatusFailed {
		t.Fatalf("expected failed due to missing input, got %s", final.Status)
	}
	if final.LastErrorKind != "invalid_input" {
		t.Fatalf("expected invalid_input, got %s", final.LastErrorKind)
	}
}

// TestCancelMidFlight exercises spec scenario 4: cancelling a task
// trips cooperative cancellation and the task lands in Cancelled.
func TestCancelMidFlight(t *testing.T) {
	h := newHarness(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	blockAgent := &blockingAgent{started: make(chan struct{}), release: make(chan struct{})}
	results := make(chan workerpool.JobResult, 8)
	h.wireAgent(t, "import", blockAgent, results)
	h.startAll(ctx)
	defer h.stopAll()
	defer close(blockAgent.release)

	go h.orc.ResultLoop(ctx, results)

	task, err := h.orc.SubmitTask(ctx, "quick_import", map[string]interface{}{"filePath": "/tmp/x.html"}, "u1", 0)
	if err != nil {
		t.Fatalf("SubmitTask: %v", err)
	}

	<-blockAgent.started
	if err := h.orc.Cancel(ctx, task.ID); err != nil {
		t.Fatalf("Cancel: %v", err)
	}

	final, err := h.store.GetTask(task.ID)
	if err != nil {
		t.Fatalf("GetTask: %v", err)
	}
	if final.Status != taskstore.StatusCancelled {
		t.Fatalf("expected cancelled, got %s", final.Status)
	}
}

type alwaysPermanentAgent struct{}

func (alwaysPermanentAgent) Execute(ctx context.Context, view agentcontract.TaskView) (agentcontract.Result, error) {
	return agentcontract.Result{}, orcherr.New(orcherr.Permanent, "upstream rejected the request")
}

type blockingAgent struct {
	started chan struct{}
	release chan struct{}
}

func (a *blockingAgent) Execute(ctx context.Context, view agentcontract.TaskView) (agentcontract.Result, error) {
	close(a.started)
	select {
	case <-view.Cancelled:
		return agentcontract.Result{}, view.CheckCancelled()
	case <-a.release:
		return agentcontract.Result{}, nil
	case <-ctx.Done():
		return agentcontract.Result{}, ctx.Err()
	}
}
