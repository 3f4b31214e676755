// Command orchestratord is the substrate's single process: it loads
// the workflow/capability catalog, wires the event mesh, task store,
// agent registry, knowledge graph and one worker pool per registered
// capability, then runs the orchestrator's result loop until told to
// shut down. Mirrors the teacher's cliaimonitor main (flag-driven
// config, fmt.Fprintf-to-stderr startup failures, signal-driven
// graceful shutdown) generalized from an HTTP+MCP server to a headless
// task-driving daemon.
package main

import (
	"context"
	"database/sql"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "modernc.org/sqlite"

	"github.com/halcasteel/bookmark-orchestration-substrate/internal/agentcontract"
	"github.com/halcasteel/bookmark-orchestration-substrate/internal/config"
	"github.com/halcasteel/bookmark-orchestration-substrate/internal/events"
	"github.com/halcasteel/bookmark-orchestration-substrate/internal/knowledge"
	"github.com/halcasteel/bookmark-orchestration-substrate/internal/notifications"
	"github.com/halcasteel/bookmark-orchestration-substrate/internal/notifications/external"
	"github.com/halcasteel/bookmark-orchestration-substrate/internal/orchestrator"
	"github.com/halcasteel/bookmark-orchestration-substrate/internal/registry"
	"github.com/halcasteel/bookmark-orchestration-substrate/internal/taskstore"
	"github.com/halcasteel/bookmark-orchestration-substrate/internal/workerpool"
)

func main() {
	configPath := flag.String("config", "", "YAML configuration file (optional; built-in defaults are used if empty)")
	sqlitePathFlag := flag.String("sqlite", "", "override the task store's SQLite path")
	natsURLFlag := flag.String("nats-url", "", "NATS URL for a durable multi-process event mesh (overrides the config's nats_url; the in-memory bus is used if that URL is empty or unreachable)")
	embedNATS := flag.Bool("embed-nats", false, "run a self-hosted JetStream server instead of dialing -nats-url or an external NATS deployment")
	embedNATSDataDir := flag.String("embed-nats-dir", "", "JetStream storage directory for -embed-nats (a temp dir is used if empty)")
	demo := flag.Bool("demo", false, "submit one full_import demo task after startup and exit once it reaches a terminal state")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}
	if *sqlitePathFlag != "" {
		cfg.SQLitePath = *sqlitePathFlag
	}
	if *natsURLFlag != "" {
		cfg.NATSURL = *natsURLFlag
	}

	mesh, embedded, err := buildMesh(cfg, *embedNATS, *embedNATSDataDir)
	if err != nil {
		fmt.Fprintf(os.Stderr, "build event mesh: %v\n", err)
		os.Exit(1)
	}
	if embedded != nil {
		defer embedded.Shutdown()
	}

	db, err := sql.Open("sqlite", cfg.SQLitePath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "open sqlite %s: %v\n", cfg.SQLitePath, err)
		os.Exit(1)
	}
	defer db.Close()

	store, err := taskstore.New(db, meshEventRecorder{mesh})
	if err != nil {
		fmt.Fprintf(os.Stderr, "initialize task store: %v\n", err)
		os.Exit(1)
	}

	reg := registry.New(mesh)
	graph := knowledge.New(knowledge.Config{}, mesh)
	orc := orchestrator.New(cfg, store, reg)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	results := make(chan workerpool.JobResult, 256)
	pools := startPools(ctx, cfg, reg, results)
	defer stopPools(pools)
	registerWith(orc, pools)

	go orc.ResultLoop(ctx, results)
	go learnFromFailures(ctx, mesh, store, graph)

	fanout := buildNotifications(cfg)
	go notifyOnErrors(ctx, mesh, fanout)

	fmt.Println("orchestratord: started")
	fmt.Printf("orchestratord: %d capabilities, %d workflows, sqlite=%s\n", len(cfg.Capabilities), len(cfg.Workflows), cfg.SQLitePath)

	if *demo {
		runDemo(ctx, orc, store)
		return
	}

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, os.Interrupt, syscall.SIGTERM)
	<-shutdown
	fmt.Println("orchestratord: shutting down")
}

// buildMesh picks a transport in priority order: a self-hosted
// JetStream server (-embed-nats, for a single-binary deployment with no
// external NATS dependency), an external NATS URL, or the in-memory
// bus — the same config-presence-decides-transport posture as the
// teacher's NATS client, which only dials when a URL is actually set.
// The returned *events.EmbeddedServer is non-nil only when this process
// started its own server, so main can shut it down on exit.
func buildMesh(cfg *config.Config, embedNATS bool, embedDataDir string) (events.Mesh, *events.EmbeddedServer, error) {
	if embedNATS {
		if embedDataDir == "" {
			dir, err := os.MkdirTemp("", "orchestratord-nats-*")
			if err != nil {
				return nil, nil, fmt.Errorf("create jetstream data dir: %w", err)
			}
			embedDataDir = dir
		}
		srv, err := events.NewEmbeddedServer(events.EmbeddedServerConfig{JetStream: true, DataDir: embedDataDir})
		if err != nil {
			return nil, nil, fmt.Errorf("configure embedded NATS server: %w", err)
		}
		if err := srv.Start(); err != nil {
			return nil, nil, fmt.Errorf("start embedded NATS server: %w", err)
		}
		mesh, err := events.NewNatsMesh(srv.ClientURL())
		if err != nil {
			srv.Shutdown()
			return nil, nil, fmt.Errorf("connect to embedded NATS server: %w", err)
		}
		fmt.Printf("orchestratord: embedded NATS server listening at %s (jetstream dir %s)\n", srv.ClientURL(), embedDataDir)
		return mesh, srv, nil
	}

	if cfg.NATSURL == "" {
		return events.NewBus(nil), nil, nil
	}
	mesh, err := events.NewNatsMesh(cfg.NATSURL)
	if err != nil {
		fmt.Fprintf(os.Stderr, "warning: could not reach NATS at %s, falling back to in-memory bus: %v\n", cfg.NATSURL, err)
		return events.NewBus(nil), nil, nil
	}
	return mesh, nil, nil
}

// meshEventRecorder adapts events.Mesh to taskstore.EventRecorder,
// keeping taskstore itself leaf-level (it never imports events).
type meshEventRecorder struct {
	mesh events.Mesh
}

func (r meshEventRecorder) RecordTaskEvent(ctx context.Context, kind string, task *taskstore.Task, extra map[string]interface{}) {
	payload := map[string]interface{}{"task_id": task.ID, "status": string(task.Status), "step": task.CurrentStep}
	for k, v := range extra {
		payload[k] = v
	}
	if _, err := r.mesh.Publish("tasks", events.New(events.Type(kind), "taskstore", events.PriorityNormal, payload)); err != nil {
		fmt.Fprintf(os.Stderr, "orchestratord: publish task event %s: %v\n", kind, err)
	}
}

// startPools constructs and starts one worker pool per registered
// capability card, backed by the demo in-process agents (spec §1
// excludes real agent business logic — these are deterministic
// stand-ins, wired exactly as the capability cards declare).
func startPools(ctx context.Context, cfg *config.Config, reg *registry.Registry, results chan workerpool.JobResult) map[string]*workerpool.Pool {
	demoAgents := map[string]agentcontract.Agent{
		"import":         agentcontract.ImportAgent{},
		"validation":     agentcontract.ValidationAgent{},
		"enrichment":     &agentcontract.FaultyEnrichmentAgent{},
		"categorization": agentcontract.CategorizationAgent{},
		"embedding":      agentcontract.EmbeddingAgent{},
	}

	pools := make(map[string]*workerpool.Pool, len(cfg.Capabilities))
	for agentType, card := range cfg.Capabilities {
		agent, ok := demoAgents[agentType]
		if !ok {
			fmt.Fprintf(os.Stderr, "orchestratord: no demo agent wired for capability %q, skipping\n", agentType)
			continue
		}
		if _, err := reg.Register(card); err != nil {
			fmt.Fprintf(os.Stderr, "orchestratord: register %s: %v\n", agentType, err)
			continue
		}
		if err := reg.Initialize(agentType); err != nil {
			fmt.Fprintf(os.Stderr, "orchestratord: initialize %s: %v\n", agentType, err)
			continue
		}

		onBackpressure := func(agentType string, draining bool) {
			if draining {
				reg.Drain(agentType)
			} else {
				reg.Resume(agentType)
			}
		}
		pool := workerpool.New(agentType, agent, card, onBackpressure, results)
		pool.Start(ctx)
		pools[agentType] = pool
	}
	return pools
}

func stopPools(pools map[string]*workerpool.Pool) {
	for _, p := range pools {
		p.Stop()
	}
}

// registerWith lets main wire each pool into the orchestrator; kept
// separate from startPools so the orchestrator only ever sees the
// narrow Dispatcher interface.
func registerWith(orc *orchestrator.Orchestrator, pools map[string]*workerpool.Pool) {
	for agentType, pool := range pools {
		orc.RegisterPool(agentType, pool)
	}
}

// learnFromFailures subscribes to the tasks stream and feeds every
// task_failed event into the knowledge graph as a Problem occurrence,
// closing the loop spec §4.6 describes between operations and memory.
func learnFromFailures(ctx context.Context, mesh events.Mesh, store *taskstore.Store, graph *knowledge.Graph) {
	ch, err := mesh.Subscribe("tasks", "knowledge-learner", events.Filter{Types: []events.Type{events.TaskFailed}})
	if err != nil {
		fmt.Fprintf(os.Stderr, "orchestratord: subscribe for learning: %v\n", err)
		return
	}
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-ch:
			if !ok {
				return
			}
			taskID, _ := ev.Payload["task_id"].(string)
			task, err := store.GetTask(taskID)
			if err != nil {
				continue
			}
			problem, _, err := graph.AddProblem(task.CurrentAgentType(), task.LastErrorDetail, []string{task.LastErrorDetail}, knowledge.SeverityMedium, map[string]interface{}{"task_id": taskID})
			if err != nil {
				fmt.Fprintf(os.Stderr, "orchestratord: record problem for task %s: %v\n", taskID, err)
				continue
			}
			graph.MaybeExtractPattern(problem.ID)
			mesh.Ack("tasks", "knowledge-learner", ev.Seq)
		}
	}
}

// buildNotifications always wires the local toast/terminal/banner sink
// (spec §1 excludes the outer notification surface, but the transport
// contract and its one in-process collaborator still get wired) plus any
// externally configured webhook sinks.
func buildNotifications(cfg *config.Config) *notifications.Fanout {
	sinks := []notifications.Sink{
		notifications.NewToastSink(notifications.NewDefaultManager()),
	}
	if url := os.Getenv("ORCHESTRATORD_SLACK_WEBHOOK_URL"); url != "" {
		sinks = append(sinks, notifications.NewSlackSink(external.SlackConfig{WebhookURL: url}))
	}
	if url := os.Getenv("ORCHESTRATORD_DISCORD_WEBHOOK_URL"); url != "" {
		sinks = append(sinks, notifications.NewDiscordSink(external.DiscordConfig{WebhookURL: url}))
	}
	return notifications.NewFanout(sinks...)
}

func notifyOnErrors(ctx context.Context, mesh events.Mesh, fanout *notifications.Fanout) {
	ch, err := mesh.Subscribe("tasks", "notifications", events.Filter{Types: []events.Type{events.TaskFailed}})
	if err != nil {
		fmt.Fprintf(os.Stderr, "orchestratord: subscribe for notifications: %v\n", err)
		return
	}
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-ch:
			if !ok {
				return
			}
			taskID, _ := ev.Payload["task_id"].(string)
			msg := taskstore.Message{TaskID: taskID, Type: taskstore.MessageError, Content: fmt.Sprintf("task %s failed", taskID)}
			fanout.Notify(ctx, taskID, msg)
			mesh.Ack("tasks", "notifications", ev.Seq)
		}
	}
}

func runDemo(ctx context.Context, orc *orchestrator.Orchestrator, store *taskstore.Store) {
	task, err := orc.SubmitTask(ctx, "full_import", map[string]interface{}{"filePath": "/tmp/demo-bookmarks.html"}, "demo-user", 0)
	if err != nil {
		fmt.Fprintf(os.Stderr, "orchestratord: demo submit failed: %v\n", err)
		os.Exit(1)
	}

	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		t, err := store.GetTask(task.ID)
		if err == nil && taskstore.IsTerminal(t.Status) {
			fmt.Printf("orchestratord: demo task %s finished as %s\n", t.ID, t.Status)
			return
		}
		time.Sleep(50 * time.Millisecond)
	}
	fmt.Fprintf(os.Stderr, "orchestratord: demo task %s did not finish within timeout\n", task.ID)
	os.Exit(1)
}
