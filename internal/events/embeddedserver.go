package events

import (
	"fmt"
	"sync"
	"time"

	natsserver "github.com/nats-io/nats-server/v2/server"
)

// EmbeddedServerConfig configures a self-hosted NATS JetStream server,
// so orchestratord can run durable multi-process delivery without an
// externally managed NATS deployment.
type EmbeddedServerConfig struct {
	Port      int    // 0 picks a random free port
	JetStream bool   // always true in practice; NatsMesh requires it
	DataDir   string // JetStream file storage location
}

// EmbeddedServer wraps an in-process NATS server, adapted from the
// teacher's internal/nats.EmbeddedServer (WebSocket support dropped:
// spec.md places the outer transport surface out of scope, this mesh
// only ever speaks NATS to in-process or sibling-process Go clients).
type EmbeddedServer struct {
	mu      sync.RWMutex
	server  *natsserver.Server
	config  EmbeddedServerConfig
	running bool
}

// NewEmbeddedServer validates config and returns an unstarted server.
func NewEmbeddedServer(config EmbeddedServerConfig) (*EmbeddedServer, error) {
	if config.JetStream && config.DataDir == "" {
		return nil, fmt.Errorf("DataDir is required when JetStream is enabled")
	}
	return &EmbeddedServer{config: config}, nil
}

// Start launches the server and blocks until it accepts connections.
func (e *EmbeddedServer) Start() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.running {
		return fmt.Errorf("embedded NATS server already running")
	}

	port := e.config.Port
	if port == 0 {
		port = -1 // ask the OS for a free port, matching the teacher's test-server idiom
	}

	opts := &natsserver.Options{
		Host:       "127.0.0.1",
		Port:       port,
		NoSigs:     true,
		MaxPayload: 1024 * 1024,
	}
	if e.config.JetStream {
		opts.JetStream = true
		opts.StoreDir = e.config.DataDir
	}

	ns, err := natsserver.NewServer(opts)
	if err != nil {
		return fmt.Errorf("create embedded NATS server: %w", err)
	}

	go ns.Start()
	if !ns.ReadyForConnections(10 * time.Second) {
		return fmt.Errorf("embedded NATS server not ready for connections")
	}

	e.server = ns
	e.running = true
	return nil
}

// Shutdown gracefully stops the server and waits for it to exit.
func (e *EmbeddedServer) Shutdown() {
	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.running || e.server == nil {
		return
	}
	e.server.Shutdown()
	e.server.WaitForShutdown()
	e.running = false
	e.server = nil
}

// ClientURL returns the URL NewNatsMesh should connect to.
func (e *EmbeddedServer) ClientURL() string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.server == nil {
		return ""
	}
	return e.server.ClientURL()
}

// IsRunning reports whether the server has completed startup.
func (e *EmbeddedServer) IsRunning() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.running
}
