// Package registry holds the capability cards of every known agent
// type and drives their lifecycle (spec C3 Agent Registry). It is the
// single serialization point for registration: concurrent Register or
// Initialize calls for the same agent type collapse to one record,
// the same register-if-absent idiom the teacher uses for its
// mutex-protected maps (internal/tasks.Queue, internal/events.Bus).
package registry

import (
	"fmt"
	"sync"
	"time"

	"github.com/halcasteel/bookmark-orchestration-substrate/internal/config"
	"github.com/halcasteel/bookmark-orchestration-substrate/internal/events"
	"github.com/halcasteel/bookmark-orchestration-substrate/internal/orcherr"
)

// Status is an agent's position in the register->initialize->active->
// draining->offline lifecycle (spec §4.3).
type Status string

const (
	StatusRegistering Status = "registering"
	StatusActive      Status = "active"
	StatusDraining    Status = "draining"
	StatusOffline     Status = "offline"
)

// Record is the runtime state the registry keeps for one agent type,
// layered on top of its static capability card.
type Record struct {
	Card            config.CapabilityCard
	Status          Status
	RegisteredAt    time.Time
	LastHealthCheck time.Time
	HealthOK        bool
}

func (r Record) clone() *Record {
	c := r
	return &c
}

// Registry is safe for concurrent use.
type Registry struct {
	mu     sync.RWMutex
	agents map[string]*Record
	mesh   events.Mesh
}

// New creates an empty registry. mesh may be nil (events are then
// simply not emitted, useful for unit tests).
func New(mesh events.Mesh) *Registry {
	return &Registry{agents: make(map[string]*Record), mesh: mesh}
}

// Register is idempotent: registering the same agent type and version
// any number of times converges to one entry (P4); it stays
// registering until Initialize makes it active. A
// version change on an already-registered type replaces the card but
// keeps the existing lifecycle status rather than resetting it.
func (r *Registry) Register(card config.CapabilityCard) (*Record, error) {
	if card.AgentType == "" {
		return nil, orcherr.New(orcherr.InvalidInput, "capability card missing agent_type")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	existing, ok := r.agents[card.AgentType]
	if ok && existing.Card.Version == card.Version {
		return existing.clone(), nil
	}

	now := time.Now()
	rec := &Record{Card: card, Status: StatusRegistering, RegisteredAt: now}
	if ok {
		rec.Status = existing.Status // a version bump doesn't reset lifecycle
	}
	r.agents[card.AgentType] = rec

	r.emit(events.AgentRegistered, card.AgentType, map[string]interface{}{"version": card.Version})
	return rec.clone(), nil
}

// Initialize transitions an agent from registering to active.
func (r *Registry) Initialize(agentType string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.agents[agentType]
	if !ok {
		return orcherr.New(orcherr.InvalidInput, fmt.Sprintf("agent %s is not registered", agentType))
	}
	rec.Status = StatusActive
	r.emit(events.AgentInitialized, agentType, nil)
	return nil
}

// Drain marks an agent draining: no new dispatches, in-flight jobs
// finish. Used by the worker pool's backpressure high-water mark.
func (r *Registry) Drain(agentType string) error {
	return r.setStatus(agentType, StatusDraining)
}

// Resume marks a drained agent active again once backlog subsides.
func (r *Registry) Resume(agentType string) error {
	return r.setStatus(agentType, StatusActive)
}

// Offline marks an agent unavailable for dispatch.
func (r *Registry) Offline(agentType string) error {
	return r.setStatus(agentType, StatusOffline)
}

func (r *Registry) setStatus(agentType string, status Status) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.agents[agentType]
	if !ok {
		return orcherr.New(orcherr.InvalidInput, fmt.Sprintf("agent %s is not registered", agentType))
	}
	prev := rec.Status
	rec.Status = status
	r.emit(events.AgentStatusChanged, agentType, map[string]interface{}{"from": string(prev), "to": string(status)})
	return nil
}

// Resolve returns the capability card for agentType.
func (r *Registry) Resolve(agentType string) (config.CapabilityCard, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	rec, ok := r.agents[agentType]
	if !ok {
		return config.CapabilityCard{}, orcherr.New(orcherr.InvalidInput, fmt.Sprintf("agent %s is not registered", agentType))
	}
	return rec.Card, nil
}

// IsActive reports whether an agent type can currently accept dispatch.
func (r *Registry) IsActive(agentType string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rec, ok := r.agents[agentType]
	return ok && rec.Status == StatusActive
}

// DiscoverFilter narrows Discover results.
type DiscoverFilter struct {
	Status   Status
	Protocol string
}

// Discover returns every registered agent matching filter.
func (r *Registry) Discover(filter DiscoverFilter) []*Record {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []*Record
	for _, rec := range r.agents {
		if filter.Status != "" && rec.Status != filter.Status {
			continue
		}
		if filter.Protocol != "" && !hasProtocol(rec.Card.Protocols, filter.Protocol) {
			continue
		}
		out = append(out, rec.clone())
	}
	return out
}

func hasProtocol(protocols []string, want string) bool {
	for _, p := range protocols {
		if p == want {
			return true
		}
	}
	return false
}

// RecordHealth updates an agent's health probe result and timestamp.
func (r *Registry) RecordHealth(agentType string, ok bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, exists := r.agents[agentType]
	if !exists {
		return orcherr.New(orcherr.InvalidInput, fmt.Sprintf("agent %s is not registered", agentType))
	}
	rec.LastHealthCheck = time.Now()
	rec.HealthOK = ok
	return nil
}

// HealthSummary aggregates every agent's last health probe, the same
// per-agent-type aggregation idea the teacher's metrics collector
// applies to alert thresholds, generalized to health.
func (r *Registry) HealthSummary() map[string]Record {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make(map[string]Record, len(r.agents))
	for k, v := range r.agents {
		out[k] = *v
	}
	return out
}

func (r *Registry) emit(kind events.Type, agentType string, extra map[string]interface{}) {
	if r.mesh == nil {
		return
	}
	payload := map[string]interface{}{"agent_type": agentType}
	for k, v := range extra {
		payload[k] = v
	}
	r.mesh.Publish("agents", events.New(kind, "registry", events.PriorityNormal, payload))
}
