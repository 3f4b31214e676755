// Package events implements the durable, ordered pub/sub substrate
// (spec C1 Event Mesh): per-stream FIFO delivery, independent
// consumer-group ack cursors, at-least-once delivery, and historical
// replay. Two transports share the Mesh interface — an in-memory Bus
// (adapted from the teacher's subscriber/backpressure pattern) and a
// NATS JetStream-backed Mesh for durable, multi-process delivery.
package events

import (
	"time"

	"github.com/google/uuid"
)

// Type enumerates the lifecycle/operational/learning/system event
// kinds emitted by every state transition in the substrate (spec
// §3.5). Every mutation in taskstore, registry and knowledge emits
// exactly one of these.
type Type string

const (
	TaskCreated        Type = "task_created"
	TaskTransitioned   Type = "task_transitioned"
	TaskCompleted      Type = "task_completed"
	TaskFailed         Type = "task_failed"
	TaskCancelled      Type = "task_cancelled"
	ArtifactAppended   Type = "artifact_appended"
	MessageAppended    Type = "message_appended"
	AgentRegistered    Type = "agent_registered"
	AgentInitialized   Type = "agent_initialized"
	AgentStatusChanged Type = "agent_status_changed"
	ProblemAdded       Type = "knowledge_problem_added"
	SolutionAdded      Type = "knowledge_solution_added"
	OutcomeRecorded    Type = "knowledge_outcome_recorded"
	PatternEvolved     Type = "knowledge_pattern_evolved"
	SystemBackpressure Type = "system_backpressure"
)

// Priority mirrors the teacher's event priority scale; the mesh does
// not reorder by priority (streams are strictly FIFO) but producers
// may use it for their own triage.
const (
	PriorityCritical = 1
	PriorityHigh     = 2
	PriorityNormal   = 3
	PriorityLow      = 4
)

// Event is one append-only, ordered record on a stream.
type Event struct {
	ID            string                 `json:"id"`
	Stream        string                 `json:"stream"`
	Seq           uint64                 `json:"seq"`
	Type          Type                   `json:"type"`
	Source        string                 `json:"source"`
	Priority      int                    `json:"priority"`
	Payload       map[string]interface{} `json:"payload"`
	CorrelationID string                 `json:"correlation_id,omitempty"`
	CausationID   string                 `json:"causation_id,omitempty"`
	CreatedAt     time.Time              `json:"created_at"`
}

// New creates an event with an auto-generated id and timestamp; Stream
// and Seq are assigned by the mesh on Publish.
func New(eventType Type, source string, priority int, payload map[string]interface{}) *Event {
	return &Event{
		ID:        uuid.New().String(),
		Type:      eventType,
		Source:    source,
		Priority:  priority,
		Payload:   payload,
		CreatedAt: time.Now(),
	}
}

// Filter narrows which events a consumer group or historical query
// sees. A nil/empty Types means accept all types; Predicate (if set)
// is applied last against the raw payload.
type Filter struct {
	Types     []Type
	Sources   []string
	Predicate func(*Event) bool
}

func (f Filter) matches(e *Event) bool {
	if len(f.Types) > 0 {
		found := false
		for _, t := range f.Types {
			if t == e.Type {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if len(f.Sources) > 0 {
		found := false
		for _, s := range f.Sources {
			if s == e.Source {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if f.Predicate != nil && !f.Predicate(e) {
		return false
	}
	return true
}

// Mesh is the contract both transports implement (spec §4.1).
type Mesh interface {
	// Publish appends event to streamName, assigns its sequence id, and
	// fans it out to every matching consumer group. Returns
	// BackpressureExceeded if the stream's slowest consumer group has
	// fallen too far behind, Unavailable if the transport is down.
	Publish(streamName string, event *Event) (seq uint64, err error)
	// Subscribe registers (or reuses, if already registered — idempotent)
	// a named consumer group on streamName and returns its delivery
	// channel. Delivery is at-least-once; the caller must Ack.
	Subscribe(streamName, group string, filter Filter) (<-chan Event, error)
	// Ack advances group's cursor on streamName. Acks below the current
	// cursor are no-ops (idempotent).
	Ack(streamName, group string, seq uint64) error
	// GetEvents performs a historical query, e.g. for replay.
	GetEvents(streamName string, filter Filter, limit int) ([]*Event, error)
}
