// Package taskstore is the authoritative persistence layer for tasks,
// their immutable artifacts and their message streams (spec C2). Only
// this package mutates task/artifact/message records; everything else
// reads through its contract.
package taskstore

import (
	"time"
)

// Status is a task's position in the workflow state machine.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusPaused    Status = "paused"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// validTransitions enumerates the state machine from spec §4.4. The
// table shape follows the teacher's validTransitions map in
// tasks/types.go; the states and edges themselves are this domain's.
var validTransitions = map[Status][]Status{
	StatusPending:   {StatusRunning, StatusCancelled},
	StatusRunning:   {StatusRunning, StatusCompleted, StatusFailed, StatusPaused, StatusCancelled},
	StatusPaused:    {StatusRunning, StatusCancelled},
	StatusCompleted: {},
	StatusFailed:    {},
	StatusCancelled: {},
}

// CanTransition reports whether from->to is a legal edge in the state
// machine (self-loop on Running models "same step, attempt++" and
// "step++").
func CanTransition(from, to Status) bool {
	for _, s := range validTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// IsTerminal reports whether status has no further transitions.
func IsTerminal(s Status) bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// Task is a persistent workflow instance. Context grows monotonically
// as agents attach namespaced outputs and is frozen once the task
// reaches a terminal state.
type Task struct {
	ID            string                 `json:"id"`
	Type          string                 `json:"type"`
	Status        Status                 `json:"status"`
	User          string                 `json:"user"`
	Workflow      []string               `json:"workflow"`
	CurrentStep   int                    `json:"current_step"`
	CurrentAgent  string                 `json:"current_agent"`
	TotalSteps    int                    `json:"total_steps"`
	Context       map[string]interface{} `json:"context"`
	Priority      int                    `json:"priority"`
	Attempt       int                    `json:"attempt"`
	LastErrorKind string                 `json:"last_error_kind,omitempty"`
	LastErrorDetail string               `json:"last_error_detail,omitempty"`
	CorrelationID string                 `json:"correlation_id,omitempty"`
	CausationID   string                 `json:"causation_id,omitempty"`
	CreatedAt     time.Time              `json:"created_at"`
	UpdatedAt     time.Time              `json:"updated_at"`
}

// CurrentAgentType returns the agent type for the task's current step,
// or "" if the workflow is exhausted.
func (t *Task) CurrentAgentType() string {
	if t.CurrentStep < 0 || t.CurrentStep >= len(t.Workflow) {
		return ""
	}
	return t.Workflow[t.CurrentStep]
}

// IsLastStep reports whether the current step is the final one.
func (t *Task) IsLastStep() bool {
	return t.CurrentStep == len(t.Workflow)-1
}

// Artifact is the immutable, append-only output of one agent step.
// At most one exists per (task, agent, step) — enforced by the store's
// idempotency key, not by this type.
type Artifact struct {
	ID        string                 `json:"id"`
	TaskID    string                 `json:"task_id"`
	AgentType string                 `json:"agent_type"`
	Step      int                    `json:"step"`
	TypeTag   string                 `json:"type_tag"`
	MimeType  string                 `json:"mime_type"`
	Data      map[string]interface{} `json:"data"`
	CreatedAt time.Time              `json:"created_at"`
	Immutable bool                   `json:"immutable"`
}

// MessageType classifies a progress/completion/error message.
type MessageType string

const (
	MessageProgress   MessageType = "progress"
	MessageCompletion MessageType = "completion"
	MessageError      MessageType = "error"
)

// Message is one ordered entry in a task's progress stream.
type Message struct {
	ID        string                 `json:"id"`
	TaskID    string                 `json:"task_id"`
	AgentType string                 `json:"agent_type"`
	Type      MessageType            `json:"type"`
	Content   string                 `json:"content"`
	Metadata  map[string]interface{} `json:"metadata"`
	Timestamp time.Time              `json:"timestamp"`
}

// Progress extracts the 0-100 progress value from Metadata, if present.
func (m *Message) Progress() (int, bool) {
	if m.Metadata == nil {
		return 0, false
	}
	v, ok := m.Metadata["progress"]
	if !ok {
		return 0, false
	}
	switch n := v.(type) {
	case int:
		return n, true
	case float64:
		return int(n), true
	default:
		return 0, false
	}
}

// Filter narrows ListTasks results.
type Filter struct {
	User   string
	Status Status
	Type   string
}

func (f Filter) matches(t *Task) bool {
	if f.User != "" && t.User != f.User {
		return false
	}
	if f.Status != "" && t.Status != f.Status {
		return false
	}
	if f.Type != "" && t.Type != f.Type {
		return false
	}
	return true
}
