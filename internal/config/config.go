// Package config loads the substrate's startup configuration: the
// workflow catalog, per-agent capability cards, retry policy and
// storage locations. Loaded once in cmd/orchestratord and never
// mutated afterward.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// RetryPolicy controls how a failed step is retried.
type RetryPolicy struct {
	MaxAttempts      int           `yaml:"max_attempts"`
	InitialDelay     time.Duration `yaml:"initial_delay"`
	BackoffFactor    float64       `yaml:"backoff_factor"`
	MaxDelay         time.Duration `yaml:"max_delay"`
	RetryableErrors  []string      `yaml:"retryable_errors"`
}

// DefaultRetryPolicy matches the backoff defaults from the teacher's
// NATS client reconnect loop (2s wait) scaled to per-step retry.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:     3,
		InitialDelay:    100 * time.Millisecond,
		BackoffFactor:   2.0,
		MaxDelay:        10 * time.Second,
		RetryableErrors: []string{"timeout", "transient", "backpressure_exceeded"},
	}
}

// Workflow is a named ordered sequence of agent type names with its
// own retry policy.
type Workflow struct {
	Name        string      `yaml:"name"`
	Steps       []string    `yaml:"steps"`
	RetryPolicy RetryPolicy `yaml:"retry_policy"`
}

// InputSpec describes one declared input an agent requires.
type InputSpec struct {
	Type     string `yaml:"type"`
	Required bool   `yaml:"required"`
}

// CapabilityCard is the startup-declared shape of an agent. Concurrency
// and timeout default the worker pool sizing for that agent type.
type CapabilityCard struct {
	AgentType      string               `yaml:"agent_type"`
	Version        string               `yaml:"version"`
	Description    string               `yaml:"description"`
	Inputs         map[string]InputSpec `yaml:"inputs"`
	OutputTag      string               `yaml:"output_tag"`
	Concurrency    int                  `yaml:"concurrency"`
	Timeout        time.Duration        `yaml:"timeout"`
	Protocols      []string             `yaml:"protocols"`
	HighWaterMark  int                  `yaml:"high_water_mark"`
	LowWaterMark   int                  `yaml:"low_water_mark"`
}

// Config is the immutable, fully-resolved startup configuration.
type Config struct {
	NATSURL            string                     `yaml:"nats_url"`
	SQLitePath         string                     `yaml:"sqlite_path"`
	EmbeddingDim       int                        `yaml:"embedding_dim"`
	TaskRetention      time.Duration              `yaml:"task_retention"`
	MessageRetention   time.Duration              `yaml:"message_retention"`
	EventRetention     time.Duration              `yaml:"event_retention"`
	Workflows          map[string]Workflow        `yaml:"workflows"`
	Capabilities       map[string]CapabilityCard  `yaml:"capabilities"`
	PatternMinOccur    int                        `yaml:"pattern_min_occurrences"`
	PatternConfFloor   float64                    `yaml:"pattern_confidence_floor"`
	PatternRetrainBelow float64                   `yaml:"pattern_retrain_below"`
}

// Default returns the built-in configuration used when no YAML file is
// supplied: the three workflow catalog entries required by spec plus
// capability cards for their agents. Mirrors the teacher's
// NewDefaultManager pattern of providing a ready-to-run default.
func Default() *Config {
	return &Config{
		NATSURL:             "nats://127.0.0.1:4222",
		SQLitePath:          "orchestrator.db",
		EmbeddingDim:        1536,
		TaskRetention:       72 * time.Hour,
		MessageRetention:    72 * time.Hour,
		EventRetention:      72 * time.Hour,
		PatternMinOccur:     5,
		PatternConfFloor:    0.6,
		PatternRetrainBelow: 0.4,
		Workflows: map[string]Workflow{
			"quick_import": {
				Name:        "quick_import",
				Steps:       []string{"import"},
				RetryPolicy: DefaultRetryPolicy(),
			},
			"full_import": {
				Name:        "full_import",
				Steps:       []string{"import", "validation", "enrichment", "categorization", "embedding"},
				RetryPolicy: DefaultRetryPolicy(),
			},
			"revalidate": {
				Name:        "revalidate",
				Steps:       []string{"validation"},
				RetryPolicy: DefaultRetryPolicy(),
			},
		},
		Capabilities: map[string]CapabilityCard{
			"import":         defaultCard("import", "bookmark_import_result"),
			"validation":     defaultCard("validation", "bookmark_validation_result"),
			"enrichment":     defaultCard("enrichment", "bookmark_enrichment_result"),
			"categorization": defaultCard("categorization", "bookmark_categorization_result"),
			"embedding":      defaultCard("embedding", "bookmark_embedding_result"),
		},
	}
}

func defaultCard(agentType, outputTag string) CapabilityCard {
	return CapabilityCard{
		AgentType:     agentType,
		Version:       "1.0.0",
		Inputs:        map[string]InputSpec{},
		OutputTag:     outputTag,
		Concurrency:   4,
		Timeout:       30 * time.Second,
		Protocols:     []string{"inproc"},
		HighWaterMark: 100,
		LowWaterMark:  20,
	}
}

// Load reads a YAML configuration file and overlays it on Default().
// An empty path returns Default() unchanged, matching the teacher's
// pattern of always having a usable zero-config default.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}

	return cfg, nil
}

// WorkflowByName resolves a workflow by type name. The bool is false
// for an unknown name; turning that into an error is left to the caller.
func (c *Config) WorkflowByName(name string) (Workflow, bool) {
	wf, ok := c.Workflows[name]
	return wf, ok
}

// Capability resolves a capability card by agent type.
func (c *Config) Capability(agentType string) (CapabilityCard, bool) {
	card, ok := c.Capabilities[agentType]
	return card, ok
}
