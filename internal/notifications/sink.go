package notifications

import (
	"context"
	"fmt"
	"log"

	"github.com/halcasteel/bookmark-orchestration-substrate/internal/events"
	"github.com/halcasteel/bookmark-orchestration-substrate/internal/notifications/external"
	"github.com/halcasteel/bookmark-orchestration-substrate/internal/taskstore"
)

// Sink is the contract an out-of-scope notification transport implements
// (spec §1 excludes outer notification surfaces; the transport itself is
// still a collaborator worth a stable contract). Only Message.Type ==
// MessageError is expected to page a human; completion/progress messages
// are offered for transports that want them (e.g. a dashboard banner).
type Sink interface {
	Name() string
	Notify(ctx context.Context, taskID string, msg taskstore.Message) error
}

// ToastSink adapts the local Manager (toast/terminal/banner) to the Sink
// contract, firing all three local channels for error messages only.
type ToastSink struct {
	manager *Manager
}

// NewToastSink wraps an already-constructed Manager.
func NewToastSink(m *Manager) *ToastSink {
	return &ToastSink{manager: m}
}

func (s *ToastSink) Name() string { return "toast" }

func (s *ToastSink) Notify(ctx context.Context, taskID string, msg taskstore.Message) error {
	if msg.Type != taskstore.MessageError {
		return nil
	}
	if !s.manager.IsEnabled() {
		return nil
	}
	if err := s.manager.NotifyTaskFailed(taskID, msg.Content); err != nil {
		return fmt.Errorf("toast sink: %w", err)
	}
	return nil
}

// messageToEvent lifts a task message onto the shape the external
// webhook/SMTP notifiers expect, so they can be driven by either the
// event mesh or directly by the notification fanout.
func messageToEvent(taskID string, msg taskstore.Message) events.Event {
	eventType := events.MessageAppended
	if msg.Type == taskstore.MessageError {
		eventType = events.TaskFailed
	}
	priority := events.PriorityNormal
	if msg.Type == taskstore.MessageError {
		priority = events.PriorityHigh
	}
	payload := map[string]interface{}{"task_id": taskID, "content": msg.Content}
	for k, v := range msg.Metadata {
		payload[k] = v
	}
	return events.Event{
		ID:        msg.ID,
		Type:      eventType,
		Source:    msg.AgentType,
		Priority:  priority,
		Payload:   payload,
		CreatedAt: msg.Timestamp,
	}
}

// externalSink adapts an external.*Notifier (webhook/SMTP, no Mesh
// dependency) to the Sink contract. If configured with a webhook/SMTP
// target it sends for real; if unconfigured the underlying notifier's
// own validation will fail Notify, which callers treat as best-effort.
type externalSink struct {
	name     string
	notifier interface {
		ShouldNotify(events.Event) bool
		Send(events.Event) error
	}
}

func (s externalSink) Name() string { return s.name }

func (s externalSink) Notify(ctx context.Context, taskID string, msg taskstore.Message) error {
	if msg.Type != taskstore.MessageError {
		return nil
	}
	event := messageToEvent(taskID, msg)
	if !s.notifier.ShouldNotify(event) {
		return nil
	}
	if err := s.notifier.Send(event); err != nil {
		log.Printf("[NOTIFY-%s] send failed for task %s: %v", s.name, taskID, err)
		return fmt.Errorf("%s sink: %w", s.name, err)
	}
	return nil
}

// NewSlackSink adapts a configured Slack webhook notifier to the Sink
// contract; pass a zero-value SlackConfig to get a no-op (Send always
// errors "webhook URL not configured", swallowed by the caller's
// fire-and-log fanout).
func NewSlackSink(cfg external.SlackConfig) Sink {
	return externalSink{name: "slack", notifier: external.NewSlackNotifier(cfg)}
}

// NewDiscordSink adapts a configured Discord webhook notifier, same
// rationale as NewSlackSink.
func NewDiscordSink(cfg external.DiscordConfig) Sink {
	return externalSink{name: "discord", notifier: external.NewDiscordNotifier(cfg)}
}

// NewEmailSink adapts a configured SMTP notifier, same rationale as
// NewSlackSink.
func NewEmailSink(cfg external.EmailConfig) Sink {
	return externalSink{name: "email", notifier: external.NewEmailNotifier(cfg)}
}

// Fanout notifies every configured sink, collecting but not stopping on
// individual failures — synchronous, since sinks here are expected to be
// fast network calls or local, in-process channels.
type Fanout struct {
	sinks []Sink
}

// NewFanout builds a Fanout over the given sinks.
func NewFanout(sinks ...Sink) *Fanout {
	return &Fanout{sinks: sinks}
}

func (f *Fanout) Notify(ctx context.Context, taskID string, msg taskstore.Message) {
	for _, s := range f.sinks {
		if err := s.Notify(ctx, taskID, msg); err != nil {
			log.Printf("[NOTIFY-FANOUT] sink %s failed for task %s: %v", s.Name(), taskID, err)
		}
	}
}
