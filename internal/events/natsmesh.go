package events

import (
	"encoding/json"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	nc "github.com/nats-io/nats.go"

	"github.com/halcasteel/bookmark-orchestration-substrate/internal/orcherr"
)

// NatsMesh is a durable, multi-process Mesh transport backed by NATS
// JetStream, adapted from the teacher's internal/nats Client (reconnect
// handling) and StreamManager (per-category stream configuration).
// Each Mesh "stream" maps to one JetStream stream with subject
// `<streamName>.events`; each consumer group maps to a durable
// JetStream consumer so groups track independent ack cursors exactly
// as spec §4.1 requires.
type NatsMesh struct {
	conn *nc.Conn
	js   nc.JetStreamContext

	mu      sync.Mutex
	pending map[string]*nc.Msg // "stream|group|seq" -> raw msg, for explicit Ack
}

// NewNatsMesh connects to url with the teacher's reconnect posture
// (indefinite reconnect, 2s backoff) and returns a ready Mesh.
func NewNatsMesh(url string) (*NatsMesh, error) {
	opts := []nc.Option{
		nc.ReconnectWait(2 * time.Second),
		nc.MaxReconnects(-1),
		nc.DisconnectErrHandler(func(_ *nc.Conn, err error) {
			if err != nil {
				log.Printf("[EVENTS-NATS] disconnected: %v", err)
			}
		}),
		nc.ReconnectHandler(func(c *nc.Conn) {
			log.Printf("[EVENTS-NATS] reconnected to %s", c.ConnectedUrl())
		}),
		nc.ClosedHandler(func(*nc.Conn) {
			log.Printf("[EVENTS-NATS] connection closed")
		}),
	}

	conn, err := nc.Connect(url, opts...)
	if err != nil {
		return nil, orcherr.Wrap(orcherr.Unavailable, "connect to NATS", err)
	}

	js, err := conn.JetStream()
	if err != nil {
		conn.Close()
		return nil, orcherr.Wrap(orcherr.Unavailable, "acquire JetStream context", err)
	}

	return &NatsMesh{conn: conn, js: js, pending: make(map[string]*nc.Msg)}, nil
}

// Close closes the underlying NATS connection.
func (m *NatsMesh) Close() {
	if m.conn != nil {
		m.conn.Close()
	}
}

func subjectFor(streamName string) string { return streamName + ".events" }

func (m *NatsMesh) ensureStream(streamName string) error {
	cfg := &nc.StreamConfig{
		Name:        strings.ToUpper(streamName),
		Description: fmt.Sprintf("substrate event stream %s", streamName),
		Subjects:    []string{subjectFor(streamName)},
		Storage:     nc.FileStorage,
		MaxAge:      72 * time.Hour,
		Retention:   nc.LimitsPolicy,
	}

	if _, err := m.js.StreamInfo(cfg.Name); err != nil {
		if err == nc.ErrStreamNotFound {
			_, err := m.js.AddStream(cfg)
			return err
		}
		return err
	}
	return nil
}

// Publish implements Mesh.
func (m *NatsMesh) Publish(streamName string, event *Event) (uint64, error) {
	if err := m.ensureStream(streamName); err != nil {
		return 0, orcherr.Wrap(orcherr.Unavailable, "ensure stream", err)
	}

	event.Stream = streamName
	data, err := json.Marshal(event)
	if err != nil {
		return 0, fmt.Errorf("marshal event: %w", err)
	}

	ack, err := m.js.Publish(subjectFor(streamName), data)
	if err != nil {
		if err == nc.ErrNoResponders || err == nc.ErrTimeout {
			return 0, orcherr.Wrap(orcherr.BackpressureExceeded, "publish timed out, stream may be saturated", err)
		}
		return 0, orcherr.Wrap(orcherr.Unavailable, "publish to JetStream", err)
	}

	event.Seq = ack.Sequence
	return ack.Sequence, nil
}

// Subscribe implements Mesh using a durable JetStream push consumer per
// consumer group, with explicit ack so Ack() maps directly onto
// JetStream's own redelivery/at-least-once semantics.
func (m *NatsMesh) Subscribe(streamName, group string, filter Filter) (<-chan Event, error) {
	if err := m.ensureStream(streamName); err != nil {
		return nil, orcherr.Wrap(orcherr.Unavailable, "ensure stream", err)
	}

	out := make(chan Event, subscriberBufferSize)

	_, err := m.js.QueueSubscribe(subjectFor(streamName), group, func(msg *nc.Msg) {
		var e Event
		if err := json.Unmarshal(msg.Data, &e); err != nil {
			log.Printf("[EVENTS-NATS] WARNING: undecodable message on %s: %v", streamName, err)
			msg.Ack()
			return
		}
		if !filter.matches(&e) {
			msg.Ack()
			return
		}

		m.mu.Lock()
		m.pending[pendingKey(streamName, group, e.Seq)] = msg
		m.mu.Unlock()

		select {
		case out <- e:
		default:
			log.Printf("[EVENTS-NATS] WARNING: dropped event, consumer channel full: stream=%s group=%s seq=%d", streamName, group, e.Seq)
		}
	}, nc.Durable(group), nc.ManualAck(), nc.AckExplicit())
	if err != nil {
		return nil, orcherr.Wrap(orcherr.Unavailable, "subscribe", err)
	}

	return out, nil
}

// Ack implements Mesh by acking the underlying JetStream message.
func (m *NatsMesh) Ack(streamName, group string, seq uint64) error {
	key := pendingKey(streamName, group, seq)

	m.mu.Lock()
	msg, ok := m.pending[key]
	if ok {
		delete(m.pending, key)
	}
	m.mu.Unlock()

	if !ok {
		return nil // already acked or never delivered to this process
	}
	return msg.Ack()
}

// GetEvents implements Mesh's historical query by scanning the
// JetStream log sequentially. Acceptable for the replay volumes this
// substrate expects; a real deployment would page via a consumer with
// DeliverAll instead.
func (m *NatsMesh) GetEvents(streamName string, filter Filter, limit int) ([]*Event, error) {
	info, err := m.js.StreamInfo(strings.ToUpper(streamName))
	if err != nil {
		if err == nc.ErrStreamNotFound {
			return nil, nil
		}
		return nil, orcherr.Wrap(orcherr.Unavailable, "stream info", err)
	}

	var results []*Event
	for seq := info.State.FirstSeq; seq <= info.State.LastSeq; seq++ {
		raw, err := m.js.GetMsg(strings.ToUpper(streamName), seq)
		if err != nil {
			continue // deleted/expired message, skip
		}
		var e Event
		if err := json.Unmarshal(raw.Data, &e); err != nil {
			continue
		}
		if filter.matches(&e) {
			results = append(results, &e)
		}
	}

	if limit > 0 && len(results) > limit {
		results = results[len(results)-limit:]
	}
	return results, nil
}

func pendingKey(stream, group string, seq uint64) string {
	return fmt.Sprintf("%s|%s|%d", stream, group, seq)
}
