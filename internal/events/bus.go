package events

import (
	"fmt"
	"log"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/halcasteel/bookmark-orchestration-substrate/internal/orcherr"
)

// Backpressure/delivery tuning, carried over from the teacher's
// Bus constants (MaxBackpressureRetries, BackpressureRetryDelay).
const (
	MaxBackpressureRetries = 3
	BackpressureRetryDelay = 10 * time.Millisecond
	subscriberBufferSize   = 256
	defaultStreamCapacity  = 10_000
)

// EventStore persists events for historical query and crash recovery,
// the same interface shape as the teacher's EventStore but keyed by
// stream rather than by subscriber target.
type EventStore interface {
	Save(event *Event) error
	Load(streamName string) ([]*Event, error)
}

type consumerGroup struct {
	name      string
	filter    Filter
	ch        chan Event
	mu        sync.Mutex
	ackedSeq  uint64
	dropped   uint64
}

type stream struct {
	mu     sync.Mutex
	name   string
	seq    uint64
	log    []*Event
	groups map[string]*consumerGroup
	cap    int
}

// Bus is the in-memory Mesh transport: durable within the process
// lifetime (optionally backed by EventStore for crash recovery),
// generalizing the teacher's target-keyed subscriber map into
// stream+consumer-group semantics.
type Bus struct {
	mu      sync.RWMutex
	streams map[string]*stream
	store   EventStore
}

// NewBus creates an in-memory event mesh. store may be nil.
func NewBus(store EventStore) *Bus {
	return &Bus{
		streams: make(map[string]*stream),
		store:   store,
	}
}

func (b *Bus) streamFor(name string) *stream {
	b.mu.Lock()
	defer b.mu.Unlock()

	s, ok := b.streams[name]
	if !ok {
		s = &stream{name: name, groups: make(map[string]*consumerGroup), cap: defaultStreamCapacity}
		b.streams[name] = s
	}
	return s
}

// Publish implements Mesh.
func (b *Bus) Publish(streamName string, event *Event) (uint64, error) {
	s := b.streamFor(streamName)

	s.mu.Lock()
	defer s.mu.Unlock()

	minAcked := s.seq
	for _, g := range s.groups {
		g.mu.Lock()
		if g.ackedSeq < minAcked {
			minAcked = g.ackedSeq
		}
		g.mu.Unlock()
	}
	if len(s.groups) > 0 && int(s.seq-minAcked) >= s.cap {
		return 0, orcherr.New(orcherr.BackpressureExceeded,
			fmt.Sprintf("stream %s: slowest consumer group is %d events behind capacity %d", streamName, s.seq-minAcked, s.cap))
	}

	s.seq++
	event.Stream = streamName
	event.Seq = s.seq

	if b.store != nil {
		if err := b.store.Save(event); err != nil {
			s.seq--
			return 0, orcherr.Wrap(orcherr.Unavailable, "persist event", err)
		}
	}
	s.log = append(s.log, event)

	for _, g := range s.groups {
		if g.filter.matches(event) {
			b.deliver(g, *event)
		}
	}

	return event.Seq, nil
}

// deliver sends to a group's channel, retrying briefly on backpressure
// before dropping and counting — identical idiom to the teacher's
// sendWithBackpressure, since the stream-level capacity check above
// already bounds how far behind any group is allowed to fall.
func (b *Bus) deliver(g *consumerGroup, event Event) {
	select {
	case g.ch <- event:
		return
	default:
	}

	for retry := 1; retry <= MaxBackpressureRetries; retry++ {
		time.Sleep(BackpressureRetryDelay)
		select {
		case g.ch <- event:
			return
		default:
		}
	}

	dropped := atomic.AddUint64(&g.dropped, 1)
	log.Printf("[EVENTS] WARNING: dropped event after %d retries: stream=%s group=%s type=%s id=%s (total dropped: %d)",
		MaxBackpressureRetries, event.Stream, g.name, event.Type, event.ID, dropped)
}

// Subscribe implements Mesh. Registering the same group name twice is
// idempotent: the existing channel is returned (P4-shaped guarantee,
// applied here to consumer groups rather than agents).
func (b *Bus) Subscribe(streamName, group string, filter Filter) (<-chan Event, error) {
	s := b.streamFor(streamName)

	s.mu.Lock()
	defer s.mu.Unlock()

	if g, ok := s.groups[group]; ok {
		return g.ch, nil
	}

	g := &consumerGroup{
		name:     group,
		filter:   filter,
		ch:       make(chan Event, subscriberBufferSize),
		ackedSeq: s.seq,
	}
	s.groups[group] = g
	return g.ch, nil
}

// Ack implements Mesh. Acks only move the cursor forward.
func (b *Bus) Ack(streamName, group string, seq uint64) error {
	s := b.streamFor(streamName)
	s.mu.Lock()
	g, ok := s.groups[group]
	s.mu.Unlock()
	if !ok {
		return orcherr.New(orcherr.InvalidInput, fmt.Sprintf("unknown consumer group %s on stream %s", group, streamName))
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	if seq > g.ackedSeq {
		g.ackedSeq = seq
	}
	return nil
}

// GetEvents implements Mesh's historical query.
func (b *Bus) GetEvents(streamName string, filter Filter, limit int) ([]*Event, error) {
	s := b.streamFor(streamName)
	s.mu.Lock()
	defer s.mu.Unlock()

	var results []*Event
	for _, e := range s.log {
		if filter.matches(e) {
			results = append(results, e)
		}
	}

	sort.Slice(results, func(i, j int) bool { return results[i].Seq < results[j].Seq })

	if limit > 0 && len(results) > limit {
		results = results[len(results)-limit:]
	}
	return results, nil
}

// DroppedCount reports how many events were dropped for a consumer
// group due to sustained backpressure.
func (b *Bus) DroppedCount(streamName, group string) uint64 {
	s := b.streamFor(streamName)
	s.mu.Lock()
	g, ok := s.groups[group]
	s.mu.Unlock()
	if !ok {
		return 0
	}
	return atomic.LoadUint64(&g.dropped)
}
