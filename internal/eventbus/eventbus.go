// Package eventbus implements a real-time progress fan-out: non-blocking
// per-topic publish, cold per-subscriber streams with a bounded backlog,
// and drop-oldest-on-overflow backpressure.
package eventbus

import (
	"log/slog"
	"sync"
	"time"
)

// Kind enumerates the fixed event vocabulary.
type Kind string

const (
	KindNodeEntered          Kind = "node_entered"
	KindNodeExited           Kind = "node_exited"
	KindTaskStarted          Kind = "task_started"
	KindTaskCompleted        Kind = "task_completed"
	KindTaskFailed           Kind = "task_failed"
	KindValidationScored     Kind = "validation_scored"
	KindRefinementRequested  Kind = "refinement_requested"
	KindStateCheckpoint      Kind = "state_checkpoint"
	KindError                Kind = "error"
	KindPipelineTerminal     Kind = "pipeline_terminal"
	KindSubscriberLagging    Kind = "subscriber_lagging"
)

// Event is a single typed notification published on a topic.
type Event struct {
	Kind      Kind
	Topic     string
	SessionID string
	RequestID string
	Timestamp time.Time
	Detail    map[string]string
}

// Subscription is a cold stream of events for a topic filter.
type Subscription struct {
	C <-chan Event

	bus     *Bus
	id      uint64
	topic   string
}

// Close unregisters the subscription. Safe to call more than once.
func (s *Subscription) Close() {
	s.bus.unsubscribe(s.topic, s.id)
}

type subscriber struct {
	id      uint64
	ch      chan Event
	backlog int
}

// Bus is a topic-partitioned, non-blocking publish/subscribe hub.
type Bus struct {
	mu          sync.RWMutex
	subscribers map[string][]*subscriber
	nextID      uint64
	backlog     int
}

// New creates an event Bus whose subscriber channels are buffered to
// backlog entries. When backlog <= 0 the default of 1024 is used.
func New(backlog int) *Bus {
	if backlog <= 0 {
		backlog = 1024
	}
	return &Bus{
		subscribers: make(map[string][]*subscriber),
		backlog:     backlog,
	}
}

// Subscribe returns a cold stream of subsequent events matching topic.
// No backfill is provided.
func (b *Bus) Subscribe(topic string) *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	sub := &subscriber{
		id:      b.nextID,
		ch:      make(chan Event, b.backlog),
		backlog: b.backlog,
	}
	b.subscribers[topic] = append(b.subscribers[topic], sub)

	return &Subscription{C: sub.ch, bus: b, id: sub.id, topic: topic}
}

func (b *Bus) unsubscribe(topic string, id uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()

	subs := b.subscribers[topic]
	for i, s := range subs {
		if s.id == id {
			close(s.ch)
			b.subscribers[topic] = append(subs[:i], subs[i+1:]...)
			return
		}
	}
}

// Publish delivers event to every subscriber of its topic. Publish never
// blocks: when a subscriber's backlog is full, its oldest pending event is
// dropped and a subscriber_lagging notice takes the freed slot, with the
// published event's kind in Detail["dropped_kind"]; the published event
// itself is not delivered to that subscriber.
func (b *Bus) Publish(event Event) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	b.mu.RLock()
	subs := append([]*subscriber(nil), b.subscribers[event.Topic]...)
	b.mu.RUnlock()

	for _, s := range subs {
		b.deliver(s, event)
	}
}

func (b *Bus) deliver(s *subscriber, event Event) {
	select {
	case s.ch <- event:
		return
	default:
	}

	// Backlog full: drop the oldest queued event, then enqueue a lagging
	// notice in the freed slot where possible; event itself is not queued.
	select {
	case <-s.ch:
	default:
	}

	lag := Event{
		Kind:      KindSubscriberLagging,
		Topic:     event.Topic,
		Timestamp: time.Now(),
		Detail:    map[string]string{"dropped_kind": string(event.Kind)},
	}

	select {
	case s.ch <- lag:
	default:
		slog.Warn("eventbus: subscriber channel full even after eviction", "topic", event.Topic)
	}
}

// SubscriberCount returns the number of live subscribers for topic.
func (b *Bus) SubscriberCount(topic string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers[topic])
}
