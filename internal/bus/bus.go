// SPDX-License-Identifier: MIT

// Package bus is the in-process pub/sub used by the orchestrator to notify
// subscribers of lifecycle changes. Publishers never block: each subscriber
// has a bounded buffer and the oldest event is dropped (and counted) when the
// buffer is full. Events are not persisted; the audit log captures
// state-changing actions authoritatively.
package bus

import (
	"context"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Well-known topics.
const (
	TopicSessionPending = "session.pending"
	TopicSessionStarted = "session.started"
	TopicSessionStopped = "session.stopped"
	TopicSessionFailed  = "session.failed"
	TopicSessionTimeout = "session.timeout"

	TopicImageIngested = "image.ingested"
	TopicImageReady    = "image.ready"
	TopicImageFailed   = "image.failed"
	TopicImageProgress = "image.progress"

	TopicTargetCreated = "target.created"
	TopicTargetDeleted = "target.deleted"
	TopicTargetError   = "target.error"

	TopicMachineDiscovered = "machine.discovered"
	TopicMachineUpdated    = "machine.updated"
)

// TopicAll subscribes to every topic (WebSocket fan-out, audit sink).
const TopicAll = "*"

var droppedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "ggnet_bus_dropped_events_total",
	Help: "Events dropped because a subscriber buffer was full",
}, []string{"topic"})

// Event is a published lifecycle notification.
type Event struct {
	Topic   string
	Time    time.Time
	Payload any
}

// Subscriber receives events for one subscription.
type Subscriber interface {
	// C returns the read-only event channel. It is closed on Close and on
	// bus shutdown.
	C() <-chan Event
	// Close unsubscribes.
	Close()
}

// Bus is the event transport abstraction.
type Bus interface {
	Publish(ctx context.Context, topic string, payload any)
	Subscribe(topic string) Subscriber
	Close()
}

type subscription struct {
	bus    *MemoryBus
	topic  string
	ch     chan Event
	once   sync.Once
	closed bool
}

func (s *subscription) C() <-chan Event { return s.ch }

func (s *subscription) Close() {
	s.once.Do(func() {
		s.bus.remove(s)
		s.bus.mu.Lock()
		if !s.closed {
			s.closed = true
			close(s.ch)
		}
		s.bus.mu.Unlock()
	})
}

// MemoryBus is the single production implementation: an in-memory,
// topic-addressed fan-out.
type MemoryBus struct {
	mu      sync.Mutex
	subs    map[string][]*subscription
	bufSize int
	down    bool
}

// New creates a bus whose subscribers buffer up to bufSize events each.
func New(bufSize int) *MemoryBus {
	if bufSize <= 0 {
		bufSize = 64
	}
	return &MemoryBus{
		subs:    make(map[string][]*subscription),
		bufSize: bufSize,
	}
}

// Publish delivers the event to every subscriber of topic and of TopicAll.
// It never blocks: a full subscriber buffer loses its oldest event.
func (b *MemoryBus) Publish(_ context.Context, topic string, payload any) {
	ev := Event{Topic: topic, Time: time.Now().UTC(), Payload: payload}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.down {
		return
	}
	for _, s := range b.subs[topic] {
		b.deliver(s, ev)
	}
	for _, s := range b.subs[TopicAll] {
		b.deliver(s, ev)
	}
}

// deliver is called with b.mu held, so channel sends never race a close.
func (b *MemoryBus) deliver(s *subscription, ev Event) {
	if s.closed {
		return
	}
	for {
		select {
		case s.ch <- ev:
			return
		default:
		}
		// Buffer full: drop the oldest queued event and retry.
		select {
		case <-s.ch:
			droppedTotal.WithLabelValues(s.topic).Inc()
		default:
		}
	}
}

// Subscribe registers for a topic. Use TopicAll for a firehose subscription.
func (b *MemoryBus) Subscribe(topic string) Subscriber {
	s := &subscription{bus: b, topic: topic, ch: make(chan Event, b.bufSize)}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.down {
		s.closed = true
		close(s.ch)
		return s
	}
	b.subs[topic] = append(b.subs[topic], s)
	return s
}

func (b *MemoryBus) remove(s *subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()
	lst := b.subs[s.topic]
	out := lst[:0]
	for _, c := range lst {
		if c != s {
			out = append(out, c)
		}
	}
	if len(out) == 0 {
		delete(b.subs, s.topic)
	} else {
		b.subs[s.topic] = out
	}
}

// Close shuts the bus down and closes every subscriber channel.
func (b *MemoryBus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.down {
		return
	}
	b.down = true
	for _, lst := range b.subs {
		for _, s := range lst {
			if !s.closed {
				s.closed = true
				close(s.ch)
			}
		}
	}
	b.subs = make(map[string][]*subscription)
}

// Running reports whether the bus accepts publishes, for pre-flight checks.
func (b *MemoryBus) Running() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return !b.down
}
