// Package eventbus provides the in-process pub/sub channel between agents
package eventbus

import (
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/authz-engine/agentic-core/internal/metrics"
	"github.com/authz-engine/agentic-core/pkg/types"
)

// DefaultQueueSize is the per-subscription queue bound
const DefaultQueueSize = 256

// Handler receives events for one subscription. Handlers run on a
// dedicated goroutine per subscription; a panicking handler is recovered
// and does not affect other subscribers.
type Handler func(types.AgentEvent)

// Bus is a topic-based event bus with bounded per-subscription queues.
// Publishing never blocks: when a subscriber's queue is full the oldest
// queued event is dropped and the subscription's overflow counter is
// incremented.
type Bus struct {
	mu        sync.RWMutex
	subs      map[string]map[int]*subscription
	nextID    int
	queueSize int
	closed    bool

	dropped atomic.Uint64

	metrics *metrics.Metrics
	logger  *zap.Logger
}

type subscription struct {
	topic   string
	handler Handler
	queue   chan types.AgentEvent
	done    chan struct{}
	logger  *zap.Logger
}

// New creates an event bus. queueSize <= 0 selects DefaultQueueSize.
func New(queueSize int, m *metrics.Metrics, logger *zap.Logger) *Bus {
	if queueSize <= 0 {
		queueSize = DefaultQueueSize
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Bus{
		subs:      make(map[string]map[int]*subscription),
		queueSize: queueSize,
		metrics:   m,
		logger:    logger,
	}
}

// Subscribe registers a handler for a topic and returns its unsubscribe
// function. Events published after Subscribe returns are delivered in
// publish order, subject to overflow drops.
func (b *Bus) Subscribe(topic string, fn Handler) (unsubscribe func()) {
	sub := &subscription{
		topic:   topic,
		handler: fn,
		queue:   make(chan types.AgentEvent, b.queueSize),
		done:    make(chan struct{}),
		logger:  b.logger,
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return func() {}
	}
	if b.subs[topic] == nil {
		b.subs[topic] = make(map[int]*subscription)
	}
	id := b.nextID
	b.nextID++
	b.subs[topic][id] = sub
	b.mu.Unlock()

	go sub.run()

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			if subs, ok := b.subs[topic]; ok {
				delete(subs, id)
				if len(subs) == 0 {
					delete(b.subs, topic)
				}
			}
			b.mu.Unlock()
			close(sub.done)
		})
	}
}

// Publish delivers an event to all subscribers of its topic. Missing
// timestamps are filled in. Publish never blocks the caller.
func (b *Bus) Publish(topic string, event types.AgentEvent) {
	if event.Type == "" {
		event.Type = topic
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return
	}
	for _, sub := range b.subs[topic] {
		b.enqueue(topic, sub, event)
	}
}

func (b *Bus) enqueue(topic string, sub *subscription, event types.AgentEvent) {
	for {
		select {
		case sub.queue <- event:
			return
		default:
		}
		// queue full: drop the oldest and retry
		select {
		case <-sub.queue:
			b.dropped.Add(1)
			b.metrics.RecordBusDrop(topic)
		default:
		}
	}
}

// Overflowed returns the total number of events dropped across all
// subscriptions since the bus was created.
func (b *Bus) Overflowed() uint64 {
	return b.dropped.Load()
}

// Subscribers returns the subscription count for a topic
func (b *Bus) Subscribers(topic string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs[topic])
}

// Close shuts down the bus and all subscription goroutines
func (b *Bus) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	var all []*subscription
	for topic, subs := range b.subs {
		for _, sub := range subs {
			all = append(all, sub)
		}
		delete(b.subs, topic)
	}
	b.mu.Unlock()

	for _, sub := range all {
		close(sub.done)
	}
}

func (s *subscription) run() {
	for {
		select {
		case <-s.done:
			return
		case event := <-s.queue:
			s.deliver(event)
		}
	}
}

func (s *subscription) deliver(event types.AgentEvent) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("event handler panicked",
				zap.String("topic", s.topic),
				zap.Any("panic", r))
		}
	}()
	s.handler(event)
}
