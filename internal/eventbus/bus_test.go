package eventbus

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/authz-engine/agentic-core/pkg/types"
)

func TestPublishSubscribe(t *testing.T) {
	b := New(0, nil, nil)
	defer b.Close()

	received := make(chan types.AgentEvent, 1)
	unsub := b.Subscribe("anomaly.detected", func(e types.AgentEvent) {
		received <- e
	})
	defer unsub()

	b.Publish("anomaly.detected", types.AgentEvent{
		RequestID: "req-1",
		Payload:   map[string]any{"score": 0.9},
	})

	select {
	case e := <-received:
		assert.Equal(t, "anomaly.detected", e.Type, "missing type filled from topic")
		assert.Equal(t, "req-1", e.RequestID)
		assert.False(t, e.Timestamp.IsZero())
	case <-time.After(2 * time.Second):
		t.Fatal("event not delivered")
	}
}

func TestTopicIsolation(t *testing.T) {
	b := New(0, nil, nil)
	defer b.Close()

	var mu sync.Mutex
	var got []string
	unsub := b.Subscribe("topic-a", func(e types.AgentEvent) {
		mu.Lock()
		got = append(got, e.RequestID)
		mu.Unlock()
	})
	defer unsub()

	b.Publish("topic-b", types.AgentEvent{RequestID: "wrong"})
	b.Publish("topic-a", types.AgentEvent{RequestID: "right"})

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 1
	}, 2*time.Second, 10*time.Millisecond)

	mu.Lock()
	assert.Equal(t, []string{"right"}, got)
	mu.Unlock()
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	b := New(0, nil, nil)
	defer b.Close()

	count := make(chan struct{}, 16)
	unsub := b.Subscribe("topic", func(types.AgentEvent) { count <- struct{}{} })

	b.Publish("topic", types.AgentEvent{})
	select {
	case <-count:
	case <-time.After(2 * time.Second):
		t.Fatal("first event not delivered")
	}

	unsub()
	assert.Equal(t, 0, b.Subscribers("topic"))

	b.Publish("topic", types.AgentEvent{})
	select {
	case <-count:
		t.Fatal("event delivered after unsubscribe")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestOverflowDropsOldest(t *testing.T) {
	b := New(4, nil, nil)
	defer b.Close()

	block := make(chan struct{})
	var mu sync.Mutex
	var seen []string
	b.Subscribe("topic", func(e types.AgentEvent) {
		<-block
		mu.Lock()
		seen = append(seen, e.RequestID)
		mu.Unlock()
	})

	// the handler is stalled: one event is in flight, four queue slots fill,
	// everything further forces oldest-first drops
	for i := 0; i < 10; i++ {
		b.Publish("topic", types.AgentEvent{RequestID: fmt.Sprintf("e%d", i)})
	}
	assert.Greater(t, b.Overflowed(), uint64(0), "overflow counted")

	close(block)
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(seen) >= 1 && seen[len(seen)-1] == "e9"
	}, 2*time.Second, 10*time.Millisecond, "newest event survives the overflow")
}

func TestPanickingHandlerIsIsolated(t *testing.T) {
	b := New(0, nil, nil)
	defer b.Close()

	b.Subscribe("topic", func(types.AgentEvent) { panic("boom") })

	healthy := make(chan struct{}, 2)
	b.Subscribe("topic", func(types.AgentEvent) { healthy <- struct{}{} })

	b.Publish("topic", types.AgentEvent{})
	b.Publish("topic", types.AgentEvent{})

	for i := 0; i < 2; i++ {
		select {
		case <-healthy:
		case <-time.After(2 * time.Second):
			t.Fatal("healthy subscriber starved by panicking sibling")
		}
	}
}

func TestPublishAfterCloseIsNoop(t *testing.T) {
	b := New(0, nil, nil)
	b.Close()
	b.Publish("topic", types.AgentEvent{})
	unsub := b.Subscribe("topic", func(types.AgentEvent) {})
	unsub()
	b.Close()
}
