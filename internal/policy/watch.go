package policy

import (
	"sync"

	"go.uber.org/zap"

	"github.com/authz-engine/agentic-core/pkg/types"
)

// watchHub fans policy change events out to registered watchers. Each
// watcher gets its own bounded queue and delivery goroutine; a full queue
// drops the oldest event. Used by store backends that do not carry their
// own notifier.
type watchHub struct {
	mu      sync.Mutex
	nextID  int
	members map[int]*hubWatcher
	size    int
	logger  *zap.Logger
}

type hubWatcher struct {
	fn     WatchFunc
	queue  chan types.PolicyChange
	done   chan struct{}
	logger *zap.Logger
}

func newWatchHub(queueSize int, logger *zap.Logger) *watchHub {
	if queueSize <= 0 {
		queueSize = watchQueueSize
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &watchHub{
		members: make(map[int]*hubWatcher),
		size:    queueSize,
		logger:  logger,
	}
}

func (h *watchHub) add(fn WatchFunc) func() {
	w := &hubWatcher{
		fn:     fn,
		queue:  make(chan types.PolicyChange, h.size),
		done:   make(chan struct{}),
		logger: h.logger,
	}

	h.mu.Lock()
	id := h.nextID
	h.nextID++
	h.members[id] = w
	h.mu.Unlock()

	go w.run()

	var once sync.Once
	return func() {
		once.Do(func() {
			h.mu.Lock()
			delete(h.members, id)
			h.mu.Unlock()
			close(w.done)
		})
	}
}

func (h *watchHub) dispatch(change types.PolicyChange) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, w := range h.members {
		for {
			select {
			case w.queue <- change:
			default:
				// full: drop the oldest and retry
				select {
				case <-w.queue:
					continue
				default:
				}
			}
			break
		}
	}
}

func (h *watchHub) close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for id, w := range h.members {
		close(w.done)
		delete(h.members, id)
	}
}

func (w *hubWatcher) run() {
	for {
		select {
		case <-w.done:
			return
		case change := <-w.queue:
			w.deliver(change)
		}
	}
}

func (w *hubWatcher) deliver(change types.PolicyChange) {
	defer func() {
		if r := recover(); r != nil {
			w.logger.Error("policy watcher panicked", zap.Any("panic", r))
		}
	}()
	w.fn(change)
}
