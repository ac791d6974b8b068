package streaming

import (
	"context"
	"sync"
)

const subscriberBuffer = 64

// subscription is one registered listener. types is nil when the listener
// wants every event type.
type subscription struct {
	ch    chan StreamEvent
	types map[string]struct{}
}

// deliver hands the event over without blocking. A listener that has fallen
// behind its buffer misses the event.
func (s *subscription) deliver(event StreamEvent) {
	if s.types != nil {
		if _, ok := s.types[event.EventType]; !ok {
			return
		}
	}
	select {
	case s.ch <- event:
	default:
	}
}

// MemoryHub is the in-process EventHub. Subscriptions are indexed by run ID,
// so publishing an event touches only that run's listeners plus the listeners
// watching all runs.
type MemoryHub struct {
	mu     sync.Mutex
	nextID uint64
	byRun  map[string]map[uint64]*subscription
	all    map[uint64]*subscription
}

// NewMemoryHub creates an empty MemoryHub.
func NewMemoryHub() *MemoryHub {
	return &MemoryHub{
		byRun: make(map[string]map[uint64]*subscription),
		all:   make(map[uint64]*subscription),
	}
}

// Publish delivers the event to matching subscribers.
func (h *MemoryHub) Publish(ctx context.Context, event StreamEvent) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	for _, sub := range h.byRun[event.RunID] {
		sub.deliver(event)
	}
	for _, sub := range h.all {
		sub.deliver(event)
	}
	return nil
}

// Subscribe registers a listener for the filtered event stream. The returned
// cancel is idempotent and closes the channel, ending range loops over it.
func (h *MemoryHub) Subscribe(ctx context.Context, filter EventFilter) (<-chan StreamEvent, func(), error) {
	if err := ctx.Err(); err != nil {
		return nil, nil, err
	}

	sub := &subscription{ch: make(chan StreamEvent, subscriberBuffer)}
	if len(filter.EventTypes) > 0 {
		sub.types = make(map[string]struct{}, len(filter.EventTypes))
		for _, t := range filter.EventTypes {
			sub.types[t] = struct{}{}
		}
	}

	h.mu.Lock()
	h.nextID++
	id := h.nextID
	if filter.RunID == "" {
		h.all[id] = sub
	} else {
		runSubs := h.byRun[filter.RunID]
		if runSubs == nil {
			runSubs = make(map[uint64]*subscription)
			h.byRun[filter.RunID] = runSubs
		}
		runSubs[id] = sub
	}
	h.mu.Unlock()

	cancel := func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		if filter.RunID == "" {
			if _, ok := h.all[id]; !ok {
				return
			}
			delete(h.all, id)
		} else {
			runSubs := h.byRun[filter.RunID]
			if _, ok := runSubs[id]; !ok {
				return
			}
			delete(runSubs, id)
			if len(runSubs) == 0 {
				delete(h.byRun, filter.RunID)
			}
		}
		close(sub.ch)
	}

	return sub.ch, cancel, nil
}
