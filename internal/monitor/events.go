package monitor

import (
	"sync"
	"time"
)

// Route says where the gateway executed a command.
type Route string

const (
	RouteLocal    Route = "local"
	RouteRemote   Route = "remote"
	RouteFanout   Route = "fanout"
	RouteRejected Route = "rejected"
)

// Event is one routed command.
type Event struct {
	Time     time.Time     `json:"time"`
	Verb     string        `json:"verb"`
	Target   string        `json:"target,omitempty"`
	Category string        `json:"category,omitempty"`
	Route    Route         `json:"route"`
	OK       bool          `json:"ok"`
	Detail   string        `json:"detail,omitempty"`
	Duration time.Duration `json:"duration_ns"`
}

// subscriberBuffer is how many events a slow subscriber may lag before
// events are dropped for it.
const subscriberBuffer = 64

// Hub fans events out to subscribers. Publishing never blocks; a subscriber
// whose buffer is full misses events.
type Hub struct {
	mu      sync.Mutex
	subs    map[chan Event]struct{}
	dropped uint64
}

// NewHub creates an empty Hub.
func NewHub() *Hub {
	return &Hub{subs: make(map[chan Event]struct{})}
}

// Subscribe registers a new subscriber. The returned cancel function
// unregisters it and closes the channel.
func (h *Hub) Subscribe() (<-chan Event, func()) {
	ch := make(chan Event, subscriberBuffer)
	h.mu.Lock()
	h.subs[ch] = struct{}{}
	h.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			h.mu.Lock()
			delete(h.subs, ch)
			h.mu.Unlock()
			close(ch)
		})
	}
}

// Publish delivers e to every subscriber. A nil Hub discards events.
func (h *Hub) Publish(e Event) {
	if h == nil {
		return
	}
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	for ch := range h.subs {
		select {
		case ch <- e:
		default:
			h.dropped++
		}
	}
}

// Subscribers returns the number of live subscribers.
func (h *Hub) Subscribers() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}

// Dropped returns how many deliveries were skipped for slow subscribers.
func (h *Hub) Dropped() uint64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.dropped
}
