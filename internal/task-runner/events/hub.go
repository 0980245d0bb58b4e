package events

import (
	"sync"

	"github.com/cloudwego/hertz/pkg/common/hlog"
)

const DefaultSubscriberBuffer = 64

// Publisher receives committed events.
type Publisher interface {
	Publish(ev Event)
}

// Forwarder relays locally committed events to other runners.
type Forwarder interface {
	Forward(ev Event)
}

// Hub fans committed events out to live subscribers keyed by task id.
// The log stays the source of truth: a subscriber that falls behind is dropped and is
// expected to replay from the log.
type Hub struct {
	mu        sync.RWMutex
	subs      map[string]map[*Subscription]struct{}
	buffer    int
	forwarder Forwarder
}

// NewHub creates a Hub. forwarder may be nil when there is a single runner.
func NewHub(buffer int, forwarder Forwarder) *Hub {
	if buffer <= 0 {
		buffer = DefaultSubscriberBuffer
	}
	return &Hub{
		subs:      make(map[string]map[*Subscription]struct{}),
		buffer:    buffer,
		forwarder: forwarder,
	}
}

// Subscription delivers events for one task. C is closed when the subscription is
// closed or when the subscriber fell behind (Lagged then reports true).
type Subscription struct {
	C      <-chan Event
	ch     chan Event
	taskID string
	hub    *Hub
	lagged bool
	closed bool
}

// Subscribe registers a live subscriber for taskID.
func (h *Hub) Subscribe(taskID string) *Subscription {
	ch := make(chan Event, h.buffer)
	sub := &Subscription{C: ch, ch: ch, taskID: taskID, hub: h}

	h.mu.Lock()
	defer h.mu.Unlock()
	set, ok := h.subs[taskID]
	if !ok {
		set = make(map[*Subscription]struct{})
		h.subs[taskID] = set
	}
	set[sub] = struct{}{}
	return sub
}

// Lagged reports whether the hub dropped this subscriber because its buffer was full.
func (s *Subscription) Lagged() bool {
	s.hub.mu.RLock()
	defer s.hub.mu.RUnlock()
	return s.lagged
}

// Close unregisters the subscription. It is safe to call more than once.
func (s *Subscription) Close() {
	s.hub.mu.Lock()
	defer s.hub.mu.Unlock()
	s.hub.removeLocked(s)
}

func (h *Hub) removeLocked(s *Subscription) {
	if s.closed {
		return
	}
	s.closed = true
	close(s.ch)
	if set, ok := h.subs[s.taskID]; ok {
		delete(set, s)
		if len(set) == 0 {
			delete(h.subs, s.taskID)
		}
	}
}

// Publish delivers a locally committed event and forwards it to other runners.
func (h *Hub) Publish(ev Event) {
	h.Deliver(ev)
	if h.forwarder != nil {
		h.forwarder.Forward(ev)
	}
}

// Deliver hands ev to local subscribers only. Relayed events from other runners enter here.
func (h *Hub) Deliver(ev Event) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for sub := range h.subs[ev.TaskID] {
		select {
		case sub.ch <- ev:
		default:
			hlog.Warnf("Hub: subscriber for task %s fell behind at seq %d, dropping it", ev.TaskID, ev.Seq)
			sub.lagged = true
			h.removeLocked(sub)
		}
	}
}

// Subscribers returns the number of live subscribers for taskID.
func (h *Hub) Subscribers(taskID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs[taskID])
}
