package orchestrator

import (
	"encoding/json"
	"sync"
)

// Event names published while a stored plan executes.
const (
	EventStart = "start"
	EventStep  = "step"
	EventDone  = "done"
	EventError = "error"
)

// Event is a generic SSE payload wrapper. RunID tells concurrent runs of
// the same plan apart.
type Event struct {
	Event   string `json:"event"`
	PlanID  string `json:"planId"`
	RunID   string `json:"runId,omitempty"`
	Payload any    `json:"payload,omitempty"`
}

type subscriber chan []byte

// subscriberBuffer bounds how far a slow SSE client may lag before events
// are dropped for it.
const subscriberBuffer = 64

// Hub fans run events out to every subscriber of a topic. The orchestrator
// uses run ids as topics.
type Hub struct {
	mu   sync.RWMutex
	subs map[string]map[subscriber]struct{} // topic -> set of subscribers
}

func NewHub() *Hub { return &Hub{subs: map[string]map[subscriber]struct{}{}} }

// Subscribe returns a channel of JSON-encoded events for topic. The caller
// must call the returned func when done; it closes the channel.
func (h *Hub) Subscribe(topic string) (<-chan []byte, func()) {
	ch := make(subscriber, subscriberBuffer)
	h.mu.Lock()
	set := h.subs[topic]
	if set == nil {
		set = map[subscriber]struct{}{}
		h.subs[topic] = set
	}
	set[ch] = struct{}{}
	h.mu.Unlock()

	var once sync.Once
	unsubscribe := func() {
		once.Do(func() {
			h.mu.Lock()
			if set, ok := h.subs[topic]; ok {
				delete(set, ch)
				if len(set) == 0 {
					delete(h.subs, topic)
				}
			}
			close(ch)
			h.mu.Unlock()
		})
	}
	return ch, unsubscribe
}

// Publish delivers ev to every current subscriber of topic without blocking.
func (h *Hub) Publish(topic string, ev Event) {
	b, err := json.Marshal(ev)
	if err != nil {
		b, _ = json.Marshal(Event{Event: EventError, PlanID: ev.PlanID, RunID: ev.RunID, Payload: map[string]string{"error": err.Error()}})
	}
	h.mu.RLock()
	for ch := range h.subs[topic] {
		select {
		case ch <- b:
		default:
		}
	}
	h.mu.RUnlock()
}

// Subscribers counts the live subscriptions of topic.
func (h *Hub) Subscribers(topic string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs[topic])
}
