package events

import (
	"sync"
	"sync/atomic"

	"grimm.is/paramstrip/internal/clock"
)

const defaultBuffer = 256

type subscriber struct {
	ch    chan Event
	types map[EventType]bool // empty means every type
}

func (s *subscriber) wants(t EventType) bool {
	return len(s.types) == 0 || s.types[t]
}

// Hub fans rule outcomes out to subscribers without ever blocking the
// publisher. Slow subscribers lose events; Stats reports how many.
type Hub struct {
	mu   sync.RWMutex
	subs []*subscriber

	seq       atomic.Uint64
	published atomic.Uint64
	dropped   atomic.Uint64
}

// NewHub creates an empty hub.
func NewHub() *Hub {
	return &Hub{}
}

// Publish stamps e with a sequence number and, if unset, the current time,
// then offers it to every matching subscriber. A nil hub discards events.
func (h *Hub) Publish(e Event) {
	if h == nil {
		return
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = clock.Now()
	}
	e.Seq = h.seq.Add(1)
	h.published.Add(1)

	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, s := range h.subs {
		if !s.wants(e.Type) {
			continue
		}
		select {
		case s.ch <- e:
		default:
			h.dropped.Add(1)
		}
	}
}

// Subscribe returns a channel receiving events of the given types, or of
// every type when none are given. The caller must keep draining it.
func (h *Hub) Subscribe(bufSize int, types ...EventType) <-chan Event {
	if bufSize <= 0 {
		bufSize = defaultBuffer
	}
	s := &subscriber{ch: make(chan Event, bufSize)}
	if len(types) > 0 {
		s.types = make(map[EventType]bool, len(types))
		for _, t := range types {
			s.types[t] = true
		}
	}

	h.mu.Lock()
	h.subs = append(h.subs, s)
	h.mu.Unlock()
	return s.ch
}

// Unsubscribe stops delivery to ch. The channel is left open so a reader
// blocked on it is not handed a zero Event.
func (h *Hub) Unsubscribe(ch <-chan Event) {
	h.mu.Lock()
	defer h.mu.Unlock()
	kept := h.subs[:0]
	for _, s := range h.subs {
		if (<-chan Event)(s.ch) != ch {
			kept = append(kept, s)
		}
	}
	for i := len(kept); i < len(h.subs); i++ {
		h.subs[i] = nil
	}
	h.subs = kept
}

// Stats returns publish and drop counts.
func (h *Hub) Stats() (published, dropped uint64) {
	return h.published.Load(), h.dropped.Load()
}

// EmitRule publishes a single-rule outcome from the synchronizer.
func (h *Hub) EmitRule(t EventType, data RuleEventData) {
	h.Publish(Event{Type: t, Source: sourceSync, Data: data})
}

// EmitBulk publishes the summary of a seed or reconcile run.
func (h *Hub) EmitBulk(t EventType, data BulkEventData) {
	h.Publish(Event{Type: t, Source: sourceSync, Data: data})
}
