package mitigation

import (
	"Go2FlowGuard/internal/model"
	"sync"
)

// History keeps the most recent mitigation events in a ring buffer.
type History struct {
	mu     sync.Mutex
	events []model.MitigationEvent
	next   int
	full   bool
	total  uint64
}

// NewHistory creates a ring buffer holding up to size events.
func NewHistory(size int) *History {
	if size <= 0 {
		size = 1
	}
	return &History{events: make([]model.MitigationEvent, size)}
}

// Record implements model.EventSink.
func (h *History) Record(ev model.MitigationEvent) {
	h.mu.Lock()
	h.events[h.next] = ev
	h.next = (h.next + 1) % len(h.events)
	if h.next == 0 {
		h.full = true
	}
	h.total++
	h.mu.Unlock()
}

// Recent returns up to limit events, newest first. A limit <= 0 returns all.
func (h *History) Recent(limit int) []model.MitigationEvent {
	h.mu.Lock()
	defer h.mu.Unlock()

	n := h.next
	if h.full {
		n = len(h.events)
	}
	if limit <= 0 || limit > n {
		limit = n
	}
	out := make([]model.MitigationEvent, 0, limit)
	for i := 1; i <= limit; i++ {
		idx := (h.next - i + len(h.events)) % len(h.events)
		out = append(out, h.events[idx])
	}
	return out
}

// Total returns the number of events ever recorded.
func (h *History) Total() uint64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.total
}

// Since returns the events recorded after the first `seen` ones, oldest
// first, along with the new total. Events that were already overwritten are
// lost.
func (h *History) Since(seen uint64) ([]model.MitigationEvent, uint64) {
	h.mu.Lock()
	defer h.mu.Unlock()

	missed := h.total - seen
	if seen > h.total {
		missed = 0
	}
	if missed > uint64(len(h.events)) {
		missed = uint64(len(h.events))
	}
	out := make([]model.MitigationEvent, 0, missed)
	for i := int(missed); i >= 1; i-- {
		idx := (h.next - i + len(h.events)) % len(h.events)
		out = append(out, h.events[idx])
	}
	return out, h.total
}
