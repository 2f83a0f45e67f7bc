package history

import (
	"sort"

	"github.com/hochfrequenz/provision-runner/internal/domain"
)

// Buffer holds a run's events in ascending id order without duplicates,
// keeping at most cap events by dropping the oldest.
type Buffer struct {
	cap    int
	events []domain.Event
	seen   map[int64]struct{}
	// floor is the highest id dropped by the cap; older ids are ignored
	floor int64
}

// NewBuffer creates a buffer. capacity <= 0 uses DefaultCap.
func NewBuffer(capacity int) *Buffer {
	if capacity <= 0 {
		capacity = DefaultCap
	}
	return &Buffer{cap: capacity, seen: make(map[int64]struct{})}
}

// Merge adds events not seen before and returns how many were added
func (b *Buffer) Merge(events []domain.Event) int {
	added := 0
	outOfOrder := false
	for _, ev := range events {
		if ev.ID <= b.floor {
			continue
		}
		if _, ok := b.seen[ev.ID]; ok {
			continue
		}
		if n := len(b.events); n > 0 && b.events[n-1].ID > ev.ID {
			outOfOrder = true
		}
		b.seen[ev.ID] = struct{}{}
		b.events = append(b.events, ev)
		added++
	}
	if outOfOrder {
		sort.Slice(b.events, func(i, j int) bool { return b.events[i].ID < b.events[j].ID })
	}
	if over := len(b.events) - b.cap; over > 0 {
		for _, ev := range b.events[:over] {
			delete(b.seen, ev.ID)
		}
		b.floor = b.events[over-1].ID
		b.events = append([]domain.Event(nil), b.events[over:]...)
	}
	return added
}

// Events returns the retained events
func (b *Buffer) Events() []domain.Event {
	return append([]domain.Event(nil), b.events...)
}

// Len returns the number of retained events
func (b *Buffer) Len() int {
	return len(b.events)
}

// Last returns the highest id merged so far
func (b *Buffer) Last() int64 {
	if n := len(b.events); n > 0 {
		return b.events[n-1].ID
	}
	return b.floor
}

// Lines returns the display text of retained line events, noise removed
func (b *Buffer) Lines() []string {
	var out []string
	for _, ev := range b.events {
		if isLineEvent(ev) && !IsNoise(ev.Message) {
			out = append(out, ev.Message)
		}
	}
	return out
}

func isLineEvent(ev domain.Event) bool {
	return ev.EventType == "" || ev.EventType == "line" || ev.EventType == "message"
}
