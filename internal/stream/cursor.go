package stream

import "sync"

// Cursor is the per-run watermark of the highest durable event id that has
// been dispatched. Reconnects ask the server only for events after it.
type Cursor struct {
	mu    sync.Mutex
	value int64
}

// NewCursor creates a cursor positioned at start
func NewCursor(start int64) *Cursor {
	if start < 0 {
		start = 0
	}
	return &Cursor{value: start}
}

// Value returns the current watermark
func (c *Cursor) Value() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.value
}

// Advance moves the watermark to id if id is newer and reports whether it
// did. A false result means the event was already dispatched.
func (c *Cursor) Advance(id int64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if id <= c.value {
		return false
	}
	c.value = id
	return true
}

// Seen reports whether id is at or below the watermark
func (c *Cursor) Seen(id int64) bool {
	return id <= c.Value()
}
