package session

import (
	"sync"

	"cbos/internal/event"
)

// EventLog is a fixed-capacity circular buffer of classified events. Once
// full, every write evicts the oldest event.
type EventLog struct {
	mu       sync.RWMutex
	buf      []event.Event
	capacity int
	pos      int // next write position
	full     bool
}

// NewEventLog creates an event log with the given capacity.
func NewEventLog(capacity int) *EventLog {
	if capacity < 1 {
		capacity = 1
	}
	return &EventLog{
		buf:      make([]event.Event, capacity),
		capacity: capacity,
	}
}

// Write adds an event to the log.
func (l *EventLog) Write(ev event.Event) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.buf[l.pos] = ev
	l.pos = (l.pos + 1) % l.capacity
	if l.pos == 0 {
		l.full = true
	}
}

// Len returns the number of events held.
func (l *EventLog) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.full {
		return l.capacity
	}
	return l.pos
}

// ReadAll returns all events in chronological order.
func (l *EventLog) ReadAll() []event.Event {
	l.mu.RLock()
	defer l.mu.RUnlock()

	if !l.full {
		result := make([]event.Event, l.pos)
		copy(result, l.buf[:l.pos])
		return result
	}

	result := make([]event.Event, l.capacity)
	copy(result, l.buf[l.pos:])
	copy(result[l.capacity-l.pos:], l.buf[:l.pos])
	return result
}

// Tail returns up to limit of the most recent events matching category,
// oldest first. An empty category matches everything; limit <= 0 means no
// limit.
func (l *EventLog) Tail(limit int, category event.Category) []event.Event {
	all := l.ReadAll()

	var matched []event.Event
	for _, ev := range all {
		if category == "" || ev.Category == category {
			matched = append(matched, ev)
		}
	}
	if limit > 0 && len(matched) > limit {
		matched = matched[len(matched)-limit:]
	}
	return matched
}
