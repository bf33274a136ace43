package state

import (
	"sync"

	"cbos/internal/session"
)

// CommitThreshold is how many consecutive equal raw readings it takes
// before a heuristic state becomes visible.
const CommitThreshold = 2

type reading struct {
	lastRaw   session.State
	count     int
	committed session.State
}

// Hysteresis smooths raw heuristic readings per session so a state must be
// observed on consecutive polls before it is committed.
type Hysteresis struct {
	mu       sync.Mutex
	readings map[string]*reading
}

// NewHysteresis returns an empty filter.
func NewHysteresis() *Hysteresis {
	return &Hysteresis{readings: make(map[string]*reading)}
}

// Observe records one raw reading for slug and returns the committed state.
// current seeds the committed state the first time slug is seen.
func (h *Hysteresis) Observe(slug string, raw, current session.State) session.State {
	h.mu.Lock()
	defer h.mu.Unlock()

	r, ok := h.readings[slug]
	if !ok {
		h.readings[slug] = &reading{lastRaw: raw, count: 1, committed: current}
		return current
	}

	if raw == r.lastRaw {
		r.count++
		if r.count >= CommitThreshold {
			r.committed = raw
		}
	} else {
		r.lastRaw = raw
		r.count = 1
	}
	return r.committed
}

// Forget drops the cached readings for slug.
func (h *Hysteresis) Forget(slug string) {
	h.mu.Lock()
	delete(h.readings, slug)
	h.mu.Unlock()
}
