package event

// Deduper drops streaming noise: a text or thinking event whose category and
// summary equal the previously emitted event. One Deduper belongs to one
// invocation and is not safe for concurrent use.
type Deduper struct {
	lastCategory Category
	lastSummary  string
	seen         bool
}

// Accept reports whether ev should be emitted, and records it as the last
// emitted event when it is.
func (d *Deduper) Accept(ev *Event) bool {
	if ev == nil {
		return false
	}
	if d.seen && (ev.Category == CategoryText || ev.Category == CategoryThinking) &&
		ev.Category == d.lastCategory && ev.Summary == d.lastSummary {
		return false
	}
	d.lastCategory = ev.Category
	d.lastSummary = ev.Summary
	d.seen = true
	return true
}
