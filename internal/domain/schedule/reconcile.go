package schedule

import (
	"sort"
	"sync"
)

// Apply merges one event into items and returns the resulting collection.
// The input slice is never modified. Events that carry no schedule delta
// return the collection unchanged.
func Apply(items []ScheduleItem, ev Event) []ScheduleItem {
	switch e := ev.(type) {
	case ScheduleUpsertEvent:
		return upsert(items, e.Item)
	case ScheduleRemoveEvent:
		return remove(items, e.ID)
	case ScheduleResetEvent:
		return []ScheduleItem{}
	default:
		return items
	}
}

func upsert(items []ScheduleItem, item ScheduleItem) []ScheduleItem {
	for i := range items {
		if items[i].ID == item.ID {
			out := Clone(items)
			out[i] = item
			return out
		}
	}
	out := make([]ScheduleItem, len(items), len(items)+1)
	copy(out, items)
	return append(out, item)
}

func remove(items []ScheduleItem, id int64) []ScheduleItem {
	for i := range items {
		if items[i].ID == id {
			out := make([]ScheduleItem, 0, len(items)-1)
			out = append(out, items[:i]...)
			return append(out, items[i+1:]...)
		}
	}
	return items
}

// Replay applies events in order to an empty collection.
func Replay(events []Event) []ScheduleItem {
	items := []ScheduleItem{}
	for _, ev := range events {
		items = Apply(items, ev)
	}
	return items
}

// Engine owns the in-memory collection for one generation session.
type Engine struct {
	mu    sync.Mutex
	items []ScheduleItem
}

// NewEngine creates an engine seeded with an initial collection.
func NewEngine(initial []ScheduleItem) *Engine {
	items := Clone(initial)
	if items == nil {
		items = []ScheduleItem{}
	}
	return &Engine{items: items}
}

// Apply merges an event into the owned collection.
func (e *Engine) Apply(ev Event) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.items = Apply(e.items, ev)
}

// Items returns a copy of the current collection in merge order.
func (e *Engine) Items() []ScheduleItem {
	e.mu.Lock()
	defer e.mu.Unlock()
	return Clone(e.items)
}

// Len returns the number of items.
func (e *Engine) Len() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.items)
}

// Reset discards the collection.
func (e *Engine) Reset() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.items = []ScheduleItem{}
}

// SortedForDisplay orders items by start time. Items with unparsable start
// times keep their relative order after all parsable ones.
func SortedForDisplay(items []ScheduleItem) []ScheduleItem {
	out := Clone(items)
	sort.SliceStable(out, func(i, j int) bool {
		ti, okI := out[i].Time.ParseStart()
		tj, okJ := out[j].Time.ParseStart()
		switch {
		case okI && okJ:
			return ti.Before(tj)
		case okI:
			return true
		default:
			return false
		}
	})
	return out
}
