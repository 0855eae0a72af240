// Package narration accumulates progress narration emitted during generation.
// Steps have no identity and are never merged; order is arrival order.
package narration

import (
	"sync"

	"github.com/rpggio/tripsync/internal/domain/schedule"
)

// Observer is notified after each appended step with its zero-based index.
type Observer func(index int, step schedule.ReasoningStep)

// Buffer is an append-only list of reasoning steps.
type Buffer struct {
	mu       sync.Mutex
	steps    []schedule.ReasoningStep
	observer Observer
}

// NewBuffer creates an empty buffer. observer may be nil.
func NewBuffer(observer Observer) *Buffer {
	return &Buffer{observer: observer}
}

// Append adds a step at the end.
func (b *Buffer) Append(step schedule.ReasoningStep) {
	b.mu.Lock()
	b.steps = append(b.steps, step)
	index := len(b.steps) - 1
	observer := b.observer
	b.mu.Unlock()

	if observer != nil {
		observer(index, step)
	}
}

// Steps returns a copy of all steps in arrival order.
func (b *Buffer) Steps() []schedule.ReasoningStep {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]schedule.ReasoningStep, len(b.steps))
	copy(out, b.steps)
	return out
}

// Len returns the number of steps.
func (b *Buffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.steps)
}

// Latest returns the most recent step, if any.
func (b *Buffer) Latest() (schedule.ReasoningStep, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.steps) == 0 {
		return schedule.ReasoningStep{}, false
	}
	return b.steps[len(b.steps)-1], true
}

// Reset drops all steps.
func (b *Buffer) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.steps = nil
}
