// Package sequence issues strictly increasing dispatch sequence
// numbers on top of an injected counter store.
package sequence

import "github.com/countersign-io/countersign/pkg/kvstore"

// Sequencer hands out monotonic values for a named counter. Safety
// under concurrent dispatch workers comes from the store's atomic
// increment, not from any locking here.
type Sequencer struct {
	store kvstore.CounterStore
	name  string
}

func New(store kvstore.CounterStore, name string) *Sequencer {
	return &Sequencer{store: store, name: name}
}

// Next returns the next sequence value, starting at 1.
func (s *Sequencer) Next() (int64, error) {
	return s.store.Increment(s.name)
}
