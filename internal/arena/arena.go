// Package arena implements a generation-checked slot map.
//
// Values live in a dense slice of slots. A Handle names a slot together with
// the generation it was issued for, so a handle that outlives its value is
// detected instead of silently aliasing whatever reuses the slot.
package arena

import "fmt"

// Handle addresses a value stored in an Arena[T]. The zero Handle is never
// issued and is used as the nil reference.
type Handle[T any] struct {
	index uint32
	gen   uint32
}

// IsZero reports whether h is the nil handle.
func (h Handle[T]) IsZero() bool {
	return h.gen == 0
}

// Index returns the slot index of the handle.
func (h Handle[T]) Index() uint32 {
	return h.index
}

// Generation returns the generation the handle was issued for.
func (h Handle[T]) Generation() uint32 {
	return h.gen
}

func (h Handle[T]) String() string {
	if h.IsZero() {
		return "nil"
	}
	return fmt.Sprintf("%d@%d", h.index, h.gen)
}

type slot[T any] struct {
	gen      uint32
	occupied bool
	value    T
}

// Arena is a slot map. It is not safe for concurrent use.
type Arena[T any] struct {
	slots []slot[T]
	free  []uint32
	count int
}

// New creates an arena with room for capacity values.
func New[T any](capacity int) *Arena[T] {
	return &Arena[T]{slots: make([]slot[T], 0, capacity)}
}

// Insert stores v and returns its handle.
func (a *Arena[T]) Insert(v T) Handle[T] {
	var idx uint32
	if n := len(a.free); n > 0 {
		idx = a.free[n-1]
		a.free = a.free[:n-1]
	} else {
		a.slots = append(a.slots, slot[T]{})
		idx = uint32(len(a.slots) - 1)
	}
	s := &a.slots[idx]
	s.gen++
	if s.gen == 0 {
		// Generation 0 is reserved for the nil handle.
		s.gen = 1
	}
	s.occupied = true
	s.value = v
	a.count++
	return Handle[T]{index: idx, gen: s.gen}
}

// Get returns a pointer to the value for h, or nil if h is stale or zero.
// The pointer is invalidated by the next Insert.
func (a *Arena[T]) Get(h Handle[T]) *T {
	if h.IsZero() || int(h.index) >= len(a.slots) {
		return nil
	}
	s := &a.slots[h.index]
	if !s.occupied || s.gen != h.gen {
		return nil
	}
	return &s.value
}

// Contains reports whether h refers to a live value.
func (a *Arena[T]) Contains(h Handle[T]) bool {
	return a.Get(h) != nil
}

// Remove deletes the value for h and returns it.
func (a *Arena[T]) Remove(h Handle[T]) (T, bool) {
	var zero T
	if a.Get(h) == nil {
		return zero, false
	}
	s := &a.slots[h.index]
	v := s.value
	s.value = zero
	s.occupied = false
	a.free = append(a.free, h.index)
	a.count--
	return v, true
}

// Len returns the number of live values.
func (a *Arena[T]) Len() int {
	return a.count
}

// Each calls fn for every live value in slot order until fn returns false.
func (a *Arena[T]) Each(fn func(Handle[T], *T) bool) {
	for i := range a.slots {
		s := &a.slots[i]
		if !s.occupied {
			continue
		}
		if !fn(Handle[T]{index: uint32(i), gen: s.gen}, &s.value) {
			return
		}
	}
}

// Clear removes every value. Outstanding handles become stale.
func (a *Arena[T]) Clear() {
	var zero T
	a.free = a.free[:0]
	for i := range a.slots {
		s := &a.slots[i]
		if s.occupied {
			s.occupied = false
			s.value = zero
		}
		a.free = append(a.free, uint32(i))
	}
	a.count = 0
}
