package history

import (
	"fmt"
	"sync"
)

// Tag is a small stable integer handle for an entity.
type Tag int32

// NoTag is returned when an entity has no tag.
const NoTag Tag = -1

// TagTable maps tags to entity identities.
type TagTable interface {
	// Set binds t to id, growing the table as needed.
	Set(t Tag, id EntityID) error
	// Get returns the identity bound to t.
	Get(t Tag) (EntityID, error)
	// Lookup returns the tag bound to id.
	Lookup(id EntityID) (Tag, bool)
	// Release tombstones t. The tag is not reused unless SetNextTag moves
	// the counter back over it.
	Release(t Tag) error
	// Grow ensures room for n more tags.
	Grow(n int)
	// NextTag returns the next free tag, advancing the counter when
	// postIncrement is set.
	NextTag(postIncrement bool) Tag
	// SetNextTag moves the next-free counter.
	SetNextTag(t Tag)
	// Len returns the number of slots, live or tombstoned.
	Len() int
	// Each visits live bindings in tag order until fn returns false.
	Each(fn func(Tag, EntityID) bool)
}

type tagSlot struct {
	id   EntityID
	live bool
}

// ArrayTagTable is the default TagTable: a growable slice with tombstones.
// It is safe for concurrent use so one instance can be shared by streams
// owned by different goroutines.
type ArrayTagTable struct {
	mu      sync.Mutex
	slots   []tagSlot
	reverse map[EntityID]Tag
	next    Tag
}

// NewArrayTagTable creates a table with room for capacity tags.
func NewArrayTagTable(capacity int) *ArrayTagTable {
	return &ArrayTagTable{
		slots:   make([]tagSlot, 0, capacity),
		reverse: make(map[EntityID]Tag),
	}
}

// Set binds t to id.
func (a *ArrayTagTable) Set(t Tag, id EntityID) error {
	if t < 0 {
		return fmt.Errorf("%w: %d", ErrInvalidTag, t)
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	if int(t) >= len(a.slots) {
		a.growLocked(int(t) + 1 - len(a.slots))
		a.slots = a.slots[:int(t)+1]
	}
	if old := a.slots[t]; old.live {
		delete(a.reverse, old.id)
	}
	a.slots[t] = tagSlot{id: id, live: true}
	a.reverse[id] = t
	if t >= a.next {
		a.next = t + 1
	}
	return nil
}

// Get returns the identity bound to t.
func (a *ArrayTagTable) Get(t Tag) (EntityID, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if t < 0 || int(t) >= len(a.slots) || !a.slots[t].live {
		return 0, fmt.Errorf("%w: %d", ErrTagNotFound, t)
	}
	return a.slots[t].id, nil
}

// Lookup returns the tag bound to id.
func (a *ArrayTagTable) Lookup(id EntityID) (Tag, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	t, ok := a.reverse[id]
	return t, ok
}

// Release tombstones t.
func (a *ArrayTagTable) Release(t Tag) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if t < 0 || int(t) >= len(a.slots) || !a.slots[t].live {
		return fmt.Errorf("%w: %d", ErrTagNotFound, t)
	}
	delete(a.reverse, a.slots[t].id)
	a.slots[t] = tagSlot{}
	return nil
}

// Grow ensures room for n more tags without changing Len.
func (a *ArrayTagTable) Grow(n int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.growLocked(n)
}

func (a *ArrayTagTable) growLocked(n int) {
	if n <= 0 || cap(a.slots)-len(a.slots) >= n {
		return
	}
	grown := make([]tagSlot, len(a.slots), 2*cap(a.slots)+n)
	copy(grown, a.slots)
	a.slots = grown
}

// NextTag returns the next free tag.
func (a *ArrayTagTable) NextTag(postIncrement bool) Tag {
	a.mu.Lock()
	defer a.mu.Unlock()

	t := a.next
	if postIncrement {
		a.next++
	}
	return t
}

// SetNextTag moves the next-free counter.
func (a *ArrayTagTable) SetNextTag(t Tag) {
	if t < 0 {
		t = 0
	}
	a.mu.Lock()
	a.next = t
	a.mu.Unlock()
}

// Len returns the number of slots.
func (a *ArrayTagTable) Len() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.slots)
}

// Each visits live bindings in tag order.
func (a *ArrayTagTable) Each(fn func(Tag, EntityID) bool) {
	a.mu.Lock()
	snapshot := make([]tagSlot, len(a.slots))
	copy(snapshot, a.slots)
	a.mu.Unlock()

	for i, s := range snapshot {
		if !s.live {
			continue
		}
		if !fn(Tag(i), s.id) {
			return
		}
	}
}

var _ TagTable = (*ArrayTagTable)(nil)

// Process-wide shared tag table.
var (
	sharedMu   sync.RWMutex
	sharedTags TagTable
)

// InstallSharedTagTable makes t the table used by every stream created
// afterwards without an explicit table, so tags are unique across those
// streams. Existing streams and their tags are untouched.
func InstallSharedTagTable(t TagTable) {
	sharedMu.Lock()
	sharedTags = t
	sharedMu.Unlock()
}

// SharedTagTable returns the installed shared table, or nil.
func SharedTagTable() TagTable {
	sharedMu.RLock()
	defer sharedMu.RUnlock()
	return sharedTags
}

// ResetSharedTagTable removes the shared table.
func ResetSharedTagTable() {
	InstallSharedTagTable(nil)
}
