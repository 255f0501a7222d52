package history

import (
	"fmt"
	"sort"
)

// deltaState is a committed transition between two model states.
//
// The from/to pair is stored in forward orientation. While rollsBack is set
// the transition currently runs from fwdTo back to fwdFrom.
type deltaState struct {
	fwdFrom, fwdTo StateID
	this           StateID
	rollsBack      bool
	hidden         bool

	// head is the newest checkpoint, tail the oldest.
	head, tail checkpointRef

	// prev is the parent, next the most recently visited child and partner
	// the next sibling in a circular ring.
	prev, next, partner deltaRef

	merged []StateID
	name   string
}

func (d *deltaState) from() StateID {
	if d.rollsBack {
		return d.fwdTo
	}
	return d.fwdFrom
}

func (d *deltaState) to() StateID {
	if d.rollsBack {
		return d.fwdFrom
	}
	return d.fwdTo
}

// EntityClass selects entities by their net change across a delta state.
type EntityClass uint8

const (
	// Created entities did not exist before the transition.
	Created EntityClass = iota
	// Changed entities exist on both sides.
	Changed
	// Deleted entities do not exist after the transition.
	Deleted
	// ChangedOrDeleted entities existed before the transition.
	ChangedOrDeleted
	// Survivors exist after the transition.
	Survivors
)

var entityClassStrings = map[EntityClass]string{
	Created:          "created",
	Changed:          "changed",
	Deleted:          "deleted",
	ChangedOrDeleted: "changed-or-deleted",
	Survivors:        "survivors",
}

func (c EntityClass) String() string {
	if s, ok := entityClassStrings[c]; ok {
		return s
	}
	return fmt.Sprintf("EntityClass(%d)", uint8(c))
}

// DeltaState is a handle to a delta state of a stream. The zero value is an
// invalid handle.
type DeltaState struct {
	s   *Stream
	ref deltaRef
}

func (d DeltaState) get() *deltaState {
	if d.s == nil {
		return nil
	}
	return d.s.deltas.Get(d.ref)
}

// Valid reports whether the handle refers to a live delta state.
func (d DeltaState) Valid() bool { return d.get() != nil }

// Stream returns the owning stream.
func (d DeltaState) Stream() *Stream { return d.s }

// Equal reports whether both handles name the same delta state.
func (d DeltaState) Equal(o DeltaState) bool { return d.s == o.s && d.ref == o.ref }

// From returns the state the transition currently starts at.
func (d DeltaState) From() StateID {
	if ds := d.get(); ds != nil {
		return ds.from()
	}
	return 0
}

// To returns the state the transition currently leads to.
func (d DeltaState) To() StateID {
	if ds := d.get(); ds != nil {
		return ds.to()
	}
	return 0
}

// ID returns the state id the delta state was noted as.
func (d DeltaState) ID() StateID {
	if ds := d.get(); ds != nil {
		return ds.this
	}
	return 0
}

// RollsBack reports whether the delta state is currently rolled back.
func (d DeltaState) RollsBack() bool {
	ds := d.get()
	return ds != nil && ds.rollsBack
}

// Hidden reports whether the delta state is hidden from user-level undo.
func (d DeltaState) Hidden() bool {
	ds := d.get()
	return ds != nil && ds.hidden
}

// SetHidden marks the delta state hidden.
func (d DeltaState) SetHidden(hidden bool) {
	if ds := d.get(); ds != nil {
		ds.hidden = hidden
	}
}

// Name returns the optional name.
func (d DeltaState) Name() string {
	if ds := d.get(); ds != nil {
		return ds.name
	}
	return ""
}

// SetName names the delta state.
func (d DeltaState) SetName(name string) {
	if ds := d.get(); ds != nil {
		ds.name = name
	}
}

// Merged returns the state ids absorbed into this delta state.
func (d DeltaState) Merged() []StateID {
	if ds := d.get(); ds != nil {
		return append([]StateID(nil), ds.merged...)
	}
	return nil
}

// IsRoot reports whether the delta state is the stream's root.
func (d DeltaState) IsRoot() bool {
	return d.Valid() && d.ref == d.s.root
}

// Prev returns the parent, or an invalid handle for the root.
func (d DeltaState) Prev() DeltaState {
	if ds := d.get(); ds != nil && !ds.prev.IsZero() {
		return DeltaState{s: d.s, ref: ds.prev}
	}
	return DeltaState{}
}

// Next returns the most recently visited child.
func (d DeltaState) Next() DeltaState {
	if ds := d.get(); ds != nil && !ds.next.IsZero() {
		return DeltaState{s: d.s, ref: ds.next}
	}
	return DeltaState{}
}

// Partner returns the next sibling in the ring. A delta state without
// siblings is its own partner.
func (d DeltaState) Partner() DeltaState {
	if ds := d.get(); ds != nil && !ds.partner.IsZero() {
		return DeltaState{s: d.s, ref: ds.partner}
	}
	return DeltaState{}
}

// Children returns the children, most recently visited first.
func (d DeltaState) Children() []DeltaState {
	if d.get() == nil {
		return nil
	}
	refs := d.s.children(d.ref)
	out := make([]DeltaState, len(refs))
	for i, r := range refs {
		out[i] = DeltaState{s: d.s, ref: r}
	}
	return out
}

// Checkpoints returns the checkpoints oldest first.
func (d DeltaState) Checkpoints() []Checkpoint {
	if d.get() == nil {
		return nil
	}
	refs := d.s.chain(d.ref)
	out := make([]Checkpoint, len(refs))
	for i, r := range refs {
		out[i] = Checkpoint{s: d.s, ref: r}
	}
	return out
}

// Len returns the number of records across all checkpoints.
func (d DeltaState) Len() int {
	n := 0
	for _, cp := range d.Checkpoints() {
		n += cp.Len()
	}
	return n
}

// Scan returns the subtree rooted at d in pre-order.
func (d DeltaState) Scan() []DeltaState {
	if d.get() == nil {
		return nil
	}
	refs := d.s.scan(d.ref)
	out := make([]DeltaState, len(refs))
	for i, r := range refs {
		out[i] = DeltaState{s: d.s, ref: r}
	}
	return out
}

// FindEntities classifies the entities touched by d by their net change
// in the direction d currently rolls.
func (d DeltaState) FindEntities(class EntityClass) []EntityID {
	ds := d.get()
	if ds == nil {
		return nil
	}
	type net struct {
		first, last Entity
		seen        bool
	}
	nets := make(map[EntityID]*net)
	for _, cpRef := range d.s.chain(d.ref) {
		cp := d.s.cps.Get(cpRef)
		for rr := cp.head; !rr.IsZero(); {
			r := d.s.records.Get(rr)
			prior, post := r.prior, r.post
			if cp.rolled {
				prior, post = post, prior
			}
			n, ok := nets[r.id]
			if !ok {
				n = &net{}
				nets[r.id] = n
			}
			if !n.seen {
				n.first, n.seen = prior, true
			}
			n.last = post
			rr = r.next
		}
	}

	var out []EntityID
	for id, n := range nets {
		before, after := n.first, n.last
		if ds.rollsBack {
			before, after = after, before
		}
		var match bool
		switch class {
		case Created:
			match = before == nil && after != nil
		case Changed:
			match = before != nil && after != nil
		case Deleted:
			match = before != nil && after == nil
		case ChangedOrDeleted:
			match = before != nil
		case Survivors:
			match = after != nil
		}
		if match {
			out = append(out, id)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func (d DeltaState) String() string {
	ds := d.get()
	if ds == nil {
		return "delta(nil)"
	}
	dir := "fwd"
	if ds.rollsBack {
		dir = "back"
	}
	return fmt.Sprintf("delta(%d: %d->%d %s)", ds.this, ds.from(), ds.to(), dir)
}

// addChild links child under parent and makes it the parent's next.
func (s *Stream) addChild(parent, child deltaRef) {
	p := s.deltas.Get(parent)
	c := s.deltas.Get(child)
	c.prev = parent
	if p.next.IsZero() {
		c.partner = child
	} else {
		first := s.deltas.Get(p.next)
		c.partner = first.partner
		first.partner = child
	}
	p.next = child
}

// detachChild unlinks child from its parent's ring.
func (s *Stream) detachChild(child deltaRef) {
	c := s.deltas.Get(child)
	p := s.deltas.Get(c.prev)
	if p == nil {
		return
	}
	if c.partner == child {
		p.next = deltaRef{}
	} else {
		before := child
		for {
			nxt := s.deltas.Get(before).partner
			if nxt == child {
				break
			}
			before = nxt
		}
		s.deltas.Get(before).partner = c.partner
		if p.next == child {
			p.next = c.partner
		}
	}
	c.prev = deltaRef{}
	c.partner = deltaRef{}
}

// children returns d's children starting at d.next.
func (s *Stream) children(d deltaRef) []deltaRef {
	ds := s.deltas.Get(d)
	if ds == nil || ds.next.IsZero() {
		return nil
	}
	out := []deltaRef{ds.next}
	for cur := s.deltas.Get(ds.next).partner; cur != ds.next; cur = s.deltas.Get(cur).partner {
		out = append(out, cur)
	}
	return out
}

// scan returns the subtree rooted at d in pre-order.
func (s *Stream) scan(d deltaRef) []deltaRef {
	var out []deltaRef
	stack := []deltaRef{d}
	for len(stack) > 0 {
		cur := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		out = append(out, cur)
		kids := s.children(cur)
		for i := len(kids) - 1; i >= 0; i-- {
			stack = append(stack, kids[i])
		}
	}
	return out
}

// pathToRoot returns d and its ancestors, d first.
func (s *Stream) pathToRoot(d deltaRef) []deltaRef {
	var out []deltaRef
	for cur := d; !cur.IsZero(); cur = s.deltas.Get(cur).prev {
		out = append(out, cur)
	}
	return out
}

// onActivePath reports whether d lies on the root-to-active path.
func (s *Stream) onActivePath(d deltaRef) bool {
	for cur := s.active; !cur.IsZero(); cur = s.deltas.Get(cur).prev {
		if cur == d {
			return true
		}
	}
	return false
}

// rollDelta rolls every checkpoint of d and flips its direction. Undoing
// walks the checkpoints newest first, redoing oldest first.
func (s *Stream) rollDelta(d deltaRef) {
	ds := s.deltas.Get(d)
	refs := s.chain(d)
	if !ds.rollsBack {
		for i := len(refs) - 1; i >= 0; i-- {
			s.rollCheckpoint(refs[i])
		}
	} else {
		for _, r := range refs {
			s.rollCheckpoint(r)
		}
	}
	ds = s.deltas.Get(d)
	ds.rollsBack = !ds.rollsBack
}

// rollable reports why d cannot be rolled, or nil.
func (s *Stream) rollable(d deltaRef) error {
	ds := s.deltas.Get(d)
	for cur := ds.head; !cur.IsZero(); {
		cp := s.cps.Get(cur)
		switch {
		case cp.status.IsUnresolved():
			return fmt.Errorf("%w: state %d holds a %s checkpoint", ErrCheckpointOpen, ds.this, cp.status)
		case cp.severed:
			return fmt.Errorf("%w: state %d holds a severed checkpoint", ErrNotRollable, ds.this)
		}
		cur = cp.next
	}
	return nil
}

// freeDelta destroys d's checkpoints, unlinks it and releases its slot.
// Children must already be gone or reparented.
func (s *Stream) freeDelta(d deltaRef) {
	ds := s.deltas.Get(d)
	if ds == nil {
		return
	}
	for cur := ds.head; !cur.IsZero(); {
		next := s.cps.Get(cur).next
		s.destroyCheckpoint(cur)
		cur = next
	}
	if !s.deltas.Get(d).prev.IsZero() {
		s.detachChild(d)
	}
	s.deltas.Remove(d)
}

// freeSubtree frees d and all of its descendants and returns how many delta
// states were removed.
func (s *Stream) freeSubtree(d deltaRef) int {
	nodes := s.scan(d)
	for i := len(nodes) - 1; i >= 0; i-- {
		s.freeDelta(nodes[i])
	}
	return len(nodes)
}
