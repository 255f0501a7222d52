package history

import (
	"fmt"
	"sort"
)

// Status is the state of a checkpoint.
//
//	open ──suspend──▶ suspended ──resume──▶ open
//	open ──close────▶ closed (succeeded | failed | nested)
type Status uint8

const (
	StatusUnknown Status = iota
	OpenMainline
	OpenStacked
	OpenNested
	SuspendedMainline
	SuspendedStacked
	SuspendedNested
	ClosedSucceeded
	ClosedFailed
	ClosedNested
)

var statusStrings = map[Status]string{
	StatusUnknown:     "unknown",
	OpenMainline:      "open-mainline",
	OpenStacked:       "open-stacked",
	OpenNested:        "open-nested",
	SuspendedMainline: "suspended-mainline",
	SuspendedStacked:  "suspended-stacked",
	SuspendedNested:   "suspended-nested",
	ClosedSucceeded:   "closed-succeeded",
	ClosedFailed:      "closed-failed",
	ClosedNested:      "closed-nested",
}

func (s Status) String() string {
	if str, ok := statusStrings[s]; ok {
		return str
	}
	return fmt.Sprintf("Status(%d)", uint8(s))
}

// ParseStatus is the inverse of Status.String.
func ParseStatus(s string) (Status, error) {
	for k, v := range statusStrings {
		if v == s {
			return k, nil
		}
	}
	return StatusUnknown, fmt.Errorf("unknown checkpoint status %q", s)
}

// IsOpen reports whether the checkpoint accepts records.
func (s Status) IsOpen() bool {
	return s == OpenMainline || s == OpenStacked || s == OpenNested
}

// IsSuspended reports whether the checkpoint is paused by a push.
func (s Status) IsSuspended() bool {
	return s == SuspendedMainline || s == SuspendedStacked || s == SuspendedNested
}

// IsClosed reports whether the checkpoint reached a terminal status.
func (s Status) IsClosed() bool {
	return s == ClosedSucceeded || s == ClosedFailed || s == ClosedNested
}

// IsUnresolved reports whether the checkpoint is open or suspended.
func (s Status) IsUnresolved() bool {
	return s.IsOpen() || s.IsSuspended()
}

func (s Status) suspended() Status {
	switch s {
	case OpenMainline:
		return SuspendedMainline
	case OpenStacked:
		return SuspendedStacked
	case OpenNested:
		return SuspendedNested
	}
	return s
}

func (s Status) resumed() Status {
	switch s {
	case SuspendedMainline:
		return OpenMainline
	case SuspendedStacked:
		return OpenStacked
	case SuspendedNested:
		return OpenNested
	}
	return s
}

// checkpoint is an ordered batch of change records.
type checkpoint struct {
	head, tail recordRef
	count      int

	owner deltaRef
	// next is the chronologically previous checkpoint of the owner.
	next checkpointRef

	status Status
	level  int

	mergePending bool
	severed      bool
	rolled       bool

	dead     map[EntityID]struct{}
	byEntity map[EntityID]recordRef

	mixed      MixedReport
	mixedValid bool
}

// Checkpoint is a handle to a checkpoint of a stream.
type Checkpoint struct {
	s   *Stream
	ref checkpointRef
}

func (c Checkpoint) get() *checkpoint {
	if c.s == nil {
		return nil
	}
	return c.s.cps.Get(c.ref)
}

// Valid reports whether the checkpoint still exists.
func (c Checkpoint) Valid() bool { return c.get() != nil }

// Stream returns the owning stream.
func (c Checkpoint) Stream() *Stream { return c.s }

// Status returns the checkpoint status, or StatusUnknown for a stale handle.
func (c Checkpoint) Status() Status {
	if cp := c.get(); cp != nil {
		return cp.status
	}
	return StatusUnknown
}

// Level returns the nesting level the checkpoint was opened at.
func (c Checkpoint) Level() int {
	if cp := c.get(); cp != nil {
		return cp.level
	}
	return -1
}

// Len returns the number of records.
func (c Checkpoint) Len() int {
	if cp := c.get(); cp != nil {
		return cp.count
	}
	return 0
}

// Rolled reports whether the records are currently in rolled-back roles.
func (c Checkpoint) Rolled() bool {
	cp := c.get()
	return cp != nil && cp.rolled
}

// Severed reports whether the checkpoint can no longer be rolled.
func (c Checkpoint) Severed() bool {
	cp := c.get()
	return cp != nil && cp.severed
}

// MergePending reports whether the checkpoint waits to be folded into a
// shallower checkpoint by Pop.
func (c Checkpoint) MergePending() bool {
	cp := c.get()
	return cp != nil && cp.mergePending
}

// Sever marks the checkpoint as not rollable.
func (c Checkpoint) Sever() error {
	cp := c.get()
	if cp == nil {
		return ErrStaleHandle
	}
	cp.severed = true
	return nil
}

// Delta returns the delta state that owns the checkpoint.
func (c Checkpoint) Delta() DeltaState {
	if cp := c.get(); cp != nil {
		return DeltaState{s: c.s, ref: cp.owner}
	}
	return DeltaState{}
}

// Records returns the records in list order.
func (c Checkpoint) Records() []Record {
	cp := c.get()
	if cp == nil {
		return nil
	}
	out := make([]Record, 0, cp.count)
	for rr := cp.head; !rr.IsZero(); {
		r := c.s.records.Get(rr)
		out = append(out, r.view())
		rr = r.next
	}
	return out
}

// MarkDead records that id became unreachable while the checkpoint was
// built. Records of dead entities are skipped when the checkpoint rolls.
func (c Checkpoint) MarkDead(id EntityID) error {
	cp := c.get()
	if cp == nil {
		return ErrStaleHandle
	}
	if cp.dead == nil {
		cp.dead = make(map[EntityID]struct{})
	}
	cp.dead[id] = struct{}{}
	return nil
}

// UnmarkDead reverses MarkDead.
func (c Checkpoint) UnmarkDead(id EntityID) {
	if cp := c.get(); cp != nil {
		delete(cp.dead, id)
	}
}

// IsDead reports whether id is marked dead.
func (c Checkpoint) IsDead(id EntityID) bool {
	cp := c.get()
	if cp == nil {
		return false
	}
	_, ok := cp.dead[id]
	return ok
}

// ClearDead empties the dead set.
func (c Checkpoint) ClearDead() {
	if cp := c.get(); cp != nil {
		cp.dead = nil
	}
}

// DeadEntities returns the dead set in ascending order.
func (c Checkpoint) DeadEntities() []EntityID {
	cp := c.get()
	if cp == nil || len(cp.dead) == 0 {
		return nil
	}
	ids := make([]EntityID, 0, len(cp.dead))
	for id := range cp.dead {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// MixedStreams reports whether a record belongs to a stream other than the
// checkpoint's owner, according to the stream's finder.
func (c Checkpoint) MixedStreams() (MixedReport, bool) {
	if c.get() == nil {
		return MixedReport{}, false
	}
	return c.s.checkpointMixed(c.ref)
}

// newCheckpoint allocates a checkpoint as the newest of d's chain.
func (s *Stream) newCheckpoint(d deltaRef, status Status, level int) checkpointRef {
	ref := s.cps.Insert(checkpoint{
		owner:    d,
		status:   status,
		level:    level,
		byEntity: make(map[EntityID]recordRef),
	})
	s.pushCheckpoint(d, ref)
	return ref
}

// pushCheckpoint links ref as the newest checkpoint of d.
func (s *Stream) pushCheckpoint(d deltaRef, ref checkpointRef) {
	ds := s.deltas.Get(d)
	cp := s.cps.Get(ref)
	cp.owner = d
	cp.next = ds.head
	ds.head = ref
	if ds.tail.IsZero() {
		ds.tail = ref
	}
}

// unlinkCheckpoint removes ref from its owner's chain without freeing it.
func (s *Stream) unlinkCheckpoint(ref checkpointRef) {
	cp := s.cps.Get(ref)
	ds := s.deltas.Get(cp.owner)
	if ds == nil {
		return
	}
	var newer checkpointRef
	for cur := ds.head; !cur.IsZero() && cur != ref; {
		newer = cur
		cur = s.cps.Get(cur).next
	}
	if newer.IsZero() {
		ds.head = cp.next
	} else {
		s.cps.Get(newer).next = cp.next
	}
	if ds.tail == ref {
		ds.tail = newer
	}
	cp.next = checkpointRef{}
	cp.owner = deltaRef{}
}

// chain returns d's checkpoints oldest first.
func (s *Stream) chain(d deltaRef) []checkpointRef {
	ds := s.deltas.Get(d)
	if ds == nil {
		return nil
	}
	var out []checkpointRef
	for cur := ds.head; !cur.IsZero(); cur = s.cps.Get(cur).next {
		out = append(out, cur)
	}
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out
}

// addRecord records a change in cpRef, folding it into an existing record
// of the same entity so each entity has at most one record per checkpoint.
func (s *Stream) addRecord(cpRef checkpointRef, prior, posterior Entity) (recordRef, error) {
	if prior == nil && posterior == nil {
		return recordRef{}, ErrNilEntity
	}
	cp := s.cps.Get(cpRef)
	if cp == nil {
		return recordRef{}, ErrStaleHandle
	}
	id := entityOf(prior, posterior)

	if existing, ok := cp.byEntity[id]; ok {
		r := s.records.Get(existing)
		switch {
		case r.post == nil && prior != nil:
			return recordRef{}, fmt.Errorf("%w: entity %d", ErrEntityDeleted, id)
		case r.post != nil && prior == nil:
			return recordRef{}, fmt.Errorf("%w: entity %d", ErrEntityExists, id)
		}
		incoming := newRecord(cpRef, prior, posterior)
		if err := r.absorb(&incoming, s.host); err != nil {
			return recordRef{}, fmt.Errorf("%w: entity %d", err, id)
		}
		cp.mixedValid = false
		return existing, nil
	}

	rr := s.records.Insert(newRecord(cpRef, prior, posterior))
	cp = s.cps.Get(cpRef)
	s.appendToList(cp, rr)
	cp.byEntity[id] = rr
	cp.mixedValid = false
	s.linkLatest(rr)
	return rr, nil
}

// appendToList splices rr at the tail of cp's record list.
func (s *Stream) appendToList(cp *checkpoint, rr recordRef) {
	r := s.records.Get(rr)
	r.prev = cp.tail
	r.next = recordRef{}
	if cp.tail.IsZero() {
		cp.head = rr
	} else {
		s.records.Get(cp.tail).next = rr
	}
	cp.tail = rr
	cp.count++
}

// removeFromList splices rr out of its checkpoint's record list.
func (s *Stream) removeFromList(rr recordRef) {
	r := s.records.Get(rr)
	cp := s.cps.Get(r.cp)
	if r.prev.IsZero() {
		cp.head = r.next
	} else {
		s.records.Get(r.prev).next = r.next
	}
	if r.next.IsZero() {
		cp.tail = r.prev
	} else {
		s.records.Get(r.next).prev = r.prev
	}
	r.prev, r.next = recordRef{}, recordRef{}
	cp.count--
	if cp.byEntity[r.id] == rr {
		delete(cp.byEntity, r.id)
	}
	cp.mixedValid = false
}

// freeRecord unlinks rr everywhere, clears its entity references and
// releases its slot.
func (s *Stream) freeRecord(rr recordRef) {
	s.removeFromList(rr)
	s.unlinkLatest(rr)
	r := s.records.Get(rr)
	r.prior, r.post = nil, nil
	s.records.Remove(rr)
}

// linkLatest threads rr onto the side table chain of its entity.
func (s *Stream) linkLatest(rr recordRef) {
	r := s.records.Get(rr)
	if prev, ok := s.latest[r.id]; ok && prev != rr {
		if pr := s.records.Get(prev); pr != nil {
			pr.later = rr
			r.earlier = prev
		}
	}
	s.latest[r.id] = rr
}

// unlinkLatest removes rr from its entity's side table chain.
func (s *Stream) unlinkLatest(rr recordRef) {
	r := s.records.Get(rr)
	if e := s.records.Get(r.earlier); e != nil {
		e.later = r.later
	}
	if l := s.records.Get(r.later); l != nil {
		l.earlier = r.earlier
	}
	if s.latest[r.id] == rr {
		if r.earlier.IsZero() {
			delete(s.latest, r.id)
		} else {
			s.latest[r.id] = r.earlier
		}
	}
	r.earlier, r.later = recordRef{}, recordRef{}
}

// rollCheckpoint rolls every record in list order and flips the direction
// bit. Records of dead entities stay untouched.
func (s *Stream) rollCheckpoint(ref checkpointRef) {
	cp := s.cps.Get(ref)
	for rr := cp.head; !rr.IsZero(); {
		r := s.records.Get(rr)
		if _, dead := cp.dead[r.id]; !dead {
			r.roll(s.host)
		}
		rr = r.next
	}
	cp.rolled = !cp.rolled
	cp.mixedValid = false
}

// destroyCheckpoint frees ref and all of its records.
func (s *Stream) destroyCheckpoint(ref checkpointRef) {
	cp := s.cps.Get(ref)
	if cp == nil {
		return
	}
	for rr := cp.head; !rr.IsZero(); {
		next := s.records.Get(rr).next
		s.freeRecord(rr)
		rr = next
	}
	if !cp.owner.IsZero() {
		s.unlinkCheckpoint(ref)
	}
	if lvl, ok := s.openLevel(ref); ok {
		delete(s.open, lvl)
		s.openCount--
	}
	s.cps.Remove(ref)
}

func (s *Stream) openLevel(ref checkpointRef) (int, bool) {
	for lvl, r := range s.open {
		if r == ref {
			return lvl, true
		}
	}
	return 0, false
}

// mergeCheckpoints absorbs newer into base, preserving record order. Records
// of an entity present in both are folded into one. The merge is refused
// when the two checkpoints diagnose different foreign streams.
func (s *Stream) mergeCheckpoints(base, newer checkpointRef) error {
	b := s.cps.Get(base)
	n := s.cps.Get(newer)
	if b == nil || n == nil {
		return ErrStaleHandle
	}
	if b.rolled != n.rolled {
		return fmt.Errorf("%w: checkpoints roll in different directions", ErrIllegalTransition)
	}
	if b.rolled {
		return fmt.Errorf("%w: checkpoints are rolled back", ErrNotRollable)
	}
	bm, bMixed := s.checkpointMixed(base)
	nm, nMixed := s.checkpointMixed(newer)
	if bMixed && nMixed && bm.Offender != nm.Offender {
		return fmt.Errorf("%w: merge would join records of %s and %s",
			ErrMixedStreams, bm.Offender.Name(), nm.Offender.Name())
	}

	b = s.cps.Get(base)
	n = s.cps.Get(newer)
	for rr := n.head; !rr.IsZero(); {
		r := s.records.Get(rr)
		if existing, ok := b.byEntity[r.id]; ok {
			e := s.records.Get(existing)
			if e.prior != nil && e.post == nil && r.prior == nil && r.post != nil {
				return fmt.Errorf("%w: entity %d is re-created", ErrEntityDeleted, r.id)
			}
		}
		rr = r.next
	}

	for rr := n.head; !rr.IsZero(); {
		r := s.records.Get(rr)
		next := r.next
		if existing, ok := s.cps.Get(base).byEntity[r.id]; ok {
			_ = s.records.Get(existing).absorb(r, s.host)
			s.freeRecord(rr)
		} else {
			s.removeFromList(rr)
			r = s.records.Get(rr)
			r.cp = base
			b = s.cps.Get(base)
			s.appendToList(b, rr)
			b.byEntity[r.id] = rr
		}
		rr = next
	}
	n = s.cps.Get(newer)
	b = s.cps.Get(base)
	for id := range n.dead {
		if b.dead == nil {
			b.dead = make(map[EntityID]struct{})
		}
		b.dead[id] = struct{}{}
	}
	b.severed = b.severed || n.severed
	b.mixedValid = false
	s.destroyCheckpoint(newer)
	return nil
}

func entityOf(prior, posterior Entity) EntityID {
	if posterior != nil {
		return posterior.EntityID()
	}
	return prior.EntityID()
}
