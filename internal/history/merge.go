package history

import (
	"fmt"
	"time"
)

// MergeNext folds the most recently visited child of d into d. The other
// children of d are pruned, since after the merge no state remains for them
// to branch from. Both states must roll in the same direction and active
// must not lie in a pruned branch.
func (s *Stream) MergeNext(d DeltaState) error {
	if d.s != s {
		return fmt.Errorf("merge next: %w", ErrStreamMismatch)
	}
	ds := d.get()
	if ds == nil || d.ref == s.current {
		return fmt.Errorf("merge next: %w", ErrStaleHandle)
	}
	if d.ref == s.root {
		return fmt.Errorf("merge next: %w: cannot merge into the root", ErrIllegalTransition)
	}
	if ds.next.IsZero() {
		return fmt.Errorf("merge next: %w: state %d has no following state", ErrIllegalTransition, ds.this)
	}
	child := ds.next
	c := s.deltas.Get(child)
	if c.rollsBack != ds.rollsBack {
		return fmt.Errorf("merge next: %w: states %d and %d roll in different directions",
			ErrNotRollable, ds.this, c.this)
	}
	var others []deltaRef
	for _, kid := range s.children(d.ref) {
		if kid == child {
			continue
		}
		if s.onActivePath(kid) {
			return fmt.Errorf("merge next: %w: active state lies in a sibling of %d", ErrPruneActive, c.this)
		}
		others = append(others, kid)
	}

	start := time.Now()
	pruned := 0
	for _, o := range others {
		pruned += s.freeSubtree(o)
	}
	for _, cp := range s.chain(child) {
		s.unlinkCheckpoint(cp)
		s.pushCheckpoint(d.ref, cp)
	}

	ds = s.deltas.Get(d.ref)
	c = s.deltas.Get(child)
	mergedID := ds.fwdTo
	ds.fwdTo = c.fwdTo
	ds.this = c.this
	ds.merged = append(append(ds.merged, mergedID), c.merged...)
	if ds.name == "" {
		ds.name = c.name
	}
	s.merged = append(s.merged, mergedID)

	kids := s.children(child)
	s.detachChild(child)
	for i := len(kids) - 1; i >= 0; i-- {
		s.detachChild(kids[i])
		s.addChild(d.ref, kids[i])
	}
	if s.active == child {
		s.active = d.ref
	}
	s.deltas.Remove(child)

	s.logger.Info("merged states", "into", mergedID, "absorbed", ds.this, "pruned", pruned)
	s.emit(Event{Kind: EventMerge, From: ds.from(), To: ds.to(), Count: pruned, Detail: "merge next"}, start)
	return nil
}

// CompressCheckpoints folds all checkpoints of d into its oldest one.
func (s *Stream) CompressCheckpoints(d DeltaState) error {
	if d.s != s {
		return fmt.Errorf("compress: %w", ErrStreamMismatch)
	}
	if !d.Valid() {
		return fmt.Errorf("compress: %w", ErrStaleHandle)
	}
	refs := s.chain(d.ref)
	for _, r := range refs {
		if st := s.cps.Get(r).status; st.IsUnresolved() {
			return fmt.Errorf("compress: %w: checkpoint is %s", ErrCheckpointOpen, st)
		}
	}
	if len(refs) < 2 {
		return nil
	}
	start := time.Now()
	for _, r := range refs[1:] {
		if err := s.mergeCheckpoints(refs[0], r); err != nil {
			return fmt.Errorf("compress: %w", err)
		}
	}
	s.emit(Event{Kind: EventMerge, From: d.From(), To: d.To(), Count: len(refs), Detail: "compress"}, start)
	return nil
}

// MergeResult describes a stream merge.
type MergeResult struct {
	// Relocated counts the delta states moved.
	Relocated int
	// StateMap maps the other stream's state ids to the new ids.
	StateMap map[StateID]StateID
	// TagMap maps tags that had to be renumbered.
	TagMap map[Tag]Tag
}

// Merge relocates every delta state of other below this stream's active
// state and empties other. The states other had applied become applied
// here, so active moves to other's former active state. Callers serialize
// Merge against any other use of either stream.
func (s *Stream) Merge(other *Stream) (MergeResult, error) {
	res := MergeResult{StateMap: make(map[StateID]StateID), TagMap: make(map[Tag]Tag)}
	if other == nil || other == s {
		return res, fmt.Errorf("merge: %w", ErrStreamMismatch)
	}
	if s.openCount > 0 || other.openCount > 0 {
		return res, fmt.Errorf("merge: %w", ErrCheckpointOpen)
	}
	if s.Uncommitted() || other.Uncommitted() {
		return res, fmt.Errorf("merge: %w", ErrUncommitted)
	}
	start := time.Now()

	mapping := map[deltaRef]deltaRef{other.root: s.active}
	res.StateMap[other.deltas.Get(other.root).fwdTo] = s.State()
	nodes := other.scan(other.root)
	for _, od := range nodes[1:] {
		o := other.deltas.Get(od)
		parent := mapping[o.prev]
		nd := s.deltas.Insert(deltaState{
			rollsBack: o.rollsBack,
			hidden:    o.hidden,
			name:      o.name,
			merged:    append([]StateID(nil), o.merged...),
		})
		ndp := s.deltas.Get(nd)
		ndp.fwdFrom = s.deltas.Get(parent).fwdTo
		ndp.fwdTo = s.NewState()
		ndp.this = ndp.fwdTo
		res.StateMap[o.fwdTo] = ndp.fwdTo
		s.addChild(parent, nd)
		mapping[od] = nd

		for _, ocp := range other.chain(od) {
			s.copyCheckpoint(other, ocp, nd)
		}
		res.Relocated++
	}
	for od, nd := range mapping {
		if od == other.root {
			continue
		}
		if next := other.deltas.Get(od).next; !next.IsZero() {
			s.deltas.Get(nd).next = mapping[next]
		}
	}
	if next := other.deltas.Get(other.root).next; !next.IsZero() {
		s.deltas.Get(s.active).next = mapping[next]
	}
	if other.active != other.root {
		s.active = mapping[other.active]
	}

	if other.tags != s.tags {
		renumbered := make(map[EntityID]Tag)
		other.tags.Each(func(t Tag, id EntityID) bool {
			if _, ok := s.tags.Lookup(id); ok {
				return true
			}
			if _, err := s.tags.Get(t); err == nil {
				nt := s.tags.NextTag(true)
				_ = s.tags.Set(nt, id)
				res.TagMap[t] = nt
				renumbered[id] = nt
				return true
			}
			_ = s.tags.Set(t, id)
			return true
		})
		for id, t := range renumbered {
			s.announceTag(id, t)
		}
	}

	other.reset(other.State())
	other.merged = nil

	s.logger.Info("merged stream", "other", other.name, "relocated", res.Relocated)
	s.emit(Event{Kind: EventMerge, From: s.State(), To: s.State(), Count: res.Relocated, Detail: other.name}, start)
	return res, nil
}

// announceTag tells the host that id now carries t.
func (s *Stream) announceTag(id EntityID, t Tag) {
	if a, ok := s.host.(TagAssigner); ok {
		a.AssignTag(s.snapshotOf(id), t)
	}
	s.logger.Debug("renumbered tag", "entity", id, "tag", t)
}

// snapshotOf returns the newest snapshot of id held by s, or a bare
// identity when no record mentions it.
func (s *Stream) snapshotOf(id EntityID) Entity {
	if r := s.records.Get(s.latest[id]); r != nil {
		if r.post != nil {
			return r.post
		}
		if r.prior != nil {
			return r.prior
		}
	}
	return entityID(id)
}

// entityID is an Entity with identity only.
type entityID EntityID

func (e entityID) EntityID() EntityID { return EntityID(e) }

// copyCheckpoint recreates src's checkpoint ref as the newest checkpoint of
// dst in s.
func (s *Stream) copyCheckpoint(src *Stream, ref checkpointRef, dst deltaRef) checkpointRef {
	c := src.cps.Get(ref)
	ncp := s.newCheckpoint(dst, c.status, c.level)
	n := s.cps.Get(ncp)
	n.rolled = c.rolled
	n.severed = c.severed
	n.mergePending = c.mergePending
	if len(c.dead) > 0 {
		n.dead = make(map[EntityID]struct{}, len(c.dead))
		for id := range c.dead {
			n.dead[id] = struct{}{}
		}
	}
	for rr := c.head; !rr.IsZero(); {
		r := src.records.Get(rr)
		rec := newRecord(ncp, r.prior, r.post)
		rec.id = r.id
		nr := s.records.Insert(rec)
		n = s.cps.Get(ncp)
		s.appendToList(n, nr)
		n.byEntity[r.id] = nr
		s.linkLatest(nr)
		rr = r.next
	}
	return ncp
}
