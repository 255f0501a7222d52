package history

import "modelhist/internal/arena"

type (
	recordRef     = arena.Handle[record]
	checkpointRef = arena.Handle[checkpoint]
	deltaRef      = arena.Handle[deltaState]
)

// record is one entity's before/after pair within a checkpoint.
type record struct {
	cp    checkpointRef
	id    EntityID
	prior Entity
	post  Entity

	// Intra-checkpoint list.
	prev, next recordRef

	// Records of the same entity in neighbouring checkpoints, oldest first.
	earlier, later recordRef
}

func newRecord(cp checkpointRef, prior, posterior Entity) record {
	r := record{cp: cp, prior: prior, post: posterior}
	if posterior != nil {
		r.id = posterior.EntityID()
	} else if prior != nil {
		r.id = prior.EntityID()
	}
	return r
}

func (r *record) kind() RecordKind {
	return kindOf(r.prior, r.post)
}

// roll hands the pair to the host and exchanges roles, so a create becomes
// a delete and a change stays a change with swapped contents.
func (r *record) roll(h Host) {
	if r.prior == nil && r.post == nil {
		return
	}
	if h != nil {
		h.SwapContents(r.prior, r.post)
	}
	r.prior, r.post = r.post, r.prior
}

// absorb folds a later record of the same entity into r. The result spans
// both: r's prior and later's posterior. The snapshot in between is dropped.
// A re-create after a delete cannot be folded without losing the deleted
// representation, so it is refused.
func (r *record) absorb(later *record, h Host) error {
	switch {
	case r.prior != nil && r.post == nil && later.prior == nil && later.post != nil:
		return ErrEntityDeleted
	case r.kind() == KindChange && later.kind() == KindDelete:
		r.coalesceToDelete(h)
		return nil
	}
	r.post = later.post
	return nil
}

// coalesceToDelete turns a change followed by a delete of the same entity
// into a single delete. The live representation takes back its original
// contents so that undoing the delete restores the same object.
func (r *record) coalesceToDelete(h Host) {
	if h != nil && r.prior != nil && r.post != nil {
		h.SwapContents(r.prior, r.post)
		r.prior = r.post
	}
	r.post = nil
}

// backup returns the snapshot that only the history keeps alive: the prior
// of an applied record, the posterior of a rolled one.
func (r *record) backup(rolled bool) Entity {
	if rolled {
		return r.post
	}
	return r.prior
}

func (r *record) view() Record {
	return Record{Kind: r.kind(), Entity: r.id, Prior: r.prior, Posterior: r.post}
}
