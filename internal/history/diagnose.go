package history

import (
	"fmt"
	"sort"
	"time"
)

// MixedReport describes a checkpoint holding records of a foreign stream.
type MixedReport struct {
	Checkpoint Checkpoint
	// Offender is the first foreign stream found.
	Offender *Stream
	// Fixable is set when the checkpoint only creates entities, so it can be
	// relocated to the offender as a whole.
	Fixable bool
	// Entities lists the foreign entities.
	Entities []EntityID
}

func (m MixedReport) String() string {
	kind := "corrupt"
	if m.Fixable {
		kind = "fixable"
	}
	name := "<nil>"
	if m.Offender != nil {
		name = m.Offender.Name()
	}
	return fmt.Sprintf("%s mix with %s: %d entities", kind, name, len(m.Entities))
}

// checkpointMixed diagnoses ref, caching the result until the checkpoint
// changes.
func (s *Stream) checkpointMixed(ref checkpointRef) (MixedReport, bool) {
	cp := s.cps.Get(ref)
	if cp.mixedValid {
		return cp.mixed, cp.mixed.Offender != nil
	}
	rep := MixedReport{Checkpoint: Checkpoint{s: s, ref: ref}}
	if s.finder != nil {
		onlyCreates := true
		for rr := cp.head; !rr.IsZero(); {
			r := s.records.Get(rr)
			rr = r.next
			kind := r.kind()
			if cp.rolled {
				kind = kindOf(r.post, r.prior)
			}
			if kind != KindCreate && kind != KindNone {
				onlyCreates = false
			}
			dst := s.destination(s.finder, r)
			if dst == nil {
				continue
			}
			if rep.Offender == nil {
				rep.Offender = dst
			}
			rep.Entities = append(rep.Entities, r.id)
		}
		rep.Fixable = rep.Offender != nil && onlyCreates
	}
	cp = s.cps.Get(ref)
	cp.mixed = rep
	cp.mixedValid = true
	return rep, rep.Offender != nil
}

// MixedStreams diagnoses every checkpoint of the stream.
func (s *Stream) MixedStreams() []MixedReport {
	var out []MixedReport
	refs := make([]deltaRef, 0, s.deltas.Len())
	refs = append(refs, s.scan(s.root)...)
	if !s.current.IsZero() {
		refs = append(refs, s.current)
	}
	for _, d := range refs {
		for _, cp := range s.chain(d) {
			if rep, mixed := s.checkpointMixed(cp); mixed {
				out = append(out, rep)
			}
		}
	}
	return out
}

// FixMixedStreams relocates every fixable checkpoint of an applied delta
// state to its offender. It returns the number of checkpoints relocated and
// an ErrMixedStreams error listing the corrupt ones, which stay in place.
func (s *Stream) FixMixedStreams() (int, error) {
	start := time.Now()
	fixed := 0
	var corrupt []MixedReport
	for _, rep := range s.MixedStreams() {
		cp := s.cps.Get(rep.Checkpoint.ref)
		if !rep.Fixable || cp.rolled || !s.applied(cp.owner) || cp.status.IsUnresolved() {
			corrupt = append(corrupt, rep)
			continue
		}
		dst := rep.Offender
		if err := dst.acceptsDistribution(); err != nil {
			corrupt = append(corrupt, rep)
			continue
		}
		owner := cp.owner
		nd := dst.deltas.Insert(deltaState{})
		dst.copyCheckpoint(s, rep.Checkpoint.ref, nd)
		ncp := dst.cps.Get(dst.deltas.Get(nd).head)
		ncp.status = ClosedSucceeded
		s.destroyCheckpoint(rep.Checkpoint.ref)

		ds := dst.deltas.Get(nd)
		ds.fwdFrom = dst.State()
		ds.fwdTo = dst.NewState()
		ds.this = ds.fwdTo
		dst.addChild(dst.active, nd)
		dst.active = nd
		fixed++

		if s.deltas.Get(owner).head.IsZero() && owner != s.root && owner == s.active {
			s.dropEmpty(owner)
		}
	}
	if fixed > 0 {
		s.logger.Info("fixed mixed streams", "relocated", fixed)
		s.emit(Event{Kind: EventDistribute, From: s.State(), To: s.State(), Count: fixed, Detail: "fix mixed streams"}, start)
	}
	if len(corrupt) > 0 {
		s.logger.Warn("corrupt mixed streams", "checkpoints", len(corrupt))
		return fixed, fmt.Errorf("%w: %d checkpoints cannot be relocated: %s", ErrMixedStreams, len(corrupt), corrupt[0])
	}
	return fixed, nil
}

// CheckTagsValidity returns the tags whose entity the history records as no
// longer in the model, in ascending order.
func (s *Stream) CheckTagsValidity() []Tag {
	var bad []Tag
	s.tags.Each(func(t Tag, id EntityID) bool {
		if live, known := s.liveInModel(id); known && !live {
			bad = append(bad, t)
		}
		return true
	})
	sort.Slice(bad, func(i, j int) bool { return bad[i] < bad[j] })
	return bad
}
