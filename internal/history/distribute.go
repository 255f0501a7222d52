package history

import (
	"fmt"
	"sort"
	"time"
)

// FindStrategy selects which snapshot of a record a finder inspects.
type FindStrategy uint8

const (
	// FindPosterior inspects the snapshot on the model side.
	FindPosterior FindStrategy = iota
	// FindPrior inspects the backup snapshot.
	FindPrior
)

func (f FindStrategy) String() string {
	if f == FindPrior {
		return "prior"
	}
	return "posterior"
}

// StreamFinder resolves the stream an entity belongs to. It may be called
// more than once per entity and may cache. A nil result leaves the record
// where it is.
type StreamFinder interface {
	FindStream(e Entity, strategy FindStrategy) *Stream
}

// FinderFunc adapts a function to StreamFinder.
type FinderFunc func(e Entity, strategy FindStrategy) *Stream

// FindStream calls f(e, strategy).
func (f FinderFunc) FindStream(e Entity, strategy FindStrategy) *Stream { return f(e, strategy) }

// resolve returns the destination for the record, trying the posterior
// first and then the prior.
func resolve(finder StreamFinder, r *record) *Stream {
	if r.post != nil {
		if dst := finder.FindStream(r.post, FindPosterior); dst != nil {
			return dst
		}
	}
	if r.prior != nil {
		return finder.FindStream(r.prior, FindPrior)
	}
	return nil
}

// DistributeOptions tunes Distribute.
type DistributeOptions struct {
	// ClearAfter removes the source delta state when distribution leaves it
	// empty.
	ClearAfter bool
	// Hide marks the delta states created in the destinations hidden.
	Hide bool
}

// DistributeFailure explains why a record cannot be distributed.
type DistributeFailure struct {
	Entity EntityID
	Stream string
	Reason string
}

// DistributionReport is the outcome of a distribution or a dry run.
type DistributionReport struct {
	// Moved counts records per destination stream name.
	Moved map[string]int
	// Remaining counts records left in the source delta state.
	Remaining int
	Failures  []DistributeFailure
	// Created lists the delta states noted in the destinations.
	Created []DeltaState
}

// Err returns ErrDistribute describing the first failure, or nil.
func (r DistributionReport) Err() error {
	if len(r.Failures) == 0 {
		return nil
	}
	f := r.Failures[0]
	return fmt.Errorf("%w: entity %d to %s: %s (%d failures)", ErrDistribute, f.Entity, f.Stream, f.Reason, len(r.Failures))
}

// CheckForDistribute validates a distribution of d without changing
// anything.
func (s *Stream) CheckForDistribute(d DeltaState, finder StreamFinder) DistributionReport {
	rep := DistributionReport{Moved: make(map[string]int)}
	if err := s.checkDistributable(d); err != nil {
		rep.Failures = append(rep.Failures, DistributeFailure{Stream: s.name, Reason: err.Error()})
		return rep
	}
	ready := make(map[*Stream]error)
	for _, cpRef := range s.chain(d.ref) {
		cp := s.cps.Get(cpRef)
		for rr := cp.head; !rr.IsZero(); {
			r := s.records.Get(rr)
			rr = r.next
			dst := s.destination(finder, r)
			if dst == nil {
				rep.Remaining++
				continue
			}
			err, seen := ready[dst]
			if !seen {
				err = dst.acceptsDistribution()
				ready[dst] = err
			}
			if err != nil {
				rep.Failures = append(rep.Failures, DistributeFailure{Entity: r.id, Stream: dst.name, Reason: err.Error()})
				continue
			}
			rep.Moved[dst.name]++
		}
	}
	return rep
}

// Distribute moves every record of d whose entity belongs to another stream
// into that stream. Each destination receives one new delta state holding
// a single-record checkpoint per moved record. Unresolved records stay in
// d. The distribution is validated first and nothing moves on failure.
func (s *Stream) Distribute(d DeltaState, finder StreamFinder, opts DistributeOptions) (DistributionReport, error) {
	rep := s.CheckForDistribute(d, finder)
	if err := rep.Err(); err != nil {
		return rep, err
	}
	if len(rep.Moved) == 0 {
		return rep, nil
	}
	start := time.Now()
	targets := make(map[*Stream]deltaRef)
	var order []*Stream

	for _, cpRef := range s.chain(d.ref) {
		cp := s.cps.Get(cpRef)
		for rr := cp.head; !rr.IsZero(); {
			r := s.records.Get(rr)
			next := r.next
			if dst := s.destination(finder, r); dst != nil {
				target, ok := targets[dst]
				if !ok {
					target = dst.deltas.Insert(deltaState{hidden: opts.Hide})
					targets[dst] = target
					order = append(order, dst)
				}
				ncp := dst.newCheckpoint(target, ClosedSucceeded, 0)
				prior, post, id := r.prior, r.post, r.id
				s.freeRecord(rr)
				rec := newRecord(ncp, prior, post)
				rec.id = id
				nr := dst.records.Insert(rec)
				c := dst.cps.Get(ncp)
				dst.appendToList(c, nr)
				c.byEntity[id] = nr
				dst.linkLatest(nr)
			}
			rr = next
		}
		if s.cps.Get(cpRef).count == 0 {
			s.destroyCheckpoint(cpRef)
		}
	}

	for _, dst := range order {
		ref := targets[dst]
		ds := dst.deltas.Get(ref)
		ds.fwdFrom = dst.State()
		ds.fwdTo = dst.NewState()
		ds.this = ds.fwdTo
		dst.addChild(dst.active, ref)
		dst.active = ref
		nd := DeltaState{s: dst, ref: ref}
		rep.Created = append(rep.Created, nd)
		dst.emit(Event{Kind: EventNote, From: ds.fwdFrom, To: ds.fwdTo, Count: nd.Len(), Detail: "distributed from " + s.name}, start)
	}

	if opts.ClearAfter && d.Len() == 0 && d.ref != s.root {
		s.dropEmpty(d.ref)
	}

	names := make([]string, 0, len(rep.Moved))
	for n := range rep.Moved {
		names = append(names, n)
	}
	sort.Strings(names)
	s.logger.Info("distributed records", "to", names, "remaining", rep.Remaining)
	s.emit(Event{Kind: EventDistribute, From: s.State(), To: s.State(), Count: len(names), Detail: fmt.Sprint(names)}, start)
	return rep, nil
}

// destination returns the foreign stream a record belongs to, or nil.
func (s *Stream) destination(finder StreamFinder, r *record) *Stream {
	if finder == nil || r.kind() == KindNone {
		return nil
	}
	dst := resolve(finder, r)
	if dst == s {
		return nil
	}
	return dst
}

// checkDistributable reports whether d may give records away: it must be
// the pending state or an applied leaf.
func (s *Stream) checkDistributable(d DeltaState) error {
	if d.s != s {
		return ErrStreamMismatch
	}
	ds := d.get()
	if ds == nil {
		return ErrStaleHandle
	}
	for cur := ds.head; !cur.IsZero(); cur = s.cps.Get(cur).next {
		if s.cps.Get(cur).status.IsUnresolved() {
			return ErrCheckpointOpen
		}
	}
	if d.ref == s.current {
		return nil
	}
	if d.ref != s.active || !ds.next.IsZero() {
		return fmt.Errorf("%w: state %d is not the active leaf", ErrIllegalTransition, ds.this)
	}
	return nil
}

// acceptsDistribution reports whether s can take distributed records.
func (s *Stream) acceptsDistribution() error {
	if s.openCount > 0 {
		return ErrCheckpointOpen
	}
	if s.Uncommitted() {
		return ErrUncommitted
	}
	return nil
}

// dropEmpty removes an empty delta state. An active one hands active back
// to its parent; its children move up.
func (s *Stream) dropEmpty(d deltaRef) {
	if d == s.current {
		s.freeDelta(d)
		s.current = deltaRef{}
		return
	}
	ds := s.deltas.Get(d)
	parent := ds.prev
	kids := s.children(d)
	for i := len(kids) - 1; i >= 0; i-- {
		s.detachChild(kids[i])
		s.addChild(parent, kids[i])
		s.deltas.Get(kids[i]).fwdFrom = s.deltas.Get(parent).fwdTo
	}
	if s.active == d {
		s.active = parent
	}
	s.merged = append(s.merged, ds.fwdTo)
	s.freeDelta(d)
}
