package history

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"modelhist/internal/arena"
)

// StreamOptions configures a new stream.
type StreamOptions struct {
	// Name labels the stream in logs and events. Defaults to the stream id.
	Name string

	// Tags is the stream's tag table. When nil the shared table is used if
	// one is installed, otherwise a private table.
	Tags TagTable

	// Host swaps entity contents when records roll.
	Host Host

	// Finder resolves the stream an entity belongs to. It drives mixed
	// stream diagnosis and automatic distribution.
	Finder StreamFinder

	Observer Observer
	Logger   *slog.Logger

	// MaxStatesToKeep bounds the number of undoable states kept on the
	// active path. Zero or negative keeps everything.
	MaxStatesToKeep int

	// Distribute routes every noted delta state through Finder.
	Distribute bool

	// OwnsEntities marks the stream as the owner of the entities it records.
	OwnsEntities bool

	// Data is opaque user data.
	Data any
}

// Stream owns a tree of delta states and the bookkeeping around it. A stream
// is not safe for concurrent use.
type Stream struct {
	id       uuid.UUID
	name     string
	tags     TagTable
	host     Host
	finder   StreamFinder
	observer Observer
	logger   *slog.Logger
	registry *Registry

	ownsEntities bool
	distribute   bool

	nesting   int
	openCount int
	open      map[int]checkpointRef

	currentState StateID
	nextState    StateID

	root    deltaRef
	current deltaRef // pending, not yet noted
	active  deltaRef

	maxStates int
	merged    []StateID
	data      any

	records *arena.Arena[record]
	cps     *arena.Arena[checkpoint]
	deltas  *arena.Arena[deltaState]

	// latest maps each entity to its most recent record.
	latest map[EntityID]recordRef
}

// NewStream creates an empty stream at state 0.
func NewStream(opts StreamOptions) *Stream {
	s := &Stream{
		id:           uuid.New(),
		name:         opts.Name,
		tags:         opts.Tags,
		host:         opts.Host,
		finder:       opts.Finder,
		observer:     opts.Observer,
		logger:       opts.Logger,
		ownsEntities: opts.OwnsEntities,
		distribute:   opts.Distribute,
		maxStates:    opts.MaxStatesToKeep,
		data:         opts.Data,
	}
	if s.name == "" {
		s.name = s.id.String()
	}
	if s.tags == nil {
		s.tags = SharedTagTable()
	}
	if s.tags == nil {
		s.tags = NewArrayTagTable(64)
	}
	if s.logger == nil {
		s.logger = slog.New(slog.DiscardHandler)
	}
	s.logger = s.logger.With("stream", s.name)
	s.reset(0)
	return s
}

// reset drops all history and makes base the root state.
func (s *Stream) reset(base StateID) {
	s.records = arena.New[record](256)
	s.cps = arena.New[checkpoint](32)
	s.deltas = arena.New[deltaState](32)
	s.latest = make(map[EntityID]recordRef)
	s.open = make(map[int]checkpointRef)
	s.openCount = 0
	s.current = deltaRef{}
	s.root = s.deltas.Insert(deltaState{fwdFrom: base, fwdTo: base, this: base})
	s.active = s.root
	s.currentState = base
	if s.nextState <= base {
		s.nextState = base + 1
	}
}

// ID returns the stream's unique id.
func (s *Stream) ID() uuid.UUID { return s.id }

// Name returns the stream's name.
func (s *Stream) Name() string { return s.name }

// Tags returns the stream's tag table.
func (s *Stream) Tags() TagTable { return s.tags }

// Host returns the stream's host.
func (s *Stream) Host() Host { return s.host }

// SetHost replaces the host.
func (s *Stream) SetHost(h Host) { s.host = h }

// Finder returns the stream finder.
func (s *Stream) Finder() StreamFinder { return s.finder }

// SetFinder replaces the stream finder and drops cached diagnoses.
func (s *Stream) SetFinder(f StreamFinder) {
	s.finder = f
	s.cps.Each(func(_ checkpointRef, cp *checkpoint) bool {
		cp.mixedValid = false
		return true
	})
}

// SetObserver replaces the observer.
func (s *Stream) SetObserver(o Observer) { s.observer = o }

// Registry returns the registry the stream belongs to, or nil.
func (s *Stream) Registry() *Registry { return s.registry }

// OwnsEntities reports whether the stream owns its entities.
func (s *Stream) OwnsEntities() bool { return s.ownsEntities }

// DistributeEnabled reports whether noted states are distributed.
func (s *Stream) DistributeEnabled() bool { return s.distribute }

// SetDistribute toggles automatic distribution.
func (s *Stream) SetDistribute(on bool) { s.distribute = on }

// MaxStatesToKeep returns the retention limit.
func (s *Stream) MaxStatesToKeep() int { return s.maxStates }

// SetMaxStatesToKeep changes the retention limit. It applies on the next
// note.
func (s *Stream) SetMaxStatesToKeep(n int) { s.maxStates = n }

// Data returns the user data.
func (s *Stream) Data() any { return s.data }

// SetData replaces the user data.
func (s *Stream) SetData(v any) { s.data = v }

// Nesting returns how many times the stream is currently pushed.
func (s *Stream) Nesting() int { return s.nesting }

// OpenCount returns the number of open or suspended checkpoints.
func (s *Stream) OpenCount() int { return s.openCount }

// NewState allocates the next state id and makes it current.
func (s *Stream) NewState() StateID {
	s.currentState = s.nextState
	s.nextState++
	return s.currentState
}

// CurrentState returns the most recently allocated state id.
func (s *Stream) CurrentState() StateID { return s.currentState }

// State returns the live model state, the forward end of active.
func (s *Stream) State() StateID {
	return s.deltas.Get(s.active).fwdTo
}

// Root returns the root delta state.
func (s *Stream) Root() DeltaState { return DeltaState{s: s, ref: s.root} }

// Active returns the delta state whose end is the live model state.
func (s *Stream) Active() DeltaState { return DeltaState{s: s, ref: s.active} }

// Pending returns the delta state collecting checkpoints that were not
// noted yet, or an invalid handle.
func (s *Stream) Pending() DeltaState {
	if s.current.IsZero() {
		return DeltaState{}
	}
	return DeltaState{s: s, ref: s.current}
}

// MergedStates returns the state ids absorbed by merges.
func (s *Stream) MergedStates() []StateID { return append([]StateID(nil), s.merged...) }

// Uncommitted reports whether closed checkpoints wait to be noted.
func (s *Stream) Uncommitted() bool {
	if s.current.IsZero() {
		return false
	}
	return !s.deltas.Get(s.current).head.IsZero()
}

// States returns every delta state in pre-order from the root.
func (s *Stream) States() []DeltaState {
	return s.Root().Scan()
}

// Lookup returns the delta state noted as id.
func (s *Stream) Lookup(id StateID) (DeltaState, error) {
	var found deltaRef
	s.deltas.Each(func(h deltaRef, ds *deltaState) bool {
		if h != s.current && ds.fwdTo == id {
			found = h
			return false
		}
		return true
	})
	if !found.IsZero() {
		return DeltaState{s: s, ref: found}, nil
	}
	for _, m := range s.merged {
		if m == id {
			return DeltaState{}, fmt.Errorf("%w: %d", ErrStateMerged, id)
		}
	}
	return DeltaState{}, fmt.Errorf("%w: %d", ErrUnreachable, id)
}

// FindByName returns the first delta state in pre-order with the name.
func (s *Stream) FindByName(name string) (DeltaState, bool) {
	for _, ds := range s.States() {
		if ds.Name() == name {
			return ds, true
		}
	}
	return DeltaState{}, false
}

// pending returns the pending delta state, creating it on first use.
func (s *Stream) pending() deltaRef {
	if s.current.IsZero() {
		s.current = s.deltas.Insert(deltaState{})
	}
	return s.current
}

// NoteState seals the pending checkpoints into a new delta state that
// follows active. With deleteIfEmpty an empty pending state is discarded
// and an invalid handle is returned.
//
// With automatic distribution the pending state is checked first and a
// failed check leaves the stream untouched. Once sealed the note stands:
// a later retention or distribution error is returned with the valid new
// state.
func (s *Stream) NoteState(deleteIfEmpty bool) (DeltaState, error) {
	if s.openCount > 0 {
		return DeltaState{}, fmt.Errorf("note state: %w", ErrCheckpointOpen)
	}
	if s.distribute && s.finder != nil && !s.current.IsZero() {
		if err := s.CheckForDistribute(s.Pending(), s.finder).Err(); err != nil {
			return DeltaState{}, fmt.Errorf("note state: %w", err)
		}
	}
	start := time.Now()

	if deleteIfEmpty && s.Pending().Len() == 0 {
		if !s.current.IsZero() {
			s.freeDelta(s.current)
			s.current = deltaRef{}
		}
		return DeltaState{}, nil
	}

	ref := s.pending()
	s.current = deltaRef{}
	ds := s.deltas.Get(ref)
	ds.fwdFrom = s.State()
	ds.fwdTo = s.NewState()
	ds.this = ds.fwdTo
	s.addChild(s.active, ref)
	s.active = ref

	n := DeltaState{s: s, ref: ref}
	s.logger.Debug("noted state", "from", ds.fwdFrom, "to", ds.fwdTo, "records", n.Len())
	s.emit(Event{Kind: EventNote, From: ds.fwdFrom, To: ds.fwdTo, Count: n.Len()}, start)

	if s.maxStates > 0 {
		if _, err := s.PrunePrevious(s.maxStates); err != nil {
			return n, err
		}
	}
	if s.distribute && s.finder != nil {
		if _, err := s.Distribute(n, s.finder, DistributeOptions{ClearAfter: true}); err != nil {
			return n, err
		}
		if !n.Valid() {
			return s.Active(), nil
		}
	}
	return n, nil
}

// ChangeState rolls the model to target. The whole path is validated before
// anything rolls, so a failure has no effect.
func (s *Stream) ChangeState(target StateID) error {
	if s.openCount > 0 {
		return fmt.Errorf("change state: %w", ErrCheckpointOpen)
	}
	if s.Uncommitted() {
		return fmt.Errorf("change state: %w", ErrUncommitted)
	}
	dst, err := s.Lookup(target)
	if err != nil {
		return err
	}
	if dst.ref == s.active {
		return nil
	}

	up, down := s.pathBetween(s.active, dst.ref)
	for _, d := range up {
		if s.deltas.Get(d).rollsBack {
			return fmt.Errorf("%w: state %d is not applied", ErrNotRollable, s.deltas.Get(d).this)
		}
		if err := s.rollable(d); err != nil {
			return err
		}
	}
	for _, d := range down {
		if !s.deltas.Get(d).rollsBack {
			return fmt.Errorf("%w: state %d is already applied", ErrNotRollable, s.deltas.Get(d).this)
		}
		if err := s.rollable(d); err != nil {
			return err
		}
	}

	start := time.Now()
	from := s.State()
	for _, d := range up {
		s.rollDelta(d)
	}
	for _, d := range down {
		s.rollDelta(d)
		s.deltas.Get(s.deltas.Get(d).prev).next = d
	}
	s.active = dst.ref

	s.logger.Debug("changed state", "from", from, "to", target, "undone", len(up), "redone", len(down))
	s.emit(Event{Kind: EventRoll, From: from, To: target, Count: len(up) + len(down)}, start)
	return nil
}

// pathBetween returns the nodes to undo going up from a (a first) and the
// nodes to redo going down to b (top first).
func (s *Stream) pathBetween(a, b deltaRef) (up, down []deltaRef) {
	onA := make(map[deltaRef]bool)
	for _, d := range s.pathToRoot(a) {
		onA[d] = true
	}
	var lca deltaRef
	for _, d := range s.pathToRoot(b) {
		if onA[d] {
			lca = d
			break
		}
		down = append(down, d)
	}
	for i, j := 0, len(down)-1; i < j; i, j = i+1, j-1 {
		down[i], down[j] = down[j], down[i]
	}
	for _, d := range s.pathToRoot(a) {
		if d == lca {
			break
		}
		up = append(up, d)
	}
	return up, down
}

// Undo moves the model to the state before active.
func (s *Stream) Undo() error {
	ds := s.deltas.Get(s.active)
	if ds.prev.IsZero() {
		return fmt.Errorf("undo: %w: at root", ErrUnreachable)
	}
	return s.ChangeState(ds.fwdFrom)
}

// Redo moves the model along active's most recently visited child.
func (s *Stream) Redo() error {
	ds := s.deltas.Get(s.active)
	if ds.next.IsZero() {
		return fmt.Errorf("redo: %w: no following state", ErrUnreachable)
	}
	return s.ChangeState(s.deltas.Get(ds.next).fwdTo)
}

// TagOf returns e's tag, assigning the next free tag on first reference.
func (s *Stream) TagOf(e Entity) (Tag, error) {
	if e == nil {
		return NoTag, ErrNilEntity
	}
	id := e.EntityID()
	if t, ok := s.tags.Lookup(id); ok {
		return t, nil
	}
	t := s.tags.NextTag(true)
	if err := s.tags.Set(t, id); err != nil {
		return NoTag, err
	}
	if a, ok := s.host.(TagAssigner); ok {
		a.AssignTag(e, t)
	}
	return t, nil
}

// EntityFromTag returns the identity bound to t.
func (s *Stream) EntityFromTag(t Tag) (EntityID, error) {
	return s.tags.Get(t)
}

// ReleaseTag tombstones t.
func (s *Stream) ReleaseTag(t Tag) error {
	return s.tags.Release(t)
}

// EntityHistory returns the records of id oldest first.
func (s *Stream) EntityHistory(id EntityID) []Record {
	rr, ok := s.latest[id]
	if !ok {
		return nil
	}
	var out []Record
	for !rr.IsZero() {
		r := s.records.Get(rr)
		out = append(out, r.view())
		rr = r.earlier
	}
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out
}

// liveInModel reports whether the history places id in the live model. The
// newest record in an applied delta state decides. known is false when no
// applied record mentions id.
func (s *Stream) liveInModel(id EntityID) (live, known bool) {
	for rr := s.latest[id]; !rr.IsZero(); {
		r := s.records.Get(rr)
		cp := s.cps.Get(r.cp)
		if !cp.rolled && s.applied(cp.owner) {
			return r.post != nil, true
		}
		rr = r.earlier
	}
	return false, false
}

// applied reports whether the checkpoints of d are in effect in the model.
func (s *Stream) applied(d deltaRef) bool {
	return d == s.current || s.onActivePath(d)
}

// ForgetEntity drops every reference the stream holds to id. Checkpoints
// that referenced it can no longer roll.
func (s *Stream) ForgetEntity(id EntityID) int {
	n := 0
	for rr := s.latest[id]; !rr.IsZero(); {
		r := s.records.Get(rr)
		cp := s.cps.Get(r.cp)
		cp.severed = true
		earlier := r.earlier
		s.removeFromList(rr)
		s.unlinkLatest(rr)
		r.prior, r.post = nil, nil
		s.records.Remove(rr)
		n++
		rr = earlier
	}
	if n > 0 {
		s.logger.Debug("forgot entity", "entity", id, "records", n)
	}
	return n
}

// Size returns an estimate of the memory held by the history. With
// includeBackups the snapshots that only the history keeps alive are
// counted through Sizer.
func (s *Stream) Size(includeBackups bool) int64 {
	const (
		recordSize     = 96
		checkpointSize = 128
		deltaSize      = 160
	)
	total := int64(s.deltas.Len())*deltaSize + int64(s.cps.Len())*checkpointSize + int64(s.records.Len())*recordSize
	if !includeBackups {
		return total
	}
	s.records.Each(func(_ recordRef, r *record) bool {
		cp := s.cps.Get(r.cp)
		if b, ok := r.backup(cp.rolled).(Sizer); ok {
			total += b.HistorySize()
		}
		return true
	})
	return total
}

// Clear drops all history, keeping the live state as the new root. Tags
// are released when the stream owns its entities.
func (s *Stream) Clear() error {
	if s.openCount > 0 {
		return fmt.Errorf("clear: %w", ErrCheckpointOpen)
	}
	base := s.State()
	if s.ownsEntities {
		var ids []EntityID
		for id := range s.latest {
			ids = append(ids, id)
		}
		for _, id := range ids {
			if t, ok := s.tags.Lookup(id); ok {
				_ = s.tags.Release(t)
			}
		}
	}
	s.reset(base)
	s.merged = nil
	s.emit(Event{Kind: EventPrune, From: base, To: base, Detail: "clear"}, time.Time{})
	return nil
}

func (s *Stream) String() string {
	return fmt.Sprintf("stream(%s @%d)", s.name, s.State())
}
