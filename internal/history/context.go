package history

import (
	"fmt"
	"time"
)

// frame is one level of the stream stack.
type frame struct {
	s     *Stream
	level int
	open  checkpointRef
	// closed holds checkpoints closed on this frame that wait to be folded
	// into the level below when the frame pops.
	closed []checkpointRef
}

// Context carries the stack of active streams for one caller. It replaces a
// process-wide current stream. A Context is not safe for concurrent use.
type Context struct {
	frames []frame
}

// NewContext creates a context with s active at level 0.
func NewContext(s *Stream) *Context {
	return &Context{frames: []frame{{s: s}}}
}

func (c *Context) top() *frame { return &c.frames[len(c.frames)-1] }

// Stream returns the active stream.
func (c *Context) Stream() *Stream { return c.top().s }

// Level returns the nesting level of the active stream.
func (c *Context) Level() int { return c.top().level }

// Depth returns the number of stacked streams, 1 when nothing is pushed.
func (c *Context) Depth() int { return len(c.frames) }

// Current returns the open checkpoint of the active stream, or an invalid
// handle.
func (c *Context) Current() Checkpoint {
	f := c.top()
	if f.open.IsZero() {
		return Checkpoint{}
	}
	return Checkpoint{s: f.s, ref: f.open}
}

// Open opens a checkpoint on the active stream. At most one checkpoint is
// open per stream and level; push a stream to open another.
func (c *Context) Open() (Checkpoint, error) {
	f := c.top()
	if !f.open.IsZero() {
		return Checkpoint{}, fmt.Errorf("open: %w at level %d", ErrCheckpointOpen, f.level)
	}
	if _, busy := f.s.open[f.level]; busy {
		return Checkpoint{}, fmt.Errorf("open: %w at level %d by another context", ErrCheckpointOpen, f.level)
	}
	status := OpenMainline
	if len(c.frames) > 1 {
		status = OpenNested
		if c.frames[len(c.frames)-2].s == f.s {
			status = OpenStacked
		}
	}
	s := f.s
	ref := s.newCheckpoint(s.pending(), status, f.level)
	s.open[f.level] = ref
	s.openCount++
	f.open = ref

	s.logger.Debug("opened checkpoint", "status", status, "level", f.level)
	s.emit(Event{Kind: EventOpen, From: s.State(), To: s.State(), Detail: status.String()}, time.Time{})
	return Checkpoint{s: s, ref: ref}, nil
}

// Close closes the active stream's open checkpoint. A failed outcome rolls
// every record back before returning. Closing a closed checkpoint returns
// ErrCheckpointClosed and has no effect.
func (c *Context) Close(cp Checkpoint, outcome Outcome) (Status, error) {
	cpi := cp.get()
	if cpi == nil {
		return StatusUnknown, fmt.Errorf("close: %w: %w", ErrCheckpointClosed, ErrStaleHandle)
	}
	if cpi.status.IsClosed() {
		return cpi.status, fmt.Errorf("close: %w", ErrCheckpointClosed)
	}
	f := c.top()
	if f.s != cp.s || f.open != cp.ref {
		if cpi.status.IsSuspended() {
			return cpi.status, fmt.Errorf("close: %w: checkpoint is %s", ErrIllegalTransition, cpi.status)
		}
		return cpi.status, fmt.Errorf("close: %w", ErrStreamMismatch)
	}

	s := f.s
	start := time.Now()
	n := cpi.count
	f.open = checkpointRef{}

	if outcome == Failed {
		s.rollCheckpoint(cp.ref)
		s.destroyCheckpoint(cp.ref)
		s.logger.Debug("closed checkpoint", "status", ClosedFailed, "rolled_back", n)
		s.emit(Event{Kind: EventClose, From: s.State(), To: s.State(), Count: n, Detail: ClosedFailed.String()}, start)
		return ClosedFailed, nil
	}

	delete(s.open, f.level)
	s.openCount--
	cpi = s.cps.Get(cp.ref)
	if len(c.frames) == 1 {
		cpi.status = ClosedSucceeded
	} else {
		cpi.status = ClosedNested
		cpi.mergePending = true
		f.closed = append(f.closed, cp.ref)
	}
	s.emit(Event{Kind: EventClose, From: s.State(), To: s.State(), Count: n, Detail: cpi.status.String()}, start)
	return cpi.status, nil
}

func (c *Context) record(prior, posterior Entity) error {
	f := c.top()
	if f.open.IsZero() {
		return ErrNoOpenCheckpoint
	}
	_, err := f.s.addRecord(f.open, prior, posterior)
	return err
}

// Create records that e entered the model.
func (c *Context) Create(e Entity) error {
	if e == nil {
		return ErrNilEntity
	}
	return c.record(nil, e)
}

// Change records that live was modified; backup holds its previous
// contents.
func (c *Context) Change(backup, live Entity) error {
	if backup == nil || live == nil {
		return ErrNilEntity
	}
	if backup.EntityID() != live.EntityID() {
		return fmt.Errorf("change: backup of %d does not match entity %d", backup.EntityID(), live.EntityID())
	}
	return c.record(backup, live)
}

// Delete records that e left the model.
func (c *Context) Delete(e Entity) error {
	if e == nil {
		return ErrNilEntity
	}
	return c.record(e, nil)
}

// NeedsBackup reports whether a change to id must be recorded with a fresh
// backup, because the open checkpoint holds no record of id yet.
func (c *Context) NeedsBackup(id EntityID) bool {
	f := c.top()
	if f.open.IsZero() {
		return true
	}
	_, ok := f.s.cps.Get(f.open).byEntity[id]
	return !ok
}

// MarkDead marks id dead in the open checkpoint.
func (c *Context) MarkDead(id EntityID) error {
	cp := c.Current()
	if !cp.Valid() {
		return ErrNoOpenCheckpoint
	}
	return cp.MarkDead(id)
}

// NoteState closes an open outermost checkpoint successfully and notes the
// active stream's state.
func (c *Context) NoteState(deleteIfEmpty bool) (DeltaState, error) {
	f := c.top()
	if !f.open.IsZero() && len(c.frames) == 1 {
		if _, err := c.Close(Checkpoint{s: f.s, ref: f.open}, Succeeded); err != nil {
			return DeltaState{}, err
		}
	}
	return f.s.NoteState(deleteIfEmpty)
}

// Push suspends the active stream and activates s one level deeper.
func (c *Context) Push(s *Stream) error {
	if s == nil {
		return fmt.Errorf("push: %w", ErrStreamMismatch)
	}
	f := c.top()
	if !f.open.IsZero() {
		cp := f.s.cps.Get(f.open)
		cp.status = cp.status.suspended()
	}
	c.frames = append(c.frames, frame{s: s, level: f.level + 1})
	s.nesting++
	s.logger.Debug("pushed stream", "level", f.level+1)
	s.emit(Event{Kind: EventPush, From: s.State(), To: s.State(), Count: f.level + 1}, time.Time{})
	return nil
}

// Pop deactivates s, which must be the active pushed stream. An open
// checkpoint is closed successfully, the checkpoints closed at this level
// are compacted into one and, when the level below runs the same stream,
// folded into its open checkpoint. The suspended checkpoint below resumes.
func (c *Context) Pop(s *Stream) error {
	if len(c.frames) == 1 {
		return fmt.Errorf("pop: %w", ErrNotPushed)
	}
	f := c.top()
	if f.s != s {
		return fmt.Errorf("pop: %w: %s is not active", ErrStreamMismatch, s.Name())
	}
	if !f.open.IsZero() {
		if _, err := c.Close(Checkpoint{s: s, ref: f.open}, Succeeded); err != nil {
			return err
		}
	}

	start := time.Now()
	var compacted checkpointRef
	var kept []checkpointRef
	for _, ref := range f.closed {
		if compacted.IsZero() {
			compacted = ref
			continue
		}
		if err := s.mergeCheckpoints(compacted, ref); err != nil {
			s.logger.Warn("checkpoint left uncompacted", "error", err)
			kept = append(kept, ref)
		}
	}
	if !compacted.IsZero() {
		kept = append([]checkpointRef{compacted}, kept...)
	}

	below := &c.frames[len(c.frames)-2]
	for _, ref := range kept {
		if below.s == s && !below.open.IsZero() {
			if err := s.mergeCheckpoints(below.open, ref); err == nil {
				continue
			}
		}
		cp := s.cps.Get(ref)
		if below.s == s && len(c.frames) > 2 {
			below.closed = append(below.closed, ref)
			continue
		}
		cp.status = ClosedSucceeded
		cp.mergePending = false
	}

	c.frames = c.frames[:len(c.frames)-1]
	s.nesting--
	if !below.open.IsZero() {
		cp := below.s.cps.Get(below.open)
		cp.status = cp.status.resumed()
	}
	s.emit(Event{Kind: EventPop, From: s.State(), To: s.State(), Count: below.level}, start)
	return nil
}

// With pushes s, runs fn and pops s on every exit path. When fn fails or
// panics the work done at the pushed level is rolled back before the pop.
func (c *Context) With(s *Stream, fn func(*Context) error) (err error) {
	if err := c.Push(s); err != nil {
		return err
	}
	depth := len(c.frames)
	defer func() {
		r := recover()
		if len(c.frames) > depth {
			c.unwind(depth)
			if err == nil && r == nil {
				err = fmt.Errorf("with: %w: unbalanced push", ErrIllegalTransition)
			}
		}
		if r != nil || err != nil {
			c.discard(c.top())
		}
		if perr := c.Pop(s); perr != nil && err == nil {
			err = perr
		}
		if r != nil {
			panic(r)
		}
	}()
	return fn(c)
}

// unwind discards and drops every frame above depth.
func (c *Context) unwind(depth int) int {
	n := 0
	for len(c.frames) > depth {
		f := c.top()
		n += c.discard(f)
		f.s.nesting--
		c.frames = c.frames[:len(c.frames)-1]
	}
	if f := c.top(); !f.open.IsZero() {
		cp := f.s.cps.Get(f.open)
		cp.status = cp.status.resumed()
	}
	return n
}

// discard rolls back and destroys the frame's open and pending checkpoints,
// newest first.
func (c *Context) discard(f *frame) int {
	n := 0
	if !f.open.IsZero() {
		n += f.s.cps.Get(f.open).count
		f.s.rollCheckpoint(f.open)
		f.s.destroyCheckpoint(f.open)
		f.open = checkpointRef{}
	}
	for i := len(f.closed) - 1; i >= 0; i-- {
		ref := f.closed[i]
		if cp := f.s.cps.Get(ref); cp != nil {
			n += cp.count
			f.s.rollCheckpoint(ref)
			f.s.destroyCheckpoint(ref)
		}
	}
	f.closed = nil
	return n
}

// Abort rolls back every open checkpoint and every checkpoint waiting at a
// pushed level, then resets nesting to zero. It returns the number of
// records rolled back.
func (c *Context) Abort() int {
	start := time.Now()
	n := c.unwind(1)
	n += c.discard(c.top())
	s := c.top().s
	s.logger.Info("aborted", "rolled_back", n)
	s.emit(Event{Kind: EventAbort, From: s.State(), To: s.State(), Count: n}, start)
	return n
}
