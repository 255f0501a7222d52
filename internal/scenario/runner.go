package scenario

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"strings"
	"time"

	"modelhist/internal/history"
	"modelhist/internal/model"
)

// operations lists the step ops a script may use.
var operations = map[string]struct{}{
	"open": {}, "close": {}, "abort": {},
	"create": {}, "change": {}, "delete": {},
	"note": {}, "undo": {}, "redo": {}, "goto": {},
	"name": {}, "hide": {},
	"prune": {}, "prune_branch": {}, "prune_following": {}, "prune_inactive": {}, "prune_previous": {},
	"push": {}, "pop": {},
	"merge": {}, "merge_next": {}, "compress": {},
	"distribute": {}, "check_distribute": {}, "fix_mixed": {},
	"tag": {}, "forget": {}, "clear": {}, "verify": {},
	"expect": {},
}

// errorNames maps expect_error values to engine errors.
var errorNames = map[string]error{
	"illegal_transition": history.ErrIllegalTransition,
	"prune_active":       history.ErrPruneActive,
	"not_rollable":       history.ErrNotRollable,
	"checkpoint_open":    history.ErrCheckpointOpen,
	"checkpoint_closed":  history.ErrCheckpointClosed,
	"no_open_checkpoint": history.ErrNoOpenCheckpoint,
	"stale_handle":       history.ErrStaleHandle,
	"unreachable":        history.ErrUnreachable,
	"state_merged":       history.ErrStateMerged,
	"uncommitted":        history.ErrUncommitted,
	"stream_mismatch":    history.ErrStreamMismatch,
	"not_pushed":         history.ErrNotPushed,
	"entity_exists":      history.ErrEntityExists,
	"entity_deleted":     history.ErrEntityDeleted,
	"mixed_streams":      history.ErrMixedStreams,
	"distribute":         history.ErrDistribute,
	"tag_not_found":      history.ErrTagNotFound,
	"invalid_tag":        history.ErrInvalidTag,
	"not_found":          model.ErrNotFound,
	"expectation":        ErrExpectation,
}

// ErrExpectation is returned when an expect step fails.
var ErrExpectation = errors.New("scenario: expectation failed")

// StepError reports the step a script stopped at.
type StepError struct {
	Index int
	Op    string
	Err   error
}

func (e *StepError) Error() string {
	return fmt.Sprintf("step %d (%s): %v", e.Index, e.Op, e.Err)
}

func (e *StepError) Unwrap() error { return e.Err }

// Options configures a Runner.
type Options struct {
	Logger *slog.Logger

	// ObserverFor returns the observer attached to a new stream, or nil.
	ObserverFor func(*history.Stream) history.Observer
}

// Result summarizes a run.
type Result struct {
	Script   string
	Steps    int
	Duration time.Duration
}

// Runner executes a script against a fresh model.
type Runner struct {
	script   *Script
	model    *model.Model
	registry *history.Registry
	streams  map[string]*history.Stream
	order    []*history.Stream
	ctx      *history.Context
	aliases  map[string]history.EntityID
	tags     map[string]history.Tag
	log      *slog.Logger
}

// New builds the model and the streams a script declares.
func New(sc *Script, opts Options) (*Runner, error) {
	if err := sc.Validate(); err != nil {
		return nil, err
	}
	log := opts.Logger
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}
	r := &Runner{
		script:   sc,
		model:    model.New(),
		registry: history.NewRegistry(),
		streams:  make(map[string]*history.Stream),
		aliases:  make(map[string]history.EntityID),
		tags:     make(map[string]history.Tag),
		log:      log.With("script", sc.Name),
	}

	var shared history.TagTable
	if sc.History.SharedTags {
		shared = history.NewArrayTagTable(64)
	}
	for _, spec := range sc.Streams {
		so := history.StreamOptions{
			Name:         spec.Name,
			Tags:         shared,
			Host:         r.model,
			Finder:       r.model,
			Logger:       log,
			OwnsEntities: spec.OwnsEntities,
		}
		sc.History.Apply(&so)
		if spec.MaxStates != nil {
			so.MaxStatesToKeep = *spec.MaxStates
		}
		s := history.NewStream(so)
		if opts.ObserverFor != nil {
			if o := opts.ObserverFor(s); o != nil {
				s.SetObserver(o)
			}
		}
		if err := r.registry.Add(s); err != nil {
			return nil, fmt.Errorf("scenario: register %s: %w", spec.Name, err)
		}
		for _, part := range spec.Parts {
			r.model.BindPart(part, s)
		}
		r.streams[spec.Name] = s
		r.order = append(r.order, s)
	}
	r.ctx = history.NewContext(r.order[0])
	return r, nil
}

// Model returns the model the script edits.
func (r *Runner) Model() *model.Model { return r.model }

// Context returns the script's operation context.
func (r *Runner) Context() *history.Context { return r.ctx }

// Streams returns the streams in declaration order.
func (r *Runner) Streams() []*history.Stream { return slices.Clone(r.order) }

// Stream returns the named stream.
func (r *Runner) Stream(name string) (*history.Stream, bool) {
	s, ok := r.streams[name]
	return s, ok
}

// Entity resolves an alias or entity name to an id.
func (r *Runner) Entity(ref string) (history.EntityID, bool) {
	if id, ok := r.aliases[ref]; ok {
		return id, true
	}
	if e, ok := r.model.Lookup(ref); ok {
		return e.ID, true
	}
	return 0, false
}

// Run executes every step in order and stops at the first failure.
func (r *Runner) Run(ctx context.Context) (*Result, error) {
	start := time.Now()
	res := &Result{Script: r.script.Name}
	for i := range r.script.Steps {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		st := &r.script.Steps[i]
		r.log.Debug("step", "index", i+1, "op", st.Op, "stream", r.stream(st).Name())

		err := r.exec(st)
		if st.ExpectError != "" {
			err = matchError(st.ExpectError, err)
		}
		if err != nil {
			r.log.Warn("step failed", "index", i+1, "op", st.Op, "error", err)
			return res, &StepError{Index: i + 1, Op: st.Op, Err: err}
		}
		res.Steps++
	}
	res.Duration = time.Since(start)
	r.log.Info("script finished", "steps", res.Steps, "duration", res.Duration)
	return res, nil
}

func matchError(want string, got error) error {
	if got == nil {
		return fmt.Errorf("expected error %q, got none", want)
	}
	if target, ok := errorNames[want]; ok {
		if errors.Is(got, target) {
			return nil
		}
	} else if strings.Contains(got.Error(), want) {
		return nil
	}
	return fmt.Errorf("expected error %q, got: %w", want, got)
}

func (r *Runner) stream(st *Step) *history.Stream {
	if st.Stream != "" {
		return r.streams[st.Stream]
	}
	return r.ctx.Stream()
}

func (r *Runner) entity(ref string) (*model.Entity, error) {
	id, ok := r.Entity(ref)
	if !ok {
		return nil, fmt.Errorf("%w: %q", model.ErrNotFound, ref)
	}
	e, ok := r.model.Get(id)
	if !ok {
		return nil, fmt.Errorf("%w: %q (id %d)", model.ErrNotFound, ref, id)
	}
	return e, nil
}

// state resolves a reference on s. An empty reference means active.
func (r *Runner) state(s *history.Stream, ref StateRef) (history.DeltaState, error) {
	if ref.IsZero() {
		return s.Active(), nil
	}
	if id, ok := ref.ID(); ok {
		return s.Lookup(id)
	}
	d, ok := s.FindByName(ref.String())
	if !ok {
		return history.DeltaState{}, fmt.Errorf("%w: no state named %q", history.ErrUnreachable, ref)
	}
	return d, nil
}

func (r *Runner) exec(st *Step) error {
	s := r.stream(st)
	switch st.Op {
	case "open":
		_, err := r.ctx.Open()
		return err

	case "close":
		cp := r.ctx.Current()
		if !cp.Valid() {
			return history.ErrNoOpenCheckpoint
		}
		outcome := history.Succeeded
		switch st.Outcome {
		case "", "succeeded":
		case "failed":
			outcome = history.Failed
		default:
			return fmt.Errorf("unknown outcome %q", st.Outcome)
		}
		_, err := r.ctx.Close(cp, outcome)
		return err

	case "abort":
		r.ctx.Abort()
		return nil

	case "create":
		return r.create(st)

	case "change":
		e, err := r.entity(st.Target)
		if err != nil {
			return err
		}
		return r.model.Update(r.ctx, e.ID, func(e *model.Entity) {
			if st.Name != "" {
				e.Name = st.Name
			}
			if len(st.Attrs) > 0 && e.Attrs == nil {
				e.Attrs = make(map[string]string, len(st.Attrs))
			}
			maps.Copy(e.Attrs, st.Attrs)
			for _, k := range st.Unset {
				delete(e.Attrs, k)
			}
		})

	case "delete":
		e, err := r.entity(st.Target)
		if err != nil {
			return err
		}
		return r.model.Delete(r.ctx, e.ID)

	case "note":
		return r.note(st, s)

	case "undo":
		return s.Undo()

	case "redo":
		return s.Redo()

	case "goto":
		if id, ok := st.State.ID(); ok {
			return s.ChangeState(id)
		}
		d, err := r.state(s, st.State)
		if err != nil {
			return err
		}
		return s.ChangeState(d.ID())

	case "name", "hide":
		d, err := r.state(s, st.State)
		if err != nil {
			return err
		}
		if st.Op == "name" {
			d.SetName(st.Name)
		} else {
			d.SetHidden(true)
		}
		return nil

	case "prune", "prune_branch":
		d, err := r.state(s, st.State)
		if err != nil {
			return err
		}
		if st.Op == "prune" {
			_, err = s.Prune(d)
		} else {
			_, err = s.PruneInactiveBranch(d)
		}
		return err

	case "prune_following":
		s.PruneFollowing()
		return nil

	case "prune_inactive":
		s.PruneInactive()
		return nil

	case "prune_previous":
		_, err := s.PrunePrevious(st.Keep)
		return err

	case "push":
		if st.Stream == "" {
			return errors.New("push needs a stream")
		}
		return r.ctx.Push(s)

	case "pop":
		return r.ctx.Pop(s)

	case "merge":
		other, ok := r.streams[st.Target]
		if !ok {
			return fmt.Errorf("unknown stream %q", st.Target)
		}
		res, err := s.Merge(other)
		if err != nil {
			return err
		}
		r.log.Debug("merged", "from", other.Name(), "into", s.Name(), "relocated", res.Relocated)
		return nil

	case "merge_next", "compress":
		d, err := r.state(s, st.State)
		if err != nil {
			return err
		}
		if st.Op == "merge_next" {
			return s.MergeNext(d)
		}
		return s.CompressCheckpoints(d)

	case "distribute", "check_distribute":
		d, err := r.distributable(s, st.State)
		if err != nil {
			return err
		}
		if st.Op == "check_distribute" {
			return s.CheckForDistribute(d, r.model).Err()
		}
		_, err = s.Distribute(d, r.model, history.DistributeOptions{ClearAfter: st.ClearAfter, Hide: st.Hide})
		return err

	case "fix_mixed":
		_, err := s.FixMixedStreams()
		return err

	case "tag":
		e, err := r.entity(st.Target)
		if err != nil {
			return err
		}
		t, err := s.TagOf(e)
		if err != nil {
			return err
		}
		r.tags[cmp.Or(st.As, st.Target)] = t
		return nil

	case "forget":
		e, err := r.entity(st.Target)
		if err != nil {
			return err
		}
		s.ForgetEntity(e.ID)
		return nil

	case "clear":
		return s.Clear()

	case "verify":
		return s.Verify()

	case "expect":
		return r.expect(s, st.Expect)
	}
	return fmt.Errorf("unknown op %q", st.Op)
}

func (r *Runner) create(st *Step) error {
	var owner history.EntityID
	if st.Owner != "" {
		o, err := r.entity(st.Owner)
		if err != nil {
			return fmt.Errorf("owner: %w", err)
		}
		owner = o.ID
	}
	kind := model.Kind(cmp.Or(st.Kind, string(model.KindBody)))
	e, err := r.model.Create(r.ctx, kind, st.Name, st.Part, owner)
	if err != nil {
		return err
	}
	if len(st.Attrs) > 0 {
		e.Attrs = maps.Clone(st.Attrs)
	}
	if alias := cmp.Or(st.As, st.Name); alias != "" {
		r.aliases[alias] = e.ID
	}
	return nil
}

func (r *Runner) note(st *Step, s *history.Stream) error {
	deleteIfEmpty := r.script.History.DeleteIfEmpty
	if st.DeleteIfEmpty != nil {
		deleteIfEmpty = *st.DeleteIfEmpty
	}
	var (
		d   history.DeltaState
		err error
	)
	if s == r.ctx.Stream() {
		d, err = r.ctx.NoteState(deleteIfEmpty)
	} else {
		d, err = s.NoteState(deleteIfEmpty)
	}
	if err != nil {
		return err
	}
	if d.Valid() {
		if st.Name != "" {
			d.SetName(st.Name)
		}
		if st.Hide {
			d.SetHidden(true)
		}
	}
	if n := r.script.History.AfterNote(s); n > 0 {
		r.log.Debug("pruned after note", "states", n)
	}
	return nil
}

// distributable resolves the delta state a distribution works on: the
// referenced one, else the pending one, else active.
func (r *Runner) distributable(s *history.Stream, ref StateRef) (history.DeltaState, error) {
	if !ref.IsZero() {
		return r.state(s, ref)
	}
	if p := s.Pending(); p.Valid() {
		return p, nil
	}
	return s.Active(), nil
}
