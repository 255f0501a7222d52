package scenario

import (
	"errors"
	"fmt"
	"slices"

	"modelhist/internal/history"
)

// expect checks every assertion and reports all failures together.
func (r *Runner) expect(s *history.Stream, x *Expect) error {
	var errs []error
	fail := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf(format, args...))
	}

	if x.State != nil && s.State() != *x.State {
		fail("%s: state %d, want %d", s.Name(), s.State(), *x.State)
	}
	if x.States != nil {
		if n := len(s.States()); n != *x.States {
			fail("%s: %d delta states, want %d", s.Name(), n, *x.States)
		}
	}
	if x.Entities != nil && r.model.Len() != *x.Entities {
		fail("%d live entities, want %d", r.model.Len(), *x.Entities)
	}
	for _, ref := range x.Exists {
		if _, err := r.entity(ref); err != nil {
			fail("%s should exist", ref)
		}
	}
	for _, ref := range x.Missing {
		if id, ok := r.aliases[ref]; ok {
			if _, live := r.model.Get(id); live {
				fail("%s should not exist", ref)
			}
		} else if _, ok := r.model.Lookup(ref); ok {
			fail("%s should not exist", ref)
		}
	}
	for ref, want := range x.Names {
		e, err := r.entity(ref)
		if err != nil {
			fail("%s: %v", ref, err)
			continue
		}
		if e.Name != want {
			fail("%s: name %q, want %q", ref, e.Name, want)
		}
	}
	for ref, attrs := range x.Attrs {
		e, err := r.entity(ref)
		if err != nil {
			fail("%s: %v", ref, err)
			continue
		}
		for k, want := range attrs {
			got, ok := e.Attrs[k]
			switch {
			case want == "" && ok:
				fail("%s: attribute %s = %q, want unset", ref, k, got)
			case want != "" && got != want:
				fail("%s: attribute %s = %q, want %q", ref, k, got, want)
			}
		}
	}
	if len(x.Merged) > 0 {
		merged := s.MergedStates()
		for _, id := range x.Merged {
			if !slices.Contains(merged, id) {
				fail("%s: state %d was not merged", s.Name(), id)
			}
		}
	}
	if x.Pending != nil && s.Uncommitted() != *x.Pending {
		fail("%s: uncommitted = %v, want %v", s.Name(), s.Uncommitted(), *x.Pending)
	}
	if x.Depth != nil && r.ctx.Depth() != *x.Depth {
		fail("context depth %d, want %d", r.ctx.Depth(), *x.Depth)
	}
	for name, want := range x.Tags {
		got, ok := r.tags[name]
		if !ok {
			fail("no tag recorded for %s", name)
			continue
		}
		if got != want {
			fail("%s: tag %d, want %d", name, got, want)
		}
		if _, err := s.EntityFromTag(got); err != nil {
			fail("%s: tag %d: %v", name, got, err)
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", ErrExpectation, errors.Join(errs...))
	}
	return nil
}
