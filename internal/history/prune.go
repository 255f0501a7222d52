package history

import (
	"fmt"
	"time"
)

// Prune removes every delta state reachable from node that is not on the
// root-to-active path and returns how many were removed. Pruning an
// ancestor of active keeps the path and drops everything hanging off it,
// including states that could be redone from active.
func (s *Stream) Prune(node DeltaState) (int, error) {
	if node.s != s {
		return 0, fmt.Errorf("prune: %w", ErrStreamMismatch)
	}
	if !node.Valid() || node.ref == s.current {
		return 0, fmt.Errorf("prune: %w", ErrStaleHandle)
	}
	start := time.Now()
	n := 0
	if !s.onActivePath(node.ref) {
		n = s.freeSubtree(node.ref)
	} else {
		path := s.pathToRoot(s.active)
		for i := len(path) - 1; i >= 0; i-- {
			if path[i] == node.ref {
				path = path[:i+1]
				break
			}
		}
		for _, d := range path {
			for _, kid := range s.children(d) {
				if !s.onActivePath(kid) {
					n += s.freeSubtree(kid)
				}
			}
		}
	}
	s.pruned("prune", n, start)
	return n, nil
}

// PruneInactiveBranch removes node and its subtree. node must not lie on
// the active path.
func (s *Stream) PruneInactiveBranch(node DeltaState) (int, error) {
	if node.s != s {
		return 0, fmt.Errorf("prune inactive branch: %w", ErrStreamMismatch)
	}
	if !node.Valid() || node.ref == s.current {
		return 0, fmt.Errorf("prune inactive branch: %w", ErrStaleHandle)
	}
	if s.onActivePath(node.ref) {
		return 0, fmt.Errorf("prune inactive branch: %w: state %d", ErrPruneActive, node.ID())
	}
	start := time.Now()
	n := s.freeSubtree(node.ref)
	s.pruned("prune inactive branch", n, start)
	return n, nil
}

// PruneFollowing removes every state that could be redone from active.
func (s *Stream) PruneFollowing() int {
	start := time.Now()
	n := 0
	for _, kid := range s.children(s.active) {
		n += s.freeSubtree(kid)
	}
	s.pruned("prune following", n, start)
	return n
}

// PruneInactive removes every branch hanging off the path above active.
// States that could be redone from active stay.
func (s *Stream) PruneInactive() int {
	start := time.Now()
	n := 0
	path := s.pathToRoot(s.active)
	for i := 1; i < len(path); i++ {
		for _, kid := range s.children(path[i]) {
			if kid != path[i-1] {
				n += s.freeSubtree(kid)
			}
		}
	}
	s.pruned("prune inactive", n, start)
	return n
}

// PrunePrevious keeps at most keep undoable states before active. The
// oldest kept state becomes the new root and its checkpoints are dropped.
func (s *Stream) PrunePrevious(keep int) (int, error) {
	if keep < 0 {
		return 0, fmt.Errorf("prune previous: %w: negative count %d", ErrIllegalTransition, keep)
	}
	path := s.pathToRoot(s.active) // active first, root last
	if len(path)-1 <= keep {
		return 0, nil
	}
	start := time.Now()
	newRoot := path[keep]
	oldRoot := s.root

	s.detachChild(newRoot)
	n := s.freeSubtree(oldRoot)

	ds := s.deltas.Get(newRoot)
	for cur := ds.head; !cur.IsZero(); {
		next := s.cps.Get(cur).next
		s.destroyCheckpoint(cur)
		cur = next
	}
	ds = s.deltas.Get(newRoot)
	ds.fwdFrom = ds.fwdTo
	ds.prev = deltaRef{}
	ds.partner = deltaRef{}
	ds.head, ds.tail = checkpointRef{}, checkpointRef{}
	s.root = newRoot

	s.pruned("prune previous", n, start)
	return n, nil
}

func (s *Stream) pruned(op string, n int, start time.Time) {
	if n == 0 {
		return
	}
	s.logger.Info("pruned states", "op", op, "removed", n, "remaining", s.deltas.Len())
	s.emit(Event{Kind: EventPrune, From: s.State(), To: s.State(), Count: n, Detail: op}, start)
}

// Verify checks the structural invariants of the delta state tree.
func (s *Stream) Verify() error {
	root := s.deltas.Get(s.root)
	if root == nil || !root.prev.IsZero() {
		return fmt.Errorf("verify: %w: bad root", ErrIllegalTransition)
	}
	if path := s.pathToRoot(s.active); len(path) == 0 || path[len(path)-1] != s.root {
		return fmt.Errorf("verify: %w: active not reachable", ErrIllegalTransition)
	}
	seen := make(map[deltaRef]bool)
	for _, d := range s.scan(s.root) {
		if seen[d] {
			return fmt.Errorf("verify: %w: cycle at state %d", ErrIllegalTransition, s.deltas.Get(d).this)
		}
		seen[d] = true
		ds := s.deltas.Get(d)
		if d != s.root {
			p := s.deltas.Get(ds.prev)
			if p == nil {
				return fmt.Errorf("verify: %w: state %d has no parent", ErrIllegalTransition, ds.this)
			}
			if p.fwdTo != ds.fwdFrom {
				return fmt.Errorf("verify: %w: state %d starts at %d, parent ends at %d",
					ErrIllegalTransition, ds.this, ds.fwdFrom, p.fwdTo)
			}
			if ds.rollsBack == s.onActivePath(d) {
				return fmt.Errorf("verify: %w: state %d has wrong direction", ErrIllegalTransition, ds.this)
			}
		}
		for _, kid := range s.children(d) {
			if s.deltas.Get(kid).prev != d {
				return fmt.Errorf("verify: %w: ring of state %d holds a foreign child", ErrIllegalTransition, ds.this)
			}
		}
		for cur := ds.head; !cur.IsZero(); cur = s.cps.Get(cur).next {
			if s.cps.Get(cur).owner != d {
				return fmt.Errorf("verify: %w: checkpoint owner mismatch in state %d", ErrIllegalTransition, ds.this)
			}
		}
	}
	live := len(seen)
	if !s.current.IsZero() {
		live++
	}
	if live != s.deltas.Len() {
		return fmt.Errorf("verify: %w: %d delta states leaked", ErrIllegalTransition, s.deltas.Len()-live)
	}
	return nil
}
