package history

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// partFinder sends entities whose part is "w" to w.
func partFinder(w *Stream) FinderFunc {
	return func(e Entity, _ FindStrategy) *Stream {
		if te, ok := e.(*testEntity); ok && te.part == "w" {
			return w
		}
		return nil
	}
}

func newWorker(h *testHost) (*Stream, *Context) {
	w := NewStream(StreamOptions{Name: "worker", Host: h})
	return w, NewContext(w)
}

func TestDistribute_Pending(t *testing.T) {
	s, h, ctx := newFixture(t)
	w, _ := newWorker(h)
	finder := partFinder(w)

	cp, err := ctx.Open()
	require.NoError(t, err)
	h.createIn(t, ctx, 1, "a", "")
	h.createIn(t, ctx, 2, "b", "w")
	_, err = ctx.Close(cp, Succeeded)
	require.NoError(t, err)

	dry := s.CheckForDistribute(s.Pending(), finder)
	require.NoError(t, dry.Err())
	assert.Equal(t, map[string]int{"worker": 1}, dry.Moved)
	assert.Equal(t, 1, dry.Remaining)
	assert.Equal(t, 2, s.Pending().Len(), "dry run moves nothing")

	rep, err := s.Distribute(s.Pending(), finder, DistributeOptions{})
	require.NoError(t, err)
	require.Len(t, rep.Created, 1)
	assert.Equal(t, 1, s.Pending().Len())
	assert.Equal(t, StateID(1), w.State())
	assert.Equal(t, []EntityID{2}, rep.Created[0].FindEntities(Created))

	d, err := ctx.NoteState(false)
	require.NoError(t, err)
	assert.Equal(t, []EntityID{1}, d.FindEntities(Created))
	require.NoError(t, s.Verify())
	require.NoError(t, w.Verify())

	require.NoError(t, w.Undo())
	assert.Equal(t, map[EntityID]string{1: "a"}, h.values())
	require.NoError(t, s.Undo())
	assert.Empty(t, h.values())
}

func TestDistribute_ClearAfterDropsEmptyState(t *testing.T) {
	s, h, ctx := newFixture(t)
	w, _ := newWorker(h)

	d := commit(t, ctx, func() { h.createIn(t, ctx, 3, "c", "w") })
	id := d.ID()

	rep, err := s.Distribute(d, partFinder(w), DistributeOptions{ClearAfter: true, Hide: true})
	require.NoError(t, err)
	assert.Zero(t, rep.Remaining)
	require.Len(t, rep.Created, 1)
	assert.True(t, rep.Created[0].Hidden())

	assert.False(t, d.Valid())
	assert.True(t, s.Active().IsRoot())
	assert.Contains(t, s.MergedStates(), id)
	_, err = s.Lookup(id)
	assert.ErrorIs(t, err, ErrStateMerged)
	require.NoError(t, s.Verify())

	require.NoError(t, w.Undo())
	assert.Empty(t, h.values())
}

func TestDistribute_FailureMovesNothing(t *testing.T) {
	s, h, ctx := newFixture(t)
	w, wctx := newWorker(h)
	d := commit(t, ctx, func() {
		h.createIn(t, ctx, 1, "a", "w")
		h.createIn(t, ctx, 2, "b", "w")
	})
	_, err := wctx.Open()
	require.NoError(t, err)

	rep, err := s.Distribute(d, partFinder(w), DistributeOptions{})
	assert.ErrorIs(t, err, ErrDistribute)
	assert.Len(t, rep.Failures, 2)
	assert.Equal(t, 2, d.Len())
	assert.Len(t, w.States(), 1)
}

func TestDistribute_OnlyPendingOrActiveLeaf(t *testing.T) {
	s, h, ctx := newFixture(t)
	w, _ := newWorker(h)
	d := commit(t, ctx, func() { h.createIn(t, ctx, 1, "a", "w") })
	require.NoError(t, s.Undo())

	rep, err := s.Distribute(d, partFinder(w), DistributeOptions{})
	assert.ErrorIs(t, err, ErrDistribute)
	require.Len(t, rep.Failures, 1)
	assert.Contains(t, rep.Failures[0].Reason, "not the active leaf")
	assert.Equal(t, 1, d.Len())
}

func TestDistribute_AutomaticOnNoteState(t *testing.T) {
	h := newTestHost()
	w, _ := newWorker(h)
	s := NewStream(StreamOptions{Name: "main", Host: h, Finder: partFinder(w), Distribute: true})
	ctx := NewContext(s)

	_, err := ctx.Open()
	require.NoError(t, err)
	h.createIn(t, ctx, 1, "a", "")
	h.createIn(t, ctx, 2, "b", "w")
	d, err := ctx.NoteState(false)
	require.NoError(t, err)
	assert.Equal(t, []EntityID{1}, d.FindEntities(Created))
	assert.Equal(t, StateID(1), w.State())

	_, err = ctx.Open()
	require.NoError(t, err)
	h.createIn(t, ctx, 3, "c", "w")
	d, err = ctx.NoteState(false)
	require.NoError(t, err)
	assert.True(t, d.Equal(s.Active()), "an emptied state hands back the active one")
	assert.Equal(t, StateID(1), s.State())
	assert.Equal(t, StateID(2), w.State())
	require.NoError(t, s.Verify())
	require.NoError(t, w.Verify())
}

func TestDistribute_AutomaticCheckFailureLeavesPending(t *testing.T) {
	h := newTestHost()
	w, wctx := newWorker(h)
	s := NewStream(StreamOptions{Name: "main", Host: h, Finder: partFinder(w), Distribute: true})
	ctx := NewContext(s)

	wcp, err := wctx.Open()
	require.NoError(t, err)

	_, err = ctx.Open()
	require.NoError(t, err)
	h.createIn(t, ctx, 1, "a", "")
	h.createIn(t, ctx, 2, "b", "w")
	d, err := ctx.NoteState(false)
	assert.ErrorIs(t, err, ErrDistribute)
	assert.False(t, d.Valid())
	assert.Equal(t, StateID(0), s.State())
	assert.True(t, s.Active().IsRoot())
	assert.Equal(t, 2, s.Pending().Len())
	assert.Equal(t, StateID(0), w.State())

	_, err = wctx.Close(wcp, Succeeded)
	require.NoError(t, err)
	_, err = w.NoteState(true)
	require.NoError(t, err)

	d, err = s.NoteState(false)
	require.NoError(t, err)
	assert.Equal(t, []EntityID{1}, d.FindEntities(Created))
	assert.Equal(t, StateID(1), w.State())
	require.NoError(t, s.Verify())
	require.NoError(t, w.Verify())
}

// =============================================================================
// Mixed streams
// =============================================================================

func TestMixedStreams_FixRelocatesCreations(t *testing.T) {
	h := newTestHost()
	w, _ := newWorker(h)
	s := NewStream(StreamOptions{Name: "main", Host: h, Finder: partFinder(w)})
	ctx := NewContext(s)

	commit(t, ctx, func() { h.createIn(t, ctx, 1, "a", "") })
	commit(t, ctx, func() { h.createIn(t, ctx, 2, "b", "w") })

	reports := s.MixedStreams()
	require.Len(t, reports, 1)
	assert.True(t, reports[0].Fixable)
	assert.Same(t, w, reports[0].Offender)
	assert.Equal(t, []EntityID{2}, reports[0].Entities)
	assert.Contains(t, reports[0].String(), "fixable")

	n, err := s.FixMixedStreams()
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Empty(t, s.MixedStreams())
	assert.Equal(t, StateID(1), s.State())
	assert.Equal(t, StateID(1), w.State())
	require.NoError(t, s.Verify())
	require.NoError(t, w.Verify())

	require.NoError(t, w.Undo())
	assert.Equal(t, map[EntityID]string{1: "a"}, h.values())
}

func TestMixedStreams_ChangesAreCorrupt(t *testing.T) {
	h := newTestHost()
	w, _ := newWorker(h)
	s := NewStream(StreamOptions{Name: "main", Host: h, Finder: partFinder(w)})
	ctx := NewContext(s)

	commit(t, ctx, func() { h.createIn(t, ctx, 1, "a", "w") })
	commit(t, ctx, func() { h.set(t, ctx, 1, "b") })
	require.Len(t, s.MixedStreams(), 2)

	n, err := s.FixMixedStreams()
	assert.ErrorIs(t, err, ErrMixedStreams)
	assert.Equal(t, 1, n, "the creation still moves")
	reports := s.MixedStreams()
	require.Len(t, reports, 1)
	assert.False(t, reports[0].Fixable)
}
