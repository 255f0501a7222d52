package history

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// =============================================================================
// MergeNext / CompressCheckpoints
// =============================================================================

func TestMergeNext_FoldsFollowerAndPrunesPartners(t *testing.T) {
	s, h, ctx := newFixture(t)
	d1 := commit(t, ctx, func() { h.create(t, ctx, 1, "a") })
	d2 := commit(t, ctx, func() { h.create(t, ctx, 2, "b") })
	require.NoError(t, s.Undo())
	d3 := commit(t, ctx, func() { h.create(t, ctx, 3, "c") })
	at3 := h.values()

	require.NoError(t, s.MergeNext(d1))

	assert.False(t, d2.Valid())
	assert.False(t, d3.Valid())
	assert.True(t, s.Active().Equal(d1))
	assert.Equal(t, StateID(0), d1.From())
	assert.Equal(t, StateID(3), d1.To())
	assert.Len(t, d1.Checkpoints(), 2)
	assert.Equal(t, []StateID{1}, d1.Merged())
	assert.Equal(t, []StateID{1}, s.MergedStates())
	require.NoError(t, s.Verify())

	_, err := s.Lookup(1)
	assert.ErrorIs(t, err, ErrStateMerged)
	assert.ErrorIs(t, s.ChangeState(1), ErrStateMerged)

	require.NoError(t, s.Undo())
	assert.Empty(t, h.values())
	require.NoError(t, s.Redo())
	assert.Equal(t, at3, h.values())
}

func TestMergeNext_ReparentsGrandchildren(t *testing.T) {
	s, h, ctx := newFixture(t)
	chain := buildChain(t, ctx, h, 3)

	require.NoError(t, s.MergeNext(chain[0]))
	require.True(t, chain[2].Valid())
	assert.True(t, chain[2].Prev().Equal(chain[0]))
	assert.Equal(t, chain[0].To(), chain[2].From())
	assert.True(t, s.Active().Equal(chain[2]))
	require.NoError(t, s.Verify())

	require.NoError(t, s.ChangeState(0))
	assert.Empty(t, h.values())
}

func TestMergeNext_Errors(t *testing.T) {
	s, h, ctx := newFixture(t)
	chain := buildChain(t, ctx, h, 2)

	assert.ErrorIs(t, s.MergeNext(chain[1]), ErrIllegalTransition, "no follower")
	assert.ErrorIs(t, s.MergeNext(s.Root()), ErrIllegalTransition)

	require.NoError(t, s.Undo())
	assert.ErrorIs(t, s.MergeNext(chain[0]), ErrNotRollable, "directions differ")

	other := NewStream(StreamOptions{})
	assert.ErrorIs(t, other.MergeNext(chain[0]), ErrStreamMismatch)
}

func TestCompressCheckpoints(t *testing.T) {
	s, h, ctx := newFixture(t)
	commit(t, ctx, func() { h.create(t, ctx, 1, "a") })

	for _, v := range []string{"b", "c", "d"} {
		cp, err := ctx.Open()
		require.NoError(t, err)
		h.set(t, ctx, 1, v)
		h.create(t, ctx, EntityID(10+len(v)+int(v[0])), v)
		_, err = ctx.Close(cp, Succeeded)
		require.NoError(t, err)
	}
	d, err := ctx.NoteState(false)
	require.NoError(t, err)
	require.Len(t, d.Checkpoints(), 3)

	require.NoError(t, s.CompressCheckpoints(d))
	cps := d.Checkpoints()
	require.Len(t, cps, 1)
	assert.Equal(t, 4, cps[0].Len())

	require.NoError(t, s.Undo())
	assert.Equal(t, map[EntityID]string{1: "a"}, h.values())
	require.NoError(t, s.Redo())
	assert.Equal(t, "d", h.live[1].val)

	require.NoError(t, s.Undo())
	assert.NoError(t, s.CompressCheckpoints(d), "a single checkpoint is left alone")
}

// =============================================================================
// Stream merge
// =============================================================================

func TestStream_MergeWorker(t *testing.T) {
	m, h, ctx := newFixture(t)
	commit(t, ctx, func() { h.create(t, ctx, 1, "a") })

	w := NewStream(StreamOptions{Name: "worker", Host: h})
	wctx := NewContext(w)
	commit(t, wctx, func() { h.create(t, wctx, 2, "x") })
	commit(t, wctx, func() { h.set(t, wctx, 2, "x2") })
	xe := h.live[2]
	wtag, err := w.TagOf(xe)
	require.NoError(t, err)

	res, err := m.Merge(w)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Relocated)
	assert.Equal(t, StateID(1), res.StateMap[0])
	assert.Equal(t, m.State(), res.StateMap[2])
	require.NoError(t, m.Verify())

	assert.True(t, w.Active().IsRoot())
	assert.Len(t, w.States(), 1)
	require.NoError(t, w.Verify())

	mtag, ok := m.Tags().Lookup(2)
	require.True(t, ok)
	if renumbered, moved := res.TagMap[wtag]; moved {
		assert.Equal(t, renumbered, mtag)
	} else {
		assert.Equal(t, wtag, mtag)
	}

	require.NoError(t, m.Undo())
	assert.Equal(t, "x", h.live[2].val)
	require.NoError(t, m.Undo())
	assert.NotContains(t, h.live, EntityID(2))
	require.NoError(t, m.Undo())
	assert.Empty(t, h.values())
}

func TestStream_MergeRenumberedTagReachesHost(t *testing.T) {
	m, h, ctx := newFixture(t)
	commit(t, ctx, func() { h.create(t, ctx, 1, "a") })
	mtag, err := m.TagOf(h.live[1])
	require.NoError(t, err)

	w := NewStream(StreamOptions{Name: "worker", Host: h})
	wctx := NewContext(w)
	commit(t, wctx, func() { h.create(t, wctx, 2, "x") })
	wtag, err := w.TagOf(h.live[2])
	require.NoError(t, err)
	require.Equal(t, mtag, wtag, "both tables start from the same tag")

	res, err := m.Merge(w)
	require.NoError(t, err)
	require.Contains(t, res.TagMap, wtag)

	newTag := res.TagMap[wtag]
	assert.NotEqual(t, wtag, newTag)
	assert.Equal(t, newTag, h.tags[2])
	got, err := m.EntityFromTag(h.tags[2])
	require.NoError(t, err)
	assert.Equal(t, EntityID(2), got)

	got, err = m.EntityFromTag(h.tags[1])
	require.NoError(t, err)
	assert.Equal(t, EntityID(1), got)
}

func TestStream_MergeRejectsBusyStreams(t *testing.T) {
	m, h, _ := newFixture(t)
	w := NewStream(StreamOptions{Name: "worker", Host: h})
	wctx := NewContext(w)
	_, err := wctx.Open()
	require.NoError(t, err)

	_, err = m.Merge(w)
	assert.ErrorIs(t, err, ErrCheckpointOpen)
	_, err = m.Merge(m)
	assert.ErrorIs(t, err, ErrStreamMismatch)
}
