package history

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// =============================================================================
// Open / Close
// =============================================================================

func TestContext_OpenClose(t *testing.T) {
	s, h, ctx := newFixture(t)

	cp, err := ctx.Open()
	require.NoError(t, err)
	assert.Equal(t, OpenMainline, cp.Status())
	assert.Equal(t, 1, s.OpenCount())

	_, err = ctx.Open()
	assert.ErrorIs(t, err, ErrCheckpointOpen)

	h.create(t, ctx, 1, "a")
	status, err := ctx.Close(cp, Succeeded)
	require.NoError(t, err)
	assert.Equal(t, ClosedSucceeded, status)
	assert.Equal(t, 0, s.OpenCount())

	status, err = ctx.Close(cp, Succeeded)
	assert.ErrorIs(t, err, ErrCheckpointClosed)
	assert.Equal(t, ClosedSucceeded, status)
	assert.Contains(t, h.live, EntityID(1))
}

func TestContext_OpenRefusesSecondContextOnStream(t *testing.T) {
	s, h, ctx := newFixture(t)
	other := NewContext(s)

	cp, err := ctx.Open()
	require.NoError(t, err)

	_, err = other.Open()
	assert.ErrorIs(t, err, ErrCheckpointOpen)
	assert.Equal(t, 1, s.OpenCount())
	assert.False(t, other.Current().Valid())

	h.create(t, ctx, 1, "a")
	_, err = ctx.Close(cp, Succeeded)
	require.NoError(t, err)
	assert.Equal(t, 0, s.OpenCount())

	cp2, err := other.Open()
	require.NoError(t, err)
	assert.Equal(t, OpenMainline, cp2.Status())
}

func TestContext_CloseFailedRollsBack(t *testing.T) {
	s, h, ctx := newFixture(t)
	commit(t, ctx, func() { h.create(t, ctx, 1, "a") })

	cp, err := ctx.Open()
	require.NoError(t, err)
	h.set(t, ctx, 1, "b")
	h.create(t, ctx, 2, "x")
	h.remove(t, ctx, 1)

	status, err := ctx.Close(cp, Failed)
	require.NoError(t, err)
	assert.Equal(t, ClosedFailed, status)
	assert.Equal(t, map[EntityID]string{1: "a"}, h.values())
	assert.False(t, cp.Valid())
	assert.Equal(t, 0, s.OpenCount())

	_, err = ctx.Close(cp, Failed)
	assert.ErrorIs(t, err, ErrCheckpointClosed)
}

func TestContext_RecordsNeedOpenCheckpoint(t *testing.T) {
	_, _, ctx := newFixture(t)
	e := &testEntity{id: 1}
	assert.ErrorIs(t, ctx.Create(e), ErrNoOpenCheckpoint)
	assert.ErrorIs(t, ctx.Delete(e), ErrNoOpenCheckpoint)
	assert.ErrorIs(t, ctx.Create(nil), ErrNilEntity)
	assert.ErrorIs(t, ctx.MarkDead(1), ErrNoOpenCheckpoint)
	assert.True(t, ctx.NeedsBackup(1))
}

func TestContext_RecordCombining(t *testing.T) {
	tests := []struct {
		name string
		run  func(t *testing.T, ctx *Context, e *testEntity) error
		kind RecordKind
		err  error
	}{
		{
			name: "create then change stays create",
			run: func(t *testing.T, ctx *Context, e *testEntity) error {
				require.NoError(t, ctx.Create(e))
				b := *e
				return ctx.Change(&b, e)
			},
			kind: KindCreate,
		},
		{
			name: "create then delete is a no-op",
			run: func(t *testing.T, ctx *Context, e *testEntity) error {
				require.NoError(t, ctx.Create(e))
				return ctx.Delete(e)
			},
			kind: KindNone,
		},
		{
			name: "create twice",
			run: func(t *testing.T, ctx *Context, e *testEntity) error {
				require.NoError(t, ctx.Create(e))
				return ctx.Create(e)
			},
			kind: KindCreate,
			err:  ErrEntityExists,
		},
		{
			name: "change after delete",
			run: func(t *testing.T, ctx *Context, e *testEntity) error {
				require.NoError(t, ctx.Delete(e))
				b := *e
				return ctx.Change(&b, e)
			},
			kind: KindDelete,
			err:  ErrEntityDeleted,
		},
		{
			name: "create after delete",
			run: func(t *testing.T, ctx *Context, e *testEntity) error {
				require.NoError(t, ctx.Delete(e))
				return ctx.Create(&testEntity{id: e.id})
			},
			kind: KindDelete,
			err:  ErrEntityDeleted,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, _, ctx := newFixture(t)
			cp, err := ctx.Open()
			require.NoError(t, err)

			err = tt.run(t, ctx, &testEntity{id: 1, val: "v"})
			if tt.err != nil {
				assert.ErrorIs(t, err, tt.err)
			} else {
				assert.NoError(t, err)
			}
			recs := cp.Records()
			require.Len(t, recs, 1)
			assert.Equal(t, tt.kind, recs[0].Kind)
			assert.Equal(t, EntityID(1), recs[0].Entity)
		})
	}
}

func TestContext_ChangeRejectsMismatchedBackup(t *testing.T) {
	_, _, ctx := newFixture(t)
	_, err := ctx.Open()
	require.NoError(t, err)
	assert.Error(t, ctx.Change(&testEntity{id: 1}, &testEntity{id: 2}))
	assert.ErrorIs(t, ctx.Change(nil, &testEntity{id: 2}), ErrNilEntity)
}

func TestContext_MarkDeadSkipsRoll(t *testing.T) {
	_, h, ctx := newFixture(t)
	cp, err := ctx.Open()
	require.NoError(t, err)
	h.create(t, ctx, 1, "a")
	h.create(t, ctx, 2, "b")
	require.NoError(t, ctx.MarkDead(2))
	assert.True(t, cp.IsDead(2))
	assert.Equal(t, []EntityID{2}, cp.DeadEntities())

	_, err = ctx.Close(cp, Failed)
	require.NoError(t, err)
	assert.Equal(t, map[EntityID]string{2: "b"}, h.values())
}

// =============================================================================
// Push / Pop
// =============================================================================

func TestContext_PushSameStreamStacks(t *testing.T) {
	s, h, ctx := newFixture(t)

	outer, err := ctx.Open()
	require.NoError(t, err)
	h.create(t, ctx, 1, "a")

	require.NoError(t, ctx.Push(s))
	assert.Equal(t, SuspendedMainline, outer.Status())
	assert.Equal(t, 1, s.Nesting())
	assert.Equal(t, 2, ctx.Depth())

	inner, err := ctx.Open()
	require.NoError(t, err)
	assert.Equal(t, OpenStacked, inner.Status())
	assert.Equal(t, 1, inner.Level())
	assert.Equal(t, 2, s.OpenCount())
	h.set(t, ctx, 1, "b")
	h.create(t, ctx, 2, "c")

	_, err = ctx.Close(outer, Succeeded)
	assert.ErrorIs(t, err, ErrIllegalTransition)

	require.NoError(t, ctx.Pop(s))
	assert.Equal(t, 0, s.Nesting())
	assert.Equal(t, 1, ctx.Depth())
	assert.False(t, inner.Valid())
	assert.Equal(t, OpenMainline, outer.Status())
	assert.Equal(t, 2, outer.Len())

	d, err := ctx.NoteState(false)
	require.NoError(t, err)
	assert.Len(t, d.Checkpoints(), 1)
	assert.Equal(t, []EntityID{1, 2}, d.FindEntities(Created))

	require.NoError(t, s.Undo())
	assert.Empty(t, h.values())
}

func TestContext_PushOtherStreamNests(t *testing.T) {
	s, h, ctx := newFixture(t)
	w := NewStream(StreamOptions{Name: "worker", Host: h})

	require.NoError(t, ctx.Push(w))
	first, err := ctx.Open()
	require.NoError(t, err)
	assert.Equal(t, OpenNested, first.Status())
	h.create(t, ctx, 1, "a")
	status, err := ctx.Close(first, Succeeded)
	require.NoError(t, err)
	assert.Equal(t, ClosedNested, status)
	assert.True(t, first.MergePending())

	second, err := ctx.Open()
	require.NoError(t, err)
	h.create(t, ctx, 2, "b")
	_, err = ctx.Close(second, Succeeded)
	require.NoError(t, err)

	require.NoError(t, ctx.Pop(w))
	assert.Equal(t, 0, w.Nesting())
	assert.Same(t, s, ctx.Stream())

	pending := w.Pending()
	require.True(t, pending.Valid())
	cps := pending.Checkpoints()
	require.Len(t, cps, 1, "checkpoints of a popped level are compacted")
	assert.Equal(t, ClosedSucceeded, cps[0].Status())
	assert.False(t, cps[0].MergePending())
	assert.Equal(t, 2, cps[0].Len())

	d, err := w.NoteState(false)
	require.NoError(t, err)
	assert.Equal(t, 2, d.Len())
	assert.False(t, s.Uncommitted())
}

func TestContext_PopErrors(t *testing.T) {
	s, _, ctx := newFixture(t)
	w := NewStream(StreamOptions{Name: "w"})

	assert.ErrorIs(t, ctx.Pop(s), ErrNotPushed)
	require.NoError(t, ctx.Push(w))
	assert.ErrorIs(t, ctx.Pop(s), ErrStreamMismatch)

	// An unmatched push stays visible.
	assert.Equal(t, 2, ctx.Depth())
	assert.Equal(t, 1, w.Nesting())
	require.NoError(t, ctx.Pop(w))
	assert.Equal(t, 0, w.Nesting())
}

func TestContext_WithPopsOnError(t *testing.T) {
	_, h, ctx := newFixture(t)
	w := NewStream(StreamOptions{Name: "w", Host: h})
	boom := errors.New("boom")

	err := ctx.With(w, func(c *Context) error {
		_, err := c.Open()
		require.NoError(t, err)
		h.create(t, c, 1, "a")
		return boom
	})
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 1, ctx.Depth())
	assert.Equal(t, 0, w.Nesting())
	assert.Equal(t, 0, w.OpenCount())
	assert.Empty(t, h.values())
	assert.False(t, w.Uncommitted())
}

func TestContext_WithPopsOnPanic(t *testing.T) {
	_, h, ctx := newFixture(t)
	w := NewStream(StreamOptions{Name: "w", Host: h})

	assert.Panics(t, func() {
		_ = ctx.With(w, func(c *Context) error {
			_, err := c.Open()
			require.NoError(t, err)
			h.create(t, c, 1, "a")
			panic("kaboom")
		})
	})
	assert.Equal(t, 1, ctx.Depth())
	assert.Equal(t, 0, w.Nesting())
	assert.Empty(t, h.values())
}

func TestContext_WithSuccessKeepsWork(t *testing.T) {
	s, h, ctx := newFixture(t)
	_, err := ctx.Open()
	require.NoError(t, err)
	h.create(t, ctx, 1, "a")

	err = ctx.With(s, func(c *Context) error {
		_, err := c.Open()
		if err != nil {
			return err
		}
		h.set(t, c, 1, "b")
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, OpenMainline, ctx.Current().Status())

	d, err := ctx.NoteState(false)
	require.NoError(t, err)
	assert.Equal(t, 1, d.Len())
	assert.Equal(t, "b", h.live[1].val)
}

func TestContext_WithRejectsUnbalancedPush(t *testing.T) {
	_, _, ctx := newFixture(t)
	w := NewStream(StreamOptions{Name: "w"})
	x := NewStream(StreamOptions{Name: "x"})

	err := ctx.With(w, func(c *Context) error {
		return c.Push(x)
	})
	assert.ErrorIs(t, err, ErrIllegalTransition)
	assert.Equal(t, 1, ctx.Depth())
	assert.Equal(t, 0, x.Nesting())
	assert.Equal(t, 0, w.Nesting())
}

func TestContext_Abort(t *testing.T) {
	s, h, ctx := newFixture(t)
	w := NewStream(StreamOptions{Name: "w", Host: h})
	commit(t, ctx, func() { h.create(t, ctx, 9, "kept") })

	_, err := ctx.Open()
	require.NoError(t, err)
	h.create(t, ctx, 1, "a")
	require.NoError(t, ctx.Push(s))
	_, err = ctx.Open()
	require.NoError(t, err)
	h.set(t, ctx, 9, "changed")
	require.NoError(t, ctx.Push(w))
	_, err = ctx.Open()
	require.NoError(t, err)
	h.create(t, ctx, 2, "c")

	n := ctx.Abort()
	assert.Equal(t, 3, n)
	assert.Equal(t, map[EntityID]string{9: "kept"}, h.values())
	assert.Equal(t, 1, ctx.Depth())
	assert.Equal(t, 0, s.Nesting())
	assert.Equal(t, 0, w.Nesting())
	assert.Equal(t, 0, s.OpenCount())
	assert.Equal(t, 0, w.OpenCount())
	assert.False(t, ctx.Current().Valid())
	require.NoError(t, s.Verify())
}
