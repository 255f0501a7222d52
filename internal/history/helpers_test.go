package history

import (
	"sort"
	"testing"

	"github.com/stretchr/testify/require"
)

// Test helpers

type testEntity struct {
	id   EntityID
	val  string
	part string
	attr bool
}

func (e *testEntity) EntityID() EntityID { return e.id }
func (e *testEntity) IsAttribute() bool  { return e.attr }
func (e *testEntity) HistorySize() int64 { return int64(len(e.val)) + 32 }
func (e *testEntity) String() string     { return e.val }

// testHost keeps the live model as a map and swaps contents in place.
type testHost struct {
	live  map[EntityID]*testEntity
	tags  map[EntityID]Tag
	swaps int
}

func newTestHost() *testHost {
	return &testHost{live: make(map[EntityID]*testEntity), tags: make(map[EntityID]Tag)}
}

func (h *testHost) SwapContents(prior, posterior Entity) {
	h.swaps++
	switch {
	case prior != nil && posterior != nil:
		p, q := prior.(*testEntity), posterior.(*testEntity)
		*p, *q = *q, *p
	case prior == nil:
		delete(h.live, posterior.EntityID())
	default:
		h.live[prior.EntityID()] = prior.(*testEntity)
	}
}

func (h *testHost) AssignTag(e Entity, t Tag) { h.tags[e.EntityID()] = t }

func (h *testHost) create(t *testing.T, ctx *Context, id EntityID, val string) *testEntity {
	t.Helper()
	return h.createIn(t, ctx, id, val, "")
}

func (h *testHost) createIn(t *testing.T, ctx *Context, id EntityID, val, part string) *testEntity {
	t.Helper()
	e := &testEntity{id: id, val: val, part: part}
	require.NoError(t, ctx.Create(e))
	h.live[id] = e
	return e
}

func (h *testHost) set(t *testing.T, ctx *Context, id EntityID, val string) {
	t.Helper()
	e, ok := h.live[id]
	require.True(t, ok, "entity %d not live", id)
	if ctx.NeedsBackup(id) {
		b := *e
		require.NoError(t, ctx.Change(&b, e))
	}
	e.val = val
}

func (h *testHost) remove(t *testing.T, ctx *Context, id EntityID) {
	t.Helper()
	e, ok := h.live[id]
	require.True(t, ok, "entity %d not live", id)
	require.NoError(t, ctx.Delete(e))
	delete(h.live, id)
}

func (h *testHost) values() map[EntityID]string {
	out := make(map[EntityID]string, len(h.live))
	for id, e := range h.live {
		out[id] = e.val
	}
	return out
}

func (h *testHost) ids() []EntityID {
	ids := make([]EntityID, 0, len(h.live))
	for id := range h.live {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

func newFixture(t *testing.T, opts ...func(*StreamOptions)) (*Stream, *testHost, *Context) {
	t.Helper()
	h := newTestHost()
	o := StreamOptions{Name: "main", Host: h}
	for _, fn := range opts {
		fn(&o)
	}
	s := NewStream(o)
	return s, h, NewContext(s)
}

// commit opens a checkpoint, runs fn and notes the state.
func commit(t *testing.T, ctx *Context, fn func()) DeltaState {
	t.Helper()
	_, err := ctx.Open()
	require.NoError(t, err)
	fn()
	ds, err := ctx.NoteState(false)
	require.NoError(t, err)
	require.True(t, ds.Valid())
	return ds
}

func stateIDs(states []DeltaState) []StateID {
	out := make([]StateID, len(states))
	for i, d := range states {
		out[i] = d.ID()
	}
	return out
}
