package model

import (
	"encoding/json"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"modelhist/internal/history"
)

func newStream(t *testing.T, m *Model, name string) (*history.Stream, *history.Context) {
	t.Helper()
	s := history.NewStream(history.StreamOptions{Name: name, Host: m, Finder: m})
	return s, history.NewContext(s)
}

func note(t *testing.T, ctx *history.Context, fn func()) history.DeltaState {
	t.Helper()
	_, err := ctx.Open()
	require.NoError(t, err)
	fn()
	d, err := ctx.NoteState(false)
	require.NoError(t, err)
	return d
}

func TestModel_CreateUpdateDeleteRollBack(t *testing.T) {
	m := New()
	s, ctx := newStream(t, m, "main")

	var body *Entity
	note(t, ctx, func() {
		var err error
		body, err = m.Create(ctx, KindBody, "block", "", 0)
		require.NoError(t, err)
		_, err = m.Create(ctx, KindAttribute, "color", "", body.ID)
		require.NoError(t, err)
	})
	base := m.Snapshot()

	note(t, ctx, func() {
		require.NoError(t, m.Update(ctx, body.ID, func(e *Entity) {
			e.Attrs = map[string]string{"mass": "2"}
		}))
		require.NoError(t, m.Update(ctx, body.ID, func(e *Entity) { e.Name = "brick" }))
		require.NoError(t, m.Delete(ctx, 2))
	})
	assert.Equal(t, 1, m.Len())
	got, ok := m.Lookup("brick")
	require.True(t, ok)
	assert.Same(t, body, got)

	require.NoError(t, s.Undo())
	if diff := cmp.Diff(base, m.Snapshot()); diff != "" {
		t.Errorf("snapshot after undo (-want +got):\n%s", diff)
	}
	live, ok := m.Get(body.ID)
	require.True(t, ok)
	assert.Same(t, body, live, "rolling keeps the live object")

	require.NoError(t, s.ChangeState(0))
	assert.Zero(t, m.Len())
	require.NoError(t, s.Redo())
	assert.Equal(t, []history.EntityID{1, 2}, m.IDs())
}

func TestModel_Errors(t *testing.T) {
	m := New()
	_, ctx := newStream(t, m, "main")
	_, err := ctx.Open()
	require.NoError(t, err)

	assert.ErrorIs(t, m.Update(ctx, 9, func(*Entity) {}), ErrNotFound)
	assert.ErrorIs(t, m.Delete(ctx, 9), ErrNotFound)
	_, ok := m.Lookup("none")
	assert.False(t, ok)
}

func TestModel_FindStreamFollowsOwners(t *testing.T) {
	m := New()
	s, ctx := newStream(t, m, "main")
	w := history.NewStream(history.StreamOptions{Name: "worker", Host: m})
	m.BindPart("", s)
	m.BindPart("gear", w)

	var face, attr *Entity
	note(t, ctx, func() {
		body, err := m.Create(ctx, KindBody, "gear", "gear", 0)
		require.NoError(t, err)
		face, err = m.Create(ctx, KindFace, "f1", "", body.ID)
		require.NoError(t, err)
		attr, err = m.Create(ctx, KindAttribute, "a1", "", face.ID)
		require.NoError(t, err)
	})

	assert.Same(t, w, m.FindStream(face, history.FindPosterior))
	assert.Same(t, w, m.FindStream(attr, history.FindPrior))
	orphan := &Entity{ID: 99, Kind: KindEdge}
	assert.Same(t, s, m.FindStream(orphan, history.FindPosterior))
	assert.True(t, attr.IsAttribute())
	assert.False(t, face.IsAttribute())
}

func TestModel_TagsReachLiveEntities(t *testing.T) {
	m := New()
	s, ctx := newStream(t, m, "main")
	var e *Entity
	note(t, ctx, func() {
		var err error
		e, err = m.Create(ctx, KindEdge, "e", "", 0)
		require.NoError(t, err)
	})
	assert.Equal(t, history.NoTag, e.Tag)

	tag, err := s.TagOf(e)
	require.NoError(t, err)
	assert.Equal(t, tag, e.Tag)
	got, err := s.EntityFromTag(tag)
	require.NoError(t, err)
	assert.Equal(t, e.ID, got)
}

func TestEntity_CloneAndEqual(t *testing.T) {
	e := &Entity{ID: 1, Kind: KindBody, Name: "b", Attrs: map[string]string{"k": "v"}}
	c := e.Clone()
	assert.True(t, e.Equal(c))
	c.Attrs["k"] = "w"
	assert.Equal(t, "v", e.Attrs["k"], "clone is deep")
	assert.False(t, e.Equal(c))
	assert.True(t, (*Entity)(nil).Equal(nil))
	assert.False(t, e.Equal(nil))
	assert.Greater(t, e.HistorySize(), (&Entity{}).HistorySize())
}

func TestCodec_RejectsForeignEntities(t *testing.T) {
	_, err := Codec{}.Encode(fakeEntity{})
	assert.Error(t, err)
	_, err = Codec{}.Decode(json.RawMessage(`{"id":`))
	assert.Error(t, err)
}

type fakeEntity struct{}

func (fakeEntity) EntityID() history.EntityID { return 1 }

// =============================================================================
// Stream images
// =============================================================================

func TestImage_RoundTrip(t *testing.T) {
	m := New()
	s, ctx := newStream(t, m, "main")

	var body *Entity
	note(t, ctx, func() {
		var err error
		body, err = m.Create(ctx, KindBody, "b", "", 0)
		require.NoError(t, err)
	})
	note(t, ctx, func() {
		require.NoError(t, m.Update(ctx, body.ID, func(e *Entity) { e.Name = "b2" }))
	}).SetName("renamed")
	require.NoError(t, s.Undo())
	note(t, ctx, func() {
		_, err := m.Create(ctx, KindFace, "f", "", body.ID)
		require.NoError(t, err)
	})
	_, err := s.TagOf(body)
	require.NoError(t, err)

	img, err := s.Export(Codec{}, m.IsLive)
	require.NoError(t, err)
	raw, err := json.Marshal(img)
	require.NoError(t, err)

	var decoded history.Image
	require.NoError(t, json.Unmarshal(raw, &decoded))

	m2 := New()
	s2, live, err := history.Import(&decoded, Codec{}, history.StreamOptions{Host: m2, Finder: m2})
	require.NoError(t, err)
	require.NoError(t, m2.Install(live))

	assert.Equal(t, "main", s2.Name())
	assert.Equal(t, s.ID(), s2.ID())
	assert.Equal(t, s.State(), s2.State())
	assert.Equal(t, len(s.States()), len(s2.States()))
	if diff := cmp.Diff(m.Snapshot(), m2.Snapshot()); diff != "" {
		t.Fatalf("imported model differs (-want +got):\n%s", diff)
	}
	_, ok := s2.FindByName("renamed")
	assert.True(t, ok)
	tag, ok := s2.Tags().Lookup(body.ID)
	require.True(t, ok)
	got, err := s2.EntityFromTag(tag)
	require.NoError(t, err)
	assert.Equal(t, body.ID, got)

	// Both streams walk the same history.
	for _, target := range []history.StateID{2, 0, 3, 1} {
		require.NoError(t, s.ChangeState(target))
		require.NoError(t, s2.ChangeState(target))
		if diff := cmp.Diff(m.Snapshot(), m2.Snapshot()); diff != "" {
			t.Fatalf("state %d differs (-want +got):\n%s", target, diff)
		}
	}
}

func TestImage_RejectsBadInput(t *testing.T) {
	m := New()
	s, ctx := newStream(t, m, "main")
	note(t, ctx, func() {
		_, err := m.Create(ctx, KindBody, "b", "", 0)
		require.NoError(t, err)
	})
	img, err := s.Export(Codec{}, m.IsLive)
	require.NoError(t, err)

	bad := *img
	bad.Version = 99
	_, _, err = history.Import(&bad, Codec{}, history.StreamOptions{})
	assert.ErrorIs(t, err, history.ErrImageVersion)

	bad = *img
	bad.Active = 7
	_, _, err = history.Import(&bad, Codec{}, history.StreamOptions{})
	assert.ErrorIs(t, err, history.ErrImageCorrupt)

	bad = *img
	bad.Deltas = append([]history.DeltaImage(nil), img.Deltas...)
	bad.Deltas[1].Checkpoints = []history.CheckpointImage{{
		Status:  "closed-succeeded",
		Records: []history.RecordImage{{Entity: 1, Prior: -1, Posterior: 42}},
	}}
	_, _, err = history.Import(&bad, Codec{}, history.StreamOptions{})
	assert.ErrorIs(t, err, history.ErrImageCorrupt)

	for name, next := range map[string]int{"leaf to root": 0, "self": 1, "out of range": 5} {
		bad = *img
		bad.Deltas = append([]history.DeltaImage(nil), img.Deltas...)
		bad.Deltas[1].Next = next
		assert.NotPanics(t, func() {
			_, _, err = history.Import(&bad, Codec{}, history.StreamOptions{})
		}, name)
		assert.ErrorIs(t, err, history.ErrImageCorrupt, name)
	}

	_, err = ctx.Open()
	require.NoError(t, err)
	_, err = s.Export(Codec{}, nil)
	assert.ErrorIs(t, err, history.ErrCheckpointOpen)
}
