package scenario

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"modelhist/internal/history"
)

func run(t *testing.T, sc *Script, opts Options) (*Runner, error) {
	t.Helper()
	r, err := New(sc, opts)
	require.NoError(t, err)
	_, err = r.Run(context.Background())
	return r, err
}

func TestScripts(t *testing.T) {
	files, err := filepath.Glob(filepath.Join("testdata", "*.yaml"))
	require.NoError(t, err)
	require.NotEmpty(t, files)

	for _, file := range files {
		t.Run(filepath.Base(file), func(t *testing.T) {
			sc, err := LoadFile(file)
			require.NoError(t, err)
			r, err := run(t, sc, Options{})
			require.NoError(t, err)
			for _, s := range r.Streams() {
				assert.NoError(t, s.Verify(), s.Name())
			}
		})
	}
}

func TestParse_Errors(t *testing.T) {
	cases := map[string]struct {
		src  string
		want string
	}{
		"empty":          {"", "empty script"},
		"unknown field":  {"steps:\n  - op: open\n    bogus: 1\n", "bogus"},
		"unknown op":     {"steps:\n  - op: fly\n", `unknown op "fly"`},
		"unknown stream": {"steps:\n  - op: undo\n    stream: nope\n", `unknown stream "nope"`},
		"duplicate": {
			"streams:\n  - name: a\n  - name: a\n", `duplicate stream "a"`,
		},
		"bare expect":   {"steps:\n  - op: expect\n", "expect without assertions"},
		"state mapping": {"steps:\n  - op: goto\n    state: {x: 1}\n", "state must be"},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Parse(strings.NewReader(tc.src))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tc.want)
		})
	}
}

func TestParse_DefaultStream(t *testing.T) {
	sc, err := Parse(strings.NewReader("name: x\nsteps:\n  - op: open\n"))
	require.NoError(t, err)
	require.Len(t, sc.Streams, 1)
	assert.Equal(t, "main", sc.Streams[0].Name)
}

func TestStateRef(t *testing.T) {
	sc, err := Parse(strings.NewReader(`
steps:
  - op: goto
    state: 12
  - op: goto
    state: base
`))
	require.NoError(t, err)

	id, ok := sc.Steps[0].State.ID()
	assert.True(t, ok)
	assert.Equal(t, history.StateID(12), id)

	_, ok = sc.Steps[1].State.ID()
	assert.False(t, ok)
	assert.Equal(t, "base", sc.Steps[1].State.String())
}

func TestRun_StepErrorIndex(t *testing.T) {
	sc, err := Parse(strings.NewReader(`
steps:
  - op: open
  - op: create
    name: b1
  - op: note
  - op: expect
    expect: {entities: 2, exists: [b9]}
`))
	require.NoError(t, err)

	_, err = run(t, sc, Options{})
	var se *StepError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, 4, se.Index)
	assert.Equal(t, "expect", se.Op)
	assert.ErrorIs(t, err, ErrExpectation)
	assert.Contains(t, err.Error(), "1 live entities, want 2")
	assert.Contains(t, err.Error(), "b9 should exist")
}

func TestRun_ExpectErrorNeedsError(t *testing.T) {
	sc, err := Parse(strings.NewReader(`
steps:
  - op: open
    expect_error: checkpoint_open
`))
	require.NoError(t, err)

	_, err = run(t, sc, Options{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), `expected error "checkpoint_open", got none`)
}

func TestRun_ExpectErrorBySubstring(t *testing.T) {
	sc, err := Parse(strings.NewReader(`
steps:
  - op: close
    outcome: maybe
    expect_error: no open checkpoint
`))
	require.NoError(t, err)
	_, err = run(t, sc, Options{})
	require.NoError(t, err)
}

func TestRun_ObserverForEveryStream(t *testing.T) {
	sc, err := Parse(strings.NewReader(`
streams:
  - name: main
  - name: side
steps:
  - op: open
  - op: create
    name: b1
  - op: note
  - op: undo
  - op: push
    stream: side
  - op: pop
    stream: side
`))
	require.NoError(t, err)

	kinds := map[string][]history.EventKind{}
	_, err = run(t, sc, Options{
		ObserverFor: func(s *history.Stream) history.Observer {
			return history.ObserverFunc(func(e history.Event) {
				kinds[s.Name()] = append(kinds[s.Name()], e.Kind)
			})
		},
	})
	require.NoError(t, err)
	assert.Equal(t, []history.EventKind{
		history.EventOpen, history.EventClose, history.EventNote, history.EventRoll,
	}, kinds["main"])
	assert.Equal(t, []history.EventKind{history.EventPush, history.EventPop}, kinds["side"])
}

func TestRun_SharedTags(t *testing.T) {
	sc, err := Parse(strings.NewReader(`
history:
  shared_tags: true
streams:
  - name: a
  - name: b
steps:
  - op: open
  - op: create
    name: b1
  - op: note
  - op: tag
    target: b1
    as: t1
  - op: tag
    stream: b
    target: b1
    as: t2
`))
	require.NoError(t, err)

	r, err := run(t, sc, Options{})
	require.NoError(t, err)
	a, _ := r.Stream("a")
	b, _ := r.Stream("b")
	assert.Same(t, a.Tags(), b.Tags())
	assert.Equal(t, r.tags["t1"], r.tags["t2"])
}

func TestRun_Cancelled(t *testing.T) {
	sc, err := Parse(strings.NewReader("steps:\n  - op: open\n"))
	require.NoError(t, err)
	r, err := New(sc, Options{})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	res, err := r.Run(ctx)
	assert.True(t, errors.Is(err, context.Canceled))
	assert.Zero(t, res.Steps)
}

func TestRun_MaxStatesPerStream(t *testing.T) {
	sc, err := Parse(strings.NewReader(`
history:
  max_states: 5
streams:
  - name: main
    max_states: 1
steps:
  - op: open
  - op: create
    name: b1
  - op: note
  - op: open
  - op: change
    target: b1
    name: b2
  - op: note
  - op: expect
    expect: {states: 2, state: 2}
`))
	require.NoError(t, err)
	r, err := run(t, sc, Options{})
	require.NoError(t, err)
	s, _ := r.Stream("main")
	assert.Equal(t, 1, s.MaxStatesToKeep())
}
