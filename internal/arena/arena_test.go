package arena

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestArena_InsertGet(t *testing.T) {
	a := New[string](4)
	h1 := a.Insert("one")
	h2 := a.Insert("two")

	require.NotNil(t, a.Get(h1))
	assert.Equal(t, "one", *a.Get(h1))
	assert.Equal(t, "two", *a.Get(h2))
	assert.Equal(t, 2, a.Len())
	assert.False(t, h1.IsZero())
}

func TestArena_ZeroHandle(t *testing.T) {
	a := New[int](0)
	var h Handle[int]
	assert.True(t, h.IsZero())
	assert.Nil(t, a.Get(h))
	_, ok := a.Remove(h)
	assert.False(t, ok)
	assert.Equal(t, "nil", h.String())
}

func TestArena_StaleHandleAfterReuse(t *testing.T) {
	a := New[int](0)
	h1 := a.Insert(1)
	v, ok := a.Remove(h1)
	require.True(t, ok)
	assert.Equal(t, 1, v)

	h2 := a.Insert(2)
	assert.Equal(t, h1.Index(), h2.Index(), "slot should be reused")
	assert.NotEqual(t, h1.Generation(), h2.Generation())
	assert.Nil(t, a.Get(h1))
	assert.False(t, a.Contains(h1))
	assert.Equal(t, 2, *a.Get(h2))
}

func TestArena_DoubleRemove(t *testing.T) {
	a := New[int](0)
	h := a.Insert(7)
	_, ok := a.Remove(h)
	require.True(t, ok)
	_, ok = a.Remove(h)
	assert.False(t, ok)
	assert.Equal(t, 0, a.Len())
}

func TestArena_EachAndClear(t *testing.T) {
	a := New[int](0)
	for i := 0; i < 5; i++ {
		a.Insert(i)
	}
	h := a.Insert(99)
	a.Remove(h)

	sum := 0
	a.Each(func(_ Handle[int], v *int) bool {
		sum += *v
		return true
	})
	assert.Equal(t, 10, sum)

	seen := 0
	a.Each(func(_ Handle[int], _ *int) bool {
		seen++
		return seen < 2
	})
	assert.Equal(t, 2, seen)

	a.Clear()
	assert.Equal(t, 0, a.Len())
	assert.Nil(t, a.Get(h))
	h2 := a.Insert(1)
	assert.Equal(t, 1, *a.Get(h2))
}
