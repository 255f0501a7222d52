package history

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestArrayTagTable_SetGetRelease(t *testing.T) {
	tt := NewArrayTagTable(2)

	require.NoError(t, tt.Set(5, 100))
	assert.Equal(t, 6, tt.Len())
	assert.Equal(t, Tag(6), tt.NextTag(false))

	id, err := tt.Get(5)
	require.NoError(t, err)
	assert.Equal(t, EntityID(100), id)
	tag, ok := tt.Lookup(100)
	require.True(t, ok)
	assert.Equal(t, Tag(5), tag)

	_, err = tt.Get(2)
	assert.ErrorIs(t, err, ErrTagNotFound, "gap slots are empty")
	assert.ErrorIs(t, tt.Set(-1, 1), ErrInvalidTag)

	require.NoError(t, tt.Release(5))
	_, ok = tt.Lookup(100)
	assert.False(t, ok)
	assert.ErrorIs(t, tt.Release(5), ErrTagNotFound)
	assert.Equal(t, Tag(6), tt.NextTag(false), "released tags are not reused")
}

func TestArrayTagTable_RebindDropsOldReverse(t *testing.T) {
	tt := NewArrayTagTable(0)
	require.NoError(t, tt.Set(0, 1))
	require.NoError(t, tt.Set(0, 2))

	_, ok := tt.Lookup(1)
	assert.False(t, ok)
	tag, ok := tt.Lookup(2)
	require.True(t, ok)
	assert.Equal(t, Tag(0), tag)
}

func TestArrayTagTable_NextTagAndEach(t *testing.T) {
	tt := NewArrayTagTable(0)
	for i := 0; i < 4; i++ {
		nt := tt.NextTag(true)
		require.NoError(t, tt.Set(nt, EntityID(10*i)))
	}
	require.NoError(t, tt.Release(1))

	var seen []Tag
	tt.Each(func(tag Tag, _ EntityID) bool {
		seen = append(seen, tag)
		return true
	})
	assert.Equal(t, []Tag{0, 2, 3}, seen)

	var first []Tag
	tt.Each(func(tag Tag, _ EntityID) bool {
		first = append(first, tag)
		return false
	})
	assert.Equal(t, []Tag{0}, first)

	tt.SetNextTag(-3)
	assert.Equal(t, Tag(0), tt.NextTag(false))

	tt.Grow(64)
	assert.Equal(t, 4, tt.Len(), "grow reserves without adding slots")
}

func TestArrayTagTable_Concurrent(t *testing.T) {
	tt := NewArrayTagTable(0)
	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			for i := 0; i < 50; i++ {
				_ = tt.Set(tt.NextTag(true), EntityID(g*1000+i))
			}
		}(g)
	}
	wg.Wait()

	assert.Equal(t, 400, tt.Len())
	n := 0
	tt.Each(func(Tag, EntityID) bool { n++; return true })
	assert.Equal(t, 400, n)
}
