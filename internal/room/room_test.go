package room

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wilsonzlin/aero/proxy/chat-relay/internal/identity"
)

func TestKeyFor_Symmetric(t *testing.T) {
	k1, err := KeyFor(identity.FromInt(5), identity.FromInt(9))
	require.NoError(t, err)
	k2, err := KeyFor(identity.FromInt(9), identity.FromInt(5))
	require.NoError(t, err)
	assert.Equal(t, Key("5_9"), k1)
	assert.Equal(t, k1, k2)
}

func TestKeyFor_NumericNotLexicographic(t *testing.T) {
	k, err := KeyFor(identity.FromInt(10), identity.FromInt(9))
	require.NoError(t, err)
	assert.Equal(t, Key("9_10"), k)
}

func TestKeyFor_Self(t *testing.T) {
	k, err := KeyFor(identity.FromInt(3), identity.FromInt(3))
	require.NoError(t, err)
	assert.Equal(t, Key("3_3"), k)
}

func TestKeyFor_InvalidIdentity(t *testing.T) {
	_, err := KeyFor(identity.FromInt(5), identity.Identity{})
	assert.ErrorIs(t, err, ErrInvalidIdentity)
	_, err = KeyFor(identity.Identity{}, identity.FromInt(5))
	assert.ErrorIs(t, err, ErrInvalidIdentity)
}

func TestDirectory_JoinIdempotentAndPrune(t *testing.T) {
	d := NewDirectory[string]()
	d.Join("5_9", "a")
	d.Join("5_9", "a")
	assert.ElementsMatch(t, []string{"a"}, d.MembersOf("5_9"))

	d.Join("5_9", "b")
	assert.ElementsMatch(t, []string{"a", "b"}, d.MembersOf("5_9"))
	assert.Equal(t, 1, d.Rooms())

	assert.True(t, d.Leave("5_9", "a"))
	assert.False(t, d.Leave("5_9", "a"))
	assert.True(t, d.Leave("5_9", "b"))
	assert.Equal(t, 0, d.Rooms())
	assert.Empty(t, d.MembersOf("5_9"))
}

func TestDirectory_UnknownKey(t *testing.T) {
	d := NewDirectory[int]()
	assert.Empty(t, d.MembersOf("1_2"))
	assert.False(t, d.Leave("1_2", 1))
}

func TestDirectory_SnapshotIsolation(t *testing.T) {
	d := NewDirectory[int]()
	d.Join("1_2", 1)
	d.Join("1_2", 2)
	snap := d.MembersOf("1_2")
	d.Leave("1_2", 1)
	assert.Len(t, snap, 2)
	assert.Len(t, d.MembersOf("1_2"), 1)
}

func TestDirectory_Concurrent(t *testing.T) {
	d := NewDirectory[int]()
	var wg sync.WaitGroup
	for i := 0; i < 64; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			d.Join("1_2", i)
			_ = d.MembersOf("1_2")
			d.Leave("1_2", i)
		}(i)
	}
	wg.Wait()
	assert.Equal(t, 0, d.Rooms())
}
