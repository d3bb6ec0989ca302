package player

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type counterSlot struct {
	resets int
	value  int
}

func (c *counterSlot) Reset() {
	c.resets++
	c.value = 0
}

func TestNewPlayer_AssignsDistinctIDsAndDefaults(t *testing.T) {
	r := NewRegistry()

	p1 := r.NewPlayer()
	p2 := r.NewPlayer()

	assert.NotEqual(t, p1.ID, p2.ID)
	assert.Equal(t, StatusNoSocket, p1.Status)
	assert.Equal(t, 2, r.Count())
}

func TestRemove_ThenLookupReturnsNil(t *testing.T) {
	r := NewRegistry()
	p := r.NewPlayer()
	id := p.ID

	r.Remove(id)

	assert.Nil(t, r.Lookup(id))
	assert.Equal(t, 0, r.Count())
}

func TestRemove_RecycledSlotGetsNewGeneration(t *testing.T) {
	r := NewRegistry()
	p1 := r.NewPlayer()
	oldID := p1.ID
	r.Remove(oldID)

	p2 := r.NewPlayer()

	assert.Equal(t, oldID.index(), p2.ID.index(), "slot should be reused")
	assert.NotEqual(t, oldID.generation(), p2.ID.generation())
	assert.Nil(t, r.Lookup(oldID), "stale id from the previous generation must not resolve")
	require.NotNil(t, r.Lookup(p2.ID))
}

func TestAllocateData_ResetInvokedOnRecycle(t *testing.T) {
	r := NewRegistry()
	key := r.AllocateData(func() any { return &counterSlot{} })

	p1 := r.NewPlayer()
	slot := p1.Data[key].(*counterSlot)
	slot.value = 99
	r.Remove(p1.ID)

	p2 := r.NewPlayer()
	slot2 := p2.Data[key].(*counterSlot)

	assert.Same(t, slot, slot2, "recycle should reuse the previous Player object and its data map")
	assert.Equal(t, 1, slot2.resets)
	assert.Equal(t, 0, slot2.value)
}

func TestSnapshot_ReflectsLivePlayersOnly(t *testing.T) {
	r := NewRegistry()
	p1 := r.NewPlayer()
	p2 := r.NewPlayer()
	r.Remove(p1.ID)

	snap := r.Snapshot()
	require.Len(t, snap, 1)
	assert.Equal(t, p2.ID, snap[0].ID)
}
