package arena

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gigamon-dev/SubspaceServer-sub014/internal/broker"
	"github.com/gigamon-dev/SubspaceServer-sub014/internal/config"
)

func TestNew_StartsInDoInit0(t *testing.T) {
	root := broker.New(nil)
	a := New("hyperspace", root, config.ArenaConfig{})
	assert.Equal(t, StatusDoInit0, a.CurrentStatus())
}

func TestHoldUnhold_ReadyToAdvance(t *testing.T) {
	root := broker.New(nil)
	a := New("hyperspace", root, config.ArenaConfig{})

	assert.True(t, a.ReadyToAdvance())
	a.Hold()
	a.Hold()
	assert.False(t, a.ReadyToAdvance())
	a.Unhold()
	assert.False(t, a.ReadyToAdvance())
	a.Unhold()
	assert.True(t, a.ReadyToAdvance())
}

func TestUnhold_NeverGoesNegative(t *testing.T) {
	root := broker.New(nil)
	a := New("hyperspace", root, config.ArenaConfig{})

	a.Unhold()
	a.Unhold()
	assert.Equal(t, 0, a.HoldCount())
}

func TestPlayerRoster(t *testing.T) {
	root := broker.New(nil)
	a := New("hyperspace", root, config.ArenaConfig{})

	a.AddPlayer(1)
	a.AddPlayer(2)
	assert.Equal(t, 2, a.PlayerCount())

	a.RemovePlayer(1)
	assert.Equal(t, 1, a.PlayerCount())
	assert.Equal(t, []uint64{2}, a.PlayerIDs())
}

func TestAttachedModules_DetachOrderIsReversed(t *testing.T) {
	root := broker.New(nil)
	a := New("hyperspace", root, config.ArenaConfig{})

	a.MarkAttached("flaggame")
	a.MarkAttached("chat")
	a.MarkAttached("scoreboard")

	assert.Equal(t, []string{"scoreboard", "chat", "flaggame"}, a.AttachedModules())
}

func TestRegistry_CreateDuplicateNameFails(t *testing.T) {
	root := broker.New(nil)
	r := NewRegistry()

	_, err := r.Create("hyperspace", root, config.ArenaConfig{})
	require.NoError(t, err)

	_, err = r.Create("hyperspace", root, config.ArenaConfig{})
	assert.Error(t, err)
}

func TestRegistry_LookupAndRemove(t *testing.T) {
	root := broker.New(nil)
	r := NewRegistry()

	a, err := r.Create("hyperspace", root, config.ArenaConfig{})
	require.NoError(t, err)
	assert.Same(t, a, r.Lookup("hyperspace"))

	r.Remove("hyperspace")
	assert.Nil(t, r.Lookup("hyperspace"))
}

func TestRegistry_Snapshot(t *testing.T) {
	root := broker.New(nil)
	r := NewRegistry()
	_, _ = r.Create("a", root, config.ArenaConfig{})
	_, _ = r.Create("b", root, config.ArenaConfig{})

	assert.Len(t, r.Snapshot(), 2)
}
