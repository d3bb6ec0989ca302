package zone

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gigamon-dev/SubspaceServer-sub014/internal/arena"
	"github.com/gigamon-dev/SubspaceServer-sub014/internal/broker"
	"github.com/gigamon-dev/SubspaceServer-sub014/internal/config"
	"github.com/gigamon-dev/SubspaceServer-sub014/internal/mainloop"
	"github.com/gigamon-dev/SubspaceServer-sub014/internal/module"
	"github.com/gigamon-dev/SubspaceServer-sub014/internal/player"
	"github.com/gigamon-dev/SubspaceServer-sub014/internal/zlog"
)

func newCoordinator(t *testing.T) (*Coordinator, *mainloop.Mainloop) {
	t.Helper()
	root := broker.New(nil)
	m := mainloop.New(zlog.Nop(), nil)
	mgr := module.NewManager(root, zlog.Nop())
	players := player.NewRegistry()
	arenas := arena.NewRegistry()
	return New(root, m, mgr, players, arenas, zlog.Nop()), m
}

func TestCreateArena_ReachesRunningSynchronouslyWithNoHolds(t *testing.T) {
	c, _ := newCoordinator(t)

	a, err := c.CreateArena("hyperspace", config.ArenaConfig{})
	require.NoError(t, err)
	assert.Equal(t, arena.StatusRunning, a.CurrentStatus())
}

func TestCreateArena_FiresArenaCreatedCallback(t *testing.T) {
	c, _ := newCoordinator(t)

	var got ArenaCreated
	broker.RegisterCallback[ArenaCreatedCallback](c.root, func(ev ArenaCreated) { got = ev })

	a, err := c.CreateArena("hyperspace", config.ArenaConfig{})
	require.NoError(t, err)
	assert.Same(t, a, got.Arena)
}

func TestCreateArena_WaitsOnHoldsBeforeRunning(t *testing.T) {
	c, m := newCoordinator(t)

	a, err := c.CreateArena("hyperspace", config.ArenaConfig{})
	require.NoError(t, err)
	// Hold again mid-lifecycle by creating a fresh arena and holding it
	// before it reaches WaitHolds0's check... exercised via a second
	// arena with a manual hold to simulate an async DoInit0 dependency.
	_ = a

	b, err := c.arenas.Create("nexus-2", c.root, config.ArenaConfig{})
	require.NoError(t, err)
	b.Hold()
	c.advance(b)
	assert.Equal(t, arena.StatusWaitHolds0, b.CurrentStatus())

	b.Unhold()

	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()
	go m.Run(ctx)
	require.Eventually(t, func() bool {
		return b.CurrentStatus() == arena.StatusRunning
	}, 250*time.Millisecond, 10*time.Millisecond)
}

func TestEnterArena_MovesPlayerAndFiresCallbacks(t *testing.T) {
	c, _ := newCoordinator(t)
	a, err := c.CreateArena("hyperspace", config.ArenaConfig{})
	require.NoError(t, err)

	var entered PlayerEnteredArena
	broker.RegisterCallback[PlayerEnteredArenaCallback](c.root, func(ev PlayerEnteredArena) { entered = ev })

	p := c.players.NewPlayer()
	require.NoError(t, c.EnterArena(p, "hyperspace"))

	assert.Equal(t, "hyperspace", p.ArenaName)
	assert.Equal(t, 1, a.PlayerCount())
	assert.Equal(t, p.ID, entered.PlayerID)
}

func TestEnterArena_LeavesPreviousArenaFirst(t *testing.T) {
	c, _ := newCoordinator(t)
	a1, _ := c.CreateArena("one", config.ArenaConfig{})
	a2, _ := c.CreateArena("two", config.ArenaConfig{})

	p := c.players.NewPlayer()
	require.NoError(t, c.EnterArena(p, "one"))
	require.NoError(t, c.EnterArena(p, "two"))

	assert.Equal(t, 0, a1.PlayerCount())
	assert.Equal(t, 1, a2.PlayerCount())
	assert.Equal(t, "two", p.ArenaName)
}

func TestEnterArena_UnknownArenaErrors(t *testing.T) {
	c, _ := newCoordinator(t)
	p := c.players.NewPlayer()
	err := c.EnterArena(p, "nowhere")
	assert.Error(t, err)
}

func TestDestroyArena_RemovesPlayersAndFiresCallback(t *testing.T) {
	c, _ := newCoordinator(t)
	_, err := c.CreateArena("hyperspace", config.ArenaConfig{})
	require.NoError(t, err)

	p := c.players.NewPlayer()
	require.NoError(t, c.EnterArena(p, "hyperspace"))

	var destroyed ArenaDestroyed
	broker.RegisterCallback[ArenaDestroyedCallback](c.root, func(ev ArenaDestroyed) { destroyed = ev })

	require.NoError(t, c.DestroyArena("hyperspace"))

	assert.Equal(t, "hyperspace", destroyed.Name)
	assert.Nil(t, c.arenas.Lookup("hyperspace"))
	assert.Equal(t, "", p.ArenaName)
}

func TestReloadArenaConfig_FiresOnArenaBrokerAndParentChain(t *testing.T) {
	c, _ := newCoordinator(t)
	a, err := c.CreateArena("hyperspace", config.ArenaConfig{})
	require.NoError(t, err)

	rootFired := false
	arenaFired := false
	broker.RegisterCallback[ArenaConfChangedCallback](c.root, func(ArenaConfChanged) { rootFired = true })
	broker.RegisterCallback[ArenaConfChangedCallback](a.Broker, func(ArenaConfChanged) { arenaFired = true })

	base := config.FlagConfig{MaxFlags: 100}
	c.ReloadArenaConfig(a, base, config.ArenaConfig{Flag: config.FlagConfig{MinFlags: 5}})

	assert.True(t, arenaFired)
	assert.True(t, rootFired, "arena broker's parent chain should also observe the event")
	assert.Equal(t, 5, a.Cfg.Flag.MinFlags)
	assert.Equal(t, 100, a.Cfg.Flag.MaxFlags)
}
