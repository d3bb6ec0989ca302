// Package zone mediates the Player <-> Arena relationship and drives
// the Arena lifecycle state machine (spec §3, §9 Design Notes). It is
// the single package allowed to import both internal/player and
// internal/arena, which is exactly why neither of those packages is
// allowed to import the other: a cyclic player<->arena reference is
// resolved here, one level up, instead of inside either package.
package zone

import (
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/gigamon-dev/SubspaceServer-sub014/internal/arena"
	"github.com/gigamon-dev/SubspaceServer-sub014/internal/broker"
	"github.com/gigamon-dev/SubspaceServer-sub014/internal/config"
	"github.com/gigamon-dev/SubspaceServer-sub014/internal/mainloop"
	"github.com/gigamon-dev/SubspaceServer-sub014/internal/module"
	"github.com/gigamon-dev/SubspaceServer-sub014/internal/player"
)

// ArenaCreated is fired on the root broker once an arena reaches
// StatusRunning.
type ArenaCreated struct {
	Arena *arena.Arena
}

// ArenaCreatedCallback is the delegate type subscribers register with
// broker.RegisterCallback to observe ArenaCreated events.
type ArenaCreatedCallback func(ArenaCreated)

// ArenaDestroyed is fired on the root broker once an arena has fully
// torn down (StatusDoDestroy2) and been removed from the registry.
type ArenaDestroyed struct {
	Name string
}

// ArenaDestroyedCallback is the delegate type subscribers register
// with broker.RegisterCallback to observe ArenaDestroyed events.
type ArenaDestroyedCallback func(ArenaDestroyed)

// ArenaConfChanged is fired on an arena's own broker after its config
// overlay is reloaded.
type ArenaConfChanged struct {
	Arena *arena.Arena
}

// ArenaConfChangedCallback is the delegate type subscribers register
// with broker.RegisterCallback to observe ArenaConfChanged events.
type ArenaConfChangedCallback func(ArenaConfChanged)

// PlayerEnteredArena is fired on the root broker once a player has
// joined an arena's roster.
type PlayerEnteredArena struct {
	PlayerID  player.ID
	ArenaName string
}

// PlayerEnteredArenaCallback is the delegate type subscribers register
// with broker.RegisterCallback to observe PlayerEnteredArena events.
type PlayerEnteredArenaCallback func(PlayerEnteredArena)

// PlayerLeftArena is fired on the root broker once a player has left
// an arena's roster, before any subsequent arena join.
type PlayerLeftArena struct {
	PlayerID  player.ID
	ArenaName string
}

// PlayerLeftArenaCallback is the delegate type subscribers register
// with broker.RegisterCallback to observe PlayerLeftArena events.
type PlayerLeftArenaCallback func(PlayerLeftArena)

// holdPollInterval is how often Coordinator rechecks a WaitHolds state
// that isn't ready to advance yet.
const holdPollInterval = 50 * time.Millisecond

// Coordinator owns the player and arena registries and drives arena
// creation/destruction plus per-arena module attach/detach through the
// module Manager.
type Coordinator struct {
	root     *broker.Broker
	mainloop *mainloop.Mainloop
	manager  *module.Manager
	players  *player.Registry
	arenas   *arena.Registry
	log      *zap.Logger
}

// New creates a Coordinator over the given root broker, mainloop, and
// module manager. The caller retains its own references to players
// and arenas for direct lookups; Coordinator is only needed to drive
// transitions.
func New(root *broker.Broker, m *mainloop.Mainloop, mgr *module.Manager, players *player.Registry, arenas *arena.Registry, log *zap.Logger) *Coordinator {
	return &Coordinator{
		root:     root,
		mainloop: m,
		manager:  mgr,
		players:  players,
		arenas:   arenas,
		log:      log,
	}
}

// CreateArena allocates and drives a new arena from DoInit0 through
// Running, attaching the modules named in cfg.AttachModules along the
// way. It is asynchronous: Running is reached (and ArenaCreated fired)
// once every held component reports ready, which may be after this
// call returns.
func (c *Coordinator) CreateArena(name string, cfg config.ArenaConfig) (*arena.Arena, error) {
	a, err := c.arenas.Create(name, c.root, cfg)
	if err != nil {
		return nil, err
	}
	c.log.Info("arena created", zap.String("arena", name))
	c.advance(a)
	return a, nil
}

// advance drives a through its current state until it either reaches
// a stable point (Running, or fully removed) or a WaitHolds state that
// isn't ready yet, in which case it schedules a retry.
func (c *Coordinator) advance(a *arena.Arena) {
	for {
		switch a.CurrentStatus() {
		case arena.StatusDoInit0:
			// Core-level setup (map data load, persistence prefetch)
			// would hold here via a.Hold()/a.Unhold(); nothing in this
			// tree needs an async DoInit0 hook yet.
			a.SetStatus(arena.StatusWaitHolds0)
		case arena.StatusWaitHolds0:
			if !a.ReadyToAdvance() {
				c.scheduleRetry(a)
				return
			}
			a.SetStatus(arena.StatusDoInit1)
		case arena.StatusDoInit1:
			attached, err := c.manager.AttachToArena(a.Broker, a.Cfg.AttachModules)
			for _, name := range attached {
				a.MarkAttached(name)
			}
			if err != nil {
				c.log.Error("arena DoInit1 attach failed", zap.String("arena", a.Name), zap.Error(err))
				c.manager.DetachFromArena(a.Broker, attached)
				c.arenas.Remove(a.Name)
				return
			}
			a.SetStatus(arena.StatusWaitHolds1)
		case arena.StatusWaitHolds1:
			if !a.ReadyToAdvance() {
				c.scheduleRetry(a)
				return
			}
			a.SetStatus(arena.StatusRunning)
			ev := ArenaCreated{Arena: a}
			broker.FireCallback[ArenaCreatedCallback](c.root, func(fn ArenaCreatedCallback) { fn(ev) })
			c.log.Info("arena running", zap.String("arena", a.Name))
			return
		default:
			return
		}
	}
}

func (c *Coordinator) scheduleRetry(a *arena.Arena) {
	var handler func() bool
	handler = func() bool {
		c.advance(a)
		return a.CurrentStatus() != arena.StatusRunning && a.CurrentStatus() != arena.StatusDoDestroy2
	}
	mainloop.SetTimer(c.mainloop, handler, holdPollInterval, holdPollInterval, a.Name, mainloop.PriorityMainloop)
}

// DestroyArena drives arena name from its current state through
// DoWriteData, DoDestroy1, WaitHolds2, and DoDestroy2, detaching every
// attached module and evicting every remaining player before removing
// it from the registry. It returns an error if no such arena exists.
func (c *Coordinator) DestroyArena(name string) error {
	a := c.arenas.Lookup(name)
	if a == nil {
		return fmt.Errorf("zone: arena %q not found", name)
	}
	a.SetStatus(arena.StatusDoWriteData)
	// Module WriteData hooks, if any, would run here via a dedicated
	// interface; none are defined by spec.md so this is a pass-through
	// state transition.
	a.SetStatus(arena.StatusDoDestroy1)
	c.manager.DetachFromArena(a.Broker, a.AttachedModules())
	a.SetStatus(arena.StatusWaitHolds2)
	c.finishDestroy(a)
	return nil
}

func (c *Coordinator) finishDestroy(a *arena.Arena) {
	if !a.ReadyToAdvance() {
		var handler func() bool
		handler = func() bool {
			if !a.ReadyToAdvance() {
				return true
			}
			c.finishDestroy(a)
			return false
		}
		mainloop.SetTimer(c.mainloop, handler, holdPollInterval, holdPollInterval, "destroy:"+a.Name, mainloop.PriorityMainloop)
		return
	}
	for _, pid := range a.PlayerIDs() {
		id := player.ID(pid)
		c.leaveArena(id, a)
		if p := c.players.Lookup(id); p != nil && p.ArenaName == a.Name {
			p.ArenaName = ""
		}
	}
	a.SetStatus(arena.StatusDoDestroy2)
	c.arenas.Remove(a.Name)
	ev := ArenaDestroyed{Name: a.Name}
	broker.FireCallback[ArenaDestroyedCallback](c.root, func(fn ArenaDestroyedCallback) { fn(ev) })
	c.log.Info("arena destroyed", zap.String("arena", a.Name))
}

// EnterArena moves p into the named arena, leaving its previous arena
// (if any) first. The arena must already exist and be Running.
func (c *Coordinator) EnterArena(p *player.Player, name string) error {
	a := c.arenas.Lookup(name)
	if a == nil {
		return fmt.Errorf("zone: arena %q not found", name)
	}
	if a.CurrentStatus() != arena.StatusRunning {
		return fmt.Errorf("zone: arena %q is not running (status %s)", name, a.CurrentStatus())
	}
	if p.ArenaName != "" {
		if old := c.arenas.Lookup(p.ArenaName); old != nil {
			c.leaveArena(p.ID, old)
		}
	}
	a.AddPlayer(uint64(p.ID))
	p.ArenaName = name
	ev := PlayerEnteredArena{PlayerID: p.ID, ArenaName: name}
	broker.FireCallback[PlayerEnteredArenaCallback](c.root, func(fn PlayerEnteredArenaCallback) { fn(ev) })
	return nil
}

// LeaveArena removes p from its current arena, if it is in one.
func (c *Coordinator) LeaveArena(p *player.Player) {
	if p.ArenaName == "" {
		return
	}
	if a := c.arenas.Lookup(p.ArenaName); a != nil {
		c.leaveArena(p.ID, a)
	}
	p.ArenaName = ""
}

func (c *Coordinator) leaveArena(id player.ID, a *arena.Arena) {
	a.RemovePlayer(uint64(id))
	ev := PlayerLeftArena{PlayerID: id, ArenaName: a.Name}
	broker.FireCallback[PlayerLeftArenaCallback](c.root, func(fn PlayerLeftArenaCallback) { fn(ev) })
}

// ReloadArenaConfig replaces a's Flag overlay with the merge of base
// and overlay, then fires ArenaConfChanged on the arena's own broker
// (per spec §9: ArenaAction.ConfChanged).
func (c *Coordinator) ReloadArenaConfig(a *arena.Arena, base config.FlagConfig, overlay config.ArenaConfig) {
	a.Cfg = overlay
	a.Cfg.Flag = config.EffectiveFlag(base, overlay.Flag)
	ev := ArenaConfChanged{Arena: a}
	broker.FireCallback[ArenaConfChangedCallback](a.Broker, func(fn ArenaConfChangedCallback) { fn(ev) })
}
