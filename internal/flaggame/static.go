package flaggame

import (
	"context"
	"encoding/binary"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/gigamon-dev/SubspaceServer-sub014/internal/arena"
	"github.com/gigamon-dev/SubspaceServer-sub014/internal/broker"
	"github.com/gigamon-dev/SubspaceServer-sub014/internal/config"
	"github.com/gigamon-dev/SubspaceServer-sub014/internal/mainloop"
	"github.com/gigamon-dev/SubspaceServer-sub014/internal/mapdata"
	"github.com/gigamon-dev/SubspaceServer-sub014/internal/persist"
	"github.com/gigamon-dev/SubspaceServer-sub014/internal/player"
	"github.com/gigamon-dev/SubspaceServer-sub014/internal/zone"
)

// maxStaticFlags bounds N regardless of what the map reports (spec
// §4.5: "N = min(map's turf-flag count, 256)").
const maxStaticFlags = 256

const persistKey = "staticflags"

// FlagGameReset/StaticFlagClaimed are the broker callback events named
// in spec §4.5.
type FlagGameReset struct{ ArenaName string }
type FlagGameResetCallback func(FlagGameReset)

type StaticFlagClaimed struct {
	ArenaName        string
	Player           *player.Player
	FlagID           int
	OldFreq, NewFreq int16
}
type StaticFlagClaimedCallback func(StaticFlagClaimed)

// IFlagGame is the read-side surface common to both flag games.
type IFlagGame interface {
	GetFlagCount(freq *int16) int
}

// IStaticFlagGame is the full static-flag-game surface exposed on the
// arena broker, per spec §4.5.
type IStaticFlagGame interface {
	IFlagGame
	ResetGame()
	TryGetFlagOwner(flagID int) (owner int16, ok bool)
	SetFlagOwners(owners []int16)
	FakeTouchFlag(p *player.Player, flagID int)
}

type staticFlagEntry struct {
	ownerFreq   int16
	dirty       bool
	dirtyPlayer *player.Player
	lastSend    time.Time
}

type staticClaim struct {
	flagID    int
	ownerFreq int16
}

// StaticGame is one arena's static flag game state machine.
type StaticGame struct {
	mu sync.Mutex

	arenaName   string
	cfg         config.FlagConfig
	mapChecksum uint32
	flags       []staticFlagEntry

	broadcaster Broadcaster
	store       persist.Store
	b           *broker.Broker
	log         *zap.Logger
}

func newStaticGame(arenaName string, cfg config.FlagConfig, md mapdata.MapData, bc Broadcaster, store persist.Store, b *broker.Broker, log *zap.Logger) *StaticGame {
	n := md.GetFlagCount()
	if n > maxStaticFlags {
		n = maxStaticFlags
	}
	flags := make([]staticFlagEntry, n)
	for i := range flags {
		flags[i].ownerFreq = -1
	}
	return &StaticGame{
		arenaName:   arenaName,
		cfg:         cfg,
		mapChecksum: md.GetChecksum(),
		flags:       flags,
		broadcaster: bc,
		store:       store,
		b:           b,
		log:         log,
	}
}

// ResetGame sets every flag to unowned and broadcasts a full update.
func (g *StaticGame) ResetGame() {
	g.mu.Lock()
	for i := range g.flags {
		g.flags[i].ownerFreq = -1
		g.flags[i].dirty = false
		g.flags[i].dirtyPlayer = nil
	}
	owners := g.ownersLocked()
	g.mu.Unlock()

	g.broadcaster.SendToArena(g.arenaName, encodeTurfFlagsFull(owners))
	broker.FireCallback[FlagGameResetCallback](g.b, func(fn FlagGameResetCallback) {
		fn(FlagGameReset{ArenaName: g.arenaName})
	})
}

func (g *StaticGame) ownersLocked() []int16 {
	out := make([]int16, len(g.flags))
	for i, f := range g.flags {
		out[i] = f.ownerFreq
	}
	return out
}

// GetFlagCount returns the total flag count, or the count owned by
// *freq when non-nil.
func (g *StaticGame) GetFlagCount(freq *int16) int {
	g.mu.Lock()
	defer g.mu.Unlock()
	if freq == nil {
		return len(g.flags)
	}
	n := 0
	for _, f := range g.flags {
		if f.ownerFreq == *freq {
			n++
		}
	}
	return n
}

func (g *StaticGame) TryGetFlagOwner(flagID int) (int16, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if flagID < 0 || flagID >= len(g.flags) {
		return 0, false
	}
	return g.flags[flagID].ownerFreq, true
}

// SetFlagOwners bulk-replaces ownership and broadcasts a full update.
func (g *StaticGame) SetFlagOwners(owners []int16) {
	g.mu.Lock()
	n := len(g.flags)
	if len(owners) < n {
		n = len(owners)
	}
	for i := 0; i < n; i++ {
		g.flags[i].ownerFreq = owners[i]
	}
	out := g.ownersLocked()
	g.mu.Unlock()

	g.broadcaster.SendToArena(g.arenaName, encodeTurfFlagsFull(out))
}

// FakeTouchFlag treats p as though it had sent a 0x1B touch for flagID.
func (g *StaticGame) FakeTouchFlag(p *player.Player, flagID int) {
	g.TouchFlag(p, flagID)
}

// TouchFlag is the 0x1B C→S packet handler (spec §4.5).
func (g *StaticGame) TouchFlag(p *player.Player, flagID int) error {
	if p.Status != player.StatusPlaying {
		return fmt.Errorf("flaggame: player not playing")
	}
	if p.Ship == player.ShipSpec {
		return fmt.Errorf("flaggame: spectators cannot touch flags")
	}
	if p.Flags.DuringChange || p.Flags.NoFlagsBalls {
		return nil
	}

	g.mu.Lock()
	if flagID < 0 || flagID >= len(g.flags) {
		g.mu.Unlock()
		return fmt.Errorf("flaggame: flag id %d out of range", flagID)
	}
	f := &g.flags[flagID]
	if f.ownerFreq == p.Freq {
		g.mu.Unlock()
		return nil
	}
	oldFreq := f.ownerFreq
	f.ownerFreq = p.Freq
	f.dirty = true
	f.dirtyPlayer = p

	cooldown := g.cfg.FlagUpdateCooldown
	if cooldown <= 0 {
		cooldown = 2 * time.Second
	}
	sendNow := time.Since(f.lastSend) >= cooldown
	if sendNow {
		f.lastSend = time.Now()
		f.dirty = false
		f.dirtyPlayer = nil
	}
	owner := f.ownerFreq
	g.mu.Unlock()

	if sendNow {
		g.broadcaster.SendToArena(g.arenaName, encodeTurfFlagsIndividual([]staticClaim{{flagID: flagID, ownerFreq: owner}}))
	}

	broker.FireCallback[StaticFlagClaimedCallback](g.b, func(fn StaticFlagClaimedCallback) {
		fn(StaticFlagClaimed{ArenaName: g.arenaName, Player: p, FlagID: flagID, OldFreq: oldFreq, NewFreq: owner})
	})
	return nil
}

// tick runs the periodic batch sender (spec §4.5): compares the cost
// of one full broadcast against N individual ones and sends the
// cheaper option, clearing every dirty marker either way.
func (g *StaticGame) tick() {
	g.mu.Lock()
	var claims []staticClaim
	for i := range g.flags {
		if g.flags[i].dirty {
			claims = append(claims, staticClaim{flagID: i, ownerFreq: g.flags[i].ownerFreq})
		}
	}
	if len(claims) == 0 {
		g.mu.Unlock()
		return
	}
	useFull := fullCost(len(g.flags)) <= individualCost(len(claims))
	var fullOwners []int16
	if useFull {
		fullOwners = g.ownersLocked()
	}
	now := time.Now()
	for i := range g.flags {
		if g.flags[i].dirty {
			g.flags[i].dirty = false
			g.flags[i].dirtyPlayer = nil
			g.flags[i].lastSend = now
		}
	}
	g.mu.Unlock()

	if useFull {
		g.broadcaster.SendToArena(g.arenaName, encodeTurfFlagsFull(fullOwners))
	} else {
		g.broadcaster.SendToArena(g.arenaName, encodeTurfFlagsIndividual(claims))
	}
}

// persistState serialises {MapChecksum, OwnerFreqs[]} per spec §4.5/§6.
func (g *StaticGame) persistState(ctx context.Context) error {
	g.mu.Lock()
	owners := g.ownersLocked()
	checksum := g.mapChecksum
	g.mu.Unlock()

	buf := make([]byte, 4+2+2*len(owners))
	binary.LittleEndian.PutUint32(buf[0:4], checksum)
	binary.LittleEndian.PutUint16(buf[4:6], uint16(len(owners)))
	for i, o := range owners {
		binary.LittleEndian.PutUint16(buf[6+2*i:8+2*i], uint16(o))
	}
	return g.store.Set(ctx, persistKey, "current", persist.ScopeArena, g.arenaName, buf)
}

// loadState restores flag ownership from persisted state, refusing to
// apply it if the checksum or array length mismatches (spec §4.5).
func (g *StaticGame) loadState(ctx context.Context) error {
	buf, err := g.store.Get(ctx, persistKey, "current", persist.ScopeArena, g.arenaName)
	if err != nil {
		return err
	}
	if len(buf) < 6 {
		return fmt.Errorf("flaggame: persisted static state truncated")
	}
	checksum := binary.LittleEndian.Uint32(buf[0:4])
	n := int(binary.LittleEndian.Uint16(buf[4:6]))
	if len(buf) < 6+2*n {
		return fmt.Errorf("flaggame: persisted static state truncated")
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	if checksum != g.mapChecksum {
		return fmt.Errorf("flaggame: map checksum mismatch, refusing to apply persisted static state")
	}
	if n != len(g.flags) {
		return fmt.Errorf("flaggame: persisted flag count %d != current %d, refusing to apply", n, len(g.flags))
	}
	for i := 0; i < n; i++ {
		g.flags[i].ownerFreq = int16(binary.LittleEndian.Uint16(buf[6+2*i : 8+2*i]))
	}
	return nil
}

// StaticModule is the module-manager-facing wrapper: process-wide
// Load resolves shared dependencies, AttachModule/DetachModule do the
// per-arena (re)configuration spec §4.5's "Arena reconfiguration"
// clause calls for.
type StaticModule struct {
	ml          *mainloop.Mainloop
	store       persist.Store
	broadcaster Broadcaster
	log         *zap.Logger

	mu    sync.Mutex
	games map[*broker.Broker]*attachedStatic
}

type attachedStatic struct {
	arena       *arena.Arena
	md          mapdata.MapData
	arenaBroker *broker.Broker
	confChanged zone.ArenaConfChangedCallback

	// game, flagGameTok, staticTok and tickFn are only set while the
	// arena is actually in static mode with at least one flag; they
	// are nil whenever the arena is running with the flag game torn
	// down (spec §4.5's Create branch no-op, or after a mode-change
	// stop).
	game        *StaticGame
	flagGameTok broker.Token[IFlagGame]
	staticTok   broker.Token[IStaticFlagGame]
	tickFn      func() bool
}

func NewStaticModule() *StaticModule {
	return &StaticModule{games: make(map[*broker.Broker]*attachedStatic)}
}

// Load resolves process-wide dependencies via the module manager's
// reflective injection (spec §4.2).
func (m *StaticModule) Load(b *broker.Broker, ml *mainloop.Mainloop, store persist.Store, bc Broadcaster, log *zap.Logger) bool {
	m.ml = ml
	m.store = store
	m.broadcaster = bc
	m.log = log
	return true
}

// AttachModule wires the static flag game into one arena, per spec
// §4.5's Create branch: only activates when the arena isn't in carry
// mode and the map reports at least one flag; otherwise it broadcasts
// a FlagReset so clients clear any static overlay. Either way, an
// ArenaConfChanged subscription is registered so a later
// ReloadArenaConfig that flips the arena into (or out of) static mode
// starts (or stops) the game without needing a re-attach.
func (m *StaticModule) AttachModule(arenaBroker *broker.Broker) bool {
	a, aLease, err := broker.GetInterface[*arena.Arena](arenaBroker, "")
	if err != nil {
		m.log.Error("flaggame(static): arena self-interface missing", zap.Error(err))
		return false
	}
	defer broker.ReleaseInterface(aLease)

	md, mLease, err := broker.GetInterface[mapdata.MapData](arenaBroker, "")
	if err != nil {
		m.log.Error("flaggame(static): no MapData registered for arena", zap.String("arena", a.Name), zap.Error(err))
		return false
	}
	defer broker.ReleaseInterface(mLease)

	att := &attachedStatic{arena: a, md: md, arenaBroker: arenaBroker}

	m.mu.Lock()
	m.games[arenaBroker] = att
	if a.Cfg.Flag.IsStaticMode() && md.GetFlagCount() > 0 {
		m.startGame(att)
	}
	m.mu.Unlock()
	if att.game == nil {
		m.broadcaster.SendToArena(a.Name, encodeFlagReset())
	}

	var confChanged zone.ArenaConfChangedCallback = func(ev zone.ArenaConfChanged) {
		m.mu.Lock()
		defer m.mu.Unlock()
		running := att.game != nil
		nowStatic := ev.Arena.Cfg.Flag.IsStaticMode() && att.md.GetFlagCount() > 0
		switch {
		case nowStatic && !running:
			m.startGame(att)
		case !nowStatic && running:
			m.stopGame(att)
			m.broadcaster.SendToArena(a.Name, encodeFlagReset())
		}
	}
	broker.RegisterCallback[zone.ArenaConfChangedCallback](arenaBroker, confChanged)

	m.mu.Lock()
	att.confChanged = confChanged
	m.mu.Unlock()
	return true
}

// startGame constructs and registers a StaticGame for att, loading any
// persisted state and starting its tick timer. Callers must hold m.mu.
func (m *StaticModule) startGame(att *attachedStatic) {
	game := newStaticGame(att.arena.Name, att.arena.Cfg.Flag, att.md, m.broadcaster, m.store, att.arenaBroker, m.log)
	if err := game.loadState(context.Background()); err != nil {
		m.log.Debug("flaggame(static): no usable persisted state", zap.String("arena", att.arena.Name), zap.Error(err))
	}

	att.flagGameTok = broker.RegisterInterface[IFlagGame](att.arenaBroker, game, "")
	att.staticTok = broker.RegisterInterface[IStaticFlagGame](att.arenaBroker, game, "")

	interval := att.arena.Cfg.Flag.FlagUpdateInterval
	if interval <= 0 {
		interval = time.Second
	}
	var tickFn func() bool
	tickFn = func() bool {
		game.tick()
		return true
	}
	mainloop.SetTimer(m.ml, tickFn, interval, interval, att.arenaBroker, mainloop.PriorityServer)

	att.game = game
	att.tickFn = tickFn
}

// stopGame persists and tears down att's running StaticGame, if any.
// Callers must hold m.mu.
func (m *StaticModule) stopGame(att *attachedStatic) {
	if att.game == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), persist.DefaultCallTimeout)
	defer cancel()
	if err := att.game.persistState(ctx); err != nil {
		m.log.Error("flaggame(static): failed to persist on stop", zap.Error(err))
	}
	if _, err := broker.UnregisterInterface(att.flagGameTok); err != nil {
		m.log.Warn("flaggame(static): IFlagGame still in use at stop", zap.Error(err))
	}
	if _, err := broker.UnregisterInterface(att.staticTok); err != nil {
		m.log.Warn("flaggame(static): IStaticFlagGame still in use at stop", zap.Error(err))
	}
	mainloop.ClearTimer(m.ml, att.tickFn, att.arenaBroker)
	att.game = nil
	att.tickFn = nil
}

// DetachModule persists final state (if a game is currently running)
// and tears down everything AttachModule registered, including the
// ArenaConfChanged subscription that's present unconditionally.
func (m *StaticModule) DetachModule(arenaBroker *broker.Broker) {
	m.mu.Lock()
	defer m.mu.Unlock()
	att, ok := m.games[arenaBroker]
	if !ok {
		return
	}
	delete(m.games, arenaBroker)

	m.stopGame(att)
	if att.confChanged != nil {
		broker.UnregisterCallback[zone.ArenaConfChangedCallback](att.arenaBroker, att.confChanged)
	}
}
