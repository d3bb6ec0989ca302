package flaggame

import (
	"math"
	"math/rand"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/gigamon-dev/SubspaceServer-sub014/internal/arena"
	"github.com/gigamon-dev/SubspaceServer-sub014/internal/broker"
	"github.com/gigamon-dev/SubspaceServer-sub014/internal/config"
	"github.com/gigamon-dev/SubspaceServer-sub014/internal/mapdata"
	"github.com/gigamon-dev/SubspaceServer-sub014/internal/persist"
	"github.com/gigamon-dev/SubspaceServer-sub014/internal/player"
)

// CarryFlagState is a carried flag's lifecycle state (spec §4.6).
type CarryFlagState int8

const (
	CarryFlagNone CarryFlagState = iota
	CarryFlagOnMap
	CarryFlagCarried
)

// CarryFlagEntry is one flag slot. Location is meaningful only in
// CarryFlagOnMap; Carrier only in CarryFlagCarried.
type CarryFlagEntry struct {
	State     CarryFlagState
	X, Y      int16
	Carrier   player.ID
	OwnerFreq int16
}

// AdjustReason names why AdjustFlags was invoked (spec §4.6).
type AdjustReason int

const (
	AdjustShipChange AdjustReason = iota
	AdjustFreqChange
	AdjustLeaveArena
	AdjustInSafe
	AdjustDropped
)

// CarryFlagPickup/Drop/Location/Reset mirror the wire events spec
// §4.6's invariants list names as firing "a corresponding packet".
type CarryFlagPickup struct {
	ArenaName string
	Player    *player.Player
	FlagID    int
}
type CarryFlagPickupCallback func(CarryFlagPickup)

type CarryFlagDrop struct {
	ArenaName string
	FlagID    int
	X, Y      int16
}
type CarryFlagDropCallback func(CarryFlagDrop)

// ICarryFlagBehavior is the plug-in boundary spec §4.6 names: the
// default Go implementation lives in this file; scripting.ScriptedBehavior
// (internal/scripting) provides a Lua-pluggable alternative over the
// same interface.
type ICarryFlagBehavior interface {
	StartGame(g *CarryGame)
	TouchFlag(g *CarryGame, p *player.Player, flagID int) error
	PlayerKill(g *CarryGame, killed, killer *player.Player, carriedFlagIDs []int) (transferCount int)
	AdjustFlags(g *CarryGame, reason AdjustReason, p *player.Player, oldFreq int16)
}

// carriedState is the per-player extra-data slot tracking which flag
// slots a player currently carries (spec §4.6: "player.FlagsCarried").
type carriedState struct {
	ids []int
}

func (c *carriedState) Reset() { c.ids = c.ids[:0] }

func (c *carriedState) count() int { return len(c.ids) }

func (c *carriedState) add(flagID int) { c.ids = append(c.ids, flagID) }

func (c *carriedState) remove(flagID int) {
	for i, id := range c.ids {
		if id == flagID {
			c.ids = append(c.ids[:i], c.ids[i+1:]...)
			return
		}
	}
}

func (c *carriedState) snapshot() []int {
	out := make([]int, len(c.ids))
	copy(out, c.ids)
	return out
}

// CarryGame is one arena's carry flag game state.
type CarryGame struct {
	mu sync.Mutex

	arenaName string
	cfg       config.FlagConfig
	md        mapdata.MapData
	flags     []CarryFlagEntry

	behavior    ICarryFlagBehavior
	broadcaster Broadcaster
	store       persist.Store
	b           *broker.Broker
	log         *zap.Logger
	rng         *rand.Rand

	carriedKey player.ExtraDataKey
}

func newCarryGame(arenaName string, cfg config.FlagConfig, md mapdata.MapData, behavior ICarryFlagBehavior, bc Broadcaster, store persist.Store, b *broker.Broker, log *zap.Logger, carriedKey player.ExtraDataKey, seed int64) *CarryGame {
	return &CarryGame{
		arenaName:   arenaName,
		cfg:         cfg,
		md:          md,
		behavior:    behavior,
		broadcaster: bc,
		store:       store,
		b:           b,
		log:         log,
		rng:         rand.New(rand.NewSource(seed)),
		carriedKey:  carriedKey,
	}
}

func (g *CarryGame) carried(p *player.Player) *carriedState {
	cs, _ := p.Data[g.carriedKey].(*carriedState)
	if cs == nil {
		cs = &carriedState{}
		p.Data[g.carriedKey] = cs
	}
	return cs
}

// GetFlagCount implements IFlagGame.
func (g *CarryGame) GetFlagCount(freq *int16) int {
	g.mu.Lock()
	defer g.mu.Unlock()
	if freq == nil {
		return len(g.flags)
	}
	n := 0
	for _, f := range g.flags {
		if f.State != CarryFlagNone && f.OwnerFreq == *freq {
			n++
		}
	}
	return n
}

// StartGame delegates to the configured behavior.
func (g *CarryGame) StartGame() {
	g.behavior.StartGame(g)
}

// TouchFlag delegates to the configured behavior (0x1B handler, carry mode).
func (g *CarryGame) TouchFlag(p *player.Player, flagID int) error {
	return g.behavior.TouchFlag(g, p, flagID)
}

// PlayerKill delegates to the configured behavior.
func (g *CarryGame) PlayerKill(killed, killer *player.Player) int {
	ids := g.carried(killed).snapshot()
	return g.behavior.PlayerKill(g, killed, killer, ids)
}

// AdjustFlags delegates to the configured behavior.
func (g *CarryGame) AdjustFlags(reason AdjustReason, p *player.Player, oldFreq int16) {
	g.behavior.AdjustFlags(g, reason, p, oldFreq)
}

// Config returns the arena's flag configuration, for plug-in behaviors
// (e.g. scripting.ScriptedBehavior) that need MinFlags/MaxFlags/
// SpawnRadius/etc. without reaching into CarryGame's internals.
func (g *CarryGame) Config() config.FlagConfig { return g.cfg }

// Map returns the arena's map data, for plug-in behaviors that need to
// test walkability or region membership directly.
func (g *CarryGame) Map() mapdata.MapData { return g.md }

// FlagEntry returns flag flagID's current state, or ok=false if out
// of range.
func (g *CarryGame) FlagEntry(flagID int) (entry CarryFlagEntry, ok bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if flagID < 0 || flagID >= len(g.flags) {
		return CarryFlagEntry{}, false
	}
	return g.flags[flagID], true
}

// CarriedIDs returns the flag ids p currently carries.
func (g *CarryGame) CarriedIDs(p *player.Player) []int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.carried(p).snapshot()
}

// CarriedCount returns how many flags p currently carries.
func (g *CarryGame) CarriedCount(p *player.Player) int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.carried(p).count()
}

// PlaceOnMap sets flagID to CarryFlagOnMap at (x, y) owned by
// ownerFreq (pass -1 for unowned) and broadcasts the resulting
// location, for plug-in StartGame/AdjustFlags implementations that
// want to place a flag directly rather than go through bfsDropCandidates.
func (g *CarryGame) PlaceOnMap(flagID int, x, y int16, ownerFreq int16) {
	g.mu.Lock()
	if flagID < 0 || flagID >= len(g.flags) {
		g.mu.Unlock()
		return
	}
	g.flags[flagID] = CarryFlagEntry{State: CarryFlagOnMap, X: x, Y: y, OwnerFreq: ownerFreq}
	g.mu.Unlock()
	g.broadcastLocation(flagID)
}

// SetCarried marks flagID as carried by p, updates p's carried-flag
// set, and broadcasts the pickup event.
func (g *CarryGame) SetCarried(flagID int, p *player.Player) {
	g.mu.Lock()
	if flagID < 0 || flagID >= len(g.flags) {
		g.mu.Unlock()
		return
	}
	g.flags[flagID] = CarryFlagEntry{State: CarryFlagCarried, Carrier: p.ID, OwnerFreq: p.Freq}
	g.carried(p).add(flagID)
	g.mu.Unlock()

	g.broadcaster.SendToArena(g.arenaName, encodeFlagPickup(flagID, p))
	broker.FireCallback[CarryFlagPickupCallback](g.b, func(fn CarryFlagPickupCallback) {
		fn(CarryFlagPickup{ArenaName: g.arenaName, Player: p, FlagID: flagID})
	})
}

// ClearCarried removes flagID from p's carried-flag set without
// touching the flag's own state, for plug-in PlayerKill/AdjustFlags
// implementations that reassign or drop a flag themselves.
func (g *CarryGame) ClearCarried(p *player.Player, flagID int) {
	g.mu.Lock()
	g.carried(p).remove(flagID)
	g.mu.Unlock()
}

// PlaceDropSet is the exported form of placeSet, for plug-in
// PlayerKill/AdjustFlags implementations that computed their own drop
// set but still want spec §4.6's BFS/Fisher-Yates placement.
func (g *CarryGame) PlaceDropSet(ids []int, p *player.Player, owned, center bool) {
	g.placeSet(ids, p, owned, center)
}

// TargetCount is the exported form of targetCount.
func (g *CarryGame) TargetCount() int { return g.targetCount() }

// RandomSpawnPoint samples a walkable point within the arena's
// SpawnRadius of its center, for plug-in StartGame implementations.
func (g *CarryGame) RandomSpawnPoint() (int16, int16) {
	cx, cy := int16(g.md.Width()/2), int16(g.md.Height()/2)
	return randomPointInCircle(g.rng, cx, cy, int16(g.cfg.SpawnRadius), g.md)
}

// targetCount chooses N uniformly in [MinFlags, MaxFlags].
func (g *CarryGame) targetCount() int {
	lo, hi := g.cfg.MinFlags, g.cfg.MaxFlags
	if hi < lo {
		hi = lo
	}
	if lo <= 0 {
		lo = 1
	}
	if hi <= 0 {
		hi = lo
	}
	if hi == lo {
		return lo
	}
	return lo + g.rng.Intn(hi-lo+1)
}

// defaultCarryBehavior is the native Go implementation spec §4.6
// describes in full.
type defaultCarryBehavior struct{}

// DefaultCarryBehavior is the stock ICarryFlagBehavior every arena
// gets unless a scripted override replaces it.
var DefaultCarryBehavior ICarryFlagBehavior = defaultCarryBehavior{}

func (defaultCarryBehavior) StartGame(g *CarryGame) {
	g.mu.Lock()
	n := g.targetCount()
	cx, cy := int16(g.md.Width()/2), int16(g.md.Height()/2)
	flags := make([]CarryFlagEntry, n)
	for i := range flags {
		x, y := randomPointInCircle(g.rng, cx, cy, int16(g.cfg.SpawnRadius), g.md)
		flags[i] = CarryFlagEntry{State: CarryFlagOnMap, X: x, Y: y, OwnerFreq: -1}
	}
	g.flags = flags
	g.mu.Unlock()

	for i := range flags {
		g.broadcastLocation(i)
	}
}

// randomPointInCircle samples a walkable tile within radius of (cx,
// cy), retrying a bounded number of times before falling back to
// center.
func randomPointInCircle(rng *rand.Rand, cx, cy, radius int16, md mapdata.MapData) (int16, int16) {
	if radius <= 0 {
		return cx, cy
	}
	for attempt := 0; attempt < 32; attempt++ {
		angle := rng.Float64() * 2 * math.Pi
		r := rng.Float64() * float64(radius)
		x := cx + int16(r*math.Cos(angle))
		y := cy + int16(r*math.Sin(angle))
		if walkable(md, int(x), int(y)) {
			return x, y
		}
	}
	return cx, cy
}

func (defaultCarryBehavior) TouchFlag(g *CarryGame, p *player.Player, flagID int) error {
	if p.Status != player.StatusPlaying || p.Ship == player.ShipSpec {
		return nil
	}
	if p.Flags.DuringChange || p.Flags.NoFlagsBalls {
		return nil
	}

	g.mu.Lock()
	if flagID < 0 || flagID >= len(g.flags) {
		g.mu.Unlock()
		return nil
	}
	f := &g.flags[flagID]
	if f.State != CarryFlagOnMap {
		g.mu.Unlock()
		return nil
	}

	limit := carryCapacity(g.cfg)
	cs := g.carried(p)
	if limit >= 0 && cs.count() >= limit {
		g.mu.Unlock()
		return nil
	}

	f.State = CarryFlagCarried
	f.Carrier = p.ID
	f.OwnerFreq = p.Freq
	cs.add(flagID)
	g.mu.Unlock()

	g.broadcaster.SendToArena(g.arenaName, encodeFlagPickup(flagID, p))
	broker.FireCallback[CarryFlagPickupCallback](g.b, func(fn CarryFlagPickupCallback) {
		fn(CarryFlagPickup{ArenaName: g.arenaName, Player: p, FlagID: flagID})
	})
	return nil
}

// carryCapacity translates the CarryFlags config string into a numeric
// cap: "None" and "" disable pickup entirely (0), "Yes" is unlimited
// (-1 sentinel), and a positive number N caps at N. "0" and any
// non-numeric value are also treated as unlimited (-1).
func carryCapacity(cfg config.FlagConfig) int {
	switch cfg.CarryFlags {
	case "", "None":
		return 0
	case "Yes":
		return -1
	default:
		n := 0
		for _, ch := range cfg.CarryFlags {
			if ch < '0' || ch > '9' {
				return -1
			}
			n = n*10 + int(ch-'0')
		}
		if n <= 0 {
			return -1
		}
		return n
	}
}

func (defaultCarryBehavior) PlayerKill(g *CarryGame, killed, killer *player.Player, carriedFlagIDs []int) int {
	if len(carriedFlagIDs) == 0 {
		return 0
	}

	teamKill := killer != nil && killed.Freq == killer.Freq
	limit := carryCapacity(g.cfg)

	transferCount := 0
	var teamKillSet, dropSet []int

	g.mu.Lock()
	killerCarried := (*carriedState)(nil)
	if killer != nil {
		killerCarried = g.carried(killer)
	}
	killedCarried := g.carried(killed)

	for _, flagID := range carriedFlagIDs {
		if flagID < 0 || flagID >= len(g.flags) {
			continue
		}
		f := &g.flags[flagID]
		switch {
		case teamKill && !g.cfg.FriendlyTransfer:
			teamKillSet = append(teamKillSet, flagID)
		case killer != nil && (limit < 0 || killerCarried.count() < limit):
			f.Carrier = killer.ID
			f.OwnerFreq = killer.Freq
			killedCarried.remove(flagID)
			killerCarried.add(flagID)
			transferCount++
		default:
			dropSet = append(dropSet, flagID)
		}
	}
	for _, flagID := range teamKillSet {
		killedCarried.remove(flagID)
	}
	for _, flagID := range dropSet {
		killedCarried.remove(flagID)
	}
	g.mu.Unlock()

	if len(teamKillSet) > 0 {
		g.placeSet(teamKillSet, killed, g.cfg.TeamKillOwned, g.cfg.TeamKillCenter)
	}
	if len(dropSet) > 0 {
		g.placeSet(dropSet, killed, g.cfg.DropOwned, g.cfg.DropCenter)
	}
	return transferCount
}

func (defaultCarryBehavior) AdjustFlags(g *CarryGame, reason AdjustReason, p *player.Player, oldFreq int16) {
	cs := g.carried(p)
	ids := cs.snapshot()
	if len(ids) == 0 {
		return
	}
	owned, center := g.cfg.DropOwned, g.cfg.DropCenter
	if reason == AdjustFreqChange || reason == AdjustShipChange {
		owned, center = g.cfg.TeamKillOwned, g.cfg.TeamKillCenter
	}
	g.mu.Lock()
	for _, id := range ids {
		cs.remove(id)
	}
	g.mu.Unlock()
	g.placeSet(ids, p, owned, center)
}

// placeSet drops each flag in ids, centered on p's last position (or
// map center when center is requested), owned by p's freq or
// unassigned, per the *Owned/*Center config pair spec §4.6 names.
func (g *CarryGame) placeSet(ids []int, p *player.Player, owned, center bool) {
	if len(ids) == 0 {
		return
	}
	var startX, startY int
	if center {
		startX, startY = g.md.Width()/2, g.md.Height()/2
	} else {
		startX, startY = int(p.Pos.X), int(p.Pos.Y)
	}

	g.mu.Lock()
	occupied := make(map[[2]int]bool, len(g.flags))
	for _, f := range g.flags {
		if f.State == CarryFlagOnMap {
			occupied[[2]int{int(f.X), int(f.Y)}] = true
		}
	}
	candidates := bfsDropCandidates(g.md, occupied, startX, startY, len(ids))
	g.rng.Shuffle(len(candidates), func(i, j int) { candidates[i], candidates[j] = candidates[j], candidates[i] })

	ownerFreq := int16(-1)
	if owned {
		ownerFreq = p.Freq
	}

	placed := make([]int, 0, len(ids))
	for i, flagID := range ids {
		if flagID < 0 || flagID >= len(g.flags) {
			continue
		}
		x, y := startX, startY
		if i < len(candidates) {
			x, y = candidates[i][0], candidates[i][1]
		}
		g.flags[flagID] = CarryFlagEntry{State: CarryFlagOnMap, X: int16(x), Y: int16(y), OwnerFreq: ownerFreq}
		placed = append(placed, flagID)
	}
	g.mu.Unlock()

	for _, flagID := range placed {
		g.broadcastDrop(flagID)
	}
}

func (g *CarryGame) broadcastLocation(flagID int) {
	g.mu.Lock()
	f := g.flags[flagID]
	g.mu.Unlock()
	g.broadcaster.SendToArena(g.arenaName, encodeFlagLocation(flagID, f))
}

func (g *CarryGame) broadcastDrop(flagID int) {
	g.mu.Lock()
	f := g.flags[flagID]
	g.mu.Unlock()
	g.broadcaster.SendToArena(g.arenaName, encodeFlagDrop(flagID, f.X, f.Y))
	broker.FireCallback[CarryFlagDropCallback](g.b, func(fn CarryFlagDropCallback) {
		fn(CarryFlagDrop{ArenaName: g.arenaName, FlagID: flagID, X: f.X, Y: f.Y})
	})
}

// walkable reports whether (x, y) is a flyable tile wide enough for a
// ship (spec §4.6: flyable and not "single-wide").
func walkable(md mapdata.MapData, x, y int) bool {
	if x < 0 || y < 0 || x >= md.Width() || y >= md.Height() {
		return false
	}
	if !md.GetTile(x, y).Flyable() {
		return false
	}
	return !singleWide(md, x, y)
}

func singleWide(md mapdata.MapData, x, y int) bool {
	left := md.GetTile(x-1, y).Flyable()
	right := md.GetTile(x+1, y).Flyable()
	up := md.GetTile(x, y-1).Flyable()
	down := md.GetTile(x, y+1).Flyable()

	horizontalOpen := left && right
	verticalOpen := up && down
	horizontallyBlocked := !left && !right
	verticallyBlocked := !up && !down

	return (horizontalOpen && verticallyBlocked) || (verticalOpen && horizontallyBlocked)
}

func hasNoFlagDropsRegion(md mapdata.MapData, x, y int) bool {
	for _, r := range md.RegionsAt(x, y) {
		if r.NoFlagDrops {
			return true
		}
	}
	return false
}

// bfsDropCandidates walks breadth-first from (startX, startY),
// collecting up to need walkable, unoccupied, non-NoFlagDrops tiles
// (spec §4.6 "Dropping on the map").
func bfsDropCandidates(md mapdata.MapData, occupied map[[2]int]bool, startX, startY, need int) [][2]int {
	type point struct{ x, y int }
	visited := make(map[point]bool)
	queue := []point{{startX, startY}}
	visited[point{startX, startY}] = true

	var candidates [][2]int
	for len(queue) > 0 && len(candidates) < need {
		cur := queue[0]
		queue = queue[1:]

		if walkable(md, cur.x, cur.y) && !occupied[[2]int{cur.x, cur.y}] && !hasNoFlagDropsRegion(md, cur.x, cur.y) {
			candidates = append(candidates, [2]int{cur.x, cur.y})
		}

		for _, d := range [4]point{{1, 0}, {-1, 0}, {0, 1}, {0, -1}} {
			np := point{cur.x + d.x, cur.y + d.y}
			if np.x < 0 || np.y < 0 || np.x >= md.Width() || np.y >= md.Height() {
				continue
			}
			if visited[np] {
				continue
			}
			visited[np] = true
			queue = append(queue, np)
		}
	}
	return candidates
}

// CarryModule is the module-manager-facing wrapper mirroring
// StaticModule's shape for the carry flag game.
type CarryModule struct {
	store       persist.Store
	broadcaster Broadcaster
	log         *zap.Logger
	players     *player.Registry
	carriedKey  player.ExtraDataKey

	mu    sync.Mutex
	games map[*broker.Broker]*attachedCarry
}

type attachedCarry struct {
	game   *CarryGame
	tokens []func() error
}

func NewCarryModule() *CarryModule {
	return &CarryModule{games: make(map[*broker.Broker]*attachedCarry)}
}

// Load resolves process-wide dependencies and allocates the per-player
// carried-flags data slot.
func (m *CarryModule) Load(b *broker.Broker, store persist.Store, bc Broadcaster, players *player.Registry, log *zap.Logger) bool {
	m.store = store
	m.broadcaster = bc
	m.players = players
	m.log = log
	m.carriedKey = players.AllocateData(func() any { return &carriedState{} })
	return true
}

// AttachModule wires the carry flag game into one arena, mirroring
// spec §4.5's reconfiguration clause for the carry mode side: only
// activates when CarryFlags names carry mode.
func (m *CarryModule) AttachModule(arenaBroker *broker.Broker) bool {
	a, aLease, err := broker.GetInterface[*arena.Arena](arenaBroker, "")
	if err != nil {
		m.log.Error("flaggame(carry): arena self-interface missing", zap.Error(err))
		return false
	}
	defer broker.ReleaseInterface(aLease)

	if a.Cfg.Flag.IsStaticMode() {
		return true
	}

	md, mLease, err := broker.GetInterface[mapdata.MapData](arenaBroker, "")
	if err != nil {
		m.log.Error("flaggame(carry): no MapData registered for arena", zap.String("arena", a.Name), zap.Error(err))
		return false
	}
	defer broker.ReleaseInterface(mLease)

	behavior := DefaultCarryBehavior
	if b, bLease, err := broker.GetInterface[ICarryFlagBehavior](arenaBroker, ""); err == nil {
		behavior = b
		broker.ReleaseInterface(bLease)
	}

	game := newCarryGame(a.Name, a.Cfg.Flag, md, behavior, m.broadcaster, m.store, arenaBroker, m.log, m.carriedKey, time.Now().UnixNano())
	game.StartGame()

	flagTok := broker.RegisterInterface[IFlagGame](arenaBroker, game, "")
	carryTok := broker.RegisterInterface[*CarryGame](arenaBroker, game, "")

	m.mu.Lock()
	m.games[arenaBroker] = &attachedCarry{
		game: game,
		tokens: []func() error{
			func() error { _, err := broker.UnregisterInterface(flagTok); return err },
			func() error { _, err := broker.UnregisterInterface(carryTok); return err },
		},
	}
	m.mu.Unlock()
	return true
}

// DetachModule tears down the carry game registered by AttachModule.
func (m *CarryModule) DetachModule(arenaBroker *broker.Broker) {
	m.mu.Lock()
	att, ok := m.games[arenaBroker]
	if ok {
		delete(m.games, arenaBroker)
	}
	m.mu.Unlock()
	if !ok {
		return
	}
	for _, unreg := range att.tokens {
		if err := unreg(); err != nil {
			m.log.Warn("flaggame(carry): interface still in use at detach", zap.Error(err))
		}
	}
}
