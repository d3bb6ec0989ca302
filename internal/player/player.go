// Package player owns the Player record and its lifecycle (spec §3
// Player). A Player's arena membership is a plain name, not a pointer
// — per spec §9 ("Cyclic references... Player holding an index/handle
// rather than owning Arena"), resolution of the current *arena.Arena
// happens through the registry that owns both collections
// (internal/zone), never through a direct import cycle here.
package player

import (
	"sync"
)

// Ship enumerates the playable hull types plus the spectator pseudo-ship.
type Ship int8

const (
	ShipWarbird Ship = iota
	ShipJavelin
	ShipSpider
	ShipLeviathan
	ShipTerrier
	ShipWeasel
	ShipLancaster
	ShipShark
	ShipSpec
)

// Status is the player connection/sync state machine (spec §3).
// Status only moves forward except across an arena-change cycle,
// where it resets to NeedArenaSync-equivalent states.
type Status int8

const (
	StatusNoSocket Status = iota
	StatusConnected
	StatusNeedAuth
	StatusNeedGlobalSync
	StatusDoGlobalCallbacks
	StatusSendLoginResponse
	StatusDoGameCallbacks
	StatusSendArenaResponse
	StatusArenaRespAndCBS
	StatusPlaying
	StatusLeavingArena
	StatusLeavingZone
	StatusTimeWait
)

// Flags holds the boolean modifiers spec §3 lists alongside Status.
type Flags struct {
	DuringChange bool // mid ship/freq change — touches, pickups rejected
	NoFlagsBalls bool // arena-wide freeze in effect
	WantAllLvz   bool
	SeeAllPositions bool
}

// Position is the player's last-known physical state.
type Position struct {
	X, Y     int16
	Rotation uint8
	XSpeed   int16
	YSpeed   int16
}

// ID is a stable, process-unique player identifier. It encodes a free
// list index plus a generation counter (teacher's ecs.EntityID
// pattern) so a stale ID from a disconnected player is never
// silently treated as the new occupant of the same slot.
type ID uint64

func newID(index, generation uint32) ID {
	return ID(uint64(generation)<<32 | uint64(index))
}

func (id ID) index() uint32      { return uint32(id) }
func (id ID) generation() uint32 { return uint32(id >> 32) }

// Player represents one connected (or fake) participant.
type Player struct {
	ID        ID
	Name      string
	Squad     string
	MachineID uint32

	ArenaName string // "" when not in an arena; canonical lower-case
	Ship      Ship
	Freq      int16
	Pos       Position
	Status    Status
	Flags     Flags

	// Data holds module-contributed extra data, keyed by slots
	// allocated once via Registry.AllocateData.
	Data map[ExtraDataKey]any

	registry *Registry
}

// ExtraDataKey identifies one module's per-player data slot.
type ExtraDataKey int

// DataFactory constructs a slot's initial value for a freshly
// allocated Player.
type DataFactory func() any

// Resettable is implemented by extra-data values that want to be
// reused in place across a recycle instead of reallocated; Reset must
// restore the value to its initial state.
type Resettable interface {
	Reset()
}

// Registry owns every live Player plus the process-wide extra-data
// slot table (spec §9: "allocate slots keyed by a process-wide id").
// Player objects are recycled through a generational free list,
// mirroring the teacher's ecs.EntityPool, so a finished Player's
// memory (and its extra-data map) is reused rather than discarded.
type Registry struct {
	mu sync.RWMutex

	slotFactories []DataFactory

	byID  map[ID]*Player
	slots []*Player // index = ID.index(); nil/stale once freed
	gens  []uint32
	free  []uint32
}

// NewRegistry creates an empty player registry.
func NewRegistry() *Registry {
	return &Registry{
		byID: make(map[ID]*Player),
	}
}

// AllocateData registers a new extra-data slot; every Player created
// after this call (and, via Reset, every Player recycled after it)
// gets a value built by factory. Call this during module Load, before
// any players connect.
func (r *Registry) AllocateData(factory DataFactory) ExtraDataKey {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.slotFactories = append(r.slotFactories, factory)
	return ExtraDataKey(len(r.slotFactories) - 1)
}

func (r *Registry) newData() map[ExtraDataKey]any {
	data := make(map[ExtraDataKey]any, len(r.slotFactories))
	for i, f := range r.slotFactories {
		if f != nil {
			data[ExtraDataKey(i)] = f()
		}
	}
	return data
}

func (r *Registry) resetData(data map[ExtraDataKey]any) map[ExtraDataKey]any {
	for i, f := range r.slotFactories {
		key := ExtraDataKey(i)
		existing, ok := data[key]
		if ok {
			if rs, ok := existing.(Resettable); ok {
				rs.Reset()
				continue
			}
		}
		if f != nil {
			data[key] = f()
		}
	}
	// Drop slots no extra-data factory maps to, if any survived an
	// unusual slot-count shrink (should not happen in practice).
	for key := range data {
		if int(key) >= len(r.slotFactories) {
			delete(data, key)
		}
	}
	return data
}

// NewPlayer allocates (or recycles) a Player with status NoSocket.
func (r *Registry) NewPlayer() *Player {
	r.mu.Lock()
	defer r.mu.Unlock()

	var idx uint32
	if n := len(r.free); n > 0 {
		idx = r.free[n-1]
		r.free = r.free[:n-1]
	} else {
		idx = uint32(len(r.gens))
		r.gens = append(r.gens, 0)
		r.slots = append(r.slots, nil)
	}

	id := newID(idx, r.gens[idx])

	p := r.slots[idx]
	if p == nil {
		p = &Player{registry: r, Data: r.newData()}
	} else {
		p.Data = r.resetData(p.Data)
		p.Name, p.Squad, p.MachineID = "", "", 0
		p.ArenaName = ""
		p.Ship, p.Freq = ShipSpec, -1
		p.Pos = Position{}
		p.Flags = Flags{}
	}
	p.ID = id
	p.Status = StatusNoSocket

	r.slots[idx] = p
	r.byID[id] = p
	return p
}

// Lookup returns the live Player for id, or nil if it has since been
// removed (or id is stale — its generation no longer matches).
func (r *Registry) Lookup(id ID) *Player {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.byID[id]
}

// Remove reaps p: it is returned to the free list for reuse by a
// future NewPlayer call, and id becomes permanently invalid (its
// generation is bumped).
func (r *Registry) Remove(id ID) {
	r.mu.Lock()
	defer r.mu.Unlock()

	idx := id.index()
	if int(idx) >= len(r.gens) || r.gens[idx] != id.generation() {
		return // already removed / stale
	}
	delete(r.byID, id)
	r.gens[idx]++
	r.free = append(r.free, idx)
}

// Snapshot returns every currently-live player. The slice is a copy,
// safe to range over while the registry mutates.
func (r *Registry) Snapshot() []*Player {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Player, 0, len(r.byID))
	for _, p := range r.byID {
		out = append(out, p)
	}
	return out
}

// Count returns the number of live players.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byID)
}
