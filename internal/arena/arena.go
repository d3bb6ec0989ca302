// Package arena implements the Arena lifecycle state machine (spec §3
// Arena, §9 "Arena lifecycle... DoInit0 -> WaitHolds0 -> DoInit1 ->
// WaitHolds1 -> Running -> DoWriteData -> DoDestroy1 -> WaitHolds2 ->
// DoDestroy2"). Arena does not import player — it holds a player-ID
// set, not Player pointers, for the same cyclic-reference reason
// documented in internal/player.
package arena

import (
	"fmt"
	"sync"

	"github.com/gigamon-dev/SubspaceServer-sub014/internal/broker"
	"github.com/gigamon-dev/SubspaceServer-sub014/internal/config"
)

// Status is the arena lifecycle state machine. Transitions only move
// forward; DoDestroy2 removes the Arena from its Registry.
type Status int8

const (
	StatusDoInit0 Status = iota
	StatusWaitHolds0
	StatusDoInit1
	StatusWaitHolds1
	StatusRunning
	StatusDoWriteData
	StatusDoDestroy1
	StatusWaitHolds2
	StatusDoDestroy2
)

func (s Status) String() string {
	switch s {
	case StatusDoInit0:
		return "DoInit0"
	case StatusWaitHolds0:
		return "WaitHolds0"
	case StatusDoInit1:
		return "DoInit1"
	case StatusWaitHolds1:
		return "WaitHolds1"
	case StatusRunning:
		return "Running"
	case StatusDoWriteData:
		return "DoWriteData"
	case StatusDoDestroy1:
		return "DoDestroy1"
	case StatusWaitHolds2:
		return "WaitHolds2"
	case StatusDoDestroy2:
		return "DoDestroy2"
	default:
		return fmt.Sprintf("Status(%d)", s)
	}
}

// ExtraDataKey identifies one module's per-arena data slot, allocated
// once via Registry.AllocateData (mirrors player.ExtraDataKey).
type ExtraDataKey int

// DataFactory constructs a slot's initial value for a freshly created
// Arena.
type DataFactory func() any

// Arena is one instance of a named game space. Its Broker is a child
// of the zone-wide root broker (spec §4.1 "per-arena child broker"),
// so arena-scoped modules can register interfaces/callbacks that
// shadow the zone-wide ones for exactly this arena's lifetime.
type Arena struct {
	*broker.Broker

	Name   string
	Cfg    config.ArenaConfig
	Status Status

	mu       sync.Mutex
	holds    int
	players  map[uint64]struct{} // player.ID values, kept untyped to avoid importing player
	attached []string            // module names attached via AttachToArena, in attach order
	data     map[ExtraDataKey]any
}

// New creates an arena in StatusDoInit0, parented to root, with no
// extra-data slots populated. Prefer Registry.Create, which fills in
// every slot the registry has allocated.
func New(name string, root *broker.Broker, cfg config.ArenaConfig) *Arena {
	a := &Arena{
		Broker:  broker.New(root),
		Name:    name,
		Cfg:     cfg,
		Status:  StatusDoInit0,
		players: make(map[uint64]struct{}),
		data:    make(map[ExtraDataKey]any),
	}
	// Self-register so arena-scoped modules attached later can recover
	// the owning *Arena from nothing but the arena broker they're
	// handed in AttachModule.
	broker.RegisterInterface[*Arena](a.Broker, a, "")
	return a
}

// Data returns the value stored in this arena's slot key, or nil if no
// such slot was allocated on the registry that created this arena.
func (a *Arena) Data(key ExtraDataKey) any {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.data[key]
}

// SetData overwrites the value stored in slot key.
func (a *Arena) SetData(key ExtraDataKey, v any) {
	a.mu.Lock()
	a.data[key] = v
	a.mu.Unlock()
}

// Hold increments the arena's outstanding-work counter; modules call
// this when they have asynchronous work that must finish before the
// arena is allowed to advance out of a WaitHolds state (spec §9).
func (a *Arena) Hold() {
	a.mu.Lock()
	a.holds++
	a.mu.Unlock()
}

// Unhold decrements the hold counter. It is a programming error to
// call Unhold more times than Hold; Unhold guards against going
// negative rather than panicking, since arena teardown must never be
// blocked by a module's bookkeeping bug.
func (a *Arena) Unhold() {
	a.mu.Lock()
	if a.holds > 0 {
		a.holds--
	}
	a.mu.Unlock()
}

// HoldCount reports the current outstanding-hold count.
func (a *Arena) HoldCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.holds
}

// ReadyToAdvance reports whether holds have drained to zero, i.e. a
// WaitHolds state may transition to the next DoInit/DoDestroy state.
func (a *Arena) ReadyToAdvance() bool {
	return a.HoldCount() == 0
}

// AddPlayer records playerID as present in this arena.
func (a *Arena) AddPlayer(playerID uint64) {
	a.mu.Lock()
	a.players[playerID] = struct{}{}
	a.mu.Unlock()
}

// RemovePlayer removes playerID from this arena's roster.
func (a *Arena) RemovePlayer(playerID uint64) {
	a.mu.Lock()
	delete(a.players, playerID)
	a.mu.Unlock()
}

// PlayerCount returns the number of players currently in the arena.
func (a *Arena) PlayerCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.players)
}

// PlayerIDs returns a snapshot of the player IDs present in the arena.
func (a *Arena) PlayerIDs() []uint64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]uint64, 0, len(a.players))
	for id := range a.players {
		out = append(out, id)
	}
	return out
}

// MarkAttached records that module name has been attached to this
// arena, in the order AttachToArena calls occurred, so teardown can
// detach in reverse order.
func (a *Arena) MarkAttached(name string) {
	a.mu.Lock()
	a.attached = append(a.attached, name)
	a.mu.Unlock()
}

// AttachedModules returns the attached module names in detach order
// (most-recently-attached first).
func (a *Arena) AttachedModules() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]string, len(a.attached))
	for i, name := range a.attached {
		out[len(out)-1-i] = name
	}
	return out
}

// SetStatus transitions the arena to s. It does not validate that s is
// a legal successor of the current state — the zone coordinator
// (internal/zone) owns the state machine's driving logic; Arena is
// just the record it drives.
func (a *Arena) SetStatus(s Status) {
	a.mu.Lock()
	a.Status = s
	a.mu.Unlock()
}

// CurrentStatus returns the arena's current lifecycle status.
func (a *Arena) CurrentStatus() Status {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.Status
}

// Registry owns every live Arena, keyed by name, plus the process-wide
// extra-data slot table shared by every arena it creates (mirrors
// player.Registry).
type Registry struct {
	mu            sync.RWMutex
	arenas        map[string]*Arena
	slotFactories []DataFactory
}

// NewRegistry creates an empty arena registry.
func NewRegistry() *Registry {
	return &Registry{arenas: make(map[string]*Arena)}
}

// AllocateData registers a new per-arena extra-data slot. Call this
// during module Load, before any arenas are created.
func (r *Registry) AllocateData(factory DataFactory) ExtraDataKey {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.slotFactories = append(r.slotFactories, factory)
	return ExtraDataKey(len(r.slotFactories) - 1)
}

// Create registers a new Arena under name. It returns an error if name
// is already in use.
func (r *Registry) Create(name string, root *broker.Broker, cfg config.ArenaConfig) (*Arena, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.arenas[name]; ok {
		return nil, fmt.Errorf("arena: %q already exists", name)
	}
	a := New(name, root, cfg)
	for i, f := range r.slotFactories {
		if f != nil {
			a.data[ExtraDataKey(i)] = f()
		}
	}
	r.arenas[name] = a
	return a, nil
}

// Lookup returns the arena named name, or nil if none exists.
func (r *Registry) Lookup(name string) *Arena {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.arenas[name]
}

// Remove deletes the arena named name from the registry. Callers must
// have already driven it through StatusDoDestroy2.
func (r *Registry) Remove(name string) {
	r.mu.Lock()
	delete(r.arenas, name)
	r.mu.Unlock()
}

// Snapshot returns every currently-registered arena.
func (r *Registry) Snapshot() []*Arena {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Arena, 0, len(r.arenas))
	for _, a := range r.arenas {
		out = append(out, a)
	}
	return out
}
