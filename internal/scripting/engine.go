// Package scripting wraps a single gopher-lua VM so a zone operator
// can override the carry flag game's pickup/kill/adjust/start
// decisions from a .lua file without recompiling (spec §4.6). Single-
// goroutine access only — the mainloop is the only caller.
package scripting

import (
	"fmt"
	"os"
	"path/filepath"

	lua "github.com/yuin/gopher-lua"
	"go.uber.org/zap"

	"github.com/gigamon-dev/SubspaceServer-sub014/internal/flaggame"
	"github.com/gigamon-dev/SubspaceServer-sub014/internal/player"
)

// Engine owns one Lua VM loaded from every *.lua file in a directory.
type Engine struct {
	vm  *lua.LState
	log *zap.Logger
}

// NewEngine creates a Lua engine and loads every *.lua file directly
// under scriptsDir (no subdirectory convention — a zone's script set
// is small enough to be one flat directory of flag-game hooks).
func NewEngine(scriptsDir string, log *zap.Logger) (*Engine, error) {
	vm := lua.NewState(lua.Options{SkipOpenLibs: false})
	vm.SetGlobal("API_VERSION", lua.LNumber(1))

	e := &Engine{vm: vm, log: log}
	if err := e.loadDir(scriptsDir); err != nil {
		vm.Close()
		return nil, fmt.Errorf("load scripts: %w", err)
	}
	return e, nil
}

// loadDir loads all .lua files in dir, non-recursively.
func (e *Engine) loadDir(dir string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	for _, entry := range entries {
		if entry.IsDir() || filepath.Ext(entry.Name()) != ".lua" {
			continue
		}
		path := filepath.Join(dir, entry.Name())
		if err := e.vm.DoFile(path); err != nil {
			return fmt.Errorf("load %s: %w", path, err)
		}
		e.log.Debug("loaded lua script", zap.String("file", path))
	}
	return nil
}

func (e *Engine) hasGlobal(name string) bool {
	return e.vm.GetGlobal(name) != lua.LNil
}

// call invokes the global Lua function name, passing args as the
// named fields of a single table argument, and returns the single
// table it must
// return. ok is false if the function is absent or errored.
func (e *Engine) call(name string, args map[string]lua.LValue) (*lua.LTable, bool) {
	fn := e.vm.GetGlobal(name)
	if fn == lua.LNil {
		return nil, false
	}
	t := e.vm.NewTable()
	for k, v := range args {
		t.RawSetString(k, v)
	}
	if err := e.vm.CallByParam(lua.P{Fn: fn, NRet: 1, Protect: true}, t); err != nil {
		e.log.Error("lua call failed", zap.String("fn", name), zap.Error(err))
		return nil, false
	}
	result := e.vm.Get(-1)
	e.vm.Pop(1)
	rt, ok := result.(*lua.LTable)
	if !ok {
		e.log.Error("lua call returned non-table", zap.String("fn", name))
		return nil, false
	}
	return rt, true
}

// intArray reads a Lua array-of-numbers field into a []int.
func intArray(t *lua.LTable, key string) []int {
	v := t.RawGetString(key)
	arr, ok := v.(*lua.LTable)
	if !ok {
		return nil
	}
	var out []int
	arr.ForEach(func(_, val lua.LValue) {
		out = append(out, int(lua.LVAsNumber(val)))
	})
	return out
}

// Close releases the underlying Lua VM.
func (e *Engine) Close() {
	e.vm.Close()
}

// ScriptedBehavior implements flaggame.ICarryFlagBehavior by calling
// named Lua globals (start_game, touch_flag, player_kill,
// adjust_flags) when the loaded script set defines them, falling back
// to flaggame.DefaultCarryBehavior per-method when a hook is absent —
// so a script can override exactly one decision and let the engine's
// native behavior handle the rest.
type ScriptedBehavior struct {
	engine *Engine
}

// NewScriptedBehavior wraps engine as an ICarryFlagBehavior.
func NewScriptedBehavior(engine *Engine) *ScriptedBehavior {
	return &ScriptedBehavior{engine: engine}
}

var _ flaggame.ICarryFlagBehavior = (*ScriptedBehavior)(nil)

// StartGame calls Lua start_game(), which may return
// {spawns = {{x = .., y = .., freq = ..}, ...}}. A non-empty spawns
// list sets how many flags are placed, one per row; a row that is not
// a table gets a random spawn point with no owner. Without a spawns
// list (or with an empty one), TargetCount flags are placed at random
// spawn points.
func (s *ScriptedBehavior) StartGame(g *flaggame.CarryGame) {
	if !s.engine.hasGlobal("start_game") {
		flaggame.DefaultCarryBehavior.StartGame(g)
		return
	}
	result, ok := s.engine.call("start_game", nil)
	if !ok {
		flaggame.DefaultCarryBehavior.StartGame(g)
		return
	}
	spawnsV := result.RawGetString("spawns")
	spawns, spawnsOK := spawnsV.(*lua.LTable)
	count := g.TargetCount()
	if spawnsOK && spawns.Len() > 0 {
		count = spawns.Len()
	}
	for i := 0; i < count; i++ {
		if spawnsOK && i < spawns.Len() {
			row, _ := spawns.RawGetInt(i + 1).(*lua.LTable)
			if row != nil {
				x := int16(lua.LVAsNumber(row.RawGetString("x")))
				y := int16(lua.LVAsNumber(row.RawGetString("y")))
				freq := int16(lua.LVAsNumber(row.RawGetString("freq")))
				g.PlaceOnMap(i, x, y, freq)
				continue
			}
		}
		x, y := g.RandomSpawnPoint()
		g.PlaceOnMap(i, x, y, -1)
	}
}

// TouchFlag calls Lua touch_flag(ctx) with the flag id and the
// player's current/limit carried counts; a returned {pickup = true}
// claims the flag via g.SetCarried.
func (s *ScriptedBehavior) TouchFlag(g *flaggame.CarryGame, p *player.Player, flagID int) error {
	if !s.engine.hasGlobal("touch_flag") {
		return flaggame.DefaultCarryBehavior.TouchFlag(g, p, flagID)
	}
	entry, ok := g.FlagEntry(flagID)
	if !ok || entry.State != flaggame.CarryFlagOnMap {
		return nil
	}
	if p.Status != player.StatusPlaying || p.Ship == player.ShipSpec {
		return nil
	}
	if p.Flags.DuringChange || p.Flags.NoFlagsBalls {
		return nil
	}

	result, ok := s.engine.call("touch_flag", map[string]lua.LValue{
		"flag_id":       lua.LNumber(flagID),
		"player_freq":   lua.LNumber(p.Freq),
		"carried_count": lua.LNumber(g.CarriedCount(p)),
	})
	if !ok {
		return flaggame.DefaultCarryBehavior.TouchFlag(g, p, flagID)
	}
	if result.RawGetString("pickup") == lua.LTrue {
		g.SetCarried(flagID, p)
	}
	return nil
}

// PlayerKill calls Lua player_kill(ctx) with the killed/killer freqs
// and carried flag ids; the returned {transfers, team_kill_drops,
// drops} partitions are applied the same way the default behavior
// applies its own partition.
func (s *ScriptedBehavior) PlayerKill(g *flaggame.CarryGame, killed, killer *player.Player, carriedFlagIDs []int) int {
	if !s.engine.hasGlobal("player_kill") {
		return flaggame.DefaultCarryBehavior.PlayerKill(g, killed, killer, carriedFlagIDs)
	}
	if len(carriedFlagIDs) == 0 {
		return 0
	}

	ids := s.engine.vm.NewTable()
	for i, id := range carriedFlagIDs {
		ids.RawSetInt(i+1, lua.LNumber(id))
	}
	killerFreq := lua.LNumber(-1)
	if killer != nil {
		killerFreq = lua.LNumber(killer.Freq)
	}
	cfg := g.Config()
	result, ok := s.engine.call("player_kill", map[string]lua.LValue{
		"killed_freq":       lua.LNumber(killed.Freq),
		"killer_freq":       killerFreq,
		"has_killer":        lua.LBool(killer != nil),
		"carried_ids":       ids,
		"friendly_transfer": lua.LBool(cfg.FriendlyTransfer),
	})
	if !ok {
		return flaggame.DefaultCarryBehavior.PlayerKill(g, killed, killer, carriedFlagIDs)
	}

	transfers := intArray(result, "transfers")
	teamKillDrops := intArray(result, "team_kill_drops")
	drops := intArray(result, "drops")

	for _, id := range transfers {
		if killer == nil {
			continue
		}
		g.ClearCarried(killed, id)
		g.SetCarried(id, killer)
	}
	if len(teamKillDrops) > 0 {
		for _, id := range teamKillDrops {
			g.ClearCarried(killed, id)
		}
		g.PlaceDropSet(teamKillDrops, killed, cfg.TeamKillOwned, cfg.TeamKillCenter)
	}
	if len(drops) > 0 {
		for _, id := range drops {
			g.ClearCarried(killed, id)
		}
		g.PlaceDropSet(drops, killed, cfg.DropOwned, cfg.DropCenter)
	}
	return len(transfers)
}

// AdjustFlags calls Lua adjust_flags(ctx) with the triggering reason;
// a returned {owned, center} pair picks the placement config the same
// way the default behavior picks between Drop*/TeamKill* per reason.
func (s *ScriptedBehavior) AdjustFlags(g *flaggame.CarryGame, reason flaggame.AdjustReason, p *player.Player, oldFreq int16) {
	if !s.engine.hasGlobal("adjust_flags") {
		flaggame.DefaultCarryBehavior.AdjustFlags(g, reason, p, oldFreq)
		return
	}
	ids := g.CarriedIDs(p)
	if len(ids) == 0 {
		return
	}

	cfg := g.Config()
	owned, center := cfg.DropOwned, cfg.DropCenter
	result, ok := s.engine.call("adjust_flags", map[string]lua.LValue{
		"reason":   lua.LNumber(int(reason)),
		"freq":     lua.LNumber(p.Freq),
		"old_freq": lua.LNumber(oldFreq),
	})
	if ok {
		owned = result.RawGetString("owned") == lua.LTrue
		center = result.RawGetString("center") == lua.LTrue
	} else if reason == flaggame.AdjustFreqChange || reason == flaggame.AdjustShipChange {
		owned, center = cfg.TeamKillOwned, cfg.TeamKillCenter
	}

	for _, id := range ids {
		g.ClearCarried(p, id)
	}
	g.PlaceDropSet(ids, p, owned, center)
}
