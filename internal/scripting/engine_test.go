package scripting

import (
	"os"
	"path/filepath"
	"testing"

	"go.uber.org/zap"

	"github.com/gigamon-dev/SubspaceServer-sub014/internal/arena"
	"github.com/gigamon-dev/SubspaceServer-sub014/internal/broker"
	"github.com/gigamon-dev/SubspaceServer-sub014/internal/config"
	"github.com/gigamon-dev/SubspaceServer-sub014/internal/flaggame"
	"github.com/gigamon-dev/SubspaceServer-sub014/internal/mapdata"
	"github.com/gigamon-dev/SubspaceServer-sub014/internal/persist"
	"github.com/gigamon-dev/SubspaceServer-sub014/internal/player"
)

type fakeBroadcaster struct{ sent [][]byte }

func (f *fakeBroadcaster) SendTo(*player.Player, []byte)          {}
func (f *fakeBroadcaster) SendToArena(arena string, data []byte)  { f.sent = append(f.sent, data) }
func (f *fakeBroadcaster) SendToFreq(string, int16, []byte)       {}

// setupCarryGame wires a full CarryModule against one fresh arena,
// optionally registering behavior as its ICarryFlagBehavior override,
// and returns the live *flaggame.CarryGame plus the player registry
// used to allocate test players.
func setupCarryGame(t *testing.T, cfg config.FlagConfig, behavior flaggame.ICarryFlagBehavior) (*flaggame.CarryGame, *player.Registry, *fakeBroadcaster) {
	t.Helper()
	root := broker.New(nil)
	a := arena.New("test-arena", root, config.ArenaConfig{Flag: cfg})

	md := mapdata.NewStatic(32, 32, 0, 0)
	broker.RegisterInterface[mapdata.MapData](a.Broker, md, "")
	if behavior != nil {
		broker.RegisterInterface[flaggame.ICarryFlagBehavior](a.Broker, behavior, "")
	}

	players := player.NewRegistry()
	bc := &fakeBroadcaster{}
	m := flaggame.NewCarryModule()
	if !m.Load(root, persist.NewMemoryStore(), bc, players, zap.NewNop()) {
		t.Fatal("CarryModule.Load failed")
	}
	if !m.AttachModule(a.Broker) {
		t.Fatal("CarryModule.AttachModule failed")
	}

	game, lease, err := broker.GetInterface[*flaggame.CarryGame](a.Broker, "")
	if err != nil {
		t.Fatalf("expected *flaggame.CarryGame registered: %v", err)
	}
	broker.ReleaseInterface(lease)
	return game, players, bc
}

func writeScript(t *testing.T, dir, name, body string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(dir, name), []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
}

func TestEngine_LoadsLuaScriptsFromDirectory(t *testing.T) {
	dir := t.TempDir()
	writeScript(t, dir, "hooks.lua", `
function touch_flag(ctx)
  return {pickup = true}
end
`)
	e, err := NewEngine(dir, zap.NewNop())
	if err != nil {
		t.Fatal(err)
	}
	defer e.Close()

	if !e.hasGlobal("touch_flag") {
		t.Fatal("expected touch_flag to be defined after loading")
	}
	if e.hasGlobal("player_kill") {
		t.Fatal("player_kill should not be defined")
	}
}

func TestEngine_MissingDirectoryIsNotAnError(t *testing.T) {
	e, err := NewEngine(filepath.Join(t.TempDir(), "does-not-exist"), zap.NewNop())
	if err != nil {
		t.Fatalf("missing scripts dir should not error: %v", err)
	}
	defer e.Close()
}

func TestScriptedBehavior_FallsBackToDefaultWhenHookAbsent(t *testing.T) {
	dir := t.TempDir() // no scripts at all
	e, err := NewEngine(dir, zap.NewNop())
	if err != nil {
		t.Fatal(err)
	}
	defer e.Close()

	behavior := NewScriptedBehavior(e)
	game, players, _ := setupCarryGame(t, config.FlagConfig{CarryFlags: "Yes", MinFlags: 1, MaxFlags: 1, SpawnRadius: 4}, behavior)

	p := players.NewPlayer()
	p.Status = player.StatusPlaying
	p.Ship = player.ShipWarbird
	p.Freq = 1

	entry, ok := game.FlagEntry(0)
	if !ok || entry.State != flaggame.CarryFlagOnMap {
		t.Fatalf("expected StartGame to have placed flag 0 on the map, got %+v ok=%v", entry, ok)
	}

	if err := game.TouchFlag(p, 0); err != nil {
		t.Fatal(err)
	}
	entry, _ = game.FlagEntry(0)
	if entry.State != flaggame.CarryFlagCarried {
		t.Fatalf("expected default pickup to succeed, got state %v", entry.State)
	}
}

func TestScriptedBehavior_TouchFlagHonorsLuaRefusal(t *testing.T) {
	dir := t.TempDir()
	writeScript(t, dir, "hooks.lua", `
function touch_flag(ctx)
  return {pickup = false}
end
`)
	e, err := NewEngine(dir, zap.NewNop())
	if err != nil {
		t.Fatal(err)
	}
	defer e.Close()

	behavior := NewScriptedBehavior(e)
	game, players, _ := setupCarryGame(t, config.FlagConfig{CarryFlags: "Yes", MinFlags: 1, MaxFlags: 1, SpawnRadius: 4}, behavior)

	p := players.NewPlayer()
	p.Status = player.StatusPlaying
	p.Ship = player.ShipWarbird
	p.Freq = 1

	if err := game.TouchFlag(p, 0); err != nil {
		t.Fatal(err)
	}
	entry, _ := game.FlagEntry(0)
	if entry.State != flaggame.CarryFlagOnMap {
		t.Fatalf("expected lua refusal to block pickup, got state %v", entry.State)
	}
}

func TestScriptedBehavior_PlayerKillAppliesLuaDropPartition(t *testing.T) {
	dir := t.TempDir()
	writeScript(t, dir, "hooks.lua", `
function player_kill(ctx)
  local drops = {}
  for i, id in ipairs(ctx.carried_ids) do
    drops[i] = id
  end
  return {transfers = {}, team_kill_drops = {}, drops = drops}
end
`)
	e, err := NewEngine(dir, zap.NewNop())
	if err != nil {
		t.Fatal(err)
	}
	defer e.Close()

	behavior := NewScriptedBehavior(e)
	game, players, _ := setupCarryGame(t, config.FlagConfig{CarryFlags: "Yes", MinFlags: 1, MaxFlags: 1, SpawnRadius: 4, FriendlyTransfer: true}, behavior)

	killed := players.NewPlayer()
	killed.Status, killed.Ship, killed.Freq = player.StatusPlaying, player.ShipWarbird, 1
	killer := players.NewPlayer()
	killer.Status, killer.Ship, killer.Freq = player.StatusPlaying, player.ShipWarbird, 2

	if err := game.TouchFlag(killed, 0); err != nil {
		t.Fatal(err)
	}

	n := game.PlayerKill(killed, killer)
	if n != 0 {
		t.Fatalf("expected lua to force a drop (0 transfers), got %d", n)
	}
	entry, _ := game.FlagEntry(0)
	if entry.State != flaggame.CarryFlagOnMap {
		t.Fatalf("expected flag dropped back onto the map, got state %v", entry.State)
	}
	if game.CarriedCount(killer) != 0 {
		t.Fatal("expected killer not to receive the flag per lua decision")
	}
}
