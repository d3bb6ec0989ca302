package scripting

import (
	"sync"

	"go.uber.org/zap"

	"github.com/gigamon-dev/SubspaceServer-sub014/internal/arena"
	"github.com/gigamon-dev/SubspaceServer-sub014/internal/broker"
	"github.com/gigamon-dev/SubspaceServer-sub014/internal/flaggame"
)

// Module is the AttachModule-facing wrapper that gives an arena a Lua
// ICarryFlagBehavior override when its config names a ScriptsDir
// (spec §4.6). It must be listed ahead of "flaggame.carry" in an
// arena's AttachModules so CarryModule.AttachModule's optional
// broker.GetInterface[ICarryFlagBehavior] lookup finds it already
// registered. Arenas with no ScriptsDir configured are left alone —
// CarryModule then falls back to flaggame.DefaultCarryBehavior.
type Module struct {
	log *zap.Logger

	mu      sync.Mutex
	engines map[*broker.Broker]*Engine
}

func NewModule() *Module {
	return &Module{engines: make(map[*broker.Broker]*Engine)}
}

func (m *Module) Load(b *broker.Broker, log *zap.Logger) bool {
	m.log = log
	return true
}

// AttachModule loads a's ScriptsDir (if any) into a fresh Engine and
// registers it as the arena's ICarryFlagBehavior. An arena with no
// ScriptsDir configured is a no-op success, not a failure.
func (m *Module) AttachModule(arenaBroker *broker.Broker) bool {
	a, lease, err := broker.GetInterface[*arena.Arena](arenaBroker, "")
	if err != nil {
		m.log.Error("scripting: arena self-interface missing", zap.Error(err))
		return false
	}
	defer broker.ReleaseInterface(lease)

	if a.Cfg.ScriptsDir == "" {
		return true
	}

	engine, err := NewEngine(a.Cfg.ScriptsDir, m.log)
	if err != nil {
		m.log.Error("scripting: failed to load arena scripts", zap.String("arena", a.Name), zap.Error(err))
		return false
	}

	behavior := NewScriptedBehavior(engine)
	broker.RegisterInterface[flaggame.ICarryFlagBehavior](arenaBroker, behavior, "")

	m.mu.Lock()
	m.engines[arenaBroker] = engine
	m.mu.Unlock()
	return true
}

// DetachModule closes the arena's Lua VM, if one was loaded. The
// ICarryFlagBehavior registration itself is torn down implicitly: the
// arena broker is discarded along with the arena.
func (m *Module) DetachModule(arenaBroker *broker.Broker) {
	m.mu.Lock()
	engine, ok := m.engines[arenaBroker]
	if ok {
		delete(m.engines, arenaBroker)
	}
	m.mu.Unlock()
	if ok {
		engine.Close()
	}
}
