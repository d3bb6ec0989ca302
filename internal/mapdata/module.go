package mapdata

import (
	"sync"

	"go.uber.org/zap"

	"github.com/gigamon-dev/SubspaceServer-sub014/internal/arena"
	"github.com/gigamon-dev/SubspaceServer-sub014/internal/broker"
)

// defaultWidth/defaultHeight mirror the classic 1024x1024 tile grid;
// real .lvl parsing is out of scope, so every arena gets an open
// Static map of this fixed size, carrying the arena's configured flag
// count.
const (
	defaultWidth  = 1024
	defaultHeight = 1024
)

// Module is the AttachModule-facing placeholder for the "ext."
// map-data component (spec §2, §4.10): it builds one Static map per
// arena from that arena's configured flag count and registers it as
// MapData, so flaggame has something to resolve via broker.GetInterface
// without the core ever parsing a real .lvl file itself.
type Module struct {
	log *zap.Logger

	mu    sync.Mutex
	games map[*broker.Broker]broker.Token[MapData]
}

func NewModule() *Module {
	return &Module{games: make(map[*broker.Broker]broker.Token[MapData])}
}

func (m *Module) Load(b *broker.Broker, log *zap.Logger) bool {
	m.log = log
	return true
}

// AttachModule builds and registers a fixed-size Static map carrying
// a's configured flag count (Cfg.Flag.MaxFlags, or 1 if that is not
// positive).
func (m *Module) AttachModule(arenaBroker *broker.Broker) bool {
	a, lease, err := broker.GetInterface[*arena.Arena](arenaBroker, "")
	if err != nil {
		m.log.Error("mapdata: arena self-interface missing", zap.Error(err))
		return false
	}
	defer broker.ReleaseInterface(lease)

	flagCount := a.Cfg.Flag.MaxFlags
	if flagCount <= 0 {
		flagCount = 1
	}
	md := NewStatic(defaultWidth, defaultHeight, flagCount, 0)

	tok := broker.RegisterInterface[MapData](arenaBroker, md, "")
	m.mu.Lock()
	m.games[arenaBroker] = tok
	m.mu.Unlock()
	return true
}

func (m *Module) DetachModule(arenaBroker *broker.Broker) {
	m.mu.Lock()
	tok, ok := m.games[arenaBroker]
	if ok {
		delete(m.games, arenaBroker)
	}
	m.mu.Unlock()
	if ok {
		broker.UnregisterInterface(tok)
	}
}
