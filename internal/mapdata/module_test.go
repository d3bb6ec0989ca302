package mapdata

import (
	"testing"

	"go.uber.org/zap"

	"github.com/gigamon-dev/SubspaceServer-sub014/internal/arena"
	"github.com/gigamon-dev/SubspaceServer-sub014/internal/broker"
	"github.com/gigamon-dev/SubspaceServer-sub014/internal/config"
)

func TestModule_AttachRegistersMapDataSizedForFlagCount(t *testing.T) {
	root := broker.New(nil)
	m := NewModule()
	if !m.Load(root, zap.NewNop()) {
		t.Fatal("Load failed")
	}

	a := arena.New("test-arena", root, config.ArenaConfig{Flag: config.FlagConfig{MaxFlags: 7}})
	if !m.AttachModule(a.Broker) {
		t.Fatal("AttachModule failed")
	}

	md, lease, err := broker.GetInterface[MapData](a.Broker, "")
	if err != nil {
		t.Fatalf("expected MapData registered: %v", err)
	}
	defer broker.ReleaseInterface(lease)

	if md.GetFlagCount() != 7 {
		t.Fatalf("expected flag count 7, got %d", md.GetFlagCount())
	}
}

func TestModule_AttachDefaultsFlagCountToOneWhenUnconfigured(t *testing.T) {
	root := broker.New(nil)
	m := NewModule()
	m.Load(root, zap.NewNop())

	a := arena.New("test-arena", root, config.ArenaConfig{})
	if !m.AttachModule(a.Broker) {
		t.Fatal("AttachModule failed")
	}

	md, lease, err := broker.GetInterface[MapData](a.Broker, "")
	if err != nil {
		t.Fatal(err)
	}
	defer broker.ReleaseInterface(lease)

	if md.GetFlagCount() != 1 {
		t.Fatalf("expected default flag count 1, got %d", md.GetFlagCount())
	}
}

func TestModule_DetachUnregistersMapData(t *testing.T) {
	root := broker.New(nil)
	m := NewModule()
	m.Load(root, zap.NewNop())

	a := arena.New("test-arena", root, config.ArenaConfig{Flag: config.FlagConfig{MaxFlags: 2}})
	if !m.AttachModule(a.Broker) {
		t.Fatal("AttachModule failed")
	}
	m.DetachModule(a.Broker)

	if _, _, err := broker.GetInterface[MapData](a.Broker, ""); err == nil {
		t.Fatal("expected MapData to be unregistered after Detach")
	}
}
