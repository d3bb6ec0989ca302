// Package module implements the module manager: ordered loading of
// self-contained components, dependency resolution through the
// broker, and the Load/Unload/PostLoad/PreUnload/AttachModule/
// DetachModule lifecycle described in spec §4.2.
//
// A module is any value whose method set includes a Load method
// reflectively shaped as func(*broker.Broker, dep1, dep2, ...) bool,
// where each depN is a type registered on the broker (an interface or
// a concrete pointer type such as *mainloop.Mainloop) resolved via
// broker.GetInterfaceByType. This mirrors the teacher's
// core/system.Runner (ordered registration, Phase-sorted Update) but
// replaces fixed-signature systems with reflective dependency
// injection, since the spec requires each module to declare its own
// dependency list instead of following one shared Update(dt) shape.
package module

import (
	"fmt"
	"reflect"

	"go.uber.org/zap"

	"github.com/gigamon-dev/SubspaceServer-sub014/internal/broker"
)

// Descriptor is one line of the module manifest: a name that resolves
// against a Factory registry, and an optional plug-in assembly path
// (unused by the in-process Factory registry; kept for spec fidelity
// and future dynamic-plugin loaders).
type Descriptor struct {
	Name   string
	Plugin string `yaml:"plugin,omitempty"`
}

// Factory constructs a fresh, not-yet-loaded module instance.
type Factory func() any

// PostLoader is implemented by modules that need a hook run after
// every module in the manifest has successfully loaded.
type PostLoader interface {
	PostLoad(b *broker.Broker)
}

// PreUnloader is implemented by modules that need a hook run before
// any module starts unloading.
type PreUnloader interface {
	PreUnload(b *broker.Broker)
}

// Unloader releases whatever a module registered in Load. Modules
// that register nothing may omit this method.
type Unloader interface {
	Unload(b *broker.Broker)
}

// ArenaAttacher is implemented by modules that do per-arena setup,
// distinct from process-wide Load.
type ArenaAttacher interface {
	AttachModule(arenaBroker *broker.Broker) bool
}

// ArenaDetacher is the symmetric per-arena teardown hook.
type ArenaDetacher interface {
	DetachModule(arenaBroker *broker.Broker)
}

type loaded struct {
	name     string
	instance any
	releases []func()
}

// Manager loads modules against a single (process-root) broker, in
// declared order, and tracks them for reverse-order unload.
type Manager struct {
	root   *broker.Broker
	log    *zap.Logger
	order  []*loaded
	byName map[string]*loaded
}

func NewManager(root *broker.Broker, log *zap.Logger) *Manager {
	return &Manager{
		root:   root,
		log:    log,
		byName: make(map[string]*loaded),
	}
}

// LoadAll loads every descriptor in order, looking each name up in
// registry. On the first failure it unwinds everything already loaded
// (reverse order, same as UnloadAll) and returns the error — a bad
// manifest must not leave the process half-wired.
func (m *Manager) LoadAll(descs []Descriptor, registry map[string]Factory) error {
	for _, d := range descs {
		factory, ok := registry[d.Name]
		if !ok {
			m.UnloadAll()
			return fmt.Errorf("configuration: module %q has no registered factory", d.Name)
		}
		if err := m.Load(d.Name, factory); err != nil {
			m.UnloadAll()
			return err
		}
	}
	for _, l := range m.order {
		if pl, ok := l.instance.(PostLoader); ok {
			pl.PostLoad(m.root)
		}
	}
	return nil
}

// Load constructs, wires, and loads a single module by reflecting over
// its Load method. Dependencies are released and nothing is tracked
// if loading fails.
func (m *Manager) Load(name string, factory Factory) error {
	instance := factory()
	loadMethod := reflect.ValueOf(instance).MethodByName("Load")
	if !loadMethod.IsValid() {
		return fmt.Errorf("module %s: no Load method", name)
	}

	ft := loadMethod.Type()
	if ft.NumIn() < 1 || ft.In(0) != reflect.TypeOf(m.root) {
		return fmt.Errorf("module %s: Load's first parameter must be *broker.Broker", name)
	}

	args := make([]reflect.Value, ft.NumIn())
	args[0] = reflect.ValueOf(m.root)

	var releases []func()
	rollback := func() {
		for _, r := range releases {
			r()
		}
	}

	for i := 1; i < ft.NumIn(); i++ {
		depType := ft.In(i)
		impl, release, err := broker.GetInterfaceByType(m.root, depType, "")
		if err != nil {
			rollback()
			return fmt.Errorf("module %s: resolve dependency %s: %w", name, depType, err)
		}
		releases = append(releases, release)
		args[i] = reflect.ValueOf(impl)
	}

	results := loadMethod.Call(args)
	ok := true
	if len(results) > 0 && results[0].Kind() == reflect.Bool {
		ok = results[0].Bool()
	}
	if !ok {
		rollback()
		return fmt.Errorf("module %s: Load returned false", name)
	}

	l := &loaded{name: name, instance: instance, releases: releases}
	m.order = append(m.order, l)
	m.byName[name] = l
	m.log.Info("module loaded", zap.String("module", name))
	return nil
}

// UnloadAll runs PreUnload hooks, then unloads every tracked module in
// reverse declaration order, releasing every dependency lease and
// calling Unload if present.
func (m *Manager) UnloadAll() {
	for i := len(m.order) - 1; i >= 0; i-- {
		if pl, ok := m.order[i].instance.(PreUnloader); ok {
			pl.PreUnload(m.root)
		}
	}
	for i := len(m.order) - 1; i >= 0; i-- {
		l := m.order[i]
		if u, ok := l.instance.(Unloader); ok {
			u.Unload(m.root)
		}
		for _, r := range l.releases {
			r()
		}
		delete(m.byName, l.name)
		m.log.Info("module unloaded", zap.String("module", l.name))
	}
	m.order = nil
}

// Get returns the loaded instance registered under name, if any.
func (m *Manager) Get(name string) (any, bool) {
	l, ok := m.byName[name]
	if !ok {
		return nil, false
	}
	return l.instance, true
}

// AttachToArena calls AttachModule(arenaBroker) on every named module
// that implements ArenaAttacher, in the order given (the arena's
// [Modules] AttachModules list, spec §6). It stops and returns the
// first failure, having already attached the modules before it — the
// caller is responsible for calling DetachFromArena on the successful
// prefix if it wants to unwind.
func (m *Manager) AttachToArena(arenaBroker *broker.Broker, names []string) (attached []string, err error) {
	for _, name := range names {
		l, ok := m.byName[name]
		if !ok {
			return attached, fmt.Errorf("arena attach: module %q not loaded", name)
		}
		a, ok := l.instance.(ArenaAttacher)
		if !ok {
			continue
		}
		if !a.AttachModule(arenaBroker) {
			return attached, fmt.Errorf("arena attach: module %q refused to attach", name)
		}
		attached = append(attached, name)
	}
	return attached, nil
}

// DetachFromArena calls DetachModule(arenaBroker) on every named
// module that implements ArenaDetacher, in reverse of the order they
// were attached.
func (m *Manager) DetachFromArena(arenaBroker *broker.Broker, names []string) {
	for i := len(names) - 1; i >= 0; i-- {
		l, ok := m.byName[names[i]]
		if !ok {
			continue
		}
		if d, ok := l.instance.(ArenaDetacher); ok {
			d.DetachModule(arenaBroker)
		}
	}
}
