// Package hostengine is the facade over the embedded game engine that this
// process operates headlessly. The bootstrap layers never call the engine's
// subsystems directly; everything above observes and nudges them through the
// capability lookup service, the same way it would against the real engine's
// opaque modules.
package hostengine

import (
	"errors"
	"fmt"
	"sort"
)

// Module is one independently loaded engine module exposing named singleton
// objects. The same type name is never registered by two modules, but callers
// cannot know which module defines a given type and must scan all of them.
type Module struct {
	name    string
	objects map[string]interface{}
}

func NewModule(name string) *Module {
	return &Module{name: name, objects: make(map[string]interface{})}
}

func (m *Module) Name() string { return m.name }

// Register exposes an object under typeName. Re-registering replaces the
// previous object, mirroring an engine module reloading a singleton.
func (m *Module) Register(typeName string, object interface{}) {
	m.objects[typeName] = object
}

func (m *Module) Lookup(typeName string) (interface{}, bool) {
	object, ok := m.objects[typeName]
	return object, ok
}

// TypeNames returns the names registered in this module in sorted order.
func (m *Module) TypeNames() []string {
	names := make([]string, 0, len(m.objects))
	for name := range m.objects {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Engine simulates the host engine's observable surface: a set of loaded
// modules, a frame counter, and the subsystems the bootstrap needs to poke.
// Advance is the engine's frame pump; in headless mode nothing else drives
// it, so the heartbeat consumer calls it once per tick.
type Engine struct {
	modules []*Module

	frame uint64

	session *SessionController
	menu    *MenuController
	scenes  *SceneDirector
	network *NetworkController

	// Frame counts before the engine finishes constructing world objects
	// after a session load. Zero means the frame after the load call.
	WorldBuildFrames uint64

	worldModule  *Module
	worldDueAt   uint64
	worldPending bool
}

// New constructs an engine with its core modules loaded but no world; the
// world module is populated only after a session load completes, the same
// visible behavior as the real engine.
func New() *Engine {
	e := &Engine{
		WorldBuildFrames: 3,
	}

	e.session = &SessionController{engine: e}
	e.menu = &MenuController{}
	e.scenes = NewSceneDirector()
	e.network = NewNetworkController()

	coreModule := NewModule("engine.core")
	coreModule.Register("SessionController", e.session)
	coreModule.Register("MenuController", e.menu)
	coreModule.Register("SceneDirector", e.scenes)

	netModule := NewModule("engine.netcode")
	netModule.Register("NetworkController", e.network)

	e.worldModule = NewModule("engine.world")

	e.modules = []*Module{coreModule, netModule, e.worldModule}
	return e
}

// Modules returns every loaded module. The slice is stable for the life of
// the engine; module contents change as the engine initializes further.
func (e *Engine) Modules() []*Module {
	return e.modules
}

func (e *Engine) Frame() uint64 { return e.frame }

// Advance runs one engine frame. Must only be called from the main execution
// context.
func (e *Engine) Advance() {
	e.frame++

	if e.worldPending && e.frame >= e.worldDueAt {
		e.buildWorld()
	}

	e.menu.advance(e.worldModule.hasWorld())
}

// buildWorld registers the world service singletons and loads the world
// scene, which is what the readiness probes look for.
func (e *Engine) buildWorld() {
	e.worldPending = false

	e.worldModule.Register("GameState", &GameState{Stratum: e.session.loadedStratum})
	e.worldModule.Register("MachineNetwork", &MachineNetwork{})
	e.worldModule.Register("PowerGrid", &PowerGrid{})

	e.scenes.markLoaded("World")
}

func (m *Module) hasWorld() bool {
	_, ok := m.objects["GameState"]
	return ok
}

// SessionController is the engine's session-management facility. It only
// exists once the engine core has initialized, which is why the bootstrap
// polls for it instead of assuming it.
type SessionController struct {
	engine *Engine

	// Set by the bootstrap after caching the session blob; the engine's own
	// replication logic consults it.
	SaveSucceeded bool

	loaded        bool
	loadedStratum string
}

// LoadSession asks the engine to deserialize and construct a world from the
// save payload. World objects appear several frames later, not synchronously.
func (s *SessionController) LoadSession(stratum string, payload string) error {
	if len(payload) == 0 {
		return errors.New("session payload is empty")
	}
	if s.loaded {
		return fmt.Errorf("a session is already loaded")
	}

	s.loaded = true
	s.loadedStratum = stratum
	s.engine.worldPending = true
	s.engine.worldDueAt = s.engine.frame + s.engine.WorldBuildFrames
	return nil
}

func (s *SessionController) Loaded() bool { return s.loaded }

// MenuController models the engine's screen flow. ScreenIndex normally
// advances each frame until the world-ready screen; with no display attached
// it can wedge on an intermediate screen, which the bootstrap detects by the
// index not moving.
type MenuController struct {
	ScreenIndex int

	// Simulates the wedged headless screen flow.
	Stuck bool
}

const worldReadyScreen = 5

func (m *MenuController) advance(worldBuilt bool) {
	if m.Stuck || !worldBuilt {
		return
	}
	if m.ScreenIndex < worldReadyScreen {
		m.ScreenIndex++
	}
}

// AtWorldReadyScreen reports whether the screen flow reached the state that
// normally signals a playable world.
func (m *MenuController) AtWorldReadyScreen() bool {
	return m.ScreenIndex >= worldReadyScreen
}

// SceneDirector tracks which engine scenes are loaded and allows forcing a
// synchronous load, the last-resort path when the normal flow never loads
// them.
type SceneDirector struct {
	loaded map[string]bool
}

func NewSceneDirector() *SceneDirector {
	return &SceneDirector{loaded: make(map[string]bool)}
}

func (d *SceneDirector) markLoaded(name string) {
	d.loaded[name] = true
}

func (d *SceneDirector) IsLoaded(name string) bool {
	return d.loaded[name]
}

// ForceLoad synchronously loads a scene regardless of the engine's normal
// progression.
func (d *SceneDirector) ForceLoad(name string) error {
	if name == "" {
		return errors.New("scene name is empty")
	}
	d.loaded[name] = true
	return nil
}

// World service singletons probed for readiness.

type GameState struct {
	Stratum string
}

type MachineNetwork struct{}

type PowerGrid struct{}
