// Package session drives the engine from a cold headless start to a hosted
// world. The loader is a tick-driven state machine: every phase either makes
// progress, waits for a later tick, or exhausts its attempt budget and fails.
// Nothing here blocks; a waiting phase simply returns control.
package session

import (
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/veilbreak/headless/internal/capability"
	"github.com/veilbreak/headless/internal/core"
	"github.com/veilbreak/headless/internal/events"
	"github.com/veilbreak/headless/internal/heartbeat"
)

// State is the bootstrap phase. Exactly one loader exists per process and
// its state only advances on the heartbeat tick.
type State int

const (
	Idle State = iota
	AwaitingEngineReady
	LoadingSession
	AwaitingWorldReady
	Hosting
	Failed
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case AwaitingEngineReady:
		return "awaiting_engine_ready"
	case LoadingSession:
		return "loading_session"
	case AwaitingWorldReady:
		return "awaiting_world_ready"
	case Hosting:
		return "hosting"
	case Failed:
		return "failed"
	default:
		return fmt.Sprintf("unknown(%d)", int(s))
	}
}

// Phase names used with the attempt guard.
const (
	phaseEngineReady  = "engine_ready"
	phaseLoadSession  = "load_session"
	phaseWorldReady   = "world_ready"
	phaseStartHosting = "start_hosting"
)

// World service singletons that must exist before clients are admitted, and
// the scene the engine is expected to have loaded by then.
var (
	worldProbeTargets  = []string{"GameState", "MachineNetwork", "PowerGrid"}
	expectedWorldScene = "World"
)

// HostStarter begins hosting once the world is ready. Implemented by the
// transport role manager.
type HostStarter interface {
	StartHost() error
}

// Loader owns the bootstrap state machine and the cached session blob.
type Loader struct {
	cfg    *core.Config
	logger *logrus.Logger
	sink   *events.Sink
	caps   *capability.Service
	host   HostStarter
	guards *heartbeat.AttemptGuard

	state State
	blob  *Blob

	// Forward-dated world probe: the engine needs time to construct world
	// objects after the load call, so the first check is scheduled rather
	// than immediate.
	worldCheckAt time.Time

	lastScreenIndex  int
	screenObservedAt time.Time
	screenObserved   bool
}

func NewLoader(
	cfg *core.Config,
	logger *logrus.Logger,
	sink *events.Sink,
	caps *capability.Service,
	host HostStarter,
) *Loader {
	return &Loader{
		cfg:    cfg,
		logger: logger,
		sink:   sink,
		caps:   caps,
		host:   host,
		guards: heartbeat.NewAttemptGuard(),
		state:  Idle,
	}
}

func (l *Loader) State() State { return l.state }

// Blob returns the cached session blob, nil until a save has been read. The
// blob is read-only and safely shared once non-nil.
func (l *Loader) Blob() *Blob { return l.blob }

// Tick advances the state machine by at most one transition. Must only be
// called from the main execution context.
func (l *Loader) Tick(now time.Time) {
	switch l.state {
	case Idle:
		l.tickIdle()
	case AwaitingEngineReady:
		l.tickAwaitingEngineReady()
	case LoadingSession:
		l.tickLoadingSession(now)
	case AwaitingWorldReady:
		l.tickAwaitingWorldReady(now)
	case Hosting, Failed:
		// Terminal states.
	}
}

// tickIdle leaves the loader idle permanently unless a session source is
// configured and auto-start is on. Absence of configuration is not an error.
func (l *Loader) tickIdle() {
	if !l.cfg.SessionConfigured() || !l.cfg.AutoStartServer {
		return
	}

	l.logger.Infof("session bootstrap starting (save=%q slot=%d)",
		l.cfg.AutoLoadSave, l.cfg.AutoLoadSlot)
	l.state = AwaitingEngineReady
}

// tickAwaitingEngineReady polls for the engine's session facility, bounded
// by the configured attempt budget.
func (l *Loader) tickAwaitingEngineReady() {
	attempt := l.guards.Next(phaseEngineReady)

	if _, err := l.caps.Find("SessionController"); err != nil {
		if attempt >= l.cfg.Session.EngineReadyAttempts {
			l.fail(fmt.Sprintf("engine session facility never appeared after %d attempts", attempt))
		}
		return
	}

	l.logger.Debugf("engine session facility found after %d attempts", attempt)
	l.state = LoadingSession
}

// tickLoadingSession reads the save, invokes the engine's load operation,
// and caches the blob. The load is attempted exactly once: there is nothing
// to retry from if it faults, so failure is terminal.
func (l *Loader) tickLoadingSession(now time.Time) {
	if !l.guards.Once(phaseLoadSession) {
		return
	}

	savePath, err := l.resolveSavePath()
	if err != nil {
		l.fail(fmt.Sprintf("resolving save: %v", err))
		return
	}

	blob, err := ReadBlob(savePath)
	if err != nil {
		l.fail(fmt.Sprintf("reading save %s: %v", savePath, err))
		return
	}

	if _, err := l.invoke("SessionController", "LoadSession", blob.Stratum, blob.Payload); err != nil {
		l.fail(fmt.Sprintf("engine load-session operation faulted: %v", err))
		return
	}

	// Cache the blob and flip the engine's save-succeeded flag, which its
	// replication logic consults. The cached copy is what every joining
	// client will receive.
	l.blob = blob
	if _, err := l.invoke("SessionController", "SaveSucceeded", true); err != nil {
		l.logger.Warnf("could not mark save succeeded on the engine: %v", err)
	}

	delay := time.Duration(l.cfg.Session.WorldReadyDelaySeconds) * time.Second
	l.worldCheckAt = now.Add(delay)
	l.logger.Infof("session %s loaded (stratum %q), world probe in %s", savePath, blob.Stratum, delay)
	l.state = AwaitingWorldReady
}

// tickAwaitingWorldReady probes the world subsystems. Three ways forward:
// the probes and the readiness screen agree (normal), the screen is wedged
// but the world exists (forced ghost transition), or the budget runs out.
func (l *Loader) tickAwaitingWorldReady(now time.Time) {
	if now.Before(l.worldCheckAt) {
		return
	}

	attempt := l.guards.Next(phaseWorldReady)
	missing := l.missingWorldServices()

	if len(missing) == 0 {
		if l.screenReady() {
			l.enterHosting("world ready")
			return
		}
		if l.screenStalled(now) {
			// Liveness over the UI affordance: with no display the ready
			// screen may never advance, so progress is forced and logged.
			l.logger.Warnf("readiness screen stalled at index %d; forcing world-ready transition",
				l.lastScreenIndex)
			l.enterHosting("ghost fallback")
			return
		}
	}

	if attempt >= l.cfg.Session.WorldReadyAttempts {
		l.fail(fmt.Sprintf("world not ready after %d attempts; missing services: %v", attempt, missing))
	}
}

// missingWorldServices returns the probe targets that do not resolve yet.
// Individual probe failures are transient until the budget says otherwise.
func (l *Loader) missingWorldServices() []string {
	var missing []string
	for _, target := range worldProbeTargets {
		if _, err := l.caps.Find(target); err != nil {
			missing = append(missing, target)
		}
	}
	return missing
}

// screenReady reads the engine's screen index and reports whether the flow
// reached the world-ready screen. An unreadable screen counts as not ready.
func (l *Loader) screenReady() bool {
	result, err := l.invoke("MenuController", "AtWorldReadyScreen")
	if err != nil {
		return false
	}
	ready, ok := result.(bool)
	return ok && ready
}

// screenStalled tracks the screen index across ticks and reports whether it
// has sat on the same value past the stall timeout.
func (l *Loader) screenStalled(now time.Time) bool {
	result, err := l.invoke("MenuController", "ScreenIndex")
	if err != nil {
		return false
	}
	index, ok := result.(int)
	if !ok {
		return false
	}

	if !l.screenObserved || index != l.lastScreenIndex {
		l.lastScreenIndex = index
		l.screenObservedAt = now
		l.screenObserved = true
		return false
	}

	stall := time.Duration(l.cfg.Session.ScreenStallSeconds) * time.Second
	return now.Sub(l.screenObservedAt) >= stall
}

// enterHosting force-loads any missing scene, then starts hosting exactly
// once.
func (l *Loader) enterHosting(reason string) {
	if l.blob == nil || l.blob.Payload == "" {
		l.fail("refusing to host without a cached session blob")
		return
	}

	if !l.sceneLoaded(expectedWorldScene) {
		l.logger.Warnf("scene %q not loaded; force-loading it", expectedWorldScene)
		if _, err := l.invoke("SceneDirector", "ForceLoad", expectedWorldScene); err != nil {
			l.fail(fmt.Sprintf("force-loading scene %q: %v", expectedWorldScene, err))
			return
		}
	}

	if !l.guards.Once(phaseStartHosting) {
		return
	}

	if err := l.host.StartHost(); err != nil {
		l.fail(fmt.Sprintf("starting host: %v", err))
		return
	}

	l.logger.Infof("hosting started (%s)", reason)
	l.state = Hosting
}

func (l *Loader) sceneLoaded(name string) bool {
	result, err := l.invoke("SceneDirector", "IsLoaded", name)
	if err != nil {
		return false
	}
	loaded, ok := result.(bool)
	return ok && loaded
}

// fail moves the loader to its terminal failure state. There is no operator
// to ask and no automatic retry; the diagnosis goes to the log and the event
// sink, and the process has to be restarted.
func (l *Loader) fail(diagnostic string) {
	l.logger.Errorf("session bootstrap failed: %s", diagnostic)
	l.sink.Emit(events.SessionFailed, diagnostic, map[string]string{
		"state": l.state.String(),
	})
	l.state = Failed
}

func (l *Loader) resolveSavePath() (string, error) {
	if l.cfg.AutoLoadSave != "" {
		return l.cfg.AutoLoadSave, nil
	}
	if l.cfg.AutoLoadSlot >= 0 {
		return newestSave(l.cfg.Session.SavesDir, l.cfg.AutoLoadSlot)
	}
	return "", errors.New("no save source configured")
}

// invoke resolves and calls one engine member through the capability
// service. Every error means "unavailable this tick".
func (l *Loader) invoke(typeName, member string, args ...interface{}) (interface{}, error) {
	target, err := l.caps.Find(typeName)
	if err != nil {
		return nil, err
	}
	handle, err := l.caps.FindMember(target, member)
	if err != nil {
		return nil, err
	}
	return l.caps.Invoke(handle, target.Target, args...)
}
