package internal

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/veilbreak/headless/internal/admission"
	"github.com/veilbreak/headless/internal/capability"
	"github.com/veilbreak/headless/internal/core"
	"github.com/veilbreak/headless/internal/events"
	"github.com/veilbreak/headless/internal/heartbeat"
	"github.com/veilbreak/headless/internal/hostengine"
	"github.com/veilbreak/headless/internal/session"
	"github.com/veilbreak/headless/internal/transport"
)

// Controller is the main entrypoint for the headless host. It's responsible
// for initializing any shared resources (such as logging and the event sink),
// wiring the bootstrap pipeline together, and running the heartbeat loop that
// drives everything else.
type Controller struct {
	Config *core.Config

	logger   *logrus.Logger
	sink     *events.Sink
	engine   *hostengine.Engine
	caps     *capability.Service
	loader   *session.Loader
	manager  *transport.Manager
	admitter *admission.Admitter
	beat     *heartbeat.Beat

	// Operator commands arrive from other goroutines (stdin, signals) but
	// must execute on the main execution context; they queue here and run
	// inside the next tick.
	ops chan func()
}

func NewController(config *core.Config) *Controller {
	return &Controller{
		Config: config,
		ops:    make(chan func(), 16),
	}
}

// Start initializes every component and then blocks in the heartbeat loop
// until the context is cancelled. The calling goroutine becomes the main
// execution context.
func (c *Controller) Start(ctx context.Context) {
	defer c.Shutdown()

	var err error
	// Set up the logger, which will be used by all components.
	c.logger, err = core.NewLogger(c.Config)
	if err != nil {
		fmt.Printf("error initializing logger: %v\n", err)
		return
	}

	c.sink, err = events.NewSink(c.Config, c.logger)
	if err != nil {
		c.logger.Errorf("error initializing event sink: %v", err)
		return
	}

	c.engine = hostengine.New()
	c.caps = capability.NewService(c.engine, c.logger)
	c.manager = transport.NewManager(ctx, c.Config, c.logger, c.sink, c.caps)
	c.loader = session.NewLoader(c.Config, c.logger, c.sink, c.caps, c.manager)
	c.admitter = admission.NewAdmitter(c.Config, c.logger, c.sink, c.caps, c.loader.Blob)

	c.beat = heartbeat.New(c.logger, c.tick)
	c.beat.AddSource(&heartbeat.IntervalSource{Every: time.Second})
	if c.Config.HeadlessMode {
		// With no display the interval timer is the only native trigger;
		// add the independent sleeper so a stalled timer cannot stop the
		// whole bootstrap.
		c.beat.AddSource(&heartbeat.SleeperSource{Every: 1500 * time.Millisecond})
	}

	c.logger.Infof("headless host starting (headless_mode=%v, direct_connect=%v)",
		c.Config.HeadlessMode, c.Config.EnableDirectConnect)

	c.beat.Run(ctx)
}

// tick is the single heartbeat entry point. Ordering matters: the engine
// advances its frame first, the bootstrap reacts to the new engine state,
// transport events are folded in, and finally per-connection admission runs.
func (c *Controller) tick(now time.Time) {
	c.runQueuedOps()

	c.engine.Advance()
	c.loader.Tick(now)
	c.drainNotifications(now)
	c.admitter.Tick(now)
}

func (c *Controller) runQueuedOps() {
	for {
		select {
		case op := <-c.ops:
			op()
		default:
			return
		}
	}
}

// drainNotifications moves any pending transport events onto the main
// execution context. The channel is nil until a server role has started, in
// which case there is nothing to drain.
func (c *Controller) drainNotifications(now time.Time) {
	for {
		select {
		case notification := <-c.manager.Notifications():
			c.dispatch(notification, now)
		default:
			return
		}
	}
}

func (c *Controller) dispatch(notification transport.Notification, now time.Time) {
	switch notification.Kind {
	case transport.PeerConnected:
		c.admitter.HandleConnect(notification.Conn, now)
	case transport.PeerDisconnected:
		c.admitter.HandleDisconnect(notification.Conn.ID(), now)
	case transport.FrameReceived:
		c.admitter.HandleFrame(notification.Conn.ID(), notification.FrameType, notification.Body)
	}
}

// enqueue schedules an operator command for the next tick and pokes the beat
// so it runs promptly. A full queue drops the command; the operator can retry.
func (c *Controller) enqueue(op func()) bool {
	select {
	case c.ops <- op:
	default:
		return false
	}
	if c.beat != nil {
		c.beat.Poke()
	}
	return true
}

// StartHosting requests the server-and-host role, same as the automatic path
// taken when the session finishes loading.
func (c *Controller) StartHosting() {
	c.enqueue(func() {
		if err := c.manager.StartHost(); err != nil {
			c.logger.Errorf("error starting host: %v", err)
		}
	})
}

// ConnectAsClient dials the local server as a loopback client, used to verify
// the admission path end to end from the operator console.
func (c *Controller) ConnectAsClient() {
	c.enqueue(func() {
		if err := c.manager.Connect("127.0.0.1", c.Config.ServerPort); err != nil {
			c.logger.Errorf("error connecting as client: %v", err)
		}
	})
}

// StopHosting tears the server role down and restores the engine's original
// transport.
func (c *Controller) StopHosting() {
	c.enqueue(func() {
		if err := c.manager.Stop(); err != nil {
			c.logger.Errorf("error stopping host: %v", err)
		}
	})
}

// Status renders the operator status report. The snapshot is taken on the
// main execution context so it is internally consistent.
func (c *Controller) Status() string {
	result := make(chan string, 1)
	if !c.enqueue(func() { result <- c.renderStatus() }) {
		return "status unavailable: command queue full\n"
	}

	select {
	case report := <-result:
		return report
	case <-time.After(3 * time.Second):
		return "status unavailable: heartbeat not responding\n"
	}
}

func (c *Controller) renderStatus() string {
	var report strings.Builder

	fmt.Fprintf(&report, "bootstrap: %s\n", c.loader.State())
	if c.manager.Running() {
		fmt.Fprintf(&report, "hosting:   %s\n", c.manager.PublicAddress())
	} else {
		report.WriteString("hosting:   off\n")
	}

	snapshots := c.admitter.Snapshots()
	fmt.Fprintf(&report, "players:   %d/%d\n", len(snapshots), c.Config.MaxPlayers)
	for _, snapshot := range snapshots {
		fmt.Fprintf(&report, "  %-8s %-20s %s", snapshot.ID, snapshot.DisplayName, snapshot.State)
		if snapshot.ChunksTotal > 0 {
			fmt.Fprintf(&report, " (%d/%d chunks)", snapshot.ChunksSent, snapshot.ChunksTotal)
		}
		report.WriteByte('\n')
	}

	if c.Config.AutoLoadSlot >= 0 {
		slotDir := session.SlotDir(c.Config.Session.SavesDir, c.Config.AutoLoadSlot)
		saves, err := session.ListSaves(slotDir)
		if err != nil {
			fmt.Fprintf(&report, "slot %d:    unreadable (%v)\n", c.Config.AutoLoadSlot, err)
		} else {
			fmt.Fprintf(&report, "slot %d:    %d saves\n", c.Config.AutoLoadSlot, len(saves))
			for _, save := range saves {
				fmt.Fprintf(&report, "  %s (%s)\n", save.Path, save.ModTime.Format(time.RFC3339))
			}
		}
	}

	return report.String()
}

// Shutdown runs after the heartbeat loop exits, on what was the main
// execution context, so no tick can race it.
func (c *Controller) Shutdown() {
	if c.manager != nil && c.manager.Running() {
		if err := c.manager.Stop(); err != nil {
			c.logger.Errorf("error stopping transport during shutdown: %v", err)
		}
	}
	if c.sink != nil {
		if err := c.sink.Close(); err != nil {
			c.logger.Errorf("error closing event sink: %v", err)
		}
	}
	if c.logger != nil {
		c.logger.Info("headless host stopped")
	}
}
