package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"

	"github.com/sirupsen/logrus"

	"github.com/veilbreak/headless/internal/capability"
	"github.com/veilbreak/headless/internal/core"
	"github.com/veilbreak/headless/internal/events"
	"github.com/veilbreak/headless/internal/packets"
)

// ErrAlreadyStarted is returned when a start operation is attempted while
// the manager is already hosting.
var ErrAlreadyStarted = errors.New("transport already started")

// Network-visible singletons that the interactive path creates when a player
// reaches the world. With no interactive player present they have to be
// seeded into the session's object registry explicitly.
var seededNetworkObjects = []string{"GameState", "MachineNetwork", "PowerGrid"}

// Manager swaps the engine's active transport and owns the server/host/
// client role lifecycle.
type Manager struct {
	cfg    *core.Config
	logger *logrus.Logger
	sink   *events.Sink
	caps   *capability.Service

	// Root context under which transports run; set once at startup.
	ctx context.Context

	running  bool
	direct   *Direct
	original interface{}

	client *Conn
}

func NewManager(
	ctx context.Context,
	cfg *core.Config,
	logger *logrus.Logger,
	sink *events.Sink,
	caps *capability.Service,
) *Manager {
	return &Manager{
		ctx:    ctx,
		cfg:    cfg,
		logger: logger,
		sink:   sink,
		caps:   caps,
	}
}

func (m *Manager) Running() bool { return m.running }

// Notifications exposes the direct transport's event queue, nil until a
// server role has started.
func (m *Manager) Notifications() <-chan Notification {
	if m.direct == nil {
		return nil
	}
	return m.direct.Notifications()
}

// StartServer swaps in the direct transport and begins listening. Calling
// it while already running is a guarded no-op.
func (m *Manager) StartServer() error {
	if m.running {
		m.logger.Warnf("ignoring start request: %v", ErrAlreadyStarted)
		return nil
	}
	if !m.cfg.EnableDirectConnect {
		// Not configured; hosting by direct address is simply off.
		m.logger.Infof("direct connect disabled; not starting a server")
		return nil
	}

	if err := m.swapTransport(); err != nil {
		return fmt.Errorf("swapping engine transport: %w", err)
	}

	if err := m.direct.Listen(m.ctx, m.cfg.ListenAddress()); err != nil {
		m.restoreTransport()
		return err
	}
	m.running = true

	address := m.PublicAddress()
	m.logger.Infof("server started on %s (max players %d)", address, m.cfg.MaxPlayers)
	m.sink.Emit(events.ServerStart, "server started", map[string]string{
		"port":           strconv.Itoa(m.cfg.ServerPort),
		"address":        address,
		"maxConnections": strconv.Itoa(m.cfg.MaxPlayers),
	})
	return nil
}

// StartHost starts the server role and seeds the engine's network object
// registry with the singletons an interactive session would have created.
func (m *Manager) StartHost() error {
	if err := m.StartServer(); err != nil {
		return err
	}
	if !m.running {
		return nil
	}

	m.seedNetworkObjects()
	return nil
}

// Connect dials a remote host as a client, for the operator's
// connect-as-client control. Received frames are logged, not processed; the
// interactive client owns the real join flow.
func (m *Manager) Connect(address string, port int) error {
	target := net.JoinHostPort(address, strconv.Itoa(port))
	tcp, err := net.Dial("tcp", target)
	if err != nil {
		return fmt.Errorf("connecting to %s: %w", target, err)
	}

	m.client = newConn("client", tcp)
	m.logger.Infof("connected to %s as client", target)

	go func() {
		for {
			frameType, _, err := readConnFrame(m.client)
			if err != nil {
				m.logger.Infof("client connection to %s closed: %v", target, err)
				return
			}
			m.logger.Debugf("client received frame %#x from %s", frameType, target)
		}
	}()

	return m.client.SendFrame(packets.AuthRequestType, packets.AuthRequest{DisplayName: "Operator"})
}

// Stop tears down the active role and restores the engine's original
// transport. Safe to call when nothing is running.
func (m *Manager) Stop() error {
	if m.client != nil {
		_ = m.client.Close()
		m.client = nil
	}

	if !m.running {
		return nil
	}
	m.running = false

	var err error
	if m.direct != nil {
		err = m.direct.Close()
	}
	m.restoreTransport()

	m.logger.Infof("server stopped")
	m.sink.Emit(events.ServerStop, "server stopped", map[string]string{
		"port": strconv.Itoa(m.cfg.ServerPort),
	})
	return err
}

// PublicAddress prefers the explicitly configured public address and falls
// back to the first non-loopback IPv4 address of the machine.
func (m *Manager) PublicAddress() string {
	if m.cfg.PublicAddress != "" {
		return m.cfg.PublicAddress
	}
	return net.JoinHostPort(firstNonLoopbackIPv4(), strconv.Itoa(m.cfg.ServerPort))
}

// swapTransport stashes the engine's active transport and installs the
// direct transport in its place.
func (m *Manager) swapTransport() error {
	original, err := m.networkField("ActiveTransport")
	if err != nil {
		return err
	}
	m.original = original

	m.direct = NewDirect(m.logger, m.cfg.MaxPlayers)
	if _, err := m.invokeNetwork("ActiveTransport", m.direct); err != nil {
		return err
	}
	m.logger.Infof("swapped engine transport for %s", m.direct.Name())
	return nil
}

// restoreTransport puts the engine's original transport back. Failure here
// is logged and not propagated: the process is usually shutting down.
func (m *Manager) restoreTransport() {
	if m.original == nil {
		return
	}
	if _, err := m.invokeNetwork("ActiveTransport", m.original); err != nil {
		m.logger.Warnf("failed to restore original transport: %v", err)
		return
	}
	m.original = nil
	m.direct = nil
}

func (m *Manager) seedNetworkObjects() {
	for _, name := range seededNetworkObjects {
		target, err := m.caps.Find(name)
		if err != nil {
			m.logger.Warnf("cannot seed network object %s: %v", name, err)
			continue
		}
		if _, err := m.invokeNetwork("RegisterNetworkObject", name, target.Target); err != nil {
			m.logger.Warnf("failed to register network object %s: %v", name, err)
		}
	}
}

// networkField reads a field on the engine's network controller.
func (m *Manager) networkField(field string) (interface{}, error) {
	return m.invokeNetwork(field)
}

func (m *Manager) invokeNetwork(member string, args ...interface{}) (interface{}, error) {
	controller, err := m.caps.Find("NetworkController")
	if err != nil {
		return nil, err
	}
	handle, err := m.caps.FindMember(controller, member)
	if err != nil {
		return nil, err
	}
	return m.caps.Invoke(handle, controller.Target, args...)
}

func firstNonLoopbackIPv4() string {
	addrs, err := net.InterfaceAddrs()
	if err != nil {
		return "127.0.0.1"
	}

	for _, addr := range addrs {
		ipNet, ok := addr.(*net.IPNet)
		if !ok || ipNet.IP.IsLoopback() {
			continue
		}
		if ipv4 := ipNet.IP.To4(); ipv4 != nil {
			return ipv4.String()
		}
	}
	return "127.0.0.1"
}
