// Package admission walks each incoming connection from transport-level
// accept to a fully transferred world state: authenticate, bind a player
// object, then push the cached session blob in chunks. Each connection is
// handled in isolation; one peer's fault never disturbs the others' ticks.
package admission

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/text/cases"
	"golang.org/x/text/language"

	"github.com/veilbreak/headless/internal/capability"
	"github.com/veilbreak/headless/internal/core"
	"github.com/veilbreak/headless/internal/events"
	"github.com/veilbreak/headless/internal/hostengine"
	"github.com/veilbreak/headless/internal/packets"
	"github.com/veilbreak/headless/internal/session"
)

// ConnState is a connection's position in the admission sequence. The order
// is enforced here, by state, not by network message ordering.
type ConnState int

const (
	Connected ConnState = iota
	Authenticating
	Authenticated
	PlayerSpawned
	TransferInProgress
	TransferComplete
)

func (s ConnState) String() string {
	switch s {
	case Connected:
		return "connected"
	case Authenticating:
		return "authenticating"
	case Authenticated:
		return "authenticated"
	case PlayerSpawned:
		return "player_spawned"
	case TransferInProgress:
		return "transfer_in_progress"
	case TransferComplete:
		return "transfer_complete"
	default:
		return fmt.Sprintf("unknown(%d)", int(s))
	}
}

// Sender is the transport-facing side of a connection.
type Sender interface {
	ID() string
	Address() string
	SendFrame(frameType uint16, body interface{}) error
}

// TransferSession tracks one connection's chunked state transfer. Created
// lazily when the connection becomes eligible, destroyed with it.
type TransferSession struct {
	Total    int
	Next     int
	Complete bool
}

// Connection is the admission-side record of one remote peer.
type Connection struct {
	ID          string
	Address     string
	State       ConnState
	ConnectedAt time.Time
	DisplayName string

	sender Sender
	player *hostengine.PlayerObject

	authStartedAt time.Time
	authFaulted   bool

	transferDueAt time.Time
	transfer      *TransferSession
}

// Admitter owns every Connection and advances them on the heartbeat tick.
// All mutation happens on the main execution context.
type Admitter struct {
	cfg    *core.Config
	logger *logrus.Logger
	sink   *events.Sink
	caps   *capability.Service

	// blob returns the cached session state, nil until the loader has read
	// a save. Read-only and shared by every connection once non-nil.
	blob func() *session.Blob

	conns map[string]*Connection
}

func NewAdmitter(
	cfg *core.Config,
	logger *logrus.Logger,
	sink *events.Sink,
	caps *capability.Service,
	blob func() *session.Blob,
) *Admitter {
	return &Admitter{
		cfg:    cfg,
		logger: logger,
		sink:   sink,
		caps:   caps,
		blob:   blob,
		conns:  make(map[string]*Connection),
	}
}

// HandleConnect records a new transport-level connection and greets the peer.
func (a *Admitter) HandleConnect(peer Sender, now time.Time) {
	if _, exists := a.conns[peer.ID()]; exists {
		a.logger.Warnf("duplicate connect notification for %s; dropping it", peer.ID())
		return
	}

	conn := &Connection{
		ID:          peer.ID(),
		Address:     peer.Address(),
		State:       Connected,
		ConnectedAt: now,
		DisplayName: "Player-" + peer.ID(),
		sender:      peer,
	}
	a.conns[conn.ID] = conn

	a.logger.Infof("connection %s admitted from %s (%d connected)", conn.ID, conn.Address, len(a.conns))
	a.sink.Emit(events.PlayerConnect, "player connected", map[string]string{
		"connectionId": conn.ID,
		"address":      conn.Address,
		"playerCount":  strconv.Itoa(len(a.conns)),
	})

	if err := peer.SendFrame(packets.HelloType, packets.Hello{
		ServerName: "dedicated",
		MaxPlayers: a.cfg.MaxPlayers,
	}); err != nil {
		a.logger.Warnf("failed to greet %s: %v", conn.ID, err)
	}
}

// HandleDisconnect releases all per-connection state, including any
// in-flight transfer, and reports the connected duration.
func (a *Admitter) HandleDisconnect(id string, now time.Time) {
	conn, ok := a.conns[id]
	if !ok {
		return
	}
	delete(a.conns, id)

	a.releasePlayer(conn)

	connectedFor := now.Sub(conn.ConnectedAt).Round(time.Second)
	a.logger.Infof("connection %s disconnected after %s (%d connected)", id, connectedFor, len(a.conns))
	a.sink.Emit(events.PlayerDisconnect, "player disconnected", map[string]string{
		"connectionId": conn.ID,
		"connectedFor": connectedFor.String(),
		"playerCount":  strconv.Itoa(len(a.conns)),
	})
}

// HandleFrame processes one frame from an admitted peer. Frames from ids
// with no Connection are ignored; the disconnect path may have raced them.
func (a *Admitter) HandleFrame(id string, frameType uint16, body []byte) {
	conn, ok := a.conns[id]
	if !ok {
		return
	}

	switch frameType {
	case packets.AuthRequestType:
		var request packets.AuthRequest
		if err := packets.Decode(body, &request); err != nil {
			a.logger.Warnf("malformed auth request from %s: %v", id, err)
			return
		}
		// Remember the requested name but hold the identified event until
		// the peer formally identifies itself.
		if name := normalizeDisplayName(request.DisplayName); name != "" {
			conn.DisplayName = name
		}

	case packets.IdentifyType:
		var identify packets.Identify
		if err := packets.Decode(body, &identify); err != nil {
			a.logger.Warnf("malformed identify from %s: %v", id, err)
			return
		}
		a.identify(conn, identify.DisplayName)

	default:
		a.logger.Debugf("ignoring frame %#x from %s", frameType, id)
	}
}

// identify updates the display name once the peer reports it. Never
// re-triggers a transfer.
func (a *Admitter) identify(conn *Connection, displayName string) {
	displayName = normalizeDisplayName(displayName)
	if displayName == "" || displayName == conn.DisplayName {
		return
	}

	conn.DisplayName = displayName
	if conn.player != nil {
		conn.player.DisplayName = displayName
	}

	a.logger.Infof("connection %s identified as %q", conn.ID, displayName)
	a.sink.Emit(events.PlayerIdentified, "player identified", map[string]string{
		"connectionId": conn.ID,
		"displayName":  displayName,
	})
}

// Tick advances every connection's admission state machine. Connections are
// visited in admission order; a panic while advancing one is contained and
// the rest still run.
func (a *Admitter) Tick(now time.Time) {
	for _, conn := range a.ordered() {
		a.advance(conn, now)
	}
}

func (a *Admitter) ordered() []*Connection {
	conns := make([]*Connection, 0, len(a.conns))
	for _, conn := range a.conns {
		conns = append(conns, conn)
	}
	sort.Slice(conns, func(i, j int) bool {
		if conns[i].ConnectedAt.Equal(conns[j].ConnectedAt) {
			return conns[i].ID < conns[j].ID
		}
		return conns[i].ConnectedAt.Before(conns[j].ConnectedAt)
	})
	return conns
}

func (a *Admitter) advance(conn *Connection, now time.Time) {
	defer func() {
		if recovered := recover(); recovered != nil {
			a.logger.Errorf("fault advancing connection %s in state %s: %v",
				conn.ID, conn.State, recovered)
		}
	}()

	switch conn.State {
	case Connected:
		conn.State = Authenticating
		conn.authStartedAt = now

	case Authenticating:
		a.authenticate(conn, now)

	case Authenticated:
		a.spawnPlayer(conn, now)

	case PlayerSpawned:
		a.beginTransfer(conn, now)

	case TransferInProgress, TransferComplete:
		// Re-entrancy guard: state transfer happens at most once per
		// connection, so these are skipped on subsequent polls.
	}
}

// authenticate tries the engine's authenticator first, falls back to the
// manual handshake after a short delay, and force-authenticates after the
// longer timeout so no connection hangs here forever.
func (a *Admitter) authenticate(conn *Connection, now time.Time) {
	authenticator := a.engineAuthenticator()

	if authenticator != nil && !conn.authFaulted {
		if err := accept(authenticator, conn.ID, conn.Address); err != nil {
			conn.authFaulted = true
			a.logger.Warnf("engine authenticator rejected %s: %v; will fall back", conn.ID, err)
		} else {
			a.markAuthenticated(conn, "engine")
			return
		}
	}

	fallbackAfter := time.Duration(a.cfg.Admission.AuthFallbackDelaySeconds) * time.Second
	forceAfter := time.Duration(a.cfg.Admission.AuthForceTimeoutSeconds) * time.Second
	waited := now.Sub(conn.authStartedAt)

	noAuthenticator := authenticator == nil || conn.authFaulted
	if (noAuthenticator && waited >= fallbackAfter) || waited >= forceAfter {
		a.manualHandshake(conn)
	}
}

// manualHandshake synthesizes the authentication-success message the engine
// would normally send and marks the connection authenticated locally.
func (a *Admitter) manualHandshake(conn *Connection) {
	if err := conn.sender.SendFrame(packets.AuthSuccessType, packets.AuthSuccess{
		ConnectionID: conn.ID,
		Message:      "Welcome to the server",
	}); err != nil {
		a.logger.Warnf("failed to send manual auth success to %s: %v", conn.ID, err)
		return
	}
	a.markAuthenticated(conn, "manual fallback")
}

func (a *Admitter) markAuthenticated(conn *Connection, how string) {
	a.logger.Infof("connection %s authenticated (%s)", conn.ID, how)
	conn.State = Authenticated
}

// spawnPlayer binds a player object instantiated from the engine's template.
// The engine's ready flag is advisory only: headless it may never flip, so
// admission proceeds without it.
func (a *Admitter) spawnPlayer(conn *Connection, now time.Time) {
	result, err := a.invokeNetwork("SpawnPlayer", conn.ID)
	if err != nil {
		a.logger.Warnf("failed to spawn player for %s: %v; retrying next tick", conn.ID, err)
		return
	}

	player, ok := result.(*hostengine.PlayerObject)
	if !ok {
		a.logger.Errorf("engine returned unexpected player object %T for %s; dropping connection",
			result, conn.ID)
		a.drop(conn, now)
		return
	}

	player.DisplayName = conn.DisplayName
	conn.player = player
	if !player.Ready {
		a.logger.Debugf("connection %s not engine-ready; proceeding anyway", conn.ID)
	}

	conn.State = PlayerSpawned
	conn.transferDueAt = now.Add(time.Duration(a.cfg.Transfer.BeginDelaySeconds) * time.Second)
}

// beginTransfer sends the stratum header and then every chunk of the cached
// blob, in order, over the already reliable channel. Entered at most once
// per connection.
func (a *Admitter) beginTransfer(conn *Connection, now time.Time) {
	blob := a.blob()
	if blob == nil {
		// The loader has not cached a session yet; nothing to send.
		return
	}
	if now.Before(conn.transferDueAt) {
		return
	}
	if conn.transfer != nil {
		return
	}

	conn.State = TransferInProgress
	chunks := splitChunks(blob.Payload, a.cfg.Transfer.ChunkSize)
	conn.transfer = &TransferSession{Total: len(chunks)}

	// The stratum goes first, as its own addressed message, so the client
	// can orient itself before the bulk payload arrives.
	if err := conn.sender.SendFrame(packets.StratumType, packets.Stratum{Stratum: blob.Stratum}); err != nil {
		a.logger.Warnf("failed to send stratum to %s: %v", conn.ID, err)
		return
	}

	for index, chunk := range chunks {
		err := conn.sender.SendFrame(packets.WorldChunkType, packets.WorldChunk{
			Index: index,
			Total: len(chunks),
			Data:  chunk,
		})
		if err != nil {
			// The channel is reliable; a failed write means the peer is
			// going away. The disconnect path will clean up.
			a.logger.Warnf("transfer to %s aborted at chunk %d/%d: %v",
				conn.ID, index, len(chunks), err)
			return
		}
		conn.transfer.Next = index + 1
	}

	conn.transfer.Complete = true
	conn.State = TransferComplete
	a.logger.Infof("transferred %d chunks (%d bytes) to %s",
		len(chunks), len(blob.Payload), conn.ID)
}

// drop disconnects a connection that violated the admission protocol.
func (a *Admitter) drop(conn *Connection, now time.Time) {
	if closer, ok := conn.sender.(interface{ Close() error }); ok {
		_ = closer.Close()
	}
	a.HandleDisconnect(conn.ID, now)
}

func (a *Admitter) releasePlayer(conn *Connection) {
	if conn.player == nil {
		return
	}
	if _, err := a.invokeNetwork("ReleasePlayer", conn.ID); err != nil {
		a.logger.Debugf("failed to release player for %s: %v", conn.ID, err)
	}
	conn.player = nil
}

// engineAuthenticator reads the engine's optional authenticator; nil when
// the engine does not define one.
func (a *Admitter) engineAuthenticator() hostengine.Authenticator {
	result, err := a.invokeNetwork("Authenticator")
	if err != nil || result == nil {
		return nil
	}
	authenticator, ok := result.(hostengine.Authenticator)
	if !ok {
		return nil
	}
	return authenticator
}

// accept invokes the engine authenticator with panic containment; a fault
// is a rejection, not a crash.
func accept(authenticator hostengine.Authenticator, id, address string) (err error) {
	defer func() {
		if recovered := recover(); recovered != nil {
			err = fmt.Errorf("authenticator fault: %v", recovered)
		}
	}()
	return authenticator.Accept(id, address)
}

func (a *Admitter) invokeNetwork(member string, args ...interface{}) (interface{}, error) {
	controller, err := a.caps.Find("NetworkController")
	if err != nil {
		return nil, err
	}
	handle, err := a.caps.FindMember(controller, member)
	if err != nil {
		return nil, err
	}
	return a.caps.Invoke(handle, controller.Target, args...)
}

// splitChunks cuts the payload into chunks of at most size characters. The
// boundaries fall on rune boundaries so multi-byte text survives the JSON
// encoding of each chunk intact.
// displayNameCaser title-cases peer-supplied names without clobbering
// intentional interior capitals.
var displayNameCaser = cases.Title(language.English, cases.NoLower)

// normalizeDisplayName trims and title-cases a peer-supplied display name.
// Peers send whatever their local profile holds; the roster uses one shape.
func normalizeDisplayName(name string) string {
	return displayNameCaser.String(strings.TrimSpace(name))
}

func splitChunks(payload string, size int) []string {
	if size <= 0 {
		size = 30000
	}

	var chunks []string
	runes := []rune(payload)
	for start := 0; start < len(runes); start += size {
		end := start + size
		if end > len(runes) {
			end = len(runes)
		}
		chunks = append(chunks, string(runes[start:end]))
	}
	return chunks
}

// Snapshot is a read-only view of one connection for the status report.
type Snapshot struct {
	ID          string
	Address     string
	DisplayName string
	State       string
	ConnectedAt time.Time
	ChunksSent  int
	ChunksTotal int
}

// Snapshots returns the current connections in admission order.
func (a *Admitter) Snapshots() []Snapshot {
	conns := a.ordered()
	snapshots := make([]Snapshot, 0, len(conns))
	for _, conn := range conns {
		snapshot := Snapshot{
			ID:          conn.ID,
			Address:     conn.Address,
			DisplayName: conn.DisplayName,
			State:       conn.State.String(),
			ConnectedAt: conn.ConnectedAt,
		}
		if conn.transfer != nil {
			snapshot.ChunksSent = conn.transfer.Next
			snapshot.ChunksTotal = conn.transfer.Total
		}
		snapshots = append(snapshots, snapshot)
	}
	return snapshots
}
