package hostengine

import (
	"errors"
	"fmt"
)

// Authenticator is the engine-defined connection authenticator. The engine
// may not define one at all, in which case the field on NetworkController is
// nil and admission falls back to its manual handshake.
type Authenticator interface {
	Accept(connectionID, address string) error
}

// PlayerObject is the network object bound to an admitted connection. In the
// interactive path the engine spawns these when a player joins through the
// lobby; headless admission has to do it explicitly.
type PlayerObject struct {
	ConnectionID string
	DisplayName  string

	// The engine's own readiness flag. Advisory in headless mode: it may
	// never flip without a render loop, so nothing above blocks on it.
	Ready bool
}

// NetworkController owns the engine's active transport slot, the player
// template, and the per-connection network object bindings.
type NetworkController struct {
	// The transport the engine is currently routing traffic through. The
	// role manager swaps this for the direct transport and restores it on
	// stop.
	ActiveTransport interface{}

	// Authenticator is nil unless the engine (or a plugin) installed one.
	Authenticator Authenticator

	// PlayerTemplate is cloned for each spawned player object.
	PlayerTemplate *PlayerObject

	players map[string]*PlayerObject

	// Network-visible singletons the engine expects to exist in a hosted
	// session. Normally created when an interactive player reaches the
	// world; seeded explicitly on host start.
	registered map[string]interface{}
}

func NewNetworkController() *NetworkController {
	return &NetworkController{
		ActiveTransport: &RelayTransport{},
		PlayerTemplate:  &PlayerObject{DisplayName: "Player"},
		players:         make(map[string]*PlayerObject),
		registered:      make(map[string]interface{}),
	}
}

// SpawnPlayer instantiates a player object from the template and binds it to
// the connection.
func (n *NetworkController) SpawnPlayer(connectionID string) (*PlayerObject, error) {
	if n.PlayerTemplate == nil {
		return nil, errors.New("no player template configured")
	}
	if _, exists := n.players[connectionID]; exists {
		return nil, fmt.Errorf("connection %s already has a player object", connectionID)
	}

	player := &PlayerObject{
		ConnectionID: connectionID,
		DisplayName:  n.PlayerTemplate.DisplayName,
	}
	n.players[connectionID] = player
	return player, nil
}

// PlayerFor returns the player object bound to the connection, if any.
func (n *NetworkController) PlayerFor(connectionID string) (*PlayerObject, bool) {
	player, ok := n.players[connectionID]
	return player, ok
}

// ReleasePlayer unbinds and discards the connection's player object.
func (n *NetworkController) ReleasePlayer(connectionID string) {
	delete(n.players, connectionID)
}

// RegisterNetworkObject seeds a network-visible singleton into the hosted
// session's object registry.
func (n *NetworkController) RegisterNetworkObject(name string, object interface{}) {
	n.registered[name] = object
}

// NetworkObject returns a previously registered network-visible singleton.
func (n *NetworkController) NetworkObject(name string) (interface{}, bool) {
	object, ok := n.registered[name]
	return object, ok
}

// RelayTransport is the engine's default lobby/relay transport. It cannot
// listen on a configured address, which is the whole reason the role manager
// swaps it out.
type RelayTransport struct {
	LobbyCode string
}

func (t *RelayTransport) Name() string { return "relay" }
