// Package transport swaps the engine's relay transport for one that listens
// on a directly configured address, and manages the server/host/client role
// lifecycle around it.
package transport

import (
	"context"
	"fmt"
	"io"
	"net"
	"runtime/debug"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// NotificationKind distinguishes transport-level events delivered to the
// admission layer.
type NotificationKind int

const (
	PeerConnected NotificationKind = iota
	PeerDisconnected
	FrameReceived
)

// Notification is one transport event. Frame notifications carry the raw
// body; decoding is the consumer's concern.
type Notification struct {
	Kind      NotificationKind
	Conn      *Conn
	FrameType uint16
	Body      []byte
}

// Direct is the direct-connect transport: a TCP listener accepting peers on
// a configured address, with all connection events funneled into a single
// notification queue drained on the main execution context.
type Direct struct {
	logger   *logrus.Logger
	maxConns int

	listener *net.TCPListener

	notifications chan Notification

	mu     sync.Mutex
	conns  map[string]*Conn
	nextID int
}

func NewDirect(logger *logrus.Logger, maxConns int) *Direct {
	return &Direct{
		logger:        logger,
		maxConns:      maxConns,
		notifications: make(chan Notification, 256),
		conns:         make(map[string]*Conn),
	}
}

func (d *Direct) Name() string { return "direct" }

// Notifications returns the queue of transport events. Consumed only from
// the main execution context.
func (d *Direct) Notifications() <-chan Notification { return d.notifications }

// Listen binds the configured address and spins off the blocking accept
// loop. Returns once the socket is bound, so callers know the port is held.
func (d *Direct) Listen(ctx context.Context, address string) error {
	hostAddr, err := net.ResolveTCPAddr("tcp", address)
	if err != nil {
		return fmt.Errorf("error resolving address %s: %w", address, err)
	}

	socket, err := net.ListenTCP("tcp", hostAddr)
	if err != nil {
		return fmt.Errorf("error listening on %s: %w", address, err)
	}
	d.listener = socket

	d.logger.Infof("direct transport listening on %v", socket.Addr())
	go d.startBlockingLoop(ctx, socket)
	return nil
}

// LocalAddr returns the bound listener address, nil before Listen.
func (d *Direct) LocalAddr() net.Addr {
	if d.listener == nil {
		return nil
	}
	return d.listener.Addr()
}

// startBlockingLoop accepts connections and spins off a reader goroutine for
// each, until the listener closes.
func (d *Direct) startBlockingLoop(ctx context.Context, socket *net.TCPListener) {
	defer d.logger.Debugf("direct transport accept loop exiting")

	for {
		// Poll until we can accept more peers.
		for d.full() {
			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Second):
			}
		}

		connection, err := socket.AcceptTCP()
		if err != nil {
			select {
			case <-ctx.Done():
				return
			default:
			}
			d.logger.Warnf("failed to accept connection: %v", err)
			continue
		}

		go d.acceptPeer(ctx, connection)
	}
}

func (d *Direct) full() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.maxConns > 0 && len(d.conns) >= d.maxConns
}

func (d *Direct) acceptPeer(ctx context.Context, connection *net.TCPConn) {
	d.mu.Lock()
	d.nextID++
	conn := newConn(fmt.Sprintf("conn-%d", d.nextID), connection)
	d.conns[conn.ID()] = conn
	d.mu.Unlock()

	d.logger.Infof("accepted connection %s from %s", conn.ID(), conn.Address())
	d.notify(ctx, Notification{Kind: PeerConnected, Conn: conn})

	d.readFrames(ctx, conn)
}

// readFrames is a blocking loop reading peer frames until the connection
// closes. A panic while handling one peer must never leak past it.
func (d *Direct) readFrames(ctx context.Context, conn *Conn) {
	defer d.closeAndRecover(ctx, conn)

	for {
		frameType, body, err := readConnFrame(conn)
		if err == io.EOF {
			return
		} else if err != nil {
			d.logger.Warnf("read error on %s: %v", conn.ID(), err)
			return
		}

		select {
		case <-ctx.Done():
			return
		default:
		}
		d.notify(ctx, Notification{Kind: FrameReceived, Conn: conn, FrameType: frameType, Body: body})
	}
}

// closeAndRecover catches any panic, closes the peer, and removes it from
// the connection table regardless of the state of the connection.
func (d *Direct) closeAndRecover(ctx context.Context, conn *Conn) {
	if recovered := recover(); recovered != nil {
		d.logger.Errorf("error in peer communication: %s: %v\n%s",
			conn.Address(), recovered, debug.Stack())
	}

	if removed := d.remove(conn.ID()); !removed {
		// Already torn down by Close.
		return
	}

	if err := conn.Close(); err != nil {
		d.logger.Debugf("failed to close connection %s: %v", conn.ID(), err)
	}

	d.logger.Infof("disconnected %s (%s)", conn.ID(), conn.Address())
	d.notify(ctx, Notification{Kind: PeerDisconnected, Conn: conn})
}

func (d *Direct) remove(id string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.conns[id]; !ok {
		return false
	}
	delete(d.conns, id)
	return true
}

func (d *Direct) notify(ctx context.Context, notification Notification) {
	select {
	case d.notifications <- notification:
	case <-ctx.Done():
	}
}

// Close stops the listener and tears down every open connection.
func (d *Direct) Close() error {
	var err error
	if d.listener != nil {
		err = d.listener.Close()
	}

	d.mu.Lock()
	conns := make([]*Conn, 0, len(d.conns))
	for _, conn := range d.conns {
		conns = append(conns, conn)
	}
	d.conns = make(map[string]*Conn)
	d.mu.Unlock()

	for _, conn := range conns {
		_ = conn.Close()
	}
	return err
}
