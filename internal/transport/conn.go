package transport

import (
	"net"
	"sync"

	"github.com/veilbreak/headless/internal/packets"
)

// Conn represents one remote peer on the direct transport. The id is
// server-assigned and unique for the connection's lifetime.
type Conn struct {
	id   string
	addr string
	tcp  net.Conn

	// Guards writes so concurrently sent frames are never interleaved.
	writeMu sync.Mutex
}

func newConn(id string, tcp net.Conn) *Conn {
	return &Conn{
		id:   id,
		addr: tcp.RemoteAddr().String(),
		tcp:  tcp,
	}
}

func (c *Conn) ID() string      { return c.id }
func (c *Conn) Address() string { return c.addr }

// SendFrame encodes and writes one frame to the peer. The underlying TCP
// stream is reliable and ordered; callers never retransmit above it.
func (c *Conn) SendFrame(frameType uint16, body interface{}) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return packets.WriteFrame(c.tcp, frameType, body)
}

func (c *Conn) Close() error {
	return c.tcp.Close()
}

// readConnFrame blocks until the peer's next frame arrives.
func readConnFrame(c *Conn) (uint16, []byte, error) {
	return packets.ReadFrame(c.tcp)
}
