// Package relay implements the realtime event relay: authenticated
// WebSocket sessions, the per-instance connection registry, and the
// fan-out of bus events to locally connected clients.
package relay

import (
	"net"
	"sync"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
)

// Conn is a single live WebSocket connection with its associated identity
// and a write mutex for serializing outbound frames. A Conn is owned by
// exactly one Session and is never reused after teardown.
type Conn struct {
	ID        string   // connection ID (UUID)
	Identity  string   // authenticated subject owning this connection
	NetConn   net.Conn // underlying TCP connection
	CreatedAt time.Time

	writeMu sync.Mutex // serializes writes to this connection

	activeMu   sync.Mutex
	lastActive time.Time // last frame received from the client
}

// WriteMessage sends a WebSocket text frame to this connection. The write
// mutex ensures that concurrent goroutines do not interleave frame bytes.
func (c *Conn) WriteMessage(data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return wsutil.WriteServerMessage(c.NetConn, ws.OpText, data)
}

// WritePing sends a WebSocket protocol-level ping frame (opcode 0x9) on
// the connection. Browsers answer it automatically with a pong.
func (c *Conn) WritePing() error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return ws.WriteFrame(c.NetConn, ws.NewPingFrame(nil))
}

// WritePong answers a client ping, echoing its payload. The write mutex
// keeps the pong from interleaving with forwarded event frames.
func (c *Conn) WritePong(payload []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return ws.WriteFrame(c.NetConn, ws.NewPongFrame(payload))
}

// Touch records client activity. Any inbound frame proves liveness.
func (c *Conn) Touch() {
	c.activeMu.Lock()
	c.lastActive = time.Now()
	c.activeMu.Unlock()
}

// LastActive returns the time of the most recent inbound frame.
func (c *Conn) LastActive() time.Time {
	c.activeMu.Lock()
	t := c.lastActive
	c.activeMu.Unlock()
	return t
}

// Close closes the underlying network connection.
func (c *Conn) Close() error {
	return c.NetConn.Close()
}
