package gateway

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/chozzz/vargos/pkg/protocol"
)

const connWriteWait = 10 * time.Second

// Conn wraps one websocket connection to the gateway. Writes are
// serialized by a per-connection mutex; gorilla/websocket allows at
// most one concurrent writer.
type Conn struct {
	id string
	ws *websocket.Conn

	writeMu sync.Mutex

	mu      sync.Mutex
	service string
	closed  bool
}

func newConn(id string, ws *websocket.Conn) *Conn {
	return &Conn{id: id, ws: ws}
}

// ID returns the connection's gateway-assigned id.
func (c *Conn) ID() string { return c.id }

func (c *Conn) setService(name string) {
	c.mu.Lock()
	c.service = name
	c.mu.Unlock()
}

func (c *Conn) serviceName() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.service
}

// Live reports whether the connection is still open.
func (c *Conn) Live() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return !c.closed
}

func (c *Conn) markClosed() {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
}

// Send writes a frame to the connection. Errors are returned so callers
// can decide whether the peer should be dropped.
func (c *Conn) Send(f *protocol.Frame) error {
	data, err := f.Encode()
	if err != nil {
		return err
	}
	return c.sendRaw(data)
}

// sendRaw forwards already-encoded bytes verbatim.
func (c *Conn) sendRaw(data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.ws.SetWriteDeadline(time.Now().Add(connWriteWait))
	return c.ws.WriteMessage(websocket.TextMessage, data)
}

func (c *Conn) ping() error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(connWriteWait))
}

// closeWithCode sends a close frame and tears the socket down.
func (c *Conn) closeWithCode(code int, reason string) {
	c.writeMu.Lock()
	msg := websocket.FormatCloseMessage(code, reason)
	c.ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
	c.writeMu.Unlock()
	c.markClosed()
	c.ws.Close()
}
