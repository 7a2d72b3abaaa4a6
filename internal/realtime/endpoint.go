package realtime

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/tinywideclouds/go-relay-service/pkg/relay"
)

const writeTimeout = 10 * time.Second

// wsEndpoint adapts one gorilla connection to relay.Endpoint. A gorilla
// connection allows only one concurrent writer, so every write goes
// through the mutex; the read loop stays outside it.
type wsEndpoint struct {
	mu     sync.Mutex
	conn   *websocket.Conn
	closed bool
}

func newEndpoint(conn *websocket.Conn) *wsEndpoint {
	return &wsEndpoint{conn: conn}
}

func (e *wsEndpoint) Send(data []byte) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return websocket.ErrCloseSent
	}
	_ = e.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return e.conn.WriteMessage(websocket.BinaryMessage, data)
}

// Close sends a close frame carrying the application code and then drops
// the underlying connection, waking the read loop. Only the first call
// writes the frame.
func (e *wsEndpoint) Close(code relay.CloseCode, reason string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return
	}
	e.closed = true

	msg := websocket.FormatCloseMessage(int(code), reason)
	_ = e.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeTimeout))
	_ = e.conn.Close()
}

func (e *wsEndpoint) RemoteAddr() string {
	return e.conn.RemoteAddr().String()
}
