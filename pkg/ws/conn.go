package ws

import (
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"llmarena/pkg/core"
)

const (
	writeTimeout  = 10 * time.Second
	sendQueueSize = 64
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	// Origin enforcement belongs to the auth layer in front of us.
	CheckOrigin: func(*http.Request) bool { return true },
}

// Conn is one live client channel. It subscribes implicitly to all events
// for its user and, if admin, to system-wide admin events.
type Conn struct {
	id     string
	userID string
	admin  bool
	sock   *websocket.Conn
	send   chan []byte
	done   chan struct{}
	hub    *Hub
	once   sync.Once
}

// Accept upgrades the request and registers the connection with the hub.
// The per-user cap is enforced at handshake: an over-limit connection is
// closed immediately with CloseConnectionLimit and existing connections
// are unaffected.
func (h *Hub) Accept(w http.ResponseWriter, r *http.Request, userID string, admin bool) (*Conn, error) {
	sock, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return nil, err
	}

	c := &Conn{
		id:     uuid.New().String(),
		userID: userID,
		admin:  admin,
		sock:   sock,
		send:   make(chan []byte, sendQueueSize),
		done:   make(chan struct{}),
		hub:    h,
	}

	if err := h.register(c); err != nil {
		code := websocket.CloseInternalServerErr
		if errors.Is(err, core.ErrConnectionLimit) {
			code = CloseConnectionLimit
		}
		msg := websocket.FormatCloseMessage(code, err.Error())
		_ = sock.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeTimeout))
		_ = sock.Close()
		return nil, err
	}

	go c.writePump()
	go c.readPump()
	return c, nil
}

// enqueue hands a frame to the write pump without blocking. False means
// the connection is saturated or closed and should be pruned.
func (c *Conn) enqueue(data []byte) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.send <- data:
		return true
	default:
		return false
	}
}

// writePump is the only writer on the socket.
func (c *Conn) writePump() {
	for {
		select {
		case <-c.done:
			return
		case data := <-c.send:
			_ = c.sock.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := c.sock.WriteMessage(websocket.TextMessage, data); err != nil {
				c.hub.remove(c)
				return
			}
		}
	}
}

// readPump enforces the keepalive contract: the client must produce some
// traffic (a ping or any frame) within the idle window or be disconnected
// with CloseIdleTimeout. Inbound payloads are otherwise ignored; this is a
// one-way event channel.
func (c *Conn) readPump() {
	defer c.hub.remove(c)

	resetDeadline := func() {
		_ = c.sock.SetReadDeadline(time.Now().Add(c.hub.idleTimeout))
	}
	resetDeadline()
	c.sock.SetPingHandler(func(appData string) error {
		resetDeadline()
		_ = c.sock.WriteControl(websocket.PongMessage, []byte(appData), time.Now().Add(writeTimeout))
		return nil
	})
	c.sock.SetPongHandler(func(string) error {
		resetDeadline()
		return nil
	})

	for {
		if _, _, err := c.sock.ReadMessage(); err != nil {
			if netErr, ok := err.(interface{ Timeout() bool }); ok && netErr.Timeout() {
				msg := websocket.FormatCloseMessage(CloseIdleTimeout, "idle timeout")
				_ = c.sock.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeTimeout))
			}
			return
		}
		resetDeadline()
	}
}

// close tears the socket down. Idempotent.
func (c *Conn) close() {
	c.once.Do(func() {
		close(c.done)
		_ = c.sock.Close()
	})
}
