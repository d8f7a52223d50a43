package gateway

import (
	"errors"
	"sync"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// errClientGone is returned by Send after the client's write pump stopped;
// the broadcast hub drops the subscriber on any send error.
var errClientGone = errors.New("client connection closed")

// wsConn is the slice of *websocket.Conn the client uses, extracted so router
// tests can substitute a fake socket.
type wsConn interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	Close() error
}

// Client is one downstream websocket connection. Send enqueues into the
// write pump without blocking, so fan-out loops never stall on a slow client.
type Client struct {
	id     string
	userID string
	conn   wsConn
	log    *zap.Logger

	send chan []byte

	mu     sync.Mutex
	closed bool
}

func newClient(conn wsConn, userID string, log *zap.Logger) *Client {
	id := uuid.NewString()
	return &Client{
		id:     id,
		userID: userID,
		conn:   conn,
		log:    log.With(zap.String("client_id", id)),
		send:   make(chan []byte, 64),
	}
}

// ID returns the opaque connection identity.
func (c *Client) ID() string { return c.id }

// UserID returns the authenticated user, empty for anonymous connections.
func (c *Client) UserID() string { return c.userID }

// Send enqueues a payload for the write pump. A full buffer counts as a dead
// connection rather than blocking the broadcaster.
func (c *Client) Send(payload []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return errClientGone
	}
	select {
	case c.send <- payload:
		return nil
	default:
		return errClientGone
	}
}

// close stops the write pump. Idempotent.
func (c *Client) close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	close(c.send)
}

// writePump drains the send queue onto the socket until close.
func (c *Client) writePump() {
	for payload := range c.send {
		if err := c.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
			c.log.Debug("client write failed", zap.Error(err))
			break
		}
	}
	_ = c.conn.Close()
	// Drain so concurrent Send calls that won the race never block.
	for range c.send {
	}
}
