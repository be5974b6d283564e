// Package relay implements the client side of the rendezvous hub
// connection: a persistent websocket carrying tagged JSON messages.
package relay

import (
	"context"
	"fmt"
	"log"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/tandem-sync/tandem/internal/proto"
	"github.com/tandem-sync/tandem/internal/util"
)

// Status is the transport connection state. Error is terminal until an
// explicit Reset.
type Status string

const (
	StatusOffline    Status = "offline"
	StatusConnecting Status = "connecting"
	StatusConnected  Status = "connected"
	StatusError      Status = "error"
)

// Client owns one websocket connection to the relay hub. Messages are
// delivered to the registered handler from a single read loop; sends
// while not connected are logged and dropped, never an error the
// caller has to handle.
type Client struct {
	url string

	mu       sync.Mutex
	conn     *websocket.Conn
	status   Status
	onMsg    func(proto.Message)
	onStatus func(Status)

	// Serializes writers; gorilla allows one concurrent writer only.
	writeMu sync.Mutex
}

func NewClient(url string) *Client {
	return &Client{url: url, status: StatusOffline}
}

// OnMessage registers the handler for incoming messages. Must be set
// before Connect.
func (c *Client) OnMessage(fn func(proto.Message)) {
	c.mu.Lock()
	c.onMsg = fn
	c.mu.Unlock()
}

// OnStatusChange registers the handler fired on every status
// transition.
func (c *Client) OnStatusChange(fn func(Status)) {
	c.mu.Lock()
	c.onStatus = fn
	c.mu.Unlock()
}

// Status returns the current connection state.
func (c *Client) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

// Connect dials the hub. A second call while connecting or connected
// is a no-op — guards against duplicate sockets. An errored client
// stays errored until Reset.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	switch c.status {
	case StatusConnecting, StatusConnected:
		c.mu.Unlock()
		log.Printf("RELAY: connect ignored, already %s", c.status)
		return nil
	case StatusError:
		c.mu.Unlock()
		return fmt.Errorf("relay in error state, reset before reconnecting")
	}
	c.setStatusLocked(StatusConnecting)
	c.mu.Unlock()

	dialCtx, cancel := context.WithTimeout(ctx, util.DefaultConnectTimeout)
	defer cancel()

	conn, _, err := websocket.DefaultDialer.DialContext(dialCtx, c.url, nil)
	if err != nil {
		c.mu.Lock()
		c.setStatusLocked(StatusError)
		c.mu.Unlock()
		return fmt.Errorf("dial relay %s: %w", c.url, err)
	}

	c.mu.Lock()
	c.conn = conn
	c.setStatusLocked(StatusConnected)
	c.mu.Unlock()

	go c.readLoop(conn)
	return nil
}

// Send writes one message. Not connected: logged and dropped.
func (c *Client) Send(msg proto.Message) {
	c.mu.Lock()
	conn := c.conn
	status := c.status
	c.mu.Unlock()

	if status != StatusConnected || conn == nil {
		log.Printf("RELAY: dropping %s, not connected (%s)", msg.Type, status)
		return
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := conn.WriteJSON(msg); err != nil {
		log.Printf("RELAY: send %s failed: %v", msg.Type, err)
	}
}

// Close tears the connection down and goes offline. Idempotent.
func (c *Client) Close() {
	c.mu.Lock()
	conn := c.conn
	c.conn = nil
	if c.status != StatusError {
		c.setStatusLocked(StatusOffline)
	}
	c.mu.Unlock()

	if conn != nil {
		_ = conn.Close()
	}
}

// Fail forces the terminal error state and closes the socket. Used when
// the hub sends an explicit error message.
func (c *Client) Fail() {
	c.mu.Lock()
	conn := c.conn
	c.conn = nil
	c.setStatusLocked(StatusError)
	c.mu.Unlock()

	if conn != nil {
		_ = conn.Close()
	}
}

// Reset clears the error state back to offline so a new Connect can be
// attempted.
func (c *Client) Reset() {
	c.mu.Lock()
	if c.status == StatusError {
		c.setStatusLocked(StatusOffline)
	}
	c.mu.Unlock()
}

// setStatusLocked updates the status and fires the handler outside the
// lock. Caller holds c.mu.
func (c *Client) setStatusLocked(s Status) {
	if c.status == s {
		return
	}
	c.status = s
	fn := c.onStatus
	if fn != nil {
		go fn(s)
	}
}

func (c *Client) readLoop(conn *websocket.Conn) {
	for {
		var msg proto.Message
		if err := conn.ReadJSON(&msg); err != nil {
			c.mu.Lock()
			// A stale loop for a replaced connection must not touch state.
			if c.conn == conn {
				c.conn = nil
				if c.status != StatusError {
					c.setStatusLocked(StatusOffline)
				}
			}
			c.mu.Unlock()
			return
		}
		if msg.Type == "" {
			log.Printf("RELAY: message without type, dropped")
			continue
		}

		c.mu.Lock()
		fn := c.onMsg
		c.mu.Unlock()
		if fn != nil {
			fn(msg)
		}
	}
}
