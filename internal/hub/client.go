package hub

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"nhooyr.io/websocket"

	"lanrelay/internal/chat"
	"lanrelay/internal/user"
)

const (
	sendBuffer   = 64
	writeTimeout = 5 * time.Second
)

// Client is one authenticated websocket session. Outbound traffic goes
// through the buffered send channel drained by writeLoop; Send never blocks.
// The channel is never closed: broadcasters hold unlocked snapshots and may
// still call Send after a concurrent drop, so close only flips the closed
// flag and cancels the context that ends writeLoop.
type Client struct {
	id         string
	conn       *websocket.Conn
	hub        *Hub
	ctx        context.Context
	cancel     context.CancelFunc
	send       chan []byte
	closeOnce  sync.Once
	remoteAddr string

	connectedAt time.Time

	mu          sync.Mutex
	user        user.User
	closed      bool
	currentChat chat.ID
	lastActive  time.Time
}

func (c *Client) Send(msg []byte) bool {
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return false
	}
	select {
	case c.send <- msg:
		return true
	default:
		return false
	}
}

func (c *Client) writeLoop() {
	for {
		select {
		case <-c.ctx.Done():
			return
		case msg := <-c.send:
			ctx, cancel := context.WithTimeout(c.ctx, writeTimeout)
			err := c.conn.Write(ctx, websocket.MessageText, msg)
			cancel()
			if err != nil {
				c.hub.drop(c, websocket.StatusNormalClosure, "write failed")
				return
			}
		}
	}
}

func (c *Client) close(status websocket.StatusCode, reason string) {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.closed = true
		c.mu.Unlock()
		c.cancel()
		_ = c.conn.Close(status, reason)
	})
}

func (c *Client) sendEvent(payload any) bool {
	data, err := json.Marshal(payload)
	if err != nil {
		return false
	}
	return c.Send(data)
}

func (c *Client) sendError(message string) {
	c.sendEvent(errorFrame{Status: "ERROR", Message: message})
}

// writeNow bypasses the send queue. Used for frames that must reach the peer
// before the connection is torn down, where the queue would be dropped.
func (c *Client) writeNow(payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()
	_ = c.conn.Write(ctx, websocket.MessageText, data)
}

// User is the session's authenticated profile. Profile updates rewrite it
// concurrently with broadcasters reading it, hence the lock.
func (c *Client) User() user.User {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.user
}

func (c *Client) setUser(u user.User) {
	c.mu.Lock()
	c.user = u
	c.mu.Unlock()
}

// CurrentChat is the chat the session is focused on, zero when none.
func (c *Client) CurrentChat() chat.ID {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.currentChat
}

func (c *Client) setCurrentChat(id chat.ID) {
	c.mu.Lock()
	c.currentChat = id
	c.mu.Unlock()
}

func (c *Client) touch() {
	c.mu.Lock()
	c.lastActive = time.Now().UTC()
	c.mu.Unlock()
}

func (c *Client) lastActiveAt() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastActive
}

// heartbeatLoop pushes PING frames so idle NAT/proxy paths stay open. A
// failed push is logged by the hub, never fatal.
func (c *Client) heartbeatLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-c.ctx.Done():
			return
		case <-ticker.C:
			ok := c.sendEvent(pingFrame{
				Type:      framePing,
				Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
			})
			if !ok {
				c.hub.log.Debugw("heartbeat not delivered", "login", c.User().Login)
			}
		}
	}
}
