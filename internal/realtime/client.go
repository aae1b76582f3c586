// Package realtime keeps the websocket subscription of the active chat room
// and forwards push events to a Handler.
package realtime

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/matheus3301/chatsync/internal/bus"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 1 << 20
)

// Handler receives every inbound data frame in arrival order.
type Handler interface {
	HandleEvent(ctx context.Context, evt Event)
}

// Options configures a Client.
type Options struct {
	URL        string
	Token      string
	MinBackoff time.Duration
	MaxBackoff time.Duration
}

// Client is a reconnecting websocket client subscribed to at most one room.
type Client struct {
	opts    Options
	handler Handler
	bus     *bus.Bus
	log     *zap.Logger

	mu   sync.Mutex
	conn *websocket.Conn
	room string

	wmu sync.Mutex
}

// New creates a realtime client. Nothing is dialed until Run.
func New(opts Options, h Handler, b *bus.Bus, log *zap.Logger) *Client {
	if log == nil {
		log = zap.NewNop()
	}
	if opts.MinBackoff <= 0 {
		opts.MinBackoff = time.Second
	}
	if opts.MaxBackoff < opts.MinBackoff {
		opts.MaxBackoff = 30 * time.Second
	}
	return &Client{opts: opts, handler: h, bus: b, log: log.Named("realtime")}
}

// Room returns the room the client is subscribed to, or "".
func (c *Client) Room() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.room
}

// Connected reports whether a websocket connection is currently up.
func (c *Client) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn != nil
}

// Join subscribes to chatID's room, leaving the previous room first.
// Joining the current room again is a no-op. While disconnected the room is
// remembered and joined on the next connect.
func (c *Client) Join(chatID int64) {
	room := RoomFor(chatID)

	c.mu.Lock()
	prev := c.room
	if prev == room {
		c.mu.Unlock()
		return
	}
	c.room = room
	conn := c.conn
	c.mu.Unlock()

	if conn == nil {
		return
	}
	if prev != "" {
		c.control(conn, "leave", prev)
	}
	c.control(conn, "join", room)
}

// Leave unsubscribes from chatID's room if it is the current one.
// Frames already in flight for the room are still delivered.
func (c *Client) Leave(chatID int64) {
	room := RoomFor(chatID)

	c.mu.Lock()
	if c.room != room {
		c.mu.Unlock()
		return
	}
	c.room = ""
	conn := c.conn
	c.mu.Unlock()

	if conn != nil {
		c.control(conn, "leave", room)
	}
}

// control writes a join/leave frame. Write failures surface as a read error
// on the same connection, which triggers a reconnect and a rejoin.
func (c *Client) control(conn *websocket.Conn, action, room string) {
	if err := c.write(conn, frame{Action: action, Room: room}); err != nil {
		c.log.Debug("control frame failed", zap.String("action", action), zap.String("room", room), zap.Error(err))
	}
}

func (c *Client) write(conn *websocket.Conn, f frame) error {
	data, err := json.Marshal(f)
	if err != nil {
		return err
	}
	c.wmu.Lock()
	defer c.wmu.Unlock()
	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	return conn.WriteMessage(websocket.TextMessage, data)
}

func (c *Client) ping(conn *websocket.Conn) error {
	c.wmu.Lock()
	defer c.wmu.Unlock()
	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	return conn.WriteMessage(websocket.PingMessage, nil)
}

// Run dials and serves the connection until ctx is cancelled, reconnecting
// with capped exponential backoff.
func (c *Client) Run(ctx context.Context) error {
	backoff := c.opts.MinBackoff
	for {
		conn, err := c.dial(ctx)
		if err == nil {
			backoff = c.opts.MinBackoff
			c.serve(ctx, conn)
		} else if ctx.Err() == nil {
			c.log.Warn("dial failed", zap.Error(err), zap.Duration("retry_in", backoff))
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}

		t := time.NewTimer(backoff)
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-t.C:
		}
		backoff = min(backoff*2, c.opts.MaxBackoff)
	}
}

func (c *Client) dial(ctx context.Context) (*websocket.Conn, error) {
	header := http.Header{}
	if c.opts.Token != "" {
		header.Set("Authorization", "Bearer "+c.opts.Token)
	}
	dialer := websocket.Dialer{HandshakeTimeout: writeWait}
	conn, resp, err := dialer.DialContext(ctx, c.opts.URL, header)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", c.opts.URL, err)
	}
	return conn, nil
}

// serve owns one connection: it rejoins the current room, keeps the
// connection alive and dispatches data frames until the connection fails.
func (c *Client) serve(ctx context.Context, conn *websocket.Conn) {
	c.mu.Lock()
	c.conn = conn
	room := c.room
	c.mu.Unlock()

	c.log.Info("connected", zap.String("url", c.opts.URL))
	c.publish(KindConnected)
	if room != "" {
		c.control(conn, "join", room)
	}

	done := make(chan struct{})
	go c.keepalive(ctx, conn, done)

	err := c.readLoop(ctx, conn)

	close(done)
	c.mu.Lock()
	c.conn = nil
	c.mu.Unlock()
	_ = conn.Close()

	if ctx.Err() == nil {
		c.log.Warn("disconnected", zap.Error(err))
	}
	c.publish(KindDisconnected)
}

func (c *Client) keepalive(ctx context.Context, conn *websocket.Conn, done <-chan struct{}) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ctx.Done():
			// Unblocks the reader.
			_ = conn.Close()
			return
		case <-ticker.C:
			if err := c.ping(conn); err != nil {
				_ = conn.Close()
				return
			}
		}
	}
}

func (c *Client) readLoop(ctx context.Context, conn *websocket.Conn) error {
	conn.SetReadLimit(maxMessageSize)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure) || errors.Is(err, websocket.ErrCloseSent) {
				return nil
			}
			return err
		}
		_ = conn.SetReadDeadline(time.Now().Add(pongWait))

		var f frame
		if err := json.Unmarshal(data, &f); err != nil {
			c.log.Warn("undecodable frame", zap.Error(err), zap.Int("bytes", len(data)))
			continue
		}
		if f.Event == "" {
			continue
		}
		evt := Event{Kind: f.Event, Room: f.Room, Payload: f.Payload}
		evt.ChatID, _ = ChatIDFromRoom(f.Room)
		if c.handler != nil {
			c.handler.HandleEvent(ctx, evt)
		}
	}
}

func (c *Client) publish(kind string) {
	if c.bus == nil {
		return
	}
	c.bus.Publish(bus.Event{Kind: kind, Timestamp: time.Now(), Payload: c.opts.URL})
}
