package realtime

import (
	"context"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/driftsync/driftsync/internal/types"
)

// Reconnect backoff bounds.
const (
	reconnectInitial = time.Second
	reconnectMax     = 30 * time.Second
)

// ChangeHandler receives pushed changes. The sync engine wires this to a
// single-item pull through the regular conflict path.
type ChangeHandler func(item types.ChangeItem)

// Client keeps one long-lived channel to the gateway open, resubscribing and
// backing off across transport failures. A Destroy close is final; only
// transport closes reconnect.
type Client struct {
	url         string
	collections []string
	handler     ChangeHandler
	header      map[string][]string
	logger      *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu        sync.Mutex
	conn      *websocket.Conn
	connected bool
	destroyed bool
}

// NewClient builds a realtime client for ws://.../api/stream.
func NewClient(url string, collections []string, handler ChangeHandler, header map[string][]string, logger *zap.Logger) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Client{
		url:         url,
		collections: collections,
		handler:     handler,
		header:      header,
		logger:      logger,
		ctx:         ctx,
		cancel:      cancel,
	}
}

// Connect starts the connection loop. It returns immediately; the loop keeps
// retrying with exponential backoff until Destroy.
func (c *Client) Connect() {
	c.wg.Add(1)
	go c.loop()
}

func (c *Client) loop() {
	defer c.wg.Done()
	backoff := reconnectInitial

	for {
		if c.ctx.Err() != nil {
			return
		}

		established, err := c.runOnce()
		if c.isDestroyed() {
			return
		}
		if established {
			// each new reconnection episode starts from the initial delay
			backoff = reconnectInitial
		}
		if err != nil {
			c.logger.Debug("realtime connection lost", zap.Error(err), zap.Duration("backoff", backoff))
		}

		select {
		case <-c.ctx.Done():
			return
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > reconnectMax {
			backoff = reconnectMax
		}
	}
}

// runOnce dials, subscribes and pumps messages until the connection drops.
// The bool reports whether a session was established (dialed and
// subscribed), which resets the caller's backoff.
func (c *Client) runOnce() (bool, error) {
	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, _, err := dialer.DialContext(c.ctx, c.url, c.header)
	if err != nil {
		return false, err
	}

	c.mu.Lock()
	if c.destroyed {
		c.mu.Unlock()
		conn.Close()
		return false, nil
	}
	c.conn = conn
	c.connected = true
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		c.connected = false
		c.conn = nil
		c.mu.Unlock()
		conn.Close()
	}()

	if err := conn.WriteJSON(types.StreamMessage{
		Type:        types.MsgSubscribe,
		Collections: c.collections,
	}); err != nil {
		return false, err
	}

	for {
		var msg types.StreamMessage
		if err := conn.ReadJSON(&msg); err != nil {
			return true, err
		}

		switch msg.Type {
		case types.MsgConnected:
			c.logger.Debug("realtime channel established")
		case types.MsgChange:
			if msg.Data != nil && c.handler != nil {
				c.handler(*msg.Data)
			}
		case types.MsgError:
			c.logger.Warn("realtime server error", zap.String("error", msg.Error))
		}
	}
}

// IsConnected reports whether a session is currently established.
func (c *Client) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

func (c *Client) isDestroyed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.destroyed
}

// Destroy closes the channel for good; no reconnect follows a manual close.
func (c *Client) Destroy() {
	c.mu.Lock()
	c.destroyed = true
	conn := c.conn
	c.mu.Unlock()

	c.cancel()
	if conn != nil {
		conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		conn.Close()
	}
	c.wg.Wait()
}
