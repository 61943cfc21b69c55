package dashboard

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/bastion-dev/bastion/internal/common/logger"
	"github.com/bastion-dev/bastion/pkg/protocol"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 64 * 1024

	// statusQueueSize bounds the never-drop status queue. Overflow means the
	// client has stopped reading; it is closed rather than shown stale state.
	statusQueueSize = 256

	// logRingSize bounds the drop-oldest log buffer per client.
	logRingSize = 1024
)

// Client is one dashboard WebSocket connection scoped to an owner.
type Client struct {
	ID      string
	ownerID string
	conn    *websocket.Conn
	hub     *Hub
	logger  *logger.Logger

	status chan []byte

	ringMu  sync.Mutex
	ring    [][]byte
	dropped uint64
	notify  chan struct{}

	closeOnce sync.Once
	done      chan struct{}
}

// NewClient wraps an accepted dashboard connection.
func NewClient(id, ownerID string, conn *websocket.Conn, hub *Hub, log *logger.Logger) *Client {
	return &Client{
		ID:      id,
		ownerID: ownerID,
		conn:    conn,
		hub:     hub,
		logger:  log.WithFields(zap.String("client_id", id), zap.String("owner_id", ownerID)),
		status:  make(chan []byte, statusQueueSize),
		notify:  make(chan struct{}, 1),
		done:    make(chan struct{}),
	}
}

// Run registers the client, sends the INITIAL_STATE snapshot, and services
// the connection until it closes.
func (c *Client) Run(ctx context.Context) {
	c.hub.register(c)
	defer func() {
		c.hub.unregister(c)
		c.close()
	}()

	if err := c.sendInitialState(ctx); err != nil {
		c.logger.Error("Failed to send initial state", zap.Error(err))
		return
	}

	go c.readPump()
	c.writePump()
}

func (c *Client) sendInitialState(ctx context.Context) error {
	if c.hub.provider == nil {
		return nil
	}
	state, err := c.hub.provider(ctx, c.ownerID)
	if err != nil {
		return err
	}
	env, err := protocol.NewEnvelope(protocol.TypeInitialState, state)
	if err != nil {
		return err
	}
	data, err := json.Marshal(env)
	if err != nil {
		return err
	}
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

// enqueue applies the class delivery policy.
func (c *Client) enqueue(class Class, data []byte) {
	switch class {
	case ClassStatus:
		select {
		case c.status <- data:
		case <-c.done:
		default:
			// Status frames are never dropped. A full queue means the
			// client stopped reading, so the session ends instead.
			c.logger.Warn("Dashboard status queue full, closing client")
			c.close()
		}
	case ClassLog:
		c.ringMu.Lock()
		if len(c.ring) >= logRingSize {
			c.ring = c.ring[1:]
			c.dropped++
		}
		c.ring = append(c.ring, data)
		c.ringMu.Unlock()
		select {
		case c.notify <- struct{}{}:
		default:
		}
	}
}

// DroppedLogFrames reports how many log frames were shed under backpressure.
func (c *Client) DroppedLogFrames() uint64 {
	c.ringMu.Lock()
	defer c.ringMu.Unlock()
	return c.dropped
}

func (c *Client) drainRing() [][]byte {
	c.ringMu.Lock()
	defer c.ringMu.Unlock()
	if len(c.ring) == 0 {
		return nil
	}
	batch := c.ring
	c.ring = nil
	return batch
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.close()
	}()

	for {
		select {
		case <-c.done:
			return
		case data := <-c.status:
			if !c.write(data) {
				return
			}
		case <-c.notify:
			// Status frames queued alongside pending logs go out first, so
			// the frame that opens a deploy run is on the wire before any of
			// the run's log lines.
			if !c.flushStatus() {
				return
			}
			for _, data := range c.drainRing() {
				if !c.write(data) {
					return
				}
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// flushStatus drains every queued status frame. It returns false when a
// write fails.
func (c *Client) flushStatus() bool {
	for {
		select {
		case data := <-c.status:
			if !c.write(data) {
				return false
			}
		default:
			return true
		}
	}
}

func (c *Client) write(data []byte) bool {
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return c.conn.WriteMessage(websocket.TextMessage, data) == nil
}

// readPump consumes frames only to service pings and detect closure.
// Dashboards are read-only observers; they issue intents over HTTP.
func (c *Client) readPump() {
	defer c.close()
	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.logger.Debug("Dashboard read error", zap.Error(err))
			}
			return
		}
	}
}

func (c *Client) close() {
	c.closeOnce.Do(func() {
		close(c.done)
		_ = c.conn.Close()
	})
}
